package engine

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// TimestampFormat is the layout of absolute time specifications:
// year, month, day, hour, minute, second and microseconds, 20 digits.
const TimestampFormat = "20060102150405.000000"

var relativeSpec = regexp.MustCompile(`^(\d+(?:\.\d+)?)(h|m|s|ms|us)$`)
var absoluteSpec = regexp.MustCompile(`^\d{20}$`)

// ParseDelay parses a relative time specification such as "2s", "500ms",
// "1.5m", "3h" or "10us". An empty string is a zero delay.
func ParseDelay(spec string) (time.Duration, error) {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return 0, nil
	}
	m := relativeSpec.FindStringSubmatch(spec)
	if m == nil {
		return 0, fmt.Errorf("invalid relative time specification: %q", spec)
	}
	value, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return 0, fmt.Errorf("invalid relative time specification %q: %w", spec, err)
	}
	var unit time.Duration
	switch m[2] {
	case "h":
		unit = time.Hour
	case "m":
		unit = time.Minute
	case "s":
		unit = time.Second
	case "ms":
		unit = time.Millisecond
	case "us":
		unit = time.Microsecond
	}
	return time.Duration(value * float64(unit)), nil
}

// ParseDeadline normalizes a relative or absolute time specification to
// an absolute deadline. Relative specifications are added to now.
func ParseDeadline(spec string, now time.Time) (time.Time, error) {
	spec = strings.TrimSpace(spec)
	if absoluteSpec.MatchString(spec) {
		t, err := time.ParseInLocation(TimestampFormat, spec[:14]+"."+spec[14:], time.Local)
		if err != nil {
			return time.Time{}, fmt.Errorf("invalid absolute time specification %q: %w", spec, err)
		}
		return t, nil
	}
	d, err := ParseDelay(spec)
	if err != nil {
		return time.Time{}, err
	}
	return now.Add(d), nil
}

// FormatTimestamp renders t as a 20-digit absolute time specification.
func FormatTimestamp(t time.Time) string {
	return strings.Replace(t.Format(TimestampFormat), ".", "", 1)
}

// FormatDelay renders d as a relative time specification accepted by ParseDelay.
func FormatDelay(d time.Duration) string {
	if d <= 0 {
		return "0s"
	}
	return strconv.FormatFloat(d.Seconds(), 'f', -1, 64) + "s"
}
