package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/openfroyo/expctl/pkg/engine"
	"github.com/openfroyo/expctl/pkg/telemetry"
)

// Environment variables overriding settings.
const (
	EnvWorkers     = "EXPCTL_WORKERS"
	EnvLogLevel    = "EXPCTL_LOG_LEVEL"
	EnvLedger      = "EXPCTL_LEDGER"
	EnvMetricsAddr = "EXPCTL_METRICS_ADDR"
)

// Settings is the process configuration of expctl.
type Settings struct {
	// Environment selects the telemetry preset (development, production, test).
	Environment string `yaml:"environment" json:"environment" validate:"oneof=development production test"`

	Workers            int    `yaml:"workers" json:"workers" validate:"gte=1,lte=10000"`
	ReleaseWorkers     int    `yaml:"release_workers" json:"release_workers" validate:"gte=1,lte=10000"`
	RescheduleDelay    string `yaml:"reschedule_delay" json:"reschedule_delay" validate:"required,delay"`
	MaxRescheduleDelay string `yaml:"max_reschedule_delay" json:"max_reschedule_delay" validate:"required,delay"`
	GroupPollInterval  string `yaml:"group_poll_interval" json:"group_poll_interval" validate:"required,delay"`
	WaitPollInterval   string `yaml:"wait_poll_interval" json:"wait_poll_interval" validate:"required,delay"`

	// Ledger is the SQLite path of the experiment ledger.
	Ledger string `yaml:"ledger" json:"ledger" validate:"required"`

	// MetricsAddr serves Prometheus metrics when set (e.g., ":9090").
	MetricsAddr string `yaml:"metrics_addr" json:"metrics_addr" validate:"omitempty,hostname_port"`

	Log     LogSettings     `yaml:"log" json:"log"`
	Tracing TracingSettings `yaml:"tracing" json:"tracing"`
}

// LogSettings configures logging.
type LogSettings struct {
	Level  string `yaml:"level" json:"level" validate:"oneof=trace debug info warn error fatal"`
	Format string `yaml:"format" json:"format" validate:"oneof=console json"`
}

// TracingSettings configures tracing.
type TracingSettings struct {
	Exporter     string  `yaml:"exporter" json:"exporter" validate:"oneof=none stdout otlp"`
	Endpoint     string  `yaml:"endpoint" json:"endpoint" validate:"required_if=Exporter otlp"`
	SamplingRate float64 `yaml:"sampling_rate" json:"sampling_rate" validate:"gte=0,lte=1"`
	Insecure     bool    `yaml:"insecure" json:"insecure"`
}

// DefaultSettings returns the default settings.
func DefaultSettings() *Settings {
	return &Settings{
		Environment:        "development",
		Workers:            engine.DefaultWorkers,
		ReleaseWorkers:     engine.DefaultWorkers,
		RescheduleDelay:    "500ms",
		MaxRescheduleDelay: "5s",
		GroupPollInterval:  "1s",
		WaitPollInterval:   "1s",
		Ledger:             ":memory:",
		Log: LogSettings{
			Level:  "info",
			Format: "console",
		},
		Tracing: TracingSettings{
			Exporter:     "none",
			Endpoint:     "localhost:4317",
			SamplingRate: 1.0,
			Insecure:     true,
		},
	}
}

// LoadSettings reads settings from path, when set, then applies the
// environment overrides and validates the result.
func LoadSettings(path string) (*Settings, error) {
	s := DefaultSettings()

	if path != "" {
		content, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read settings: %w", err)
		}
		if err := s.decode(content); err != nil {
			return nil, err
		}
	}

	if err := s.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Settings) decode(content []byte) error {
	dec := yaml.NewDecoder(bytes.NewReader(content))
	dec.KnownFields(true)
	if err := dec.Decode(s); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("failed to parse settings: %w", err)
	}
	return nil
}

// ApplyEnv applies the EXPCTL_* overrides found through lookup.
func (s *Settings) ApplyEnv(lookup func(string) (string, bool)) error {
	if v, ok := lookup(EnvWorkers); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid %s %q: %w", EnvWorkers, v, err)
		}
		s.Workers = n
	}
	if v, ok := lookup(EnvLogLevel); ok && v != "" {
		s.Log.Level = v
	}
	if v, ok := lookup(EnvLedger); ok && v != "" {
		s.Ledger = v
	}
	if v, ok := lookup(EnvMetricsAddr); ok {
		s.MetricsAddr = v
	}
	return nil
}

// Validate checks the settings.
func (s *Settings) Validate() error {
	if err := NewValidator().Struct(s); err != nil {
		return fmt.Errorf("invalid settings: %w", err)
	}
	return nil
}

// EngineOptions converts the settings into controller options.
func (s *Settings) EngineOptions() (engine.Options, error) {
	opts := engine.DefaultOptions()
	opts.Workers = s.Workers
	opts.ReleaseWorkers = s.ReleaseWorkers

	durations := []struct {
		name string
		spec string
		dst  *time.Duration
	}{
		{"reschedule_delay", s.RescheduleDelay, &opts.RescheduleDelay},
		{"max_reschedule_delay", s.MaxRescheduleDelay, &opts.MaxRescheduleDelay},
		{"group_poll_interval", s.GroupPollInterval, &opts.GroupPollInterval},
		{"wait_poll_interval", s.WaitPollInterval, &opts.WaitPollInterval},
	}
	for _, d := range durations {
		v, err := engine.ParseDelay(d.spec)
		if err != nil {
			return engine.Options{}, fmt.Errorf("invalid %s: %w", d.name, err)
		}
		*d.dst = v
	}

	if err := opts.Validate(); err != nil {
		return engine.Options{}, err
	}
	return opts, nil
}

// TelemetryConfig converts the settings into a telemetry configuration.
func (s *Settings) TelemetryConfig() *telemetry.Config {
	cfg := telemetry.ConfigFor(s.Environment)

	cfg.Logging.Level = s.Log.Level
	cfg.Logging.Format = s.Log.Format

	cfg.Tracing.Exporter = s.Tracing.Exporter
	cfg.Tracing.Enabled = s.Tracing.Exporter != "none"
	cfg.Tracing.Endpoint = s.Tracing.Endpoint
	cfg.Tracing.SamplingRate = s.Tracing.SamplingRate
	cfg.Tracing.Insecure = s.Tracing.Insecure

	cfg.Metrics.ListenAddress = s.MetricsAddr
	return cfg
}
