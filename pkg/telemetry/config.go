package telemetry

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

// Environments select a configuration preset.
const (
	EnvDevelopment = "development"
	EnvProduction  = "production"
	EnvTest        = "test"
)

// Config is the telemetry configuration of an expctl process.
type Config struct {
	ServiceName    string `validate:"required"`
	ServiceVersion string `validate:"required"`
	Environment    string `validate:"omitempty,oneof=development production test"`

	Logging LoggingConfig
	Tracing TracingConfig
	Metrics MetricsConfig
	Events  EventsConfig
}

// LoggingConfig configures the experiment logger.
type LoggingConfig struct {
	Level  string `validate:"oneof=trace debug info warn error fatal"`
	Format string `validate:"oneof=console json"`

	// Output is stderr, stdout or a file path. Empty means stderr.
	Output string

	// Caller adds file:line to every entry.
	Caller bool

	// Sample keeps SampleBurst entries per second, then one in SampleEvery.
	// Reschedule loops of long experiments can log at a high rate.
	Sample      bool
	SampleBurst uint32 `validate:"required_if=Sample true"`
	SampleEvery uint32 `validate:"required_if=Sample true"`

	// TimeFormat is rfc3339 (default), unix, unixms or unixmicro.
	TimeFormat string
	NoColor    bool
}

// TracingConfig configures OpenTelemetry tracing of experiments and tasks.
type TracingConfig struct {
	Enabled bool

	// Exporter is otlp, stdout or none.
	Exporter string `validate:"oneof=none stdout otlp"`

	// Endpoint is the OTLP collector, e.g. "localhost:4317".
	Endpoint string `validate:"required_if=Exporter otlp"`

	SamplingRate  float64 `validate:"gte=0,lte=1"`
	BatchSize     int     `validate:"gte=0"`
	ExportTimeout time.Duration

	// Headers are sent with every OTLP export, e.g. collector credentials.
	Headers  map[string]string
	Insecure bool
}

// MetricsConfig configures the Prometheus metrics.
type MetricsConfig struct {
	Enabled bool

	// ListenAddress serves Path when set. Metrics are still collected
	// without it.
	ListenAddress string
	Path          string
	Namespace     string `validate:"required_if=Enabled true"`

	// Buckets are the latency histogram buckets in seconds.
	Buckets []float64
}

// EventsConfig configures the event publisher.
type EventsConfig struct {
	Enabled    bool
	BufferSize int `validate:"required_if=Enabled true,gte=0"`

	// Async delivers events from a goroutine in publish order.
	Async bool
}

var configValidator = validator.New()

// DefaultConfig returns the development preset.
func DefaultConfig() *Config {
	return ConfigFor(EnvDevelopment)
}

// ConfigFor returns the preset of an environment. Production logs JSON
// with sampling and exports sampled traces over OTLP; test is quiet and
// delivers events synchronously. Unknown environments get development.
func ConfigFor(environment string) *Config {
	cfg := &Config{
		ServiceName:    "expctl",
		ServiceVersion: "dev",
		Environment:    EnvDevelopment,
		Logging: LoggingConfig{
			Level:       "info",
			Format:      "console",
			Output:      "stderr",
			SampleBurst: 100,
			SampleEvery: 100,
			TimeFormat:  "rfc3339",
		},
		Tracing: TracingConfig{
			Exporter:      "none",
			Endpoint:      "localhost:4317",
			SamplingRate:  1.0,
			BatchSize:     512,
			ExportTimeout: 30 * time.Second,
			Headers:       make(map[string]string),
			Insecure:      true,
		},
		Metrics: MetricsConfig{
			Enabled:   true,
			Path:      "/metrics",
			Namespace: "expctl",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		Events: EventsConfig{
			Enabled:    true,
			BufferSize: 4096,
			Async:      true,
		},
	}

	switch environment {
	case EnvProduction:
		cfg.Environment = EnvProduction
		cfg.Logging.Format = "json"
		cfg.Logging.Sample = true
		cfg.Logging.TimeFormat = "unix"
		cfg.Tracing.Enabled = true
		cfg.Tracing.Exporter = "otlp"
		cfg.Tracing.SamplingRate = 0.1
		cfg.Tracing.Insecure = false
	case EnvTest:
		cfg.Environment = EnvTest
		cfg.Logging.Level = "error"
		cfg.Events.Async = false
	default:
		cfg.Logging.Level = "debug"
	}
	return cfg
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if err := configValidator.Struct(c); err != nil {
		return fmt.Errorf("invalid telemetry config: %w", err)
	}
	return nil
}
