package commands

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/openfroyo/expctl/pkg/config"
	"github.com/openfroyo/expctl/pkg/drivers/linux"
	"github.com/openfroyo/expctl/pkg/drivers/sim"
	"github.com/openfroyo/expctl/pkg/engine"
	"github.com/openfroyo/expctl/pkg/stores"
	"github.com/openfroyo/expctl/pkg/telemetry"
	"github.com/openfroyo/expctl/pkg/transports/ssh"
)

// closeTimeout bounds flushing telemetry and closing the ledger.
const closeTimeout = 10 * time.Second

// session holds what every experiment command needs: settings, telemetry,
// the ledger and the registered resource types.
type session struct {
	settings *config.Settings
	tel      *telemetry.Telemetry
	store    *stores.SQLiteStore
	pool     *ssh.Pool
	factory  *engine.Factory
}

// loadSettings reads the settings file and applies the global flags.
func loadSettings() (*config.Settings, error) {
	settings, err := config.LoadSettings(configPath)
	if err != nil {
		return nil, err
	}
	if verbose {
		settings.Log.Level = "debug"
	}
	if metricsAddr != "" {
		settings.MetricsAddr = metricsAddr
	}
	if ledgerPath != "" {
		settings.Ledger = ledgerPath
	}
	if err := settings.Validate(); err != nil {
		return nil, err
	}
	return settings, nil
}

// newFactory registers the resource types of every driver.
func newFactory(connector ssh.Connector) (*engine.Factory, error) {
	factory := engine.NewFactory()
	if err := sim.Register(factory); err != nil {
		return nil, err
	}
	if err := linux.NewDriver(connector).Register(factory); err != nil {
		return nil, err
	}
	return factory, nil
}

// openSession sets up telemetry, opens the ledger and records the event
// timeline of every experiment into it.
func openSession(ctx context.Context) (*session, error) {
	settings, err := loadSettings()
	if err != nil {
		return nil, err
	}

	cfg := settings.TelemetryConfig()
	cfg.ServiceVersion = buildVersion
	tel, err := telemetry.NewTelemetry(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to set up telemetry: %w", err)
	}
	if err := tel.StartMetricsServer(); err != nil {
		return nil, fmt.Errorf("failed to start metrics server: %w", err)
	}

	store, err := stores.Open(ctx, settings.Ledger)
	if err != nil {
		_ = tel.Shutdown(ctx)
		return nil, fmt.Errorf("failed to open ledger: %w", err)
	}
	stores.NewRecorder(store, tel.Logger.Zerolog()).Attach(tel.Events)

	pool := ssh.NewPool()
	factory, err := newFactory(pool)
	if err != nil {
		_ = tel.Shutdown(ctx)
		_ = store.Close()
		return nil, err
	}

	log.Debug().
		Str("ledger", settings.Ledger).
		Int("workers", settings.Workers).
		Str("metrics_addr", settings.MetricsAddr).
		Msg("Session opened")

	return &session{
		settings: settings,
		tel:      tel,
		store:    store,
		pool:     pool,
		factory:  factory,
	}, nil
}

// engineOptions returns controller options wired to the session telemetry.
func (s *session) engineOptions() (engine.Options, error) {
	opts, err := s.settings.EngineOptions()
	if err != nil {
		return engine.Options{}, err
	}
	opts.Logger = s.tel.Logger
	opts.Metrics = s.tel.Metrics
	opts.Tracer = s.tel.Tracer
	opts.Events = s.tel.Events
	return opts, nil
}

// Close flushes the telemetry before closing the ledger the events are
// recorded into.
func (s *session) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()

	if err := errors.Join(s.tel.Shutdown(ctx), s.pool.Close(), s.store.Close()); err != nil {
		log.Warn().Err(err).Msg("Session closed with errors")
	}
}

// loadDescription parses and validates a description file, then checks it
// against the registered types.
func loadDescription(ctx context.Context, path string, factory *engine.Factory) (*config.Description, []config.ValidationError, error) {
	loaded, err := config.NewLoader().Load(ctx, path)
	if err != nil {
		return nil, nil, err
	}
	if len(loaded.Errors) > 0 {
		return nil, loaded.Errors, nil
	}
	return loaded.Description, config.CheckTypes(loaded.Description, factory), nil
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printValidationErrors(errs []config.ValidationError) {
	for _, e := range errs {
		fmt.Fprintf(os.Stderr, "  %s: %s\n", e.Severity, e.Error())
	}
}
