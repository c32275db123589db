package commands

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/expctl/pkg/config"
	"github.com/openfroyo/expctl/pkg/engine"
	"github.com/openfroyo/expctl/pkg/policy"
	"github.com/openfroyo/expctl/pkg/transports/ssh"
)

// watchDebounce coalesces the bursts of events editors produce on save.
const watchDebounce = 200 * time.Millisecond

// validationReport is the outcome of validating one description.
type validationReport struct {
	File   string                   `json:"file"`
	Valid  bool                     `json:"valid"`
	Errors []config.ValidationError `json:"errors,omitempty"`
	Policy *policy.Result           `json:"policy,omitempty"`
}

func newValidateCommand() *cobra.Command {
	var watch bool

	cmd := &cobra.Command{
		Use:   "validate <description>",
		Short: "Validate an experiment description",
		Long: `Validate an experiment description without deploying it.

This command checks:
  - CUE or YAML syntax
  - Schema conformance (names, states, delays, references)
  - Resource types, attributes and traces against the registered drivers
  - Policy compliance (OPA/rego) when the description enables policies`,
		Example: `  # Validate a description
  expctl validate ping.cue

  # Re-validate on every change of the description or its policies
  expctl validate --watch ping.yaml`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := args[0]

			factory, err := newFactory(ssh.NewPool())
			if err != nil {
				return err
			}

			log.Info().
				Str("path", path).
				Bool("watch", watch).
				Msg("Validating description")

			report := validate(cmd.Context(), path, factory)
			if err := printReport(report); err != nil {
				return err
			}
			if !watch {
				if !report.Valid {
					return fmt.Errorf("%s is invalid", path)
				}
				return nil
			}
			return watchDescription(cmd.Context(), path, factory)
		},
	}

	cmd.Flags().BoolVarP(&watch, "watch", "w", false, "re-validate when the description or its policies change")

	return cmd
}

// validate loads path and evaluates its policies.
func validate(ctx context.Context, path string, factory *engine.Factory) *validationReport {
	report := &validationReport{File: path}

	desc, errs, err := loadDescription(ctx, path, factory)
	if err != nil {
		report.Errors = []config.ValidationError{{File: path, Message: err.Error(), Severity: "error"}}
		return report
	}
	report.Errors = errs
	if desc == nil || len(errs) > 0 {
		return report
	}

	result, err := evaluatePolicies(ctx, desc, factory, "validate")
	if err != nil {
		report.Errors = append(report.Errors, config.ValidationError{File: path, Message: err.Error(), Severity: "error"})
		return report
	}
	report.Policy = result
	report.Valid = result == nil || result.Allowed
	return report
}

func printReport(report *validationReport) error {
	if jsonOutput {
		return printJSON(report)
	}
	if report.Valid {
		fmt.Printf("%s is valid\n", report.File)
	} else {
		fmt.Printf("%s is invalid\n", report.File)
	}
	printValidationErrors(report.Errors)
	printPolicyResult(report.Policy)
	return nil
}

// policyPaths returns the policy paths of a validated description.
func policyPaths(ctx context.Context, path string) []string {
	loaded, err := config.NewLoader().Load(ctx, path)
	if err != nil || loaded.Description == nil || loaded.Description.Policy == nil {
		return nil
	}
	return loaded.Description.Policy.Paths
}

// watchDescription re-validates path whenever it changes, and whenever one
// of its policy files changes, until ctx is cancelled.
func watchDescription(ctx context.Context, path string, factory *engine.Factory) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer watcher.Close()

	// Editors replace files on save; watching the directory survives that.
	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", dir, err)
	}
	target, _ := filepath.Abs(path)

	changed := make(chan struct{}, 1)
	notify := func() {
		select {
		case changed <- struct{}{}:
		default:
		}
	}

	if paths := policyPaths(ctx, path); len(paths) > 0 {
		loader := policy.NewLoader(log.Logger)
		if err := loader.Watch(ctx, paths, func([]policy.Policy) error {
			notify()
			return nil
		}); err != nil {
			log.Warn().Err(err).Msg("Failed to watch policies")
		}
		defer loader.StopWatching()
	}

	log.Info().Str("path", path).Msg("Watching for changes, press Ctrl-C to stop")

	var debounce <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			name, _ := filepath.Abs(event.Name)
			if name != target || event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			debounce = time.After(watchDebounce)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Warn().Err(err).Msg("Watcher error")

		case <-changed:
			debounce = time.After(watchDebounce)

		case <-debounce:
			debounce = nil
			log.Info().Str("path", path).Msg("Description changed, re-validating")
			if err := printReport(validate(ctx, path, factory)); err != nil {
				return err
			}
		}
	}
}
