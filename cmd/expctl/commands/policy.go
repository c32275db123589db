package commands

import (
	"context"
	"fmt"
	"os"

	"github.com/rs/zerolog/log"

	"github.com/openfroyo/expctl/pkg/config"
	"github.com/openfroyo/expctl/pkg/engine"
	"github.com/openfroyo/expctl/pkg/policy"
)

// evaluatePolicies checks desc against the built-in policies and the ones
// it lists. It returns nil when the description does not enable policies.
func evaluatePolicies(ctx context.Context, desc *config.Description, factory *engine.Factory, operation string) (*policy.Result, error) {
	if desc.Policy == nil || !desc.Policy.Enabled {
		return nil, nil
	}

	pe, err := policy.NewEngine(log.Logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create policy engine: %w", err)
	}
	if len(desc.Policy.Paths) > 0 {
		if err := pe.LoadPolicies(ctx, desc.Policy.Paths); err != nil {
			return nil, fmt.Errorf("failed to load policies: %w", err)
		}
	}
	return pe.Evaluate(ctx, desc, factory, operation)
}

func printPolicyResult(result *policy.Result) {
	if result == nil {
		return
	}
	for _, v := range result.All() {
		where := v.Resource
		if where == "" {
			where = "experiment"
		}
		fmt.Fprintf(os.Stderr, "  %s: [%s] %s: %s\n", v.Severity, v.Policy, where, v.Message)
	}
	if !result.Allowed {
		fmt.Fprintf(os.Stderr, "  denied by %d blocking violation(s) in %s mode\n", len(result.Violations), result.Mode)
	}
}
