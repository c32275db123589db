package policy

import (
	"time"

	"github.com/openfroyo/expctl/pkg/config"
)

// Severity represents the severity level of a policy violation.
type Severity string

const (
	// SeverityInfo is for informational messages.
	SeverityInfo Severity = "info"

	// SeverityWarning is for warnings that should be reviewed.
	SeverityWarning Severity = "warning"

	// SeverityError is for errors that block deployment in enforcing mode.
	SeverityError Severity = "error"

	// SeverityCritical is for violations that block deployment in enforcing mode.
	SeverityCritical Severity = "critical"
)

// Blocking reports whether the severity blocks deployment in enforcing mode.
func (s Severity) Blocking() bool {
	return s == SeverityError || s == SeverityCritical
}

// Enforcement modes.
const (
	// ModeAdvisory reports violations without blocking.
	ModeAdvisory = "advisory"

	// ModeEnforcing blocks deployment on error or critical violations.
	ModeEnforcing = "enforcing"
)

// Policy is a Rego module whose deny set lists violations.
type Policy struct {
	// Name is the unique name of the policy.
	Name string `json:"name"`

	// Description provides a human-readable description.
	Description string `json:"description"`

	// Rego contains the Rego policy code.
	Rego string `json:"rego"`

	// Severity is the default severity for violations.
	Severity Severity `json:"severity"`

	// Enabled indicates if the policy is active.
	Enabled bool `json:"enabled"`

	// Builtin marks the policies shipped with expctl.
	Builtin bool `json:"builtin,omitempty"`

	// Source is the file the policy was loaded from.
	Source string `json:"source,omitempty"`
}

// Violation is a single policy violation.
type Violation struct {
	// Policy is the name of the policy that was violated.
	Policy string `json:"policy"`

	// Resource is the description id of the offending resource, if any.
	Resource string `json:"resource,omitempty"`

	// Message is a human-readable violation message.
	Message string `json:"message"`

	// Severity is the violation severity level.
	Severity Severity `json:"severity"`
}

// Result is the outcome of evaluating the policies against a description.
type Result struct {
	// Allowed is false when the description must not be deployed.
	Allowed bool `json:"allowed"`

	// Mode is the enforcement mode the result was computed with.
	Mode string `json:"mode"`

	// Violations lists the blocking violations.
	Violations []Violation `json:"violations,omitempty"`

	// Warnings lists the non-blocking violations and evaluation failures.
	Warnings []Violation `json:"warnings,omitempty"`

	// EvaluatedPolicies lists the names of the evaluated policies.
	EvaluatedPolicies []string `json:"evaluated_policies"`

	// EvaluatedAt is when the policies were evaluated.
	EvaluatedAt time.Time `json:"evaluated_at"`

	// Duration is how long the evaluation took.
	Duration time.Duration `json:"duration"`
}

// All returns the violations followed by the warnings.
func (r *Result) All() []Violation {
	out := make([]Violation, 0, len(r.Violations)+len(r.Warnings))
	out = append(out, r.Violations...)
	return append(out, r.Warnings...)
}

// Input is the document policies see as input.
type Input struct {
	// Experiment is the description being checked.
	Experiment *config.Description `json:"experiment"`

	// Types maps each resource type used by the experiment to its
	// declared attribute names.
	Types map[string][]string `json:"types,omitempty"`

	// Operation is the command being checked (validate, deploy, run).
	Operation string `json:"operation"`
}
