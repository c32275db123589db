package config

import (
	"strconv"
	"time"
)

// Description is an experiment description loaded from CUE or YAML.
type Description struct {
	// Name identifies the experiment, and the runs of a repeated experiment.
	Name string `json:"name" yaml:"name" validate:"required,ident"`

	// Resources are the managed entities of the experiment.
	Resources []ResourceSpec `json:"resources" yaml:"resources" validate:"required,min=1,dive"`

	// Conditions gate the start or stop of resources on other resources.
	Conditions []ConditionSpec `json:"conditions,omitempty" yaml:"conditions,omitempty" validate:"dive"`

	// Deploy controls how resources are deployed.
	Deploy DeploySpec `json:"deploy,omitempty" yaml:"deploy,omitempty"`

	// Run configures repeated runs of the experiment.
	Run *RunSpec `json:"run,omitempty" yaml:"run,omitempty"`

	// Policy configures admission policies.
	Policy *PolicySpec `json:"policy,omitempty" yaml:"policy,omitempty"`
}

// ResourceSpec declares one resource.
type ResourceSpec struct {
	// ID is the description-local name of the resource (e.g., "node1").
	ID string `json:"id" yaml:"id" validate:"required,ident"`

	// Type is the registered resource type (e.g., "linux::Node").
	Type string `json:"type" yaml:"type" validate:"required,rtype"`

	// Attributes are initial attribute values.
	Attributes map[string]interface{} `json:"attributes,omitempty" yaml:"attributes,omitempty"`

	// Connections lists the IDs of resources this one is connected to.
	Connections []string `json:"connections,omitempty" yaml:"connections,omitempty" validate:"dive,required"`

	// Traces lists the traces to enable.
	Traces []string `json:"traces,omitempty" yaml:"traces,omitempty" validate:"dive,required"`
}

// ConditionSpec gates an action of some resources on other resources
// reaching a state.
type ConditionSpec struct {
	// Resources are the IDs of the gated resources.
	Resources []string `json:"resources" yaml:"resources" validate:"required,min=1,dive,required"`

	// Action is the gated action (start, stop).
	Action string `json:"action" yaml:"action" validate:"required,oneof=start stop"`

	// After are the IDs of the resources that must reach State.
	After []string `json:"after" yaml:"after" validate:"required,min=1,dive,required"`

	// State is the required state (e.g., "STARTED").
	State string `json:"state" yaml:"state" validate:"required,rstate"`

	// Delay is an extra wait after State was entered (e.g., "2s").
	Delay string `json:"delay,omitempty" yaml:"delay,omitempty" validate:"omitempty,delay"`
}

// DeploySpec controls deployment.
type DeploySpec struct {
	// WaitAllReady holds START until every resource of a group is READY.
	// Nil means true.
	WaitAllReady *bool `json:"wait_all_ready,omitempty" yaml:"wait_all_ready,omitempty"`

	// Groups are deployed in order, each as its own deployment group.
	// Resources in no group are deployed last, together.
	Groups [][]string `json:"groups,omitempty" yaml:"groups,omitempty" validate:"dive,min=1,dive,required"`

	// Timeout bounds the wait for all resources to start (e.g., "5m").
	Timeout string `json:"timeout,omitempty" yaml:"timeout,omitempty" validate:"omitempty,delay"`
}

// RunSpec configures repeated runs.
type RunSpec struct {
	// MinRuns is the number of runs before convergence is checked.
	MinRuns int `json:"min_runs,omitempty" yaml:"min_runs,omitempty" validate:"gte=0"`

	// MaxRuns stops the runner after this many runs. Zero means unbounded.
	MaxRuns int `json:"max_runs,omitempty" yaml:"max_runs,omitempty" validate:"gte=0"`

	// WaitTime is how long each run lasts once started (e.g., "10s").
	WaitTime string `json:"wait_time,omitempty" yaml:"wait_time,omitempty" validate:"omitempty,delay"`

	// WaitFor are the IDs of resources each run waits on to finish.
	WaitFor []string `json:"wait_for,omitempty" yaml:"wait_for,omitempty" validate:"dive,required"`

	// MetricScript is a Starlark script that sets "metric".
	MetricScript string `json:"metric_script,omitempty" yaml:"metric_script,omitempty"`

	// ConvergenceScript is a Starlark script that sets "converged".
	ConvergenceScript string `json:"convergence_script,omitempty" yaml:"convergence_script,omitempty"`
}

// PolicySpec configures admission policies.
type PolicySpec struct {
	// Enabled turns policy evaluation on. Built-in policies always run
	// when policies are enabled.
	Enabled bool `json:"enabled" yaml:"enabled"`

	// Paths lists additional Rego policy files or directories.
	Paths []string `json:"paths,omitempty" yaml:"paths,omitempty"`

	// Mode is the enforcement mode (advisory, enforcing).
	Mode string `json:"mode,omitempty" yaml:"mode,omitempty" validate:"omitempty,oneof=advisory enforcing"`
}

// WaitAll reports whether START is held until a group is READY.
func (d DeploySpec) WaitAll() bool {
	return d.WaitAllReady == nil || *d.WaitAllReady
}

// Resource returns the resource with the given ID.
func (d *Description) Resource(id string) (*ResourceSpec, bool) {
	for i := range d.Resources {
		if d.Resources[i].ID == id {
			return &d.Resources[i], true
		}
	}
	return nil, false
}

// LoadedDescription is a description together with where it came from.
type LoadedDescription struct {
	// Description is nil when Errors is not empty.
	Description *Description `json:"description,omitempty"`

	// SourceFiles are the files that were parsed.
	SourceFiles []string `json:"source_files"`

	// ParsedAt is when the description was parsed.
	ParsedAt time.Time `json:"parsed_at"`

	// Errors lists any validation errors.
	Errors []ValidationError `json:"errors,omitempty"`
}

// ValidationError represents a validation error with location information.
type ValidationError struct {
	// File is the source file path.
	File string `json:"file,omitempty"`

	// Line is the line number (1-indexed).
	Line int `json:"line,omitempty"`

	// Column is the column number (1-indexed).
	Column int `json:"column,omitempty"`

	// Path is the path to the error (e.g., "resources[1].type").
	Path string `json:"path,omitempty"`

	// Message is the error message.
	Message string `json:"message"`

	// Severity is the error severity (error, warning, info).
	Severity string `json:"severity" validate:"required,oneof=error warning info"`
}

// Error implements the error interface.
func (e ValidationError) Error() string {
	loc := e.File
	if e.Line > 0 {
		loc = loc + ":" + strconv.Itoa(e.Line)
		if e.Column > 0 {
			loc = loc + ":" + strconv.Itoa(e.Column)
		}
	}
	msg := e.Message
	if e.Path != "" {
		msg = e.Path + ": " + msg
	}
	if loc != "" {
		return loc + ": " + msg
	}
	return msg
}

// StarlarkResult represents the result of Starlark execution.
type StarlarkResult struct {
	// Output is the output data from Starlark.
	Output map[string]interface{} `json:"output,omitempty"`

	// ExecutionTime is how long the script took to execute.
	ExecutionTime time.Duration `json:"execution_time"`

	// Error is any error that occurred.
	Error string `json:"error,omitempty"`
}
