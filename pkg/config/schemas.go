package config

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"cuelang.org/go/cue"
)

// SchemaRegistry manages CUE schemas for validation.
type SchemaRegistry struct {
	ctx     *cue.Context
	schemas map[string]cue.Value
	mu      sync.RWMutex
}

// NewSchemaRegistry creates a new schema registry with the built-in
// description schemas. Values validated against the registry must be
// built with the same context.
func NewSchemaRegistry(ctx *cue.Context) *SchemaRegistry {
	sr := &SchemaRegistry{
		ctx:     ctx,
		schemas: make(map[string]cue.Value),
	}

	if err := sr.registerBuiltInSchemas(); err != nil {
		panic(err)
	}
	return sr
}

// registerBuiltInSchemas registers all built-in schemas.
func (sr *SchemaRegistry) registerBuiltInSchemas() error {
	defs := map[string]string{
		"description": "#Description",
		"resource":    "#Resource",
		"condition":   "#Condition",
		"deploy":      "#Deploy",
		"run":         "#Run",
		"policy":      "#Policy",
	}

	val := sr.ctx.CompileString(builtinSchemas, cue.Filename("schemas.cue"))
	if err := val.Err(); err != nil {
		return fmt.Errorf("failed to compile built-in schemas: %w", err)
	}

	sr.mu.Lock()
	defer sr.mu.Unlock()
	for name, def := range defs {
		schema := val.LookupPath(cue.ParsePath(def))
		if err := schema.Err(); err != nil {
			return fmt.Errorf("failed to look up schema %s: %w", def, err)
		}
		sr.schemas[name] = schema
	}
	return nil
}

// RegisterSchema registers a CUE schema with the given name. The source
// must define the schema as its top-level value.
func (sr *SchemaRegistry) RegisterSchema(name, schema string) error {
	val := sr.ctx.CompileString(schema, cue.Filename(name+".cue"))
	if err := val.Err(); err != nil {
		return fmt.Errorf("failed to compile schema %s: %w", name, err)
	}

	sr.mu.Lock()
	defer sr.mu.Unlock()
	sr.schemas[name] = val
	return nil
}

// GetSchema retrieves a schema by name.
func (sr *SchemaRegistry) GetSchema(name string) (cue.Value, bool) {
	sr.mu.RLock()
	defer sr.mu.RUnlock()

	val, ok := sr.schemas[name]
	return val, ok
}

// Unify unifies val with a named schema and checks the result is concrete.
func (sr *SchemaRegistry) Unify(schemaName string, val cue.Value) (cue.Value, error) {
	schema, ok := sr.GetSchema(schemaName)
	if !ok {
		return cue.Value{}, fmt.Errorf("schema %s not found", schemaName)
	}

	unified := schema.Unify(val)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return cue.Value{}, err
	}
	return unified, nil
}

// ValidateAgainstSchema validates Go data against a named schema.
func (sr *SchemaRegistry) ValidateAgainstSchema(ctx context.Context, schemaName string, data interface{}) error {
	dataVal := sr.ctx.Encode(data)
	if err := dataVal.Err(); err != nil {
		return fmt.Errorf("failed to encode data: %w", err)
	}

	if _, err := sr.Unify(schemaName, dataVal); err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}
	return nil
}

// ListSchemas returns all registered schema names, sorted.
func (sr *SchemaRegistry) ListSchemas() []string {
	sr.mu.RLock()
	defer sr.mu.RUnlock()

	names := make([]string, 0, len(sr.schemas))
	for name := range sr.schemas {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ValidateDescription validates a description against the description schema.
func (sr *SchemaRegistry) ValidateDescription(ctx context.Context, desc *Description) error {
	return sr.ValidateAgainstSchema(ctx, "description", desc)
}

// ValidateResource validates a resource against the resource schema.
func (sr *SchemaRegistry) ValidateResource(ctx context.Context, res ResourceSpec) error {
	return sr.ValidateAgainstSchema(ctx, "resource", res)
}

// ValidateCondition validates a condition against the condition schema.
func (sr *SchemaRegistry) ValidateCondition(ctx context.Context, cond ConditionSpec) error {
	return sr.ValidateAgainstSchema(ctx, "condition", cond)
}

// Built-in schema definitions
const builtinSchemas = `
#Ident: =~"^[A-Za-z][A-Za-z0-9_.-]*$"

// Delay is a relative time specification such as "2s" or "1.5m".
#Delay: =~"^[0-9]+(\\.[0-9]+)?(h|m|s|ms|us)$"

#State: "NEW" | "DISCOVERED" | "PROVISIONED" | "READY" | "STARTED" |
	"STOPPED" | "FINISHED" | "FAILED" | "RELEASED"

#Resource: {
	// ID is the description-local name of the resource
	id: #Ident

	// Type is a registered resource type (e.g., "linux::Node")
	type: =~"^[a-z][a-z0-9]*::[A-Za-z][A-Za-z0-9]*$"

	attributes?: {[string]: _}
	connections?: [...#Ident]
	traces?: [...string]
}

#Condition: {
	resources: [#Ident, ...#Ident]
	action:    "start" | "stop"
	after: [#Ident, ...#Ident]
	state:  #State
	delay?: #Delay
}

#Deploy: {
	wait_all_ready?: bool
	groups?: [...[#Ident, ...#Ident]]
	timeout?: #Delay
}

#Run: {
	min_runs?:  int & >=0
	max_runs?:  int & >=0
	wait_time?: #Delay
	wait_for?: [...#Ident]
	metric_script?:      string
	convergence_script?: string
}

#Policy: {
	enabled: bool
	paths?: [...string]
	mode?: "advisory" | "enforcing"
}

#Description: {
	name: #Ident
	resources: [#Resource, ...#Resource]
	conditions?: [...#Condition]
	deploy?: #Deploy
	run?:    #Run
	policy?: #Policy
}
`
