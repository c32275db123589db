package config

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Description file extensions.
const (
	ExtCUE  = ".cue"
	ExtYAML = ".yaml"
	ExtYML  = ".yml"
)

// IsDescriptionFile reports whether path has a description extension.
func IsDescriptionFile(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ExtCUE, ExtYAML, ExtYML:
		return true
	}
	return false
}

// YAMLLoader parses experiment descriptions written in YAML. Descriptions
// are checked against the same CUE schema as CUE descriptions.
type YAMLLoader struct {
	schemaRegistry *SchemaRegistry
	validator      *Validator
}

// NewYAMLLoader creates a YAML loader sharing the schemas of cl.
func NewYAMLLoader(cl *CUELoader) *YAMLLoader {
	return &YAMLLoader{
		schemaRegistry: cl.schemaRegistry,
		validator:      cl.validator,
	}
}

// ParseFile parses a YAML description file.
func (yl *YAMLLoader) ParseFile(ctx context.Context, path string) (*LoadedDescription, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	return yl.Parse(ctx, path, content), nil
}

// Parse parses YAML content. Name is used in error locations.
func (yl *YAMLLoader) Parse(ctx context.Context, name string, content []byte) *LoadedDescription {
	loaded := &LoadedDescription{
		SourceFiles: []string{name},
		ParsedAt:    time.Now(),
	}

	var desc Description
	dec := yaml.NewDecoder(bytes.NewReader(content))
	dec.KnownFields(true)
	if err := dec.Decode(&desc); err != nil && !errors.Is(err, io.EOF) {
		loaded.Errors = append(loaded.Errors, yamlErrors(name, err)...)
		return loaded
	}
	normalizeAttributes(&desc)

	if err := yl.schemaRegistry.ValidateDescription(ctx, &desc); err != nil {
		errs := convertCUEErrors(errors.Unwrap(err))
		for i := range errs {
			errs[i].File = name
			errs[i].Line, errs[i].Column = 0, 0
		}
		loaded.Errors = append(loaded.Errors, errs...)
		return loaded
	}

	if errs := yl.validator.Validate(&desc); len(errs) > 0 {
		for i := range errs {
			errs[i].File = name
		}
		loaded.Errors = append(loaded.Errors, errs...)
		return loaded
	}

	loaded.Description = &desc
	return loaded
}

func yamlErrors(name string, err error) []ValidationError {
	var typeErr *yaml.TypeError
	if errors.As(err, &typeErr) {
		out := make([]ValidationError, 0, len(typeErr.Errors))
		for _, msg := range typeErr.Errors {
			out = append(out, ValidationError{File: name, Message: msg, Severity: "error"})
		}
		return out
	}
	return []ValidationError{{File: name, Message: err.Error(), Severity: "error"}}
}

// Loader loads descriptions of either format by file extension.
type Loader struct {
	cue  *CUELoader
	yaml *YAMLLoader
}

// NewLoader creates a loader for CUE and YAML descriptions.
func NewLoader() *Loader {
	cl := NewCUELoader()
	return &Loader{cue: cl, yaml: NewYAMLLoader(cl)}
}

// Load parses and validates the description at path. A directory is
// loaded as a CUE package.
func (l *Loader) Load(ctx context.Context, path string) (*LoadedDescription, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat %s: %w", path, err)
	}
	if info.IsDir() {
		return l.cue.Parse(ctx, []string{path})
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ExtCUE:
		return l.cue.Parse(ctx, []string{path})
	case ExtYAML, ExtYML:
		return l.yaml.ParseFile(ctx, path)
	}
	return nil, fmt.Errorf("unsupported description format: %s", path)
}

// MustLoad loads a description and turns validation errors into one error.
func (l *Loader) MustLoad(ctx context.Context, path string) (*Description, error) {
	loaded, err := l.Load(ctx, path)
	if err != nil {
		return nil, err
	}
	if err := loaded.Err(); err != nil {
		return nil, err
	}
	return loaded.Description, nil
}

// Err joins the validation errors, or returns nil.
func (ld *LoadedDescription) Err() error {
	if len(ld.Errors) == 0 {
		return nil
	}
	errs := make([]error, len(ld.Errors))
	for i, e := range ld.Errors {
		errs[i] = e
	}
	return fmt.Errorf("invalid description: %w", errors.Join(errs...))
}
