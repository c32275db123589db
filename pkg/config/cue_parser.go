package config

import (
	"context"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/load"
)

// CUELoader parses and validates experiment descriptions written in CUE.
type CUELoader struct {
	ctx            *cue.Context
	schemaRegistry *SchemaRegistry
	validator      *Validator
}

// NewCUELoader creates a new CUE loader.
func NewCUELoader() *CUELoader {
	ctx := cuecontext.New()
	return &CUELoader{
		ctx:            ctx,
		schemaRegistry: NewSchemaRegistry(ctx),
		validator:      NewValidator(),
	}
}

// GetSchemaRegistry returns the schema registry.
func (cl *CUELoader) GetSchemaRegistry() *SchemaRegistry {
	return cl.schemaRegistry
}

// Parse parses CUE files or directories and unifies them into one description.
func (cl *CUELoader) Parse(ctx context.Context, sources []string) (*LoadedDescription, error) {
	if len(sources) == 0 {
		return nil, fmt.Errorf("no sources provided")
	}

	var cueValue cue.Value
	var sourceFiles []string
	var parseErrors []ValidationError

	for _, source := range sources {
		info, err := os.Stat(source)
		if err != nil {
			return nil, fmt.Errorf("failed to stat source %s: %w", source, err)
		}

		var val cue.Value
		var errs []ValidationError
		if info.IsDir() {
			var files []string
			val, files, errs = cl.loadDirectory(source)
			sourceFiles = append(sourceFiles, files...)
		} else {
			val, errs = cl.loadFile(source)
			sourceFiles = append(sourceFiles, source)
		}

		parseErrors = append(parseErrors, errs...)
		if val.Exists() {
			if cueValue.Exists() {
				cueValue = cueValue.Unify(val)
			} else {
				cueValue = val
			}
		}
	}

	if len(parseErrors) > 0 {
		return &LoadedDescription{
			SourceFiles: sourceFiles,
			ParsedAt:    time.Now(),
			Errors:      parseErrors,
		}, nil
	}

	return cl.extract(cueValue, sourceFiles), nil
}

// ParseInline parses inline CUE content.
func (cl *CUELoader) ParseInline(ctx context.Context, content string) (*LoadedDescription, error) {
	val := cl.ctx.CompileString(content, cue.Filename("inline"))
	if err := val.Err(); err != nil {
		return &LoadedDescription{
			SourceFiles: []string{"inline"},
			ParsedAt:    time.Now(),
			Errors:      convertCUEErrors(err),
		}, nil
	}

	return cl.extract(val, []string{"inline"}), nil
}

// loadDirectory loads a directory as a CUE package.
func (cl *CUELoader) loadDirectory(dir string) (cue.Value, []string, []ValidationError) {
	buildInstances := load.Instances([]string{dir}, nil)
	if len(buildInstances) == 0 {
		return cue.Value{}, nil, []ValidationError{{
			File:     dir,
			Message:  "no CUE files found",
			Severity: "error",
		}}
	}

	inst := buildInstances[0]
	if inst.Err != nil {
		return cue.Value{}, nil, convertCUEErrors(inst.Err)
	}

	val := cl.ctx.BuildInstance(inst)
	if err := val.Err(); err != nil {
		return cue.Value{}, nil, convertCUEErrors(err)
	}

	var files []string
	for _, file := range inst.Files {
		if file.Filename != "" {
			files = append(files, file.Filename)
		}
	}

	return val, files, nil
}

// loadFile loads a single CUE file.
func (cl *CUELoader) loadFile(path string) (cue.Value, []ValidationError) {
	content, err := os.ReadFile(path)
	if err != nil {
		return cue.Value{}, []ValidationError{{
			File:     path,
			Message:  fmt.Sprintf("failed to read file: %v", err),
			Severity: "error",
		}}
	}

	val := cl.ctx.CompileBytes(content, cue.Filename(path))
	if err := val.Err(); err != nil {
		return cue.Value{}, convertCUEErrors(err)
	}

	return val, nil
}

// extract unifies a value with the description schema and decodes it.
func (cl *CUELoader) extract(val cue.Value, sourceFiles []string) *LoadedDescription {
	loaded := &LoadedDescription{
		SourceFiles: sourceFiles,
		ParsedAt:    time.Now(),
	}

	// Resources may be written as a map keyed by id.
	resourcesVal := val.LookupPath(cue.ParsePath("resources"))
	if resourcesVal.Exists() && resourcesVal.IncompleteKind() == cue.StructKind {
		normalized, err := cl.resourcesAsList(val)
		if err != nil {
			loaded.Errors = append(loaded.Errors, ValidationError{
				Path:     "resources",
				Message:  err.Error(),
				Severity: "error",
			})
			return loaded
		}
		val = normalized
	}

	unified, err := cl.schemaRegistry.Unify("description", val)
	if err != nil {
		loaded.Errors = append(loaded.Errors, convertCUEErrors(err)...)
		return loaded
	}

	var desc Description
	if err := unified.Decode(&desc); err != nil {
		loaded.Errors = append(loaded.Errors, ValidationError{
			Message:  fmt.Sprintf("failed to decode description: %v", err),
			Severity: "error",
		})
		return loaded
	}
	normalizeAttributes(&desc)

	if errs := cl.validator.Validate(&desc); len(errs) > 0 {
		loaded.Errors = append(loaded.Errors, errs...)
		return loaded
	}

	loaded.Description = &desc
	return loaded
}

// resourcesAsList rewrites a resources map into a list ordered by id,
// with each key becoming the resource id.
func (cl *CUELoader) resourcesAsList(val cue.Value) (cue.Value, error) {
	var raw map[string]interface{}
	if err := val.Decode(&raw); err != nil {
		return cue.Value{}, fmt.Errorf("failed to decode description: %w", err)
	}

	byID, ok := raw["resources"].(map[string]interface{})
	if !ok {
		return cue.Value{}, fmt.Errorf("resources must be a list or a map")
	}

	ids := make([]string, 0, len(byID))
	for id := range byID {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	list := make([]interface{}, 0, len(ids))
	for _, id := range ids {
		res, ok := byID[id].(map[string]interface{})
		if !ok {
			return cue.Value{}, fmt.Errorf("resource %s must be a struct", id)
		}
		if _, set := res["id"]; !set {
			res["id"] = id
		}
		list = append(list, res)
	}
	raw["resources"] = list

	out := cl.ctx.Encode(raw)
	if err := out.Err(); err != nil {
		return cue.Value{}, err
	}
	return out, nil
}

// normalizeAttributes converts arbitrary-precision CUE numbers into
// int64 and float64 values.
func normalizeAttributes(desc *Description) {
	for i := range desc.Resources {
		for k, v := range desc.Resources[i].Attributes {
			desc.Resources[i].Attributes[k] = normalizeValue(v)
		}
	}
}

func normalizeValue(v interface{}) interface{} {
	switch t := v.(type) {
	case *big.Int:
		if t.IsInt64() {
			return t.Int64()
		}
		f, _ := new(big.Float).SetInt(t).Float64()
		return f
	case *big.Float:
		f, _ := t.Float64()
		return f
	case int:
		return int64(t)
	case uint64:
		return int64(t)
	case []interface{}:
		for i := range t {
			t[i] = normalizeValue(t[i])
		}
		return t
	case map[string]interface{}:
		for k := range t {
			t[k] = normalizeValue(t[k])
		}
		return t
	}
	return v
}

// convertCUEErrors converts CUE errors to ValidationError slice.
func convertCUEErrors(err error) []ValidationError {
	var validationErrors []ValidationError

	for _, e := range errors.Errors(err) {
		pos := errors.Positions(e)
		var file string
		var line, column int

		if len(pos) > 0 {
			file = pos[0].Filename()
			line = pos[0].Line()
			column = pos[0].Column()
		}

		var path string
		if p := e.Path(); len(p) > 0 {
			path = strings.Join(p, ".")
		}

		validationErrors = append(validationErrors, ValidationError{
			File:     file,
			Line:     line,
			Column:   column,
			Path:     path,
			Message:  strings.TrimSpace(errors.Details(e, nil)),
			Severity: "error",
		})
	}

	if len(validationErrors) == 0 {
		validationErrors = append(validationErrors, ValidationError{
			Message:  err.Error(),
			Severity: "error",
		})
	}
	return validationErrors
}

// FindDescriptions lists the description files under dir.
func FindDescriptions(dir string) ([]string, error) {
	var files []string

	err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}

		if !info.IsDir() && IsDescriptionFile(path) {
			files = append(files, path)
		}

		return nil
	})

	if err != nil {
		return nil, fmt.Errorf("failed to walk directory: %w", err)
	}

	return files, nil
}
