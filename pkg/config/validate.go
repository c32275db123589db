package config

import (
	"errors"
	"fmt"
	"reflect"
	"regexp"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/openfroyo/expctl/pkg/engine"
)

var (
	identPattern = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_.-]*$`)
	rtypePattern = regexp.MustCompile(`^[a-z][a-z0-9]*::[A-Za-z][A-Za-z0-9]*$`)
)

// Validator checks descriptions with struct tags and cross-reference rules.
type Validator struct {
	validate *validator.Validate
}

// NewValidator creates a validator with the description tags registered:
// ident, rtype, rstate and delay.
func NewValidator() *Validator {
	v := validator.New(validator.WithRequiredStructEnabled())

	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})

	mustRegister(v, "ident", func(fl validator.FieldLevel) bool {
		return identPattern.MatchString(fl.Field().String())
	})
	mustRegister(v, "rtype", func(fl validator.FieldLevel) bool {
		return rtypePattern.MatchString(fl.Field().String())
	})
	mustRegister(v, "rstate", func(fl validator.FieldLevel) bool {
		_, err := engine.ParseResourceState(fl.Field().String())
		return err == nil
	})
	mustRegister(v, "delay", func(fl validator.FieldLevel) bool {
		_, err := engine.ParseDelay(fl.Field().String())
		return err == nil
	})

	return &Validator{validate: v}
}

func mustRegister(v *validator.Validate, tag string, fn validator.Func) {
	if err := v.RegisterValidation(tag, fn); err != nil {
		panic(fmt.Sprintf("register validation %s: %v", tag, err))
	}
}

// Struct validates any struct with the registered tags.
func (v *Validator) Struct(s interface{}) error {
	return v.validate.Struct(s)
}

// Validate checks struct tags, then that ids are unique and every
// reference names a declared resource.
func (v *Validator) Validate(desc *Description) []ValidationError {
	if err := v.validate.Struct(desc); err != nil {
		return fieldErrors(err)
	}
	return checkReferences(desc)
}

func fieldErrors(err error) []ValidationError {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return []ValidationError{{Message: err.Error(), Severity: "error"}}
	}

	out := make([]ValidationError, 0, len(verrs))
	for _, fe := range verrs {
		path := fe.Namespace()
		if i := strings.IndexByte(path, '.'); i >= 0 {
			path = path[i+1:]
		}
		msg := fmt.Sprintf("failed on '%s' validation", fe.Tag())
		if fe.Param() != "" {
			msg = fmt.Sprintf("failed on '%s=%s' validation", fe.Tag(), fe.Param())
		}
		out = append(out, ValidationError{Path: path, Message: msg, Severity: "error"})
	}
	return out
}

func checkReferences(desc *Description) []ValidationError {
	var errs []ValidationError
	add := func(path, format string, args ...interface{}) {
		errs = append(errs, ValidationError{Path: path, Message: fmt.Sprintf(format, args...), Severity: "error"})
	}

	ids := make(map[string]bool, len(desc.Resources))
	for i, r := range desc.Resources {
		if ids[r.ID] {
			add(fmt.Sprintf("resources[%d].id", i), "duplicate resource id %q", r.ID)
		}
		ids[r.ID] = true
	}

	ref := func(path, id string) {
		if !ids[id] {
			add(path, "unknown resource %q", id)
		}
	}

	for i, r := range desc.Resources {
		for j, c := range r.Connections {
			ref(fmt.Sprintf("resources[%d].connections[%d]", i, j), c)
			if c == r.ID {
				add(fmt.Sprintf("resources[%d].connections[%d]", i, j), "resource %q cannot connect to itself", c)
			}
		}
	}

	for i, c := range desc.Conditions {
		for j, id := range c.Resources {
			ref(fmt.Sprintf("conditions[%d].resources[%d]", i, j), id)
		}
		for j, id := range c.After {
			ref(fmt.Sprintf("conditions[%d].after[%d]", i, j), id)
		}
	}

	grouped := make(map[string]int)
	for i, group := range desc.Deploy.Groups {
		for j, id := range group {
			path := fmt.Sprintf("deploy.groups[%d][%d]", i, j)
			ref(path, id)
			if prev, ok := grouped[id]; ok {
				add(path, "resource %q is already in group %d", id, prev)
			}
			grouped[id] = i
		}
	}

	if desc.Run != nil {
		for j, id := range desc.Run.WaitFor {
			ref(fmt.Sprintf("run.wait_for[%d]", j), id)
		}
		if desc.Run.MaxRuns > 0 && desc.Run.MinRuns > desc.Run.MaxRuns {
			add("run.min_runs", "min_runs %d exceeds max_runs %d", desc.Run.MinRuns, desc.Run.MaxRuns)
		}
	}

	return errs
}

// CheckTypes checks a description against the resource types registered
// in factory: types exist, attributes are declared, writable and well
// typed, and traces are declared.
func CheckTypes(desc *Description, factory *engine.Factory) []ValidationError {
	var errs []ValidationError
	add := func(path, format string, args ...interface{}) {
		errs = append(errs, ValidationError{Path: path, Message: fmt.Sprintf(format, args...), Severity: "error"})
	}

	for i, r := range desc.Resources {
		info, ok := factory.Lookup(r.Type)
		if !ok {
			add(fmt.Sprintf("resources[%d].type", i), "unknown resource type %q", r.Type)
			continue
		}

		for _, name := range sortedKeys(r.Attributes) {
			path := fmt.Sprintf("resources[%d].attributes.%s", i, name)
			attr, ok := info.Attribute(name)
			if !ok {
				add(path, "type %s has no attribute %q", r.Type, name)
				continue
			}
			if attr.Flags.Has(engine.FlagReadOnly) {
				add(path, "attribute %q is read-only", name)
				continue
			}
			if _, err := attr.Coerce(r.Attributes[name]); err != nil {
				add(path, "%v", err)
			}
		}

		for j, name := range r.Traces {
			if !info.HasTrace(name) {
				add(fmt.Sprintf("resources[%d].traces[%d]", i, j), "type %s has no trace %q", r.Type, name)
			}
		}
	}
	return errs
}

func sortedKeys(m map[string]interface{}) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
