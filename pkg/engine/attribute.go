package engine

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
)

// AttrType is the declared type of an attribute value.
type AttrType string

const (
	AttrString  AttrType = "string"
	AttrBool    AttrType = "bool"
	AttrEnum    AttrType = "enum"
	AttrDouble  AttrType = "double"
	AttrInteger AttrType = "integer"
)

// AttrFlags restrict how an attribute may be modified.
type AttrFlags uint8

const (
	// FlagReadOnly rejects every user Set.
	FlagReadOnly AttrFlags = 1 << iota

	// FlagExecReadOnly rejects Set once the resource is READY or later.
	FlagExecReadOnly

	// FlagCredential masks the value in logs and descriptions.
	FlagCredential
)

// Has reports whether all bits of f are set.
func (a AttrFlags) Has(f AttrFlags) bool {
	return a&f == f
}

// SetHook may transform a value before it is stored.
type SetHook func(old, value interface{}) (interface{}, error)

// Attribute is the schema of one named, typed resource attribute.
type Attribute struct {
	Name    string
	Help    string
	Type    AttrType
	Default interface{}

	// Allowed lists the values accepted by an enum attribute.
	Allowed []string

	Flags AttrFlags

	// Validate is a go-playground/validator tag applied to the coerced value,
	// for example "min=1,max=65535" or "hostname".
	Validate string

	SetHook SetHook
}

var attrValidator = validator.New()

// Coerce converts value to the attribute type and validates it.
func (a *Attribute) Coerce(value interface{}) (interface{}, error) {
	var out interface{}
	var err error

	switch a.Type {
	case AttrString, "":
		out = toString(value)
	case AttrEnum:
		s := toString(value)
		if !contains(a.Allowed, s) {
			return nil, fmt.Errorf("value %q not in %v", s, a.Allowed)
		}
		out = s
	case AttrBool:
		out, err = toBool(value)
	case AttrDouble:
		out, err = toFloat(value)
	case AttrInteger:
		out, err = toInt(value)
	default:
		return nil, fmt.Errorf("unknown attribute type %q", a.Type)
	}
	if err != nil {
		return nil, err
	}

	if a.Validate != "" {
		if verr := attrValidator.Var(out, a.Validate); verr != nil {
			return nil, fmt.Errorf("validation %q failed: %w", a.Validate, verr)
		}
	}
	return out, nil
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func toString(v interface{}) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case fmt.Stringer:
		return t.String()
	default:
		return fmt.Sprintf("%v", v)
	}
}

func toBool(v interface{}) (bool, error) {
	switch t := v.(type) {
	case bool:
		return t, nil
	case string:
		b, err := strconv.ParseBool(strings.TrimSpace(t))
		if err != nil {
			return false, fmt.Errorf("invalid bool %q", t)
		}
		return b, nil
	case int:
		return t != 0, nil
	case int64:
		return t != 0, nil
	}
	return false, fmt.Errorf("cannot convert %T to bool", v)
}

func toFloat(v interface{}) (float64, error) {
	switch t := v.(type) {
	case float64:
		return t, nil
	case float32:
		return float64(t), nil
	case int:
		return float64(t), nil
	case int64:
		return float64(t), nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		if err != nil {
			return 0, fmt.Errorf("invalid double %q", t)
		}
		return f, nil
	}
	return 0, fmt.Errorf("cannot convert %T to double", v)
}

func toInt(v interface{}) (int64, error) {
	switch t := v.(type) {
	case int:
		return int64(t), nil
	case int64:
		return t, nil
	case int32:
		return int64(t), nil
	case float64:
		if t != float64(int64(t)) {
			return 0, fmt.Errorf("invalid integer %v", t)
		}
		return int64(t), nil
	case string:
		i, err := strconv.ParseInt(strings.TrimSpace(t), 10, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid integer %q", t)
		}
		return i, nil
	}
	return 0, fmt.Errorf("cannot convert %T to integer", v)
}

// attrValue is a per-resource instance of an attribute.
type attrValue struct {
	schema Attribute
	value  interface{}
	set    bool
}

// attrStore holds the attribute values of one resource in declaration order.
type attrStore struct {
	order  []string
	values map[string]*attrValue
}

func newAttrStore(schema []Attribute) (*attrStore, error) {
	s := &attrStore{values: make(map[string]*attrValue, len(schema))}
	for _, a := range schema {
		if _, dup := s.values[a.Name]; dup {
			return nil, fmt.Errorf("duplicate attribute %q", a.Name)
		}
		a.Allowed = append([]string(nil), a.Allowed...)
		v := &attrValue{schema: a}
		if a.Default != nil {
			def, err := a.Coerce(a.Default)
			if err != nil {
				return nil, fmt.Errorf("invalid default for attribute %q: %w", a.Name, err)
			}
			v.value = def
		}
		s.order = append(s.order, a.Name)
		s.values[a.Name] = v
	}
	return s, nil
}

func (s *attrStore) lookup(name string) (*attrValue, bool) {
	v, ok := s.values[name]
	return v, ok
}

// check validates a user Set against flags and type without storing it.
func (s *attrStore) check(name string, value interface{}, state ResourceState) (interface{}, error) {
	v, ok := s.values[name]
	if !ok {
		return nil, NewInvalidError(fmt.Sprintf("unknown attribute %q", name), nil).
			WithCode(ErrCodeNotFound)
	}
	if v.schema.Flags.Has(FlagReadOnly) {
		return nil, NewInvalidError(fmt.Sprintf("attribute %q is read-only", name), nil).
			WithCode(ErrCodeValidation)
	}
	if v.schema.Flags.Has(FlagExecReadOnly) && state >= StateReady {
		return nil, NewInvalidError(
			fmt.Sprintf("attribute %q cannot be modified in state %s", name, state), nil).
			WithCode(ErrCodeValidation)
	}
	coerced, err := v.schema.Coerce(value)
	if err != nil {
		return nil, NewInvalidError(fmt.Sprintf("invalid value for attribute %q", name), err).
			WithCode(ErrCodeValidation)
	}
	return coerced, nil
}

func (s *attrStore) store(name string, value interface{}) error {
	v := s.values[name]
	if v.schema.SetHook != nil {
		hooked, err := v.schema.SetHook(v.value, value)
		if err != nil {
			return fmt.Errorf("set hook for attribute %q failed: %w", name, err)
		}
		value = hooked
	}
	v.value = value
	v.set = true
	return nil
}

// AttrInfo describes one attribute value for reporting.
type AttrInfo struct {
	Name  string      `json:"name"`
	Type  AttrType    `json:"type"`
	Value interface{} `json:"value,omitempty"`
	Set   bool        `json:"set"`
}

const maskedValue = "******"

func (s *attrStore) describe() []AttrInfo {
	out := make([]AttrInfo, 0, len(s.order))
	for _, name := range s.order {
		v := s.values[name]
		val := v.value
		if v.schema.Flags.Has(FlagCredential) && val != nil {
			val = maskedValue
		}
		out = append(out, AttrInfo{Name: name, Type: v.schema.Type, Value: val, Set: v.set})
	}
	return out
}
