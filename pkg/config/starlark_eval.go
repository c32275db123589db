package config

import (
	"context"
	"fmt"
	"math"
	"time"

	starlarkmath "go.starlark.net/lib/math"
	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"
)

// StarlarkEvaluator executes Starlark scripts with a timeout. Scripts see
// their input as globals, plus the math module and the mean and stdev
// helpers. Every global a script defines that does not start with an
// underscore is returned as output.
type StarlarkEvaluator struct {
	timeout time.Duration
	print   func(msg string)
}

// NewStarlarkEvaluator creates a new Starlark evaluator.
func NewStarlarkEvaluator(timeout time.Duration) *StarlarkEvaluator {
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &StarlarkEvaluator{
		timeout: timeout,
	}
}

// WithPrint routes the print builtin to fn. Print output is discarded by default.
func (se *StarlarkEvaluator) WithPrint(fn func(msg string)) *StarlarkEvaluator {
	se.print = fn
	return se
}

// Evaluate executes a Starlark script with the given input and returns the result.
func (se *StarlarkEvaluator) Evaluate(ctx context.Context, script string, input map[string]interface{}) (*StarlarkResult, error) {
	startTime := time.Now()

	evalCtx, cancel := context.WithTimeout(ctx, se.timeout)
	defer cancel()

	thread := &starlark.Thread{
		Name: "expctl",
		Print: func(_ *starlark.Thread, msg string) {
			if se.print != nil {
				se.print(msg)
			}
		},
	}

	// Cancel interrupts the script at the next step.
	stop := context.AfterFunc(evalCtx, func() {
		thread.Cancel(context.Cause(evalCtx).Error())
	})
	defer stop()

	output, err := se.run(thread, script, input)
	result := &StarlarkResult{
		Output:        output,
		ExecutionTime: time.Since(startTime),
	}
	if err != nil {
		if evalCtx.Err() == context.DeadlineExceeded {
			err = fmt.Errorf("starlark execution timeout after %v: %w", se.timeout, err)
		}
		result.Error = err.Error()
		return result, err
	}
	return result, nil
}

func (se *StarlarkEvaluator) run(thread *starlark.Thread, script string, input map[string]interface{}) (map[string]interface{}, error) {
	predeclared := starlark.StringDict{
		"struct": starlark.NewBuiltin("struct", starlarkstruct.Make),
		"math":   starlarkmath.Module,
		"mean":   starlark.NewBuiltin("mean", builtinMean),
		"stdev":  starlark.NewBuiltin("stdev", builtinStdev),
	}

	for key, val := range input {
		starlarkVal, err := toStarlarkValue(val)
		if err != nil {
			return nil, fmt.Errorf("failed to convert input %s: %w", key, err)
		}
		predeclared[key] = starlarkVal
	}

	globals, err := starlark.ExecFile(thread, "script.star", script, predeclared)
	if err != nil {
		return nil, fmt.Errorf("starlark execution failed: %w", err)
	}

	output := make(map[string]interface{})
	for name, val := range globals {
		if len(name) > 0 && name[0] == '_' {
			continue
		}
		if _, ok := val.(starlark.Callable); ok {
			continue
		}
		goVal, err := fromStarlarkValue(val)
		if err != nil {
			return nil, fmt.Errorf("failed to convert output %s: %w", name, err)
		}
		output[name] = goVal
	}
	return output, nil
}

// EvaluateFloat runs script and returns the number it assigns to name.
func (se *StarlarkEvaluator) EvaluateFloat(ctx context.Context, script string, input map[string]interface{}, name string) (float64, error) {
	result, err := se.Evaluate(ctx, script, input)
	if err != nil {
		return 0, err
	}
	switch v := result.Output[name].(type) {
	case float64:
		return v, nil
	case int64:
		return float64(v), nil
	case nil:
		return 0, fmt.Errorf("script did not set %q", name)
	default:
		return 0, fmt.Errorf("%q must be a number, got %T", name, v)
	}
}

// EvaluateBool runs script and returns the bool it assigns to name.
func (se *StarlarkEvaluator) EvaluateBool(ctx context.Context, script string, input map[string]interface{}, name string) (bool, error) {
	result, err := se.Evaluate(ctx, script, input)
	if err != nil {
		return false, err
	}
	switch v := result.Output[name].(type) {
	case bool:
		return v, nil
	case nil:
		return false, fmt.Errorf("script did not set %q", name)
	default:
		return false, fmt.Errorf("%q must be a bool, got %T", name, v)
	}
}

// toStarlarkValue converts a Go value to a Starlark value.
func toStarlarkValue(v interface{}) (starlark.Value, error) {
	if v == nil {
		return starlark.None, nil
	}

	switch val := v.(type) {
	case bool:
		return starlark.Bool(val), nil
	case int:
		return starlark.MakeInt(val), nil
	case int64:
		return starlark.MakeInt64(val), nil
	case float64:
		return starlark.Float(val), nil
	case string:
		return starlark.String(val), nil
	case time.Duration:
		return starlark.Float(val.Seconds()), nil
	case []float64:
		list := make([]starlark.Value, len(val))
		for i, f := range val {
			list[i] = starlark.Float(f)
		}
		return starlark.NewList(list), nil
	case []string:
		list := make([]starlark.Value, len(val))
		for i, s := range val {
			list[i] = starlark.String(s)
		}
		return starlark.NewList(list), nil
	case []interface{}:
		list := make([]starlark.Value, len(val))
		for i, item := range val {
			starlarkItem, err := toStarlarkValue(item)
			if err != nil {
				return nil, err
			}
			list[i] = starlarkItem
		}
		return starlark.NewList(list), nil
	case map[string]interface{}:
		dict := starlark.NewDict(len(val))
		for k, v := range val {
			starlarkVal, err := toStarlarkValue(v)
			if err != nil {
				return nil, err
			}
			if err := dict.SetKey(starlark.String(k), starlarkVal); err != nil {
				return nil, err
			}
		}
		return dict, nil
	default:
		return nil, fmt.Errorf("unsupported type: %T", v)
	}
}

// fromStarlarkValue converts a Starlark value to a Go value.
func fromStarlarkValue(v starlark.Value) (interface{}, error) {
	switch val := v.(type) {
	case starlark.NoneType:
		return nil, nil
	case starlark.Bool:
		return bool(val), nil
	case starlark.Int:
		i, ok := val.Int64()
		if !ok {
			return nil, fmt.Errorf("integer too large")
		}
		return i, nil
	case starlark.Float:
		return float64(val), nil
	case starlark.String:
		return string(val), nil
	case starlark.Tuple:
		list := make([]interface{}, len(val))
		for i, item := range val {
			goItem, err := fromStarlarkValue(item)
			if err != nil {
				return nil, err
			}
			list[i] = goItem
		}
		return list, nil
	case *starlark.List:
		list := make([]interface{}, val.Len())
		for i := 0; i < val.Len(); i++ {
			item, err := fromStarlarkValue(val.Index(i))
			if err != nil {
				return nil, err
			}
			list[i] = item
		}
		return list, nil
	case *starlark.Dict:
		dict := make(map[string]interface{})
		for _, item := range val.Items() {
			key, ok := item[0].(starlark.String)
			if !ok {
				return nil, fmt.Errorf("dict key must be string")
			}
			value, err := fromStarlarkValue(item[1])
			if err != nil {
				return nil, err
			}
			dict[string(key)] = value
		}
		return dict, nil
	case *starlarkstruct.Struct:
		dict := make(map[string]interface{})
		for _, name := range val.AttrNames() {
			attr, err := val.Attr(name)
			if err != nil {
				continue
			}
			value, err := fromStarlarkValue(attr)
			if err != nil {
				return nil, err
			}
			dict[name] = value
		}
		return dict, nil
	default:
		return nil, fmt.Errorf("unsupported starlark type: %s", v.Type())
	}
}

// floats unpacks an iterable of numbers.
func floats(fn string, v starlark.Value) ([]float64, error) {
	iterable, ok := v.(starlark.Iterable)
	if !ok {
		return nil, fmt.Errorf("%s: got %s, want iterable", fn, v.Type())
	}
	iter := iterable.Iterate()
	defer iter.Done()

	var out []float64
	var x starlark.Value
	for iter.Next(&x) {
		f, ok := starlark.AsFloat(x)
		if !ok {
			return nil, fmt.Errorf("%s: got %s, want number", fn, x.Type())
		}
		out = append(out, f)
	}
	return out, nil
}

// builtinMean implements mean(samples).
func builtinMean(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var samples starlark.Value
	if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 1, &samples); err != nil {
		return nil, err
	}
	xs, err := floats(b.Name(), samples)
	if err != nil {
		return nil, err
	}
	if len(xs) == 0 {
		return nil, fmt.Errorf("%s: empty sample", b.Name())
	}
	return starlark.Float(Mean(xs)), nil
}

// builtinStdev implements stdev(samples), the sample standard deviation.
func builtinStdev(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var samples starlark.Value
	if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 1, &samples); err != nil {
		return nil, err
	}
	xs, err := floats(b.Name(), samples)
	if err != nil {
		return nil, err
	}
	if len(xs) < 2 {
		return nil, fmt.Errorf("%s: need at least two samples", b.Name())
	}
	return starlark.Float(Stdev(xs)), nil
}

// Mean returns the arithmetic mean of xs.
func Mean(xs []float64) float64 {
	var sum float64
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}

// Stdev returns the sample standard deviation of xs.
func Stdev(xs []float64) float64 {
	m := Mean(xs)
	var ss float64
	for _, x := range xs {
		ss += (x - m) * (x - m)
	}
	return math.Sqrt(ss / float64(len(xs)-1))
}
