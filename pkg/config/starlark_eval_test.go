package config

import (
	"context"
	"math"
	"strings"
	"testing"
	"time"
)

func TestStarlarkEvaluator_Evaluate(t *testing.T) {
	tests := []struct {
		name      string
		script    string
		input     map[string]interface{}
		wantErr   bool
		checkFunc func(*testing.T, *StarlarkResult)
	}{
		{
			name:   "arithmetic",
			script: "result = 2 + 2",
			checkFunc: func(t *testing.T, r *StarlarkResult) {
				if r.Output["result"] != int64(4) {
					t.Errorf("expected result=4, got %v", r.Output["result"])
				}
			},
		},
		{
			name:   "input values",
			script: `greeting = "hello " + host`,
			input:  map[string]interface{}{"host": "node1"},
			checkFunc: func(t *testing.T, r *StarlarkResult) {
				if r.Output["greeting"] != "hello node1" {
					t.Errorf("expected greeting='hello node1', got %v", r.Output["greeting"])
				}
			},
		},
		{
			name:   "sample statistics",
			script: "m = mean(samples)\ns = stdev(samples)",
			input:  map[string]interface{}{"samples": []float64{2, 4, 4, 4, 5, 5, 7, 9}},
			checkFunc: func(t *testing.T, r *StarlarkResult) {
				if r.Output["m"] != 5.0 {
					t.Errorf("expected m=5, got %v", r.Output["m"])
				}
				s, _ := r.Output["s"].(float64)
				if math.Abs(s-2.138) > 0.001 {
					t.Errorf("expected s~2.138, got %v", r.Output["s"])
				}
			},
		},
		{
			name:   "math module",
			script: "root = math.sqrt(16)",
			checkFunc: func(t *testing.T, r *StarlarkResult) {
				if r.Output["root"] != 4.0 {
					t.Errorf("expected root=4, got %v", r.Output["root"])
				}
			},
		},
		{
			name: "functions and private globals are skipped",
			script: `
def double(x):
    return x * 2

_hidden = 1
value = double(21)
`,
			checkFunc: func(t *testing.T, r *StarlarkResult) {
				if len(r.Output) != 1 {
					t.Errorf("expected only 'value' in output, got %v", r.Output)
				}
				if r.Output["value"] != int64(42) {
					t.Errorf("expected value=42, got %v", r.Output["value"])
				}
			},
		},
		{
			name:   "struct output",
			script: `info = struct(runs = 3, converged = True)`,
			checkFunc: func(t *testing.T, r *StarlarkResult) {
				info, ok := r.Output["info"].(map[string]interface{})
				if !ok {
					t.Fatalf("expected struct to convert to map, got %T", r.Output["info"])
				}
				if info["runs"] != int64(3) || info["converged"] != true {
					t.Errorf("unexpected struct fields: %v", info)
				}
			},
		},
		{
			name:    "syntax error",
			script:  "result = ",
			wantErr: true,
		},
		{
			name:    "stdev needs two samples",
			script:  "s = stdev([1.0])",
			wantErr: true,
		},
	}

	evaluator := NewStarlarkEvaluator(5 * time.Second)
	ctx := context.Background()

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := evaluator.Evaluate(ctx, tt.script, tt.input)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Evaluate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				if result == nil || result.Error == "" {
					t.Error("expected error in result")
				}
				return
			}
			if tt.checkFunc != nil {
				tt.checkFunc(t, result)
			}
		})
	}
}

func TestStarlarkEvaluator_Timeout(t *testing.T) {
	evaluator := NewStarlarkEvaluator(50 * time.Millisecond)
	ctx := context.Background()

	script := `
def slow_function():
    result = 0
    for i in range(100000000):
        result = result + i
    return result

output = slow_function()
`

	start := time.Now()
	result, err := evaluator.Evaluate(ctx, script, nil)
	if err == nil {
		t.Fatal("expected timeout error")
	}
	if !strings.Contains(err.Error(), "timeout") {
		t.Errorf("expected timeout in error, got %v", err)
	}
	if result == nil || result.Error == "" {
		t.Error("expected timeout error in result")
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("expected the script to be interrupted, took %v", elapsed)
	}
}

func TestStarlarkEvaluator_ContextCancel(t *testing.T) {
	evaluator := NewStarlarkEvaluator(10 * time.Second)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	script := `
def spin():
    for i in range(100000000):
        pass

spin()
`

	if _, err := evaluator.Evaluate(ctx, script, nil); err == nil {
		t.Error("expected error for cancelled context")
	}
}

func TestStarlarkEvaluator_EvaluateFloat(t *testing.T) {
	evaluator := NewStarlarkEvaluator(5 * time.Second)
	ctx := context.Background()

	input := map[string]interface{}{"durations": []float64{1.0, 2.0, 3.0}}
	got, err := evaluator.EvaluateFloat(ctx, "metric = mean(durations)", input, "metric")
	if err != nil {
		t.Fatalf("failed to evaluate metric: %v", err)
	}
	if got != 2.0 {
		t.Errorf("expected metric=2, got %v", got)
	}

	got, err = evaluator.EvaluateFloat(ctx, "metric = len(durations)", input, "metric")
	if err != nil {
		t.Fatalf("failed to evaluate integer metric: %v", err)
	}
	if got != 3.0 {
		t.Errorf("expected metric=3, got %v", got)
	}

	if _, err := evaluator.EvaluateFloat(ctx, "other = 1", input, "metric"); err == nil {
		t.Error("expected error when metric is not set")
	}
	if _, err := evaluator.EvaluateFloat(ctx, `metric = "fast"`, input, "metric"); err == nil {
		t.Error("expected error for a string metric")
	}
}

func TestStarlarkEvaluator_EvaluateBool(t *testing.T) {
	evaluator := NewStarlarkEvaluator(5 * time.Second)
	ctx := context.Background()

	script := "converged = len(samples) >= 3 and stdev(samples) < 0.5"

	tests := []struct {
		samples []float64
		want    bool
	}{
		{samples: []float64{1.0, 1.1}, want: false},
		{samples: []float64{1.0, 1.1, 1.05}, want: true},
		{samples: []float64{1.0, 3.0, 5.0}, want: false},
	}

	for _, tt := range tests {
		got, err := evaluator.EvaluateBool(ctx, script, map[string]interface{}{"samples": tt.samples}, "converged")
		if err != nil {
			t.Fatalf("failed to evaluate convergence: %v", err)
		}
		if got != tt.want {
			t.Errorf("samples %v: expected converged=%v, got %v", tt.samples, tt.want, got)
		}
	}

	if _, err := evaluator.EvaluateBool(ctx, "converged = 1", nil, "converged"); err == nil {
		t.Error("expected error for a non-bool result")
	}
}

func TestStarlarkEvaluator_TypeConversion(t *testing.T) {
	evaluator := NewStarlarkEvaluator(5 * time.Second)
	ctx := context.Background()

	input := map[string]interface{}{
		"enabled": true,
		"runs":    int64(7),
		"wait":    1500 * time.Millisecond,
		"hosts":   []string{"a", "b"},
		"attrs":   map[string]interface{}{"port": 22},
		"nothing": nil,
	}

	script := `
enabled_out = enabled
runs_out = runs + 1
wait_out = wait
hosts_out = hosts + ["c"]
port_out = attrs["port"]
pair = (1, "two")
nothing_out = nothing
`

	result, err := evaluator.Evaluate(ctx, script, input)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if result.Output["enabled_out"] != true {
		t.Errorf("expected enabled_out=true, got %v", result.Output["enabled_out"])
	}
	if result.Output["runs_out"] != int64(8) {
		t.Errorf("expected runs_out=8, got %v", result.Output["runs_out"])
	}
	if result.Output["wait_out"] != 1.5 {
		t.Errorf("expected wait_out=1.5, got %v", result.Output["wait_out"])
	}
	if hosts, ok := result.Output["hosts_out"].([]interface{}); !ok || len(hosts) != 3 {
		t.Errorf("expected 3 hosts, got %v", result.Output["hosts_out"])
	}
	if result.Output["port_out"] != int64(22) {
		t.Errorf("expected port_out=22, got %v", result.Output["port_out"])
	}
	if pair, ok := result.Output["pair"].([]interface{}); !ok || len(pair) != 2 {
		t.Errorf("expected tuple to convert to a list, got %v", result.Output["pair"])
	}
	if v, ok := result.Output["nothing_out"]; !ok || v != nil {
		t.Errorf("expected nothing_out=nil, got %v", v)
	}

	if _, err := evaluator.Evaluate(ctx, "x = 1", map[string]interface{}{"ch": make(chan int)}); err == nil {
		t.Error("expected error for unsupported input type")
	}
}

func TestStarlarkEvaluator_Print(t *testing.T) {
	var lines []string
	evaluator := NewStarlarkEvaluator(5 * time.Second).WithPrint(func(msg string) {
		lines = append(lines, msg)
	})

	script := `
print("run", 3)
result = "done"
`

	result, err := evaluator.Evaluate(context.Background(), script, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Output["result"] != "done" {
		t.Errorf("expected result='done', got %v", result.Output["result"])
	}
	if len(lines) != 1 || lines[0] != "run 3" {
		t.Errorf("expected printed line 'run 3', got %v", lines)
	}

	// print output is discarded without a print function
	if _, err := NewStarlarkEvaluator(5*time.Second).Evaluate(context.Background(), script, nil); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestMeanStdev(t *testing.T) {
	xs := []float64{2, 4, 4, 4, 5, 5, 7, 9}
	if got := Mean(xs); got != 5 {
		t.Errorf("expected mean 5, got %v", got)
	}
	if got := Stdev(xs); math.Abs(got-math.Sqrt(32.0/7.0)) > 1e-12 {
		t.Errorf("expected stdev %v, got %v", math.Sqrt(32.0/7.0), got)
	}
}
