package policy

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

const keyAuthPolicy = `# Nodes must use key authentication.
# severity: error
package site.keys

import rego.v1

deny contains msg if {
	some r in input.experiment.resources
	r.attributes.password
	msg := sprintf("%s uses a password", [r.id])
}
`

func writePolicy(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("Failed to write test file: %v", err)
	}
	return path
}

func TestLoadFromFile_Rego(t *testing.T) {
	loader := NewLoader(zerolog.New(nil).Level(zerolog.Disabled))
	path := writePolicy(t, t.TempDir(), "key-auth.rego", keyAuthPolicy)

	policy, err := loader.loadFromFile(context.Background(), path)
	if err != nil {
		t.Fatalf("Failed to load policy: %v", err)
	}

	if policy.Name != "key-auth" {
		t.Errorf("Expected name 'key-auth', got '%s'", policy.Name)
	}
	if policy.Description != "Nodes must use key authentication." {
		t.Errorf("Unexpected description '%s'", policy.Description)
	}
	if policy.Severity != SeverityError {
		t.Errorf("Expected severity error, got %s", policy.Severity)
	}
	if policy.Rego != keyAuthPolicy {
		t.Error("Rego content doesn't match")
	}
	if !policy.Enabled || policy.Builtin {
		t.Error("Policy should be enabled and not built in")
	}
	if policy.Source != path {
		t.Errorf("Expected source %s, got %s", path, policy.Source)
	}
}

func TestLoadFromFile_JSON(t *testing.T) {
	loader := NewLoader(zerolog.New(nil).Level(zerolog.Disabled))
	dir := t.TempDir()

	data, err := json.Marshal(Policy{
		Name:        "json-policy",
		Description: "A test policy",
		Rego:        "package jsonpolicy\n\nimport rego.v1\n\ndeny contains \"x\" if { false }\n",
		Builtin:     true,
	})
	if err != nil {
		t.Fatalf("Failed to marshal policy: %v", err)
	}
	path := writePolicy(t, dir, "policy.json", string(data))

	loaded, err := loader.loadFromFile(context.Background(), path)
	if err != nil {
		t.Fatalf("Failed to load policy: %v", err)
	}
	if loaded.Name != "json-policy" {
		t.Errorf("Expected name 'json-policy', got '%s'", loaded.Name)
	}
	if loaded.Severity != SeverityWarning {
		t.Errorf("Expected default severity warning, got %s", loaded.Severity)
	}
	if loaded.Builtin {
		t.Error("Loaded policies must not be built in")
	}

	noName := writePolicy(t, dir, "noname.json", `{"rego": "package x"}`)
	if _, err := loader.loadFromFile(context.Background(), noName); err == nil {
		t.Error("Expected error for a JSON policy without a name")
	}
}

func TestLoadFromDirectory(t *testing.T) {
	loader := NewLoader(zerolog.New(nil).Level(zerolog.Disabled))
	dir := t.TempDir()

	writePolicy(t, dir, "one.rego", "package one\n")
	writePolicy(t, dir, "README.md", "# Policies")
	if err := os.MkdirAll(filepath.Join(dir, "nested"), 0755); err != nil {
		t.Fatalf("Failed to create directory: %v", err)
	}
	writePolicy(t, filepath.Join(dir, "nested"), "two.rego", "package two\n")
	writePolicy(t, dir, "broken.json", "{")

	policies, err := loader.LoadFromPaths(context.Background(), []string{dir})
	if err != nil {
		t.Fatalf("Failed to load directory: %v", err)
	}
	if len(policies) != 2 {
		t.Errorf("Expected 2 policies, got %d", len(policies))
	}

	if _, err := loader.LoadFromPaths(context.Background(), []string{filepath.Join(dir, "missing")}); err == nil {
		t.Error("Expected error for missing path")
	}
}

func TestLoader_Cache(t *testing.T) {
	loader := NewLoader(zerolog.New(nil).Level(zerolog.Disabled))
	path := writePolicy(t, t.TempDir(), "cached.rego", "package cached\n")

	first, err := loader.loadFromFile(context.Background(), path)
	if err != nil {
		t.Fatalf("Failed to load policy: %v", err)
	}
	writePolicy(t, filepath.Dir(path), "cached.rego", "package changed\n")

	second, err := loader.loadFromFile(context.Background(), path)
	if err != nil {
		t.Fatalf("Failed to load policy: %v", err)
	}
	if second != first {
		t.Error("Expected the cached policy to be returned")
	}

	loader.ClearCache()
	third, err := loader.loadFromFile(context.Background(), path)
	if err != nil {
		t.Fatalf("Failed to load policy: %v", err)
	}
	if third.Rego != "package changed\n" {
		t.Error("Expected the policy to be re-read after clearing the cache")
	}
}

func TestEngine_LoadPolicies(t *testing.T) {
	eng := newTestEngine(t)
	dir := t.TempDir()
	writePolicy(t, dir, "key-auth.rego", keyAuthPolicy)

	if err := eng.LoadPolicies(context.Background(), []string{dir}); err != nil {
		t.Fatalf("Failed to load policies: %v", err)
	}

	desc := pingDescription()
	desc.Resources[0].Attributes["password"] = "secret"

	result, err := eng.Evaluate(context.Background(), desc, nil, "deploy")
	if err != nil {
		t.Fatalf("Failed to evaluate: %v", err)
	}
	if len(result.Violations) != 1 || result.Violations[0].Message != "node1 uses a password" {
		t.Errorf("Expected password violation, got %+v", result.Violations)
	}
}

func TestLoader_Watch(t *testing.T) {
	loader := NewLoader(zerolog.New(nil).Level(zerolog.Disabled))
	loader.ReloadDelay = 20 * time.Millisecond
	dir := t.TempDir()
	writePolicy(t, dir, "first.rego", "package first\n")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	var reloaded []Policy
	err := loader.Watch(ctx, []string{dir}, func(policies []Policy) error {
		mu.Lock()
		defer mu.Unlock()
		reloaded = policies
		return nil
	})
	if err != nil {
		t.Fatalf("Failed to watch: %v", err)
	}

	writePolicy(t, dir, "second.rego", "package second\n")

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		n := len(reloaded)
		mu.Unlock()
		if n == 2 {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Error("Expected a reload with 2 policies")
}
