package ssh

import (
	"context"
	"crypto/sha256"
	"fmt"
	"os"
	"path/filepath"
	"testing"
)

func TestUploadContent(t *testing.T) {
	client := connectedClient(t)
	remote := filepath.Join(t.TempDir(), "app", "stdin")

	if err := client.UploadContent(context.Background(), []byte("hello\n"), remote, 0600); err != nil {
		t.Fatalf("failed to upload content: %v", err)
	}

	data, err := os.ReadFile(remote)
	if err != nil {
		t.Fatalf("failed to read uploaded file: %v", err)
	}
	if string(data) != "hello\n" {
		t.Errorf("expected 'hello\\n', got %q", data)
	}

	info, err := os.Stat(remote)
	if err != nil {
		t.Fatalf("failed to stat uploaded file: %v", err)
	}
	if info.Mode().Perm() != 0600 {
		t.Errorf("expected mode 0600, got %v", info.Mode().Perm())
	}

	// A second upload replaces the file and leaves no partial file behind.
	if err := client.UploadContent(context.Background(), []byte("bye\n"), remote, 0600); err != nil {
		t.Fatalf("failed to overwrite content: %v", err)
	}
	if data, _ := os.ReadFile(remote); string(data) != "bye\n" {
		t.Errorf("expected 'bye\\n', got %q", data)
	}
	if _, err := os.Stat(filepath.Join(filepath.Dir(remote), ".stdin.part")); !os.IsNotExist(err) {
		t.Errorf("expected partial file to be removed, got %v", err)
	}
}

func TestUploadFile(t *testing.T) {
	client := connectedClient(t)

	local := filepath.Join(t.TempDir(), "ping.c")
	if err := os.WriteFile(local, []byte("int main() { return 0; }\n"), 0644); err != nil {
		t.Fatalf("failed to write local file: %v", err)
	}
	remote := filepath.Join(t.TempDir(), "src", "ping.c")

	if err := client.UploadFile(context.Background(), local, remote, 0); err != nil {
		t.Fatalf("failed to upload file: %v", err)
	}

	data, err := os.ReadFile(remote)
	if err != nil {
		t.Fatalf("failed to read uploaded file: %v", err)
	}
	if string(data) != "int main() { return 0; }\n" {
		t.Errorf("unexpected content %q", data)
	}

	if err := client.UploadFile(context.Background(), filepath.Join(t.TempDir(), "missing"), remote, 0); err == nil {
		t.Error("expected error for missing local file")
	}
}

func TestUploadCancelled(t *testing.T) {
	client := connectedClient(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := client.UploadContent(ctx, []byte("data"), filepath.Join(t.TempDir(), "f"), 0)
	if err == nil {
		t.Error("expected upload with a cancelled context to fail")
	}
}

func TestComputeChecksum(t *testing.T) {
	client := connectedClient(t)

	path := filepath.Join(t.TempDir(), "data")
	content := []byte("expctl")
	if err := os.WriteFile(path, content, 0644); err != nil {
		t.Fatalf("failed to write file: %v", err)
	}

	checksum, err := client.ComputeChecksum(context.Background(), path)
	if err != nil {
		t.Fatalf("failed to compute checksum: %v", err)
	}
	if expected := fmt.Sprintf("%x", sha256.Sum256(content)); checksum != expected {
		t.Errorf("expected checksum %s, got %s", expected, checksum)
	}

	_, err = client.ComputeChecksum(context.Background(), filepath.Join(t.TempDir(), "missing"))
	if err == nil {
		t.Fatal("expected error for missing file")
	}
	if code := ExitCode(err); code != 1 {
		t.Errorf("expected exit code 1, got %d", code)
	}
}

func TestShellQuote(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"plain", "'plain'"},
		{"with space", "'with space'"},
		{"it's", `'it'\''s'`},
		{"", "''"},
	}

	for _, tt := range tests {
		if got := ShellQuote(tt.input); got != tt.expected {
			t.Errorf("ShellQuote(%q): expected %s, got %s", tt.input, tt.expected, got)
		}
	}
}
