package linux

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/openfroyo/expctl/pkg/engine"
	"github.com/openfroyo/expctl/pkg/transports/ssh"
)

const sampleFacts = `### os-release
NAME="Ubuntu"
ID=ubuntu
VERSION_ID="22.04"
### kernel
5.15.0-91-generic
### machine
x86_64
### hostname
node1
### package-manager
apt-get
`

// fakeHost is an in-memory host answering the driver's commands.
type fakeHost struct {
	mu       sync.Mutex
	commands []string
	sudo     []string
	files    map[string][]byte
	uploads  int
	exitCode string
	running  bool
}

func newFakeHost() *fakeHost {
	return &fakeHost{files: make(map[string][]byte), exitCode: "0"}
}

func exitError(code int) error {
	return &ssh.TransportError{Op: "execute", Err: errors.New("exit status"), ExitCode: code}
}

func (h *fakeHost) run(cmd string) (string, string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.commands = append(h.commands, cmd)

	switch {
	case cmd == factsCommand:
		return sampleFacts, "", nil
	case strings.HasPrefix(cmd, "dpkg-query"):
		return "", "", exitError(1)
	case strings.Contains(cmd, "setsid"):
		h.running = true
		return "4242", "", nil
	case strings.HasPrefix(cmd, "kill -0"):
		if h.running {
			return "", "", nil
		}
		return "", "", exitError(1)
	case strings.HasPrefix(cmd, "kill -TERM"):
		h.running = false
		return "", "", nil
	case strings.HasPrefix(cmd, "cat ") && strings.Contains(cmd, "exitcode"):
		return h.exitCode, "", nil
	case strings.HasPrefix(cmd, "tail -c 2048"):
		return "segmentation fault", "", nil
	case strings.HasPrefix(cmd, "stat -c"):
		return "12", "", nil
	default:
		return "", "", nil
	}
}

func (h *fakeHost) finish(code string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.running = false
	h.exitCode = code
}

func (h *fakeHost) find(prefix string) []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	var found []string
	for _, c := range h.commands {
		if strings.HasPrefix(c, prefix) {
			found = append(found, c)
		}
	}
	return found
}

func (h *fakeHost) sudoCommands() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.sudo...)
}

func (h *fakeHost) uploadCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.uploads
}

func (h *fakeHost) file(name string) (string, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	content, ok := h.files[name]
	return string(content), ok
}

type fakeTransport struct {
	host *fakeHost
}

func (f *fakeTransport) Connect(ctx context.Context) error { return nil }
func (f *fakeTransport) Disconnect() error                 { return nil }
func (f *fakeTransport) IsConnected() bool                 { return true }
func (f *fakeTransport) HealthCheck(ctx context.Context) error {
	return nil
}

func (f *fakeTransport) ExecuteCommand(ctx context.Context, cmd string) (string, string, error) {
	return f.host.run(cmd)
}

func (f *fakeTransport) ExecuteCommandWithSudo(ctx context.Context, cmd, password string) (string, string, error) {
	f.host.mu.Lock()
	f.host.sudo = append(f.host.sudo, cmd)
	f.host.mu.Unlock()
	return f.host.run(cmd)
}

func (f *fakeTransport) UploadFile(ctx context.Context, localPath, remotePath string, mode uint32) error {
	content, err := os.ReadFile(localPath)
	if err != nil {
		return err
	}
	return f.UploadContent(ctx, content, remotePath, mode)
}

func (f *fakeTransport) UploadContent(ctx context.Context, content []byte, remotePath string, mode uint32) error {
	f.host.mu.Lock()
	defer f.host.mu.Unlock()
	f.host.files[remotePath] = append([]byte(nil), content...)
	f.host.uploads++
	return nil
}

func (f *fakeTransport) ComputeChecksum(ctx context.Context, remotePath string) (string, error) {
	f.host.mu.Lock()
	defer f.host.mu.Unlock()
	content, ok := f.host.files[remotePath]
	if !ok {
		return "", exitError(1)
	}
	return fmt.Sprintf("%x", sha256.Sum256(content)), nil
}

func (f *fakeTransport) GetConnectionInfo() ssh.ConnectionInfo { return ssh.ConnectionInfo{} }

// fakeConnector hands out transports to a single fake host.
type fakeConnector struct {
	host *fakeHost

	mu       sync.Mutex
	acquired []*ssh.Config
	released int
}

func (c *fakeConnector) Acquire(ctx context.Context, config *ssh.Config) (ssh.Transport, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.acquired = append(c.acquired, config)
	return &fakeTransport{host: c.host}, nil
}

func (c *fakeConnector) Release(config *ssh.Config) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.released++
	return nil
}

func (c *fakeConnector) releasedCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.released
}

func setupController(t *testing.T) (*engine.ExperimentController, *fakeConnector) {
	t.Helper()

	connector := &fakeConnector{host: newFakeHost()}
	factory := engine.NewFactory()
	if err := NewDriver(connector).Register(factory); err != nil {
		t.Fatalf("failed to register types: %v", err)
	}

	opts := engine.DefaultOptions()
	opts.ExpID = "exp-test"
	opts.RescheduleDelay = 10 * time.Millisecond
	opts.MaxRescheduleDelay = 50 * time.Millisecond
	opts.GroupPollInterval = 20 * time.Millisecond
	opts.WaitPollInterval = 20 * time.Millisecond

	ec, err := engine.NewExperimentController(factory, opts)
	if err != nil {
		t.Fatalf("failed to create controller: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = ec.Shutdown(ctx)
	})
	return ec, connector
}

func newResource(t *testing.T, ec *engine.ExperimentController, rtype string, attrs map[string]interface{}) engine.Guid {
	t.Helper()
	guid, err := ec.RegisterResource(rtype)
	if err != nil {
		t.Fatalf("failed to register %s: %v", rtype, err)
	}
	r, _ := ec.Resource(guid)
	for name, value := range attrs {
		if err := r.Set(name, value); err != nil {
			t.Fatalf("failed to set %s: %v", name, err)
		}
	}
	return guid
}

func newNode(t *testing.T, ec *engine.ExperimentController) engine.Guid {
	t.Helper()
	return newResource(t, ec, TypeNode, map[string]interface{}{
		"hostname": "node1",
		"username": "exp",
		"password": "secret",
	})
}

func waitState(t *testing.T, ec *engine.ExperimentController, guid engine.Guid, want engine.ResourceState) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if s, _ := ec.State(guid); s == want {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	s, _ := ec.State(guid)
	t.Fatalf("expected %d to reach %s, got %s", guid, want, s)
}

func TestParseFacts(t *testing.T) {
	facts := parseFacts(sampleFacts)

	expected := Facts{
		OS:             "ubuntu",
		OSVersion:      "22.04",
		Kernel:         "5.15.0-91-generic",
		Arch:           "amd64",
		Hostname:       "node1",
		PackageManager: "apt-get",
	}
	if facts != expected {
		t.Errorf("expected %+v, got %+v", expected, facts)
	}

	if empty := parseFacts(""); empty != (Facts{}) {
		t.Errorf("expected empty facts, got %+v", empty)
	}
}

func TestNormalizeArchitecture(t *testing.T) {
	tests := []struct {
		machine  string
		expected string
	}{
		{"x86_64", "amd64"},
		{"aarch64", "arm64"},
		{"armv7l", "arm"},
		{"i686", "386"},
		{"riscv64", "riscv64"},
	}

	for _, tt := range tests {
		if got := normalizeArchitecture(tt.machine); got != tt.expected {
			t.Errorf("normalizeArchitecture(%q): expected %s, got %s", tt.machine, tt.expected, got)
		}
	}
}

func TestInstallCommand(t *testing.T) {
	tests := []struct {
		manager  string
		expected string
		wantErr  bool
	}{
		{"apt-get", "DEBIAN_FRONTEND=noninteractive apt-get install -y 'gcc' 'make'", false},
		{"dnf", "dnf install -y 'gcc' 'make'", false},
		{"yum", "yum install -y 'gcc' 'make'", false},
		{"zypper", "zypper --non-interactive install 'gcc' 'make'", false},
		{"", "", true},
	}

	for _, tt := range tests {
		got, err := installCommand(tt.manager, []string{"gcc", "make"})
		if tt.wantErr {
			if err == nil {
				t.Errorf("expected error for manager %q", tt.manager)
			}
			continue
		}
		if err != nil {
			t.Errorf("unexpected error for %s: %v", tt.manager, err)
			continue
		}
		if got != tt.expected {
			t.Errorf("expected %q, got %q", tt.expected, got)
		}
	}

	if got := installedCommand("dnf", []string{"gcc"}); got != "rpm -q 'gcc' >/dev/null 2>&1" {
		t.Errorf("unexpected installed command %q", got)
	}
}

func TestNodeSSHConfig(t *testing.T) {
	ec, _ := setupController(t)
	guid := newResource(t, ec, TypeNode, map[string]interface{}{
		"hostname":        "node1",
		"username":        "exp",
		"port":            2222,
		"identity":        "/keys/id_ed25519",
		"strict_host_key": false,
		"gateway":         "gw.example.org",
	})
	r, _ := ec.Resource(guid)
	config := r.(*Node).sshConfig()

	if config.Address() != "node1:2222" {
		t.Errorf("expected address node1:2222, got %s", config.Address())
	}
	if config.AuthMethod != ssh.AuthMethodKey || config.PrivateKeyPath != "/keys/id_ed25519" {
		t.Errorf("expected key auth with identity, got %s %s", config.AuthMethod, config.PrivateKeyPath)
	}
	if config.StrictHostKeyChecking {
		t.Error("expected host key checking to be disabled")
	}
	if config.ProxyHost != "gw.example.org" || config.ProxyUser != "exp" {
		t.Errorf("expected gateway exp@gw.example.org, got %s@%s", config.ProxyUser, config.ProxyHost)
	}
}

func TestNodeRequiresHostname(t *testing.T) {
	ec, connector := setupController(t)
	guid := newResource(t, ec, TypeNode, map[string]interface{}{"username": "exp"})
	r, _ := ec.Resource(guid)

	err := r.(*Node).Discover(context.Background())
	if !engine.IsInvalid(err) {
		t.Errorf("expected invalid error, got %v", err)
	}
	if len(connector.acquired) != 0 {
		t.Error("expected no connection attempt")
	}

	if _, err := ec.Deploy(nil); err != nil {
		t.Fatalf("failed to deploy: %v", err)
	}
	select {
	case <-ec.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("expected the controller to fail")
	}
	if s, _ := ec.State(guid); s != engine.StateFailed {
		t.Errorf("expected node FAILED, got %s", s)
	}
}

func TestApplicationLifecycle(t *testing.T) {
	ec, connector := setupController(t)
	host := connector.host

	src := filepath.Join(t.TempDir(), "ping.c")
	if err := os.WriteFile(src, []byte("int main() { return 0; }\n"), 0644); err != nil {
		t.Fatalf("failed to write source: %v", err)
	}

	node := newNode(t, ec)
	app := newResource(t, ec, TypeApplication, map[string]interface{}{
		"command": "${BUILD}/ping -c 3 10.0.0.2",
		"env":     "LANG=C TZ=UTC",
		"depends": "gcc",
		"sources": src,
		"build":   "gcc -o ping ${SOURCES}/ping.c",
		"stdin":   "hello",
	})
	if err := ec.RegisterConnection(app, node); err != nil {
		t.Fatalf("failed to connect: %v", err)
	}

	if _, err := ec.Deploy(nil); err != nil {
		t.Fatalf("failed to deploy: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := ec.WaitStarted(ctx, app); err != nil {
		t.Fatalf("failed waiting for application: %v", err)
	}

	if name, _ := ec.Get(node, "os"); name != "ubuntu" {
		t.Errorf("expected os fact ubuntu, got %v", name)
	}
	if arch, _ := ec.Get(node, "arch"); arch != "amd64" {
		t.Errorf("expected arch fact amd64, got %v", arch)
	}

	home := fmt.Sprintf(".expctl/exp-test/app-%d", app)
	if content, ok := host.file(home + "/src/ping.c"); !ok || !strings.Contains(content, "main") {
		t.Errorf("expected source to be uploaded, got %q", content)
	}
	if content, _ := host.file(home + "/stdin"); content != "hello" {
		t.Errorf("expected stdin to be uploaded, got %q", content)
	}

	script, ok := host.file(home + "/app.sh")
	if !ok {
		t.Fatal("expected app.sh to be uploaded")
	}
	for _, want := range []string{"export LANG=C\n", "export TZ=UTC\n", "${HOME}/" + home + "/build/ping -c 3 10.0.0.2\n"} {
		if !strings.Contains(script, want) {
			t.Errorf("expected app.sh to contain %q, got %q", want, script)
		}
	}

	if sudo := host.sudoCommands(); len(sudo) != 1 || !strings.Contains(sudo[0], "apt-get install -y 'gcc'") {
		t.Errorf("expected gcc to be installed with sudo, got %v", sudo)
	}
	if builds := host.find("cd '" + home + "/build' && ( gcc -o ping ${HOME}/" + home + "/src/ping.c )"); len(builds) != 1 {
		t.Errorf("expected one build command, got %v", host.find(""))
	}
	if launches := host.find("cd '" + home + "' || exit 1;"); len(launches) != 1 || !strings.Contains(launches[0], "< stdin") {
		t.Errorf("expected launch reading stdin, got %v", launches)
	}

	r, _ := ec.Resource(app)
	if pid := r.(*Application).PID(); pid != 4242 {
		t.Errorf("expected pid 4242, got %d", pid)
	}

	host.finish("0")
	if err := ec.WaitFinished(ctx, app); err != nil {
		t.Fatalf("failed waiting for application to finish: %v", err)
	}

	if err := ec.Release(ctx); err != nil {
		t.Fatalf("failed to release: %v", err)
	}
	if n := connector.releasedCount(); n != 1 {
		t.Errorf("expected the connection to be released once, got %d", n)
	}
}

func TestApplicationFailure(t *testing.T) {
	ec, connector := setupController(t)

	node := newNode(t, ec)
	app := newResource(t, ec, TypeApplication, map[string]interface{}{"command": "./crash"})
	if err := ec.RegisterConnection(app, node); err != nil {
		t.Fatalf("failed to connect: %v", err)
	}
	if _, err := ec.Deploy(nil); err != nil {
		t.Fatalf("failed to deploy: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := ec.WaitStarted(ctx, app); err != nil {
		t.Fatalf("failed waiting for application: %v", err)
	}

	connector.host.finish("139")
	waitState(t, ec, app, engine.StateFailed)
}

func TestApplicationStop(t *testing.T) {
	ec, connector := setupController(t)

	node := newNode(t, ec)
	app := newResource(t, ec, TypeApplication, map[string]interface{}{"command": "iperf -s"})
	if err := ec.RegisterConnection(app, node); err != nil {
		t.Fatalf("failed to connect: %v", err)
	}
	if _, err := ec.Deploy(nil); err != nil {
		t.Fatalf("failed to deploy: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := ec.WaitStarted(ctx, app); err != nil {
		t.Fatalf("failed waiting for application: %v", err)
	}

	if err := ec.Stop(app); err != nil {
		t.Fatalf("failed to stop: %v", err)
	}
	if err := ec.Wait(ctx, []engine.Guid{app}, engine.StateStopped); err != nil {
		t.Fatalf("failed waiting for stop: %v", err)
	}
	if kills := connector.host.find("kill -TERM -- -4242"); len(kills) != 1 {
		t.Errorf("expected one kill of the process group, got %v", kills)
	}
}

func TestApplicationWithoutCommandFinishes(t *testing.T) {
	ec, connector := setupController(t)

	node := newNode(t, ec)
	app := newResource(t, ec, TypeApplication, map[string]interface{}{"depends": "iperf"})
	if err := ec.RegisterConnection(app, node); err != nil {
		t.Fatalf("failed to connect: %v", err)
	}
	if _, err := ec.Deploy(nil); err != nil {
		t.Fatalf("failed to deploy: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := ec.WaitFinished(ctx, app); err != nil {
		t.Fatalf("failed waiting for application: %v", err)
	}
	if launches := connector.host.find("cd "); len(launches) != 0 {
		t.Errorf("expected nothing to be launched, got %v", launches)
	}
}

func TestUploadSkipsUnchanged(t *testing.T) {
	ec, connector := setupController(t)
	guid := newNode(t, ec)
	r, _ := ec.Resource(guid)
	node := r.(*Node)

	ctx := context.Background()
	if err := node.Discover(ctx); err != nil {
		t.Fatalf("failed to discover: %v", err)
	}

	for i := 0; i < 2; i++ {
		if err := node.Upload(ctx, []byte("data"), "f", 0644); err != nil {
			t.Fatalf("failed to upload: %v", err)
		}
	}
	if err := node.Upload(ctx, []byte("other"), "f", 0644); err != nil {
		t.Fatalf("failed to upload: %v", err)
	}

	if n := connector.host.uploadCount(); n != 2 {
		t.Errorf("expected 2 uploads, got %d", n)
	}
}

func TestExecErrors(t *testing.T) {
	ec, _ := setupController(t)
	guid := newNode(t, ec)
	r, _ := ec.Resource(guid)
	node := r.(*Node)
	ctx := context.Background()

	if _, err := node.Exec(ctx, "true", false); !engine.IsTransport(err) {
		t.Errorf("expected transport error before connecting, got %v", err)
	}

	if err := node.Discover(ctx); err != nil {
		t.Fatalf("failed to discover: %v", err)
	}
	if _, err := node.Exec(ctx, "kill -0 1", false); !engine.IsDriver(err) {
		t.Errorf("expected driver error for non-zero exit, got %v", err)
	}
}

func TestApplicationSingleNode(t *testing.T) {
	ec, _ := setupController(t)
	node1 := newNode(t, ec)
	node2 := newNode(t, ec)
	app := newResource(t, ec, TypeApplication, nil)

	if err := ec.RegisterConnection(app, node1); err != nil {
		t.Fatalf("failed to connect: %v", err)
	}
	if err := ec.RegisterConnection(app, node2); !engine.IsInvalid(err) {
		t.Errorf("expected second node to be rejected, got %v", err)
	}
	if err := ec.RegisterConnection(app, app); err == nil {
		t.Error("expected connection to an application to be rejected")
	}
}

func TestApplicationTrace(t *testing.T) {
	ec, connector := setupController(t)
	node := newNode(t, ec)
	app := newResource(t, ec, TypeApplication, map[string]interface{}{"command": "ping localhost"})
	if err := ec.RegisterConnection(app, node); err != nil {
		t.Fatalf("failed to connect: %v", err)
	}
	if err := ec.RegisterTrace(app, "stdout"); err != nil {
		t.Fatalf("failed to register trace: %v", err)
	}
	if _, err := ec.Deploy(nil); err != nil {
		t.Fatalf("failed to deploy: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := ec.WaitStarted(ctx, app); err != nil {
		t.Fatalf("failed waiting for application: %v", err)
	}

	file := fmt.Sprintf(".expctl/exp-test/app-%d/stdout", app)
	p, err := ec.Trace(ctx, app, "stdout", engine.TracePath, 0, 0)
	if err != nil {
		t.Fatalf("failed to read path: %v", err)
	}
	if p != file {
		t.Errorf("expected path %s, got %s", file, p)
	}

	size, err := ec.Trace(ctx, app, "stdout", engine.TraceSize, 0, 0)
	if err != nil || size != "12" {
		t.Errorf("expected size 12, got %q (%v)", size, err)
	}

	if _, err := ec.Trace(ctx, app, "stdout", engine.TraceStream, 64, 128); err != nil {
		t.Fatalf("failed to stream: %v", err)
	}
	if reads := connector.host.find("tail -c +129 '" + file + "' 2>/dev/null | head -c 64"); len(reads) != 1 {
		t.Errorf("expected one stream read, got %v", connector.host.find(""))
	}

	r, _ := ec.Resource(app)
	if _, err := r.(*Application).Trace(ctx, engine.TraceQuery{Name: "stdout", Attr: engine.TraceStream, Block: 64, Offset: -5}); err != nil {
		t.Fatalf("failed to stream with a negative offset: %v", err)
	}
	if reads := connector.host.find("tail -c +1 '" + file + "' 2>/dev/null | head -c 64"); len(reads) != 1 {
		t.Errorf("expected negative offset clamped to the start, got %v", connector.host.find("tail -c +"))
	}
}
