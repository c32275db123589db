package ssh

import (
	"context"
	"errors"
	"sync"
	"testing"
)

// fakeTransport counts connects and disconnects.
type fakeTransport struct {
	mu          sync.Mutex
	connects    int
	disconnects int
	connected   bool
	connectErr  error
}

func (f *fakeTransport) Connect(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.connectErr != nil {
		return f.connectErr
	}
	f.connects++
	f.connected = true
	return nil
}

func (f *fakeTransport) Disconnect() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnects++
	f.connected = false
	return nil
}

func (f *fakeTransport) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeTransport) HealthCheck(ctx context.Context) error { return nil }

func (f *fakeTransport) ExecuteCommand(ctx context.Context, cmd string) (string, string, error) {
	return "", "", nil
}

func (f *fakeTransport) ExecuteCommandWithSudo(ctx context.Context, cmd, password string) (string, string, error) {
	return "", "", nil
}

func (f *fakeTransport) UploadFile(ctx context.Context, localPath, remotePath string, mode uint32) error {
	return nil
}

func (f *fakeTransport) UploadContent(ctx context.Context, content []byte, remotePath string, mode uint32) error {
	return nil
}

func (f *fakeTransport) ComputeChecksum(ctx context.Context, remotePath string) (string, error) {
	return "", nil
}

func (f *fakeTransport) GetConnectionInfo() ConnectionInfo { return ConnectionInfo{} }

// newFakePool returns a pool handing out fake transports.
func newFakePool() (*Pool, func() []*fakeTransport) {
	var mu sync.Mutex
	var created []*fakeTransport

	pool := NewPool()
	pool.newClient = func(config *Config) (Transport, error) {
		mu.Lock()
		defer mu.Unlock()
		f := &fakeTransport{}
		if config.User == "broken" {
			f.connectErr = errors.New("connection refused")
		}
		created = append(created, f)
		return f, nil
	}
	return pool, func() []*fakeTransport {
		mu.Lock()
		defer mu.Unlock()
		return append([]*fakeTransport(nil), created...)
	}
}

func poolConfig(host, user string) *Config {
	config := DefaultConfig(host, user)
	config.AuthMethod = AuthMethodPassword
	config.Password = "secret"
	return config
}

func TestPoolSharesConnections(t *testing.T) {
	pool, created := newFakePool()
	ctx := context.Background()

	first, err := pool.Acquire(ctx, poolConfig("node1", "exp"))
	if err != nil {
		t.Fatalf("failed to acquire: %v", err)
	}
	second, err := pool.Acquire(ctx, poolConfig("node1", "exp"))
	if err != nil {
		t.Fatalf("failed to acquire: %v", err)
	}
	if first != second {
		t.Error("expected the same transport for the same host and user")
	}

	other, err := pool.Acquire(ctx, poolConfig("node1", "root"))
	if err != nil {
		t.Fatalf("failed to acquire: %v", err)
	}
	if other == first {
		t.Error("expected a separate transport for another user")
	}

	if pool.Len() != 2 {
		t.Errorf("expected 2 pooled connections, got %d", pool.Len())
	}
	if n := len(created()); n != 2 {
		t.Errorf("expected 2 transports to be created, got %d", n)
	}
}

func TestPoolRelease(t *testing.T) {
	pool, created := newFakePool()
	ctx := context.Background()
	config := poolConfig("node1", "exp")

	for i := 0; i < 2; i++ {
		if _, err := pool.Acquire(ctx, config); err != nil {
			t.Fatalf("failed to acquire: %v", err)
		}
	}
	transport := created()[0]

	if err := pool.Release(config); err != nil {
		t.Fatalf("failed to release: %v", err)
	}
	if !transport.IsConnected() {
		t.Error("expected the connection to stay open while referenced")
	}

	if err := pool.Release(config); err != nil {
		t.Fatalf("failed to release: %v", err)
	}
	if transport.IsConnected() {
		t.Error("expected the connection to close with the last reference")
	}
	if pool.Len() != 0 {
		t.Errorf("expected empty pool, got %d", pool.Len())
	}

	// Releasing an unknown config is a no-op.
	if err := pool.Release(config); err != nil {
		t.Errorf("expected no error, got %v", err)
	}
}

func TestPoolAcquireFailure(t *testing.T) {
	pool, _ := newFakePool()

	if _, err := pool.Acquire(context.Background(), poolConfig("node1", "broken")); err == nil {
		t.Fatal("expected acquire to fail")
	}
	if pool.Len() != 0 {
		t.Errorf("expected failed connection not to be pooled, got %d", pool.Len())
	}

	if _, err := pool.Acquire(context.Background(), DefaultConfig("", "exp")); err == nil {
		t.Error("expected error for invalid config")
	}
}

func TestPoolConcurrentAcquire(t *testing.T) {
	pool, created := newFakePool()
	config := poolConfig("node1", "exp")

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := pool.Acquire(context.Background(), config); err != nil {
				t.Errorf("failed to acquire: %v", err)
			}
		}()
	}
	wg.Wait()

	if n := len(created()); n != 1 {
		t.Errorf("expected a single transport, got %d", n)
	}
}

func TestPoolClose(t *testing.T) {
	pool, created := newFakePool()
	ctx := context.Background()

	if _, err := pool.Acquire(ctx, poolConfig("node1", "exp")); err != nil {
		t.Fatalf("failed to acquire: %v", err)
	}
	if _, err := pool.Acquire(ctx, poolConfig("node2", "exp")); err != nil {
		t.Fatalf("failed to acquire: %v", err)
	}

	if err := pool.Close(); err != nil {
		t.Fatalf("failed to close pool: %v", err)
	}
	for _, f := range created() {
		if f.IsConnected() {
			t.Error("expected every connection to be closed")
		}
	}
	if _, err := pool.Acquire(ctx, poolConfig("node1", "exp")); err == nil {
		t.Error("expected acquire on a closed pool to fail")
	}
}

func TestPoolWithServer(t *testing.T) {
	server := newTestSSHServer(t)
	pool := NewPool()
	defer pool.Close()

	transport, err := pool.Acquire(context.Background(), server.clientConfig())
	if err != nil {
		t.Fatalf("failed to acquire: %v", err)
	}

	stdout, _, err := transport.ExecuteCommand(context.Background(), "echo test")
	if err != nil {
		t.Fatalf("failed to execute: %v", err)
	}
	if stdout != "test" {
		t.Errorf("expected 'test', got '%s'", stdout)
	}

	if err := pool.Release(server.clientConfig()); err != nil {
		t.Fatalf("failed to release: %v", err)
	}
	if transport.IsConnected() {
		t.Error("expected the connection to be closed")
	}
}
