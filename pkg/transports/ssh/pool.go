package ssh

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"
)

// Pool shares one connection per user, host and gateway between the
// resources of an experiment. Connections are closed when the last user
// releases them.
type Pool struct {
	mu      sync.Mutex
	entries map[string]*poolEntry
	closed  bool

	// newClient builds unconnected transports; replaced in tests.
	newClient func(config *Config) (Transport, error)
}

type poolEntry struct {
	mu        sync.Mutex
	transport Transport
	refs      int
}

var _ Connector = (*Pool)(nil)

// NewPool creates an empty pool.
func NewPool() *Pool {
	return &Pool{
		entries: make(map[string]*poolEntry),
		newClient: func(config *Config) (Transport, error) {
			return NewSSHClient(config)
		},
	}
}

// Acquire returns the connected transport for config, connecting on first
// use and reconnecting dead connections.
func (p *Pool) Acquire(ctx context.Context, config *Config) (Transport, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	key := config.Key()

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, newError("acquire", fmt.Errorf("pool is closed"), false)
	}
	entry, ok := p.entries[key]
	if !ok {
		entry = &poolEntry{}
		p.entries[key] = entry
	}
	entry.refs++
	p.mu.Unlock()

	// Connecting holds only the entry lock so hosts connect in parallel.
	entry.mu.Lock()
	defer entry.mu.Unlock()

	if entry.transport == nil {
		t, err := p.newClient(config)
		if err != nil {
			p.drop(key, entry)
			return nil, err
		}
		entry.transport = t
	}
	if err := entry.transport.Connect(ctx); err != nil {
		p.drop(key, entry)
		return nil, err
	}

	log.Debug().Str("key", key).Int("refs", entry.refs).Msg("SSH connection acquired")
	return entry.transport, nil
}

// drop undoes the reference taken by a failed Acquire.
func (p *Pool) drop(key string, entry *poolEntry) {
	p.mu.Lock()
	defer p.mu.Unlock()
	entry.refs--
	if entry.refs <= 0 && p.entries[key] == entry {
		delete(p.entries, key)
	}
}

// Release drops one reference to the connection for config and closes it
// when none remain.
func (p *Pool) Release(config *Config) error {
	key := config.Key()

	p.mu.Lock()
	entry, ok := p.entries[key]
	if !ok {
		p.mu.Unlock()
		return nil
	}
	entry.refs--
	last := entry.refs <= 0
	if last {
		delete(p.entries, key)
	}
	p.mu.Unlock()

	if !last {
		return nil
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()
	if entry.transport == nil {
		return nil
	}
	log.Debug().Str("key", key).Msg("closing pooled SSH connection")
	return entry.transport.Disconnect()
}

// Len returns the number of open pooled connections.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}

// Close disconnects every pooled connection. Later Acquire calls fail.
func (p *Pool) Close() error {
	p.mu.Lock()
	entries := p.entries
	p.entries = make(map[string]*poolEntry)
	p.closed = true
	p.mu.Unlock()

	var firstErr error
	for key, entry := range entries {
		entry.mu.Lock()
		if entry.transport != nil {
			if err := entry.transport.Disconnect(); err != nil && firstErr == nil {
				firstErr = fmt.Errorf("failed to close %s: %w", key, err)
			}
		}
		entry.mu.Unlock()
	}
	return firstErr
}
