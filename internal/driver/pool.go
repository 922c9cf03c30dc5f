// Package driver — pool.go
//
// Per-endpoint connection pool. Entries are keyed by host:port (or
// broker URL) and shared across stations on the same endpoint, so ten
// stations behind one Modbus gateway hold one TCP connection.
package driver

import (
	"sync"
)

// pool caches one connection handle per endpoint.
type pool[T any] struct {
	mu      sync.Mutex
	entries map[string]T
	dial    func(endpoint string) (T, error)
	close   func(T) error
}

func newPool[T any](dial func(string) (T, error), close func(T) error) *pool[T] {
	return &pool[T]{
		entries: make(map[string]T),
		dial:    dial,
		close:   close,
	}
}

// get returns the cached handle for the endpoint, dialing on first use.
func (p *pool[T]) get(endpoint string) (T, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if h, ok := p.entries[endpoint]; ok {
		return h, nil
	}
	h, err := p.dial(endpoint)
	if err != nil {
		var zero T
		return zero, err
	}
	p.entries[endpoint] = h
	return h, nil
}

// drop closes and forgets the endpoint's handle, forcing a re-dial on
// next use. Called after transport-level failures.
func (p *pool[T]) drop(endpoint string) {
	p.mu.Lock()
	h, ok := p.entries[endpoint]
	delete(p.entries, endpoint)
	p.mu.Unlock()
	if ok && p.close != nil {
		_ = p.close(h)
	}
}

// closeAll tears down every cached handle.
func (p *pool[T]) closeAll() {
	p.mu.Lock()
	entries := p.entries
	p.entries = make(map[string]T)
	p.mu.Unlock()
	if p.close == nil {
		return
	}
	for _, h := range entries {
		_ = p.close(h)
	}
}
