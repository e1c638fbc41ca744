package syncqueue

import (
	"context"
	"sync"
)

// Gate is a keyed mutex. The autosave controller and the report save handler
// share one so that at most one save per draft is in flight.
type Gate struct {
	mu   sync.Mutex
	held map[string]chan struct{}
}

// NewGate creates an empty gate.
func NewGate() *Gate {
	return &Gate{held: make(map[string]chan struct{})}
}

// TryAcquire takes key if it is free.
func (g *Gate) TryAcquire(key string) (release func(), ok bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, busy := g.held[key]; busy {
		return nil, false
	}
	return g.takeLocked(key), true
}

// Acquire waits for key until ctx is done.
func (g *Gate) Acquire(ctx context.Context, key string) (release func(), err error) {
	for {
		g.mu.Lock()
		ch, busy := g.held[key]
		if !busy {
			release := g.takeLocked(key)
			g.mu.Unlock()
			return release, nil
		}
		g.mu.Unlock()

		select {
		case <-ch:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Held reports whether key is currently taken.
func (g *Gate) Held(key string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, busy := g.held[key]
	return busy
}

func (g *Gate) takeLocked(key string) func() {
	ch := make(chan struct{})
	g.held[key] = ch

	var once sync.Once
	return func() {
		once.Do(func() {
			g.mu.Lock()
			delete(g.held, key)
			g.mu.Unlock()
			close(ch)
		})
	}
}
