package executor

import (
	"context"
	"sync"
)

// Gate is a reusable open/closed barrier. Wait returns immediately while
// the gate is open and blocks while it is closed. It starts open.
type Gate struct {
	mu sync.Mutex
	ch chan struct{} // closed while the gate is open
}

// NewGate returns an open gate.
func NewGate() *Gate {
	ch := make(chan struct{})
	close(ch)
	return &Gate{ch: ch}
}

// Close makes subsequent Wait calls block until Open.
func (g *Gate) Close() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.isOpen() {
		g.ch = make(chan struct{})
	}
}

// Open releases every waiter. Opening an open gate does nothing.
func (g *Gate) Open() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.isOpen() {
		close(g.ch)
	}
}

// IsOpen reports whether Wait would return immediately.
func (g *Gate) IsOpen() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.isOpen()
}

func (g *Gate) isOpen() bool {
	select {
	case <-g.ch:
		return true
	default:
		return false
	}
}

// Wait blocks until the gate is open or ctx is done.
func (g *Gate) Wait(ctx context.Context) error {
	g.mu.Lock()
	ch := g.ch
	g.mu.Unlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
