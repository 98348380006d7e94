package identity

import (
	"context"
	"sync"
)

// Gate is a one-shot readiness flag. Once opened it stays open.
type Gate struct {
	once sync.Once
	ch   chan struct{}
}

func NewGate() *Gate {
	return &Gate{ch: make(chan struct{})}
}

func (g *Gate) Open() {
	g.once.Do(func() { close(g.ch) })
}

func (g *Gate) Ready() bool {
	select {
	case <-g.ch:
		return true
	default:
		return false
	}
}

// Done is closed when the gate opens.
func (g *Gate) Done() <-chan struct{} {
	return g.ch
}

func (g *Gate) Wait(ctx context.Context) error {
	select {
	case <-g.ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
