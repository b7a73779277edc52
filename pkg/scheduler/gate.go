package scheduler

import (
	"context"
	"sync"
)

// gate implements syncengine.Gate: a pausable, stoppable checkpoint the
// Engine polls between photos and between albums.
type gate struct {
	mu     sync.Mutex
	paused bool
	resume chan struct{}
	stop   chan struct{}
	once   sync.Once
}

func newGate() *gate {
	return &gate{
		resume: make(chan struct{}),
		stop:   make(chan struct{}),
	}
}

func (g *gate) ShouldStop() bool {
	select {
	case <-g.stop:
		return true
	default:
		return false
	}
}

// Stop signals shutdown; safe to call more than once.
func (g *gate) Stop() {
	g.once.Do(func() { close(g.stop) })
}

// Pause blocks the Engine's next checkpoint until Resume is called.
func (g *gate) Pause() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.paused {
		g.paused = true
		g.resume = make(chan struct{})
	}
}

// Resume releases any checkpoint currently blocked in WaitIfPaused.
func (g *gate) Resume() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.paused {
		g.paused = false
		close(g.resume)
	}
}

// WaitIfPaused blocks while paused, returning true if a stop or a context
// cancellation arrives first — including when the gate is not currently
// paused, so a checkpoint between photos still observes shutdown promptly.
func (g *gate) WaitIfPaused(ctx context.Context) bool {
	g.mu.Lock()
	paused := g.paused
	resume := g.resume
	g.mu.Unlock()

	if !paused {
		select {
		case <-ctx.Done():
			return true
		case <-g.stop:
			return true
		default:
			return false
		}
	}

	select {
	case <-resume:
		return false
	case <-ctx.Done():
		return true
	case <-g.stop:
		return true
	}
}
