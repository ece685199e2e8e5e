package images

import (
	"context"
	"fmt"
	"sync"
)

// Pull status constants
const (
	StatusPending   = "pending"
	StatusResolving = "resolving"
	StatusPulling   = "pulling"
	StatusUnpacking = "unpacking"
	StatusReady     = "ready"
	StatusFailed    = "failed"
)

// ProgressUpdate represents a status update during a pull
type ProgressUpdate struct {
	Status string
	Layer  int // 1-based index of the layer being processed, 0 if none
	Layers int
	Digest string
	Error  *string
}

// ProgressTracker tracks pull progress and broadcasts updates to subscribers.
// A nil tracker ignores updates.
type ProgressTracker struct {
	current     ProgressUpdate
	subscribers []chan ProgressUpdate
	mu          sync.Mutex
	closed      bool
}

// NewProgressTracker creates a new progress tracker
func NewProgressTracker() *ProgressTracker {
	return &ProgressTracker{
		current:     ProgressUpdate{Status: StatusPending},
		subscribers: make([]chan ProgressUpdate, 0),
	}
}

// Update records the new state and broadcasts it to all subscribers
func (p *ProgressTracker) Update(update ProgressUpdate) {
	if p == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return
	}
	p.current = update
	p.broadcast(update)
}

// Fail marks the pull as failed with error message
func (p *ProgressTracker) Fail(err error) {
	errorMsg := err.Error()
	p.Update(ProgressUpdate{Status: StatusFailed, Error: &errorMsg})
}

// Complete marks the pull as complete
func (p *ProgressTracker) Complete(layers int) {
	p.Update(ProgressUpdate{Status: StatusReady, Layer: layers, Layers: layers})
}

// Current returns the last recorded state
func (p *ProgressTracker) Current() ProgressUpdate {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.current
}

func (p *ProgressTracker) broadcast(update ProgressUpdate) {
	for _, ch := range p.subscribers {
		select {
		case ch <- update:
		default:
			// Non-blocking send (skip slow consumers)
		}
	}
}

// Subscribe adds a new subscriber and returns their channel. The current
// state is delivered first. The channel is closed when ctx is done or the
// tracker is closed.
func (p *ProgressTracker) Subscribe(ctx context.Context) (<-chan ProgressUpdate, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, fmt.Errorf("tracker closed")
	}

	ch := make(chan ProgressUpdate, 10) // Buffered for slow consumers
	p.subscribers = append(p.subscribers, ch)
	ch <- p.current

	go func() {
		<-ctx.Done()
		p.unsubscribe(ch)
	}()

	return ch, nil
}

func (p *ProgressTracker) unsubscribe(ch chan ProgressUpdate) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for i, sub := range p.subscribers {
		if sub == ch {
			p.subscribers = append(p.subscribers[:i], p.subscribers[i+1:]...)
			close(ch)
			break
		}
	}
}

// Close closes all subscriber channels
func (p *ProgressTracker) Close() {
	if p == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return
	}

	p.closed = true
	for _, ch := range p.subscribers {
		close(ch)
	}
	p.subscribers = nil
}
