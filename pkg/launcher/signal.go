package launcher

import (
	"context"
	"sync"
)

// CompletionSignal is a one-shot notification. It starts pending and moves
// to signaled on the first call to Signal; later calls do nothing.
type CompletionSignal struct {
	once sync.Once
	done chan struct{}
}

// NewCompletionSignal returns a pending signal.
func NewCompletionSignal() *CompletionSignal {
	return &CompletionSignal{done: make(chan struct{})}
}

// Signal marks the signal as signaled and releases every waiter.
func (c *CompletionSignal) Signal() {
	c.once.Do(func() { close(c.done) })
}

// Done returns a channel that is closed once the signal is signaled.
func (c *CompletionSignal) Done() <-chan struct{} {
	return c.done
}

// Signaled reports whether Signal has been called.
func (c *CompletionSignal) Signaled() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// Wait blocks until the signal is signaled or ctx is done.
func (c *CompletionSignal) Wait(ctx context.Context) error {
	if c.Signaled() {
		return nil
	}
	select {
	case <-c.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
