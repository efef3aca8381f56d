package service

import (
	"context"
	"sync/atomic"
)

// Completion is a single-assignment result slot. Only the first Complete
// call takes effect; later calls are dropped.
type Completion struct {
	set    atomic.Bool
	done   chan struct{}
	result Result
}

// NewCompletion returns an empty slot.
func NewCompletion() *Completion {
	return &Completion{done: make(chan struct{})}
}

// Complete stores r if no result was stored yet and reports whether it did.
func (c *Completion) Complete(r Result) bool {
	if !c.set.CompareAndSwap(false, true) {
		return false
	}
	c.result = r
	close(c.done)
	return true
}

// Done is closed once a result is available.
func (c *Completion) Done() <-chan struct{} {
	return c.done
}

// Result returns the stored result, if any.
func (c *Completion) Result() (Result, bool) {
	select {
	case <-c.done:
		return c.result, true
	default:
		return Result{}, false
	}
}

// Wait blocks until a result is available or ctx ends. Giving up on the
// wait does not cancel the forward.
func (c *Completion) Wait(ctx context.Context) (Result, error) {
	select {
	case <-c.done:
		return c.result, nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}
