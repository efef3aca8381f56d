// Package pool provides a bounded pool of reusable transport endpoints.
package pool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"coap-proxy-go/internal/metrics"
)

// ErrClosed is returned by Borrow once the pool has been closed.
var ErrClosed = errors.New("pool: closed")

// Stats is a point-in-time snapshot of pool usage.
type Stats struct {
	Size    int   `json:"size"`
	InUse   int64 `json:"in_use"`
	Idle    int   `json:"idle"`
	Created int64 `json:"created"`
}

// Pool lends at most size values at a time. Values are created lazily by
// newFn and kept for reuse after Release.
type Pool[T any] struct {
	newFn   func() (T, error)
	closeFn func(T) error
	metrics *metrics.Metrics

	slots chan struct{}

	mu     sync.Mutex
	idle   []T
	closed bool

	inUse   atomic.Int64
	created atomic.Int64
}

// New creates a Pool. closeFn may be nil. The metrics parameter is optional;
// pass nil to disable pool metrics.
func New[T any](size int, newFn func() (T, error), closeFn func(T) error, m *metrics.Metrics) *Pool[T] {
	if size <= 0 {
		size = 1
	}
	return &Pool[T]{
		newFn:   newFn,
		closeFn: closeFn,
		metrics: m,
		slots:   make(chan struct{}, size),
	}
}

// Borrow returns an idle value or creates a new one, blocking while all
// slots are lent out. The caller must Release the value exactly once.
func (p *Pool[T]) Borrow(ctx context.Context) (T, error) {
	var zero T

	select {
	case p.slots <- struct{}{}:
	case <-ctx.Done():
		return zero, ctx.Err()
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		<-p.slots
		return zero, ErrClosed
	}
	if n := len(p.idle); n > 0 {
		v := p.idle[n-1]
		p.idle = p.idle[:n-1]
		p.mu.Unlock()
		p.lent(1)
		return v, nil
	}
	p.mu.Unlock()

	v, err := p.newFn()
	if err != nil {
		<-p.slots
		return zero, err
	}
	p.created.Add(1)
	p.lent(1)
	return v, nil
}

// Release returns a borrowed value. Values released after Close are closed
// instead of kept.
func (p *Pool[T]) Release(v T) {
	p.lent(-1)

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		_ = p.closeValue(v)
	} else {
		p.idle = append(p.idle, v)
		p.mu.Unlock()
	}
	<-p.slots
}

// Close closes all idle values and makes further Borrow calls fail.
// Values still lent out are closed when released.
func (p *Pool[T]) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	idle := p.idle
	p.idle = nil
	p.mu.Unlock()

	var errs []error
	for _, v := range idle {
		if err := p.closeValue(v); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Stats returns current usage counters.
func (p *Pool[T]) Stats() Stats {
	p.mu.Lock()
	idle := len(p.idle)
	p.mu.Unlock()
	return Stats{
		Size:    cap(p.slots),
		InUse:   p.inUse.Load(),
		Idle:    idle,
		Created: p.created.Load(),
	}
}

func (p *Pool[T]) lent(delta int64) {
	p.inUse.Add(delta)
	if p.metrics != nil {
		p.metrics.PoolInUse.Add(float64(delta))
	}
}

func (p *Pool[T]) closeValue(v T) error {
	if p.closeFn == nil {
		return nil
	}
	return p.closeFn(v)
}
