package service

import (
	"fmt"
	"io"
	"slices"
	"sync"
	"sync/atomic"

	"coap-proxy-go/internal/metrics"
)

// SecureEndpointFactory builds a secure endpoint bound to a PSK identity.
type SecureEndpointFactory func(identity string, psk []byte) (Endpoint, error)

// SecureSessionCache owns the proxy's single secure endpoint. The endpoint is
// built on first use and kept for the lifetime of the cache so later secure
// forwards skip the handshake.
//
// Construction is serialized: concurrent first callers wait for one build.
// A failed build is not cached and the next Acquire retries.
type SecureSessionCache struct {
	identity string
	psk      []byte
	factory  SecureEndpointFactory
	metrics  *metrics.Metrics

	mu       sync.Mutex
	endpoint Endpoint
	closed   bool

	builds atomic.Int64
}

// NewSecureSessionCache creates a cache for the given identity and key.
// The metrics parameter is optional; pass nil to disable build metrics.
func NewSecureSessionCache(identity string, psk []byte, factory SecureEndpointFactory, m *metrics.Metrics) *SecureSessionCache {
	return &SecureSessionCache{
		identity: identity,
		psk:      slices.Clone(psk),
		factory:  factory,
		metrics:  m,
	}
}

// Acquire returns the cached secure endpoint, building it if needed.
// The returned endpoint must not be released or closed by the caller.
func (c *SecureSessionCache) Acquire() (Endpoint, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, fmt.Errorf("%w: secure session cache closed", ErrTransportUnavailable)
	}
	if c.endpoint != nil {
		return c.endpoint, nil
	}
	if c.factory == nil {
		return nil, fmt.Errorf("%w: no secure transport configured", ErrTransportUnavailable)
	}

	ep, err := c.factory(c.identity, c.psk)
	if err != nil {
		return nil, fmt.Errorf("%w: build secure transport: %w", ErrTransportUnavailable, err)
	}
	c.builds.Add(1)
	if c.metrics != nil {
		c.metrics.SecureSessionBuilds.Inc()
	}
	c.endpoint = ep
	return ep, nil
}

// Builds returns how many times the secure endpoint has been constructed.
func (c *SecureSessionCache) Builds() int64 {
	return c.builds.Load()
}

// Close tears down the secure endpoint at proxy shutdown.
func (c *SecureSessionCache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.closed = true
	ep := c.endpoint
	c.endpoint = nil
	if closer, ok := ep.(io.Closer); ok {
		return closer.Close()
	}
	return nil
}
