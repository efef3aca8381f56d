// Package coapnet provides go-coap backed transport endpoints for the
// forwarder: plain CoAP over UDP and CoAP over DTLS with a pre-shared key.
package coapnet

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync/atomic"
	"time"

	"github.com/alitto/pond/v2"
	"github.com/bassosimone/errclass"
	piondtls "github.com/pion/dtls/v3"
	coapdtls "github.com/plgd-dev/go-coap/v3/dtls"
	"github.com/plgd-dev/go-coap/v3/message"
	"github.com/plgd-dev/go-coap/v3/message/pool"
	"github.com/plgd-dev/go-coap/v3/options"
	"github.com/plgd-dev/go-coap/v3/udp"
	"github.com/plgd-dev/go-coap/v3/udp/client"
	"github.com/puzpuzpuz/xsync/v4"
	"golang.org/x/sync/singleflight"

	"coap-proxy-go/internal/metrics"
	"coap-proxy-go/internal/model"
)

var (
	// ErrEndpointClosed is reported for dispatches after Close.
	ErrEndpointClosed = errors.New("coapnet: endpoint closed")
	// ErrMissingCredentials is returned when a secure endpoint is built
	// without an identity or key.
	ErrMissingCredentials = errors.New("coapnet: dtls identity and psk are required")
)

// Config holds CoAP transmission parameters shared by all endpoints.
type Config struct {
	AckTimeout      time.Duration
	MaxRetransmit   uint32
	NStart          uint32
	ExchangeTimeout time.Duration
}

// MaxTransmitWait returns the RFC 7252 MAX_TRANSMIT_WAIT for the given
// parameters, assuming an ACK_RANDOM_FACTOR of 1.5.
func MaxTransmitWait(ackTimeout time.Duration, maxRetransmit uint32) time.Duration {
	if ackTimeout <= 0 {
		ackTimeout = 2 * time.Second
	}
	return ackTimeout * time.Duration((1<<(maxRetransmit+1))-1) * 3 / 2
}

type dialFunc func(addr string) (*client.Conn, error)

// Endpoint dispatches requests to any origin, keeping one connection per
// destination. Exchanges run on a shared worker pool so Dispatch never
// blocks on the network.
type Endpoint struct {
	kind    string
	dial    dialFunc
	cfg     Config
	workers pond.Pool
	conns   *xsync.Map[string, *client.Conn]
	dials   singleflight.Group
	logger  *slog.Logger
	metrics *metrics.Metrics
	closed  atomic.Bool
}

// NewPlainEndpoint creates an endpoint speaking CoAP over UDP.
// The metrics parameter is optional.
func NewPlainEndpoint(cfg Config, workers pond.Pool, logger *slog.Logger, m *metrics.Metrics) *Endpoint {
	dial := func(addr string) (*client.Conn, error) {
		return udp.Dial(addr, options.WithTransmission(cfg.NStart, cfg.AckTimeout, cfg.MaxRetransmit))
	}
	return newEndpoint("plain", dial, cfg, workers, logger, m)
}

// NewSecureEndpoint creates an endpoint speaking CoAP over DTLS using the
// given PSK identity and key. Handshakes happen on first use of each
// destination and the session is kept until Close.
func NewSecureEndpoint(cfg Config, identity string, psk []byte, workers pond.Pool, logger *slog.Logger, m *metrics.Metrics) (*Endpoint, error) {
	if identity == "" || len(psk) == 0 {
		return nil, ErrMissingCredentials
	}
	key := slices.Clone(psk)
	dtlsCfg := &piondtls.Config{
		PSK: func([]byte) ([]byte, error) {
			return key, nil
		},
		PSKIdentityHint: []byte(identity),
		CipherSuites:    []piondtls.CipherSuiteID{piondtls.TLS_PSK_WITH_AES_128_CCM_8},
	}
	dial := func(addr string) (*client.Conn, error) {
		return coapdtls.Dial(addr, dtlsCfg, options.WithTransmission(cfg.NStart, cfg.AckTimeout, cfg.MaxRetransmit))
	}
	return newEndpoint("secure", dial, cfg, workers, logger, m), nil
}

func newEndpoint(kind string, dial dialFunc, cfg Config, workers pond.Pool, logger *slog.Logger, m *metrics.Metrics) *Endpoint {
	if cfg.ExchangeTimeout <= 0 {
		cfg.ExchangeTimeout = MaxTransmitWait(cfg.AckTimeout, cfg.MaxRetransmit)
	}
	return &Endpoint{
		kind:    kind,
		dial:    dial,
		cfg:     cfg,
		workers: workers,
		conns:   xsync.NewMap[string, *client.Conn](),
		logger:  logger.With("component", "coap_endpoint", "transport", kind),
		metrics: m,
	}
}

// Dispatch queues the exchange and returns. listen receives exactly one
// terminal event, preceded by EventContextEstablished when a new secure
// session was set up for the destination.
func (e *Endpoint) Dispatch(ctx context.Context, req *model.OutgoingRequest, listen func(model.Event)) {
	if e.closed.Load() {
		e.logger.Warn("dispatch on closed endpoint", "destination", req.Destination())
		listen(model.Event{Kind: model.EventCancel, Err: ErrEndpointClosed})
		return
	}
	err := e.workers.Go(func() {
		e.exchange(ctx, req, listen)
	})
	if err != nil {
		e.logger.Warn("worker pool refused exchange", "destination", req.Destination(), "err", err)
		listen(model.Event{Kind: model.EventCancel, Err: fmt.Errorf("%w: %w", ErrEndpointClosed, err)})
	}
}

func (e *Endpoint) exchange(ctx context.Context, out *model.OutgoingRequest, listen func(model.Event)) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("exchange panicked", "destination", out.Destination(), "panic", r)
			listen(model.SendErrorEvent(fmt.Errorf("exchange panicked: %v", r)))
		}
	}()

	addr := out.Destination()

	conn, fresh, err := e.conn(addr)
	if err != nil {
		e.logger.Warn("dial failed", "destination", addr, "err", err)
		e.countSendError(err)
		listen(model.SendErrorEvent(fmt.Errorf("dial %s: %w", addr, err)))
		return
	}
	if fresh && e.kind == "secure" {
		listen(model.Event{Kind: model.EventContextEstablished})
	}

	ctx, cancel := context.WithTimeout(ctx, e.cfg.ExchangeTimeout)
	defer cancel()

	req := conn.AcquireMessage(ctx)
	defer conn.ReleaseMessage(req)
	if err := buildMessage(req, out, conn.GetMessageID()); err != nil {
		e.countSendError(err)
		listen(model.SendErrorEvent(err))
		return
	}

	resp, err := conn.Do(req)
	if err != nil {
		done := isDone(conn)
		ev := eventForError(err, done)
		if ev.Kind == model.EventSendError {
			e.countSendError(err)
		}
		e.logger.Debug("exchange failed", "destination", addr, "event", ev.Kind.String(), "err", err)
		if connBroken(err, done) {
			e.drop(addr, conn)
		}
		listen(ev)
		return
	}
	defer conn.ReleaseMessage(resp)

	if resp.Type() == message.Reset {
		listen(model.Event{Kind: model.EventReject})
		return
	}

	body, err := resp.ReadBody()
	if err != nil {
		e.countSendError(err)
		listen(model.SendErrorEvent(fmt.Errorf("read response body: %w", err)))
		return
	}
	listen(model.ResponseEvent(&model.Response{
		Code:    resp.Code(),
		Options: copyOptions(resp.Options()),
		Payload: body,
	}))
}

type dialed struct {
	conn  *client.Conn
	fresh bool
}

// conn returns the cached connection for addr, dialing when there is none
// or the cached one has shut down. Concurrent callers for one addr share a
// single dial. fresh reports a connection set up by this call.
func (e *Endpoint) conn(addr string) (*client.Conn, bool, error) {
	if c, ok := e.conns.Load(addr); ok && !isDone(c) {
		return c, false, nil
	}

	v, err, _ := e.dials.Do(addr, func() (any, error) {
		if c, ok := e.conns.Load(addr); ok && !isDone(c) {
			return dialed{conn: c}, nil
		}
		c, err := e.dial(addr)
		if err != nil {
			return nil, err
		}
		e.conns.Store(addr, c)
		if e.closed.Load() {
			e.conns.Delete(addr)
			_ = c.Close()
			return nil, ErrEndpointClosed
		}
		return dialed{conn: c, fresh: true}, nil
	})
	if err != nil {
		return nil, false, err
	}
	d := v.(dialed)
	return d.conn, d.fresh, nil
}

func (e *Endpoint) drop(addr string, c *client.Conn) {
	if cur, ok := e.conns.Load(addr); ok && cur == c {
		e.conns.Delete(addr)
	}
	_ = c.Close()
}

// Close shuts down every cached connection. Later dispatches report
// EventCancel.
func (e *Endpoint) Close() error {
	e.closed.Store(true)
	var errs []error
	e.conns.Range(func(addr string, c *client.Conn) bool {
		if err := c.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", addr, err))
		}
		e.conns.Delete(addr)
		return true
	})
	return errors.Join(errs...)
}

// Conns returns the number of cached connections.
func (e *Endpoint) Conns() int {
	return e.conns.Size()
}

func (e *Endpoint) countSendError(err error) {
	if e.metrics != nil {
		e.metrics.SendErrors.WithLabelValues(e.kind, Classify(err)).Inc()
	}
}

// Classify maps a transport error onto a short label such as "ETIMEDOUT".
func Classify(err error) string {
	return errclass.New(err)
}

// eventForError maps a failed exchange onto a terminal event.
func eventForError(err error, connDone bool) model.Event {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return model.Event{Kind: model.EventTimeout, Err: err}
	case errors.Is(err, context.Canceled), connDone:
		return model.Event{Kind: model.EventCancel, Err: err}
	default:
		return model.SendErrorEvent(err)
	}
}

// connBroken reports whether a failed exchange left the connection unusable.
// Errors from the exchange's own deadline say nothing about the connection,
// which other exchanges may still be using.
func connBroken(err error, connDone bool) bool {
	if connDone {
		return true
	}
	return !errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, context.Canceled)
}

func isDone(c *client.Conn) bool {
	select {
	case <-c.Done():
		return true
	default:
		return false
	}
}

func buildMessage(req *pool.Message, out *model.OutgoingRequest, mid int32) error {
	token, err := message.GetToken()
	if err != nil {
		return fmt.Errorf("generate token: %w", err)
	}
	req.SetCode(out.Method)
	req.SetToken(token)
	req.SetType(message.Confirmable)
	req.SetMessageID(mid)
	if out.Path != "" {
		if err := req.SetPath("/" + out.Path); err != nil {
			return fmt.Errorf("set path %q: %w", out.Path, err)
		}
	}
	for _, q := range out.Query {
		req.AddQuery(q)
	}
	for _, opt := range out.Options {
		req.AddOptionBytes(opt.ID, opt.Value)
	}
	if len(out.Payload) > 0 {
		req.SetBody(bytes.NewReader(out.Payload))
	}
	return nil
}

// copyOptions detaches options from a pooled message.
func copyOptions(in message.Options) model.Options {
	out := make(model.Options, 0, len(in))
	for _, opt := range in {
		out = append(out, message.Option{ID: opt.ID, Value: slices.Clone(opt.Value)})
	}
	return out
}
