// Package service implements the core proxy forwarding logic.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/bassosimone/runtimex"
	"github.com/google/uuid"

	"coap-proxy-go/internal/metrics"
	"coap-proxy-go/internal/model"
)

var (
	// ErrMissingProxyURI is reported when a request has no Proxy-Uri option.
	ErrMissingProxyURI = errors.New("proxy-uri option not set")
	// ErrUnresolvedDestination is reported when a translated request has no
	// usable destination host or port.
	ErrUnresolvedDestination = errors.New("destination not resolved")
	// ErrTransportUnavailable is reported when no endpoint could be obtained.
	ErrTransportUnavailable = errors.New("transport unavailable")
	// ErrInternalFault wraps recovered panics and unexpected errors.
	ErrInternalFault = errors.New("internal fault")
)

// Translator converts caller requests into origin requests and origin
// responses into caller responses. TranslateRequest errors that wrap
// model.ErrTranslation are reported as a malformed target.
type Translator interface {
	TranslateRequest(in *model.Request) (*model.OutgoingRequest, error)
	TranslateResponse(in *model.Response) *model.Response
}

// Endpoint is a transport handle able to carry requests to origins.
// Dispatch must not block on network I/O: it reports the exchange through
// listen, possibly from another goroutine and possibly more than once.
type Endpoint interface {
	Dispatch(ctx context.Context, req *model.OutgoingRequest, listen func(model.Event))
}

// EndpointPool lends plain endpoints.
type EndpointPool interface {
	Borrow(ctx context.Context) (Endpoint, error)
	Release(ep Endpoint)
}

// Forwarder forwards proxied requests to their origin.
type Forwarder struct {
	translator Translator
	pool       EndpointPool
	secure     *SecureSessionCache
	logger     *slog.Logger
	metrics    *metrics.Metrics
}

// NewForwarder creates a Forwarder. The metrics parameter is optional; pass
// nil to disable forward metrics.
func NewForwarder(t Translator, p EndpointPool, s *SecureSessionCache, logger *slog.Logger, m *metrics.Metrics) *Forwarder {
	return &Forwarder{
		translator: t,
		pool:       p,
		secure:     s,
		logger:     logger.With("component", "forwarder"),
		metrics:    m,
	}
}

// Forward starts forwarding in to the origin named by its Proxy-Uri option
// and returns immediately. The returned Completion receives exactly one
// Result. Cancelling ctx only bounds the wait for a pooled endpoint; once
// dispatched, the exchange runs to its own conclusion.
func (f *Forwarder) Forward(ctx context.Context, in *model.Request) *Completion {
	p := &pendingForward{
		id:         newForwardID(),
		forwarder:  f,
		completion: NewCompletion(),
		start:      time.Now(),
	}
	p.logger = f.logger.With("forward_id", p.id)
	if f.metrics != nil {
		f.metrics.ForwardsInFlight.Inc()
	}

	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("forward panicked", "panic", r)
			p.fail(OutcomeInternalFault, fmt.Errorf("%w: %v", ErrInternalFault, r))
		}
	}()

	p.logger.Info("forwarding request", "method", in.Method.String(), "source", in.Source)

	uri, ok := in.ProxyURI()
	if !ok {
		p.logger.Warn("proxy-uri option not set")
		p.fail(OutcomeBadTarget, ErrMissingProxyURI)
		return p.completion
	}

	out, err := f.translator.TranslateRequest(in.WithoutURIPath())
	if err != nil {
		if errors.Is(err, model.ErrTranslation) {
			p.logger.Warn("proxy-uri option malformed", "proxy_uri", uri, "err", err)
			p.fail(OutcomeMalformedTarget, err)
		} else {
			p.logger.Error("failed to translate request", "err", err)
			p.fail(OutcomeInternalFault, fmt.Errorf("%w: translate: %w", ErrInternalFault, err))
		}
		return p.completion
	}
	p.request = out

	if err := checkDestination(out); err != nil {
		p.logger.Warn("failed to execute request", "err", err)
		p.fail(OutcomeInternalFault, err)
		return p.completion
	}

	p.transport = SelectTransport(out.Scheme)
	ep, err := f.acquire(ctx, p.transport)
	if err != nil {
		p.logger.Error("failed to acquire transport", "transport", p.transport.String(), "err", err)
		p.fail(OutcomeInternalFault, err)
		return p.completion
	}
	p.endpoint = ep
	p.pooled = p.transport == TransportPlain

	p.logger.Debug("sending proxied request",
		"transport", p.transport.String(),
		"destination", out.Destination(),
		"path", out.Path,
	)
	ep.Dispatch(context.WithoutCancel(ctx), out, p.onEvent)
	return p.completion
}

func (f *Forwarder) acquire(ctx context.Context, t Transport) (Endpoint, error) {
	if t == TransportSecure {
		if f.secure == nil {
			return nil, fmt.Errorf("%w: secure transport not configured", ErrTransportUnavailable)
		}
		return f.secure.Acquire()
	}
	ep, err := f.pool.Borrow(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: borrow plain endpoint: %w", ErrTransportUnavailable, err)
	}
	return ep, nil
}

func checkDestination(out *model.OutgoingRequest) error {
	if out.Host == "" {
		return fmt.Errorf("%w: destination is empty", ErrUnresolvedDestination)
	}
	if out.Port <= 0 || out.Port > 65535 {
		return fmt.Errorf("%w: destination port is %d", ErrUnresolvedDestination, out.Port)
	}
	return nil
}

func newForwardID() string {
	return runtimex.PanicOnError1(uuid.NewV7()).String()
}

// pendingForward correlates one outgoing request with its endpoint and
// completion slot.
type pendingForward struct {
	id         string
	forwarder  *Forwarder
	completion *Completion
	logger     *slog.Logger
	start      time.Time

	request   *model.OutgoingRequest
	transport Transport
	endpoint  Endpoint
	pooled    bool
}

// onEvent is the single listener registered with the endpoint.
func (p *pendingForward) onEvent(ev model.Event) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("event handling panicked", "event", ev.Kind.String(), "panic", r)
			p.fail(OutcomeInternalFault, fmt.Errorf("%w: %v", ErrInternalFault, r))
		}
	}()

	if !ev.Terminal() {
		p.logger.Debug("security context established")
		return
	}
	if _, done := p.completion.Result(); done {
		p.logger.Debug("event after completion ignored", "event", ev.Kind.String())
		return
	}

	outcome := outcomeFor(ev.Kind)
	switch outcome {
	case OutcomeResponded:
		if ev.Response == nil {
			p.fail(OutcomeInternalFault, fmt.Errorf("%w: response event without response", ErrInternalFault))
			return
		}
		p.logger.Debug("received origin response", "code", ev.Response.Code.String())
		resp := p.forwarder.translator.TranslateResponse(ev.Response)
		if resp == nil {
			p.fail(OutcomeInternalFault, fmt.Errorf("%w: response translation produced no response", ErrInternalFault))
			return
		}
		p.finish(Result{Outcome: OutcomeResponded, Response: resp})
	case OutcomeSendErrored:
		p.logger.Warn("send error", "err", ev.Err)
		p.fail(outcome, ev.Err)
	default:
		p.logger.Warn("request failed", "outcome", outcome.String())
		p.fail(outcome, nil)
	}
}

// fail completes the forward with the fixed code for outcome.
func (p *pendingForward) fail(outcome Outcome, err error) {
	p.finish(Result{
		Outcome:  outcome,
		Response: &model.Response{Code: StatusFor(outcome)},
		Err:      err,
	})
}

// finish completes the slot. Only the effective completion releases a
// pooled endpoint, so the release happens exactly once.
func (p *pendingForward) finish(r Result) {
	r.ID = p.id
	r.Transport = p.transport
	if !p.completion.Complete(r) {
		return
	}

	if p.pooled {
		p.forwarder.pool.Release(p.endpoint)
	}

	if m := p.forwarder.metrics; m != nil {
		m.ForwardsInFlight.Dec()
		m.ForwardsTotal.WithLabelValues(p.transport.String(), r.Outcome.String()).Inc()
		m.ForwardDuration.WithLabelValues(p.transport.String()).Observe(time.Since(p.start).Seconds())
	}

	p.logger.Info("forward completed",
		"outcome", r.Outcome.String(),
		"code", r.Response.Code.String(),
		"duration_ms", time.Since(p.start).Milliseconds(),
	)
}
