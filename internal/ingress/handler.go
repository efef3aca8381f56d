// Package ingress accepts CoAP proxy requests and hands them to the forwarder.
package ingress

import (
	"bytes"
	"context"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/plgd-dev/go-coap/v3/message"
	"github.com/plgd-dev/go-coap/v3/message/codes"
	"github.com/plgd-dev/go-coap/v3/mux"
	"golang.org/x/time/rate"

	"coap-proxy-go/internal/metrics"
	"coap-proxy-go/internal/model"
	"coap-proxy-go/internal/service"
)

// Forwarder starts a forward and returns its completion slot.
type Forwarder interface {
	Forward(ctx context.Context, in *model.Request) *service.Completion
}

// Config controls the ingress handler.
type Config struct {
	// ForwardPath is the synthetic Uri-Path proxy requests are addressed to.
	ForwardPath string
	// RequestsPerSecond enables ingress rate limiting when positive.
	RequestsPerSecond float64
	Burst             int
	// WaitTimeout bounds how long a request waits for its forward.
	WaitTimeout time.Duration
}

// Handler serves proxy requests arriving on the CoAP listener.
type Handler struct {
	forwarder Forwarder
	cfg       Config
	limiter   *rate.Limiter
	logger    *slog.Logger
	metrics   *metrics.Metrics
}

// NewHandler creates a Handler. The metrics parameter is optional.
func NewHandler(f Forwarder, cfg Config, logger *slog.Logger, m *metrics.Metrics) *Handler {
	cfg.ForwardPath = strings.Trim(cfg.ForwardPath, "/")
	h := &Handler{
		forwarder: f,
		cfg:       cfg,
		logger:    logger.With("component", "ingress"),
		metrics:   m,
	}
	if cfg.RequestsPerSecond > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = int(math.Ceil(cfg.RequestsPerSecond))
		}
		h.limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
	}
	return h
}

// Handle forwards in and waits for the outcome. It always returns a
// response: a wait that outlives WaitTimeout or ctx answers 5.04.
func (h *Handler) Handle(ctx context.Context, in *model.Request) *model.Response {
	if h.limiter != nil && !h.limiter.Allow() {
		h.logger.Warn("rate limit exceeded", "source", in.Source)
		return h.throttled()
	}

	completion := h.forwarder.Forward(ctx, in)

	wait := ctx
	if h.cfg.WaitTimeout > 0 {
		var cancel context.CancelFunc
		wait, cancel = context.WithTimeout(ctx, h.cfg.WaitTimeout)
		defer cancel()
	}
	r, err := completion.Wait(wait)
	if err != nil {
		h.logger.Warn("gave up waiting for forward", "source", in.Source, "err", err)
		return &model.Response{Code: codes.GatewayTimeout}
	}
	if r.Response == nil {
		return &model.Response{Code: service.StatusFor(r.Outcome)}
	}
	return r.Response
}

// throttled answers 5.03 with a Max-Age hinting when to retry.
func (h *Handler) throttled() *model.Response {
	retry := uint32(math.Ceil(1 / float64(h.limiter.Limit())))
	if retry == 0 {
		retry = 1
	}
	return &model.Response{
		Code:    codes.ServiceUnavailable,
		Options: model.Options{{ID: message.MaxAge, Value: model.EncodeUint(retry)}},
	}
}

// routable reports whether a request belongs to the proxy: it carries a
// Proxy-Uri, or it is addressed to the root or the forward path.
func (h *Handler) routable(in *model.Request) bool {
	if in.Options.Has(message.ProxyURI) {
		return true
	}
	var segs []string
	for _, opt := range in.Options {
		if opt.ID == message.URIPath {
			segs = append(segs, string(opt.Value))
		}
	}
	path := strings.Join(segs, "/")
	return path == "" || path == h.cfg.ForwardPath
}

// ServeCOAP implements mux.Handler.
func (h *Handler) ServeCOAP(w mux.ResponseWriter, r *mux.Message) {
	in, err := requestFrom(w, r)
	if err != nil {
		h.logger.Warn("failed to read request", "err", err)
		h.write(w, codes.BadRequest.String(), &model.Response{Code: codes.BadRequest})
		return
	}

	var resp *model.Response
	if h.routable(in) {
		resp = h.Handle(r.Context(), in)
	} else {
		resp = &model.Response{Code: codes.NotFound}
	}
	h.write(w, in.Method.String(), resp)
}

func (h *Handler) write(w mux.ResponseWriter, method string, resp *model.Response) {
	if h.metrics != nil {
		h.metrics.IngressRequests.WithLabelValues(metrics.NormalizeMethod(method), resp.Code.String()).Inc()
	}

	opts := resp.Options.Without(message.ContentFormat)
	var err error
	if len(resp.Payload) > 0 {
		cf, ok := resp.Options.ContentFormat()
		if !ok {
			cf = message.AppOctets
		}
		err = w.SetResponse(resp.Code, cf, bytes.NewReader(resp.Payload), opts...)
	} else {
		err = w.SetResponse(resp.Code, message.TextPlain, nil, opts...)
	}
	if err != nil {
		h.logger.Error("failed to write response", "code", resp.Code.String(), "err", err)
	}
}

func requestFrom(w mux.ResponseWriter, r *mux.Message) (*model.Request, error) {
	body, err := r.ReadBody()
	if err != nil {
		return nil, err
	}
	opts := make(model.Options, 0, len(r.Options()))
	for _, opt := range r.Options() {
		opts = append(opts, message.Option{ID: opt.ID, Value: bytes.Clone(opt.Value)})
	}
	return &model.Request{
		Method:  r.Code(),
		Options: opts,
		Payload: body,
		Source:  w.Conn().RemoteAddr().String(),
	}, nil
}
