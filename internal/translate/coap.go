// Package translate maps proxied CoAP requests onto origin requests and origin
// responses back onto caller responses.
package translate

import (
	"fmt"
	"net/url"
	"slices"
	"strconv"
	"strings"

	"github.com/plgd-dev/go-coap/v3/message"

	"coap-proxy-go/internal/model"
)

var (
	// ErrInvalidURI is returned when the Proxy-Uri cannot be parsed as an
	// absolute URI with a host.
	ErrInvalidURI = fmt.Errorf("%w: invalid proxy-uri", model.ErrTranslation)
	// ErrUnsupportedScheme is returned for Proxy-Uri schemes other than coap and coaps.
	ErrUnsupportedScheme = fmt.Errorf("%w: unsupported scheme", model.ErrTranslation)
)

// Default ports per RFC 7252 section 6.
const (
	DefaultPort       = 5683
	DefaultSecurePort = 5684
)

// requestOptionsDropped are rebuilt from the Proxy-Uri or consumed by this hop.
var requestOptionsDropped = []message.OptionID{
	message.ProxyURI,
	message.ProxyScheme,
	message.URIHost,
	message.URIPort,
	message.URIPath,
	message.URIQuery,
}

// responseOptionsDropped are hop-by-hop: block-wise transfer and observation
// are negotiated separately on each leg.
var responseOptionsDropped = []message.OptionID{
	message.Block1,
	message.Block2,
	message.Size1,
	message.Size2,
	message.Observe,
}

// CoAPTranslator translates between caller-facing and origin-facing CoAP messages.
type CoAPTranslator struct{}

// New creates a CoAPTranslator.
func New() *CoAPTranslator {
	return &CoAPTranslator{}
}

// TranslateRequest builds the origin request described by the Proxy-Uri
// option of in. Errors wrap model.ErrTranslation.
func (t *CoAPTranslator) TranslateRequest(in *model.Request) (*model.OutgoingRequest, error) {
	raw, ok := in.ProxyURI()
	if !ok {
		return nil, fmt.Errorf("%w: proxy-uri option not set", ErrInvalidURI)
	}

	decoded, err := url.PathUnescape(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: decode %q: %v", ErrInvalidURI, raw, err)
	}
	u, err := url.Parse(decoded)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidURI, err)
	}
	if !u.IsAbs() || u.Hostname() == "" {
		return nil, fmt.Errorf("%w: %q is not an absolute URI", ErrInvalidURI, decoded)
	}
	if u.Fragment != "" {
		return nil, fmt.Errorf("%w: fragment not allowed in %q", ErrInvalidURI, decoded)
	}

	scheme := strings.ToLower(u.Scheme)
	var port int
	switch scheme {
	case "coap":
		port = DefaultPort
	case "coaps":
		port = DefaultSecurePort
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedScheme, u.Scheme)
	}
	if p := u.Port(); p != "" {
		port, err = strconv.Atoi(p)
		if err != nil {
			return nil, fmt.Errorf("%w: port %q: %v", ErrInvalidURI, p, err)
		}
	}

	return &model.OutgoingRequest{
		Scheme:  scheme,
		Host:    u.Hostname(),
		Port:    port,
		Method:  in.Method,
		Path:    strings.TrimPrefix(u.Path, "/"),
		Query:   splitQuery(u.RawQuery),
		Options: in.Options.Without(requestOptionsDropped...),
		Payload: slices.Clone(in.Payload),
	}, nil
}

// TranslateResponse builds the caller response from an origin response.
// The response code is passed through unchanged.
func (t *CoAPTranslator) TranslateResponse(in *model.Response) *model.Response {
	return &model.Response{
		Code:    in.Code,
		Options: in.Options.Without(responseOptionsDropped...),
		Payload: slices.Clone(in.Payload),
	}
}

// splitQuery turns a raw query into Uri-Query option values.
func splitQuery(raw string) []string {
	if raw == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(raw, "&") {
		if part == "" {
			continue
		}
		if v, err := url.QueryUnescape(part); err == nil {
			part = v
		}
		out = append(out, part)
	}
	return out
}
