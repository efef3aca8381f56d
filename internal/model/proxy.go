// Package model defines shared types for the proxy.
package model

import (
	"errors"
	"net"
	"strconv"

	"github.com/plgd-dev/go-coap/v3/message"
	"github.com/plgd-dev/go-coap/v3/message/codes"
)

// ErrTranslation is wrapped by every error a translator returns for a target
// it cannot map to an origin request.
var ErrTranslation = errors.New("translation failed")

// Request represents an inbound CoAP request to be forwarded to an origin.
type Request struct {
	Method  codes.Code
	Options Options
	Payload []byte
	Source  string
}

// WithoutURIPath returns a copy of the request with every Uri-Path option
// removed. The ingress routes proxy requests through a synthetic path that
// must not reach the origin.
func (r *Request) WithoutURIPath() *Request {
	return &Request{
		Method:  r.Method,
		Options: r.Options.Without(message.URIPath),
		Payload: r.Payload,
		Source:  r.Source,
	}
}

// ProxyURI returns the Proxy-Uri option value.
func (r *Request) ProxyURI() (string, bool) {
	return r.Options.String(message.ProxyURI)
}

// OutgoingRequest is the translated request sent to the origin.
type OutgoingRequest struct {
	Scheme  string
	Host    string
	Port    int
	Method  codes.Code
	Path    string // without leading slash
	Query   []string
	Options Options
	Payload []byte
}

// Destination returns the origin address as host:port.
func (r *OutgoingRequest) Destination() string {
	return net.JoinHostPort(r.Host, strconv.Itoa(r.Port))
}

// Response is a CoAP response travelling back towards the caller.
type Response struct {
	Code    codes.Code
	Options Options
	Payload []byte
}
