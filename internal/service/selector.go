package service

import "strings"

// Transport identifies the kind of channel a forward uses.
type Transport int

const (
	// TransportNone is reported for forwards that ended before a transport
	// was chosen.
	TransportNone Transport = iota
	TransportPlain
	TransportSecure
)

func (t Transport) String() string {
	switch t {
	case TransportPlain:
		return "plain"
	case TransportSecure:
		return "secure"
	default:
		return "none"
	}
}

// SelectTransport picks the secure transport for the coaps scheme family
// (coaps, coaps+tcp, coaps+ws) and the plain transport for anything else.
func SelectTransport(scheme string) Transport {
	s := strings.ToLower(scheme)
	if s == "coaps" || strings.HasPrefix(s, "coaps+") {
		return TransportSecure
	}
	return TransportPlain
}
