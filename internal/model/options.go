package model

import (
	"slices"

	"github.com/plgd-dev/go-coap/v3/message"
)

// Options is an ordered list of CoAP options. Repeatable options appear once
// per value, in wire order.
type Options []message.Option

// Has reports whether at least one option with the given id is present.
func (o Options) Has(id message.OptionID) bool {
	return slices.ContainsFunc(o, func(opt message.Option) bool { return opt.ID == id })
}

// String returns the first value of the given option as a string.
func (o Options) String(id message.OptionID) (string, bool) {
	for _, opt := range o {
		if opt.ID == id {
			return string(opt.Value), true
		}
	}
	return "", false
}

// Uint returns the first value of the given option decoded as a CoAP uint.
func (o Options) Uint(id message.OptionID) (uint32, bool) {
	for _, opt := range o {
		if opt.ID == id {
			return DecodeUint(opt.Value), true
		}
	}
	return 0, false
}

// ContentFormat returns the Content-Format option, if any.
func (o Options) ContentFormat() (message.MediaType, bool) {
	v, ok := o.Uint(message.ContentFormat)
	return message.MediaType(v), ok
}

// Without returns a copy of o with every option whose id is listed removed.
func (o Options) Without(ids ...message.OptionID) Options {
	out := make(Options, 0, len(o))
	for _, opt := range o {
		if slices.Contains(ids, opt.ID) {
			continue
		}
		out = append(out, message.Option{ID: opt.ID, Value: slices.Clone(opt.Value)})
	}
	return out
}

// DecodeUint decodes a CoAP variable-length unsigned integer option value.
func DecodeUint(b []byte) uint32 {
	var v uint32
	for _, c := range b {
		v = v<<8 | uint32(c)
	}
	return v
}

// EncodeUint encodes v using the shortest CoAP uint representation.
// Zero is encoded as an empty value.
func EncodeUint(v uint32) []byte {
	var buf []byte
	for v > 0 {
		buf = append([]byte{byte(v)}, buf...)
		v >>= 8
	}
	return buf
}
