package model

// EventKind identifies what happened to a dispatched request.
type EventKind int

const (
	// EventResponse carries the origin response.
	EventResponse EventKind = iota + 1
	// EventReject means the origin answered with a reset.
	EventReject
	// EventTimeout means the exchange expired without a response.
	EventTimeout
	// EventCancel means the transport abandoned the exchange.
	EventCancel
	// EventSendError means the request could not be sent.
	EventSendError
	// EventContextEstablished reports a completed security handshake.
	// It is informational and never terminates a forward.
	EventContextEstablished
)

func (k EventKind) String() string {
	switch k {
	case EventResponse:
		return "response"
	case EventReject:
		return "reject"
	case EventTimeout:
		return "timeout"
	case EventCancel:
		return "cancel"
	case EventSendError:
		return "send_error"
	case EventContextEstablished:
		return "context_established"
	default:
		return "unknown"
	}
}

// Event is reported by a transport endpoint to the listener registered at
// dispatch time. Response is set only for EventResponse, Err only for
// EventSendError.
type Event struct {
	Kind     EventKind
	Response *Response
	Err      error
}

// Terminal reports whether the event ends the exchange.
func (e Event) Terminal() bool {
	return e.Kind != EventContextEstablished
}

// ResponseEvent returns an EventResponse carrying resp.
func ResponseEvent(resp *Response) Event {
	return Event{Kind: EventResponse, Response: resp}
}

// SendErrorEvent returns an EventSendError carrying err.
func SendErrorEvent(err error) Event {
	return Event{Kind: EventSendError, Err: err}
}
