package service

import (
	"github.com/plgd-dev/go-coap/v3/message/codes"

	"coap-proxy-go/internal/model"
)

// Outcome classifies how a forward terminated.
type Outcome int

const (
	// OutcomeResponded means the origin answered; the caller gets the
	// translated origin response.
	OutcomeResponded Outcome = iota + 1
	OutcomeRejected
	OutcomeTimedOut
	OutcomeCancelled
	OutcomeSendErrored
	// OutcomeBadTarget means the request carried no Proxy-Uri.
	OutcomeBadTarget
	// OutcomeMalformedTarget means the Proxy-Uri could not be translated.
	OutcomeMalformedTarget
	// OutcomeInternalFault covers precheck failures, transport acquisition
	// failures and recovered panics.
	OutcomeInternalFault
)

func (o Outcome) String() string {
	switch o {
	case OutcomeResponded:
		return "responded"
	case OutcomeRejected:
		return "rejected"
	case OutcomeTimedOut:
		return "timed_out"
	case OutcomeCancelled:
		return "cancelled"
	case OutcomeSendErrored:
		return "send_errored"
	case OutcomeBadTarget:
		return "bad_target"
	case OutcomeMalformedTarget:
		return "malformed_target"
	case OutcomeInternalFault:
		return "internal_fault"
	default:
		return "unknown"
	}
}

// StatusFor returns the fixed response code for outcomes that do not carry
// an origin response. OutcomeResponded has no fixed code; the origin's code
// is passed through.
func StatusFor(o Outcome) codes.Code {
	switch o {
	case OutcomeRejected, OutcomeCancelled, OutcomeSendErrored:
		return codes.ServiceUnavailable
	case OutcomeTimedOut:
		return codes.GatewayTimeout
	case OutcomeBadTarget, OutcomeMalformedTarget:
		return codes.BadOption
	default:
		return codes.InternalServerError
	}
}

// outcomeFor maps a terminal transport event onto an outcome.
func outcomeFor(kind model.EventKind) Outcome {
	switch kind {
	case model.EventResponse:
		return OutcomeResponded
	case model.EventReject:
		return OutcomeRejected
	case model.EventTimeout:
		return OutcomeTimedOut
	case model.EventCancel:
		return OutcomeCancelled
	case model.EventSendError:
		return OutcomeSendErrored
	default:
		return OutcomeInternalFault
	}
}

// Result is delivered exactly once to the caller of Forward.
type Result struct {
	ID        string
	Outcome   Outcome
	Transport Transport
	Response  *model.Response
	Err       error
}
