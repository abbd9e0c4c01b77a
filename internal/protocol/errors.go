package protocol

import "fmt"

// Kind is the closed error taxonomy a sync session can fail with. Every
// sync attempt that fails ends in exactly one of these; none is retried
// automatically within the same session — the caller decides whether to
// call InitiateSync again.
type Kind string

const (
	KindTransport           Kind = "transport"
	KindProtocolMismatch    Kind = "protocol_mismatch"
	KindConfirmationTimeout Kind = "confirmation_timeout"
	KindApplyFailure        Kind = "apply_failure"
	KindPeerReject          Kind = "peer_reject"
	KindCancelled           Kind = "cancelled"
)

// Error is the terminal error type every failed sync surfaces as.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("protocol: %s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("protocol: %s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

func newError(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}
