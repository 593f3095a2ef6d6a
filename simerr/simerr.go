// Package simerr defines the error taxonomy shared by the co-simulation core.
//
// Every failure surfaced by the clock, scheduler, codec and firmware session is a
// *Error carrying a Kind. Callers branch on the kind with errors.Is against the
// kind sentinels, or on a specific reason with the sentinels exported by the
// packages that produce them (for example protocol.ErrInvalidMagic).
package simerr

import (
	"errors"
	"strings"
)

// Kind categorizes an error for recovery decisions.
type Kind int

const (
	KindUnknown Kind = iota
	KindInvalidArgument
	KindProtocol
	KindConnection
	KindStepTimeout
	KindDesync
	KindRateViolation
)

// String returns the human-readable name of the kind.
func (k Kind) String() string {
	switch k {
	case KindInvalidArgument:
		return "InvalidArgument"
	case KindProtocol:
		return "ProtocolError"
	case KindConnection:
		return "ConnectionError"
	case KindStepTimeout:
		return "StepTimeout"
	case KindDesync:
		return "DesyncError"
	case KindRateViolation:
		return "RateViolation"
	default:
		return "Unknown"
	}
}

// Error is a categorized error. Op names the failing operation, Reason is a
// stable machine-readable token (for example "payload_too_large").
type Error struct {
	Kind   Kind
	Op     string
	Reason string
	Err    error
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	b.WriteString(e.Kind.String())
	if e.Reason != "" {
		b.WriteString(" (")
		b.WriteString(e.Reason)
		b.WriteString(")")
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches another *Error by kind, and by reason when the target has one.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Kind != e.Kind {
		return false
	}
	return t.Reason == "" || t.Reason == e.Reason
}

// Kind sentinels for errors.Is.
var (
	ErrInvalidArgument = &Error{Kind: KindInvalidArgument}
	ErrProtocol        = &Error{Kind: KindProtocol}
	ErrConnection      = &Error{Kind: KindConnection}
	ErrStepTimeout     = &Error{Kind: KindStepTimeout}
	ErrDesync          = &Error{Kind: KindDesync}
	ErrRateViolation   = &Error{Kind: KindRateViolation}
)

// New builds a categorized error.
func New(kind Kind, op, reason string, err error) *Error {
	return &Error{Kind: kind, Op: op, Reason: reason, Err: err}
}

// InvalidArgument is a shorthand for argument validation failures.
func InvalidArgument(op, reason string) *Error {
	return &Error{Kind: KindInvalidArgument, Op: op, Reason: reason}
}

// KindOf returns the kind of the first *Error in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// ReasonOf returns the reason of the first *Error in err's chain.
func ReasonOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Reason
	}
	return ""
}
