package dispatch

import (
	"context"
	"errors"
	"fmt"

	"github.com/jholhewres/assistclaw/pkg/assistclaw/classifier"
)

// ErrorKind classifies collaborator failures so the dialogue can pick the
// user-facing message and decide whether a retry makes sense.
type ErrorKind int

const (
	KindUnknown ErrorKind = iota
	KindRateLimit
	KindAuth
	KindTransport
	KindTimeout
	KindNotFound
	KindInvalid
)

// String returns a label suitable for logs, metrics and stored state.
func (k ErrorKind) String() string {
	switch k {
	case KindRateLimit:
		return "rate_limit"
	case KindAuth:
		return "auth"
	case KindTransport:
		return "transport"
	case KindTimeout:
		return "timeout"
	case KindNotFound:
		return "not_found"
	case KindInvalid:
		return "invalid"
	default:
		return "unknown"
	}
}

// ParseErrorKind is the inverse of ErrorKind.String.
func ParseErrorKind(s string) ErrorKind {
	for k := KindUnknown; k <= KindInvalid; k++ {
		if k.String() == s {
			return k
		}
	}
	return KindUnknown
}

// Retryable reports whether trying the same action again may succeed.
func (k ErrorKind) Retryable() bool {
	switch k {
	case KindRateLimit, KindTransport, KindTimeout, KindUnknown:
		return true
	default:
		return false
	}
}

// Error is a collaborator failure.
type Error struct {
	Kind    ErrorKind
	Service string
	Err     error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Service, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// NewError wraps err as a failure of service.
func NewError(service string, kind ErrorKind, err error) *Error {
	return &Error{Kind: kind, Service: service, Err: err}
}

// KindOf returns the ErrorKind of err. Context deadlines map to KindTimeout.
func KindOf(err error) ErrorKind {
	var de *Error
	if errors.As(err, &de) {
		return de.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	return KindUnknown
}

// Choice is one alternative offered for a slot. Choosing it fills every
// slot in Values.
type Choice struct {
	Label  string
	Values map[classifier.EntityType]string
}

// SlotError means the action cannot run with the current value of Slot.
// The dialogue re-opens the slot, shows Message and offers Choices.
type SlotError struct {
	Slot    classifier.EntityType
	Message string
	Choices []Choice
}

func (e *SlotError) Error() string {
	return fmt.Sprintf("slot %s: %s", e.Slot, e.Message)
}
