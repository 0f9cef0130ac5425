package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
)

type ErrorKind string

const (
	KindInvalidRequest   ErrorKind = "invalid_request"
	KindUnreachable      ErrorKind = "unreachable"
	KindRejected         ErrorKind = "rejected"
	KindInvalidSignature ErrorKind = "invalid_signature"
	KindMalformedPayload ErrorKind = "malformed_payload"
)

var (
	ErrNoProviderSupportsCombination = errors.New("no provider supports the currency and method combination")
	ErrUnknownProvider               = errors.New("unknown provider")
)

// Error is the only error shape adapters return. Raw keeps the provider's
// response body for diagnostics.
type Error struct {
	Kind       ErrorKind
	Provider   string
	Message    string
	StatusCode int
	Raw        json.RawMessage
	Err        error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s: %s", e.Provider, e.Kind, e.Message)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

func NewError(kind ErrorKind, provider, message string) *Error {
	return &Error{Kind: kind, Provider: provider, Message: message}
}

func InvalidRequest(provider, message string) *Error {
	return NewError(KindInvalidRequest, provider, message)
}

func Rejected(provider, message string) *Error {
	return NewError(KindRejected, provider, message)
}

func Unreachable(provider string, err error) *Error {
	return &Error{Kind: KindUnreachable, Provider: provider, Message: "provider unreachable", Err: err}
}

func InvalidSignature(provider, reason string) *Error {
	return NewError(KindInvalidSignature, provider, reason)
}

func MalformedPayload(provider string, err error) *Error {
	return &Error{Kind: KindMalformedPayload, Provider: provider, Message: "malformed webhook payload", Err: err}
}

// KindOf classifies err. Deadlines, cancellations and network errors count as
// unreachable because the provider may still have acted on the request.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return KindUnreachable
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return KindUnreachable
	}
	return ""
}

func IsKind(err error, kind ErrorKind) bool {
	return KindOf(err) == kind
}
