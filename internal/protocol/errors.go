// ABOUTME: Error taxonomy shared by the codec, security checks and the gateway
// ABOUTME: Every rejection maps to an ErrorKind and converts into an ErrorEvent payload

package protocol

import (
	"errors"
	"fmt"
	"time"
)

// ErrorKind classifies why a frame, handshake or request was rejected.
type ErrorKind string

const (
	KindMalformedEnvelope     ErrorKind = "MalformedEnvelope"
	KindUnknownPayloadType    ErrorKind = "UnknownPayloadType"
	KindValidationFailed      ErrorKind = "ValidationFailed"
	KindTokenExpired          ErrorKind = "TokenExpired"
	KindInvalidSignature      ErrorKind = "InvalidSignature"
	KindAuthRequired          ErrorKind = "AuthRequired"
	KindRateLimited           ErrorKind = "RateLimited"
	KindCorsRejected          ErrorKind = "CorsRejected"
	KindIPBlocked             ErrorKind = "IpBlocked"
	KindServerAtCapacity      ErrorKind = "ServerAtCapacity"
	KindAgentProcessingFailed ErrorKind = "AgentProcessingFailed"
	KindUnsupportedMessage    ErrorKind = "UnsupportedMessage"
	KindTransportError        ErrorKind = "TransportError"
)

// Code is the error_code value sent to clients for this kind.
func (k ErrorKind) Code() string {
	if k == KindAgentProcessingFailed {
		return "agent_processing_failed"
	}
	return string(k)
}

// Terminal reports whether the connection must be closed after reporting k.
func (k ErrorKind) Terminal() bool {
	switch k {
	case KindTokenExpired, KindInvalidSignature, KindAuthRequired,
		KindCorsRejected, KindIPBlocked, KindServerAtCapacity, KindTransportError:
		return true
	}
	return false
}

// Error is a classified rejection.
type Error struct {
	Kind       ErrorKind
	Field      string
	Constraint string
	Value      string
	Message    string
	RetryAfter time.Duration
	Err        error
}

func (e *Error) Error() string {
	switch {
	case e.Message != "":
		return e.Message
	case e.Field != "":
		return fmt.Sprintf("%s: %s", e.Field, e.Constraint)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return string(e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// Payload renders e as the ErrorEvent sent back to the client.
func (e *Error) Payload() *ErrorEvent {
	ev := &ErrorEvent{
		ErrorCode:    e.Kind.Code(),
		ErrorMessage: e.Error(),
	}
	if e.Field != "" {
		ev.Details = fmt.Sprintf("field %s: %s", e.Field, e.Constraint)
	}
	if e.RetryAfter > 0 {
		secs := e.RetryAfter.Seconds()
		ev.RetryAfter = &secs
	}
	return ev
}

// KindOf extracts the ErrorKind from err, or "" if err is not an *Error.
func KindOf(err error) ErrorKind {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return ""
}

// Malformed reports a problem with the outer envelope structure.
func Malformed(field, constraint string) *Error {
	return &Error{Kind: KindMalformedEnvelope, Field: field, Constraint: constraint}
}

// Validation reports a field that violates its declared constraint.
func Validation(field, constraint string) *Error {
	return &Error{Kind: KindValidationFailed, Field: field, Constraint: constraint}
}

// UnknownPayload reports an absent or unrecognized payload discriminator.
func UnknownPayload(value string) *Error {
	msg := "payload.message_type is missing"
	if value != "" {
		msg = fmt.Sprintf("unknown payload type %q", value)
	}
	return &Error{
		Kind:       KindUnknownPayloadType,
		Field:      "payload.message_type",
		Constraint: "must be a known message type",
		Value:      value,
		Message:    msg,
	}
}

// Newf builds an Error of the given kind with a formatted message.
func Newf(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}
