// Package ksyncerr defines the datapath error taxonomy KSync routes
// per-entry failures through, and the severity split that tells a
// framing error (fatal) apart from a per-entry response error (routed
// to the owning Entry's ErrorHandler).
package ksyncerr

import (
	"fmt"
	"time"
)

// Code identifies the kind of failure a datapath response carried.
type Code string

const (
	// Entry-level response codes, mapped from the wire response code.
	NoSuchEntry         Code = "NO_SUCH_ENTRY"
	KeyMismatch         Code = "KEY_MISMATCH"
	OutOfMemory         Code = "OUT_OF_MEMORY"
	Busy                Code = "BUSY"
	AlreadyExists       Code = "ALREADY_EXISTS"
	NotPresent          Code = "NOT_PRESENT"
	InvalidParameters   Code = "INVALID_PARAMETERS"
	TableFull           Code = "TABLE_FULL"
	UnexpectedMPLSLabel Code = "UNEXPECTED_MPLS_LABEL"

	// Framing / transport errors. These are never routed to an Entry;
	// they abort the owning task.
	FramingTruncated  Code = "FRAMING_TRUNCATED"
	FramingBadSeqno   Code = "FRAMING_BAD_SEQNO"
	SocketLost        Code = "SOCKET_LOST"
	IndexTableExhausted Code = "INDEX_TABLE_EXHAUSTED"
)

// Severity mirrors the critical/high/medium/low/info scale used
// throughout the rest of the stack; KSync only ever produces Critical
// (process-ending) or Low (per-entry, recoverable) errors.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityLow      Severity = "low"
)

// Error is the value carried from a decoded response to an Entry's
// ErrorHandler, or logged and escalated when it is a framing error.
type Error struct {
	Code      Code
	Component string
	Operation string
	Message   string
	Cause     error
	Severity  Severity
	Timestamp time.Time
	Metadata  map[string]interface{}
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s:%s] %s: %s: %v", e.Component, e.Operation, e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s:%s] %s: %s", e.Component, e.Operation, e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// IsFatal reports whether this error must abort the owning task
// rather than being handed to an Entry.
func (e *Error) IsFatal() bool { return e.Severity == SeverityCritical }

func newErr(severity Severity, code Code, component, operation, message string) *Error {
	return &Error{
		Code:      code,
		Component: component,
		Operation: operation,
		Message:   message,
		Severity:  severity,
		Timestamp: time.Now(),
		Metadata:  make(map[string]interface{}),
	}
}

// EntryError builds a per-entry (non-fatal) error from a wire response code.
func EntryError(code Code, component, operation, message string) *Error {
	return newErr(SeverityLow, code, component, operation, message)
}

// Fatal builds a framing/transport error that aborts the owning task.
func Fatal(code Code, component, operation, message string) *Error {
	return newErr(SeverityCritical, code, component, operation, message)
}

// WithCause attaches an underlying cause.
func (e *Error) WithCause(cause error) *Error {
	e.Cause = cause
	return e
}

// WithMetadata attaches a key/value pair for structured logging.
func (e *Error) WithMetadata(key string, value interface{}) *Error {
	if e.Metadata == nil {
		e.Metadata = make(map[string]interface{})
	}
	e.Metadata[key] = value
	return e
}

// Fields renders the error for logrus.WithFields.
func (e *Error) Fields() map[string]interface{} {
	f := map[string]interface{}{
		"error_code":      string(e.Code),
		"error_component": e.Component,
		"error_operation": e.Operation,
		"error_severity":  string(e.Severity),
	}
	if e.Cause != nil {
		f["error_cause"] = e.Cause.Error()
	}
	for k, v := range e.Metadata {
		f["error_meta_"+k] = v
	}
	return f
}

// codeFromWire maps the numeric vr_response resp_code convention used
// on the wire (negative errno-style codes) onto Code. Unknown codes
// fall back to InvalidParameters rather than panicking: a datapath
// built against a newer protocol version may return a code this
// library does not yet recognize.
func codeFromWire(respCode int) Code {
	switch respCode {
	case 0:
		return ""
	case -2: // ENOENT
		return NoSuchEntry
	case -17: // EEXIST
		return AlreadyExists
	case -12: // ENOMEM
		return OutOfMemory
	case -16: // EBUSY
		return Busy
	case -22: // EINVAL
		return InvalidParameters
	case -28: // ENOSPC
		return TableFull
	default:
		return InvalidParameters
	}
}

// FromWireResponse builds an EntryError from a raw response code, or
// nil if the code indicates success.
func FromWireResponse(respCode int, component, operation string) *Error {
	code := codeFromWire(respCode)
	if code == "" {
		return nil
	}
	return EntryError(code, component, operation, fmt.Sprintf("datapath responded %d", respCode))
}
