package mssql

import (
	"fmt"
)

// ErrorKind classifies a ClientError per the propagation policy: which
// errors quarantine a connection, which may be retried at the pool
// boundary, and which are purely informational to the caller.
type ErrorKind int

const (
	KindUnknown ErrorKind = iota
	KindAuthenticationFailed
	KindConnectionClosed
	KindTimeout
	KindProtocolError
	KindServerError
	KindTransient
	KindUnsupportedFeature
	KindCancelled
	KindConfig
)

func (k ErrorKind) String() string {
	switch k {
	case KindAuthenticationFailed:
		return "authentication_failed"
	case KindConnectionClosed:
		return "connection_closed"
	case KindTimeout:
		return "timeout"
	case KindProtocolError:
		return "protocol_error"
	case KindServerError:
		return "server_error"
	case KindTransient:
		return "transient"
	case KindUnsupportedFeature:
		return "unsupported_feature"
	case KindCancelled:
		return "cancelled"
	case KindConfig:
		return "config"
	default:
		return "unknown"
	}
}

// ClientError is the single top-level error type returned across the
// public API. It carries the kind, a human message, the SQL Server
// error number/state when one is available, and the underlying cause.
type ClientError struct {
	Kind ErrorKind
	Scope string // set for KindTimeout: "connect", "login", "request", "acquisition"
	Number int32 // server error number, 0 if not from a ServerMessage
	State uint8
	Message string
	Err error
}

func (e *ClientError) Error() string {
	if e.Scope != "" {
		return fmt.Sprintf("mssql: %s(%s): %s", e.Kind, e.Scope, e.Message)
	}
	return fmt.Sprintf("mssql: %s: %s", e.Kind, e.Message)
}

func (e *ClientError) Unwrap() error { return e.Err }

func newTimeoutError(scope string, err error) *ClientError {
	return &ClientError{Kind: KindTimeout, Scope: scope, Message: scope + " timed out", Err: err}
}

func newProtocolError(format string, args ...interface{}) *ClientError {
	return &ClientError{Kind: KindProtocolError, Message: fmt.Sprintf(format, args...)}
}

func newConnectionClosedError(err error) *ClientError {
	return &ClientError{Kind: KindConnectionClosed, Message: "connection closed", Err: err}
}

func newAuthenticationFailedError(msg string, err error) *ClientError {
	return &ClientError{Kind: KindAuthenticationFailed, Message: msg, Err: err}
}

func newCancelledError() *ClientError {
	return &ClientError{Kind: KindCancelled, Message: "request cancelled"}
}

func newUnsupportedFeatureError(name string) *ClientError {
	return &ClientError{Kind: KindUnsupportedFeature, Message: "server does not support feature: " + name}
}

func newConfigError(format string, args ...interface{}) *ClientError {
	return &ClientError{Kind: KindConfig, Message: fmt.Sprintf(format, args...)}
}

// newServerError wraps the highest-severity Error token of a request
// as a ClientError of kind server_error.
func newServerError(e Error) *ClientError {
	return &ClientError{
		Kind: KindServerError,
		Number: e.Number,
		State: e.State,
		Message: e.Message,
		Err: e,
	}
}

// Error is a single server message (ERROR or INFO token): §3 ServerMessage.
type Error struct {
	Number int32
	State uint8
	Class uint8 // severity class; >= 11 is an error
	Message string
	ServerName string
	ProcName string
	LineNo int32
}

func (e Error) Error() string {
	return fmt.Sprintf("mssql: %s (%d)", e.Message, e.Number)
}

// IsError reports whether this message's severity crosses the error
// threshold.
func (e Error) IsError() bool { return e.Class >= 11 }

// retryableServerErrors are SQL Server error numbers documented as
// transient: connection, throttling, and failover conditions.
var retryableServerErrors = map[int32]bool{
	4060: true, // cannot open database requested by login
	40197: true, // the service has encountered an error, Azure SQL
	40501: true, // the service is busy, Azure SQL throttling
	40613: true, // database unavailable, Azure SQL
	49918: true, // cannot process request, not enough resources
	49919: true, // cannot process create/update request, too many operations in progress
	49920: true, // cannot process request, too many operations in progress
	4221: true, // login to read-secondary failed
	10928: true, // resource limit reached, Azure SQL
	10929: true, // resource limit reached, Azure SQL
	10053: true, // transport-level error
	10054: true, // transport-level error
	10060: true, // network error
	233: true, // connection initialization error
}

// isTransient classifies an error using the default retry predicate:
// network resets and a documented set of retryable SQL Server error
// numbers.
func isTransient(err error) bool {
	if err == nil {
		return false
	}
	if ce, ok := err.(*ClientError); ok {
		if ce.Kind == KindTransient || ce.Kind == KindConnectionClosed {
			return true
		}
		if ce.Kind == KindServerError && retryableServerErrors[ce.Number] {
			return true
		}
		return isTransient(ce.Err)
	}
	if se, ok := err.(Error); ok {
		return retryableServerErrors[se.Number]
	}
	return false
}
