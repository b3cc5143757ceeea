// Package kafuerr defines the error taxonomy shared by every node component.
//
// Errors carry a Kind rather than a distinct Go type per failure category,
// mirroring the predicate-over-kind style used elsewhere in this codebase's
// dependency graph (containerd/errdefs) rather than a type switch over
// unexported structs.
package kafuerr

import (
	"errors"
	"fmt"
)

// Kind classifies a failure for routing (retry, fatal shutdown, log level).
type Kind int

const (
	// Unknown is the zero value; never constructed intentionally.
	Unknown Kind = iota
	// Config covers malformed or semantically invalid configuration.
	Config
	// Instantiation covers module loading, metadata parsing, engine
	// instantiation, and missing expected exports at startup.
	Instantiation
	// Execution covers a guest trap or failure inside _start/resume.
	Execution
	// Migration covers any failure in the sender's prepare/send/retry loop
	// or the receiver's validation/reconstruct/restore path.
	Migration
	// Transport covers connect/decode failures on the control plane.
	Transport
	// HealthCheck covers startup-gate or liveness-monitor failures.
	HealthCheck
)

func (k Kind) String() string {
	switch k {
	case Config:
		return "config"
	case Instantiation:
		return "instantiation"
	case Execution:
		return "execution"
	case Migration:
		return "migration"
	case Transport:
		return "transport"
	case HealthCheck:
		return "health_check"
	default:
		return "unknown"
	}
}

// Error is the single exported error type for every component in this module.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// New builds a kind-tagged error with no cause.
func New(kind Kind, message string) error {
	return &Error{Kind: kind, Message: message}
}

// Newf builds a kind-tagged error with a formatted message.
func Newf(kind Kind, format string, args ...any) error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind and message to an existing cause. Returns nil if
// cause is nil, so callers can write `return kafuerr.Wrap(Migration, "...", err)`
// unconditionally inside an `if err != nil` guard without a second check.
func Wrap(kind Kind, message string, cause error) error {
	if cause == nil {
		return nil
	}
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// Is reports whether err (or any error it wraps) carries the given Kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// IsConfig reports whether err is a Config-kind error.
func IsConfig(err error) bool { return Is(err, Config) }

// IsInstantiation reports whether err is an Instantiation-kind error.
func IsInstantiation(err error) bool { return Is(err, Instantiation) }

// IsExecution reports whether err is an Execution-kind error.
func IsExecution(err error) bool { return Is(err, Execution) }

// IsMigration reports whether err is a Migration-kind error.
func IsMigration(err error) bool { return Is(err, Migration) }

// IsTransport reports whether err is a Transport-kind error.
func IsTransport(err error) bool { return Is(err, Transport) }

// IsHealthCheck reports whether err is a HealthCheck-kind error.
func IsHealthCheck(err error) bool { return Is(err, HealthCheck) }
