// Package errkind classifies orchestration failures into the stable kinds
// that cross agent boundaries and appear on the wire. Every boundary between
// the scheduler and an untrusted subsystem (LLM, generator, tool executor)
// translates raw errors into one of these kinds instead of propagating them.
package errkind

import (
	"errors"
	"fmt"
)

// Kind is the wire-stable classification of an orchestration error.
type Kind string

const (
	// Validation covers malformed tool arguments and missing required fields.
	// Recovered locally: the executor emits a toolError and skips the call.
	Validation Kind = "validation_error"

	// RegionOverlap marks a region creation that collided with an existing
	// region. Recovered by returning the existing region id (idempotent).
	RegionOverlap Kind = "region_overlap"

	// UnknownEntity marks a trackName/regionName that cannot be resolved.
	UnknownEntity Kind = "unknown_entity"

	// GeneratorTransient covers HTTP 503s, timeouts and connection drops from
	// the generator service. Retried with backoff up to the policy cap.
	GeneratorTransient Kind = "generator_transient"

	// GeneratorPersistent marks an explicit failed job status or a
	// success=false result with a non-transient message.
	GeneratorPersistent Kind = "generator_persistent"

	// CircuitOpen means the generator circuit breaker is open. Fail fast,
	// never retried in-session. The kind string is part of the client
	// contract: the UI matches on it to show "service unavailable".
	CircuitOpen Kind = "orpheus_circuit_open"

	// TransactionAbort wraps anything raised inside a store transaction
	// scope. The transaction has already been rolled back when this surfaces.
	TransactionAbort Kind = "transaction_abort"

	// ProtocolViolation marks a broken contract-consistency invariant, such
	// as a signal result carrying a mismatched contract hash. Fatal for the
	// affected section.
	ProtocolViolation Kind = "protocol_violation"

	// Fatal is anything unhandled inside an instrument agent. The agent
	// failsafe marks pending plan steps failed and emits agentComplete(false).
	Fatal Kind = "fatal"
)

// Error is a classified orchestration error. It wraps an optional cause so
// errors.Is/As keep working across boundaries.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	if e.Message == "" {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// New builds a classified error with a formatted message.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap classifies an underlying error. A nil cause returns nil so call sites
// can wrap unconditionally.
func Wrap(kind Kind, cause error, format string, args ...any) *Error {
	if cause == nil {
		return nil
	}
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Cause: cause}
}

// KindOf extracts the Kind from an error chain. Unclassified errors report
// Fatal, which is the correct default at agent boundaries: anything we did
// not deliberately classify is treated as unhandled.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) && e != nil {
		return e.Kind
	}
	return Fatal
}

// Is reports whether the error chain carries the given kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) && e != nil {
		return e.Kind == kind
	}
	return false
}

// Retryable reports whether a failed generate may be re-attempted in the
// same invocation. Only transient generator failures qualify; an open
// circuit explicitly does not.
func Retryable(err error) bool {
	return Is(err, GeneratorTransient)
}
