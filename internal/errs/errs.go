// Package errs defines the error kinds used across the collision-to-match
// pipeline (see design notes on error handling). Each kind wraps an
// underlying cause so callers can still %w-unwrap to the original error.
package errs

import "fmt"

// Kind classifies an error for the purposes of the propagation policy:
// validation and admission errors never reach a caller as a crash, transient
// store errors are logged and skipped, contention is a normal no-op, policy
// denials are a distinct refusal, external failures are retried and then
// terminal, and fatal errors are invariant violations that must not be
// swallowed.
type Kind string

const (
	Validation   Kind = "validation"
	Admission    Kind = "admission"
	Transient    Kind = "transient"
	Contention   Kind = "contention"
	PolicyDenial Kind = "policy_denial"
	External     Kind = "external"
	Fatal        Kind = "fatal"
)

// Error is a classified error carrying a Kind alongside the wrapped cause.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds a classified error.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Is reports whether err is a classified Error of the given Kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if err == nil {
		return false
	}
	if ce, ok := err.(*Error); ok {
		e = ce
	} else {
		return false
	}
	return e.Kind == kind
}
