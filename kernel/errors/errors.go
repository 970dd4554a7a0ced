// Package errors defines the error kinds surfaced by the kernel core and a
// thin set of helpers for constructing and inspecting them. It deliberately
// stays a wrapper over the standard library's errors package rather than a
// parallel implementation.
package errors

import (
	stdliberrors "errors"
	"fmt"

	"github.com/go-logr/logr"
)

// Re-exported so callers never need to import the standard errors package
// alongside this one.
var (
	As     = stdliberrors.As
	Is     = stdliberrors.Is
	Join   = stdliberrors.Join
	Unwrap = stdliberrors.Unwrap
)

// Kind identifies one of the error categories the core promises to return
// from its operations (spec section 7). Kind values are comparable and are
// meant to be matched with Is(err, KindX).
type Kind string

// The fixed set of error kinds the core returns. No operation panics in its
// fast path; every failure is one of these.
const (
	InvalidParam Kind = "invalid_param"
	OutOfMemory  Kind = "out_of_memory"
	NotFound     Kind = "not_found"
	Exists       Kind = "exists"
	NotSupported Kind = "not_supported"
	Timeout      Kind = "timeout"
	Interrupted  Kind = "interrupted"
	Forked       Kind = "forked"
	Busy         Kind = "busy"
	Permission   Kind = "permission"
)

// Error implements the error interface so a Kind can be returned (and
// matched via Is) without attaching a message.
func (k Kind) Error() string { return string(k) }

// kernelError pairs a Kind with a human-readable message and an optional
// wrapped cause, analogous to fmt.wrapError but keyed off Kind instead of a
// format verb.
type kernelError struct {
	kind    Kind
	message string
	cause   error
}

func (e *kernelError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.kind, e.message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.kind, e.message)
}

func (e *kernelError) Unwrap() error { return e.cause }

func (e *kernelError) Is(target error) bool {
	k, ok := target.(Kind)
	return ok && k == e.kind
}

// New builds an error of the given kind carrying msg, formatted like
// fmt.Sprintf.
func New(kind Kind, format string, args ...any) error {
	return &kernelError{kind: kind, message: fmt.Sprintf(format, args...)}
}

// Wrap builds an error of the given kind that also satisfies errors.Is/As
// against cause.
func Wrap(kind Kind, cause error, format string, args ...any) error {
	return &kernelError{kind: kind, message: fmt.Sprintf(format, args...), cause: cause}
}

// OfKind reports whether err (or something it wraps) was constructed with
// the given Kind.
func OfKind(err error, kind Kind) bool {
	return Is(err, kind)
}

// Halter is the narrow capability Fatal needs from a CPU core: the ability
// to park it. Expressed as an interface here, rather than importing
// kernel/cpu directly, since kernel/cpu already imports this package for its
// own error returns.
type Halter interface {
	Halt()
}

// Fatal logs err as an unrecoverable condition on core and parks it. It
// never returns, matching the non-returning fatal path a real core's
// "disable interrupts, dump context, halt" sequence takes.
func Fatal(log logr.Logger, core Halter, err error) {
	log.Error(err, "fatal error, halting core")
	core.Halt()
	select {}
}
