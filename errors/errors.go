// Package errors defines the small set of error kinds a tree operation can
// fail with, and wraps github.com/pkg/errors for stack-trace context.
package errors

import (
	"fmt"

	"github.com/pkg/errors"
)

// Kind classifies why an operation failed, so callers across a process
// boundary (the async adapter included) can branch on cause rather than
// string-matching messages.
type Kind int

const (
	// Unknown is the zero value; Wrap never produces it.
	Unknown Kind = iota
	// CorruptData means a persisted record failed to decode. Stored
	// digests are not verified on load, so a digest mismatch is not
	// reported under this kind.
	CorruptData
	// IoFailure means the underlying file or OS call failed.
	IoFailure
	// ResourceBusy means a bounded queue (the async adapter's command
	// channel) was full.
	ResourceBusy
	// WorkerDisconnected means the async adapter's owning goroutine has
	// exited and can no longer accept commands.
	WorkerDisconnected
)

func (k Kind) String() string {
	switch k {
	case CorruptData:
		return "corrupt_data"
	case IoFailure:
		return "io_failure"
	case ResourceBusy:
		return "resource_busy"
	case WorkerDisconnected:
		return "worker_disconnected"
	default:
		return "unknown"
	}
}

// Error is a Kind-tagged, pkg/errors-wrapped failure.
type Error struct {
	Kind Kind
	err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.err)
}

func (e *Error) Unwrap() error {
	return e.err
}

// Wrap annotates cause with msg and tags it with kind, capturing a stack
// trace via pkg/errors.
func Wrap(kind Kind, cause error, msg string) error {
	if cause == nil {
		return nil
	}
	return &Error{Kind: kind, err: errors.Wrap(cause, msg)}
}

// New creates a fresh Kind-tagged error with a stack trace and no
// underlying cause.
func New(kind Kind, msg string) error {
	return &Error{Kind: kind, err: errors.New(msg)}
}

// Is reports whether err (or anything it wraps) carries kind.
func Is(err error, kind Kind) bool {
	var e *Error
	for err != nil {
		if ce, ok := err.(*Error); ok {
			e = ce
			break
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return e != nil && e.Kind == kind
}

// InvariantViolated panics with a message describing a broken structural
// invariant (e.g. a node record whose digest doesn't match its bytes on a
// path the caller asserted was already verified). These are bugs, not
// recoverable error conditions, so this never returns an error value for a
// caller to swallow.
func InvariantViolated(format string, args ...interface{}) {
	panic(fmt.Sprintf("mstree: invariant violated: "+format, args...))
}
