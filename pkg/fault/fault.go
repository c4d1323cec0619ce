// Package fault classifies errors into the kinds the runtime's recovery
// policies key on.
//
// A Kind names a recovery policy, not an error source: two different backends
// failing with a 503 both carry TransientUpstream because both are handled the
// same way (retry with backoff). Providers attach kinds with Wrap or Errorf;
// the orchestrator and pipelines branch on KindOf without knowing which SDK
// produced the underlying error.
package fault

import (
	"context"
	"errors"
	"fmt"
)

// Kind labels an error with the recovery policy that applies to it.
type Kind string

const (
	// TransientUpstream covers connection faults, 5xx responses and rate
	// limits from hosted backends. Callers retry with backoff.
	TransientUpstream Kind = "transient_upstream"

	// FatalUpstream covers auth failures, schema incompatibility and quota
	// exhaustion. Never retried; the turn ends with a synthesized apology.
	FatalUpstream Kind = "fatal_upstream"

	// ToolExecution means a tool executor returned an error. Captured into a
	// structured tool result so the model can see it and recover.
	ToolExecution Kind = "tool_execution"

	// ToolTimeout means a tool exceeded its deadline. The executor is
	// orphaned and the model receives a structured timeout result.
	ToolTimeout Kind = "tool_timeout"

	// HandoffUnresolved means a handoff tool fired but no target agent could
	// be resolved. The active agent apologizes and keeps the conversation.
	HandoffUnresolved Kind = "handoff_unresolved"

	// PoolExhausted means a provider pool had no lease available at session
	// connect. The session is rejected with a client-visible code.
	PoolExhausted Kind = "pool_exhausted"

	// TransportClosed means the peer disconnected mid-turn. The turn is
	// cancelled, pools released and memory flushed.
	TransportClosed Kind = "transport_closed"

	// Cancelled marks internal cancellation (barge-in, shutdown). Silent; it
	// is control flow, not a failure.
	Cancelled Kind = "cancelled"
)

// Error carries a Kind alongside the underlying error. Use the package
// constructors rather than building one directly.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	return string(e.Kind) + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New returns an error of the given kind with a static message.
func New(kind Kind, msg string) error {
	return &Error{Kind: kind, Err: errors.New(msg)}
}

// Errorf returns an error of the given kind with a formatted message.
// The %w verb wraps as with fmt.Errorf.
func Errorf(kind Kind, format string, args ...any) error {
	return &Error{Kind: kind, Err: fmt.Errorf(format, args...)}
}

// Wrap attaches kind to err. Returns nil if err is nil. If err already
// carries a kind deeper in its chain, the new kind wins: the outermost
// classification reflects the closest call site's judgment.
func Wrap(kind Kind, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Err: err}
}

// KindOf walks the error chain and returns the outermost Kind. Bare context
// cancellation maps to Cancelled. Unclassified errors return the empty Kind;
// callers should treat those as fatal rather than retry blindly.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	if errors.Is(err, context.Canceled) {
		return Cancelled
	}
	return ""
}

// Is reports whether the error chain carries the given kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// IsTransient reports whether err should be retried with backoff.
func IsTransient(err error) bool {
	return Is(err, TransientUpstream)
}

// IsCancelled reports whether err is internal cancellation rather than a
// failure. Cancelled errors are never logged at error level and never
// produce an apology.
func IsCancelled(err error) bool {
	return Is(err, Cancelled)
}
