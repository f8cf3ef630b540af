// Package ghosterrors implements the error taxonomy as typed
// kinds with stable, prefix-matchable messages, in the style of the
// teacher's pkg/auth error wrapping.
package ghosterrors

import (
	"errors"
	"fmt"
)

// Kind classifies an error the way a caller at a component boundary needs
// to branch on it (error text prefix, or errors.Is against a Kind sentinel).
type Kind string

const (
	KindProtocol         Kind = "protocol"
	KindState            Kind = "state"
	KindNotFound         Kind = "not-found"
	KindResource         Kind = "resource"
	KindIntegrity        Kind = "integrity"
	KindSafety           Kind = "safety"
	KindToolExecution    Kind = "tool-execution"
	KindCallback         Kind = "callback"
	KindTransientBroker  Kind = "transient-broker"
	KindSchemaVersion    Kind = "schema-version"
	KindScopeChanged     Kind = "scope-changed"
)

// prefixes gives each kind its fixed, operator-visible message prefix per
// ("Invalid state transition", "Engagement not found", ...).
var prefixes = map[Kind]string{
	KindProtocol:        "Protocol error",
	KindState:           "Invalid state transition",
	KindNotFound:        "Engagement not found",
	KindResource:        "Resource limit exceeded",
	KindIntegrity:       "Integrity error",
	KindSafety:          "Halt triggered",
	KindToolExecution:   "Tool execution error",
	KindCallback:        "Callback error",
	KindTransientBroker: "Transient broker error",
	KindSchemaVersion:   "Incompatible schema version",
	KindScopeChanged:    "Scope changed",
}

// Error is the concrete error type returned at component boundaries.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	prefix := prefixes[e.Kind]
	if e.Err == nil {
		return prefix
	}
	return fmt.Sprintf("%s: %s", prefix, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Is allows errors.Is(err, ghosterrors.KindX) style matching via a sentinel
// wrapper: KindOf(err) == KindX is the usual pattern, this supports the
// errors.Is form too.
func (e *Error) Is(target error) bool {
	var other *Error
	if errors.As(target, &other) {
		return e.Kind == other.Kind
	}
	return false
}

// New constructs an *Error for the given kind, wrapping err.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf returns the Kind of err if it is (or wraps) a *Error, else "".
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// Sentinels usable directly with errors.Is for common conditions.
var (
	ErrHaltTriggered          = New(KindSafety, "check_frozen", errors.New("agent action blocked, halt flag is set"))
	ErrInvalidStateTransition = New(KindState, "transition", errors.New("transition not in the legal edge set"))
	ErrEngagementNotFound     = New(KindNotFound, "lookup", errors.New("no such engagement"))
	ErrPoolExhausted          = New(KindResource, "acquire", errors.New("sandbox pool exhausted"))
	ErrMaxActiveEngagements   = New(KindResource, "create", errors.New("Maximum active engagements reached"))
)

// NotFound builds an "Engagement not found" error for a specific id.
func NotFound(id string) *Error {
	return New(KindNotFound, "lookup", fmt.Errorf("%s", id))
}

// InvalidTransition builds an "Invalid state transition" error describing
// the attempted edge.
func InvalidTransition(from, to string) *Error {
	return New(KindState, "transition", fmt.Errorf("%s -> %s", from, to))
}
