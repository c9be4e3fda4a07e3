// Package errs defines the error taxonomy shared by the bus, the task queue,
// the concurrent primitives and metric storage.
//
// Expected conditions (full queue, empty queue, cancelled task) travel as
// returned errors. Callers branch on the [KIND] via KindOf or on the concrete
// condition via errors.Is against the sentinels below.
package errs

import (
	"errors"
	"fmt"
)

// Kind classifies an error independent of the component that produced it.
type Kind string

const (
	KindInvalidArgument   Kind = "invalid_argument"
	KindResourceExhausted Kind = "resource_exhausted"
	KindNotFound          Kind = "not_found"
	KindTimeout           Kind = "timeout"
	KindAlreadyExists     Kind = "already_exists"
	KindInvalidState      Kind = "invalid_state"
	KindUnknown           Kind = "unknown"
)

// Error is the structured error returned by every public operation.
type Error struct {
	Kind Kind
	// Code names the concrete condition, e.g. "queue_full".
	Code string
	// Op is the operation that failed, e.g. "bus.publish".
	Op  string
	Err error
}

func (e *Error) Error() string {
	msg := string(e.Kind) + ": " + e.Code
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches on Code so a sentinel survives being re-wrapped with an Op.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code && t.Kind == e.Kind
}

// With returns a copy of e annotated with the failing operation.
func (e *Error) With(op string) *Error {
	return &Error{Kind: e.Kind, Code: e.Code, Op: op, Err: e.Err}
}

// Withf returns a copy of e annotated with op and a formatted cause.
func (e *Error) Withf(op, format string, args ...any) *Error {
	return &Error{Kind: e.Kind, Code: e.Code, Op: op, Err: fmt.Errorf(format, args...)}
}

func newSentinel(kind Kind, code string) *Error {
	return &Error{Kind: kind, Code: code}
}

var (
	ErrInvalidCapacity      = newSentinel(KindInvalidArgument, "invalid_capacity")
	ErrInvalidPattern       = newSentinel(KindInvalidArgument, "invalid_pattern")
	ErrInvalidMessage       = newSentinel(KindInvalidArgument, "invalid_message")
	ErrTaskInvalid          = newSentinel(KindInvalidArgument, "task_invalid_argument")
	ErrInvalidMetric        = newSentinel(KindInvalidArgument, "invalid_metric")
	ErrForeignBlock         = newSentinel(KindInvalidArgument, "foreign_block")
	ErrQueueFull            = newSentinel(KindResourceExhausted, "queue_full")
	ErrStorageFull          = newSentinel(KindResourceExhausted, "storage_full")
	ErrMaxMetrics           = newSentinel(KindResourceExhausted, "max_metrics")
	ErrMaxBlocks            = newSentinel(KindResourceExhausted, "max_blocks")
	ErrTaskNotFound         = newSentinel(KindNotFound, "task_not_found")
	ErrMetricNotFound       = newSentinel(KindNotFound, "metric_not_found")
	ErrSubscriptionNotFound = newSentinel(KindNotFound, "subscription_not_found")
	ErrCollectionFailed     = newSentinel(KindNotFound, "collection_failed")
	ErrQueueEmpty           = newSentinel(KindTimeout, "queue_empty")
	ErrTaskExists           = newSentinel(KindAlreadyExists, "task_exists")
	ErrAlreadyRunning       = newSentinel(KindInvalidState, "already_running")
	ErrNotInitialized       = newSentinel(KindInvalidState, "not_initialized")
	ErrShutdown             = newSentinel(KindInvalidState, "shutdown")
	ErrDoubleFree           = newSentinel(KindInvalidState, "double_free")
)

// KindOf reports the Kind carried by err, or KindUnknown.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// CodeOf reports the Code carried by err, or "".
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}
