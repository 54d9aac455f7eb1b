package plot

import "fmt"

// Tag classifies how a pipeline stage concluded. The orchestrator branches
// on tags instead of errors so the template-fallback path is an explicit
// branch rather than a catch-all.
type Tag string

const (
	TagSuccess  Tag = "success"
	TagFallback Tag = "fallback"
	TagFailure  Tag = "failure"
)

// State is the request status surfaced to callers. The UI distinguishes all
// five; they never collapse into a boolean.
type State string

const (
	StateNone       State = "none"
	StateInProgress State = "in-progress"
	StateSucceeded  State = "succeeded"
	StateFallback   State = "fallback"
	StateFailed     State = "failed"
)

// Result is the tagged outcome of one operation. Persisted is false when
// the value was produced but could not be saved; that degrades the result,
// it does not fail it.
type Result[T any] struct {
	Tag       Tag
	Value     T
	Persisted bool
	Err       error
}

// State maps the result onto the caller-facing status.
func (r Result[T]) State() State {
	switch r.Tag {
	case TagSuccess:
		return StateSucceeded
	case TagFallback:
		return StateFallback
	default:
		return StateFailed
	}
}

func success[T any](v T) Result[T] {
	return Result[T]{Tag: TagSuccess, Value: v, Persisted: true}
}

func fallback[T any](v T) Result[T] {
	return Result[T]{Tag: TagFallback, Value: v, Persisted: true}
}

func failure[T any](err error) Result[T] {
	return Result[T]{Tag: TagFailure, Err: err}
}

// ValidationError rejects malformed requests before any generation work.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}
