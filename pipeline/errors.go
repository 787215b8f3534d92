package pipeline

import (
	"errors"
	"fmt"
)

// Stage names the pipeline step a run was in when it stopped.
type Stage string

// Pipeline stages.
const (
	StageLease   Stage = "lease"
	StageFetch   Stage = "fetch"
	StageHash    Stage = "hash_check"
	StageExtract Stage = "extract"
	StageDedup   Stage = "dedup"
	StagePersist Stage = "persist"
	StageNotify  Stage = "notify"
)

// Kind classifies a run failure.
type Kind string

// Failure kinds.
const (
	// KindUpstream covers network errors, timeouts and non-2xx page responses.
	KindUpstream Kind = "upstream"
	// KindStructural means the page no longer has the expected shape.
	KindStructural Kind = "structural"
	// KindStore covers persistence failures.
	KindStore Kind = "store"
)

// RunError is returned when a run ends in the failed state.
type RunError struct {
	Err   error
	Stage Stage
	Kind  Kind
}

func (e *RunError) Error() string {
	return fmt.Sprintf("%s failure during %s: %v", e.Kind, e.Stage, e.Err)
}

func (e *RunError) Unwrap() error { return e.Err }

// Trace lists the messages of the wrapped error chain, outermost first.
func (e *RunError) Trace() []string {
	var trace []string
	for err := e.Err; err != nil; err = errors.Unwrap(err) {
		trace = append(trace, err.Error())
	}
	return trace
}

// AsRunError extracts a *RunError from err.
func AsRunError(err error) (*RunError, bool) {
	var re *RunError
	ok := errors.As(err, &re)
	return re, ok
}
