package session

import (
	"fmt"

	"github.com/bitrise-io/go-blobrelay/transfer"
)

// State of an upload session.
type State int

// States
const (
	Idle State = iota
	Opening
	Uploading
	Finalizing
	Completed
	Failed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Opening:
		return "opening"
	case Uploading:
		return "uploading"
	case Finalizing:
		return "finalizing"
	case Completed:
		return "completed"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Terminal reports whether no further transition can happen.
func (s State) Terminal() bool {
	return s == Completed || s == Failed
}

// Transition is reported to the observer on every state change.
// Sequence is the chunk being uploaded for Uploading, the failing chunk for Failed
// when a chunk caused the failure, and transfer.NoSequence otherwise.
type Transition struct {
	State    State
	Sequence int
}

func (t Transition) String() string {
	if t.Sequence == transfer.NoSequence {
		return t.State.String()
	}
	return fmt.Sprintf("%s(%d)", t.State, t.Sequence)
}

// FailedError is returned by a session which ended in the Failed state.
type FailedError struct {
	// Sequence of the chunk which exhausted its attempts, or transfer.NoSequence.
	Sequence int
	// Chunks is the total number of chunks of the session.
	Chunks int
	// State is the state the session was in when it failed.
	State State
	Err   error
}

func (e *FailedError) Error() string {
	if e.Sequence != transfer.NoSequence {
		return fmt.Sprintf("chunk %d of %d failed: %s", e.Sequence, e.Chunks, e.Err)
	}
	return fmt.Sprintf("%s failed: %s", e.State, e.Err)
}

// Unwrap ...
func (e *FailedError) Unwrap() error {
	return e.Err
}
