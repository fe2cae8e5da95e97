package pipeline

import (
	"errors"
	"fmt"

	"github.com/fyrsmithlabs/shipwright/internal/artifact"
)

var (
	// ErrStartupFailure means a phase was entered without its
	// preconditions satisfied. The entry guard makes this unreachable, so
	// observing it is a programmer error and fatal to the run.
	ErrStartupFailure = errors.New("phase entered without satisfied preconditions")

	// ErrFixExhausted means two fix attempts failed on one issue. It is
	// recovered locally: the issue is deferred and the milestone proceeds.
	ErrFixExhausted = errors.New("fix attempts exhausted")

	// ErrRunTerminal rejects re-invocation of a run that already ended.
	// Terminal runs never spawn workers again.
	ErrRunTerminal = errors.New("run is in a terminal state")
)

// ReviewFailureError reports Critical or Important findings from a
// milestone review. It blocks milestone progress and is surfaced
// immediately, never swallowed.
type ReviewFailureError struct {
	Milestone int
	Findings  []artifact.Finding
}

func (e *ReviewFailureError) Error() string {
	return fmt.Sprintf("review failed for milestone %d: %d blocking finding(s)", e.Milestone, len(e.Findings))
}
