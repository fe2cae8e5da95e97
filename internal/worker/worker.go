// Package worker implements role-bound worker dispatch.
//
// A worker is an executor bound to one of a closed set of roles. Ephemeral
// workers are one-shot: they see only the artifact references named in
// their assignment, never the run's full history. Persistent
// workers are long-lived actors with an inbox channel; they accumulate
// context across sequential dispatches within their own role lineage and
// are never shared across roles.
//
// The dispatcher never retries: a crash, timeout, or malformed result
// surfaces to the caller as a FailureError.
package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/fyrsmithlabs/shipwright/internal/artifact"
)

// Role is the closed set of worker capabilities. Adding a role is a
// compile-time change, not a runtime string lookup.
type Role string

const (
	RoleArchitect Role = "architect"
	RoleBuilder   Role = "builder"
	RoleReviewer  Role = "reviewer"
	RoleQA        Role = "qa"
)

// Roles returns all valid roles.
func Roles() []Role {
	return []Role{RoleArchitect, RoleBuilder, RoleReviewer, RoleQA}
}

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	switch r {
	case RoleArchitect, RoleBuilder, RoleReviewer, RoleQA:
		return true
	}
	return false
}

// Persistence selects the worker lifetime for a dispatch.
type Persistence int

const (
	// Ephemeral workers live for exactly one dispatch.
	Ephemeral Persistence = iota

	// Persistent workers survive across sequential dispatches of one role.
	Persistent
)

func (p Persistence) String() string {
	if p == Persistent {
		return "persistent"
	}
	return "ephemeral"
}

// Assignment is one unit of work handed to a worker.
type Assignment struct {
	// ID uniquely identifies the dispatch. Filled by the dispatcher when empty.
	ID string

	Role        Role
	Persistence Persistence

	// Instructions is the free-form brief for this dispatch.
	Instructions string

	// Reads is the explicit list of artifacts the worker may consume.
	// Ephemeral workers receive nothing beyond these.
	Reads []artifact.Name

	// Writes is the explicit list of artifacts the worker may produce.
	Writes []artifact.Name
}

// ResultStatus is the terminal status a worker reports.
type ResultStatus string

const (
	ResultCompleted ResultStatus = "completed"
	ResultFailed    ResultStatus = "failed"
)

// Result is a worker's completion report.
type Result struct {
	Status  ResultStatus
	Summary string

	// Outputs maps produced artifact names to their full content. The
	// orchestrator commits these to the store; workers never touch the
	// store directly.
	Outputs map[artifact.Name]string

	// Duration is the wall-clock time of the dispatch.
	Duration time.Duration
}

// Written returns the names of artifacts the worker produced.
func (r Result) Written() []artifact.Name {
	names := make([]artifact.Name, 0, len(r.Outputs))
	for name := range r.Outputs {
		names = append(names, name)
	}
	return names
}

// Exchange is one completed dispatch in a persistent worker's lineage.
type Exchange struct {
	Instructions string
	Summary      string
}

// Runner executes assignments for one role. Implementations wrap whatever
// actually does the reasoning (an external agent command, a scripted test
// double); the dispatcher only cares about the contract.
type Runner interface {
	Run(ctx context.Context, a Assignment, history []Exchange) (Result, error)
}

// FailureError is a worker failure: crash, timeout, or a malformed or
// ambiguous result. It is surfaced immediately and never retried by the
// dispatcher.
type FailureError struct {
	Role       Role
	DispatchID string
	Reason     string
	Err        error
}

func (e *FailureError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("worker failure (%s, dispatch %s): %s: %v", e.Role, e.DispatchID, e.Reason, e.Err)
	}
	return fmt.Sprintf("worker failure (%s, dispatch %s): %s", e.Role, e.DispatchID, e.Reason)
}

func (e *FailureError) Unwrap() error {
	return e.Err
}
