// Package pipeline drives a run through the fixed phase sequence:
// discovery, definition, architecture, planning, isolation, build,
// verification, ship.
//
// The pipeline owns all phase transitions. Progress is gated by the
// artifact store: a phase may not enter until its predecessors are Done
// and its required input artifacts exist and validate. Worker failures
// mark the phase Failed and surface immediately; the pipeline never
// retries on its own; retry discipline belongs to the governor.
package pipeline

import (
	"context"
	"fmt"
	"sync"

	"github.com/fyrsmithlabs/shipwright/internal/artifact"
)

// Phase is one of the fixed pipeline stages.
type Phase string

const (
	PhaseDiscovery    Phase = "discovery"
	PhaseDefinition   Phase = "definition"
	PhaseArchitecture Phase = "architecture"
	PhasePlanning     Phase = "planning"
	PhaseIsolation    Phase = "isolation"
	PhaseBuild        Phase = "build"
	PhaseVerification Phase = "verification"
	PhaseShip         Phase = "ship"
)

// PhaseOrder is the fixed execution order. Isolation is the sub-phase
// that sets up the workspace before any mutation work.
var PhaseOrder = []Phase{
	PhaseDiscovery,
	PhaseDefinition,
	PhaseArchitecture,
	PhasePlanning,
	PhaseIsolation,
	PhaseBuild,
	PhaseVerification,
	PhaseShip,
}

// PhaseStatus is a phase's position in its lifecycle.
type PhaseStatus string

const (
	PhaseNotStarted PhaseStatus = "not_started"
	PhaseReady      PhaseStatus = "ready"
	PhaseRunning    PhaseStatus = "running"
	PhaseDone       PhaseStatus = "done"
	PhaseFailed     PhaseStatus = "failed"
)

// phaseInputs names the artifacts that must exist and validate before a
// phase may enter.
var phaseInputs = map[Phase][]artifact.Name{
	PhaseDiscovery:    {artifact.Idea},
	PhaseDefinition:   {artifact.DiscoveryBrief},
	PhaseArchitecture: {artifact.Specification},
	PhasePlanning:     {artifact.ArchitectureDoc},
	PhaseIsolation:    {artifact.TaskBreakdown},
	PhaseBuild:        {artifact.TaskBreakdown},
	PhaseVerification: {artifact.TaskBreakdown},
	PhaseShip:         {artifact.VerificationReport},
}

// artifactReader is the slice of the store the state machine needs.
type artifactReader interface {
	Exists(ctx context.Context, name artifact.Name) bool
	Get(ctx context.Context, name artifact.Name) (string, error)
}

// Machine is the phase state machine for one run.
type Machine struct {
	store artifactReader

	mu       sync.Mutex
	statuses map[Phase]PhaseStatus
}

// NewMachine creates a machine with every phase NotStarted.
func NewMachine(store artifactReader) *Machine {
	statuses := make(map[Phase]PhaseStatus, len(PhaseOrder))
	for _, p := range PhaseOrder {
		statuses[p] = PhaseNotStarted
	}
	return &Machine{store: store, statuses: statuses}
}

// RestoreMachine creates a machine from persisted phase statuses.
func RestoreMachine(store artifactReader, statuses map[Phase]PhaseStatus) *Machine {
	m := NewMachine(store)
	for p, s := range statuses {
		m.statuses[p] = s
	}
	return m
}

func ordinal(p Phase) int {
	for i, q := range PhaseOrder {
		if q == p {
			return i
		}
	}
	return -1
}

// Status returns the phase's current status.
func (m *Machine) Status(p Phase) PhaseStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.statuses[p]
}

// Statuses returns a copy of all phase statuses.
func (m *Machine) Statuses() map[Phase]PhaseStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[Phase]PhaseStatus, len(m.statuses))
	for p, s := range m.statuses {
		out[p] = s
	}
	return out
}

// CanEnter reports whether p may start: every predecessor Done and every
// required input artifact present and schema-valid. The returned error
// carries the first unmet precondition.
func (m *Machine) CanEnter(ctx context.Context, p Phase) error {
	ord := ordinal(p)
	if ord < 0 {
		return fmt.Errorf("unknown phase %q", p)
	}

	m.mu.Lock()
	for _, pred := range PhaseOrder[:ord] {
		if m.statuses[pred] != PhaseDone {
			m.mu.Unlock()
			return fmt.Errorf("phase %s not done (is %s)", pred, m.statuses[pred])
		}
	}
	m.mu.Unlock()

	for _, name := range phaseInputs[p] {
		if !m.store.Exists(ctx, name) {
			return fmt.Errorf("required artifact %s missing", name)
		}
		// Get validates the schema and fails fast on malformed documents.
		if _, err := m.store.Get(ctx, name); err != nil {
			return fmt.Errorf("required artifact %s: %w", name, err)
		}
	}
	return nil
}

// Enter transitions p to Running. Entering a phase whose preconditions do
// not hold is a programmer error: CanEnter is the guard, and a violation
// surfaces as ErrStartupFailure.
func (m *Machine) Enter(ctx context.Context, p Phase) error {
	if err := m.CanEnter(ctx, p); err != nil {
		return fmt.Errorf("%w: entering %s: %v", ErrStartupFailure, p, err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.statuses[p] = PhaseRunning
	return nil
}

// RecordCompletion marks p Done after confirming its declared outputs
// were actually published.
func (m *Machine) RecordCompletion(ctx context.Context, p Phase, outputs []artifact.Name) error {
	for _, name := range outputs {
		if !m.store.Exists(ctx, name) {
			return fmt.Errorf("phase %s completed without publishing %s", p, name)
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.statuses[p] != PhaseRunning {
		return fmt.Errorf("phase %s is %s, not running", p, m.statuses[p])
	}
	m.statuses[p] = PhaseDone
	return nil
}

// MarkFailed transitions p to Failed. The failure is the governor's to
// handle.
func (m *Machine) MarkFailed(p Phase) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.statuses[p] = PhaseFailed
}

// Reopen resets a Done phase back to NotStarted for a governor re-entry
// edge. Every later non-terminal ordering stays intact: only the routed
// phase itself is reopened.
func (m *Machine) Reopen(p Phase) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.statuses[p] = PhaseNotStarted
}

// Advance returns the next phase that is ready to run: the first phase in
// order that is not Done. A false return means every phase is Done.
func (m *Machine) Advance() (Phase, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range PhaseOrder {
		if m.statuses[p] != PhaseDone {
			return p, true
		}
	}
	return "", false
}
