package artifact

import (
	"errors"
	"fmt"
	"time"
)

// Name identifies an artifact within a run. Names are globally unique for
// the run and map directly to file names in the store directory.
type Name string

// Well-known artifact names produced by the pipeline.
const (
	Idea               Name = "idea.md"
	DiscoveryBrief     Name = "discovery.md"
	Specification      Name = "specification.md"
	ArchitectureDoc    Name = "architecture.md"
	TaskBreakdown      Name = "task-breakdown.md"
	ReviewLog          Name = "review-log.md"
	VerificationReport Name = "verification-report.md"
	GapsReport         Name = "gaps.md"
	ShipSummary        Name = "ship-summary.md"
	BlockedReport      Name = "blocked-report.md"
)

// WriteMode selects how Put treats existing content.
type WriteMode int

const (
	// Overwrite replaces the artifact atomically.
	Overwrite WriteMode = iota

	// Append adds a section after all prior sections. Appends to the same
	// key are serialized; nothing is ever lost under concurrent appenders.
	Append
)

func (m WriteMode) String() string {
	switch m {
	case Overwrite:
		return "overwrite"
	case Append:
		return "append"
	default:
		return fmt.Sprintf("writemode(%d)", int(m))
	}
}

// Info describes a stored artifact revision.
type Info struct {
	Name      Name      `json:"name"`
	Revision  int       `json:"revision"`
	Producer  string    `json:"producer,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

var (
	// ErrNotFound indicates the named artifact has no committed revision.
	ErrNotFound = errors.New("artifact not found")
)

// SchemaError reports a document that fails its kind's minimal schema.
type SchemaError struct {
	Name   Name
	Kind   Kind
	Reason string
}

func (e *SchemaError) Error() string {
	return fmt.Sprintf("artifact %s violates %s schema: %s", e.Name, e.Kind, e.Reason)
}
