package pipeline

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// RunStatus is the overall status of a run.
type RunStatus string

const (
	RunRunning RunStatus = "running"
	RunShipped RunStatus = "shipped"
	RunBlocked RunStatus = "blocked"
)

// Terminal reports whether the run can never progress again.
func (s RunStatus) Terminal() bool {
	return s == RunShipped || s == RunBlocked
}

const stateFile = "state.json"

// RunState is the durable record of a run, persisted after every phase
// transition so a repeated invocation observes terminal states instead of
// spawning new workers.
type RunState struct {
	RunID         string                `json:"run_id"`
	Status        RunStatus             `json:"status"`
	Iteration     int                   `json:"iteration"`
	Phases        map[Phase]PhaseStatus `json:"phases"`
	WorkspaceDir  string                `json:"workspace_dir,omitempty"`
	WorkspaceRef  string                `json:"workspace_ref,omitempty"`
	WorkspaceBase string                `json:"workspace_base,omitempty"`
	UpdatedAt     time.Time             `json:"updated_at"`
}

// LoadState reads state.json from a run directory. A missing file means a
// fresh run and returns (nil, nil).
func LoadState(dir string) (*RunState, error) {
	data, err := os.ReadFile(filepath.Join(dir, stateFile))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading run state: %w", err)
	}
	var st RunState
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("parsing run state: %w", err)
	}
	return &st, nil
}

// SaveState writes state.json atomically.
func SaveState(dir string, st *RunState) error {
	st.UpdatedAt = time.Now().UTC()
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding run state: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".state-*")
	if err != nil {
		return fmt.Errorf("creating state temp file: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("writing run state: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("syncing run state: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing run state: %w", err)
	}
	if err := os.Rename(tmp.Name(), filepath.Join(dir, stateFile)); err != nil {
		return fmt.Errorf("committing run state: %w", err)
	}
	return nil
}
