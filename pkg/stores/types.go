// Package stores records runs and their per-step output in SQLite, so a
// finished run can be inspected without re-parsing the output streams.
package stores

import (
	"time"

	"github.com/google/uuid"
)

// RunStatus is the lifecycle state of a recorded run.
type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
	RunStatusStopped   RunStatus = "stopped"
)

// Run is one recorded engine run.
type Run struct {
	ID          string     `json:"id"`
	Name        string     `json:"name"`
	Script      string     `json:"script"`
	MDEngine    string     `json:"md_engine"`
	Natoms      int        `json:"natoms"`
	Timestep    float64    `json:"timestep"`
	Status      RunStatus  `json:"status"`
	ExitCode    *int       `json:"exit_code,omitempty"`
	Error       *string    `json:"error,omitempty"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// NewRun creates a run record in the running state with a fresh ID.
func NewRun(name, script, mdEngine string, natoms int, timestep float64) *Run {
	now := time.Now().UTC()
	return &Run{
		ID:        uuid.NewString(),
		Name:      name,
		Script:    script,
		MDEngine:  mdEngine,
		Natoms:    natoms,
		Timestep:  timestep,
		Status:    RunStatusRunning,
		StartedAt: now,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// StepSample is the recorded outcome of one MD step: the bias energy,
// whether any action ran, and a JSON map of labelled output values.
type StepSample struct {
	RunID      string    `json:"run_id"`
	Step       int64     `json:"step"`
	Bias       float64   `json:"bias"`
	Active     bool      `json:"active"`
	Outputs    string    `json:"outputs"`
	RecordedAt time.Time `json:"recorded_at"`
}
