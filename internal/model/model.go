// Package model defines the persisted entities and status machinery of the
// beamline orchestrator: cases, their beams, the shared resource pool, and the
// append-only workflow step audit trail.
package model

import "time"

// Case is the top-level unit of work: one simulation submission composed of
// one or more beams. Status is derived from beam statuses by the aggregator
// and never set directly after creation.
type Case struct {
	ID           string     `gorm:"primaryKey;column:id"`
	RootPath     string     `gorm:"column:root_path"`
	Status       CaseStatus `gorm:"column:status;index"`
	ErrorMessage string     `gorm:"column:error_message"`
	CreatedAt    time.Time  `gorm:"column:created_at"`
	UpdatedAt    time.Time  `gorm:"column:updated_at"`
}

// Beam is an independently processable sub-unit of a case. Exactly one row per
// beam directory; owned by a single workflow machine at a time.
type Beam struct {
	ID           string     `gorm:"primaryKey;column:id"`
	CaseID       string     `gorm:"column:case_id;index"`
	Path         string     `gorm:"column:path"`
	Status       BeamStatus `gorm:"column:status;index"`
	ResourceID   *string    `gorm:"column:resource_id"`
	RemoteJobID  *string    `gorm:"column:remote_job_id"`
	ErrorMessage string     `gorm:"column:error_message"`
	CreatedAt    time.Time  `gorm:"column:created_at"`
	UpdatedAt    time.Time  `gorm:"column:updated_at"`
}

// Resource is one unit of scarce shared hardware (an accelerator device),
// exclusively assignable to one beam at a time. Invariant: a row with status
// allocated references exactly the beam holding it.
type Resource struct {
	ID             string         `gorm:"primaryKey;column:id"` // device UUID
	Name           string         `gorm:"column:name"`
	MemoryTotalMB  int            `gorm:"column:memory_total_mb"`
	MemoryFreeMB   int            `gorm:"column:memory_free_mb"`
	Status         ResourceStatus `gorm:"column:status;index"`
	AssignedBeamID *string        `gorm:"column:assigned_beam_id"`
	UpdatedAt      time.Time      `gorm:"column:updated_at"`
}

// WorkflowStep is an append-only audit record: one row per phase outcome.
// Written once, never mutated; diagnostics only, not control flow.
type WorkflowStep struct {
	ID      uint      `gorm:"primaryKey;autoIncrement;column:id"`
	BeamID  string    `gorm:"column:beam_id;index"`
	Phase   Phase     `gorm:"column:phase"`
	Outcome string    `gorm:"column:outcome"`
	Detail  string    `gorm:"column:detail"`
	At      time.Time `gorm:"column:at"`
}

func (WorkflowStep) TableName() string { return "workflow_steps" }

const (
	// StepCompleted and StepFailed are the two workflow step outcomes.
	StepCompleted = "completed"
	StepFailed    = "failed"
)

// BeamID derives a beam identifier from its parent case and directory name.
func BeamID(caseID, dirName string) string {
	return caseID + "_" + dirName
}
