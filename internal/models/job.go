package models

import (
	"fmt"
	"time"
)

// Stage is a job's position in the refurbishment pipeline, persisted as a string.
type Stage string

const (
	StageIntake     Stage = "intake"
	StageReset      Stage = "reset"
	StageFunctional Stage = "functional"
	StageQC         Stage = "qc"
	StageCompleted  Stage = "completed"
	StageFailed     Stage = "failed"
	StageOnHold     Stage = "on_hold"
)

// Stages lists every defined stage.
var Stages = []Stage{
	StageIntake, StageReset, StageFunctional, StageQC,
	StageCompleted, StageFailed, StageOnHold,
}

// ParseStage validates a stage string from an API request or a database row.
func ParseStage(s string) (Stage, error) {
	for _, st := range Stages {
		if string(st) == s {
			return st, nil
		}
	}
	return "", fmt.Errorf("unknown stage %q", s)
}

// Terminal reports whether no further transitions are ever legal from s.
func (s Stage) Terminal() bool {
	return s == StageCompleted || s == StageFailed
}

// Job represents one physical device moving through the pipeline.
type Job struct {
	ID                   string         `json:"id"`
	TicketID             int64          `json:"ticket_id"`
	SerialNumber         string         `json:"serial_number"`
	IMEI                 *string        `json:"imei,omitempty"`
	BatchID              *string        `json:"batch_id,omitempty"`
	CustomerReference    *string        `json:"customer_reference,omitempty"`
	Stage                Stage          `json:"stage"`
	AssignedTechnicianID *string        `json:"assigned_technician_id,omitempty"`
	IntakeCondition      map[string]any `json:"intake_condition,omitempty"`

	IntakeStartedAt       *time.Time `json:"intake_started_at,omitempty"`
	IntakeCompletedAt     *time.Time `json:"intake_completed_at,omitempty"`
	ResetStartedAt        *time.Time `json:"reset_started_at,omitempty"`
	ResetCompletedAt      *time.Time `json:"reset_completed_at,omitempty"`
	FunctionalStartedAt   *time.Time `json:"functional_started_at,omitempty"`
	FunctionalCompletedAt *time.Time `json:"functional_completed_at,omitempty"`
	QCStartedAt           *time.Time `json:"qc_started_at,omitempty"`
	QCCompletedAt         *time.Time `json:"qc_completed_at,omitempty"`
	CompletedAt           *time.Time `json:"completed_at,omitempty"`

	QCTechnicianID *string `json:"qc_technician_id,omitempty"`
	QCInitials     *string `json:"qc_initials,omitempty"`
	QCNotes        *string `json:"qc_notes,omitempty"`

	IsFullyTested bool    `json:"is_fully_tested"`
	SkipReason    *string `json:"skip_reason,omitempty"`

	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
	DeletedAt *time.Time `json:"deleted_at,omitempty"`
}

// JobHistory is one immutable audit row per committed transition.
// FromStage is nil only on the record written at job creation.
type JobHistory struct {
	ID        string         `json:"id"`
	JobID     string         `json:"job_id"`
	FromStage *Stage         `json:"from_stage"`
	ToStage   Stage          `json:"to_stage"`
	ChangedBy string         `json:"changed_by"`
	ChangedAt time.Time      `json:"changed_at"`
	Notes     *string        `json:"notes,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}
