package models

import "time"

// Test result status values.
const (
	ResultPass    = "pass"
	ResultFail    = "fail"
	ResultSkip    = "skip"
	ResultPending = "pending"
)

// TestStep is a template test definition for a device model at a stage.
// Steps outlive any individual job.
type TestStep struct {
	ID               string  `json:"id"`
	DeviceModel      *string `json:"device_model,omitempty"`
	Stage            Stage   `json:"stage"`
	Name             string  `json:"name"`
	Description      *string `json:"description,omitempty"`
	SequenceOrder    int     `json:"sequence_order"`
	IsMandatory      bool    `json:"is_mandatory"`
	RequiresEvidence bool    `json:"requires_evidence"`
}

// TestResult is the job-specific outcome of one test step.
type TestResult struct {
	ID           string         `json:"id"`
	JobID        string         `json:"job_id"`
	TestStepID   *string        `json:"test_step_id,omitempty"`
	Name         string         `json:"name"`
	Status       string         `json:"status"`
	PerformedBy  string         `json:"performed_by"`
	PerformedAt  time.Time      `json:"performed_at"`
	Notes        *string        `json:"notes,omitempty"`
	Measurements map[string]any `json:"measurements,omitempty"`
	Source       string         `json:"source"`
}

// Test result sources.
const (
	ResultSourceManual      = "manual"
	ResultSourceDiagnostics = "diagnostics"
)
