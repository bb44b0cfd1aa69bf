package models

import "time"

// EvidenceType classifies an evidence file.
const (
	EvidencePhoto    = "photo"
	EvidenceVideo    = "video"
	EvidenceDocument = "document"
)

// Evidence is an immutable captured file proving work performed at a stage.
// Rows are never deleted; a replacement marks the old row superseded.
type Evidence struct {
	ID           string  `json:"id"`
	JobID        string  `json:"job_id"`
	TestResultID *string `json:"test_result_id,omitempty"`
	Stage        Stage   `json:"stage"`
	Type         string  `json:"evidence_type"`

	OriginalFilename string `json:"original_filename"`
	StoredFilename   string `json:"stored_filename"`
	StorageKey       string `json:"storage_key"`
	SizeBytes        int64  `json:"size_bytes"`
	MimeType         string `json:"mime_type"`
	SHA256           string `json:"sha256_hash"`

	CapturedBy string    `json:"captured_by"`
	CapturedAt time.Time `json:"captured_at"`
	Caption    *string   `json:"caption,omitempty"`
	CreatedAt  time.Time `json:"created_at"`

	SupersededByID *string    `json:"superseded_by_id,omitempty"`
	SupersededAt   *time.Time `json:"superseded_at,omitempty"`
}

// Active reports whether the item still counts for guard checks and listings.
func (e Evidence) Active() bool {
	return e.SupersededAt == nil
}
