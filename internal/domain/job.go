package domain

import "time"

// JobStatus enumerates manifestation job lifecycle states.
type JobStatus string

const (
	JobStatusPending    JobStatus = "PENDING"
	JobStatusProcessing JobStatus = "PROCESSING"
	JobStatusCompleted  JobStatus = "COMPLETED"
	JobStatusFailed     JobStatus = "FAILED"
)

// Valid reports whether s is one of the known statuses.
func (s JobStatus) Valid() bool {
	switch s {
	case JobStatusPending, JobStatusProcessing, JobStatusCompleted, JobStatusFailed:
		return true
	default:
		return false
	}
}

// Terminal reports whether no further pipeline work is expected for s.
func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

// CanTransition enforces the job state machine edges. FAILED -> PROCESSING
// exists only for the retry policy of the worker claim; nothing re-enters
// PENDING and COMPLETED has no outgoing edge.
func CanTransition(from, to JobStatus) bool {
	switch from {
	case JobStatusPending:
		return to == JobStatusProcessing
	case JobStatusProcessing:
		return to == JobStatusCompleted || to == JobStatusFailed
	case JobStatusFailed:
		return to == JobStatusProcessing
	default:
		return false
	}
}

// Job encapsulates one manifestation request and its lifecycle.
type Job struct {
	ID      string
	OwnerID string
	Prompt  string
	Status  JobStatus
	// ResultLocation is an opaque object store key, set only when Status is
	// COMPLETED. It is never a public URL.
	ResultLocation string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// HasResult reports whether the job carries a result locator.
func (j Job) HasResult() bool {
	return j.ResultLocation != ""
}

// TaskPayload is the body handed to the task queue and posted back to the
// worker callback.
type TaskPayload struct {
	JobID        string `json:"job_id"`
	TemplateName string `json:"template_name"`
	OwnerID      string `json:"owner_id"`
}
