package domain

import (
	"context"
	"time"
)

// JobRepository defines persistence for manifestation jobs. It is the only
// writer of job status.
type JobRepository interface {
	// Create assigns a new identifier and stores a PENDING job.
	Create(ctx context.Context, ownerID, prompt string) (*Job, error)
	// Get returns ErrNotFound when the job is absent, or when ownerID is
	// non-empty and does not match the job owner.
	Get(ctx context.Context, jobID, ownerID string) (*Job, error)
	// Transition is a compare-and-set on status: it applies to only when the
	// current status equals from, otherwise it returns ErrConflict.
	// resultLocation is stored when to is COMPLETED and cleared otherwise.
	Transition(ctx context.Context, jobID string, from, to JobStatus, resultLocation string) (*Job, error)
	// ListByOwner returns the owner's jobs, newest first.
	ListByOwner(ctx context.Context, ownerID string, limit int) ([]Job, error)
	// ListStale returns jobs in status whose last update is older than before.
	ListStale(ctx context.Context, status JobStatus, before time.Time, limit int) ([]Job, error)
}

// ValidateTransition checks the edge and the result locator invariant before
// a repository applies a transition.
func ValidateTransition(from, to JobStatus, resultLocation string) error {
	if !CanTransition(from, to) {
		return ErrInvalidTransition
	}
	if to == JobStatusCompleted && resultLocation == "" {
		return ErrInvalidTransition
	}
	return nil
}
