package repo

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"manifestme/internal/domain"
)

// MemoryJobRepository is an in-process domain.JobRepository for local runs
// and tests. A single mutex makes every Transition linearizable.
type MemoryJobRepository struct {
	mu   sync.Mutex
	jobs map[string]*domain.Job
	now  func() time.Time
}

// NewMemoryJobRepository creates an empty in-memory repository.
func NewMemoryJobRepository() *MemoryJobRepository {
	return &MemoryJobRepository{
		jobs: make(map[string]*domain.Job),
		now:  func() time.Time { return time.Now().UTC() },
	}
}

func (r *MemoryJobRepository) Create(ctx context.Context, ownerID, prompt string) (*domain.Job, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	now := r.now()
	job := &domain.Job{
		ID:        uuid.NewString(),
		OwnerID:   ownerID,
		Prompt:    prompt,
		Status:    domain.JobStatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	r.mu.Lock()
	r.jobs[job.ID] = job
	r.mu.Unlock()
	clone := *job
	return &clone, nil
}

func (r *MemoryJobRepository) Get(ctx context.Context, jobID, ownerID string) (*domain.Job, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.jobs[jobID]
	if !ok || (ownerID != "" && job.OwnerID != ownerID) {
		return nil, domain.ErrNotFound
	}
	clone := *job
	return &clone, nil
}

func (r *MemoryJobRepository) Transition(ctx context.Context, jobID string, from, to domain.JobStatus, resultLocation string) (*domain.Job, error) {
	if err := domain.ValidateTransition(from, to, resultLocation); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.jobs[jobID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	if job.Status != from {
		clone := *job
		return &clone, fmt.Errorf("%w: job %s is %s, expected %s", domain.ErrConflict, jobID, job.Status, from)
	}
	job.Status = to
	job.ResultLocation = ""
	if to == domain.JobStatusCompleted {
		job.ResultLocation = resultLocation
	}
	job.UpdatedAt = r.now()
	clone := *job
	return &clone, nil
}

func (r *MemoryJobRepository) ListByOwner(ctx context.Context, ownerID string, limit int) ([]domain.Job, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.Lock()
	var out []domain.Job
	for _, job := range r.jobs {
		if job.OwnerID == ownerID {
			out = append(out, *job)
		}
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *MemoryJobRepository) ListStale(ctx context.Context, status domain.JobStatus, before time.Time, limit int) ([]domain.Job, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.Lock()
	var out []domain.Job
	for _, job := range r.jobs {
		if job.Status == status && job.UpdatedAt.Before(before) {
			out = append(out, *job)
		}
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

var _ domain.JobRepository = (*MemoryJobRepository)(nil)
