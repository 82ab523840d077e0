package repo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"manifestme/internal/domain"
	"manifestme/internal/infra"
	"manifestme/internal/sqlinline"
)

// JobRepositoryPG implements domain.JobRepository on PostgreSQL. Every
// statement goes through the marker-checked SQL executor.
type JobRepositoryPG struct {
	sql infra.SQLExecutor
}

// NewJobRepository creates a new job repository backed by PostgreSQL.
func NewJobRepository(sql infra.SQLExecutor) *JobRepositoryPG {
	return &JobRepositoryPG{sql: sql}
}

// EnsureSchema creates the jobs table when missing.
func (r *JobRepositoryPG) EnsureSchema(ctx context.Context) error {
	if _, err := r.sql.Exec(ctx, sqlinline.QCreateManifestationJobs); err != nil {
		return fmt.Errorf("ensure jobs schema: %w", err)
	}
	return nil
}

// Create inserts a new PENDING job with a fresh identifier.
func (r *JobRepositoryPG) Create(ctx context.Context, ownerID, prompt string) (*domain.Job, error) {
	row := r.sql.QueryRow(ctx, sqlinline.QInsertManifestationJob, uuid.NewString(), ownerID, prompt)
	job, err := scanJob(row)
	if err != nil {
		return nil, fmt.Errorf("insert job: %w", err)
	}
	return job, nil
}

// Get fetches a job by identifier, optionally scoped to an owner.
func (r *JobRepositoryPG) Get(ctx context.Context, jobID, ownerID string) (*domain.Job, error) {
	if _, err := uuid.Parse(jobID); err != nil {
		return nil, domain.ErrNotFound
	}
	job, err := scanJob(r.sql.QueryRow(ctx, sqlinline.QSelectManifestationJob, jobID, ownerID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("select job: %w", err)
	}
	return job, nil
}

// Transition applies from -> to only while the row still has status from.
// A missed update is resolved into ErrNotFound or ErrConflict by re-reading.
func (r *JobRepositoryPG) Transition(ctx context.Context, jobID string, from, to domain.JobStatus, resultLocation string) (*domain.Job, error) {
	if err := domain.ValidateTransition(from, to, resultLocation); err != nil {
		return nil, err
	}
	if _, err := uuid.Parse(jobID); err != nil {
		return nil, domain.ErrNotFound
	}
	row := r.sql.QueryRow(ctx, sqlinline.QTransitionManifestationJob, jobID, string(from), string(to), resultLocation)
	job, err := scanJob(row)
	if err == nil {
		return job, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("transition job: %w", err)
	}
	current, getErr := r.Get(ctx, jobID, "")
	if getErr != nil {
		return nil, getErr
	}
	return current, fmt.Errorf("%w: job %s is %s, expected %s", domain.ErrConflict, jobID, current.Status, from)
}

// ListByOwner returns the owner's jobs, newest first.
func (r *JobRepositoryPG) ListByOwner(ctx context.Context, ownerID string, limit int) ([]domain.Job, error) {
	rows, err := r.sql.Query(ctx, sqlinline.QListManifestationJobsByOwner, ownerID, limit)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	return collectJobs(rows)
}

// ListStale returns jobs stuck in status since before.
func (r *JobRepositoryPG) ListStale(ctx context.Context, status domain.JobStatus, before time.Time, limit int) ([]domain.Job, error) {
	rows, err := r.sql.Query(ctx, sqlinline.QListStaleManifestationJobs, string(status), before, limit)
	if err != nil {
		return nil, fmt.Errorf("list stale jobs: %w", err)
	}
	return collectJobs(rows)
}

func collectJobs(rows pgx.Rows) ([]domain.Job, error) {
	defer rows.Close()
	var jobs []domain.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, *job)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return jobs, nil
}

func scanJob(row pgx.Row) (*domain.Job, error) {
	var job domain.Job
	var status string
	if err := row.Scan(
		&job.ID,
		&job.OwnerID,
		&job.Prompt,
		&status,
		&job.ResultLocation,
		&job.CreatedAt,
		&job.UpdatedAt,
	); err != nil {
		return nil, err
	}
	job.Status = domain.JobStatus(status)
	return &job, nil
}

var _ domain.JobRepository = (*JobRepositoryPG)(nil)
