package repo

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"manifestme/internal/domain"
	"manifestme/internal/sqlinline"
)

type stubRow struct {
	scan func(dest ...any) error
}

func (r stubRow) Scan(dest ...any) error {
	if r.scan == nil {
		return pgx.ErrNoRows
	}
	return r.scan(dest...)
}

type jobRow struct {
	id, owner, prompt, status, result string
	createdAt, updatedAt              time.Time
}

func (j jobRow) scanInto(dest ...any) error {
	if len(dest) != 7 {
		return fmt.Errorf("unexpected scan args: %d", len(dest))
	}
	*dest[0].(*string) = j.id
	*dest[1].(*string) = j.owner
	*dest[2].(*string) = j.prompt
	*dest[3].(*string) = j.status
	*dest[4].(*string) = j.result
	*dest[5].(*time.Time) = j.createdAt
	*dest[6].(*time.Time) = j.updatedAt
	return nil
}

// stubSQL emulates the manifestation_jobs table for the statements the
// repository issues.
type stubSQL struct {
	mu   sync.Mutex
	rows map[string]*jobRow
}

func newStubSQL() *stubSQL {
	return &stubSQL{rows: make(map[string]*jobRow)}
}

func (s *stubSQL) Exec(_ context.Context, query string, _ ...any) (pgconn.CommandTag, error) {
	if query != sqlinline.QCreateManifestationJobs {
		return pgconn.CommandTag{}, fmt.Errorf("unexpected exec: %s", query)
	}
	return pgconn.CommandTag{}, nil
}

func (s *stubSQL) QueryRow(_ context.Context, query string, args ...any) pgx.Row {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	switch query {
	case sqlinline.QInsertManifestationJob:
		row := &jobRow{id: args[0].(string), owner: args[1].(string), prompt: args[2].(string), status: "PENDING", createdAt: now, updatedAt: now}
		s.rows[row.id] = row
		return stubRow{scan: row.scanInto}
	case sqlinline.QSelectManifestationJob:
		row, ok := s.rows[args[0].(string)]
		owner := args[1].(string)
		if !ok || (owner != "" && row.owner != owner) {
			return stubRow{}
		}
		snapshot := *row
		return stubRow{scan: snapshot.scanInto}
	case sqlinline.QTransitionManifestationJob:
		row, ok := s.rows[args[0].(string)]
		if !ok || row.status != args[1].(string) {
			return stubRow{}
		}
		row.status = args[2].(string)
		row.result = ""
		if row.status == "COMPLETED" {
			row.result = args[3].(string)
		}
		snapshot := *row
		return stubRow{scan: snapshot.scanInto}
	default:
		return stubRow{scan: func(...any) error { return fmt.Errorf("unexpected query: %s", query) }}
	}
}

func (s *stubSQL) Query(context.Context, string, ...any) (pgx.Rows, error) {
	return nil, errors.New("not supported")
}

func TestJobRepositoryPGCreateAndGet(t *testing.T) {
	ctx := context.Background()
	r := NewJobRepository(newStubSQL())

	job, err := r.Create(ctx, "owner-1", "beach vacation")
	if err != nil {
		t.Fatalf("Create() error: %v", err)
	}
	if _, err := uuid.Parse(job.ID); err != nil {
		t.Fatalf("job id %q is not a uuid: %v", job.ID, err)
	}
	if job.Status != domain.JobStatusPending {
		t.Fatalf("status = %s, want PENDING", job.Status)
	}

	got, err := r.Get(ctx, job.ID, "owner-1")
	if err != nil || got.Prompt != "beach vacation" {
		t.Fatalf("Get() = %+v, %v", got, err)
	}
	if _, err := r.Get(ctx, job.ID, "owner-2"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("cross-owner Get error = %v, want ErrNotFound", err)
	}
	if _, err := r.Get(ctx, "not-a-uuid", ""); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("malformed id error = %v, want ErrNotFound", err)
	}
}

func TestJobRepositoryPGTransitionDistinguishesConflict(t *testing.T) {
	ctx := context.Background()
	r := NewJobRepository(newStubSQL())
	job, _ := r.Create(ctx, "owner-1", "prompt")

	claimed, err := r.Transition(ctx, job.ID, domain.JobStatusPending, domain.JobStatusProcessing, "")
	if err != nil || claimed.Status != domain.JobStatusProcessing {
		t.Fatalf("claim = %+v, %v", claimed, err)
	}

	current, err := r.Transition(ctx, job.ID, domain.JobStatusPending, domain.JobStatusProcessing, "")
	if !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("second claim error = %v, want ErrConflict", err)
	}
	if current == nil || current.Status != domain.JobStatusProcessing {
		t.Fatalf("conflict should report current job, got %+v", current)
	}
	if !strings.Contains(err.Error(), "PROCESSING") {
		t.Fatalf("conflict error should name current status: %v", err)
	}

	if _, err := r.Transition(ctx, uuid.NewString(), domain.JobStatusPending, domain.JobStatusProcessing, ""); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("missing job error = %v, want ErrNotFound", err)
	}
	if _, err := r.Transition(ctx, job.ID, domain.JobStatusProcessing, domain.JobStatusCompleted, ""); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("completion without result error = %v, want ErrInvalidTransition", err)
	}

	done, err := r.Transition(ctx, job.ID, domain.JobStatusProcessing, domain.JobStatusCompleted, "users/owner-1/videos/x.mp4")
	if err != nil || done.ResultLocation != "users/owner-1/videos/x.mp4" {
		t.Fatalf("complete = %+v, %v", done, err)
	}
}

func TestJobRepositoryPGEnsureSchema(t *testing.T) {
	if err := NewJobRepository(newStubSQL()).EnsureSchema(context.Background()); err != nil {
		t.Fatalf("EnsureSchema() error: %v", err)
	}
}
