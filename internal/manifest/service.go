// Package manifest implements the caller-facing operations: submitting a
// manifestation, querying its status and listing an owner's jobs.
package manifest

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"

	"manifestme/internal/domain"
	"manifestme/internal/infra"
	"manifestme/internal/templates"
)

const (
	MaxPromptLength  = 2000
	DefaultListLimit = 20
	MaxListLimit     = 100
)

// Dispatcher hands a job to the task queue.
type Dispatcher interface {
	Enqueue(ctx context.Context, jobID, templateName, ownerID string) error
}

// URLSigner mints short-lived access URLs for stored results.
type URLSigner interface {
	Sign(ctx context.Context, locator string, ttl time.Duration) (string, error)
}

// View is what an owner sees of a job. VideoURL is set only for COMPLETED
// jobs and is minted fresh on every call.
type View struct {
	JobID     string
	Status    domain.JobStatus
	VideoURL  string
	CreatedAt time.Time
	UpdatedAt time.Time
}

type Service struct {
	jobs       domain.JobRepository
	dispatcher Dispatcher
	signer     URLSigner
	urlTTL     time.Duration
	logger     *infra.Logger
}

func NewService(jobs domain.JobRepository, dispatcher Dispatcher, signer URLSigner, urlTTL time.Duration, logger *infra.Logger) *Service {
	if urlTTL <= 0 {
		urlTTL = time.Hour
	}
	if logger == nil {
		l := infra.Logger(zerolog.Nop())
		logger = &l
	}
	return &Service{jobs: jobs, dispatcher: dispatcher, signer: signer, urlTTL: urlTTL, logger: logger}
}

// Submit stores a PENDING job and dispatches it. When dispatch fails the job
// is returned together with the error and stays PENDING.
func (s *Service) Submit(ctx context.Context, ownerID, prompt string) (*domain.Job, error) {
	if ownerID == "" {
		return nil, domain.ErrForbidden
	}
	prompt = strings.TrimSpace(prompt)
	if prompt == "" {
		return nil, fmt.Errorf("%w: prompt is empty", domain.ErrInvalidPrompt)
	}
	if utf8.RuneCountInString(prompt) > MaxPromptLength {
		return nil, fmt.Errorf("%w: prompt exceeds %d characters", domain.ErrInvalidPrompt, MaxPromptLength)
	}

	job, err := s.jobs.Create(ctx, ownerID, prompt)
	if err != nil {
		return nil, fmt.Errorf("create job: %w", err)
	}
	tmpl := templates.Select(prompt)
	logger := s.logger.With().Str("job_id", job.ID).Str("owner_id", ownerID).Str("template", tmpl.Name).Logger()

	if err := s.dispatcher.Enqueue(ctx, job.ID, tmpl.Name, ownerID); err != nil {
		logger.Error().Err(err).Msg("manifest: dispatch failed, job left pending")
		return job, err
	}
	logger.Info().Msg("manifest: job submitted")
	return job, nil
}

// Status returns the owner's view of a job. Jobs of other owners are
// reported as domain.ErrNotFound.
func (s *Service) Status(ctx context.Context, jobID, ownerID string) (View, error) {
	if ownerID == "" {
		return View{}, domain.ErrNotFound
	}
	job, err := s.jobs.Get(ctx, jobID, ownerID)
	if err != nil {
		return View{}, err
	}
	return s.view(ctx, *job)
}

// List returns the owner's jobs, newest first.
func (s *Service) List(ctx context.Context, ownerID string, limit int) ([]View, error) {
	if ownerID == "" {
		return nil, domain.ErrForbidden
	}
	switch {
	case limit <= 0:
		limit = DefaultListLimit
	case limit > MaxListLimit:
		limit = MaxListLimit
	}
	jobs, err := s.jobs.ListByOwner(ctx, ownerID, limit)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	out := make([]View, 0, len(jobs))
	for _, job := range jobs {
		v, err := s.view(ctx, job)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

func (s *Service) view(ctx context.Context, job domain.Job) (View, error) {
	v := View{JobID: job.ID, Status: job.Status, CreatedAt: job.CreatedAt, UpdatedAt: job.UpdatedAt}
	if job.Status != domain.JobStatusCompleted || !job.HasResult() {
		return v, nil
	}
	url, err := s.signer.Sign(ctx, job.ResultLocation, s.urlTTL)
	if err != nil {
		return View{}, fmt.Errorf("sign result for job %s: %w", job.ID, err)
	}
	v.VideoURL = url
	return v, nil
}
