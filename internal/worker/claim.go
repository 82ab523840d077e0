// Package worker implements the queue-facing side of the pipeline: the
// callback claim protocol and the stale job reaper.
package worker

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"manifestme/internal/domain"
	"manifestme/internal/infra"
	"manifestme/internal/middleware"
	"manifestme/internal/pipeline"
	"manifestme/internal/templates"
)

// FailedPolicy decides what a delivery finding a FAILED job does and what
// the queue is told after a pipeline failure.
type FailedPolicy string

const (
	// FailedPolicyTerminal leaves FAILED jobs alone and acknowledges failed
	// runs so the queue stops redelivering.
	FailedPolicyTerminal FailedPolicy = "terminal"
	// FailedPolicyRetry re-claims FAILED jobs and reports failed runs as
	// errors so the queue redelivers.
	FailedPolicyRetry FailedPolicy = "retry"
)

// ParseFailedPolicy reads FAILED_JOB_POLICY; empty means terminal.
func ParseFailedPolicy(s string) (FailedPolicy, error) {
	switch p := FailedPolicy(strings.ToLower(strings.TrimSpace(s))); p {
	case FailedPolicyTerminal, FailedPolicyRetry:
		return p, nil
	case "":
		return FailedPolicyTerminal, nil
	default:
		return "", fmt.Errorf("unknown failed job policy %q", s)
	}
}

// Notes reported on deliveries that did not run the pipeline to completion.
const (
	NoteAlreadyCompleted  = "already completed"
	NoteAlreadyProcessing = "already processing"
	NoteAlreadyFailed     = "already failed"
	NoteFailed            = "failed"
)

// Runner executes the pipeline for a claimed job.
type Runner interface {
	Run(ctx context.Context, exec pipeline.Execution) (pipeline.Result, error)
}

// Outcome describes a handled delivery. Note is empty only when this
// delivery ran the pipeline to completion.
type Outcome struct {
	JobID    string
	Status   domain.JobStatus
	Note     string
	Location string
	Degraded bool
}

// Claimer verifies callback deliveries and runs each job at most once at a time.
type Claimer struct {
	jobs   domain.JobRepository
	runner Runner
	secret string
	policy FailedPolicy
	logger *infra.Logger
}

func NewClaimer(jobs domain.JobRepository, runner Runner, secret string, policy FailedPolicy, logger *infra.Logger) *Claimer {
	if policy == "" {
		policy = FailedPolicyTerminal
	}
	if logger == nil {
		l := infra.Logger(zerolog.Nop())
		logger = &l
	}
	return &Claimer{jobs: jobs, runner: runner, secret: secret, policy: policy, logger: logger}
}

// Handle processes one callback delivery. Redeliveries for jobs that are
// running or finished are no-ops; only the caller that wins the status
// compare-and-set runs the pipeline. Once claimed, the run no longer follows
// ctx: a dropped delivery connection must not fail the job.
func (c *Claimer) Handle(ctx context.Context, token string, payload domain.TaskPayload) (Outcome, error) {
	claims, err := middleware.VerifyJWT(c.secret, token, middleware.AudienceCallback)
	if err != nil || claims.Sub != payload.JobID {
		return Outcome{}, domain.ErrForbidden
	}
	logger := c.logger.With().Str("job_id", payload.JobID).Logger()

	job, err := c.jobs.Get(ctx, payload.JobID, "")
	if err != nil {
		return Outcome{}, err
	}
	if payload.OwnerID != "" && payload.OwnerID != job.OwnerID {
		logger.Warn().Str("payload_owner", payload.OwnerID).Str("owner_id", job.OwnerID).Msg("worker: payload owner mismatch, using stored owner")
	}

	var from domain.JobStatus
	switch job.Status {
	case domain.JobStatusCompleted:
		return noop(job, NoteAlreadyCompleted), nil
	case domain.JobStatusProcessing:
		return noop(job, NoteAlreadyProcessing), nil
	case domain.JobStatusPending:
		from = domain.JobStatusPending
	case domain.JobStatusFailed:
		if c.policy != FailedPolicyRetry {
			return noop(job, NoteAlreadyFailed), nil
		}
		from = domain.JobStatusFailed
	default:
		return Outcome{}, fmt.Errorf("job %s has unknown status %q", job.ID, job.Status)
	}

	claimed, err := c.jobs.Transition(ctx, job.ID, from, domain.JobStatusProcessing, "")
	if errors.Is(err, domain.ErrConflict) {
		if claimed == nil {
			return Outcome{JobID: job.ID, Note: NoteAlreadyProcessing}, nil
		}
		logger.Info().Str("status", string(claimed.Status)).Msg("worker: lost claim race")
		return noopFor(claimed), nil
	}
	if err != nil {
		return Outcome{}, fmt.Errorf("claim job: %w", err)
	}
	logger.Info().Str("from", string(from)).Msg("worker: job claimed")

	tmpl, ok := templates.Lookup(payload.TemplateName)
	if !ok {
		tmpl = templates.Select(claimed.Prompt)
		logger.Warn().Str("template_name", payload.TemplateName).Str("template", tmpl.Name).Msg("worker: unknown template, reselected from prompt")
	}

	runCtx := context.WithoutCancel(ctx)
	result, runErr := c.runner.Run(runCtx, pipeline.Execution{
		JobID:    claimed.ID,
		OwnerID:  claimed.OwnerID,
		Prompt:   claimed.Prompt,
		Template: tmpl,
	})
	if ctx.Err() != nil {
		logger.Warn().Msg("worker: delivery connection closed before the run finished")
	}
	return c.finalize(runCtx, logger, claimed, result, runErr)
}

func (c *Claimer) finalize(ctx context.Context, logger zerolog.Logger, job *domain.Job, result pipeline.Result, runErr error) (Outcome, error) {
	if runErr == nil {
		done, err := c.jobs.Transition(ctx, job.ID, domain.JobStatusProcessing, domain.JobStatusCompleted, result.Location)
		if errors.Is(err, domain.ErrConflict) && done != nil {
			logger.Warn().Str("status", string(done.Status)).Str("location", result.Location).Msg("worker: job left PROCESSING during the run, result discarded")
			return noopFor(done), nil
		}
		if err != nil {
			return Outcome{}, fmt.Errorf("complete job: %w", err)
		}
		logger.Info().Str("location", result.Location).Bool("degraded", result.Degraded).Msg("worker: job completed")
		return Outcome{JobID: done.ID, Status: done.Status, Location: done.ResultLocation, Degraded: result.Degraded}, nil
	}

	var stage string
	var se *pipeline.StageError
	if errors.As(runErr, &se) {
		stage = se.Stage
	}
	logger.Error().Err(runErr).Str("stage", stage).Msg("worker: pipeline failed")

	failed, err := c.jobs.Transition(ctx, job.ID, domain.JobStatusProcessing, domain.JobStatusFailed, "")
	if errors.Is(err, domain.ErrConflict) && failed != nil {
		logger.Warn().Str("status", string(failed.Status)).Msg("worker: job left PROCESSING during the run")
		return noopFor(failed), nil
	}
	if err != nil {
		return Outcome{}, fmt.Errorf("mark job failed: %w (pipeline: %v)", err, runErr)
	}
	if c.policy == FailedPolicyRetry {
		return Outcome{}, fmt.Errorf("pipeline: %w", runErr)
	}
	return Outcome{JobID: failed.ID, Status: failed.Status, Note: NoteFailed}, nil
}

func noop(job *domain.Job, note string) Outcome {
	return Outcome{JobID: job.ID, Status: job.Status, Note: note, Location: job.ResultLocation}
}

func noopFor(job *domain.Job) Outcome {
	switch job.Status {
	case domain.JobStatusCompleted:
		return noop(job, NoteAlreadyCompleted)
	case domain.JobStatusFailed:
		return noop(job, NoteAlreadyFailed)
	default:
		return noop(job, NoteAlreadyProcessing)
	}
}
