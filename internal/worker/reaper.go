package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"manifestme/internal/domain"
	"manifestme/internal/infra"
)

// Reaper fails jobs that have been PROCESSING for longer than staleAfter,
// which only happens when the worker executing them died.
type Reaper struct {
	jobs       domain.JobRepository
	staleAfter time.Duration
	batch      int
	logger     *infra.Logger
	now        func() time.Time
	cron       *cron.Cron
}

func NewReaper(jobs domain.JobRepository, staleAfter time.Duration, logger *infra.Logger) *Reaper {
	if logger == nil {
		l := infra.Logger(zerolog.Nop())
		logger = &l
	}
	return &Reaper{jobs: jobs, staleAfter: staleAfter, batch: 100, logger: logger, now: time.Now}
}

// Sweep transitions one batch of stale jobs to FAILED and returns how many
// it moved. Jobs finishing concurrently are skipped.
func (r *Reaper) Sweep(ctx context.Context) (int, error) {
	stale, err := r.jobs.ListStale(ctx, domain.JobStatusProcessing, r.now().Add(-r.staleAfter), r.batch)
	if err != nil {
		return 0, fmt.Errorf("list stale jobs: %w", err)
	}
	moved := 0
	for _, job := range stale {
		_, err := r.jobs.Transition(ctx, job.ID, domain.JobStatusProcessing, domain.JobStatusFailed, "")
		if errors.Is(err, domain.ErrConflict) {
			continue
		}
		if err != nil {
			return moved, fmt.Errorf("fail stale job %s: %w", job.ID, err)
		}
		r.logger.Warn().Str("job_id", job.ID).Time("updated_at", job.UpdatedAt).Msg("reaper: stale job marked failed")
		moved++
	}
	return moved, nil
}

// Start runs Sweep on schedule (standard cron or "@every 5m") until Stop.
func (r *Reaper) Start(schedule string) error {
	log := cronLogger{r.logger}
	c := cron.New(cron.WithLogger(log), cron.WithChain(cron.Recover(log), cron.SkipIfStillRunning(log)))
	_, err := c.AddFunc(schedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		if n, err := r.Sweep(ctx); err != nil {
			r.logger.Error().Err(err).Msg("reaper: sweep failed")
		} else if n > 0 {
			r.logger.Info().Int("count", n).Msg("reaper: sweep done")
		}
	})
	if err != nil {
		return fmt.Errorf("reaper schedule %q: %w", schedule, err)
	}
	r.cron = c
	c.Start()
	return nil
}

// Stop halts the schedule and returns a context done when a running sweep
// has finished.
func (r *Reaper) Stop() context.Context {
	if r.cron == nil {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		return ctx
	}
	return r.cron.Stop()
}

// cronLogger routes cron's logging through zerolog.
type cronLogger struct {
	l *infra.Logger
}

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.l.Debug().Fields(keysAndValues).Msg("cron: " + msg)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.l.Error().Err(err).Fields(keysAndValues).Msg("cron: " + msg)
}
