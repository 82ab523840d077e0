package queue

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"manifestme/internal/backoff"
	"manifestme/internal/infra"
)

// Delivery is the relay's verdict for one attempt.
type Delivery int

const (
	DeliveryAck Delivery = iota
	DeliveryDrop
	DeliveryRetry
)

func (d Delivery) String() string {
	switch d {
	case DeliveryAck:
		return "ack"
	case DeliveryDrop:
		return "drop"
	default:
		return "retry"
	}
}

// RelayOptions configures a Relay.
type RelayOptions struct {
	Concurrency  int
	RatePerSec   float64
	MaxAttempts  int
	PollTimeout  time.Duration
	PromoteEvery time.Duration
	// HeartbeatTTL bounds how long a dead relay's in-flight tasks wait
	// before a peer requeues them.
	HeartbeatTTL time.Duration
	Backoff      backoff.Exponential
	HTTPClient   *http.Client
	Logger       *infra.Logger
}

type relayQueue interface {
	Dequeue(ctx context.Context, timeout time.Duration) (*Task, error)
	Ack(ctx context.Context, task Task) error
	Retry(ctx context.Context, task Task, delay time.Duration) error
	PromoteDue(ctx context.Context, now time.Time) (int, error)
	DeadLetter(ctx context.Context, task Task) error
	Heartbeat(ctx context.Context, ttl time.Duration) error
	RequeueInFlight(ctx context.Context) (int, error)
	RecoverOrphans(ctx context.Context) (int, error)
}

// Relay pops tasks and POSTs their payload to the task endpoint, giving
// at-least-once delivery: a task leaves the queue for good only on a 2xx or
// a permanent rejection. Tasks held by a relay that dies mid-delivery are
// requeued by the next relay to start or by a live peer.
type Relay struct {
	queue        relayQueue
	client       *http.Client
	limiter      *rate.Limiter
	backoff      backoff.Exponential
	maxAttempts  int
	concurrency  int
	pollTimeout  time.Duration
	promoteEvery time.Duration
	heartbeatTTL time.Duration
	logger       *infra.Logger
}

func NewRelay(q relayQueue, opts RelayOptions) *Relay {
	r := &Relay{
		queue:        q,
		client:       opts.HTTPClient,
		backoff:      opts.Backoff,
		maxAttempts:  opts.MaxAttempts,
		concurrency:  opts.Concurrency,
		pollTimeout:  opts.PollTimeout,
		promoteEvery: opts.PromoteEvery,
		heartbeatTTL: opts.HeartbeatTTL,
		logger:       opts.Logger,
	}
	if r.client == nil {
		// the callback runs the whole pipeline before answering
		r.client = &http.Client{Timeout: 30 * time.Minute}
	}
	limit := rate.Inf
	if opts.RatePerSec > 0 {
		limit = rate.Limit(opts.RatePerSec)
	}
	r.limiter = rate.NewLimiter(limit, max(1, int(opts.RatePerSec)))
	if r.backoff.Initial <= 0 {
		r.backoff = backoff.Exponential{Initial: 5 * time.Second, Max: 5 * time.Minute, Jitter: true}
	}
	if r.maxAttempts <= 0 {
		r.maxAttempts = 5
	}
	if r.concurrency <= 0 {
		r.concurrency = 1
	}
	if r.pollTimeout <= 0 {
		r.pollTimeout = 5 * time.Second
	}
	if r.promoteEvery <= 0 {
		r.promoteEvery = time.Second
	}
	if r.heartbeatTTL <= 0 {
		r.heartbeatTTL = 30 * time.Second
	}
	if r.logger == nil {
		l := infra.Logger(zerolog.Nop())
		r.logger = &l
	}
	return r
}

// Run registers the relay, requeues anything left in flight and consumes
// until ctx is cancelled.
func (r *Relay) Run(ctx context.Context) error {
	if err := r.queue.Heartbeat(ctx, r.heartbeatTTL); err != nil {
		return err
	}
	if n, err := r.queue.RequeueInFlight(ctx); err != nil {
		return err
	} else if n > 0 {
		r.logger.Warn().Int("count", n).Msg("relay: requeued tasks left in flight by a previous run")
	}
	r.recoverOrphans(ctx)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return r.promoteLoop(ctx) })
	g.Go(func() error { return r.heartbeatLoop(ctx) })
	for i := 0; i < r.concurrency; i++ {
		worker := i
		g.Go(func() error { return r.consume(ctx, worker) })
	}
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (r *Relay) promoteLoop(ctx context.Context) error {
	ticker := time.NewTicker(r.promoteEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-ticker.C:
			if n, err := r.queue.PromoteDue(ctx, now); err != nil {
				r.logger.Error().Err(err).Msg("relay: promote delayed tasks")
			} else if n > 0 {
				r.logger.Debug().Int("count", n).Msg("relay: promoted delayed tasks")
			}
		}
	}
}

func (r *Relay) heartbeatLoop(ctx context.Context) error {
	ticker := time.NewTicker(r.heartbeatTTL / 3)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := r.queue.Heartbeat(ctx, r.heartbeatTTL); err != nil {
				r.logger.Error().Err(err).Msg("relay: heartbeat failed")
				continue
			}
			r.recoverOrphans(ctx)
		}
	}
}

func (r *Relay) recoverOrphans(ctx context.Context) {
	n, err := r.queue.RecoverOrphans(ctx)
	if err != nil {
		r.logger.Error().Err(err).Msg("relay: recover orphaned tasks")
	}
	if n > 0 {
		r.logger.Warn().Int("count", n).Msg("relay: requeued tasks of a dead relay")
	}
}

func (r *Relay) consume(ctx context.Context, worker int) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		task, err := r.queue.Dequeue(ctx, r.pollTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			r.logger.Error().Err(err).Int("worker", worker).Msg("relay: dequeue failed")
			if err := backoff.Sleep(ctx, time.Second); err != nil {
				return err
			}
			continue
		}
		if task == nil {
			continue
		}
		if err := r.limiter.Wait(ctx); err != nil {
			// put it back so a cancelled relay does not lose the task
			_ = r.queue.Retry(context.WithoutCancel(ctx), *task, 0)
			return err
		}
		r.Handle(ctx, *task)
	}
}

// Handle delivers one task and settles it: acked and dropped tasks are
// finished, retryable ones are rescheduled or dead-lettered once out of
// attempts.
func (r *Relay) Handle(ctx context.Context, task Task) Delivery {
	task.Attempt++
	logger := r.logger.With().Str("task", task.DedupName).Int("attempt", task.Attempt).Logger()

	verdict, err := r.deliver(ctx, task)
	settle := context.WithoutCancel(ctx)
	switch verdict {
	case DeliveryAck:
		logger.Info().Msg("relay: task delivered")
		r.ack(settle, logger, task)
		return verdict
	case DeliveryDrop:
		logger.Warn().Err(err).Msg("relay: task rejected permanently")
		r.ack(settle, logger, task)
		return verdict
	}

	if task.Attempt >= r.maxAttempts {
		logger.Error().Err(err).Msg("relay: attempts exhausted, dead-lettering")
		if dlErr := r.queue.DeadLetter(settle, task); dlErr != nil {
			logger.Error().Err(dlErr).Msg("relay: dead-letter failed")
		}
		return DeliveryDrop
	}
	delay := r.backoff.Delay(task.Attempt)
	logger.Warn().Err(err).Dur("retry_in", delay).Msg("relay: delivery failed, will retry")
	if rErr := r.queue.Retry(settle, task, delay); rErr != nil {
		logger.Error().Err(rErr).Msg("relay: reschedule failed")
	}
	return verdict
}

func (r *Relay) ack(ctx context.Context, logger zerolog.Logger, task Task) {
	if err := r.queue.Ack(ctx, task); err != nil {
		// the task stays in flight and is delivered again after a restart
		logger.Error().Err(err).Msg("relay: ack failed")
	}
}

func (r *Relay) deliver(ctx context.Context, task Task) (Delivery, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, task.Endpoint, bytes.NewReader(task.Payload))
	if err != nil {
		return DeliveryDrop, fmt.Errorf("relay: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if task.AuthToken != "" {
		req.Header.Set("Authorization", "Bearer "+task.AuthToken)
	}
	req.Header.Set("X-Task-Name", task.DedupName)
	req.Header.Set("X-Task-Attempt", strconv.Itoa(task.Attempt))

	resp, err := r.client.Do(req)
	if err != nil {
		return DeliveryRetry, fmt.Errorf("relay: post: %w", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	return classify(resp.StatusCode), fmt.Errorf("relay: status %d: %s", resp.StatusCode, bytes.TrimSpace(body))
}

func classify(status int) Delivery {
	switch {
	case status >= 200 && status < 300:
		return DeliveryAck
	case status == http.StatusBadRequest, status == http.StatusForbidden, status == http.StatusNotFound:
		return DeliveryDrop
	default:
		return DeliveryRetry
	}
}
