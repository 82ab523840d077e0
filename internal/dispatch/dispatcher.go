// Package dispatch hands claimed-to-be-run jobs to the task queue.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"manifestme/internal/domain"
	"manifestme/internal/middleware"
	"manifestme/internal/queue"
)

// TaskQueue accepts tasks for asynchronous delivery.
type TaskQueue interface {
	Enqueue(ctx context.Context, task queue.Task) error
}

// Dispatcher enqueues one task per job. The task is named after the job so
// repeated enqueues for the same job collapse into one delivery, and it
// carries a signed token the worker callback verifies.
type Dispatcher struct {
	queue    TaskQueue
	endpoint string
	secret   string
	tokenTTL time.Duration
	now      func() time.Time
}

func NewDispatcher(q TaskQueue, endpoint, secret string, tokenTTL time.Duration) *Dispatcher {
	if tokenTTL <= 0 {
		tokenTTL = 24 * time.Hour
	}
	return &Dispatcher{queue: q, endpoint: endpoint, secret: secret, tokenTTL: tokenTTL, now: time.Now}
}

// DedupName is the task name for jobID.
func DedupName(jobID string) string {
	return "video-" + jobID
}

// Enqueue submits the task for jobID. A task already queued under the same
// name counts as success. Every other failure wraps domain.ErrDispatchFailed.
func (d *Dispatcher) Enqueue(ctx context.Context, jobID, templateName, ownerID string) error {
	payload, err := json.Marshal(domain.TaskPayload{JobID: jobID, TemplateName: templateName, OwnerID: ownerID})
	if err != nil {
		return fmt.Errorf("%w: encode payload: %v", domain.ErrDispatchFailed, err)
	}
	now := d.now()
	token, err := middleware.SignJWT(d.secret, middleware.TokenClaims{
		Sub:      jobID,
		Audience: middleware.AudienceCallback,
		IssuedAt: now.Unix(),
		Exp:      now.Add(d.tokenTTL).Unix(),
	})
	if err != nil {
		return fmt.Errorf("%w: sign callback token: %v", domain.ErrDispatchFailed, err)
	}
	err = d.queue.Enqueue(ctx, queue.Task{
		DedupName: DedupName(jobID),
		Endpoint:  d.endpoint,
		AuthToken: token,
		Payload:   payload,
	})
	if err == nil || errors.Is(err, queue.ErrDuplicateTask) {
		return nil
	}
	return fmt.Errorf("%w: %v", domain.ErrDispatchFailed, err)
}
