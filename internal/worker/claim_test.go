package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"manifestme/internal/adapter/repo"
	"manifestme/internal/domain"
	"manifestme/internal/middleware"
	"manifestme/internal/pipeline"
	"manifestme/internal/templates"
)

const testSecret = "worker-secret"

type fakeRunner struct {
	calls   atomic.Int32
	err     error
	gate    chan struct{}
	lastRun pipeline.Execution
	mu      sync.Mutex
}

func (r *fakeRunner) Run(ctx context.Context, exec pipeline.Execution) (pipeline.Result, error) {
	r.calls.Add(1)
	r.mu.Lock()
	r.lastRun = exec
	r.mu.Unlock()
	if r.gate != nil {
		<-r.gate
	}
	if r.err != nil {
		return pipeline.Result{}, r.err
	}
	return pipeline.Result{Location: "users/" + exec.OwnerID + "/videos/manifest_1_" + exec.JobID + ".mp4"}, nil
}

func callbackToken(t *testing.T, jobID string) string {
	t.Helper()
	tok, err := middleware.SignJWT(testSecret, middleware.TokenClaims{
		Sub:      jobID,
		Audience: middleware.AudienceCallback,
		Exp:      time.Now().Add(time.Hour).Unix(),
	})
	if err != nil {
		t.Fatal(err)
	}
	return tok
}

func setup(t *testing.T, policy FailedPolicy) (*repo.MemoryJobRepository, *fakeRunner, *Claimer, *domain.Job) {
	t.Helper()
	jobs := repo.NewMemoryJobRepository()
	job, err := jobs.Create(context.Background(), "owner-1", "beach vacation")
	if err != nil {
		t.Fatal(err)
	}
	runner := &fakeRunner{}
	return jobs, runner, NewClaimer(jobs, runner, testSecret, policy, nil), job
}

func payloadFor(job *domain.Job) domain.TaskPayload {
	return domain.TaskPayload{JobID: job.ID, TemplateName: templates.Beach, OwnerID: job.OwnerID}
}

func TestHandleRunsPendingJobToCompletion(t *testing.T) {
	jobs, runner, c, job := setup(t, FailedPolicyTerminal)

	out, err := c.Handle(context.Background(), callbackToken(t, job.ID), payloadFor(job))
	if err != nil {
		t.Fatalf("Handle() error: %v", err)
	}
	if out.Note != "" || out.Status != domain.JobStatusCompleted || out.Location == "" {
		t.Fatalf("outcome = %+v", out)
	}
	stored, _ := jobs.Get(context.Background(), job.ID, "")
	if stored.Status != domain.JobStatusCompleted || stored.ResultLocation != out.Location {
		t.Fatalf("stored job = %+v", stored)
	}
	if runner.lastRun.Template.Name != templates.Beach || runner.lastRun.Prompt != "beach vacation" {
		t.Fatalf("execution = %+v", runner.lastRun)
	}

	again, err := c.Handle(context.Background(), callbackToken(t, job.ID), payloadFor(job))
	if err != nil || again.Note != NoteAlreadyCompleted {
		t.Fatalf("redelivery = %+v, %v", again, err)
	}
	if runner.calls.Load() != 1 {
		t.Fatalf("runner calls = %d, want 1", runner.calls.Load())
	}
}

func TestHandleRejectsBadTokens(t *testing.T) {
	jobs, runner, c, job := setup(t, FailedPolicyTerminal)
	userToken, _ := middleware.SignJWT(testSecret, middleware.TokenClaims{Sub: job.ID, Audience: middleware.AudienceAPI})
	otherJob, _ := middleware.SignJWT(testSecret, middleware.TokenClaims{Sub: "another", Audience: middleware.AudienceCallback})
	wrongSecret, _ := middleware.SignJWT("nope", middleware.TokenClaims{Sub: job.ID, Audience: middleware.AudienceCallback})

	for name, tok := range map[string]string{"empty": "", "user audience": userToken, "other job": otherJob, "wrong secret": wrongSecret} {
		t.Run(name, func(t *testing.T) {
			if _, err := c.Handle(context.Background(), tok, payloadFor(job)); !errors.Is(err, domain.ErrForbidden) {
				t.Fatalf("error = %v, want ErrForbidden", err)
			}
		})
	}
	stored, _ := jobs.Get(context.Background(), job.ID, "")
	if stored.Status != domain.JobStatusPending || runner.calls.Load() != 0 {
		t.Fatalf("state changed on forbidden delivery: %+v", stored)
	}
}

func TestHandleUnknownJob(t *testing.T) {
	_, _, c, _ := setup(t, FailedPolicyTerminal)
	p := domain.TaskPayload{JobID: "missing", TemplateName: templates.Beach}
	if _, err := c.Handle(context.Background(), callbackToken(t, "missing"), p); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("error = %v, want ErrNotFound", err)
	}
}

func TestHandleConcurrentDeliveriesRunOnce(t *testing.T) {
	jobs, runner, c, job := setup(t, FailedPolicyTerminal)
	runner.gate = make(chan struct{})
	tok := callbackToken(t, job.ID)

	const deliveries = 8
	var wg sync.WaitGroup
	notes := make(chan string, deliveries)
	errs := make(chan error, deliveries)
	for i := 0; i < deliveries; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			out, err := c.Handle(context.Background(), tok, payloadFor(job))
			if err != nil {
				errs <- err
				return
			}
			notes <- out.Note
		}()
	}

	// let the losers observe PROCESSING before releasing the winner
	deadline := time.Now().Add(2 * time.Second)
	for runner.calls.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	for len(notes) < deliveries-1 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	close(runner.gate)
	wg.Wait()
	close(notes)
	close(errs)

	for err := range errs {
		t.Fatalf("delivery error: %v", err)
	}
	if runner.calls.Load() != 1 {
		t.Fatalf("pipeline ran %d times, want 1", runner.calls.Load())
	}
	completed, noops := 0, 0
	for n := range notes {
		switch n {
		case "":
			completed++
		case NoteAlreadyProcessing, NoteAlreadyCompleted:
			noops++
		default:
			t.Fatalf("unexpected note %q", n)
		}
	}
	if completed != 1 || noops != deliveries-1 {
		t.Fatalf("completed=%d noops=%d", completed, noops)
	}
	stored, _ := jobs.Get(context.Background(), job.ID, "")
	if stored.Status != domain.JobStatusCompleted {
		t.Fatalf("final status = %s", stored.Status)
	}
}

func TestHandleFailureUnderTerminalPolicy(t *testing.T) {
	jobs, runner, c, job := setup(t, FailedPolicyTerminal)
	runner.err = &pipeline.StageError{Stage: pipeline.StageComposition, Err: domain.ErrCompositionFailed}

	out, err := c.Handle(context.Background(), callbackToken(t, job.ID), payloadFor(job))
	if err != nil {
		t.Fatalf("terminal policy should acknowledge, got %v", err)
	}
	if out.Note != NoteFailed || out.Status != domain.JobStatusFailed {
		t.Fatalf("outcome = %+v", out)
	}
	stored, _ := jobs.Get(context.Background(), job.ID, "")
	if stored.Status != domain.JobStatusFailed || stored.HasResult() {
		t.Fatalf("stored = %+v", stored)
	}

	runner.err = nil
	again, err := c.Handle(context.Background(), callbackToken(t, job.ID), payloadFor(job))
	if err != nil || again.Note != NoteAlreadyFailed {
		t.Fatalf("redelivery = %+v, %v", again, err)
	}
	if runner.calls.Load() != 1 {
		t.Fatalf("runner calls = %d, want 1", runner.calls.Load())
	}
}

func TestHandleFailureUnderRetryPolicy(t *testing.T) {
	jobs, runner, c, job := setup(t, FailedPolicyRetry)
	runner.err = &pipeline.StageError{Stage: pipeline.StageUpload, Err: domain.ErrUploadFailed}

	_, err := c.Handle(context.Background(), callbackToken(t, job.ID), payloadFor(job))
	if !errors.Is(err, domain.ErrUploadFailed) {
		t.Fatalf("retry policy error = %v, want ErrUploadFailed", err)
	}
	stored, _ := jobs.Get(context.Background(), job.ID, "")
	if stored.Status != domain.JobStatusFailed {
		t.Fatalf("status after failure = %s", stored.Status)
	}

	runner.err = nil
	out, err := c.Handle(context.Background(), callbackToken(t, job.ID), payloadFor(job))
	if err != nil || out.Status != domain.JobStatusCompleted {
		t.Fatalf("retried delivery = %+v, %v", out, err)
	}
	if runner.calls.Load() != 2 {
		t.Fatalf("runner calls = %d, want 2", runner.calls.Load())
	}
}

func TestHandleUnknownTemplateFallsBackToPrompt(t *testing.T) {
	_, runner, c, job := setup(t, FailedPolicyTerminal)
	p := payloadFor(job)
	p.TemplateName = "mars-colony"
	if _, err := c.Handle(context.Background(), callbackToken(t, job.ID), p); err != nil {
		t.Fatal(err)
	}
	if runner.lastRun.Template.Name != templates.Beach {
		t.Fatalf("template = %q, want reselected beach", runner.lastRun.Template.Name)
	}
}

func TestHandleUsesStoredOwner(t *testing.T) {
	_, runner, c, job := setup(t, FailedPolicyTerminal)
	p := payloadFor(job)
	p.OwnerID = "someone-else"
	if _, err := c.Handle(context.Background(), callbackToken(t, job.ID), p); err != nil {
		t.Fatal(err)
	}
	if runner.lastRun.OwnerID != "owner-1" {
		t.Fatalf("owner = %q, want stored owner", runner.lastRun.OwnerID)
	}
}

func TestParseFailedPolicy(t *testing.T) {
	for in, want := range map[string]FailedPolicy{"": FailedPolicyTerminal, "Retry": FailedPolicyRetry, "terminal": FailedPolicyTerminal} {
		if got, err := ParseFailedPolicy(in); err != nil || got != want {
			t.Fatalf("ParseFailedPolicy(%q) = %q, %v", in, got, err)
		}
	}
	if _, err := ParseFailedPolicy("sometimes"); err == nil {
		t.Fatal("expected error")
	}
}

// blockingRunner waits for release and gives up early when its own context
// ends, like a generation poll would.
type blockingRunner struct {
	started chan struct{}
	release chan struct{}
}

func (r *blockingRunner) Run(ctx context.Context, exec pipeline.Execution) (pipeline.Result, error) {
	close(r.started)
	select {
	case <-r.release:
		return pipeline.Result{Location: "users/" + exec.OwnerID + "/videos/manifest_1_" + exec.JobID + ".mp4"}, nil
	case <-ctx.Done():
		return pipeline.Result{}, &pipeline.StageError{Stage: pipeline.StageGeneration, Err: ctx.Err()}
	}
}

func TestHandleSurvivesDroppedDelivery(t *testing.T) {
	jobs := repo.NewMemoryJobRepository()
	job, err := jobs.Create(context.Background(), "owner-1", "beach vacation")
	if err != nil {
		t.Fatal(err)
	}
	runner := &blockingRunner{started: make(chan struct{}), release: make(chan struct{})}
	c := NewClaimer(jobs, runner, testSecret, FailedPolicyTerminal, nil)

	ctx, cancel := context.WithCancel(context.Background())
	type result struct {
		out Outcome
		err error
	}
	done := make(chan result, 1)
	go func() {
		out, err := c.Handle(ctx, callbackToken(t, job.ID), payloadFor(job))
		done <- result{out, err}
	}()

	<-runner.started
	cancel()
	select {
	case r := <-done:
		t.Fatalf("run ended with the delivery connection: %+v, %v", r.out, r.err)
	case <-time.After(50 * time.Millisecond):
	}
	close(runner.release)

	r := <-done
	if r.err != nil || r.out.Status != domain.JobStatusCompleted {
		t.Fatalf("outcome = %+v, %v", r.out, r.err)
	}
	stored, _ := jobs.Get(context.Background(), job.ID, "")
	if stored.Status != domain.JobStatusCompleted || !stored.HasResult() {
		t.Fatalf("stored = %+v", stored)
	}
}

func TestHandleJobReapedDuringRun(t *testing.T) {
	for _, tc := range []struct {
		name   string
		runErr error
	}{
		{"run succeeds", nil},
		{"run fails", &pipeline.StageError{Stage: pipeline.StageUpload, Err: domain.ErrUploadFailed}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			jobs, runner, c, job := setup(t, FailedPolicyRetry)
			runner.gate = make(chan struct{})
			runner.err = tc.runErr

			done := make(chan error, 1)
			var out Outcome
			go func() {
				var err error
				out, err = c.Handle(context.Background(), callbackToken(t, job.ID), payloadFor(job))
				done <- err
			}()

			deadline := time.Now().Add(2 * time.Second)
			for runner.calls.Load() == 0 && time.Now().Before(deadline) {
				time.Sleep(time.Millisecond)
			}
			if _, err := jobs.Transition(context.Background(), job.ID, domain.JobStatusProcessing, domain.JobStatusFailed, ""); err != nil {
				t.Fatalf("reap: %v", err)
			}
			close(runner.gate)

			if err := <-done; err != nil {
				t.Fatalf("Handle() error: %v", err)
			}
			if out.Note != NoteAlreadyFailed {
				t.Fatalf("outcome = %+v", out)
			}
			stored, _ := jobs.Get(context.Background(), job.ID, "")
			if stored.Status != domain.JobStatusFailed || stored.HasResult() {
				t.Fatalf("stored = %+v", stored)
			}
		})
	}
}
