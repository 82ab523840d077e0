package queue

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"manifestme/internal/backoff"
)

type recordingQueue struct {
	mu         sync.Mutex
	ready      []Task
	acked      []Task
	retried    []Task
	delays     []time.Duration
	dead       []Task
	heartbeats int
	requeued   int
	recovered  int
}

func (q *recordingQueue) Dequeue(ctx context.Context, _ time.Duration) (*Task, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.ready) == 0 {
		time.Sleep(time.Millisecond)
		return nil, ctx.Err()
	}
	t := q.ready[0]
	q.ready = q.ready[1:]
	return &t, nil
}

func (q *recordingQueue) Retry(_ context.Context, task Task, delay time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.retried = append(q.retried, task)
	q.delays = append(q.delays, delay)
	return nil
}

func (q *recordingQueue) Ack(_ context.Context, task Task) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.acked = append(q.acked, task)
	return nil
}

func (q *recordingQueue) PromoteDue(context.Context, time.Time) (int, error) { return 0, nil }

func (q *recordingQueue) Heartbeat(context.Context, time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.heartbeats++
	return nil
}

func (q *recordingQueue) RequeueInFlight(context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.requeued++
	return 0, nil
}

func (q *recordingQueue) RecoverOrphans(context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.recovered++
	return 0, nil
}

func (q *recordingQueue) DeadLetter(_ context.Context, task Task) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.dead = append(q.dead, task)
	return nil
}

func TestRelayHandleClassifiesResponses(t *testing.T) {
	tests := []struct {
		name        string
		status      int
		attempt     int
		want        Delivery
		wantAcked   int
		wantRetried int
		wantDead    int
	}{
		{"ack", http.StatusOK, 0, DeliveryAck, 1, 0, 0},
		{"forbidden drops", http.StatusForbidden, 0, DeliveryDrop, 1, 0, 0},
		{"not found drops", http.StatusNotFound, 0, DeliveryDrop, 1, 0, 0},
		{"server error retries", http.StatusInternalServerError, 0, DeliveryRetry, 0, 1, 0},
		{"exhausted dead-letters", http.StatusInternalServerError, 2, DeliveryDrop, 0, 0, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var gotAuth, gotName, gotAttempt, gotBody string
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				gotAuth = r.Header.Get("Authorization")
				gotName = r.Header.Get("X-Task-Name")
				gotAttempt = r.Header.Get("X-Task-Attempt")
				b, _ := io.ReadAll(r.Body)
				gotBody = string(b)
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()

			q := &recordingQueue{}
			relay := NewRelay(q, RelayOptions{
				MaxAttempts: 3,
				Backoff:     backoff.NewExponential(time.Second, time.Minute),
			})
			task := sampleTask("video-j1")
			task.Endpoint = srv.URL
			task.Attempt = tt.attempt

			if got := relay.Handle(context.Background(), task); got != tt.want {
				t.Fatalf("Handle() = %v, want %v", got, tt.want)
			}
			if gotAuth != "Bearer token" || gotName != "video-j1" || gotBody != `{"job_id":"j1"}` {
				t.Fatalf("request auth=%q name=%q body=%q", gotAuth, gotName, gotBody)
			}
			if gotAttempt != "1" && tt.attempt == 0 {
				t.Fatalf("attempt header = %q, want 1", gotAttempt)
			}
			if len(q.acked) != tt.wantAcked || len(q.retried) != tt.wantRetried || len(q.dead) != tt.wantDead {
				t.Fatalf("acked=%d retried=%d dead=%d", len(q.acked), len(q.retried), len(q.dead))
			}
			if tt.wantRetried == 1 && (q.retried[0].Attempt != 1 || q.delays[0] != time.Second) {
				t.Fatalf("retry task=%+v delay=%v", q.retried[0], q.delays[0])
			}
		})
	}
}

func TestRelayRetriesUnreachableEndpoint(t *testing.T) {
	q := &recordingQueue{}
	relay := NewRelay(q, RelayOptions{MaxAttempts: 5})
	task := sampleTask("video-j1")
	task.Endpoint = "http://127.0.0.1:1/unreachable"
	if got := relay.Handle(context.Background(), task); got != DeliveryRetry {
		t.Fatalf("Handle() = %v, want retry", got)
	}
	if len(q.retried) != 1 {
		t.Fatalf("retried = %d", len(q.retried))
	}
}

func TestRelayRunDeliversAndStops(t *testing.T) {
	var mu sync.Mutex
	delivered := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		delivered++
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	q := &recordingQueue{}
	for _, name := range []string{"video-a", "video-b", "video-c"} {
		task := sampleTask(name)
		task.Endpoint = srv.URL
		q.ready = append(q.ready, task)
	}
	relay := NewRelay(q, RelayOptions{Concurrency: 2, RatePerSec: 100, PollTimeout: 10 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- relay.Run(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		q.mu.Lock()
		n := len(q.acked)
		q.mu.Unlock()
		if n == 3 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if delivered != 3 {
		t.Fatalf("delivered = %d, want 3", delivered)
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.acked) != 3 {
		t.Fatalf("acked = %d, want 3", len(q.acked))
	}
	if q.heartbeats == 0 || q.requeued != 1 || q.recovered == 0 {
		t.Fatalf("startup heartbeats=%d requeued=%d recovered=%d", q.heartbeats, q.requeued, q.recovered)
	}
}
