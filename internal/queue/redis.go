// Package queue is a Redis-backed task queue with named-task deduplication
// and the relay that delivers tasks to their HTTP endpoint.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrDuplicateTask is returned by Enqueue when a task with the same dedup
// name was accepted within the dedup window.
var ErrDuplicateTask = errors.New("queue: duplicate task")

// Task is the envelope stored in Redis.
type Task struct {
	DedupName string          `json:"dedup_name"`
	Endpoint  string          `json:"endpoint"`
	AuthToken string          `json:"auth_token"`
	Payload   json.RawMessage `json:"payload"`
	Attempt   int             `json:"attempt"`

	// raw is the exact list entry the task was dequeued as.
	raw string
}

// redisClient is the subset of *redis.Client used by RedisQueue.
type redisClient interface {
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
	Exists(ctx context.Context, keys ...string) *redis.IntCmd
	RPush(ctx context.Context, key string, values ...interface{}) *redis.IntCmd
	BLMove(ctx context.Context, source, destination, srcpos, destpos string, timeout time.Duration) *redis.StringCmd
	LMove(ctx context.Context, source, destination, srcpos, destpos string) *redis.StringCmd
	LRem(ctx context.Context, key string, count int64, value interface{}) *redis.IntCmd
	ZAdd(ctx context.Context, key string, members ...redis.Z) *redis.IntCmd
	SAdd(ctx context.Context, key string, members ...interface{}) *redis.IntCmd
	SMembers(ctx context.Context, key string) *redis.StringSliceCmd
	SRem(ctx context.Context, key string, members ...interface{}) *redis.IntCmd
	Eval(ctx context.Context, script string, keys []string, args ...interface{}) *redis.Cmd
}

// promoteDueScript moves due members of the delayed set onto the ready list
// in one step, so a crash never drops a task between the two keys.
const promoteDueScript = `
local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, ARGV[2])
for _, m in ipairs(due) do
  redis.call('ZREM', KEYS[1], m)
  redis.call('RPUSH', KEYS[2], m)
end
return #due
`

// RedisQueue stores ready tasks in a list at key, delayed retries in the
// sorted set key:delayed and exhausted tasks in the list key:dead. A
// dequeued task sits in the consumer's key:processing:<consumer> list until
// it is settled, and returns to the ready list if that consumer dies.
type RedisQueue struct {
	rdb      redisClient
	key      string
	dedupTTL time.Duration
	consumer string
}

func NewRedisQueue(rdb redisClient, key string, dedupTTL time.Duration) *RedisQueue {
	if dedupTTL <= 0 {
		dedupTTL = 24 * time.Hour
	}
	return &RedisQueue{rdb: rdb, key: key, dedupTTL: dedupTTL, consumer: DefaultConsumerID()}
}

// DefaultConsumerID is unique per process on a host.
func DefaultConsumerID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "relay"
	}
	return host + "-" + strconv.Itoa(os.Getpid())
}

// WithConsumer returns a copy of q that dequeues as consumer.
func (q *RedisQueue) WithConsumer(consumer string) *RedisQueue {
	c := *q
	if consumer != "" {
		c.consumer = consumer
	}
	return &c
}

// Consumer is the id in-flight tasks are tracked under.
func (q *RedisQueue) Consumer() string { return q.consumer }

func (q *RedisQueue) dedupKey(name string) string {
	return q.key + ":dedup:" + name
}

func (q *RedisQueue) processingKey(consumer string) string {
	return q.key + ":processing:" + consumer
}

func (q *RedisQueue) aliveKey(consumer string) string {
	return q.key + ":alive:" + consumer
}

func (q *RedisQueue) delayedKey() string   { return q.key + ":delayed" }
func (q *RedisQueue) deadKey() string      { return q.key + ":dead" }
func (q *RedisQueue) consumersKey() string { return q.key + ":consumers" }

// Enqueue pushes task unless its dedup name is already claimed.
func (q *RedisQueue) Enqueue(ctx context.Context, task Task) error {
	if task.DedupName != "" {
		ok, err := q.rdb.SetNX(ctx, q.dedupKey(task.DedupName), time.Now().Unix(), q.dedupTTL).Result()
		if err != nil {
			return fmt.Errorf("queue: claim dedup name: %w", err)
		}
		if !ok {
			return fmt.Errorf("%w: %s", ErrDuplicateTask, task.DedupName)
		}
	}
	raw, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("queue: encode task: %w", err)
	}
	if err := q.rdb.RPush(ctx, q.key, raw).Err(); err != nil {
		if task.DedupName != "" {
			// release the name so the caller can retry the enqueue
			_ = q.rdb.Del(context.WithoutCancel(ctx), q.dedupKey(task.DedupName)).Err()
		}
		return fmt.Errorf("queue: push task: %w", err)
	}
	return nil
}

// Dequeue blocks up to timeout for the next ready task and moves it onto this
// consumer's processing list. It returns nil, nil when the wait times out.
// Every returned task must be settled with Ack, Retry or DeadLetter.
func (q *RedisQueue) Dequeue(ctx context.Context, timeout time.Duration) (*Task, error) {
	processing := q.processingKey(q.consumer)
	raw, err := q.rdb.BLMove(ctx, q.key, processing, "LEFT", "RIGHT", timeout).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var task Task
	if err := json.Unmarshal([]byte(raw), &task); err != nil {
		settle := context.WithoutCancel(ctx)
		if pErr := q.rdb.RPush(settle, q.deadKey(), raw).Err(); pErr == nil {
			_ = q.rdb.LRem(settle, processing, 1, raw).Err()
		}
		return nil, fmt.Errorf("queue: decode task: %w", err)
	}
	task.raw = raw
	return &task, nil
}

// Ack drops a settled task from the processing list.
func (q *RedisQueue) Ack(ctx context.Context, task Task) error {
	if task.raw == "" {
		return nil
	}
	if err := q.rdb.LRem(ctx, q.processingKey(q.consumer), 1, task.raw).Err(); err != nil {
		return fmt.Errorf("queue: ack task: %w", err)
	}
	return nil
}

// Retry schedules task to become ready again after delay. The task is added
// to the delayed set before it leaves the processing list; a crash in
// between causes a duplicate delivery, never a lost one.
func (q *RedisQueue) Retry(ctx context.Context, task Task, delay time.Duration) error {
	raw, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("queue: encode task: %w", err)
	}
	due := float64(time.Now().Add(delay).UnixMilli())
	if err := q.rdb.ZAdd(ctx, q.delayedKey(), redis.Z{Score: due, Member: string(raw)}).Err(); err != nil {
		return fmt.Errorf("queue: schedule retry: %w", err)
	}
	return q.Ack(ctx, task)
}

// PromoteDue moves delayed tasks whose time has come back onto the ready
// list, at most 100 per call.
func (q *RedisQueue) PromoteDue(ctx context.Context, now time.Time) (int, error) {
	n, err := q.rdb.Eval(ctx, promoteDueScript, []string{q.delayedKey(), q.key},
		strconv.FormatInt(now.UnixMilli(), 10), 100).Int()
	if err != nil {
		return 0, fmt.Errorf("queue: promote delayed: %w", err)
	}
	return n, nil
}

// DeadLetter parks a task that will not be delivered again.
func (q *RedisQueue) DeadLetter(ctx context.Context, task Task) error {
	raw, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("queue: encode task: %w", err)
	}
	if err := q.rdb.RPush(ctx, q.deadKey(), raw).Err(); err != nil {
		return fmt.Errorf("queue: dead-letter task: %w", err)
	}
	return q.Ack(ctx, task)
}

// Heartbeat marks this consumer alive for ttl and registers it so peers can
// recover its in-flight tasks once the mark lapses.
func (q *RedisQueue) Heartbeat(ctx context.Context, ttl time.Duration) error {
	if err := q.rdb.Set(ctx, q.aliveKey(q.consumer), time.Now().Unix(), ttl).Err(); err != nil {
		return fmt.Errorf("queue: heartbeat: %w", err)
	}
	if err := q.rdb.SAdd(ctx, q.consumersKey(), q.consumer).Err(); err != nil {
		return fmt.Errorf("queue: register consumer: %w", err)
	}
	return nil
}

// RequeueInFlight returns this consumer's own processing list to the ready
// queue. Call it only before consuming, to pick up tasks a previous process
// with the same id left behind.
func (q *RedisQueue) RequeueInFlight(ctx context.Context) (int, error) {
	return q.drain(ctx, q.consumer)
}

// RecoverOrphans requeues the processing lists of registered consumers whose
// heartbeat has lapsed and forgets those consumers.
func (q *RedisQueue) RecoverOrphans(ctx context.Context) (int, error) {
	consumers, err := q.rdb.SMembers(ctx, q.consumersKey()).Result()
	if err != nil {
		return 0, fmt.Errorf("queue: list consumers: %w", err)
	}
	total := 0
	for _, c := range consumers {
		if c == q.consumer {
			continue
		}
		alive, err := q.rdb.Exists(ctx, q.aliveKey(c)).Result()
		if err != nil {
			return total, fmt.Errorf("queue: check consumer %s: %w", c, err)
		}
		if alive > 0 {
			continue
		}
		n, err := q.drain(ctx, c)
		total += n
		if err != nil {
			return total, err
		}
		if err := q.rdb.SRem(ctx, q.consumersKey(), c).Err(); err != nil {
			return total, fmt.Errorf("queue: forget consumer %s: %w", c, err)
		}
	}
	return total, nil
}

// drain moves entries one at a time from the head of the ready list, oldest
// in-flight task first.
func (q *RedisQueue) drain(ctx context.Context, consumer string) (int, error) {
	n := 0
	for {
		err := q.rdb.LMove(ctx, q.processingKey(consumer), q.key, "RIGHT", "LEFT").Err()
		if errors.Is(err, redis.Nil) {
			return n, nil
		}
		if err != nil {
			return n, fmt.Errorf("queue: requeue in-flight for %s: %w", consumer, err)
		}
		n++
	}
}
