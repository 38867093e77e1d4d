package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	redis "github.com/redis/go-redis/v9"
	usagedomain "github.com/smallbiznis/licensegate/internal/usage/domain"
)

const (
	pendingKey    = "usage:reconcile"
	processingKey = "usage:reconcile:processing"
	deadLetterKey = "usage:reconcile:dead"
)

// Entry is a usage event that could not be persisted on the request path.
type Entry struct {
	ID         string                 `json:"id"`
	Event      usagedomain.UsageEvent `json:"event"`
	Attempts   int                    `json:"attempts"`
	EnqueuedAt time.Time              `json:"enqueued_at"`
	LastError  string                 `json:"last_error,omitempty"`

	// claim is the payload as popped, used to acknowledge or release it.
	claim []byte
}

// NewEntry wraps event with a fresh sortable id.
func NewEntry(event usagedomain.UsageEvent, cause error, at time.Time) Entry {
	entry := Entry{
		ID:         ulid.Make().String(),
		Event:      event,
		EnqueuedAt: at,
	}
	if cause != nil {
		entry.LastError = cause.Error()
	}
	return entry
}

// Queue holds entries in FIFO order until the reconcile worker replays them.
// Popped entries stay claimed until they are acknowledged or released, so a
// worker that dies mid-batch leaves them for the next Pop.
type Queue interface {
	Push(ctx context.Context, entry Entry) error
	// Pop claims up to n entries, oldest first. Entries left claimed by an
	// earlier Pop are returned to the queue first.
	Pop(ctx context.Context, n int) ([]Entry, error)
	// Ack drops a claimed entry once it is persisted, requeued or
	// dead-lettered.
	Ack(ctx context.Context, entry Entry) error
	// Release puts claimed entries back at the head of the queue unchanged.
	Release(ctx context.Context, entries []Entry) error
	DeadLetter(ctx context.Context, entry Entry) error
	Len(ctx context.Context) (int64, error)
	DeadLetterLen(ctx context.Context) (int64, error)
}

// NewQueue returns a Redis-backed queue, or a process-local one when client
// is nil.
func NewQueue(client *redis.Client) Queue {
	if client == nil {
		return NewMemoryQueue()
	}
	return &redisQueue{client: client}
}

type redisQueue struct {
	client *redis.Client
}

func (q *redisQueue) Push(ctx context.Context, entry Entry) error {
	payload, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	return q.client.LPush(ctx, pendingKey, payload).Err()
}

func (q *redisQueue) Pop(ctx context.Context, n int) ([]Entry, error) {
	if err := q.restore(ctx); err != nil {
		return nil, err
	}
	entries := make([]Entry, 0, n)
	for i := 0; i < n; i++ {
		raw, err := q.client.LMove(ctx, pendingKey, processingKey, "RIGHT", "LEFT").Bytes()
		if errors.Is(err, redis.Nil) {
			break
		}
		if err != nil {
			return entries, err
		}
		var entry Entry
		if err := json.Unmarshal(raw, &entry); err != nil {
			// Unreadable payloads go straight to the dead-letter list as-is.
			_, _ = q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.LPush(ctx, deadLetterKey, raw)
				pipe.LRem(ctx, processingKey, 1, raw)
				return nil
			})
			continue
		}
		entry.claim = raw
		entries = append(entries, entry)
	}
	return entries, nil
}

// restore moves entries a previous worker claimed but never settled back to
// the head of the pending list, keeping their order.
func (q *redisQueue) restore(ctx context.Context) error {
	for {
		err := q.client.LMove(ctx, processingKey, pendingKey, "LEFT", "RIGHT").Err()
		if errors.Is(err, redis.Nil) {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

func (q *redisQueue) Ack(ctx context.Context, entry Entry) error {
	if entry.claim == nil {
		return nil
	}
	return q.client.LRem(ctx, processingKey, 1, entry.claim).Err()
}

func (q *redisQueue) Release(ctx context.Context, entries []Entry) error {
	_, err := q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for i := len(entries) - 1; i >= 0; i-- {
			if entries[i].claim == nil {
				continue
			}
			pipe.LRem(ctx, processingKey, 1, entries[i].claim)
			pipe.RPush(ctx, pendingKey, entries[i].claim)
		}
		return nil
	})
	return err
}

func (q *redisQueue) DeadLetter(ctx context.Context, entry Entry) error {
	payload, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	return q.client.LPush(ctx, deadLetterKey, payload).Err()
}

func (q *redisQueue) Len(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, pendingKey).Result()
}

func (q *redisQueue) DeadLetterLen(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, deadLetterKey).Result()
}

type memoryQueue struct {
	mu      sync.Mutex
	pending []Entry
	dead    []Entry
}

func NewMemoryQueue() Queue {
	return &memoryQueue{}
}

func (q *memoryQueue) Push(_ context.Context, entry Entry) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.pending = append(q.pending, entry)
	return nil
}

func (q *memoryQueue) Pop(_ context.Context, n int) ([]Entry, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if n > len(q.pending) {
		n = len(q.pending)
	}
	out := make([]Entry, n)
	copy(out, q.pending[:n])
	q.pending = q.pending[n:]
	return out, nil
}

func (q *memoryQueue) Ack(context.Context, Entry) error {
	return nil
}

func (q *memoryQueue) Release(_ context.Context, entries []Entry) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.pending = append(append(make([]Entry, 0, len(entries)+len(q.pending)), entries...), q.pending...)
	return nil
}

func (q *memoryQueue) DeadLetter(_ context.Context, entry Entry) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.dead = append(q.dead, entry)
	return nil
}

func (q *memoryQueue) Len(context.Context) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return int64(len(q.pending)), nil
}

func (q *memoryQueue) DeadLetterLen(context.Context) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return int64(len(q.dead)), nil
}
