package broker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"
)

// DeadLetter is a task that failed permanently or exhausted its retries.
type DeadLetter struct {
	Task     Task      `json:"task"`
	Error    string    `json:"error"`
	Code     string    `json:"code,omitempty"`
	Attempts int       `json:"attempts"`
	FailedAt time.Time `json:"failed_at"`
}

// DeadLetterQueue keeps dead letters for inspection, newest first. It is
// capped; the oldest entries fall off.
type DeadLetterQueue interface {
	Push(ctx context.Context, dl DeadLetter) error
	List(ctx context.Context, limit int) ([]DeadLetter, error)
	Len(ctx context.Context) (int64, error)
}

const DefaultDeadLetterCap = 10000

// MemoryDeadLetterQueue is an in-process DeadLetterQueue.
type MemoryDeadLetterQueue struct {
	mu      sync.Mutex
	entries []DeadLetter
	max     int
}

func NewMemoryDeadLetterQueue(max int) *MemoryDeadLetterQueue {
	if max <= 0 {
		max = DefaultDeadLetterCap
	}
	return &MemoryDeadLetterQueue{max: max}
}

func (q *MemoryDeadLetterQueue) Push(_ context.Context, dl DeadLetter) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.entries = append([]DeadLetter{dl}, q.entries...)
	if len(q.entries) > q.max {
		q.entries = q.entries[:q.max]
	}
	return nil
}

func (q *MemoryDeadLetterQueue) List(_ context.Context, limit int) ([]DeadLetter, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := len(q.entries)
	if limit > 0 && limit < n {
		n = limit
	}
	return append([]DeadLetter(nil), q.entries[:n]...), nil
}

func (q *MemoryDeadLetterQueue) Len(_ context.Context) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return int64(len(q.entries)), nil
}

// RedisDeadLetterQueue stores dead letters in a capped Redis list so every
// worker process shares them.
type RedisDeadLetterQueue struct {
	client redis.UniversalClient
	key    string
	max    int64
}

func NewRedisDeadLetterQueue(client redis.UniversalClient, key string, max int) *RedisDeadLetterQueue {
	if max <= 0 {
		max = DefaultDeadLetterCap
	}
	return &RedisDeadLetterQueue{client: client, key: key, max: int64(max)}
}

func (q *RedisDeadLetterQueue) Push(ctx context.Context, dl DeadLetter) error {
	raw, err := json.Marshal(dl)
	if err != nil {
		return fmt.Errorf("encode dead letter: %w", err)
	}
	pipe := q.client.TxPipeline()
	pipe.LPush(ctx, q.key, raw)
	pipe.LTrim(ctx, q.key, 0, q.max-1)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("push dead letter: %w", err)
	}
	return nil
}

func (q *RedisDeadLetterQueue) List(ctx context.Context, limit int) ([]DeadLetter, error) {
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit) - 1
	}
	raw, err := q.client.LRange(ctx, q.key, 0, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("list dead letters: %w", err)
	}
	out := make([]DeadLetter, 0, len(raw))
	for _, r := range raw {
		var dl DeadLetter
		if err := json.Unmarshal([]byte(r), &dl); err != nil {
			return nil, fmt.Errorf("decode dead letter: %w", err)
		}
		out = append(out, dl)
	}
	return out, nil
}

func (q *RedisDeadLetterQueue) Len(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, q.key).Result()
}
