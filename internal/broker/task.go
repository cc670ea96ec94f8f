// Package broker carries background tasks between the API process and the
// worker pool, and keeps tasks that exhausted their retries.
package broker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
)

// TaskType names a background job.
type TaskType string

const (
	TaskAnalyzeEvent     TaskType = "analyze_event"
	TaskConsolidate      TaskType = "consolidate"
	TaskSnapshot         TaskType = "snapshot"
	TaskRefreshMetrics   TaskType = "refresh_metrics"
	TaskArchiveSnapshots TaskType = "archive_snapshots"
)

// ErrClosed is returned by a broker after Close.
var ErrClosed = errors.New("broker closed")

// Task is one unit of background work. Tasks are idempotent: a task may be
// delivered more than once and handlers must tolerate it.
type Task struct {
	ID         string          `json:"id"`
	Type       TaskType        `json:"type"`
	AgentID    string          `json:"agent_id,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
}

// NewTask builds a task with a fresh id. payload may be nil.
func NewTask(typ TaskType, agentID string, payload interface{}) (Task, error) {
	t := Task{ID: uuid.NewString(), Type: typ, AgentID: agentID, EnqueuedAt: time.Now().UTC()}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return Task{}, fmt.Errorf("encode %s payload: %w", typ, err)
		}
		t.Payload = raw
	}
	return t, nil
}

// Decode unmarshals the payload into v.
func (t Task) Decode(v interface{}) error {
	if len(t.Payload) == 0 {
		return fmt.Errorf("task %s has no payload", t.ID)
	}
	if err := json.Unmarshal(t.Payload, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", t.Type, err)
	}
	return nil
}

// Delivery is a received task. Ack marks it done so it is not redelivered.
type Delivery struct {
	Task Task
	ack  func(ctx context.Context) error
}

func (d *Delivery) Ack(ctx context.Context) error {
	if d.ack == nil {
		return nil
	}
	return d.ack(ctx)
}

// Broker is a durable task queue. Each delivery is handed to exactly one
// receiver at a time.
type Broker interface {
	Publish(ctx context.Context, tasks ...Task) error
	// Receive blocks until a task is available or ctx ends.
	Receive(ctx context.Context) (*Delivery, error)
	Close() error
}
