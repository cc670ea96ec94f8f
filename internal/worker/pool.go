// Package worker runs background tasks pulled from the broker: event
// analysis, consolidation, snapshots, metrics refresh and archiving.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/blueberrycongee/sicc/internal/broker"
	"github.com/blueberrycongee/sicc/internal/metrics"
	"github.com/blueberrycongee/sicc/internal/resilience"
	apperrors "github.com/blueberrycongee/sicc/pkg/errors"
)

// Handler processes one task. Returning a retryable error makes the pool
// try again with backoff; any other error dead-letters the task.
type Handler func(ctx context.Context, t broker.Task) error

// Config tunes the pool.
type Config struct {
	Concurrency int                      `yaml:"concurrency"`
	MaxAttempts int                      `yaml:"max_attempts"`
	Backoff     resilience.BackoffConfig `yaml:"backoff"`
	TaskTimeout time.Duration            `yaml:"task_timeout"`
}

func DefaultConfig() Config {
	return Config{
		Concurrency: 4,
		MaxAttempts: 5,
		Backoff:     resilience.DefaultBackoffConfig(),
		TaskTimeout: 5 * time.Minute,
	}
}

// Pool consumes tasks with a fixed number of goroutines.
type Pool struct {
	cfg      Config
	broker   broker.Broker
	dlq      broker.DeadLetterQueue
	handlers map[broker.TaskType]Handler
	logger   *slog.Logger
	now      func() time.Time
}

func NewPool(b broker.Broker, dlq broker.DeadLetterQueue, cfg Config, logger *slog.Logger) *Pool {
	if logger == nil {
		logger = slog.Default()
	}
	d := DefaultConfig()
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = d.Concurrency
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = d.MaxAttempts
	}
	if cfg.TaskTimeout <= 0 {
		cfg.TaskTimeout = d.TaskTimeout
	}
	return &Pool{
		cfg:      cfg,
		broker:   b,
		dlq:      dlq,
		handlers: make(map[broker.TaskType]Handler),
		logger:   logger,
		now:      time.Now,
	}
}

// Handle registers h for typ. Register before Run.
func (p *Pool) Handle(typ broker.TaskType, h Handler) {
	p.handlers[typ] = h
}

// Run consumes until ctx is cancelled or the broker closes, then waits for
// in-flight tasks to finish.
func (p *Pool) Run(ctx context.Context) error {
	p.logger.Info("worker pool started", "concurrency", p.cfg.Concurrency, "max_attempts", p.cfg.MaxAttempts)
	var wg sync.WaitGroup
	for i := 0; i < p.cfg.Concurrency; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			p.loop(ctx, id)
		}(i)
	}
	wg.Wait()
	p.logger.Info("worker pool stopped")
	if errors.Is(ctx.Err(), context.Canceled) {
		return nil
	}
	return ctx.Err()
}

func (p *Pool) loop(ctx context.Context, id int) {
	for {
		d, err := p.broker.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, broker.ErrClosed) {
				return
			}
			p.logger.Warn("receive task failed", "worker", id, "error", err)
			if resilience.Sleep(ctx, p.cfg.Backoff.Delay(1)) != nil {
				return
			}
			continue
		}
		// Tasks run to completion on shutdown so a delivery is never
		// half-applied; only the per-task timeout bounds them.
		p.Execute(context.WithoutCancel(ctx), d.Task)
		if err := d.Ack(context.WithoutCancel(ctx)); err != nil {
			p.logger.Warn("ack task failed", "worker", id, "task_id", d.Task.ID, "error", err)
		}
	}
}

// Execute runs one task with retries and dead-letters it on final failure.
// It reports whether the task succeeded.
func (p *Pool) Execute(ctx context.Context, t broker.Task) bool {
	start := p.now()
	defer func() {
		metrics.WorkerTaskLatency.WithLabelValues(string(t.Type)).Observe(time.Since(start).Seconds())
	}()
	logger := p.logger.With("task_id", t.ID, "task_type", t.Type, "agent_id", t.AgentID)

	h, ok := p.handlers[t.Type]
	if !ok {
		p.deadLetter(ctx, t, apperrors.NewValidationError(fmt.Sprintf("no handler for task type %q", t.Type)), 0)
		metrics.WorkerTasks.WithLabelValues(string(t.Type), "unknown").Inc()
		return false
	}

	attempts, err := resilience.Retry(ctx, p.cfg.MaxAttempts, p.cfg.Backoff, apperrors.IsRetryable, func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, p.cfg.TaskTimeout)
		defer cancel()
		err := safeCall(ctx, h, t)
		if err != nil && apperrors.IsRetryable(err) {
			logger.Warn("task attempt failed", "error", err)
		}
		return err
	})
	switch {
	case err == nil:
		metrics.WorkerTasks.WithLabelValues(string(t.Type), "success").Inc()
		logger.Debug("task done", "attempts", attempts)
		return true
	case apperrors.IsKind(err, apperrors.KindConflict) && !apperrors.IsRetryable(err):
		// Already applied by an earlier delivery.
		metrics.WorkerTasks.WithLabelValues(string(t.Type), "duplicate").Inc()
		return true
	}
	metrics.WorkerTasks.WithLabelValues(string(t.Type), "dead_letter").Inc()
	logger.Error("task failed permanently", "attempts", attempts, "error", err)
	p.deadLetter(ctx, t, err, attempts)
	return false
}

func safeCall(ctx context.Context, h Handler, t broker.Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = apperrors.NewInternalError(fmt.Sprintf("task handler panicked: %v", r), nil)
		}
	}()
	return h(ctx, t)
}

func (p *Pool) deadLetter(ctx context.Context, t broker.Task, cause error, attempts int) {
	metrics.DeadLetters.WithLabelValues(string(t.Type)).Inc()
	if p.dlq == nil {
		return
	}
	dl := broker.DeadLetter{Task: t, Error: cause.Error(), Attempts: attempts, FailedAt: p.now().UTC()}
	if e, ok := apperrors.As(cause); ok {
		dl.Code = e.Code
	}
	if err := p.dlq.Push(ctx, dl); err != nil {
		p.logger.Error("dead-letter push failed", "task_id", t.ID, "error", err)
	}
}
