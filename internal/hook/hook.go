// Package hook is the non-blocking ingress point agent runtimes call after
// every turn. Events are queued in memory and drained into the learning
// pipeline by a single background loop.
package hook

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/blueberrycongee/sicc/internal/learning"
	"github.com/blueberrycongee/sicc/internal/metrics"
)

// Processor runs stage B of the learning pipeline for one event.
type Processor interface {
	Process(ctx context.Context, ev learning.Event) ([]*learning.Log, error)
}

// Spiller receives events a deadline-bounded flush could not process.
type Spiller interface {
	Spill(ctx context.Context, events []learning.Event) error
}

// Config tunes the queue and drain loop.
type Config struct {
	Enabled      bool          `yaml:"enabled"`
	MaxQueueSize int           `yaml:"max_queue_size"`
	BatchSize    int           `yaml:"batch_size"`
	Interval     time.Duration `yaml:"interval"`
	EventTimeout time.Duration `yaml:"event_timeout"`
	FlushTimeout time.Duration `yaml:"flush_timeout"`
}

// DefaultConfig returns the hook defaults.
func DefaultConfig() Config {
	return Config{
		Enabled:      true,
		MaxQueueSize: 10000,
		BatchSize:    100,
		Interval:     time.Second,
		EventTimeout: 30 * time.Second,
		FlushTimeout: 10 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxQueueSize <= 0 {
		c.MaxQueueSize = d.MaxQueueSize
	}
	if c.BatchSize <= 0 {
		c.BatchSize = d.BatchSize
	}
	if c.Interval <= 0 {
		c.Interval = d.Interval
	}
	if c.EventTimeout <= 0 {
		c.EventTimeout = d.EventTimeout
	}
	if c.FlushTimeout <= 0 {
		c.FlushTimeout = d.FlushTimeout
	}
	return c
}

// Stats is a point-in-time view of the hook counters.
type Stats struct {
	Enabled        bool       `json:"enabled"`
	Running        bool       `json:"running"`
	QueueSize      int        `json:"queue_size"`
	MaxQueueSize   int        `json:"max_queue_size"`
	ReceivedTotal  int64      `json:"received_total"`
	ProcessedTotal int64      `json:"processed_total"`
	FailedTotal    int64      `json:"failed_total"`
	DroppedTotal   int64      `json:"dropped_total"`
	DiscardedTotal int64      `json:"discarded_total"`
	SpilledTotal   int64      `json:"spilled_total"`
	LastDrainAt    *time.Time `json:"last_drain_at,omitempty"`
}

// FlushResult reports a synchronous flush.
type FlushResult struct {
	Processed int  `json:"processed"`
	Failed    int  `json:"failed"`
	Spilled   int  `json:"spilled"`
	Dropped   int  `json:"dropped"`
	TimedOut  bool `json:"timed_out"`
}

// Hook owns the in-process event queue. Create one per process with New,
// Start it with the runtime and Stop it on shutdown.
type Hook struct {
	cfg       Config
	processor Processor
	spiller   Spiller
	logger    *slog.Logger
	now       func() time.Time

	mu    sync.Mutex
	queue *ring

	// drainSem makes the background loop and Flush mutually exclusive.
	drainSem chan struct{}

	enabled   atomic.Bool
	running   atomic.Bool
	received  atomic.Int64
	processed atomic.Int64
	failed    atomic.Int64
	dropped   atomic.Int64
	discarded atomic.Int64
	spilled   atomic.Int64
	lastDrain atomic.Int64

	wake   chan struct{}
	stopCh chan struct{}
	done   chan struct{}
}

// New creates a stopped hook. spiller may be nil, in which case events a
// flush cannot process in time are dropped and counted.
func New(cfg Config, processor Processor, spiller Spiller, logger *slog.Logger) *Hook {
	if logger == nil {
		logger = slog.Default()
	}
	cfg = cfg.withDefaults()
	h := &Hook{
		cfg:       cfg,
		processor: processor,
		spiller:   spiller,
		logger:    logger,
		now:       time.Now,
		queue:     newRing(cfg.MaxQueueSize),
		wake:      make(chan struct{}, 1),
		drainSem:  make(chan struct{}, 1),
	}
	h.enabled.Store(cfg.Enabled)
	return h
}

// OnInteraction enqueues one completed turn. It never blocks on downstream
// work and never panics into the caller.
func (h *Hook) OnInteraction(agentID, agentType string, messages []learning.Message, response string, turnContext map[string]interface{}) {
	defer func() {
		if r := recover(); r != nil {
			h.logger.Error("hook enqueue panicked", "agent_id", agentID, "panic", r)
		}
	}()

	if !h.enabled.Load() {
		h.discarded.Add(1)
		metrics.HookEvents.WithLabelValues("discarded").Inc()
		return
	}
	ev := learning.Event{
		ID:         uuid.NewString(),
		AgentID:    agentID,
		AgentType:  agentType,
		Messages:   append([]learning.Message(nil), messages...),
		Response:   response,
		Context:    turnContext,
		EnqueuedAt: h.now().UTC(),
	}
	h.enqueue(ev)
}

func (h *Hook) enqueue(ev learning.Event) {
	h.mu.Lock()
	evicted := h.queue.push(ev)
	size := h.queue.len()
	h.mu.Unlock()

	h.received.Add(1)
	metrics.HookEvents.WithLabelValues("enqueued").Inc()
	metrics.HookQueueSize.Set(float64(size))
	if evicted {
		n := h.dropped.Add(1)
		metrics.HookEvents.WithLabelValues("dropped").Inc()
		if n == 1 || n%1000 == 0 {
			h.logger.Warn("hook queue full, dropping oldest events", "dropped_total", n, "max_queue_size", h.cfg.MaxQueueSize)
		}
	}
	if size >= h.cfg.BatchSize {
		select {
		case h.wake <- struct{}{}:
		default:
		}
	}
}

// Enable resumes accepting events.
func (h *Hook) Enable() {
	h.enabled.Store(true)
	h.logger.Info("hook enabled")
}

// Disable makes the hook discard new events. Queued events still drain.
func (h *Hook) Disable() {
	h.enabled.Store(false)
	h.logger.Info("hook disabled")
}

func (h *Hook) Enabled() bool {
	return h.enabled.Load()
}

// Start launches the drain loop. It is a no-op when already running.
func (h *Hook) Start() {
	if !h.running.CompareAndSwap(false, true) {
		return
	}
	h.stopCh = make(chan struct{})
	h.done = make(chan struct{})
	go h.run(h.stopCh, h.done)
	h.logger.Info("hook started", "interval", h.cfg.Interval, "batch_size", h.cfg.BatchSize, "max_queue_size", h.cfg.MaxQueueSize)
}

func (h *Hook) run(stopCh, done chan struct{}) {
	defer close(done)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	ticker := time.NewTicker(h.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			h.drain(ctx)
		case <-h.wake:
			h.drain(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// Stop ends the drain loop and flushes what is left. The whole call,
// including waiting for an in-flight event, is bounded by the flush timeout.
func (h *Hook) Stop(ctx context.Context) FlushResult {
	ctx, cancel := context.WithTimeout(ctx, h.cfg.FlushTimeout)
	defer cancel()
	if h.running.CompareAndSwap(true, false) {
		close(h.stopCh)
		select {
		case <-h.done:
		case <-ctx.Done():
			h.logger.Warn("hook drain loop still busy at flush deadline")
		}
	}
	res := h.Flush(ctx)
	h.logger.Info("hook stopped",
		"processed", res.Processed, "failed", res.Failed, "spilled", res.Spilled, "dropped", res.Dropped)
	return res
}

func (h *Hook) acquire(ctx context.Context) bool {
	select {
	case h.drainSem <- struct{}{}:
		return true
	case <-ctx.Done():
		return false
	}
}

func (h *Hook) release() {
	<-h.drainSem
}

// drain processes queued events batch by batch until the queue is empty or
// ctx ends. Events not yet processed go back to the head of the queue.
func (h *Hook) drain(ctx context.Context) {
	if !h.acquire(ctx) {
		return
	}
	defer h.release()
	for ctx.Err() == nil {
		batch := h.take(h.cfg.BatchSize)
		if len(batch) == 0 {
			break
		}
		for i, ev := range batch {
			if ctx.Err() != nil || h.process(ctx, ev) == resultInterrupted {
				h.requeueFront(batch[i:])
				break
			}
		}
	}
	h.lastDrain.Store(h.now().UnixNano())
}

// Flush drains the queue synchronously. Events still queued when ctx ends
// are spilled to the durable broker, or dropped and counted without one.
// Waiting for a busy background drain also counts against ctx.
func (h *Hook) Flush(ctx context.Context) FlushResult {
	var res FlushResult
	if h.acquire(ctx) {
		defer h.release()
		h.flushQueue(ctx, &res)
	}
	if ctx.Err() == nil {
		return res
	}

	res.TimedOut = true
	left := h.take(h.queueLen())
	if len(left) == 0 {
		return res
	}
	if h.spiller != nil {
		spillCtx, cancel := context.WithTimeout(context.Background(), h.cfg.FlushTimeout)
		err := h.spiller.Spill(spillCtx, left)
		cancel()
		if err == nil {
			res.Spilled = len(left)
			h.spilled.Add(int64(len(left)))
			metrics.HookEvents.WithLabelValues("spilled").Add(float64(len(left)))
			h.logger.Warn("flush deadline reached, events spilled to broker", "count", len(left))
			return res
		}
		h.logger.Error("spilling hook events failed", "count", len(left), "error", err)
	}
	res.Dropped = len(left)
	h.dropped.Add(int64(len(left)))
	metrics.HookEvents.WithLabelValues("dropped").Add(float64(len(left)))
	h.logger.Error("flush deadline reached, events dropped", "count", len(left))
	return res
}

func (h *Hook) flushQueue(ctx context.Context, res *FlushResult) {
	defer h.lastDrain.Store(h.now().UnixNano())
	for ctx.Err() == nil {
		batch := h.take(h.cfg.BatchSize)
		if len(batch) == 0 {
			return
		}
		for i, ev := range batch {
			if ctx.Err() != nil {
				h.requeueFront(batch[i:])
				return
			}
			switch h.process(ctx, ev) {
			case resultProcessed:
				res.Processed++
			case resultFailed:
				res.Failed++
			case resultInterrupted:
				h.requeueFront(batch[i:])
				return
			}
		}
	}
}

type result int

const (
	resultProcessed result = iota
	resultFailed
	// resultInterrupted means ctx ended mid-event; the event was not counted.
	resultInterrupted
)

// process runs one event. Failures are logged and counted, never returned.
func (h *Hook) process(ctx context.Context, ev learning.Event) (res result) {
	defer func() {
		if r := recover(); r != nil {
			h.logger.Error("hook event processing panicked", "event_id", ev.ID, "agent_id", ev.AgentID, "panic", r)
			h.failed.Add(1)
			metrics.HookEvents.WithLabelValues("failed").Inc()
			res = resultFailed
		}
	}()

	evCtx, cancel := context.WithTimeout(ctx, h.cfg.EventTimeout)
	defer cancel()
	if _, err := h.processor.Process(evCtx, ev); err != nil {
		if ctx.Err() != nil {
			return resultInterrupted
		}
		h.failed.Add(1)
		metrics.HookEvents.WithLabelValues("failed").Inc()
		h.logger.Warn("hook event processing failed", "event_id", ev.ID, "agent_id", ev.AgentID, "error", err)
		return resultFailed
	}
	h.processed.Add(1)
	metrics.HookEvents.WithLabelValues("processed").Inc()
	return resultProcessed
}

func (h *Hook) take(n int) []learning.Event {
	h.mu.Lock()
	defer h.mu.Unlock()
	batch := h.queue.popN(n)
	metrics.HookQueueSize.Set(float64(h.queue.len()))
	return batch
}

func (h *Hook) requeueFront(events []learning.Event) {
	h.mu.Lock()
	lost := h.queue.pushFront(events)
	h.mu.Unlock()
	if lost > 0 {
		h.dropped.Add(int64(lost))
		metrics.HookEvents.WithLabelValues("dropped").Add(float64(lost))
	}
}

func (h *Hook) queueLen() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.queue.len()
}

// Stats returns the current counters.
func (h *Hook) Stats() Stats {
	st := Stats{
		Enabled:        h.enabled.Load(),
		Running:        h.running.Load(),
		QueueSize:      h.queueLen(),
		MaxQueueSize:   h.cfg.MaxQueueSize,
		ReceivedTotal:  h.received.Load(),
		ProcessedTotal: h.processed.Load(),
		FailedTotal:    h.failed.Load(),
		DroppedTotal:   h.dropped.Load(),
		DiscardedTotal: h.discarded.Load(),
		SpilledTotal:   h.spilled.Load(),
	}
	if ns := h.lastDrain.Load(); ns > 0 {
		t := time.Unix(0, ns).UTC()
		st.LastDrainAt = &t
	}
	return st
}

// Health summarizes whether the hook keeps up with its input.
type Health struct {
	Status string `json:"status"`
	Reason string `json:"reason,omitempty"`
	Stats  Stats  `json:"stats"`
}

// Health reports "healthy", "degraded" (disabled, stopped or over 90% full)
// or "unhealthy" (full and dropping).
func (h *Hook) Health() Health {
	st := h.Stats()
	switch {
	case st.QueueSize >= st.MaxQueueSize:
		return Health{Status: "unhealthy", Reason: "queue full", Stats: st}
	case !st.Running:
		return Health{Status: "degraded", Reason: "drain loop not running", Stats: st}
	case !st.Enabled:
		return Health{Status: "degraded", Reason: "disabled", Stats: st}
	case st.QueueSize*10 >= st.MaxQueueSize*9:
		return Health{Status: "degraded", Reason: "queue above 90% capacity", Stats: st}
	}
	return Health{Status: "healthy", Stats: st}
}
