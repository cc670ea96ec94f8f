package main

import (
	"context"
	"log/slog"
	"sync"

	"github.com/blueberrycongee/sicc/internal/worker"
)

// jobRunner runs the task pool and, optionally, the periodic scheduler.
type jobRunner struct {
	pool      *worker.Pool
	scheduler *worker.Scheduler
	logger    *slog.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func newJobRunner(a *app, schedule bool, logger *slog.Logger) *jobRunner {
	if logger == nil {
		logger = slog.Default()
	}
	pool := worker.NewPool(a.broker, a.deadLetters, a.cfg.Worker, logger)
	handlers := &worker.Handlers{
		Pipeline:  a.pipeline,
		Snapshots: a.snapshots,
		Memories:  a.memories,
		Patterns:  a.patterns,
		Analytics: a.analytics,
		Logger:    logger,
	}
	handlers.Register(pool)

	r := &jobRunner{pool: pool, logger: logger}
	if schedule {
		r.scheduler = worker.NewScheduler(a.broker, a.agents, a.settings, a.claims, a.cfg.Scheduler, logger)
	}
	return r
}

// Start launches the pool and scheduler until ctx ends or Stop is called.
func (r *jobRunner) Start(ctx context.Context) {
	ctx, r.cancel = context.WithCancel(ctx)
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.pool.Run(ctx); err != nil && ctx.Err() == nil {
			r.logger.Error("worker pool stopped", "error", err)
		}
	}()
	if r.scheduler != nil {
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			r.scheduler.Run(ctx)
		}()
	}
	r.logger.Info("background jobs started", "scheduler", r.scheduler != nil)
}

// Stop cancels the jobs and waits for in-flight tasks to return.
func (r *jobRunner) Stop() {
	if r.cancel == nil {
		return
	}
	r.cancel()
	r.wg.Wait()
	r.logger.Info("background jobs stopped")
}

func startJobRunner(ctx context.Context, a *app, logger *slog.Logger) *jobRunner {
	r := newJobRunner(a, true, logger)
	r.Start(ctx)
	return r
}
