package worker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/blueberrycongee/sicc/internal/agent"
	"github.com/blueberrycongee/sicc/internal/broker"
	"github.com/blueberrycongee/sicc/internal/idempotency"
	"github.com/blueberrycongee/sicc/internal/settings"
)

// SchedulerConfig controls periodic task publication.
type SchedulerConfig struct {
	Tick                   time.Duration `yaml:"tick"`
	MetricsRefreshInterval time.Duration `yaml:"metrics_refresh_interval"`

	// SnapshotRetentionDays enables the daily archive job when positive.
	SnapshotRetentionDays int `yaml:"snapshot_retention_days"`
}

func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		Tick:                   time.Minute,
		MetricsRefreshInterval: time.Hour,
		SnapshotRetentionDays:  90,
	}
}

// Scheduler publishes consolidation, snapshot, metrics and archive tasks
// according to each agent's settings. Every (task, agent, period) is
// claimed in the idempotency store first, so any number of schedulers
// publish a given job once per period.
type Scheduler struct {
	cfg      SchedulerConfig
	broker   broker.Broker
	agents   agent.Directory
	settings *settings.Provider
	claims   idempotency.Store
	logger   *slog.Logger
	now      func() time.Time
}

func NewScheduler(b broker.Broker, agents agent.Directory, provider *settings.Provider, claims idempotency.Store, cfg SchedulerConfig, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Tick <= 0 {
		cfg.Tick = time.Minute
	}
	if cfg.MetricsRefreshInterval <= 0 {
		cfg.MetricsRefreshInterval = time.Hour
	}
	return &Scheduler{
		cfg:      cfg,
		broker:   b,
		agents:   agents,
		settings: provider,
		claims:   claims,
		logger:   logger,
		now:      time.Now,
	}
}

// Run ticks until ctx is done.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Tick)
	defer ticker.Stop()
	for {
		if n, err := s.Tick(ctx); err != nil {
			s.logger.Warn("scheduler tick failed", "published", n, "error", err)
		} else if n > 0 {
			s.logger.Info("scheduled tasks published", "count", n)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Tick publishes every job that is due and not yet claimed for its current
// period. It returns how many tasks were published.
func (s *Scheduler) Tick(ctx context.Context) (int, error) {
	now := s.now().UTC()
	agents, err := s.agents.List(ctx)
	if err != nil {
		return 0, fmt.Errorf("list agents: %w", err)
	}

	published := 0
	var firstErr error
	schedule := func(typ broker.TaskType, agentID string, every time.Duration, payload interface{}) {
		ok, err := s.publishOnce(ctx, typ, agentID, now, every, payload)
		if ok {
			published++
		}
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	for _, a := range agents {
		if a.ClientID == "" {
			continue
		}
		st, err := s.settings.Get(ctx, a.ID)
		if err != nil {
			s.logger.Warn("skip agent with unusable settings", "agent_id", a.ID, "error", err)
			continue
		}
		schedule(broker.TaskConsolidate, a.ID, st.ConsolidationFrequency.Interval(), nil)
		schedule(broker.TaskSnapshot, a.ID, st.SnapshotFrequency.Interval(), nil)
		schedule(broker.TaskRefreshMetrics, a.ID, s.cfg.MetricsRefreshInterval, nil)
	}
	if s.cfg.SnapshotRetentionDays > 0 {
		schedule(broker.TaskArchiveSnapshots, "", 24*time.Hour, ArchivePayload{RetentionDays: s.cfg.SnapshotRetentionDays})
	}
	return published, firstErr
}

func (s *Scheduler) publishOnce(ctx context.Context, typ broker.TaskType, agentID string, now time.Time, every time.Duration, payload interface{}) (bool, error) {
	key := ClaimKey(typ, agentID, now, every)
	claimed, err := s.claims.PutIfAbsent(ctx, key, every)
	if err != nil {
		return false, fmt.Errorf("claim %s: %w", key, err)
	}
	if !claimed {
		return false, nil
	}
	t, err := broker.NewTask(typ, agentID, payload)
	if err == nil {
		err = s.broker.Publish(ctx, t)
	}
	if err != nil {
		if rerr := s.claims.Release(ctx, key); rerr != nil {
			s.logger.Warn("release schedule claim failed", "key", key, "error", rerr)
		}
		return false, fmt.Errorf("publish %s for %q: %w", typ, agentID, err)
	}
	return true, nil
}

// ClaimKey identifies one period of a scheduled job.
func ClaimKey(typ broker.TaskType, agentID string, now time.Time, every time.Duration) string {
	if agentID == "" {
		agentID = "*"
	}
	return fmt.Sprintf("schedule:%s:%s:%d", typ, agentID, now.Truncate(every).Unix())
}
