package worker

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/blueberrycongee/sicc/internal/analytics"
	"github.com/blueberrycongee/sicc/internal/behavior"
	"github.com/blueberrycongee/sicc/internal/broker"
	"github.com/blueberrycongee/sicc/internal/learning"
	"github.com/blueberrycongee/sicc/internal/memory"
	"github.com/blueberrycongee/sicc/internal/snapshot"
	apperrors "github.com/blueberrycongee/sicc/pkg/errors"
)

// ArchivePayload is the payload of an archive_snapshots task.
type ArchivePayload struct {
	RetentionDays int `json:"retention_days"`
}

// Handlers binds task types to the services that execute them.
type Handlers struct {
	Pipeline  *learning.Pipeline
	Snapshots *snapshot.Service
	Memories  *memory.Service
	Patterns  *behavior.Service
	Analytics *analytics.Service
	Logger    *slog.Logger
}

// Register installs every handler whose service is configured.
func (h *Handlers) Register(p *Pool) {
	if h.Logger == nil {
		h.Logger = slog.Default()
	}
	if h.Pipeline != nil {
		p.Handle(broker.TaskAnalyzeEvent, h.analyzeEvent)
		p.Handle(broker.TaskConsolidate, h.consolidate)
	}
	if h.Snapshots != nil {
		p.Handle(broker.TaskSnapshot, h.snapshot)
		p.Handle(broker.TaskArchiveSnapshots, h.archiveSnapshots)
	}
	if h.Memories != nil && h.Patterns != nil && h.Analytics != nil {
		p.Handle(broker.TaskRefreshMetrics, h.refreshMetrics)
	}
}

func (h *Handlers) analyzeEvent(ctx context.Context, t broker.Task) error {
	var ev learning.Event
	if err := t.Decode(&ev); err != nil {
		return apperrors.NewValidationError(fmt.Sprintf("decode learning event: %v", err))
	}
	logs, err := h.Pipeline.Process(ctx, ev)
	if err != nil {
		return err
	}
	h.Logger.Debug("event analyzed", "event_id", ev.ID, "agent_id", ev.AgentID, "proposals", len(logs))
	return nil
}

func (h *Handlers) consolidate(ctx context.Context, t broker.Task) error {
	report, err := h.Pipeline.RunConsolidation(ctx, t.AgentID)
	if err != nil {
		return err
	}
	h.Logger.Info("consolidation finished",
		"agent_id", t.AgentID,
		"eligible", report.Eligible,
		"consolidated", report.Consolidated,
		"failed", report.Failed,
		"skipped", report.Skipped,
	)
	return nil
}

func (h *Handlers) snapshot(ctx context.Context, t broker.Task) error {
	snap, err := h.Snapshots.Create(ctx, snapshot.CreateRequest{AgentID: t.AgentID, Type: string(snapshot.TypeAutomatic)})
	if err != nil {
		return err
	}
	h.Logger.Info("automatic snapshot taken", "agent_id", t.AgentID, "snapshot_id", snap.ID)
	return nil
}

func (h *Handlers) refreshMetrics(ctx context.Context, t broker.Task) error {
	ms, err := h.Memories.Stats(ctx, t.AgentID)
	if err != nil {
		return err
	}
	ps, err := h.Patterns.Stats(ctx, t.AgentID)
	if err != nil {
		return err
	}
	return h.Analytics.RefreshInventory(ctx, t.AgentID, analytics.Inventory{
		TotalMemories:  ms.Total,
		ActiveMemories: ms.Active,
		TotalPatterns:  ps.Total,
		ActivePatterns: ps.Active,
		AvgConfidence:  ms.AvgConfidence,
	})
}

func (h *Handlers) archiveSnapshots(ctx context.Context, t broker.Task) error {
	var p ArchivePayload
	if err := t.Decode(&p); err != nil {
		return apperrors.NewValidationError(fmt.Sprintf("decode archive payload: %v", err))
	}
	_, err := h.Snapshots.Archive(ctx, p.RetentionDays)
	return err
}

// EventSpiller hands events the hook could not process in time to the
// broker as analyze_event tasks.
type EventSpiller struct {
	Broker broker.Broker
}

func (s EventSpiller) Spill(ctx context.Context, events []learning.Event) error {
	tasks := make([]broker.Task, 0, len(events))
	for _, ev := range events {
		t, err := broker.NewTask(broker.TaskAnalyzeEvent, ev.AgentID, ev)
		if err != nil {
			return err
		}
		tasks = append(tasks, t)
	}
	return s.Broker.Publish(ctx, tasks...)
}

// BrokerProcessor is a hook processor that defers analysis to the worker
// pool instead of running it in the serving process.
type BrokerProcessor struct {
	Broker broker.Broker
}

func (p BrokerProcessor) Process(ctx context.Context, ev learning.Event) ([]*learning.Log, error) {
	return nil, EventSpiller{Broker: p.Broker}.Spill(ctx, []learning.Event{ev})
}
