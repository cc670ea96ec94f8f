package snapshot

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/blueberrycongee/sicc/internal/agent"
	"github.com/blueberrycongee/sicc/internal/analytics"
	"github.com/blueberrycongee/sicc/internal/metrics"
	"github.com/blueberrycongee/sicc/internal/observability"
	"github.com/blueberrycongee/sicc/internal/settings"
	apperrors "github.com/blueberrycongee/sicc/pkg/errors"
)

const (
	DefaultListLimit = 20
	MaxListLimit     = 200

	archiveBatch = 500
)

// Inventory is what snapshots read from and roll back in the memory and
// behavior stores.
type Inventory interface {
	ActiveIDs(ctx context.Context, clientID, agentID string) ([]string, error)
	DeactivateSince(ctx context.Context, clientID, agentID string, since time.Time, keep []string) ([]string, error)
}

// Totals supplies lifetime interaction aggregates.
type Totals interface {
	Totals(ctx context.Context, clientID, agentID string) (*analytics.Aggregate, error)
}

// Service implements snapshot operations.
type Service struct {
	store    Store
	memories Inventory
	patterns Inventory
	totals   Totals
	agents   agent.Directory
	settings *settings.Provider
	archiver Archiver
	logger   *slog.Logger
	now      func() time.Time
}

func NewService(store Store, memories, patterns Inventory, totals Totals, agents agent.Directory, provider *settings.Provider, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:    store,
		memories: memories,
		patterns: patterns,
		totals:   totals,
		agents:   agents,
		settings: provider,
		logger:   logger,
		now:      time.Now,
	}
}

// SetArchiver installs the sink archive exports to before deleting.
func (s *Service) SetArchiver(a Archiver) {
	s.archiver = a
}

func (s *Service) timestamp() time.Time {
	return s.now().UTC().Truncate(time.Microsecond)
}

// CreateRequest describes a snapshot to take.
type CreateRequest struct {
	AgentID string `json:"agent_id"`
	Type    string `json:"snapshot_type"`
	Note    string `json:"note,omitempty"`
}

// Create records the agent's current active inventory. Automatic snapshots
// beyond the agent's max_snapshots are deleted oldest first.
func (s *Service) Create(ctx context.Context, req CreateRequest) (snap *Snapshot, err error) {
	typ, err := ParseType(req.Type)
	if err != nil {
		return nil, apperrors.NewValidationError(err.Error())
	}
	a, err := agent.Resolve(ctx, s.agents, req.AgentID)
	if err != nil {
		return nil, err
	}
	ctx, span := observability.StartSpan(ctx, "snapshot.create", a.ID)
	defer func() { observability.EndSpan(span, err) }()

	snap, err = s.take(ctx, a, typ, Data{Note: req.Note})
	if err != nil {
		return nil, err
	}
	if typ == TypeAutomatic {
		if err := s.enforceQuota(ctx, a); err != nil {
			s.logger.Warn("snapshot quota enforcement failed", "agent_id", a.ID, "error", err)
		}
	}
	return snap, nil
}

func (s *Service) take(ctx context.Context, a *agent.Agent, typ Type, data Data) (*Snapshot, error) {
	// Stamp before reading the inventory so everything created before the
	// stamp is listed.
	createdAt := s.timestamp()
	memIDs, err := s.memories.ActiveIDs(ctx, a.ClientID, a.ID)
	if err != nil {
		return nil, err
	}
	patIDs, err := s.patterns.ActiveIDs(ctx, a.ClientID, a.ID)
	if err != nil {
		return nil, err
	}
	totals, err := s.totals.Totals(ctx, a.ClientID, a.ID)
	if err != nil {
		return nil, err
	}
	data.MemoryIDs = nonNilIDs(memIDs)
	data.PatternIDs = nonNilIDs(patIDs)

	snap := &Snapshot{
		ID:                uuid.NewString(),
		AgentID:           a.ID,
		ClientID:          a.ClientID,
		SnapshotType:      typ,
		MemoryCount:       len(memIDs),
		PatternCount:      len(patIDs),
		TotalInteractions: totals.InteractionsCount,
		AvgSuccessRate:    totals.SuccessRate,
		Data:              data,
		CreatedAt:         createdAt,
	}
	if err := s.store.Create(ctx, snap); err != nil {
		return nil, apperrors.NewTransientError("store snapshot", err)
	}
	metrics.Snapshots.WithLabelValues(string(typ)).Inc()
	s.logger.Info("snapshot taken",
		"agent_id", a.ID, "snapshot_id", snap.ID, "type", typ,
		"memories", snap.MemoryCount, "patterns", snap.PatternCount)
	return snap, nil
}

func (s *Service) enforceQuota(ctx context.Context, a *agent.Agent) error {
	st, err := s.settings.Get(ctx, a.ID)
	if err != nil {
		return err
	}
	if st.MaxSnapshots <= 0 {
		return nil
	}
	excess, err := s.store.List(ctx, Filter{ClientID: a.ClientID, AgentID: a.ID, Type: TypeAutomatic, Offset: st.MaxSnapshots})
	if err != nil || len(excess) == 0 {
		return err
	}
	ids := make([]string, len(excess))
	for i, snap := range excess {
		ids[i] = snap.ID
	}
	n, err := s.store.Delete(ctx, ids)
	if err != nil {
		return err
	}
	metrics.SnapshotsRemoved.WithLabelValues("quota").Add(float64(n))
	return nil
}

// Get returns one snapshot of the caller's tenant.
func (s *Service) Get(ctx context.Context, clientID, id string) (*Snapshot, error) {
	snap, err := s.store.Get(ctx, clientID, id)
	if err != nil {
		return nil, apperrors.NewTransientError("get snapshot", err)
	}
	if snap == nil {
		return nil, apperrors.NewNotFoundError("snapshot", id)
	}
	return snap, nil
}

// ListRequest pages an agent's snapshots.
type ListRequest struct {
	Type   string
	Limit  int
	Offset int
}

// List returns the agent's snapshots, newest first.
func (s *Service) List(ctx context.Context, agentID string, req ListRequest) ([]*Snapshot, error) {
	a, err := agent.Resolve(ctx, s.agents, agentID)
	if err != nil {
		return nil, err
	}
	var typ Type
	if req.Type != "" {
		if typ, err = ParseType(req.Type); err != nil {
			return nil, apperrors.NewValidationError(err.Error())
		}
	}
	limit := req.Limit
	if limit <= 0 {
		limit = DefaultListLimit
	}
	if limit > MaxListLimit {
		limit = MaxListLimit
	}
	if req.Offset < 0 {
		return nil, apperrors.NewValidationError("offset must not be negative")
	}
	list, err := s.store.List(ctx, Filter{ClientID: a.ClientID, AgentID: a.ID, Type: typ, Limit: limit, Offset: req.Offset})
	if err != nil {
		return nil, apperrors.NewTransientError("list snapshots", err)
	}
	return list, nil
}

// Compare reports the changes from older to newer. Both snapshots must
// belong to the same agent and older must not postdate newer.
func (s *Service) Compare(ctx context.Context, clientID, olderID, newerID string) (*Comparison, error) {
	older, err := s.Get(ctx, clientID, olderID)
	if err != nil {
		return nil, err
	}
	newer, err := s.Get(ctx, clientID, newerID)
	if err != nil {
		return nil, err
	}
	if older.AgentID != newer.AgentID {
		return nil, apperrors.NewValidationError("snapshots belong to different agents")
	}
	if older.CreatedAt.After(newer.CreatedAt) {
		return nil, apperrors.NewValidationError("older snapshot was taken after newer snapshot")
	}
	return &Comparison{
		Older:             older,
		Newer:             newer,
		MemoriesAdded:     diff(older.Data.MemoryIDs, newer.Data.MemoryIDs),
		MemoriesRemoved:   diff(newer.Data.MemoryIDs, older.Data.MemoryIDs),
		PatternsAdded:     diff(older.Data.PatternIDs, newer.Data.PatternIDs),
		PatternsRemoved:   diff(newer.Data.PatternIDs, older.Data.PatternIDs),
		MemoryCountDelta:  newer.MemoryCount - older.MemoryCount,
		PatternCountDelta: newer.PatternCount - older.PatternCount,
		InteractionsDelta: newer.TotalInteractions - older.TotalInteractions,
		SuccessRateDelta:  newer.AvgSuccessRate - older.AvgSuccessRate,
		IntervalSeconds:   newer.CreatedAt.Sub(older.CreatedAt).Seconds(),
	}, nil
}

// Rollback takes a pre_rollback snapshot and then soft-deletes every memory
// and pattern of the agent created after the target snapshot. Nothing is
// physically removed, so a rollback can itself be undone by reactivation.
func (s *Service) Rollback(ctx context.Context, agentID, targetID string) (res *RollbackResult, err error) {
	a, err := agent.Resolve(ctx, s.agents, agentID)
	if err != nil {
		return nil, err
	}
	ctx, span := observability.StartSpan(ctx, "snapshot.rollback", a.ID)
	defer func() { observability.EndSpan(span, err) }()

	target, err := s.store.Get(ctx, a.ClientID, targetID)
	if err != nil {
		return nil, apperrors.NewTransientError("get snapshot", err)
	}
	if target == nil || target.AgentID != a.ID {
		return nil, apperrors.NewNotFoundError("snapshot", targetID)
	}

	pre, err := s.take(ctx, a, TypePreRollback, Data{RollbackTarget: target.ID})
	if err != nil {
		return nil, err
	}
	// Timestamps are microsecond precision, so an artifact stamped in the
	// same microsecond as the target is kept only if the target lists it.
	mems, err := s.memories.DeactivateSince(ctx, a.ClientID, a.ID, target.CreatedAt, target.Data.MemoryIDs)
	if err != nil {
		return nil, err
	}
	pats, err := s.patterns.DeactivateSince(ctx, a.ClientID, a.ID, target.CreatedAt, target.Data.PatternIDs)
	if err != nil {
		return nil, err
	}
	s.logger.Info("agent rolled back",
		"agent_id", a.ID, "target", target.ID, "pre_rollback", pre.ID,
		"memories", len(mems), "patterns", len(pats))
	return &RollbackResult{
		Target:              target,
		PreRollback:         pre,
		DeactivatedMemories: nonNilIDs(mems),
		DeactivatedPatterns: nonNilIDs(pats),
	}, nil
}

// Archive deletes snapshots of every agent older than retentionDays,
// exporting each batch to the archiver first when one is set. A failed
// export stops the pass before that batch is deleted.
func (s *Service) Archive(ctx context.Context, retentionDays int) (*ArchiveResult, error) {
	if retentionDays <= 0 {
		return nil, apperrors.NewValidationError("retention_days must be positive")
	}
	res := &ArchiveResult{Cutoff: s.timestamp().AddDate(0, 0, -retentionDays)}
	for {
		batch, err := s.store.ListBefore(ctx, res.Cutoff, archiveBatch)
		if err != nil {
			return res, apperrors.NewTransientError("list snapshots to archive", err)
		}
		if len(batch) == 0 {
			break
		}
		if s.archiver != nil {
			if err := s.archiver.Archive(ctx, batch); err != nil {
				return res, apperrors.NewTransientError("export snapshots", err)
			}
			res.Exported += len(batch)
		}
		ids := make([]string, len(batch))
		for i, snap := range batch {
			ids[i] = snap.ID
		}
		n, err := s.store.Delete(ctx, ids)
		if err != nil {
			return res, apperrors.NewTransientError("delete archived snapshots", err)
		}
		res.Deleted += n
		metrics.SnapshotsRemoved.WithLabelValues("archive").Add(float64(n))
		if len(batch) < archiveBatch {
			break
		}
	}
	s.logger.Info("snapshots archived", "cutoff", res.Cutoff, "exported", res.Exported, "deleted", res.Deleted)
	return res, nil
}

func nonNilIDs(ids []string) []string {
	if ids == nil {
		return []string{}
	}
	return ids
}
