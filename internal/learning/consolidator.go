package learning

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/blueberrycongee/sicc/internal/behavior"
	"github.com/blueberrycongee/sicc/internal/idempotency"
	"github.com/blueberrycongee/sicc/internal/memory"
	"github.com/blueberrycongee/sicc/internal/metrics"
	"github.com/blueberrycongee/sicc/internal/observability"
	apperrors "github.com/blueberrycongee/sicc/pkg/errors"
)

// Memories is the part of the memory service consolidation writes to.
type Memories interface {
	Create(ctx context.Context, req memory.CreateRequest) (*memory.Chunk, error)
	FindBySourceLog(ctx context.Context, clientID, logID string) (*memory.Chunk, error)
	ApplyRetention(ctx context.Context, clientID, agentID string, p memory.RetentionPolicy) (*memory.RetentionResult, error)
}

// Patterns is the part of the behavior service consolidation writes to.
type Patterns interface {
	Create(ctx context.Context, req behavior.CreateRequest) (*behavior.Pattern, error)
	FindBySourceLog(ctx context.Context, clientID, logID string) (*behavior.Pattern, error)
	ApplyRetention(ctx context.Context, clientID, agentID string, p behavior.RetentionPolicy) (*behavior.RetentionResult, error)
}

// Recorder receives learning counters for the daily metrics. Event ids
// keep retried calls from counting twice.
type Recorder interface {
	RecordApproval(ctx context.Context, agentID, eventID string, automatic bool) error
	RecordRejection(ctx context.Context, agentID, eventID string) error
	IncrementMemoryUsage(ctx context.Context, agentID, eventID string, n int) error
}

type noopRecorder struct{}

func (noopRecorder) RecordApproval(context.Context, string, string, bool) error      { return nil }
func (noopRecorder) RecordRejection(context.Context, string, string) error           { return nil }
func (noopRecorder) IncrementMemoryUsage(context.Context, string, string, int) error { return nil }

// DefaultLeaseTTL bounds how long a crashed consolidation blocks retries.
const DefaultLeaseTTL = 2 * time.Minute

// Consolidator materializes approved logs. It creates the artifact first,
// tagged with the log id, and then finalizes the log with a conditional
// status update. A retry after a failure between the two steps finds the
// tagged artifact and only finalizes the log.
type Consolidator struct {
	logs     Store
	memories Memories
	patterns Patterns
	claims   idempotency.Store
	recorder Recorder
	leaseTTL time.Duration
	logger   *slog.Logger
	now      func() time.Time
}

func NewConsolidator(logs Store, memories Memories, patterns Patterns, claims idempotency.Store, recorder Recorder, logger *slog.Logger) *Consolidator {
	if claims == nil {
		claims = idempotency.NewMemoryStore()
	}
	if recorder == nil {
		recorder = noopRecorder{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Consolidator{
		logs:     logs,
		memories: memories,
		patterns: patterns,
		claims:   claims,
		recorder: recorder,
		leaseTTL: DefaultLeaseTTL,
		logger:   logger,
		now:      time.Now,
	}
}

func (c *Consolidator) timestamp() time.Time {
	return c.now().UTC().Truncate(time.Microsecond)
}

// Approve consolidates a pending or needs_review log on behalf of reviewer.
func (c *Consolidator) Approve(ctx context.Context, clientID, id, reviewer string) (*Log, error) {
	return c.consolidate(ctx, clientID, id, reviewer, StatusApproved)
}

// AutoApprove consolidates a pending log that cleared the auto-approve threshold.
func (c *Consolidator) AutoApprove(ctx context.Context, clientID, id string) (*Log, error) {
	return c.consolidate(ctx, clientID, id, "", StatusAutoApproved)
}

func (c *Consolidator) consolidate(ctx context.Context, clientID, id, reviewer string, to Status) (done *Log, err error) {
	ctx, span := observability.StartSpan(ctx, "learning.consolidate", "")
	defer func() { observability.EndSpan(span, err) }()

	l, err := c.get(ctx, clientID, id)
	if err != nil {
		return nil, err
	}
	if err := terminalError(l); err != nil {
		return nil, err
	}
	if !CanTransition(l.Status, to) {
		return nil, apperrors.NewValidationError(fmt.Sprintf("learning log %s cannot move from %s to %s", id, l.Status, to))
	}

	key := "consolidate:" + id
	claimed, err := c.claims.PutIfAbsent(ctx, key, c.leaseTTL)
	if err != nil {
		return nil, apperrors.NewTransientError("claim consolidation", err)
	}
	if !claimed {
		return nil, apperrors.NewInProgressError(id)
	}
	defer func() {
		if err := c.claims.Release(context.WithoutCancel(ctx), key); err != nil {
			c.logger.Warn("release consolidation claim", "log_id", id, "error", err)
		}
	}()

	artifactID, created, err := c.materialize(ctx, l)
	if err != nil {
		metrics.Consolidations.WithLabelValues(string(l.Analysis.Target), "error").Inc()
		return nil, err
	}

	done, err = c.logs.Transition(ctx, clientID, id, Transition{
		From:         sourcesOf(to),
		To:           to,
		ReviewedBy:   reviewer,
		ArtifactType: l.Analysis.Target,
		ArtifactID:   artifactID,
		At:           c.timestamp(),
	})
	if errors.Is(err, ErrStatusConflict) {
		current, getErr := c.get(ctx, clientID, id)
		if getErr != nil {
			return nil, getErr
		}
		if termErr := terminalError(current); termErr != nil {
			return nil, termErr
		}
		return nil, apperrors.NewInProgressError(id)
	}
	if err != nil {
		return nil, apperrors.NewTransientError("finalize learning log", err)
	}
	if done == nil {
		return nil, apperrors.NewNotFoundError("learning log", id)
	}

	result := "created"
	if !created {
		result = "reused"
	}
	metrics.Consolidations.WithLabelValues(string(l.Analysis.Target), result).Inc()
	if err := c.recorder.RecordApproval(ctx, l.AgentID, "approval:"+id, to == StatusAutoApproved); err != nil {
		c.logger.Warn("record approval metric", "log_id", id, "error", err)
	}
	c.logger.Info("learning consolidated",
		"log_id", id, "agent_id", l.AgentID, "status", to, "artifact_type", l.Analysis.Target, "artifact_id", artifactID)
	return done, nil
}

// Reject moves a pending or needs_review log to rejected. No artifact is created.
func (c *Consolidator) Reject(ctx context.Context, clientID, id, reviewer string) (*Log, error) {
	l, err := c.get(ctx, clientID, id)
	if err != nil {
		return nil, err
	}
	if err := terminalError(l); err != nil {
		return nil, err
	}
	done, err := c.logs.Transition(ctx, clientID, id, Transition{
		From:       sourcesOf(StatusRejected),
		To:         StatusRejected,
		ReviewedBy: reviewer,
		At:         c.timestamp(),
	})
	if errors.Is(err, ErrStatusConflict) {
		current, getErr := c.get(ctx, clientID, id)
		if getErr != nil {
			return nil, getErr
		}
		if termErr := terminalError(current); termErr != nil {
			return nil, termErr
		}
		return nil, apperrors.NewInProgressError(id)
	}
	if err != nil {
		return nil, apperrors.NewTransientError("reject learning log", err)
	}
	if done == nil {
		return nil, apperrors.NewNotFoundError("learning log", id)
	}
	metrics.LearningProposals.WithLabelValues(string(l.Analysis.Kind), string(StatusRejected)).Inc()
	if err := c.recorder.RecordRejection(ctx, l.AgentID, "rejection:"+id); err != nil {
		c.logger.Warn("record rejection metric", "log_id", id, "error", err)
	}
	return done, nil
}

// BatchResult is the outcome of one id in a batch decision.
type BatchResult struct {
	ID     string `json:"id"`
	Status Status `json:"status,omitempty"`
	Error  string `json:"error,omitempty"`
	Code   string `json:"code,omitempty"`
}

// BatchApprove approves each id independently.
func (c *Consolidator) BatchApprove(ctx context.Context, clientID string, ids []string, reviewer string) []BatchResult {
	return batch(ids, func(id string) (*Log, error) { return c.Approve(ctx, clientID, id, reviewer) })
}

// BatchReject rejects each id independently.
func (c *Consolidator) BatchReject(ctx context.Context, clientID string, ids []string, reviewer string) []BatchResult {
	return batch(ids, func(id string) (*Log, error) { return c.Reject(ctx, clientID, id, reviewer) })
}

func batch(ids []string, fn func(string) (*Log, error)) []BatchResult {
	results := make([]BatchResult, 0, len(ids))
	for _, id := range ids {
		l, err := fn(id)
		r := BatchResult{ID: id}
		if err != nil {
			r.Error = err.Error()
			if appErr, ok := apperrors.As(err); ok {
				r.Code = appErr.Code
			}
		} else {
			r.Status = l.Status
		}
		results = append(results, r)
	}
	return results
}

// materialize returns the artifact for l, creating it unless a previous
// attempt already did.
func (c *Consolidator) materialize(ctx context.Context, l *Log) (id string, created bool, err error) {
	switch l.Analysis.Target {
	case TargetMemory:
		if existing, err := c.memories.FindBySourceLog(ctx, l.ClientID, l.ID); err != nil || existing != nil {
			return chunkID(existing), false, err
		}
		p := l.Analysis.Memory
		md := copyMap(p.Metadata)
		if md == nil {
			md = make(map[string]interface{})
		}
		md[memory.SourceLogMetadataKey] = l.ID
		md["learning_type"] = l.LearningType
		confidence := l.Confidence
		chunk, err := c.memories.Create(ctx, memory.CreateRequest{
			AgentID:          l.AgentID,
			Content:          p.Content,
			ChunkType:        p.ChunkType,
			Metadata:         md,
			Confidence:       &confidence,
			RequireEmbedding: true,
		})
		if errors.Is(err, memory.ErrDuplicateSource) {
			existing, err := c.memories.FindBySourceLog(ctx, l.ClientID, l.ID)
			return chunkID(existing), false, err
		}
		if err != nil {
			return "", false, err
		}
		return chunk.ID, true, nil

	case TargetPattern:
		if existing, err := c.patterns.FindBySourceLog(ctx, l.ClientID, l.ID); err != nil || existing != nil {
			return patternID(existing), false, err
		}
		p := l.Analysis.Pattern
		md := copyMap(p.Metadata)
		if md == nil {
			md = make(map[string]interface{})
		}
		md[behavior.SourceLogMetadataKey] = l.ID
		md["learning_type"] = l.LearningType
		confidence := l.Confidence
		pattern, err := c.patterns.Create(ctx, behavior.CreateRequest{
			AgentID:        l.AgentID,
			PatternType:    p.PatternType,
			TriggerContext: p.TriggerContext,
			ActionConfig:   p.ActionConfig,
			Metadata:       md,
			Confidence:     &confidence,
		})
		if errors.Is(err, behavior.ErrDuplicateSource) {
			existing, err := c.patterns.FindBySourceLog(ctx, l.ClientID, l.ID)
			return patternID(existing), false, err
		}
		if err != nil {
			return "", false, err
		}
		return pattern.ID, true, nil

	default:
		return "", false, apperrors.NewValidationError(fmt.Sprintf("learning log %s has no consolidation target", l.ID))
	}
}

func (c *Consolidator) get(ctx context.Context, clientID, id string) (*Log, error) {
	l, err := c.logs.Get(ctx, clientID, id)
	if err != nil {
		return nil, apperrors.NewTransientError("get learning log", err)
	}
	if l == nil {
		return nil, apperrors.NewNotFoundError("learning log", id)
	}
	return l, nil
}

// terminalError maps a decided log to the conflict error a retry should ignore.
func terminalError(l *Log) error {
	switch l.Status {
	case StatusApproved, StatusAutoApproved:
		return apperrors.NewAlreadyConsolidatedError(l.ID)
	case StatusRejected:
		return apperrors.NewAlreadyTerminalError(l.ID, string(l.Status))
	default:
		return nil
	}
}

func chunkID(c *memory.Chunk) string {
	if c == nil {
		return ""
	}
	return c.ID
}

func patternID(p *behavior.Pattern) string {
	if p == nil {
		return ""
	}
	return p.ID
}
