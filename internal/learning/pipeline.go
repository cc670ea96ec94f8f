package learning

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/blueberrycongee/sicc/internal/agent"
	"github.com/blueberrycongee/sicc/internal/behavior"
	"github.com/blueberrycongee/sicc/internal/memory"
	"github.com/blueberrycongee/sicc/internal/metrics"
	"github.com/blueberrycongee/sicc/internal/observability"
	"github.com/blueberrycongee/sicc/internal/settings"
	apperrors "github.com/blueberrycongee/sicc/pkg/errors"
)

const (
	DefaultListLimit = 50
	MaxListLimit     = 500
)

// Source names where a proposal came from; each maps to a settings toggle.
type Source string

const (
	SourceConversation Source = "conversation"
	SourceDocument     Source = "document"
	SourceFeedback     Source = "feedback"
	SourcePattern      Source = "pattern"
)

func (s Source) enabled(st settings.Settings) bool {
	switch s {
	case SourceDocument:
		return st.LearnFromDocuments
	case SourceFeedback:
		return st.LearnFromFeedback
	case SourcePattern:
		return st.LearnFromPatterns
	default:
		return st.LearnFromConversations
	}
}

// Pipeline runs classification and disposition for interactions and owns
// the read side of learning logs.
type Pipeline struct {
	logs         Store
	analyzer     Analyzer
	agents       agent.Directory
	settings     *settings.Provider
	consolidator *Consolidator
	logger       *slog.Logger
	now          func() time.Time
}

func NewPipeline(logs Store, analyzer Analyzer, agents agent.Directory, provider *settings.Provider, consolidator *Consolidator, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		logs:         logs,
		analyzer:     analyzer,
		agents:       agents,
		settings:     provider,
		consolidator: consolidator,
		logger:       logger,
		now:          time.Now,
	}
}

// Consolidator returns the consolidator used for approvals.
func (p *Pipeline) Consolidator() *Consolidator { return p.consolidator }

func (p *Pipeline) timestamp() time.Time {
	return p.now().UTC().Truncate(time.Microsecond)
}

// Process classifies one interaction and records a log per proposal.
// Logs for an event with an id get deterministic ids, so reprocessing the
// same event returns the logs created the first time.
func (p *Pipeline) Process(ctx context.Context, ev Event) (logs []*Log, err error) {
	ctx, span := observability.StartSpan(ctx, "learning.process", ev.AgentID)
	defer func() { observability.EndSpan(span, err) }()

	a, err := agent.Resolve(ctx, p.agents, ev.AgentID)
	if err != nil {
		return nil, err
	}
	st, err := p.settings.Get(ctx, a.ID)
	if err != nil {
		return nil, err
	}
	proposals, err := p.analyzer.Analyze(ctx, ev)
	if err != nil {
		return nil, fmt.Errorf("analyze event: %w", err)
	}

	source := map[string]interface{}{
		"event_id":   ev.ID,
		"agent_type": ev.AgentType,
		"messages":   ev.Messages,
		"response":   ev.Response,
	}
	if len(ev.Context) > 0 {
		source["context"] = ev.Context
	}

	for i, prop := range proposals {
		if prop.Analysis.Kind == KindRetrieveLog {
			p.recordRetrieval(ctx, a.ID, ev.ID, prop.MemoryIDs)
			continue
		}
		src := SourceConversation
		if prop.Analysis.Kind == KindMemorize {
			src = SourceFeedback
		}
		if !src.enabled(st) {
			metrics.LearningProposals.WithLabelValues(string(prop.Analysis.Kind), "skipped").Inc()
			continue
		}
		l, err := p.dispose(ctx, a, st, logID(ev.ID, i), ev.ID, prop, source)
		if err != nil {
			return logs, err
		}
		logs = append(logs, l)
	}
	return logs, nil
}

func (p *Pipeline) recordRetrieval(ctx context.Context, agentID, eventID string, ids []string) {
	key := ""
	if eventID != "" {
		key = eventID + ":retrieval"
	}
	if err := p.consolidator.recorder.IncrementMemoryUsage(ctx, agentID, key, len(ids)); err != nil {
		p.logger.Warn("record memory retrieval", "agent_id", agentID, "error", err)
	}
	metrics.LearningProposals.WithLabelValues(string(KindRetrieveLog), "recorded").Inc()
}

// SubmitRequest is a proposal submitted directly rather than produced by the analyzer.
type SubmitRequest struct {
	AgentID      string                 `json:"agent_id"`
	Source       Source                 `json:"source,omitempty"`
	LearningType string                 `json:"learning_type"`
	Analysis     Analysis               `json:"analysis"`
	Confidence   float64                `json:"confidence"`
	SourceData   map[string]interface{} `json:"source_data,omitempty"`
}

// Submit records a proposal and applies the agent's disposition thresholds.
func (p *Pipeline) Submit(ctx context.Context, req SubmitRequest) (*Log, error) {
	a, err := agent.Resolve(ctx, p.agents, req.AgentID)
	if err != nil {
		return nil, err
	}
	st, err := p.settings.Get(ctx, a.ID)
	if err != nil {
		return nil, err
	}
	if req.Source == "" {
		req.Source = SourceConversation
	}
	if !req.Source.enabled(st) {
		return nil, apperrors.NewValidationError(fmt.Sprintf("learning from %s is disabled for agent %s", req.Source, a.ID))
	}
	if req.LearningType == "" {
		req.LearningType = string(req.Analysis.Kind)
	}
	return p.dispose(ctx, a, st, uuid.NewString(), "", Proposal{
		LearningType: req.LearningType,
		Analysis:     req.Analysis,
		Confidence:   req.Confidence,
	}, req.SourceData)
}

// AnalyzeRequest is a conversation submitted for synchronous analysis.
type AnalyzeRequest struct {
	Messages []Message              `json:"messages"`
	Response string                 `json:"response,omitempty"`
	Context  map[string]interface{} `json:"context,omitempty"`
}

// Analyze runs the pipeline on a conversation outside the hook path.
func (p *Pipeline) Analyze(ctx context.Context, agentID string, req AnalyzeRequest) ([]*Log, error) {
	if len(req.Messages) == 0 {
		return nil, apperrors.NewValidationError("messages must not be empty")
	}
	return p.Process(ctx, Event{
		ID:         uuid.NewString(),
		AgentID:    agentID,
		Messages:   req.Messages,
		Response:   req.Response,
		Context:    req.Context,
		EnqueuedAt: p.timestamp(),
	})
}

func (p *Pipeline) dispose(ctx context.Context, a *agent.Agent, st settings.Settings, id, eventID string, prop Proposal, source map[string]interface{}) (*Log, error) {
	if err := prop.Analysis.Validate(); err != nil {
		return nil, err
	}
	if prop.Confidence < 0 || prop.Confidence > 1 {
		return nil, apperrors.NewValidationError("confidence must be within [0, 1]")
	}

	status := StatusPending
	if prop.Confidence < st.ManualReviewThreshold {
		status = StatusNeedsReview
	}
	now := p.timestamp()
	l := &Log{
		ID:           id,
		AgentID:      a.ID,
		ClientID:     a.ClientID,
		EventID:      eventID,
		LearningType: prop.LearningType,
		SourceData:   source,
		Analysis:     prop.Analysis,
		Confidence:   prop.Confidence,
		Status:       status,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	err := p.logs.Create(ctx, l)
	if errors.Is(err, ErrDuplicateLog) {
		existing, err := p.logs.Get(ctx, a.ClientID, id)
		if err != nil {
			return nil, apperrors.NewTransientError("get learning log", err)
		}
		if existing == nil {
			return nil, apperrors.NewTransientError("learning log id collision", ErrDuplicateLog)
		}
		l = existing
	} else if err != nil {
		return nil, apperrors.NewTransientError("store learning log", err)
	}

	disposition := string(l.Status)
	if l.Status == StatusPending && l.Confidence >= st.AutoApproveThreshold {
		done, err := p.consolidator.AutoApprove(ctx, a.ClientID, l.ID)
		switch {
		case err == nil:
			l = done
			disposition = string(StatusAutoApproved)
		case apperrors.HasCode(err, apperrors.CodeInProgress):
			disposition = "in_progress"
		default:
			// The log stays pending; the next consolidation pass retries it.
			p.logger.Warn("auto consolidation deferred", "log_id", l.ID, "agent_id", a.ID, "error", err)
			disposition = "deferred"
			at := p.timestamp()
			if err := p.logs.MarkDeferred(ctx, a.ClientID, l.ID, at); err != nil {
				p.logger.Warn("mark learning log deferred", "log_id", l.ID, "error", err)
			} else if l.DeferredAt == nil {
				l.DeferredAt = &at
			}
		}
	}
	metrics.LearningProposals.WithLabelValues(string(prop.Analysis.Kind), disposition).Inc()
	return l, nil
}

// Get returns a log owned by clientID.
func (p *Pipeline) Get(ctx context.Context, clientID, id string) (*Log, error) {
	return p.consolidator.get(ctx, clientID, id)
}

// ListRequest pages through logs.
type ListRequest struct {
	AgentID string
	Status  string
	Kind    string
	Limit   int
	Offset  int
}

func (p *Pipeline) List(ctx context.Context, clientID string, req ListRequest) ([]*Log, error) {
	if req.Limit <= 0 {
		req.Limit = DefaultListLimit
	}
	if req.Limit > MaxListLimit {
		req.Limit = MaxListLimit
	}
	if req.Offset < 0 {
		return nil, apperrors.NewValidationError("offset must not be negative")
	}
	f := Filter{ClientID: clientID, AgentID: req.AgentID, Kind: Kind(req.Kind), Limit: req.Limit, Offset: req.Offset}
	if req.Status != "" {
		st, err := ParseStatus(req.Status)
		if err != nil {
			return nil, err
		}
		f.Statuses = []Status{st}
	}
	list, err := p.logs.List(ctx, f)
	if err != nil {
		return nil, apperrors.NewTransientError("list learning logs", err)
	}
	return list, nil
}

// Stats summarizes the agent's logs.
func (p *Pipeline) Stats(ctx context.Context, agentID string) (*Stats, error) {
	a, err := agent.Resolve(ctx, p.agents, agentID)
	if err != nil {
		return nil, err
	}
	st, err := p.logs.Stats(ctx, a.ClientID, a.ID)
	if err != nil {
		return nil, apperrors.NewTransientError("learning stats", err)
	}
	return st, nil
}

// ConsolidationReport is the outcome of one scheduled consolidation pass.
type ConsolidationReport struct {
	AgentID          string                    `json:"agent_id"`
	Eligible         int                       `json:"eligible"`
	Consolidated     int                       `json:"consolidated"`
	Failed           int                       `json:"failed"`
	Skipped          bool                      `json:"skipped"`
	MemoryRetention  *memory.RetentionResult   `json:"memory_retention,omitempty"`
	PatternRetention *behavior.RetentionResult `json:"pattern_retention,omitempty"`
}

// RunConsolidation auto-approves pending logs that clear the agent's
// threshold and then applies memory and pattern retention. Logs whose inline
// consolidation was deferred are always retried; the rest wait until at
// least MinLearningsForConsolidation of them are eligible.
func (p *Pipeline) RunConsolidation(ctx context.Context, agentID string) (*ConsolidationReport, error) {
	a, err := agent.Resolve(ctx, p.agents, agentID)
	if err != nil {
		return nil, err
	}
	st, err := p.settings.Get(ctx, a.ID)
	if err != nil {
		return nil, err
	}
	eligible, err := p.logs.List(ctx, Filter{
		ClientID:      a.ClientID,
		AgentID:       a.ID,
		Statuses:      []Status{StatusPending},
		MinConfidence: st.AutoApproveThreshold,
	})
	if err != nil {
		return nil, apperrors.NewTransientError("list pending learning logs", err)
	}

	report := &ConsolidationReport{AgentID: a.ID, Eligible: len(eligible)}
	var deferred, fresh []*Log
	for _, l := range eligible {
		if l.DeferredAt != nil {
			deferred = append(deferred, l)
		} else {
			fresh = append(fresh, l)
		}
	}
	batch := deferred
	if len(fresh) < st.MinLearningsForConsolidation {
		report.Skipped = len(fresh) > 0 || len(deferred) == 0
	} else {
		batch = append(batch, fresh...)
	}
	if len(batch) > 0 {
		var firstErr error
		for _, l := range batch {
			_, err := p.consolidator.AutoApprove(ctx, a.ClientID, l.ID)
			switch {
			case err == nil:
				report.Consolidated++
			case apperrors.HasCode(err, apperrors.CodeAlreadyConsolidated), apperrors.HasCode(err, apperrors.CodeAlreadyTerminal):
			default:
				report.Failed++
				if firstErr == nil {
					firstErr = err
				}
				p.logger.Warn("consolidation failed", "log_id", l.ID, "agent_id", a.ID, "error", err)
			}
		}
		if firstErr != nil && apperrors.IsRetryable(firstErr) && report.Consolidated == 0 {
			return report, firstErr
		}
	}

	report.MemoryRetention, err = p.consolidator.memories.ApplyRetention(ctx, a.ClientID, a.ID, memory.RetentionPolicy{
		MaxChunks:           st.MaxMemoryChunks,
		ImportanceThreshold: st.MemoryImportanceThreshold,
		RetentionDays:       st.MemoryRetentionDays,
	})
	if err != nil {
		return report, err
	}
	report.PatternRetention, err = p.consolidator.patterns.ApplyRetention(ctx, a.ClientID, a.ID, behavior.RetentionPolicy{
		MinUsageCount:    st.PatternMinUsageCount,
		SuccessThreshold: st.PatternSuccessThreshold,
		MaxPatterns:      st.MaxBehaviorPatterns,
	})
	if err != nil {
		return report, err
	}
	return report, nil
}

// logNamespace scopes deterministic learning log ids.
var logNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("urn:sicc:learning-log"))

func logID(eventID string, index int) string {
	if eventID == "" {
		return uuid.NewString()
	}
	return uuid.NewSHA1(logNamespace, []byte(eventID+"/"+strconv.Itoa(index))).String()
}
