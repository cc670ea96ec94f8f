// Package learning turns agent interactions into reviewed knowledge: the
// analyzer proposes, the pipeline disposes and the consolidator
// materializes approved proposals as memories or behavior patterns.
package learning

import (
	"fmt"
	"time"

	"github.com/blueberrycongee/sicc/internal/behavior"
	apperrors "github.com/blueberrycongee/sicc/pkg/errors"
)

// Status is the lifecycle state of a LearningLog.
type Status string

const (
	StatusPending      Status = "pending"
	StatusNeedsReview  Status = "needs_review"
	StatusApproved     Status = "approved"
	StatusAutoApproved Status = "auto_approved"
	StatusRejected     Status = "rejected"
)

// Terminal reports whether no further transition is allowed.
func (s Status) Terminal() bool {
	return s == StatusApproved || s == StatusAutoApproved || s == StatusRejected
}

// ParseStatus validates a status name.
func ParseStatus(s string) (Status, error) {
	switch st := Status(s); st {
	case StatusPending, StatusNeedsReview, StatusApproved, StatusAutoApproved, StatusRejected:
		return st, nil
	default:
		return "", apperrors.NewValidationError(fmt.Sprintf("unknown learning status %q", s))
	}
}

var transitions = map[Status][]Status{
	StatusPending:     {StatusAutoApproved, StatusApproved, StatusRejected, StatusNeedsReview},
	StatusNeedsReview: {StatusApproved, StatusRejected},
}

// CanTransition reports whether from -> to is an edge of the log state machine.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// sourcesOf lists the states that may move to the target status.
func sourcesOf(to Status) []Status {
	var from []Status
	for s, targets := range transitions {
		for _, t := range targets {
			if t == to {
				from = append(from, s)
			}
		}
	}
	return from
}

// Kind is the analyzer proposal kind.
type Kind string

const (
	KindMemorize    Kind = "memorize"
	KindLearn       Kind = "learn"
	KindRetrieveLog Kind = "retrieve_log"
)

// Target is the artifact a proposal materializes as.
type Target string

const (
	TargetMemory  Target = "memory"
	TargetPattern Target = "pattern"
)

// MemoryProposal is the payload of a proposal that becomes a memory chunk.
type MemoryProposal struct {
	Content   string                 `json:"content"`
	ChunkType string                 `json:"chunk_type,omitempty"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

// PatternProposal is the payload of a proposal that becomes a behavior pattern.
type PatternProposal struct {
	PatternType    string                  `json:"pattern_type,omitempty"`
	TriggerContext behavior.TriggerContext `json:"trigger_context"`
	ActionConfig   map[string]interface{}  `json:"action_config"`
	Metadata       map[string]interface{}  `json:"metadata,omitempty"`
}

// Analysis is the structured proposal stored on a log.
type Analysis struct {
	Kind          Kind             `json:"kind"`
	Target        Target           `json:"target"`
	Memory        *MemoryProposal  `json:"memory,omitempty"`
	Pattern       *PatternProposal `json:"pattern,omitempty"`
	Justification string           `json:"justification,omitempty"`
}

// Validate checks that the payload matches the target.
func (a Analysis) Validate() error {
	switch a.Kind {
	case KindMemorize, KindLearn:
	default:
		return apperrors.NewValidationError(fmt.Sprintf("unknown proposal kind %q", a.Kind))
	}
	switch a.Target {
	case TargetMemory:
		if a.Memory == nil {
			return apperrors.NewValidationError("memory proposal is missing")
		}
		if a.Memory.Content == "" {
			return apperrors.NewContentEmptyError()
		}
	case TargetPattern:
		if a.Kind != KindLearn {
			return apperrors.NewValidationError("only learn proposals may target a pattern")
		}
		if a.Pattern == nil {
			return apperrors.NewValidationError("pattern proposal is missing")
		}
		if err := behavior.ValidateTrigger(a.Pattern.TriggerContext); err != nil {
			return err
		}
		if len(a.Pattern.ActionConfig) == 0 {
			return apperrors.NewValidationError("action_config must not be empty")
		}
	default:
		return apperrors.NewValidationError(fmt.Sprintf("unknown proposal target %q", a.Target))
	}
	return nil
}

// Proposal is one analyzer output.
type Proposal struct {
	LearningType string
	Analysis     Analysis
	Confidence   float64
	// MemoryIDs are the retrieved memories a retrieve_log proposal reports.
	MemoryIDs []string
}

// Log is a LearningLog: a proposal and its disposition. DeferredAt is set
// when inline auto-consolidation failed and the log was left for the
// consolidation pass.
type Log struct {
	ID           string                 `json:"id"`
	AgentID      string                 `json:"agent_id"`
	ClientID     string                 `json:"client_id"`
	EventID      string                 `json:"event_id,omitempty"`
	LearningType string                 `json:"learning_type"`
	SourceData   map[string]interface{} `json:"source_data"`
	Analysis     Analysis               `json:"analysis"`
	Confidence   float64                `json:"confidence"`
	Status       Status                 `json:"status"`
	ReviewedBy   string                 `json:"reviewed_by,omitempty"`
	ReviewedAt   *time.Time             `json:"reviewed_at,omitempty"`
	ArtifactType Target                 `json:"artifact_type,omitempty"`
	ArtifactID   string                 `json:"artifact_id,omitempty"`
	DeferredAt   *time.Time             `json:"deferred_at,omitempty"`
	CreatedAt    time.Time              `json:"created_at"`
	UpdatedAt    time.Time              `json:"updated_at"`
}

// Clone returns a deep enough copy for store isolation.
func (l *Log) Clone() *Log {
	cp := *l
	cp.SourceData = copyMap(l.SourceData)
	if l.Analysis.Memory != nil {
		m := *l.Analysis.Memory
		m.Metadata = copyMap(m.Metadata)
		cp.Analysis.Memory = &m
	}
	if l.Analysis.Pattern != nil {
		p := *l.Analysis.Pattern
		p.ActionConfig = copyMap(p.ActionConfig)
		p.Metadata = copyMap(p.Metadata)
		p.TriggerContext.Keywords = append([]string(nil), p.TriggerContext.Keywords...)
		p.TriggerContext.Conditions = append([]behavior.Condition(nil), p.TriggerContext.Conditions...)
		cp.Analysis.Pattern = &p
	}
	if l.ReviewedAt != nil {
		t := *l.ReviewedAt
		cp.ReviewedAt = &t
	}
	if l.DeferredAt != nil {
		t := *l.DeferredAt
		cp.DeferredAt = &t
	}
	return &cp
}

func copyMap(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return nil
	}
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Message is one conversation turn.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Event is a LearningEvent delivered by the ingress hook.
type Event struct {
	ID         string                 `json:"id"`
	AgentID    string                 `json:"agent_id"`
	AgentType  string                 `json:"agent_type,omitempty"`
	Messages   []Message              `json:"messages"`
	Response   string                 `json:"response"`
	Context    map[string]interface{} `json:"context,omitempty"`
	EnqueuedAt time.Time              `json:"enqueued_at"`
}

// Filter selects logs for listing.
type Filter struct {
	ClientID string
	AgentID  string
	Statuses []Status
	Kind     Kind
	// MinConfidence excludes logs below it when positive.
	MinConfidence float64
	Limit         int
	Offset        int
}

// Stats summarizes an agent's learning logs.
type Stats struct {
	AgentID       string         `json:"agent_id"`
	Total         int            `json:"total"`
	ByStatus      map[Status]int `json:"by_status"`
	ByKind        map[Kind]int   `json:"by_kind"`
	AvgConfidence float64        `json:"avg_confidence"`
	// ApprovalRate is approved plus auto_approved over all decided logs.
	ApprovalRate float64 `json:"approval_rate"`
}
