// Package behavior implements the Behavior Store: conditional response
// rules matched against the live conversation context.
package behavior

import (
	"time"
)

// PatternType classifies a behavior pattern. Unknown tags are kept as
// Other and stored under response_strategy.
type PatternType struct {
	name  string
	other bool
}

var (
	PatternResponseStrategy  = PatternType{name: "response_strategy"}
	PatternToneAdjustment    = PatternType{name: "tone_adjustment"}
	PatternFlowOptimization  = PatternType{name: "flow_optimization"}
	PatternObjectionHandling = PatternType{name: "objection_handling"}
)

// PatternTypes lists the known pattern types.
var PatternTypes = []PatternType{
	PatternResponseStrategy, PatternToneAdjustment, PatternFlowOptimization, PatternObjectionHandling,
}

const tagMetadataKey = "pattern_type_tag"

// SourceLogMetadataKey links a consolidated pattern to its learning log.
const SourceLogMetadataKey = "learning_log_id"

// OtherPattern returns the variant for an unrecognized tag.
func OtherPattern(tag string) PatternType {
	return PatternType{name: tag, other: true}
}

// ParsePatternType maps a tag to a pattern type.
func ParsePatternType(tag string) PatternType {
	if tag == "" {
		return PatternResponseStrategy
	}
	for _, pt := range PatternTypes {
		if pt.name == tag {
			return pt
		}
	}
	return OtherPattern(tag)
}

func (p PatternType) IsOther() bool { return p.other }

func (p PatternType) Tag() string {
	if p.name == "" {
		return PatternResponseStrategy.name
	}
	return p.name
}

func (p PatternType) String() string {
	if p.other || p.name == "" {
		return PatternResponseStrategy.name
	}
	return p.name
}

func (p PatternType) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

func (p *PatternType) UnmarshalText(b []byte) error {
	*p = ParsePatternType(string(b))
	return nil
}

func restoreType(bucket string, md map[string]interface{}) PatternType {
	if bucket == PatternResponseStrategy.name {
		if tag, ok := md[tagMetadataKey].(string); ok && tag != "" {
			return OtherPattern(tag)
		}
	}
	return ParsePatternType(bucket)
}

// Operator compares a context field with a condition value.
type Operator string

const (
	OpEquals      Operator = "equals"
	OpContains    Operator = "contains"
	OpGreaterThan Operator = "greater_than"
	OpLessThan    Operator = "less_than"
	OpIn          Operator = "in"
)

// Condition is a single field/operator/value predicate. Field is a dotted
// path into the match context.
type Condition struct {
	Field    string      `json:"field"`
	Operator Operator    `json:"operator"`
	Value    interface{} `json:"value"`
}

// TriggerContext decides when a pattern applies. Each non-empty branch is
// evaluated on its own and the pattern matches when any branch does.
type TriggerContext struct {
	Keywords    []string               `json:"keywords,omitempty"`
	UserProfile map[string]interface{} `json:"user_profile,omitempty"`
	Conditions  []Condition            `json:"conditions,omitempty"`
}

// Empty reports whether no branch is defined.
func (t TriggerContext) Empty() bool {
	return len(t.Keywords) == 0 && len(t.UserProfile) == 0 && len(t.Conditions) == 0
}

// Pattern is a conditional response rule.
type Pattern struct {
	ID               string                 `json:"id"`
	AgentID          string                 `json:"agent_id"`
	ClientID         string                 `json:"client_id"`
	PatternType      PatternType            `json:"pattern_type"`
	TriggerContext   TriggerContext         `json:"trigger_context"`
	ActionConfig     map[string]interface{} `json:"action_config"`
	Metadata         map[string]interface{} `json:"metadata,omitempty"`
	SuccessRate      float64                `json:"success_rate"`
	ApplicationCount int                    `json:"application_count"`
	Confidence       float64                `json:"confidence"`
	IsActive         bool                   `json:"is_active"`
	LastUsedAt       *time.Time             `json:"last_used_at,omitempty"`
	CreatedAt        time.Time              `json:"created_at"`
	UpdatedAt        time.Time              `json:"updated_at"`
}

// Clone returns a copy that shares no maps or slices with p.
func (p *Pattern) Clone() *Pattern {
	cp := *p
	cp.TriggerContext.Keywords = append([]string(nil), p.TriggerContext.Keywords...)
	cp.TriggerContext.UserProfile = copyMap(p.TriggerContext.UserProfile)
	cp.TriggerContext.Conditions = append([]Condition(nil), p.TriggerContext.Conditions...)
	cp.ActionConfig = copyMap(p.ActionConfig)
	cp.Metadata = copyMap(p.Metadata)
	if p.LastUsedAt != nil {
		t := *p.LastUsedAt
		cp.LastUsedAt = &t
	}
	return &cp
}

func (p *Pattern) storedMetadata() map[string]interface{} {
	md := make(map[string]interface{}, len(p.Metadata)+1)
	for k, v := range p.Metadata {
		md[k] = v
	}
	if p.PatternType.IsOther() {
		md[tagMetadataKey] = p.PatternType.Tag()
	} else {
		delete(md, tagMetadataKey)
	}
	return md
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

// Filter selects patterns for listing.
type Filter struct {
	ClientID    string
	AgentID     string
	PatternType *PatternType
	IsActive    *bool
	Limit       int
	Offset      int
}

// Stats summarizes an agent's patterns.
type Stats struct {
	AgentID           string         `json:"agent_id"`
	Total             int            `json:"total"`
	Active            int            `json:"active"`
	ByType            map[string]int `json:"by_pattern_type"`
	AvgSuccessRate    float64        `json:"avg_success_rate"`
	TotalApplications int            `json:"total_applications"`
}
