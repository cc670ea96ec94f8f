package behavior

import (
	"fmt"
	"reflect"
	"strings"

	"github.com/blueberrycongee/sicc/internal/embedding"
	apperrors "github.com/blueberrycongee/sicc/pkg/errors"
)

// Context keys read by the keyword and user-profile branches.
const (
	ContextMessage     = "message"
	ContextUserProfile = "user_profile"
)

// Matches reports whether trigger applies to ctx. Keywords match as
// accent and case insensitive substrings of the message; every user
// profile entry must equal the context's profile; every condition must hold.
func Matches(trigger TriggerContext, ctx map[string]interface{}) bool {
	if len(trigger.Keywords) > 0 && matchKeywords(trigger.Keywords, ctx) {
		return true
	}
	if len(trigger.UserProfile) > 0 && matchProfile(trigger.UserProfile, ctx) {
		return true
	}
	if len(trigger.Conditions) > 0 && matchConditions(trigger.Conditions, ctx) {
		return true
	}
	return false
}

func matchKeywords(keywords []string, ctx map[string]interface{}) bool {
	msg, ok := ctx[ContextMessage].(string)
	if !ok || msg == "" {
		return false
	}
	msg = embedding.Fold(msg)
	for _, kw := range keywords {
		kw = embedding.Fold(strings.TrimSpace(kw))
		if kw != "" && strings.Contains(msg, kw) {
			return true
		}
	}
	return false
}

func matchProfile(want map[string]interface{}, ctx map[string]interface{}) bool {
	profile, ok := ctx[ContextUserProfile].(map[string]interface{})
	if !ok {
		return false
	}
	for k, v := range want {
		got, ok := profile[k]
		if !ok || !equal(got, v) {
			return false
		}
	}
	return true
}

func matchConditions(conds []Condition, ctx map[string]interface{}) bool {
	for _, c := range conds {
		got, ok := lookup(ctx, c.Field)
		if !ok || !evaluate(c.Operator, got, c.Value) {
			return false
		}
	}
	return true
}

// ValidateTrigger rejects triggers that can never be evaluated.
func ValidateTrigger(t TriggerContext) error {
	if t.Empty() {
		return apperrors.NewValidationError("trigger_context must define keywords, user_profile or conditions")
	}
	for i, c := range t.Conditions {
		if c.Field == "" {
			return apperrors.NewValidationError(fmt.Sprintf("condition %d: field is required", i))
		}
		switch c.Operator {
		case OpEquals, OpContains:
		case OpGreaterThan, OpLessThan:
			if _, ok := toFloat(c.Value); !ok {
				return apperrors.NewValidationError(fmt.Sprintf("condition %d: %s needs a numeric value", i, c.Operator))
			}
		case OpIn:
			if _, ok := toSlice(c.Value); !ok {
				return apperrors.NewValidationError(fmt.Sprintf("condition %d: in needs a list value", i))
			}
		default:
			return apperrors.NewValidationError(fmt.Sprintf("condition %d: unknown operator %q", i, c.Operator))
		}
	}
	return nil
}

func evaluate(op Operator, got, want interface{}) bool {
	switch op {
	case OpEquals:
		return equal(got, want)
	case OpContains:
		if s, ok := got.(string); ok {
			w, ok := want.(string)
			return ok && strings.Contains(embedding.Fold(s), embedding.Fold(w))
		}
		if items, ok := toSlice(got); ok {
			for _, item := range items {
				if equal(item, want) {
					return true
				}
			}
		}
		return false
	case OpGreaterThan, OpLessThan:
		g, ok1 := toFloat(got)
		w, ok2 := toFloat(want)
		if !ok1 || !ok2 {
			return false
		}
		if op == OpGreaterThan {
			return g > w
		}
		return g < w
	case OpIn:
		items, ok := toSlice(want)
		if !ok {
			return false
		}
		for _, item := range items {
			if equal(got, item) {
				return true
			}
		}
		return false
	default:
		return false
	}
}

// lookup resolves a dotted path such as "user_profile.segment".
func lookup(ctx map[string]interface{}, path string) (interface{}, bool) {
	var cur interface{} = ctx
	for _, part := range strings.Split(path, ".") {
		m, ok := cur.(map[string]interface{})
		if !ok {
			return nil, false
		}
		cur, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// equal compares JSON-decoded values, treating numbers by value.
func equal(a, b interface{}) bool {
	if fa, ok := toFloat(a); ok {
		if fb, ok := toFloat(b); ok {
			return fa == fb
		}
	}
	return reflect.DeepEqual(a, b)
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case int32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case interface{ Float64() (float64, error) }:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

func toSlice(v interface{}) ([]interface{}, bool) {
	switch s := v.(type) {
	case []interface{}:
		return s, true
	case []string:
		out := make([]interface{}, len(s))
		for i, x := range s {
			out[i] = x
		}
		return out, true
	default:
		return nil, false
	}
}
