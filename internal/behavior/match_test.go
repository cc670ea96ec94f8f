package behavior

import (
	"testing"

	"github.com/stretchr/testify/assert"

	apperrors "github.com/blueberrycongee/sicc/pkg/errors"
)

func TestMatches_Keywords(t *testing.T) {
	trigger := TriggerContext{Keywords: []string{"price", "cost"}}

	assert.True(t, Matches(trigger, map[string]interface{}{"message": "What is the cost?"}))
	assert.True(t, Matches(trigger, map[string]interface{}{"message": "PRICE list please"}))
	assert.False(t, Matches(trigger, map[string]interface{}{"message": "Hello there"}))
	assert.False(t, Matches(trigger, map[string]interface{}{}))

	accented := TriggerContext{Keywords: []string{"preço"}}
	assert.True(t, Matches(accented, map[string]interface{}{"message": "Qual o PRECO?"}))
}

func TestMatches_UserProfile(t *testing.T) {
	trigger := TriggerContext{UserProfile: map[string]interface{}{"segment": "enterprise", "seats": 50}}

	assert.True(t, Matches(trigger, map[string]interface{}{
		"user_profile": map[string]interface{}{"segment": "enterprise", "seats": float64(50), "region": "eu"},
	}))
	assert.False(t, Matches(trigger, map[string]interface{}{
		"user_profile": map[string]interface{}{"segment": "enterprise"},
	}))
	assert.False(t, Matches(trigger, map[string]interface{}{"user_profile": "enterprise"}))
}

func TestMatches_Conditions(t *testing.T) {
	ctx := map[string]interface{}{
		"message": "I want to cancel",
		"user_profile": map[string]interface{}{
			"tier":  "gold",
			"spend": float64(1200),
			"tags":  []interface{}{"vip", "churn-risk"},
		},
	}

	tests := []struct {
		name string
		cond Condition
		want bool
	}{
		{"equals", Condition{Field: "user_profile.tier", Operator: OpEquals, Value: "gold"}, true},
		{"equals mismatch", Condition{Field: "user_profile.tier", Operator: OpEquals, Value: "silver"}, false},
		{"contains string", Condition{Field: "message", Operator: OpContains, Value: "CANCEL"}, true},
		{"contains list", Condition{Field: "user_profile.tags", Operator: OpContains, Value: "vip"}, true},
		{"greater than", Condition{Field: "user_profile.spend", Operator: OpGreaterThan, Value: 1000}, true},
		{"less than", Condition{Field: "user_profile.spend", Operator: OpLessThan, Value: 1000}, false},
		{"in", Condition{Field: "user_profile.tier", Operator: OpIn, Value: []interface{}{"gold", "platinum"}}, true},
		{"in mismatch", Condition{Field: "user_profile.tier", Operator: OpIn, Value: []string{"bronze"}}, false},
		{"missing field", Condition{Field: "user_profile.age", Operator: OpGreaterThan, Value: 18}, false},
		{"non numeric", Condition{Field: "user_profile.tier", Operator: OpGreaterThan, Value: 1}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Matches(TriggerContext{Conditions: []Condition{tt.cond}}, ctx)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestMatches_AllConditionsMustHold(t *testing.T) {
	ctx := map[string]interface{}{"score": 7, "plan": "pro"}
	trigger := TriggerContext{Conditions: []Condition{
		{Field: "score", Operator: OpGreaterThan, Value: 5},
		{Field: "plan", Operator: OpEquals, Value: "free"},
	}}
	assert.False(t, Matches(trigger, ctx))

	trigger.Conditions[1].Value = "pro"
	assert.True(t, Matches(trigger, ctx))
}

func TestMatches_AnyBranch(t *testing.T) {
	trigger := TriggerContext{
		Keywords:   []string{"refund"},
		Conditions: []Condition{{Field: "channel", Operator: OpEquals, Value: "whatsapp"}},
	}
	assert.True(t, Matches(trigger, map[string]interface{}{"message": "hi", "channel": "whatsapp"}))
	assert.True(t, Matches(trigger, map[string]interface{}{"message": "refund please", "channel": "web"}))
	assert.False(t, Matches(trigger, map[string]interface{}{"message": "hi", "channel": "web"}))
}

func TestValidateTrigger(t *testing.T) {
	tests := []struct {
		name    string
		trigger TriggerContext
		valid   bool
	}{
		{"keywords", TriggerContext{Keywords: []string{"price"}}, true},
		{"empty", TriggerContext{}, false},
		{"missing field", TriggerContext{Conditions: []Condition{{Operator: OpEquals, Value: 1}}}, false},
		{"unknown operator", TriggerContext{Conditions: []Condition{{Field: "x", Operator: "regex", Value: "a"}}}, false},
		{"non numeric comparison", TriggerContext{Conditions: []Condition{{Field: "x", Operator: OpGreaterThan, Value: "a"}}}, false},
		{"in without list", TriggerContext{Conditions: []Condition{{Field: "x", Operator: OpIn, Value: "a"}}}, false},
		{"valid in", TriggerContext{Conditions: []Condition{{Field: "x", Operator: OpIn, Value: []interface{}{"a"}}}}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateTrigger(tt.trigger)
			if tt.valid {
				assert.NoError(t, err)
				return
			}
			assert.True(t, apperrors.IsKind(err, apperrors.KindValidation))
		})
	}
}
