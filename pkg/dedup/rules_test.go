package dedup

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/recallstack/recall/pkg/memory"
)

func TestNewRuleEngineValidation(t *testing.T) {
	tests := []struct {
		name    string
		rules   string
		wantErr bool
		wantLen int
	}{
		{
			name:    "empty document loads no rules",
			rules:   "",
			wantLen: 0,
		},
		{
			name:    "valid document",
			rules:   `[{"name":"short","type":"min_content_length","params":{"min_length":10}}]`,
			wantLen: 1,
		},
		{
			name:    "unknown rule type rejected",
			rules:   `[{"name":"x","type":"no_such_rule"}]`,
			wantErr: true,
		},
		{
			name:    "missing name rejected",
			rules:   `[{"type":"min_content_length"}]`,
			wantErr: true,
		},
		{
			name:    "extra fields rejected",
			rules:   `[{"name":"x","type":"min_content_length","weight":3}]`,
			wantErr: true,
		},
		{
			name:    "not an array rejected",
			rules:   `{"name":"x","type":"min_content_length"}`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			engine, err := NewRuleEngine([]byte(tt.rules))
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantLen, engine.Len())
		})
	}
}

func TestRuleMinContentLengthVeto(t *testing.T) {
	engine, err := NewRuleEngine([]byte(
		`[{"name":"no-short","type":"min_content_length","params":{"min_length":10}}]`))
	require.NoError(t, err)

	verdict, name := engine.Evaluate(Candidate{Content: "short"}, nil, 0)
	assert.Equal(t, VerdictUnique, verdict)
	assert.Equal(t, "no-short", name)

	verdict, _ = engine.Evaluate(Candidate{Content: "long enough content"}, nil, 0)
	assert.Equal(t, VerdictAbstain, verdict)
}

func TestRuleDifferentConversationNever(t *testing.T) {
	engine, err := NewRuleEngine([]byte(
		`[{"name":"conv","type":"different_conversation_never"}]`))
	require.NoError(t, err)

	match := &memory.Memory{Metadata: map[string]interface{}{"conversation_id": "c1"}}

	verdict, _ := engine.Evaluate(Candidate{
		Content:  "same words",
		Metadata: map[string]interface{}{"conversation_id": "c2"},
	}, match, 0.97)
	assert.Equal(t, VerdictUnique, verdict)

	// Same conversation: rule abstains, vector tier decides
	verdict, _ = engine.Evaluate(Candidate{
		Content:  "same words",
		Metadata: map[string]interface{}{"conversation_id": "c1"},
	}, match, 0.97)
	assert.Equal(t, VerdictAbstain, verdict)

	// No conversation metadata on either side: abstain
	verdict, _ = engine.Evaluate(Candidate{Content: "same words"}, &memory.Memory{}, 0.97)
	assert.Equal(t, VerdictAbstain, verdict)
}

func TestRuleSameUserWithin(t *testing.T) {
	engine, err := NewRuleEngine([]byte(
		`[{"name":"repeat","type":"same_user_within","params":{"window":"1h"}}]`))
	require.NoError(t, err)

	candidate := Candidate{
		Content:  "remember this",
		Metadata: map[string]interface{}{"user_id": "u1"},
	}

	recent := &memory.Memory{
		CreatedAt: time.Now().Add(-10 * time.Minute),
		Metadata:  map[string]interface{}{"user_id": "u1"},
	}
	verdict, _ := engine.Evaluate(candidate, recent, 0.9)
	assert.Equal(t, VerdictDuplicate, verdict)

	old := &memory.Memory{
		CreatedAt: time.Now().Add(-2 * time.Hour),
		Metadata:  map[string]interface{}{"user_id": "u1"},
	}
	verdict, _ = engine.Evaluate(candidate, old, 0.9)
	assert.Equal(t, VerdictAbstain, verdict)

	otherUser := &memory.Memory{
		CreatedAt: time.Now().Add(-10 * time.Minute),
		Metadata:  map[string]interface{}{"user_id": "u2"},
	}
	verdict, _ = engine.Evaluate(candidate, otherUser, 0.9)
	assert.Equal(t, VerdictAbstain, verdict)
}

func TestRulesEvaluateInOrder(t *testing.T) {
	// The first non-abstaining rule decides
	engine, err := NewRuleEngine([]byte(`[
		{"name":"conv","type":"different_conversation_never"},
		{"name":"repeat","type":"same_user_within","params":{"window":"24h"}}
	]`))
	require.NoError(t, err)

	match := &memory.Memory{
		CreatedAt: time.Now().Add(-time.Minute),
		Metadata:  map[string]interface{}{"user_id": "u1", "conversation_id": "c1"},
	}
	verdict, name := engine.Evaluate(Candidate{
		Content:  "text",
		Metadata: map[string]interface{}{"user_id": "u1", "conversation_id": "c2"},
	}, match, 0.99)

	assert.Equal(t, VerdictUnique, verdict)
	assert.Equal(t, "conv", name)
}

func TestParseMode(t *testing.T) {
	for _, valid := range []string{"off", "log_only", "active", "strict"} {
		mode, err := ParseMode(valid)
		require.NoError(t, err)
		assert.Equal(t, Mode(valid), mode)
	}
	_, err := ParseMode("aggressive")
	assert.Error(t, err)
}
