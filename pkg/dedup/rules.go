package dedup

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/xeipuuv/gojsonschema"

	"github.com/recallstack/recall/pkg/memory"
)

// Verdict is a single rule's judgement.
type Verdict string

// Rule verdicts. Abstain passes the decision to the next rule.
const (
	VerdictDuplicate Verdict = "duplicate"
	VerdictUnique    Verdict = "unique"
	VerdictAbstain   Verdict = "abstain"
)

// Rule is one data-driven predicate. Rules are configuration, not code:
// the engine only orchestrates.
type Rule struct {
	Name   string                 `json:"name"`
	Type   string                 `json:"type"`
	Params map[string]interface{} `json:"params,omitempty"`
}

// Supported rule types.
const (
	RuleSameUserWithin             = "same_user_within"
	RuleDifferentConversationNever = "different_conversation_never"
	RuleMinContentLength           = "min_content_length"
)

// rulesSchema validates rule documents before they are loaded.
const rulesSchema = `{
	"type": "array",
	"items": {
		"type": "object",
		"required": ["name", "type"],
		"properties": {
			"name": {"type": "string", "minLength": 1},
			"type": {"enum": ["same_user_within", "different_conversation_never", "min_content_length"]},
			"params": {"type": "object"}
		},
		"additionalProperties": false
	}
}`

// RuleEngine evaluates ordered rules against a candidate and its best
// existing match. The first non-abstaining rule decides.
type RuleEngine struct {
	rules []Rule
	now   func() time.Time
}

// NewRuleEngine validates the JSON rules document against the embedded
// schema and builds an engine.
func NewRuleEngine(rulesJSON []byte) (*RuleEngine, error) {
	if len(rulesJSON) == 0 {
		return &RuleEngine{now: time.Now}, nil
	}

	result, err := gojsonschema.Validate(
		gojsonschema.NewStringLoader(rulesSchema),
		gojsonschema.NewBytesLoader(rulesJSON),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to validate dedup rules: %w", err)
	}
	if !result.Valid() {
		return nil, fmt.Errorf("invalid dedup rules document: %v", result.Errors())
	}

	var rules []Rule
	if err := json.Unmarshal(rulesJSON, &rules); err != nil {
		return nil, fmt.Errorf("failed to parse dedup rules: %w", err)
	}
	return &RuleEngine{rules: rules, now: time.Now}, nil
}

// Len returns the number of loaded rules.
func (e *RuleEngine) Len() int { return len(e.rules) }

// Evaluate runs the rules in declared order against the candidate and the
// best-scoring existing match from the vector tier (nil when the vector
// tier found nothing). Returns the deciding verdict and rule name;
// VerdictAbstain when every rule abstained.
func (e *RuleEngine) Evaluate(candidate Candidate, match *memory.Memory, matchScore float64) (Verdict, string) {
	for _, rule := range e.rules {
		var v Verdict
		switch rule.Type {
		case RuleSameUserWithin:
			v = e.evalSameUserWithin(rule, candidate, match)
		case RuleDifferentConversationNever:
			v = e.evalDifferentConversation(candidate, match)
		case RuleMinContentLength:
			v = e.evalMinContentLength(rule, candidate)
		default:
			v = VerdictAbstain
		}
		if v != VerdictAbstain {
			return v, rule.Name
		}
	}
	return VerdictAbstain, ""
}

// evalSameUserWithin: same user storing matching content inside the window
// is a duplicate.
func (e *RuleEngine) evalSameUserWithin(rule Rule, candidate Candidate, match *memory.Memory) Verdict {
	if match == nil {
		return VerdictAbstain
	}
	candidateUser, ok1 := stringParamFromMetadata(candidate.Metadata, "user_id")
	matchUser, ok2 := stringParamFromMetadata(match.Metadata, "user_id")
	if !ok1 || !ok2 || candidateUser != matchUser {
		return VerdictAbstain
	}

	window := durationParam(rule.Params, "window", 24*time.Hour)
	if e.now().Sub(match.CreatedAt) <= window {
		return VerdictDuplicate
	}
	return VerdictAbstain
}

// evalDifferentConversation: content from a different conversation is never
// a duplicate.
func (e *RuleEngine) evalDifferentConversation(candidate Candidate, match *memory.Memory) Verdict {
	if match == nil {
		return VerdictAbstain
	}
	candidateConv, ok1 := stringParamFromMetadata(candidate.Metadata, "conversation_id")
	matchConv, ok2 := stringParamFromMetadata(match.Metadata, "conversation_id")
	if ok1 && ok2 && candidateConv != matchConv {
		return VerdictUnique
	}
	return VerdictAbstain
}

// evalMinContentLength: content shorter than the threshold is never
// collapsed; short strings collide too easily to treat as duplicates.
func (e *RuleEngine) evalMinContentLength(rule Rule, candidate Candidate) Verdict {
	min := intParam(rule.Params, "min_length", 0)
	if min > 0 && len(candidate.Content) < min {
		return VerdictUnique
	}
	return VerdictAbstain
}

func stringParamFromMetadata(metadata map[string]interface{}, key string) (string, bool) {
	if metadata == nil {
		return "", false
	}
	v, ok := metadata[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok && s != ""
}

func durationParam(params map[string]interface{}, key string, fallback time.Duration) time.Duration {
	if params == nil {
		return fallback
	}
	if raw, ok := params[key].(string); ok {
		if d, err := time.ParseDuration(raw); err == nil {
			return d
		}
	}
	return fallback
}

func intParam(params map[string]interface{}, key string, fallback int) int {
	if params == nil {
		return fallback
	}
	switch v := params[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	default:
		return fallback
	}
}
