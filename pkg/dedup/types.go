// Package dedup implements the three-tier pre-store duplicate check:
// exact content hash, vector similarity, and data-driven business rules.
// The service runs in the coordinator before the primary write, so mode
// "off" is cost-free and rule decisions never depend on database triggers.
package dedup

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Mode governs whether a dedup decision blocks a write.
type Mode string

// Dedup modes.
const (
	// ModeOff skips the pipeline entirely
	ModeOff Mode = "off"
	// ModeLogOnly runs the pipeline and records reviews but never blocks
	ModeLogOnly Mode = "log_only"
	// ModeActive collapses duplicates onto the canonical memory
	ModeActive Mode = "active"
	// ModeStrict is active with a lowered threshold; all tiers must
	// concur or abstain
	ModeStrict Mode = "strict"
)

// ParseMode validates a mode string.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModeOff, ModeLogOnly, ModeActive, ModeStrict:
		return Mode(s), nil
	default:
		return "", fmt.Errorf("unknown dedup mode %q", s)
	}
}

// Tier identifies which check fired.
type Tier string

// Dedup tiers.
const (
	TierNone   Tier = "none"
	TierHash   Tier = "hash"
	TierVector Tier = "vector"
	TierRule   Tier = "rule"
)

// Decision values recorded in reviews.
const (
	DecisionDuplicate = "duplicate"
	DecisionUnique    = "unique"
	DecisionReview    = "review"
)

// Candidate is the would-be memory under examination.
type Candidate struct {
	Content   string
	Embedding []float32
	Metadata  map[string]interface{}
}

// Result is the dedup verdict returned to the coordinator.
type Result struct {
	IsDuplicate bool       `json:"is_duplicate"`
	CanonicalID *uuid.UUID `json:"canonical_id,omitempty"`
	Tier        Tier       `json:"tier"`
	Score       float64    `json:"score"`
	Reason      string     `json:"reason,omitempty"`
}

// Review is the append-only audit record of a non-trivial dedup decision.
type Review struct {
	ID          uuid.UUID  `json:"id" db:"id"`
	CandidateID *uuid.UUID `json:"candidate_id,omitempty" db:"candidate_id"`
	MatchedID   *uuid.UUID `json:"matched_id,omitempty" db:"matched_id"`
	Similarity  float64    `json:"similarity" db:"similarity"`
	Tier        Tier       `json:"tier" db:"tier"`
	Decision    string     `json:"decision" db:"decision"`
	Automated   bool       `json:"automated" db:"automated"`
	Reason      string     `json:"reason,omitempty" db:"reason"`
	CreatedAt   time.Time  `json:"created_at" db:"created_at"`
}
