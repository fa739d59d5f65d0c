package dedup

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
)

// SQLReviewStore persists reviews in an append-only table next to the
// authoritative memory heap. Rows are pruned by retention, never updated.
type SQLReviewStore struct {
	db        *sqlx.DB
	retention time.Duration
}

// NewSQLReviewStore creates a review store over an existing connection
// pool. Zero retention keeps reviews forever.
func NewSQLReviewStore(db *sqlx.DB, retention time.Duration) *SQLReviewStore {
	return &SQLReviewStore{db: db, retention: retention}
}

// EnsureSchema creates the review table if missing.
func (s *SQLReviewStore) EnsureSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS dedup_reviews (
			id UUID PRIMARY KEY,
			candidate_id UUID,
			matched_id UUID,
			similarity DOUBLE PRECISION NOT NULL DEFAULT 0,
			tier TEXT NOT NULL,
			decision TEXT NOT NULL,
			automated BOOLEAN NOT NULL DEFAULT TRUE,
			reason TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`)
	if err != nil {
		return fmt.Errorf("failed to create dedup_reviews table: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`CREATE INDEX IF NOT EXISTS idx_dedup_reviews_created_at ON dedup_reviews (created_at DESC)`)
	if err != nil {
		return fmt.Errorf("failed to create dedup_reviews index: %w", err)
	}
	return nil
}

// Append implements ReviewStore.
func (s *SQLReviewStore) Append(ctx context.Context, review *Review) error {
	if review.CreatedAt.IsZero() {
		review.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO dedup_reviews
			(id, candidate_id, matched_id, similarity, tier, decision, automated, reason, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		review.ID, review.CandidateID, review.MatchedID, review.Similarity,
		string(review.Tier), review.Decision, review.Automated, review.Reason, review.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to append dedup review: %w", err)
	}
	return nil
}

// Recent returns the newest reviews, newest first.
func (s *SQLReviewStore) Recent(ctx context.Context, limit int) ([]*Review, error) {
	if limit <= 0 {
		limit = 100
	}
	rows := []*Review{}
	err := s.db.SelectContext(ctx, &rows, `
		SELECT id, candidate_id, matched_id, similarity, tier, decision, automated, reason, created_at
		FROM dedup_reviews
		ORDER BY created_at DESC
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list dedup reviews: %w", err)
	}
	return rows, nil
}

// PruneExpired deletes reviews older than the retention window. Returns
// the number of rows removed.
func (s *SQLReviewStore) PruneExpired(ctx context.Context) (int64, error) {
	if s.retention <= 0 {
		return 0, nil
	}
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM dedup_reviews WHERE created_at < $1`,
		time.Now().UTC().Add(-s.retention))
	if err != nil {
		return 0, fmt.Errorf("failed to prune dedup reviews: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
