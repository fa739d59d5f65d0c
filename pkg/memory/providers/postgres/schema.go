package postgres

import (
	"context"
	"fmt"
)

// ensureSchema creates the authoritative heap and its indexes. The table
// is deliberately non-partitioned: one heap, one HNSW index on the
// embedding column. Partitioning by time degrades ANN search into
// per-partition scans.
func (p *Provider) ensureSchema(ctx context.Context) error {
	statements := []string{
		`CREATE EXTENSION IF NOT EXISTS vector`,

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS memories (
			id UUID PRIMARY KEY,
			content TEXT NOT NULL,
			embedding vector(%d) NOT NULL,
			metadata JSONB NOT NULL DEFAULT '{}'::jsonb,
			importance_score DOUBLE PRECISION NOT NULL DEFAULT 0.5
				CHECK (importance_score >= 0 AND importance_score <= 1),
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			last_accessed TIMESTAMPTZ NOT NULL DEFAULT now(),
			access_count BIGINT NOT NULL DEFAULT 0
		)`, p.cfg.Dimension),

		// The single ANN index. Cosine distance matches the scoring
		// contract: identical vectors score 1.0, orthogonal 0.0.
		`CREATE INDEX IF NOT EXISTS idx_memories_embedding
			ON memories USING hnsw (embedding vector_cosine_ops)`,

		`CREATE INDEX IF NOT EXISTS idx_memories_created_at
			ON memories (created_at DESC)`,

		`CREATE INDEX IF NOT EXISTS idx_memories_importance
			ON memories (importance_score DESC)`,

		`CREATE INDEX IF NOT EXISTS idx_memories_metadata
			ON memories USING gin (metadata jsonb_path_ops)`,

		// Content fingerprints, 1:1 with the memory row. The cascade is
		// the only cross-table dependency in the layout.
		`CREATE TABLE IF NOT EXISTS memory_hashes (
			content_hash TEXT PRIMARY KEY,
			memory_id UUID NOT NULL UNIQUE REFERENCES memories(id) ON DELETE CASCADE,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
	}

	for _, stmt := range statements {
		if _, err := p.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("schema setup failed: %w", err)
		}
	}
	return nil
}
