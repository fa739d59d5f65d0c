package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/recallstack/recall/pkg/dedup"
	"github.com/recallstack/recall/pkg/memory"
)

const memoryColumns = `id, content, embedding::text AS embedding, metadata,
	importance_score, created_at, last_accessed, access_count`

// memoryRow is the scan target for memory queries.
type memoryRow struct {
	ID              uuid.UUID `db:"id"`
	Content         string    `db:"content"`
	Embedding       string    `db:"embedding"`
	Metadata        []byte    `db:"metadata"`
	ImportanceScore float64   `db:"importance_score"`
	CreatedAt       time.Time `db:"created_at"`
	LastAccessed    time.Time `db:"last_accessed"`
	AccessCount     int64     `db:"access_count"`
	Similarity      float64   `db:"similarity"`
}

func (r *memoryRow) toMemory() (*memory.Memory, error) {
	embedding, err := memory.ParseVector(r.Embedding)
	if err != nil {
		return nil, fmt.Errorf("failed to decode stored embedding: %w", err)
	}
	var metadata map[string]interface{}
	if len(r.Metadata) > 0 {
		if err := json.Unmarshal(r.Metadata, &metadata); err != nil {
			return nil, fmt.Errorf("failed to decode stored metadata: %w", err)
		}
	}
	return &memory.Memory{
		ID:              r.ID,
		Content:         r.Content,
		Embedding:       embedding,
		Metadata:        metadata,
		ImportanceScore: r.ImportanceScore,
		CreatedAt:       r.CreatedAt,
		LastAccessed:    r.LastAccessed,
		AccessCount:     r.AccessCount,
		Similarity:      r.Similarity,
	}, nil
}

// Store implements providers.Provider. The insert and its hash fingerprint
// commit in one transaction with synchronous commit forced, so a returned
// nil guarantees read-after-write visibility and a cancelled call leaves
// no half-written row.
func (p *Provider) Store(ctx context.Context, mem *memory.Memory) error {
	if err := memory.ValidateEmbedding(mem.Embedding, p.cfg.Dimension); err != nil {
		return err
	}
	if mem.ImportanceScore < 0 || mem.ImportanceScore > 1 {
		return memory.ErrOutOfRange
	}

	metadata, err := json.Marshal(orEmptyMap(mem.Metadata))
	if err != nil {
		return fmt.Errorf("failed to encode metadata: %w", err)
	}

	ctx, cancel := p.acquireCtx(ctx)
	defer cancel()

	tx, err := p.db.BeginTxx(ctx, nil)
	if err != nil {
		p.errs.Add(1)
		return wrapErr("store", err)
	}
	committed := false
	defer func() {
		if !committed {
			if rbErr := tx.Rollback(); rbErr != nil && rbErr != sql.ErrTxDone {
				p.logger.Warn("failed to rollback store transaction", map[string]interface{}{"error": rbErr.Error()})
			}
		}
	}()

	if _, err := tx.ExecContext(ctx, `SET LOCAL synchronous_commit = on`); err != nil {
		p.errs.Add(1)
		return wrapErr("store", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO memories
			(id, content, embedding, metadata, importance_score, created_at, last_accessed, access_count)
		VALUES ($1, $2, $3::vector, $4, $5, $6, $7, $8)`,
		mem.ID, mem.Content, memory.FormatVector(mem.Embedding), metadata,
		mem.ImportanceScore, mem.CreatedAt, mem.LastAccessed, mem.AccessCount); err != nil {
		p.errs.Add(1)
		return wrapErr("store", err)
	}

	// Auto-hash hook: fingerprint the row in the same transaction. When
	// dedup is off, duplicate content is allowed and the first row keeps
	// the fingerprint.
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO memory_hashes (content_hash, memory_id)
		VALUES ($1, $2)
		ON CONFLICT (content_hash) DO NOTHING`,
		dedup.ContentHash(mem.Content), mem.ID); err != nil {
		p.errs.Add(1)
		return wrapErr("store", err)
	}

	if err := tx.Commit(); err != nil {
		p.errs.Add(1)
		return wrapErr("store", err)
	}
	committed = true
	p.stores.Add(1)
	return nil
}

// Query implements providers.Provider. A nil embedding is the empty-query
// fast path and delegates to GetRecent; similarity is never computed
// against a zero vector.
func (p *Provider) Query(ctx context.Context, embedding []float32, opts memory.QueryOptions) ([]*memory.Memory, error) {
	if embedding == nil {
		return p.GetRecent(ctx, opts.Limit, opts.Filters)
	}
	if err := memory.ValidateEmbedding(embedding, p.cfg.Dimension); err != nil {
		return nil, err
	}
	if opts.Limit <= 0 {
		return []*memory.Memory{}, nil
	}

	ctx, cancel := p.acquireCtx(ctx)
	defer cancel()

	query := `
		SELECT ` + memoryColumns + `,
			1 - (embedding <=> $1::vector) AS similarity
		FROM memories
		WHERE 1 - (embedding <=> $1::vector) >= $2`
	args := []interface{}{memory.FormatVector(embedding), opts.MinSimilarity}

	if filter, filterArgs, ok := metadataFilter(opts.Filters, len(args)+1); ok {
		query += " AND " + filter
		args = append(args, filterArgs...)
	}

	query += fmt.Sprintf(`
		ORDER BY embedding <=> $1::vector ASC, importance_score DESC
		LIMIT %d`, opts.Limit)

	rows := []*memoryRow{}
	if err := p.db.SelectContext(ctx, &rows, query, args...); err != nil {
		p.errs.Add(1)
		return nil, wrapErr("query", err)
	}
	p.queries.Add(1)
	return rowsToMemories(rows)
}

// GetRecent implements providers.Provider. It reads through the
// created_at index and never touches embedding scoring; all scores are
// reported as 1.0.
func (p *Provider) GetRecent(ctx context.Context, limit int, filters map[string]interface{}) ([]*memory.Memory, error) {
	if limit <= 0 {
		return []*memory.Memory{}, nil
	}

	ctx, cancel := p.acquireCtx(ctx)
	defer cancel()

	query := `
		SELECT ` + memoryColumns + `, 1.0 AS similarity
		FROM memories`
	args := []interface{}{}

	if filter, filterArgs, ok := metadataFilter(filters, 1); ok {
		query += " WHERE " + filter
		args = append(args, filterArgs...)
	}

	query += fmt.Sprintf(`
		ORDER BY created_at DESC
		LIMIT %d`, limit)

	rows := []*memoryRow{}
	if err := p.db.SelectContext(ctx, &rows, query, args...); err != nil {
		p.errs.Add(1)
		return nil, wrapErr("get_recent", err)
	}
	p.queries.Add(1)
	return rowsToMemories(rows)
}

// GetByID implements providers.Provider
func (p *Provider) GetByID(ctx context.Context, id uuid.UUID) (*memory.Memory, error) {
	ctx, cancel := p.acquireCtx(ctx)
	defer cancel()

	row := memoryRow{}
	err := p.db.GetContext(ctx, &row, `
		SELECT `+memoryColumns+`, 1.0 AS similarity
		FROM memories WHERE id = $1`, id)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, memory.ErrNotFound
		}
		p.errs.Add(1)
		return nil, wrapErr("get_by_id", err)
	}
	return row.toMemory()
}

// Delete implements providers.Provider. The hash fingerprint and any
// review references cascade with the row.
func (p *Provider) Delete(ctx context.Context, id uuid.UUID) (bool, error) {
	ctx, cancel := p.acquireCtx(ctx)
	defer cancel()

	res, err := p.db.ExecContext(ctx, `DELETE FROM memories WHERE id = $1`, id)
	if err != nil {
		p.errs.Add(1)
		return false, wrapErr("delete", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// UpdateImportance implements providers.Provider
func (p *Provider) UpdateImportance(ctx context.Context, id uuid.UUID, score float64) error {
	if score < 0 || score > 1 {
		return memory.ErrOutOfRange
	}

	ctx, cancel := p.acquireCtx(ctx)
	defer cancel()

	res, err := p.db.ExecContext(ctx,
		`UPDATE memories SET importance_score = $2 WHERE id = $1`, id, score)
	if err != nil {
		p.errs.Add(1)
		return wrapErr("update_importance", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return memory.ErrNotFound
	}
	return nil
}

// Count implements providers.Counter
func (p *Provider) Count(ctx context.Context) (int64, error) {
	ctx, cancel := p.acquireCtx(ctx)
	defer cancel()

	var n int64
	if err := p.db.GetContext(ctx, &n, `SELECT count(*) FROM memories`); err != nil {
		return 0, wrapErr("count", err)
	}
	return n, nil
}

// LookupHash implements dedup.HashProber
func (p *Provider) LookupHash(ctx context.Context, hash string) (*uuid.UUID, error) {
	ctx, cancel := p.acquireCtx(ctx)
	defer cancel()

	var id uuid.UUID
	err := p.db.GetContext(ctx, &id,
		`SELECT memory_id FROM memory_hashes WHERE content_hash = $1`, hash)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, wrapErr("lookup_hash", err)
	}
	return &id, nil
}

// RemoveHash implements dedup.HashProber
func (p *Provider) RemoveHash(ctx context.Context, hash string) error {
	ctx, cancel := p.acquireCtx(ctx)
	defer cancel()

	if _, err := p.db.ExecContext(ctx,
		`DELETE FROM memory_hashes WHERE content_hash = $1`, hash); err != nil {
		return wrapErr("remove_hash", err)
	}
	return nil
}

// TouchAccess applies batched access bookkeeping: one increment and a
// last_accessed bump per listed memory.
func (p *Provider) TouchAccess(ctx context.Context, ids []uuid.UUID, at time.Time) error {
	if len(ids) == 0 {
		return nil
	}

	ctx, cancel := p.acquireCtx(ctx)
	defer cancel()

	if _, err := p.db.ExecContext(ctx, `
		UPDATE memories
		SET access_count = access_count + 1,
			last_accessed = GREATEST(last_accessed, $2)
		WHERE id = ANY($1)`, pq.Array(ids), at); err != nil {
		return wrapErr("touch_access", err)
	}
	return nil
}

// DecayImportance multiplicatively decays scores toward the floor.
// Returns the number of rows touched.
func (p *Provider) DecayImportance(ctx context.Context, rate, floor float64) (int64, error) {
	if rate < 0 || rate >= 1 || floor < 0 || floor > 1 {
		return 0, memory.ErrOutOfRange
	}

	ctx, cancel := p.acquireCtx(ctx)
	defer cancel()

	res, err := p.db.ExecContext(ctx, `
		UPDATE memories
		SET importance_score = GREATEST($2, importance_score * (1 - $1))
		WHERE importance_score > $2`, rate, floor)
	if err != nil {
		return 0, wrapErr("decay_importance", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// BackfillHashes fingerprints memories that predate the dedup subsystem,
// in bounded batches. Returns the number of hashes inserted.
func (p *Provider) BackfillHashes(ctx context.Context, batch int) (int64, error) {
	if batch <= 0 {
		batch = 500
	}

	ctx, cancel := p.acquireCtx(ctx)
	defer cancel()

	// sha256 over the stored (already normalized) content matches the
	// Go-side fingerprint byte for byte. Rows whose content duplicates an
	// already-fingerprinted memory can never own a hash row (content_hash
	// is the key), so they are excluded up front; otherwise they would
	// pin the head of the created_at batch and starve newer rows.
	res, err := p.db.ExecContext(ctx, `
		INSERT INTO memory_hashes (content_hash, memory_id)
		SELECT encode(sha256(convert_to(m.content, 'UTF8')), 'hex'), m.id
		FROM memories m
		WHERE NOT EXISTS (
			SELECT 1 FROM memory_hashes h WHERE h.memory_id = m.id
		)
		AND NOT EXISTS (
			SELECT 1 FROM memory_hashes h2
			WHERE h2.content_hash = encode(sha256(convert_to(m.content, 'UTF8')), 'hex')
		)
		ORDER BY m.created_at
		LIMIT $1
		ON CONFLICT (content_hash) DO NOTHING`, batch)
	if err != nil {
		return 0, wrapErr("backfill_hashes", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// ListBatch pages memories by creation time for resync operations.
func (p *Provider) ListBatch(ctx context.Context, after time.Time, limit int) ([]*memory.Memory, error) {
	if limit <= 0 {
		limit = 500
	}

	ctx, cancel := p.acquireCtx(ctx)
	defer cancel()

	rows := []*memoryRow{}
	if err := p.db.SelectContext(ctx, &rows, `
		SELECT `+memoryColumns+`, 1.0 AS similarity
		FROM memories
		WHERE created_at > $1
		ORDER BY created_at ASC
		LIMIT $2`, after, limit); err != nil {
		return nil, wrapErr("list_batch", err)
	}
	return rowsToMemories(rows)
}

func rowsToMemories(rows []*memoryRow) ([]*memory.Memory, error) {
	out := make([]*memory.Memory, 0, len(rows))
	for _, r := range rows {
		m, err := r.toMemory()
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}

// metadataFilter renders filters as a JSONB containment predicate served
// by the GIN index.
func metadataFilter(filters map[string]interface{}, argPos int) (string, []interface{}, bool) {
	if len(filters) == 0 {
		return "", nil, false
	}
	encoded, err := json.Marshal(filters)
	if err != nil {
		return "", nil, false
	}
	return fmt.Sprintf("metadata @> $%d::jsonb", argPos), []interface{}{string(encoded)}, true
}

func orEmptyMap(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return map[string]interface{}{}
	}
	return m
}
