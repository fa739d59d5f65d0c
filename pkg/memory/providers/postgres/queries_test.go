package postgres

import (
	"context"
	"database/sql"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/recallstack/recall/pkg/memory"
	"github.com/recallstack/recall/pkg/memory/providers"
)

func newMockProvider(t *testing.T) (*Provider, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	p, err := New(Config{DSN: "mock", Name: "postgres-test", Dimension: 3},
		providers.RolePrimary, nil)
	require.NoError(t, err)
	p.db = sqlx.NewDb(db, "sqlmock")
	return p, mock
}

func memoryRows() *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"id", "content", "embedding", "metadata",
		"importance_score", "created_at", "last_accessed", "access_count", "similarity",
	})
}

func TestStoreCommitsRowAndHashInOneTransaction(t *testing.T) {
	p, mock := newMockProvider(t)
	mem := &memory.Memory{
		ID:              uuid.New(),
		Content:         "hello",
		Embedding:       []float32{1, 0, 0},
		ImportanceScore: 0.5,
		CreatedAt:       time.Now().UTC(),
		LastAccessed:    time.Now().UTC(),
	}

	mock.ExpectBegin()
	mock.ExpectExec(`SET LOCAL synchronous_commit = on`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`INSERT INTO memories`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO memory_hashes`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, p.Store(context.Background(), mem))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStoreRollsBackOnInsertFailure(t *testing.T) {
	p, mock := newMockProvider(t)
	mem := &memory.Memory{
		ID:              uuid.New(),
		Content:         "hello",
		Embedding:       []float32{1, 0, 0},
		ImportanceScore: 0.5,
		CreatedAt:       time.Now().UTC(),
		LastAccessed:    time.Now().UTC(),
	}

	mock.ExpectBegin()
	mock.ExpectExec(`SET LOCAL synchronous_commit = on`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`INSERT INTO memories`).
		WillReturnError(errors.New("disk full"))
	mock.ExpectRollback()

	err := p.Store(context.Background(), mem)
	assert.ErrorIs(t, err, memory.ErrUnavailable)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStoreValidatesBeforeTouchingDatabase(t *testing.T) {
	p, mock := newMockProvider(t)

	err := p.Store(context.Background(), &memory.Memory{
		ID:        uuid.New(),
		Content:   "short embedding",
		Embedding: []float32{1},
	})
	assert.ErrorIs(t, err, memory.ErrInvalidDimension)

	err = p.Store(context.Background(), &memory.Memory{
		ID:              uuid.New(),
		Content:         "bad importance",
		Embedding:       []float32{1, 0, 0},
		ImportanceScore: 2,
	})
	assert.ErrorIs(t, err, memory.ErrOutOfRange)

	assert.NoError(t, mock.ExpectationsWereMet(), "no SQL expected")
}

func TestQueryReturnsRankedMemories(t *testing.T) {
	p, mock := newMockProvider(t)
	id := uuid.New()
	now := time.Now().UTC()

	mock.ExpectQuery(`(?s)SELECT .* 1 - \(embedding <=> \$1::vector\) AS similarity`).
		WithArgs("[1,0,0]", 0.3).
		WillReturnRows(memoryRows().AddRow(
			id, "match", "[1,0,0]", []byte(`{"user_id":"u1"}`), 0.5, now, now, int64(2), 0.91))

	results, err := p.Query(context.Background(), []float32{1, 0, 0},
		memory.QueryOptions{Limit: 10, MinSimilarity: 0.3})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, id, results[0].ID)
	assert.Equal(t, []float32{1, 0, 0}, results[0].Embedding)
	assert.Equal(t, "u1", results[0].Metadata["user_id"])
	assert.InDelta(t, 0.91, results[0].Similarity, 1e-9)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestQueryNilEmbeddingUsesRecentPath(t *testing.T) {
	p, mock := newMockProvider(t)
	now := time.Now().UTC()

	// No vector operator in the recent path
	mock.ExpectQuery(`(?s)SELECT .* 1\.0 AS similarity\s+FROM memories\s+ORDER BY created_at DESC`).
		WillReturnRows(memoryRows().AddRow(
			uuid.New(), "newest", "[0,1,0]", []byte(`{}`), 0.5, now, now, int64(0), 1.0))

	results, err := p.Query(context.Background(), nil, memory.QueryOptions{Limit: 5})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, 1.0, results[0].Similarity)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestQueryMetadataFilterUsesContainment(t *testing.T) {
	p, mock := newMockProvider(t)

	mock.ExpectQuery(regexp.QuoteMeta(`metadata @> $3::jsonb`)).
		WithArgs("[1,0,0]", 0.0, `{"user_id":"u1"}`).
		WillReturnRows(memoryRows())

	_, err := p.Query(context.Background(), []float32{1, 0, 0}, memory.QueryOptions{
		Limit:   5,
		Filters: map[string]interface{}{"user_id": "u1"},
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestQueryZeroLimitSkipsDatabase(t *testing.T) {
	p, mock := newMockProvider(t)

	results, err := p.Query(context.Background(), []float32{1, 0, 0}, memory.QueryOptions{Limit: 0})
	require.NoError(t, err)
	assert.Empty(t, results)
	assert.NoError(t, mock.ExpectationsWereMet(), "no SQL expected")
}

func TestGetByIDNotFound(t *testing.T) {
	p, mock := newMockProvider(t)
	mock.ExpectQuery(`(?s)SELECT .* FROM memories WHERE id = \$1`).
		WillReturnError(sql.ErrNoRows)

	_, err := p.GetByID(context.Background(), uuid.New())
	assert.ErrorIs(t, err, memory.ErrNotFound)
}

func TestDeleteReportsExistence(t *testing.T) {
	p, mock := newMockProvider(t)

	mock.ExpectExec(`DELETE FROM memories WHERE id = \$1`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	existed, err := p.Delete(context.Background(), uuid.New())
	require.NoError(t, err)
	assert.True(t, existed)

	mock.ExpectExec(`DELETE FROM memories WHERE id = \$1`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	existed, err = p.Delete(context.Background(), uuid.New())
	require.NoError(t, err)
	assert.False(t, existed)
}

func TestUpdateImportance(t *testing.T) {
	p, mock := newMockProvider(t)
	id := uuid.New()

	assert.ErrorIs(t, p.UpdateImportance(context.Background(), id, 1.5), memory.ErrOutOfRange)

	mock.ExpectExec(`UPDATE memories SET importance_score`).
		WithArgs(id, 0.8).
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, p.UpdateImportance(context.Background(), id, 0.8))

	mock.ExpectExec(`UPDATE memories SET importance_score`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	assert.ErrorIs(t, p.UpdateImportance(context.Background(), id, 0.8), memory.ErrNotFound)
}

func TestLookupHashMissIsNotAnError(t *testing.T) {
	p, mock := newMockProvider(t)
	mock.ExpectQuery(`SELECT memory_id FROM memory_hashes`).
		WillReturnError(sql.ErrNoRows)

	id, err := p.LookupHash(context.Background(), "deadbeef")
	require.NoError(t, err)
	assert.Nil(t, id)
}

func TestTouchAccessEmptyBatchSkipsDatabase(t *testing.T) {
	p, mock := newMockProvider(t)
	require.NoError(t, p.TouchAccess(context.Background(), nil, time.Now()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestBackfillHashesExcludesDuplicateContent(t *testing.T) {
	p, mock := newMockProvider(t)

	// The batch must skip rows whose content hash is already owned by
	// another memory, or those rows pin the head of the batch forever
	mock.ExpectExec(`(?s)INSERT INTO memory_hashes.*NOT EXISTS.*h\.memory_id = m\.id.*NOT EXISTS.*h2\.content_hash = encode\(sha256.*ORDER BY m\.created_at.*LIMIT \$1`).
		WithArgs(100).
		WillReturnResult(sqlmock.NewResult(0, 2))

	n, err := p.BackfillHashes(context.Background(), 100)
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDecayImportanceValidatesParams(t *testing.T) {
	p, _ := newMockProvider(t)
	_, err := p.DecayImportance(context.Background(), 1.5, 0.1)
	assert.ErrorIs(t, err, memory.ErrOutOfRange)
	_, err = p.DecayImportance(context.Background(), 0.1, 2)
	assert.ErrorIs(t, err, memory.ErrOutOfRange)
}

func TestWrapErrClassification(t *testing.T) {
	assert.ErrorIs(t, wrapErr("op", sql.ErrNoRows), memory.ErrNotFound)
	assert.ErrorIs(t, wrapErr("op", &pq.Error{Code: "23505"}), memory.ErrConflict)
	assert.ErrorIs(t, wrapErr("op", errors.New("connection refused")), memory.ErrUnavailable)
	assert.NoError(t, wrapErr("op", nil))
}
