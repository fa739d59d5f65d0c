// Package postgres implements the authoritative memory provider on
// PostgreSQL with pgvector: a single non-partitioned heap carrying one
// HNSW cosine index, with transactional writes and read-after-write
// visibility.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/recallstack/recall/pkg/memory"
	"github.com/recallstack/recall/pkg/memory/providers"
	"github.com/recallstack/recall/pkg/observability"
)

// Pool defaults.
const (
	DefaultMaxConns       = 20
	DefaultAcquireTimeout = 3 * time.Second
)

// Config configures the postgres provider.
type Config struct {
	DSN       string
	Name      string
	Dimension int

	MaxConns int
	// MinConns keeps idle connections warm; defaults to MaxConns/4
	MinConns        int
	AcquireTimeout  time.Duration
	ConnMaxLifetime time.Duration
}

// Provider is the primary vector store. A successful Store commits with
// synchronous_commit forced on, so the write is visible to any subsequent
// read through the same process.
type Provider struct {
	db     *sqlx.DB
	cfg    Config
	role   providers.Role
	logger observability.Logger

	stores  atomic.Int64
	queries atomic.Int64
	errs    atomic.Int64
}

// New creates an uninitialized provider. Init must complete before any
// other method is called.
func New(cfg Config, role providers.Role, logger observability.Logger) (*Provider, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("postgres DSN is required")
	}
	if cfg.Dimension <= 0 {
		return nil, fmt.Errorf("embedding dimension must be positive")
	}
	if cfg.Name == "" {
		cfg.Name = "postgres"
	}
	if cfg.MaxConns <= 0 {
		cfg.MaxConns = DefaultMaxConns
	}
	if cfg.MinConns <= 0 {
		cfg.MinConns = cfg.MaxConns / 4
	}
	if cfg.AcquireTimeout <= 0 {
		cfg.AcquireTimeout = DefaultAcquireTimeout
	}
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	return &Provider{
		cfg:    cfg,
		role:   role,
		logger: logger.WithPrefix(cfg.Name),
	}, nil
}

// Name implements providers.Provider
func (p *Provider) Name() string { return p.cfg.Name }

// Role implements providers.Provider
func (p *Provider) Role() providers.Role { return p.role }

// Dimension implements providers.Provider
func (p *Provider) Dimension() int { return p.cfg.Dimension }

// DB exposes the pool for collaborators that share it (review store).
func (p *Provider) DB() *sqlx.DB { return p.db }

// Init opens the pool, verifies the schema and refreshes planner
// statistics. It blocks until the backend is proven usable; there is no
// fire-and-forget path.
func (p *Provider) Init(ctx context.Context) error {
	db, err := sqlx.Open("postgres", p.cfg.DSN)
	if err != nil {
		return fmt.Errorf("failed to open postgres pool: %w", err)
	}
	db.SetMaxOpenConns(p.cfg.MaxConns)
	db.SetMaxIdleConns(p.cfg.MinConns)
	if p.cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(p.cfg.ConnMaxLifetime)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("%w: ping failed: %v", memory.ErrUnavailable, err)
	}
	p.db = db

	if err := p.ensureSchema(ctx); err != nil {
		_ = db.Close()
		p.db = nil
		return err
	}

	// Refresh statistics so the first ANN queries plan against reality
	if _, err := db.ExecContext(ctx, `ANALYZE memories`); err != nil {
		p.logger.Warn("analyze failed during init", map[string]interface{}{"error": err.Error()})
	}

	p.logger.Info("postgres provider ready", map[string]interface{}{
		"dimension": p.cfg.Dimension,
		"max_conns": p.cfg.MaxConns,
	})
	return nil
}

// Close implements providers.Provider
func (p *Provider) Close() error {
	if p.db == nil {
		return nil
	}
	return p.db.Close()
}

// Health implements providers.Provider. It never returns an error.
func (p *Provider) Health(ctx context.Context) memory.HealthStatus {
	details := map[string]interface{}{
		"provider": p.cfg.Name,
	}
	if p.db == nil {
		details["reason"] = "pool not opened"
		return memory.HealthStatus{Status: memory.HealthStatusUnhealthy, Details: details}
	}

	probeCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := p.db.PingContext(probeCtx); err != nil {
		details["reason"] = err.Error()
		return memory.HealthStatus{Status: memory.HealthStatusUnhealthy, Details: details}
	}

	stats := p.db.Stats()
	details["open_connections"] = stats.OpenConnections
	details["in_use"] = stats.InUse
	return memory.HealthStatus{Status: memory.HealthStatusHealthy, Details: details}
}

// Stats implements providers.Provider
func (p *Provider) Stats(ctx context.Context) map[string]interface{} {
	out := map[string]interface{}{
		"stores":  p.stores.Load(),
		"queries": p.queries.Load(),
		"errors":  p.errs.Load(),
	}
	if p.db != nil {
		if count, err := p.Count(ctx); err == nil {
			out["memory_count"] = count
		}
		stats := p.db.Stats()
		out["pool_open"] = stats.OpenConnections
		out["pool_in_use"] = stats.InUse
		out["pool_wait_count"] = stats.WaitCount
	}
	return out
}

// acquireCtx bounds pool acquisition so exhaustion surfaces as a timeout
// error instead of an unbounded stall.
func (p *Provider) acquireCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, p.cfg.AcquireTimeout)
}

// wrapErr classifies database errors into the store taxonomy.
func wrapErr(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, sql.ErrNoRows):
		return memory.ErrNotFound
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return fmt.Errorf("%s: %w", op, err)
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return fmt.Errorf("%s: %w", op, memory.ErrConflict)
	}
	return fmt.Errorf("%s: %w: %v", op, memory.ErrUnavailable, err)
}
