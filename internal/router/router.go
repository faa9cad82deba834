// Package router routes queries to per-project connection pools,
// recovering pool registrations from stored metadata when they are
// missing.
package router

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/sync/singleflight"

	"github.com/dbhive/dbhive/internal/access"
	"github.com/dbhive/dbhive/internal/configstore"
	"github.com/dbhive/dbhive/internal/pool"
)

// Router is the single entry point for running queries against project
// databases. Every query path ensures the target project has a live
// pool registration before touching the pool manager, so a restarted
// process serves queries for existing projects without operator
// intervention.
type Router struct {
	store   *configstore.Store
	pools   *pool.Manager
	access  *access.Validator
	limiter *access.RateLimiter
	logger  *slog.Logger

	registering singleflight.Group
}

// New constructs a Router over the given collaborators.
func New(store *configstore.Store, pools *pool.Manager, validator *access.Validator, limiter *access.RateLimiter, logger *slog.Logger) *Router {
	return &Router{
		store:   store,
		pools:   pools,
		access:  validator,
		limiter: limiter,
		logger:  logger,
	}
}

// RegisterProject registers a pool configuration for a project.
func (r *Router) RegisterProject(cfg pool.Config) {
	r.pools.Register(cfg)
}

// UnregisterProject removes a project's pool registration and closes
// its pool. Cached configuration is dropped as well so a later query
// re-reads the metadata store.
func (r *Router) UnregisterProject(ref string) {
	r.pools.Unregister(ref)
	r.store.Invalidate(ref)
}

// ensureRegistered restores the pool registration for ref from the
// metadata store when it is missing. Concurrent callers for the same
// ref share a single registration attempt.
func (r *Router) ensureRegistered(ctx context.Context, ref string) error {
	if r.pools.Registered(ref) {
		return nil
	}
	_, err, _ := r.registering.Do(ref, func() (any, error) {
		if r.pools.Registered(ref) {
			return nil, nil
		}
		cfg, err := r.store.Get(ctx, ref)
		if err != nil {
			return nil, fmt.Errorf("recover registration for %q: %w", ref, err)
		}
		r.pools.Register(pool.Config{
			ProjectRef:   cfg.ProjectRef,
			DatabaseName: cfg.DatabaseName,
			ConnString:   cfg.ConnString,
		})
		r.logger.Info("recovered pool registration", "project", ref)
		return nil, nil
	})
	return err
}

// Acquire hands out a connection from the project's pool, restoring
// the registration first if needed. The caller must Release it.
func (r *Router) Acquire(ctx context.Context, ref string) (*pgxpool.Conn, error) {
	if err := r.ensureRegistered(ctx, ref); err != nil {
		return nil, err
	}
	return r.pools.Acquire(ctx, ref)
}

// Query runs a single query on the project's database and returns the
// rows. The caller must close them.
func (r *Router) Query(ctx context.Context, ref, sql string, args ...any) (pgx.Rows, error) {
	if err := r.ensureRegistered(ctx, ref); err != nil {
		return nil, err
	}
	p, err := r.pools.Get(ctx, ref)
	if err != nil {
		return nil, err
	}
	return p.Query(ctx, sql, args...)
}

// QueryMaps runs a query on the project's database and returns the
// rows as column-keyed maps, for callers that serialize results.
func (r *Router) QueryMaps(ctx context.Context, ref, sql string, args ...any) ([]map[string]any, error) {
	rows, err := r.Query(ctx, ref, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	fds := rows.FieldDescriptions()
	var out []map[string]any
	for rows.Next() {
		vals, err := rows.Values()
		if err != nil {
			return nil, err
		}
		row := make(map[string]any, len(fds))
		for i, fd := range fds {
			row[fd.Name] = vals[i]
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// Exec runs a statement on the project's database.
func (r *Router) Exec(ctx context.Context, ref, sql string, args ...any) (int64, error) {
	if err := r.ensureRegistered(ctx, ref); err != nil {
		return 0, err
	}
	p, err := r.pools.Get(ctx, ref)
	if err != nil {
		return 0, err
	}
	tag, err := p.Exec(ctx, sql, args...)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// WithConn acquires a connection for the project and runs fn with it.
// The connection is released when fn returns.
func (r *Router) WithConn(ctx context.Context, ref string, fn func(*pgxpool.Conn) error) error {
	conn, err := r.Acquire(ctx, ref)
	if err != nil {
		return err
	}
	defer conn.Release()
	return fn(conn)
}

// WithTransaction runs fn inside a transaction on the project's
// database. The transaction commits when fn returns nil and rolls
// back otherwise.
func (r *Router) WithTransaction(ctx context.Context, ref string, fn func(pgx.Tx) error) error {
	return r.WithConn(ctx, ref, func(conn *pgxpool.Conn) error {
		tx, err := conn.Begin(ctx)
		if err != nil {
			return err
		}
		if err := fn(tx); err != nil {
			if rbErr := tx.Rollback(ctx); rbErr != nil {
				r.logger.Warn("rollback failed", "project", ref, "error", rbErr)
			}
			return err
		}
		return tx.Commit(ctx)
	})
}

// ValidateProjectAccess reports whether userID may operate on the
// project identified by ref.
func (r *Router) ValidateProjectAccess(ctx context.Context, ref, userID string) bool {
	return r.access.ValidateProjectAccess(ctx, ref, userID)
}

// CheckRateLimit consumes one request from the key's window.
func (r *Router) CheckRateLimit(key string) access.Decision {
	return r.limiter.Check(key)
}

// RateLimitStats returns the current window for a key.
func (r *Router) RateLimitStats(key string) *access.WindowStats {
	return r.limiter.Stats(key)
}

// ResetRateLimit clears the window for a key.
func (r *Router) ResetRateLimit(key string) {
	r.limiter.Reset(key)
}

// PoolStats returns pool statistics for a project, or nil when its
// pool has not been created.
func (r *Router) PoolStats(ref string) *pool.Stats {
	return r.pools.Stats(ref)
}

// AllPoolStats returns statistics for every live pool.
func (r *Router) AllPoolStats() map[string]pool.Stats {
	return r.pools.AllStats()
}

// HealthCheck probes the project's database with a trivial query.
func (r *Router) HealthCheck(ctx context.Context, ref string) bool {
	if err := r.ensureRegistered(ctx, ref); err != nil {
		return false
	}
	return r.pools.HealthCheck(ctx, ref)
}

// InvalidateCache drops the cached configuration for one project.
func (r *Router) InvalidateCache(ref string) {
	r.store.Invalidate(ref)
}

// InvalidateAllCaches drops every cached configuration.
func (r *Router) InvalidateAllCaches() {
	r.store.InvalidateAll()
}

// Close shuts down every pool.
func (r *Router) Close() {
	r.pools.CloseAll()
}
