// Package pool owns one lazily-created connection pool per project and
// reclaims pools that have gone fully idle.
package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/juju/clock"
)

// Defaults applied when a registration leaves fields zero.
const (
	DefaultMaxConns      = 10
	DefaultConnTimeout   = 30 * time.Second
	DefaultIdleTimeout   = 5 * time.Minute
	DefaultSweepInterval = 60 * time.Second
	DefaultIdleClose     = 5 * time.Minute
)

// ErrNotRegistered is returned when a pool is requested for a project
// that was never registered (or was unregistered).
var ErrNotRegistered = errors.New("no configuration found for project")

// Config registers a project with the manager. One live pool exists per
// ProjectRef at most.
type Config struct {
	ProjectRef   string
	DatabaseName string
	ConnString   string
	MaxConns     int32
	IdleTimeout  time.Duration
	ConnTimeout  time.Duration
}

// Stats is a point-in-time view of one live pool.
type Stats struct {
	ProjectRef    string
	Total         int32
	Idle          int32
	Acquired      int32
	Max           int32
	EmptyAcquires int64 // cumulative acquires that had to wait
}

type entry struct {
	pool     *pgxpool.Pool
	lastUsed time.Time
}

// Manager holds registrations and live pools, both keyed by project ref.
// All map access is mutex-guarded; pools themselves handle their own
// connection-level concurrency.
type Manager struct {
	clock         clock.Clock
	sweepInterval time.Duration
	idleClose     time.Duration

	mu      sync.Mutex
	configs map[string]Config
	pools   map[string]*entry
}

// Option configures a Manager.
type Option func(*Manager)

// WithSweepInterval overrides how often the idle sweep runs.
func WithSweepInterval(d time.Duration) Option {
	return func(m *Manager) { m.sweepInterval = d }
}

// WithIdleClose overrides how long a fully idle pool survives.
func WithIdleClose(d time.Duration) Option {
	return func(m *Manager) { m.idleClose = d }
}

// NewManager creates a Manager. A nil clock selects the wall clock.
func NewManager(clk clock.Clock, opts ...Option) *Manager {
	if clk == nil {
		clk = clock.WallClock
	}
	m := &Manager{
		clock:         clk,
		sweepInterval: DefaultSweepInterval,
		idleClose:     DefaultIdleClose,
		configs:       make(map[string]Config),
		pools:         make(map[string]*entry),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Register records a project's pool configuration. Re-registering
// overwrites the stored config; an existing live pool keeps serving until
// closed, so concurrent self-heal registrations are benign.
func (m *Manager) Register(cfg Config) {
	if cfg.MaxConns <= 0 {
		cfg.MaxConns = DefaultMaxConns
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = DefaultIdleTimeout
	}
	if cfg.ConnTimeout <= 0 {
		cfg.ConnTimeout = DefaultConnTimeout
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.configs[cfg.ProjectRef] = cfg
}

// Registered reports whether the project has a stored configuration.
func (m *Manager) Registered(ref string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.configs[ref]
	return ok
}

// Unregister closes the project's pool (if live) and forgets its config.
func (m *Manager) Unregister(ref string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.configs, ref)
	m.closeLocked(ref)
}

// Get returns the project's pool, creating it on first use. Every call
// resets the idle timer.
func (m *Manager) Get(ctx context.Context, ref string) (*pgxpool.Pool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if e, ok := m.pools[ref]; ok {
		e.lastUsed = m.clock.Now()
		return e.pool, nil
	}

	cfg, ok := m.configs[ref]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotRegistered, ref)
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.ConnString)
	if err != nil {
		return nil, fmt.Errorf("parsing connection string for %s: %w", ref, err)
	}
	poolCfg.MaxConns = cfg.MaxConns
	poolCfg.MaxConnIdleTime = cfg.IdleTimeout
	poolCfg.ConnConfig.ConnectTimeout = cfg.ConnTimeout

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("creating pool for %s: %w", ref, err)
	}

	m.pools[ref] = &entry{pool: pool, lastUsed: m.clock.Now()}
	slog.Info("pool created", "project", ref, "database", cfg.DatabaseName, "max_conns", cfg.MaxConns)
	return pool, nil
}

// Acquire checks a connection out of the project's pool.
func (m *Manager) Acquire(ctx context.Context, ref string) (*pgxpool.Conn, error) {
	pool, err := m.Get(ctx, ref)
	if err != nil {
		return nil, err
	}
	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquiring connection for %s: %w", ref, err)
	}
	return conn, nil
}

// Close ends the project's live pool. Closing an absent or already-closed
// pool is a no-op. The registration survives, so the next Get recreates
// the pool.
func (m *Manager) Close(ref string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closeLocked(ref)
}

func (m *Manager) closeLocked(ref string) {
	e, ok := m.pools[ref]
	if !ok {
		return
	}
	delete(m.pools, ref)
	e.pool.Close()
	slog.Info("pool closed", "project", ref)
}

// CloseAll closes every live pool, keeping registrations.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for ref := range m.pools {
		m.closeLocked(ref)
	}
}

// Stats returns live-pool statistics, or nil when no pool is live.
func (m *Manager) Stats(ref string) *Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.pools[ref]
	if !ok {
		return nil
	}
	return statsOf(ref, e.pool)
}

// AllStats returns statistics for every live pool.
func (m *Manager) AllStats() map[string]Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]Stats, len(m.pools))
	for ref, e := range m.pools {
		out[ref] = *statsOf(ref, e.pool)
	}
	return out
}

func statsOf(ref string, p *pgxpool.Pool) *Stats {
	s := p.Stat()
	return &Stats{
		ProjectRef:    ref,
		Total:         s.TotalConns(),
		Idle:          s.IdleConns(),
		Acquired:      s.AcquiredConns(),
		Max:           s.MaxConns(),
		EmptyAcquires: s.EmptyAcquireCount(),
	}
}

// HealthCheck runs SELECT 1 on the project's pool. Failures are reported
// as false, never propagated.
func (m *Manager) HealthCheck(ctx context.Context, ref string) bool {
	pool, err := m.Get(ctx, ref)
	if err != nil {
		slog.Warn("health check failed", "project", ref, "error", err)
		return false
	}
	var one int
	if err := pool.QueryRow(ctx, "SELECT 1").Scan(&one); err != nil {
		slog.Warn("health check failed", "project", ref, "error", err)
		return false
	}
	return one == 1
}

// Start runs the idle sweep until ctx is cancelled.
func (m *Manager) Start(ctx context.Context) {
	slog.Info("pool idle sweep started", "interval", m.sweepInterval.String())
	for {
		select {
		case <-ctx.Done():
			slog.Info("pool idle sweep stopped")
			return
		case <-m.clock.After(m.sweepInterval):
			m.sweep()
		}
	}
}

func (m *Manager) sweep() {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.clock.Now()
	for ref, e := range m.pools {
		s := e.pool.Stat()
		if closeEligible(s.TotalConns(), s.AcquiredConns(), e.lastUsed, now, m.idleClose) {
			slog.Info("closing idle pool", "project", ref, "idle_for", now.Sub(e.lastUsed).String())
			m.closeLocked(ref)
		}
	}
}

// closeEligible: a pool is reclaimed only when it holds connections, none
// of them is checked out, and nothing has touched the pool within the
// threshold.
func closeEligible(total, acquired int32, lastUsed, now time.Time, threshold time.Duration) bool {
	return total > 0 && acquired == 0 && now.Sub(lastUsed) >= threshold
}
