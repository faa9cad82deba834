// Package configstore caches project connection parameters in front of
// the project metadata repository with a bounded TTL.
package configstore

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/juju/clock"

	"github.com/dbhive/dbhive/internal/project"
)

// Cache behavior defaults.
const (
	DefaultTTL           = 5 * time.Minute
	DefaultSweepInterval = 60 * time.Second
)

// ProjectConfig is the routing unit the router and access validator read.
type ProjectConfig struct {
	ProjectRef   string
	DatabaseName string
	ConnString   string
	OwnerUserID  string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

type cacheEntry struct {
	cfg     ProjectConfig
	expires time.Time
}

// Store is a TTL cache over the project repository. Mutations write
// through; Invalidate variants touch only the cache, for callers that
// know persisted state changed out-of-band.
type Store struct {
	repo          project.Repository
	clock         clock.Clock
	ttl           time.Duration
	sweepInterval time.Duration

	mu    sync.Mutex
	cache map[string]cacheEntry
}

// Option configures a Store.
type Option func(*Store)

// WithTTL overrides the cache entry lifetime.
func WithTTL(d time.Duration) Option {
	return func(s *Store) { s.ttl = d }
}

// WithSweepInterval overrides how often expired entries are purged.
func WithSweepInterval(d time.Duration) Option {
	return func(s *Store) { s.sweepInterval = d }
}

// New creates a Store. A nil clock selects the wall clock.
func New(repo project.Repository, clk clock.Clock, opts ...Option) *Store {
	if clk == nil {
		clk = clock.WallClock
	}
	s := &Store{
		repo:          repo,
		clock:         clk,
		ttl:           DefaultTTL,
		sweepInterval: DefaultSweepInterval,
		cache:         make(map[string]cacheEntry),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func fromProject(p *project.Project) ProjectConfig {
	return ProjectConfig{
		ProjectRef:   p.Ref,
		DatabaseName: p.DatabaseName,
		ConnString:   p.ConnString,
		OwnerUserID:  p.OwnerUserID,
		CreatedAt:    p.CreatedAt,
		UpdatedAt:    p.UpdatedAt,
	}
}

// Get returns the project's config, serving an unexpired cache entry
// without touching persistence.
func (s *Store) Get(ctx context.Context, ref string) (*ProjectConfig, error) {
	s.mu.Lock()
	if e, ok := s.cache[ref]; ok && s.clock.Now().Before(e.expires) {
		cfg := e.cfg
		s.mu.Unlock()
		return &cfg, nil
	}
	s.mu.Unlock()

	p, err := s.repo.GetByRef(ctx, ref)
	if err != nil {
		return nil, err
	}

	cfg := fromProject(p)
	s.put(cfg)
	return &cfg, nil
}

// Set writes the config through to persistence, then refreshes the cache
// from the persisted record.
func (s *Store) Set(ctx context.Context, cfg ProjectConfig) error {
	p, err := s.repo.Update(ctx, cfg.ProjectRef, project.UpdateFields{
		ConnString:  &cfg.ConnString,
		OwnerUserID: &cfg.OwnerUserID,
	})
	if err != nil {
		return err
	}
	s.put(fromProject(p))
	return nil
}

// Delete removes the project from persistence and evicts its cache entry.
func (s *Store) Delete(ctx context.Context, ref string) error {
	if err := s.repo.Delete(ctx, ref); err != nil {
		return err
	}
	s.Invalidate(ref)
	return nil
}

// Invalidate evicts one cached entry without touching persistence.
func (s *Store) Invalidate(ref string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.cache, ref)
}

// InvalidateAll evicts every cached entry.
func (s *Store) InvalidateAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache = make(map[string]cacheEntry)
}

func (s *Store) put(cfg ProjectConfig) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache[cfg.ProjectRef] = cacheEntry{cfg: cfg, expires: s.clock.Now().Add(s.ttl)}
}

// Start purges expired entries on a timer until ctx is cancelled, so the
// cache stays bounded even for refs that are never read again.
func (s *Store) Start(ctx context.Context) {
	slog.Info("config cache sweep started", "interval", s.sweepInterval.String())
	for {
		select {
		case <-ctx.Done():
			slog.Info("config cache sweep stopped")
			return
		case <-s.clock.After(s.sweepInterval):
			s.purgeExpired()
		}
	}
}

func (s *Store) purgeExpired() {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock.Now()
	for ref, e := range s.cache {
		if !now.Before(e.expires) {
			delete(s.cache, ref)
		}
	}
}
