// Package access authorizes per-project requests: ownership validation
// plus a per-key fixed-window rate limit.
package access

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/juju/clock"

	"github.com/dbhive/dbhive/internal/configstore"
)

// Rate limit defaults.
const (
	DefaultMaxRequests = 100
	DefaultWindow      = 60 * time.Second
)

// ConfigSource resolves a project reference to its config; satisfied by
// *configstore.Store.
type ConfigSource interface {
	Get(ctx context.Context, ref string) (*configstore.ProjectConfig, error)
}

// Validator answers "may this user touch this project".
type Validator struct {
	store ConfigSource
}

// NewValidator creates a Validator over the config store.
func NewValidator(store ConfigSource) *Validator {
	return &Validator{store: store}
}

// ValidateProjectAccess reports whether the user owns the project.
// Unknown projects and mismatched owners are both false, not errors:
// callers must not be able to distinguish "no such project" from "not
// yours".
func (v *Validator) ValidateProjectAccess(ctx context.Context, ref, userID string) bool {
	cfg, err := v.store.Get(ctx, ref)
	if err != nil {
		slog.Debug("access denied: project not resolvable", "project", ref, "error", err)
		return false
	}
	return cfg.OwnerUserID == userID
}

// Decision is the outcome of a rate limit check.
type Decision struct {
	Allowed bool
	Reason  string
}

// WindowStats exposes the current window of one key for inspection.
type WindowStats struct {
	Key         string
	Count       int
	MaxRequests int
	ResetsAt    time.Time
}

type window struct {
	count int
	start time.Time
}

// RateLimiter is a fixed-window counter per key.
type RateLimiter struct {
	clock       clock.Clock
	maxRequests int
	windowSize  time.Duration

	mu      sync.Mutex
	windows map[string]*window
}

// LimiterOption configures a RateLimiter.
type LimiterOption func(*RateLimiter)

// WithLimit overrides the per-window request budget.
func WithLimit(maxRequests int, windowSize time.Duration) LimiterOption {
	return func(rl *RateLimiter) {
		rl.maxRequests = maxRequests
		rl.windowSize = windowSize
	}
}

// NewRateLimiter creates a RateLimiter. A nil clock selects the wall
// clock.
func NewRateLimiter(clk clock.Clock, opts ...LimiterOption) *RateLimiter {
	if clk == nil {
		clk = clock.WallClock
	}
	rl := &RateLimiter{
		clock:       clk,
		maxRequests: DefaultMaxRequests,
		windowSize:  DefaultWindow,
		windows:     make(map[string]*window),
	}
	for _, opt := range opts {
		opt(rl)
	}
	return rl
}

// Check counts one request against the key's current window.
func (rl *RateLimiter) Check(key string) Decision {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.clock.Now()
	w, ok := rl.windows[key]
	if !ok || now.Sub(w.start) >= rl.windowSize {
		w = &window{start: now}
		rl.windows[key] = w
	}

	if w.count >= rl.maxRequests {
		resetIn := rl.windowSize - now.Sub(w.start)
		return Decision{
			Allowed: false,
			Reason: fmt.Sprintf("rate limit exceeded: %d requests in the current window, retry in %s",
				w.count, resetIn.Round(time.Second)),
		}
	}

	w.count++
	return Decision{Allowed: true}
}

// Reset clears the key's window before it would naturally roll over.
func (rl *RateLimiter) Reset(key string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	delete(rl.windows, key)
}

// Stats returns the key's current window, or nil when nothing is counted.
func (rl *RateLimiter) Stats(key string) *WindowStats {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	w, ok := rl.windows[key]
	if !ok {
		return nil
	}
	return &WindowStats{
		Key:         key,
		Count:       w.count,
		MaxRequests: rl.maxRequests,
		ResetsAt:    w.start.Add(rl.windowSize),
	}
}
