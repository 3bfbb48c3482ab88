// Package ratelimit implements sliding-window request limits per upstream
// or per (upstream, key) scope.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Decision is the outcome of one limit check.
type Decision struct {
	Allowed    bool
	Current    int
	Limit      int
	Remaining  int
	RetryAfter time.Duration
	Reason     string
}

// Backend counts hits inside a sliding window.
type Backend interface {
	// Hit records an attempt under key if the window has room and reports
	// the resulting state.
	Hit(ctx context.Context, key string, limit int, window time.Duration) (Decision, error)
}

// Config is the per-scope limit set. Zero values disable a window.
type Config struct {
	Enabled   bool `yaml:"enabled"`
	PerMinute int  `yaml:"per_minute"`
	PerHour   int  `yaml:"per_hour"`
	PerDay    int  `yaml:"per_day"`
}

// Limiter checks a scope against every configured window.
type Limiter struct {
	backend Backend
	cfg     Config
}

// NewLimiter creates a limiter over the given backend.
func NewLimiter(backend Backend, cfg Config) *Limiter {
	return &Limiter{backend: backend, cfg: cfg}
}

// windowSpec pairs a window length with its configured ceiling.
type windowSpec struct {
	name   string
	limit  int
	window time.Duration
}

func (l *Limiter) windows() []windowSpec {
	return []windowSpec{
		{name: "minute", limit: l.cfg.PerMinute, window: time.Minute},
		{name: "hour", limit: l.cfg.PerHour, window: time.Hour},
		{name: "day", limit: l.cfg.PerDay, window: 24 * time.Hour},
	}
}

// Check runs the scope through every enabled window, tightest first. The
// first exhausted window denies the request.
func (l *Limiter) Check(ctx context.Context, scope string) (Decision, error) {
	if !l.cfg.Enabled {
		return Decision{Allowed: true}, nil
	}
	for _, w := range l.windows() {
		if w.limit <= 0 {
			continue
		}
		d, err := l.backend.Hit(ctx, fmt.Sprintf("%s:%s", scope, w.name), w.limit, w.window)
		if err != nil {
			return Decision{}, err
		}
		if !d.Allowed {
			d.Reason = w.name + "_limit_exceeded"
			d.RetryAfter = w.window
			return d, nil
		}
	}
	return Decision{Allowed: true}, nil
}

// MemoryBackend keeps windows as in-process timestamp slices.
type MemoryBackend struct {
	mu   sync.Mutex
	hits map[string][]time.Time
	now  func() time.Time
}

// NewMemoryBackend creates an in-process backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{hits: make(map[string][]time.Time), now: time.Now}
}

// SetClock overrides the time source. Test hook.
func (m *MemoryBackend) SetClock(now func() time.Time) { m.now = now }

// Hit implements Backend.
func (m *MemoryBackend) Hit(_ context.Context, key string, limit int, window time.Duration) (Decision, error) {
	now := m.now()
	cutoff := now.Add(-window)

	m.mu.Lock()
	defer m.mu.Unlock()

	kept := m.hits[key][:0]
	for _, t := range m.hits[key] {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	current := len(kept)
	allowed := current < limit
	if allowed {
		kept = append(kept, now)
		current++
	}
	m.hits[key] = kept

	return Decision{
		Allowed:   allowed,
		Current:   current,
		Limit:     limit,
		Remaining: max(0, limit-current),
	}, nil
}

// Cleanup drops windows with no recent hits. Runs on a scheduler tick.
func (m *MemoryBackend) Cleanup(maxAge time.Duration) int {
	if maxAge <= 0 {
		maxAge = time.Hour
	}
	cutoff := m.now().Add(-maxAge)

	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for key, ts := range m.hits {
		live := false
		for _, t := range ts {
			if t.After(cutoff) {
				live = true
				break
			}
		}
		if !live {
			delete(m.hits, key)
			removed++
		}
	}
	return removed
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}
