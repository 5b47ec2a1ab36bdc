// Package ratelimit implements per-sender sliding-window publish limits.
//
// The limiter keeps an in-memory log of admit times per sender. A publish is
// admitted when fewer than the sender's limit fall inside the trailing
// window; rejected publishes are not counted against the window. State is not
// rebuilt across restarts; a restart forgives at most one window.
package ratelimit

import (
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
)

// Config controls the limiter.
type Config struct {
	Enabled      bool           `yaml:"enabled"`
	MaxPerWindow int            `yaml:"max_per_window"`
	WindowSecs   int            `yaml:"window_secs"`
	Overrides    map[string]int `yaml:"overrides"` // sender to replacement limit
}

// DefaultConfig allows 60 messages per sender per minute.
func DefaultConfig() Config {
	return Config{Enabled: true, MaxPerWindow: 60, WindowSecs: 60}
}

// Limiter tracks sliding windows per sender. Safe for concurrent use: the
// sender map is a concurrent map and each window is guarded by its own lock.
type Limiter struct {
	cfg     Config
	windows *xsync.MapOf[string, *window]
}

type window struct {
	mu    sync.Mutex
	times []time.Time
}

// New creates a limiter.
func New(cfg Config) *Limiter {
	return &Limiter{cfg: cfg, windows: xsync.NewMapOf[string, *window]()}
}

func (l *Limiter) limitFor(sender string) int {
	if n, ok := l.cfg.Overrides[sender]; ok {
		return n
	}
	return l.cfg.MaxPerWindow
}

// Allow reports whether a publish from sender at now is within its limit,
// and records it when it is. A message exactly at the window start does not
// count; one just inside does.
func (l *Limiter) Allow(sender string, now time.Time) bool {
	if !l.cfg.Enabled {
		return true
	}
	w, _ := l.windows.LoadOrCompute(sender, func() *window { return &window{} })
	windowStart := now.Add(-time.Duration(l.cfg.WindowSecs) * time.Second)

	w.mu.Lock()
	defer w.mu.Unlock()

	// Drop entries at or before the window start.
	keep := w.times[:0]
	for _, t := range w.times {
		if t.After(windowStart) {
			keep = append(keep, t)
		}
	}
	w.times = keep

	if len(w.times) >= l.limitFor(sender) {
		return false
	}
	w.times = append(w.times, now)
	return true
}

// InWindow returns the current count for a sender, for introspection.
func (l *Limiter) InWindow(sender string, now time.Time) int {
	w, ok := l.windows.Load(sender)
	if !ok {
		return 0
	}
	windowStart := now.Add(-time.Duration(l.cfg.WindowSecs) * time.Second)
	w.mu.Lock()
	defer w.mu.Unlock()
	n := 0
	for _, t := range w.times {
		if t.After(windowStart) {
			n++
		}
	}
	return n
}
