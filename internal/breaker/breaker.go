// Package breaker implements the per-endpoint circuit breaker.
//
// Each endpoint has an independent CLOSED/OPEN/HALF_OPEN state machine fed by
// delivery outcomes. While OPEN, publishes to the endpoint are rejected until
// the cooldown elapses; the breaker then admits a limited number of probes
// and closes again only after enough of them succeed.
package breaker

import (
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/zerolog"
)

// State of one endpoint's breaker.
type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Open:
		return "open"
	case HalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}

// Config controls all breakers managed by one Breaker.
type Config struct {
	FailureThreshold int           `yaml:"failure_threshold"` // consecutive failures to trip
	Cooldown         time.Duration `yaml:"cooldown"`          // OPEN hold time before probing
	HalfOpenProbes   int           `yaml:"half_open_probes"`  // admissions while HALF_OPEN
	SuccessToClose   int           `yaml:"success_to_close"`  // successes to return to CLOSED
}

// DefaultConfig trips after 5 consecutive failures, holds open for 30s, and
// closes again after one successful probe.
func DefaultConfig() Config {
	return Config{FailureThreshold: 5, Cooldown: 30 * time.Second, HalfOpenProbes: 1, SuccessToClose: 1}
}

type entry struct {
	mu                  sync.Mutex
	state               State
	consecutiveFailures int
	openedAt            time.Time
	probesIssued        int
	halfOpenSuccesses   int
}

// Breaker manages one state machine per endpoint hash.
type Breaker struct {
	cfg     Config
	entries *xsync.MapOf[string, *entry]
	log     zerolog.Logger
}

// New creates a breaker set.
func New(cfg Config, log zerolog.Logger) *Breaker {
	return &Breaker{
		cfg:     cfg,
		entries: xsync.NewMapOf[string, *entry](),
		log:     log.With().Str("component", "breaker").Logger(),
	}
}

func (b *Breaker) entryFor(hash string) *entry {
	e, _ := b.entries.LoadOrCompute(hash, func() *entry { return &entry{} })
	return e
}

// Allow reports whether a message may be admitted for the endpoint. While
// OPEN it starts probing once the cooldown has elapsed; probe counting is
// strict: once HalfOpenProbes admissions are out, further admissions are
// rejected until outcomes come back.
func (b *Breaker) Allow(hash string, now time.Time) bool {
	e := b.entryFor(hash)
	e.mu.Lock()
	defer e.mu.Unlock()
	switch e.state {
	case Closed:
		return true
	case Open:
		if now.Sub(e.openedAt) < b.cfg.Cooldown {
			return false
		}
		e.state = HalfOpen
		e.probesIssued = 0
		e.halfOpenSuccesses = 0
		b.log.Debug().Str("endpoint", hash).Msg("breaker half-open, probing")
		fallthrough
	case HalfOpen:
		if e.probesIssued >= b.cfg.HalfOpenProbes {
			return false
		}
		e.probesIssued++
		return true
	}
	return true
}

// RecordSuccess feeds a successful delivery outcome.
func (b *Breaker) RecordSuccess(hash string) {
	e := b.entryFor(hash)
	e.mu.Lock()
	defer e.mu.Unlock()
	switch e.state {
	case Closed:
		e.consecutiveFailures = 0
	case HalfOpen:
		e.halfOpenSuccesses++
		if e.halfOpenSuccesses >= b.cfg.SuccessToClose {
			e.state = Closed
			e.consecutiveFailures = 0
			e.probesIssued = 0
			e.halfOpenSuccesses = 0
			b.log.Info().Str("endpoint", hash).Msg("breaker closed")
		}
	}
}

// RecordFailure feeds a failed delivery outcome. In CLOSED it counts toward
// the trip threshold; in HALF_OPEN any failure re-opens immediately.
func (b *Breaker) RecordFailure(hash string, now time.Time) {
	e := b.entryFor(hash)
	e.mu.Lock()
	defer e.mu.Unlock()
	switch e.state {
	case Closed:
		e.consecutiveFailures++
		if e.consecutiveFailures >= b.cfg.FailureThreshold {
			e.state = Open
			e.openedAt = now
			b.log.Warn().Str("endpoint", hash).Int("failures", e.consecutiveFailures).Msg("breaker opened")
		}
	case HalfOpen:
		e.state = Open
		e.openedAt = now
		e.probesIssued = 0
		e.halfOpenSuccesses = 0
		b.log.Warn().Str("endpoint", hash).Msg("breaker re-opened by probe failure")
	case Open:
		// Late failure report from before the trip; nothing to update.
	}
}

// StateOf returns the current state for an endpoint, Closed for unknown ones.
func (b *Breaker) StateOf(hash string) State {
	e, ok := b.entries.Load(hash)
	if !ok {
		return Closed
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}
