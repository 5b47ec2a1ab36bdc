// Package watcher drives push delivery: one filesystem watcher per endpoint
// new/ directory, claiming messages and dispatching them to matching
// subscribers.
//
// Native watchers may miss events under load, so each endpoint also sweeps
// its new/ directory on a timer and on demand (after a subscribe). The claim
// rename arbitrates between the event path and the sweep path: whichever
// sees a message second gets not-found and moves on.
package watcher

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/dork-labs/relay/internal/breaker"
	"github.com/dork-labs/relay/internal/envelope"
	"github.com/dork-labs/relay/internal/index"
	"github.com/dork-labs/relay/internal/maildir"
	"github.com/dork-labs/relay/internal/subscription"
)

// DefaultSweepInterval bounds how stale a missed event can go unnoticed.
const DefaultSweepInterval = 5 * time.Second

// Manager owns the per-endpoint watchers.
type Manager struct {
	store      *maildir.Store
	idx        *index.Index
	subs       *subscription.Registry
	brk        *breaker.Breaker
	sweepEvery time.Duration
	log        zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	watchers map[string]*endpointWatcher
	stopped  bool
}

type endpointWatcher struct {
	hash string
	fsw  *fsnotify.Watcher
	kick chan struct{}
}

// New creates a manager. Watchers start per endpoint via Watch.
func New(store *maildir.Store, idx *index.Index, subs *subscription.Registry, brk *breaker.Breaker, sweepEvery time.Duration, log zerolog.Logger) *Manager {
	if sweepEvery <= 0 {
		sweepEvery = DefaultSweepInterval
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		store:      store,
		idx:        idx,
		subs:       subs,
		brk:        brk,
		sweepEvery: sweepEvery,
		log:        log.With().Str("component", "watcher").Logger(),
		ctx:        ctx,
		cancel:     cancel,
		watchers:   make(map[string]*endpointWatcher),
	}
}

// Watch starts (or restarts, if a previous watcher died) the watcher for an
// endpoint's new/ directory and sweeps once immediately.
func (m *Manager) Watch(hash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped {
		return fmt.Errorf("watcher: manager stopped")
	}
	if _, ok := m.watchers[hash]; ok {
		return nil
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("watcher: create: %w", err)
	}
	if err := fsw.Add(m.store.Dir(hash, maildir.DirNew)); err != nil {
		fsw.Close()
		return fmt.Errorf("watcher: add %s: %w", hash, err)
	}
	ew := &endpointWatcher{hash: hash, fsw: fsw, kick: make(chan struct{}, 1)}
	m.watchers[hash] = ew
	m.wg.Add(1)
	go m.run(ew)
	ew.nudge()
	m.log.Debug().Str("endpoint", hash).Msg("watching mailbox")
	return nil
}

// Unwatch stops the watcher for an endpoint. Pending messages stay in new/.
func (m *Manager) Unwatch(hash string) {
	m.mu.Lock()
	ew, ok := m.watchers[hash]
	if ok {
		delete(m.watchers, hash)
	}
	m.mu.Unlock()
	if ok {
		ew.fsw.Close()
	}
}

// Kick schedules an immediate sweep for one endpoint.
func (m *Manager) Kick(hash string) {
	m.mu.Lock()
	ew, ok := m.watchers[hash]
	m.mu.Unlock()
	if ok {
		ew.nudge()
	}
}

// KickAll schedules an immediate sweep everywhere; called after a subscribe
// so messages parked with no matching handler get delivered.
func (m *Manager) KickAll() {
	m.mu.Lock()
	ews := make([]*endpointWatcher, 0, len(m.watchers))
	for _, ew := range m.watchers {
		ews = append(ews, ew)
	}
	m.mu.Unlock()
	for _, ew := range ews {
		ew.nudge()
	}
}

// Stop closes every watcher and waits for in-flight deliveries to finish.
// New watcher events are suppressed from this point on.
func (m *Manager) Stop() {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return
	}
	m.stopped = true
	ews := make([]*endpointWatcher, 0, len(m.watchers))
	for _, ew := range m.watchers {
		ews = append(ews, ew)
	}
	m.watchers = make(map[string]*endpointWatcher)
	m.mu.Unlock()

	m.cancel()
	for _, ew := range ews {
		ew.fsw.Close()
	}
	m.wg.Wait()
}

func (ew *endpointWatcher) nudge() {
	select {
	case ew.kick <- struct{}{}:
	default:
	}
}

func (m *Manager) run(ew *endpointWatcher) {
	defer m.wg.Done()
	ticker := time.NewTicker(m.sweepEvery)
	defer ticker.Stop()
	for {
		select {
		case <-m.ctx.Done():
			return
		case ev, ok := <-ew.fsw.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if id, ok := messageID(ev.Name); ok {
				m.deliver(ew.hash, id)
			}
		case err, ok := <-ew.fsw.Errors:
			if !ok {
				return
			}
			// Log and continue; the sweep self-heals anything missed.
			m.log.Warn().Str("endpoint", ew.hash).Err(err).Msg("watcher error")
		case <-ticker.C:
			m.sweep(ew.hash)
		case <-ew.kick:
			m.sweep(ew.hash)
		}
	}
}

// messageID extracts the message ID from an event path, rejecting sidecars,
// temp files and anything that is not a .json name.
func messageID(path string) (string, bool) {
	name := filepath.Base(path)
	if strings.HasSuffix(name, ".reason.json") || !strings.HasSuffix(name, ".json") {
		return "", false
	}
	return strings.TrimSuffix(name, ".json"), true
}

// sweep enumerates new/ in ULID (creation) order and attempts delivery for
// each entry.
func (m *Manager) sweep(hash string) {
	ids, err := m.store.ListNew(hash)
	if err != nil {
		m.log.Warn().Str("endpoint", hash).Err(err).Msg("sweep list failed")
		return
	}
	for _, id := range ids {
		select {
		case <-m.ctx.Done():
			return
		default:
		}
		m.deliver(hash, id)
	}
}

// deliver runs the claim, handle, complete-or-fail protocol for one message.
func (m *Manager) deliver(hash, id string) {
	env, err := m.store.ReadEnvelope(hash, maildir.DirNew, id)
	if err != nil {
		m.log.Warn().Str("endpoint", hash).Str("id", id).Err(err).Msg("read failed")
		return
	}
	if env == nil {
		// Claimed by someone else, or not fully visible yet.
		return
	}
	handlers := m.subs.Subscribers(env.Subject)
	if len(handlers) == 0 {
		// No subscriber: leave it in new/ until one appears.
		return
	}
	if err := m.store.Claim(hash, id); err != nil {
		if err != maildir.ErrNotFound {
			m.log.Warn().Str("endpoint", hash).Str("id", id).Err(err).Msg("claim failed")
		}
		return
	}

	// TTL binds at delivery too: a message parked in new/ past its expiry
	// is dead-lettered instead of handed to a late subscriber.
	if env.Budget.Expired(time.Now()) {
		if ferr := m.store.Fail(hash, id, string(envelope.ReasonTTLExpired)); ferr != nil {
			m.log.Error().Str("id", id).Err(ferr).Msg("dead-letter move failed")
		}
		if _, uerr := m.idx.UpdateStatus(id, index.StatusFailed); uerr != nil {
			m.log.Error().Str("id", id).Err(uerr).Msg("index status update failed")
		}
		m.log.Debug().Str("endpoint", hash).Str("id", id).Msg("expired before delivery")
		return
	}

	g, ctx := errgroup.WithContext(m.ctx)
	for _, sub := range handlers {
		h := sub.Handler
		g.Go(func() error { return invoke(ctx, h, env) })
	}
	if err := g.Wait(); err != nil {
		if ferr := m.store.Fail(hash, id, err.Error()); ferr != nil {
			m.log.Error().Str("id", id).Err(ferr).Msg("dead-letter move failed")
		}
		if _, uerr := m.idx.UpdateStatus(id, index.StatusFailed); uerr != nil {
			m.log.Error().Str("id", id).Err(uerr).Msg("index status update failed")
		}
		m.brk.RecordFailure(hash, time.Now())
		m.log.Debug().Str("endpoint", hash).Str("id", id).Err(err).Msg("delivery failed")
		return
	}

	if err := m.store.Complete(hash, id); err != nil {
		m.log.Error().Str("id", id).Err(err).Msg("complete failed")
	}
	if _, err := m.idx.UpdateStatus(id, index.StatusDelivered); err != nil {
		m.log.Error().Str("id", id).Err(err).Msg("index status update failed")
	}
	m.brk.RecordSuccess(hash)
}

// invoke shields the delivery loop from handler panics; a panic counts as a
// failed delivery, not a crashed watcher.
func invoke(ctx context.Context, h subscription.Handler, env *envelope.Envelope) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h(ctx, env)
}
