// Package relay is the public surface of the bus: construction, the publish
// pipeline, subscriptions, endpoint registration, signals, access rules and
// the dead-letter queue, wired over the internal subsystems.
package relay

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/dork-labs/relay/internal/access"
	"github.com/dork-labs/relay/internal/adapter"
	"github.com/dork-labs/relay/internal/adapter/webhook"
	"github.com/dork-labs/relay/internal/binding"
	"github.com/dork-labs/relay/internal/breaker"
	"github.com/dork-labs/relay/internal/config"
	"github.com/dork-labs/relay/internal/dlq"
	"github.com/dork-labs/relay/internal/index"
	"github.com/dork-labs/relay/internal/maildir"
	"github.com/dork-labs/relay/internal/pressure"
	"github.com/dork-labs/relay/internal/ratelimit"
	"github.com/dork-labs/relay/internal/subject"
	"github.com/dork-labs/relay/internal/subscription"
	"github.com/dork-labs/relay/internal/telemetry"
	"github.com/dork-labs/relay/internal/watcher"
)

// Options configure a Core beyond what the config file carries.
type Options struct {
	Config config.Config
	Logger zerolog.Logger

	// Metrics registry; nil skips metric registration.
	Metrics prometheus.Registerer
	// Optional per-publish trace sink.
	TraceSink telemetry.TraceSink
	// When set, the binding router is wired and subscribed to relay.human.>.
	SessionFactory binding.SessionFactory
}

// Endpoint is a registered mailbox.
type Endpoint struct {
	Subject string
	Hash    string
}

// Core is the relay. One Core owns one data directory.
type Core struct {
	cfg config.Config
	log zerolog.Logger

	store    *maildir.Store
	idx      *index.Index
	access   *access.Controller
	limiter  *ratelimit.Limiter
	brk      *breaker.Breaker
	pressure pressure.Config
	dlq      *dlq.Queue
	subs     *subscription.Registry
	signals  *subscription.Registry
	watch    *watcher.Manager
	adapters *adapter.Registry
	tel      *telemetry.Telemetry

	bindings *binding.Store
	router   *binding.Router

	mu        sync.RWMutex
	endpoints map[string]string // subject to endpoint hash
	stopped   bool

	janitorCancel context.CancelFunc
	janitorDone   chan struct{}
}

// New opens (or creates) the relay's data directory and wires every
// subsystem. The returned Core is running: watchers are live for existing
// mailboxes and the janitor is sweeping expired rows.
func New(opts Options) (*Core, error) {
	cfg := opts.Config
	if cfg.DataDir == "" {
		cfg = config.Default()
	}
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("relay: data dir: %w", err)
	}
	log := opts.Logger.With().Str("component", "relay").Logger()

	store, err := maildir.New(cfg.MailboxRoot(), opts.Logger)
	if err != nil {
		return nil, err
	}
	idx, err := index.Open(cfg.DBPath(), opts.Logger)
	if err != nil {
		return nil, err
	}

	brk := breaker.New(breaker.Config{
		FailureThreshold: cfg.Breaker.FailureThreshold,
		Cooldown:         cfg.Breaker.Cooldown,
		HalfOpenProbes:   cfg.Breaker.HalfOpenProbes,
		SuccessToClose:   cfg.Breaker.SuccessToClose,
	}, opts.Logger)
	subs := subscription.New()

	c := &Core{
		cfg:     cfg,
		log:     log,
		store:   store,
		idx:     idx,
		access:  access.New(),
		limiter: ratelimit.New(ratelimit.Config{
			Enabled:      cfg.RateLimit.Enabled,
			MaxPerWindow: cfg.RateLimit.MaxPerWindow,
			WindowSecs:   cfg.RateLimit.WindowSecs,
			Overrides:    cfg.RateLimit.Overrides,
		}),
		brk:      brk,
		pressure: pressure.Config{MaxMailboxSize: cfg.Pressure.MaxMailboxSize, WarnAt: cfg.Pressure.WarnAt},
		subs:     subs,
		signals:  subscription.New(),
		watch:    watcher.New(store, idx, subs, brk, cfg.Watcher.SweepInterval, opts.Logger),
		tel:      telemetry.New(opts.Metrics, opts.TraceSink),

		endpoints: make(map[string]string),
	}
	c.dlq = dlq.New(store, idx, opts.Logger)

	c.adapters = adapter.NewRegistry(&adapterBus{c}, func(adapterID, event string) {
		c.emitSignal("relay.system.adapter."+adapterID+"."+event, map[string]string{
			"adapterId": adapterID,
			"event":     event,
		})
	}, opts.Logger)
	c.adapters.RegisterFactory("webhook", func(acfg adapter.Config, alog zerolog.Logger) (adapter.Adapter, error) {
		return webhook.FromConfig(acfg, alog)
	})
	if err := c.adapters.Load(context.Background(), cfg.AdapterConfigPath()); err != nil {
		log.Warn().Err(err).Msg("adapter config load failed")
	}
	if err := c.adapters.Watch(context.Background(), cfg.AdapterConfigPath()); err != nil {
		log.Warn().Err(err).Msg("adapter config watch failed")
	}

	bgctx, cancel := context.WithCancel(context.Background())
	c.janitorCancel = cancel

	if opts.SessionFactory != nil {
		bstore, err := binding.NewStore(cfg.BindingsPath(), opts.Logger)
		if err != nil {
			cancel()
			idx.Close()
			return nil, err
		}
		sessions, err := binding.NewSessionMap(cfg.SessionsPath())
		if err != nil {
			cancel()
			idx.Close()
			return nil, err
		}
		c.bindings = bstore
		c.router = binding.NewRouter(bstore, sessions, opts.SessionFactory, &routerPublisher{c}, opts.Logger)
		c.subs.Subscribe("relay.human.>", c.router.HandleInbound)
		if err := bstore.Watch(bgctx); err != nil {
			log.Warn().Err(err).Msg("binding store watch failed")
		}
	}

	// Resume watching mailboxes that survive from a previous run.
	hashes, err := store.Endpoints()
	if err != nil {
		cancel()
		idx.Close()
		return nil, err
	}
	for _, hash := range hashes {
		if err := c.watch.Watch(hash); err != nil {
			log.Warn().Str("endpoint", hash).Err(err).Msg("resume watch failed")
		}
	}

	c.janitorDone = make(chan struct{})
	go c.janitor(bgctx)

	return c, nil
}

// janitor periodically drops expired index rows.
func (c *Core) janitor(ctx context.Context) {
	defer close(c.janitorDone)
	interval := c.cfg.Janitor.Interval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := c.idx.DeleteExpired(time.Now())
			if err != nil {
				c.log.Warn().Err(err).Msg("expired sweep failed")
			} else if n > 0 {
				c.log.Debug().Int("rows", n).Msg("expired rows removed")
			}
		}
	}
}

// RegisterEndpoint creates (or reopens) the mailbox for a subject and starts
// watching it. Endpoint subjects may carry wildcards; expansion at publish
// time matches the message subject against them.
func (c *Core) RegisterEndpoint(subjectStr string) (Endpoint, error) {
	if !subject.ValidPattern(subjectStr) {
		return Endpoint{}, fmt.Errorf("relay: invalid endpoint subject %q", subjectStr)
	}
	hash := maildir.HashSubject(subjectStr)
	if err := c.store.Ensure(hash); err != nil {
		return Endpoint{}, err
	}
	if err := c.watch.Watch(hash); err != nil {
		return Endpoint{}, err
	}
	c.mu.Lock()
	c.endpoints[subjectStr] = hash
	c.mu.Unlock()
	c.log.Debug().Str("subject", subjectStr).Str("hash", hash).Msg("endpoint registered")
	return Endpoint{Subject: subjectStr, Hash: hash}, nil
}

// UnregisterEndpoint stops watching a subject's mailbox. The mailbox and its
// contents stay on disk.
func (c *Core) UnregisterEndpoint(subjectStr string) {
	c.mu.Lock()
	hash, ok := c.endpoints[subjectStr]
	if ok {
		delete(c.endpoints, subjectStr)
	}
	c.mu.Unlock()
	if ok {
		c.watch.Unwatch(hash)
	}
}

// Endpoints snapshots the registered endpoints.
func (c *Core) Endpoints() []Endpoint {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Endpoint, 0, len(c.endpoints))
	for s, h := range c.endpoints {
		out = append(out, Endpoint{Subject: s, Hash: h})
	}
	return out
}

// RegisterAgent registers an agent session endpoint with namespace
// guardrails: agents in a namespace may talk within it, and cross-namespace
// traffic is denied unless explicitly allowed.
func (c *Core) RegisterAgent(namespace, id string) (Endpoint, error) {
	subj := "relay.agent." + id
	if namespace != "" {
		subj = "relay.agent." + namespace + "." + id
		nsPattern := "relay.agent." + namespace + ".>"
		c.access.AddRule(access.Rule{From: "relay.agent.>", To: nsPattern, Action: access.Deny, Priority: 10})
		c.access.AddRule(access.Rule{From: nsPattern, To: nsPattern, Action: access.Allow, Priority: 100})
	}
	return c.RegisterEndpoint(subj)
}

// AllowCrossNamespace permits traffic from one agent namespace into another.
func (c *Core) AllowCrossNamespace(fromNS, toNS string) {
	c.access.AddRule(access.Rule{
		From:     "relay.agent." + fromNS + ".>",
		To:       "relay.agent." + toNS + ".>",
		Action:   access.Allow,
		Priority: 50,
	})
}

// DenyCrossNamespace removes a cross-namespace allowance, restoring the
// guardrail default.
func (c *Core) DenyCrossNamespace(fromNS, toNS string) {
	c.access.RemoveRule("relay.agent."+fromNS+".>", "relay.agent."+toNS+".>")
}

// AddAccessRule installs a rule; same (from, to) replaces.
func (c *Core) AddAccessRule(r access.Rule) { c.access.AddRule(r) }

// RemoveAccessRule deletes the rule for a (from, to) pair.
func (c *Core) RemoveAccessRule(from, to string) { c.access.RemoveRule(from, to) }

// ListAccessRules returns rules in evaluation order.
func (c *Core) ListAccessRules() []access.Rule { return c.access.List() }

// Subscribe registers a handler for a subject pattern and nudges every
// watcher so messages parked without a matching handler get delivered.
func (c *Core) Subscribe(pattern string, h subscription.Handler) (func(), error) {
	if !subject.ValidPattern(pattern) {
		return nil, fmt.Errorf("relay: invalid pattern %q", pattern)
	}
	unsub := c.subs.Subscribe(pattern, h)
	c.watch.KickAll()
	return unsub, nil
}

// OnSignal observes non-message events (backpressure, adapter lifecycle).
// Signals are in-memory and best effort; handler errors are logged only.
func (c *Core) OnSignal(pattern string, h subscription.Handler) (func(), error) {
	if !subject.ValidPattern(pattern) {
		return nil, fmt.Errorf("relay: invalid pattern %q", pattern)
	}
	return c.signals.Subscribe(pattern, h), nil
}

// DeadLetters lists dead letters, optionally scoped to one endpoint hash.
func (c *Core) DeadLetters(hash string) ([]dlq.DeadLetter, error) { return c.dlq.List(hash) }

// PurgeDeadLetters removes dead letters older than the given age.
func (c *Core) PurgeDeadLetters(opts dlq.PurgeOptions) (int, error) {
	return c.dlq.Purge(opts, time.Now())
}

// QueryMessages pages through the index.
func (c *Core) QueryMessages(f index.Filter, cursor string, limit int) ([]index.Row, string, error) {
	return c.idx.QueryMessages(f, cursor, limit)
}

// Metrics aggregates index counts.
func (c *Core) Metrics() (index.Metrics, error) { return c.idx.GetMetrics() }

// RebuildIndex reconstructs the index from the mailbox tree. Subjects for
// registered endpoints are recovered exactly; unknown mailboxes fall back to
// their hash.
func (c *Core) RebuildIndex() error {
	c.mu.RLock()
	hashToSubject := make(map[string]string, len(c.endpoints))
	for s, h := range c.endpoints {
		hashToSubject[h] = s
	}
	c.mu.RUnlock()
	return c.idx.Rebuild(c.store, hashToSubject)
}

// RegisterAdapter starts an adapter outside the watched config file.
func (c *Core) RegisterAdapter(ctx context.Context, a adapter.Adapter) error {
	return c.adapters.Register(ctx, a)
}

// RegisterAdapterFactory installs a constructor for a config-file adapter
// type.
func (c *Core) RegisterAdapterFactory(typ string, f adapter.Factory) {
	c.adapters.RegisterFactory(typ, f)
}

// AdapterStatuses snapshots every running adapter.
func (c *Core) AdapterStatuses() map[string]adapter.Status { return c.adapters.Statuses() }

// Bindings exposes the binding store; nil when no session factory was wired.
func (c *Core) Bindings() *binding.Store { return c.bindings }

// CleanupOrphanSessions drops session-map entries for deleted bindings.
func (c *Core) CleanupOrphanSessions() (int, error) {
	if c.router == nil {
		return 0, nil
	}
	return c.router.CleanupOrphans()
}

// BreakerState reports an endpoint's circuit state, for status surfaces.
func (c *Core) BreakerState(hash string) breaker.State { return c.brk.StateOf(hash) }

// Stop shuts the relay down: janitor, watchers, adapters, then the index.
// In-flight handler invocations complete; new watcher events are suppressed.
func (c *Core) Stop(ctx context.Context) error {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return nil
	}
	c.stopped = true
	c.mu.Unlock()

	c.janitorCancel()
	<-c.janitorDone
	c.watch.Stop()
	c.adapters.StopAll(ctx)
	return c.idx.Close()
}
