package adapter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// Config is one adapter's entry in the config file.
type Config struct {
	ID       string          `json:"id"`
	Type     string          `json:"type"`
	Settings json.RawMessage `json:"settings,omitempty"`
}

// configFile is the adapter config file shape.
type configFile struct {
	Adapters []Config `json:"adapters"`
}

// Factory builds an adapter from its config entry.
type Factory func(cfg Config, log zerolog.Logger) (Adapter, error)

// LifecycleFunc observes adapter lifecycle transitions (started, stopped,
// error); the relay core uses it to emit system signals.
type LifecycleFunc func(adapterID, event string)

// Registry manages adapter lifecycles. It watches the adapter config file
// and reconciles on change: new entries start, removed entries stop, and
// entries whose settings changed restart.
type Registry struct {
	bus       Bus
	log       zerolog.Logger
	onEvent   LifecycleFunc
	debounce  time.Duration
	factories map[string]Factory

	mu      sync.Mutex
	running map[string]Adapter
	cfgs    map[string]Config

	fsw    *fsnotify.Watcher
	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// NewRegistry creates a registry publishing inbound traffic to bus.
func NewRegistry(bus Bus, onEvent LifecycleFunc, log zerolog.Logger) *Registry {
	if onEvent == nil {
		onEvent = func(string, string) {}
	}
	return &Registry{
		bus:       bus,
		log:       log.With().Str("component", "adapters").Logger(),
		onEvent:   onEvent,
		debounce:  200 * time.Millisecond,
		factories: make(map[string]Factory),
		running:   make(map[string]Adapter),
		cfgs:      make(map[string]Config),
	}
}

// RegisterFactory installs the constructor for an adapter type. Built-in
// types are registered statically at relay startup; there is no runtime
// plugin loading.
func (r *Registry) RegisterFactory(typ string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[typ] = f
}

// Load reads the config file and reconciles running adapters against it.
// A missing file reconciles against an empty config.
func (r *Registry) Load(ctx context.Context, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			data = []byte(`{"adapters":[]}`)
		} else {
			return fmt.Errorf("adapter: read config: %w", err)
		}
	}
	var cf configFile
	if err := json.Unmarshal(data, &cf); err != nil {
		return fmt.Errorf("adapter: parse config: %w", err)
	}
	return r.reconcile(ctx, cf.Adapters)
}

// Watch follows the config file for external edits, reloading after a short
// debounce. It returns after starting the watch goroutine.
func (r *Registry) Watch(ctx context.Context, path string) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("adapter: watch config: %w", err)
	}
	// Watch the directory: editors replace files by rename, which drops a
	// watch set on the file itself.
	if err := fsw.Add(filepath.Dir(path)); err != nil {
		fsw.Close()
		return fmt.Errorf("adapter: watch config dir: %w", err)
	}
	wctx, cancel := context.WithCancel(ctx)
	r.fsw = fsw
	r.cancel = cancel
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		var timer *time.Timer
		var timerC <-chan time.Time
		for {
			select {
			case <-wctx.Done():
				return
			case ev, ok := <-fsw.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != filepath.Clean(path) {
					continue
				}
				if timer == nil {
					timer = time.NewTimer(r.debounce)
				} else {
					timer.Reset(r.debounce)
				}
				timerC = timer.C
			case err, ok := <-fsw.Errors:
				if !ok {
					return
				}
				r.log.Warn().Err(err).Msg("config watcher error")
			case <-timerC:
				timerC = nil
				if err := r.Load(wctx, path); err != nil {
					r.log.Error().Err(err).Msg("config reload failed")
				}
			}
		}
	}()
	return nil
}

// reconcile computes add/remove/update deltas against the running set.
func (r *Registry) reconcile(ctx context.Context, want []Config) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	wanted := make(map[string]Config, len(want))
	for _, cfg := range want {
		wanted[cfg.ID] = cfg
	}

	// Stop removed adapters.
	for id, a := range r.running {
		if _, ok := wanted[id]; !ok {
			r.stopLocked(ctx, id, a)
		}
	}

	for id, cfg := range wanted {
		prev, isRunning := r.running[id]
		if isRunning {
			if sameConfig(r.cfgs[id], cfg) {
				continue
			}
			// Material config change: restart.
			r.stopLocked(ctx, id, prev)
		}
		factory, ok := r.factories[cfg.Type]
		if !ok {
			r.log.Error().Str("adapter", id).Str("type", cfg.Type).Msg("unknown adapter type")
			continue
		}
		a, err := factory(cfg, r.log)
		if err != nil {
			r.log.Error().Str("adapter", id).Err(err).Msg("adapter construction failed")
			r.onEvent(id, "error")
			continue
		}
		if err := a.Start(ctx, r.bus); err != nil {
			r.log.Error().Str("adapter", id).Err(err).Msg("adapter start failed")
			r.onEvent(id, "error")
			continue
		}
		r.running[id] = a
		r.cfgs[id] = cfg
		r.onEvent(id, "started")
		r.log.Info().Str("adapter", id).Str("type", cfg.Type).Msg("adapter started")
	}
	return nil
}

func (r *Registry) stopLocked(ctx context.Context, id string, a Adapter) {
	if err := a.Stop(ctx); err != nil {
		r.log.Warn().Str("adapter", id).Err(err).Msg("adapter stop failed")
	}
	delete(r.running, id)
	delete(r.cfgs, id)
	r.onEvent(id, "stopped")
	r.log.Info().Str("adapter", id).Msg("adapter stopped")
}

func sameConfig(a, b Config) bool {
	return a.Type == b.Type && bytes.Equal(a.Settings, b.Settings)
}

// Register starts an adapter outside the config file: the path for built-in
// adapters wired directly by the host application.
func (r *Registry) Register(ctx context.Context, a Adapter) error {
	if err := a.Start(ctx, r.bus); err != nil {
		return err
	}
	r.mu.Lock()
	r.running[a.ID()] = a
	r.mu.Unlock()
	r.onEvent(a.ID(), "started")
	return nil
}

// Match returns the running adapter whose prefix covers the subject, or nil.
func (r *Registry) Match(subject string) Adapter {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, a := range r.running {
		for _, prefix := range a.SubjectPrefixes() {
			if PrefixMatches(prefix, subject) {
				return a
			}
		}
	}
	return nil
}

// Get returns a running adapter by ID.
func (r *Registry) Get(id string) (Adapter, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.running[id]
	return a, ok
}

// Statuses snapshots every running adapter's status.
func (r *Registry) Statuses() map[string]Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]Status, len(r.running))
	for id, a := range r.running {
		out[id] = a.Status()
	}
	return out
}

// StopAll stops the config watcher and every running adapter. In-flight
// deliveries are allowed to complete via the adapter's own Stop drain.
func (r *Registry) StopAll(ctx context.Context) {
	if r.cancel != nil {
		r.cancel()
	}
	if r.fsw != nil {
		r.fsw.Close()
	}
	r.wg.Wait()

	r.mu.Lock()
	defer r.mu.Unlock()
	for id, a := range r.running {
		r.stopLocked(ctx, id, a)
	}
}
