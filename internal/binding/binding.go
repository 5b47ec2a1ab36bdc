// Package binding maps inbound channel traffic to agent sessions. A binding
// ties an adapter (optionally scoped to a chat or channel type) to an agent
// directory; the router resolves each inbound envelope to the most specific
// binding and republishes it onto that agent's session subject.
package binding

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Session strategies.
const (
	StrategyPerChat   = "per-chat"
	StrategyPerUser   = "per-user"
	StrategyStateless = "stateless"
)

// ErrNotFound is returned when no binding matches a lookup.
var ErrNotFound = errors.New("binding: not found")

// Binding ties an adapter (optionally narrowed by chat and channel type) to
// an agent. Empty ChatID or ChannelType means "any".
type Binding struct {
	ID              string    `json:"id"`
	AdapterID       string    `json:"adapterId"`
	AgentID         string    `json:"agentId"`
	AgentDir        string    `json:"agentDir"`
	ChatID          string    `json:"chatId,omitempty"`
	ChannelType     string    `json:"channelType,omitempty"`
	SessionStrategy string    `json:"sessionStrategy"`
	CreatedAt       time.Time `json:"createdAt"`
	UpdatedAt       time.Time `json:"updatedAt"`
}

func validStrategy(s string) bool {
	return s == StrategyPerChat || s == StrategyPerUser || s == StrategyStateless
}

// score ranks how specifically this binding matches the parsed subject.
// An explicit field that disagrees eliminates the binding outright.
func (b Binding) score(adapterID, chatID, channelType string) int {
	if b.AdapterID != adapterID {
		return 0
	}
	if b.ChatID != "" && b.ChatID != chatID {
		return 0
	}
	if b.ChannelType != "" && b.ChannelType != channelType {
		return 0
	}
	switch {
	case b.ChatID != "" && b.ChannelType != "":
		return 7
	case b.ChatID != "":
		return 5
	case b.ChannelType != "":
		return 3
	default:
		return 1
	}
}

// Store keeps bindings in a JSON file, loaded whole on open and rewritten
// whole on every mutation.
type Store struct {
	path string
	log  zerolog.Logger

	mu       sync.RWMutex
	bindings map[string]Binding
}

type storeFile struct {
	Bindings []Binding `json:"bindings"`
}

// NewStore loads the binding file at path; a missing file is an empty store.
func NewStore(path string, log zerolog.Logger) (*Store, error) {
	s := &Store{
		path:     path,
		log:      log.With().Str("component", "bindings").Logger(),
		bindings: make(map[string]Binding),
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) load() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("binding: read store: %w", err)
	}
	var f storeFile
	if err := json.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("binding: parse store: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bindings = make(map[string]Binding, len(f.Bindings))
	for _, b := range f.Bindings {
		s.bindings[b.ID] = b
	}
	return nil
}

// persist rewrites the file under the store lock via temp file and rename.
func (s *Store) persistLocked() error {
	f := storeFile{Bindings: make([]Binding, 0, len(s.bindings))}
	for _, b := range s.bindings {
		f.Bindings = append(f.Bindings, b)
	}
	data, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}

// Add registers a binding, assigning an ID and timestamps.
func (s *Store) Add(b Binding) (Binding, error) {
	if b.AdapterID == "" || b.AgentID == "" || b.AgentDir == "" {
		return Binding{}, errors.New("binding: adapterId, agentId and agentDir are required")
	}
	if b.SessionStrategy == "" {
		b.SessionStrategy = StrategyPerChat
	}
	if !validStrategy(b.SessionStrategy) {
		return Binding{}, fmt.Errorf("binding: unknown session strategy %q", b.SessionStrategy)
	}
	now := time.Now().UTC()
	b.ID = uuid.NewString()
	b.CreatedAt = now
	b.UpdatedAt = now

	s.mu.Lock()
	defer s.mu.Unlock()
	s.bindings[b.ID] = b
	if err := s.persistLocked(); err != nil {
		delete(s.bindings, b.ID)
		return Binding{}, err
	}
	return b, nil
}

// Update replaces a binding's mutable fields, keeping ID and CreatedAt.
func (s *Store) Update(b Binding) (Binding, error) {
	if !validStrategy(b.SessionStrategy) {
		return Binding{}, fmt.Errorf("binding: unknown session strategy %q", b.SessionStrategy)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, ok := s.bindings[b.ID]
	if !ok {
		return Binding{}, ErrNotFound
	}
	b.CreatedAt = prev.CreatedAt
	b.UpdatedAt = time.Now().UTC()
	s.bindings[b.ID] = b
	if err := s.persistLocked(); err != nil {
		s.bindings[b.ID] = prev
		return Binding{}, err
	}
	return b, nil
}

// Remove deletes a binding by ID.
func (s *Store) Remove(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, ok := s.bindings[id]
	if !ok {
		return ErrNotFound
	}
	delete(s.bindings, id)
	if err := s.persistLocked(); err != nil {
		s.bindings[id] = prev
		return err
	}
	return nil
}

// Get returns a binding by ID.
func (s *Store) Get(id string) (Binding, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.bindings[id]
	return b, ok
}

// List snapshots every binding.
func (s *Store) List() []Binding {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Binding, 0, len(s.bindings))
	for _, b := range s.bindings {
		out = append(out, b)
	}
	return out
}

// IDs returns the set of active binding IDs.
func (s *Store) IDs() map[string]struct{} {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]struct{}, len(s.bindings))
	for id := range s.bindings {
		out[id] = struct{}{}
	}
	return out
}

// Watch follows the binding file for external edits and reloads after a
// short debounce. Our own persist writes also trigger a reload, which is a
// no-op. Returns after starting the watch goroutine; it stops with ctx.
func (s *Store) Watch(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("binding: watch store: %w", err)
	}
	// Watch the directory: editors and our own atomic persist replace the
	// file by rename.
	if err := fsw.Add(filepath.Dir(s.path)); err != nil {
		fsw.Close()
		return fmt.Errorf("binding: watch store dir: %w", err)
	}
	go func() {
		defer fsw.Close()
		var timer *time.Timer
		var timerC <-chan time.Time
		const debounce = 200 * time.Millisecond
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-fsw.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != filepath.Clean(s.path) {
					continue
				}
				if timer == nil {
					timer = time.NewTimer(debounce)
				} else {
					timer.Reset(debounce)
				}
				timerC = timer.C
			case err, ok := <-fsw.Errors:
				if !ok {
					return
				}
				s.log.Warn().Err(err).Msg("binding watcher error")
			case <-timerC:
				timerC = nil
				if err := s.load(); err != nil {
					s.log.Error().Err(err).Msg("binding reload failed")
				}
			}
		}
	}()
	return nil
}

// Match resolves the most specific binding for the parsed inbound subject.
// Explicit-field mismatches eliminate; the highest score among survivors
// wins, ties broken arbitrarily.
func (s *Store) Match(adapterID, chatID, channelType string) (Binding, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var best Binding
	bestScore := 0
	for _, b := range s.bindings {
		if sc := b.score(adapterID, chatID, channelType); sc > bestScore {
			best = b
			bestScore = sc
		}
	}
	return best, bestScore > 0
}
