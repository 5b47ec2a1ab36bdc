package binding

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/vmihailenco/msgpack/v5"
)

// MaxSessions bounds the session map; the oldest insertion is evicted first.
const MaxSessions = 10000

// SessionMap persists the session-key to session-id mapping across restarts
// so a returning chat lands in the same agent session.
type SessionMap struct {
	path string

	mu       sync.Mutex
	sessions map[string]string
	order    []string // insertion order, oldest first
}

type sessionFile struct {
	Sessions map[string]string `msgpack:"sessions"`
	Order    []string          `msgpack:"order"`
}

// NewSessionMap loads the map at path; a missing file is an empty map.
func NewSessionMap(path string) (*SessionMap, error) {
	m := &SessionMap{path: path, sessions: make(map[string]string)}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return m, nil
		}
		return nil, fmt.Errorf("binding: read session map: %w", err)
	}
	var f sessionFile
	if err := msgpack.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("binding: parse session map: %w", err)
	}
	if f.Sessions != nil {
		m.sessions = f.Sessions
	}
	m.order = f.Order
	// Repair order if the file predates it or drifted.
	if len(m.order) != len(m.sessions) {
		m.order = m.order[:0]
		for k := range m.sessions {
			m.order = append(m.order, k)
		}
	}
	return m, nil
}

// Get returns the cached session id for a key.
func (m *SessionMap) Get(key string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.sessions[key]
	return id, ok
}

// Put records a key's session, evicting the oldest insertion past the cap,
// and persists the map.
func (m *SessionMap) Put(key, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.sessions[key]; !exists {
		m.order = append(m.order, key)
	}
	m.sessions[key] = sessionID
	for len(m.sessions) > MaxSessions {
		oldest := m.order[0]
		m.order = m.order[1:]
		delete(m.sessions, oldest)
	}
	return m.persistLocked()
}

// Len reports the number of cached sessions.
func (m *SessionMap) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// RemoveOrphans drops entries whose binding id prefix is not in the active
// set and persists. Session keys are "{bindingId}:chat:..." or
// "{bindingId}:user:...".
func (m *SessionMap) RemoveOrphans(active map[string]struct{}) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	removed := 0
	kept := m.order[:0]
	for _, key := range m.order {
		if _, ok := active[bindingIDOf(key)]; ok {
			kept = append(kept, key)
			continue
		}
		delete(m.sessions, key)
		removed++
	}
	m.order = kept
	if removed == 0 {
		return 0, nil
	}
	return removed, m.persistLocked()
}

func bindingIDOf(key string) string {
	for i := 0; i < len(key); i++ {
		if key[i] == ':' {
			return key[:i]
		}
	}
	return key
}

func (m *SessionMap) persistLocked() error {
	data, err := msgpack.Marshal(sessionFile{Sessions: m.sessions, Order: m.order})
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(m.path), 0o755); err != nil {
		return err
	}
	tmp := m.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, m.path)
}
