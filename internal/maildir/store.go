// Package maildir implements the durable per-endpoint mailbox store.
//
// Each registered endpoint owns a directory named by a stable hash of its
// subject, with the Maildir-style triple underneath:
//
//	{dataDir}/{hash}/new/     written by publishers, watched for delivery
//	{dataDir}/{hash}/cur/     claimed by a handler, not yet acknowledged
//	{dataDir}/{hash}/failed/  dead letters, each with a .reason.json sidecar
//
// An envelope lives in exactly one of the three at any instant; movement
// between them is an atomic rename. The rename in Claim is the linearization
// point for handler ownership: of any number of concurrent claimers, exactly
// one wins.
package maildir

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/dork-labs/relay/internal/envelope"
)

// Subdir identifies one of the three mailbox subdirectories.
type Subdir string

const (
	DirNew    Subdir = "new"
	DirCur    Subdir = "cur"
	DirFailed Subdir = "failed"
)

const (
	jsonExt    = ".json"
	reasonExt  = ".reason.json"
	hashPrefix = 16 // hex chars of the truncated SHA-256 subject hash
)

// ErrNotFound is returned by Claim when the message is not in new/:
// typically because a concurrent claimer won the rename.
var ErrNotFound = errors.New("maildir: message not found")

// HashSubject derives the filesystem-safe directory name for a subject:
// truncated SHA-256 hex, deterministic across processes.
func HashSubject(subject string) string {
	sum := sha256.Sum256([]byte(subject))
	return hex.EncodeToString(sum[:])[:hashPrefix]
}

// Reason is the sidecar stored next to each dead letter.
type Reason struct {
	Reason   string    `json:"reason"`
	FailedAt time.Time `json:"failedAt"`
}

// Store owns the on-disk envelope bytes. Every other component treats stored
// envelopes as read-only until Complete or Fail reclaims them.
type Store struct {
	root string
	log  zerolog.Logger
}

// New creates a store rooted at dir, creating it if needed.
func New(dir string, log zerolog.Logger) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("maildir: create root: %w", err)
	}
	return &Store{root: dir, log: log.With().Str("component", "maildir").Logger()}, nil
}

// Root returns the data directory the store was created with.
func (s *Store) Root() string { return s.root }

// Dir returns the path of one mailbox subdirectory.
func (s *Store) Dir(hash string, sub Subdir) string {
	return filepath.Join(s.root, hash, string(sub))
}

// Ensure creates the new/cur/failed triple for an endpoint. Idempotent.
func (s *Store) Ensure(hash string) error {
	for _, sub := range []Subdir{DirNew, DirCur, DirFailed} {
		if err := os.MkdirAll(s.Dir(hash, sub), 0o755); err != nil {
			return fmt.Errorf("maildir: ensure %s/%s: %w", hash, sub, err)
		}
	}
	return nil
}

// Write serializes the envelope and places it in new/ atomically: temp file
// on the same filesystem, fsync, rename. Readers see the whole message or
// nothing.
func (s *Store) Write(hash string, env *envelope.Envelope) error {
	data, err := env.Encode()
	if err != nil {
		return fmt.Errorf("maildir: encode envelope: %w", err)
	}
	if err := s.Ensure(hash); err != nil {
		return err
	}
	dst := filepath.Join(s.Dir(hash, DirNew), env.ID+jsonExt)
	return s.atomicWrite(hash, dst, data)
}

// atomicWrite lands data at dst via a temp file in the endpoint directory
// (same filesystem, so the final rename is atomic).
func (s *Store) atomicWrite(hash, dst string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Join(s.root, hash), ".tmp-*")
	if err != nil {
		return fmt.Errorf("maildir: create temp: %w", err)
	}
	tmpName := tmp.Name()
	if _, err = tmp.Write(data); err == nil {
		err = tmp.Sync()
	}
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("maildir: write temp: %w", err)
	}
	if err := os.Rename(tmpName, dst); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("maildir: publish rename: %w", err)
	}
	return nil
}

// Claim moves a message from new/ to cur/, assigning ownership to the
// caller. Exactly one of any set of concurrent claimers succeeds; the rest
// get ErrNotFound.
func (s *Store) Claim(hash, id string) error {
	src := filepath.Join(s.Dir(hash, DirNew), id+jsonExt)
	dst := filepath.Join(s.Dir(hash, DirCur), id+jsonExt)
	if err := os.Rename(src, dst); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return ErrNotFound
		}
		return fmt.Errorf("maildir: claim %s: %w", id, err)
	}
	return nil
}

// Complete acknowledges a claimed message by unlinking it from cur/.
// A missing file is not an error.
func (s *Store) Complete(hash, id string) error {
	err := os.Remove(filepath.Join(s.Dir(hash, DirCur), id+jsonExt))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("maildir: complete %s: %w", id, err)
	}
	return nil
}

// Fail dead-letters a claimed message: the reason sidecar is written first
// (atomically), then the envelope is renamed from cur/ to failed/. Readers
// that observe the envelope without its sidecar report reason "unknown".
func (s *Store) Fail(hash, id, reason string) error {
	if err := s.writeReason(hash, id, reason); err != nil {
		return err
	}
	src := filepath.Join(s.Dir(hash, DirCur), id+jsonExt)
	dst := filepath.Join(s.Dir(hash, DirFailed), id+jsonExt)
	if err := os.Rename(src, dst); err != nil {
		return fmt.Errorf("maildir: fail %s: %w", id, err)
	}
	s.log.Debug().Str("endpoint", hash).Str("id", id).Str("reason", reason).Msg("message dead-lettered")
	return nil
}

// FailDirect dead-letters an envelope that never entered new/: the
// rejection path for budget and access violations at publish time.
func (s *Store) FailDirect(hash string, env *envelope.Envelope, reason string) error {
	if err := s.Ensure(hash); err != nil {
		return err
	}
	if err := s.writeReason(hash, env.ID, reason); err != nil {
		return err
	}
	data, err := env.Encode()
	if err != nil {
		return fmt.Errorf("maildir: encode envelope: %w", err)
	}
	dst := filepath.Join(s.Dir(hash, DirFailed), env.ID+jsonExt)
	return s.atomicWrite(hash, dst, data)
}

func (s *Store) writeReason(hash, id, reason string) error {
	data, err := json.Marshal(Reason{Reason: reason, FailedAt: time.Now().UTC()})
	if err != nil {
		return fmt.Errorf("maildir: encode reason: %w", err)
	}
	dst := filepath.Join(s.Dir(hash, DirFailed), id+reasonExt)
	return s.atomicWrite(hash, dst, data)
}

// ListNew returns message IDs in new/, ascending. ULID order is
// chronological, so this is also delivery order.
func (s *Store) ListNew(hash string) ([]string, error) { return s.list(hash, DirNew) }

// ListCurrent returns message IDs in cur/, ascending.
func (s *Store) ListCurrent(hash string) ([]string, error) { return s.list(hash, DirCur) }

// ListFailed returns dead-letter message IDs, ascending. Sidecars are not
// listed.
func (s *Store) ListFailed(hash string) ([]string, error) { return s.list(hash, DirFailed) }

// List returns message IDs in an arbitrary subdirectory, ascending.
func (s *Store) List(hash string, sub Subdir) ([]string, error) { return s.list(hash, sub) }

func (s *Store) list(hash string, sub Subdir) ([]string, error) {
	entries, err := os.ReadDir(s.Dir(hash, sub))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("maildir: list %s/%s: %w", hash, sub, err)
	}
	var ids []string
	for _, ent := range entries {
		name := ent.Name()
		if strings.HasSuffix(name, reasonExt) || !strings.HasSuffix(name, jsonExt) {
			continue
		}
		ids = append(ids, strings.TrimSuffix(name, jsonExt))
	}
	sort.Strings(ids)
	return ids, nil
}

// ReadEnvelope reads a message from the given subdirectory. A missing or
// unparseable file yields (nil, nil): the caller treats both as "not there",
// since a concurrent claim or a torn crash leftover are indistinguishable.
func (s *Store) ReadEnvelope(hash string, sub Subdir, id string) (*envelope.Envelope, error) {
	data, err := os.ReadFile(filepath.Join(s.Dir(hash, sub), id+jsonExt))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("maildir: read %s: %w", id, err)
	}
	env, err := envelope.Decode(data)
	if err != nil {
		s.log.Warn().Str("endpoint", hash).Str("id", id).Err(err).Msg("unparseable envelope")
		return nil, nil
	}
	return env, nil
}

// ReadDeadLetter reads a dead letter and its sidecar. A missing sidecar is
// tolerated: the reason comes back as "unknown" with a zero FailedAt.
func (s *Store) ReadDeadLetter(hash, id string) (*envelope.Envelope, Reason, error) {
	env, err := s.ReadEnvelope(hash, DirFailed, id)
	if err != nil || env == nil {
		return env, Reason{}, err
	}
	data, err := os.ReadFile(filepath.Join(s.Dir(hash, DirFailed), id+reasonExt))
	if err != nil {
		return env, Reason{Reason: "unknown"}, nil
	}
	var r Reason
	if err := json.Unmarshal(data, &r); err != nil {
		return env, Reason{Reason: "unknown"}, nil
	}
	return env, r, nil
}

// RemoveDeadLetter unlinks a dead letter and its sidecar. Missing files are
// ignored so purge can race with itself safely.
func (s *Store) RemoveDeadLetter(hash, id string) error {
	dir := s.Dir(hash, DirFailed)
	for _, name := range []string{id + jsonExt, id + reasonExt} {
		if err := os.Remove(filepath.Join(dir, name)); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("maildir: remove dead letter %s: %w", id, err)
		}
	}
	return nil
}

// Endpoints lists the endpoint hashes present under the data root.
func (s *Store) Endpoints() ([]string, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, fmt.Errorf("maildir: list endpoints: %w", err)
	}
	var hashes []string
	for _, ent := range entries {
		if ent.IsDir() {
			hashes = append(hashes, ent.Name())
		}
	}
	sort.Strings(hashes)
	return hashes, nil
}
