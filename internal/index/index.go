// Package index maintains the derived SQLite index over the Maildir store.
//
// The index exists to answer queries the filesystem answers slowly (by
// subject, by sender, by status) and to drive backpressure and rate-limit
// counting. It is a cache: the Maildir tree is the source of truth and the
// whole database can be rebuilt from it at any time. The index must never be
// the only record of any envelope.
package index

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"

	"github.com/dork-labs/relay/internal/envelope"
	"github.com/dork-labs/relay/internal/maildir"
)

// Status of an indexed message.
type Status string

const (
	StatusPending   Status = "pending"
	StatusDelivered Status = "delivered"
	StatusFailed    Status = "failed"
)

// isoFormat is a fixed-width ISO-8601 UTC layout, chosen so lexicographic
// order equals chronological order in SQL comparisons.
const isoFormat = "2006-01-02T15:04:05.000Z"

// Row is one indexed message.
type Row struct {
	ID           string
	Subject      string
	EndpointHash string
	Status       Status
	Sender       string
	CreatedAt    time.Time
	ExpiresAt    *time.Time // nil when the envelope carries no TTL
}

// Filter narrows QueryMessages. Zero values match everything.
type Filter struct {
	Subject      string
	EndpointHash string
	Status       Status
	Sender       string
}

// Metrics aggregates index counts.
type Metrics struct {
	TotalMessages int
	ByStatus      map[Status]int
	BySubject     []SubjectCount // sorted by volume, descending
}

// SubjectCount is one subject's message volume.
type SubjectCount struct {
	Subject string
	Count   int
}

const schema = `
CREATE TABLE IF NOT EXISTS messages (
	id            TEXT PRIMARY KEY,
	subject       TEXT NOT NULL,
	endpoint_hash TEXT NOT NULL,
	status        TEXT NOT NULL,
	sender        TEXT NOT NULL DEFAULT '',
	created_at    TEXT NOT NULL,
	expires_at    INTEGER
);
CREATE INDEX IF NOT EXISTS idx_messages_subject  ON messages(subject);
CREATE INDEX IF NOT EXISTS idx_messages_endpoint ON messages(endpoint_hash);
CREATE INDEX IF NOT EXISTS idx_messages_status   ON messages(status, endpoint_hash);
CREATE INDEX IF NOT EXISTS idx_messages_sender   ON messages(sender, created_at);
`

// Index wraps the SQLite handle. Safe for concurrent use; the database is
// opened in WAL mode so readers proceed during a write.
type Index struct {
	db  *sql.DB
	log zerolog.Logger
}

// Open opens (creating if necessary) the index database at path.
func Open(path string, log zerolog.Logger) (*Index, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("index: open: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("index: create schema: %w", err)
	}
	return &Index{db: db, log: log.With().Str("component", "index").Logger()}, nil
}

// Close flushes and closes the database.
func (x *Index) Close() error { return x.db.Close() }

// InsertMessage upserts a row keyed by message ID. Re-indexing the same file
// is safe and leaves exactly one row.
func (x *Index) InsertMessage(r Row) error {
	var expires any
	if r.ExpiresAt != nil {
		expires = r.ExpiresAt.UnixMilli()
	}
	_, err := x.db.Exec(`
		INSERT INTO messages (id, subject, endpoint_hash, status, sender, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			subject = excluded.subject,
			endpoint_hash = excluded.endpoint_hash,
			status = excluded.status,
			sender = excluded.sender,
			created_at = excluded.created_at,
			expires_at = excluded.expires_at`,
		r.ID, r.Subject, r.EndpointHash, string(r.Status), r.Sender,
		r.CreatedAt.UTC().Format(isoFormat), expires)
	if err != nil {
		return fmt.Errorf("index: insert %s: %w", r.ID, err)
	}
	return nil
}

// UpdateStatus sets the status of a message and reports whether a row
// actually changed.
func (x *Index) UpdateStatus(id string, status Status) (bool, error) {
	res, err := x.db.Exec(`UPDATE messages SET status = ? WHERE id = ?`, string(status), id)
	if err != nil {
		return false, fmt.Errorf("index: update status %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// DeleteMessage removes a row. Unknown IDs are a no-op.
func (x *Index) DeleteMessage(id string) error {
	if _, err := x.db.Exec(`DELETE FROM messages WHERE id = ?`, id); err != nil {
		return fmt.Errorf("index: delete %s: %w", id, err)
	}
	return nil
}

// GetBySubject returns messages for a subject, newest first.
func (x *Index) GetBySubject(subject string, limit int) ([]Row, error) {
	return x.query(`SELECT id, subject, endpoint_hash, status, sender, created_at, expires_at
		FROM messages WHERE subject = ? ORDER BY created_at DESC LIMIT ?`, subject, limit)
}

// GetByEndpoint returns messages for an endpoint, newest first.
func (x *Index) GetByEndpoint(hash string, limit int) ([]Row, error) {
	return x.query(`SELECT id, subject, endpoint_hash, status, sender, created_at, expires_at
		FROM messages WHERE endpoint_hash = ? ORDER BY created_at DESC LIMIT ?`, hash, limit)
}

// GetMessage fetches one row by ID.
func (x *Index) GetMessage(id string) (*Row, error) {
	rows, err := x.query(`SELECT id, subject, endpoint_hash, status, sender, created_at, expires_at
		FROM messages WHERE id = ?`, id)
	if err != nil || len(rows) == 0 {
		return nil, err
	}
	return &rows[0], nil
}

// CountNewByEndpoint counts pending messages for an endpoint; this is the
// backpressure mailbox-depth signal.
func (x *Index) CountNewByEndpoint(hash string) (int, error) {
	var n int
	err := x.db.QueryRow(`SELECT COUNT(*) FROM messages WHERE status = ? AND endpoint_hash = ?`,
		string(StatusPending), hash).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("index: count new: %w", err)
	}
	return n, nil
}

// CountSenderInWindow counts messages from a sender created strictly after
// windowStart.
func (x *Index) CountSenderInWindow(sender string, windowStart time.Time) (int, error) {
	var n int
	err := x.db.QueryRow(`SELECT COUNT(*) FROM messages WHERE sender = ? AND created_at > ?`,
		sender, windowStart.UTC().Format(isoFormat)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("index: count sender: %w", err)
	}
	return n, nil
}

// QueryMessages pages through messages matching the filter, newest ID first.
// cursor is the smallest ID already returned; pass "" for the first page.
// nextCursor is set only when another page exists.
func (x *Index) QueryMessages(f Filter, cursor string, limit int) (msgs []Row, nextCursor string, err error) {
	if limit <= 0 {
		limit = 50
	}
	q := `SELECT id, subject, endpoint_hash, status, sender, created_at, expires_at FROM messages WHERE 1=1`
	var args []any
	if f.Subject != "" {
		q += ` AND subject = ?`
		args = append(args, f.Subject)
	}
	if f.EndpointHash != "" {
		q += ` AND endpoint_hash = ?`
		args = append(args, f.EndpointHash)
	}
	if f.Status != "" {
		q += ` AND status = ?`
		args = append(args, string(f.Status))
	}
	if f.Sender != "" {
		q += ` AND sender = ?`
		args = append(args, f.Sender)
	}
	if cursor != "" {
		q += ` AND id < ?`
		args = append(args, cursor)
	}
	q += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit+1)

	msgs, err = x.query(q, args...)
	if err != nil {
		return nil, "", err
	}
	if len(msgs) > limit {
		msgs = msgs[:limit]
		nextCursor = msgs[len(msgs)-1].ID
	}
	return msgs, nextCursor, nil
}

// DeleteExpired removes rows whose expiry has passed. Returns the number of
// rows removed.
func (x *Index) DeleteExpired(now time.Time) (int, error) {
	res, err := x.db.Exec(`DELETE FROM messages WHERE expires_at IS NOT NULL AND expires_at < ?`, now.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("index: delete expired: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// GetMetrics aggregates counts overall, by status, and by subject volume.
func (x *Index) GetMetrics() (Metrics, error) {
	m := Metrics{ByStatus: make(map[Status]int)}
	if err := x.db.QueryRow(`SELECT COUNT(*) FROM messages`).Scan(&m.TotalMessages); err != nil {
		return m, fmt.Errorf("index: metrics total: %w", err)
	}
	rows, err := x.db.Query(`SELECT status, COUNT(*) FROM messages GROUP BY status`)
	if err != nil {
		return m, fmt.Errorf("index: metrics status: %w", err)
	}
	for rows.Next() {
		var s string
		var n int
		if err := rows.Scan(&s, &n); err != nil {
			rows.Close()
			return m, err
		}
		m.ByStatus[Status(s)] = n
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return m, err
	}
	rows.Close()

	rows, err = x.db.Query(`SELECT subject, COUNT(*) AS n FROM messages GROUP BY subject ORDER BY n DESC`)
	if err != nil {
		return m, fmt.Errorf("index: metrics subject: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var sc SubjectCount
		if err := rows.Scan(&sc.Subject, &sc.Count); err != nil {
			return m, err
		}
		m.BySubject = append(m.BySubject, sc)
	}
	return m, rows.Err()
}

// Rebuild drops every row and re-derives the index from the Maildir tree:
// new/ as pending, cur/ as delivered, failed/ as failed. hashToSubject supplies
// subjects for endpoints whose directories contain no readable envelope.
func (x *Index) Rebuild(store *maildir.Store, hashToSubject map[string]string) error {
	if _, err := x.db.Exec(`DELETE FROM messages`); err != nil {
		return fmt.Errorf("index: rebuild truncate: %w", err)
	}
	hashes, err := store.Endpoints()
	if err != nil {
		return err
	}
	for _, hash := range hashes {
		for sub, status := range map[maildir.Subdir]Status{
			maildir.DirNew:    StatusPending,
			maildir.DirCur:    StatusDelivered,
			maildir.DirFailed: StatusFailed,
		} {
			ids, err := store.List(hash, sub)
			if err != nil {
				return err
			}
			for _, id := range ids {
				env, err := store.ReadEnvelope(hash, sub, id)
				if err != nil {
					return err
				}
				row := Row{ID: id, EndpointHash: hash, Status: status}
				if env != nil {
					row.Subject = env.Subject
					row.Sender = env.From
					row.CreatedAt = env.CreatedAt
					if env.Budget.TTL > 0 {
						t := time.UnixMilli(env.Budget.TTL)
						row.ExpiresAt = &t
					}
				} else {
					row.Subject = hashToSubject[hash]
					row.CreatedAt = envelope.IDTime(id)
				}
				if err := x.InsertMessage(row); err != nil {
					return err
				}
			}
		}
	}
	x.log.Info().Int("endpoints", len(hashes)).Msg("index rebuilt from maildir")
	return nil
}

func (x *Index) query(q string, args ...any) ([]Row, error) {
	rows, err := x.db.Query(q, args...)
	if err != nil {
		return nil, fmt.Errorf("index: query: %w", err)
	}
	defer rows.Close()
	var out []Row
	for rows.Next() {
		var (
			r       Row
			status  string
			created string
			expires sql.NullInt64
		)
		if err := rows.Scan(&r.ID, &r.Subject, &r.EndpointHash, &status, &r.Sender, &created, &expires); err != nil {
			return nil, err
		}
		r.Status = Status(status)
		if r.CreatedAt, err = time.Parse(isoFormat, created); err != nil {
			return nil, fmt.Errorf("index: bad created_at %q: %w", created, err)
		}
		if expires.Valid {
			t := time.UnixMilli(expires.Int64)
			r.ExpiresAt = &t
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
