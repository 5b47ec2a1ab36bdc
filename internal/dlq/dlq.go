// Package dlq composes the maildir store and the index into the dead-letter
// queue: rejection at publish time, listing, and age-based purge.
package dlq

import (
	"time"

	"github.com/rs/zerolog"

	"github.com/dork-labs/relay/internal/envelope"
	"github.com/dork-labs/relay/internal/index"
	"github.com/dork-labs/relay/internal/maildir"
)

// DeadLetter is one failed envelope joined with its sidecar reason.
type DeadLetter struct {
	Envelope     *envelope.Envelope
	EndpointHash string
	Reason       string
	FailedAt     time.Time // zero when the sidecar was missing
}

// PurgeOptions scope a purge run.
type PurgeOptions struct {
	MaxAge       time.Duration // dead letters older than this are removed
	EndpointHash string        // empty purges every endpoint
}

// Queue is the dead-letter surface of the relay.
type Queue struct {
	store *maildir.Store
	idx   *index.Index
	log   zerolog.Logger
}

// New creates a queue over the given store and index.
func New(store *maildir.Store, idx *index.Index, log zerolog.Logger) *Queue {
	return &Queue{store: store, idx: idx, log: log.With().Str("component", "dlq").Logger()}
}

// Reject dead-letters an envelope that never entered new/: the rejection
// path for budget and access violations. The envelope and sidecar land in
// failed/ and the index records status failed.
func (q *Queue) Reject(hash string, env *envelope.Envelope, reason string) error {
	if err := q.store.FailDirect(hash, env, reason); err != nil {
		return err
	}
	row := index.Row{
		ID:           env.ID,
		Subject:      env.Subject,
		EndpointHash: hash,
		Status:       index.StatusFailed,
		Sender:       env.From,
		CreatedAt:    env.CreatedAt,
	}
	if env.Budget.TTL > 0 {
		t := time.UnixMilli(env.Budget.TTL)
		row.ExpiresAt = &t
	}
	if err := q.idx.InsertMessage(row); err != nil {
		// The file is the record; a failed index write self-heals on rebuild.
		q.log.Error().Err(err).Str("id", env.ID).Msg("dead letter not indexed")
	}
	q.log.Debug().Str("id", env.ID).Str("endpoint", hash).Str("reason", reason).Msg("rejected to DLQ")
	return nil
}

// List returns dead letters. When hash is non-empty it scans that endpoint's
// failed/ directory; globally it walks the index's failed rows and joins the
// sidecars.
func (q *Queue) List(hash string) ([]DeadLetter, error) {
	if hash != "" {
		return q.listEndpoint(hash)
	}
	rows, _, err := q.idx.QueryMessages(index.Filter{Status: index.StatusFailed}, "", 10000)
	if err != nil {
		return nil, err
	}
	var out []DeadLetter
	for _, r := range rows {
		env, reason, err := q.store.ReadDeadLetter(r.EndpointHash, r.ID)
		if err != nil {
			return nil, err
		}
		if env == nil {
			// Orphan index row; skip, rebuild will reconcile.
			continue
		}
		out = append(out, DeadLetter{
			Envelope: env, EndpointHash: r.EndpointHash,
			Reason: reason.Reason, FailedAt: reason.FailedAt,
		})
	}
	return out, nil
}

func (q *Queue) listEndpoint(hash string) ([]DeadLetter, error) {
	ids, err := q.store.ListFailed(hash)
	if err != nil {
		return nil, err
	}
	var out []DeadLetter
	for _, id := range ids {
		env, reason, err := q.store.ReadDeadLetter(hash, id)
		if err != nil {
			return nil, err
		}
		if env == nil {
			continue
		}
		out = append(out, DeadLetter{
			Envelope: env, EndpointHash: hash,
			Reason: reason.Reason, FailedAt: reason.FailedAt,
		})
	}
	return out, nil
}

// Purge removes dead letters older than opts.MaxAge: envelope JSON, sidecar
// and index row. Age comes from the sidecar's failedAt, falling back to the
// index createdAt when the sidecar is missing; when neither is available the
// dead letter is purged. Returns the number removed.
func (q *Queue) Purge(opts PurgeOptions, now time.Time) (int, error) {
	hashes := []string{opts.EndpointHash}
	if opts.EndpointHash == "" {
		var err error
		if hashes, err = q.store.Endpoints(); err != nil {
			return 0, err
		}
	}
	cutoff := now.Add(-opts.MaxAge)
	purged := 0
	for _, hash := range hashes {
		ids, err := q.store.ListFailed(hash)
		if err != nil {
			return purged, err
		}
		for _, id := range ids {
			if !q.eligible(hash, id, cutoff) {
				continue
			}
			if err := q.store.RemoveDeadLetter(hash, id); err != nil {
				return purged, err
			}
			if err := q.idx.DeleteMessage(id); err != nil {
				return purged, err
			}
			purged++
		}
	}
	if purged > 0 {
		q.log.Info().Int("purged", purged).Msg("dead letters purged")
	}
	return purged, nil
}

func (q *Queue) eligible(hash, id string, cutoff time.Time) bool {
	_, reason, err := q.store.ReadDeadLetter(hash, id)
	if err == nil && !reason.FailedAt.IsZero() {
		return reason.FailedAt.Before(cutoff)
	}
	if row, err := q.idx.GetMessage(id); err == nil && row != nil && !row.CreatedAt.IsZero() {
		return row.CreatedAt.Before(cutoff)
	}
	// No sidecar timestamp and no index row: purge is the safe behavior.
	return true
}
