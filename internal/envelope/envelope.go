// Package envelope provides the core message structure for relay
// communication.
//
// Every message that moves through the bus is wrapped in an Envelope carrying
// routing metadata (subject, sender, optional reply subject) and a Budget that
// bounds how far the message may propagate. Envelopes are immutable after
// creation; republishing produces a new envelope with an advanced budget.
//
// Serialization is canonical JSON: struct fields are emitted in declared
// order, and unknown fields present in stored envelopes survive a
// decode/encode round trip.
package envelope

import (
	"bytes"
	"crypto/rand"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// Subject token rules are enforced by the subject package; the envelope only
// requires non-empty routing fields.

// Envelope wraps a payload with the metadata the bus needs for routing,
// budgeting and dead-lettering.
type Envelope struct {
	ID        string          `json:"id"`                // ULID, monotonic within the process
	Subject   string          `json:"subject"`           // dot-separated destination
	From      string          `json:"from"`              // logical sender, used for rate limits and cycle detection
	ReplyTo   string          `json:"replyTo,omitempty"` // optional subject for correlated responses
	CreatedAt time.Time       `json:"createdAt"`         // UTC creation time
	Budget    Budget          `json:"budget"`
	Payload   json.RawMessage `json:"payload"`

	// extra holds fields we did not recognise when decoding, so that
	// envelopes written by newer code round-trip without loss.
	extra map[string]json.RawMessage
}

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)
)

// NewID allocates a process-monotonic ULID. IDs allocated later always sort
// after IDs allocated earlier, which is what mailbox enumeration and DLQ
// purge rely on.
func NewID() string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), entropy).String()
}

// IDTime recovers the creation time embedded in a ULID, best effort: the
// zero time is returned for anything that does not parse.
func IDTime(id string) time.Time {
	u, err := ulid.ParseStrict(id)
	if err != nil {
		return time.Time{}
	}
	return ulid.Time(u.Time())
}

// New builds an envelope for a first publish. The payload is marshaled to
// JSON immediately so later failures cannot produce a half-built envelope.
func New(subject, from, replyTo string, payload any, budget Budget) (*Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &Envelope{
		ID:        NewID(),
		Subject:   subject,
		From:      from,
		ReplyTo:   replyTo,
		CreatedAt: time.Now().UTC(),
		Budget:    budget,
		Payload:   raw,
	}, nil
}

// Validate checks the required fields.
func (e *Envelope) Validate() error {
	switch {
	case e.ID == "":
		return errors.New("envelope: id is required")
	case e.Subject == "":
		return errors.New("envelope: subject is required")
	case e.From == "":
		return errors.New("envelope: from is required")
	case e.Payload == nil:
		return errors.New("envelope: payload is required")
	}
	if _, err := ulid.ParseStrict(e.ID); err != nil {
		return errors.New("envelope: id is not a ULID")
	}
	return nil
}

// UnmarshalPayload decodes the payload into v.
func (e *Envelope) UnmarshalPayload(v any) error {
	return json.Unmarshal(e.Payload, v)
}

// Clone returns a deep copy. Consumers receive envelopes by pointer; anything
// that needs to mutate works on a clone.
func (e *Envelope) Clone() *Envelope {
	clone := *e
	clone.Budget.AncestorChain = append([]string(nil), e.Budget.AncestorChain...)
	if e.Payload != nil {
		clone.Payload = append(json.RawMessage(nil), e.Payload...)
	}
	if e.extra != nil {
		clone.extra = make(map[string]json.RawMessage, len(e.extra))
		for k, v := range e.extra {
			clone.extra[k] = append(json.RawMessage(nil), v...)
		}
	}
	return &clone
}

// envelopeAlias avoids MarshalJSON/UnmarshalJSON recursion.
type envelopeAlias Envelope

var knownFields = map[string]struct{}{
	"id": {}, "subject": {}, "from": {}, "replyTo": {},
	"createdAt": {}, "budget": {}, "payload": {},
}

// MarshalJSON emits the known fields in declared order followed by any
// preserved unknown fields in sorted key order.
func (e *Envelope) MarshalJSON() ([]byte, error) {
	base, err := json.Marshal((*envelopeAlias)(e))
	if err != nil {
		return nil, err
	}
	if len(e.extra) == 0 {
		return base, nil
	}
	keys := make([]string, 0, len(e.extra))
	for k := range e.extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var buf bytes.Buffer
	buf.Write(base[:len(base)-1]) // drop closing brace
	for _, k := range keys {
		buf.WriteByte(',')
		name, _ := json.Marshal(k)
		buf.Write(name)
		buf.WriteByte(':')
		buf.Write(e.extra[k])
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON decodes the known fields and stashes everything else so the
// envelope re-encodes without losing data written by other versions.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	if err := json.Unmarshal(data, (*envelopeAlias)(e)); err != nil {
		return err
	}
	var all map[string]json.RawMessage
	if err := json.Unmarshal(data, &all); err != nil {
		return err
	}
	for k := range all {
		if _, ok := knownFields[k]; ok {
			delete(all, k)
		}
	}
	if len(all) > 0 {
		e.extra = all
	}
	return nil
}

// Encode serializes the envelope to canonical JSON.
func (e *Envelope) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// Decode parses an envelope from canonical JSON.
func Decode(data []byte) (*Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, err
	}
	return &e, nil
}
