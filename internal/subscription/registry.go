// Package subscription holds the in-memory pattern-to-handler table used for
// push delivery and for signals. Subscriptions are process-local: a crash
// loses them, and consumers re-register at startup.
package subscription

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dork-labs/relay/internal/envelope"
	"github.com/dork-labs/relay/internal/subject"
)

// Handler processes one envelope. A non-nil error marks the delivery attempt
// failed.
type Handler func(ctx context.Context, env *envelope.Envelope) error

// Subscription is one registered handler.
type Subscription struct {
	ID        string
	Pattern   string
	Handler   Handler
	CreatedAt time.Time
}

// Registry is the handler table. Mutated by Subscribe/unsubscribe, read on
// every watcher event, hence the reader-writer lock.
type Registry struct {
	mu   sync.RWMutex
	subs map[string]*Subscription
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{subs: make(map[string]*Subscription)}
}

// Subscribe registers a handler for a pattern and returns the function that
// removes it. Calling the returned function more than once is harmless.
func (r *Registry) Subscribe(pattern string, h Handler) func() {
	sub := &Subscription{
		ID:        uuid.NewString(),
		Pattern:   pattern,
		Handler:   h,
		CreatedAt: time.Now(),
	}
	r.mu.Lock()
	r.subs[sub.ID] = sub
	r.mu.Unlock()
	return func() {
		r.mu.Lock()
		delete(r.subs, sub.ID)
		r.mu.Unlock()
	}
}

// Subscribers returns the subscriptions whose pattern matches the subject.
func (r *Registry) Subscribers(subj string) []*Subscription {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Subscription
	for _, sub := range r.subs {
		if subject.Match(sub.Pattern, subj) {
			out = append(out, sub)
		}
	}
	return out
}

// Len returns the number of live subscriptions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.subs)
}
