// Package adapter defines the contract that plugs the bus into external
// channels (webhooks, chat platforms) and the registry that manages adapter
// lifecycles from a watched config file.
package adapter

import (
	"context"
	"time"

	"github.com/dork-labs/relay/internal/envelope"
)

// State of an adapter's connection to its external channel.
type State string

const (
	StateConnected    State = "connected"
	StateDisconnected State = "disconnected"
	StateError        State = "error"
	StateStarting     State = "starting"
	StateStopping     State = "stopping"
)

// Context carries caller-supplied per-delivery hints (chat id, thread id,
// formatting flags). Adapters read what they understand and ignore the rest.
type Context map[string]string

// DeliveryResult reports one outbound delivery attempt.
type DeliveryResult struct {
	Success  bool
	Error    string
	Duration time.Duration
}

// Status is the adapter health surface.
type Status struct {
	State     State
	Sent      int64
	Failed    int64
	LastError string
}

// InjectResult is what an adapter gets back when it publishes inbound
// traffic onto the bus.
type InjectResult struct {
	MessageID   string
	DeliveredTo int
}

// Bus is the slice of the relay visible to adapters: inbound publish and
// endpoint registration. The relay core implements it.
type Bus interface {
	Publish(ctx context.Context, subject, from string, payload any) (InjectResult, error)
	RegisterEndpoint(subject string) error
	UnregisterEndpoint(subject string) error
}

// Adapter is an external channel plugged into the bus.
//
// Start and Stop are idempotent. Deliver sends one outbound message and
// reports the outcome rather than erroring: delivery failure is data for the
// caller (who decides about dead-lettering), not an exception.
type Adapter interface {
	ID() string
	DisplayName() string
	// SubjectPrefixes lists the subject prefixes this adapter serves, e.g.
	// "relay.webhook.github". A prefix matches a subject when it equals the
	// subject or is a dotted ancestor of it.
	SubjectPrefixes() []string
	Start(ctx context.Context, bus Bus) error
	Stop(ctx context.Context) error
	Deliver(ctx context.Context, subject string, env *envelope.Envelope, actx Context) DeliveryResult
	Status() Status
}

// ConnectionTester is optionally implemented by adapters that can verify
// credentials without going through the full start lifecycle.
type ConnectionTester interface {
	TestConnection(ctx context.Context) error
}

// PrefixMatches reports whether a subject falls under an adapter prefix.
func PrefixMatches(prefix, subject string) bool {
	if prefix == subject {
		return true
	}
	return len(subject) > len(prefix) && subject[:len(prefix)] == prefix && subject[len(prefix)] == '.'
}
