package binding

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/dork-labs/relay/internal/envelope"
)

// Channel types parsed from inbound subjects.
const (
	ChannelGroup  = "group"
	ChannelDirect = "direct"
)

// SessionFactory creates an agent session for a binding's agent directory
// and returns its id. The router is the only caller.
type SessionFactory func(ctx context.Context, agentDir string) (string, error)

// Publisher is the slice of the relay the router needs: republish with the
// original envelope's sender, reply subject and budget intact.
type Publisher interface {
	PublishEnvelope(ctx context.Context, subject, from, replyTo string, payload []byte, budget envelope.Budget) error
}

// Router resolves inbound human traffic to agent sessions. Subscribe it to
// "relay.human.>".
type Router struct {
	store    *Store
	sessions *SessionMap
	factory  SessionFactory
	pub      Publisher
	log      zerolog.Logger
	inflight singleflight.Group
}

// NewRouter wires a router over the binding store and session map.
func NewRouter(store *Store, sessions *SessionMap, factory SessionFactory, pub Publisher, log zerolog.Logger) *Router {
	return &Router{
		store:    store,
		sessions: sessions,
		factory:  factory,
		pub:      pub,
		log:      log.With().Str("component", "router").Logger(),
	}
}

// inbound is the parse of a relay.human subject.
type inbound struct {
	adapterID   string
	chatID      string
	channelType string
}

// parseSubject splits "relay.human.{platform}.[group.]{chatId}". A bare
// "relay.human.{platform}" is a direct channel with no chat id.
func parseSubject(subject string) (inbound, error) {
	tokens := strings.Split(subject, ".")
	if len(tokens) < 3 || tokens[0] != "relay" || tokens[1] != "human" {
		return inbound{}, fmt.Errorf("binding: subject %q is not relay.human traffic", subject)
	}
	in := inbound{adapterID: tokens[2], channelType: ChannelDirect}
	rest := tokens[3:]
	if len(rest) > 0 && rest[0] == "group" {
		in.channelType = ChannelGroup
		rest = rest[1:]
	}
	if len(rest) > 0 {
		in.chatID = strings.Join(rest, ".")
	}
	return in, nil
}

// HandleInbound is the subscription handler: resolve a binding, derive or
// create the session, and republish onto the session's agent subject.
func (r *Router) HandleInbound(ctx context.Context, env *envelope.Envelope) error {
	in, err := parseSubject(env.Subject)
	if err != nil {
		return err
	}
	b, ok := r.store.Match(in.adapterID, in.chatID, in.channelType)
	if !ok {
		r.log.Debug().Str("subject", env.Subject).Msg("no binding matches, dropping")
		return nil
	}
	sessionID, err := r.resolveSession(ctx, b, in, env)
	if err != nil {
		return fmt.Errorf("binding: session for %s: %w", b.ID, err)
	}
	target := "relay.agent." + sessionID
	if err := r.pub.PublishEnvelope(ctx, target, env.From, env.ReplyTo, env.Payload, env.Budget); err != nil {
		return fmt.Errorf("binding: republish to %s: %w", target, err)
	}
	r.log.Debug().Str("subject", env.Subject).Str("session", sessionID).Msg("routed inbound")
	return nil
}

// resolveSession applies the binding's strategy. Stateless bindings get a
// fresh session every message and never touch the cache.
func (r *Router) resolveSession(ctx context.Context, b Binding, in inbound, env *envelope.Envelope) (string, error) {
	if b.SessionStrategy == StrategyStateless {
		return r.factory(ctx, b.AgentDir)
	}
	key := r.sessionKey(b, in, env)
	if id, ok := r.sessions.Get(key); ok {
		return id, nil
	}
	// Concurrent resolutions of the same key share one factory call.
	id, err, _ := r.inflight.Do(key, func() (any, error) {
		if id, ok := r.sessions.Get(key); ok {
			return id, nil
		}
		created, err := r.factory(ctx, b.AgentDir)
		if err != nil {
			return "", err
		}
		if err := r.sessions.Put(key, created); err != nil {
			r.log.Warn().Err(err).Msg("session map persist failed")
		}
		return created, nil
	})
	if err != nil {
		return "", err
	}
	return id.(string), nil
}

// sessionKey derives the cache key per strategy. Per-user falls back to the
// chat id when the payload carries no user id, so DMs without user metadata
// still converge on one session per chat.
func (r *Router) sessionKey(b Binding, in inbound, env *envelope.Envelope) string {
	switch b.SessionStrategy {
	case StrategyPerUser:
		user := payloadUserID(env)
		if user == "" {
			user = in.chatID
		}
		return b.ID + ":user:" + user
	default:
		chat := in.chatID
		if chat == "" {
			chat = "default"
		}
		return b.ID + ":chat:" + chat
	}
}

// payloadUserID pulls a top-level "userId" string out of the payload, if any.
func payloadUserID(env *envelope.Envelope) string {
	var probe struct {
		UserID string `json:"userId"`
	}
	if err := env.UnmarshalPayload(&probe); err != nil {
		return ""
	}
	return probe.UserID
}

// CleanupOrphans removes session entries for bindings that no longer exist.
func (r *Router) CleanupOrphans() (int, error) {
	return r.sessions.RemoveOrphans(r.store.IDs())
}

// NewSessionID mints a fresh session id; hosts without their own runtime
// can use it as the factory's id source.
func NewSessionID() string { return uuid.NewString() }
