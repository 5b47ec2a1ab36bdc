package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/dork-labs/relay/internal/adapter"
	"github.com/dork-labs/relay/internal/envelope"
	"github.com/dork-labs/relay/internal/index"
	"github.com/dork-labs/relay/internal/maildir"
	"github.com/dork-labs/relay/internal/subject"
)

// PublishOptions parameterize one publish call. From is required.
type PublishOptions struct {
	From    string
	ReplyTo string
	// Sender overrides the identity used for access, rate-limit and budget
	// checks. Empty means From. The binding router uses this to republish
	// on behalf of the original sender without tripping cycle detection
	// against its own previous hop.
	Sender string
	// Budget for this hop; nil applies the configured defaults.
	Budget *envelope.Budget
	// AdapterContext is forwarded to a matching adapter's Deliver.
	AdapterContext adapter.Context
}

// Rejection is one policy or capacity refusal inside a publish.
type Rejection struct {
	// EndpointHash is empty for whole-publish rejections (access, rate
	// limit, budget).
	EndpointHash string          `json:"endpointHash,omitempty"`
	Reason       envelope.Reason `json:"reason"`
}

// Result is the publish outcome.
type Result struct {
	MessageID       string                   `json:"messageId"`
	DeliveredTo     int                      `json:"deliveredTo"`
	Rejected        []Rejection              `json:"rejected,omitempty"`
	MailboxPressure map[string]float64       `json:"mailboxPressure,omitempty"`
	AdapterResult   *adapter.DeliveryResult  `json:"adapterResult,omitempty"`
}

// Publish runs the pipeline: validate, access, rate limit, budget, endpoint
// expansion, then per-endpoint admission and mailbox writes in parallel.
// Policy refusals come back in Result.Rejected, not as errors; errors are
// reserved for malformed input and storage failures.
func (c *Core) Publish(ctx context.Context, subjectStr string, payload any, opts PublishOptions) (Result, error) {
	if !subject.Valid(subjectStr) {
		return Result{}, fmt.Errorf("relay: invalid subject %q", subjectStr)
	}
	if opts.From == "" {
		return Result{}, fmt.Errorf("relay: publish requires a sender")
	}
	sender := opts.Sender
	if sender == "" {
		sender = opts.From
	}
	now := time.Now()
	budget := envelope.DefaultBudget(now)
	if c.cfg.Budget.MaxHops > 0 {
		budget.MaxHops = c.cfg.Budget.MaxHops
		budget.CallBudgetRemaining = c.cfg.Budget.CallBudget
		budget.TTL = now.Add(c.cfg.Budget.TTL).UnixMilli()
	}
	if opts.Budget != nil {
		budget = *opts.Budget
	}
	env, err := envelope.New(subjectStr, opts.From, opts.ReplyTo, payload, budget)
	if err != nil {
		return Result{}, err
	}

	ctx, finish := c.tel.StartPublish(ctx, subjectStr, sender)
	res := Result{MessageID: env.ID}
	defer func() { finish(env.ID, res.DeliveredTo, len(res.Rejected)) }()

	if d := c.access.Check(sender, subjectStr); !d.Allowed {
		res = c.rejectWhole(res, env, envelope.ReasonAccessDenied, true)
		return res, nil
	}
	if !c.limiter.Allow(sender, now) {
		res = c.rejectWhole(res, env, envelope.ReasonRateLimited, false)
		return res, nil
	}
	next, reason := env.Budget.Advance(sender, now)
	if reason != "" {
		res = c.rejectWhole(res, env, reason, true)
		return res, nil
	}
	env.Budget = next
	c.tel.Published()

	targets := c.matchEndpoints(subjectStr)
	res = c.fanOut(env, targets, now, res)

	if a := c.adapters.Match(subjectStr); a != nil {
		r := a.Deliver(ctx, subjectStr, env, opts.AdapterContext)
		res.AdapterResult = &r
	}
	return res, nil
}

// PublishEnvelope is Publish for callers that already hold a raw payload and
// budget, such as the binding router republishing inbound traffic.
func (c *Core) PublishEnvelope(ctx context.Context, subjectStr, from, replyTo string, payload []byte, budget envelope.Budget) error {
	res, err := c.Publish(ctx, subjectStr, json.RawMessage(payload), PublishOptions{
		From:    from,
		ReplyTo: replyTo,
		Sender:  "relay.system.router",
		Budget:  &budget,
	})
	if err != nil {
		return err
	}
	if res.DeliveredTo == 0 && len(res.Rejected) > 0 {
		return fmt.Errorf("relay: republish rejected: %s", res.Rejected[0].Reason)
	}
	return nil
}

// matchEndpoints expands a message subject to every registered endpoint it
// reaches.
func (c *Core) matchEndpoints(subjectStr string) []Endpoint {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []Endpoint
	for s, h := range c.endpoints {
		if s == subjectStr || subject.Match(s, subjectStr) {
			out = append(out, Endpoint{Subject: s, Hash: h})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Hash < out[j].Hash })
	return out
}

// fanOut admits and writes the envelope per endpoint, in parallel. One
// endpoint's refusal never blocks another's write.
func (c *Core) fanOut(env *envelope.Envelope, targets []Endpoint, now time.Time, res Result) Result {
	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, ep := range targets {
		wg.Add(1)
		go func(ep Endpoint) {
			defer wg.Done()
			rej, ratio := c.writeOne(env, ep, now)
			mu.Lock()
			defer mu.Unlock()
			if ratio > 0 {
				if res.MailboxPressure == nil {
					res.MailboxPressure = make(map[string]float64)
				}
				res.MailboxPressure[ep.Hash] = ratio
			}
			if rej != nil {
				res.Rejected = append(res.Rejected, *rej)
				return
			}
			res.DeliveredTo++
		}(ep)
	}
	wg.Wait()
	sort.Slice(res.Rejected, func(i, j int) bool {
		return res.Rejected[i].EndpointHash < res.Rejected[j].EndpointHash
	})
	return res
}

// writeOne runs breaker and backpressure admission for one endpoint, then
// the mailbox write and index insert. The returned ratio is nonzero when the
// mailbox crossed the warning threshold.
func (c *Core) writeOne(env *envelope.Envelope, ep Endpoint, now time.Time) (*Rejection, float64) {
	if !c.brk.Allow(ep.Hash, now) {
		c.tel.Rejected(string(envelope.ReasonCircuitOpen))
		return &Rejection{EndpointHash: ep.Hash, Reason: envelope.ReasonCircuitOpen}, 0
	}
	size, err := c.idx.CountNewByEndpoint(ep.Hash)
	if err != nil {
		c.log.Warn().Str("endpoint", ep.Hash).Err(err).Msg("pending count failed, admitting")
		size = 0
	}
	verdict := c.pressure.Check(size)
	warnRatio := 0.0
	if verdict.Warn {
		warnRatio = verdict.Ratio
		c.emitSignal("relay.system.backpressure."+ep.Hash, map[string]any{
			"endpointHash": ep.Hash,
			"ratio":        verdict.Ratio,
		})
	}
	if !verdict.Admit {
		c.tel.Rejected(string(envelope.ReasonBackpressure))
		return &Rejection{EndpointHash: ep.Hash, Reason: envelope.ReasonBackpressure}, warnRatio
	}
	if err := c.store.Write(ep.Hash, env); err != nil {
		c.log.Error().Str("endpoint", ep.Hash).Err(err).Msg("mailbox write failed")
		return &Rejection{EndpointHash: ep.Hash, Reason: "write_failed"}, warnRatio
	}
	expires := time.UnixMilli(env.Budget.TTL)
	if err := c.idx.InsertMessage(index.Row{
		ID:           env.ID,
		Subject:      env.Subject,
		EndpointHash: ep.Hash,
		Status:       index.StatusPending,
		Sender:       env.From,
		CreatedAt:    env.CreatedAt,
		ExpiresAt:    &expires,
	}); err != nil {
		// The file is the source of truth; a missed row is repaired by
		// RebuildIndex.
		c.log.Warn().Str("id", env.ID).Err(err).Msg("index insert failed")
	}
	c.tel.Delivered()
	return nil, warnRatio
}

// rejectWhole handles access, rate-limit and budget refusals that stop the
// entire publish. Access and budget violations are dead-lettered into every
// matched endpoint's failed/ (or a mailbox derived from the subject when
// nothing matches); rate-limited messages are dropped without a dead letter
// so the limiter never amplifies the load it sheds.
func (c *Core) rejectWhole(res Result, env *envelope.Envelope, reason envelope.Reason, deadLetter bool) Result {
	res.Rejected = append(res.Rejected, Rejection{Reason: reason})
	c.tel.Rejected(string(reason))
	if deadLetter {
		targets := c.matchEndpoints(env.Subject)
		if len(targets) == 0 {
			targets = []Endpoint{{Subject: env.Subject, Hash: maildir.HashSubject(env.Subject)}}
		}
		for _, ep := range targets {
			if err := c.dlq.Reject(ep.Hash, env, string(reason)); err != nil {
				c.log.Error().Str("endpoint", ep.Hash).Err(err).Msg("dead-letter write failed")
				continue
			}
			c.tel.DeadLettered()
		}
	}
	c.log.Debug().Str("subject", env.Subject).Str("reason", string(reason)).Msg("publish rejected")
	return res
}

// emitSignal dispatches a system event to matching signal handlers. Best
// effort: handlers run asynchronously and errors are logged only.
func (c *Core) emitSignal(signalSubject string, payload any) {
	handlers := c.signals.Subscribers(signalSubject)
	if len(handlers) == 0 {
		return
	}
	env, err := envelope.New(signalSubject, "relay.system", "", payload, envelope.DefaultBudget(time.Now()))
	if err != nil {
		c.log.Warn().Str("signal", signalSubject).Err(err).Msg("signal envelope build failed")
		return
	}
	for _, sub := range handlers {
		h := sub.Handler
		go func() {
			if err := h(context.Background(), env); err != nil {
				c.log.Warn().Str("signal", signalSubject).Err(err).Msg("signal handler error")
			}
		}()
	}
}

// adapterBus narrows the Core to what adapters may touch.
type adapterBus struct{ c *Core }

func (b *adapterBus) Publish(ctx context.Context, subjectStr, from string, payload any) (adapter.InjectResult, error) {
	res, err := b.c.Publish(ctx, subjectStr, payload, PublishOptions{From: from})
	if err != nil {
		return adapter.InjectResult{}, err
	}
	return adapter.InjectResult{MessageID: res.MessageID, DeliveredTo: res.DeliveredTo}, nil
}

func (b *adapterBus) RegisterEndpoint(subjectStr string) error {
	_, err := b.c.RegisterEndpoint(subjectStr)
	return err
}

func (b *adapterBus) UnregisterEndpoint(subjectStr string) error {
	b.c.UnregisterEndpoint(subjectStr)
	return nil
}

// routerPublisher lets the binding router republish without importing the
// core.
type routerPublisher struct{ c *Core }

func (p *routerPublisher) PublishEnvelope(ctx context.Context, subjectStr, from, replyTo string, payload []byte, budget envelope.Budget) error {
	return p.c.PublishEnvelope(ctx, subjectStr, from, replyTo, payload, budget)
}
