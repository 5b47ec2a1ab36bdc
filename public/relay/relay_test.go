package relay

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/dork-labs/relay/internal/access"
	"github.com/dork-labs/relay/internal/binding"
	"github.com/dork-labs/relay/internal/breaker"
	"github.com/dork-labs/relay/internal/config"
	"github.com/dork-labs/relay/internal/envelope"
	"github.com/dork-labs/relay/internal/index"
	"github.com/dork-labs/relay/internal/maildir"
)

func testConfig(t *testing.T) config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.DataDir = t.TempDir()
	cfg.Watcher.SweepInterval = 50 * time.Millisecond
	cfg.RateLimit.Enabled = false
	return cfg
}

func newTestCore(t *testing.T, cfg config.Config) *Core {
	t.Helper()
	c, err := New(Options{Config: cfg, Logger: zerolog.Nop()})
	require.NoError(t, err)
	t.Cleanup(func() { c.Stop(context.Background()) })
	return c
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal(msg)
}

func budgetFor(now time.Time) *envelope.Budget {
	return &envelope.Budget{MaxHops: 5, TTL: now.Add(time.Minute).UnixMilli(), CallBudgetRemaining: 10}
}

func TestPublishDeliversToSubscriber(t *testing.T) {
	c := newTestCore(t, testConfig(t))
	ep, err := c.RegisterEndpoint("relay.agent.alice")
	require.NoError(t, err)

	var mu sync.Mutex
	var got []*envelope.Envelope
	_, err = c.Subscribe("relay.agent.*", func(_ context.Context, env *envelope.Envelope) error {
		mu.Lock()
		got = append(got, env)
		mu.Unlock()
		return nil
	})
	require.NoError(t, err)

	res, err := c.Publish(context.Background(), "relay.agent.alice",
		map[string]string{"msg": "hi"}, PublishOptions{From: "sys", Budget: budgetFor(time.Now())})
	require.NoError(t, err)
	require.Equal(t, 1, res.DeliveredTo)
	require.Empty(t, res.Rejected)
	_, err = ulid.ParseStrict(res.MessageID)
	require.NoError(t, err, "message id must be a ULID")

	waitFor(t, 2*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1
	}, "handler not invoked")

	mu.Lock()
	var payload map[string]string
	require.NoError(t, got[0].UnmarshalPayload(&payload))
	require.Equal(t, "hi", payload["msg"])
	require.Equal(t, res.MessageID, got[0].ID)
	mu.Unlock()

	store := c.store
	waitFor(t, 2*time.Second, func() bool {
		row, err := c.idx.GetMessage(res.MessageID)
		return err == nil && row != nil && row.Status == index.StatusDelivered
	}, "index row not delivered")
	ids, err := store.ListNew(ep.Hash)
	require.NoError(t, err)
	require.Empty(t, ids)
	ids, err = store.ListCurrent(ep.Hash)
	require.NoError(t, err)
	require.Empty(t, ids)
}

func TestHopLimitRejectsAndDeadLetters(t *testing.T) {
	c := newTestCore(t, testConfig(t))
	ep, err := c.RegisterEndpoint("relay.agent.alice")
	require.NoError(t, err)

	res, err := c.Publish(context.Background(), "relay.agent.alice", "hi", PublishOptions{
		From: "sys",
		Budget: &envelope.Budget{
			MaxHops: 2, HopCount: 2, CallBudgetRemaining: 1,
			TTL: time.Now().Add(time.Minute).UnixMilli(),
		},
	})
	require.NoError(t, err)
	require.Zero(t, res.DeliveredTo)
	require.Len(t, res.Rejected, 1)
	require.Equal(t, envelope.ReasonHopLimit, res.Rejected[0].Reason)

	ids, err := c.store.ListNew(ep.Hash)
	require.NoError(t, err)
	require.Empty(t, ids, "rejected publish must not reach new/")

	dead, err := c.DeadLetters(ep.Hash)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	require.Contains(t, dead[0].Reason, "hop_limit")
}

func TestCycleDetection(t *testing.T) {
	c := newTestCore(t, testConfig(t))
	ep, err := c.RegisterEndpoint("relay.agent.alice")
	require.NoError(t, err)

	res, err := c.Publish(context.Background(), "relay.agent.alice", "hi", PublishOptions{
		From: "sys",
		Budget: &envelope.Budget{
			MaxHops: 5, AncestorChain: []string{"sys"}, CallBudgetRemaining: 10,
			TTL: time.Now().Add(time.Minute).UnixMilli(),
		},
	})
	require.NoError(t, err)
	require.Len(t, res.Rejected, 1)
	require.Equal(t, envelope.ReasonCycleDetected, res.Rejected[0].Reason)

	dead, err := c.DeadLetters(ep.Hash)
	require.NoError(t, err)
	require.Len(t, dead, 1)
}

func TestTTLExpiredAtNow(t *testing.T) {
	c := newTestCore(t, testConfig(t))
	_, err := c.RegisterEndpoint("relay.agent.alice")
	require.NoError(t, err)

	res, err := c.Publish(context.Background(), "relay.agent.alice", "hi", PublishOptions{
		From:   "sys",
		Budget: &envelope.Budget{MaxHops: 5, CallBudgetRemaining: 1, TTL: time.Now().UnixMilli()},
	})
	require.NoError(t, err)
	require.Len(t, res.Rejected, 1)
	require.Equal(t, envelope.ReasonTTLExpired, res.Rejected[0].Reason)
}

func TestAccessDeny(t *testing.T) {
	c := newTestCore(t, testConfig(t))
	_, err := c.RegisterEndpoint("relay.agent.alice")
	require.NoError(t, err)
	c.AddAccessRule(accessDeny("untrusted.>", "relay.agent.>", 10))

	res, err := c.Publish(context.Background(), "relay.agent.alice", "hi",
		PublishOptions{From: "untrusted.bot", Budget: budgetFor(time.Now())})
	require.NoError(t, err)
	require.Zero(t, res.DeliveredTo)
	require.Equal(t, envelope.ReasonAccessDenied, res.Rejected[0].Reason)

	// Other senders are unaffected.
	res, err = c.Publish(context.Background(), "relay.agent.alice", "hi",
		PublishOptions{From: "sys", Budget: budgetFor(time.Now())})
	require.NoError(t, err)
	require.Equal(t, 1, res.DeliveredTo)
}

func TestRateLimitRejects(t *testing.T) {
	cfg := testConfig(t)
	cfg.RateLimit.Enabled = true
	cfg.RateLimit.MaxPerWindow = 2
	cfg.RateLimit.WindowSecs = 60
	c := newTestCore(t, cfg)
	_, err := c.RegisterEndpoint("relay.agent.alice")
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		res, err := c.Publish(context.Background(), "relay.agent.alice", "hi",
			PublishOptions{From: "chatty", Budget: budgetFor(time.Now())})
		require.NoError(t, err)
		require.Equal(t, 1, res.DeliveredTo)
	}
	res, err := c.Publish(context.Background(), "relay.agent.alice", "hi",
		PublishOptions{From: "chatty", Budget: budgetFor(time.Now())})
	require.NoError(t, err)
	require.Zero(t, res.DeliveredTo)
	require.Equal(t, envelope.ReasonRateLimited, res.Rejected[0].Reason)

	// Rate-limited publishes are not dead-lettered.
	dead, err := c.DeadLetters(maildir.HashSubject("relay.agent.alice"))
	require.NoError(t, err)
	require.Empty(t, dead)
}

func TestBackpressureAtCapacity(t *testing.T) {
	cfg := testConfig(t)
	cfg.Pressure.MaxMailboxSize = 2
	cfg.Pressure.WarnAt = 0.5
	c := newTestCore(t, cfg)
	ep, err := c.RegisterEndpoint("relay.agent.alice")
	require.NoError(t, err)
	// No subscriber: messages pile up in new/.

	for i := 0; i < 2; i++ {
		res, err := c.Publish(context.Background(), "relay.agent.alice", "hi",
			PublishOptions{From: "sys", Budget: budgetFor(time.Now())})
		require.NoError(t, err)
		require.Equal(t, 1, res.DeliveredTo)
	}
	res, err := c.Publish(context.Background(), "relay.agent.alice", "hi",
		PublishOptions{From: "sys", Budget: budgetFor(time.Now())})
	require.NoError(t, err)
	require.Zero(t, res.DeliveredTo)
	require.Len(t, res.Rejected, 1)
	require.Equal(t, envelope.ReasonBackpressure, res.Rejected[0].Reason)
	require.Equal(t, ep.Hash, res.Rejected[0].EndpointHash)
	require.GreaterOrEqual(t, res.MailboxPressure[ep.Hash], 1.0)
}

func TestBackpressureSignalEmitted(t *testing.T) {
	cfg := testConfig(t)
	cfg.Pressure.MaxMailboxSize = 4
	cfg.Pressure.WarnAt = 0.25
	c := newTestCore(t, cfg)
	_, err := c.RegisterEndpoint("relay.agent.alice")
	require.NoError(t, err)

	signaled := make(chan *envelope.Envelope, 4)
	_, err = c.OnSignal("relay.system.backpressure.>", func(_ context.Context, env *envelope.Envelope) error {
		signaled <- env
		return nil
	})
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		_, err := c.Publish(context.Background(), "relay.agent.alice", "hi",
			PublishOptions{From: "sys", Budget: budgetFor(time.Now())})
		require.NoError(t, err)
	}

	select {
	case env := <-signaled:
		require.Equal(t, "relay.system", env.From)
	case <-time.After(2 * time.Second):
		t.Fatal("no backpressure signal")
	}
}

func TestCircuitBreakerTripAndRecovery(t *testing.T) {
	cfg := testConfig(t)
	cfg.Breaker.FailureThreshold = 3
	cfg.Breaker.Cooldown = 300 * time.Millisecond
	cfg.Breaker.HalfOpenProbes = 1
	cfg.Breaker.SuccessToClose = 1
	c := newTestCore(t, cfg)
	ep, err := c.RegisterEndpoint("relay.agent.alice")
	require.NoError(t, err)

	var failing sync.Map
	failing.Store("on", true)
	_, err = c.Subscribe("relay.agent.alice", func(context.Context, *envelope.Envelope) error {
		if on, _ := failing.Load("on"); on.(bool) {
			return errFailingHandler
		}
		return nil
	})
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		res, err := c.Publish(context.Background(), "relay.agent.alice", "hi",
			PublishOptions{From: "sys", Budget: budgetFor(time.Now())})
		require.NoError(t, err)
		require.Equal(t, 1, res.DeliveredTo)
	}
	waitFor(t, 2*time.Second, func() bool {
		return c.BreakerState(ep.Hash) == breaker.Open
	}, "breaker did not trip after threshold failures")

	res, err := c.Publish(context.Background(), "relay.agent.alice", "hi",
		PublishOptions{From: "sys", Budget: budgetFor(time.Now())})
	require.NoError(t, err)
	require.Zero(t, res.DeliveredTo)
	require.Equal(t, envelope.ReasonCircuitOpen, res.Rejected[0].Reason)

	time.Sleep(cfg.Breaker.Cooldown + 50*time.Millisecond)
	failing.Store("on", false)
	res, err = c.Publish(context.Background(), "relay.agent.alice", "hi",
		PublishOptions{From: "sys", Budget: budgetFor(time.Now())})
	require.NoError(t, err)
	require.Equal(t, 1, res.DeliveredTo, "half-open probe must be admitted")

	waitFor(t, 2*time.Second, func() bool {
		return c.BreakerState(ep.Hash) == breaker.Closed
	}, "breaker did not close after a successful probe")

	res, err = c.Publish(context.Background(), "relay.agent.alice", "hi",
		PublishOptions{From: "sys", Budget: budgetFor(time.Now())})
	require.NoError(t, err)
	require.Equal(t, 1, res.DeliveredTo)
}

func TestFanOutToMultipleEndpoints(t *testing.T) {
	c := newTestCore(t, testConfig(t))
	a, err := c.RegisterEndpoint("relay.agent.team.alice")
	require.NoError(t, err)
	b, err := c.RegisterEndpoint("relay.agent.team.*")
	require.NoError(t, err)

	res, err := c.Publish(context.Background(), "relay.agent.team.alice", "hi",
		PublishOptions{From: "sys", Budget: budgetFor(time.Now())})
	require.NoError(t, err)
	require.Equal(t, 2, res.DeliveredTo)

	for _, ep := range []Endpoint{a, b} {
		ids, err := c.store.ListNew(ep.Hash)
		require.NoError(t, err)
		require.Len(t, ids, 1, "endpoint %s must hold the message", ep.Subject)
	}
}

func TestNamespaceGuardrails(t *testing.T) {
	c := newTestCore(t, testConfig(t))
	_, err := c.RegisterAgent("team-a", "alice")
	require.NoError(t, err)
	_, err = c.RegisterAgent("team-b", "bob")
	require.NoError(t, err)

	// Same namespace flows.
	res, err := c.Publish(context.Background(), "relay.agent.team-a.alice", "hi",
		PublishOptions{From: "relay.agent.team-a.carol", Budget: budgetFor(time.Now())})
	require.NoError(t, err)
	require.Equal(t, 1, res.DeliveredTo)

	// Cross-namespace is denied by the guardrail.
	res, err = c.Publish(context.Background(), "relay.agent.team-a.alice", "hi",
		PublishOptions{From: "relay.agent.team-b.bob", Budget: budgetFor(time.Now())})
	require.NoError(t, err)
	require.Equal(t, envelope.ReasonAccessDenied, res.Rejected[0].Reason)

	// An explicit allowance opens the path; removing it restores the deny.
	c.AllowCrossNamespace("team-b", "team-a")
	res, err = c.Publish(context.Background(), "relay.agent.team-a.alice", "hi",
		PublishOptions{From: "relay.agent.team-b.bob", Budget: budgetFor(time.Now())})
	require.NoError(t, err)
	require.Equal(t, 1, res.DeliveredTo)

	c.DenyCrossNamespace("team-b", "team-a")
	res, err = c.Publish(context.Background(), "relay.agent.team-a.alice", "hi",
		PublishOptions{From: "relay.agent.team-b.bob", Budget: budgetFor(time.Now())})
	require.NoError(t, err)
	require.Equal(t, envelope.ReasonAccessDenied, res.Rejected[0].Reason)
}

func TestRebuildIndexMatchesDisk(t *testing.T) {
	c := newTestCore(t, testConfig(t))
	_, err := c.RegisterEndpoint("relay.agent.alice")
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		_, err := c.Publish(context.Background(), "relay.agent.alice", "hi",
			PublishOptions{From: "sys", Budget: budgetFor(time.Now())})
		require.NoError(t, err)
	}

	require.NoError(t, c.RebuildIndex())
	m, err := c.Metrics()
	require.NoError(t, err)
	require.Equal(t, 3, m.TotalMessages)
	require.Equal(t, 3, m.ByStatus[index.StatusPending])
	require.Equal(t, "relay.agent.alice", m.BySubject[0].Subject)
}

func TestPublishCountedEvenWithNoEndpoints(t *testing.T) {
	reg := prometheus.NewRegistry()
	c, err := New(Options{Config: testConfig(t), Logger: zerolog.Nop(), Metrics: reg})
	require.NoError(t, err)
	t.Cleanup(func() { c.Stop(context.Background()) })

	// Passes every policy gate but matches nothing.
	res, err := c.Publish(context.Background(), "relay.agent.nobody", "hi", PublishOptions{From: "sys"})
	require.NoError(t, err)
	require.Equal(t, 0, res.DeliveredTo)
	require.Empty(t, res.Rejected)
	require.Equal(t, 1.0, counterValue(t, reg, "relay_messages_published_total"))

	// Rejected publishes are not counted as accepted.
	budget := envelope.DefaultBudget(time.Now())
	budget.MaxHops = 0
	_, err = c.Publish(context.Background(), "relay.agent.nobody", "hi", PublishOptions{From: "sys", Budget: &budget})
	require.NoError(t, err)
	require.Equal(t, 1.0, counterValue(t, reg, "relay_messages_published_total"))
}

func counterValue(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() == name {
			return mf.GetMetric()[0].GetCounter().GetValue()
		}
	}
	t.Fatalf("metric %s not registered", name)
	return 0
}

func TestInvalidInputs(t *testing.T) {
	c := newTestCore(t, testConfig(t))
	_, err := c.Publish(context.Background(), "bad..subject", "hi", PublishOptions{From: "sys"})
	require.Error(t, err)
	_, err = c.Publish(context.Background(), "relay.agent.alice", "hi", PublishOptions{})
	require.Error(t, err, "sender is required")
	_, err = c.RegisterEndpoint("relay.agent.")
	require.Error(t, err)
	_, err = c.Subscribe("relay.>.agent", nil)
	require.Error(t, err, "> must be the final token")
}

func TestBindingRouterEndToEnd(t *testing.T) {
	cfg := testConfig(t)
	factory := func(_ context.Context, agentDir string) (string, error) {
		return "sess-1", nil
	}
	c, err := New(Options{Config: cfg, Logger: zerolog.Nop(), SessionFactory: factory})
	require.NoError(t, err)
	t.Cleanup(func() { c.Stop(context.Background()) })

	_, err = c.Bindings().Add(binding.Binding{AdapterID: "telegram", AgentID: "a", AgentDir: "/agents/a"})
	require.NoError(t, err)
	_, err = c.RegisterEndpoint("relay.human.>")
	require.NoError(t, err)
	_, err = c.RegisterEndpoint("relay.agent.>")
	require.NoError(t, err)

	agentGot := make(chan *envelope.Envelope, 1)
	_, err = c.Subscribe("relay.agent.*", func(_ context.Context, env *envelope.Envelope) error {
		agentGot <- env
		return nil
	})
	require.NoError(t, err)

	res, err := c.Publish(context.Background(), "relay.human.telegram.42",
		map[string]string{"text": "hello"}, PublishOptions{From: "relay.webhook.telegram", Budget: budgetFor(time.Now())})
	require.NoError(t, err)
	require.Equal(t, 1, res.DeliveredTo)

	select {
	case env := <-agentGot:
		require.Equal(t, "relay.agent.sess-1", env.Subject)
		require.Equal(t, "relay.webhook.telegram", env.From)
		var payload map[string]string
		require.NoError(t, env.UnmarshalPayload(&payload))
		require.Equal(t, "hello", payload["text"])
	case <-time.After(3 * time.Second):
		t.Fatal("routed message never reached the agent subject")
	}
}

func TestStopIsIdempotent(t *testing.T) {
	c, err := New(Options{Config: testConfig(t), Logger: zerolog.Nop()})
	require.NoError(t, err)
	require.NoError(t, c.Stop(context.Background()))
	require.NoError(t, c.Stop(context.Background()))
}

var errFailingHandler = errFail{}

type errFail struct{}

func (errFail) Error() string { return "handler failed" }

func accessDeny(from, to string, priority int) access.Rule {
	return access.Rule{From: from, To: to, Action: access.Deny, Priority: priority}
}
