package envelope

import (
	"encoding/json"
	"strings"
	"testing"
	"time"
)

func TestNewIDMonotonic(t *testing.T) {
	prev := NewID()
	for i := 0; i < 1000; i++ {
		id := NewID()
		if id <= prev {
			t.Fatalf("ULID %q not greater than predecessor %q", id, prev)
		}
		prev = id
	}
}

func TestNewEnvelope(t *testing.T) {
	b := DefaultBudget(time.Now())
	env, err := New("relay.agent.alice", "sys", "", map[string]string{"msg": "hi"}, b)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if err := env.Validate(); err != nil {
		t.Fatalf("Validate failed: %v", err)
	}
	var got map[string]string
	if err := env.UnmarshalPayload(&got); err != nil {
		t.Fatalf("UnmarshalPayload failed: %v", err)
	}
	if got["msg"] != "hi" {
		t.Errorf("payload = %v, want msg=hi", got)
	}
	if !env.CreatedAt.Equal(env.CreatedAt.UTC()) {
		t.Error("CreatedAt not UTC")
	}
}

func TestRoundTripPreservesUnknownFields(t *testing.T) {
	raw := `{"id":"01J8ZQ6T4R0000000000000000","subject":"relay.agent.alice","from":"sys",` +
		`"createdAt":"2026-08-24T10:00:00Z","budget":{"hopCount":0,"maxHops":5,"ancestorChain":null,` +
		`"ttl":1792000000000,"callBudgetRemaining":10},"payload":{"msg":"hi"},"xFuture":{"a":1}}`
	env, err := Decode([]byte(raw))
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	out, err := env.Encode()
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	if !strings.Contains(string(out), `"xFuture":{"a":1}`) {
		t.Errorf("unknown field dropped: %s", out)
	}
	// Re-decode must still parse and keep the known fields intact.
	again, err := Decode(out)
	if err != nil {
		t.Fatalf("re-Decode failed: %v", err)
	}
	if again.Subject != env.Subject || again.From != env.From {
		t.Errorf("round trip changed routing fields: %+v", again)
	}
}

func TestEncodeStableKeyOrder(t *testing.T) {
	b := DefaultBudget(time.Now())
	env, err := New("relay.agent.alice", "sys", "", json.RawMessage(`{}`), b)
	if err != nil {
		t.Fatal(err)
	}
	first, _ := env.Encode()
	second, _ := env.Encode()
	if string(first) != string(second) {
		t.Error("encoding not deterministic")
	}
	if !strings.HasPrefix(string(first), `{"id":`) {
		t.Errorf("id not first key: %s", first)
	}
}

func TestCloneIsDeep(t *testing.T) {
	env, err := New("relay.agent.a", "sys", "", map[string]int{"n": 1}, Budget{
		MaxHops: 5, TTL: time.Now().Add(time.Minute).UnixMilli(),
		CallBudgetRemaining: 3, AncestorChain: []string{"root"},
	})
	if err != nil {
		t.Fatal(err)
	}
	clone := env.Clone()
	clone.Budget.AncestorChain[0] = "mutated"
	clone.Payload[1] = 'X'
	if env.Budget.AncestorChain[0] != "root" {
		t.Error("ancestor chain shared between clone and original")
	}
	if env.Payload[1] == 'X' {
		t.Error("payload shared between clone and original")
	}
}

func TestBudgetAdvance(t *testing.T) {
	now := time.Now()
	base := Budget{
		MaxHops:             5,
		TTL:                 now.Add(time.Minute).UnixMilli(),
		CallBudgetRemaining: 10,
	}

	tests := []struct {
		name   string
		budget Budget
		from   string
		want   Reason
	}{
		{"ok", base, "sys", ""},
		{"ttl expired", Budget{MaxHops: 5, TTL: now.UnixMilli(), CallBudgetRemaining: 1}, "sys", ReasonTTLExpired},
		{"hop limit", Budget{HopCount: 2, MaxHops: 2, TTL: base.TTL, CallBudgetRemaining: 1}, "sys", ReasonHopLimit},
		{"budget exhausted", Budget{MaxHops: 5, TTL: base.TTL, CallBudgetRemaining: 0}, "sys", ReasonBudgetExhausted},
		{"cycle", Budget{MaxHops: 5, TTL: base.TTL, CallBudgetRemaining: 1, AncestorChain: []string{"sys"}}, "sys", ReasonCycleDetected},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			next, reason := tt.budget.Advance(tt.from, now)
			if reason != tt.want {
				t.Fatalf("reason = %q, want %q", reason, tt.want)
			}
			if tt.want != "" {
				return
			}
			if next.HopCount != tt.budget.HopCount+1 {
				t.Errorf("hop count not incremented: %d", next.HopCount)
			}
			if next.CallBudgetRemaining != tt.budget.CallBudgetRemaining-1 {
				t.Errorf("call budget not decremented: %d", next.CallBudgetRemaining)
			}
			if next.TTL != tt.budget.TTL {
				t.Error("ttl must be inherited unchanged")
			}
			if len(next.AncestorChain) != len(tt.budget.AncestorChain)+1 ||
				next.AncestorChain[len(next.AncestorChain)-1] != tt.from {
				t.Errorf("ancestor chain = %v", next.AncestorChain)
			}
		})
	}
}

func TestBudgetAdvanceDoesNotMutateReceiver(t *testing.T) {
	now := time.Now()
	b := Budget{MaxHops: 5, TTL: now.Add(time.Minute).UnixMilli(), CallBudgetRemaining: 2}
	_, reason := b.Advance("a", now)
	if reason != "" {
		t.Fatalf("unexpected rejection %q", reason)
	}
	if b.HopCount != 0 || b.CallBudgetRemaining != 2 || len(b.AncestorChain) != 0 {
		t.Errorf("receiver mutated: %+v", b)
	}
}

func TestSingleHopBudget(t *testing.T) {
	now := time.Now()
	b := Budget{MaxHops: 1, TTL: now.Add(time.Minute).UnixMilli(), CallBudgetRemaining: 5}
	next, reason := b.Advance("sys", now)
	if reason != "" {
		t.Fatalf("first hop rejected: %q", reason)
	}
	if _, reason = next.Advance("other", now); reason != ReasonHopLimit {
		t.Errorf("second hop reason = %q, want %q", reason, ReasonHopLimit)
	}
}
