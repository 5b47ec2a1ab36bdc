package access

import "testing"

func TestDefaultAllow(t *testing.T) {
	c := New()
	if d := c.Check("relay.agent.a", "relay.agent.b"); !d.Allowed || d.Matched != nil {
		t.Errorf("empty rule set: got %+v, want default allow with no matched rule", d)
	}
}

func TestPriorityOrdering(t *testing.T) {
	c := New()
	// Guardrail layering: cross-namespace deny low, same-namespace allow
	// high, explicit cross-namespace allow in between.
	c.AddRule(Rule{From: "relay.agent.>", To: "relay.agent.>", Action: Deny, Priority: 10})
	c.AddRule(Rule{From: "relay.agent.proj.>", To: "relay.agent.proj.>", Action: Allow, Priority: 100})
	c.AddRule(Rule{From: "relay.agent.proj.a", To: "relay.agent.other.b", Action: Allow, Priority: 50})

	if d := c.Check("relay.agent.proj.a", "relay.agent.proj.b"); !d.Allowed {
		t.Error("same-namespace publish should be allowed by the priority-100 rule")
	}
	if d := c.Check("relay.agent.proj.a", "relay.agent.other.b"); !d.Allowed {
		t.Error("explicitly allowed cross-namespace pair should pass")
	}
	if d := c.Check("relay.agent.other.x", "relay.agent.proj.b"); d.Allowed {
		t.Error("cross-namespace publish should hit the deny guardrail")
	}
}

func TestDedupReplacesOnSameKey(t *testing.T) {
	c := New()
	c.AddRule(Rule{From: "a", To: "b", Action: Deny, Priority: 1})
	c.AddRule(Rule{From: "a", To: "b", Action: Allow, Priority: 99})

	rules := c.List()
	if len(rules) != 1 {
		t.Fatalf("got %d rules, want 1", len(rules))
	}
	if rules[0].Action != Allow || rules[0].Priority != 99 {
		t.Errorf("replacement did not win: %+v", rules[0])
	}
}

func TestRemoveRestoresNoRuleState(t *testing.T) {
	c := New()
	c.AddRule(Rule{From: "relay.agent.a", To: "relay.agent.b", Action: Deny, Priority: 10})
	if d := c.Check("relay.agent.a", "relay.agent.b"); d.Allowed {
		t.Fatal("deny rule not applied")
	}
	c.RemoveRule("relay.agent.a", "relay.agent.b")
	if d := c.Check("relay.agent.a", "relay.agent.b"); !d.Allowed || d.Matched != nil {
		t.Errorf("removal did not restore default allow: %+v", d)
	}
	if len(c.List()) != 0 {
		t.Error("rule table not empty after removal")
	}
}

func TestFirstMatchWins(t *testing.T) {
	c := New()
	c.AddRule(Rule{From: ">", To: ">", Action: Deny, Priority: 1})
	c.AddRule(Rule{From: "sys", To: "relay.>", Action: Allow, Priority: 2})

	if d := c.Check("sys", "relay.agent.a"); !d.Allowed {
		t.Error("higher-priority allow should match before the catch-all deny")
	}
	if d := c.Check("other", "relay.agent.a"); d.Allowed {
		t.Error("catch-all deny should apply to non-sys senders")
	}
}
