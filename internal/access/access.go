// Package access evaluates ordered allow/deny rules over (from, to) subject
// patterns.
//
// The bus is embedded in a single process where rule authors are the system
// itself, so the empty rule set allows everything; deny rules are opt-in
// guardrails layered on top (for example a cross-namespace deny at a low
// priority with a same-namespace allow above it).
package access

import (
	"sort"
	"sync"

	"github.com/dork-labs/relay/internal/subject"
)

// Action is a rule outcome.
type Action string

const (
	Allow Action = "allow"
	Deny  Action = "deny"
)

// Rule matches (from, to) pattern pairs. Higher priority wins; rules are
// deduplicated by the (From, To) pair.
type Rule struct {
	From     string `json:"from"`
	To       string `json:"to"`
	Action   Action `json:"action"`
	Priority int    `json:"priority"`
}

// Decision is the result of a Check.
type Decision struct {
	Allowed bool
	Matched *Rule // nil when no rule matched (default allow)
}

// Controller holds the rule table. Safe for concurrent use.
type Controller struct {
	mu    sync.RWMutex
	rules []Rule // kept sorted by priority descending
}

// New creates an empty controller.
func New() *Controller { return &Controller{} }

// AddRule installs a rule, replacing any existing rule with the same
// (From, To) pair.
func (c *Controller) AddRule(r Rule) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := range c.rules {
		if c.rules[i].From == r.From && c.rules[i].To == r.To {
			c.rules[i] = r
			c.resort()
			return
		}
	}
	c.rules = append(c.rules, r)
	c.resort()
}

// RemoveRule deletes the rule with the given (from, to) pair, if present.
func (c *Controller) RemoveRule(from, to string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := range c.rules {
		if c.rules[i].From == from && c.rules[i].To == to {
			c.rules = append(c.rules[:i], c.rules[i+1:]...)
			return
		}
	}
}

// List returns a copy of the rules in evaluation order.
func (c *Controller) List() []Rule {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]Rule(nil), c.rules...)
}

// Check evaluates the rules in priority-descending order; the first rule
// whose patterns match both subjects wins. No match allows.
func (c *Controller) Check(from, to string) Decision {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for i := range c.rules {
		r := c.rules[i]
		if subject.Match(r.From, from) && subject.Match(r.To, to) {
			return Decision{Allowed: r.Action == Allow, Matched: &r}
		}
	}
	return Decision{Allowed: true}
}

// resort must run under the write lock. The sort is stable so equal
// priorities keep insertion order.
func (c *Controller) resort() {
	sort.SliceStable(c.rules, func(i, j int) bool {
		return c.rules[i].Priority > c.rules[j].Priority
	})
}
