package ratelimit

import (
	"testing"
	"time"
)

func TestLimitBreach(t *testing.T) {
	l := New(Config{Enabled: true, MaxPerWindow: 3, WindowSecs: 60})
	now := time.Now()
	for i := 0; i < 3; i++ {
		if !l.Allow("sys", now) {
			t.Fatalf("message %d should be admitted", i)
		}
	}
	if l.Allow("sys", now) {
		t.Error("4th message in window should be rejected")
	}
	if got := l.InWindow("sys", now); got != 3 {
		t.Errorf("rejected message must not count: got %d, want 3", got)
	}
}

func TestWindowEdge(t *testing.T) {
	l := New(Config{Enabled: true, MaxPerWindow: 1, WindowSecs: 60})
	start := time.Now()
	if !l.Allow("sys", start) {
		t.Fatal("first message should be admitted")
	}
	// Exactly one window later the original message sits at windowStart and
	// no longer counts.
	if !l.Allow("sys", start.Add(60*time.Second)) {
		t.Error("message at window edge should be admitted")
	}
	// One ms before the edge it still counts.
	l2 := New(Config{Enabled: true, MaxPerWindow: 1, WindowSecs: 60})
	l2.Allow("sys", start)
	if l2.Allow("sys", start.Add(60*time.Second-time.Millisecond)) {
		t.Error("message inside the window should be rejected")
	}
}

func TestPerSenderIsolation(t *testing.T) {
	l := New(Config{Enabled: true, MaxPerWindow: 1, WindowSecs: 60})
	now := time.Now()
	if !l.Allow("a", now) || !l.Allow("b", now) {
		t.Error("senders must have independent windows")
	}
}

func TestOverrides(t *testing.T) {
	l := New(Config{
		Enabled: true, MaxPerWindow: 1, WindowSecs: 60,
		Overrides: map[string]int{"bulk": 3},
	})
	now := time.Now()
	for i := 0; i < 3; i++ {
		if !l.Allow("bulk", now) {
			t.Fatalf("override sender message %d should be admitted", i)
		}
	}
	if l.Allow("bulk", now) {
		t.Error("override limit still applies")
	}
	l.Allow("plain", now)
	if l.Allow("plain", now) {
		t.Error("non-override sender keeps the base limit")
	}
}

func TestDisabled(t *testing.T) {
	l := New(Config{Enabled: false, MaxPerWindow: 1, WindowSecs: 60})
	now := time.Now()
	for i := 0; i < 10; i++ {
		if !l.Allow("sys", now) {
			t.Fatal("disabled limiter must admit everything")
		}
	}
}
