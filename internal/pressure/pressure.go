// Package pressure implements the per-endpoint mailbox-depth admission check.
//
// The hard limit rejects a publish for one endpoint without blocking the
// publish for others; the warning threshold drives a best-effort signal on
// relay.system.backpressure.{hash} so producers can slow down voluntarily.
package pressure

// Config controls the backpressure check.
type Config struct {
	MaxMailboxSize int     `yaml:"max_mailbox_size"`
	WarnAt         float64 `yaml:"warn_at"` // warning ratio, e.g. 0.8
}

// DefaultConfig allows 1000 pending messages per mailbox and warns at 80%.
func DefaultConfig() Config {
	return Config{MaxMailboxSize: 1000, WarnAt: 0.8}
}

// Verdict is the outcome of a depth check.
type Verdict struct {
	Admit bool
	Ratio float64 // currentSize / MaxMailboxSize
	Warn  bool    // ratio crossed the warning threshold
}

// Check evaluates the current pending count against the limits. A mailbox at
// exactly MaxMailboxSize rejects.
func (c Config) Check(currentSize int) Verdict {
	if c.MaxMailboxSize <= 0 {
		return Verdict{Admit: true}
	}
	ratio := float64(currentSize) / float64(c.MaxMailboxSize)
	return Verdict{
		Admit: currentSize < c.MaxMailboxSize,
		Ratio: ratio,
		Warn:  c.WarnAt > 0 && ratio >= c.WarnAt,
	}
}
