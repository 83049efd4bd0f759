// Package retry holds the backoff policy shared by the mutation queue and the
// push channel reconnect loop.
package retry

import (
	"fmt"
	"time"
)

// Mode selects how delays grow between attempts.
type Mode string

const (
	ModeFixed       Mode = "fixed"
	ModeLinear      Mode = "linear"
	ModeExponential Mode = "exponential"
)

// Policy encapsulates retry/backoff settings for transient failures.
// It is immutable after construction.
type Policy struct {
	Mode        Mode          // fixed|linear|exponential
	Initial     time.Duration // base delay
	Max         time.Duration // cap for growth
	MaxAttempts int           // retries allowed after the first failure
}

// DefaultPolicy returns exponential backoff from 1s capped at 5m, 8 retries.
func DefaultPolicy() Policy {
	return Policy{Mode: ModeExponential, Initial: time.Second, Max: 5 * time.Minute, MaxAttempts: 8}
}

// NewPolicy builds a policy from raw config fields; zero/invalid values fall back to defaults.
func NewPolicy(mode Mode, initial, maxDelay time.Duration, maxAttempts int) Policy {
	p := DefaultPolicy()
	if maxAttempts >= 0 {
		p.MaxAttempts = maxAttempts
	}
	if initial > 0 {
		p.Initial = initial
	}
	if maxDelay > 0 {
		p.Max = maxDelay
	}
	switch mode {
	case ModeFixed, ModeLinear, ModeExponential:
		p.Mode = mode
	}
	if p.Initial > p.Max {
		p.Initial = p.Max
	}
	return p
}

// Delay returns the backoff delay for the given retry attempt number
// (1-based: first retry => 1). Exponential mode yields
// min(Initial * 2^(attempt-1), Max).
func (p Policy) Delay(attempt int) time.Duration {
	if attempt <= 0 {
		return 0
	}
	switch p.Mode {
	case ModeFixed:
		return p.Initial
	case ModeLinear:
		d := time.Duration(attempt) * p.Initial
		if d > p.Max || d <= 0 {
			return p.Max
		}
		return d
	default:
		// past 62 doublings the shift overflows; the cap has long been hit
		if attempt > 62 {
			return p.Max
		}
		d := p.Initial << (attempt - 1)
		if d > p.Max || d <= 0 {
			return p.Max
		}
		return d
	}
}

// Exhausted reports whether attempt is past the allowed retries.
func (p Policy) Exhausted(attempt int) bool {
	return attempt > p.MaxAttempts
}

// Validate ensures invariants; returns error if policy impossible to apply.
func (p Policy) Validate() error {
	if p.Initial <= 0 {
		return fmt.Errorf("initial must be >0")
	}
	if p.Max <= 0 {
		return fmt.Errorf("max must be >0")
	}
	if p.MaxAttempts < 0 {
		return fmt.Errorf("max attempts cannot be negative")
	}
	return nil
}
