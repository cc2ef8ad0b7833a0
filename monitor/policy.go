package monitor

import (
	"fmt"
	"time"
)

// Policy controls how a transaction is polled.
type Policy struct {
	// InitialDelay is the propagation delay before the first check.
	InitialDelay time.Duration

	// Interval separates subsequent checks.
	Interval time.Duration

	// MaxInterval caps the interval after it was doubled.
	MaxInterval time.Duration

	// MaxAttempts is the number of checks before giving up as Unknown.
	MaxAttempts int

	// FailureThreshold is the number of consecutive rounds in which every
	// status source failed before the interval is doubled.
	FailureThreshold int

	// CallTimeout bounds a single status query.
	CallTimeout time.Duration
}

// DefaultPolicy returns the default polling policy.
func DefaultPolicy() Policy {
	return Policy{
		InitialDelay:     30 * time.Second,
		Interval:         20 * time.Second,
		MaxInterval:      160 * time.Second,
		MaxAttempts:      20,
		FailureThreshold: 3,
		CallTimeout:      15 * time.Second,
	}
}

func (p Policy) withDefaults() Policy {
	d := DefaultPolicy()
	if p.InitialDelay < 0 {
		p.InitialDelay = 0
	}
	if p.Interval <= 0 {
		p.Interval = d.Interval
	}
	if p.MaxInterval < p.Interval {
		p.MaxInterval = max(d.MaxInterval, p.Interval)
	}
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = d.MaxAttempts
	}
	if p.FailureThreshold <= 0 {
		p.FailureThreshold = d.FailureThreshold
	}
	if p.CallTimeout <= 0 {
		p.CallTimeout = d.CallTimeout
	}
	return p
}

// Validate reports policies that cannot be used as given.
func (p Policy) Validate() error {
	if p.MaxAttempts < 0 || p.FailureThreshold < 0 {
		return fmt.Errorf("monitor policy: attempts and threshold must not be negative")
	}
	if p.MaxInterval > 0 && p.Interval > p.MaxInterval {
		return fmt.Errorf("monitor policy: interval %s exceeds max interval %s", p.Interval, p.MaxInterval)
	}
	return nil
}

// WorstCase returns the longest a watch can run under p.
func (p Policy) WorstCase() time.Duration {
	p = p.withDefaults()
	total := p.InitialDelay + p.CallTimeout
	interval := p.Interval
	for i := 1; i < p.MaxAttempts; i++ {
		if i >= p.FailureThreshold {
			interval = min(interval*2, p.MaxInterval)
		}
		total += interval + p.CallTimeout
	}
	return total
}
