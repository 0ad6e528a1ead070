// Package reconnect implements the Reconnection Planner (component C6 in
// SPEC_FULL.md §4.5): given an attempt counter and a backoff configuration,
// it produces either a delay or signals Exhausted.
//
// The bounded-exponential strategy computes delay = min(cap, base*2^attempt);
// the jittered-exponential strategy delegates to cenkalti/backoff/v4's
// ExponentialBackOff instead of hand-rolling jitter arithmetic a second
// time in this codebase (see DESIGN.md).
package reconnect

import (
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Strategy selects the backoff shape.
type Strategy string

const (
	StrategyLinear             Strategy = "linear"
	StrategyExponential        Strategy = "exponential"
	StrategyJitteredExponential Strategy = "jittered-exponential"
)

// Config mirrors SPEC_FULL.md §6's reconnect{strategy, base_ms, cap_ms, max_attempts}.
type Config struct {
	Strategy    Strategy
	Base        time.Duration
	Cap         time.Duration
	MaxAttempts int // 0 = unlimited
}

// ErrExhausted is returned by Next once MaxAttempts has been reached.
var ErrExhausted = fmt.Errorf("reconnect: max attempts exhausted")

// Planner computes reconnect delays and tracks the attempt counter. It is
// not safe for concurrent use; the connection driver loop owns it
// exclusively (SPEC_FULL.md §5).
type Planner struct {
	cfg     Config
	attempt int
	jittered *backoff.ExponentialBackOff
}

// New builds a Planner from cfg.
func New(cfg Config) *Planner {
	p := &Planner{cfg: cfg}
	if cfg.Strategy == StrategyJitteredExponential {
		p.jittered = newJitteredBackoff(cfg)
	}
	return p
}

func newJitteredBackoff(cfg Config) *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = cfg.Base
	b.MaxInterval = cfg.Cap
	b.Multiplier = 2
	b.RandomizationFactor = 1.0 / 3 // draws from [2*delay/3, 4*delay/3]; Next scales it into [delay/2, delay]
	b.MaxElapsedTime = 0        // attempt counting is done by Planner, not the library
	b.Reset()
	return b
}

// Next returns the delay to wait before the next reconnect attempt, or
// ErrExhausted if cfg.MaxAttempts (when nonzero) has been reached.
func (p *Planner) Next() (time.Duration, error) {
	if p.cfg.MaxAttempts > 0 && p.attempt >= p.cfg.MaxAttempts {
		return 0, ErrExhausted
	}

	var delay time.Duration
	switch p.cfg.Strategy {
	case StrategyLinear:
		delay = p.cfg.Base * time.Duration(p.attempt+1)
		if delay > p.cfg.Cap {
			delay = p.cfg.Cap
		}
	case StrategyJitteredExponential:
		// Scaling a draw from [2d/3, 4d/3] by 3/4 gives a uniform draw from [d/2, d].
		next := p.jittered.NextBackOff()
		delay = next * 3 / 4
		if next == backoff.Stop || delay > p.cfg.Cap {
			delay = p.cfg.Cap
		}
	case StrategyExponential:
		fallthrough
	default:
		shift := uint(p.attempt)
		if shift > 32 {
			shift = 32 // avoid overflow for long-running connections; cap kicks in anyway
		}
		delay = p.cfg.Base * (time.Duration(1) << shift)
		if delay > p.cfg.Cap || delay <= 0 {
			delay = p.cfg.Cap
		}
	}

	p.attempt++
	return delay, nil
}

// Attempt returns the number of attempts made so far.
func (p *Planner) Attempt() int {
	return p.attempt
}

// Reset zeroes the attempt counter. Called on every successful upgrade
// (SPEC_FULL.md §4.5: "Counter resets to zero on any successful upgrade").
func (p *Planner) Reset() {
	p.attempt = 0
	if p.jittered != nil {
		p.jittered.Reset()
	}
}
