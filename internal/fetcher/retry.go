package fetcher

import (
	"context"
	"math/rand"
	"time"
)

// Policy bounds the retry loop around one upstream call.
type Policy struct {
	MaxAttempts    int
	BaseDelay      time.Duration
	MaxDelay       time.Duration
	JitterFraction float64
}

// DefaultPolicy is used when options leave the retry policy empty.
var DefaultPolicy = Policy{
	MaxAttempts:    4,
	BaseDelay:      time.Second,
	MaxDelay:       30 * time.Second,
	JitterFraction: 0.1,
}

func (p Policy) withDefaults() Policy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = DefaultPolicy.MaxAttempts
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = DefaultPolicy.BaseDelay
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = DefaultPolicy.MaxDelay
	}
	if p.MaxDelay < p.BaseDelay {
		p.MaxDelay = p.BaseDelay
	}
	if p.JitterFraction < 0 {
		p.JitterFraction = 0
	}
	return p
}

// Delay returns the wait after the given failed attempt (1-based), without jitter:
// BaseDelay doubled per attempt, capped at MaxDelay.
func (p Policy) Delay(attempt int) time.Duration {
	p = p.withDefaults()
	if attempt < 1 {
		attempt = 1
	}
	d := p.BaseDelay
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	return min(d, p.MaxDelay)
}

// Phase is the state of a retry Machine.
type Phase int

const (
	PhaseAttempt Phase = iota
	PhaseWait
	PhaseDone
	PhaseGiveUp
)

func (p Phase) String() string {
	switch p {
	case PhaseAttempt:
		return "attempt"
	case PhaseWait:
		return "wait"
	case PhaseDone:
		return "done"
	case PhaseGiveUp:
		return "give_up"
	default:
		return "unknown"
	}
}

// Machine tracks one retry loop: Attempt -> (Done | GiveUp | Wait -> Attempt).
type Machine struct {
	policy    Policy
	rand      func() float64
	phase     Phase
	attempt   int
	wait      time.Duration
	err       error
	exhausted bool
}

// NewMachine starts a machine in PhaseAttempt. rnd returns values in [0,1); nil uses math/rand.
func NewMachine(p Policy, rnd func() float64) *Machine {
	if rnd == nil {
		rnd = rand.Float64
	}
	return &Machine{policy: p.withDefaults(), rand: rnd}
}

// Phase returns the current state.
func (m *Machine) Phase() Phase {
	return m.phase
}

// Attempt returns the number of attempts begun so far.
func (m *Machine) Attempt() int {
	return m.attempt
}

// Wait returns the delay chosen by the last retryable failure.
func (m *Machine) Wait() time.Duration {
	return m.wait
}

// Err returns the error of the last observed attempt.
func (m *Machine) Err() error {
	return m.err
}

// Exhausted reports whether the machine gave up because MaxAttempts was reached.
func (m *Machine) Exhausted() bool {
	return m.exhausted
}

// Policy returns the effective policy with defaults applied.
func (m *Machine) Policy() Policy {
	return m.policy
}

// Begin starts the next attempt and returns its 1-based number.
func (m *Machine) Begin() int {
	m.attempt++
	m.phase = PhaseAttempt
	return m.attempt
}

// Observe records the attempt outcome. after is a server supplied minimum wait.
func (m *Machine) Observe(err error, retryable bool, after time.Duration) Phase {
	m.err = err
	switch {
	case err == nil:
		m.phase = PhaseDone
	case !retryable:
		m.phase = PhaseGiveUp
	case m.attempt >= m.policy.MaxAttempts:
		m.exhausted = true
		m.phase = PhaseGiveUp
	default:
		d := m.policy.Delay(m.attempt)
		if m.policy.JitterFraction > 0 {
			d += time.Duration(float64(d) * m.policy.JitterFraction * m.rand())
		}
		if after > d {
			d = min(after, m.policy.MaxDelay)
		}
		m.wait = d
		m.phase = PhaseWait
	}
	return m.phase
}

// Resume leaves PhaseWait so the next Begin can run.
func (m *Machine) Resume() {
	if m.phase == PhaseWait {
		m.phase = PhaseAttempt
	}
}

// Sleeper blocks for d or until ctx is done.
type Sleeper func(ctx context.Context, d time.Duration) error

// Sleep is the production Sleeper.
func Sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Classifier decides whether an attempt error is retryable and how long the
// server asked to wait.
type Classifier func(err error) (retryable bool, after time.Duration)

// RetryResult summarises a finished retry loop.
type RetryResult struct {
	Attempts  int
	Exhausted bool
	Waits     []time.Duration
}

// Retry drives fn through a Machine until it succeeds, gives up, or ctx ends.
func Retry(ctx context.Context, p Policy, sleep Sleeper, rnd func() float64, classify Classifier, fn func(ctx context.Context, attempt int) error) (RetryResult, error) {
	if sleep == nil {
		sleep = Sleep
	}
	m := NewMachine(p, rnd)
	var res RetryResult
	for {
		switch m.Phase() {
		case PhaseAttempt:
			if err := ctx.Err(); err != nil {
				res.Attempts = m.Attempt()
				return res, err
			}
			err := fn(ctx, m.Begin())
			retryable, after := false, time.Duration(0)
			if err != nil && ctx.Err() == nil {
				retryable, after = classify(err)
			}
			m.Observe(err, retryable, after)
		case PhaseWait:
			res.Waits = append(res.Waits, m.Wait())
			if err := sleep(ctx, m.Wait()); err != nil {
				res.Attempts = m.Attempt()
				return res, err
			}
			m.Resume()
		case PhaseDone:
			res.Attempts = m.Attempt()
			return res, nil
		case PhaseGiveUp:
			res.Attempts = m.Attempt()
			res.Exhausted = m.Exhausted()
			return res, m.Err()
		}
	}
}
