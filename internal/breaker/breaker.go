// Package breaker provides a consecutive-failure circuit breaker for calls to
// the sync server.
package breaker

import (
	"sync"
	"time"
)

// State is the breaker position.
type State int

const (
	// Closed lets every call through.
	Closed State = iota
	// Open rejects calls until the cooldown elapses.
	Open
	// HalfOpen lets a single trial call through.
	HalfOpen
)

// String returns the state name used in logs and metrics.
func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half_open"
	}
	return "unknown"
}

// Config configures a Breaker.
type Config struct {
	Threshold int           // Consecutive failures that open the breaker
	Cooldown  time.Duration // How long the breaker stays open
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		Threshold: 5,
		Cooldown:  30 * time.Second,
	}
}

// Breaker opens after Threshold consecutive failures. After Cooldown one
// trial call is allowed; its outcome closes or reopens the breaker.
type Breaker struct {
	cfg Config
	now func() time.Time

	mu       sync.Mutex
	state    State
	failures int
	openedAt time.Time
	trial    bool

	onChange func(State)
}

// New creates a closed breaker. A non-positive threshold disables it.
func New(cfg Config) *Breaker {
	return &Breaker{cfg: cfg, now: time.Now}
}

// OnStateChange registers fn to be called after every transition.
// fn runs with no locks held.
func (b *Breaker) OnStateChange(fn func(State)) {
	b.mu.Lock()
	b.onChange = fn
	b.mu.Unlock()
}

// Allow reports whether a call may proceed. In half-open state only the first
// caller gets true until Success, Failure or Cancel is recorded. Every call
// Allow admits must end in exactly one of them.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	if b.cfg.Threshold <= 0 {
		b.mu.Unlock()
		return true
	}

	var changed bool
	allowed := true
	switch b.state {
	case Open:
		if b.now().Sub(b.openedAt) < b.cfg.Cooldown {
			allowed = false
			break
		}
		b.state = HalfOpen
		b.trial = true
		changed = true
	case HalfOpen:
		if b.trial {
			allowed = false
		} else {
			b.trial = true
		}
	}
	state, fn := b.state, b.onChange
	b.mu.Unlock()

	if changed && fn != nil {
		fn(state)
	}
	return allowed
}

// Success records a successful call and closes the breaker.
func (b *Breaker) Success() {
	b.mu.Lock()
	changed := b.state != Closed
	b.state = Closed
	b.failures = 0
	b.trial = false
	fn := b.onChange
	b.mu.Unlock()

	if changed && fn != nil {
		fn(Closed)
	}
}

// Failure records a failed call. Only transient failures should be recorded;
// a rejection proves the server is reachable.
func (b *Breaker) Failure() {
	b.mu.Lock()
	if b.cfg.Threshold <= 0 {
		b.mu.Unlock()
		return
	}
	b.failures++
	b.trial = false

	var changed bool
	if b.state == HalfOpen || (b.state == Closed && b.failures >= b.cfg.Threshold) {
		changed = b.state != Open
		b.state = Open
		b.openedAt = b.now()
	}
	fn := b.onChange
	b.mu.Unlock()

	if changed && fn != nil {
		fn(Open)
	}
}

// Cancel ends a call that says nothing about the server, such as one that
// failed on the device or was interrupted. It records no outcome; in
// half-open state the next caller gets the trial.
func (b *Breaker) Cancel() {
	b.mu.Lock()
	b.trial = false
	b.mu.Unlock()
}

// State returns the current state without transitioning.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// RetryAt returns when an open breaker will allow a trial call, or zero.
func (b *Breaker) RetryAt() time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != Open {
		return time.Time{}
	}
	return b.openedAt.Add(b.cfg.Cooldown)
}
