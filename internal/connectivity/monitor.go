// Package connectivity tracks whether the sync server is reachable and
// debounces regained reachability into a stable "online" signal.
//
// State machine:
//
//	Offline --reachable--> Stabilizing --quiet window--> Online
//	Stabilizing | Online --unreachable--> Offline
//
// Only Online should trigger queue processing. Losing reachability while
// Stabilizing cancels the pending promotion.
package connectivity

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// State is the connectivity position.
type State int

const (
	Offline State = iota
	Stabilizing
	Online
)

// String returns the state name used in logs and metrics.
func (s State) String() string {
	switch s {
	case Offline:
		return "offline"
	case Stabilizing:
		return "stabilizing"
	case Online:
		return "online"
	}
	return "unknown"
}

// Config configures the monitor and prober.
type Config struct {
	QuietWindow   time.Duration // How long reachability must hold before Online
	ProbeInterval time.Duration // How often the prober pings the server
	ProbeTimeout  time.Duration // Timeout of a single ping
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		QuietWindow:   3 * time.Second,
		ProbeInterval: 5 * time.Second,
		ProbeTimeout:  3 * time.Second,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.QuietWindow < 0 {
		return fmt.Errorf("quiet window must not be negative")
	}
	if c.ProbeInterval <= 0 {
		return fmt.Errorf("probe interval must be positive")
	}
	if c.ProbeTimeout <= 0 {
		return fmt.Errorf("probe timeout must be positive")
	}
	return nil
}

// Monitor holds the connectivity state and notifies subscribers of changes.
type Monitor struct {
	cfg    Config
	logger *slog.Logger

	mu     sync.Mutex
	state  State
	gen    uint64 // bumped on every transition; stale timers compare against it
	timer  *time.Timer
	subs   map[int]chan State
	nextID int
}

// NewMonitor creates a monitor in the Offline state.
func NewMonitor(cfg Config, logger *slog.Logger) *Monitor {
	return &Monitor{
		cfg:    cfg,
		logger: logger.With("component", "connectivity"),
		state:  Offline,
		subs:   make(map[int]chan State),
	}
}

// State returns the current state.
func (m *Monitor) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// IsOnline reports whether the connection is stable.
func (m *Monitor) IsOnline() bool {
	return m.State() == Online
}

// Report feeds one reachability observation into the monitor.
func (m *Monitor) Report(reachable bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if reachable {
		if m.state != Offline {
			return
		}
		m.setLocked(Stabilizing)
		gen := m.gen
		if m.cfg.QuietWindow <= 0 {
			m.setLocked(Online)
			return
		}
		m.timer = time.AfterFunc(m.cfg.QuietWindow, func() { m.promote(gen) })
		return
	}

	if m.state == Offline {
		return
	}
	m.setLocked(Offline)
}

func (m *Monitor) promote(gen uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if gen != m.gen || m.state != Stabilizing {
		return
	}
	m.setLocked(Online)
}

// setLocked transitions to s and publishes it. Callers hold mu.
func (m *Monitor) setLocked(s State) {
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	m.gen++
	prev := m.state
	m.state = s

	m.logger.Info("connectivity changed", "from", prev.String(), "to", s.String())
	for _, ch := range m.subs {
		publish(ch, s)
	}
}

// publish delivers s, replacing an undelivered older state.
func publish(ch chan State, s State) {
	select {
	case ch <- s:
		return
	default:
	}
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- s:
	default:
	}
}

// Subscribe returns a channel that receives state changes. A slow reader
// only ever sees the latest state. The returned func unsubscribes.
func (m *Monitor) Subscribe() (<-chan State, func()) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := m.nextID
	m.nextID++
	ch := make(chan State, 1)
	m.subs[id] = ch

	return ch, func() {
		m.mu.Lock()
		delete(m.subs, id)
		m.mu.Unlock()
	}
}

// Run consumes reachability events until ctx is done or events is closed.
// Cancelling ctx stops any pending promotion.
func (m *Monitor) Run(ctx context.Context, events <-chan bool) error {
	defer m.stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case reachable, ok := <-events:
			if !ok {
				return nil
			}
			m.Report(reachable)
		}
	}
}

func (m *Monitor) stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	m.gen++
}
