package connectivity

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig(quiet time.Duration) Config {
	return Config{QuietWindow: quiet, ProbeInterval: 10 * time.Millisecond, ProbeTimeout: 50 * time.Millisecond}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{"defaults", DefaultConfig(), false},
		{"zero quiet window", Config{ProbeInterval: time.Second, ProbeTimeout: time.Second}, false},
		{"negative quiet window", Config{QuietWindow: -1, ProbeInterval: time.Second, ProbeTimeout: time.Second}, true},
		{"zero interval", Config{ProbeTimeout: time.Second}, true},
		{"zero timeout", Config{ProbeInterval: time.Second}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestMonitor_StabilizesBeforeOnline(t *testing.T) {
	m := NewMonitor(testConfig(30*time.Millisecond), testLogger())
	assert.Equal(t, Offline, m.State())

	m.Report(true)
	assert.Equal(t, Stabilizing, m.State())
	assert.False(t, m.IsOnline())

	require.Eventually(t, m.IsOnline, time.Second, 5*time.Millisecond)

	m.Report(false)
	assert.Equal(t, Offline, m.State())
}

func TestMonitor_FlapCancelsPromotion(t *testing.T) {
	m := NewMonitor(testConfig(50*time.Millisecond), testLogger())

	m.Report(true)
	m.Report(false)
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, Offline, m.State(), "stale timer must not promote")

	m.Report(true)
	m.Report(true)
	require.Eventually(t, m.IsOnline, time.Second, 5*time.Millisecond)
}

func TestMonitor_ZeroQuietWindow(t *testing.T) {
	m := NewMonitor(testConfig(0), testLogger())
	m.Report(true)
	assert.Equal(t, Online, m.State())
}

func TestMonitor_Subscribe(t *testing.T) {
	m := NewMonitor(testConfig(0), testLogger())
	ch, cancel := m.Subscribe()
	defer cancel()

	m.Report(true)
	m.Report(false)

	// The reader was slow; only the latest state is waiting.
	select {
	case s := <-ch:
		assert.Equal(t, Offline, s)
	default:
		t.Fatal("expected a state")
	}
	select {
	case s := <-ch:
		t.Fatalf("unexpected extra state %v", s)
	default:
	}

	cancel()
	m.Report(true)
	select {
	case s := <-ch:
		t.Fatalf("unsubscribed channel received %v", s)
	default:
	}
}

func TestMonitor_Run(t *testing.T) {
	m := NewMonitor(testConfig(0), testLogger())
	events := make(chan bool)
	done := make(chan error, 1)

	go func() { done <- m.Run(context.Background(), events) }()

	events <- true
	require.Eventually(t, m.IsOnline, time.Second, 5*time.Millisecond)

	close(events)
	assert.NoError(t, <-done)
}

func TestMonitor_RunStopsOnCancel(t *testing.T) {
	m := NewMonitor(testConfig(time.Hour), testLogger())
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- m.Run(ctx, make(chan bool)) }()

	m.Report(true)
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
	assert.Equal(t, Stabilizing, m.State())
}

type fakePinger struct {
	fail  atomic.Bool
	calls atomic.Int32
}

func (p *fakePinger) Ping(ctx context.Context) error {
	p.calls.Add(1)
	if p.fail.Load() {
		return errors.New("connection refused")
	}
	return nil
}

func TestProber_Run(t *testing.T) {
	cfg := testConfig(0)
	m := NewMonitor(cfg, testLogger())
	pinger := &fakePinger{}
	p := NewProber(pinger, m, cfg, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Run(ctx)

	require.Eventually(t, m.IsOnline, time.Second, 5*time.Millisecond)

	pinger.fail.Store(true)
	require.Eventually(t, func() bool { return m.State() == Offline }, time.Second, 5*time.Millisecond)
	assert.Greater(t, pinger.calls.Load(), int32(1))
}

func TestProber_ProbeIgnoresCancelledParent(t *testing.T) {
	cfg := testConfig(0)
	m := NewMonitor(cfg, testLogger())
	m.Report(true)

	p := NewProber(&fakePinger{}, m, cfg, testLogger())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.False(t, p.Probe(ctx))
	assert.Equal(t, Online, m.State())
}
