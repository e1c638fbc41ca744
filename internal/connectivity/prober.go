package connectivity

import (
	"context"
	"log/slog"
	"time"
)

// Pinger checks that the server answers.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Prober pings the server on an interval and reports the outcome to a Monitor.
type Prober struct {
	pinger  Pinger
	monitor *Monitor
	cfg     Config
	logger  *slog.Logger
}

// NewProber creates a prober.
func NewProber(pinger Pinger, monitor *Monitor, cfg Config, logger *slog.Logger) *Prober {
	return &Prober{
		pinger:  pinger,
		monitor: monitor,
		cfg:     cfg,
		logger:  logger.With("component", "prober"),
	}
}

// Probe pings once and reports the result. Nothing is reported when parent
// is cancelled.
func (p *Prober) Probe(parent context.Context) bool {
	ctx, cancel := context.WithTimeout(parent, p.cfg.ProbeTimeout)
	err := p.pinger.Ping(ctx)
	cancel()

	if parent.Err() != nil {
		return false
	}
	if err != nil {
		p.logger.Debug("server unreachable", "error", err)
	}
	p.monitor.Report(err == nil)
	return err == nil
}

// Run probes immediately and then on every tick until ctx is done.
func (p *Prober) Run(ctx context.Context) error {
	p.Probe(ctx)

	ticker := time.NewTicker(p.cfg.ProbeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if ctx.Err() != nil {
				return ctx.Err()
			}
			p.Probe(ctx)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
