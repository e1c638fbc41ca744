// Package engine wires the offline draft and sync components into one
// handle the host application drives.
//
// Lifecycle:
//
//	e, err := engine.New(cfg, remote, logger)
//	err = e.Start(ctx)             // open the store, recover and resume the queue
//	err = e.Run(ctx, signals)      // consume host signals until teardown or ctx done
//	e.Close()
//
// Edits, photo changes and manual queue resolution are methods on Engine and
// may be called while Run is active.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/DukeRupert/fieldsync/internal/autosave"
	"github.com/DukeRupert/fieldsync/internal/breaker"
	"github.com/DukeRupert/fieldsync/internal/connectivity"
	"github.com/DukeRupert/fieldsync/internal/domain"
	"github.com/DukeRupert/fieldsync/internal/hydrate"
	"github.com/DukeRupert/fieldsync/internal/jobs"
	"github.com/DukeRupert/fieldsync/internal/localstore"
	"github.com/DukeRupert/fieldsync/internal/metrics"
	"github.com/DukeRupert/fieldsync/internal/syncapi"
	"github.com/DukeRupert/fieldsync/internal/syncqueue"
)

// errTeardown ends Run after a teardown signal was handled.
var errTeardown = errors.New("teardown")

// Config collects the component configurations.
type Config struct {
	Store        localstore.Config
	Autosave     autosave.Config
	Queue        syncqueue.Config
	Connectivity connectivity.Config
	Breaker      breaker.Config
	Refresh      hydrate.RefreshConfig

	// DisableProber turns off the periodic health check. Reachability then
	// comes only from Signals.Reachability and SyncNow.
	DisableProber bool
}

// DefaultConfig returns the default configuration for a store at path.
func DefaultConfig(path string) Config {
	return Config{
		Store:        localstore.Config{Path: path},
		Autosave:     autosave.DefaultConfig(),
		Queue:        syncqueue.DefaultConfig(),
		Connectivity: connectivity.DefaultConfig(),
		Breaker:      breaker.DefaultConfig(),
		Refresh:      hydrate.DefaultRefreshConfig(),
	}
}

// Validate checks every component configuration.
func (c Config) Validate() error {
	if c.Store.Path == "" {
		return fmt.Errorf("store path is required")
	}
	if err := c.Autosave.Validate(); err != nil {
		return fmt.Errorf("invalid autosave config: %w", err)
	}
	if err := c.Queue.Validate(); err != nil {
		return fmt.Errorf("invalid queue config: %w", err)
	}
	if err := c.Connectivity.Validate(); err != nil {
		return fmt.Errorf("invalid connectivity config: %w", err)
	}
	if err := c.Refresh.Validate(); err != nil {
		return fmt.Errorf("invalid refresh config: %w", err)
	}
	return nil
}

// Signals are the host lifecycle events. Any channel may be nil.
type Signals struct {
	Reachability <-chan bool     // Network reachability changes
	Visibility   <-chan bool     // false when the app is hidden
	Teardown     <-chan struct{} // The app is closing
}

// Engine is the device-side sync engine.
type Engine struct {
	cfg    Config
	logger *slog.Logger

	store      *localstore.Store
	remote     syncapi.Remote
	breaker    *breaker.Breaker
	monitor    *connectivity.Monitor
	prober     *connectivity.Prober
	processor  *syncqueue.Processor
	controller *autosave.Controller
	refresher  *hydrate.Refresher
	adapter    *hydrate.Adapter

	// reachable is set while SyncNow holds a successful probe, so one-shot
	// commands can drain without waiting out the quiet window.
	reachable atomic.Bool
	closed    atomic.Bool
}

// New builds an engine. Nothing is opened until Start.
func New(cfg Config, remote syncapi.Remote, logger *slog.Logger) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	e := &Engine{
		cfg:    cfg,
		logger: logger,
		remote: remote,
	}

	e.store = localstore.New(cfg.Store, logger)
	e.breaker = breaker.New(cfg.Breaker)
	e.breaker.OnStateChange(func(s breaker.State) {
		metrics.BreakerState.Set(float64(s))
		logger.Info("Sync breaker changed state", "state", s)
	})
	e.monitor = connectivity.NewMonitor(cfg.Connectivity, logger)
	e.prober = connectivity.NewProber(remote, e.monitor, cfg.Connectivity, logger)

	processor, err := syncqueue.New(e.store, e.breaker, cfg.Queue, logger)
	if err != nil {
		return nil, err
	}
	e.processor = processor

	gate := syncqueue.NewGate()
	processor.RequireOnline(e.isOnline)
	processor.OnFailure(e.handleFailure)
	processor.Register(jobs.NewSaveReportHandler(e.store, remote, gate, logger))
	processor.Register(jobs.NewUploadPhotoHandler(e.store, remote, logger))
	processor.Register(jobs.NewDeletePhotoHandler(e.store, remote, logger))

	controller, err := autosave.New(e.store, remote, gate, e.breaker, processor, cfg.Autosave, logger)
	if err != nil {
		return nil, err
	}
	controller.RequireOnline(e.isOnline)
	e.controller = controller

	refresher, err := hydrate.NewRefresher(e.store, remote, cfg.Refresh, logger)
	if err != nil {
		return nil, err
	}
	e.refresher = refresher
	e.adapter = hydrate.NewAdapter(e.store, refresher, e.isOnline, logger)

	return e, nil
}

// Start opens the store, returns mutations a crash left in flight to the
// queue, queues drafts whose edits were never recorded in it, and starts
// the queue processor.
func (e *Engine) Start(ctx context.Context) error {
	if err := e.store.Open(ctx); err != nil {
		return err
	}
	if n, err := e.resume(ctx); err != nil {
		return err
	} else if n > 0 {
		e.logger.Info("Resumed unsaved drafts", "count", n)
	}
	e.processor.Start(ctx)
	return nil
}

// resume enqueues drafts with unacknowledged edits and nothing queued.
func (e *Engine) resume(ctx context.Context) (int, error) {
	drafts, err := e.store.ListPendingDrafts(ctx)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, r := range drafts {
		if !r.IsUnacknowledged() || r.SyncState == domain.SyncStateError {
			continue
		}
		outstanding, err := e.store.HasOutstanding(ctx, r.OfflineID)
		if err != nil {
			return n, err
		}
		if outstanding {
			continue
		}
		if _, err := e.store.EnqueueReportSave(ctx, r.OfflineID); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

// Run consumes host signals and runs the prober until ctx is done or a
// teardown signal arrives. A teardown flushes unsaved edits to the queue
// before Run returns nil.
func (e *Engine) Run(ctx context.Context, sig Signals) error {
	g, ctx := errgroup.WithContext(ctx)

	if sig.Reachability != nil {
		g.Go(func() error {
			err := e.monitor.Run(ctx, sig.Reachability)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		})
	}
	if !e.cfg.DisableProber {
		g.Go(func() error {
			_ = e.prober.Run(ctx)
			return nil
		})
	}

	g.Go(func() error {
		e.watchConnectivity(ctx)
		return nil
	})

	g.Go(func() error {
		return e.watchLifecycle(ctx, sig)
	})

	err := g.Wait()
	if errors.Is(err, errTeardown) || errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (e *Engine) watchConnectivity(ctx context.Context) {
	states, unsubscribe := e.monitor.Subscribe()
	defer unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return
		case s := <-states:
			metrics.ConnectivityState.Set(float64(s))
			switch s {
			case connectivity.Online:
				e.processor.Trigger()
				go func() {
					if _, err := e.refresher.Refresh(ctx); err != nil {
						e.logger.Debug("Reference refresh on reconnect failed", "error", err)
					}
				}()
			case connectivity.Offline:
				e.controller.HandleOffline(ctx)
			}
		}
	}
}

func (e *Engine) watchLifecycle(ctx context.Context, sig Signals) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case visible, ok := <-sig.Visibility:
			if !ok {
				sig.Visibility = nil
				continue
			}
			if !visible {
				if err := e.controller.FlushAll(ctx); err != nil {
					e.logger.Error("Failed to flush drafts on hide", "error", err)
				}
			}
		case <-sig.Teardown:
			if err := e.Teardown(ctx); err != nil {
				e.logger.Error("Teardown flush failed", "error", err)
			}
			return errTeardown
		}
	}
}

// Teardown records every unsaved edit in the queue. It does not touch the
// network and completes even if ctx is cancelled.
func (e *Engine) Teardown(ctx context.Context) error {
	return e.controller.FlushAll(context.WithoutCancel(ctx))
}

// Close flushes unsaved edits, stops the processor, and closes the store.
func (e *Engine) Close() error {
	if !e.closed.CompareAndSwap(false, true) {
		return nil
	}
	ctx := context.Background()
	if e.store.IsOpen() {
		if err := e.Teardown(ctx); err != nil {
			e.logger.Error("Teardown flush failed", "error", err)
		}
	}
	e.controller.Close()
	e.processor.Stop()
	return e.store.Close()
}

// Events returns the autosave event stream.
func (e *Engine) Events() <-chan autosave.Event {
	return e.controller.Events()
}

// Connectivity returns the current connectivity state.
func (e *Engine) Connectivity() connectivity.State {
	return e.monitor.State()
}

// ReportReachability feeds a reachability observation to the monitor.
func (e *Engine) ReportReachability(reachable bool) {
	e.monitor.Report(reachable)
}

// SyncNow probes the server and, if it answers, drains the queue without
// waiting for the connectivity quiet window. It reports whether the server
// was reachable.
func (e *Engine) SyncNow(ctx context.Context) (bool, error) {
	if !e.prober.Probe(ctx) {
		return false, nil
	}
	e.reachable.Store(true)
	defer e.reachable.Store(false)
	return true, e.processor.Drain(ctx)
}

func (e *Engine) isOnline() bool {
	return e.reachable.Load() || e.monitor.IsOnline()
}

// handleFailure surfaces a failed-permanent mutation on the draft or photo
// it belongs to.
func (e *Engine) handleFailure(m domain.PendingMutation, cause error) {
	ctx := context.Background()
	logger := e.logger.With("queue_id", m.QueueID, "kind", m.Kind, "offline_id", m.OfflineID)

	switch p := m.Payload.(type) {
	case domain.ReportSavePayload:
		if _, err := e.store.SetSyncState(ctx, m.OfflineID, domain.SyncStateError, m.LastError); err != nil && !domain.IsNotFound(err) {
			logger.Error("Failed to mark draft as failed", "error", err)
		}
	case domain.UploadPhotoPayload:
		photo, err := e.store.GetPhoto(ctx, p.LocalPhotoID)
		if err != nil {
			return
		}
		if photo.UploadState.CanTransitionTo(domain.UploadStateFailed) {
			photo.UploadState = domain.UploadStateFailed
			if err := e.store.PutPhoto(ctx, photo); err != nil {
				logger.Error("Failed to mark photo upload as failed", "error", err)
			}
		}
	}
	logger.Warn("Mutation needs attention", "error", cause)
}
