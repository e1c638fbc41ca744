package cli

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/DukeRupert/fieldsync/internal"
	"github.com/DukeRupert/fieldsync/internal/domain"
	"github.com/DukeRupert/fieldsync/internal/engine"
	"github.com/DukeRupert/fieldsync/internal/syncapi"
)

// syncRounds bounds how often a one-shot command drains before exiting.
const syncRounds = 3

// session is an engine opened for one command.
type session struct {
	cfg    *internal.ClientConfig
	engine *engine.Engine
	opts   *RootOptions
	logger *slog.Logger
}

// openSession loads the client configuration, applies flag overrides, and
// starts an engine. background enables the periodic server probe.
func openSession(ctx context.Context, opts *RootOptions, background bool) (*session, error) {
	cfg, err := internal.NewClientConfig()
	if err != nil {
		return nil, fmt.Errorf("config initialization failed: %w", err)
	}
	if opts.Database != "" {
		cfg.DBPath = opts.Database
	}
	if opts.Server != "" {
		cfg.ServerURL = opts.Server
	}

	level := cfg.LogLevel
	if opts.Verbose {
		level = "debug"
	}
	logger := internal.NewLogger(opts.ErrWriter, "fieldsync", cfg.Env, level)

	remote, err := syncapi.NewClient(syncapi.Config{BaseURL: cfg.ServerURL, Timeout: cfg.SyncRequestTimeout}, logger)
	if err != nil {
		return nil, err
	}

	ecfg := cfg.EngineConfig()
	ecfg.DisableProber = !background
	e, err := engine.New(ecfg, remote, logger)
	if err != nil {
		return nil, err
	}
	if err := e.Start(ctx); err != nil {
		_ = e.Close()
		return nil, fmt.Errorf("open local store: %w", err)
	}
	return &session{cfg: cfg, engine: e, opts: opts, logger: logger}, nil
}

// sync drains the queue while the server answers. It reports whether the
// server was reachable.
func (s *session) sync(ctx context.Context) (bool, error) {
	if s.opts.Offline {
		return false, nil
	}
	reachable := false
	for i := 0; i < syncRounds; i++ {
		ok, err := s.engine.SyncNow(ctx)
		if err != nil {
			return reachable, err
		}
		if !ok {
			return reachable, nil
		}
		reachable = true

		queue, err := s.engine.Queue(ctx)
		if err != nil {
			return reachable, err
		}
		if !anyDue(queue, time.Now()) {
			break
		}
	}
	return reachable, nil
}

// close tries a sync unless offline and closes the engine.
func (s *session) close(ctx context.Context) error {
	syncCtx, cancel := context.WithTimeout(ctx, s.cfg.SyncRequestTimeout*2)
	_, err := s.sync(syncCtx)
	cancel()
	if cerr := s.engine.Close(); cerr != nil {
		return cerr
	}
	return err
}

func anyDue(queue []domain.PendingMutation, now time.Time) bool {
	for _, m := range queue {
		if m.Status == domain.MutationStatusPending && !m.NextAttemptAt.After(now) {
			return true
		}
	}
	return false
}
