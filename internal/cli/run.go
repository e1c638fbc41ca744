package cli

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/DukeRupert/fieldsync/internal/engine"
)

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Keep syncing in the foreground",
		Long: `Run the sync engine until interrupted. The server is probed
periodically; queued changes are sent once the connection has been stable
for the quiet window. On interrupt every unsaved edit is written to the
queue before exiting.

Set METRICS_ADDR (e.g. ":9091") to expose Prometheus metrics.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEngine(cmd.Context(), rootOpts)
		},
	}
}

func runEngine(ctx context.Context, opts *RootOptions) error {
	s, err := openSession(ctx, opts, true)
	if err != nil {
		return err
	}
	defer s.engine.Close()

	logger := s.logger

	var metricsServer *http.Server
	if s.cfg.MetricsAddr != "" {
		metricsServer = &http.Server{
			Addr:              s.cfg.MetricsAddr,
			Handler:           promhttp.Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			logger.Info("Metrics server started", "address", metricsServer.Addr)
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("Metrics server failed", "error", err)
			}
		}()
	}

	teardown := make(chan struct{})
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)
	go func() {
		<-sigChan
		logger.Info("Shutdown signal received, saving drafts...")
		close(teardown)
	}()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go logEvents(runCtx, s)

	logger.Info("Sync engine running", "server", s.cfg.ServerURL, "db", s.cfg.DBPath)
	err = s.engine.Run(runCtx, engine.Signals{Teardown: teardown})

	if metricsServer != nil {
		shutdownCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
		_ = metricsServer.Shutdown(shutdownCtx)
		stop()
	}
	return err
}

// logEvents reports autosave outcomes until ctx is done.
func logEvents(ctx context.Context, s *session) {
	logger := s.logger
	events := s.engine.Events()
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-events:
			logger.Info("Draft sync event",
				"offline_id", ev.OfflineID,
				"kind", ev.Kind,
				"state", ev.State,
				"message", ev.Message,
			)
		}
	}
}
