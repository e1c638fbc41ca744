package hydrate

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/sethvargo/go-retry"
	"golang.org/x/sync/singleflight"

	"github.com/DukeRupert/fieldsync/internal/domain"
	"github.com/DukeRupert/fieldsync/internal/localstore"
	"github.com/DukeRupert/fieldsync/internal/syncapi"
)

// RefreshConfig bounds the retries of a reference data fetch.
type RefreshConfig struct {
	MaxRetries  uint64        // Retries after the first attempt
	BackoffBase time.Duration // First retry delay, doubled per retry
	BackoffMax  time.Duration // Cap on a single delay
	Timeout     time.Duration // Bound on one attempt
}

// DefaultRefreshConfig returns the default configuration.
func DefaultRefreshConfig() RefreshConfig {
	return RefreshConfig{
		MaxRetries:  3,
		BackoffBase: 500 * time.Millisecond,
		BackoffMax:  5 * time.Second,
		Timeout:     10 * time.Second,
	}
}

// Validate checks the configuration.
func (c RefreshConfig) Validate() error {
	if c.BackoffBase <= 0 {
		return fmt.Errorf("backoff base must be positive, got %v", c.BackoffBase)
	}
	if c.BackoffMax < c.BackoffBase {
		return fmt.Errorf("backoff max (%v) must not be below backoff base (%v)", c.BackoffMax, c.BackoffBase)
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive, got %v", c.Timeout)
	}
	return nil
}

// Refresher downloads reference data and writes it to the local cache.
// Concurrent refreshes share one fetch.
type Refresher struct {
	store  *localstore.Store
	remote syncapi.Remote
	config RefreshConfig
	logger *slog.Logger
	now    func() time.Time

	group singleflight.Group
}

// NewRefresher creates a refresher.
func NewRefresher(store *localstore.Store, remote syncapi.Remote, config RefreshConfig, logger *slog.Logger) (*Refresher, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &Refresher{
		store:  store,
		remote: remote,
		config: config,
		logger: logger.With("component", "reference_refresh"),
		now:    time.Now,
	}, nil
}

// Refresh fetches the snapshot, retrying transient failures, and replaces
// the cache with it.
func (r *Refresher) Refresh(ctx context.Context) (*domain.ReferenceData, error) {
	v, err, shared := r.group.Do("reference", func() (any, error) {
		return r.refresh(ctx)
	})
	if err != nil {
		return nil, err
	}
	if shared {
		r.logger.Debug("Shared in-flight reference refresh")
	}
	return v.(*domain.ReferenceData), nil
}

func (r *Refresher) refresh(ctx context.Context) (*domain.ReferenceData, error) {
	b := retry.NewExponential(r.config.BackoffBase)
	b = retry.WithCappedDuration(r.config.BackoffMax, b)
	b = retry.WithMaxRetries(r.config.MaxRetries, b)

	var data *domain.ReferenceData
	attempt := 0
	err := retry.Do(ctx, b, func(ctx context.Context) error {
		attempt++
		reqCtx, cancel := context.WithTimeout(ctx, r.config.Timeout)
		defer cancel()

		d, err := r.remote.FetchReference(reqCtx)
		if err != nil {
			if domain.IsTransient(err) {
				r.logger.Debug("Reference fetch failed, retrying", "attempt", attempt, "error", err)
				return retry.RetryableError(err)
			}
			return err
		}
		data = d
		return nil
	})
	if err != nil {
		r.logger.Warn("Failed to refresh reference data", "attempts", attempt, "error", err)
		return nil, err
	}

	data.FetchedAt = r.now()
	if err := r.store.SaveReferenceData(context.WithoutCancel(ctx), data); err != nil {
		return nil, err
	}
	r.logger.Info("Reference data refreshed",
		"projects", len(data.Projects),
		"checklist_templates", len(data.ChecklistTemplates),
		"staff", len(data.StaffRoster),
	)
	return data, nil
}
