package jobs

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/DukeRupert/fieldsync/internal/domain"
	"github.com/DukeRupert/fieldsync/internal/localstore"
	"github.com/DukeRupert/fieldsync/internal/reconcile"
	"github.com/DukeRupert/fieldsync/internal/syncapi"
	"github.com/DukeRupert/fieldsync/internal/syncqueue"
)

// SaveReportHandler sends queued create_report and update_report mutations.
type SaveReportHandler struct {
	store  *localstore.Store
	remote syncapi.Remote
	gate   *syncqueue.Gate
	logger *slog.Logger
}

// NewSaveReportHandler creates a new handler for report save mutations.
// gate must be the one the autosave controller uses.
func NewSaveReportHandler(
	store *localstore.Store,
	remote syncapi.Remote,
	gate *syncqueue.Gate,
	logger *slog.Logger,
) *SaveReportHandler {
	return &SaveReportHandler{
		store:  store,
		remote: remote,
		gate:   gate,
		logger: logger,
	}
}

// Kinds returns the mutation kinds this handler sends.
func (h *SaveReportHandler) Kinds() []domain.MutationKind {
	return []domain.MutationKind{domain.MutationCreateReport, domain.MutationUpdateReport}
}

// Handle sends the queued snapshot and reconciles the acknowledgement.
func (h *SaveReportHandler) Handle(ctx context.Context, m domain.PendingMutation) error {
	p, ok := m.Payload.(domain.ReportSavePayload)
	if !ok {
		return syncqueue.NewPermanentError(fmt.Errorf("invalid payload for %s", m.Kind))
	}

	// Wait for an autosave of the same draft to finish.
	release, err := h.gate.Acquire(ctx, m.OfflineID)
	if err != nil {
		return domain.Transient(err, "jobs.save_report", "timed out waiting for in-flight save")
	}
	defer release()

	current, err := h.store.GetReport(ctx, m.OfflineID)
	if domain.IsNotFound(err) {
		return syncqueue.NewPermanentError(fmt.Errorf("draft %s no longer exists", m.OfflineID))
	}
	if err != nil {
		return err
	}

	snapshot := p.Report
	if current.HasServerID() && snapshot.Revision <= current.AckedRevision {
		h.logger.Info("Skipping stale report save",
			"offline_id", m.OfflineID,
			"queue_id", m.QueueID,
			"revision", snapshot.Revision,
			"acked_revision", current.AckedRevision,
		)
		return nil
	}
	// A create queued before the first acknowledgement is sent as an update.
	if snapshot.ID == "" {
		snapshot.ID = current.ID
	}

	_, err = SendReport(ctx, h.store, h.remote, snapshot, m.QueueID, h.logger)
	return err
}

// SendReport sends one snapshot of a draft and commits the acknowledgement.
// queueID is the queue entry being sent, or zero for a direct autosave. The
// caller must hold the draft's gate.
//
// While the request is in flight the draft is marked saving, unless it was
// edited after the snapshot was taken. On failure a draft still marked saving
// goes back to queued (queueID != 0) or dirty.
func SendReport(ctx context.Context, store *localstore.Store, remote syncapi.Remote, snapshot domain.Report, queueID int64, logger *slog.Logger) (*domain.Report, error) {
	photos, err := store.PhotosByReport(ctx, snapshot.OfflineID)
	if err != nil {
		return nil, err
	}
	if err := markSaving(ctx, store, snapshot); err != nil {
		return nil, err
	}

	resp, err := remote.SaveReport(ctx, reconcile.BuildSaveRequest(snapshot, photos))
	if err != nil {
		restore := domain.SyncStateDirty
		if queueID != 0 {
			restore = domain.SyncStateQueued
		}
		if rerr := unmarkSaving(context.WithoutCancel(ctx), store, snapshot.OfflineID, restore); rerr != nil {
			logger.Error("Failed to restore sync state", "offline_id", snapshot.OfflineID, "error", rerr)
		}
		return nil, err
	}

	// The server has the save; record it even if ctx expired meanwhile.
	bookCtx := context.WithoutCancel(ctx)
	r, err := reconcile.Commit(bookCtx, store, snapshot, resp, queueID, logger)
	if err != nil {
		return nil, err
	}

	if n, err := store.PrunePhotos(bookCtx, snapshot.OfflineID); err != nil {
		logger.Warn("Failed to prune photos", "offline_id", snapshot.OfflineID, "error", err)
	} else if n > 0 {
		logger.Debug("Pruned photos", "offline_id", snapshot.OfflineID, "count", n)
	}

	logger.Info("Report saved",
		"offline_id", snapshot.OfflineID,
		"report_id", r.ID,
		"revision", snapshot.Revision,
		"sync_state", r.SyncState,
	)
	return r, nil
}

func markSaving(ctx context.Context, store *localstore.Store, snapshot domain.Report) error {
	return store.Update(ctx, func(q *localstore.Queries) error {
		r, err := q.GetReport(ctx, snapshot.OfflineID)
		if err != nil {
			return err
		}
		if r.Revision != snapshot.Revision {
			return nil
		}
		r.SyncState = domain.SyncStateSaving
		return q.PutReport(ctx, r)
	})
}

func unmarkSaving(ctx context.Context, store *localstore.Store, offlineID string, state domain.SyncState) error {
	return store.Update(ctx, func(q *localstore.Queries) error {
		r, err := q.GetReport(ctx, offlineID)
		if err != nil {
			return err
		}
		if r.SyncState != domain.SyncStateSaving {
			return nil
		}
		r.SyncState = state
		return q.PutReport(ctx, r)
	})
}
