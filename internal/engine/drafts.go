package engine

import (
	"context"
	"time"

	"github.com/DukeRupert/fieldsync/internal/autosave"
	"github.com/DukeRupert/fieldsync/internal/domain"
	"github.com/DukeRupert/fieldsync/internal/hydrate"
	"github.com/DukeRupert/fieldsync/internal/reconcile"
)

// =============================================================================
// Drafts
// =============================================================================

// NewDraft creates a draft with a fresh offline id and schedules its first
// save. The checklist is seeded from cached reference data when a template
// matches the category.
func (e *Engine) NewDraft(ctx context.Context, fields domain.ReportFields) (*domain.Report, error) {
	if fields.Status == "" {
		fields.Status = domain.ReportStatusOpen
	}
	if !fields.Status.IsValid() {
		return nil, domain.Invalid("engine.new_draft", "unknown status "+fields.Status.String())
	}

	r := domain.NewReport(reconcile.NewOfflineID(), time.Now())
	r.Fields = fields
	if ref, err := e.store.LoadReferenceData(ctx); err == nil {
		hydrate.ApplyTemplate(r, ref)
	}
	if err := e.store.PutReport(ctx, r); err != nil {
		return nil, err
	}

	e.logger.Info("Draft created", "offline_id", r.OfflineID, "category", fields.Category)
	e.controller.NotifyFieldChanged(r.OfflineID)
	return r, nil
}

// Edit applies fn to the stored draft in one transaction and schedules a
// save. fn must not change identity or sync bookkeeping.
func (e *Engine) Edit(ctx context.Context, offlineID string, fn func(r *domain.Report) error) (*domain.Report, error) {
	r, err := e.store.EditReport(ctx, offlineID, func(r *domain.Report) error {
		id, offline, rev, acked := r.ID, r.OfflineID, r.Revision, r.AckedRevision
		if err := fn(r); err != nil {
			return err
		}
		r.ID, r.OfflineID, r.Revision, r.AckedRevision = id, offline, rev, acked
		if r.Fields.Status != "" && !r.Fields.Status.IsValid() {
			return domain.Invalid("engine.edit", "unknown status "+r.Fields.Status.String())
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	e.controller.NotifyFieldChanged(offlineID)
	return r, nil
}

// OpenDraft hydrates a draft for editing.
func (e *Engine) OpenDraft(ctx context.Context, offlineID string) (*hydrate.Form, error) {
	return e.adapter.Open(ctx, offlineID)
}

// AttachPhoto stores a photo locally and queues its upload.
func (e *Engine) AttachPhoto(ctx context.Context, offlineID string, in autosave.PhotoInput) (*domain.Photo, error) {
	return e.controller.NotifyPhotoAdded(ctx, offlineID, in)
}

// RemovePhoto removes a photo from a draft.
func (e *Engine) RemovePhoto(ctx context.Context, offlineID, localPhotoID string) error {
	return e.controller.NotifyPhotoRemoved(ctx, offlineID, localPhotoID)
}

// ForceSave saves a draft now, bypassing the debounce.
func (e *Engine) ForceSave(ctx context.Context, offlineID string) error {
	return e.controller.ForceSaveNow(ctx, offlineID)
}

// Draft returns the stored draft.
func (e *Engine) Draft(ctx context.Context, offlineID string) (*domain.Report, error) {
	return e.store.GetReport(ctx, offlineID)
}

// Drafts returns every stored draft.
func (e *Engine) Drafts(ctx context.Context) ([]domain.Report, error) {
	return e.store.ListReports(ctx)
}

// Pending returns drafts without a server identity or with unsaved edits.
func (e *Engine) Pending(ctx context.Context) ([]domain.Report, error) {
	return e.store.ListPendingDrafts(ctx)
}

// =============================================================================
// Queue
// =============================================================================

// Status is a snapshot of the engine for display.
type Status struct {
	Connectivity string
	Breaker      string
	Queue        map[domain.MutationStatus]int
	Pending      []domain.Report
	Failed       []domain.PendingMutation
}

// Status returns the current engine status.
func (e *Engine) Status(ctx context.Context) (*Status, error) {
	counts, err := e.store.QueueStats(ctx)
	if err != nil {
		return nil, err
	}
	pending, err := e.store.ListPendingDrafts(ctx)
	if err != nil {
		return nil, err
	}
	failed, err := e.store.FailedMutations(ctx)
	if err != nil {
		return nil, err
	}
	return &Status{
		Connectivity: e.monitor.State().String(),
		Breaker:      e.breaker.State().String(),
		Queue:        counts,
		Pending:      pending,
		Failed:       failed,
	}, nil
}

// Queue returns every queue entry in FIFO order.
func (e *Engine) Queue(ctx context.Context) ([]domain.PendingMutation, error) {
	return e.store.ListMutations(ctx)
}

// Failed returns the mutations that need user attention.
func (e *Engine) Failed(ctx context.Context) ([]domain.PendingMutation, error) {
	return e.store.FailedMutations(ctx)
}

// Retry puts a failed-permanent mutation back in the queue with a fresh
// attempt budget.
func (e *Engine) Retry(ctx context.Context, queueID int64) error {
	m, err := e.store.GetMutation(ctx, queueID)
	if err != nil {
		return err
	}
	if err := e.store.RetryMutation(ctx, queueID); err != nil {
		return err
	}

	switch p := m.Payload.(type) {
	case domain.ReportSavePayload:
		if _, err := e.store.SetSyncState(ctx, m.OfflineID, domain.SyncStateQueued, ""); err != nil && !domain.IsNotFound(err) {
			return err
		}
	case domain.UploadPhotoPayload:
		if err := e.resetPhoto(ctx, p.LocalPhotoID, domain.UploadStatePending); err != nil {
			return err
		}
	}

	e.logger.Info("Mutation requeued", "queue_id", queueID, "kind", m.Kind, "offline_id", m.OfflineID)
	e.processor.Trigger()
	return nil
}

// Discard drops a mutation the user gave up on. A discarded report save
// leaves the draft dirty so the next edit saves it again; a discarded upload
// leaves the photo failed.
func (e *Engine) Discard(ctx context.Context, queueID int64) error {
	m, err := e.store.GetMutation(ctx, queueID)
	if err != nil {
		return err
	}
	if err := e.store.DiscardMutation(ctx, queueID); err != nil {
		return err
	}

	switch p := m.Payload.(type) {
	case domain.ReportSavePayload:
		r, err := e.store.GetReport(ctx, m.OfflineID)
		if err != nil && !domain.IsNotFound(err) {
			return err
		}
		if r != nil && r.IsUnacknowledged() {
			if _, err := e.store.SetSyncState(ctx, m.OfflineID, domain.SyncStateDirty, ""); err != nil {
				return err
			}
		}
	case domain.UploadPhotoPayload:
		if err := e.resetPhoto(ctx, p.LocalPhotoID, domain.UploadStateFailed); err != nil {
			return err
		}
	}

	e.logger.Info("Mutation discarded", "queue_id", queueID, "kind", m.Kind, "offline_id", m.OfflineID)
	e.processor.Trigger()
	return nil
}

func (e *Engine) resetPhoto(ctx context.Context, localPhotoID string, state domain.UploadState) error {
	p, err := e.store.GetPhoto(ctx, localPhotoID)
	if domain.IsNotFound(err) {
		return nil
	}
	if err != nil {
		return err
	}
	if p.UploadState == state || !p.UploadState.CanTransitionTo(state) {
		return nil
	}
	p.UploadState = state
	return e.store.PutPhoto(ctx, p)
}
