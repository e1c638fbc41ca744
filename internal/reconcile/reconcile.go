// Package reconcile maps client-generated identifiers to the permanent ones
// the server assigns.
//
// Photos are given a local id the moment they are selected, and report
// payloads refer to them by that id until a save or upload acknowledgement
// names the permanent id. Commit and CommitPhotoUpload rewrite the stored
// draft and photo records in the same transaction that removes the
// acknowledged queue entry.
package reconcile

import (
	"context"
	"log/slog"

	"github.com/google/uuid"

	"github.com/DukeRupert/fieldsync/internal/domain"
	"github.com/DukeRupert/fieldsync/internal/localstore"
	"github.com/DukeRupert/fieldsync/internal/syncapi"
)

// NewOfflineID returns a fresh draft identifier.
func NewOfflineID() string {
	return uuid.NewString()
}

// NewLocalPhotoID returns a fresh photo identifier.
func NewLocalPhotoID() string {
	return uuid.NewString()
}

// BuildSaveRequest renders a draft snapshot as a save request.
//
// photos is the current set of photo records for the draft. A photo marked
// for deletion is sent with MarkedForDeletion set, whether or not the draft
// still lists it, until its delete is acknowledged; the server then drops it
// even if the delete has not arrived yet. Refs whose photo record is gone are
// left out unless they carry a permanent id, and a permanent id is used
// wherever one is known. Order is the position among the photos still shown.
func BuildSaveRequest(r domain.Report, photos []domain.Photo) syncapi.SaveReportRequest {
	byID := make(map[string]*domain.Photo, len(photos))
	for i := range photos {
		byID[photos[i].LocalPhotoID] = &photos[i]
	}

	refs := make([]syncapi.PhotoRef, 0, len(r.PhotoRefs))
	listed := make(map[string]bool, len(r.PhotoRefs))
	order := 0
	for _, ref := range r.PhotoRefs {
		listed[ref.LocalPhotoID] = true
		p, ok := byID[ref.LocalPhotoID]
		permanent := ref.PermanentPhotoID
		if permanent == "" && ok {
			permanent = p.PermanentPhotoID
		}
		if !ok && permanent == "" {
			continue
		}

		out := syncapi.PhotoRef{
			LocalPhotoID:  ref.LocalPhotoID,
			Caption:       ref.Caption,
			LocationLabel: ref.LocationLabel,
		}
		if permanent != "" {
			out.PermanentPhotoID = &permanent
		}
		if ok && p.IsMarkedForDeletion() {
			out.MarkedForDeletion = true
		} else {
			out.Order = order
			order++
		}
		refs = append(refs, out)
	}
	for _, p := range photos {
		if !p.IsMarkedForDeletion() || listed[p.LocalPhotoID] {
			continue
		}
		out := syncapi.PhotoRef{LocalPhotoID: p.LocalPhotoID, MarkedForDeletion: true}
		if p.PermanentPhotoID != "" {
			permanent := p.PermanentPhotoID
			out.PermanentPhotoID = &permanent
		}
		refs = append(refs, out)
	}

	checklist := r.Checklist
	if checklist == nil {
		checklist = []domain.ChecklistItem{}
	}
	attendees := r.Attendees
	if attendees == nil {
		attendees = []domain.Attendee{}
	}

	return syncapi.SaveReportRequest{
		OfflineID:    r.OfflineID,
		ReportID:     r.ID,
		Revision:     r.Revision,
		Fields:       r.Fields,
		Checklist:    checklist,
		Attendees:    attendees,
		Photos:       refs,
		LastEditedAt: r.LastEditedAt,
	}
}

// ApplyMappings writes permanent ids into the draft's refs and the matching
// photo records. It returns the photos it changed and the local ids of
// mappings that matched no photo.
func ApplyMappings(r *domain.Report, photos []domain.Photo, mappings []syncapi.PhotoMapping) (changed []domain.Photo, unknown []string) {
	byID := make(map[string]int, len(photos))
	for i := range photos {
		byID[photos[i].LocalPhotoID] = i
	}

	for _, m := range mappings {
		if m.PermanentPhotoID == "" {
			continue
		}
		ref := r.PhotoRefIndex(m.LocalPhotoID)
		if ref >= 0 {
			r.PhotoRefs[ref].PermanentPhotoID = m.PermanentPhotoID
		}

		idx, ok := byID[m.LocalPhotoID]
		if !ok {
			// Pruned photos are still referenced by the draft.
			if ref < 0 {
				unknown = append(unknown, m.LocalPhotoID)
			}
			continue
		}
		p := photos[idx]
		if p.PermanentPhotoID == m.PermanentPhotoID && (p.IsUploaded() || p.IsMarkedForDeletion()) {
			continue
		}
		if !setPermanentID(&p, m.PermanentPhotoID) {
			unknown = append(unknown, m.LocalPhotoID)
			continue
		}
		changed = append(changed, p)
	}
	return changed, unknown
}

// setPermanentID records a permanent id on p. A photo the user already
// removed keeps its state so the queued delete still runs.
func setPermanentID(p *domain.Photo, permanentID string) bool {
	if p.IsMarkedForDeletion() {
		p.PermanentPhotoID = permanentID
		return true
	}
	return p.MarkUploaded(permanentID) == nil
}

// Commit records a save acknowledgement for the snapshot sent.
//
// In one transaction it assigns the server identity, acknowledges the sent
// revision, applies photo mappings, and removes queue entry queueID when it
// is non-zero. Edits made while the save was in flight keep the draft dirty
// (or queued, if a later save is already waiting). Mappings for unknown
// photos are logged and ignored.
func Commit(ctx context.Context, store *localstore.Store, sent domain.Report, resp *syncapi.SaveReportResponse, queueID int64, logger *slog.Logger) (*domain.Report, error) {
	const op = "reconcile.commit"

	var (
		out     *domain.Report
		unknown []string
	)
	err := store.Update(ctx, func(q *localstore.Queries) error {
		r, err := q.GetReport(ctx, sent.OfflineID)
		if err != nil {
			return err
		}
		r.Acknowledge(resp.ReportID, sent.Revision)

		photos, err := q.PhotosByReport(ctx, sent.OfflineID)
		if err != nil {
			return err
		}
		var changed []domain.Photo
		changed, unknown = ApplyMappings(r, photos, resp.Photos)
		for i := range changed {
			if err := q.PutPhoto(ctx, &changed[i]); err != nil {
				return err
			}
		}

		if queueID > 0 {
			if err := q.DeleteMutation(ctx, queueID); err != nil {
				return err
			}
		}
		if r.IsUnacknowledged() {
			if err := markQueuedIfWaiting(ctx, q, r); err != nil {
				return err
			}
		}

		if err := q.PutReport(ctx, r); err != nil {
			return err
		}
		out = r
		return nil
	})
	if err != nil {
		return nil, err
	}

	for _, id := range unknown {
		logger.Warn("ignoring photo mapping",
			"offline_id", sent.OfflineID,
			"local_photo_id", id,
			"error", domain.ReconciliationMismatch(op, id),
		)
	}
	return out, nil
}

func markQueuedIfWaiting(ctx context.Context, q *localstore.Queries, r *domain.Report) error {
	tail, err := q.TailMutation(ctx, r.OfflineID)
	if err != nil {
		return err
	}
	if tail != nil && tail.Kind.IsReportSave() {
		r.SyncState = domain.SyncStateQueued
	}
	return nil
}

// CommitPhotoUpload records an upload acknowledgement and removes queue entry
// queueID when it is non-zero.
//
// If the server reports the photo as deleted, the local record is marked for
// deletion. If the local record is gone, the acknowledgement is logged and
// ignored. The returned photo is nil in that case.
func CommitPhotoUpload(ctx context.Context, store *localstore.Store, localPhotoID string, resp *syncapi.UploadPhotoResponse, queueID int64, logger *slog.Logger) (*domain.Photo, error) {
	const op = "reconcile.commit_photo_upload"

	var (
		out     *domain.Photo
		missing bool
	)
	err := store.Update(ctx, func(q *localstore.Queries) error {
		if queueID > 0 {
			if err := q.DeleteMutation(ctx, queueID); err != nil {
				return err
			}
		}

		p, err := q.GetPhoto(ctx, localPhotoID)
		if domain.IsNotFound(err) {
			missing = true
			return nil
		}
		if err != nil {
			return err
		}

		if resp.Deleted {
			p.MarkForDeletion()
		} else if !setPermanentID(p, resp.PermanentPhotoID) {
			missing = true
			return nil
		}
		if err := q.PutPhoto(ctx, p); err != nil {
			return err
		}

		if !resp.Deleted {
			r, err := q.GetReport(ctx, p.ReportOfflineID)
			if err != nil && !domain.IsNotFound(err) {
				return err
			}
			if r != nil {
				if i := r.PhotoRefIndex(localPhotoID); i >= 0 {
					r.PhotoRefs[i].PermanentPhotoID = resp.PermanentPhotoID
					if err := q.PutReport(ctx, r); err != nil {
						return err
					}
				}
			}
		}
		out = p
		return nil
	})
	if err != nil {
		return nil, err
	}

	if missing {
		logger.Warn("ignoring upload acknowledgement",
			"local_photo_id", localPhotoID,
			"error", domain.ReconciliationMismatch(op, localPhotoID),
		)
	}
	return out, nil
}
