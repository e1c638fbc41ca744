package autosave

import (
	"bytes"
	"context"
	"time"

	"github.com/DukeRupert/fieldsync/internal/domain"
	"github.com/DukeRupert/fieldsync/internal/localstore"
	"github.com/DukeRupert/fieldsync/internal/reconcile"
	"github.com/DukeRupert/fieldsync/internal/storage"
	"github.com/DukeRupert/fieldsync/internal/syncapi"
)

// PhotoInput is an image the user attached to a draft.
type PhotoInput struct {
	Filename      string
	ContentType   string // Detected from Filename and Data when empty
	Caption       string
	LocationLabel string
	Data          []byte
}

// NotifyPhotoAdded stores the photo under a new local id, adds it to the
// draft, queues its upload, and saves the draft without waiting for the
// debounce.
func (c *Controller) NotifyPhotoAdded(ctx context.Context, offlineID string, in PhotoInput) (*domain.Photo, error) {
	const op = "autosave.photo_added"
	start := time.Now()

	if err := domain.ValidatePhotoSize(int64(len(in.Data))); err != nil {
		return nil, err
	}
	contentType := storage.DetectContentType(in.ContentType, in.Filename, bytes.NewReader(in.Data))
	if !storage.IsAllowedImageType(contentType) {
		return nil, domain.Invalid(op, "unsupported image type "+contentType)
	}

	p := &domain.Photo{
		LocalPhotoID:    reconcile.NewLocalPhotoID(),
		ReportOfflineID: offlineID,
		Caption:         in.Caption,
		LocationLabel:   in.LocationLabel,
		Metadata: domain.PhotoMetadata{
			Filename: in.Filename,
			MimeType: contentType,
			Digest:   syncapi.Digest(in.Data),
		},
		UploadState: domain.UploadStatePending,
	}
	if err := c.store.WritePhotoBlob(ctx, p, in.Data); err != nil {
		if domain.IsStorageUnavailable(err) {
			c.storageWarning(offlineID, err, start)
		}
		return nil, err
	}

	err := c.store.Update(ctx, func(q *localstore.Queries) error {
		r, err := q.GetReport(ctx, offlineID)
		if err != nil {
			return err
		}
		p.CreatedAt = q.Now()
		if err := q.PutPhoto(ctx, p); err != nil {
			return err
		}
		r.AddPhotoRef(p.Ref())
		r.Touch(p.CreatedAt)
		if err := q.PutReport(ctx, r); err != nil {
			return err
		}
		_, err = q.InsertMutation(ctx, domain.NewPendingMutation(offlineID, domain.UploadPhotoPayload{
			LocalPhotoID:    p.LocalPhotoID,
			ReportOfflineID: offlineID,
		}, p.CreatedAt))
		return err
	})
	if err != nil {
		c.store.DiscardPhotoBlob(ctx, p)
		if domain.IsStorageUnavailable(err) {
			c.storageWarning(offlineID, err, start)
		}
		return nil, err
	}

	c.logger.Info("Photo attached",
		"offline_id", offlineID,
		"local_photo_id", p.LocalPhotoID,
		"content_type", contentType,
		"size", p.Metadata.SizeBytes,
	)
	c.trigger()
	c.kick(offlineID)
	return p, nil
}

// NotifyPhotoRemoved removes the photo from the draft and saves it without
// waiting for the debounce.
//
// If the photo's upload was never attempted, the upload and the photo are
// dropped locally and the server never hears of it. Otherwise the photo is
// marked for deletion and a delete is queued behind the upload.
func (c *Controller) NotifyPhotoRemoved(ctx context.Context, offlineID, localPhotoID string) error {
	start := time.Now()

	var dropped, queued bool
	err := c.store.Update(ctx, func(q *localstore.Queries) error {
		r, err := q.GetReport(ctx, offlineID)
		if err != nil {
			return err
		}
		var permanentID string
		if i := r.PhotoRefIndex(localPhotoID); i >= 0 {
			permanentID = r.PhotoRefs[i].PermanentPhotoID
			r.RemovePhotoRef(localPhotoID)
			r.Touch(q.Now())
			if err := q.PutReport(ctx, r); err != nil {
				return err
			}
		}

		p, err := q.GetPhoto(ctx, localPhotoID)
		switch {
		case domain.IsNotFound(err):
			// Pruned after upload; only the ref knows the server id.
			if permanentID == "" {
				return nil
			}
		case err != nil:
			return err
		case p.IsMarkedForDeletion():
			return nil
		default:
			dropped, err = dropUnsentUpload(ctx, q, offlineID, localPhotoID)
			if err != nil {
				return err
			}
			p.MarkForDeletion()
			if err := q.PutPhoto(ctx, p); err != nil {
				return err
			}
			if dropped {
				return nil
			}
			if p.PermanentPhotoID != "" {
				permanentID = p.PermanentPhotoID
			}
		}

		queued = true
		_, err = q.InsertMutation(ctx, domain.NewPendingMutation(offlineID, domain.DeletePhotoPayload{
			LocalPhotoID:     localPhotoID,
			PermanentPhotoID: permanentID,
			ReportOfflineID:  offlineID,
		}, q.Now()))
		return err
	})
	if err != nil {
		if domain.IsStorageUnavailable(err) {
			c.storageWarning(offlineID, err, start)
		}
		return err
	}

	if dropped {
		if err := c.store.DeletePhoto(ctx, localPhotoID); err != nil {
			c.logger.Warn("Failed to delete unsent photo", "local_photo_id", localPhotoID, "error", err)
		}
	}
	c.logger.Info("Photo removed",
		"offline_id", offlineID,
		"local_photo_id", localPhotoID,
		"upload_cancelled", dropped,
		"delete_queued", queued,
	)
	if queued {
		c.trigger()
	}
	c.kick(offlineID)
	return nil
}

// dropUnsentUpload deletes the photo's upload entry if it was never attempted.
func dropUnsentUpload(ctx context.Context, q *localstore.Queries, offlineID, localPhotoID string) (bool, error) {
	entries, err := q.MutationsByDraft(ctx, offlineID)
	if err != nil {
		return false, err
	}
	for _, m := range entries {
		up, ok := m.Payload.(domain.UploadPhotoPayload)
		if !ok || up.LocalPhotoID != localPhotoID {
			continue
		}
		if m.Status != domain.MutationStatusPending || m.AttemptCount > 0 {
			return false, nil
		}
		return true, q.DeleteMutation(ctx, m.QueueID)
	}
	return false, nil
}
