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

// UploadPhotoHandler sends queued upload_photo mutations.
type UploadPhotoHandler struct {
	store  *localstore.Store
	remote syncapi.Remote
	logger *slog.Logger
}

// NewUploadPhotoHandler creates a new handler for photo uploads.
func NewUploadPhotoHandler(store *localstore.Store, remote syncapi.Remote, logger *slog.Logger) *UploadPhotoHandler {
	return &UploadPhotoHandler{
		store:  store,
		remote: remote,
		logger: logger,
	}
}

// Kinds returns the mutation kinds this handler sends.
func (h *UploadPhotoHandler) Kinds() []domain.MutationKind {
	return []domain.MutationKind{domain.MutationUploadPhoto}
}

// Handle uploads the photo blob under its local id.
func (h *UploadPhotoHandler) Handle(ctx context.Context, m domain.PendingMutation) error {
	p, ok := m.Payload.(domain.UploadPhotoPayload)
	if !ok {
		return syncqueue.NewPermanentError(fmt.Errorf("invalid payload for %s", m.Kind))
	}

	photo, err := h.store.GetPhoto(ctx, p.LocalPhotoID)
	if domain.IsNotFound(err) {
		h.logger.Info("Photo removed before upload", "local_photo_id", p.LocalPhotoID)
		return nil
	}
	if err != nil {
		return err
	}

	switch {
	case photo.IsMarkedForDeletion():
		h.logger.Info("Skipping upload of removed photo", "local_photo_id", p.LocalPhotoID)
		return nil
	case photo.IsUploaded():
		h.logger.Debug("Photo already reconciled", "local_photo_id", p.LocalPhotoID)
		return nil
	}

	blob, err := h.store.PhotoBlob(ctx, photo)
	if domain.IsNotFound(err) {
		return syncqueue.NewPermanentError(fmt.Errorf("photo %s has no stored blob", p.LocalPhotoID))
	}
	if err != nil {
		return err
	}

	resp, err := h.remote.UploadPhoto(ctx, syncapi.UploadPhotoRequest{
		LocalPhotoID:    photo.LocalPhotoID,
		ReportOfflineID: photo.ReportOfflineID,
		Filename:        photo.Metadata.Filename,
		ContentType:     photo.Metadata.MimeType,
		Caption:         photo.Caption,
		Data:            blob,
	})
	if err != nil {
		return err
	}

	h.logger.Info("Photo uploaded",
		"local_photo_id", photo.LocalPhotoID,
		"permanent_photo_id", resp.PermanentPhotoID,
		"deleted", resp.Deleted,
		"size", photo.Metadata.SizeBytes,
	)
	_, err = reconcile.CommitPhotoUpload(context.WithoutCancel(ctx), h.store, photo.LocalPhotoID, resp, m.QueueID, h.logger)
	return err
}
