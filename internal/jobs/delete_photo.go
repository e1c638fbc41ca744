package jobs

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/DukeRupert/fieldsync/internal/domain"
	"github.com/DukeRupert/fieldsync/internal/localstore"
	"github.com/DukeRupert/fieldsync/internal/syncapi"
	"github.com/DukeRupert/fieldsync/internal/syncqueue"
)

// DeletePhotoHandler sends queued delete_photo mutations.
type DeletePhotoHandler struct {
	store  *localstore.Store
	remote syncapi.Remote
	logger *slog.Logger
}

// NewDeletePhotoHandler creates a new handler for photo deletes.
func NewDeletePhotoHandler(store *localstore.Store, remote syncapi.Remote, logger *slog.Logger) *DeletePhotoHandler {
	return &DeletePhotoHandler{
		store:  store,
		remote: remote,
		logger: logger,
	}
}

// Kinds returns the mutation kinds this handler sends.
func (h *DeletePhotoHandler) Kinds() []domain.MutationKind {
	return []domain.MutationKind{domain.MutationDeletePhoto}
}

// Handle deletes the photo on the server by the best identity known at send
// time and then drops the local record. The server treats unknown ids as a
// no-op, so a delete that overtakes its upload still wins.
func (h *DeletePhotoHandler) Handle(ctx context.Context, m domain.PendingMutation) error {
	p, ok := m.Payload.(domain.DeletePhotoPayload)
	if !ok {
		return syncqueue.NewPermanentError(fmt.Errorf("invalid payload for %s", m.Kind))
	}

	id := p.PermanentPhotoID
	if id == "" {
		photo, err := h.store.GetPhoto(ctx, p.LocalPhotoID)
		if err != nil && !domain.IsNotFound(err) {
			return err
		}
		if photo != nil {
			id = photo.PermanentPhotoID
		}
	}
	if id == "" {
		id = p.LocalPhotoID
	}

	if err := h.remote.DeletePhoto(ctx, id); err != nil {
		return err
	}

	if err := h.store.DeletePhoto(context.WithoutCancel(ctx), p.LocalPhotoID); err != nil {
		return err
	}
	h.logger.Info("Photo deleted", "local_photo_id", p.LocalPhotoID, "photo_id", id)
	return nil
}
