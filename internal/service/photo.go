// Package service contains the sync server's business logic.
//
// This file implements photo uploads and deletes. Uploads are keyed by the
// client's local photo id so a retried upload never stores a second copy,
// and deletes leave a tombstone so an upload that arrives late is dropped.
package service

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/DukeRupert/fieldsync/internal/domain"
	"github.com/DukeRupert/fieldsync/internal/metrics"
	"github.com/DukeRupert/fieldsync/internal/repository"
	"github.com/DukeRupert/fieldsync/internal/storage"
	"github.com/DukeRupert/fieldsync/internal/syncapi"
)

// PhotoURLExpiry is the lifetime of URLs returned with upload acknowledgements.
const PhotoURLExpiry = time.Hour

// =============================================================================
// Interface Definition
// =============================================================================

// PhotoService defines photo operations.
type PhotoService interface {
	// Upload stores a photo and returns its permanent id. Uploading the same
	// local id again returns the stored photo. A tombstoned id answers with
	// Deleted set and stores nothing. digest, when not empty, must match the
	// blake2b-256 hex digest of the data.
	// Returns domain.EINVALID for validation errors.
	Upload(ctx context.Context, req syncapi.UploadPhotoRequest, digest string) (*syncapi.UploadPhotoResponse, error)

	// Delete removes the photo with the given permanent or local id and
	// tombstones both. Unknown ids are tombstoned too.
	Delete(ctx context.Context, photoID string) error
}

// =============================================================================
// Implementation
// =============================================================================

type photoService struct {
	repo               repository.Repository
	storage            storage.Storage
	thumbnailProcessor ThumbnailProcessor
	logger             *slog.Logger
}

// NewPhotoService creates a new PhotoService.
func NewPhotoService(
	repo repository.Repository,
	storage storage.Storage,
	thumbnailProcessor ThumbnailProcessor,
	logger *slog.Logger,
) PhotoService {
	return &photoService{
		repo:               repo,
		storage:            storage,
		thumbnailProcessor: thumbnailProcessor,
		logger:             logger,
	}
}

// =============================================================================
// Upload
// =============================================================================

func (s *photoService) Upload(ctx context.Context, req syncapi.UploadPhotoRequest, digest string) (*syncapi.UploadPhotoResponse, error) {
	const op = "photo.upload"

	if req.LocalPhotoID == "" {
		return nil, domain.NewValidationError(op, "local_photo_id", "Local photo id is required")
	}

	dead, err := s.repo.IsTombstoned(ctx, req.LocalPhotoID)
	if err != nil {
		return nil, domain.Internal(err, op, "failed to check tombstone")
	}
	if dead {
		metrics.PhotosStored.WithLabelValues("tombstoned").Inc()
		s.logger.Info("Dropped upload of deleted photo", "local_photo_id", req.LocalPhotoID)
		return &syncapi.UploadPhotoResponse{LocalPhotoID: req.LocalPhotoID, Deleted: true}, nil
	}

	existing, err := s.repo.GetPhotoByLocalID(ctx, req.LocalPhotoID)
	if err == nil {
		metrics.PhotosStored.WithLabelValues("duplicate").Inc()
		return s.response(ctx, existing), nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, domain.Internal(err, op, "failed to look up photo")
	}

	if req.ReportOfflineID == "" {
		return nil, domain.NewValidationError(op, "report_offline_id", "Report offline id is required")
	}
	if err := domain.ValidatePhotoSize(int64(len(req.Data))); err != nil {
		return nil, err
	}
	contentType := storage.DetectContentType(req.ContentType, req.Filename, bytes.NewReader(req.Data))
	if !storage.IsAllowedImageType(contentType) {
		return nil, domain.Invalid(op, fmt.Sprintf("Unsupported image type: %s", contentType))
	}
	if digest != "" && digest != syncapi.Digest(req.Data) {
		return nil, domain.Invalid(op, "Content digest does not match the uploaded data")
	}

	photo := repository.Photo{
		ID:              uuid.NewString(),
		LocalPhotoID:    req.LocalPhotoID,
		ReportOfflineID: req.ReportOfflineID,
		Filename:        req.Filename,
		ContentType:     contentType,
		Caption:         req.Caption,
		SizeBytes:       int64(len(req.Data)),
		Digest:          syncapi.Digest(req.Data),
	}
	photo.StorageKey = storage.PhotoKey(photo.ReportOfflineID, photo.ID, contentType)

	if err := s.storage.Put(ctx, photo.StorageKey, bytes.NewReader(req.Data), storage.PutOptions{
		ContentType: contentType,
		MaxSize:     domain.MaxPhotoSize,
	}); err != nil {
		return nil, domain.Internal(err, op, "failed to store photo")
	}

	// Thumbnails are best effort; formats the decoder cannot read are kept
	// without one.
	if storage.IsDecodableImage(contentType) {
		thumb, width, height, err := s.thumbnailProcessor.GenerateThumbnail(
			bytes.NewReader(req.Data), ThumbnailMaxWidth, ThumbnailMaxHeight)
		if err != nil {
			s.logger.Warn("Failed to generate thumbnail", "local_photo_id", req.LocalPhotoID, "error", err)
		} else {
			key := storage.ThumbnailKey(photo.ReportOfflineID, photo.ID)
			if err := s.storage.Put(ctx, key, bytes.NewReader(thumb), storage.PutOptions{
				ContentType: "image/jpeg",
			}); err != nil {
				s.deleteBlobs(ctx, photo)
				return nil, domain.Internal(err, op, "failed to store thumbnail")
			}
			photo.ThumbnailKey = key
			photo.Width, photo.Height = width, height
		}
	}

	stored, inserted, err := s.repo.CreatePhoto(ctx, photo)
	if err != nil {
		s.deleteBlobs(ctx, photo)
		return nil, domain.Internal(err, op, "failed to create photo record")
	}
	if !inserted {
		// A concurrent upload of the same photo won.
		s.deleteBlobs(ctx, photo)
		metrics.PhotosStored.WithLabelValues("duplicate").Inc()
		return s.response(ctx, stored), nil
	}

	metrics.PhotosStored.WithLabelValues("stored").Inc()
	s.logger.Info("Photo stored",
		"local_photo_id", stored.LocalPhotoID,
		"photo_id", stored.ID,
		"offline_id", stored.ReportOfflineID,
		"size", domain.FormatBytes(stored.SizeBytes),
	)
	return s.response(ctx, stored), nil
}

func (s *photoService) response(ctx context.Context, p repository.Photo) *syncapi.UploadPhotoResponse {
	resp := &syncapi.UploadPhotoResponse{
		LocalPhotoID:     p.LocalPhotoID,
		PermanentPhotoID: p.ID,
	}
	url, err := s.storage.URL(ctx, p.StorageKey, PhotoURLExpiry)
	if err != nil {
		s.logger.Warn("Failed to build photo URL", "photo_id", p.ID, "error", err)
	} else {
		resp.URL = url
	}
	return resp
}

// =============================================================================
// Delete
// =============================================================================

func (s *photoService) Delete(ctx context.Context, photoID string) error {
	const op = "photo.delete"

	if photoID == "" {
		return domain.NewValidationError(op, "id", "Photo id is required")
	}

	photo, found, err := s.find(ctx, photoID)
	if err != nil {
		return domain.Internal(err, op, "failed to look up photo")
	}

	// Tombstone first so an upload racing this delete is dropped.
	ids := []string{photoID}
	if found {
		ids = append(ids, photo.ID, photo.LocalPhotoID)
	}
	if err := s.repo.AddTombstones(ctx, ids...); err != nil {
		return domain.Internal(err, op, "failed to record tombstone")
	}
	if !found {
		s.logger.Info("Tombstoned unknown photo", "photo_id", photoID)
		return nil
	}

	s.deleteBlobs(ctx, photo)
	if err := s.repo.DeletePhoto(ctx, photo.ID); err != nil {
		return domain.Internal(err, op, "failed to delete photo record")
	}
	s.logger.Info("Photo deleted", "photo_id", photo.ID, "local_photo_id", photo.LocalPhotoID)
	return nil
}

// find looks photoID up as a permanent id, then as a local id.
func (s *photoService) find(ctx context.Context, photoID string) (repository.Photo, bool, error) {
	if _, err := uuid.Parse(photoID); err == nil {
		p, err := s.repo.GetPhotoByID(ctx, photoID)
		if err == nil {
			return p, true, nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return repository.Photo{}, false, err
		}
	}
	p, err := s.repo.GetPhotoByLocalID(ctx, photoID)
	if err == nil {
		return p, true, nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return repository.Photo{}, false, nil
	}
	return repository.Photo{}, false, err
}

// deleteBlobs removes a photo's objects. Failures are logged; the record
// is what clients see.
func (s *photoService) deleteBlobs(ctx context.Context, p repository.Photo) {
	for _, key := range []string{p.StorageKey, p.ThumbnailKey} {
		if key == "" {
			continue
		}
		if err := s.storage.Delete(ctx, key); err != nil && !storage.IsNotFound(err) {
			s.logger.Error("Failed to delete photo object", "key", key, "error", err)
		}
	}
}
