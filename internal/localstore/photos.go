package localstore

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"

	"github.com/DukeRupert/fieldsync/internal/domain"
	"github.com/DukeRupert/fieldsync/internal/storage"
)

// =============================================================================
// Queries: photos collection
// =============================================================================

// PutPhoto inserts or replaces a photo record. The blob is not touched.
func (q *Queries) PutPhoto(ctx context.Context, p *domain.Photo) error {
	const op = "localstore.put_photo"

	if p.LocalPhotoID == "" || p.ReportOfflineID == "" {
		return domain.Invalid(op, "local photo id and report offline id are required")
	}
	if !p.UploadState.IsValid() {
		return domain.Errorf(domain.EINVALID, op, "invalid upload state %q", p.UploadState)
	}

	data, err := json.Marshal(p)
	if err != nil {
		return domain.Internal(err, op, "failed to encode photo")
	}

	_, err = q.db.ExecContext(ctx, `
		INSERT INTO photos (local_photo_id, report_offline_id, permanent_photo_id, upload_state, blob_key, data, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (local_photo_id) DO UPDATE SET
			permanent_photo_id = excluded.permanent_photo_id,
			upload_state = excluded.upload_state,
			blob_key = excluded.blob_key,
			data = excluded.data`,
		p.LocalPhotoID, p.ReportOfflineID, p.PermanentPhotoID, string(p.UploadState), p.BlobKey, string(data), unixNano(p.CreatedAt),
	)
	return wrap(err, op)
}

// GetPhoto returns the photo record with the given local id.
func (q *Queries) GetPhoto(ctx context.Context, localPhotoID string) (*domain.Photo, error) {
	const op = "localstore.get_photo"

	var data string
	err := q.db.QueryRowContext(ctx, `SELECT data FROM photos WHERE local_photo_id = ?`, localPhotoID).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.NotFound(op, "photo", localPhotoID)
	}
	if err != nil {
		return nil, wrap(err, op)
	}
	return decodePhoto(data, op)
}

// ListPhotos returns every photo record.
func (q *Queries) ListPhotos(ctx context.Context) ([]domain.Photo, error) {
	return q.queryPhotos(ctx, "localstore.list_photos",
		`SELECT data FROM photos ORDER BY created_at, local_photo_id`)
}

// PhotosByReport returns the photos of one draft in attach order.
func (q *Queries) PhotosByReport(ctx context.Context, offlineID string) ([]domain.Photo, error) {
	return q.queryPhotos(ctx, "localstore.photos_by_report",
		`SELECT data FROM photos WHERE report_offline_id = ? ORDER BY created_at, local_photo_id`, offlineID)
}

// DeletePhoto removes a photo record.
func (q *Queries) DeletePhoto(ctx context.Context, localPhotoID string) error {
	_, err := q.db.ExecContext(ctx, `DELETE FROM photos WHERE local_photo_id = ?`, localPhotoID)
	return wrap(err, "localstore.delete_photo")
}

func (q *Queries) queryPhotos(ctx context.Context, op, query string, args ...any) ([]domain.Photo, error) {
	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, wrap(err, op)
	}
	defer rows.Close()

	var out []domain.Photo
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, wrap(err, op)
		}
		p, err := decodePhoto(data, op)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, wrap(rows.Err(), op)
}

func decodePhoto(data, op string) (*domain.Photo, error) {
	var p domain.Photo
	if err := json.Unmarshal([]byte(data), &p); err != nil {
		return nil, domain.StorageUnavailable(err, op)
	}
	return &p, nil
}

// =============================================================================
// Store: photos and blobs
// =============================================================================

// WritePhotoBlob stores the photo bytes and sets p.BlobKey. The record is
// not written; callers persist it in the same Update that references it.
func (s *Store) WritePhotoBlob(ctx context.Context, p *domain.Photo, blob []byte) error {
	const op = "localstore.write_photo_blob"

	blobs, err := s.blobStore()
	if err != nil {
		return err
	}

	key := storage.DraftPhotoKey(p.ReportOfflineID, p.LocalPhotoID, p.Metadata.MimeType)
	err = blobs.Put(ctx, key, bytes.NewReader(blob), storage.PutOptions{
		ContentType: p.Metadata.MimeType,
		MaxSize:     domain.MaxPhotoSize,
		Overwrite:   true,
	})
	if err != nil {
		if storage.IsTooLarge(err) {
			return domain.Errorf(domain.ETOOLARGE, op, "photo exceeds %s", domain.FormatBytes(domain.MaxPhotoSize))
		}
		return domain.StorageUnavailable(err, op)
	}
	p.BlobKey = key
	p.Metadata.SizeBytes = int64(len(blob))
	return nil
}

// DiscardPhotoBlob removes a blob written by WritePhotoBlob whose record was
// never committed. Failures are logged and the blob is left behind.
func (s *Store) DiscardPhotoBlob(ctx context.Context, p *domain.Photo) {
	s.removeBlob(context.WithoutCancel(ctx), p)
}

// PhotoBlob reads the bytes of a stored photo.
func (s *Store) PhotoBlob(ctx context.Context, p *domain.Photo) ([]byte, error) {
	const op = "localstore.photo_blob"

	blobs, err := s.blobStore()
	if err != nil {
		return nil, err
	}
	data, _, err := storage.ReadAll(ctx, blobs, p.BlobKey)
	if err != nil {
		if storage.IsNotFound(err) {
			return nil, domain.NotFound(op, "photo blob", p.LocalPhotoID)
		}
		return nil, domain.StorageUnavailable(err, op)
	}
	return data, nil
}

// PutPhoto inserts or replaces a photo record.
func (s *Store) PutPhoto(ctx context.Context, p *domain.Photo) error {
	return s.view(func(q *Queries) error { return q.PutPhoto(ctx, p) })
}

// GetPhoto returns the photo record with the given local id.
func (s *Store) GetPhoto(ctx context.Context, localPhotoID string) (*domain.Photo, error) {
	return read(s, func(q *Queries) (*domain.Photo, error) { return q.GetPhoto(ctx, localPhotoID) })
}

// ListPhotos returns every photo record.
func (s *Store) ListPhotos(ctx context.Context) ([]domain.Photo, error) {
	return read(s, func(q *Queries) ([]domain.Photo, error) { return q.ListPhotos(ctx) })
}

// PhotosByReport returns the photos of one draft in attach order.
func (s *Store) PhotosByReport(ctx context.Context, offlineID string) ([]domain.Photo, error) {
	return read(s, func(q *Queries) ([]domain.Photo, error) { return q.PhotosByReport(ctx, offlineID) })
}

// DeletePhoto removes the record and then the blob. A blob that cannot be
// removed is logged and left behind.
func (s *Store) DeletePhoto(ctx context.Context, localPhotoID string) error {
	p, err := s.GetPhoto(ctx, localPhotoID)
	if domain.IsNotFound(err) {
		return nil
	}
	if err != nil {
		return err
	}

	if err := s.view(func(q *Queries) error { return q.DeletePhoto(ctx, localPhotoID) }); err != nil {
		return err
	}
	s.removeBlob(ctx, p)
	return nil
}

// PrunePhotos removes photos that no longer need to be kept on the device:
// the draft has a server identity and the photo is either acknowledged or
// abandoned, with no queued mutation still referring to it. It returns the
// number of photos removed.
func (s *Store) PrunePhotos(ctx context.Context, offlineID string) (int, error) {
	var pruned []domain.Photo
	err := s.Update(ctx, func(q *Queries) error {
		r, err := q.GetReport(ctx, offlineID)
		if err != nil {
			return err
		}
		if !r.HasServerID() {
			return nil
		}
		outstanding, err := q.CountOutstanding(ctx, offlineID)
		if err != nil {
			return err
		}
		if outstanding > 0 {
			return nil
		}
		photos, err := q.PhotosByReport(ctx, offlineID)
		if err != nil {
			return err
		}
		for _, p := range photos {
			if !p.IsUploaded() && p.UploadState != domain.UploadStateFailed {
				continue
			}
			if err := q.DeletePhoto(ctx, p.LocalPhotoID); err != nil {
				return err
			}
			pruned = append(pruned, p)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	for i := range pruned {
		s.removeBlob(ctx, &pruned[i])
	}
	return len(pruned), nil
}

func (s *Store) removeBlob(ctx context.Context, p *domain.Photo) {
	if p.BlobKey == "" {
		return
	}
	blobs, err := s.blobStore()
	if err != nil {
		return
	}
	if err := blobs.Delete(ctx, p.BlobKey); err != nil {
		s.logger.Warn("failed to remove photo blob",
			"local_photo_id", p.LocalPhotoID,
			"blob_key", p.BlobKey,
			"error", err,
		)
	}
}
