package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/DukeRupert/fieldsync/internal/domain"
)

// DBTX is satisfied by *sql.DB and *sql.Tx.
type DBTX interface {
	ExecContext(context.Context, string, ...interface{}) (sql.Result, error)
	QueryContext(context.Context, string, ...interface{}) (*sql.Rows, error)
	QueryRowContext(context.Context, string, ...interface{}) *sql.Row
}

// Queries implements Repository on Postgres.
type Queries struct {
	db DBTX
}

// New returns Postgres queries over db.
func New(db DBTX) *Queries {
	return &Queries{db: db}
}

// WithTx returns queries bound to tx.
func (q *Queries) WithTx(tx *sql.Tx) *Queries {
	return &Queries{db: tx}
}

var _ Repository = (*Queries)(nil)

// =============================================================================
// Reports
// =============================================================================

const upsertReport = `-- name: UpsertReport :one
INSERT INTO reports (id, offline_id, revision, fields, checklist, attendees, photos, last_edited_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
ON CONFLICT (offline_id) DO UPDATE SET
    revision       = EXCLUDED.revision,
    fields         = EXCLUDED.fields,
    checklist      = EXCLUDED.checklist,
    attendees      = EXCLUDED.attendees,
    photos         = EXCLUDED.photos,
    last_edited_at = EXCLUDED.last_edited_at,
    updated_at     = NOW()
RETURNING id, created_at, updated_at, (xmax = 0) AS created
`

func (q *Queries) UpsertReport(ctx context.Context, r Report) (Report, bool, error) {
	fields, err := json.Marshal(r.Fields)
	if err != nil {
		return Report{}, false, fmt.Errorf("encode fields: %w", err)
	}
	checklist, err := marshalList(r.Checklist)
	if err != nil {
		return Report{}, false, fmt.Errorf("encode checklist: %w", err)
	}
	attendees, err := marshalList(r.Attendees)
	if err != nil {
		return Report{}, false, fmt.Errorf("encode attendees: %w", err)
	}
	photos, err := marshalList(r.Photos)
	if err != nil {
		return Report{}, false, fmt.Errorf("encode photos: %w", err)
	}

	var created bool
	row := q.db.QueryRowContext(ctx, upsertReport,
		r.ID,
		r.OfflineID,
		r.Revision,
		fields,
		checklist,
		attendees,
		photos,
		r.LastEditedAt,
	)
	if err := row.Scan(&r.ID, &r.CreatedAt, &r.UpdatedAt, &created); err != nil {
		return Report{}, false, err
	}
	return r, created, nil
}

const getReportByOfflineID = `-- name: GetReportByOfflineID :one
SELECT id, offline_id, revision, fields, checklist, attendees, photos, last_edited_at, created_at, updated_at
FROM reports
WHERE offline_id = $1
`

func (q *Queries) GetReportByOfflineID(ctx context.Context, offlineID string) (Report, error) {
	row := q.db.QueryRowContext(ctx, getReportByOfflineID, offlineID)

	var (
		r                                    Report
		fields, checklist, attendees, photos []byte
	)
	if err := row.Scan(
		&r.ID,
		&r.OfflineID,
		&r.Revision,
		&fields,
		&checklist,
		&attendees,
		&photos,
		&r.LastEditedAt,
		&r.CreatedAt,
		&r.UpdatedAt,
	); err != nil {
		return Report{}, err
	}
	if err := json.Unmarshal(fields, &r.Fields); err != nil {
		return Report{}, fmt.Errorf("decode fields: %w", err)
	}
	if err := json.Unmarshal(checklist, &r.Checklist); err != nil {
		return Report{}, fmt.Errorf("decode checklist: %w", err)
	}
	if err := json.Unmarshal(attendees, &r.Attendees); err != nil {
		return Report{}, fmt.Errorf("decode attendees: %w", err)
	}
	if err := json.Unmarshal(photos, &r.Photos); err != nil {
		return Report{}, fmt.Errorf("decode photos: %w", err)
	}
	return r, nil
}

// =============================================================================
// Photos
// =============================================================================

const photoColumns = `id, local_photo_id, report_offline_id, filename, content_type, caption,
    storage_key, thumbnail_key, size_bytes, width, height, digest, created_at`

const createPhoto = `-- name: CreatePhoto :one
INSERT INTO photos (id, local_photo_id, report_offline_id, filename, content_type, caption,
    storage_key, thumbnail_key, size_bytes, width, height, digest)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
ON CONFLICT (local_photo_id) DO NOTHING
RETURNING created_at
`

func (q *Queries) CreatePhoto(ctx context.Context, p Photo) (Photo, bool, error) {
	row := q.db.QueryRowContext(ctx, createPhoto,
		p.ID,
		p.LocalPhotoID,
		p.ReportOfflineID,
		p.Filename,
		p.ContentType,
		p.Caption,
		p.StorageKey,
		p.ThumbnailKey,
		p.SizeBytes,
		p.Width,
		p.Height,
		p.Digest,
	)
	err := row.Scan(&p.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		// Lost the race to a concurrent upload of the same photo.
		existing, err := q.GetPhotoByLocalID(ctx, p.LocalPhotoID)
		return existing, false, err
	}
	if err != nil {
		return Photo{}, false, err
	}
	return p, true, nil
}

const getPhotoByID = `-- name: GetPhotoByID :one
SELECT ` + photoColumns + `
FROM photos
WHERE id = $1
`

func (q *Queries) GetPhotoByID(ctx context.Context, id string) (Photo, error) {
	return scanPhoto(q.db.QueryRowContext(ctx, getPhotoByID, id))
}

const getPhotoByLocalID = `-- name: GetPhotoByLocalID :one
SELECT ` + photoColumns + `
FROM photos
WHERE local_photo_id = $1
`

func (q *Queries) GetPhotoByLocalID(ctx context.Context, localPhotoID string) (Photo, error) {
	return scanPhoto(q.db.QueryRowContext(ctx, getPhotoByLocalID, localPhotoID))
}

// ListPhotosByLocalIDs returns the stored photos among localPhotoIDs.
func (q *Queries) ListPhotosByLocalIDs(ctx context.Context, localPhotoIDs []string) ([]Photo, error) {
	if len(localPhotoIDs) == 0 {
		return nil, nil
	}

	placeholders := make([]string, len(localPhotoIDs))
	args := make([]interface{}, len(localPhotoIDs))
	for i, id := range localPhotoIDs {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
		args[i] = id
	}
	query := `SELECT ` + photoColumns + `
FROM photos
WHERE local_photo_id IN (` + strings.Join(placeholders, ", ") + `)`

	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []Photo
	for rows.Next() {
		p, err := scanPhoto(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, p)
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return items, nil
}

const deletePhoto = `-- name: DeletePhoto :exec
DELETE FROM photos
WHERE id = $1
`

func (q *Queries) DeletePhoto(ctx context.Context, id string) error {
	_, err := q.db.ExecContext(ctx, deletePhoto, id)
	return err
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanPhoto(row scanner) (Photo, error) {
	var p Photo
	err := row.Scan(
		&p.ID,
		&p.LocalPhotoID,
		&p.ReportOfflineID,
		&p.Filename,
		&p.ContentType,
		&p.Caption,
		&p.StorageKey,
		&p.ThumbnailKey,
		&p.SizeBytes,
		&p.Width,
		&p.Height,
		&p.Digest,
		&p.CreatedAt,
	)
	return p, err
}

// =============================================================================
// Tombstones
// =============================================================================

const addTombstone = `-- name: AddTombstone :exec
INSERT INTO photo_tombstones (photo_id)
VALUES ($1)
ON CONFLICT (photo_id) DO NOTHING
`

func (q *Queries) AddTombstones(ctx context.Context, photoIDs ...string) error {
	for _, id := range photoIDs {
		if id == "" {
			continue
		}
		if _, err := q.db.ExecContext(ctx, addTombstone, id); err != nil {
			return err
		}
	}
	return nil
}

const isTombstoned = `-- name: IsTombstoned :one
SELECT EXISTS (SELECT 1 FROM photo_tombstones WHERE photo_id = $1)
`

func (q *Queries) IsTombstoned(ctx context.Context, photoID string) (bool, error) {
	var exists bool
	err := q.db.QueryRowContext(ctx, isTombstoned, photoID).Scan(&exists)
	return exists, err
}

// =============================================================================
// Reference Data
// =============================================================================

const listReferenceData = `-- name: ListReferenceData :many
SELECT key, data
FROM reference_data
`

// GetReferenceData assembles the snapshot from its sections. Missing
// sections are empty.
func (q *Queries) GetReferenceData(ctx context.Context) (*domain.ReferenceData, error) {
	rows, err := q.db.QueryContext(ctx, listReferenceData)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	d := &domain.ReferenceData{}
	for rows.Next() {
		var (
			key  string
			data []byte
		)
		if err := rows.Scan(&key, &data); err != nil {
			return nil, err
		}
		if err := decodeSection(d, domain.ReferenceKey(key), data); err != nil {
			return nil, err
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return d, nil
}

const putReferenceSection = `-- name: PutReferenceSection :exec
INSERT INTO reference_data (key, data)
VALUES ($1, $2)
ON CONFLICT (key) DO UPDATE SET data = EXCLUDED.data, updated_at = NOW()
`

func (q *Queries) PutReferenceData(ctx context.Context, d *domain.ReferenceData) error {
	for _, key := range domain.AllReferenceKeys() {
		data, err := encodeSection(d, key)
		if err != nil {
			return err
		}
		if _, err := q.db.ExecContext(ctx, putReferenceSection, string(key), data); err != nil {
			return err
		}
	}
	return nil
}

func encodeSection(d *domain.ReferenceData, key domain.ReferenceKey) ([]byte, error) {
	var v any
	switch key {
	case domain.ReferenceProjects:
		v = d.Projects
	case domain.ReferenceChecklistTemplates:
		v = d.ChecklistTemplates
	case domain.ReferenceCaptionPresets:
		v = d.CaptionPresets
	case domain.ReferenceStaffRoster:
		v = d.StaffRoster
	default:
		return nil, fmt.Errorf("unknown reference section %q", key)
	}
	return marshalList(v)
}

func decodeSection(d *domain.ReferenceData, key domain.ReferenceKey, data []byte) error {
	var err error
	switch key {
	case domain.ReferenceProjects:
		err = json.Unmarshal(data, &d.Projects)
	case domain.ReferenceChecklistTemplates:
		err = json.Unmarshal(data, &d.ChecklistTemplates)
	case domain.ReferenceCaptionPresets:
		err = json.Unmarshal(data, &d.CaptionPresets)
	case domain.ReferenceStaffRoster:
		err = json.Unmarshal(data, &d.StaffRoster)
	default:
		// Sections written by newer servers are ignored.
		return nil
	}
	if err != nil {
		return fmt.Errorf("decode %s: %w", key, err)
	}
	return nil
}

// marshalList encodes a slice, writing nil as an empty JSON array.
func marshalList(v any) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	if string(b) == "null" {
		return []byte("[]"), nil
	}
	return b, nil
}
