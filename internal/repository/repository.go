// Package repository persists the sync server's reports, photos, tombstones
// and reference data.
//
// Two implementations share the Repository interface: Queries on Postgres
// (database/sql over the pgx driver) and Memory for tests and local runs.
// Lookups that find nothing return sql.ErrNoRows, like the generated query
// code the services were written against.
package repository

import (
	"context"
	"time"

	"github.com/DukeRupert/fieldsync/internal/domain"
)

// Report is a report as stored by the server.
type Report struct {
	ID           string
	OfflineID    string
	Revision     int64
	Fields       domain.ReportFields
	Checklist    []domain.ChecklistItem
	Attendees    []domain.Attendee
	Photos       []domain.PhotoRef
	LastEditedAt time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Photo is an uploaded photo.
type Photo struct {
	ID              string
	LocalPhotoID    string
	ReportOfflineID string
	Filename        string
	ContentType     string
	Caption         string
	StorageKey      string
	ThumbnailKey    string
	SizeBytes       int64
	Width           int
	Height          int
	Digest          string
	CreatedAt       time.Time
}

// Repository is the server's persistence contract.
type Repository interface {
	// UpsertReport inserts or replaces the report keyed by OfflineID. The
	// stored id is kept on update. created reports whether a row was inserted.
	UpsertReport(ctx context.Context, r Report) (stored Report, created bool, err error)
	GetReportByOfflineID(ctx context.Context, offlineID string) (Report, error)

	// CreatePhoto inserts p unless a photo with the same LocalPhotoID exists.
	// inserted is false when the existing row was kept; stored is that row.
	CreatePhoto(ctx context.Context, p Photo) (stored Photo, inserted bool, err error)
	GetPhotoByID(ctx context.Context, id string) (Photo, error)
	GetPhotoByLocalID(ctx context.Context, localPhotoID string) (Photo, error)
	ListPhotosByLocalIDs(ctx context.Context, localPhotoIDs []string) ([]Photo, error)
	DeletePhoto(ctx context.Context, id string) error

	AddTombstones(ctx context.Context, photoIDs ...string) error
	IsTombstoned(ctx context.Context, photoID string) (bool, error)

	GetReferenceData(ctx context.Context) (*domain.ReferenceData, error)
	PutReferenceData(ctx context.Context, d *domain.ReferenceData) error
}
