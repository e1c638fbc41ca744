// Package syncapi is the wire contract between the device and the sync
// server, and the HTTP client the device uses to speak it.
package syncapi

import (
	"context"
	"time"

	"github.com/DukeRupert/fieldsync/internal/domain"
)

// Route paths.
const (
	PathReports   = "/api/v1/reports"
	PathPhotos    = "/api/v1/photos/"
	PathReference = "/api/v1/reference"
	PathHealth    = "/health"
)

// Upload headers.
const (
	HeaderReportOfflineID = "X-Report-Offline-Id"
	HeaderFilename        = "X-Filename"
	HeaderCaption         = "X-Caption"
	HeaderContentDigest   = "X-Content-Digest"
)

// PhotoRef is a photo entry of a save request. PermanentPhotoID is null
// until the server has assigned one.
type PhotoRef struct {
	LocalPhotoID      string  `json:"local_photo_id"`
	PermanentPhotoID  *string `json:"permanent_photo_id"`
	Caption           string  `json:"caption"`
	LocationLabel     string  `json:"location_label,omitempty"`
	Order             int     `json:"order"`
	MarkedForDeletion bool    `json:"marked_for_deletion"`
}

// SaveReportRequest creates or updates a report, keyed by OfflineID.
type SaveReportRequest struct {
	OfflineID    string                 `json:"offline_id"`
	ReportID     string                 `json:"report_id,omitempty"`
	Revision     int64                  `json:"revision"`
	Fields       domain.ReportFields    `json:"fields"`
	Checklist    []domain.ChecklistItem `json:"checklist"`
	Attendees    []domain.Attendee      `json:"attendees"`
	Photos       []PhotoRef             `json:"photos"`
	LastEditedAt time.Time              `json:"last_edited_at"`
}

// PhotoMapping pairs a client photo id with the server's id.
type PhotoMapping struct {
	LocalPhotoID     string `json:"local_photo_id"`
	PermanentPhotoID string `json:"permanent_photo_id"`
}

// SaveReportResponse acknowledges a save.
type SaveReportResponse struct {
	ReportID  string         `json:"report_id"`
	OfflineID string         `json:"offline_id"`
	Photos    []PhotoMapping `json:"photos"`
}

// UploadPhotoRequest carries one photo blob. Idempotent per LocalPhotoID.
type UploadPhotoRequest struct {
	LocalPhotoID    string
	ReportOfflineID string
	Filename        string
	ContentType     string
	Caption         string
	Data            []byte
}

// UploadPhotoResponse acknowledges an upload. Deleted is set when the photo
// was deleted before the upload arrived; no photo is stored in that case.
type UploadPhotoResponse struct {
	LocalPhotoID     string `json:"local_photo_id"`
	PermanentPhotoID string `json:"permanent_photo_id,omitempty"`
	URL              string `json:"url,omitempty"`
	Deleted          bool   `json:"deleted,omitempty"`
}

// ErrorBody is the JSON shape of every error response.
type ErrorBody struct {
	Error struct {
		Code    string            `json:"code"`
		Message string            `json:"message"`
		Fields  map[string]string `json:"fields,omitempty"`
	} `json:"error"`
}

// Remote is the server as seen by the sync engine.
type Remote interface {
	SaveReport(ctx context.Context, req SaveReportRequest) (*SaveReportResponse, error)
	UploadPhoto(ctx context.Context, req UploadPhotoRequest) (*UploadPhotoResponse, error)
	DeletePhoto(ctx context.Context, photoID string) error
	FetchReference(ctx context.Context) (*domain.ReferenceData, error)
	Ping(ctx context.Context) error
}
