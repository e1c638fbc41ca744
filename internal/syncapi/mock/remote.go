// Package mock provides an in-memory syncapi.Remote for tests and offline
// development.
package mock

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/DukeRupert/fieldsync/internal/domain"
	"github.com/DukeRupert/fieldsync/internal/syncapi"
)

// Remote is a mock sync server. It keeps the server-side idempotency rules:
// saves are keyed by offline id, uploads by local photo id, and deletes of
// unknown photos leave a tombstone.
type Remote struct {
	logger *slog.Logger

	mu sync.Mutex

	// Configurable failures for testing. Each error is returned while set.
	SaveError   error
	UploadError error
	DeleteError error
	PingError   error

	// SaveHook, if set, runs before a save is applied. Tests use it to
	// block a save or to observe concurrency.
	SaveHook func(ctx context.Context, req syncapi.SaveReportRequest) error

	Reference *domain.ReferenceData

	// Call tracking for testing
	SaveCalls   int
	UploadCalls int
	DeleteCalls int

	reports    map[string]*syncapi.SaveReportRequest // by offline id
	reportIDs  map[string]string                     // offline id -> report id
	photos     map[string]string                     // local photo id -> permanent id
	tombstones map[string]bool                       // local or permanent ids
}

// New creates an empty mock server.
func New(logger *slog.Logger) *Remote {
	return &Remote{
		logger:     logger,
		reports:    make(map[string]*syncapi.SaveReportRequest),
		reportIDs:  make(map[string]string),
		photos:     make(map[string]string),
		tombstones: make(map[string]bool),
	}
}

// SetSaveError sets the error returned by SaveReport.
func (r *Remote) SetSaveError(err error) {
	r.mu.Lock()
	r.SaveError = err
	r.mu.Unlock()
}

// SetUploadError sets the error returned by UploadPhoto.
func (r *Remote) SetUploadError(err error) {
	r.mu.Lock()
	r.UploadError = err
	r.mu.Unlock()
}

// SetPingError sets the error returned by Ping.
func (r *Remote) SetPingError(err error) {
	r.mu.Lock()
	r.PingError = err
	r.mu.Unlock()
}

// SaveReport upserts the report by offline id. Refs marked for deletion are
// dropped, as the real server does.
func (r *Remote) SaveReport(ctx context.Context, req syncapi.SaveReportRequest) (*syncapi.SaveReportResponse, error) {
	r.mu.Lock()
	r.SaveCalls++
	hook, saveErr := r.SaveHook, r.SaveError
	r.mu.Unlock()

	if hook != nil {
		if err := hook(ctx, req); err != nil {
			return nil, err
		}
	}
	if saveErr != nil {
		return nil, saveErr
	}
	if err := ctx.Err(); err != nil {
		return nil, domain.Transient(err, "mock.save_report", "request cancelled")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	id, ok := r.reportIDs[req.OfflineID]
	if !ok {
		id = uuid.NewString()
		r.reportIDs[req.OfflineID] = id
	}
	stored := req
	stored.Photos = make([]syncapi.PhotoRef, 0, len(req.Photos))
	for _, ref := range req.Photos {
		if !ref.MarkedForDeletion {
			stored.Photos = append(stored.Photos, ref)
		}
	}
	r.reports[req.OfflineID] = &stored

	resp := &syncapi.SaveReportResponse{ReportID: id, OfflineID: req.OfflineID}
	for _, ref := range stored.Photos {
		if perm, ok := r.photos[ref.LocalPhotoID]; ok {
			resp.Photos = append(resp.Photos, syncapi.PhotoMapping{LocalPhotoID: ref.LocalPhotoID, PermanentPhotoID: perm})
		}
	}
	return resp, nil
}

// UploadPhoto stores the photo once per local id.
func (r *Remote) UploadPhoto(ctx context.Context, req syncapi.UploadPhotoRequest) (*syncapi.UploadPhotoResponse, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.UploadCalls++
	if r.UploadError != nil {
		return nil, r.UploadError
	}
	if r.tombstones[req.LocalPhotoID] {
		return &syncapi.UploadPhotoResponse{LocalPhotoID: req.LocalPhotoID, Deleted: true}, nil
	}
	perm, ok := r.photos[req.LocalPhotoID]
	if !ok {
		perm = uuid.NewString()
		r.photos[req.LocalPhotoID] = perm
	}
	return &syncapi.UploadPhotoResponse{LocalPhotoID: req.LocalPhotoID, PermanentPhotoID: perm}, nil
}

// DeletePhoto removes a photo by permanent or local id. Unknown ids are
// tombstoned.
func (r *Remote) DeletePhoto(ctx context.Context, photoID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.DeleteCalls++
	if r.DeleteError != nil {
		return r.DeleteError
	}
	r.tombstones[photoID] = true
	for local, perm := range r.photos {
		if local == photoID || perm == photoID {
			delete(r.photos, local)
			r.tombstones[local] = true
		}
	}
	return nil
}

// FetchReference returns the configured reference data.
func (r *Remote) FetchReference(ctx context.Context) (*domain.ReferenceData, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.PingError != nil {
		return nil, r.PingError
	}
	if r.Reference == nil {
		return &domain.ReferenceData{}, nil
	}
	d := *r.Reference
	return &d, nil
}

// Ping reports the configured reachability.
func (r *Remote) Ping(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.PingError
}

// Report returns the last save stored for offlineID.
func (r *Remote) Report(offlineID string) (syncapi.SaveReportRequest, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	req, ok := r.reports[offlineID]
	if !ok {
		return syncapi.SaveReportRequest{}, false
	}
	return *req, true
}

// ReportCount returns the number of distinct reports stored.
func (r *Remote) ReportCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.reports)
}

// PhotoID returns the permanent id stored for a local photo id.
func (r *Remote) PhotoID(localPhotoID string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.photos[localPhotoID]
	return id, ok
}

// Calls returns the call counters.
func (r *Remote) Calls() (saves, uploads, deletes int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.SaveCalls, r.UploadCalls, r.DeleteCalls
}
