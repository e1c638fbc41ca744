package handler

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/DukeRupert/fieldsync/internal/domain"
	"github.com/DukeRupert/fieldsync/internal/service"
	"github.com/DukeRupert/fieldsync/internal/syncapi"
)

// maxReportBody bounds a save request body.
const maxReportBody = 1 << 20

// SyncHandler serves the device sync API.
type SyncHandler struct {
	reports   service.ReportService
	photos    service.PhotoService
	reference service.ReferenceService
	logger    *slog.Logger
}

// NewSyncHandler creates a new SyncHandler.
func NewSyncHandler(
	reports service.ReportService,
	photos service.PhotoService,
	reference service.ReferenceService,
	logger *slog.Logger,
) *SyncHandler {
	return &SyncHandler{
		reports:   reports,
		photos:    photos,
		reference: reference,
		logger:    logger,
	}
}

// RegisterRoutes registers the sync routes with the provided mux.
//
// Routes:
// - POST   /api/v1/reports              -> SaveReport
// - GET    /api/v1/reports/{offlineId}  -> GetReport
// - PUT    /api/v1/photos/{id}          -> UploadPhoto
// - DELETE /api/v1/photos/{id}          -> DeletePhoto
// - GET    /api/v1/reference            -> GetReference
// - GET    /health                      -> Health
//
// Other paths under /api/ answer with a JSON 404.
func (h *SyncHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST "+syncapi.PathReports, h.SaveReport)
	mux.HandleFunc("GET "+syncapi.PathReports+"/{offlineId}", h.GetReport)
	mux.HandleFunc("PUT "+syncapi.PathPhotos+"{id}", h.UploadPhoto)
	mux.HandleFunc("DELETE "+syncapi.PathPhotos+"{id}", h.DeletePhoto)
	mux.HandleFunc("GET "+syncapi.PathReference, h.GetReference)
	mux.HandleFunc("GET "+syncapi.PathHealth, h.Health)
	mux.HandleFunc("/api/", func(w http.ResponseWriter, r *http.Request) {
		NotFoundResponse(w, r, h.logger)
	})
}

// =============================================================================
// POST /api/v1/reports - Save Report
// =============================================================================

// SaveReport creates or updates a report keyed by its offline id.
func (h *SyncHandler) SaveReport(w http.ResponseWriter, r *http.Request) {
	var req syncapi.SaveReportRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxReportBody)).Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			ErrorResponse(w, r, h.logger, domain.Errorf(domain.ETOOLARGE, "report.save", "Report exceeds %d bytes", maxReportBody))
			return
		}
		BadRequestResponse(w, r, h.logger, "Request body is not a valid report")
		return
	}

	resp, err := h.reports.Save(r.Context(), req)
	if err != nil {
		ErrorResponse(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// =============================================================================
// GET /api/v1/reports/{offlineId} - Get Report
// =============================================================================

// ReportView is the stored report as returned by GetReport.
type ReportView struct {
	ReportID     string                 `json:"report_id"`
	OfflineID    string                 `json:"offline_id"`
	Revision     int64                  `json:"revision"`
	Fields       domain.ReportFields    `json:"fields"`
	Checklist    []domain.ChecklistItem `json:"checklist"`
	Attendees    []domain.Attendee      `json:"attendees"`
	Photos       []domain.PhotoRef      `json:"photos"`
	LastEditedAt time.Time              `json:"last_edited_at"`
	UpdatedAt    time.Time              `json:"updated_at"`
}

// GetReport returns a stored report.
func (h *SyncHandler) GetReport(w http.ResponseWriter, r *http.Request) {
	report, err := h.reports.Get(r.Context(), r.PathValue("offlineId"))
	if err != nil {
		ErrorResponse(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, ReportView{
		ReportID:     report.ID,
		OfflineID:    report.OfflineID,
		Revision:     report.Revision,
		Fields:       report.Fields,
		Checklist:    report.Checklist,
		Attendees:    report.Attendees,
		Photos:       report.Photos,
		LastEditedAt: report.LastEditedAt,
		UpdatedAt:    report.UpdatedAt,
	})
}

// =============================================================================
// PUT /api/v1/photos/{id} - Upload Photo
// =============================================================================

// UploadPhoto stores a photo under its local id. The body is the raw image;
// the owning report and metadata travel in headers.
func (h *SyncHandler) UploadPhoto(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, domain.MaxPhotoSize+1))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			ErrorResponse(w, r, h.logger, domain.ValidatePhotoSize(tooLarge.Limit))
			return
		}
		BadRequestResponse(w, r, h.logger, "Failed to read photo data")
		return
	}

	resp, err := h.photos.Upload(r.Context(), syncapi.UploadPhotoRequest{
		LocalPhotoID:    r.PathValue("id"),
		ReportOfflineID: r.Header.Get(syncapi.HeaderReportOfflineID),
		Filename:        r.Header.Get(syncapi.HeaderFilename),
		ContentType:     r.Header.Get("Content-Type"),
		Caption:         r.Header.Get(syncapi.HeaderCaption),
		Data:            data,
	}, r.Header.Get(syncapi.HeaderContentDigest))
	if err != nil {
		ErrorResponse(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// =============================================================================
// DELETE /api/v1/photos/{id} - Delete Photo
// =============================================================================

// DeletePhoto deletes a photo by permanent or local id.
func (h *SyncHandler) DeletePhoto(w http.ResponseWriter, r *http.Request) {
	if err := h.photos.Delete(r.Context(), r.PathValue("id")); err != nil {
		ErrorResponse(w, r, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// =============================================================================
// GET /api/v1/reference - Reference Data
// =============================================================================

// GetReference returns the reference data snapshot.
func (h *SyncHandler) GetReference(w http.ResponseWriter, r *http.Request) {
	d, err := h.reference.Get(r.Context())
	if err != nil {
		ErrorResponse(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

// Health answers liveness probes.
func (h *SyncHandler) Health(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}
