// Package service contains the sync server's business logic.
//
// This file implements report saves: an upsert keyed by the client's offline
// id, so a replayed save updates the report it created instead of creating
// another.
package service

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/DukeRupert/fieldsync/internal/domain"
	"github.com/DukeRupert/fieldsync/internal/metrics"
	"github.com/DukeRupert/fieldsync/internal/repository"
	"github.com/DukeRupert/fieldsync/internal/syncapi"
)

// =============================================================================
// Interface Definition
// =============================================================================

// ReportService defines report save operations.
type ReportService interface {
	// Save creates or replaces the report identified by req.OfflineID. The
	// last save wins. Photo refs marked for deletion or naming a deleted
	// photo are dropped; the response maps every remaining ref whose photo
	// has been uploaded.
	// Returns a *domain.ValidationError for invalid fields.
	Save(ctx context.Context, req syncapi.SaveReportRequest) (*syncapi.SaveReportResponse, error)

	// Get returns the stored report.
	// Returns domain.ENOTFOUND if no report has the offline id.
	Get(ctx context.Context, offlineID string) (*repository.Report, error)
}

// =============================================================================
// Implementation
// =============================================================================

type reportService struct {
	repo   repository.Repository
	logger *slog.Logger
}

// NewReportService creates a new ReportService.
func NewReportService(repo repository.Repository, logger *slog.Logger) ReportService {
	return &reportService{
		repo:   repo,
		logger: logger,
	}
}

// =============================================================================
// Save
// =============================================================================

func (s *reportService) Save(ctx context.Context, req syncapi.SaveReportRequest) (*syncapi.SaveReportResponse, error) {
	const op = "report.save"

	if strings.TrimSpace(req.OfflineID) == "" {
		return nil, domain.NewValidationError(op, "offline_id", "Offline id is required")
	}
	if req.Fields.Status == "" {
		req.Fields.Status = domain.ReportStatusOpen
	}
	if err := req.Fields.Validate(op); err != nil {
		return nil, err
	}

	refs, err := s.keptRefs(ctx, req.Photos)
	if err != nil {
		return nil, domain.Internal(err, op, "failed to check photo tombstones")
	}

	localIDs := make([]string, 0, len(refs))
	for _, ref := range refs {
		localIDs = append(localIDs, ref.LocalPhotoID)
	}
	uploaded, err := s.repo.ListPhotosByLocalIDs(ctx, localIDs)
	if err != nil {
		return nil, domain.Internal(err, op, "failed to load photos")
	}
	permanent := make(map[string]string, len(uploaded))
	for _, p := range uploaded {
		permanent[p.LocalPhotoID] = p.ID
	}

	stored := make([]domain.PhotoRef, 0, len(refs))
	mappings := make([]syncapi.PhotoMapping, 0, len(uploaded))
	for _, ref := range refs {
		out := domain.PhotoRef{
			LocalPhotoID:  ref.LocalPhotoID,
			Caption:       ref.Caption,
			LocationLabel: ref.LocationLabel,
		}
		if ref.PermanentPhotoID != nil {
			out.PermanentPhotoID = *ref.PermanentPhotoID
		}
		if id, ok := permanent[ref.LocalPhotoID]; ok {
			out.PermanentPhotoID = id
			mappings = append(mappings, syncapi.PhotoMapping{
				LocalPhotoID:     ref.LocalPhotoID,
				PermanentPhotoID: id,
			})
		}
		stored = append(stored, out)
	}

	id := req.ReportID
	if _, err := uuid.Parse(id); err != nil {
		id = uuid.NewString()
	}
	report, created, err := s.repo.UpsertReport(ctx, repository.Report{
		ID:           id,
		OfflineID:    req.OfflineID,
		Revision:     req.Revision,
		Fields:       req.Fields,
		Checklist:    req.Checklist,
		Attendees:    req.Attendees,
		Photos:       stored,
		LastEditedAt: req.LastEditedAt,
	})
	if err != nil {
		return nil, domain.Internal(err, op, "failed to save report")
	}

	outcome := "updated"
	if created {
		outcome = "created"
	}
	metrics.ReportsSaved.WithLabelValues(outcome).Inc()
	s.logger.Info("Report saved",
		"offline_id", report.OfflineID,
		"report_id", report.ID,
		"revision", report.Revision,
		"photos", len(stored),
		"outcome", outcome,
	)

	return &syncapi.SaveReportResponse{
		ReportID:  report.ID,
		OfflineID: report.OfflineID,
		Photos:    mappings,
	}, nil
}

// keptRefs drops refs the client removed and refs whose photo was deleted.
func (s *reportService) keptRefs(ctx context.Context, refs []syncapi.PhotoRef) ([]syncapi.PhotoRef, error) {
	kept := make([]syncapi.PhotoRef, 0, len(refs))
	for _, ref := range refs {
		if ref.MarkedForDeletion {
			continue
		}
		dead, err := s.repo.IsTombstoned(ctx, ref.LocalPhotoID)
		if err != nil {
			return nil, err
		}
		if !dead && ref.PermanentPhotoID != nil {
			dead, err = s.repo.IsTombstoned(ctx, *ref.PermanentPhotoID)
			if err != nil {
				return nil, err
			}
		}
		if !dead {
			kept = append(kept, ref)
		}
	}
	return kept, nil
}

// =============================================================================
// Get
// =============================================================================

func (s *reportService) Get(ctx context.Context, offlineID string) (*repository.Report, error) {
	const op = "report.get"

	r, err := s.repo.GetReportByOfflineID(ctx, offlineID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.NotFound(op, "report", offlineID)
		}
		return nil, domain.Internal(err, op, "failed to fetch report")
	}
	return &r, nil
}
