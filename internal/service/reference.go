// Package service contains the sync server's business logic.
//
// This file implements the reference data snapshot devices cache for
// offline form rendering.
package service

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"

	"github.com/DukeRupert/fieldsync/internal/domain"
	"github.com/DukeRupert/fieldsync/internal/repository"
)

// ReferenceService serves and replaces reference data.
type ReferenceService interface {
	// Get returns the current snapshot. Sections never written are empty.
	Get(ctx context.Context) (*domain.ReferenceData, error)

	// Replace swaps the whole snapshot.
	Replace(ctx context.Context, d *domain.ReferenceData) error

	// Load reads a JSON snapshot from r and replaces the current one with it.
	Load(ctx context.Context, r io.Reader) error
}

type referenceService struct {
	repo   repository.Repository
	logger *slog.Logger
}

// NewReferenceService creates a new ReferenceService.
func NewReferenceService(repo repository.Repository, logger *slog.Logger) ReferenceService {
	return &referenceService{repo: repo, logger: logger}
}

func (s *referenceService) Get(ctx context.Context) (*domain.ReferenceData, error) {
	const op = "reference.get"

	d, err := s.repo.GetReferenceData(ctx)
	if err != nil {
		return nil, domain.Internal(err, op, "failed to load reference data")
	}
	if d.Projects == nil {
		d.Projects = []domain.Project{}
	}
	if d.ChecklistTemplates == nil {
		d.ChecklistTemplates = []domain.ChecklistTemplate{}
	}
	if d.CaptionPresets == nil {
		d.CaptionPresets = []string{}
	}
	if d.StaffRoster == nil {
		d.StaffRoster = []domain.StaffMember{}
	}
	return d, nil
}

func (s *referenceService) Replace(ctx context.Context, d *domain.ReferenceData) error {
	const op = "reference.replace"

	if err := s.repo.PutReferenceData(ctx, d); err != nil {
		return domain.Internal(err, op, "failed to store reference data")
	}
	s.logger.Info("Reference data replaced",
		"projects", len(d.Projects),
		"checklist_templates", len(d.ChecklistTemplates),
		"caption_presets", len(d.CaptionPresets),
		"staff", len(d.StaffRoster),
	)
	return nil
}

func (s *referenceService) Load(ctx context.Context, r io.Reader) error {
	const op = "reference.load"

	var d domain.ReferenceData
	if err := json.NewDecoder(r).Decode(&d); err != nil {
		return domain.Wrap(err, domain.EINVALID, op, "reference data is not valid JSON")
	}
	return s.Replace(ctx, &d)
}
