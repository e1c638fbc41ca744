// Package hydrate assembles everything a report form needs to render: the
// stored draft, its photos, and reference data, preferring a fresh fetch
// when online and falling back to the local cache.
package hydrate

import (
	"context"
	"log/slog"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/DukeRupert/fieldsync/internal/domain"
	"github.com/DukeRupert/fieldsync/internal/localstore"
)

// Option is a select option shown by the form.
type Option struct {
	Value string
	Label string
}

// Form is a hydrated draft.
type Form struct {
	Report        domain.Report
	Photos        []domain.Photo // Attached photos still shown, in attach order
	Reference     *domain.ReferenceData
	FromCache     bool // Reference data came from the local cache
	StatusOptions []Option
	SyncLabel     string
	Queued        []domain.PendingMutation // Outstanding queue entries of the draft
}

// Adapter opens drafts for editing.
type Adapter struct {
	store     *localstore.Store
	refresher *Refresher
	online    func() bool
	logger    *slog.Logger
}

// NewAdapter creates an adapter. online may be nil, meaning always offline.
func NewAdapter(store *localstore.Store, refresher *Refresher, online func() bool, logger *slog.Logger) *Adapter {
	return &Adapter{
		store:     store,
		refresher: refresher,
		online:    online,
		logger:    logger.With("component", "hydrate"),
	}
}

// Open loads a draft for editing.
func (a *Adapter) Open(ctx context.Context, offlineID string) (*Form, error) {
	r, err := a.store.GetReport(ctx, offlineID)
	if err != nil {
		return nil, err
	}
	photos, err := a.store.PhotosByReport(ctx, offlineID)
	if err != nil {
		return nil, err
	}
	queued, err := a.store.MutationsByDraft(ctx, offlineID)
	if err != nil {
		return nil, err
	}

	visible := make([]domain.Photo, 0, len(photos))
	for _, p := range photos {
		if !p.IsMarkedForDeletion() {
			visible = append(visible, p)
		}
	}

	ref, fromCache := a.Reference(ctx)
	return &Form{
		Report:        *r,
		Photos:        visible,
		Reference:     ref,
		FromCache:     fromCache,
		StatusOptions: StatusOptions(),
		SyncLabel:     r.SyncState.DisplayName(),
		Queued:        queued,
	}, nil
}

// Reference returns fresh reference data when online, otherwise the cached
// copy. It never fails: with neither available it returns empty data.
func (a *Adapter) Reference(ctx context.Context) (*domain.ReferenceData, bool) {
	if a.refresher != nil && a.online != nil && a.online() {
		d, err := a.refresher.Refresh(ctx)
		if err == nil {
			return d, false
		}
		a.logger.Info("Using cached reference data", "error", err)
	}

	d, err := a.store.LoadReferenceData(ctx)
	if err != nil {
		if !domain.IsNotFound(err) {
			a.logger.Warn("Failed to load cached reference data", "error", err)
		}
		return &domain.ReferenceData{}, true
	}
	return d, true
}

// ApplyTemplate seeds an empty checklist from the template for the draft's
// category. It reports whether a template was applied.
func ApplyTemplate(r *domain.Report, ref *domain.ReferenceData) bool {
	if ref == nil || len(r.Checklist) > 0 || r.Fields.Category == "" {
		return false
	}
	t, ok := ref.TemplateFor(r.Fields.Category)
	if !ok {
		return false
	}
	r.Checklist = make([]domain.ChecklistItem, 0, len(t.Items))
	for _, item := range t.Items {
		r.Checklist = append(r.Checklist, domain.ChecklistItem{ItemID: item.ItemID})
	}
	return true
}

// StatusOptions returns the report statuses with display labels.
func StatusOptions() []Option {
	caser := cases.Title(language.English)
	statuses := domain.AllReportStatuses()
	out := make([]Option, 0, len(statuses))
	for _, s := range statuses {
		out = append(out, Option{
			Value: s.String(),
			Label: caser.String(strings.ReplaceAll(s.String(), "_", " ")),
		})
	}
	return out
}
