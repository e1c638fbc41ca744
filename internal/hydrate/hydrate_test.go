package hydrate

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DukeRupert/fieldsync/internal/domain"
	"github.com/DukeRupert/fieldsync/internal/localstore"
	"github.com/DukeRupert/fieldsync/internal/syncapi/mock"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestStore(t *testing.T) *localstore.Store {
	t.Helper()
	s := localstore.New(localstore.Config{Path: filepath.Join(t.TempDir(), "fieldsync.db")}, testLogger())
	require.NoError(t, s.Open(context.Background()))
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func testReference() *domain.ReferenceData {
	return &domain.ReferenceData{
		Projects: []domain.Project{{ID: "p-1", Name: "Harbor Tower"}},
		ChecklistTemplates: []domain.ChecklistTemplate{{
			ID:       "t-1",
			Category: "concrete",
			Items: []domain.ChecklistTemplateItem{
				{ItemID: "forms", Label: "Formwork secured"},
				{ItemID: "rebar", Label: "Rebar spacing checked"},
			},
		}},
		CaptionPresets: []string{"North elevation"},
		StaffRoster:    []domain.StaffMember{{ID: "s-1", Name: "Ana Ruiz"}},
	}
}

func fastRefresh() RefreshConfig {
	return RefreshConfig{MaxRetries: 3, BackoffBase: time.Millisecond, BackoffMax: 5 * time.Millisecond, Timeout: time.Second}
}

// flakyRemote fails the first failures reference fetches.
type flakyRemote struct {
	*mock.Remote
	failures int32
	err      error
	calls    atomic.Int32
	delay    time.Duration
}

func (f *flakyRemote) FetchReference(ctx context.Context) (*domain.ReferenceData, error) {
	n := f.calls.Add(1)
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	if n <= f.failures {
		return nil, f.err
	}
	return f.Remote.FetchReference(ctx)
}

func TestRefreshConfig_Validate(t *testing.T) {
	assert.NoError(t, DefaultRefreshConfig().Validate())
	assert.Error(t, RefreshConfig{BackoffMax: time.Second, Timeout: time.Second}.Validate())
	assert.Error(t, RefreshConfig{BackoffBase: time.Second, BackoffMax: time.Millisecond, Timeout: time.Second}.Validate())
	assert.Error(t, RefreshConfig{BackoffBase: time.Millisecond, BackoffMax: time.Second}.Validate())
}

func TestRefresher_RetriesTransientFailures(t *testing.T) {
	s := newTestStore(t)
	remote := &flakyRemote{
		Remote:   mock.New(testLogger()),
		failures: 2,
		err:      domain.Transient(errors.New("reset"), "test", "server unreachable"),
	}
	remote.Reference = testReference()

	r, err := NewRefresher(s, remote, fastRefresh(), testLogger())
	require.NoError(t, err)

	d, err := r.Refresh(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(3), remote.calls.Load())
	assert.Len(t, d.Projects, 1)
	assert.False(t, d.FetchedAt.IsZero())

	cached, err := s.LoadReferenceData(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "Harbor Tower", cached.Projects[0].Name)
}

func TestRefresher_GivesUp(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		wantCalls int32
	}{
		{"transient exhausts retries", domain.Transient(errors.New("reset"), "test", "server unreachable"), 4},
		{"rejection is not retried", domain.Rejected("test", "forbidden"), 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			remote := &flakyRemote{Remote: mock.New(testLogger()), failures: 100, err: tt.err}
			r, err := NewRefresher(newTestStore(t), remote, fastRefresh(), testLogger())
			require.NoError(t, err)

			_, err = r.Refresh(context.Background())
			require.Error(t, err)
			assert.Equal(t, tt.wantCalls, remote.calls.Load())
		})
	}
}

func TestRefresher_CoalescesConcurrentCalls(t *testing.T) {
	remote := &flakyRemote{Remote: mock.New(testLogger()), delay: 50 * time.Millisecond}
	remote.Reference = testReference()
	r, err := NewRefresher(newTestStore(t), remote, fastRefresh(), testLogger())
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = r.Refresh(context.Background())
		}()
	}
	wg.Wait()
	assert.Less(t, remote.calls.Load(), int32(5))
}

func TestAdapter_Open(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	d := domain.NewReport("off-1", time.Now())
	d.Fields.Title = "Pour inspection"
	require.NoError(t, s.PutReport(ctx, d))
	require.NoError(t, s.PutPhoto(ctx, &domain.Photo{LocalPhotoID: "lp-1", ReportOfflineID: "off-1", UploadState: domain.UploadStatePending}))
	require.NoError(t, s.PutPhoto(ctx, &domain.Photo{LocalPhotoID: "lp-2", ReportOfflineID: "off-1", UploadState: domain.UploadStateMarkedForDeletion}))
	_, err := s.EnqueueReportSave(ctx, "off-1")
	require.NoError(t, err)

	remote := mock.New(testLogger())
	remote.Reference = testReference()
	refresher, err := NewRefresher(s, remote, fastRefresh(), testLogger())
	require.NoError(t, err)

	online := true
	a := NewAdapter(s, refresher, func() bool { return online }, testLogger())

	form, err := a.Open(ctx, "off-1")
	require.NoError(t, err)
	assert.Equal(t, "Pour inspection", form.Report.Fields.Title)
	require.Len(t, form.Photos, 1)
	assert.Equal(t, "lp-1", form.Photos[0].LocalPhotoID)
	assert.False(t, form.FromCache)
	assert.Len(t, form.Reference.Projects, 1)
	assert.Len(t, form.Queued, 1)
	assert.Equal(t, "Saved locally", form.SyncLabel)

	// Offline the cache written by the refresh is used.
	online = false
	remote.Reference = nil
	form, err = a.Open(ctx, "off-1")
	require.NoError(t, err)
	assert.True(t, form.FromCache)
	assert.Len(t, form.Reference.Projects, 1)
}

func TestAdapter_FallsBackToCache(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	require.NoError(t, s.SaveReferenceData(ctx, testReference()))

	remote := mock.New(testLogger())
	remote.SetPingError(domain.Rejected("test", "forbidden"))
	refresher, err := NewRefresher(s, remote, fastRefresh(), testLogger())
	require.NoError(t, err)

	a := NewAdapter(s, refresher, func() bool { return true }, testLogger())
	ref, fromCache := a.Reference(ctx)
	assert.True(t, fromCache)
	assert.Len(t, ref.StaffRoster, 1)
}

func TestAdapter_EmptyCache(t *testing.T) {
	a := NewAdapter(newTestStore(t), nil, nil, testLogger())
	ref, fromCache := a.Reference(context.Background())
	assert.True(t, fromCache)
	assert.True(t, ref.IsEmpty())

	_, err := a.Open(context.Background(), "off-missing")
	assert.True(t, domain.IsNotFound(err))
}

func TestApplyTemplate(t *testing.T) {
	ref := testReference()

	tests := []struct {
		name     string
		category string
		existing []domain.ChecklistItem
		want     bool
		wantLen  int
	}{
		{"matching category", "concrete", nil, true, 2},
		{"unknown category", "roofing", nil, false, 0},
		{"no category", "", nil, false, 0},
		{"checklist already filled", "concrete", []domain.ChecklistItem{{ItemID: "custom"}}, false, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := domain.NewReport("off-1", time.Now())
			r.Fields.Category = tt.category
			if tt.existing != nil {
				r.Checklist = tt.existing
			}
			assert.Equal(t, tt.want, ApplyTemplate(r, ref))
			assert.Len(t, r.Checklist, tt.wantLen)
		})
	}
}

func TestStatusOptions(t *testing.T) {
	opts := StatusOptions()
	require.Len(t, opts, 3)
	assert.Equal(t, Option{Value: "open", Label: "Open"}, opts[0])
	assert.Equal(t, Option{Value: "in_progress", Label: "In Progress"}, opts[1])
	assert.Equal(t, Option{Value: "completed", Label: "Completed"}, opts[2])
}
