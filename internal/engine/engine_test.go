package engine

import (
	"bytes"
	"context"
	"image/color"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/disintegration/imaging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DukeRupert/fieldsync/internal/autosave"
	"github.com/DukeRupert/fieldsync/internal/domain"
	"github.com/DukeRupert/fieldsync/internal/handler"
	"github.com/DukeRupert/fieldsync/internal/localstore"
	"github.com/DukeRupert/fieldsync/internal/repository"
	"github.com/DukeRupert/fieldsync/internal/service"
	"github.com/DukeRupert/fieldsync/internal/storage"
	"github.com/DukeRupert/fieldsync/internal/syncapi"
)

// =============================================================================
// Test server
// =============================================================================

// faults lets a test break the server in specific ways.
type faults struct {
	failSaves atomic.Bool  // report saves answer 503 without being stored
	failNext  atomic.Int32 // the next n API requests answer 503 without being processed
	dropAcks  atomic.Int32 // the next n API requests are processed but answer 504
	slowSaves atomic.Bool  // report saves hang until the client gives up
}

func (f *faults) wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == syncapi.PathHealth {
			next.ServeHTTP(w, r)
			return
		}
		isSave := r.Method == http.MethodPost && r.URL.Path == syncapi.PathReports

		if isSave && f.slowSaves.Load() {
			select {
			case <-r.Context().Done():
			case <-time.After(5 * time.Second):
			}
			http.Error(w, "too slow", http.StatusServiceUnavailable)
			return
		}
		if isSave && f.failSaves.Load() {
			http.Error(w, "maintenance", http.StatusServiceUnavailable)
			return
		}
		if f.failNext.Add(-1) >= 0 {
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
			return
		}
		if f.dropAcks.Add(-1) >= 0 {
			next.ServeHTTP(httptest.NewRecorder(), r)
			http.Error(w, "gateway timeout", http.StatusGatewayTimeout)
			return
		}
		next.ServeHTTP(w, r)
	})
}

type testEnv struct {
	ctx    context.Context
	cfg    Config
	engine *Engine
	remote *syncapi.Client
	repo   *repository.Memory
	faults *faults
	logger *slog.Logger
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig(t *testing.T) Config {
	cfg := DefaultConfig(filepath.Join(t.TempDir(), "fieldsync.db"))
	cfg.DisableProber = true

	cfg.Autosave.Debounce = 10 * time.Millisecond
	cfg.Autosave.MaxWait = 100 * time.Millisecond
	cfg.Autosave.SaveTimeout = 2 * time.Second

	// Only SyncNow drains, so each test decides when the device is online.
	cfg.Connectivity.QuietWindow = time.Hour
	cfg.Connectivity.ProbeTimeout = time.Second

	cfg.Queue.Concurrency = 1
	cfg.Queue.PollInterval = time.Hour
	cfg.Queue.RequestTimeout = 2 * time.Second
	cfg.Queue.BackoffBase = 10 * time.Millisecond
	cfg.Queue.BackoffMax = 20 * time.Millisecond
	cfg.Queue.ShutdownTimeout = time.Second

	cfg.Breaker.Threshold = 100
	return cfg
}

func newTestEnv(t *testing.T, configure ...func(*Config)) *testEnv {
	t.Helper()
	logger := testLogger()

	repo := repository.NewMemory()
	blobs, err := storage.NewLocalStorage(storage.LocalConfig{BasePath: t.TempDir(), BaseURL: "http://files.test"}, logger)
	require.NoError(t, err)

	h := handler.NewSyncHandler(
		service.NewReportService(repo, logger),
		service.NewPhotoService(repo, blobs, service.NewImagingProcessor(), logger),
		service.NewReferenceService(repo, logger),
		logger,
	)
	mux := http.NewServeMux()
	h.RegisterRoutes(mux)

	f := &faults{}
	srv := httptest.NewServer(f.wrap(mux))
	t.Cleanup(srv.Close)

	remote, err := syncapi.NewClient(syncapi.Config{BaseURL: srv.URL, Timeout: 5 * time.Second}, logger)
	require.NoError(t, err)

	cfg := testConfig(t)
	for _, fn := range configure {
		fn(&cfg)
	}

	env := &testEnv{
		ctx:    context.Background(),
		cfg:    cfg,
		remote: remote,
		repo:   repo,
		faults: f,
		logger: logger,
	}
	env.engine = env.start(t)
	return env
}

// start opens an engine on the env's store.
func (env *testEnv) start(t *testing.T) *Engine {
	t.Helper()
	e, err := New(env.cfg, env.remote, env.logger)
	require.NoError(t, err)
	require.NoError(t, e.Start(env.ctx))
	t.Cleanup(func() { _ = e.Close() })
	return e
}

// syncUntil drains the queue with the server reachable until cond holds.
func (env *testEnv) syncUntil(t *testing.T, cond func() bool) {
	t.Helper()
	require.Eventually(t, func() bool {
		_, _ = env.engine.SyncNow(env.ctx)
		return cond()
	}, 5*time.Second, 20*time.Millisecond)
}

// settled reports whether the draft is acknowledged and nothing is queued.
func (env *testEnv) settled(offlineID string) bool {
	q, err := env.engine.Queue(env.ctx)
	if err != nil || len(q) > 0 {
		return false
	}
	r, err := env.engine.Draft(env.ctx, offlineID)
	if err != nil {
		return false
	}
	return r.HasServerID() && r.SyncState == domain.SyncStateClean && !r.IsUnacknowledged()
}

func (env *testEnv) newDraft(t *testing.T, title string) *domain.Report {
	t.Helper()
	r, err := env.engine.NewDraft(env.ctx, domain.ReportFields{Title: title, Category: "concrete", Location: "Level 3"})
	require.NoError(t, err)
	return r
}

func (env *testEnv) attach(t *testing.T, offlineID, caption string) *domain.Photo {
	t.Helper()
	p, err := env.engine.AttachPhoto(env.ctx, offlineID, autosave.PhotoInput{
		Filename: "site.jpg",
		Caption:  caption,
		Data:     testJPEG(t),
	})
	require.NoError(t, err)
	return p
}

func testJPEG(t *testing.T) []byte {
	t.Helper()
	img := imaging.New(320, 240, color.NRGBA{R: 90, G: 90, B: 90, A: 255})
	var buf bytes.Buffer
	require.NoError(t, imaging.Encode(&buf, img, imaging.JPEG))
	return buf.Bytes()
}

func localIDs(refs []domain.PhotoRef) []string {
	ids := make([]string, 0, len(refs))
	for _, ref := range refs {
		ids = append(ids, ref.LocalPhotoID)
	}
	return ids
}

// =============================================================================
// Offline drafts
// =============================================================================

func TestEngine_OfflineDraftSyncsWhenOnline(t *testing.T) {
	env := newTestEnv(t)
	ctx := env.ctx

	draft := env.newDraft(t, "Slab pour, level 3")
	p1 := env.attach(t, draft.OfflineID, "north edge")
	p2 := env.attach(t, draft.OfflineID, "south edge")
	require.NoError(t, env.engine.ForceSave(ctx, draft.OfflineID))

	// Nothing reaches the server while offline
	stored, err := env.engine.Draft(ctx, draft.OfflineID)
	require.NoError(t, err)
	assert.Equal(t, domain.SyncStateQueued, stored.SyncState)
	assert.False(t, stored.HasServerID())
	_, err = env.repo.GetReportByOfflineID(ctx, draft.OfflineID)
	require.Error(t, err)

	env.syncUntil(t, func() bool {
		r, err := env.engine.Draft(ctx, draft.OfflineID)
		if err != nil || len(r.PhotoRefs) != 2 {
			return false
		}
		for _, ref := range r.PhotoRefs {
			if ref.PermanentPhotoID == "" {
				return false
			}
		}
		return env.settled(draft.OfflineID)
	})

	local, err := env.engine.Draft(ctx, draft.OfflineID)
	require.NoError(t, err)

	server, err := env.repo.GetReportByOfflineID(ctx, draft.OfflineID)
	require.NoError(t, err)
	assert.Equal(t, local.ID, server.ID)
	assert.Equal(t, "Slab pour, level 3", server.Fields.Title)
	assert.ElementsMatch(t, []string{p1.LocalPhotoID, p2.LocalPhotoID}, localIDs(server.Photos))

	photos, err := env.repo.ListPhotosByLocalIDs(ctx, []string{p1.LocalPhotoID, p2.LocalPhotoID})
	require.NoError(t, err)
	require.Len(t, photos, 2)
	byLocal := map[string]string{}
	for _, p := range photos {
		byLocal[p.LocalPhotoID] = p.ID
		assert.Equal(t, draft.OfflineID, p.ReportOfflineID)
	}
	for _, ref := range local.PhotoRefs {
		assert.Equal(t, byLocal[ref.LocalPhotoID], ref.PermanentPhotoID)
	}
}

func TestEngine_EditAfterSyncUpdatesSameReport(t *testing.T) {
	env := newTestEnv(t)
	ctx := env.ctx

	draft := env.newDraft(t, "Framing inspection")
	env.syncUntil(t, func() bool { return env.settled(draft.OfflineID) })
	first, err := env.engine.Draft(ctx, draft.OfflineID)
	require.NoError(t, err)

	_, err = env.engine.Edit(ctx, draft.OfflineID, func(r *domain.Report) error {
		r.Fields.Notes = "Header over west window undersized"
		r.Fields.Status = domain.ReportStatusInProgress
		return nil
	})
	require.NoError(t, err)
	require.NoError(t, env.engine.ForceSave(ctx, draft.OfflineID))

	env.syncUntil(t, func() bool { return env.settled(draft.OfflineID) })

	second, err := env.engine.Draft(ctx, draft.OfflineID)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)

	server, err := env.repo.GetReportByOfflineID(ctx, draft.OfflineID)
	require.NoError(t, err)
	assert.Equal(t, first.ID, server.ID)
	assert.Equal(t, "Header over west window undersized", server.Fields.Notes)
	assert.Equal(t, second.Revision, server.Revision)
}

func TestEngine_LostAcknowledgementsAreReplayedSafely(t *testing.T) {
	env := newTestEnv(t)
	ctx := env.ctx

	draft := env.newDraft(t, "Roof sheathing")
	photo := env.attach(t, draft.OfflineID, "nail pattern")
	require.NoError(t, env.engine.ForceSave(ctx, draft.OfflineID))

	// Every mutation is stored by the server once before its reply is lost.
	queue, err := env.engine.Queue(ctx)
	require.NoError(t, err)
	env.faults.dropAcks.Store(int32(len(queue)))

	env.syncUntil(t, func() bool { return env.settled(draft.OfflineID) })

	local, err := env.engine.Draft(ctx, draft.OfflineID)
	require.NoError(t, err)
	server, err := env.repo.GetReportByOfflineID(ctx, draft.OfflineID)
	require.NoError(t, err)
	assert.Equal(t, local.ID, server.ID)

	photos, err := env.repo.ListPhotosByLocalIDs(ctx, []string{photo.LocalPhotoID})
	require.NoError(t, err)
	require.Len(t, photos, 1)
	require.Len(t, local.PhotoRefs, 1)
	assert.Equal(t, photos[0].ID, local.PhotoRefs[0].PermanentPhotoID)
}

func TestEngine_QueueSurvivesRestart(t *testing.T) {
	env := newTestEnv(t)
	ctx := env.ctx

	draft := env.newDraft(t, "Fire stopping")
	env.attach(t, draft.OfflineID, "penetration at grid C4")
	require.NoError(t, env.engine.ForceSave(ctx, draft.OfflineID))
	require.NoError(t, env.engine.Close())

	env.engine = env.start(t)

	queue, err := env.engine.Queue(ctx)
	require.NoError(t, err)
	assert.NotEmpty(t, queue)

	env.syncUntil(t, func() bool { return env.settled(draft.OfflineID) })

	_, err = env.repo.GetReportByOfflineID(ctx, draft.OfflineID)
	require.NoError(t, err)
}

func TestEngine_StartRequeuesUnsavedDrafts(t *testing.T) {
	env := newTestEnv(t)
	ctx := env.ctx

	draft := env.newDraft(t, "Curtain wall anchors")
	require.NoError(t, env.engine.ForceSave(ctx, draft.OfflineID))
	require.NoError(t, env.engine.Close())

	// Lose the queue entry as a crash between the draft write and the
	// enqueue would.
	store := localstore.New(env.cfg.Store, env.logger)
	require.NoError(t, store.Open(ctx))
	queue, err := store.MutationsByDraft(ctx, draft.OfflineID)
	require.NoError(t, err)
	require.Len(t, queue, 1)
	require.NoError(t, store.DiscardMutation(ctx, queue[0].QueueID))
	require.NoError(t, store.Close())

	env.engine = env.start(t)

	queue, err = env.engine.Queue(ctx)
	require.NoError(t, err)
	require.Len(t, queue, 1)
	assert.Equal(t, draft.OfflineID, queue[0].OfflineID)

	env.syncUntil(t, func() bool { return env.settled(draft.OfflineID) })
}

// =============================================================================
// Photo removal
// =============================================================================

func TestEngine_RemoveUnsentPhotoNeverReachesServer(t *testing.T) {
	env := newTestEnv(t)
	ctx := env.ctx

	draft := env.newDraft(t, "Anchor bolts")
	photo := env.attach(t, draft.OfflineID, "blurry")
	require.NoError(t, env.engine.RemovePhoto(ctx, draft.OfflineID, photo.LocalPhotoID))
	require.NoError(t, env.engine.ForceSave(ctx, draft.OfflineID))

	_, err := env.engine.store.GetPhoto(ctx, photo.LocalPhotoID)
	assert.True(t, domain.IsNotFound(err))

	env.syncUntil(t, func() bool { return env.settled(draft.OfflineID) })

	photos, err := env.repo.ListPhotosByLocalIDs(ctx, []string{photo.LocalPhotoID})
	require.NoError(t, err)
	assert.Empty(t, photos)

	server, err := env.repo.GetReportByOfflineID(ctx, draft.OfflineID)
	require.NoError(t, err)
	assert.Empty(t, server.Photos)
}

func TestEngine_RemovePhotoAfterAttemptedUpload(t *testing.T) {
	tests := []struct {
		name         string
		serverStored bool
	}{
		{name: "upload stored but acknowledgement lost", serverStored: true},
		{name: "upload never reached the server", serverStored: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			ctx := env.ctx

			draft := env.newDraft(t, "Waterproofing")
			env.syncUntil(t, func() bool { return env.settled(draft.OfflineID) })

			photo := env.attach(t, draft.OfflineID, "membrane lap")

			// The upload heads the draft's queue; its first attempt fails.
			if tt.serverStored {
				env.faults.dropAcks.Store(1)
			} else {
				env.faults.failNext.Store(1)
			}
			require.Eventually(t, func() bool {
				_, _ = env.engine.SyncNow(ctx)
				queue, err := env.engine.Queue(ctx)
				if err != nil || len(queue) == 0 {
					return false
				}
				return queue[0].Kind == domain.MutationUploadPhoto && queue[0].AttemptCount >= 1
			}, 5*time.Second, 20*time.Millisecond)

			stored, err := env.repo.GetPhotoByLocalID(ctx, photo.LocalPhotoID)
			if tt.serverStored {
				require.NoError(t, err)
				assert.NotEmpty(t, stored.ID)
			} else {
				require.Error(t, err)
			}

			require.NoError(t, env.engine.RemovePhoto(ctx, draft.OfflineID, photo.LocalPhotoID))

			env.syncUntil(t, func() bool {
				_, err := env.engine.store.GetPhoto(ctx, photo.LocalPhotoID)
				return domain.IsNotFound(err) && env.settled(draft.OfflineID)
			})

			photos, err := env.repo.ListPhotosByLocalIDs(ctx, []string{photo.LocalPhotoID})
			require.NoError(t, err)
			assert.Empty(t, photos)

			tombstoned, err := env.repo.IsTombstoned(ctx, photo.LocalPhotoID)
			require.NoError(t, err)
			assert.True(t, tombstoned)

			server, err := env.repo.GetReportByOfflineID(ctx, draft.OfflineID)
			require.NoError(t, err)
			assert.Empty(t, server.Photos)
		})
	}
}

// =============================================================================
// Failures
// =============================================================================

func TestEngine_TimedOutSaveCountsOneAttempt(t *testing.T) {
	env := newTestEnv(t, func(cfg *Config) {
		cfg.Queue.RequestTimeout = 200 * time.Millisecond
		cfg.Queue.BackoffBase = time.Minute
		cfg.Queue.BackoffMax = time.Minute
	})
	ctx := env.ctx

	draft := env.newDraft(t, "Shoring removal")
	require.NoError(t, env.engine.ForceSave(ctx, draft.OfflineID))
	env.faults.slowSaves.Store(true)

	require.Eventually(t, func() bool {
		_, _ = env.engine.SyncNow(ctx)
		queue, err := env.engine.Queue(ctx)
		return err == nil && len(queue) == 1 && queue[0].AttemptCount == 1 &&
			queue[0].Status == domain.MutationStatusPending
	}, 5*time.Second, 50*time.Millisecond)

	queue, err := env.engine.Queue(ctx)
	require.NoError(t, err)
	assert.NotEmpty(t, queue[0].LastError)
	assert.True(t, queue[0].NextAttemptAt.After(time.Now()))

	local, err := env.engine.Draft(ctx, draft.OfflineID)
	require.NoError(t, err)
	assert.Equal(t, domain.SyncStateQueued, local.SyncState)
	assert.False(t, local.HasServerID())
}

func TestEngine_RetryAfterExhaustedAttempts(t *testing.T) {
	env := newTestEnv(t, func(cfg *Config) {
		cfg.Queue.MaxAttempts = 2
	})
	ctx := env.ctx

	draft := env.newDraft(t, "Curtain wall anchors")
	require.NoError(t, env.engine.ForceSave(ctx, draft.OfflineID))
	env.faults.failSaves.Store(true)

	var failed []domain.PendingMutation
	require.Eventually(t, func() bool {
		_, _ = env.engine.SyncNow(ctx)
		var err error
		failed, err = env.engine.Failed(ctx)
		return err == nil && len(failed) == 1
	}, 5*time.Second, 20*time.Millisecond)

	local, err := env.engine.Draft(ctx, draft.OfflineID)
	require.NoError(t, err)
	assert.Equal(t, domain.SyncStateError, local.SyncState)
	assert.Equal(t, 2, failed[0].AttemptCount)

	status, err := env.engine.Status(ctx)
	require.NoError(t, err)
	assert.Len(t, status.Failed, 1)
	assert.Equal(t, 1, status.Queue[domain.MutationStatusFailedPermanent])

	env.faults.failSaves.Store(false)
	require.NoError(t, env.engine.Retry(ctx, failed[0].QueueID))

	local, err = env.engine.Draft(ctx, draft.OfflineID)
	require.NoError(t, err)
	assert.Equal(t, domain.SyncStateQueued, local.SyncState)

	env.syncUntil(t, func() bool { return env.settled(draft.OfflineID) })

	_, err = env.repo.GetReportByOfflineID(ctx, draft.OfflineID)
	require.NoError(t, err)
}

func TestEngine_DiscardRejectedSave(t *testing.T) {
	env := newTestEnv(t)
	ctx := env.ctx

	// The server requires a title
	draft := env.newDraft(t, "")
	require.NoError(t, env.engine.ForceSave(ctx, draft.OfflineID))

	var failed []domain.PendingMutation
	require.Eventually(t, func() bool {
		_, _ = env.engine.SyncNow(ctx)
		var err error
		failed, err = env.engine.Failed(ctx)
		return err == nil && len(failed) == 1
	}, 5*time.Second, 20*time.Millisecond)

	assert.Equal(t, 1, failed[0].AttemptCount)
	assert.Contains(t, failed[0].LastError, "Title is required")

	local, err := env.engine.Draft(ctx, draft.OfflineID)
	require.NoError(t, err)
	assert.Equal(t, domain.SyncStateError, local.SyncState)
	assert.Contains(t, local.SyncError, "Title is required")

	require.NoError(t, env.engine.Discard(ctx, failed[0].QueueID))

	local, err = env.engine.Draft(ctx, draft.OfflineID)
	require.NoError(t, err)
	assert.Equal(t, domain.SyncStateDirty, local.SyncState)
	queue, err := env.engine.Queue(ctx)
	require.NoError(t, err)
	assert.Empty(t, queue)

	_, err = env.engine.Edit(ctx, draft.OfflineID, func(r *domain.Report) error {
		r.Fields.Title = "Stair stringers"
		return nil
	})
	require.NoError(t, err)
	require.NoError(t, env.engine.ForceSave(ctx, draft.OfflineID))

	env.syncUntil(t, func() bool { return env.settled(draft.OfflineID) })

	server, err := env.repo.GetReportByOfflineID(ctx, draft.OfflineID)
	require.NoError(t, err)
	assert.Equal(t, "Stair stringers", server.Fields.Title)
}

// =============================================================================
// Status
// =============================================================================

func TestEngine_Status(t *testing.T) {
	env := newTestEnv(t)
	ctx := env.ctx

	draft := env.newDraft(t, "Site walk")
	require.NoError(t, env.engine.ForceSave(ctx, draft.OfflineID))

	status, err := env.engine.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, "offline", status.Connectivity)
	assert.Equal(t, "closed", status.Breaker)
	assert.Equal(t, 1, status.Queue[domain.MutationStatusPending])
	require.Len(t, status.Pending, 1)
	assert.Equal(t, draft.OfflineID, status.Pending[0].OfflineID)
	assert.Empty(t, status.Failed)

	env.syncUntil(t, func() bool { return env.settled(draft.OfflineID) })

	status, err = env.engine.Status(ctx)
	require.NoError(t, err)
	assert.Empty(t, status.Pending)
	assert.Equal(t, 0, status.Queue[domain.MutationStatusPending])
}

func TestEngine_NewDraftRejectsUnknownStatus(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.engine.NewDraft(env.ctx, domain.ReportFields{Title: "x", Status: "archived"})
	require.Error(t, err)
	assert.Equal(t, domain.EINVALID, domain.ErrorCode(err))
}

func TestConfig_Validate(t *testing.T) {
	cfg := DefaultConfig(filepath.Join(t.TempDir(), "fieldsync.db"))
	require.NoError(t, cfg.Validate())

	cfg.Store.Path = ""
	assert.Error(t, cfg.Validate())

	cfg = DefaultConfig("x.db")
	cfg.Autosave.MaxWait = cfg.Autosave.Debounce / 2
	assert.Error(t, cfg.Validate())

	cfg = DefaultConfig("x.db")
	cfg.Queue.Concurrency = 0
	assert.Error(t, cfg.Validate())
}
