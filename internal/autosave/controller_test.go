package autosave

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"log/slog"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DukeRupert/fieldsync/internal/breaker"
	"github.com/DukeRupert/fieldsync/internal/domain"
	"github.com/DukeRupert/fieldsync/internal/localstore"
	"github.com/DukeRupert/fieldsync/internal/syncapi"
	"github.com/DukeRupert/fieldsync/internal/syncapi/mock"
	"github.com/DukeRupert/fieldsync/internal/syncqueue"
)

var jpegHeader = []byte{0xFF, 0xD8, 0xFF, 0xE0, 0x00, 0x10, 'J', 'F', 'I', 'F', 0x00}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type countingTrigger struct{ n atomic.Int32 }

func (t *countingTrigger) Trigger() { t.n.Add(1) }

type harness struct {
	store   *localstore.Store
	blobDir string
	remote  *mock.Remote
	trigger *countingTrigger
	online  atomic.Bool
	ctrl    *Controller
}

func newHarness(t *testing.T, cfg Config, br *breaker.Breaker) *harness {
	t.Helper()

	dir := t.TempDir()
	s := localstore.New(localstore.Config{Path: filepath.Join(dir, "fieldsync.db")}, testLogger())
	require.NoError(t, s.Open(context.Background()))
	t.Cleanup(func() { _ = s.Close() })

	h := &harness{store: s, blobDir: filepath.Join(dir, "blobs"), remote: mock.New(testLogger()), trigger: &countingTrigger{}}
	h.online.Store(true)

	ctrl, err := New(s, h.remote, syncqueue.NewGate(), br, h.trigger, cfg, testLogger())
	require.NoError(t, err)
	ctrl.RequireOnline(h.online.Load)
	t.Cleanup(ctrl.Close)
	h.ctrl = ctrl
	return h
}

// blobCount returns the number of photo files stored on the device.
func (h *harness) blobCount(t *testing.T) int {
	t.Helper()
	n := 0
	err := filepath.WalkDir(h.blobDir, func(_ string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			n++
		}
		return nil
	})
	if errors.Is(err, fs.ErrNotExist) {
		return 0
	}
	require.NoError(t, err)
	return n
}

func fastConfig() Config {
	cfg := DefaultConfig()
	cfg.Debounce = 30 * time.Millisecond
	cfg.MaxWait = time.Second
	cfg.SaveTimeout = time.Second
	return cfg
}

func (h *harness) newDraft(t *testing.T, offlineID string) {
	t.Helper()
	r := domain.NewReport(offlineID, time.Now())
	r.Fields.Title = "Footing inspection"
	require.NoError(t, h.store.PutReport(context.Background(), r))
}

func (h *harness) edit(t *testing.T, offlineID, notes string) {
	t.Helper()
	_, err := h.store.EditReport(context.Background(), offlineID, func(r *domain.Report) error {
		r.Fields.Notes = notes
		return nil
	})
	require.NoError(t, err)
	h.ctrl.NotifyFieldChanged(offlineID)
}

func (h *harness) report(t *testing.T, offlineID string) *domain.Report {
	t.Helper()
	r, err := h.store.GetReport(context.Background(), offlineID)
	require.NoError(t, err)
	return r
}

func (h *harness) queue(t *testing.T) []domain.PendingMutation {
	t.Helper()
	q, err := h.store.ListMutations(context.Background())
	require.NoError(t, err)
	return q
}

func (h *harness) isClean(offlineID string) func() bool {
	return func() bool {
		r, err := h.store.GetReport(context.Background(), offlineID)
		return err == nil && r.SyncState == domain.SyncStateClean
	}
}

func nextEvent(t *testing.T, c *Controller) Event {
	t.Helper()
	select {
	case ev := <-c.Events():
		return ev
	case <-time.After(time.Second):
		t.Fatal("no autosave event")
		return Event{}
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr bool
	}{
		{"defaults", func(c *Config) {}, false},
		{"zero debounce", func(c *Config) { c.Debounce = 0 }, true},
		{"max wait below debounce", func(c *Config) { c.MaxWait = c.Debounce / 2 }, true},
		{"zero save timeout", func(c *Config) { c.SaveTimeout = 0 }, true},
		{"negative buffer", func(c *Config) { c.EventBuffer = -1 }, true},
		{"unbuffered events", func(c *Config) { c.EventBuffer = 0 }, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestController_TwoEditsOneSave(t *testing.T) {
	h := newHarness(t, fastConfig(), nil)
	h.newDraft(t, "off-1")

	h.edit(t, "off-1", "first")
	h.edit(t, "off-1", "first and second")

	require.Eventually(t, h.isClean("off-1"), time.Second, 5*time.Millisecond)
	time.Sleep(100 * time.Millisecond)

	saves, _, _ := h.remote.Calls()
	assert.Equal(t, 1, saves)

	sent, ok := h.remote.Report("off-1")
	require.True(t, ok)
	assert.Equal(t, "first and second", sent.Fields.Notes)

	ev := nextEvent(t, h.ctrl)
	assert.Equal(t, EventSaved, ev.Kind)
	require.NotNil(t, ev.Report)
	assert.True(t, ev.Report.HasServerID())
}

func TestController_MaxWaitBoundsContinuousTyping(t *testing.T) {
	cfg := fastConfig()
	cfg.Debounce = 60 * time.Millisecond
	cfg.MaxWait = 100 * time.Millisecond
	h := newHarness(t, cfg, nil)
	h.newDraft(t, "off-1")

	deadline := time.Now().Add(400 * time.Millisecond)
	for i := 0; time.Now().Before(deadline); i++ {
		h.edit(t, "off-1", "typing "+string(rune('a'+i%26)))
		time.Sleep(15 * time.Millisecond)
	}

	saves, _, _ := h.remote.Calls()
	assert.GreaterOrEqual(t, saves, 1, "max wait must fire while typing continues")
}

func TestController_SingleFlight(t *testing.T) {
	h := newHarness(t, fastConfig(), nil)
	h.newDraft(t, "off-1")

	var active, peak atomic.Int32
	h.remote.SaveHook = func(ctx context.Context, _ syncapi.SaveReportRequest) error {
		n := active.Add(1)
		defer active.Add(-1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		return nil
	}

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, _ = h.store.EditReport(context.Background(), "off-1", func(r *domain.Report) error {
				r.Fields.Notes = "burst " + string(rune('0'+i))
				return nil
			})
			_ = h.ctrl.ForceSaveNow(context.Background(), "off-1")
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), peak.Load())
	r := h.report(t, "off-1")
	assert.Equal(t, domain.SyncStateClean, r.SyncState)
	assert.Equal(t, r.Revision, r.AckedRevision)

	saves, _, _ := h.remote.Calls()
	assert.Less(t, saves, 6)
}

func TestController_OfflineSavesLocally(t *testing.T) {
	h := newHarness(t, fastConfig(), nil)
	h.online.Store(false)
	h.newDraft(t, "off-1")

	require.NoError(t, h.ctrl.ForceSaveNow(context.Background(), "off-1"))

	q := h.queue(t)
	require.Len(t, q, 1)
	assert.Equal(t, domain.MutationCreateReport, q[0].Kind)
	assert.Equal(t, domain.SyncStateQueued, h.report(t, "off-1").SyncState)
	assert.Positive(t, h.trigger.n.Load())

	saves, _, _ := h.remote.Calls()
	assert.Zero(t, saves)

	ev := nextEvent(t, h.ctrl)
	assert.Equal(t, EventSavedLocally, ev.Kind)
	assert.Equal(t, domain.SyncStateQueued, ev.State)
}

func TestController_OfflineEditsCoalesce(t *testing.T) {
	h := newHarness(t, fastConfig(), nil)
	h.online.Store(false)
	h.newDraft(t, "off-1")

	for _, notes := range []string{"a", "ab", "abc"} {
		h.edit(t, "off-1", notes)
		require.NoError(t, h.ctrl.ForceSaveNow(context.Background(), "off-1"))
	}

	q := h.queue(t)
	require.Len(t, q, 1)
	p := q[0].Payload.(domain.ReportSavePayload)
	assert.Equal(t, "abc", p.Report.Fields.Notes)
}

func TestController_TransientFailureSavesLocally(t *testing.T) {
	h := newHarness(t, fastConfig(), nil)
	h.remote.SetSaveError(domain.Transient(errors.New("connection reset"), "test", "server unreachable"))
	h.newDraft(t, "off-1")

	require.NoError(t, h.ctrl.ForceSaveNow(context.Background(), "off-1"))

	assert.Len(t, h.queue(t), 1)
	assert.Equal(t, domain.SyncStateQueued, h.report(t, "off-1").SyncState)
	assert.Equal(t, EventSavedLocally, nextEvent(t, h.ctrl).Kind)
}

func TestController_HungSaveSavesLocally(t *testing.T) {
	cfg := fastConfig()
	cfg.SaveTimeout = 30 * time.Millisecond
	h := newHarness(t, cfg, nil)
	h.remote.SaveHook = func(ctx context.Context, _ syncapi.SaveReportRequest) error {
		<-ctx.Done()
		return domain.Transient(ctx.Err(), "test", "timed out")
	}
	h.newDraft(t, "off-1")

	require.NoError(t, h.ctrl.ForceSaveNow(context.Background(), "off-1"))
	assert.Len(t, h.queue(t), 1)
	assert.Equal(t, domain.SyncStateQueued, h.report(t, "off-1").SyncState)
}

func TestController_Rejection(t *testing.T) {
	h := newHarness(t, fastConfig(), nil)
	h.remote.SetSaveError(domain.Rejected("test", "title is required"))
	h.newDraft(t, "off-1")

	require.NoError(t, h.ctrl.ForceSaveNow(context.Background(), "off-1"))

	r := h.report(t, "off-1")
	assert.Equal(t, domain.SyncStateError, r.SyncState)
	assert.Equal(t, "title is required", r.SyncError)
	assert.Empty(t, h.queue(t))

	ev := nextEvent(t, h.ctrl)
	assert.Equal(t, EventRejected, ev.Kind)
	assert.Equal(t, "title is required", ev.Message)

	// A rejected draft waits for the next edit.
	require.NoError(t, h.ctrl.ForceSaveNow(context.Background(), "off-1"))
	saves, _, _ := h.remote.Calls()
	assert.Equal(t, 1, saves)
}

func TestController_OutstandingMutationsGoThroughQueue(t *testing.T) {
	h := newHarness(t, fastConfig(), nil)
	h.newDraft(t, "off-1")

	_, err := h.store.Enqueue(context.Background(), domain.NewPendingMutation("off-1",
		domain.UploadPhotoPayload{LocalPhotoID: "lp-1", ReportOfflineID: "off-1"}, time.Now()))
	require.NoError(t, err)

	require.NoError(t, h.ctrl.ForceSaveNow(context.Background(), "off-1"))

	saves, _, _ := h.remote.Calls()
	assert.Zero(t, saves)
	q := h.queue(t)
	require.Len(t, q, 2)
	assert.Equal(t, domain.MutationUploadPhoto, q[0].Kind)
	assert.Equal(t, domain.MutationCreateReport, q[1].Kind)
}

func TestController_OpenBreakerGoesThroughQueue(t *testing.T) {
	br := breaker.New(breaker.Config{Threshold: 1, Cooldown: time.Hour})
	br.Failure()
	require.Equal(t, breaker.Open, br.State())

	h := newHarness(t, fastConfig(), br)
	h.newDraft(t, "off-1")

	require.NoError(t, h.ctrl.ForceSaveNow(context.Background(), "off-1"))

	saves, _, _ := h.remote.Calls()
	assert.Zero(t, saves)
	assert.Len(t, h.queue(t), 1)
}

func TestController_TransientFailuresOpenBreaker(t *testing.T) {
	br := breaker.New(breaker.Config{Threshold: 2, Cooldown: time.Hour})
	h := newHarness(t, fastConfig(), br)
	h.remote.SetSaveError(domain.Transient(errors.New("reset"), "test", "server unreachable"))

	for _, id := range []string{"off-1", "off-2"} {
		h.newDraft(t, id)
		require.NoError(t, h.ctrl.ForceSaveNow(context.Background(), id))
	}
	assert.Equal(t, breaker.Open, br.State())

	h.newDraft(t, "off-3")
	require.NoError(t, h.ctrl.ForceSaveNow(context.Background(), "off-3"))
	saves, _, _ := h.remote.Calls()
	assert.Equal(t, 2, saves)
}

func TestController_HandleOfflineQueuesPendingEdits(t *testing.T) {
	cfg := fastConfig()
	cfg.Debounce = time.Hour
	cfg.MaxWait = time.Hour
	h := newHarness(t, cfg, nil)
	h.newDraft(t, "off-1")
	h.edit(t, "off-1", "before the tunnel")

	h.online.Store(false)
	h.ctrl.HandleOffline(context.Background())

	q := h.queue(t)
	require.Len(t, q, 1)
	assert.Equal(t, "before the tunnel", q[0].Payload.(domain.ReportSavePayload).Report.Fields.Notes)
}

func TestController_FlushAll(t *testing.T) {
	cfg := fastConfig()
	cfg.Debounce = time.Hour
	cfg.MaxWait = time.Hour
	h := newHarness(t, cfg, nil)
	h.newDraft(t, "off-1")
	h.newDraft(t, "off-2")
	h.edit(t, "off-1", "closing the app")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, h.ctrl.FlushAll(ctx))

	q := h.queue(t)
	require.Len(t, q, 1)
	assert.Equal(t, "off-1", q[0].OfflineID)
	assert.Equal(t, domain.SyncStateQueued, h.report(t, "off-1").SyncState)
}

// =============================================================================
// Photos
// =============================================================================

func TestController_NotifyPhotoAdded(t *testing.T) {
	h := newHarness(t, fastConfig(), nil)
	h.online.Store(false)
	h.newDraft(t, "off-1")

	p, err := h.ctrl.NotifyPhotoAdded(context.Background(), "off-1", PhotoInput{
		Filename: "footing.jpg",
		Caption:  "north footing",
		Data:     jpegHeader,
	})
	require.NoError(t, err)
	assert.NotEmpty(t, p.LocalPhotoID)
	assert.Equal(t, "image/jpeg", p.Metadata.MimeType)
	assert.Equal(t, syncapi.Digest(jpegHeader), p.Metadata.Digest)

	r := h.report(t, "off-1")
	require.Len(t, r.PhotoRefs, 1)
	assert.Equal(t, p.LocalPhotoID, r.PhotoRefs[0].LocalPhotoID)

	blob, err := h.store.PhotoBlob(context.Background(), p)
	require.NoError(t, err)
	assert.Equal(t, jpegHeader, blob)

	// The upload is queued first, then the save that references it.
	require.Eventually(t, func() bool {
		q, err := h.store.ListMutations(context.Background())
		return err == nil && len(q) == 2
	}, time.Second, 5*time.Millisecond)
	q := h.queue(t)
	assert.Equal(t, domain.MutationUploadPhoto, q[0].Kind)
	assert.Equal(t, domain.MutationCreateReport, q[1].Kind)
	assert.Positive(t, h.trigger.n.Load())
}

func TestController_NotifyPhotoAddedRejectsBadInput(t *testing.T) {
	h := newHarness(t, fastConfig(), nil)
	h.newDraft(t, "off-1")

	_, err := h.ctrl.NotifyPhotoAdded(context.Background(), "off-1", PhotoInput{Filename: "empty.jpg"})
	assert.Equal(t, domain.EINVALID, domain.ErrorCode(err))

	_, err = h.ctrl.NotifyPhotoAdded(context.Background(), "off-1", PhotoInput{
		Filename: "notes.txt",
		Data:     []byte("plain text"),
	})
	assert.Equal(t, domain.EINVALID, domain.ErrorCode(err))

	_, err = h.ctrl.NotifyPhotoAdded(context.Background(), "off-missing", PhotoInput{
		Filename: "a.jpg",
		Data:     jpegHeader,
	})
	assert.True(t, domain.IsNotFound(err))
}

func TestController_NotifyPhotoAddedDiscardsBlobWhenDraftIsMissing(t *testing.T) {
	h := newHarness(t, fastConfig(), nil)
	h.newDraft(t, "off-1")
	ctx := context.Background()

	_, err := h.ctrl.NotifyPhotoAdded(ctx, "off-1", PhotoInput{Filename: "kept.jpg", Data: jpegHeader})
	require.NoError(t, err)
	require.Equal(t, 1, h.blobCount(t))

	_, err = h.ctrl.NotifyPhotoAdded(ctx, "off-missing", PhotoInput{Filename: "a.jpg", Data: jpegHeader})
	require.True(t, domain.IsNotFound(err))

	assert.Equal(t, 1, h.blobCount(t), "no blob is left for a photo that was never recorded")
	photos, err := h.store.PhotosByReport(ctx, "off-missing")
	require.NoError(t, err)
	assert.Empty(t, photos)
}

func TestController_RemovePhotoBeforeUploadAttempt(t *testing.T) {
	h := newHarness(t, fastConfig(), nil)
	h.online.Store(false)
	h.newDraft(t, "off-1")
	ctx := context.Background()

	p, err := h.ctrl.NotifyPhotoAdded(ctx, "off-1", PhotoInput{Filename: "a.jpg", Data: jpegHeader})
	require.NoError(t, err)
	require.NoError(t, h.ctrl.NotifyPhotoRemoved(ctx, "off-1", p.LocalPhotoID))

	_, err = h.store.GetPhoto(ctx, p.LocalPhotoID)
	assert.True(t, domain.IsNotFound(err))
	assert.Empty(t, h.report(t, "off-1").PhotoRefs)

	require.Eventually(t, func() bool {
		q, err := h.store.ListMutations(ctx)
		return err == nil && len(q) == 1
	}, time.Second, 5*time.Millisecond)
	for _, m := range h.queue(t) {
		assert.True(t, m.Kind.IsReportSave(), "no photo traffic expected, got %s", m.Kind)
	}
}

func TestController_RemovePhotoAfterUploadAttempt(t *testing.T) {
	h := newHarness(t, fastConfig(), nil)
	h.online.Store(false)
	h.newDraft(t, "off-1")
	ctx := context.Background()

	p, err := h.ctrl.NotifyPhotoAdded(ctx, "off-1", PhotoInput{Filename: "a.jpg", Data: jpegHeader})
	require.NoError(t, err)

	// One failed attempt means the server may hold the photo.
	m, err := h.store.ClaimNext(ctx)
	require.NoError(t, err)
	require.Equal(t, domain.MutationUploadPhoto, m.Kind)
	require.NoError(t, h.store.FailMutation(ctx, m.QueueID, 1, time.Now(), false, "timeout"))

	require.NoError(t, h.ctrl.NotifyPhotoRemoved(ctx, "off-1", p.LocalPhotoID))

	got, err := h.store.GetPhoto(ctx, p.LocalPhotoID)
	require.NoError(t, err)
	assert.True(t, got.IsMarkedForDeletion())

	var kinds []domain.MutationKind
	for _, m := range h.queue(t) {
		kinds = append(kinds, m.Kind)
	}
	assert.Contains(t, kinds, domain.MutationUploadPhoto)
	assert.Contains(t, kinds, domain.MutationDeletePhoto)
}

func TestController_RemovePrunedPhotoUsesPermanentID(t *testing.T) {
	h := newHarness(t, fastConfig(), nil)
	h.online.Store(false)
	ctx := context.Background()

	r := domain.NewReport("off-1", time.Now())
	r.ID = "srv-1"
	r.PhotoRefs = []domain.PhotoRef{{LocalPhotoID: "lp-1", PermanentPhotoID: "ph-1"}}
	r.AckedRevision = r.Revision
	r.SyncState = domain.SyncStateClean
	require.NoError(t, h.store.PutReport(ctx, r))

	require.NoError(t, h.ctrl.NotifyPhotoRemoved(ctx, "off-1", "lp-1"))

	var del *domain.DeletePhotoPayload
	for _, m := range h.queue(t) {
		if p, ok := m.Payload.(domain.DeletePhotoPayload); ok {
			del = &p
		}
	}
	require.NotNil(t, del)
	assert.Equal(t, "ph-1", del.PermanentPhotoID)
}

func TestController_ForceSaveJoiningFlightReturnsItsError(t *testing.T) {
	br := breaker.New(breaker.Config{Threshold: 1, Cooldown: time.Millisecond})
	h := newHarness(t, fastConfig(), br)
	h.newDraft(t, "off-1")

	br.Failure()
	time.Sleep(5 * time.Millisecond)

	entered := make(chan struct{})
	release := make(chan struct{})
	h.remote.SaveHook = func(ctx context.Context, _ syncapi.SaveReportRequest) error {
		close(entered)
		<-release
		return nil
	}

	ownerErr := make(chan error, 1)
	go func() { ownerErr <- h.ctrl.ForceSaveNow(context.Background(), "off-1") }()
	<-entered
	assert.Equal(t, breaker.HalfOpen, br.State(), "the direct save is the breaker trial")

	joinerErr := make(chan error, 1)
	go func() { joinerErr <- h.ctrl.ForceSaveNow(context.Background(), "off-1") }()
	require.Eventually(t, func() bool {
		h.ctrl.mu.Lock()
		defer h.ctrl.mu.Unlock()
		d := h.ctrl.drafts["off-1"]
		return d != nil && d.again
	}, time.Second, time.Millisecond)

	// The store goes away while the save is on the wire.
	require.NoError(t, h.store.Close())
	close(release)

	select {
	case err := <-joinerErr:
		require.Error(t, err)
		assert.True(t, domain.IsStorageUnavailable(err), "got %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("joined save never returned")
	}
	assert.Error(t, <-ownerErr)

	assert.True(t, br.Allow(), "a save that failed on the device must hand the trial back")
}
