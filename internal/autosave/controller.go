// Package autosave turns draft edits into saves.
//
// Field changes are debounced, and a max-wait timer bounds the delay under
// continuous typing. Photo changes save immediately. At most one save per
// draft runs at a time; a save requested while one is running sets a flag
// that triggers exactly one follow-up.
//
// A save goes straight to the server when the device is online, the circuit
// breaker allows it, and the draft has nothing queued. Otherwise, or if the
// direct save fails transiently, a snapshot is queued for the sync queue and
// the draft reports "saved locally".
package autosave

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/DukeRupert/fieldsync/internal/breaker"
	"github.com/DukeRupert/fieldsync/internal/domain"
	"github.com/DukeRupert/fieldsync/internal/jobs"
	"github.com/DukeRupert/fieldsync/internal/localstore"
	"github.com/DukeRupert/fieldsync/internal/metrics"
	"github.com/DukeRupert/fieldsync/internal/syncapi"
	"github.com/DukeRupert/fieldsync/internal/syncqueue"
)

// Triggerer wakes the sync queue processor.
type Triggerer interface {
	Trigger()
}

// Controller schedules and runs autosaves for every open draft.
type Controller struct {
	store   *localstore.Store
	remote  syncapi.Remote
	gate    *syncqueue.Gate
	breaker *breaker.Breaker
	queue   Triggerer
	config  Config
	logger  *slog.Logger
	online  func() bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	drafts map[string]*draft
	seq    uint64
	closed bool

	events chan Event
}

// draft is the scheduling state of one draft. Timer callbacks carry the
// sequence number they were armed with and do nothing if it changed.
type draft struct {
	debounce    *time.Timer
	debounceSeq uint64
	maxWait     *time.Timer
	maxWaitSeq  uint64

	inFlight bool
	again    bool
	flight   *flight
}

// flight is one run of save. err is set before done is closed.
type flight struct {
	done chan struct{}
	err  error
}

// New creates a controller. gate must be the one the queue's report save
// handler uses. br may be nil.
func New(
	store *localstore.Store,
	remote syncapi.Remote,
	gate *syncqueue.Gate,
	br *breaker.Breaker,
	queue Triggerer,
	config Config,
	logger *slog.Logger,
) (*Controller, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if br == nil {
		br = breaker.New(breaker.Config{})
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Controller{
		store:   store,
		remote:  remote,
		gate:    gate,
		breaker: br,
		queue:   queue,
		config:  config,
		logger:  logger.With("component", "autosave"),
		ctx:     ctx,
		cancel:  cancel,
		drafts:  make(map[string]*draft),
		events:  make(chan Event, config.EventBuffer),
	}, nil
}

// RequireOnline makes saves go to the queue while fn returns false.
func (c *Controller) RequireOnline(fn func() bool) {
	c.online = fn
}

// Events returns the channel save outcomes are published on.
func (c *Controller) Events() <-chan Event {
	return c.events
}

// =============================================================================
// Scheduling
// =============================================================================

// NotifyFieldChanged schedules a debounced save of the draft.
func (c *Controller) NotifyFieldChanged(offlineID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}
	d := c.draftLocked(offlineID)

	if d.debounce != nil {
		d.debounce.Stop()
	}
	c.seq++
	d.debounceSeq = c.seq
	seq := c.seq
	d.debounce = time.AfterFunc(c.config.Debounce, func() { c.fire(offlineID, seq, false) })

	if d.maxWait == nil {
		c.seq++
		d.maxWaitSeq = c.seq
		seq := c.seq
		d.maxWait = time.AfterFunc(c.config.MaxWait, func() { c.fire(offlineID, seq, true) })
	}
}

// ForceSaveNow saves the draft immediately, bypassing the debounce. If a
// save of the draft is running, it waits for that save and its follow-up.
func (c *Controller) ForceSaveNow(ctx context.Context, offlineID string) error {
	return c.save(ctx, offlineID, true)
}

// HandleOffline cancels pending timers and queues their drafts right away.
// Nothing queued is discarded.
func (c *Controller) HandleOffline(ctx context.Context) {
	for _, id := range c.stopAllTimers() {
		if err := c.save(ctx, id, false); err != nil {
			c.logger.Warn("Failed to queue draft on going offline", "offline_id", id, "error", err)
		}
	}
}

// FlushAll records every draft with unsaved edits in the queue. It is the
// teardown path: it does not touch the network and is not cancelled by ctx.
func (c *Controller) FlushAll(ctx context.Context) error {
	ctx = context.WithoutCancel(ctx)

	c.stopAllTimers()
	c.mu.Lock()
	ids := make([]string, 0, len(c.drafts))
	for id := range c.drafts {
		ids = append(ids, id)
	}
	c.mu.Unlock()

	var errs []error
	queued := 0
	for _, id := range ids {
		r, err := c.store.GetReport(ctx, id)
		if domain.IsNotFound(err) {
			continue
		}
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if !needsSave(r) {
			continue
		}
		if _, err := c.store.EnqueueReportSave(ctx, id); err != nil {
			errs = append(errs, err)
			continue
		}
		queued++
	}
	if queued > 0 {
		c.logger.Info("Flushed drafts to the sync queue", "count", queued)
		c.trigger()
	}
	return errors.Join(errs...)
}

// Close stops all timers, cancels running direct saves, and waits for them.
// Call FlushAll first to keep their edits.
func (c *Controller) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	for _, d := range c.drafts {
		c.stopTimersLocked(d)
	}
	c.mu.Unlock()

	c.cancel()
	c.wg.Wait()
}

func (c *Controller) draftLocked(offlineID string) *draft {
	d, ok := c.drafts[offlineID]
	if !ok {
		d = &draft{}
		c.drafts[offlineID] = d
	}
	return d
}

func (c *Controller) stopTimersLocked(d *draft) {
	if d.debounce != nil {
		d.debounce.Stop()
		d.debounce = nil
	}
	if d.maxWait != nil {
		d.maxWait.Stop()
		d.maxWait = nil
	}
	d.debounceSeq = 0
	d.maxWaitSeq = 0
}

// stopAllTimers cancels every pending timer and returns the drafts that had one.
func (c *Controller) stopAllTimers() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	var ids []string
	for id, d := range c.drafts {
		if d.debounce != nil || d.maxWait != nil {
			c.stopTimersLocked(d)
			ids = append(ids, id)
		}
	}
	return ids
}

func (c *Controller) fire(offlineID string, seq uint64, maxWait bool) {
	c.mu.Lock()
	d, ok := c.drafts[offlineID]
	if !ok || c.closed {
		c.mu.Unlock()
		return
	}
	if (maxWait && d.maxWaitSeq != seq) || (!maxWait && d.debounceSeq != seq) {
		c.mu.Unlock()
		return
	}
	c.stopTimersLocked(d)
	c.mu.Unlock()

	c.saveAsync(offlineID)
}

// kick cancels the draft's timers and saves it in the background.
func (c *Controller) kick(offlineID string) {
	c.mu.Lock()
	if d, ok := c.drafts[offlineID]; ok {
		c.stopTimersLocked(d)
	}
	c.mu.Unlock()

	c.saveAsync(offlineID)
}

func (c *Controller) saveAsync(offlineID string) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.wg.Add(1)
	c.mu.Unlock()

	go func() {
		defer c.wg.Done()
		_ = c.save(c.ctx, offlineID, false)
	}()
}

// =============================================================================
// Saving
// =============================================================================

// save runs a single-flight save of the draft. A call that finds a save
// running asks it to go around once more; with wait set it also blocks
// until that is done.
func (c *Controller) save(ctx context.Context, offlineID string, wait bool) error {
	c.mu.Lock()
	d := c.draftLocked(offlineID)
	if d.inFlight {
		d.again = true
		f := d.flight
		c.mu.Unlock()
		if !wait {
			return nil
		}
		select {
		case <-f.done:
			return f.err
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	d.inFlight = true
	f := &flight{done: make(chan struct{})}
	d.flight = f
	c.stopTimersLocked(d)
	c.mu.Unlock()

	for {
		err := c.saveOnce(ctx, offlineID)

		c.mu.Lock()
		if !d.again || ctx.Err() != nil {
			d.inFlight = false
			d.again = false
			f.err = err
			close(f.done)
			if d.debounce == nil && d.maxWait == nil {
				delete(c.drafts, offlineID)
			}
			c.mu.Unlock()
			return err
		}
		d.again = false
		c.mu.Unlock()
	}
}

// saveOnce saves the stored draft once, directly or through the queue.
func (c *Controller) saveOnce(ctx context.Context, offlineID string) error {
	start := time.Now()

	r, err := c.store.GetReport(ctx, offlineID)
	if domain.IsNotFound(err) {
		return nil
	}
	if err != nil {
		c.storageWarning(offlineID, err, start)
		return err
	}
	if !needsSave(r) {
		return nil
	}

	release, direct := c.tryDirect(ctx, offlineID)
	if !direct {
		return c.queueSave(ctx, offlineID, start)
	}
	defer release()

	sendCtx, cancel := context.WithTimeout(ctx, c.config.SaveTimeout)
	saved, err := jobs.SendReport(sendCtx, c.store, c.remote, r.Clone(), 0, c.logger)
	cancel()

	switch {
	case err == nil:
		c.breaker.Success()
		metrics.AutosaveRecorded("saved", time.Since(start))
		c.publish(Event{OfflineID: offlineID, Kind: EventSaved, State: saved.SyncState, Report: saved})
		return nil

	case domain.IsStorageUnavailable(err):
		c.breaker.Cancel()
		c.storageWarning(offlineID, err, start)
		return err

	case domain.IsRejected(err):
		c.breaker.Success()
		return c.reject(context.WithoutCancel(ctx), r, err, start)
	}

	if ctx.Err() == nil && (domain.IsTransient(err) || errors.Is(err, context.DeadlineExceeded)) {
		c.breaker.Failure()
	} else {
		c.breaker.Cancel()
	}
	c.logger.Info("Direct save failed, saving locally", "offline_id", offlineID, "error", err)
	return c.queueSave(context.WithoutCancel(ctx), offlineID, start)
}

// tryDirect reports whether the draft may be sent now. On true the caller
// holds the draft's gate and must call release.
func (c *Controller) tryDirect(ctx context.Context, offlineID string) (release func(), ok bool) {
	if c.online != nil && !c.online() {
		return nil, false
	}
	outstanding, err := c.store.HasOutstanding(ctx, offlineID)
	if err != nil || outstanding {
		return nil, false
	}
	release, ok = c.gate.TryAcquire(offlineID)
	if !ok {
		return nil, false
	}
	if !c.breaker.Allow() {
		release()
		return nil, false
	}
	return release, true
}

func (c *Controller) queueSave(ctx context.Context, offlineID string, start time.Time) error {
	if _, err := c.store.EnqueueReportSave(ctx, offlineID); err != nil {
		if domain.IsNotFound(err) {
			return nil
		}
		c.storageWarning(offlineID, err, start)
		return err
	}
	c.trigger()
	metrics.AutosaveRecorded("queued", time.Since(start))

	r, err := c.store.GetReport(ctx, offlineID)
	if err != nil {
		r = nil
	}
	c.publish(Event{
		OfflineID: offlineID,
		Kind:      EventSavedLocally,
		State:     domain.SyncStateQueued,
		Message:   domain.SyncStateQueued.DisplayName(),
		Report:    r,
	})
	return nil
}

// reject marks the draft as needing attention unless it was edited while
// the rejected save was in flight.
func (c *Controller) reject(ctx context.Context, sent *domain.Report, cause error, start time.Time) error {
	reason := domain.ErrorMessage(cause)
	c.logger.Warn("Server rejected draft", "offline_id", sent.OfflineID, "revision", sent.Revision, "reason", reason)
	metrics.AutosaveRecorded("rejected", time.Since(start))

	var out *domain.Report
	err := c.store.Update(ctx, func(q *localstore.Queries) error {
		r, err := q.GetReport(ctx, sent.OfflineID)
		if err != nil {
			return err
		}
		out = r
		if r.Revision != sent.Revision {
			return nil
		}
		r.SyncState = domain.SyncStateError
		r.SyncError = reason
		return q.PutReport(ctx, r)
	})
	if err != nil {
		c.storageWarning(sent.OfflineID, err, start)
		return err
	}

	c.publish(Event{
		OfflineID: sent.OfflineID,
		Kind:      EventRejected,
		State:     out.SyncState,
		Message:   reason,
		Report:    out,
	})
	return nil
}

func (c *Controller) storageWarning(offlineID string, err error, start time.Time) {
	c.logger.Error("Local storage failed during autosave", "offline_id", offlineID, "error", err)
	metrics.AutosaveRecorded("storage_error", time.Since(start))
	c.publish(Event{
		OfflineID: offlineID,
		Kind:      EventStorageWarning,
		State:     domain.SyncStateError,
		Message:   "Changes could not be saved on this device",
	})
}

func (c *Controller) publish(ev Event) {
	select {
	case c.events <- ev:
	default:
		c.logger.Debug("Dropping autosave event", "offline_id", ev.OfflineID, "kind", ev.Kind)
	}
}

func (c *Controller) trigger() {
	if c.queue != nil {
		c.queue.Trigger()
	}
}

// needsSave reports whether the draft holds edits the server has not
// acknowledged. A rejected draft waits for the next edit.
func needsSave(r *domain.Report) bool {
	return r.IsUnacknowledged() && r.SyncState != domain.SyncStateError
}
