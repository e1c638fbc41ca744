// Package syncqueue replays queued mutations against the sync server.
//
// Lifecycle of an entry:
//
//	pending -> processing -> removed
//	                      -> pending (attempt+1, next attempt after backoff)
//	                      -> failed_permanent (rejected, or attempts exhausted)
//
// Entries are claimed in queue order. Entries of different drafts may be sent
// in parallel; an entry is never claimed while an earlier entry of the same
// draft is still queued, which keeps per-draft FIFO and guarantees the same
// mutation is never sent twice concurrently.
package syncqueue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/DukeRupert/fieldsync/internal/breaker"
	"github.com/DukeRupert/fieldsync/internal/domain"
	"github.com/DukeRupert/fieldsync/internal/metrics"
)

// Queue is the durable queue the processor drains.
type Queue interface {
	RecoverProcessing(ctx context.Context) (int64, error)
	ClaimNext(ctx context.Context) (*domain.PendingMutation, error)
	CompleteMutation(ctx context.Context, queueID int64) error
	FailMutation(ctx context.Context, queueID int64, attempt int, next time.Time, permanent bool, lastErr string) error
	NextDue(ctx context.Context) (time.Time, error)
	QueueStats(ctx context.Context) (map[domain.MutationStatus]int, error)
}

// Processor sends queued mutations through registered handlers.
type Processor struct {
	queue    Queue
	handlers map[domain.MutationKind]MutationHandler
	config   Config
	breaker  *breaker.Breaker
	logger   *slog.Logger
	now      func() time.Time

	online    func() bool
	onFailure func(m domain.PendingMutation, err error)

	trigger chan struct{}

	// Drain guard: a Drain that finds one running asks it to go around once
	// more instead of running in parallel.
	mu       sync.Mutex
	draining bool
	again    bool

	// Synchronization
	wg       sync.WaitGroup
	stopCh   chan struct{}
	stopOnce sync.Once
	cancel   context.CancelFunc
}

// New creates a processor. The processor must be started with Start() and
// stopped with Stop(); Drain may also be called directly.
func New(queue Queue, br *breaker.Breaker, config Config, logger *slog.Logger) (*Processor, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if br == nil {
		br = breaker.New(breaker.Config{})
	}

	return &Processor{
		queue:    queue,
		handlers: make(map[domain.MutationKind]MutationHandler),
		config:   config,
		breaker:  br,
		logger:   logger.With("component", "syncqueue"),
		now:      time.Now,
		trigger:  make(chan struct{}, 1),
		stopCh:   make(chan struct{}),
	}, nil
}

// Register adds a handler for each of its kinds. Call this before Start().
func (p *Processor) Register(handler MutationHandler) {
	for _, kind := range handler.Kinds() {
		if _, exists := p.handlers[kind]; exists {
			p.logger.Warn("Overwriting existing handler", "kind", kind)
		}
		p.handlers[kind] = handler
		p.logger.Debug("Registered mutation handler", "kind", kind)
	}
}

// RequireOnline makes Drain a no-op while fn returns false.
func (p *Processor) RequireOnline(fn func() bool) {
	p.online = fn
}

// OnFailure registers fn to be called when a mutation becomes failed-permanent.
func (p *Processor) OnFailure(fn func(m domain.PendingMutation, err error)) {
	p.onFailure = fn
}

// Start recovers entries left processing by a previous run and starts the
// scheduling loop.
func (p *Processor) Start(ctx context.Context) {
	if n, err := p.queue.RecoverProcessing(ctx); err != nil {
		p.logger.Error("Failed to recover processing mutations", "error", err)
	} else if n > 0 {
		p.logger.Warn("Recovered processing mutations", "count", n)
	}

	ctx, p.cancel = context.WithCancel(ctx)
	p.wg.Add(1)
	go p.run(ctx)

	p.logger.Info("Sync queue started", "concurrency", p.config.Concurrency)
}

// Stop signals the loop to stop and waits for in-flight sends to finish,
// up to ShutdownTimeout. Sends still running after that are cancelled.
func (p *Processor) Stop() {
	p.stopOnce.Do(func() {
		p.logger.Info("Stopping sync queue...")
		close(p.stopCh)

		done := make(chan struct{})
		go func() {
			p.wg.Wait()
			close(done)
		}()

		select {
		case <-done:
			p.logger.Info("Sync queue stopped gracefully")
		case <-time.After(p.config.ShutdownTimeout):
			p.logger.Warn("Sync queue shutdown timeout exceeded, cancelling in-flight sends")
			if p.cancel != nil {
				p.cancel()
			}
			<-done
		}
		if p.cancel != nil {
			p.cancel()
		}
	})
}

// Trigger asks the loop to drain soon. It never blocks.
func (p *Processor) Trigger() {
	select {
	case p.trigger <- struct{}{}:
	default:
	}
}

// run is the scheduling loop. It drains on trigger, on the poll interval,
// and when the earliest retry becomes due.
func (p *Processor) run(ctx context.Context) {
	defer p.wg.Done()

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ctx.Done():
			return
		case <-p.trigger:
		case <-timer.C:
		}

		if err := p.Drain(ctx); err != nil && ctx.Err() == nil {
			p.logger.Error("Failed to drain sync queue", "error", err)
		}

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(p.nextWake(ctx))
	}
}

// nextWake returns how long to sleep before the next scheduled drain.
func (p *Processor) nextWake(ctx context.Context) time.Duration {
	wait := p.config.PollInterval
	// Due entries cannot be sent while offline; wait for a trigger or the poll.
	if p.online != nil && !p.online() {
		return wait
	}

	due, err := p.queue.NextDue(ctx)
	if err == nil && !due.IsZero() {
		if retryAt := p.breaker.RetryAt(); retryAt.After(due) {
			due = retryAt
		}
		if d := due.Sub(p.now()); d < wait {
			wait = d
		}
	}
	if wait < 10*time.Millisecond {
		wait = 10 * time.Millisecond
	}
	return wait
}

// Drain sends every due entry and returns when none is left. It is safe to
// call repeatedly and concurrently: a call that finds a drain running makes
// that drain go around once more and returns immediately.
func (p *Processor) Drain(ctx context.Context) error {
	p.mu.Lock()
	if p.draining {
		p.again = true
		p.mu.Unlock()
		return nil
	}
	p.draining = true
	p.mu.Unlock()

	for {
		err := p.drainOnce(ctx)

		p.mu.Lock()
		if err != nil || !p.again {
			p.draining = false
			p.again = false
			p.mu.Unlock()
			p.publishDepth(ctx)
			return err
		}
		p.again = false
		p.mu.Unlock()
	}
}

func (p *Processor) drainOnce(ctx context.Context) error {
	if p.online != nil && !p.online() {
		return nil
	}

	var (
		wg       sync.WaitGroup
		errMu    sync.Mutex
		firstErr error
	)
	for i := 0; i < p.config.Concurrency; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			if err := p.work(ctx, p.logger.With("worker_id", workerID)); err != nil {
				errMu.Lock()
				if firstErr == nil {
					firstErr = err
				}
				errMu.Unlock()
			}
		}(i + 1)
	}
	wg.Wait()
	return firstErr
}

// work claims and sends entries until none is due, the breaker refuses, or
// ctx is done.
func (p *Processor) work(ctx context.Context, logger *slog.Logger) error {
	for {
		if ctx.Err() != nil {
			return nil
		}
		if p.breaker.State() == breaker.Open && p.now().Before(p.breaker.RetryAt()) {
			return nil
		}

		m, err := p.queue.ClaimNext(ctx)
		if err != nil {
			return err
		}
		if m == nil {
			return nil
		}

		if !p.breaker.Allow() {
			p.release(ctx, m, logger)
			return nil
		}
		p.process(ctx, m, logger)
	}
}

// release returns a claimed entry to pending without counting an attempt.
func (p *Processor) release(ctx context.Context, m *domain.PendingMutation, logger *slog.Logger) {
	next := p.breaker.RetryAt()
	if next.IsZero() {
		next = p.now()
	}
	ctx = context.WithoutCancel(ctx)
	if err := p.queue.FailMutation(ctx, m.QueueID, m.AttemptCount, next, false, m.LastError); err != nil {
		logger.Error("Failed to release mutation", "queue_id", m.QueueID, "error", err)
	}
}

// process sends one claimed entry and records the outcome.
func (p *Processor) process(ctx context.Context, m *domain.PendingMutation, logger *slog.Logger) {
	logger = logger.With("queue_id", m.QueueID, "kind", m.Kind, "offline_id", m.OfflineID, "attempt", m.AttemptCount+1)
	logger.Info("Processing mutation")

	start := p.now()
	err := p.execute(ctx, m)
	// Bookkeeping must land even when ctx was cancelled mid-send.
	bookCtx := context.WithoutCancel(ctx)

	if err == nil {
		p.breaker.Success()
		if err := p.queue.CompleteMutation(bookCtx, m.QueueID); err != nil {
			logger.Error("Failed to mark mutation as completed", "error", err)
			return
		}
		metrics.MutationCompleted(m.Kind, p.now().Sub(start))
		logger.Info("Mutation completed")
		return
	}

	// Shutdown is not the mutation's fault.
	if ctx.Err() != nil && !IsPermanent(err) {
		p.breaker.Cancel()
		logger.Info("Mutation interrupted, returning to queue")
		p.release(bookCtx, m, logger)
		return
	}

	switch {
	case domain.IsTransient(err) || errors.Is(err, context.DeadlineExceeded):
		p.breaker.Failure()
	case domain.IsRejected(err):
		p.breaker.Success()
	default:
		// Failed on the device: missing draft or blob, store errors.
		p.breaker.Cancel()
	}

	attempt := m.AttemptCount + 1
	if IsPermanent(err) || attempt >= p.config.MaxAttempts {
		if IsPermanent(err) {
			logger.Warn("Mutation failed with permanent error, will not retry", "error", err)
		} else {
			logger.Warn("Mutation exhausted its attempts", "error", err)
		}
		if err := p.queue.FailMutation(bookCtx, m.QueueID, attempt, time.Time{}, true, errorMessage(err)); err != nil {
			logger.Error("Failed to mark mutation as failed", "error", err)
			return
		}
		metrics.MutationFailed(m.Kind)
		if p.onFailure != nil {
			failed := *m
			failed.AttemptCount = attempt
			failed.Status = domain.MutationStatusFailedPermanent
			failed.LastError = errorMessage(err)
			p.onFailure(failed, err)
		}
		return
	}

	next := p.now().Add(p.config.Backoff(attempt))
	logger.Info("Mutation failed, will retry", "error", err, "next_attempt_at", next)
	if err := p.queue.FailMutation(bookCtx, m.QueueID, attempt, next, false, errorMessage(err)); err != nil {
		logger.Error("Failed to reschedule mutation", "error", err)
		return
	}
	metrics.MutationRetried(m.Kind)
}

// execute runs the handler for m with the request timeout.
func (p *Processor) execute(ctx context.Context, m *domain.PendingMutation) error {
	handler, ok := p.handlers[m.Kind]
	if !ok {
		return NewPermanentError(fmt.Errorf("no handler registered for mutation kind: %s", m.Kind))
	}

	reqCtx, cancel := context.WithTimeout(ctx, p.config.RequestTimeout)
	defer cancel()

	return handler.Handle(reqCtx, *m)
}

func (p *Processor) publishDepth(ctx context.Context) {
	counts, err := p.queue.QueueStats(context.WithoutCancel(ctx))
	if err != nil {
		return
	}
	metrics.SetQueueDepth(counts)
}

func errorMessage(err error) string {
	var de *domain.Error
	if errors.As(err, &de) {
		return domain.ErrorMessage(err)
	}
	return err.Error()
}
