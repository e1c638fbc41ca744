package localstore

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/DukeRupert/fieldsync/internal/domain"
)

const mutationColumns = `queue_id, offline_id, kind, payload, enqueued_at, next_attempt_at, attempt_count, status, last_error`

// =============================================================================
// Queries: pending-mutations collection
// =============================================================================

// InsertMutation appends m to the queue and returns it with its queue id.
func (q *Queries) InsertMutation(ctx context.Context, m domain.PendingMutation) (domain.PendingMutation, error) {
	const op = "localstore.insert_mutation"

	if m.OfflineID == "" {
		return m, domain.Invalid(op, "offline id is required")
	}
	if m.Payload == nil || m.Payload.Kind() != m.Kind {
		return m, domain.Invalid(op, "payload does not match mutation kind")
	}
	if m.Status == "" {
		m.Status = domain.MutationStatusPending
	}
	if m.EnqueuedAt.IsZero() {
		m.EnqueuedAt = q.now()
	}
	if m.NextAttemptAt.IsZero() {
		m.NextAttemptAt = m.EnqueuedAt
	}

	payload, err := domain.EncodePayload(m.Payload)
	if err != nil {
		return m, err
	}

	res, err := q.db.ExecContext(ctx, `
		INSERT INTO pending_mutations (offline_id, kind, payload, enqueued_at, next_attempt_at, attempt_count, status, last_error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		m.OfflineID, string(m.Kind), string(payload), unixNano(m.EnqueuedAt), unixNano(m.NextAttemptAt),
		m.AttemptCount, string(m.Status), m.LastError,
	)
	if err != nil {
		return m, wrap(err, op)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return m, wrap(err, op)
	}
	m.QueueID = id
	return m, nil
}

// GetMutation returns the mutation with the given queue id.
func (q *Queries) GetMutation(ctx context.Context, queueID int64) (*domain.PendingMutation, error) {
	const op = "localstore.get_mutation"

	row := q.db.QueryRowContext(ctx, `SELECT `+mutationColumns+` FROM pending_mutations WHERE queue_id = ?`, queueID)
	m, err := scanMutation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.Errorf(domain.ENOTFOUND, op, "mutation %d not found", queueID)
	}
	if err != nil {
		return nil, wrap(err, op)
	}
	return m, nil
}

// ListMutations returns the whole queue in FIFO order.
func (q *Queries) ListMutations(ctx context.Context) ([]domain.PendingMutation, error) {
	return q.queryMutations(ctx, "localstore.list_mutations",
		`SELECT `+mutationColumns+` FROM pending_mutations ORDER BY queue_id`)
}

// MutationsByDraft returns the queue entries of one draft in FIFO order.
func (q *Queries) MutationsByDraft(ctx context.Context, offlineID string) ([]domain.PendingMutation, error) {
	return q.queryMutations(ctx, "localstore.mutations_by_draft",
		`SELECT `+mutationColumns+` FROM pending_mutations WHERE offline_id = ? ORDER BY queue_id`, offlineID)
}

// MutationsByEnqueueTime returns up to limit entries enqueued at or after since.
func (q *Queries) MutationsByEnqueueTime(ctx context.Context, since time.Time, limit int) ([]domain.PendingMutation, error) {
	return q.queryMutations(ctx, "localstore.mutations_by_enqueue_time",
		`SELECT `+mutationColumns+` FROM pending_mutations
		 WHERE enqueued_at >= ? ORDER BY enqueued_at, queue_id LIMIT ?`, unixNano(since), limit)
}

// DeleteMutation removes a queue entry.
func (q *Queries) DeleteMutation(ctx context.Context, queueID int64) error {
	_, err := q.db.ExecContext(ctx, `DELETE FROM pending_mutations WHERE queue_id = ?`, queueID)
	return wrap(err, "localstore.delete_mutation")
}

// UpdateMutation writes back the mutable columns of m.
func (q *Queries) UpdateMutation(ctx context.Context, m domain.PendingMutation) error {
	const op = "localstore.update_mutation"

	payload, err := domain.EncodePayload(m.Payload)
	if err != nil {
		return err
	}
	res, err := q.db.ExecContext(ctx, `
		UPDATE pending_mutations
		SET kind = ?, payload = ?, next_attempt_at = ?, attempt_count = ?, status = ?, last_error = ?
		WHERE queue_id = ?`,
		string(m.Kind), string(payload), unixNano(m.NextAttemptAt), m.AttemptCount, string(m.Status), m.LastError, m.QueueID,
	)
	if err != nil {
		return wrap(err, op)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.Errorf(domain.ENOTFOUND, op, "mutation %d not found", m.QueueID)
	}
	return nil
}

// TailMutation returns the most recently enqueued entry of a draft, or nil.
func (q *Queries) TailMutation(ctx context.Context, offlineID string) (*domain.PendingMutation, error) {
	const op = "localstore.tail_mutation"

	row := q.db.QueryRowContext(ctx, `SELECT `+mutationColumns+` FROM pending_mutations
		WHERE offline_id = ? ORDER BY queue_id DESC LIMIT 1`, offlineID)
	m, err := scanMutation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, wrap(err, op)
	}
	return m, nil
}

// CountOutstanding returns how many queue entries a draft has in any status.
func (q *Queries) CountOutstanding(ctx context.Context, offlineID string) (int, error) {
	var n int
	err := q.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM pending_mutations WHERE offline_id = ?`, offlineID).Scan(&n)
	return n, wrap(err, "localstore.count_outstanding")
}

// NextClaimable returns the oldest pending entry that is due and is the head
// of its draft's queue. Entries behind a processing or failed-permanent entry
// of the same draft are never returned, which keeps per-draft FIFO.
func (q *Queries) NextClaimable(ctx context.Context, now time.Time) (*domain.PendingMutation, error) {
	const op = "localstore.next_claimable"

	row := q.db.QueryRowContext(ctx, `
		SELECT `+mutationColumns+` FROM pending_mutations m
		WHERE m.status = 'pending'
		  AND m.next_attempt_at <= ?
		  AND NOT EXISTS (
		      SELECT 1 FROM pending_mutations e
		      WHERE e.offline_id = m.offline_id AND e.queue_id < m.queue_id
		  )
		ORDER BY m.queue_id
		LIMIT 1`, unixNano(now))
	m, err := scanMutation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, wrap(err, op)
	}
	return m, nil
}

// NextDue returns the earliest next_attempt_at among pending entries that
// head their draft's queue, or zero.
func (q *Queries) NextDue(ctx context.Context) (time.Time, error) {
	var n sql.NullInt64
	err := q.db.QueryRowContext(ctx, `
		SELECT MIN(m.next_attempt_at) FROM pending_mutations m
		WHERE m.status = 'pending'
		  AND NOT EXISTS (
		      SELECT 1 FROM pending_mutations e
		      WHERE e.offline_id = m.offline_id AND e.queue_id < m.queue_id
		  )`).Scan(&n)
	if err != nil {
		return time.Time{}, wrap(err, "localstore.next_due")
	}
	if !n.Valid {
		return time.Time{}, nil
	}
	return fromUnixNano(n.Int64), nil
}

// CountByStatus returns the number of entries in each status.
func (q *Queries) CountByStatus(ctx context.Context) (map[domain.MutationStatus]int, error) {
	const op = "localstore.count_by_status"

	rows, err := q.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM pending_mutations GROUP BY status`)
	if err != nil {
		return nil, wrap(err, op)
	}
	defer rows.Close()

	out := make(map[domain.MutationStatus]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, wrap(err, op)
		}
		out[domain.MutationStatus(status)] = n
	}
	return out, wrap(rows.Err(), op)
}

func (q *Queries) queryMutations(ctx context.Context, op, query string, args ...any) ([]domain.PendingMutation, error) {
	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, wrap(err, op)
	}
	defer rows.Close()

	var out []domain.PendingMutation
	for rows.Next() {
		m, err := scanMutation(rows)
		if err != nil {
			return nil, wrap(err, op)
		}
		out = append(out, *m)
	}
	return out, wrap(rows.Err(), op)
}

type scanner interface {
	Scan(dest ...any) error
}

func scanMutation(row scanner) (*domain.PendingMutation, error) {
	var (
		m                       domain.PendingMutation
		kind, payload, status   string
		enqueuedAt, nextAttempt int64
	)
	if err := row.Scan(&m.QueueID, &m.OfflineID, &kind, &payload, &enqueuedAt, &nextAttempt,
		&m.AttemptCount, &status, &m.LastError); err != nil {
		return nil, err
	}
	m.Kind = domain.MutationKind(kind)
	m.Status = domain.MutationStatus(status)
	m.EnqueuedAt = fromUnixNano(enqueuedAt)
	m.NextAttemptAt = fromUnixNano(nextAttempt)

	p, err := domain.DecodePayload(m.Kind, []byte(payload))
	if err != nil {
		return nil, err
	}
	m.Payload = p
	return &m, nil
}

// =============================================================================
// Store: queue operations (each one transaction)
// =============================================================================

// Enqueue appends a mutation to the queue.
func (s *Store) Enqueue(ctx context.Context, m domain.PendingMutation) (domain.PendingMutation, error) {
	var out domain.PendingMutation
	err := s.Update(ctx, func(q *Queries) error {
		var err error
		out, err = q.InsertMutation(ctx, m)
		return err
	})
	return out, err
}

// EnqueueReportSave queues a snapshot of r for the server.
//
// If the tail of the draft's queue is a report save that is still pending,
// its payload is replaced with the newer snapshot instead of appending, so a
// long offline period produces one save per draft rather than one per edit.
// The replaced entry keeps its kind, so a queued create stays a create.
func (q *Queries) EnqueueReportSave(ctx context.Context, r domain.Report) (domain.PendingMutation, error) {
	tail, err := q.TailMutation(ctx, r.OfflineID)
	if err != nil {
		return domain.PendingMutation{}, err
	}

	if tail != nil && tail.Kind.IsReportSave() && tail.Status == domain.MutationStatusPending {
		prev := tail.Payload.(domain.ReportSavePayload)
		tail.Payload = domain.ReportSavePayload{Create: prev.Create, Report: r}
		if err := q.UpdateMutation(ctx, *tail); err != nil {
			return domain.PendingMutation{}, err
		}
		return *tail, nil
	}

	payload := domain.ReportSavePayload{Create: !r.HasServerID(), Report: r}
	return q.InsertMutation(ctx, domain.NewPendingMutation(r.OfflineID, payload, q.now()))
}

// EnqueueReportSave queues a snapshot of the stored draft and marks it queued.
func (s *Store) EnqueueReportSave(ctx context.Context, offlineID string) (domain.PendingMutation, error) {
	var out domain.PendingMutation
	err := s.Update(ctx, func(q *Queries) error {
		r, err := q.GetReport(ctx, offlineID)
		if err != nil {
			return err
		}
		out, err = q.EnqueueReportSave(ctx, r.Clone())
		if err != nil {
			return err
		}
		r.SyncState = domain.SyncStateQueued
		return q.PutReport(ctx, r)
	})
	return out, err
}

// ClaimNext marks the next claimable entry as processing and returns it.
// It returns nil when nothing is due.
func (s *Store) ClaimNext(ctx context.Context) (*domain.PendingMutation, error) {
	var out *domain.PendingMutation
	err := s.Update(ctx, func(q *Queries) error {
		m, err := q.NextClaimable(ctx, q.now())
		if err != nil || m == nil {
			return err
		}
		m.Status = domain.MutationStatusProcessing
		if err := q.UpdateMutation(ctx, *m); err != nil {
			return err
		}
		out = m
		return nil
	})
	return out, err
}

// CompleteMutation removes an acknowledged entry from the queue.
func (s *Store) CompleteMutation(ctx context.Context, queueID int64) error {
	return s.view(func(q *Queries) error { return q.DeleteMutation(ctx, queueID) })
}

// FailMutation records a failed attempt of a processing entry. The entry goes
// back to pending with the given next attempt time, or to failed-permanent.
func (s *Store) FailMutation(ctx context.Context, queueID int64, attempt int, next time.Time, permanent bool, lastErr string) error {
	const op = "localstore.fail_mutation"

	return s.Update(ctx, func(q *Queries) error {
		m, err := q.GetMutation(ctx, queueID)
		if err != nil {
			return err
		}
		if m.Status != domain.MutationStatusProcessing {
			return domain.Errorf(domain.ECONFLICT, op, "mutation %d is %s, not processing", queueID, m.Status)
		}
		m.AttemptCount = attempt
		m.LastError = lastErr
		if permanent {
			m.Status = domain.MutationStatusFailedPermanent
		} else {
			m.Status = domain.MutationStatusPending
			m.NextAttemptAt = next
		}
		return q.UpdateMutation(ctx, *m)
	})
}

// MarkFailedPermanent moves a processing entry to failed-permanent without
// counting another attempt.
func (s *Store) MarkFailedPermanent(ctx context.Context, queueID int64, lastErr string) error {
	m, err := s.GetMutation(ctx, queueID)
	if err != nil {
		return err
	}
	return s.FailMutation(ctx, queueID, m.AttemptCount, time.Time{}, true, lastErr)
}

// RetryMutation puts a failed-permanent entry back in the queue with a fresh
// attempt budget.
func (s *Store) RetryMutation(ctx context.Context, queueID int64) error {
	const op = "localstore.retry_mutation"

	return s.Update(ctx, func(q *Queries) error {
		m, err := q.GetMutation(ctx, queueID)
		if err != nil {
			return err
		}
		if m.Status != domain.MutationStatusFailedPermanent {
			return domain.Errorf(domain.ECONFLICT, op, "mutation %d is %s", queueID, m.Status)
		}
		m.Status = domain.MutationStatusPending
		m.AttemptCount = 0
		m.NextAttemptAt = q.now()
		m.LastError = ""
		return q.UpdateMutation(ctx, *m)
	})
}

// DiscardMutation drops an entry the user gave up on. Processing entries
// cannot be discarded.
func (s *Store) DiscardMutation(ctx context.Context, queueID int64) error {
	const op = "localstore.discard_mutation"

	return s.Update(ctx, func(q *Queries) error {
		m, err := q.GetMutation(ctx, queueID)
		if err != nil {
			return err
		}
		if m.Status == domain.MutationStatusProcessing {
			return domain.Errorf(domain.ECONFLICT, op, "mutation %d is being sent", queueID)
		}
		return q.DeleteMutation(ctx, queueID)
	})
}

// RecoverProcessing returns entries left processing by a crash to pending.
func (s *Store) RecoverProcessing(ctx context.Context) (int64, error) {
	var n int64
	err := s.view(func(q *Queries) error {
		res, err := q.db.ExecContext(ctx,
			`UPDATE pending_mutations SET status = 'pending' WHERE status = 'processing'`)
		if err != nil {
			return wrap(err, "localstore.recover_processing")
		}
		n, _ = res.RowsAffected()
		return nil
	})
	return n, err
}

// GetMutation returns the mutation with the given queue id.
func (s *Store) GetMutation(ctx context.Context, queueID int64) (*domain.PendingMutation, error) {
	return read(s, func(q *Queries) (*domain.PendingMutation, error) { return q.GetMutation(ctx, queueID) })
}

// ListMutations returns the whole queue in FIFO order.
func (s *Store) ListMutations(ctx context.Context) ([]domain.PendingMutation, error) {
	return read(s, func(q *Queries) ([]domain.PendingMutation, error) { return q.ListMutations(ctx) })
}

// MutationsByDraft returns the queue entries of one draft in FIFO order.
func (s *Store) MutationsByDraft(ctx context.Context, offlineID string) ([]domain.PendingMutation, error) {
	return read(s, func(q *Queries) ([]domain.PendingMutation, error) { return q.MutationsByDraft(ctx, offlineID) })
}

// MutationsByEnqueueTime returns up to limit entries enqueued at or after since.
func (s *Store) MutationsByEnqueueTime(ctx context.Context, since time.Time, limit int) ([]domain.PendingMutation, error) {
	return read(s, func(q *Queries) ([]domain.PendingMutation, error) {
		return q.MutationsByEnqueueTime(ctx, since, limit)
	})
}

// DeleteMutation removes a queue entry.
func (s *Store) DeleteMutation(ctx context.Context, queueID int64) error {
	return s.view(func(q *Queries) error { return q.DeleteMutation(ctx, queueID) })
}

// HasOutstanding reports whether a draft has any queue entries.
func (s *Store) HasOutstanding(ctx context.Context, offlineID string) (bool, error) {
	n, err := read(s, func(q *Queries) (int, error) { return q.CountOutstanding(ctx, offlineID) })
	return n > 0, err
}

// FailedMutations returns entries that need user attention.
func (s *Store) FailedMutations(ctx context.Context) ([]domain.PendingMutation, error) {
	all, err := s.ListMutations(ctx)
	if err != nil {
		return nil, err
	}
	var out []domain.PendingMutation
	for _, m := range all {
		if m.Status == domain.MutationStatusFailedPermanent {
			out = append(out, m)
		}
	}
	return out, nil
}

// QueueStats returns the number of entries in each status.
func (s *Store) QueueStats(ctx context.Context) (map[domain.MutationStatus]int, error) {
	return read(s, func(q *Queries) (map[domain.MutationStatus]int, error) { return q.CountByStatus(ctx) })
}

// NextDue returns when the earliest pending entry becomes due, or zero.
func (s *Store) NextDue(ctx context.Context) (time.Time, error) {
	return read(s, func(q *Queries) (time.Time, error) { return q.NextDue(ctx) })
}
