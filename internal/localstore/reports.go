package localstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"

	"github.com/DukeRupert/fieldsync/internal/domain"
)

// =============================================================================
// Queries: reports collection
// =============================================================================

// PutReport inserts or replaces a draft.
func (q *Queries) PutReport(ctx context.Context, r *domain.Report) error {
	const op = "localstore.put_report"

	if r.OfflineID == "" {
		return domain.Invalid(op, "offline id is required")
	}
	if !r.SyncState.IsValid() {
		return domain.Errorf(domain.EINVALID, op, "invalid sync state %q", r.SyncState)
	}

	data, err := json.Marshal(r)
	if err != nil {
		return domain.Internal(err, op, "failed to encode report")
	}

	_, err = q.db.ExecContext(ctx, `
		INSERT INTO reports (offline_id, server_id, sync_state, data, created_at, last_edited_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (offline_id) DO UPDATE SET
			server_id = excluded.server_id,
			sync_state = excluded.sync_state,
			data = excluded.data,
			last_edited_at = excluded.last_edited_at`,
		r.OfflineID, r.ID, string(r.SyncState), string(data), unixNano(r.CreatedAt), unixNano(r.LastEditedAt),
	)
	return wrap(err, op)
}

// GetReport returns the draft with the given offline id.
func (q *Queries) GetReport(ctx context.Context, offlineID string) (*domain.Report, error) {
	const op = "localstore.get_report"

	var data string
	err := q.db.QueryRowContext(ctx, `SELECT data FROM reports WHERE offline_id = ?`, offlineID).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.NotFound(op, "report", offlineID)
	}
	if err != nil {
		return nil, wrap(err, op)
	}
	return decodeReport(data, op)
}

// ListReports returns every draft, oldest first.
func (q *Queries) ListReports(ctx context.Context) ([]domain.Report, error) {
	const op = "localstore.list_reports"

	rows, err := q.db.QueryContext(ctx, `SELECT data FROM reports ORDER BY created_at, offline_id`)
	if err != nil {
		return nil, wrap(err, op)
	}
	defer rows.Close()

	var out []domain.Report
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, wrap(err, op)
		}
		r, err := decodeReport(data, op)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, wrap(rows.Err(), op)
}

// DeleteReport removes a draft. Deleting a missing draft is not an error.
func (q *Queries) DeleteReport(ctx context.Context, offlineID string) error {
	_, err := q.db.ExecContext(ctx, `DELETE FROM reports WHERE offline_id = ?`, offlineID)
	return wrap(err, "localstore.delete_report")
}

func decodeReport(data, op string) (*domain.Report, error) {
	var r domain.Report
	if err := json.Unmarshal([]byte(data), &r); err != nil {
		return nil, domain.StorageUnavailable(err, op)
	}
	return &r, nil
}

// =============================================================================
// Store: reports
// =============================================================================

// PutReport inserts or replaces a draft.
func (s *Store) PutReport(ctx context.Context, r *domain.Report) error {
	return s.view(func(q *Queries) error { return q.PutReport(ctx, r) })
}

// GetReport returns the draft with the given offline id.
func (s *Store) GetReport(ctx context.Context, offlineID string) (*domain.Report, error) {
	return read(s, func(q *Queries) (*domain.Report, error) { return q.GetReport(ctx, offlineID) })
}

// ListReports returns every draft, oldest first.
func (s *Store) ListReports(ctx context.Context) ([]domain.Report, error) {
	return read(s, func(q *Queries) ([]domain.Report, error) { return q.ListReports(ctx) })
}

// DeleteReport removes a draft.
func (s *Store) DeleteReport(ctx context.Context, offlineID string) error {
	return s.view(func(q *Queries) error { return q.DeleteReport(ctx, offlineID) })
}

// ListPendingDrafts returns drafts without a server identity or with
// unacknowledged edits.
func (s *Store) ListPendingDrafts(ctx context.Context) ([]domain.Report, error) {
	all, err := s.ListReports(ctx)
	if err != nil {
		return nil, err
	}
	var out []domain.Report
	for _, r := range all {
		if r.IsPending() {
			out = append(out, r)
		}
	}
	return out, nil
}

// EditReport loads a draft, applies fn, records the edit, and stores it in
// one transaction. It returns the stored draft.
func (s *Store) EditReport(ctx context.Context, offlineID string, fn func(r *domain.Report) error) (*domain.Report, error) {
	var out *domain.Report
	err := s.Update(ctx, func(q *Queries) error {
		r, err := q.GetReport(ctx, offlineID)
		if err != nil {
			return err
		}
		if err := fn(r); err != nil {
			return err
		}
		r.Touch(q.Now())
		if err := q.PutReport(ctx, r); err != nil {
			return err
		}
		out = r
		return nil
	})
	return out, err
}

// SetSyncState updates only the sync state and error of a draft.
func (s *Store) SetSyncState(ctx context.Context, offlineID string, state domain.SyncState, syncErr string) (*domain.Report, error) {
	var out *domain.Report
	err := s.Update(ctx, func(q *Queries) error {
		r, err := q.GetReport(ctx, offlineID)
		if err != nil {
			return err
		}
		r.SyncState = state
		r.SyncError = syncErr
		if err := q.PutReport(ctx, r); err != nil {
			return err
		}
		out = r
		return nil
	})
	return out, err
}
