package localstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/DukeRupert/fieldsync/internal/domain"
)

// PutReference stores one section of reference data under key.
func (q *Queries) PutReference(ctx context.Context, key domain.ReferenceKey, v any) error {
	const op = "localstore.put_reference"

	data, err := json.Marshal(v)
	if err != nil {
		return domain.Internal(err, op, "failed to encode reference data")
	}
	_, err = q.db.ExecContext(ctx, `
		INSERT INTO reference_cache (key, data, refreshed_at) VALUES (?, ?, ?)
		ON CONFLICT (key) DO UPDATE SET data = excluded.data, refreshed_at = excluded.refreshed_at`,
		string(key), string(data), unixNano(q.now()),
	)
	return wrap(err, op)
}

// GetReference decodes the section stored under key into v and returns when
// it was refreshed.
func (q *Queries) GetReference(ctx context.Context, key domain.ReferenceKey, v any) (time.Time, error) {
	const op = "localstore.get_reference"

	var (
		data        string
		refreshedAt int64
	)
	err := q.db.QueryRowContext(ctx, `SELECT data, refreshed_at FROM reference_cache WHERE key = ?`, string(key)).
		Scan(&data, &refreshedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, domain.NotFound(op, "reference", string(key))
	}
	if err != nil {
		return time.Time{}, wrap(err, op)
	}
	if err := json.Unmarshal([]byte(data), v); err != nil {
		return time.Time{}, domain.StorageUnavailable(err, op)
	}
	return fromUnixNano(refreshedAt), nil
}

// ListReference returns the keys present in the cache with their refresh time.
func (q *Queries) ListReference(ctx context.Context) (map[domain.ReferenceKey]time.Time, error) {
	const op = "localstore.list_reference"

	rows, err := q.db.QueryContext(ctx, `SELECT key, refreshed_at FROM reference_cache ORDER BY key`)
	if err != nil {
		return nil, wrap(err, op)
	}
	defer rows.Close()

	out := make(map[domain.ReferenceKey]time.Time)
	for rows.Next() {
		var key string
		var at int64
		if err := rows.Scan(&key, &at); err != nil {
			return nil, wrap(err, op)
		}
		out[domain.ReferenceKey(key)] = fromUnixNano(at)
	}
	return out, wrap(rows.Err(), op)
}

// SaveReferenceData replaces every cached section in one transaction.
func (s *Store) SaveReferenceData(ctx context.Context, d *domain.ReferenceData) error {
	return s.Update(ctx, func(q *Queries) error {
		sections := map[domain.ReferenceKey]any{
			domain.ReferenceProjects:           d.Projects,
			domain.ReferenceChecklistTemplates: d.ChecklistTemplates,
			domain.ReferenceCaptionPresets:     d.CaptionPresets,
			domain.ReferenceStaffRoster:        d.StaffRoster,
		}
		for _, key := range domain.AllReferenceKeys() {
			if err := q.PutReference(ctx, key, sections[key]); err != nil {
				return err
			}
		}
		return nil
	})
}

// LoadReferenceData assembles the cached sections. Missing sections are left
// empty; FetchedAt is the oldest refresh time among the present sections.
// It fails with not found only when the cache is empty.
func (s *Store) LoadReferenceData(ctx context.Context) (*domain.ReferenceData, error) {
	const op = "localstore.load_reference_data"

	d := &domain.ReferenceData{}
	found := 0
	err := s.view(func(q *Queries) error {
		targets := map[domain.ReferenceKey]any{
			domain.ReferenceProjects:           &d.Projects,
			domain.ReferenceChecklistTemplates: &d.ChecklistTemplates,
			domain.ReferenceCaptionPresets:     &d.CaptionPresets,
			domain.ReferenceStaffRoster:        &d.StaffRoster,
		}
		for _, key := range domain.AllReferenceKeys() {
			at, err := q.GetReference(ctx, key, targets[key])
			if domain.IsNotFound(err) {
				continue
			}
			if err != nil {
				return err
			}
			found++
			if d.FetchedAt.IsZero() || at.Before(d.FetchedAt) {
				d.FetchedAt = at
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if found == 0 {
		return nil, domain.NotFound(op, "reference cache", "all")
	}
	return d, nil
}
