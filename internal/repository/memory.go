package repository

import (
	"context"
	"database/sql"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/DukeRupert/fieldsync/internal/domain"
)

// Memory implements Repository in process memory.
type Memory struct {
	mu         sync.RWMutex
	now        func() time.Time
	reports    map[string]Report // by offline id
	photos     map[string]Photo  // by id
	localIndex map[string]string // local photo id -> id
	tombstones map[string]bool
	reference  domain.ReferenceData
}

// NewMemory returns an empty in-memory repository.
func NewMemory() *Memory {
	return &Memory{
		now:        time.Now,
		reports:    make(map[string]Report),
		photos:     make(map[string]Photo),
		localIndex: make(map[string]string),
		tombstones: make(map[string]bool),
	}
}

var _ Repository = (*Memory)(nil)

func (m *Memory) UpsertReport(_ context.Context, r Report) (Report, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	existing, ok := m.reports[r.OfflineID]
	if ok {
		r.ID = existing.ID
		r.CreatedAt = existing.CreatedAt
	} else {
		if r.ID == "" {
			r.ID = uuid.NewString()
		}
		r.CreatedAt = now
	}
	r.UpdatedAt = now
	r.Checklist = append([]domain.ChecklistItem(nil), r.Checklist...)
	r.Attendees = append([]domain.Attendee(nil), r.Attendees...)
	r.Photos = append([]domain.PhotoRef(nil), r.Photos...)
	m.reports[r.OfflineID] = r
	return r, !ok, nil
}

func (m *Memory) GetReportByOfflineID(_ context.Context, offlineID string) (Report, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r, ok := m.reports[offlineID]
	if !ok {
		return Report{}, sql.ErrNoRows
	}
	r.Photos = append([]domain.PhotoRef(nil), r.Photos...)
	return r, nil
}

func (m *Memory) CreatePhoto(_ context.Context, p Photo) (Photo, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if id, ok := m.localIndex[p.LocalPhotoID]; ok {
		return m.photos[id], false, nil
	}
	p.CreatedAt = m.now()
	m.photos[p.ID] = p
	m.localIndex[p.LocalPhotoID] = p.ID
	return p, true, nil
}

func (m *Memory) GetPhotoByID(_ context.Context, id string) (Photo, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, ok := m.photos[id]
	if !ok {
		return Photo{}, sql.ErrNoRows
	}
	return p, nil
}

func (m *Memory) GetPhotoByLocalID(_ context.Context, localPhotoID string) (Photo, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.localIndex[localPhotoID]
	if !ok {
		return Photo{}, sql.ErrNoRows
	}
	return m.photos[id], nil
}

func (m *Memory) ListPhotosByLocalIDs(_ context.Context, localPhotoIDs []string) ([]Photo, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var items []Photo
	for _, local := range localPhotoIDs {
		if id, ok := m.localIndex[local]; ok {
			items = append(items, m.photos[id])
		}
	}
	return items, nil
}

func (m *Memory) DeletePhoto(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if p, ok := m.photos[id]; ok {
		delete(m.localIndex, p.LocalPhotoID)
		delete(m.photos, id)
	}
	return nil
}

func (m *Memory) AddTombstones(_ context.Context, photoIDs ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, id := range photoIDs {
		if id != "" {
			m.tombstones[id] = true
		}
	}
	return nil
}

func (m *Memory) IsTombstoned(_ context.Context, photoID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.tombstones[photoID], nil
}

func (m *Memory) GetReferenceData(_ context.Context) (*domain.ReferenceData, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	d := m.reference
	return &d, nil
}

func (m *Memory) PutReferenceData(_ context.Context, d *domain.ReferenceData) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.reference = *d
	m.reference.FetchedAt = time.Time{}
	return nil
}
