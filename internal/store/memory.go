package store

import (
	"context"
	"sync"
	"time"

	"notification-dispatch-go/internal/models"
)

type memoryRecord struct {
	mu  sync.Mutex
	dev models.Device
}

func (r *memoryRecord) snapshot() models.Device {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dev
}

// MemoryStore keeps registrations in process. The index lock is only held
// exclusively when records are added or removed; status writes lock the
// single record they touch. Locks are always taken index first, then record.
type MemoryStore struct {
	mu         sync.RWMutex
	byID       map[string]*memoryRecord
	byEndpoint map[string]string
	byOwner    map[string]map[string]struct{}
	now        func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byID:       make(map[string]*memoryRecord),
		byEndpoint: make(map[string]string),
		byOwner:    make(map[string]map[string]struct{}),
		now:        time.Now,
	}
}

func (s *MemoryStore) ListByOwner(ctx context.Context, ownerID string) ([]models.Device, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	devices := make([]models.Device, 0, len(s.byOwner[ownerID]))
	for id := range s.byOwner[ownerID] {
		devices = append(devices, s.byID[id].snapshot())
	}
	sortNewestFirst(devices)
	return devices, nil
}

func (s *MemoryStore) ListActiveByOwner(ctx context.Context, ownerID string) ([]models.Device, error) {
	devices, err := s.ListByOwner(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	return onlyActive(devices), nil
}

func (s *MemoryStore) FindByEndpoint(ctx context.Context, endpoint string) (models.Device, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byEndpoint[endpoint]
	if !ok {
		return models.Device{}, ErrNotFound
	}
	return s.byID[id].snapshot(), nil
}

func (s *MemoryStore) Upsert(ctx context.Context, in models.Device) (models.Device, error) {
	now := s.now().UTC()

	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.byEndpoint[in.Subscription.Endpoint]; ok {
		rec := s.byID[id]
		rec.mu.Lock()
		if rec.dev.OwnerID != in.OwnerID {
			rec.mu.Unlock()
			return models.Device{}, ErrEndpointOwnedByOther
		}
		applyUpsert(&rec.dev, in, now)
		out := rec.dev
		rec.mu.Unlock()
		return out, nil
	}

	d := newRecord(in, now)
	s.byID[d.ID] = &memoryRecord{dev: d}
	s.byEndpoint[d.Subscription.Endpoint] = d.ID
	if s.byOwner[d.OwnerID] == nil {
		s.byOwner[d.OwnerID] = make(map[string]struct{})
	}
	s.byOwner[d.OwnerID][d.ID] = struct{}{}
	return d, nil
}

func (s *MemoryStore) modify(id string, fn func(*models.Device)) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.byID[id]
	if !ok {
		return ErrNotFound
	}
	rec.mu.Lock()
	fn(&rec.dev)
	rec.mu.Unlock()
	return nil
}

func (s *MemoryStore) SetActive(ctx context.Context, id string, active bool) error {
	return s.modify(id, func(d *models.Device) {
		d.IsActive = active
	})
}

func (s *MemoryStore) MarkUsed(ctx context.Context, id string, at time.Time) error {
	return s.modify(id, func(d *models.Device) {
		if at.After(d.LastUsed) {
			d.LastUsed = at.UTC()
		}
	})
}

func (s *MemoryStore) DeleteByID(ctx context.Context, id, ownerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.byID[id]
	if !ok {
		return ErrNotFound
	}
	d := rec.snapshot()
	if d.OwnerID != ownerID {
		return ErrNotFound
	}

	delete(s.byID, id)
	delete(s.byEndpoint, d.Subscription.Endpoint)
	if set := s.byOwner[d.OwnerID]; set != nil {
		delete(set, id)
		if len(set) == 0 {
			delete(s.byOwner, d.OwnerID)
		}
	}
	return nil
}
