package escalation

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryRepository keeps records in process memory.
type MemoryRepository struct {
	mu      sync.Mutex
	records map[uuid.UUID]*Record
	order   []uuid.UUID
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{records: make(map[uuid.UUID]*Record)}
}

func (m *MemoryRepository) CreateIfAbsent(_ context.Context, rec *Record) (*Record, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range m.order {
		r := m.records[id]
		if r.RequestID != rec.RequestID || r.Tier != rec.Tier {
			continue
		}
		if r.EpisodeAt.Equal(rec.EpisodeAt) || r.Open() {
			return r.clone(), false, nil
		}
	}
	m.records[rec.ID] = rec.clone()
	m.order = append(m.order, rec.ID)
	return rec.clone(), true, nil
}

func (m *MemoryRepository) GetByID(_ context.Context, id uuid.UUID) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[id]
	if !ok {
		return nil, ErrNotFound
	}
	return r.clone(), nil
}

func (m *MemoryRepository) Acknowledge(_ context.Context, id uuid.UUID, actor string, at time.Time) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[id]
	if !ok {
		return nil, ErrNotFound
	}
	if r.AcknowledgedAt == nil {
		t := at
		r.AcknowledgedAt = &t
		r.AcknowledgedBy = actor
	}
	return r.clone(), nil
}

func (m *MemoryRepository) ResolveOpen(_ context.Context, requestID uuid.UUID, resolution string, at time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, r := range m.records {
		if r.RequestID == requestID && r.Open() {
			t := at
			r.ResolvedAt = &t
			r.Resolution = resolution
			n++
		}
	}
	return n, nil
}

func (m *MemoryRepository) MarkNotified(_ context.Context, id uuid.UUID, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[id]
	if !ok {
		return ErrNotFound
	}
	t := at
	r.NotifiedAt = &t
	return nil
}

func (m *MemoryRepository) ListByRequest(_ context.Context, requestID uuid.UUID) ([]*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Record
	for _, id := range m.order {
		if r := m.records[id]; r.RequestID == requestID {
			out = append(out, r.clone())
		}
	}
	return out, nil
}

func (m *MemoryRepository) ListOpen(_ context.Context, limit, offset int) ([]*Record, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var open []*Record
	for _, id := range m.order {
		if r := m.records[id]; r.Open() {
			open = append(open, r.clone())
		}
	}
	sort.SliceStable(open, func(i, j int) bool { return open[i].RaisedAt.Before(open[j].RaisedAt) })
	total := len(open)
	if offset >= total {
		return nil, total, nil
	}
	open = open[offset:]
	if limit > 0 && len(open) > limit {
		open = open[:limit]
	}
	return open, total, nil
}
