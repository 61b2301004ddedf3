package referral

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/vitalred/referral/internal/domain/scoring"
)

// MemoryRepository is a process-local Repository used by tests and by the
// server when no database is configured.
type MemoryRepository struct {
	mu          sync.RWMutex
	requests    map[uuid.UUID]*Request
	byCode      map[string]uuid.UUID
	byToken     map[string]uuid.UUID
	decisions   map[uuid.UUID][]*Decision
	transitions map[uuid.UUID][]*Transition
	counters    map[int]int64
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		requests:    make(map[uuid.UUID]*Request),
		byCode:      make(map[string]uuid.UUID),
		byToken:     make(map[string]uuid.UUID),
		decisions:   make(map[uuid.UUID][]*Decision),
		transitions: make(map[uuid.UUID][]*Transition),
		counters:    make(map[int]int64),
	}
}

func (m *MemoryRepository) NextSequence(_ context.Context, year int) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counters[year]++
	return m.counters[year], nil
}

func (m *MemoryRepository) Create(_ context.Context, req *Request, t *Transition) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if req.SubmissionToken != "" {
		if _, ok := m.byToken[req.SubmissionToken]; ok {
			return ErrDuplicateToken
		}
		m.byToken[req.SubmissionToken] = req.ID
	}
	m.requests[req.ID] = req.clone()
	m.byCode[req.Code] = req.ID
	if t != nil {
		tc := *t
		m.transitions[req.ID] = append(m.transitions[req.ID], &tc)
	}
	return nil
}

func (m *MemoryRepository) GetByID(_ context.Context, id uuid.UUID) (*Request, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.requests[id]
	if !ok {
		return nil, ErrNotFound
	}
	return r.clone(), nil
}

func (m *MemoryRepository) GetByCode(ctx context.Context, code string) (*Request, error) {
	m.mu.RLock()
	id, ok := m.byCode[code]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	return m.GetByID(ctx, id)
}

func (m *MemoryRepository) GetBySubmissionToken(ctx context.Context, token string) (*Request, error) {
	m.mu.RLock()
	id, ok := m.byToken[token]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	return m.GetByID(ctx, id)
}

func (m *MemoryRepository) Apply(_ context.Context, ch Change) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.requests[ch.Request.ID]
	if !ok {
		return ErrNotFound
	}
	if cur.Sequence != ch.ExpectedSequence {
		return ErrConflict
	}
	if ch.Transition != nil && ch.Transition.IdempotencyToken != "" {
		for _, t := range m.transitions[cur.ID] {
			if t.IdempotencyToken == ch.Transition.IdempotencyToken {
				return ErrConflict
			}
		}
	}
	m.requests[cur.ID] = ch.Request.clone()
	if ch.Decision != nil {
		d := *ch.Decision
		m.decisions[cur.ID] = append(m.decisions[cur.ID], &d)
	}
	if ch.Transition != nil {
		t := *ch.Transition
		m.transitions[cur.ID] = append(m.transitions[cur.ID], &t)
	}
	return nil
}

func (m *MemoryRepository) FindTransition(_ context.Context, requestID uuid.UUID, token string) (*Transition, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, t := range m.transitions[requestID] {
		if t.IdempotencyToken == token {
			c := *t
			return &c, nil
		}
	}
	return nil, ErrNotFound
}

func (m *MemoryRepository) ListTransitions(_ context.Context, requestID uuid.UUID) ([]*Transition, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Transition, 0, len(m.transitions[requestID]))
	for _, t := range m.transitions[requestID] {
		c := *t
		out = append(out, &c)
	}
	return out, nil
}

func (m *MemoryRepository) ListDecisions(_ context.Context, requestID uuid.UUID) ([]*Decision, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Decision, 0, len(m.decisions[requestID]))
	for _, d := range m.decisions[requestID] {
		c := *d
		out = append(out, &c)
	}
	return out, nil
}

func (m *MemoryRepository) ListPending(_ context.Context, q PendingQuery) ([]*Request, error) {
	m.mu.RLock()
	var out []*Request
	for _, r := range m.requests {
		if q.matches(r) {
			out = append(out, r.clone())
		}
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].OpenedAt.Equal(out[j].OpenedAt) {
			return out[i].OpenedAt.Before(out[j].OpenedAt)
		}
		return out[i].Code < out[j].Code
	})
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func (m *MemoryRepository) List(_ context.Context, f ListFilter, limit, offset int) ([]*Request, int, error) {
	m.mu.RLock()
	var all []*Request
	for _, r := range m.requests {
		if f.State != "" && r.State != f.State {
			continue
		}
		if f.Priority != "" && r.Priority != f.Priority {
			continue
		}
		if f.Specialty != "" && scoring.Normalize(r.Specialty) != scoring.Normalize(f.Specialty) {
			continue
		}
		all = append(all, r.clone())
	}
	m.mu.RUnlock()

	sort.Slice(all, func(i, j int) bool { return all[i].SubmittedAt.After(all[j].SubmittedAt) })
	total := len(all)
	if offset >= total {
		return []*Request{}, total, nil
	}
	end := total
	if limit > 0 && offset+limit < total {
		end = offset + limit
	}
	return all[offset:end], total, nil
}
