package purchase

import (
	"context"
	"sort"
	"sync"
	"time"
)

// StepRecord is one row of the step log.
type StepRecord struct {
	CorrelationID string
	Step          string
	Status        string
	Detail        string
}

// MemoryStore is an in-memory Store used in tests and when no database is
// configured.
type MemoryStore struct {
	mu    sync.Mutex
	sagas map[string]*SagaState
	steps []StepRecord
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sagas: make(map[string]*SagaState)}
}

func (m *MemoryStore) Get(_ context.Context, correlationID string) (*SagaState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sagas[correlationID]
	if !ok {
		return nil, ErrNotFound
	}
	return s.Clone(), nil
}

func (m *MemoryStore) Create(_ context.Context, s *SagaState) (*SagaState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sagas[s.CorrelationID]; ok {
		return nil, ErrAlreadyExists
	}
	stored := s.Clone()
	stored.Version = 1
	m.sagas[s.CorrelationID] = stored
	return stored.Clone(), nil
}

func (m *MemoryStore) CompareAndSwap(_ context.Context, s *SagaState, expectedVersion int64) (*SagaState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.sagas[s.CorrelationID]
	if !ok {
		return nil, ErrNotFound
	}
	if cur.Version != expectedVersion {
		return nil, ErrVersionConflict
	}
	stored := s.Clone()
	stored.Version = expectedVersion + 1
	m.sagas[s.CorrelationID] = stored
	return stored.Clone(), nil
}

func (m *MemoryStore) ListIdle(_ context.Context, before time.Time, limit int) ([]*SagaState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*SagaState
	for _, s := range m.sagas {
		if !s.LastUpdatedAt.Before(before) {
			continue
		}
		if s.CurrentState.Terminal() && !s.NeedsAttention() {
			continue
		}
		out = append(out, s.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastUpdatedAt.Before(out[j].LastUpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) AddStep(_ context.Context, correlationID, step, status, detail string) error {
	m.mu.Lock()
	m.steps = append(m.steps, StepRecord{CorrelationID: correlationID, Step: step, Status: status, Detail: detail})
	m.mu.Unlock()
	return nil
}

// Steps returns the step log for one saga in insertion order.
func (m *MemoryStore) Steps(correlationID string) []StepRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []StepRecord
	for _, st := range m.steps {
		if st.CorrelationID == correlationID {
			out = append(out, st)
		}
	}
	return out
}
