package infrastructure

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/draftea/saga-engine/saga-service/domain"
	"github.com/draftea/saga-engine/shared/models"
)

// MemorySagaStore implements domain.SagaStore in memory with the same CAS
// semantics as the Postgres store. Used in tests and for local runs without
// a database.
type MemorySagaStore struct {
	mux   sync.Mutex
	sagas map[models.ID]*domain.Saga
}

// NewMemorySagaStore creates an empty in-memory saga store
func NewMemorySagaStore() *MemorySagaStore {
	return &MemorySagaStore{
		sagas: make(map[models.ID]*domain.Saga),
	}
}

// CreateIfAbsent atomically inserts the saga or returns the existing record
func (s *MemorySagaStore) CreateIfAbsent(ctx context.Context, saga *domain.Saga) (*domain.Saga, bool, error) {
	s.mux.Lock()
	defer s.mux.Unlock()

	if existing, ok := s.sagas[saga.ID]; ok {
		return cloneSaga(existing), false, nil
	}

	s.sagas[saga.ID] = cloneSaga(saga)
	return cloneSaga(saga), true, nil
}

// FindByID finds a saga by ID
func (s *MemorySagaStore) FindByID(ctx context.Context, id models.ID) (*domain.Saga, error) {
	s.mux.Lock()
	defer s.mux.Unlock()

	saga, ok := s.sagas[id]
	if !ok {
		return nil, domain.ErrSagaNotFound
	}

	return cloneSaga(saga), nil
}

// CompareAndSwap persists the saga guarded by the previous version
func (s *MemorySagaStore) CompareAndSwap(ctx context.Context, saga *domain.Saga) error {
	s.mux.Lock()
	defer s.mux.Unlock()

	existing, ok := s.sagas[saga.ID]
	if !ok {
		return domain.ErrSagaNotFound
	}

	if existing.Version.Value != saga.Version.Value-1 {
		return domain.ErrVersionConflict
	}

	s.sagas[saga.ID] = cloneSaga(saga)
	return nil
}

// FindStuck returns running sagas abandoned beyond the deadline
func (s *MemorySagaStore) FindStuck(ctx context.Context, olderThan time.Time, limit int) ([]*domain.Saga, error) {
	s.mux.Lock()
	defer s.mux.Unlock()

	var stuck []*domain.Saga
	for _, saga := range s.sagas {
		if saga.Status != domain.SagaStatusRunning {
			continue
		}
		if saga.RunningSince == nil || !saga.RunningSince.Before(olderThan) {
			continue
		}
		stuck = append(stuck, cloneSaga(saga))
	}

	sort.Slice(stuck, func(i, j int) bool {
		return stuck[i].RunningSince.Before(*stuck[j].RunningSince)
	})

	if limit > 0 && len(stuck) > limit {
		stuck = stuck[:limit]
	}

	return stuck, nil
}

// cloneSaga deep-copies a saga so callers never share mutable state with
// the store
func cloneSaga(saga *domain.Saga) *domain.Saga {
	clone := *saga
	clone.ClearEvents()

	clone.Steps = make(map[string]domain.StepState, len(saga.Steps))
	for name, state := range saga.Steps {
		clone.Steps[name] = state
	}

	if saga.Input != nil {
		clone.Input = append([]byte(nil), saga.Input...)
	}

	if saga.RunningSince != nil {
		since := *saga.RunningSince
		clone.RunningSince = &since
	}

	return &clone
}
