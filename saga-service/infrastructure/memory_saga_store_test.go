package infrastructure

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/draftea/saga-engine/saga-service/domain"
	"github.com/draftea/saga-engine/shared/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newStoredSaga(t *testing.T, store *MemorySagaStore, id string) *domain.Saga {
	t.Helper()

	saga, err := domain.StartSaga(models.ID(id), "payment", json.RawMessage(`{}`))
	require.NoError(t, err)

	stored, created, err := store.CreateIfAbsent(context.Background(), saga)
	require.NoError(t, err)
	require.True(t, created)
	return stored
}

func TestMemorySagaStore_CreateIfAbsent(t *testing.T) {
	store := NewMemorySagaStore()
	ctx := context.Background()

	first, err := domain.StartSaga("saga-1", "payment", json.RawMessage(`{"amount":100}`))
	require.NoError(t, err)

	stored, created, err := store.CreateIfAbsent(ctx, first)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, first.ID, stored.ID)

	// A duplicate insert returns the existing record untouched
	duplicate, err := domain.StartSaga("saga-1", "payment", json.RawMessage(`{"amount":999}`))
	require.NoError(t, err)

	stored, created, err = store.CreateIfAbsent(ctx, duplicate)
	require.NoError(t, err)
	assert.False(t, created)
	assert.JSONEq(t, `{"amount":100}`, string(stored.Input))
}

func TestMemorySagaStore_FindByID_NotFound(t *testing.T) {
	store := NewMemorySagaStore()

	_, err := store.FindByID(context.Background(), "missing")
	assert.ErrorIs(t, err, domain.ErrSagaNotFound)
}

func TestMemorySagaStore_CompareAndSwap(t *testing.T) {
	store := NewMemorySagaStore()
	ctx := context.Background()

	saga := newStoredSaga(t, store, "saga-1")

	require.NoError(t, saga.CompleteStep("reserve", json.RawMessage(`{}`)))
	require.NoError(t, store.CompareAndSwap(ctx, saga))

	found, err := store.FindByID(ctx, saga.ID)
	require.NoError(t, err)
	assert.True(t, found.StepDone("reserve"))
	assert.Equal(t, 2, found.Version.Value)
}

func TestMemorySagaStore_CompareAndSwap_Conflict(t *testing.T) {
	store := NewMemorySagaStore()
	ctx := context.Background()

	newStoredSaga(t, store, "saga-1")

	// Two actors load the same version; only the first write lands
	first, err := store.FindByID(ctx, "saga-1")
	require.NoError(t, err)
	second, err := store.FindByID(ctx, "saga-1")
	require.NoError(t, err)

	require.NoError(t, first.CompleteStep("reserve", nil))
	require.NoError(t, store.CompareAndSwap(ctx, first))

	require.NoError(t, second.CompleteStep("reserve", nil))
	err = store.CompareAndSwap(ctx, second)
	assert.ErrorIs(t, err, domain.ErrVersionConflict)

	// The losing write left no trace
	found, err := store.FindByID(ctx, "saga-1")
	require.NoError(t, err)
	assert.Equal(t, 2, found.Version.Value)
}

func TestMemorySagaStore_CompareAndSwap_Missing(t *testing.T) {
	store := NewMemorySagaStore()

	saga, err := domain.StartSaga("saga-1", "payment", nil)
	require.NoError(t, err)

	err = store.CompareAndSwap(context.Background(), saga)
	assert.ErrorIs(t, err, domain.ErrSagaNotFound)
}

func TestMemorySagaStore_FindStuck(t *testing.T) {
	store := NewMemorySagaStore()
	ctx := context.Background()

	old := time.Now().Add(-time.Hour)
	older := time.Now().Add(-2 * time.Hour)

	stuck1 := newStoredSaga(t, store, "stuck-1")
	stuck1.RunningSince = &old
	stuck1.Version = stuck1.Version.Update()
	require.NoError(t, store.CompareAndSwap(ctx, stuck1))

	stuck2 := newStoredSaga(t, store, "stuck-2")
	stuck2.RunningSince = &older
	stuck2.Version = stuck2.Version.Update()
	require.NoError(t, store.CompareAndSwap(ctx, stuck2))

	healthy := newStoredSaga(t, store, "healthy")
	require.NotNil(t, healthy.RunningSince)

	completed := newStoredSaga(t, store, "completed")
	require.NoError(t, completed.Complete())
	require.NoError(t, store.CompareAndSwap(ctx, completed))

	found, err := store.FindStuck(ctx, time.Now().Add(-time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, found, 2)

	// Oldest first
	assert.Equal(t, models.ID("stuck-2"), found[0].ID)
	assert.Equal(t, models.ID("stuck-1"), found[1].ID)

	limited, err := store.FindStuck(ctx, time.Now().Add(-time.Minute), 1)
	require.NoError(t, err)
	require.Len(t, limited, 1)
	assert.Equal(t, models.ID("stuck-2"), limited[0].ID)
}

func TestMemorySagaStore_ClonesState(t *testing.T) {
	store := NewMemorySagaStore()
	ctx := context.Background()

	saga := newStoredSaga(t, store, "saga-1")

	// Mutating a loaded copy must not leak into the store
	loaded, err := store.FindByID(ctx, saga.ID)
	require.NoError(t, err)
	loaded.Steps["reserve"] = domain.StepState{Done: true}

	fresh, err := store.FindByID(ctx, saga.ID)
	require.NoError(t, err)
	assert.False(t, fresh.StepDone("reserve"))
}
