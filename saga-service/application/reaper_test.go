package application

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/draftea/saga-engine/saga-service/domain"
	"github.com/draftea/saga-engine/saga-service/infrastructure"
	"github.com/draftea/saga-engine/shared/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seedRunningSaga(t *testing.T, store *infrastructure.MemorySagaStore, id string, since time.Time) {
	t.Helper()

	saga, err := domain.StartSaga(models.ID(id), "payment", json.RawMessage(`{}`))
	require.NoError(t, err)
	saga.RunningSince = &since

	_, created, err := store.CreateIfAbsent(context.Background(), saga)
	require.NoError(t, err)
	require.True(t, created)
}

func TestStuckSagaReaper_ReapOnce(t *testing.T) {
	store := infrastructure.NewMemorySagaStore()
	step := &scriptedStep{name: "reserve"}
	coordinator := newTestCoordinator(t, store, step)

	reaper := NewStuckSagaReaper(store, coordinator, ReaperConfig{
		ScanInterval:  time.Minute,
		StuckDeadline: 5 * time.Minute,
	})

	seedRunningSaga(t, store, "stuck", time.Now().Add(-time.Hour))
	seedRunningSaga(t, store, "healthy", time.Now())

	reaped, err := reaper.ReapOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, reaped)

	stuck, err := store.FindByID(context.Background(), "stuck")
	require.NoError(t, err)
	assert.Equal(t, domain.SagaStatusFailed, stuck.Status)
	assert.Equal(t, "exceeded running deadline", stuck.FailureReason)

	healthy, err := store.FindByID(context.Background(), "healthy")
	require.NoError(t, err)
	assert.Equal(t, domain.SagaStatusRunning, healthy.Status)
}

func TestStuckSagaReaper_ReapOnce_Empty(t *testing.T) {
	store := infrastructure.NewMemorySagaStore()
	coordinator := newTestCoordinator(t, store, &scriptedStep{name: "reserve"})

	reaper := NewStuckSagaReaper(store, coordinator, ReaperConfig{
		ScanInterval:  time.Minute,
		StuckDeadline: 5 * time.Minute,
	})

	reaped, err := reaper.ReapOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, reaped)
}

func TestStuckSagaReaper_CompensatesCompletedWork(t *testing.T) {
	store := infrastructure.NewMemorySagaStore()
	step1 := &scriptedStep{name: "reserve"}
	step2 := &scriptedStep{name: "charge"}
	coordinator := newTestCoordinator(t, store, step1, step2)

	// Abandoned after the first step's marker landed
	since := time.Now().Add(-time.Hour)
	saga, err := domain.StartSaga("stuck", "payment", json.RawMessage(`{}`))
	require.NoError(t, err)
	require.NoError(t, saga.CompleteStep("reserve", json.RawMessage(`{"step":"reserve"}`)))
	saga.RunningSince = &since
	_, _, err = store.CreateIfAbsent(context.Background(), saga)
	require.NoError(t, err)

	reaper := NewStuckSagaReaper(store, coordinator, ReaperConfig{
		ScanInterval:  time.Minute,
		StuckDeadline: 5 * time.Minute,
	})

	reaped, err := reaper.ReapOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, reaped)

	reapedSaga, err := store.FindByID(context.Background(), "stuck")
	require.NoError(t, err)
	assert.Equal(t, domain.SagaStatusFailed, reapedSaga.Status)
	assert.True(t, reapedSaga.StepCompensated("reserve"))
	assert.Equal(t, 1, step1.compensateCalls)
	assert.Zero(t, step2.executeCalls)
}

func TestStuckSagaReaper_StartStop(t *testing.T) {
	store := infrastructure.NewMemorySagaStore()
	coordinator := newTestCoordinator(t, store, &scriptedStep{name: "reserve"})

	reaper := NewStuckSagaReaper(store, coordinator, ReaperConfig{
		ScanInterval:  10 * time.Millisecond,
		StuckDeadline: time.Minute,
	})

	reaper.Start(context.Background())
	// Starting twice is a no-op
	reaper.Start(context.Background())

	time.Sleep(30 * time.Millisecond)

	reaper.Stop()
	// Stopping twice is a no-op
	reaper.Stop()
}
