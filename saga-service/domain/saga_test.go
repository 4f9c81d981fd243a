package domain

import (
	"encoding/json"
	"testing"

	"github.com/draftea/saga-engine/shared/events"
	"github.com/draftea/saga-engine/shared/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestID(s string) models.ID {
	return models.ID(s)
}

func TestStartSaga(t *testing.T) {
	tests := []struct {
		name          string
		id            string
		sagaType      string
		expectedError string
	}{
		{
			name:     "valid saga",
			id:       "payment:user-1:abc",
			sagaType: "payment",
		},
		{
			name:          "missing id",
			id:            "",
			sagaType:      "payment",
			expectedError: "saga id is required",
		},
		{
			name:          "missing type",
			id:            "payment:user-1:abc",
			sagaType:      "",
			expectedError: "saga type is required",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			saga, err := StartSaga(newTestID(tt.id), SagaType(tt.sagaType), json.RawMessage(`{}`))

			if tt.expectedError != "" {
				assert.EqualError(t, err, tt.expectedError)
				assert.Nil(t, saga)
				return
			}

			require.NoError(t, err)
			assert.Equal(t, SagaStatusRunning, saga.Status)
			assert.NotNil(t, saga.RunningSince)
			assert.Equal(t, 1, saga.Version.Value)
			assert.False(t, saga.IsTerminal())

			require.Len(t, saga.Events(), 1)
			assert.Equal(t, events.SagaStartedEvent, saga.Events()[0].EventType)
		})
	}
}

func TestSaga_CompleteStep(t *testing.T) {
	saga := newRunningSaga(t)

	err := saga.CompleteStep("reserve", json.RawMessage(`{"reservation_id":"r-1"}`))
	require.NoError(t, err)

	assert.True(t, saga.StepDone("reserve"))
	assert.False(t, saga.StepCompensated("reserve"))
	assert.Equal(t, 2, saga.Version.Value)
	assert.JSONEq(t, `{"reservation_id":"r-1"}`, string(saga.Results()["reserve"]))

	// Completion markers are never set twice
	err = saga.CompleteStep("reserve", nil)
	assert.EqualError(t, err, `step "reserve" already completed`)
}

func TestSaga_Complete(t *testing.T) {
	saga := newRunningSaga(t)

	require.NoError(t, saga.Complete())
	assert.Equal(t, SagaStatusCompleted, saga.Status)
	assert.Nil(t, saga.RunningSince)
	assert.True(t, saga.IsTerminal())

	// Terminal states are immutable
	assert.Error(t, saga.Complete())
	assert.Error(t, saga.BeginCompensation("late failure"))
	assert.Error(t, saga.CompleteStep("reserve", nil))
	assert.Error(t, saga.Fail())
}

func TestSaga_Compensation(t *testing.T) {
	saga := newRunningSaga(t)
	require.NoError(t, saga.CompleteStep("reserve", json.RawMessage(`{}`)))

	require.NoError(t, saga.BeginCompensation("step charge failed"))
	assert.Equal(t, SagaStatusCompensating, saga.Status)
	assert.Equal(t, "step charge failed", saga.FailureReason)
	assert.Nil(t, saga.RunningSince)
	assert.False(t, saga.IsTerminal())

	// Only completed steps can be compensated
	err := saga.CompensateStep("charge")
	assert.EqualError(t, err, `step "charge" was never completed`)

	require.NoError(t, saga.CompensateStep("reserve"))
	assert.True(t, saga.StepDone("reserve"))
	assert.True(t, saga.StepCompensated("reserve"))

	err = saga.CompensateStep("reserve")
	assert.EqualError(t, err, `step "reserve" already compensated`)

	require.NoError(t, saga.Fail())
	assert.Equal(t, SagaStatusFailed, saga.Status)
	assert.False(t, saga.RequiresIntervention)
	assert.True(t, saga.IsTerminal())
}

func TestSaga_FailRequiringIntervention(t *testing.T) {
	saga := newRunningSaga(t)
	require.NoError(t, saga.CompleteStep("reserve", nil))
	require.NoError(t, saga.BeginCompensation("step charge failed"))

	require.NoError(t, saga.FailRequiringIntervention("compensation of step reserve failed"))
	assert.Equal(t, SagaStatusFailed, saga.Status)
	assert.True(t, saga.RequiresIntervention)
	assert.Equal(t, "compensation of step reserve failed", saga.FailureReason)
	assert.True(t, saga.IsTerminal())

	// Parked sagas stay parked
	assert.Error(t, saga.CompensateStep("reserve"))
	assert.Error(t, saga.Fail())
}

func TestSaga_Results_OnlyCompletedSteps(t *testing.T) {
	saga := newRunningSaga(t)
	require.NoError(t, saga.CompleteStep("reserve", json.RawMessage(`{"reservation_id":"r-1"}`)))

	results := saga.Results()
	assert.Len(t, results, 1)
	assert.Contains(t, results, "reserve")
	assert.NotContains(t, results, "charge")
}

func newRunningSaga(t *testing.T) *Saga {
	t.Helper()
	saga, err := StartSaga(newTestID("payment:user-1:abc"), "payment", json.RawMessage(`{"amount":100}`))
	require.NoError(t, err)
	saga.ClearEvents()
	return saga
}
