package application

import (
	"context"
	"encoding/json"

	"github.com/draftea/saga-engine/saga-service/domain"
	"github.com/draftea/saga-engine/shared/models"
	"github.com/pkg/errors"
)

// StartSagaCommand represents the command to start (or resume) a saga
type StartSagaCommand struct {
	SagaID   string          `json:"saga_id"`
	SagaType string          `json:"saga_type"`
	Input    json.RawMessage `json:"input,omitempty"`
}

// StartSaga use case. Repeat-safe: the saga id is the idempotency key, so
// re-submitting the same logical request resumes the same saga.
type StartSaga struct {
	coordinator *SagaCoordinator
}

// NewStartSaga creates a new StartSaga use case
func NewStartSaga(coordinator *SagaCoordinator) *StartSaga {
	return &StartSaga{
		coordinator: coordinator,
	}
}

// Execute executes the start saga use case
func (uc *StartSaga) Execute(ctx context.Context, cmd *StartSagaCommand) (*SagaResponse, error) {
	if err := uc.validateCommand(cmd); err != nil {
		return nil, errors.Wrap(err, "invalid command")
	}

	sagaID, err := models.NewID(cmd.SagaID)
	if err != nil {
		return nil, errors.Wrap(err, "invalid saga ID")
	}

	saga, err := uc.coordinator.Start(ctx, sagaID, domain.SagaType(cmd.SagaType), cmd.Input)
	if err != nil && !errors.Is(err, ErrCompensationExhausted) {
		return nil, err
	}

	return newSagaResponse(saga), nil
}

// validateCommand validates the start saga command
func (uc *StartSaga) validateCommand(cmd *StartSagaCommand) error {
	if cmd.SagaID == "" {
		return errors.New("saga ID is required")
	}

	if cmd.SagaType == "" {
		return errors.New("saga type is required")
	}

	return nil
}
