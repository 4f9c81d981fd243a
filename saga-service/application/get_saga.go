package application

import (
	"context"
	"encoding/json"
	"time"

	"github.com/draftea/saga-engine/saga-service/domain"
	"github.com/draftea/saga-engine/shared/models"
	"github.com/pkg/errors"
)

// GetSagaQuery represents the query to get a saga
type GetSagaQuery struct {
	SagaID string `json:"saga_id"`
}

// SagaStepResponse mirrors the persisted per-step state
type SagaStepResponse struct {
	Done        bool            `json:"done"`
	Compensated bool            `json:"compensated"`
	Result      json.RawMessage `json:"result,omitempty"`
}

// SagaResponse represents the externally visible saga record
type SagaResponse struct {
	SagaID               string                      `json:"saga_id"`
	SagaType             string                      `json:"saga_type"`
	Status               string                      `json:"status"`
	Steps                map[string]SagaStepResponse `json:"steps"`
	FailureReason        string                      `json:"failure_reason,omitempty"`
	RequiresIntervention bool                        `json:"requires_intervention,omitempty"`
	CreatedAt            string                      `json:"created_at"`
	UpdatedAt            string                      `json:"updated_at"`
}

// GetSaga use case
type GetSaga struct {
	store domain.SagaStore
}

// NewGetSaga creates a new GetSaga use case
func NewGetSaga(store domain.SagaStore) *GetSaga {
	return &GetSaga{
		store: store,
	}
}

// Execute executes the get saga use case
func (uc *GetSaga) Execute(ctx context.Context, query *GetSagaQuery) (*SagaResponse, error) {
	if query.SagaID == "" {
		return nil, errors.New("saga ID is required")
	}

	sagaID, err := models.NewID(query.SagaID)
	if err != nil {
		return nil, errors.Wrap(err, "invalid saga ID")
	}

	saga, err := uc.store.FindByID(ctx, sagaID)
	if err != nil {
		return nil, err
	}

	return newSagaResponse(saga), nil
}

// newSagaResponse converts a saga aggregate to its response form
func newSagaResponse(saga *domain.Saga) *SagaResponse {
	steps := make(map[string]SagaStepResponse, len(saga.Steps))
	for name, state := range saga.Steps {
		steps[name] = SagaStepResponse{
			Done:        state.Done,
			Compensated: state.Compensated,
			Result:      state.Result,
		}
	}

	return &SagaResponse{
		SagaID:               saga.ID.String(),
		SagaType:             string(saga.Type),
		Status:               string(saga.Status),
		Steps:                steps,
		FailureReason:        saga.FailureReason,
		RequiresIntervention: saga.RequiresIntervention,
		CreatedAt:            saga.Timestamps.CreatedAt.Format(time.RFC3339),
		UpdatedAt:            saga.Timestamps.UpdatedAt.Format(time.RFC3339),
	}
}
