package handlers

import (
	"context"
	"log"

	"github.com/draftea/saga-engine/saga-service/application"
	"github.com/draftea/saga-engine/shared/events"
	"github.com/draftea/saga-engine/shared/models"
	"github.com/pkg/errors"
)

// SagaEventHandlers routes saga invocation events from the queue to the
// coordinator. Returning an error leaves the message on the queue for
// redelivery; returning nil acknowledges it.
type SagaEventHandlers struct {
	startSaga   *application.StartSaga
	coordinator *application.SagaCoordinator
}

// NewSagaEventHandlers creates new saga event handlers
func NewSagaEventHandlers(startSaga *application.StartSaga, coordinator *application.SagaCoordinator) *SagaEventHandlers {
	return &SagaEventHandlers{
		startSaga:   startSaga,
		coordinator: coordinator,
	}
}

// HandlerID returns the unique identifier for this event handler
func (h *SagaEventHandlers) HandlerID() string {
	return "saga-service-event-handler"
}

// Handle implements the events.EventHandler interface
func (h *SagaEventHandlers) Handle(ctx context.Context, event *events.Event) error {
	switch event.EventType {
	case events.SagaStartRequestedEvent:
		return h.HandleStartRequest(ctx, event)
	case events.SagaAdvanceRequestedEvent:
		return h.HandleAdvanceRequest(ctx, event)
	default:
		// Unknown event type, ignore
		return nil
	}
}

// HandleStartRequest handles saga start requests. Duplicate deliveries are
// harmless: the saga id in the payload pins the request to one saga.
func (h *SagaEventHandlers) HandleStartRequest(ctx context.Context, event *events.Event) error {
	var cmd application.StartSagaCommand
	if err := event.UnmarshalPayload(&cmd); err != nil {
		// Malformed payload; redelivery cannot fix it
		log.Printf("dropping malformed saga start request %s: %v", event.ID, err)
		return nil
	}

	_, err := h.startSaga.Execute(ctx, &cmd)
	if err != nil {
		log.Printf("failed to start saga %s: %v", cmd.SagaID, err)
		return err
	}

	return nil
}

// advanceRequestData is the payload of saga advance requests
type advanceRequestData struct {
	SagaID string `json:"saga_id"`
}

// HandleAdvanceRequest resumes a saga, typically after an operator resolved
// the condition that stalled it
func (h *SagaEventHandlers) HandleAdvanceRequest(ctx context.Context, event *events.Event) error {
	var data advanceRequestData
	if err := event.UnmarshalPayload(&data); err != nil {
		log.Printf("dropping malformed saga advance request %s: %v", event.ID, err)
		return nil
	}

	sagaID, err := models.NewID(data.SagaID)
	if err != nil {
		log.Printf("dropping saga advance request %s: %v", event.ID, err)
		return nil
	}

	_, err = h.coordinator.Advance(ctx, sagaID)
	if err != nil && !errors.Is(err, application.ErrCompensationExhausted) {
		log.Printf("failed to advance saga %s: %v", sagaID, err)
		return err
	}

	return nil
}
