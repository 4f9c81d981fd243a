package payments

import (
	"context"

	"github.com/draftea/saga-engine/shared/events"
	"github.com/draftea/saga-engine/shared/models"
	"github.com/pkg/errors"
)

// PaymentNotificationData is the payload of customer notification events
type PaymentNotificationData struct {
	PaymentID  string `json:"payment_id"`
	CustomerID string `json:"customer_id"`
}

// EventNotifier delivers customer notifications by publishing notification
// events. Downstream delivery channels (email, push) subscribe to them.
type EventNotifier struct {
	publisher events.Publisher
}

// NewEventNotifier creates a new EventNotifier
func NewEventNotifier(publisher events.Publisher) *EventNotifier {
	return &EventNotifier{
		publisher: publisher,
	}
}

// PaymentCompleted publishes a completion notification and returns the
// event id as the notification id
func (n *EventNotifier) PaymentCompleted(ctx context.Context, customerID string, paymentID models.ID) (string, error) {
	event := n.newEvent(events.PaymentCompletedNotificationEvent, customerID, paymentID)

	if err := n.publisher.Publish(ctx, event); err != nil {
		return "", errors.Wrap(err, "failed to publish completion notification")
	}

	return event.ID.String(), nil
}

// PaymentCancelled publishes a cancellation notice
func (n *EventNotifier) PaymentCancelled(ctx context.Context, customerID string, paymentID models.ID) error {
	event := n.newEvent(events.PaymentCancelledNotificationEvent, customerID, paymentID)

	return errors.Wrap(n.publisher.Publish(ctx, event), "failed to publish cancellation notice")
}

func (n *EventNotifier) newEvent(eventType string, customerID string, paymentID models.ID) *events.Event {
	data := PaymentNotificationData{
		PaymentID:  paymentID.String(),
		CustomerID: customerID,
	}

	return events.NewEvent(paymentID, eventType, data).
		WithMetadata("customer_id", customerID)
}
