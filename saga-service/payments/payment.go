package payments

import (
	"context"

	"github.com/draftea/saga-engine/shared/models"
)

// PaymentStatus represents the status of a payment record
type PaymentStatus string

const (
	PaymentStatusPending   PaymentStatus = "pending"
	PaymentStatusCompleted PaymentStatus = "completed"
	PaymentStatusFailed    PaymentStatus = "failed"
)

// Payment is the business record the payment saga creates and settles. The
// saga id is its natural key: re-running the create step for the same saga
// returns the same record.
type Payment struct {
	ID          models.ID
	SagaID      models.ID
	CustomerID  string
	Amount      models.Money
	Description string
	Status      PaymentStatus
	Timestamps  models.Timestamps
}

// NewPayment creates a pending payment bound to a saga
func NewPayment(sagaID models.ID, customerID string, amount models.Money, description string) *Payment {
	return &Payment{
		ID:          models.GenerateUUID(),
		SagaID:      sagaID,
		CustomerID:  customerID,
		Amount:      amount,
		Description: description,
		Status:      PaymentStatusPending,
		Timestamps:  models.NewTimestamps(),
	}
}

// PaymentStore persists payment records
type PaymentStore interface {
	// CreateIfAbsent inserts the payment or returns the existing record for
	// the same saga id
	CreateIfAbsent(ctx context.Context, payment *Payment) (*Payment, error)
	FindBySagaID(ctx context.Context, sagaID models.ID) (*Payment, error)
	UpdateStatus(ctx context.Context, id models.ID, status PaymentStatus) error
}

// FundsGateway reserves and releases customer funds
type FundsGateway interface {
	// Reserve must be idempotent on the reference (the saga id)
	Reserve(ctx context.Context, reference string, customerID string, amount models.Money) (reservationID string, err error)
	Release(ctx context.Context, reservationID string) error
}

// ChargeGateway settles and reverses charges at the payment processor
type ChargeGateway interface {
	// Charge must be idempotent on the key (the saga id)
	Charge(ctx context.Context, idempotencyKey string, reservationID string, amount models.Money) (chargeReference string, err error)
	Reverse(ctx context.Context, chargeReference string) error
}

// Notifier delivers customer notifications
type Notifier interface {
	PaymentCompleted(ctx context.Context, customerID string, paymentID models.ID) (notificationID string, err error)
	PaymentCancelled(ctx context.Context, customerID string, paymentID models.ID) error
}
