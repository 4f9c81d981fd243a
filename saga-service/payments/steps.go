package payments

import (
	"context"
	"encoding/json"

	"github.com/draftea/saga-engine/saga-service/domain"
	"github.com/draftea/saga-engine/shared/models"
	"github.com/pkg/errors"
)

// SagaTypePayment is the built-in payment saga
const SagaTypePayment domain.SagaType = "payment"

// Step names, used as keys into the saga's durable state
const (
	StepCreatePaymentRecord = "CreatePaymentRecord"
	StepReserveFunds        = "ReserveFunds"
	StepProcessCharge       = "ProcessCharge"
	StepSendNotification    = "SendNotification"
)

// PaymentRequest is the saga input supplied by the caller
type PaymentRequest struct {
	CustomerID  string `json:"customer_id"`
	Amount      int64  `json:"amount"`
	Currency    string `json:"currency"`
	Description string `json:"description,omitempty"`
}

// Step result payloads, persisted in the saga record
type CreatePaymentRecordResult struct {
	PaymentID string `json:"payment_id"`
}

type ReserveFundsResult struct {
	ReservationID string `json:"reservation_id"`
}

type ProcessChargeResult struct {
	ChargeReference string `json:"charge_reference"`
}

type SendNotificationResult struct {
	NotificationID string `json:"notification_id"`
}

// StepSet bundles the collaborators the payment steps act on
type StepSet struct {
	payments PaymentStore
	funds    FundsGateway
	charges  ChargeGateway
	notifier Notifier
}

// NewStepSet creates the payment step set
func NewStepSet(payments PaymentStore, funds FundsGateway, charges ChargeGateway, notifier Notifier) *StepSet {
	return &StepSet{
		payments: payments,
		funds:    funds,
		charges:  charges,
		notifier: notifier,
	}
}

// Steps returns the ordered payment saga steps for registration
func (s *StepSet) Steps() []domain.StepDefinition {
	return []domain.StepDefinition{
		{Name: StepCreatePaymentRecord, Execute: s.createPaymentRecord, Compensate: s.compensateCreatePaymentRecord},
		{Name: StepReserveFunds, Execute: s.reserveFunds, Compensate: s.compensateReserveFunds},
		{Name: StepProcessCharge, Execute: s.processCharge, Compensate: s.compensateProcessCharge},
		{Name: StepSendNotification, Execute: s.sendNotification, Compensate: s.compensateSendNotification},
	}
}

// createPaymentRecord inserts the payment record. Idempotent through the
// saga id natural key: a duplicate invocation returns the existing record.
func (s *StepSet) createPaymentRecord(ctx context.Context, step domain.StepContext) (json.RawMessage, error) {
	var request PaymentRequest
	if err := step.BindInput(&request); err != nil {
		return nil, err
	}
	if request.CustomerID == "" {
		return nil, errors.New("customer ID is required")
	}
	if request.Amount <= 0 {
		return nil, errors.New("amount must be positive")
	}

	payment := NewPayment(step.SagaID, request.CustomerID, newMoney(request), request.Description)

	stored, err := s.payments.CreateIfAbsent(ctx, payment)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create payment record")
	}

	return json.Marshal(CreatePaymentRecordResult{PaymentID: stored.ID.String()})
}

// compensateCreatePaymentRecord marks the payment record failed
func (s *StepSet) compensateCreatePaymentRecord(ctx context.Context, step domain.StepContext) (json.RawMessage, error) {
	var result CreatePaymentRecordResult
	if err := step.BindResult(StepCreatePaymentRecord, &result); err != nil {
		return nil, err
	}

	err := s.payments.UpdateStatus(ctx, toID(result.PaymentID), PaymentStatusFailed)
	return nil, errors.Wrap(err, "failed to mark payment failed")
}

// reserveFunds places a hold on customer funds, keyed by the saga id so a
// duplicate invocation reuses the existing reservation
func (s *StepSet) reserveFunds(ctx context.Context, step domain.StepContext) (json.RawMessage, error) {
	var request PaymentRequest
	if err := step.BindInput(&request); err != nil {
		return nil, err
	}

	reservationID, err := s.funds.Reserve(ctx, step.SagaID.String(), request.CustomerID, newMoney(request))
	if err != nil {
		return nil, errors.Wrap(err, "failed to reserve funds")
	}

	return json.Marshal(ReserveFundsResult{ReservationID: reservationID})
}

// compensateReserveFunds releases the held funds
func (s *StepSet) compensateReserveFunds(ctx context.Context, step domain.StepContext) (json.RawMessage, error) {
	var result ReserveFundsResult
	if err := step.BindResult(StepReserveFunds, &result); err != nil {
		return nil, err
	}

	err := s.funds.Release(ctx, result.ReservationID)
	return nil, errors.Wrap(err, "failed to release reserved funds")
}

// processCharge settles the charge against the reservation and marks the
// payment completed
func (s *StepSet) processCharge(ctx context.Context, step domain.StepContext) (json.RawMessage, error) {
	var request PaymentRequest
	if err := step.BindInput(&request); err != nil {
		return nil, err
	}

	var reservation ReserveFundsResult
	if err := step.BindResult(StepReserveFunds, &reservation); err != nil {
		return nil, err
	}

	chargeRef, err := s.charges.Charge(ctx, step.SagaID.String(), reservation.ReservationID, newMoney(request))
	if err != nil {
		return nil, errors.Wrap(err, "failed to process charge")
	}

	var created CreatePaymentRecordResult
	if err := step.BindResult(StepCreatePaymentRecord, &created); err != nil {
		return nil, err
	}

	if err := s.payments.UpdateStatus(ctx, toID(created.PaymentID), PaymentStatusCompleted); err != nil {
		return nil, errors.Wrap(err, "failed to mark payment completed")
	}

	return json.Marshal(ProcessChargeResult{ChargeReference: chargeRef})
}

// compensateProcessCharge issues a reversal for the charge
func (s *StepSet) compensateProcessCharge(ctx context.Context, step domain.StepContext) (json.RawMessage, error) {
	var result ProcessChargeResult
	if err := step.BindResult(StepProcessCharge, &result); err != nil {
		return nil, err
	}

	err := s.charges.Reverse(ctx, result.ChargeReference)
	return nil, errors.Wrap(err, "failed to reverse charge")
}

// sendNotification notifies the customer of the completed payment
func (s *StepSet) sendNotification(ctx context.Context, step domain.StepContext) (json.RawMessage, error) {
	var request PaymentRequest
	if err := step.BindInput(&request); err != nil {
		return nil, err
	}

	var created CreatePaymentRecordResult
	if err := step.BindResult(StepCreatePaymentRecord, &created); err != nil {
		return nil, err
	}

	notificationID, err := s.notifier.PaymentCompleted(ctx, request.CustomerID, toID(created.PaymentID))
	if err != nil {
		return nil, errors.Wrap(err, "failed to send notification")
	}

	return json.Marshal(SendNotificationResult{NotificationID: notificationID})
}

// compensateSendNotification sends a cancellation notice. The original
// notification cannot be unsent.
func (s *StepSet) compensateSendNotification(ctx context.Context, step domain.StepContext) (json.RawMessage, error) {
	var request PaymentRequest
	if err := step.BindInput(&request); err != nil {
		return nil, err
	}

	var created CreatePaymentRecordResult
	if err := step.BindResult(StepCreatePaymentRecord, &created); err != nil {
		return nil, err
	}

	err := s.notifier.PaymentCancelled(ctx, request.CustomerID, toID(created.PaymentID))
	return nil, errors.Wrap(err, "failed to send cancellation notice")
}

func newMoney(request PaymentRequest) models.Money {
	return models.NewMoney(request.Amount, request.Currency)
}

func toID(id string) models.ID {
	return models.ID(id)
}
