package payments

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/draftea/saga-engine/saga-service/application"
	"github.com/draftea/saga-engine/saga-service/domain"
	"github.com/draftea/saga-engine/saga-service/infrastructure"
	"github.com/draftea/saga-engine/shared/models"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePaymentStore struct {
	mux      sync.Mutex
	bySagaID map[models.ID]*Payment
}

func newFakePaymentStore() *fakePaymentStore {
	return &fakePaymentStore{bySagaID: make(map[models.ID]*Payment)}
}

func (s *fakePaymentStore) CreateIfAbsent(ctx context.Context, payment *Payment) (*Payment, error) {
	s.mux.Lock()
	defer s.mux.Unlock()

	if existing, ok := s.bySagaID[payment.SagaID]; ok {
		return existing, nil
	}
	s.bySagaID[payment.SagaID] = payment
	return payment, nil
}

func (s *fakePaymentStore) FindBySagaID(ctx context.Context, sagaID models.ID) (*Payment, error) {
	s.mux.Lock()
	defer s.mux.Unlock()

	payment, ok := s.bySagaID[sagaID]
	if !ok {
		return nil, ErrPaymentNotFound
	}
	return payment, nil
}

func (s *fakePaymentStore) UpdateStatus(ctx context.Context, id models.ID, status PaymentStatus) error {
	s.mux.Lock()
	defer s.mux.Unlock()

	for _, payment := range s.bySagaID {
		if payment.ID == id {
			payment.Status = status
			return nil
		}
	}
	return ErrPaymentNotFound
}

type fakeFundsGateway struct {
	reservations map[string]string
	releases     []string
	reserveErr   error
}

func newFakeFundsGateway() *fakeFundsGateway {
	return &fakeFundsGateway{reservations: make(map[string]string)}
}

func (g *fakeFundsGateway) Reserve(ctx context.Context, reference string, customerID string, amount models.Money) (string, error) {
	if g.reserveErr != nil {
		return "", g.reserveErr
	}
	if id, ok := g.reservations[reference]; ok {
		return id, nil
	}
	id := "res-" + reference
	g.reservations[reference] = id
	return id, nil
}

func (g *fakeFundsGateway) Release(ctx context.Context, reservationID string) error {
	g.releases = append(g.releases, reservationID)
	return nil
}

type fakeChargeGateway struct {
	charges   map[string]string
	reversals []string
	chargeErr error
}

func newFakeChargeGateway() *fakeChargeGateway {
	return &fakeChargeGateway{charges: make(map[string]string)}
}

func (g *fakeChargeGateway) Charge(ctx context.Context, idempotencyKey string, reservationID string, amount models.Money) (string, error) {
	if g.chargeErr != nil {
		return "", g.chargeErr
	}
	if ref, ok := g.charges[idempotencyKey]; ok {
		return ref, nil
	}
	ref := "chg-" + idempotencyKey
	g.charges[idempotencyKey] = ref
	return ref, nil
}

func (g *fakeChargeGateway) Reverse(ctx context.Context, chargeReference string) error {
	g.reversals = append(g.reversals, chargeReference)
	return nil
}

type fakeNotifier struct {
	completed []models.ID
	cancelled []models.ID
}

func (n *fakeNotifier) PaymentCompleted(ctx context.Context, customerID string, paymentID models.ID) (string, error) {
	n.completed = append(n.completed, paymentID)
	return "ntf-1", nil
}

func (n *fakeNotifier) PaymentCancelled(ctx context.Context, customerID string, paymentID models.ID) error {
	n.cancelled = append(n.cancelled, paymentID)
	return nil
}

type paymentFixture struct {
	store       *fakePaymentStore
	funds       *fakeFundsGateway
	charges     *fakeChargeGateway
	notifier    *fakeNotifier
	coordinator *application.SagaCoordinator
}

func newPaymentFixture(t *testing.T) *paymentFixture {
	t.Helper()

	f := &paymentFixture{
		store:    newFakePaymentStore(),
		funds:    newFakeFundsGateway(),
		charges:  newFakeChargeGateway(),
		notifier: &fakeNotifier{},
	}

	stepSet := NewStepSet(f.store, f.funds, f.charges, f.notifier)

	registry := domain.NewRegistry()
	require.NoError(t, registry.Register(SagaTypePayment, stepSet.Steps()...))

	policy := application.RetryPolicy{
		StepTimeout: time.Second,
		MaxAttempts: 1,
		BackoffBase: time.Millisecond,
	}
	f.coordinator = application.NewSagaCoordinator(registry, infrastructure.NewMemorySagaStore(), nil, policy)

	return f
}

func paymentInput() json.RawMessage {
	return json.RawMessage(`{"customer_id":"user-1","amount":5000,"currency":"USD","description":"order 42"}`)
}

func TestPaymentSaga_HappyPath(t *testing.T) {
	f := newPaymentFixture(t)

	saga, err := f.coordinator.Start(context.Background(), "payment:user-1:abc", SagaTypePayment, paymentInput())
	require.NoError(t, err)

	assert.Equal(t, domain.SagaStatusCompleted, saga.Status)
	assert.True(t, saga.StepDone(StepCreatePaymentRecord))
	assert.True(t, saga.StepDone(StepReserveFunds))
	assert.True(t, saga.StepDone(StepProcessCharge))
	assert.True(t, saga.StepDone(StepSendNotification))

	payment, err := f.store.FindBySagaID(context.Background(), "payment:user-1:abc")
	require.NoError(t, err)
	assert.Equal(t, PaymentStatusCompleted, payment.Status)
	assert.Equal(t, models.NewMoney(5000, "USD"), payment.Amount)

	// The charge settled against the persisted reservation
	var reservation ReserveFundsResult
	require.NoError(t, json.Unmarshal(saga.Steps[StepReserveFunds].Result, &reservation))
	assert.Equal(t, "res-payment:user-1:abc", reservation.ReservationID)

	assert.Len(t, f.notifier.completed, 1)
	assert.Empty(t, f.notifier.cancelled)
	assert.Empty(t, f.funds.releases)
	assert.Empty(t, f.charges.reversals)
}

func TestPaymentSaga_ChargeFailure_RollsBack(t *testing.T) {
	f := newPaymentFixture(t)
	f.charges.chargeErr = errors.New("processor unavailable")

	saga, err := f.coordinator.Start(context.Background(), "payment:user-1:abc", SagaTypePayment, paymentInput())
	require.NoError(t, err)

	assert.Equal(t, domain.SagaStatusFailed, saga.Status)
	assert.False(t, saga.RequiresIntervention)

	// Reservation released exactly once, payment marked failed, the customer
	// never saw a completion notice
	assert.Equal(t, []string{"res-payment:user-1:abc"}, f.funds.releases)
	assert.Empty(t, f.charges.reversals)
	assert.Empty(t, f.notifier.completed)
	assert.Empty(t, f.notifier.cancelled)

	payment, err := f.store.FindBySagaID(context.Background(), "payment:user-1:abc")
	require.NoError(t, err)
	assert.Equal(t, PaymentStatusFailed, payment.Status)

	assert.True(t, saga.StepCompensated(StepCreatePaymentRecord))
	assert.True(t, saga.StepCompensated(StepReserveFunds))
	assert.False(t, saga.StepDone(StepProcessCharge))
	assert.False(t, saga.StepDone(StepSendNotification))
}

func TestPaymentSaga_ReserveFailure_RollsBackCreateOnly(t *testing.T) {
	f := newPaymentFixture(t)
	f.funds.reserveErr = errors.New("wallet unavailable")

	saga, err := f.coordinator.Start(context.Background(), "payment:user-1:abc", SagaTypePayment, paymentInput())
	require.NoError(t, err)

	assert.Equal(t, domain.SagaStatusFailed, saga.Status)
	assert.Empty(t, f.funds.releases)

	payment, err := f.store.FindBySagaID(context.Background(), "payment:user-1:abc")
	require.NoError(t, err)
	assert.Equal(t, PaymentStatusFailed, payment.Status)
}

func TestPaymentSaga_InvalidInput(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{
			name:  "missing customer",
			input: `{"amount":5000,"currency":"USD"}`,
		},
		{
			name:  "non-positive amount",
			input: `{"customer_id":"user-1","amount":0,"currency":"USD"}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newPaymentFixture(t)

			saga, err := f.coordinator.Start(context.Background(), "payment:user-1:abc", SagaTypePayment, json.RawMessage(tt.input))
			require.NoError(t, err)

			// The first step rejected the input, so there is nothing to unwind
			assert.Equal(t, domain.SagaStatusFailed, saga.Status)
			assert.False(t, saga.StepDone(StepCreatePaymentRecord))

			_, err = f.store.FindBySagaID(context.Background(), "payment:user-1:abc")
			assert.ErrorIs(t, err, ErrPaymentNotFound)
		})
	}
}

func TestPaymentSaga_DuplicateStart_ReusesRecords(t *testing.T) {
	f := newPaymentFixture(t)

	first, err := f.coordinator.Start(context.Background(), "payment:user-1:abc", SagaTypePayment, paymentInput())
	require.NoError(t, err)
	require.Equal(t, domain.SagaStatusCompleted, first.Status)

	second, err := f.coordinator.Start(context.Background(), "payment:user-1:abc", SagaTypePayment, paymentInput())
	require.NoError(t, err)

	assert.Equal(t, domain.SagaStatusCompleted, second.Status)
	assert.Len(t, f.store.bySagaID, 1)
	assert.Len(t, f.notifier.completed, 1)
	assert.Len(t, f.charges.charges, 1)
}

func TestStepSet_StepOrder(t *testing.T) {
	stepSet := NewStepSet(newFakePaymentStore(), newFakeFundsGateway(), newFakeChargeGateway(), &fakeNotifier{})

	names := make([]string, 0, 4)
	for _, step := range stepSet.Steps() {
		names = append(names, step.Name)
	}

	assert.Equal(t, []string{
		StepCreatePaymentRecord,
		StepReserveFunds,
		StepProcessCharge,
		StepSendNotification,
	}, names)
}
