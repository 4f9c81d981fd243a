package payments

import (
	"context"
	"database/sql"
	"time"

	"github.com/draftea/saga-engine/shared/models"
	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
)

// ErrPaymentNotFound is returned when a payment record does not exist
var ErrPaymentNotFound = errors.New("payment not found")

// PostgresPaymentStore implements PaymentStore on the payments table.
//
// Expected schema:
//
//	CREATE TABLE payments (
//	    id          TEXT PRIMARY KEY,
//	    saga_id     TEXT        NOT NULL UNIQUE,
//	    customer_id TEXT        NOT NULL,
//	    amount      BIGINT      NOT NULL,
//	    currency    TEXT        NOT NULL,
//	    description TEXT        NOT NULL DEFAULT '',
//	    status      TEXT        NOT NULL,
//	    created_at  TIMESTAMPTZ NOT NULL,
//	    updated_at  TIMESTAMPTZ NOT NULL
//	);
type PostgresPaymentStore struct {
	db *sqlx.DB
}

// NewPostgresPaymentStore creates a new PostgresPaymentStore
func NewPostgresPaymentStore(db *sqlx.DB) *PostgresPaymentStore {
	return &PostgresPaymentStore{db: db}
}

// postgresPayment represents a payment row in the database
type postgresPayment struct {
	ID          string    `db:"id"`
	SagaID      string    `db:"saga_id"`
	CustomerID  string    `db:"customer_id"`
	Amount      int64     `db:"amount"`
	Currency    string    `db:"currency"`
	Description string    `db:"description"`
	Status      string    `db:"status"`
	CreatedAt   time.Time `db:"created_at"`
	UpdatedAt   time.Time `db:"updated_at"`
}

// CreateIfAbsent inserts the payment or returns the existing record for the
// same saga id. The unique saga_id constraint makes the create step
// repeat-safe.
func (r *PostgresPaymentStore) CreateIfAbsent(ctx context.Context, payment *Payment) (*Payment, error) {
	query := `
		INSERT INTO payments (
			id, saga_id, customer_id, amount, currency, description,
			status, created_at, updated_at
		) VALUES (
			:id, :saga_id, :customer_id, :amount, :currency, :description,
			:status, :created_at, :updated_at
		)
		ON CONFLICT (saga_id) DO NOTHING`

	res, err := r.db.NamedExecContext(ctx, query, r.toPostgres(payment))
	if err != nil {
		return nil, errors.Wrap(err, "failed to insert payment")
	}

	inserted, err := res.RowsAffected()
	if err != nil {
		return nil, errors.Wrap(err, "failed to read insert result")
	}

	if inserted == 0 {
		return r.FindBySagaID(ctx, payment.SagaID)
	}

	return payment, nil
}

// FindBySagaID finds the payment bound to a saga
func (r *PostgresPaymentStore) FindBySagaID(ctx context.Context, sagaID models.ID) (*Payment, error) {
	query := `
		SELECT id, saga_id, customer_id, amount, currency, description,
		       status, created_at, updated_at
		FROM payments
		WHERE saga_id = $1`

	var pgPayment postgresPayment
	err := r.db.GetContext(ctx, &pgPayment, query, sagaID.String())
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrPaymentNotFound
		}
		return nil, errors.Wrap(err, "failed to find payment")
	}

	return r.toDomain(&pgPayment), nil
}

// UpdateStatus transitions the payment status
func (r *PostgresPaymentStore) UpdateStatus(ctx context.Context, id models.ID, status PaymentStatus) error {
	query := `
		UPDATE payments
		SET status = $1, updated_at = $2
		WHERE id = $3`

	res, err := r.db.ExecContext(ctx, query, string(status), time.Now(), id.String())
	if err != nil {
		return errors.Wrap(err, "failed to update payment status")
	}

	updated, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to read update result")
	}

	if updated == 0 {
		return ErrPaymentNotFound
	}

	return nil
}

// toPostgres converts a payment to a database row
func (r *PostgresPaymentStore) toPostgres(payment *Payment) *postgresPayment {
	return &postgresPayment{
		ID:          payment.ID.String(),
		SagaID:      payment.SagaID.String(),
		CustomerID:  payment.CustomerID,
		Amount:      payment.Amount.Amount,
		Currency:    payment.Amount.Currency,
		Description: payment.Description,
		Status:      string(payment.Status),
		CreatedAt:   payment.Timestamps.CreatedAt,
		UpdatedAt:   payment.Timestamps.UpdatedAt,
	}
}

// toDomain converts a database row to a payment
func (r *PostgresPaymentStore) toDomain(pgPayment *postgresPayment) *Payment {
	return &Payment{
		ID:          models.ID(pgPayment.ID),
		SagaID:      models.ID(pgPayment.SagaID),
		CustomerID:  pgPayment.CustomerID,
		Amount:      models.NewMoney(pgPayment.Amount, pgPayment.Currency),
		Description: pgPayment.Description,
		Status:      PaymentStatus(pgPayment.Status),
		Timestamps: models.Timestamps{
			CreatedAt: pgPayment.CreatedAt,
			UpdatedAt: pgPayment.UpdatedAt,
		},
	}
}
