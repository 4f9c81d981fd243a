package infrastructure

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/draftea/saga-engine/saga-service/domain"
	"github.com/draftea/saga-engine/shared/models"
	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
)

// PostgresSagaStore implements domain.SagaStore on the sagas table.
//
// Expected schema:
//
//	CREATE TABLE sagas (
//	    id                    TEXT PRIMARY KEY,
//	    saga_type             TEXT        NOT NULL,
//	    status                TEXT        NOT NULL,
//	    input                 JSONB,
//	    steps                 JSONB       NOT NULL,
//	    failure_reason        TEXT        NOT NULL DEFAULT '',
//	    requires_intervention BOOLEAN     NOT NULL DEFAULT FALSE,
//	    running_since         TIMESTAMPTZ,
//	    created_at            TIMESTAMPTZ NOT NULL,
//	    updated_at            TIMESTAMPTZ NOT NULL,
//	    version               INTEGER     NOT NULL
//	);
//	CREATE INDEX sagas_stuck_idx ON sagas (running_since) WHERE status = 'running';
type PostgresSagaStore struct {
	db *sqlx.DB
}

// NewPostgresSagaStore creates a new PostgresSagaStore
func NewPostgresSagaStore(db *sqlx.DB) *PostgresSagaStore {
	return &PostgresSagaStore{db: db}
}

// postgresSaga represents a saga row in the database
type postgresSaga struct {
	ID                   string          `db:"id"`
	SagaType             string          `db:"saga_type"`
	Status               string          `db:"status"`
	Input                json.RawMessage `db:"input"`
	Steps                json.RawMessage `db:"steps"`
	FailureReason        string          `db:"failure_reason"`
	RequiresIntervention bool            `db:"requires_intervention"`
	RunningSince         *time.Time      `db:"running_since"`
	CreatedAt            time.Time       `db:"created_at"`
	UpdatedAt            time.Time       `db:"updated_at"`
	Version              int             `db:"version"`
}

// CreateIfAbsent atomically inserts the saga or returns the existing record
func (r *PostgresSagaStore) CreateIfAbsent(ctx context.Context, saga *domain.Saga) (*domain.Saga, bool, error) {
	pgSaga, err := r.toPostgres(saga)
	if err != nil {
		return nil, false, err
	}

	query := `
		INSERT INTO sagas (
			id, saga_type, status, input, steps, failure_reason,
			requires_intervention, running_since, created_at, updated_at, version
		) VALUES (
			:id, :saga_type, :status, :input, :steps, :failure_reason,
			:requires_intervention, :running_since, :created_at, :updated_at, :version
		)
		ON CONFLICT (id) DO NOTHING`

	res, err := r.db.NamedExecContext(ctx, query, pgSaga)
	if err != nil {
		return nil, false, errors.Wrap(err, "failed to insert saga")
	}

	inserted, err := res.RowsAffected()
	if err != nil {
		return nil, false, errors.Wrap(err, "failed to read insert result")
	}

	if inserted == 0 {
		existing, err := r.FindByID(ctx, saga.ID)
		if err != nil {
			return nil, false, err
		}
		return existing, false, nil
	}

	return saga, true, nil
}

// FindByID finds a saga by ID
func (r *PostgresSagaStore) FindByID(ctx context.Context, id models.ID) (*domain.Saga, error) {
	query := `
		SELECT id, saga_type, status, input, steps, failure_reason,
		       requires_intervention, running_since, created_at, updated_at, version
		FROM sagas
		WHERE id = $1`

	var pgSaga postgresSaga
	err := r.db.GetContext(ctx, &pgSaga, query, id.String())
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, domain.ErrSagaNotFound
		}
		return nil, errors.Wrap(err, "failed to find saga")
	}

	return r.toDomain(&pgSaga)
}

// CompareAndSwap persists the saga guarded by the previous version
func (r *PostgresSagaStore) CompareAndSwap(ctx context.Context, saga *domain.Saga) error {
	pgSaga, err := r.toPostgres(saga)
	if err != nil {
		return err
	}

	query := `
		UPDATE sagas
		SET status = :status, steps = :steps, failure_reason = :failure_reason,
		    requires_intervention = :requires_intervention,
		    running_since = :running_since, updated_at = :updated_at,
		    version = :version
		WHERE id = :id AND version = :old_version`

	res, err := r.db.NamedExecContext(ctx, query, map[string]interface{}{
		"id":                    pgSaga.ID,
		"status":                pgSaga.Status,
		"steps":                 pgSaga.Steps,
		"failure_reason":        pgSaga.FailureReason,
		"requires_intervention": pgSaga.RequiresIntervention,
		"running_since":         pgSaga.RunningSince,
		"updated_at":            pgSaga.UpdatedAt,
		"version":               pgSaga.Version,
		"old_version":           pgSaga.Version - 1, // Optimistic locking
	})
	if err != nil {
		return errors.Wrap(err, "failed to update saga")
	}

	updated, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to read update result")
	}

	if updated == 0 {
		return domain.ErrVersionConflict
	}

	return nil
}

// FindStuck returns running sagas abandoned beyond the deadline
func (r *PostgresSagaStore) FindStuck(ctx context.Context, olderThan time.Time, limit int) ([]*domain.Saga, error) {
	query := `
		SELECT id, saga_type, status, input, steps, failure_reason,
		       requires_intervention, running_since, created_at, updated_at, version
		FROM sagas
		WHERE status = $1 AND running_since < $2
		ORDER BY running_since ASC
		LIMIT $3`

	var pgSagas []postgresSaga
	err := r.db.SelectContext(ctx, &pgSagas, query, string(domain.SagaStatusRunning), olderThan, limit)
	if err != nil {
		return nil, errors.Wrap(err, "failed to scan stuck sagas")
	}

	sagas := make([]*domain.Saga, len(pgSagas))
	for i, pgSaga := range pgSagas {
		saga, err := r.toDomain(&pgSaga)
		if err != nil {
			return nil, err
		}
		sagas[i] = saga
	}

	return sagas, nil
}

// toPostgres converts domain saga to a database row
func (r *PostgresSagaStore) toPostgres(saga *domain.Saga) (*postgresSaga, error) {
	steps, err := json.Marshal(saga.Steps)
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal saga steps")
	}

	return &postgresSaga{
		ID:                   saga.ID.String(),
		SagaType:             string(saga.Type),
		Status:               string(saga.Status),
		Input:                saga.Input,
		Steps:                steps,
		FailureReason:        saga.FailureReason,
		RequiresIntervention: saga.RequiresIntervention,
		RunningSince:         saga.RunningSince,
		CreatedAt:            saga.Timestamps.CreatedAt,
		UpdatedAt:            saga.Timestamps.UpdatedAt,
		Version:              saga.Version.Value,
	}, nil
}

// toDomain converts a database row to a domain saga
func (r *PostgresSagaStore) toDomain(pgSaga *postgresSaga) (*domain.Saga, error) {
	id, err := models.NewID(pgSaga.ID)
	if err != nil {
		return nil, errors.Wrap(err, "invalid saga ID")
	}

	steps := make(map[string]domain.StepState)
	if len(pgSaga.Steps) > 0 {
		if err := json.Unmarshal(pgSaga.Steps, &steps); err != nil {
			return nil, errors.Wrap(err, "failed to unmarshal saga steps")
		}
	}

	return &domain.Saga{
		ID:                   id,
		Type:                 domain.SagaType(pgSaga.SagaType),
		Status:               domain.SagaStatus(pgSaga.Status),
		Input:                pgSaga.Input,
		Steps:                steps,
		FailureReason:        pgSaga.FailureReason,
		RequiresIntervention: pgSaga.RequiresIntervention,
		RunningSince:         pgSaga.RunningSince,
		Timestamps: models.Timestamps{
			CreatedAt: pgSaga.CreatedAt,
			UpdatedAt: pgSaga.UpdatedAt,
		},
		Version: models.Version{Value: pgSaga.Version},
	}, nil
}
