package config

import (
	"context"
	"fmt"

	"github.com/draftea/saga-engine/saga-service/application"
	"github.com/draftea/saga-engine/saga-service/domain"
	"github.com/draftea/saga-engine/saga-service/handlers"
	"github.com/draftea/saga-engine/saga-service/infrastructure"
	"github.com/draftea/saga-engine/saga-service/payments"
	sharedinfra "github.com/draftea/saga-engine/shared/infrastructure"
	"github.com/draftea/saga-engine/shared/telemetry"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
)

type Dependencies struct {
	// Database
	DB *sqlx.DB

	// Stores
	SagaStore    *infrastructure.PostgresSagaStore
	PaymentStore *payments.PostgresPaymentStore

	// Domain
	Registry *domain.Registry

	// Coordinator and use cases
	Coordinator *application.SagaCoordinator
	StartSaga   *application.StartSaga
	GetSaga     *application.GetSaga
	Reaper      *application.StuckSagaReaper

	// HTTP Handlers
	SagaHandlers *handlers.SagaHandlers

	// Event Handlers
	SagaEventHandlers *handlers.SagaEventHandlers

	// Infrastructure
	EventPublisher  *sharedinfra.SNSPublisherAdapter
	EventSubscriber *sharedinfra.SQSSubscriberAdapter

	// Telemetry
	Telemetry         *telemetry.Telemetry
	telemetryShutdown func()
}

func BuildDependencies(ctx context.Context, config *Config) (*Dependencies, error) {
	deps := &Dependencies{}

	// Initialize telemetry
	if config.Telemetry.Enabled {
		tel, shutdown, err := telemetry.InitTelemetry(ctx, telemetry.Config{
			ServiceName:    config.ServiceName,
			ServiceVersion: "1.0.0",
			OTLPEndpoint:   config.Telemetry.OTLPEndpoint,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
		}
		deps.Telemetry = tel
		deps.telemetryShutdown = shutdown
	}

	// Initialize database
	db, err := sqlx.Connect("postgres", config.GetDatabaseURL())
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	deps.DB = db

	// Initialize AWS infrastructure
	eventPublisher, err := sharedinfra.NewSNSPublisherAdapter(config.AWS.SNSTopicArn)
	if err != nil {
		return nil, fmt.Errorf("failed to create SNS publisher: %w", err)
	}
	deps.EventPublisher = eventPublisher

	eventSubscriber, err := sharedinfra.NewSQSSubscriberAdapter(config.AWS.SQSQueueURL)
	if err != nil {
		return nil, fmt.Errorf("failed to create SQS subscriber: %w", err)
	}
	deps.EventSubscriber = eventSubscriber

	// Initialize stores
	deps.SagaStore = infrastructure.NewPostgresSagaStore(db)
	deps.PaymentStore = payments.NewPostgresPaymentStore(db)

	// Register the built-in payment saga
	stepSet := payments.NewStepSet(
		deps.PaymentStore,
		payments.NewHTTPFundsGateway(config.Gateways.WalletURL),
		payments.NewHTTPChargeGateway(config.Gateways.ProcessorURL),
		payments.NewEventNotifier(eventPublisher),
	)

	deps.Registry = domain.NewRegistry()
	if err := deps.Registry.Register(payments.SagaTypePayment, stepSet.Steps()...); err != nil {
		return nil, fmt.Errorf("failed to register payment saga: %w", err)
	}

	// Initialize coordinator and use cases
	policy := application.RetryPolicy{
		StepTimeout: config.Saga.StepTimeout,
		MaxAttempts: config.Saga.MaxAttempts,
		BackoffBase: config.Saga.BackoffBase,
	}

	deps.Coordinator = application.NewSagaCoordinator(deps.Registry, deps.SagaStore, eventPublisher, policy)
	deps.StartSaga = application.NewStartSaga(deps.Coordinator)
	deps.GetSaga = application.NewGetSaga(deps.SagaStore)
	deps.Reaper = application.NewStuckSagaReaper(deps.SagaStore, deps.Coordinator, application.ReaperConfig{
		ScanInterval:  config.Saga.ReaperInterval,
		StuckDeadline: config.Saga.StuckDeadline,
	})

	// Initialize handlers
	deps.SagaHandlers = handlers.NewSagaHandlers(deps.StartSaga, deps.GetSaga)
	deps.SagaEventHandlers = handlers.NewSagaEventHandlers(deps.StartSaga, deps.Coordinator)

	return deps, nil
}

// Close closes all dependencies
func (d *Dependencies) Close() error {
	var errs []error

	if d.Reaper != nil {
		d.Reaper.Stop()
	}

	if d.DB != nil {
		if err := d.DB.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close database: %w", err))
		}
	}

	if d.EventPublisher != nil {
		if err := d.EventPublisher.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close event publisher: %w", err))
		}
	}

	if d.EventSubscriber != nil {
		if err := d.EventSubscriber.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close event subscriber: %w", err))
		}
	}

	if d.telemetryShutdown != nil {
		d.telemetryShutdown()
	}

	if len(errs) > 0 {
		return fmt.Errorf("errors closing dependencies: %v", errs)
	}

	return nil
}
