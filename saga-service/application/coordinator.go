package application

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/draftea/saga-engine/saga-service/domain"
	"github.com/draftea/saga-engine/shared/events"
	"github.com/draftea/saga-engine/shared/models"
	"github.com/draftea/saga-engine/shared/telemetry"
	"github.com/pkg/errors"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// ErrCompensationExhausted marks a saga whose compensating action ran out
// of retries. The saga is parked in failed state with the manual
// intervention flag set instead of retrying forever.
var ErrCompensationExhausted = errors.New("compensation exhausted, manual intervention required")

// RetryPolicy bounds each forward or compensating action attempt
type RetryPolicy struct {
	StepTimeout time.Duration
	MaxAttempts uint
	BackoffBase time.Duration
}

// DefaultRetryPolicy returns the policy used when config leaves the saga
// section empty
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		StepTimeout: 10 * time.Second,
		MaxAttempts: 3,
		BackoffBase: 100 * time.Millisecond,
	}
}

// SagaCoordinator drives sagas forward step by step and unwinds them in
// reverse on failure. All progress lives in the store; concurrent
// coordinators (duplicate client retries, the reaper, other instances) are
// serialized per persisted step through the store's CAS, never through
// locks. A losing writer reloads and re-evaluates whether work remains.
type SagaCoordinator struct {
	registry  *domain.Registry
	store     domain.SagaStore
	publisher events.Publisher
	policy    RetryPolicy
}

// NewSagaCoordinator creates a new SagaCoordinator
func NewSagaCoordinator(
	registry *domain.Registry,
	store domain.SagaStore,
	publisher events.Publisher,
	policy RetryPolicy,
) *SagaCoordinator {
	return &SagaCoordinator{
		registry:  registry,
		store:     store,
		publisher: publisher,
		policy:    policy,
	}
}

// Start creates the saga if absent and advances it. Safe to call any number
// of times with the same id: a duplicate call resumes or returns the
// existing record, it never starts a second saga.
func (c *SagaCoordinator) Start(ctx context.Context, id models.ID, sagaType domain.SagaType, input json.RawMessage) (*domain.Saga, error) {
	if _, err := c.registry.Steps(sagaType); err != nil {
		return nil, err
	}

	saga, err := domain.StartSaga(id, sagaType, input)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create saga")
	}

	stored, created, err := c.store.CreateIfAbsent(ctx, saga)
	if err != nil {
		return nil, errors.Wrap(err, "failed to persist saga")
	}

	if created {
		c.publishEvents(ctx, saga)
	} else if stored.Type != sagaType {
		return nil, errors.Errorf("saga %s already exists with type %s", id, stored.Type)
	}

	return c.Advance(ctx, id)
}

// Advance resumes forward execution from the first step lacking a
// completion marker. Terminal sagas are returned unchanged.
func (c *SagaCoordinator) Advance(ctx context.Context, id models.ID) (*domain.Saga, error) {
	ctx, span := telemetry.StartSpan(ctx, "saga.advance",
		trace.WithAttributes(attribute.String("saga.id", id.String())),
	)
	defer span.End()

	for {
		saga, err := c.store.FindByID(ctx, id)
		if err != nil {
			return nil, err
		}

		if saga.IsTerminal() {
			return saga, nil
		}

		if saga.Status == domain.SagaStatusCompensating {
			return c.runCompensation(ctx, id)
		}

		steps, err := c.registry.Steps(saga.Type)
		if err != nil {
			return nil, err
		}

		next, ok := nextForwardStep(saga, steps)
		if !ok {
			if err := saga.Complete(); err != nil {
				return nil, err
			}
			if err := c.persist(ctx, saga); err != nil {
				if errors.Is(err, domain.ErrVersionConflict) {
					continue
				}
				return nil, err
			}
			return saga, nil
		}

		result, actionErr := c.runAction(ctx, next.Execute, saga, next.Name, "forward")
		if actionErr != nil {
			reason := fmt.Sprintf("step %s failed: %v", next.Name, actionErr)
			if err := saga.BeginCompensation(reason); err != nil {
				return nil, err
			}
			if err := c.persist(ctx, saga); err != nil {
				if errors.Is(err, domain.ErrVersionConflict) {
					continue
				}
				return nil, err
			}
			return c.runCompensation(ctx, id)
		}

		if err := saga.CompleteStep(next.Name, result); err != nil {
			return nil, err
		}
		if err := c.persist(ctx, saga); err != nil {
			if errors.Is(err, domain.ErrVersionConflict) {
				// Another actor advanced the saga. The reload re-checks the
				// completion marker before re-executing, so the action is
				// not invoked twice for a step that is already done.
				continue
			}
			return nil, err
		}
	}
}

// Compensate forces a saga into compensation and unwinds it. Used by the
// reaper for sagas stuck in running; safe against a still-live coordinator
// because CAS rejects the stale writer.
func (c *SagaCoordinator) Compensate(ctx context.Context, id models.ID, reason string) (*domain.Saga, error) {
	ctx, span := telemetry.StartSpan(ctx, "saga.compensate",
		trace.WithAttributes(attribute.String("saga.id", id.String())),
	)
	defer span.End()

	for {
		saga, err := c.store.FindByID(ctx, id)
		if err != nil {
			return nil, err
		}

		if saga.IsTerminal() {
			if saga.RequiresIntervention {
				return saga, ErrCompensationExhausted
			}
			return saga, nil
		}

		if saga.Status == domain.SagaStatusRunning {
			if err := saga.BeginCompensation(reason); err != nil {
				return nil, err
			}
			if err := c.persist(ctx, saga); err != nil {
				if errors.Is(err, domain.ErrVersionConflict) {
					continue
				}
				return nil, err
			}
		}

		return c.runCompensation(ctx, id)
	}
}

// runCompensation unwinds completed steps from the last done,
// not-yet-compensated step back to the first, then marks the saga failed.
// A step whose forward action never completed has no compensation invoked.
func (c *SagaCoordinator) runCompensation(ctx context.Context, id models.ID) (*domain.Saga, error) {
	for {
		saga, err := c.store.FindByID(ctx, id)
		if err != nil {
			return nil, err
		}

		if saga.IsTerminal() {
			if saga.RequiresIntervention {
				return saga, ErrCompensationExhausted
			}
			return saga, nil
		}

		if saga.Status != domain.SagaStatusCompensating {
			// Someone else resumed forward progress; leave it to them.
			return saga, nil
		}

		steps, err := c.registry.Steps(saga.Type)
		if err != nil {
			return nil, err
		}

		target, ok := lastUncompensatedStep(saga, steps)
		if !ok {
			if err := saga.Fail(); err != nil {
				return nil, err
			}
			if err := c.persist(ctx, saga); err != nil {
				if errors.Is(err, domain.ErrVersionConflict) {
					continue
				}
				return nil, err
			}
			return saga, nil
		}

		if _, actionErr := c.runAction(ctx, target.Compensate, saga, target.Name, "compensate"); actionErr != nil {
			reason := fmt.Sprintf("compensation of step %s failed: %v", target.Name, actionErr)
			if err := saga.FailRequiringIntervention(reason); err != nil {
				return nil, err
			}
			if err := c.persist(ctx, saga); err != nil {
				if errors.Is(err, domain.ErrVersionConflict) {
					continue
				}
				return nil, err
			}
			return saga, ErrCompensationExhausted
		}

		if err := saga.CompensateStep(target.Name); err != nil {
			return nil, err
		}
		if err := c.persist(ctx, saga); err != nil {
			if errors.Is(err, domain.ErrVersionConflict) {
				continue
			}
			return nil, err
		}
	}
}

// runAction invokes an action under the retry policy: per-attempt timeout,
// exponential backoff, bounded attempts. The action only ever sees
// durably persisted prior state.
func (c *SagaCoordinator) runAction(ctx context.Context, action domain.Action, saga *domain.Saga, stepName, phase string) (json.RawMessage, error) {
	stepCtx := domain.StepContext{
		SagaID:  saga.ID,
		Input:   saga.Input,
		Results: saga.Results(),
	}

	start := time.Now()
	var result json.RawMessage

	err := retry.Do(
		func() error {
			attemptCtx, cancel := context.WithTimeout(ctx, c.policy.StepTimeout)
			defer cancel()

			res, err := action(attemptCtx, stepCtx)
			if err != nil {
				return err
			}
			result = res
			return nil
		},
		retry.Attempts(c.policy.MaxAttempts),
		retry.Delay(c.policy.BackoffBase),
		retry.DelayType(retry.BackOffDelay),
		retry.Context(ctx),
		retry.LastErrorOnly(true),
	)

	outcome := "success"
	if err != nil {
		outcome = "failure"
	}

	telemetry.RecordCounter(ctx, "saga_step_executions_total", "Total saga step executions", 1,
		attribute.String("saga_type", string(saga.Type)),
		attribute.String("step", stepName),
		attribute.String("phase", phase),
		attribute.String("outcome", outcome),
	)
	telemetry.RecordHistogram(ctx, "saga_step_duration_seconds", "Saga step duration", time.Since(start).Seconds(),
		attribute.String("saga_type", string(saga.Type)),
		attribute.String("step", stepName),
		attribute.String("phase", phase),
	)

	return result, err
}

// persist writes the saga through CAS and publishes its recorded events on
// success. Publishing is best effort: the store is the source of truth.
func (c *SagaCoordinator) persist(ctx context.Context, saga *domain.Saga) error {
	if err := c.store.CompareAndSwap(ctx, saga); err != nil {
		return err
	}
	c.publishEvents(ctx, saga)
	return nil
}

func (c *SagaCoordinator) publishEvents(ctx context.Context, saga *domain.Saga) {
	evts := saga.Events()
	if len(evts) == 0 || c.publisher == nil {
		return
	}
	if err := c.publisher.Publish(ctx, evts...); err != nil {
		log.Printf("failed to publish saga events for %s: %v", saga.ID, err)
	}
	saga.ClearEvents()
}

// nextForwardStep returns the first step lacking a completion marker
func nextForwardStep(saga *domain.Saga, steps []domain.StepDefinition) (domain.StepDefinition, bool) {
	for _, step := range steps {
		if !saga.StepDone(step.Name) {
			return step, true
		}
	}
	return domain.StepDefinition{}, false
}

// lastUncompensatedStep returns the last completed step that has not been
// compensated yet, strictly reversing completion order
func lastUncompensatedStep(saga *domain.Saga, steps []domain.StepDefinition) (domain.StepDefinition, bool) {
	for i := len(steps) - 1; i >= 0; i-- {
		step := steps[i]
		if saga.StepDone(step.Name) && !saga.StepCompensated(step.Name) {
			return step, true
		}
	}
	return domain.StepDefinition{}, false
}
