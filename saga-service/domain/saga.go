package domain

import (
	"context"
	"encoding/json"
	"time"

	"github.com/draftea/saga-engine/shared/events"
	"github.com/draftea/saga-engine/shared/models"
	"github.com/pkg/errors"
)

// SagaStatus represents the status of a saga
type SagaStatus string

const (
	// SagaStatusPending is transient: a saga enters running as soon as it
	// is created and pending is never persisted.
	SagaStatusPending      SagaStatus = "pending"
	SagaStatusRunning      SagaStatus = "running"
	SagaStatusCompensating SagaStatus = "compensating"
	SagaStatusCompleted    SagaStatus = "completed"
	SagaStatusFailed       SagaStatus = "failed"
)

// SagaType identifies which step sequence from the registry applies
type SagaType string

var (
	ErrSagaNotFound    = errors.New("saga not found")
	ErrVersionConflict = errors.New("saga version conflict")
)

// StepState holds the durable per-step markers and result payload. Once Done
// is set it is never cleared; compensation adds the Compensated marker on
// top of it.
type StepState struct {
	Done        bool            `json:"done"`
	Compensated bool            `json:"compensated"`
	Result      json.RawMessage `json:"result,omitempty"`
}

// Saga aggregate root. The persisted record is the single source of truth
// for progress; the coordinator never trusts in-memory state across
// restarts.
type Saga struct {
	ID                   models.ID
	Type                 SagaType
	Status               SagaStatus
	Input                json.RawMessage
	Steps                map[string]StepState
	FailureReason        string
	RequiresIntervention bool
	RunningSince         *time.Time
	Timestamps           models.Timestamps
	Version              models.Version

	events []*events.Event
}

// StartSaga factory method. The saga enters running immediately; pending
// only exists between the constructor and the first persist.
func StartSaga(id models.ID, sagaType SagaType, input json.RawMessage) (*Saga, error) {
	if id == "" {
		return nil, errors.New("saga id is required")
	}
	if sagaType == "" {
		return nil, errors.New("saga type is required")
	}

	now := time.Now()
	saga := &Saga{
		ID:           id,
		Type:         sagaType,
		Status:       SagaStatusRunning,
		Input:        input,
		Steps:        make(map[string]StepState),
		RunningSince: &now,
		Timestamps:   models.NewTimestamps(),
		Version:      models.NewVersion(),
	}

	saga.recordEvent(events.NewEvent(saga.ID, events.SagaStartedEvent, SagaStartedData{
		SagaID:   saga.ID,
		SagaType: saga.Type,
	}))

	return saga, nil
}

// IsTerminal reports whether the saga reached a final status
func (s *Saga) IsTerminal() bool {
	return s.Status == SagaStatusCompleted || s.Status == SagaStatusFailed
}

// StepDone reports whether the step's forward action completed
func (s *Saga) StepDone(name string) bool {
	return s.Steps[name].Done
}

// StepCompensated reports whether the step has been compensated
func (s *Saga) StepCompensated(name string) bool {
	return s.Steps[name].Compensated
}

// Results returns the persisted result payloads of all completed steps
func (s *Saga) Results() map[string]json.RawMessage {
	results := make(map[string]json.RawMessage, len(s.Steps))
	for name, state := range s.Steps {
		if state.Done {
			results[name] = state.Result
		}
	}
	return results
}

// CompleteStep records a step's forward result and completion marker
func (s *Saga) CompleteStep(name string, result json.RawMessage) error {
	if s.Status != SagaStatusRunning {
		return errors.Errorf("cannot complete step %q in status %s", name, s.Status)
	}
	if s.Steps[name].Done {
		return errors.Errorf("step %q already completed", name)
	}

	s.Steps[name] = StepState{Done: true, Result: result}
	s.touch()

	s.recordEvent(events.NewEvent(s.ID, events.SagaStepCompletedEvent, SagaStepData{
		SagaID:   s.ID,
		SagaType: s.Type,
		Step:     name,
	}))

	return nil
}

// Complete marks the saga as completed after the final step
func (s *Saga) Complete() error {
	if s.Status != SagaStatusRunning {
		return errors.Errorf("cannot complete saga in status %s", s.Status)
	}

	s.Status = SagaStatusCompleted
	s.RunningSince = nil
	s.touch()

	s.recordEvent(events.NewEvent(s.ID, events.SagaCompletedEvent, SagaStartedData{
		SagaID:   s.ID,
		SagaType: s.Type,
	}))

	return nil
}

// BeginCompensation transitions a running saga to compensating after a
// forward step exhausted its retries or the reaper forced resolution
func (s *Saga) BeginCompensation(reason string) error {
	if s.Status != SagaStatusRunning {
		return errors.Errorf("cannot begin compensation in status %s", s.Status)
	}

	s.Status = SagaStatusCompensating
	s.FailureReason = reason
	s.RunningSince = nil
	s.touch()

	s.recordEvent(events.NewEvent(s.ID, events.SagaCompensatingEvent, SagaFailureData{
		SagaID:   s.ID,
		SagaType: s.Type,
		Reason:   reason,
	}))

	return nil
}

// CompensateStep records the compensation marker for a completed step
func (s *Saga) CompensateStep(name string) error {
	if s.Status != SagaStatusCompensating {
		return errors.Errorf("cannot compensate step %q in status %s", name, s.Status)
	}
	if !s.Steps[name].Done {
		return errors.Errorf("step %q was never completed", name)
	}
	if s.Steps[name].Compensated {
		return errors.Errorf("step %q already compensated", name)
	}

	state := s.Steps[name]
	state.Compensated = true
	s.Steps[name] = state
	s.touch()

	s.recordEvent(events.NewEvent(s.ID, events.SagaStepCompensatedEvent, SagaStepData{
		SagaID:   s.ID,
		SagaType: s.Type,
		Step:     name,
	}))

	return nil
}

// Fail marks the saga as failed once every completed step is compensated
func (s *Saga) Fail() error {
	if s.Status != SagaStatusCompensating {
		return errors.Errorf("cannot fail saga in status %s", s.Status)
	}

	s.Status = SagaStatusFailed
	s.touch()

	s.recordEvent(events.NewEvent(s.ID, events.SagaFailedEvent, SagaFailureData{
		SagaID:   s.ID,
		SagaType: s.Type,
		Reason:   s.FailureReason,
	}))

	return nil
}

// FailRequiringIntervention is the fail-closed terminal for a saga whose
// compensating action exhausted its retry budget. The saga never loops; it
// is parked for manual resolution.
func (s *Saga) FailRequiringIntervention(reason string) error {
	if s.Status != SagaStatusCompensating {
		return errors.Errorf("cannot fail saga in status %s", s.Status)
	}

	s.Status = SagaStatusFailed
	s.RequiresIntervention = true
	s.FailureReason = reason
	s.touch()

	s.recordEvent(events.NewEvent(s.ID, events.SagaFailedEvent, SagaFailureData{
		SagaID:               s.ID,
		SagaType:             s.Type,
		Reason:               reason,
		RequiresIntervention: true,
	}))

	return nil
}

func (s *Saga) touch() {
	s.Timestamps = s.Timestamps.Update()
	s.Version = s.Version.Update()
}

// Events returns recorded domain events
func (s *Saga) Events() []*events.Event {
	return s.events
}

// ClearEvents clears recorded domain events
func (s *Saga) ClearEvents() {
	s.events = make([]*events.Event, 0)
}

func (s *Saga) recordEvent(event *events.Event) {
	s.events = append(s.events, event)
}

// Event Data Structures
type SagaStartedData struct {
	SagaID   models.ID `json:"saga_id"`
	SagaType SagaType  `json:"saga_type"`
}

type SagaStepData struct {
	SagaID   models.ID `json:"saga_id"`
	SagaType SagaType  `json:"saga_type"`
	Step     string    `json:"step"`
}

type SagaFailureData struct {
	SagaID               models.ID `json:"saga_id"`
	SagaType             SagaType  `json:"saga_type"`
	Reason               string    `json:"reason"`
	RequiresIntervention bool      `json:"requires_intervention,omitempty"`
}

// SagaStore is the persistence contract. All mutation goes through
// CompareAndSwap guarded by the record version; losing writers reload and
// re-evaluate instead of blocking.
type SagaStore interface {
	// CreateIfAbsent atomically inserts the saga or returns the existing
	// record for the same id. The boolean reports whether a new record was
	// created.
	CreateIfAbsent(ctx context.Context, saga *Saga) (*Saga, bool, error)

	// FindByID returns ErrSagaNotFound for unknown ids
	FindByID(ctx context.Context, id models.ID) (*Saga, error)

	// CompareAndSwap persists the saga only if the stored version equals the
	// saga's previous version; returns ErrVersionConflict otherwise.
	CompareAndSwap(ctx context.Context, saga *Saga) error

	// FindStuck returns running sagas whose RunningSince is older than the
	// deadline. No snapshot isolation: a returned saga may already have been
	// resolved by the time the caller acts, which CAS absorbs.
	FindStuck(ctx context.Context, olderThan time.Time, limit int) ([]*Saga, error)
}
