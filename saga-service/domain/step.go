package domain

import (
	"context"
	"encoding/json"

	"github.com/draftea/saga-engine/shared/models"
	"github.com/pkg/errors"
)

// StepContext is the read-only view of durably persisted state handed to an
// action. Actions only ever see prior results that survived a persist; a
// crashed attempt's in-memory output is never replayed into a later one.
type StepContext struct {
	SagaID  models.ID
	Input   json.RawMessage
	Results map[string]json.RawMessage
}

// BindInput unmarshals the saga's initial input into the receiver
func (c StepContext) BindInput(v interface{}) error {
	if len(c.Input) == 0 {
		return errors.New("saga has no input")
	}
	return errors.Wrap(json.Unmarshal(c.Input, v), "failed to unmarshal saga input")
}

// BindResult unmarshals a prior step's persisted result into the receiver
func (c StepContext) BindResult(step string, v interface{}) error {
	raw, ok := c.Results[step]
	if !ok {
		return errors.Errorf("no result for step %q", step)
	}
	return errors.Wrapf(json.Unmarshal(raw, v), "failed to unmarshal result of step %q", step)
}

// HasResult reports whether a prior step persisted a result
func (c StepContext) HasResult(step string) bool {
	_, ok := c.Results[step]
	return ok
}

// Action is a forward or compensating step action. Actions must be
// idempotent: the coordinator only invokes a forward action when its
// completion marker is absent, but a crash between the real side effect and
// the marker persist causes one extra invocation that the action itself
// must absorb (e.g. via a natural key at the downstream system). An action
// must respect the context deadline; an abandoned in-flight invocation must
// eventually complete or safely no-op.
type Action func(ctx context.Context, step StepContext) (json.RawMessage, error)

// StepDefinition carries a step's unique name together with its forward and
// compensating actions
type StepDefinition struct {
	Name       string
	Execute    Action
	Compensate Action
}
