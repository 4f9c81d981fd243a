package domain

import (
	"github.com/pkg/errors"
)

var ErrUnknownSagaType = errors.New("unknown saga type")

// Registry holds the static, ordered step sequences per saga type. It is
// populated during wiring and read-only at runtime, so no locking is
// needed. Adding a saga type is a registry change, never a data migration:
// persisted state only grows, it is never restructured.
type Registry struct {
	definitions map[SagaType][]StepDefinition
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{
		definitions: make(map[SagaType][]StepDefinition),
	}
}

// Register binds a saga type to its ordered step sequence
func (r *Registry) Register(sagaType SagaType, steps ...StepDefinition) error {
	if sagaType == "" {
		return errors.New("saga type is required")
	}
	if len(steps) == 0 {
		return errors.Errorf("saga type %q requires at least one step", sagaType)
	}
	if _, exists := r.definitions[sagaType]; exists {
		return errors.Errorf("saga type %q already registered", sagaType)
	}

	seen := make(map[string]struct{}, len(steps))
	for _, step := range steps {
		if step.Name == "" {
			return errors.Errorf("saga type %q has a step without a name", sagaType)
		}
		if step.Execute == nil || step.Compensate == nil {
			return errors.Errorf("step %q of saga type %q must define forward and compensating actions", step.Name, sagaType)
		}
		if _, dup := seen[step.Name]; dup {
			return errors.Errorf("duplicate step name %q for saga type %q", step.Name, sagaType)
		}
		seen[step.Name] = struct{}{}
	}

	r.definitions[sagaType] = steps
	return nil
}

// Steps returns the ordered step sequence for a saga type
func (r *Registry) Steps(sagaType SagaType) ([]StepDefinition, error) {
	steps, ok := r.definitions[sagaType]
	if !ok {
		return nil, errors.Wrapf(ErrUnknownSagaType, "%q", sagaType)
	}
	return steps, nil
}

// Types returns the registered saga types
func (r *Registry) Types() []SagaType {
	types := make([]SagaType, 0, len(r.definitions))
	for t := range r.definitions {
		types = append(types, t)
	}
	return types
}
