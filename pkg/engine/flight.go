package engine

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
)

// Flight is the ordered stage list built for one operation, plus the working map
// values seeded when the run is first persisted.
type Flight struct {
	Operation OperationType
	Stages    []Stage
	Seed      map[string]interface{}
}

// NewFlight validates and returns a flight.
// Every stage input must be seeded or declared as an output of an earlier stage.
func NewFlight(op OperationType, seed map[string]interface{}, stages ...Stage) (*Flight, error) {
	if err := op.Validate(); err != nil {
		return nil, NewPermanentError("invalid flight", err).WithCode(ErrCodeValidation)
	}
	if len(stages) == 0 {
		return nil, NewPermanentError(fmt.Sprintf("flight %s has no stages", op), nil).
			WithCode(ErrCodeValidation)
	}

	available := make(map[string]bool, len(seed))
	for k := range seed {
		available[k] = true
	}

	names := make(map[string]bool, len(stages))
	for i := range stages {
		s := &stages[i]
		if s.Name == "" {
			return nil, NewPermanentError(fmt.Sprintf("flight %s: stage %d has no name", op, i), nil).
				WithCode(ErrCodeValidation)
		}
		if names[s.Name] {
			return nil, NewPermanentError(fmt.Sprintf("flight %s: duplicate stage %s", op, s.Name), nil).
				WithCode(ErrCodeValidation)
		}
		names[s.Name] = true

		if s.Forward == nil {
			return nil, NewPermanentError(fmt.Sprintf("flight %s: stage %s has no forward action", op, s.Name), nil).
				WithCode(ErrCodeValidation)
		}
		if s.Irreversible && s.Compensate == nil {
			s.Compensate = irreversibleCompensation
		}

		for _, in := range s.Inputs {
			if !available[in] {
				return nil, NewPermanentError(
					fmt.Sprintf("flight %s: stage %s reads %q before any stage writes it", op, s.Name, in), nil).
					WithCode(ErrCodeValidation)
			}
		}
		for _, out := range s.Outputs {
			available[out] = true
		}
	}

	return &Flight{Operation: op, Stages: stages, Seed: seed}, nil
}

// StageNames returns the stage names in order.
func (f *Flight) StageNames() []string {
	names := make([]string, len(f.Stages))
	for i, s := range f.Stages {
		names[i] = s.Name
	}
	return names
}

// FlightBuilder builds the flight of one operation type from its parameters.
// It must be deterministic: the engine rebuilds flights from persisted parameters on recovery.
type FlightBuilder func(params json.RawMessage) (*Flight, error)

// Registry maps operation types to flight builders.
// It is constructed once at process start and passed to the engine.
type Registry struct {
	mu       sync.RWMutex
	builders map[OperationType]FlightBuilder
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{builders: make(map[OperationType]FlightBuilder)}
}

// Register adds the builder for op.
func (r *Registry) Register(op OperationType, builder FlightBuilder) error {
	if err := op.Validate(); err != nil {
		return err
	}
	if builder == nil {
		return fmt.Errorf("builder for %s is nil", op)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.builders[op]; exists {
		return fmt.Errorf("operation already registered: %s", op)
	}
	r.builders[op] = builder
	return nil
}

// Build returns the flight for op.
func (r *Registry) Build(op OperationType, params json.RawMessage) (*Flight, error) {
	r.mu.RLock()
	builder, ok := r.builders[op]
	r.mu.RUnlock()
	if !ok {
		return nil, NewPermanentError(fmt.Sprintf("unknown operation: %s", op), nil).
			WithCode(ErrCodeValidation)
	}

	flight, err := builder(params)
	if err != nil {
		return nil, err
	}
	if flight.Operation != op {
		return nil, NewPermanentError(
			fmt.Sprintf("builder for %s returned flight for %s", op, flight.Operation), nil).
			WithCode(ErrCodeInternal)
	}
	return flight, nil
}

// Operations returns the registered operation types, sorted.
func (r *Registry) Operations() []OperationType {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ops := make([]OperationType, 0, len(r.builders))
	for op := range r.builders {
		ops = append(ops, op)
	}
	sort.Slice(ops, func(i, j int) bool { return ops[i] < ops[j] })
	return ops
}
