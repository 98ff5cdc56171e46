package dsl

import (
	"github.com/aretw0/espalier/pkg/domain"
)

// Builder manages the journey construction.
type Builder struct {
	tenantID  string
	sessionID string
	steps     []*StepBuilder
}

// NewJourney creates a builder for an ordered sequence of intents. The
// tenant is applied to every step (and its compensation) at Build time.
func NewJourney(tenantID string) *Builder {
	return &Builder{tenantID: tenantID}
}

// Session tags every step with a session ID.
func (b *Builder) Session(sessionID string) *Builder {
	b.sessionID = sessionID
	return b
}

// Step appends a step executing the given intent type.
func (b *Builder) Step(intentType string) *StepBuilder {
	sb := &StepBuilder{
		builder: b,
		step: domain.JourneyStep{
			Intent: domain.Intent{Type: intentType},
		},
	}
	b.steps = append(b.steps, sb)
	return sb
}

// Build compiles the journey steps in declaration order.
func (b *Builder) Build() ([]domain.JourneyStep, error) {
	if len(b.steps) == 0 {
		return nil, &domain.ValidationError{Field: "steps", Reason: "journey needs at least one step"}
	}

	steps := make([]domain.JourneyStep, 0, len(b.steps))
	for _, sb := range b.steps {
		step := sb.step
		step.Intent.TenantID = b.tenantID
		step.Intent.SessionID = b.sessionID
		if step.Compensate != nil {
			comp := *step.Compensate
			comp.TenantID = b.tenantID
			comp.SessionID = b.sessionID
			step.Compensate = &comp
		}
		steps = append(steps, step)
	}
	return steps, nil
}

// StepBuilder provides a fluent API for configuring one step.
type StepBuilder struct {
	builder *Builder
	step    domain.JourneyStep
}

// With sets the step's intent parameters.
func (s *StepBuilder) With(params map[string]any) *StepBuilder {
	s.step.Intent.Parameters = params
	return s
}

// Param sets a single intent parameter.
func (s *StepBuilder) Param(key string, value any) *StepBuilder {
	if s.step.Intent.Parameters == nil {
		s.step.Intent.Parameters = make(map[string]any)
	}
	s.step.Intent.Parameters[key] = value
	return s
}

// Undo defines the compensating intent dispatched if a later step fails.
func (s *StepBuilder) Undo(intentType string, params map[string]any) *StepBuilder {
	s.step.Compensate = &domain.Intent{
		Type:       intentType,
		Parameters: params,
	}
	return s
}

// Step starts the next step, continuing the fluent chain.
func (s *StepBuilder) Step(intentType string) *StepBuilder {
	return s.builder.Step(intentType)
}

// Build compiles the journey from any point in the chain.
func (s *StepBuilder) Build() ([]domain.JourneyStep, error) {
	return s.builder.Build()
}
