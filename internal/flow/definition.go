package flow

import (
	"context"
	"fmt"
	"strings"
)

// OutcomeKind tags a StepOutcome variant.
type OutcomeKind string

const (
	OutcomeContinue OutcomeKind = "continue"
	OutcomeComplete OutcomeKind = "complete"
	OutcomePause    OutcomeKind = "pause"
	OutcomeFail     OutcomeKind = "fail"
	OutcomeStop     OutcomeKind = "stop"
)

// UserEvent is an extra event a step asks the runtime to append.
type UserEvent struct {
	Type EventType
	Data map[string]any
}

// StepOutcome is the tagged result of one step invocation. Steps never
// mutate the store directly; everything they change travels back here.
type StepOutcome struct {
	Kind       OutcomeKind
	NextStep   string
	Reason     string
	StatePatch map[string]any
	Events     []UserEvent
}

func Continue(nextStep string, patch map[string]any, events ...UserEvent) StepOutcome {
	return StepOutcome{Kind: OutcomeContinue, NextStep: nextStep, StatePatch: patch, Events: events}
}

func Complete(patch map[string]any, events ...UserEvent) StepOutcome {
	return StepOutcome{Kind: OutcomeComplete, StatePatch: patch, Events: events}
}

func Pause(reason string, patch map[string]any, events ...UserEvent) StepOutcome {
	return StepOutcome{Kind: OutcomePause, Reason: reason, StatePatch: patch, Events: events}
}

func Fail(reason string, patch map[string]any, events ...UserEvent) StepOutcome {
	return StepOutcome{Kind: OutcomeFail, Reason: reason, StatePatch: patch, Events: events}
}

func Stop(reason string, patch map[string]any, events ...UserEvent) StepOutcome {
	return StepOutcome{Kind: OutcomeStop, Reason: reason, StatePatch: patch, Events: events}
}

// StepContext is what a step sees while executing.
type StepContext struct {
	Context   context.Context
	Run       *Run
	State     map[string]any
	InputData map[string]any

	// ShouldStop must be polled by long-running work; it turns true when a
	// soft stop has been requested.
	ShouldStop func() bool
}

// StepFn executes one step. A non-nil error is converted to a Fail outcome
// by the runtime boundary; it never propagates out of the run loop.
type StepFn func(sc *StepContext) (StepOutcome, error)

// Definition is the static step graph of one flow type.
type Definition struct {
	FlowType    string
	InitialStep string
	Steps       map[string]StepFn
}

// Validate checks the definition is internally consistent.
func (d *Definition) Validate() error {
	if strings.TrimSpace(d.FlowType) == "" {
		return fmt.Errorf("flow definition needs a flow_type")
	}
	if len(d.Steps) == 0 {
		return fmt.Errorf("flow %q has no steps", d.FlowType)
	}
	if _, ok := d.Steps[d.InitialStep]; !ok {
		return fmt.Errorf("flow %q initial step %q is not defined", d.FlowType, d.InitialStep)
	}
	return nil
}
