package flow

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

type recordedTransition struct {
	RunID string
	Type  EventType
	Data  map[string]any
}

type fakeNotifier struct {
	mu          sync.Mutex
	transitions []recordedTransition
}

func (f *fakeNotifier) FlowTransition(runID string, eventType EventType, data map[string]any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.transitions = append(f.transitions, recordedTransition{RunID: runID, Type: eventType, Data: data})
}

func (f *fakeNotifier) types() []EventType {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]EventType, 0, len(f.transitions))
	for _, tr := range f.transitions {
		out = append(out, tr.Type)
	}
	return out
}

func twoStepDefinition(stepA, stepB StepFn) *Definition {
	return &Definition{
		FlowType:    "ticket_flow",
		InitialStep: "a",
		Steps:       map[string]StepFn{"a": stepA, "b": stepB},
	}
}

func eventTypes(t *testing.T, store *Store, runID string) []EventType {
	t.Helper()
	events, err := store.GetEvents(context.Background(), runID, 0, 0)
	require.NoError(t, err)
	out := make([]EventType, 0, len(events))
	for _, ev := range events {
		out = append(out, ev.Type)
	}
	return out
}

func TestRunFlow_ContinueThenComplete(t *testing.T) {
	store := newTestStore(t)
	def := twoStepDefinition(
		func(sc *StepContext) (StepOutcome, error) {
			return Continue("b", map[string]any{"visited_a": true}), nil
		},
		func(sc *StepContext) (StepOutcome, error) {
			require.Equal(t, true, sc.State["visited_a"], "patch from step a must be visible in step b")
			return Complete(map[string]any{"visited_b": true}), nil
		},
	)
	notifier := &fakeNotifier{}
	rt, err := NewRuntime(store, def, notifier, nil)
	require.NoError(t, err)

	run := mustCreateRun(t, store, nil)
	// mustCreateRun seeds current_step for the ticket engine; reset for this graph.
	_, err = store.UpdateCurrentStep(context.Background(), run.ID, "a", nil)
	require.NoError(t, err)

	final, err := rt.RunFlow(context.Background(), run.ID, nil)
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, final.Status)
	require.False(t, final.FinishedAt.IsZero())
	require.Equal(t, true, final.State["visited_b"])

	require.Equal(t, []EventType{
		EventFlowStarted,
		EventStepStarted, EventStepCompleted,
		EventStepStarted, EventFlowCompleted,
	}, eventTypes(t, store, run.ID))
	require.Equal(t, []EventType{EventFlowCompleted}, notifier.types())
}

func TestRunFlow_PauseReturnsWithoutTerminal(t *testing.T) {
	store := newTestStore(t)
	def := &Definition{
		FlowType:    "ticket_flow",
		InitialStep: "a",
		Steps: map[string]StepFn{
			"a": func(sc *StepContext) (StepOutcome, error) {
				return Pause("Reason: need credentials", nil), nil
			},
		},
	}
	notifier := &fakeNotifier{}
	rt, err := NewRuntime(store, def, notifier, nil)
	require.NoError(t, err)

	run := mustCreateRun(t, store, nil)
	_, err = store.UpdateCurrentStep(context.Background(), run.ID, "a", nil)
	require.NoError(t, err)

	final, err := rt.RunFlow(context.Background(), run.ID, nil)
	require.NoError(t, err)
	require.Equal(t, StatusPaused, final.Status)
	require.Equal(t, "Reason: need credentials", final.ErrorMessage)
	require.True(t, final.FinishedAt.IsZero(), "paused is not terminal")
	require.Equal(t, []EventType{EventFlowPaused}, notifier.types())
}

func TestRunFlow_StepErrorBecomesFail(t *testing.T) {
	store := newTestStore(t)
	def := &Definition{
		FlowType:    "ticket_flow",
		InitialStep: "a",
		Steps: map[string]StepFn{
			"a": func(sc *StepContext) (StepOutcome, error) {
				return StepOutcome{}, errors.New("agent exploded")
			},
		},
	}
	rt, err := NewRuntime(store, def, nil, nil)
	require.NoError(t, err)

	run := mustCreateRun(t, store, nil)
	_, err = store.UpdateCurrentStep(context.Background(), run.ID, "a", nil)
	require.NoError(t, err)

	final, err := rt.RunFlow(context.Background(), run.ID, nil)
	require.NoError(t, err, "step errors must not propagate")
	require.Equal(t, StatusFailed, final.Status)
	require.Equal(t, "agent exploded", final.ErrorMessage)
}

func TestRunFlow_StepPanicBecomesFail(t *testing.T) {
	store := newTestStore(t)
	def := &Definition{
		FlowType:    "ticket_flow",
		InitialStep: "a",
		Steps: map[string]StepFn{
			"a": func(sc *StepContext) (StepOutcome, error) {
				panic("nil map write")
			},
		},
	}
	rt, err := NewRuntime(store, def, nil, nil)
	require.NoError(t, err)

	run := mustCreateRun(t, store, nil)
	_, err = store.UpdateCurrentStep(context.Background(), run.ID, "a", nil)
	require.NoError(t, err)

	final, err := rt.RunFlow(context.Background(), run.ID, nil)
	require.NoError(t, err)
	require.Equal(t, StatusFailed, final.Status)
	require.Contains(t, final.ErrorMessage, "step panic")
}

func TestRunFlow_StopRequestedBeforeEntry(t *testing.T) {
	store := newTestStore(t)
	invocations := 0
	def := &Definition{
		FlowType:    "ticket_flow",
		InitialStep: "a",
		Steps: map[string]StepFn{
			"a": func(sc *StepContext) (StepOutcome, error) {
				invocations++
				return Complete(nil), nil
			},
		},
	}
	rt, err := NewRuntime(store, def, nil, nil)
	require.NoError(t, err)

	run := mustCreateRun(t, store, nil)
	_, err = store.SetStopRequested(context.Background(), run.ID, true)
	require.NoError(t, err)

	final, err := rt.RunFlow(context.Background(), run.ID, nil)
	require.NoError(t, err)
	require.Equal(t, StatusStopped, final.Status)
	require.Zero(t, invocations, "no step runs when stop precedes entry")
}

func TestRunFlow_StopRequestedBetweenSteps(t *testing.T) {
	store := newTestStore(t)
	def := twoStepDefinition(
		func(sc *StepContext) (StepOutcome, error) {
			// Request a stop mid-flight; the runtime must hand step b a
			// should-stop hint instead of interrupting anything.
			_, err := store.SetStopRequested(sc.Context, sc.Run.ID, true)
			require.NoError(t, err)
			return Continue("b", nil), nil
		},
		func(sc *StepContext) (StepOutcome, error) {
			if sc.ShouldStop() {
				return Stop("stop requested", nil), nil
			}
			return Complete(nil), nil
		},
	)
	rt, err := NewRuntime(store, def, nil, nil)
	require.NoError(t, err)

	run := mustCreateRun(t, store, nil)
	_, err = store.UpdateCurrentStep(context.Background(), run.ID, "a", nil)
	require.NoError(t, err)

	final, err := rt.RunFlow(context.Background(), run.ID, nil)
	require.NoError(t, err)
	require.Equal(t, StatusStopped, final.Status)

	types := eventTypes(t, store, run.ID)
	require.Contains(t, types, EventFlowStopping)
	require.Contains(t, types, EventFlowStopped)
}

func TestRunFlow_ResumeStoppedRunRerunsStep(t *testing.T) {
	store := newTestStore(t)
	attempts := 0
	def := &Definition{
		FlowType:    "ticket_flow",
		InitialStep: "a",
		Steps: map[string]StepFn{
			"a": func(sc *StepContext) (StepOutcome, error) {
				attempts++
				if sc.ShouldStop() {
					return Stop("stop requested", nil), nil
				}
				return Complete(nil), nil
			},
		},
	}
	rt, err := NewRuntime(store, def, nil, nil)
	require.NoError(t, err)
	ctx := context.Background()

	run := mustCreateRun(t, store, nil)
	_, err = store.UpdateCurrentStep(ctx, run.ID, "a", nil)
	require.NoError(t, err)
	_, err = store.SetStopRequested(ctx, run.ID, true)
	require.NoError(t, err)

	stopped, err := rt.RunFlow(ctx, run.ID, nil)
	require.NoError(t, err)
	require.Equal(t, StatusStopped, stopped.Status)

	_, err = store.SetStopRequested(ctx, run.ID, false)
	require.NoError(t, err)
	final, err := rt.RunFlow(ctx, run.ID, nil)
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, final.Status)
	require.Equal(t, 1, attempts, "stopped before entry leaves zero attempts; resume runs the step")
}

func TestRunFlow_ResumeEmitsSingleFlowStarted(t *testing.T) {
	store := newTestStore(t)
	def := &Definition{
		FlowType:    "ticket_flow",
		InitialStep: "a",
		Steps: map[string]StepFn{
			"a": func(sc *StepContext) (StepOutcome, error) {
				if resumed, _ := sc.State["resumed"].(bool); !resumed {
					return Pause("Reason: waiting on input", nil), nil
				}
				return Complete(nil), nil
			},
		},
	}
	rt, err := NewRuntime(store, def, &fakeNotifier{}, nil)
	require.NoError(t, err)

	run := mustCreateRun(t, store, nil)
	_, err = store.UpdateCurrentStep(context.Background(), run.ID, "a", nil)
	require.NoError(t, err)

	paused, err := rt.RunFlow(context.Background(), run.ID, nil)
	require.NoError(t, err)
	require.Equal(t, StatusPaused, paused.Status)

	final, err := rt.RunFlow(context.Background(), run.ID, map[string]any{"resumed": true})
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, final.Status)

	started := 0
	for _, typ := range eventTypes(t, store, run.ID) {
		if typ == EventFlowStarted {
			started++
		}
	}
	require.Equal(t, 1, started, "a resumed run re-enters without a second flow_started")
}
