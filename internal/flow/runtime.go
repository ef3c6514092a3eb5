package flow

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/codex-autorunner/car/internal/logging"
)

// Notifier mirrors persisted lifecycle transitions to an external bus. The
// flow store stays authoritative; notifier failures are logged, never fatal.
type Notifier interface {
	FlowTransition(runID string, eventType EventType, data map[string]any)
}

type nopNotifier struct{}

func (nopNotifier) FlowTransition(string, EventType, map[string]any) {}

// Runtime drives one run of a flow definition against the store.
type Runtime struct {
	store    *Store
	def      *Definition
	notifier Notifier
	logger   logging.Logger
}

func NewRuntime(store *Store, def *Definition, notifier Notifier, logger logging.Logger) (*Runtime, error) {
	if err := def.Validate(); err != nil {
		return nil, err
	}
	if notifier == nil {
		notifier = nopNotifier{}
	}
	return &Runtime{store: store, def: def, notifier: notifier, logger: logging.OrNop(logger)}, nil
}

// RunFlow executes the run loop until a terminal or paused state. Paused
// returns without error; the run can be re-entered later.
func (rt *Runtime) RunFlow(ctx context.Context, runID string, initialState map[string]any) (*Run, error) {
	run, err := rt.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if run.FlowType != rt.def.FlowType {
		return nil, fmt.Errorf("run %s is %q, runtime drives %q", runID, run.FlowType, rt.def.FlowType)
	}
	// Running is also accepted: the controller marks a resumed run running
	// before the detached worker enters.
	if !run.Status.Resumable() && run.Status != StatusRunning {
		return nil, fmt.Errorf("run %s is %s; cannot run", runID, run.Status)
	}

	// Stop requested before entry: go straight to stopped, zero steps.
	if run.StopRequested {
		return rt.finish(ctx, run, StatusStopped, "stop requested before start", run.State)
	}

	state := run.State
	if len(initialState) > 0 {
		state = mergePatch(state, initialState)
	}
	if run.CurrentStep == "" {
		if run, err = rt.store.UpdateCurrentStep(ctx, runID, rt.def.InitialStep, state); err != nil {
			return nil, err
		}
	}
	stateUpdate := StatusUpdate{State: &state}
	if run, err = rt.store.UpdateRunStatus(ctx, runID, StatusRunning, stateUpdate); err != nil {
		return nil, err
	}
	// One flow_started per run: a resume re-enters the loop silently.
	prior, err := rt.store.GetLastEventByType(ctx, runID, EventFlowStarted)
	if err != nil {
		return nil, err
	}
	if prior == nil {
		rt.appendEvent(ctx, runID, EventFlowStarted, map[string]any{"step": run.CurrentStep})
	}

	for {
		run, err = rt.store.GetRun(ctx, runID)
		if err != nil {
			return nil, err
		}
		state = run.State

		stopRequested := run.StopRequested
		if stopRequested && run.Status != StatusStopping {
			rt.appendEvent(ctx, runID, EventFlowStopping, map[string]any{"step": run.CurrentStep})
			if run, err = rt.store.UpdateRunStatus(ctx, runID, StatusStopping, StatusUpdate{}); err != nil {
				return nil, err
			}
		}

		stepName := run.CurrentStep
		stepFn, ok := rt.def.Steps[stepName]
		if !ok {
			return rt.finish(ctx, run, StatusFailed, fmt.Sprintf("unknown step %q", stepName), state)
		}

		rt.appendEvent(ctx, runID, EventStepStarted, map[string]any{"step": stepName})
		outcome := rt.invokeStep(ctx, stepFn, run, state, stopRequested)
		state = mergePatch(state, outcome.StatePatch)
		for _, ev := range outcome.Events {
			rt.appendEvent(ctx, runID, ev.Type, ev.Data)
		}

		switch outcome.Kind {
		case OutcomeContinue:
			next := outcome.NextStep
			if _, ok := rt.def.Steps[next]; !ok {
				return rt.finish(ctx, run, StatusFailed, fmt.Sprintf("step %q continued to unknown step %q", stepName, next), state)
			}
			if run, err = rt.store.UpdateCurrentStep(ctx, runID, next, state); err != nil {
				return nil, err
			}
			rt.appendEvent(ctx, runID, EventStepCompleted, map[string]any{"step": stepName, "next": next})

		case OutcomePause:
			reason := outcome.Reason
			run, err = rt.store.UpdateRunStatus(ctx, runID, StatusPaused, StatusUpdate{State: &state, ErrorMessage: &reason})
			if err != nil {
				return nil, err
			}
			rt.transition(ctx, runID, EventFlowPaused, map[string]any{"step": stepName, "reason": reason})
			return run, nil

		case OutcomeComplete:
			return rt.finish(ctx, run, StatusCompleted, "", state)

		case OutcomeFail:
			return rt.finish(ctx, run, StatusFailed, outcome.Reason, state)

		case OutcomeStop:
			return rt.finish(ctx, run, StatusStopped, outcome.Reason, state)

		default:
			return rt.finish(ctx, run, StatusFailed, fmt.Sprintf("step %q returned unknown outcome %q", stepName, outcome.Kind), state)
		}
	}
}

// invokeStep runs one step behind a recover boundary. Errors and panics
// become Fail outcomes; they never escape the run loop.
func (rt *Runtime) invokeStep(ctx context.Context, stepFn StepFn, run *Run, state map[string]any, stopHint bool) (outcome StepOutcome) {
	defer func() {
		if r := recover(); r != nil {
			rt.logger.Error("step %s panicked: %v", run.CurrentStep, r)
			outcome = Fail(fmt.Sprintf("step panic: %v", r), nil)
		}
	}()

	sc := &StepContext{
		Context:   ctx,
		Run:       run,
		State:     state,
		InputData: run.InputData,
		ShouldStop: func() bool {
			if stopHint {
				return true
			}
			current, err := rt.store.GetRun(ctx, run.ID)
			if err != nil {
				return false
			}
			return current.StopRequested
		},
	}
	out, err := stepFn(sc)
	if err != nil {
		rt.logger.Warn("step %s failed: %v", run.CurrentStep, err)
		return Fail(err.Error(), out.StatePatch, out.Events...)
	}
	return out
}

func (rt *Runtime) finish(ctx context.Context, run *Run, status Status, reason string, state map[string]any) (*Run, error) {
	upd := StatusUpdate{State: &state}
	if reason != "" {
		upd.ErrorMessage = &reason
	}
	updated, err := rt.store.UpdateRunStatus(ctx, run.ID, status, upd)
	if err != nil {
		return nil, err
	}
	data := map[string]any{"step": run.CurrentStep}
	if reason != "" {
		data["reason"] = reason
	}
	switch status {
	case StatusCompleted:
		rt.transition(ctx, run.ID, EventFlowCompleted, data)
	case StatusFailed:
		rt.transition(ctx, run.ID, EventFlowFailed, data)
	case StatusStopped:
		rt.transition(ctx, run.ID, EventFlowStopped, data)
	}
	return updated, nil
}

// transition appends the flow event and mirrors it to the lifecycle bus
// with a fresh transition token.
func (rt *Runtime) transition(ctx context.Context, runID string, eventType EventType, data map[string]any) {
	if data == nil {
		data = map[string]any{}
	}
	data["transition_token"] = uuid.NewString()
	rt.appendEvent(ctx, runID, eventType, data)
	rt.notifier.FlowTransition(runID, eventType, data)
}

func (rt *Runtime) appendEvent(ctx context.Context, runID string, eventType EventType, data map[string]any) {
	if _, err := rt.store.CreateEvent(ctx, uuid.NewString(), runID, eventType, data); err != nil {
		rt.logger.Error("append %s event for %s: %v", eventType, runID, err)
	}
}

func mergePatch(state, patch map[string]any) map[string]any {
	if state == nil {
		state = map[string]any{}
	}
	for k, v := range patch {
		if v == nil {
			delete(state, k)
			continue
		}
		state[k] = v
	}
	return state
}
