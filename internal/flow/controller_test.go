package flow

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/codex-autorunner/car/internal/paths"
)

func newTestController(t *testing.T, def *Definition) *Controller {
	t.Helper()
	store := newTestStore(t)
	ctrl, err := NewController(t.TempDir(), store, def, nil, nil)
	require.NoError(t, err)
	return ctrl
}

func passthroughDefinition() *Definition {
	return &Definition{
		FlowType:    "ticket_flow",
		InitialStep: "run_one_turn",
		Steps: map[string]StepFn{
			"run_one_turn": func(sc *StepContext) (StepOutcome, error) {
				return Complete(nil), nil
			},
		},
	}
}

func TestStartFlow_CreatesPendingRunAndArtifactsDir(t *testing.T) {
	ctrl := newTestController(t, passthroughDefinition())
	run, err := ctrl.StartFlow(context.Background(), map[string]any{"workspace_root": "/w"}, StartParams{})
	require.NoError(t, err)
	require.Equal(t, StatusPending, run.Status)
	require.Equal(t, "run_one_turn", run.CurrentStep)

	info, err := os.Stat(paths.FlowRunDir(ctrl.RepoRoot(), run.ID))
	require.NoError(t, err)
	require.True(t, info.IsDir())
}

func TestStopFlow_IsIdempotent(t *testing.T) {
	ctrl := newTestController(t, passthroughDefinition())
	ctx := context.Background()
	run, err := ctrl.StartFlow(ctx, nil, StartParams{})
	require.NoError(t, err)

	first, err := ctrl.StopFlow(ctx, run.ID)
	require.NoError(t, err)
	second, err := ctrl.StopFlow(ctx, run.ID)
	require.NoError(t, err)

	require.True(t, first.StopRequested)
	require.True(t, second.StopRequested)
	require.Equal(t, first.Status, second.Status)
}

func TestStopFlow_RunningMovesToStopping(t *testing.T) {
	ctrl := newTestController(t, passthroughDefinition())
	ctx := context.Background()
	run, err := ctrl.StartFlow(ctx, nil, StartParams{})
	require.NoError(t, err)
	_, err = ctrl.Store().UpdateRunStatus(ctx, run.ID, StatusRunning, StatusUpdate{})
	require.NoError(t, err)

	stopped, err := ctrl.StopFlow(ctx, run.ID)
	require.NoError(t, err)
	require.Equal(t, StatusStopping, stopped.Status)
}

func TestResumeFlow_SanitisesTicketEngineState(t *testing.T) {
	ctrl := newTestController(t, passthroughDefinition())
	ctx := context.Background()

	state := map[string]any{
		"ticket_engine": map[string]any{
			"total_turns": float64(25),
			"reason_code": "max_turns",
			"reason":      "turn budget exhausted",
		},
	}
	run, err := ctrl.StartFlow(ctx, nil, StartParams{InitialState: state})
	require.NoError(t, err)
	reason := "turn budget exhausted"
	_, err = ctrl.Store().UpdateRunStatus(ctx, run.ID, StatusPaused, StatusUpdate{ErrorMessage: &reason})
	require.NoError(t, err)

	resumed, err := ctrl.ResumeFlow(ctx, run.ID)
	require.NoError(t, err)
	require.Equal(t, StatusRunning, resumed.Status)
	require.False(t, resumed.StopRequested)
	require.Empty(t, resumed.ErrorMessage)

	engine := resumed.State["ticket_engine"].(map[string]any)
	require.Equal(t, float64(0), engine["total_turns"], "max_turns budget resets on resume")
	require.NotContains(t, engine, "reason")
	require.NotContains(t, engine, "reason_code")
}

func TestStreamEvents_DeliversInOrderAndCloses(t *testing.T) {
	ctrl := newTestController(t, passthroughDefinition())
	ctx := context.Background()
	run, err := ctrl.StartFlow(ctx, map[string]any{"workspace_root": "/w"}, StartParams{})
	require.NoError(t, err)

	final, err := ctrl.RunFlow(ctx, run.ID, nil)
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, final.Status)

	streamCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	ch, err := ctrl.StreamEvents(streamCtx, run.ID, 0)
	require.NoError(t, err)

	var seqs []int64
	for ev := range ch {
		seqs = append(seqs, ev.Seq)
	}
	require.NotEmpty(t, seqs)
	for i, seq := range seqs {
		require.Equal(t, int64(i+1), seq)
	}
}
