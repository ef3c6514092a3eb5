package ticket

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/codex-autorunner/car/internal/agent"
	"github.com/codex-autorunner/car/internal/flow"
	"github.com/codex-autorunner/car/internal/paths"
	"github.com/codex-autorunner/car/internal/sqlitedb"
)

type runnerFunc func(ctx context.Context, turn agent.TurnRequest, onPart func(agent.TurnPart)) error

func (f runnerFunc) RunTurn(ctx context.Context, turn agent.TurnRequest, onPart func(agent.TurnPart)) error {
	return f(ctx, turn, onPart)
}

type fakePool struct {
	mu            sync.Mutex
	run           runnerFunc
	acquires      int
	releases      int
	invalidations int
}

func (p *fakePool) Acquire(ctx context.Context, agentID, workspaceRoot string) (TurnRunner, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.acquires++
	return p.run, nil
}

func (p *fakePool) Release(agentID, workspaceRoot string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.releases++
}

func (p *fakePool) Invalidate(agentID, workspaceRoot string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.invalidations++
}

type fixture struct {
	workspace string
	store     *flow.Store
	pool      *fakePool
	engine    *Engine
	runtime   *flow.Runtime
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	workspace := t.TempDir()
	require.NoError(t, os.MkdirAll(paths.TicketsDir(workspace), 0o755))

	store, err := flow.OpenStore(context.Background(), filepath.Join(t.TempDir(), "flows.db"), sqlitedb.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	pool := &fakePool{}
	engine, err := NewEngine(workspace, cfg, store, pool, nil)
	require.NoError(t, err)
	rt, err := flow.NewRuntime(store, engine.Definition(), nil, nil)
	require.NoError(t, err)
	return &fixture{workspace: workspace, store: store, pool: pool, engine: engine, runtime: rt}
}

func (f *fixture) startRun(t *testing.T) *flow.Run {
	t.Helper()
	run, err := f.store.CreateRun(context.Background(), uuid.NewString(), FlowType,
		map[string]any{"workspace_root": f.workspace},
		flow.CreateRunParams{CurrentStep: StepRunOneTurn})
	require.NoError(t, err)
	return run
}

func (f *fixture) ticketPath(name string) string {
	return filepath.Join(paths.TicketsDir(f.workspace), name)
}

func (f *fixture) engineState(t *testing.T, run *flow.Run) map[string]any {
	t.Helper()
	st, ok := run.State["ticket_engine"].(map[string]any)
	require.True(t, ok, "state.ticket_engine must exist")
	return st
}

// markDone rewrites a ticket file with done flipped, the way an agent
// would edit it.
func markDone(t *testing.T, path string) {
	t.Helper()
	doc, err := Load(path)
	require.NoError(t, err)
	content := "---\nagent: " + doc.Agent + "\ndone: true\n---\n" + doc.Body
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestEngine_HappyPathSingleTicket(t *testing.T) {
	f := newFixture(t, Config{})
	writeTicket(t, paths.TicketsDir(f.workspace), "TICKET-001.md", "codex", false)
	run := f.startRun(t)

	f.pool.run = func(ctx context.Context, turn agent.TurnRequest, onPart func(agent.TurnPart)) error {
		require.Contains(t, turn.Prompt, "body of TICKET-001.md")
		onPart(agent.TurnPart{Type: "reasoning", Data: map[string]any{"text": "ok"}})
		onPart(agent.TurnPart{Type: "patch"})
		markDone(t, f.ticketPath("TICKET-001.md"))
		require.NoError(t, WriteDispatch(f.workspace, run.ID, &Dispatch{Mode: ModeTurnSummary, Body: "Done"}))
		return nil
	}

	final, err := f.runtime.RunFlow(context.Background(), run.ID, nil)
	require.NoError(t, err)
	require.Equal(t, flow.StatusCompleted, final.Status)

	st := f.engineState(t, final)
	require.Equal(t, "completed", st["status"])
	require.Equal(t, float64(1), st["total_turns"])
	require.Equal(t, float64(1), st["last_dispatch_seq"])

	archived := ListArchivedDispatches(f.workspace, run.ID)
	require.Len(t, archived, 1)
	require.Equal(t, ModeTurnSummary, archived[0].Dispatch.Mode)

	events, err := f.store.GetEvents(context.Background(), run.ID, 0, 0)
	require.NoError(t, err)
	var types []flow.EventType
	for _, ev := range events {
		types = append(types, ev.Type)
	}
	require.Contains(t, types, flow.EventAppServer)
	require.Contains(t, types, flow.EventDispatchCreated)
	require.Equal(t, flow.EventFlowCompleted, types[len(types)-1])
}

func TestEngine_PauseDispatchPausesRun(t *testing.T) {
	f := newFixture(t, Config{})
	writeTicket(t, paths.TicketsDir(f.workspace), "TICKET-001.md", "codex", false)
	run := f.startRun(t)

	f.pool.run = func(ctx context.Context, turn agent.TurnRequest, onPart func(agent.TurnPart)) error {
		return WriteDispatch(f.workspace, run.ID, &Dispatch{Mode: ModePause, Body: "need credentials"})
	}

	final, err := f.runtime.RunFlow(context.Background(), run.ID, nil)
	require.NoError(t, err)
	require.Equal(t, flow.StatusPaused, final.Status)
	require.Equal(t, "Reason: need credentials", final.ErrorMessage)
	require.Equal(t, 1, f.pool.releases, "handle released even on pause")
}

func TestEngine_ResumeInjectsOperatorReply(t *testing.T) {
	f := newFixture(t, Config{})
	writeTicket(t, paths.TicketsDir(f.workspace), "TICKET-001.md", "codex", false)
	run := f.startRun(t)

	f.pool.run = func(ctx context.Context, turn agent.TurnRequest, onPart func(agent.TurnPart)) error {
		return WriteDispatch(f.workspace, run.ID, &Dispatch{Mode: ModePause, Body: "need credentials"})
	}
	paused, err := f.runtime.RunFlow(context.Background(), run.ID, nil)
	require.NoError(t, err)
	require.Equal(t, flow.StatusPaused, paused.Status)

	require.NoError(t, WriteReply(f.workspace, run.ID, 1, "use token ABC"))

	var secondPrompt string
	f.pool.run = func(ctx context.Context, turn agent.TurnRequest, onPart func(agent.TurnPart)) error {
		secondPrompt = turn.Prompt
		markDone(t, f.ticketPath("TICKET-001.md"))
		return WriteDispatch(f.workspace, run.ID, &Dispatch{Mode: ModeTurnSummary, Body: "Done"})
	}
	final, err := f.runtime.RunFlow(context.Background(), run.ID, nil)
	require.NoError(t, err)
	require.Equal(t, flow.StatusCompleted, final.Status)
	require.Contains(t, secondPrompt, "use token ABC")
	require.Contains(t, secondPrompt, "Operator reply")
}

func TestEngine_MaxTurnsBudget(t *testing.T) {
	f := newFixture(t, Config{MaxTotalTurns: 1})
	writeTicket(t, paths.TicketsDir(f.workspace), "TICKET-001.md", "codex", false)
	run := f.startRun(t)

	// The ticket needs two turns; the budget allows one.
	f.pool.run = func(ctx context.Context, turn agent.TurnRequest, onPart func(agent.TurnPart)) error {
		return WriteDispatch(f.workspace, run.ID, &Dispatch{Mode: ModeTurnSummary, Body: "still going"})
	}

	final, err := f.runtime.RunFlow(context.Background(), run.ID, nil)
	require.NoError(t, err)
	require.Equal(t, flow.StatusFailed, final.Status)
	st := f.engineState(t, final)
	require.Equal(t, ReasonMaxTurns, st["reason_code"])
	require.Equal(t, float64(1), st["total_turns"])
}

func TestEngine_NoDispatchNoProgressFails(t *testing.T) {
	f := newFixture(t, Config{})
	writeTicket(t, paths.TicketsDir(f.workspace), "TICKET-001.md", "codex", false)
	run := f.startRun(t)

	f.pool.run = func(ctx context.Context, turn agent.TurnRequest, onPart func(agent.TurnPart)) error {
		return nil
	}

	final, err := f.runtime.RunFlow(context.Background(), run.ID, nil)
	require.NoError(t, err)
	require.Equal(t, flow.StatusFailed, final.Status)
	st := f.engineState(t, final)
	require.Equal(t, ReasonAgentError, st["reason_code"])
}

func TestEngine_UserTicketPausesWithDispatch(t *testing.T) {
	f := newFixture(t, Config{})
	writeTicket(t, paths.TicketsDir(f.workspace), "TICKET-001.md", AgentUser, false)
	run := f.startRun(t)

	final, err := f.runtime.RunFlow(context.Background(), run.ID, nil)
	require.NoError(t, err)
	require.Equal(t, flow.StatusPaused, final.Status)
	require.Zero(t, f.pool.acquires, "user tickets never touch the agent pool")

	archived := ListArchivedDispatches(f.workspace, run.ID)
	require.Len(t, archived, 1)
	require.Equal(t, ModePause, archived[0].Dispatch.Mode)
}

func TestEngine_DisconnectRetriesOnce(t *testing.T) {
	f := newFixture(t, Config{})
	writeTicket(t, paths.TicketsDir(f.workspace), "TICKET-001.md", "codex", false)
	run := f.startRun(t)

	attempt := 0
	f.pool.run = func(ctx context.Context, turn agent.TurnRequest, onPart func(agent.TurnPart)) error {
		attempt++
		if attempt == 1 {
			return fmt.Errorf("%w: connection reset", agent.ErrDisconnected)
		}
		markDone(t, f.ticketPath("TICKET-001.md"))
		return WriteDispatch(f.workspace, run.ID, &Dispatch{Mode: ModeTurnSummary, Body: "Done"})
	}

	final, err := f.runtime.RunFlow(context.Background(), run.ID, nil)
	require.NoError(t, err)
	require.Equal(t, flow.StatusCompleted, final.Status)
	require.Equal(t, 2, attempt)
	require.Equal(t, 1, f.pool.invalidations)
	require.Equal(t, 2, f.pool.releases)
}

func TestEngine_SecondDisconnectFails(t *testing.T) {
	f := newFixture(t, Config{})
	writeTicket(t, paths.TicketsDir(f.workspace), "TICKET-001.md", "codex", false)
	run := f.startRun(t)

	f.pool.run = func(ctx context.Context, turn agent.TurnRequest, onPart func(agent.TurnPart)) error {
		return fmt.Errorf("%w: connection reset", agent.ErrDisconnected)
	}

	final, err := f.runtime.RunFlow(context.Background(), run.ID, nil)
	require.NoError(t, err)
	require.Equal(t, flow.StatusFailed, final.Status)
	st := f.engineState(t, final)
	require.Equal(t, ReasonAgentError, st["reason_code"])
}

func TestEngine_RequiresFilesInPrompt(t *testing.T) {
	f := newFixture(t, Config{})
	require.NoError(t, os.MkdirAll(filepath.Join(f.workspace, "docs"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(f.workspace, "docs", "design.md"), []byte("the design notes"), 0o644))
	content := "---\nagent: codex\ndone: false\nrequires:\n  - docs/*.md\n---\nImplement it\n"
	require.NoError(t, os.WriteFile(f.ticketPath("TICKET-001.md"), []byte(content), 0o644))
	run := f.startRun(t)

	var prompt string
	f.pool.run = func(ctx context.Context, turn agent.TurnRequest, onPart func(agent.TurnPart)) error {
		prompt = turn.Prompt
		markDone(t, f.ticketPath("TICKET-001.md"))
		return WriteDispatch(f.workspace, run.ID, &Dispatch{Mode: ModeTurnSummary, Body: "Done"})
	}

	final, err := f.runtime.RunFlow(context.Background(), run.ID, nil)
	require.NoError(t, err)
	require.Equal(t, flow.StatusCompleted, final.Status)
	require.Contains(t, prompt, "the design notes")
	require.Contains(t, prompt, "docs/design.md")
}

func TestEngine_BinaryRequireIsRefused(t *testing.T) {
	f := newFixture(t, Config{})
	require.NoError(t, os.WriteFile(filepath.Join(f.workspace, "blob.bin"), []byte{0x00, 0x01, 0x02}, 0o644))
	content := "---\nagent: codex\ndone: false\nrequires:\n  - blob.bin\n---\nUse the blob\n"
	require.NoError(t, os.WriteFile(f.ticketPath("TICKET-001.md"), []byte(content), 0o644))
	run := f.startRun(t)

	final, err := f.runtime.RunFlow(context.Background(), run.ID, nil)
	require.NoError(t, err)
	require.Equal(t, flow.StatusFailed, final.Status)
	require.Contains(t, final.ErrorMessage, "binary file refused")
	require.Zero(t, f.pool.acquires, "prompt assembly fails before any turn")
}

func TestEngine_DispatchHookObservesArchives(t *testing.T) {
	f := newFixture(t, Config{})
	writeTicket(t, paths.TicketsDir(f.workspace), "TICKET-001.md", "codex", false)
	run := f.startRun(t)

	var hookSeqs []int
	f.engine.SetDispatchHook(func(runID string, seq int, d *Dispatch) {
		require.Equal(t, run.ID, runID)
		hookSeqs = append(hookSeqs, seq)
	})
	f.pool.run = func(ctx context.Context, turn agent.TurnRequest, onPart func(agent.TurnPart)) error {
		markDone(t, f.ticketPath("TICKET-001.md"))
		return WriteDispatch(f.workspace, run.ID, &Dispatch{Mode: ModeTurnSummary, Body: "Done"})
	}

	_, err := f.runtime.RunFlow(context.Background(), run.ID, nil)
	require.NoError(t, err)
	require.Equal(t, []int{1}, hookSeqs)
}

func TestEngine_NoTicketsCompletesImmediately(t *testing.T) {
	f := newFixture(t, Config{})
	run := f.startRun(t)

	final, err := f.runtime.RunFlow(context.Background(), run.ID, nil)
	require.NoError(t, err)
	require.Equal(t, flow.StatusCompleted, final.Status)
	require.Zero(t, f.pool.acquires)
}
