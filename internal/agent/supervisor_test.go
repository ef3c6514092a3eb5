package agent

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"os/exec"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/codex-autorunner/car/internal/procreg"
)

func fakeAgentServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"version":"1.2.3","uptime_s":42}`)
	})
	mux.HandleFunc("/doc", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"openapi":"3.0.0"}`)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

// advertiseCommand builds an argv that prints the listening line for an
// already-running server and then parks, standing in for a real agent.
func advertiseCommand(baseURL string) []string {
	return []string{"bash", "-c", fmt.Sprintf(`echo "listening on %s"; sleep 60`, baseURL)}
}

func newTestSupervisor(t *testing.T, cfg Config) *Supervisor {
	t.Helper()
	if cfg.Kind == "" {
		cfg.Kind = "opencode"
	}
	if cfg.Scope == "" {
		cfg.Scope = ScopeWorkspace
	}
	if cfg.StartupTimeout == 0 {
		cfg.StartupTimeout = 5 * time.Second
	}
	if cfg.TerminateGrace == 0 {
		cfg.TerminateGrace = time.Second
	}
	sup, err := NewSupervisor(cfg, nil)
	require.NoError(t, err)
	t.Cleanup(func() { sup.CloseAll(context.Background()) })
	return sup
}

func TestWorkspaceID_StableAndDistinct(t *testing.T) {
	a := t.TempDir()
	b := t.TempDir()
	require.Equal(t, WorkspaceID(a), WorkspaceID(a))
	require.NotEqual(t, WorkspaceID(a), WorkspaceID(b))
	require.True(t, strings.HasPrefix(WorkspaceID(a), "ws-"))
}

func TestHealth_ClassifiesAttachFailures(t *testing.T) {
	ctx := context.Background()

	authSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer authSrv.Close()
	_, err := NewClient(authSrv.URL, "wrong").Health(ctx)
	var attachErr *AttachError
	require.ErrorAs(t, err, &attachErr)
	require.Equal(t, AttachAuth, attachErr.Kind)

	missingSrv := httptest.NewServer(http.NotFoundHandler())
	defer missingSrv.Close()
	_, err = NewClient(missingSrv.URL, "").Health(ctx)
	require.ErrorAs(t, err, &attachErr)
	require.Equal(t, AttachEndpointMismatch, attachErr.Kind)

	deadSrv := httptest.NewServer(http.NotFoundHandler())
	deadURL := deadSrv.URL
	deadSrv.Close()
	_, err = NewClient(deadURL, "").Health(ctx)
	require.ErrorAs(t, err, &attachErr)
	require.Equal(t, AttachConnect, attachErr.Kind)
}

func TestRunTurn_StreamsParts(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/turn", r.URL.Path)
		w.Header().Set("Content-Type", "application/x-ndjson")
		fmt.Fprintln(w, `{"type":"reasoning","data":{"text":"thinking"}}`)
		fmt.Fprintln(w, `{"type":"tool_call","data":{"name":"edit"}}`)
		fmt.Fprintln(w, `{"type":"done"}`)
	}))
	defer srv.Close()

	var types []string
	err := NewClient(srv.URL, "").RunTurn(context.Background(), TurnRequest{Prompt: "go"}, func(p TurnPart) {
		types = append(types, p.Type)
	})
	require.NoError(t, err)
	require.Equal(t, []string{"reasoning", "tool_call", "done"}, types)
}

func TestGetClient_SpawnsAndRegisters(t *testing.T) {
	srv := fakeAgentServer(t)
	workspace := t.TempDir()
	sup := newTestSupervisor(t, Config{Command: advertiseCommand(srv.URL)})

	client, err := sup.GetClient(context.Background(), workspace)
	require.NoError(t, err)
	require.Equal(t, srv.URL, client.BaseURL())

	rec, err := procreg.New(workspace).Read("opencode", WorkspaceID(workspace))
	require.NoError(t, err)
	require.Equal(t, srv.URL, rec.BaseURL)
	require.Equal(t, os.Getpid(), rec.OwnerPID)
	require.NotZero(t, rec.PID)

	// Second acquire reuses the live handle without spawning again.
	again, err := sup.GetClient(context.Background(), workspace)
	require.NoError(t, err)
	require.Same(t, client, again)
	require.Equal(t, 1, sup.HandleCount())
}

func TestGetClient_AttachesToRegisteredProcess(t *testing.T) {
	srv := fakeAgentServer(t)
	workspace := t.TempDir()

	// A prior owner registered this (still alive) process. The command is
	// deliberately broken: attach must succeed without spawning.
	stale := exec.Command("sleep", "60")
	require.NoError(t, stale.Start())
	t.Cleanup(func() { _ = stale.Process.Kill(); _ = stale.Wait() })
	rec := procreg.Record{
		Kind:        "opencode",
		WorkspaceID: WorkspaceID(workspace),
		PID:         stale.Process.Pid,
		PGID:        stale.Process.Pid,
		BaseURL:     srv.URL,
		OwnerPID:    1,
		StartedAt:   time.Now().UTC(),
	}
	require.NoError(t, procreg.New(workspace).Write(rec))

	sup := newTestSupervisor(t, Config{Command: []string{"false"}})
	client, err := sup.GetClient(context.Background(), workspace)
	require.NoError(t, err)
	require.Equal(t, srv.URL, client.BaseURL())

	got, err := procreg.New(workspace).Read("opencode", WorkspaceID(workspace))
	require.NoError(t, err)
	require.Equal(t, os.Getpid(), got.OwnerPID, "attach takes ownership of the record")
}

func TestGetClient_StartupTimeout(t *testing.T) {
	workspace := t.TempDir()
	sup := newTestSupervisor(t, Config{
		Command:        []string{"bash", "-c", "sleep 60"},
		StartupTimeout: 300 * time.Millisecond,
	})

	_, err := sup.GetClient(context.Background(), workspace)
	var startErr *StartupError
	require.ErrorAs(t, err, &startErr)
	require.Contains(t, startErr.Detail, "listening advertisement")
}

func TestGetClient_FailsWhenProcessExitsEarly(t *testing.T) {
	workspace := t.TempDir()
	sup := newTestSupervisor(t, Config{Command: []string{"bash", "-c", "exit 3"}})

	_, err := sup.GetClient(context.Background(), workspace)
	var startErr *StartupError
	require.ErrorAs(t, err, &startErr)
}

func TestSupervisor_EvictsLeastRecentlyUsedIdleHandle(t *testing.T) {
	srv := fakeAgentServer(t)
	wsA, wsB, wsC := t.TempDir(), t.TempDir(), t.TempDir()
	sup := newTestSupervisor(t, Config{Command: advertiseCommand(srv.URL), MaxHandles: 2})
	ctx := context.Background()

	_, err := sup.GetClient(ctx, wsA)
	require.NoError(t, err)
	time.Sleep(10 * time.Millisecond)
	_, err = sup.GetClient(ctx, wsB)
	require.NoError(t, err)
	sup.MarkTurnStarted(wsB)

	_, err = sup.GetClient(ctx, wsC)
	require.NoError(t, err)
	require.Equal(t, 2, sup.HandleCount())

	// A was idle and oldest, so its registry record is gone; B was pinned.
	_, err = procreg.New(wsA).Read("opencode", WorkspaceID(wsA))
	require.True(t, errors.Is(err, procreg.ErrNotFound))
	_, err = procreg.New(wsB).Read("opencode", WorkspaceID(wsB))
	require.NoError(t, err)
}

func TestSupervisor_PruneIdleSkipsActiveTurns(t *testing.T) {
	srv := fakeAgentServer(t)
	wsA, wsB := t.TempDir(), t.TempDir()
	sup := newTestSupervisor(t, Config{Command: advertiseCommand(srv.URL), IdleTTL: 50 * time.Millisecond})
	ctx := context.Background()

	_, err := sup.GetClient(ctx, wsA)
	require.NoError(t, err)
	_, err = sup.GetClient(ctx, wsB)
	require.NoError(t, err)
	sup.MarkTurnStarted(wsB)

	time.Sleep(80 * time.Millisecond)
	require.Equal(t, 1, sup.PruneIdle())
	require.Equal(t, 1, sup.HandleCount())

	sup.MarkTurnFinished(wsB)
	time.Sleep(80 * time.Millisecond)
	require.Equal(t, 1, sup.PruneIdle())
	require.Equal(t, 0, sup.HandleCount())
}

func TestSupervisor_InvalidateForcesReattach(t *testing.T) {
	srv := fakeAgentServer(t)
	workspace := t.TempDir()
	sup := newTestSupervisor(t, Config{Command: advertiseCommand(srv.URL)})
	ctx := context.Background()

	first, err := sup.GetClient(ctx, workspace)
	require.NoError(t, err)
	sup.Invalidate(workspace)

	second, err := sup.GetClient(ctx, workspace)
	require.NoError(t, err)
	require.NotSame(t, first, second, "invalidation discards the cached client")
}

func TestSupervisor_GlobalScopeSharesOneHandle(t *testing.T) {
	srv := fakeAgentServer(t)
	registryRoot := t.TempDir()
	sup := newTestSupervisor(t, Config{
		Scope:        ScopeGlobal,
		Command:      advertiseCommand(srv.URL),
		RegistryRoot: registryRoot,
	})
	ctx := context.Background()

	a, err := sup.GetClient(ctx, t.TempDir())
	require.NoError(t, err)
	b, err := sup.GetClient(ctx, t.TempDir())
	require.NoError(t, err)
	require.Same(t, a, b)
	require.Equal(t, 1, sup.HandleCount())

	rec, err := procreg.New(registryRoot).Read("opencode", globalHandleID)
	require.NoError(t, err)
	require.Equal(t, srv.URL, rec.BaseURL)
}
