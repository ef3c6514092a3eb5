package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/codex-autorunner/car/internal/flow"
	"github.com/codex-autorunner/car/internal/fsio"
	"github.com/codex-autorunner/car/internal/hub"
	"github.com/codex-autorunner/car/internal/paths"
	"github.com/codex-autorunner/car/internal/worker"
)

// newFlowWorkerCmd is the detached worker entrypoint spawned by
// `flow start`. Hidden: operators never invoke it directly.
func newFlowWorkerCmd(a *app) *cobra.Command {
	var runID string
	cmd := &cobra.Command{
		Use:    "worker",
		Short:  "Execute one run to a settled state",
		Hidden: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if runID == "" {
				return fmt.Errorf("--run-id is required")
			}
			ctx := cmd.Context()
			rs, err := a.repo(ctx)
			if err != nil {
				return err
			}
			_, err = runWorker(ctx, rs, runID)
			return err
		},
	}
	cmd.Flags().StringVar(&runID, "run-id", "", "run to execute")
	return cmd
}

// runWorker drives the run in this process with the full worker
// protocol: worker.json at boot, crash.json on panic or infrastructure
// failure, exit.json always.
func runWorker(ctx context.Context, rs *hub.RepoServices, runID string) (run *flow.Run, err error) {
	// The worker owns the run's state only while holding the per-run
	// reconcile lock; the reconciler try-locks and skips live workers.
	lock, err := fsio.LockFile(paths.ReconcileLock(rs.Root, runID))
	if err != nil {
		return nil, err
	}
	defer func() { _ = lock.Unlock() }()

	if _, err := worker.WriteManifest(rs.Root, runID); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	signalName := make(chan string, 1)
	go func() {
		sig, ok := <-sigCh
		if !ok {
			return
		}
		select {
		case signalName <- sig.String():
		default:
		}
		cancel()
	}()

	defer func() {
		if r := recover(); r != nil {
			_ = worker.WriteCrash(rs.Root, runID, worker.CrashRecord{
				Exception: fmt.Sprintf("panic: %v\n%s", r, debug.Stack()),
				ExitCode:  2,
			})
			_ = worker.WriteExit(rs.Root, runID, 2, drainSignal(signalName))
			run, err = nil, fmt.Errorf("worker panicked: %v", r)
		}
	}()

	run, err = rs.Controller.RunFlow(ctx, runID, nil)
	exitCode := 0
	if err != nil {
		exitCode = 1
		// Cancellation is a signal-driven shutdown, not a crash.
		if !errors.Is(err, context.Canceled) {
			_ = worker.WriteCrash(rs.Root, runID, worker.CrashRecord{
				Exception: err.Error(),
				ExitCode:  exitCode,
			})
		}
	}
	if writeErr := worker.WriteExit(rs.Root, runID, exitCode, drainSignal(signalName)); writeErr != nil && err == nil {
		err = writeErr
	}
	return run, err
}

func drainSignal(ch chan string) string {
	select {
	case s := <-ch:
		return s
	default:
		return ""
	}
}
