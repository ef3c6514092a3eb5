package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/codex-autorunner/car/internal/flow"
	"github.com/codex-autorunner/car/internal/hub"
	"github.com/codex-autorunner/car/internal/worker"
)

func newFlowCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "flow",
		Short: "Manage ticket flow runs",
	}
	cmd.AddCommand(
		newFlowStartCmd(a),
		newFlowWorkerCmd(a),
		newFlowStopCmd(a),
		newFlowResumeCmd(a),
		newFlowStatusCmd(a),
		newFlowListCmd(a),
		newFlowStreamCmd(a),
	)
	return cmd
}

// runView is the JSON shape of a run for status/list output.
type runView struct {
	RunID         string      `json:"run_id"`
	FlowType      string      `json:"flow_type"`
	Status        flow.Status `json:"status"`
	CurrentStep   string      `json:"current_step,omitempty"`
	ErrorMessage  string      `json:"error_message,omitempty"`
	StopRequested bool        `json:"stop_requested,omitempty"`
	Worker        string      `json:"worker,omitempty"`
	CreatedAt     time.Time   `json:"created_at"`
	StartedAt     time.Time   `json:"started_at,omitzero"`
	FinishedAt    time.Time   `json:"finished_at,omitzero"`
}

func viewOf(run *flow.Run) runView {
	return runView{
		RunID:         run.ID,
		FlowType:      run.FlowType,
		Status:        run.Status,
		CurrentStep:   run.CurrentStep,
		ErrorMessage:  run.ErrorMessage,
		StopRequested: run.StopRequested,
		CreatedAt:     run.CreatedAt,
		StartedAt:     run.StartedAt,
		FinishedAt:    run.FinishedAt,
	}
}

func printDetached(runID string, info worker.SpawnInfo) {
	fmt.Printf("run_id=%s\n", runID)
	fmt.Println("detached=true")
	fmt.Printf("pid=%d\n", info.PID)
	fmt.Printf("logs_root=%s\n", info.LogsRoot)
	fmt.Printf("pid_file=%s\n", filepath.Join(info.LogsRoot, "worker.json"))
}

func newFlowStartCmd(a *app) *cobra.Command {
	var runID string
	var foreground bool
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Create a run and launch its worker",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			rs, err := a.repo(ctx)
			if err != nil {
				return err
			}
			run, err := rs.Controller.StartFlow(ctx, map[string]any{"workspace_root": rs.Root}, flow.StartParams{RunID: runID})
			if err != nil {
				return err
			}
			if foreground {
				final, err := runWorker(ctx, rs, run.ID)
				if err != nil {
					return err
				}
				printRun(final)
				return nil
			}
			info, err := worker.Spawn(rs.Root, run.ID)
			if err != nil {
				return err
			}
			printDetached(run.ID, info)
			return nil
		},
	}
	cmd.Flags().StringVar(&runID, "run-id", "", "run id (default: random uuid)")
	cmd.Flags().BoolVar(&foreground, "foreground", false, "execute the run in this process")
	return cmd
}

func newFlowStopCmd(a *app) *cobra.Command {
	var runID string
	var force bool
	cmd := &cobra.Command{
		Use:   "stop",
		Short: "Request a cooperative stop of a run",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if runID == "" {
				return fmt.Errorf("--run-id is required")
			}
			ctx := cmd.Context()
			rs, err := a.repo(ctx)
			if err != nil {
				return err
			}
			run, err := rs.Controller.StopFlow(ctx, runID)
			if err != nil {
				return err
			}
			if force {
				run, err = forceStop(ctx, rs, runID)
				if err != nil {
					return err
				}
			}
			printRun(run)
			return nil
		},
	}
	cmd.Flags().StringVar(&runID, "run-id", "", "run to stop")
	cmd.Flags().BoolVar(&force, "force", false, "kill the worker process and settle the run")
	return cmd
}

// forceStop terminates the worker (identity-checked) and reconciles the
// run so it settles without waiting for the periodic pass.
func forceStop(ctx context.Context, rs *hub.RepoServices, runID string) (*flow.Run, error) {
	if pid, err := worker.Terminate(rs.Root, runID, 5*time.Second); err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("terminate worker pid %d: %w", pid, err)
		}
	}
	if _, err := rs.Reconciler.ReconcileRun(ctx, runID); err != nil {
		return nil, err
	}
	return rs.Controller.GetStatus(ctx, runID)
}

func newFlowResumeCmd(a *app) *cobra.Command {
	var runID string
	var foreground bool
	cmd := &cobra.Command{
		Use:   "resume",
		Short: "Resume a paused, stopped, or failed run",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if runID == "" {
				return fmt.Errorf("--run-id is required")
			}
			ctx := cmd.Context()
			rs, err := a.repo(ctx)
			if err != nil {
				return err
			}
			// Drop a dead worker's stale manifest first, so a reconcile
			// pass between the status flip and the new worker's boot sees
			// absent rather than a crashed running worker.
			if h := worker.CheckHealth(rs.Root, runID); h.Gone() {
				if err := worker.RemoveManifest(rs.Root, runID); err != nil {
					return err
				}
			}
			run, err := rs.Controller.ResumeFlow(ctx, runID)
			if err != nil {
				return err
			}
			if run.Status == flow.StatusCompleted {
				return fmt.Errorf("run %s already completed", runID)
			}
			if foreground {
				final, err := runWorker(ctx, rs, run.ID)
				if err != nil {
					return err
				}
				printRun(final)
				return nil
			}
			info, err := worker.Spawn(rs.Root, run.ID)
			if err != nil {
				return err
			}
			printDetached(run.ID, info)
			return nil
		},
	}
	cmd.Flags().StringVar(&runID, "run-id", "", "run to resume")
	cmd.Flags().BoolVar(&foreground, "foreground", false, "execute the run in this process")
	return cmd
}

func newFlowStatusCmd(a *app) *cobra.Command {
	var runID string
	var jsonOut bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show one run's status and worker health",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if runID == "" {
				return fmt.Errorf("--run-id is required")
			}
			ctx := cmd.Context()
			rs, err := a.repo(ctx)
			if err != nil {
				return err
			}
			run, err := rs.Controller.GetStatus(ctx, runID)
			if err != nil {
				return err
			}
			health := worker.CheckHealth(rs.Root, run.ID)
			if jsonOut {
				view := viewOf(run)
				view.Worker = string(health.Status)
				return printJSON(view)
			}
			printRun(run)
			fmt.Printf("worker=%s\n", health.Status)
			return nil
		},
	}
	cmd.Flags().StringVar(&runID, "run-id", "", "run to inspect")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "machine-readable output")
	return cmd
}

func newFlowListCmd(a *app) *cobra.Command {
	var status string
	var jsonOut bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List this repo's runs",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			rs, err := a.repo(ctx)
			if err != nil {
				return err
			}
			runs, err := rs.Controller.ListRuns(ctx, flow.Status(status))
			if err != nil {
				return err
			}
			if jsonOut {
				views := make([]runView, 0, len(runs))
				for _, run := range runs {
					views = append(views, viewOf(run))
				}
				return printJSON(views)
			}
			if len(runs) == 0 {
				fmt.Println("no runs")
				return nil
			}
			fmt.Printf("%-36s  %-9s  %-13s  %s\n", "RUN", "STATUS", "STEP", "CREATED")
			for _, run := range runs {
				fmt.Printf("%-36s  %-9s  %-13s  %s\n",
					run.ID, run.Status, run.CurrentStep, run.CreatedAt.Format(time.RFC3339))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "filter by status")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "machine-readable output")
	return cmd
}

func newFlowStreamCmd(a *app) *cobra.Command {
	var runID string
	var afterSeq int64
	var jsonOut bool
	cmd := &cobra.Command{
		Use:   "stream",
		Short: "Follow a run's events until it settles",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if runID == "" {
				return fmt.Errorf("--run-id is required")
			}
			ctx := cmd.Context()
			rs, err := a.repo(ctx)
			if err != nil {
				return err
			}
			events, err := rs.Controller.StreamEvents(ctx, runID, afterSeq)
			if err != nil {
				return err
			}
			for ev := range events {
				if jsonOut {
					line, err := json.Marshal(map[string]any{
						"seq":        ev.Seq,
						"event_type": ev.Type,
						"data":       ev.Data,
						"created_at": ev.CreatedAt,
					})
					if err != nil {
						return err
					}
					fmt.Println(string(line))
					continue
				}
				data := ""
				if len(ev.Data) > 0 {
					if buf, err := json.Marshal(ev.Data); err == nil {
						data = " " + string(buf)
					}
				}
				fmt.Printf("%s seq=%d %s%s\n", ev.CreatedAt.Format(time.RFC3339), ev.Seq, ev.Type, data)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&runID, "run-id", "", "run to follow")
	cmd.Flags().Int64Var(&afterSeq, "after-seq", 0, "resume the stream after this seq")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "one JSON event per line")
	return cmd
}
