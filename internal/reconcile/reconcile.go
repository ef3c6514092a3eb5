// Package reconcile detects dead flow workers and settles their runs:
// a running run whose worker vanished becomes failed with a crash
// artifact and a synthetic pause dispatch, a stopping run becomes
// stopped.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/codex-autorunner/car/internal/flow"
	"github.com/codex-autorunner/car/internal/fsio"
	"github.com/codex-autorunner/car/internal/logging"
	"github.com/codex-autorunner/car/internal/paths"
	"github.com/codex-autorunner/car/internal/ticket"
	"github.com/codex-autorunner/car/internal/worker"
)

const defaultInterval = 60 * time.Second

// Stats summarises one reconcile pass.
type Stats struct {
	Scanned      int
	Transitioned int
	Skipped      int
	Errors       int
}

// Reconciler scans non-terminal runs of one repo.
type Reconciler struct {
	repoRoot string
	flowType string
	store    *flow.Store
	notifier flow.Notifier
	logger   logging.Logger
	interval time.Duration
}

type Option func(*Reconciler)

func WithInterval(d time.Duration) Option {
	return func(r *Reconciler) {
		if d > 0 {
			r.interval = d
		}
	}
}

func WithFlowType(flowType string) Option {
	return func(r *Reconciler) { r.flowType = flowType }
}

func New(repoRoot string, store *flow.Store, notifier flow.Notifier, logger logging.Logger, opts ...Option) (*Reconciler, error) {
	if store == nil {
		return nil, fmt.Errorf("reconciler: store is required")
	}
	r := &Reconciler{
		repoRoot: repoRoot,
		flowType: ticket.FlowType,
		store:    store,
		notifier: notifier,
		logger:   logging.OrNop(logger),
		interval: defaultInterval,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Watch runs periodic passes until ctx is cancelled. Per-pass errors are
// logged, never raised into the scheduler.
func (r *Reconciler) Watch(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		stats := r.ReconcileAll(ctx)
		if stats.Errors > 0 {
			r.logger.Warn("reconcile pass: %d errors over %d runs", stats.Errors, stats.Scanned)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// ReconcileAll scans every non-terminal run once.
func (r *Reconciler) ReconcileAll(ctx context.Context) Stats {
	var stats Stats
	for _, status := range []flow.Status{flow.StatusRunning, flow.StatusStopping, flow.StatusPaused} {
		runs, err := r.store.ListRuns(ctx, r.flowType, status)
		if err != nil {
			r.logger.Error("list %s runs: %v", status, err)
			stats.Errors++
			continue
		}
		for _, run := range runs {
			stats.Scanned++
			changed, err := r.ReconcileRun(ctx, run.ID)
			switch {
			case errors.Is(err, fsio.ErrLockBusy):
				stats.Skipped++
			case err != nil:
				r.logger.Error("reconcile run %s: %v", run.ID, err)
				stats.Errors++
			case changed:
				stats.Transitioned++
			}
		}
	}
	return stats
}

// ReconcileRun evaluates one run under its per-run lock. Returns true
// when a transition or artifact was written. A busy lock means a live
// worker (or another reconciler) owns the run; the error wraps
// fsio.ErrLockBusy.
func (r *Reconciler) ReconcileRun(ctx context.Context, runID string) (bool, error) {
	lockPath := paths.ReconcileLock(r.repoRoot, runID)
	if err := os.MkdirAll(filepath.Dir(lockPath), 0o755); err != nil {
		return false, err
	}
	lock, err := fsio.TryLockFile(lockPath)
	if err != nil {
		return false, err
	}
	defer func() { _ = lock.Unlock() }()

	run, err := r.store.GetRun(ctx, runID)
	if err != nil {
		return false, err
	}
	if run.Status.Terminal() || run.Status == flow.StatusPending {
		return false, nil
	}

	health := worker.CheckHealth(r.repoRoot, runID)

	switch {
	case run.Status == flow.StatusRunning && health.Gone():
		if err := r.failCrashedRun(ctx, run, health); err != nil {
			return false, err
		}
		r.clearWorkerMetadata(runID)
		return true, nil
	case run.Status == flow.StatusStopping && health.Status == worker.StatusDead:
		if err := r.settleStoppedRun(ctx, run); err != nil {
			return false, err
		}
		r.clearWorkerMetadata(runID)
		return true, nil
	case run.Status == flow.StatusPaused && health.Gone():
		changed, err := r.surfacePausedCrash(ctx, run, health)
		if err != nil {
			return false, err
		}
		if changed {
			r.clearWorkerMetadata(runID)
		}
		return changed, nil
	default:
		return false, nil
	}
}

// failCrashedRun moves a running run with a dead worker to failed,
// synthesising the crash evidence the worker never got to write.
func (r *Reconciler) failCrashedRun(ctx context.Context, run *flow.Run, health worker.Health) error {
	r.logger.Warn("run %s worker is %s; failing run", run.ID, health.Status)

	if err := r.ensureCrashRecord(run.ID, health); err != nil {
		return err
	}
	errMsg := "worker crashed"
	failure := map[string]any{"reason_code": "worker_crashed", "reason": errMsg}
	state := mergeState(run.State, map[string]any{"failure": failure})
	if _, err := r.store.UpdateRunStatus(ctx, run.ID, flow.StatusFailed, flow.StatusUpdate{
		State:        &state,
		ErrorMessage: &errMsg,
	}); err != nil {
		return err
	}
	if err := r.recordCrashArtifact(ctx, run.ID); err != nil {
		return err
	}
	r.emitTransition(ctx, run.ID, flow.EventFlowFailed, map[string]any{"error_message": errMsg})
	return r.archiveCrashDispatch(ctx, run.ID)
}

// settleStoppedRun finishes a stopping run whose worker is gone.
func (r *Reconciler) settleStoppedRun(ctx context.Context, run *flow.Run) error {
	r.logger.Info("run %s worker exited while stopping; marking stopped", run.ID)
	if _, err := r.store.UpdateRunStatus(ctx, run.ID, flow.StatusStopped, flow.StatusUpdate{}); err != nil {
		return err
	}
	r.emitTransition(ctx, run.ID, flow.EventFlowStopped, nil)
	return nil
}

// surfacePausedCrash leaves a paused run paused but archives a synthetic
// crash dispatch once, so the inbox notices the dead worker.
func (r *Reconciler) surfacePausedCrash(ctx context.Context, run *flow.Run, health worker.Health) (bool, error) {
	already, err := r.store.HasArtifact(ctx, run.ID, flow.ArtifactWorkerCrash)
	if err != nil {
		return false, err
	}
	if already {
		return false, nil
	}
	r.logger.Warn("run %s is paused with a %s worker; surfacing crash", run.ID, health.Status)
	if err := r.ensureCrashRecord(run.ID, health); err != nil {
		return false, err
	}
	if err := r.recordCrashArtifact(ctx, run.ID); err != nil {
		return false, err
	}
	return true, r.archiveCrashDispatch(ctx, run.ID)
}

func (r *Reconciler) ensureCrashRecord(runID string, health worker.Health) error {
	if worker.HasCrash(r.repoRoot, runID) {
		return nil
	}
	rec := worker.CrashRecord{
		Exception:  fmt.Sprintf("worker crashed (health=%s)", health.Status),
		StderrTail: health.StderrTail,
	}
	if health.ExitCode != nil {
		rec.ExitCode = *health.ExitCode
	}
	return worker.WriteCrash(r.repoRoot, runID, rec)
}

func (r *Reconciler) recordCrashArtifact(ctx context.Context, runID string) error {
	already, err := r.store.HasArtifact(ctx, runID, flow.ArtifactWorkerCrash)
	if err != nil || already {
		return err
	}
	_, err = r.store.CreateArtifact(ctx, uuid.NewString(), runID, flow.ArtifactWorkerCrash,
		worker.CrashPath(r.repoRoot, runID), nil)
	return err
}

// archiveCrashDispatch writes and archives a pause dispatch pointing at
// crash.json so the inbox has something actionable.
func (r *Reconciler) archiveCrashDispatch(ctx context.Context, runID string) error {
	crashPath := worker.CrashPath(r.repoRoot, runID)
	body := fmt.Sprintf("The worker process for this run died unexpectedly.\n\nSee %s for details.\n", crashPath)
	if rec, ok := worker.ReadCrash(r.repoRoot, runID); ok && rec.StderrTail != "" {
		body += fmt.Sprintf("\nLast stderr output:\n```\n%s\n```\n", rec.StderrTail)
	}
	d := &ticket.Dispatch{Mode: ticket.ModePause, Title: "Worker crashed", Body: body}
	if err := ticket.WriteDispatch(r.repoRoot, runID, d); err != nil {
		return err
	}
	seq := ticket.NextDispatchSeq(r.repoRoot, runID)
	if err := ticket.ArchiveDispatch(r.repoRoot, runID, seq); err != nil {
		return err
	}
	data := map[string]any{"seq": seq, "mode": d.Mode, "summary": d.Title, "synthetic": true}
	if _, err := r.store.CreateEvent(ctx, uuid.NewString(), runID, flow.EventDispatchCreated, data); err != nil {
		r.logger.Warn("record synthetic dispatch event for run %s: %v", runID, err)
	}
	if r.notifier != nil {
		r.notifier.FlowTransition(runID, flow.EventDispatchCreated, data)
	}
	return nil
}

func (r *Reconciler) emitTransition(ctx context.Context, runID string, eventType flow.EventType, data map[string]any) {
	if data == nil {
		data = map[string]any{}
	}
	data["transition_token"] = uuid.NewString()
	if _, err := r.store.CreateEvent(ctx, uuid.NewString(), runID, eventType, data); err != nil {
		r.logger.Warn("record %s event for run %s: %v", eventType, runID, err)
	}
	if r.notifier != nil {
		r.notifier.FlowTransition(runID, eventType, data)
	}
}

// clearWorkerMetadata removes worker.json once the process is proven
// dead, so later passes see absent instead of re-deciding.
func (r *Reconciler) clearWorkerMetadata(runID string) {
	if err := worker.RemoveManifest(r.repoRoot, runID); err != nil {
		r.logger.Warn("clear worker metadata for run %s: %v", runID, err)
	}
}

func mergeState(base, patch map[string]any) map[string]any {
	out := make(map[string]any, len(base)+len(patch))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range patch {
		out[k] = v
	}
	return out
}
