// Package paths pins the on-disk layout shared by the CLI, the workers,
// and the reconciler. The layout is a compatibility contract; changing a
// path here changes what external tooling observes.
package paths

import "path/filepath"

// DirName is the per-repo state directory.
const DirName = ".codex-autorunner"

// StateDir returns <repo>/.codex-autorunner.
func StateDir(repoRoot string) string { return filepath.Join(repoRoot, DirName) }

// FlowsDB returns the per-repo flow store database file.
func FlowsDB(repoRoot string) string { return filepath.Join(StateDir(repoRoot), "flows.db") }

// FlowRunDir returns the worker artifacts directory for one run.
func FlowRunDir(repoRoot, runID string) string {
	return filepath.Join(StateDir(repoRoot), "flows", runID)
}

// ReconcileLock returns the per-run reconcile lock file.
func ReconcileLock(repoRoot, runID string) string {
	return filepath.Join(FlowRunDir(repoRoot, runID), "reconcile.lock")
}

// TicketsDir returns the ordered-ticket directory.
func TicketsDir(repoRoot string) string { return filepath.Join(StateDir(repoRoot), "tickets") }

// RunDir returns the agent-facing run directory (dispatches and replies).
func RunDir(repoRoot, runID string) string {
	return filepath.Join(StateDir(repoRoot), "runs", runID)
}

// DispatchDir returns the current-outgoing dispatch directory of a run.
func DispatchDir(repoRoot, runID string) string {
	return filepath.Join(RunDir(repoRoot, runID), "dispatch")
}

// DispatchHistoryDir returns the archived-dispatch directory of a run.
func DispatchHistoryDir(repoRoot, runID string) string {
	return filepath.Join(RunDir(repoRoot, runID), "dispatch_history")
}

// ReplyHistoryDir returns the human-reply directory of a run.
func ReplyHistoryDir(repoRoot, runID string) string {
	return filepath.Join(RunDir(repoRoot, runID), "reply_history")
}

// ProcRegistryDir returns the managed-process registry directory.
func ProcRegistryDir(repoRoot string) string { return filepath.Join(StateDir(repoRoot), "procs") }

// ProcRegistryLock returns the registry's sidecar lock file.
func ProcRegistryLock(repoRoot string) string {
	return filepath.Join(ProcRegistryDir(repoRoot), "procs.lock")
}

// LifecycleEvents returns the hub-scope lifecycle event log.
func LifecycleEvents(hubRoot string) string {
	return filepath.Join(hubRoot, "lifecycle_events.json")
}

// LifecycleEventsLock returns the lifecycle log's sidecar lock file.
func LifecycleEventsLock(hubRoot string) string {
	return filepath.Join(hubRoot, "lifecycle_events.lock")
}

// DismissalsFile returns the per-repo inbox dismissal record.
func DismissalsFile(repoRoot string) string {
	return filepath.Join(StateDir(repoRoot), "inbox_dismissals.json")
}

// DismissalsLock returns the dismissal record's sidecar lock file.
func DismissalsLock(repoRoot string) string {
	return filepath.Join(StateDir(repoRoot), "inbox_dismissals.lock")
}

// RepoConfig returns the per-repo configuration file.
func RepoConfig(repoRoot string) string {
	return filepath.Join(StateDir(repoRoot), "config.yaml")
}

// SafetyAuditLog returns the PMA append-only audit log.
func SafetyAuditLog(hubRoot string) string {
	return filepath.Join(hubRoot, "pma", "audit.jsonl")
}
