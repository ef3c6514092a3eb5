// Package worker spawns and inspects the detached processes that execute
// flow runs. One process per run: a hub restart never kills in-flight
// work, and a crashed run never stalls its siblings.
package worker

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/codex-autorunner/car/internal/fsio"
	"github.com/codex-autorunner/car/internal/paths"
	"github.com/codex-autorunner/car/internal/procutil"
)

const stderrTailBytes = 2048

// Manifest is worker.json, written by the worker at boot.
type Manifest struct {
	RunID         string    `json:"run_id"`
	PID           int       `json:"pid"`
	PIDStartTime  uint64    `json:"pid_start_time,omitempty"`
	StartedAt     time.Time `json:"started_at"`
	WorkspaceRoot string    `json:"workspace_root"`
}

// ExitRecord is exit.json, written on clean shutdown.
type ExitRecord struct {
	RunID      string    `json:"run_id"`
	PID        int       `json:"pid"`
	ExitCode   int       `json:"exit_code"`
	Signal     string    `json:"signal,omitempty"`
	FinishedAt time.Time `json:"finished_at"`
}

// CrashRecord is crash.json, written on an uncaught failure. The
// reconciler also synthesizes one when a worker dies without writing it.
type CrashRecord struct {
	Timestamp  time.Time `json:"timestamp"`
	LastEvent  string    `json:"last_event,omitempty"`
	Exception  string    `json:"exception"`
	ExitCode   int       `json:"exit_code"`
	Signal     string    `json:"signal,omitempty"`
	StderrTail string    `json:"stderr_tail,omitempty"`
}

// HealthStatus classifies what the probe found.
type HealthStatus string

const (
	StatusAbsent   HealthStatus = "absent"
	StatusAlive    HealthStatus = "alive"
	StatusDead     HealthStatus = "dead"
	StatusMismatch HealthStatus = "mismatch"
	StatusInvalid  HealthStatus = "invalid"
)

// Health is the probe result for one run's worker.
type Health struct {
	Status     HealthStatus
	PID        int
	ExitCode   *int
	StderrTail string
}

// Gone reports whether the run has no usable live worker. Mismatched and
// invalid records are treated like dead ones.
func (h Health) Gone() bool {
	return h.Status == StatusDead || h.Status == StatusMismatch || h.Status == StatusInvalid
}

func manifestPath(repoRoot, runID string) string {
	return filepath.Join(paths.FlowRunDir(repoRoot, runID), "worker.json")
}

func exitPath(repoRoot, runID string) string {
	return filepath.Join(paths.FlowRunDir(repoRoot, runID), "exit.json")
}

// CrashPath locates crash.json for a run.
func CrashPath(repoRoot, runID string) string {
	return filepath.Join(paths.FlowRunDir(repoRoot, runID), "crash.json")
}

func stdoutLogPath(repoRoot, runID string) string {
	return filepath.Join(paths.FlowRunDir(repoRoot, runID), "worker.out.log")
}

func stderrLogPath(repoRoot, runID string) string {
	return filepath.Join(paths.FlowRunDir(repoRoot, runID), "worker.err.log")
}

// SpawnInfo describes a successfully detached worker.
type SpawnInfo struct {
	PID      int
	LogsRoot string
}

// Spawn forks a detached worker for the run: argv
// "<entrypoint> flow worker --run-id <uuid>", cwd repoRoot, stdout and
// stderr appended to the run's log files, no TTY. The child is its own
// process group leader so the hub exiting never signals it.
func Spawn(repoRoot, runID string) (SpawnInfo, error) {
	entry, err := os.Executable()
	if err != nil {
		return SpawnInfo{}, fmt.Errorf("resolve entrypoint: %w", err)
	}
	runDir := paths.FlowRunDir(repoRoot, runID)
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return SpawnInfo{}, err
	}
	stdout, err := os.OpenFile(stdoutLogPath(repoRoot, runID), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return SpawnInfo{}, err
	}
	defer func() { _ = stdout.Close() }()
	stderr, err := os.OpenFile(stderrLogPath(repoRoot, runID), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return SpawnInfo{}, err
	}
	defer func() { _ = stderr.Close() }()

	cmd := exec.Command(entry, "flow", "worker", "--run-id", runID)
	cmd.Dir = repoRoot
	cmd.Stdin = nil
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	if err := cmd.Start(); err != nil {
		return SpawnInfo{}, fmt.Errorf("spawn flow worker: %w", err)
	}
	pid := cmd.Process.Pid
	// The parent never waits; init reparents and reaps the child.
	if err := cmd.Process.Release(); err != nil {
		return SpawnInfo{}, err
	}
	return SpawnInfo{PID: pid, LogsRoot: runDir}, nil
}

// WriteManifest records this process as the run's worker. Called by the
// worker itself at boot, before any step executes.
func WriteManifest(repoRoot, runID string) (Manifest, error) {
	pid := os.Getpid()
	m := Manifest{
		RunID:         runID,
		PID:           pid,
		StartedAt:     time.Now().UTC(),
		WorkspaceRoot: repoRoot,
	}
	if start, err := procutil.ReadPIDStartTime(pid); err == nil {
		m.PIDStartTime = start
	}
	if err := os.MkdirAll(paths.FlowRunDir(repoRoot, runID), 0o755); err != nil {
		return Manifest{}, err
	}
	if err := fsio.WriteJSONAtomic(manifestPath(repoRoot, runID), m); err != nil {
		return Manifest{}, err
	}
	return m, nil
}

// RemoveManifest deletes worker.json. Absent is success; callers clear
// stale manifests before handing a run to a fresh worker.
func RemoveManifest(repoRoot, runID string) error {
	if err := os.Remove(manifestPath(repoRoot, runID)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// WriteExit records a clean shutdown.
func WriteExit(repoRoot, runID string, exitCode int, signal string) error {
	rec := ExitRecord{
		RunID:      runID,
		PID:        os.Getpid(),
		ExitCode:   exitCode,
		Signal:     signal,
		FinishedAt: time.Now().UTC(),
	}
	return fsio.WriteJSONAtomic(exitPath(repoRoot, runID), rec)
}

// WriteCrash records an uncaught failure, appending the stderr tail so
// the inbox has something actionable without shell access.
func WriteCrash(repoRoot, runID string, rec CrashRecord) error {
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}
	if rec.StderrTail == "" {
		rec.StderrTail = tailFile(stderrLogPath(repoRoot, runID), stderrTailBytes)
	}
	return fsio.WriteJSONAtomic(CrashPath(repoRoot, runID), rec)
}

// ReadCrash loads crash.json if present.
func ReadCrash(repoRoot, runID string) (CrashRecord, bool) {
	data, err := os.ReadFile(CrashPath(repoRoot, runID))
	if err != nil {
		return CrashRecord{}, false
	}
	var rec CrashRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return CrashRecord{}, false
	}
	return rec, true
}

// HasCrash reports whether crash.json exists for the run.
func HasCrash(repoRoot, runID string) bool {
	_, err := os.Stat(CrashPath(repoRoot, runID))
	return err == nil
}

// CheckHealth probes the run's worker by manifest + pid identity.
func CheckHealth(repoRoot, runID string) Health {
	data, err := os.ReadFile(manifestPath(repoRoot, runID))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Health{Status: StatusAbsent}
		}
		return Health{Status: StatusInvalid}
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil || m.PID <= 0 {
		return Health{Status: StatusInvalid}
	}

	h := Health{PID: m.PID}
	if !procutil.PIDAlive(m.PID) || procutil.PIDZombie(m.PID) {
		h.Status = StatusDead
		if exitCode, ok := readExitCode(repoRoot, runID); ok {
			h.ExitCode = &exitCode
		}
		h.StderrTail = tailFile(stderrLogPath(repoRoot, runID), stderrTailBytes)
		return h
	}
	if m.PIDStartTime != 0 {
		start, err := procutil.ReadPIDStartTime(m.PID)
		if err == nil && start != m.PIDStartTime {
			// Pid reuse: a different process wears the worker's pid.
			h.Status = StatusMismatch
			h.StderrTail = tailFile(stderrLogPath(repoRoot, runID), stderrTailBytes)
			return h
		}
	}
	h.Status = StatusAlive
	return h
}

// Terminate hard-kills the run's worker after verifying process identity,
// so a reused pid is never signalled. Returns the manifest pid.
func Terminate(repoRoot, runID string, grace time.Duration) (int, error) {
	data, err := os.ReadFile(manifestPath(repoRoot, runID))
	if err != nil {
		return 0, fmt.Errorf("read worker manifest: %w", err)
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return 0, fmt.Errorf("parse worker manifest: %w", err)
	}
	if m.PID <= 0 {
		return 0, fmt.Errorf("worker manifest has no pid")
	}
	if !procutil.PIDAlive(m.PID) {
		return m.PID, nil
	}
	if m.PIDStartTime != 0 {
		start, err := procutil.ReadPIDStartTime(m.PID)
		if err == nil && start != m.PIDStartTime {
			return m.PID, fmt.Errorf("pid %d identity mismatch; refusing to signal", m.PID)
		}
	}
	if !procutil.Terminate(procutil.TerminateTarget{PID: m.PID, PGID: m.PID}, grace) {
		return m.PID, fmt.Errorf("worker pid %d survived termination", m.PID)
	}
	return m.PID, nil
}

func readExitCode(repoRoot, runID string) (int, bool) {
	data, err := os.ReadFile(exitPath(repoRoot, runID))
	if err != nil {
		return 0, false
	}
	var rec ExitRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return 0, false
	}
	return rec.ExitCode, true
}

// tailFile returns up to limit trailing bytes of path, trimmed to whole
// lines where possible.
func tailFile(path string, limit int64) string {
	f, err := os.Open(path)
	if err != nil {
		return ""
	}
	defer func() { _ = f.Close() }()
	info, err := f.Stat()
	if err != nil {
		return ""
	}
	offset := info.Size() - limit
	if offset < 0 {
		offset = 0
	}
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return ""
	}
	data, err := io.ReadAll(f)
	if err != nil {
		return ""
	}
	tail := string(data)
	if offset > 0 {
		if idx := strings.IndexByte(tail, '\n'); idx >= 0 && idx+1 < len(tail) {
			tail = tail[idx+1:]
		}
	}
	return strings.TrimRight(tail, "\n")
}
