package agent

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/zeebo/blake3"

	"github.com/codex-autorunner/car/internal/logging"
	"github.com/codex-autorunner/car/internal/procreg"
	"github.com/codex-autorunner/car/internal/procutil"
)

// listenRegexp matches the agent's startup advertisement on stdout.
var listenRegexp = regexp.MustCompile(`listening on (https?://\S+)`)

// WorkspaceID derives the stable handle id for a workspace path.
func WorkspaceID(workspaceRoot string) string {
	canonical := canonicalPath(workspaceRoot)
	sum := blake3.Sum256([]byte(canonical))
	return fmt.Sprintf("ws-%x", sum[:8])
}

func canonicalPath(p string) string {
	p = strings.TrimSpace(p)
	if resolved, err := filepath.EvalSymlinks(p); err == nil {
		p = resolved
	}
	if abs, err := filepath.Abs(p); err == nil {
		p = abs
	}
	return p
}

// Handle is the supervisor's in-memory lease for one workspace + agent.
// At most one exists per (supervisor, workspace id).
type Handle struct {
	mu sync.Mutex

	id            string
	workspaceRoot string

	cmd     *exec.Cmd
	waitCh  chan error
	drainWG sync.WaitGroup

	pid     int
	pgid    int
	client  *Client
	baseURL string
	health  *HealthInfo
	version string

	started     bool
	lastUsed    time.Time
	activeTurns int
}

func (h *Handle) ID() string          { return h.id }
func (h *Handle) BaseURL() string     { return h.baseURL }
func (h *Handle) Version() string     { return h.version }
func (h *Handle) Started() bool       { h.mu.Lock(); defer h.mu.Unlock(); return h.started }
func (h *Handle) ActiveTurns() int    { h.mu.Lock(); defer h.mu.Unlock(); return h.activeTurns }
func (h *Handle) LastUsed() time.Time { h.mu.Lock(); defer h.mu.Unlock(); return h.lastUsed }

// ensureStarted drives the Absent -> Starting -> Started machine under the
// per-handle lock so concurrent acquirers cannot both spawn a subprocess.
func (h *Handle) ensureStarted(ctx context.Context, cfg Config, password string, reg *procreg.Registry, logger logging.Logger) (*Client, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.started {
		h.lastUsed = time.Now()
		return h.client, nil
	}

	// Registry reuse: a prior hub process may have left a live agent.
	if rec, err := reg.Read(cfg.Kind, h.id); err == nil {
		if procutil.PIDAlive(rec.PID) && strings.TrimSpace(rec.BaseURL) != "" {
			client, info, err := attachToBaseURL(ctx, rec.BaseURL, password)
			switch {
			case err == nil:
				rec.OwnerPID = os.Getpid()
				if err := reg.Write(rec); err != nil {
					logger.Warn("rewrite %s record for %s: %v", cfg.Kind, h.id, err)
				}
				h.adopt(rec.PID, rec.PGID, client, rec.BaseURL, info)
				logger.Info("attached to %s pid=%d at %s", cfg.Kind, rec.PID, rec.BaseURL)
				return h.client, nil
			case isConnectAttachErr(err):
				// The registered process is gone or wedged; clear it out
				// and fall through to a fresh spawn.
				logger.Warn("stale %s record for %s (%v); terminating pid %d", cfg.Kind, h.id, err, rec.PID)
				reg.Terminate(rec, cfg.TerminateGrace)
			default:
				// Auth and endpoint mismatches are fatal for this attempt.
				return nil, err
			}
		} else {
			_ = reg.Delete(rec)
		}
	}

	return h.spawn(ctx, cfg, password, reg, logger)
}

func attachToBaseURL(ctx context.Context, baseURL, password string) (*Client, *HealthInfo, error) {
	client := NewClient(baseURL, password)
	probeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	info, err := client.Health(probeCtx)
	if err != nil {
		return nil, nil, err
	}
	return client, info, nil
}

func isConnectAttachErr(err error) bool {
	var attachErr *AttachError
	if errors.As(err, &attachErr) {
		return attachErr.Kind == AttachConnect
	}
	return false
}

// spawn starts a fresh subprocess, waits for its listening advertisement,
// and registers it. Called with h.mu held.
func (h *Handle) spawn(ctx context.Context, cfg Config, password string, reg *procreg.Registry, logger logging.Logger) (*Client, error) {
	if len(cfg.Command) == 0 {
		return nil, &StartupError{Kind: cfg.Kind, Detail: "no command configured"}
	}
	cmd := exec.Command(cfg.Command[0], cfg.Command[1:]...)
	cmd.Dir = h.workspaceRoot
	cmd.Env = os.Environ()
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, &StartupError{Kind: cfg.Kind, Detail: "stdout pipe", Err: err}
	}
	cmd.Stderr = io.Discard

	if err := cmd.Start(); err != nil {
		return nil, &StartupError{Kind: cfg.Kind, Detail: fmt.Sprintf("exec %s", cfg.Command[0]), Err: err}
	}
	pid := cmd.Process.Pid
	waitCh := make(chan error, 1)
	go func() { waitCh <- cmd.Wait() }()

	baseURL, scanner, err := waitForListenURL(stdout, waitCh, cfg.StartupTimeout)
	if err != nil {
		procutil.Terminate(procutil.TerminateTarget{PID: pid, PGID: pid}, cfg.TerminateGrace)
		return nil, &StartupError{Kind: cfg.Kind, Detail: err.Error()}
	}

	client := NewClient(baseURL, password)

	// Best-effort schema discovery; version comes from the health probe.
	var info *HealthInfo
	if probed, err := client.Health(ctx); err == nil {
		info = probed
	} else {
		logger.Warn("%s health probe after spawn: %v", cfg.Kind, err)
	}
	if _, err := client.FetchSchema(ctx); err != nil {
		logger.Debug("%s schema fetch: %v", cfg.Kind, err)
	}

	// Drain stdout so the subprocess never stalls on a full pipe.
	h.drainWG.Add(1)
	go func() {
		defer h.drainWG.Done()
		for scanner.Scan() {
		}
	}()

	rec := procreg.Record{
		Kind:        cfg.Kind,
		WorkspaceID: h.id,
		PID:         pid,
		PGID:        pid,
		BaseURL:     baseURL,
		Command:     cfg.Command,
		OwnerPID:    os.Getpid(),
		StartedAt:   time.Now().UTC(),
	}
	if err := reg.Write(rec); err != nil {
		logger.Warn("write %s record for %s: %v", cfg.Kind, h.id, err)
	}

	h.cmd = cmd
	h.waitCh = waitCh
	h.adopt(pid, pid, client, baseURL, info)
	logger.Info("spawned %s pid=%d at %s for %s", cfg.Kind, pid, baseURL, h.id)
	return h.client, nil
}

// adopt records a live subprocess on the handle. Called with h.mu held.
func (h *Handle) adopt(pid, pgid int, client *Client, baseURL string, info *HealthInfo) {
	h.pid = pid
	h.pgid = pgid
	h.client = client
	h.baseURL = baseURL
	h.health = info
	if info != nil {
		h.version = info.Version
	}
	h.started = true
	h.lastUsed = time.Now()
}

// waitForListenURL reads stdout line by line until the advertisement
// appears, the process exits, or the timeout elapses.
func waitForListenURL(stdout io.Reader, waitCh <-chan error, timeout time.Duration) (string, *bufio.Scanner, error) {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	type scanResult struct {
		url string
		err error
	}
	found := make(chan scanResult, 1)
	go func() {
		for scanner.Scan() {
			if m := listenRegexp.FindStringSubmatch(scanner.Text()); m != nil {
				found <- scanResult{url: m[1]}
				return
			}
		}
		found <- scanResult{err: fmt.Errorf("stdout closed before listening advertisement")}
	}()

	select {
	case res := <-found:
		if res.err != nil {
			return "", nil, res.err
		}
		return res.url, scanner, nil
	case err := <-waitCh:
		return "", nil, fmt.Errorf("process exited before announcing base url: %v", err)
	case <-time.After(timeout):
		return "", nil, fmt.Errorf("no listening advertisement within %s", timeout)
	}
}

// markUnstarted drops the started flag so the next acquire reattempts.
func (h *Handle) markUnstarted() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.started = false
	h.client = nil
	h.baseURL = ""
}

// close tears the handle down: drain stopped, subprocess terminated,
// registry purged. Safe to call on a never-started handle.
func (h *Handle) close(cfg Config, reg *procreg.Registry, logger logging.Logger) {
	h.mu.Lock()
	pid, pgid := h.pid, h.pgid
	h.started = false
	h.client = nil
	h.mu.Unlock()

	if pid > 0 && procutil.PIDAlive(pid) {
		if !procutil.Terminate(procutil.TerminateTarget{PID: pid, PGID: pgid}, cfg.TerminateGrace) {
			logger.Warn("%s pid %d survived termination", cfg.Kind, pid)
		}
	}
	_ = reg.Delete(procreg.Record{Kind: cfg.Kind, WorkspaceID: h.id, PID: pid})
	if h.waitCh != nil {
		select {
		case <-h.waitCh:
		case <-time.After(2 * time.Second):
		}
	}
	h.drainWG.Wait()
}
