package agent

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/codex-autorunner/car/internal/logging"
	"github.com/codex-autorunner/car/internal/procreg"
)

// Scope controls how many agent processes a supervisor manages.
type Scope string

const (
	// ScopeWorkspace runs one agent process per workspace.
	ScopeWorkspace Scope = "workspace"
	// ScopeGlobal runs a single shared agent process; the workspace is
	// passed per turn instead of per process.
	ScopeGlobal Scope = "global"
)

// globalHandleID keys the single handle of a global-scoped supervisor.
const globalHandleID = "global"

const (
	defaultMaxHandles     = 4
	defaultIdleTTL        = 30 * time.Minute
	defaultStartupTimeout = 20 * time.Second
	defaultTerminateGrace = 2 * time.Second
)

// Config describes one agent backend.
type Config struct {
	// Kind names the backend, e.g. "opencode". Used for registry records
	// and log lines.
	Kind string
	// Scope is workspace or global.
	Scope Scope
	// Command is the argv used to spawn the agent server.
	Command []string
	// PasswordEnv names the environment variable carrying the server
	// password. Empty means unauthenticated.
	PasswordEnv string
	// RegistryRoot overrides where process records live. Defaults to each
	// handle's workspace root; global-scoped supervisors must set it.
	RegistryRoot string

	MaxHandles     int
	IdleTTL        time.Duration
	StartupTimeout time.Duration
	TerminateGrace time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxHandles <= 0 {
		c.MaxHandles = defaultMaxHandles
	}
	if c.IdleTTL <= 0 {
		c.IdleTTL = defaultIdleTTL
	}
	if c.StartupTimeout <= 0 {
		c.StartupTimeout = defaultStartupTimeout
	}
	if c.TerminateGrace <= 0 {
		c.TerminateGrace = defaultTerminateGrace
	}
	return c
}

// Supervisor owns the agent processes for one backend kind: spawn or
// attach on demand, reuse across turns, evict when idle, terminate on
// shutdown.
type Supervisor struct {
	cfg      Config
	password string
	logger   logging.Logger

	mu      sync.Mutex
	handles map[string]*Handle
}

func NewSupervisor(cfg Config, logger logging.Logger) (*Supervisor, error) {
	cfg = cfg.withDefaults()
	if strings.TrimSpace(cfg.Kind) == "" {
		return nil, fmt.Errorf("agent supervisor: kind is required")
	}
	if cfg.Scope == ScopeGlobal && strings.TrimSpace(cfg.RegistryRoot) == "" {
		return nil, fmt.Errorf("agent supervisor: global scope requires a registry root")
	}
	var password string
	if cfg.PasswordEnv != "" {
		password = os.Getenv(cfg.PasswordEnv)
	}
	return &Supervisor{
		cfg:      cfg,
		password: password,
		logger:   logging.OrNop(logger),
		handles:  make(map[string]*Handle),
	}, nil
}

func (s *Supervisor) Kind() string { return s.cfg.Kind }

// handleID maps a workspace to its handle key. Global scope collapses
// every workspace onto one shared handle.
func (s *Supervisor) handleID(workspaceRoot string) string {
	if s.cfg.Scope == ScopeGlobal {
		return globalHandleID
	}
	return WorkspaceID(workspaceRoot)
}

func (s *Supervisor) registryFor(workspaceRoot string) *procreg.Registry {
	root := s.cfg.RegistryRoot
	if root == "" {
		root = workspaceRoot
	}
	return procreg.New(root)
}

// GetClient returns a ready client for the workspace, attaching to a
// registered live process or spawning a fresh one. Turn accounting is
// separate: callers bracket usage with MarkTurnStarted/MarkTurnFinished.
func (s *Supervisor) GetClient(ctx context.Context, workspaceRoot string) (*Client, error) {
	h := s.acquireHandle(workspaceRoot)
	return h.ensureStarted(ctx, s.cfg, s.password, s.registryFor(workspaceRoot), s.logger)
}

// acquireHandle returns the handle for the workspace, creating it and
// evicting the least-recently-used idle handle if the pool is full.
func (s *Supervisor) acquireHandle(workspaceRoot string) *Handle {
	id := s.handleID(workspaceRoot)

	s.mu.Lock()
	if h, ok := s.handles[id]; ok {
		s.mu.Unlock()
		return h
	}
	var victim *Handle
	if len(s.handles) >= s.cfg.MaxHandles {
		victim = s.lruIdleLocked()
		if victim != nil {
			delete(s.handles, victim.id)
		} else {
			s.logger.Warn("%s pool over capacity (%d handles, none idle)", s.cfg.Kind, len(s.handles))
		}
	}
	h := &Handle{id: id, workspaceRoot: workspaceRoot}
	s.handles[id] = h
	s.mu.Unlock()

	if victim != nil {
		s.logger.Info("evicting idle %s handle %s", s.cfg.Kind, victim.id)
		victim.close(s.cfg, s.registryFor(victim.workspaceRoot), s.logger)
	}
	return h
}

// lruIdleLocked picks the idle handle with the oldest last use. Handles
// with turns in flight are never eviction candidates.
func (s *Supervisor) lruIdleLocked() *Handle {
	var victim *Handle
	for _, h := range s.handles {
		h.mu.Lock()
		idle := h.activeTurns == 0
		used := h.lastUsed
		h.mu.Unlock()
		if !idle {
			continue
		}
		if victim == nil || used.Before(victim.LastUsed()) {
			victim = h
		}
	}
	return victim
}

// MarkTurnStarted records that a turn is running against the workspace's
// handle, pinning it against idle eviction.
func (s *Supervisor) MarkTurnStarted(workspaceRoot string) {
	if h := s.lookup(workspaceRoot); h != nil {
		h.mu.Lock()
		h.activeTurns++
		h.lastUsed = time.Now()
		h.mu.Unlock()
	}
}

// MarkTurnFinished releases a turn slot and refreshes the idle clock.
func (s *Supervisor) MarkTurnFinished(workspaceRoot string) {
	if h := s.lookup(workspaceRoot); h != nil {
		h.mu.Lock()
		if h.activeTurns > 0 {
			h.activeTurns--
		}
		h.lastUsed = time.Now()
		h.mu.Unlock()
	}
}

// Invalidate marks the workspace's handle unstarted after a mid-turn
// death so the next acquire reattempts attach-or-spawn.
func (s *Supervisor) Invalidate(workspaceRoot string) {
	if h := s.lookup(workspaceRoot); h != nil {
		s.logger.Warn("invalidating %s handle %s", s.cfg.Kind, h.id)
		h.markUnstarted()
	}
}

func (s *Supervisor) lookup(workspaceRoot string) *Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handles[s.handleID(workspaceRoot)]
}

// PruneIdle closes handles with no turns in flight that have been idle
// past the TTL. Returns the number pruned.
func (s *Supervisor) PruneIdle() int {
	cutoff := time.Now().Add(-s.cfg.IdleTTL)

	s.mu.Lock()
	var stale []*Handle
	for id, h := range s.handles {
		h.mu.Lock()
		expired := h.activeTurns == 0 && h.lastUsed.Before(cutoff)
		h.mu.Unlock()
		if expired {
			stale = append(stale, h)
			delete(s.handles, id)
		}
	}
	s.mu.Unlock()

	for _, h := range stale {
		s.logger.Info("pruning idle %s handle %s", s.cfg.Kind, h.id)
		h.close(s.cfg, s.registryFor(h.workspaceRoot), s.logger)
	}
	return len(stale)
}

// CloseAll tears down every handle, including ones with turns in flight.
// Global-scoped backends get a best-effort instance disposal call first.
func (s *Supervisor) CloseAll(ctx context.Context) {
	s.mu.Lock()
	all := make([]*Handle, 0, len(s.handles))
	for _, h := range s.handles {
		all = append(all, h)
	}
	s.handles = make(map[string]*Handle)
	s.mu.Unlock()

	for _, h := range all {
		if s.cfg.Scope == ScopeGlobal {
			h.mu.Lock()
			client := h.client
			h.mu.Unlock()
			if client != nil {
				if err := client.DisposeInstances(ctx); err != nil {
					s.logger.Debug("%s dispose instances: %v", s.cfg.Kind, err)
				}
			}
		}
		h.close(s.cfg, s.registryFor(h.workspaceRoot), s.logger)
	}
}

// HandleCount reports the live pool size.
func (s *Supervisor) HandleCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.handles)
}

// DisposeInstances asks a global-scoped agent server to drop its
// per-workspace instances before shutdown.
func (c *Client) DisposeInstances(ctx context.Context) error {
	req, err := c.newRequest(ctx, http.MethodPost, "/dispose_instances", nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("dispose instances: status %d", resp.StatusCode)
	}
	return nil
}
