package hub

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/codex-autorunner/car/internal/agent"
	"github.com/codex-autorunner/car/internal/flow"
	"github.com/codex-autorunner/car/internal/lifecycle"
	"github.com/codex-autorunner/car/internal/logging"
	"github.com/codex-autorunner/car/internal/paths"
	"github.com/codex-autorunner/car/internal/reconcile"
	"github.com/codex-autorunner/car/internal/safety"
	"github.com/codex-autorunner/car/internal/sqlitedb"
	"github.com/codex-autorunner/car/internal/ticket"
)

// RepoServices bundles the lazily built per-repo components.
type RepoServices struct {
	ID         string
	Root       string
	Store      *flow.Store
	Engine     *ticket.Engine
	Controller *flow.Controller
	Reconciler *reconcile.Reconciler
}

// Services is the process-local registry of controllers, supervisors,
// the lifecycle bus, and the safety checker. Everything is constructed
// on first use and cached.
type Services struct {
	hubRoot string
	cfg     HubConfig
	logger  logging.Logger

	bus     *lifecycle.Store
	checker *safety.Checker

	mu          sync.Mutex
	repos       map[string]*RepoServices
	supervisors map[string]*agent.Supervisor
}

func NewServices(hubRoot string, cfg HubConfig, logger logging.Logger) (*Services, error) {
	logger = logging.OrNop(logger)
	checker, err := safety.NewChecker(cfg.SafetyConfig(hubRoot), logger)
	if err != nil {
		return nil, err
	}
	return &Services{
		hubRoot:     hubRoot,
		cfg:         cfg,
		logger:      logger,
		bus:         lifecycle.NewStore(hubRoot, logger),
		checker:     checker,
		repos:       make(map[string]*RepoServices),
		supervisors: make(map[string]*agent.Supervisor),
	}, nil
}

func (s *Services) Lifecycle() *lifecycle.Store { return s.bus }
func (s *Services) Safety() *safety.Checker     { return s.checker }
func (s *Services) Config() HubConfig           { return s.cfg }

// Supervisor returns (building once) the supervisor for an agent id.
func (s *Services) Supervisor(agentID string) (*agent.Supervisor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sup, ok := s.supervisors[agentID]; ok {
		return sup, nil
	}
	supCfg, err := s.cfg.AgentSupervisorConfig(agentID, s.hubRoot)
	if err != nil {
		return nil, err
	}
	sup, err := agent.NewSupervisor(supCfg, logging.NewComponentLogger("agent."+agentID))
	if err != nil {
		return nil, err
	}
	s.supervisors[agentID] = sup
	return sup, nil
}

// Repo returns (building once) the services for a repo root.
func (s *Services) Repo(ctx context.Context, repoRoot string) (*RepoServices, error) {
	key, err := filepath.Abs(repoRoot)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if rs, ok := s.repos[key]; ok {
		return rs, nil
	}
	rs, err := s.buildRepoLocked(ctx, key)
	if err != nil {
		return nil, err
	}
	s.repos[key] = rs
	return rs, nil
}

func (s *Services) buildRepoLocked(ctx context.Context, repoRoot string) (*RepoServices, error) {
	repoCfg, err := LoadRepoConfig(repoRoot)
	if err != nil {
		return nil, err
	}
	store, err := flow.OpenStore(ctx, paths.FlowsDB(repoRoot), sqlitedb.Options{})
	if err != nil {
		return nil, err
	}

	repoID := s.repoID(repoRoot)
	notifier := lifecycle.NewFlowNotifier(s.bus, repoID, "flow", s.logger)

	engine, err := ticket.NewEngine(repoRoot, repoCfg.EngineConfig(), store, &agentPool{services: s}, logging.NewComponentLogger("ticket."+repoID))
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	engine.SetDispatchHook(func(runID string, seq int, d *ticket.Dispatch) {
		notifier.FlowTransition(runID, flow.EventDispatchCreated, map[string]any{
			"seq": seq, "mode": d.Mode, "summary": d.Summary(120),
		})
	})

	controller, err := flow.NewController(repoRoot, store, engine.Definition(), notifier, logging.NewComponentLogger("flow."+repoID))
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	reconciler, err := reconcile.New(repoRoot, store, notifier, logging.NewComponentLogger("reconcile."+repoID),
		reconcile.WithInterval(time.Duration(s.cfg.ReconcileIntervalSeconds)*time.Second))
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	return &RepoServices{
		ID:         repoID,
		Root:       repoRoot,
		Store:      store,
		Engine:     engine,
		Controller: controller,
		Reconciler: reconciler,
	}, nil
}

// repoID resolves a root to its configured id, falling back to the
// directory name.
func (s *Services) repoID(repoRoot string) string {
	for _, ref := range s.cfg.Repos {
		abs, err := filepath.Abs(ref.Path)
		if err == nil && abs == repoRoot {
			return ref.ID
		}
	}
	return filepath.Base(repoRoot)
}

// Inbox merges attention items across every configured repo.
func (s *Services) Inbox(ctx context.Context) ([]lifecycle.InboxItem, error) {
	refs := make([]lifecycle.RepoRef, 0, len(s.cfg.Repos))
	for _, repo := range s.cfg.Repos {
		refs = append(refs, lifecycle.RepoRef{ID: repo.ID, Root: repo.Path})
	}
	return lifecycle.ProjectInbox(ctx, refs, func(ref lifecycle.RepoRef) (*flow.Store, error) {
		rs, err := s.Repo(ctx, ref.Root)
		if err != nil {
			return nil, err
		}
		return rs.Store, nil
	})
}

// Close drains every constructed controller, store, and supervisor.
// Failures are logged, never allowed to stop the rest of the shutdown.
func (s *Services) Close(ctx context.Context) {
	s.mu.Lock()
	repos := make([]*RepoServices, 0, len(s.repos))
	for _, rs := range s.repos {
		repos = append(repos, rs)
	}
	sups := make([]*agent.Supervisor, 0, len(s.supervisors))
	for _, sup := range s.supervisors {
		sups = append(sups, sup)
	}
	s.repos = make(map[string]*RepoServices)
	s.supervisors = make(map[string]*agent.Supervisor)
	s.mu.Unlock()

	for _, rs := range repos {
		if err := rs.Store.Close(); err != nil {
			s.logger.Warn("close store for %s: %v", rs.ID, err)
		}
	}
	for _, sup := range sups {
		func() {
			defer func() {
				if r := recover(); r != nil {
					s.logger.Error("close %s supervisor: %v", sup.Kind(), r)
				}
			}()
			sup.CloseAll(ctx)
		}()
	}
}

// agentPool adapts the supervisor registry to the ticket engine's pool
// interface.
type agentPool struct {
	services *Services
}

func (p *agentPool) Acquire(ctx context.Context, agentID, workspaceRoot string) (ticket.TurnRunner, error) {
	sup, err := p.services.Supervisor(agentID)
	if err != nil {
		return nil, err
	}
	client, err := sup.GetClient(ctx, workspaceRoot)
	if err != nil {
		return nil, err
	}
	sup.MarkTurnStarted(workspaceRoot)
	return client, nil
}

func (p *agentPool) Release(agentID, workspaceRoot string) {
	sup, err := p.services.Supervisor(agentID)
	if err != nil {
		return
	}
	sup.MarkTurnFinished(workspaceRoot)
}

func (p *agentPool) Invalidate(agentID, workspaceRoot string) {
	sup, err := p.services.Supervisor(agentID)
	if err != nil {
		return
	}
	sup.Invalidate(workspaceRoot)
}

// EnsureKnownAgent rejects flows whose ticket names an agent the hub has
// no configuration for. The pseudo agent "user" is always known.
func (s *Services) EnsureKnownAgent(agentID string) error {
	if agentID == ticket.AgentUser {
		return nil
	}
	if _, ok := s.cfg.Agents[agentID]; !ok {
		return &ConfigError{Err: fmt.Errorf("unknown agent %q", agentID)}
	}
	return nil
}
