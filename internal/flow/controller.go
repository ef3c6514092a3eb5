package flow

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/codex-autorunner/car/internal/logging"
	"github.com/codex-autorunner/car/internal/paths"
)

// streamPollInterval is the event-stream polling cadence.
const streamPollInterval = 500 * time.Millisecond

// Controller is the public API over one repo's flow store: create runs,
// request stops, resume, and stream events. Execution itself happens in a
// Runtime, usually inside a detached worker process.
type Controller struct {
	repoRoot string
	store    *Store
	def      *Definition
	notifier Notifier
	logger   logging.Logger

	// Serializes start/resume so two callers cannot race the same run id
	// into existence. Never held across agent calls.
	mu sync.Mutex
}

func NewController(repoRoot string, store *Store, def *Definition, notifier Notifier, logger logging.Logger) (*Controller, error) {
	if err := def.Validate(); err != nil {
		return nil, err
	}
	if notifier == nil {
		notifier = nopNotifier{}
	}
	return &Controller{
		repoRoot: repoRoot,
		store:    store,
		def:      def,
		notifier: notifier,
		logger:   logging.OrNop(logger),
	}, nil
}

func (c *Controller) Store() *Store      { return c.store }
func (c *Controller) FlowType() string   { return c.def.FlowType }
func (c *Controller) RepoRoot() string   { return c.repoRoot }
func (c *Controller) Notifier() Notifier { return c.notifier }

// StartParams carries the optional fields of StartFlow.
type StartParams struct {
	RunID        string
	InitialState map[string]any
	Metadata     map[string]any
}

// StartFlow creates the run in pending and prepares its artifacts
// directory. It does not execute anything.
func (c *Controller) StartFlow(ctx context.Context, inputData map[string]any, p StartParams) (*Run, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	runID := strings.TrimSpace(p.RunID)
	if runID == "" {
		runID = uuid.NewString()
	}
	run, err := c.store.CreateRun(ctx, runID, c.def.FlowType, inputData, CreateRunParams{
		Metadata:    p.Metadata,
		State:       p.InitialState,
		CurrentStep: c.def.InitialStep,
	})
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(paths.FlowRunDir(c.repoRoot, runID), 0o755); err != nil {
		return nil, fmt.Errorf("prepare artifacts dir for %s: %w", runID, err)
	}
	return run, nil
}

// RunFlow executes the run in-process. Workers call this.
func (c *Controller) RunFlow(ctx context.Context, runID string, initialState map[string]any) (*Run, error) {
	rt, err := NewRuntime(c.store, c.def, c.notifier, c.logger)
	if err != nil {
		return nil, err
	}
	return rt.RunFlow(ctx, runID, initialState)
}

// StopFlow sets the soft stop flag. A running run additionally moves to
// stopping; nothing is signalled directly.
func (c *Controller) StopFlow(ctx context.Context, runID string) (*Run, error) {
	run, err := c.store.SetStopRequested(ctx, runID, true)
	if err != nil {
		return nil, err
	}
	if run.Status == StatusRunning {
		run, err = c.store.UpdateRunStatus(ctx, runID, StatusStopping, StatusUpdate{})
		if err != nil {
			return nil, err
		}
	}
	return run, nil
}

// ResumeFlow clears the stop flag and rewrites a paused run to running so a
// worker can pick it back up. Paused ticket-engine state is sanitised: the
// pause reason is dropped and the turn budget reset when the run previously
// failed on max_turns.
func (c *Controller) ResumeFlow(ctx context.Context, runID string) (*Run, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	run, err := c.store.SetStopRequested(ctx, runID, false)
	if err != nil {
		return nil, err
	}
	if run.Status != StatusPaused {
		return run, nil
	}

	state := sanitizeResumeState(run.State)
	empty := ""
	return c.store.UpdateRunStatus(ctx, runID, StatusRunning, StatusUpdate{
		State:        &state,
		ErrorMessage: &empty,
	})
}

func sanitizeResumeState(state map[string]any) map[string]any {
	engine, ok := state["ticket_engine"].(map[string]any)
	if !ok {
		return state
	}
	if code, _ := engine["reason_code"].(string); code == "max_turns" {
		engine["total_turns"] = 0
	}
	delete(engine, "reason")
	delete(engine, "reason_code")
	state["ticket_engine"] = engine
	return state
}

// GetStatus loads the current run record.
func (c *Controller) GetStatus(ctx context.Context, runID string) (*Run, error) {
	return c.store.GetRun(ctx, runID)
}

// ListRuns lists this flow type's runs, optionally filtered by status.
func (c *Controller) ListRuns(ctx context.Context, status Status) ([]*Run, error) {
	return c.store.ListRuns(ctx, c.def.FlowType, status)
}

// GetArtifacts lists a run's artifacts.
func (c *Controller) GetArtifacts(ctx context.Context, runID string) ([]*Artifact, error) {
	return c.store.GetArtifacts(ctx, runID)
}

// StreamEvents polls the store and sends events with seq > afterSeq in
// order. The channel closes once the run is terminal (or paused) and no
// further events are pending, or when ctx is cancelled.
func (c *Controller) StreamEvents(ctx context.Context, runID string, afterSeq int64) (<-chan *Event, error) {
	if _, err := c.store.GetRun(ctx, runID); err != nil {
		return nil, err
	}
	out := make(chan *Event)
	go func() {
		defer close(out)
		cursor := afterSeq
		for {
			events, err := c.store.GetEvents(ctx, runID, cursor, 0)
			if err != nil {
				c.logger.Error("stream events for %s: %v", runID, err)
				return
			}
			for _, ev := range events {
				select {
				case out <- ev:
					cursor = ev.Seq
				case <-ctx.Done():
					return
				}
			}
			run, err := c.store.GetRun(ctx, runID)
			if err != nil {
				return
			}
			if len(events) == 0 && (run.Status.Terminal() || run.Status == StatusPaused) {
				return
			}
			select {
			case <-time.After(streamPollInterval):
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}
