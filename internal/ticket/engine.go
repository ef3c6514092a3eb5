package ticket

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/google/uuid"

	"github.com/codex-autorunner/car/internal/agent"
	"github.com/codex-autorunner/car/internal/flow"
	"github.com/codex-autorunner/car/internal/logging"
	"github.com/codex-autorunner/car/internal/paths"
)

// FlowType is the canonical flow shipped with the system.
const FlowType = "ticket_flow"

// StepRunOneTurn is the engine's single self-re-entering step.
const StepRunOneTurn = "run_one_turn"

// Reason codes recorded in state.ticket_engine.reason_code.
const (
	ReasonMaxTurns      = "max_turns"
	ReasonAgentError    = "agent_error"
	ReasonMissingTicket = "missing_ticket"
	ReasonStopRequested = "stop_requested"
)

// AgentUser routes the turn to a human instead of a subprocess.
const AgentUser = "user"

// TurnRunner executes one agent turn. *agent.Client satisfies it.
type TurnRunner interface {
	RunTurn(ctx context.Context, turn agent.TurnRequest, onPart func(agent.TurnPart)) error
}

// AgentPool hands out turn runners per (agent id, workspace). Acquire
// pins the underlying handle; Release unpins it.
type AgentPool interface {
	Acquire(ctx context.Context, agentID, workspaceRoot string) (TurnRunner, error)
	Release(agentID, workspaceRoot string)
	Invalidate(agentID, workspaceRoot string)
}

// Config are the engine constants, validated on construction.
type Config struct {
	MaxTotalTurns     int
	MaxLintRetries    int
	AutoCommit        bool
	CheckpointMessage string
	Model             string
	Effort            string
	TurnTimeout       time.Duration
	MaxRequireBytes   int64
}

const (
	defaultMaxTotalTurns   = 25
	defaultTurnTimeout     = 15 * time.Minute
	defaultMaxRequireBytes = 256 * 1024
	defaultCheckpointMsg   = "checkpoint: {ticket} turn {turn}"
	dispatchPreviewLen     = 120
)

func (c Config) withDefaults() Config {
	if c.MaxTotalTurns <= 0 {
		c.MaxTotalTurns = defaultMaxTotalTurns
	}
	if c.TurnTimeout <= 0 {
		c.TurnTimeout = defaultTurnTimeout
	}
	if c.MaxRequireBytes <= 0 {
		c.MaxRequireBytes = defaultMaxRequireBytes
	}
	if strings.TrimSpace(c.CheckpointMessage) == "" {
		c.CheckpointMessage = defaultCheckpointMsg
	}
	return c
}

// DispatchHook observes every archived dispatch, letting the hub mirror
// it onto the lifecycle bus.
type DispatchHook func(runID string, seq int, d *Dispatch)

// Engine drives ordered tickets one agent turn at a time.
type Engine struct {
	repoRoot string
	cfg      Config
	store    *flow.Store
	agents   AgentPool
	hook     DispatchHook
	logger   logging.Logger
}

func NewEngine(repoRoot string, cfg Config, store *flow.Store, agents AgentPool, logger logging.Logger) (*Engine, error) {
	if strings.TrimSpace(repoRoot) == "" {
		return nil, fmt.Errorf("ticket engine: repo root is required")
	}
	if store == nil {
		return nil, fmt.Errorf("ticket engine: store is required")
	}
	return &Engine{
		repoRoot: repoRoot,
		cfg:      cfg.withDefaults(),
		store:    store,
		agents:   agents,
		logger:   logging.OrNop(logger),
	}, nil
}

func (e *Engine) SetDispatchHook(hook DispatchHook) { e.hook = hook }

// Definition exposes the engine as a flow definition.
func (e *Engine) Definition() *flow.Definition {
	return &flow.Definition{
		FlowType:    FlowType,
		InitialStep: StepRunOneTurn,
		Steps: map[string]flow.StepFn{
			StepRunOneTurn: e.runOneTurn,
		},
	}
}

// engineState mirrors state.ticket_engine.
type engineState struct {
	Status          string         `json:"status"`
	CurrentTicket   string         `json:"current_ticket,omitempty"`
	TotalTurns      int            `json:"total_turns"`
	TurnsByTicket   map[string]int `json:"turns_by_ticket,omitempty"`
	LastDispatchSeq int            `json:"last_dispatch_seq"`
	LastReplySeq    int            `json:"last_reply_seq,omitempty"`
	ReasonCode      string         `json:"reason_code,omitempty"`
	Reason          string         `json:"reason,omitempty"`
}

func loadEngineState(state map[string]any) engineState {
	st := engineState{Status: "running"}
	raw, ok := state["ticket_engine"].(map[string]any)
	if !ok {
		return st
	}
	if v, ok := raw["status"].(string); ok && v != "" {
		st.Status = v
	}
	st.CurrentTicket, _ = raw["current_ticket"].(string)
	st.TotalTurns = intFrom(raw["total_turns"])
	st.LastDispatchSeq = intFrom(raw["last_dispatch_seq"])
	st.LastReplySeq = intFrom(raw["last_reply_seq"])
	st.ReasonCode, _ = raw["reason_code"].(string)
	st.Reason, _ = raw["reason"].(string)
	if m, ok := raw["turns_by_ticket"].(map[string]any); ok {
		st.TurnsByTicket = make(map[string]int, len(m))
		for k, v := range m {
			st.TurnsByTicket[k] = intFrom(v)
		}
	}
	return st
}

func intFrom(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	default:
		return 0
	}
}

// patch serialises the engine state back into the run's state map.
func (st engineState) patch() map[string]any {
	m := map[string]any{
		"status":            st.Status,
		"total_turns":       st.TotalTurns,
		"last_dispatch_seq": st.LastDispatchSeq,
	}
	if st.CurrentTicket != "" {
		m["current_ticket"] = st.CurrentTicket
	}
	if st.LastReplySeq != 0 {
		m["last_reply_seq"] = st.LastReplySeq
	}
	if st.ReasonCode != "" {
		m["reason_code"] = st.ReasonCode
	}
	if st.Reason != "" {
		m["reason"] = st.Reason
	}
	if len(st.TurnsByTicket) > 0 {
		turns := make(map[string]any, len(st.TurnsByTicket))
		for k, v := range st.TurnsByTicket {
			turns[k] = v
		}
		m["turns_by_ticket"] = turns
	}
	return map[string]any{"ticket_engine": m}
}

func (st engineState) failPatch(code, reason string) map[string]any {
	st.Status = "failed"
	st.ReasonCode = code
	st.Reason = reason
	p := st.patch()
	p["failure"] = map[string]any{"reason_code": code, "reason": reason}
	return p
}

// runOneTurn is the whole ticket state machine: select, guard, resolve,
// dispatch, observe, decide, checkpoint. It re-enters itself until a
// terminal outcome.
func (e *Engine) runOneTurn(sc *flow.StepContext) (flow.StepOutcome, error) {
	workspaceRoot := sc.Run.WorkspaceRoot()
	if workspaceRoot == "" {
		workspaceRoot = e.repoRoot
	}
	st := loadEngineState(sc.State)
	runID := sc.Run.ID

	// Select ticket.
	docs, err := LoadDir(paths.TicketsDir(workspaceRoot))
	if err != nil {
		return flow.Fail(fmt.Sprintf("read tickets: %v", err), st.failPatch(ReasonMissingTicket, err.Error())), nil
	}
	var current *Doc
	for _, doc := range docs {
		if !doc.Done {
			current = doc
			break
		}
	}
	if current == nil {
		st.Status = "completed"
		st.CurrentTicket = ""
		return flow.Complete(st.patch()), nil
	}
	st.CurrentTicket = current.Name

	// Guard turns.
	if st.TotalTurns >= e.cfg.MaxTotalTurns {
		reason := fmt.Sprintf("turn budget exhausted (%d/%d)", st.TotalTurns, e.cfg.MaxTotalTurns)
		return flow.Fail(reason, st.failPatch(ReasonMaxTurns, reason)), nil
	}

	// Resolve agent. A "user" ticket immediately asks the operator for
	// direction instead of spawning anything.
	if current.Agent == AgentUser {
		return e.pauseForUser(sc, &st, current)
	}

	prompt, err := e.buildPrompt(workspaceRoot, runID, current, &st)
	if err != nil {
		return flow.Fail(err.Error(), st.failPatch(ReasonMissingTicket, err.Error())), nil
	}

	if err := e.runAgentTurn(sc, &st, current, workspaceRoot, prompt); err != nil {
		code := ReasonAgentError
		reason := err.Error()
		if errors.Is(err, agent.ErrTurnTimeout) {
			reason = "turn_timeout: " + reason
		}
		return flow.Fail(reason, st.failPatch(code, reason)), nil
	}

	st.TotalTurns++
	if st.TurnsByTicket == nil {
		st.TurnsByTicket = map[string]int{}
	}
	st.TurnsByTicket[current.Name]++

	// Stop requested mid-step: finish the in-flight RPC (already done),
	// skip dispatch archival, hand control back.
	if sc.ShouldStop() {
		st.Status = "paused"
		st.ReasonCode = ReasonStopRequested
		return flow.Stop("stop requested", st.patch()), nil
	}

	// Observe dispatch.
	dispatch, dispatchSeq, err := e.observeDispatch(sc, &st, workspaceRoot, runID)
	if err != nil {
		return flow.Fail(err.Error(), st.failPatch(ReasonAgentError, err.Error())), nil
	}

	// Reload the ticket; the agent may have flipped done.
	reloaded, err := Load(current.Path)
	if err != nil {
		reason := fmt.Sprintf("reread ticket %s: %v", current.Name, err)
		return flow.Fail(reason, st.failPatch(ReasonMissingTicket, reason)), nil
	}

	// Decide next.
	switch {
	case dispatch != nil && dispatch.Mode == ModePause:
		st.Status = "paused"
		st.Reason = "Reason: " + dispatch.Summary(dispatchPreviewLen)
		e.logger.Info("run %s paused by dispatch seq %d", runID, dispatchSeq)
		return flow.Pause(st.Reason, st.patch()), nil
	case reloaded.Done:
		e.checkpoint(sc.Context, workspaceRoot, current.Name, st.TotalTurns)
		e.logger.Info("run %s finished ticket %s", runID, current.Name)
		st.Status = "running"
		return flow.Continue(StepRunOneTurn, st.patch()), nil
	case dispatch == nil:
		reason := fmt.Sprintf("ticket %s: agent produced no dispatch and made no progress", current.Name)
		return flow.Fail(reason, st.failPatch(ReasonAgentError, reason)), nil
	default:
		e.checkpoint(sc.Context, workspaceRoot, current.Name, st.TotalTurns)
		st.Status = "running"
		return flow.Continue(StepRunOneTurn, st.patch()), nil
	}
}

// pauseForUser writes and archives a pause dispatch for a user ticket.
func (e *Engine) pauseForUser(sc *flow.StepContext, st *engineState, doc *Doc) (flow.StepOutcome, error) {
	workspaceRoot := sc.Run.WorkspaceRoot()
	if workspaceRoot == "" {
		workspaceRoot = e.repoRoot
	}
	title := doc.Title
	if title == "" {
		title = doc.Name
	}
	d := &Dispatch{
		Mode:  ModePause,
		Title: "Operator direction needed: " + title,
		Body:  doc.Body,
	}
	if err := WriteDispatch(workspaceRoot, sc.Run.ID, d); err != nil {
		return flow.Fail(err.Error(), st.failPatch(ReasonAgentError, err.Error())), nil
	}
	if _, _, err := e.observeDispatch(sc, st, workspaceRoot, sc.Run.ID); err != nil {
		return flow.Fail(err.Error(), st.failPatch(ReasonAgentError, err.Error())), nil
	}
	st.Status = "paused"
	st.Reason = "Reason: " + d.Summary(dispatchPreviewLen)
	return flow.Pause(st.Reason, st.patch()), nil
}

// buildPrompt concatenates the ticket body, required files, and any
// unconsumed operator reply.
func (e *Engine) buildPrompt(workspaceRoot, runID string, doc *Doc, st *engineState) (string, error) {
	var sb strings.Builder
	sb.WriteString(doc.Body)

	for _, pattern := range doc.Requires {
		matches, err := doublestar.Glob(os.DirFS(workspaceRoot), pattern)
		if err != nil {
			return "", fmt.Errorf("requires %q: %w", pattern, err)
		}
		if len(matches) == 0 {
			return "", fmt.Errorf("requires %q: no matching files", pattern)
		}
		for _, rel := range matches {
			content, err := e.readRequire(workspaceRoot, rel)
			if err != nil {
				return "", err
			}
			fmt.Fprintf(&sb, "\n\n--- required file: %s ---\n%s", rel, content)
		}
	}

	if reply, ok := LatestReply(workspaceRoot, runID); ok && reply.Seq > st.LastReplySeq {
		fmt.Fprintf(&sb, "\n\n## Operator reply\n%s", strings.TrimSpace(reply.Body))
		st.LastReplySeq = reply.Seq
		if reply.Seq > st.LastDispatchSeq {
			st.LastDispatchSeq = reply.Seq
		}
	}
	return sb.String(), nil
}

func (e *Engine) readRequire(workspaceRoot, rel string) (string, error) {
	path := filepath.Join(workspaceRoot, filepath.FromSlash(rel))
	info, err := os.Stat(path)
	if err != nil {
		return "", fmt.Errorf("requires %s: %w", rel, err)
	}
	if info.IsDir() {
		return "", fmt.Errorf("requires %s: is a directory", rel)
	}
	if info.Size() > e.cfg.MaxRequireBytes {
		return "", fmt.Errorf("requires %s: %d bytes exceeds limit %d", rel, info.Size(), e.cfg.MaxRequireBytes)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("requires %s: %w", rel, err)
	}
	if bytes.IndexByte(data, 0) >= 0 {
		return "", fmt.Errorf("requires %s: binary file refused", rel)
	}
	return string(data), nil
}

// runAgentTurn acquires a client and streams one turn, retrying once on a
// mid-turn disconnect.
func (e *Engine) runAgentTurn(sc *flow.StepContext, st *engineState, doc *Doc, workspaceRoot, prompt string) error {
	if e.agents == nil {
		return fmt.Errorf("agent %q: no agent pool configured", doc.Agent)
	}
	turn := agent.TurnRequest{
		WorkspaceRoot: workspaceRoot,
		Prompt:        prompt,
		Model:         e.cfg.Model,
		Effort:        e.cfg.Effort,
	}
	onPart := func(p agent.TurnPart) {
		data := map[string]any{"part_type": p.Type}
		if len(p.Data) > 0 {
			data["data"] = p.Data
		}
		if _, err := e.store.CreateEvent(sc.Context, uuid.NewString(), sc.Run.ID, flow.EventAppServer, data); err != nil {
			e.logger.Warn("record part event for run %s: %v", sc.Run.ID, err)
		}
	}

	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		runner, err := e.agents.Acquire(sc.Context, doc.Agent, workspaceRoot)
		if err != nil {
			return fmt.Errorf("agent %q: %w", doc.Agent, err)
		}
		turnCtx, cancel := context.WithTimeout(sc.Context, e.cfg.TurnTimeout)
		err = runner.RunTurn(turnCtx, turn, onPart)
		cancel()
		e.agents.Release(doc.Agent, workspaceRoot)
		if err == nil {
			return nil
		}
		lastErr = err
		if !errors.Is(err, agent.ErrDisconnected) {
			return err
		}
		// The agent died mid-turn; reattach via the supervisor and retry
		// once.
		e.logger.Warn("agent %q disconnected mid-turn (attempt %d): %v", doc.Agent, attempt+1, err)
		e.agents.Invalidate(doc.Agent, workspaceRoot)
	}
	return lastErr
}

// observeDispatch archives a pending DISPATCH.md, bumps the seq, and
// emits dispatch_created. Returns (nil, 0, nil) when nothing is pending.
func (e *Engine) observeDispatch(sc *flow.StepContext, st *engineState, workspaceRoot, runID string) (*Dispatch, int, error) {
	if !HasPendingDispatch(workspaceRoot, runID) {
		return nil, 0, nil
	}
	dispatch, err := ReadPendingDispatch(workspaceRoot, runID)
	if err != nil {
		return nil, 0, fmt.Errorf("dispatch for run %s: %w", runID, err)
	}
	seq := NextDispatchSeq(workspaceRoot, runID)
	if err := ArchiveDispatch(workspaceRoot, runID, seq); err != nil {
		return nil, 0, err
	}
	st.LastDispatchSeq = seq

	data := map[string]any{
		"seq":     seq,
		"mode":    dispatch.Mode,
		"summary": dispatch.Summary(dispatchPreviewLen),
	}
	if dispatch.Title != "" {
		data["title"] = dispatch.Title
	}
	if _, err := e.store.CreateEvent(sc.Context, uuid.NewString(), runID, flow.EventDispatchCreated, data); err != nil {
		e.logger.Warn("record dispatch event for run %s: %v", runID, err)
	}
	if e.hook != nil {
		e.hook(runID, seq, dispatch)
	}
	return dispatch, seq, nil
}

// checkpoint commits the workspace when auto_commit is on. Best-effort:
// failures are warnings, never fatal.
func (e *Engine) checkpoint(ctx context.Context, workspaceRoot, ticketName string, turn int) {
	if !e.cfg.AutoCommit {
		return
	}
	msg := strings.NewReplacer(
		"{ticket}", ticketName,
		"{turn}", fmt.Sprintf("%d", turn),
	).Replace(e.cfg.CheckpointMessage)

	add := exec.CommandContext(ctx, "git", "add", "-A")
	add.Dir = workspaceRoot
	if out, err := add.CombinedOutput(); err != nil {
		e.logger.Warn("checkpoint git add: %v: %s", err, strings.TrimSpace(string(out)))
		return
	}
	commit := exec.CommandContext(ctx, "git", "commit", "-m", msg)
	commit.Dir = workspaceRoot
	if out, err := commit.CombinedOutput(); err != nil {
		e.logger.Warn("checkpoint git commit: %v: %s", err, strings.TrimSpace(string(out)))
	}
}
