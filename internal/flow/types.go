package flow

import (
	"strings"
	"time"
)

// Status is the lifecycle state of a flow run.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusPaused    Status = "paused"
	StatusStopping  Status = "stopping"
	StatusStopped   Status = "stopped"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Terminal reports whether the status never transitions again.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusStopped:
		return true
	default:
		return false
	}
}

// Resumable reports whether run_flow accepts a run in this status.
func (s Status) Resumable() bool {
	switch s {
	case StatusPending, StatusPaused, StatusStopped, StatusFailed:
		return true
	default:
		return false
	}
}

// EventType enumerates the append-only observations tied to a run.
type EventType string

const (
	EventFlowStarted     EventType = "flow_started"
	EventStepStarted     EventType = "step_started"
	EventStepCompleted   EventType = "step_completed"
	EventFlowPaused      EventType = "flow_paused"
	EventFlowStopping    EventType = "flow_stopping"
	EventFlowCompleted   EventType = "flow_completed"
	EventFlowFailed      EventType = "flow_failed"
	EventFlowStopped     EventType = "flow_stopped"
	EventAppServer       EventType = "app_server_event"
	EventDispatchCreated EventType = "dispatch_created"
)

// Run is the execution instance of a flow.
type Run struct {
	ID            string
	FlowType      string
	Status        Status
	CurrentStep   string
	InputData     map[string]any
	State         map[string]any
	Metadata      map[string]any
	ErrorMessage  string
	CreatedAt     time.Time
	StartedAt     time.Time
	FinishedAt    time.Time
	StopRequested bool
}

// WorkspaceRoot returns the workspace recorded in the run's input data.
func (r *Run) WorkspaceRoot() string {
	if r == nil {
		return ""
	}
	v, _ := r.InputData["workspace_root"].(string)
	return strings.TrimSpace(v)
}

// Event is one append-only observation for a run. (RunID, Seq) is unique
// and Seq is gap-free per run.
type Event struct {
	ID        string
	RunID     string
	Seq       int64
	Type      EventType
	Data      map[string]any
	CreatedAt time.Time
}

// Artifact is a file reference produced by a run.
type Artifact struct {
	ID        string
	RunID     string
	Kind      string
	Path      string
	Metadata  map[string]any
	CreatedAt time.Time
}

// Artifact kinds with singleton semantics per run.
const (
	ArtifactWorkerCrash  = "worker_crash"
	ArtifactChatInbound  = "chat_inbound"
	ArtifactChatOutbound = "chat_outbound"
)
