package lifecycle

import (
	"github.com/codex-autorunner/car/internal/flow"
	"github.com/codex-autorunner/car/internal/logging"
)

// FlowNotifier mirrors flow transitions onto the lifecycle bus. The bus
// is best-effort: I/O errors are logged and swallowed because the flow
// store stays authoritative.
type FlowNotifier struct {
	store  *Store
	repoID string
	origin string
	logger logging.Logger
}

func NewFlowNotifier(store *Store, repoID, origin string, logger logging.Logger) *FlowNotifier {
	return &FlowNotifier{store: store, repoID: repoID, origin: origin, logger: logging.OrNop(logger)}
}

func (n *FlowNotifier) FlowTransition(runID string, eventType flow.EventType, data map[string]any) {
	res, err := n.store.Emit(Event{
		EventType: string(eventType),
		RepoID:    n.repoID,
		RunID:     runID,
		Data:      data,
		Origin:    n.origin,
	})
	if err != nil {
		n.logger.Warn("emit lifecycle %s for run %s: %v", eventType, runID, err)
		return
	}
	if res.Deduped {
		n.logger.Debug("lifecycle %s for run %s deduped onto %s", eventType, runID, res.EventID)
	}
}
