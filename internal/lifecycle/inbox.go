package lifecycle

import (
	"context"
	"encoding/json"
	"os"
	"sort"
	"time"

	"github.com/codex-autorunner/car/internal/flow"
	"github.com/codex-autorunner/car/internal/fsio"
	"github.com/codex-autorunner/car/internal/paths"
	"github.com/codex-autorunner/car/internal/ticket"
)

// Inbox item types.
const (
	ItemRunDispatch       = "run_dispatch"
	ItemRunStateAttention = "run_state_attention"
	ItemRunFailed         = "run_failed"
	ItemRunStopped        = "run_stopped"
)

// InboxItem is one attention entry surfaced to operators.
type InboxItem struct {
	RepoID      string      `json:"repo_id"`
	RunID       string      `json:"run_id"`
	ItemType    string      `json:"item_type"`
	Status      flow.Status `json:"status"`
	DispatchSeq int         `json:"dispatch_seq,omitempty"`
	Mode        string      `json:"mode,omitempty"`
	Summary     string      `json:"summary,omitempty"`
	Replied     bool        `json:"replied"`
	CreatedAt   time.Time   `json:"created_at"`
}

// Dismissal is one recorded resolve action in the per-repo file.
type Dismissal struct {
	RunID       string    `json:"run_id"`
	ItemType    string    `json:"item_type,omitempty"`
	Seq         int       `json:"seq,omitempty"`
	Reason      string    `json:"reason,omitempty"`
	DismissedAt time.Time `json:"dismissed_at"`
}

// Dismiss records a resolve action so future inbox listings exclude the
// item.
func Dismiss(repoRoot string, d Dismissal) error {
	if d.DismissedAt.IsZero() {
		d.DismissedAt = time.Now().UTC()
	}
	// Read-modify-write under the sidecar lock so concurrent resolvers
	// never drop each other's entries.
	return fsio.WithLock(paths.DismissalsLock(repoRoot), func() error {
		existing := loadDismissals(repoRoot)
		return fsio.WriteJSONAtomic(paths.DismissalsFile(repoRoot), append(existing, d))
	})
}

func loadDismissals(repoRoot string) []Dismissal {
	data, err := os.ReadFile(paths.DismissalsFile(repoRoot))
	if err != nil {
		return nil
	}
	var out []Dismissal
	if err := json.Unmarshal(data, &out); err != nil {
		return nil
	}
	return out
}

func dismissed(dismissals []Dismissal, item InboxItem) bool {
	for _, d := range dismissals {
		if d.RunID != item.RunID {
			continue
		}
		if d.ItemType != "" && d.ItemType != item.ItemType {
			continue
		}
		if d.Seq != 0 && d.Seq != item.DispatchSeq {
			continue
		}
		return true
	}
	return false
}

// latestDispatch picks the run's most relevant archived dispatch:
// highest-seq pause, else highest non-turn_summary, else highest
// turn_summary.
func latestDispatch(repoRoot, runID string) (ticket.ArchivedDispatch, bool) {
	archived := ticket.ListArchivedDispatches(repoRoot, runID)
	if len(archived) == 0 {
		return ticket.ArchivedDispatch{}, false
	}
	var pause, nonSummary, summary *ticket.ArchivedDispatch
	for i := range archived {
		entry := &archived[i]
		switch entry.Dispatch.Mode {
		case ticket.ModePause:
			pause = entry
		case ticket.ModeTurnSummary:
			summary = entry
		default:
			nonSummary = entry
		}
	}
	switch {
	case pause != nil:
		return *pause, true
	case nonSummary != nil:
		return *nonSummary, true
	default:
		return *summary, true
	}
}

// InboxForRepo projects one repo's attention items: every ticket_flow run
// not completed and not dismissed, newest first.
func InboxForRepo(ctx context.Context, repoID, repoRoot string, store *flow.Store) ([]InboxItem, error) {
	runs, err := store.ListRuns(ctx, ticket.FlowType, "")
	if err != nil {
		return nil, err
	}
	dismissals := loadDismissals(repoRoot)

	var items []InboxItem
	for _, run := range runs {
		if run.Status == flow.StatusCompleted {
			continue
		}
		item := InboxItem{
			RepoID:    repoID,
			RunID:     run.ID,
			Status:    run.Status,
			CreatedAt: run.CreatedAt,
		}
		if latest, ok := latestDispatch(repoRoot, run.ID); ok {
			item.DispatchSeq = latest.Seq
			item.Mode = latest.Dispatch.Mode
			item.Summary = latest.Dispatch.Summary(120)
			item.Replied = ticket.MaxReplySeq(repoRoot, run.ID) >= latest.Seq
		}

		switch {
		case item.DispatchSeq > 0 && !item.Replied:
			item.ItemType = ItemRunDispatch
		case run.Status == flow.StatusFailed:
			item.ItemType = ItemRunFailed
		case run.Status == flow.StatusStopped:
			item.ItemType = ItemRunStopped
		default:
			item.ItemType = ItemRunStateAttention
		}

		if dismissed(dismissals, item) {
			continue
		}
		items = append(items, item)
	}
	sort.SliceStable(items, func(i, j int) bool { return items[i].CreatedAt.After(items[j].CreatedAt) })
	return items, nil
}

// RepoRef identifies one repo managed by the hub.
type RepoRef struct {
	ID   string
	Root string
}

// ProjectInbox merges inbox items across repos, newest first. storeFor
// opens (or returns a cached) flow store per repo.
func ProjectInbox(ctx context.Context, repos []RepoRef, storeFor func(RepoRef) (*flow.Store, error)) ([]InboxItem, error) {
	var merged []InboxItem
	for _, repo := range repos {
		store, err := storeFor(repo)
		if err != nil {
			return nil, err
		}
		items, err := InboxForRepo(ctx, repo.ID, repo.Root, store)
		if err != nil {
			return nil, err
		}
		merged = append(merged, items...)
	}
	sort.SliceStable(merged, func(i, j int) bool { return merged[i].CreatedAt.After(merged[j].CreatedAt) })
	return merged, nil
}
