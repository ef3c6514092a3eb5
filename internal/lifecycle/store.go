// Package lifecycle is the append-only event bus between flow transitions
// and the human-facing inbox. One JSON file per hub, guarded by a sidecar
// lock, with terminal events deduplicated by transition token.
package lifecycle

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/codex-autorunner/car/internal/fsio"
	"github.com/codex-autorunner/car/internal/logging"
	"github.com/codex-autorunner/car/internal/paths"
)

// Event is one lifecycle observation.
type Event struct {
	EventID   string         `json:"event_id"`
	EventType string         `json:"event_type"`
	RepoID    string         `json:"repo_id"`
	RunID     string         `json:"run_id"`
	Data      map[string]any `json:"data,omitempty"`
	Origin    string         `json:"origin,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Processed bool           `json:"processed"`

	// Dedup bookkeeping, present only on terminal events that were
	// re-emitted.
	DuplicateCount int        `json:"duplicate_count,omitempty"`
	FirstSeenAt    *time.Time `json:"first_seen_at,omitempty"`
	LastSeenAt     *time.Time `json:"last_seen_at,omitempty"`
}

// Terminal flow event types subject to dedup.
func isTerminalEventType(eventType string) bool {
	switch eventType {
	case "flow_completed", "flow_failed", "flow_stopped":
		return true
	default:
		return false
	}
}

func (e Event) transitionToken() string {
	if e.Data == nil {
		return ""
	}
	tok, _ := e.Data["transition_token"].(string)
	return tok
}

func (e Event) dedupKey() string {
	return strings.Join([]string{e.EventType, e.RepoID, e.RunID, e.transitionToken()}, "\x00")
}

// EmitResult reports what Emit did.
type EmitResult struct {
	EventID string
	Deduped bool
}

// Store is the hub-scoped lifecycle event file.
type Store struct {
	path     string
	lockPath string
	logger   logging.Logger
}

func NewStore(hubRoot string, logger logging.Logger) *Store {
	return &Store{
		path:     paths.LifecycleEvents(hubRoot),
		lockPath: paths.LifecycleEventsLock(hubRoot),
		logger:   logging.OrNop(logger),
	}
}

func (s *Store) load() ([]Event, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var events []Event
	if err := json.Unmarshal(data, &events); err != nil {
		return nil, fmt.Errorf("parse %s: %w", s.path, err)
	}
	return events, nil
}

func (s *Store) save(events []Event) error {
	if events == nil {
		events = []Event{}
	}
	return fsio.WriteJSONAtomic(s.path, events)
}

// Emit appends the event, collapsing re-emits of terminal flow events
// onto the original entry.
func (s *Store) Emit(ev Event) (EmitResult, error) {
	var result EmitResult
	err := fsio.WithLock(s.lockPath, func() error {
		events, err := s.load()
		if err != nil {
			return err
		}
		if isTerminalEventType(ev.EventType) {
			key := ev.dedupKey()
			for i := range events {
				if !isTerminalEventType(events[i].EventType) || events[i].dedupKey() != key {
					continue
				}
				now := time.Now().UTC()
				events[i].DuplicateCount++
				if events[i].FirstSeenAt == nil {
					first := events[i].Timestamp
					events[i].FirstSeenAt = &first
				}
				events[i].LastSeenAt = &now
				result = EmitResult{EventID: events[i].EventID, Deduped: true}
				return s.save(events)
			}
		}
		if ev.EventID == "" {
			ev.EventID = uuid.NewString()
		}
		if ev.Timestamp.IsZero() {
			ev.Timestamp = time.Now().UTC()
		}
		events = append(events, ev)
		result = EmitResult{EventID: ev.EventID}
		return s.save(events)
	})
	return result, err
}

// Load returns every event in file (append) order.
func (s *Store) Load() ([]Event, error) {
	var events []Event
	err := fsio.WithLock(s.lockPath, func() error {
		var err error
		events, err = s.load()
		return err
	})
	return events, err
}

// MarkProcessed flags one event as consumed.
func (s *Store) MarkProcessed(eventID string) error {
	return fsio.WithLock(s.lockPath, func() error {
		events, err := s.load()
		if err != nil {
			return err
		}
		for i := range events {
			if events[i].EventID == eventID {
				events[i].Processed = true
				return s.save(events)
			}
		}
		return fmt.Errorf("lifecycle event %s not found", eventID)
	})
}

// GetUnprocessed returns at most limit unprocessed events in file order.
// limit <= 0 means no limit.
func (s *Store) GetUnprocessed(limit int) ([]Event, error) {
	all, err := s.Load()
	if err != nil {
		return nil, err
	}
	var out []Event
	for _, ev := range all {
		if ev.Processed {
			continue
		}
		out = append(out, ev)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// PruneProcessed drops processed events, keeping the trailing keepLast of
// them. Unprocessed events are always retained. Returns the number
// removed.
func (s *Store) PruneProcessed(keepLast int) (int, error) {
	removed := 0
	err := fsio.WithLock(s.lockPath, func() error {
		events, err := s.load()
		if err != nil {
			return err
		}
		processed := 0
		for _, ev := range events {
			if ev.Processed {
				processed++
			}
		}
		drop := processed - keepLast
		if drop <= 0 {
			return nil
		}
		kept := make([]Event, 0, len(events)-drop)
		for _, ev := range events {
			if ev.Processed && drop > 0 {
				drop--
				removed++
				continue
			}
			kept = append(kept, ev)
		}
		return s.save(kept)
	})
	return removed, err
}
