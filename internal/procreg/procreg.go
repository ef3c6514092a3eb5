// Package procreg persists enough about every subprocess the hub starts to
// terminate it after a restart. Each subprocess is registered twice: once
// under its logical key (workspace id) and once under its pid, so pid-only
// cleanup works even when the logical key is unknown.
package procreg

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/codex-autorunner/car/internal/fsio"
	"github.com/codex-autorunner/car/internal/paths"
	"github.com/codex-autorunner/car/internal/procutil"
)

// Record describes one supervised subprocess on disk.
type Record struct {
	Kind        string            `json:"kind"`
	WorkspaceID string            `json:"workspace_id"`
	PID         int               `json:"pid"`
	PGID        int               `json:"pgid,omitempty"`
	BaseURL     string            `json:"base_url,omitempty"`
	Command     []string          `json:"command,omitempty"`
	OwnerPID    int               `json:"owner_pid"`
	StartedAt   time.Time         `json:"started_at"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// ErrNotFound is returned when no record exists for a key.
var ErrNotFound = errors.New("process record not found")

// Registry is a file-backed process registry rooted at one repo.
type Registry struct {
	repoRoot string
}

func New(repoRoot string) *Registry {
	return &Registry{repoRoot: repoRoot}
}

func (r *Registry) dir() string      { return paths.ProcRegistryDir(r.repoRoot) }
func (r *Registry) lockPath() string { return paths.ProcRegistryLock(r.repoRoot) }

func (r *Registry) recordPath(kind, key string) string {
	return filepath.Join(r.dir(), sanitizeKey(kind), sanitizeKey(key)+".json")
}

// Write registers rec under both its workspace id and its pid.
func (r *Registry) Write(rec Record) error {
	if rec.Kind == "" || rec.WorkspaceID == "" || rec.PID <= 0 {
		return fmt.Errorf("process record needs kind, workspace_id and pid: %+v", rec)
	}
	return fsio.WithLock(r.lockPath(), func() error {
		if err := fsio.WriteJSONAtomic(r.recordPath(rec.Kind, rec.WorkspaceID), rec); err != nil {
			return err
		}
		return fsio.WriteJSONAtomic(r.recordPath(rec.Kind, strconv.Itoa(rec.PID)), rec)
	})
}

// Read returns the record stored under (kind, key). key is either a
// workspace id or a pid rendered as a string.
func (r *Registry) Read(kind, key string) (Record, error) {
	b, err := os.ReadFile(r.recordPath(kind, key))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Record{}, fmt.Errorf("%s/%s: %w", kind, key, ErrNotFound)
		}
		return Record{}, err
	}
	var rec Record
	if err := json.Unmarshal(b, &rec); err != nil {
		return Record{}, fmt.Errorf("decode %s record %s: %w", kind, key, err)
	}
	return rec, nil
}

// Delete removes both records for the subprocess described by rec. Missing
// files are not an error.
func (r *Registry) Delete(rec Record) error {
	return fsio.WithLock(r.lockPath(), func() error {
		removeQuiet(r.recordPath(rec.Kind, rec.WorkspaceID))
		if rec.PID > 0 {
			removeQuiet(r.recordPath(rec.Kind, strconv.Itoa(rec.PID)))
		}
		return nil
	})
}

// Terminate shuts the recorded subprocess down (group first, then pid) and
// removes its records. Returns true when the process is gone.
func (r *Registry) Terminate(rec Record, grace time.Duration) bool {
	ok := procutil.Terminate(procutil.TerminateTarget{PID: rec.PID, PGID: rec.PGID}, grace)
	if ok {
		_ = r.Delete(rec)
	}
	return ok
}

// Reap walks every record and removes those whose pid is no longer alive.
// Returns the number of stale records removed.
func (r *Registry) Reap() (int, error) {
	removed := 0
	err := fsio.WithLock(r.lockPath(), func() error {
		kinds, err := os.ReadDir(r.dir())
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return nil
			}
			return err
		}
		for _, kd := range kinds {
			if !kd.IsDir() {
				continue
			}
			kindDir := filepath.Join(r.dir(), kd.Name())
			entries, err := os.ReadDir(kindDir)
			if err != nil {
				continue
			}
			for _, e := range entries {
				if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
					continue
				}
				path := filepath.Join(kindDir, e.Name())
				b, err := os.ReadFile(path)
				if err != nil {
					continue
				}
				var rec Record
				if err := json.Unmarshal(b, &rec); err != nil {
					// Unreadable records cannot be acted on; drop them.
					removeQuiet(path)
					removed++
					continue
				}
				if !procutil.PIDAlive(rec.PID) {
					removeQuiet(path)
					removed++
				}
			}
		}
		return nil
	})
	return removed, err
}

func removeQuiet(path string) {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return
	}
}

func sanitizeKey(key string) string {
	key = strings.TrimSpace(key)
	var b strings.Builder
	for _, r := range key {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	if b.Len() == 0 {
		return "_"
	}
	return b.String()
}
