package flow

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/codex-autorunner/car/internal/sqlitedb"
)

// ErrRunNotFound is returned by lookups for unknown run ids.
var ErrRunNotFound = errors.New("flow run not found")

// StoreError wraps DB constraint and I/O failures from the flow store.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string { return fmt.Sprintf("flow store %s: %v", e.Op, e.Err) }
func (e *StoreError) Unwrap() error { return e.Err }

func storeErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return &StoreError{Op: op, Err: err}
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS flow_runs (
		run_id         TEXT PRIMARY KEY,
		flow_type      TEXT NOT NULL,
		status         TEXT NOT NULL,
		current_step   TEXT NOT NULL DEFAULT '',
		input_data_json TEXT NOT NULL DEFAULT '{}',
		state_json     TEXT NOT NULL DEFAULT '{}',
		metadata_json  TEXT NOT NULL DEFAULT '{}',
		error_message  TEXT,
		created_at     TEXT NOT NULL,
		started_at     TEXT,
		finished_at    TEXT,
		stop_requested INTEGER NOT NULL DEFAULT 0
	)`,
	`CREATE TABLE IF NOT EXISTS flow_events (
		event_id   TEXT PRIMARY KEY,
		run_id     TEXT NOT NULL REFERENCES flow_runs(run_id) ON DELETE CASCADE,
		seq        INTEGER NOT NULL,
		event_type TEXT NOT NULL,
		data_json  TEXT NOT NULL DEFAULT '{}',
		created_at TEXT NOT NULL,
		UNIQUE(run_id, seq)
	)`,
	`CREATE TABLE IF NOT EXISTS flow_artifacts (
		artifact_id   TEXT PRIMARY KEY,
		run_id        TEXT NOT NULL REFERENCES flow_runs(run_id) ON DELETE CASCADE,
		kind          TEXT NOT NULL,
		path          TEXT NOT NULL,
		metadata_json TEXT NOT NULL DEFAULT '{}',
		created_at    TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_flow_events_run ON flow_events(run_id, seq)`,
	`CREATE INDEX IF NOT EXISTS idx_flow_runs_type_status ON flow_runs(flow_type, status)`,
}

// Store is the typed wrapper over flows.db. It is the only component that
// mutates flow_runs/flow_events/flow_artifacts rows.
type Store struct {
	db *sql.DB

	// statusGuardHook runs between the terminal guard read and the
	// conditional status update. Tests interleave writers here.
	statusGuardHook func()
}

// OpenStore opens (and migrates) the flow store at dbPath.
func OpenStore(ctx context.Context, dbPath string, opts sqlitedb.Options) (*Store, error) {
	db, err := sqlitedb.Open(dbPath, opts)
	if err != nil {
		return nil, storeErr("open", err)
	}
	if err := sqlitedb.Migrate(ctx, db, schema); err != nil {
		_ = db.Close()
		return nil, storeErr("migrate", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// CreateRunParams carries the optional fields of CreateRun.
type CreateRunParams struct {
	Metadata    map[string]any
	State       map[string]any
	CurrentStep string
}

// CreateRun inserts a run in status pending.
func (s *Store) CreateRun(ctx context.Context, runID, flowType string, inputData map[string]any, p CreateRunParams) (*Run, error) {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO flow_runs (run_id, flow_type, status, current_step, input_data_json, state_json, metadata_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		runID, flowType, string(StatusPending), p.CurrentStep,
		mustJSON(inputData), mustJSON(p.State), mustJSON(p.Metadata), formatTime(now),
	)
	if err != nil {
		return nil, storeErr("create run", err)
	}
	return s.GetRun(ctx, runID)
}

// GetRun loads one run.
func (s *Store) GetRun(ctx context.Context, runID string) (*Run, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT run_id, flow_type, status, current_step, input_data_json, state_json,
		       metadata_json, error_message, created_at, started_at, finished_at, stop_requested
		FROM flow_runs WHERE run_id = ?`, runID)
	run, err := scanRun(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%s: %w", runID, ErrRunNotFound)
		}
		return nil, storeErr("get run", err)
	}
	return run, nil
}

// ListRuns returns runs matching the optional flowType and status filters,
// newest first.
func (s *Store) ListRuns(ctx context.Context, flowType string, status Status) ([]*Run, error) {
	query := `
		SELECT run_id, flow_type, status, current_step, input_data_json, state_json,
		       metadata_json, error_message, created_at, started_at, finished_at, stop_requested
		FROM flow_runs WHERE 1=1`
	var args []any
	if flowType != "" {
		query += ` AND flow_type = ?`
		args = append(args, flowType)
	}
	if status != "" {
		query += ` AND status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY created_at DESC, run_id DESC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storeErr("list runs", err)
	}
	defer func() { _ = rows.Close() }()

	var runs []*Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, storeErr("list runs", err)
		}
		runs = append(runs, run)
	}
	return runs, storeErr("list runs", rows.Err())
}

// DeleteRun removes a run and (via cascade) its events and artifacts.
func (s *Store) DeleteRun(ctx context.Context, runID string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM flow_runs WHERE run_id = ?`, runID)
	if err != nil {
		return false, storeErr("delete run", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// StatusUpdate carries the optional columns of UpdateRunStatus. Nil pointer
// means "preserve the existing value"; a pointer to the zero value writes an
// explicit empty/NULL.
type StatusUpdate struct {
	State        *map[string]any
	FinishedAt   *time.Time
	ErrorMessage *string
}

// UpdateRunStatus transitions a run's status and optionally rewrites state,
// finished_at and error_message. Moving to a terminal status with no explicit
// FinishedAt stamps UTC-now. Terminal-to-terminal transitions are idempotent
// no-ops returning the stored run unchanged.
func (s *Store) UpdateRunStatus(ctx context.Context, runID string, status Status, upd StatusUpdate) (*Run, error) {
	run, err := s.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if run.Status.Terminal() {
		return run, nil
	}

	set := `status = ?`
	args := []any{string(status)}

	if upd.State != nil {
		set += `, state_json = ?`
		args = append(args, mustJSON(*upd.State))
	}
	switch {
	case upd.FinishedAt != nil && upd.FinishedAt.IsZero():
		set += `, finished_at = NULL`
	case upd.FinishedAt != nil:
		set += `, finished_at = ?`
		args = append(args, formatTime(*upd.FinishedAt))
	case status.Terminal():
		set += `, finished_at = ?`
		args = append(args, formatTime(time.Now().UTC()))
	}
	if upd.ErrorMessage != nil {
		if *upd.ErrorMessage == "" {
			set += `, error_message = NULL`
		} else {
			set += `, error_message = ?`
			args = append(args, *upd.ErrorMessage)
		}
	}
	if status == StatusRunning && run.StartedAt.IsZero() {
		set += `, started_at = ?`
		args = append(args, formatTime(time.Now().UTC()))
	}

	if s.statusGuardHook != nil {
		s.statusGuardHook()
	}

	// The guard repeats inside the statement: a terminal write landing
	// after the read above leaves the row untouched.
	args = append(args, runID)
	if _, err := s.db.ExecContext(ctx,
		`UPDATE flow_runs SET `+set+` WHERE run_id = ? AND status NOT IN ('completed', 'failed', 'stopped')`,
		args...); err != nil {
		return nil, storeErr("update status", err)
	}
	return s.GetRun(ctx, runID)
}

// UpdateCurrentStep persists the runtime's step cursor and state.
func (s *Store) UpdateCurrentStep(ctx context.Context, runID, step string, state map[string]any) (*Run, error) {
	_, err := s.db.ExecContext(ctx,
		`UPDATE flow_runs SET current_step = ?, state_json = ? WHERE run_id = ?`,
		step, mustJSON(state), runID)
	if err != nil {
		return nil, storeErr("update step", err)
	}
	return s.GetRun(ctx, runID)
}

// SetStopRequested flips the soft stop flag.
func (s *Store) SetStopRequested(ctx context.Context, runID string, flag bool) (*Run, error) {
	v := 0
	if flag {
		v = 1
	}
	if _, err := s.db.ExecContext(ctx, `UPDATE flow_runs SET stop_requested = ? WHERE run_id = ?`, v, runID); err != nil {
		return nil, storeErr("set stop_requested", err)
	}
	return s.GetRun(ctx, runID)
}

// CreateEvent appends an event, assigning the next gap-free seq for the run
// atomically inside one transaction.
func (s *Store) CreateEvent(ctx context.Context, eventID, runID string, eventType EventType, data map[string]any) (*Event, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, storeErr("create event", err)
	}
	defer func() { _ = tx.Rollback() }()

	var seq int64
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), 0) + 1 FROM flow_events WHERE run_id = ?`, runID).Scan(&seq); err != nil {
		return nil, storeErr("create event", err)
	}
	now := time.Now().UTC()
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO flow_events (event_id, run_id, seq, event_type, data_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		eventID, runID, seq, string(eventType), mustJSON(data), formatTime(now)); err != nil {
		return nil, storeErr("create event", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, storeErr("create event", err)
	}
	return &Event{ID: eventID, RunID: runID, Seq: seq, Type: eventType, Data: data, CreatedAt: now}, nil
}

// GetEvents returns events with seq > afterSeq in seq order, at most limit
// (0 means no limit).
func (s *Store) GetEvents(ctx context.Context, runID string, afterSeq int64, limit int) ([]*Event, error) {
	query := `
		SELECT event_id, run_id, seq, event_type, data_json, created_at
		FROM flow_events WHERE run_id = ? AND seq > ? ORDER BY seq ASC`
	args := []any{runID, afterSeq}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storeErr("get events", err)
	}
	defer func() { _ = rows.Close() }()

	var events []*Event
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, storeErr("get events", err)
		}
		events = append(events, ev)
	}
	return events, storeErr("get events", rows.Err())
}

// GetLastEventByType returns the newest event of one type, or nil.
func (s *Store) GetLastEventByType(ctx context.Context, runID string, eventType EventType) (*Event, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT event_id, run_id, seq, event_type, data_json, created_at
		FROM flow_events WHERE run_id = ? AND event_type = ? ORDER BY seq DESC LIMIT 1`,
		runID, string(eventType))
	ev, err := scanEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, storeErr("get last event by type", err)
	}
	return ev, nil
}

// GetLastEventMeta returns the newest seq and created_at for a run. Seq 0
// means the run has no events yet.
func (s *Store) GetLastEventMeta(ctx context.Context, runID string) (int64, time.Time, error) {
	var seq sql.NullInt64
	var created sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT MAX(seq), MAX(created_at) FROM flow_events WHERE run_id = ?`, runID).Scan(&seq, &created)
	if err != nil {
		return 0, time.Time{}, storeErr("get last event meta", err)
	}
	if !seq.Valid {
		return 0, time.Time{}, nil
	}
	return seq.Int64, parseTime(created.String), nil
}

// CreateArtifact records a file reference produced by a run.
func (s *Store) CreateArtifact(ctx context.Context, artifactID, runID, kind, path string, metadata map[string]any) (*Artifact, error) {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO flow_artifacts (artifact_id, run_id, kind, path, metadata_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		artifactID, runID, kind, path, mustJSON(metadata), formatTime(now))
	if err != nil {
		return nil, storeErr("create artifact", err)
	}
	return &Artifact{ID: artifactID, RunID: runID, Kind: kind, Path: path, Metadata: metadata, CreatedAt: now}, nil
}

// GetArtifacts returns all artifacts of a run in insertion order.
func (s *Store) GetArtifacts(ctx context.Context, runID string) ([]*Artifact, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT artifact_id, run_id, kind, path, metadata_json, created_at
		FROM flow_artifacts WHERE run_id = ? ORDER BY created_at ASC, artifact_id ASC`, runID)
	if err != nil {
		return nil, storeErr("get artifacts", err)
	}
	defer func() { _ = rows.Close() }()

	var arts []*Artifact
	for rows.Next() {
		var a Artifact
		var metaJSON, createdAt string
		if err := rows.Scan(&a.ID, &a.RunID, &a.Kind, &a.Path, &metaJSON, &createdAt); err != nil {
			return nil, storeErr("get artifacts", err)
		}
		a.Metadata = fromJSON(metaJSON)
		a.CreatedAt = parseTime(createdAt)
		arts = append(arts, &a)
	}
	return arts, storeErr("get artifacts", rows.Err())
}

// HasArtifact reports whether an artifact of the given kind exists for the run.
func (s *Store) HasArtifact(ctx context.Context, runID, kind string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM flow_artifacts WHERE run_id = ? AND kind = ?`, runID, kind).Scan(&n)
	if err != nil {
		return false, storeErr("has artifact", err)
	}
	return n > 0, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*Run, error) {
	var r Run
	var inputJSON, stateJSON, metaJSON string
	var errMsg, startedAt, finishedAt sql.NullString
	var createdAt string
	var stop int
	err := row.Scan(&r.ID, &r.FlowType, (*string)(&r.Status), &r.CurrentStep,
		&inputJSON, &stateJSON, &metaJSON, &errMsg, &createdAt, &startedAt, &finishedAt, &stop)
	if err != nil {
		return nil, err
	}
	r.InputData = fromJSON(inputJSON)
	r.State = fromJSON(stateJSON)
	r.Metadata = fromJSON(metaJSON)
	r.ErrorMessage = errMsg.String
	r.CreatedAt = parseTime(createdAt)
	if startedAt.Valid {
		r.StartedAt = parseTime(startedAt.String)
	}
	if finishedAt.Valid {
		r.FinishedAt = parseTime(finishedAt.String)
	}
	r.StopRequested = stop != 0
	return &r, nil
}

func scanEvent(row rowScanner) (*Event, error) {
	var ev Event
	var dataJSON, createdAt string
	err := row.Scan(&ev.ID, &ev.RunID, &ev.Seq, (*string)(&ev.Type), &dataJSON, &createdAt)
	if err != nil {
		return nil, err
	}
	ev.Data = fromJSON(dataJSON)
	ev.CreatedAt = parseTime(createdAt)
	return &ev, nil
}

func mustJSON(m map[string]any) string {
	if m == nil {
		return "{}"
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "{}"
	}
	return string(b)
}

func fromJSON(s string) map[string]any {
	m := map[string]any{}
	_ = json.Unmarshal([]byte(s), &m)
	return m
}

func formatTime(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

func parseTime(s string) time.Time {
	if ts, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return ts
	}
	if ts, err := time.Parse(time.RFC3339, s); err == nil {
		return ts
	}
	return time.Time{}
}
