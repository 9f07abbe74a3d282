// Package sqlitestore is the durable Store implementation on SQLite. It is
// the default backend for single-node deployments: one file, no server,
// survives restarts so interrupted runs can be resumed.
package sqlitestore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/gridline-robotics/warden/internal/store"
	"github.com/gridline-robotics/warden/model"
)

// Store wraps a SQLite database handle.
type Store struct {
	db *sql.DB
}

var _ store.Store = (*Store)(nil)

const schema = `
CREATE TABLE IF NOT EXISTS missions (
	id         TEXT PRIMARY KEY,
	title      TEXT NOT NULL,
	goal       TEXT NOT NULL,
	status     TEXT NOT NULL,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS runs (
	id         TEXT PRIMARY KEY,
	mission_id TEXT NOT NULL,
	status     TEXT NOT NULL,
	started_at TEXT NOT NULL,
	ended_at   TEXT
);
CREATE TABLE IF NOT EXISTS events (
	id        TEXT PRIMARY KEY,
	run_id    TEXT NOT NULL,
	ts        TEXT NOT NULL,
	ts_ns     INTEGER NOT NULL,
	type      TEXT NOT NULL,
	payload   TEXT NOT NULL,
	prev_hash TEXT NOT NULL,
	hash      TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_events_run_ts ON events (run_id, ts_ns);
CREATE TABLE IF NOT EXISTS telemetry (
	run_id  TEXT NOT NULL,
	ts      TEXT NOT NULL,
	ts_ns   INTEGER NOT NULL,
	payload TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_telemetry_run_ts ON telemetry (run_id, ts_ns);
CREATE TABLE IF NOT EXISTS mission_audits (
	id         TEXT PRIMARY KEY,
	mission_id TEXT NOT NULL,
	old_values TEXT NOT NULL,
	new_values TEXT NOT NULL,
	actor      TEXT NOT NULL,
	details    TEXT NOT NULL,
	ts         TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_audits_mission ON mission_audits (mission_id);
`

// Open opens (and if needed creates) the database at path and applies the
// schema. Use ":memory:" for an ephemeral database in tests.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	// modernc/sqlite serializes writes; a single connection avoids
	// SQLITE_BUSY churn under concurrent runs.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the database handle.
func (s *Store) Close() error { return s.db.Close() }

func encodeTS(t time.Time) (string, int64) {
	u := t.UTC()
	return u.Format(time.RFC3339Nano), u.UnixNano()
}

func decodeTS(v string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, v)
}

func encodeJSON(v any) (string, error) {
	if v == nil {
		return "{}", nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func decodeMap(v string) (map[string]any, error) {
	var out map[string]any
	if err := json.Unmarshal([]byte(v), &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) CreateMission(ctx context.Context, m *model.Mission) error {
	goal, err := encodeJSON(m.Goal)
	if err != nil {
		return fmt.Errorf("encode goal: %w", err)
	}
	created, _ := encodeTS(m.CreatedAt)
	updated, _ := encodeTS(m.UpdatedAt)
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO missions (id, title, goal, status, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?)`,
		m.ID, m.Title, goal, string(m.Status), created, updated)
	if err != nil {
		return fmt.Errorf("insert mission %s: %w", m.ID, err)
	}
	return nil
}

func (s *Store) scanMission(row interface{ Scan(...any) error }) (*model.Mission, error) {
	var (
		out              model.Mission
		goal, status     string
		created, updated string
	)
	if err := row.Scan(&out.ID, &out.Title, &goal, &status, &created, &updated); err != nil {
		return nil, err
	}
	out.Status = model.MissionStatus(status)
	var err error
	if out.Goal, err = decodeMap(goal); err != nil {
		return nil, fmt.Errorf("decode goal: %w", err)
	}
	if out.CreatedAt, err = decodeTS(created); err != nil {
		return nil, fmt.Errorf("decode created_at: %w", err)
	}
	if out.UpdatedAt, err = decodeTS(updated); err != nil {
		return nil, fmt.Errorf("decode updated_at: %w", err)
	}
	return &out, nil
}

func (s *Store) GetMission(ctx context.Context, id string) (*model.Mission, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, title, goal, status, created_at, updated_at FROM missions WHERE id = ?`, id)
	m, err := s.scanMission(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("mission %s: %w", id, store.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get mission %s: %w", id, err)
	}
	return m, nil
}

func (s *Store) ListMissions(ctx context.Context) ([]*model.Mission, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, title, goal, status, created_at, updated_at FROM missions ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("list missions: %w", err)
	}
	defer rows.Close()
	var out []*model.Mission
	for rows.Next() {
		m, err := s.scanMission(rows)
		if err != nil {
			return nil, fmt.Errorf("scan mission: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *Store) UpdateMission(ctx context.Context, m *model.Mission) error {
	goal, err := encodeJSON(m.Goal)
	if err != nil {
		return fmt.Errorf("encode goal: %w", err)
	}
	updated, _ := encodeTS(m.UpdatedAt)
	res, err := s.db.ExecContext(ctx,
		`UPDATE missions SET title = ?, goal = ?, status = ?, updated_at = ? WHERE id = ?`,
		m.Title, goal, string(m.Status), updated, m.ID)
	if err != nil {
		return fmt.Errorf("update mission %s: %w", m.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("mission %s: %w", m.ID, store.ErrNotFound)
	}
	return nil
}

func (s *Store) CreateRun(ctx context.Context, r *model.Run) error {
	started, _ := encodeTS(r.StartedAt)
	var ended any
	if r.EndedAt != nil {
		ended, _ = encodeTS(*r.EndedAt)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (id, mission_id, status, started_at, ended_at) VALUES (?, ?, ?, ?, ?)`,
		r.ID, r.MissionID, string(r.Status), started, ended)
	if err != nil {
		return fmt.Errorf("insert run %s: %w", r.ID, err)
	}
	return nil
}

func (s *Store) scanRun(row interface{ Scan(...any) error }) (*model.Run, error) {
	var (
		r       model.Run
		status  string
		started string
		ended   sql.NullString
	)
	if err := row.Scan(&r.ID, &r.MissionID, &status, &started, &ended); err != nil {
		return nil, err
	}
	r.Status = model.RunStatus(status)
	var err error
	if r.StartedAt, err = decodeTS(started); err != nil {
		return nil, fmt.Errorf("decode started_at: %w", err)
	}
	if ended.Valid {
		t, err := decodeTS(ended.String)
		if err != nil {
			return nil, fmt.Errorf("decode ended_at: %w", err)
		}
		r.EndedAt = &t
	}
	return &r, nil
}

func (s *Store) GetRun(ctx context.Context, id string) (*model.Run, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, mission_id, status, started_at, ended_at FROM runs WHERE id = ?`, id)
	r, err := s.scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("run %s: %w", id, store.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get run %s: %w", id, err)
	}
	return r, nil
}

func (s *Store) ListRunsByStatus(ctx context.Context, status model.RunStatus) ([]*model.Run, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, mission_id, status, started_at, ended_at FROM runs WHERE status = ? ORDER BY started_at, id`,
		string(status))
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()
	var out []*model.Run
	for rows.Next() {
		r, err := s.scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Store) UpdateRun(ctx context.Context, r *model.Run) error {
	var ended any
	if r.EndedAt != nil {
		ended, _ = encodeTS(*r.EndedAt)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, ended_at = ? WHERE id = ?`,
		string(r.Status), ended, r.ID)
	if err != nil {
		return fmt.Errorf("update run %s: %w", r.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("run %s: %w", r.ID, store.ErrNotFound)
	}
	return nil
}

func (s *Store) DeleteRun(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin delete run %s: %w", id, err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `DELETE FROM runs WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete run %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("run %s: %w", id, store.ErrNotFound)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM events WHERE run_id = ?`, id); err != nil {
		return fmt.Errorf("delete events for run %s: %w", id, err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM telemetry WHERE run_id = ?`, id); err != nil {
		return fmt.Errorf("delete telemetry for run %s: %w", id, err)
	}
	return tx.Commit()
}

func (s *Store) AppendEvent(ctx context.Context, e *model.Event) error {
	payload, err := encodeJSON(e.Payload)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}
	ts, tsNS := encodeTS(e.TS)
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO events (id, run_id, ts, ts_ns, type, payload, prev_hash, hash) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.RunID, ts, tsNS, string(e.Type), payload, e.PrevHash, e.Hash)
	if err != nil {
		return fmt.Errorf("insert event %s: %w", e.ID, err)
	}
	return nil
}

func (s *Store) scanEvent(row interface{ Scan(...any) error }) (*model.Event, error) {
	var (
		e       model.Event
		ts, typ string
		payload string
		tsNS    int64
	)
	if err := row.Scan(&e.ID, &e.RunID, &ts, &tsNS, &typ, &payload, &e.PrevHash, &e.Hash); err != nil {
		return nil, err
	}
	e.Type = model.EventType(typ)
	var err error
	if e.TS, err = decodeTS(ts); err != nil {
		return nil, fmt.Errorf("decode ts: %w", err)
	}
	if e.Payload, err = decodeMap(payload); err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	return &e, nil
}

const eventCols = `id, run_id, ts, ts_ns, type, payload, prev_hash, hash`

func (s *Store) LastEvent(ctx context.Context, runID string) (*model.Event, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+eventCols+` FROM events WHERE run_id = ? ORDER BY ts_ns DESC, rowid DESC LIMIT 1`, runID)
	e, err := s.scanEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("run %s has no events: %w", runID, store.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("last event for run %s: %w", runID, err)
	}
	return e, nil
}

func (s *Store) ListEvents(ctx context.Context, runID string, limit, offset int) ([]*model.Event, error) {
	if limit <= 0 {
		limit = -1 // SQLite: no limit
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+eventCols+` FROM events WHERE run_id = ? ORDER BY ts_ns, rowid LIMIT ? OFFSET ?`,
		runID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list events for run %s: %w", runID, err)
	}
	defer rows.Close()
	var out []*model.Event
	for rows.Next() {
		e, err := s.scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *Store) LatestEventOfType(ctx context.Context, runID string, t model.EventType) (*model.Event, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+eventCols+` FROM events WHERE run_id = ? AND type = ? ORDER BY ts_ns DESC, rowid DESC LIMIT 1`,
		runID, string(t))
	e, err := s.scanEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("run %s has no %s event: %w", runID, t, store.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("latest %s event for run %s: %w", t, runID, err)
	}
	return e, nil
}

func (s *Store) AppendSample(ctx context.Context, sample *model.TelemetrySample) error {
	payload, err := encodeJSON(sample.Payload)
	if err != nil {
		return fmt.Errorf("encode sample: %w", err)
	}
	ts, tsNS := encodeTS(sample.TS)
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO telemetry (run_id, ts, ts_ns, payload) VALUES (?, ?, ?, ?)`,
		sample.RunID, ts, tsNS, payload)
	if err != nil {
		return fmt.Errorf("insert sample for run %s: %w", sample.RunID, err)
	}
	return nil
}

func (s *Store) ListSamples(ctx context.Context, runID string) ([]*model.TelemetrySample, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT run_id, ts, payload FROM telemetry WHERE run_id = ? ORDER BY ts_ns, rowid`, runID)
	if err != nil {
		return nil, fmt.Errorf("list samples for run %s: %w", runID, err)
	}
	defer rows.Close()
	var out []*model.TelemetrySample
	for rows.Next() {
		var (
			sm      model.TelemetrySample
			ts      string
			payload string
		)
		if err := rows.Scan(&sm.RunID, &ts, &payload); err != nil {
			return nil, fmt.Errorf("scan sample: %w", err)
		}
		if sm.TS, err = decodeTS(ts); err != nil {
			return nil, fmt.Errorf("decode sample ts: %w", err)
		}
		if sm.Payload, err = decodeMap(payload); err != nil {
			return nil, fmt.Errorf("decode sample payload: %w", err)
		}
		out = append(out, &sm)
	}
	return out, rows.Err()
}

func (s *Store) AppendAudit(ctx context.Context, a *model.MissionAudit) error {
	oldV, err := encodeJSON(a.OldValues)
	if err != nil {
		return fmt.Errorf("encode old values: %w", err)
	}
	newV, err := encodeJSON(a.NewValues)
	if err != nil {
		return fmt.Errorf("encode new values: %w", err)
	}
	ts, _ := encodeTS(a.TS)
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO mission_audits (id, mission_id, old_values, new_values, actor, details, ts) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.MissionID, oldV, newV, a.Actor, a.Details, ts)
	if err != nil {
		return fmt.Errorf("insert audit %s: %w", a.ID, err)
	}
	return nil
}

func (s *Store) ListAudits(ctx context.Context, missionID string) ([]*model.MissionAudit, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, mission_id, old_values, new_values, actor, details, ts FROM mission_audits WHERE mission_id = ? ORDER BY ts, id`,
		missionID)
	if err != nil {
		return nil, fmt.Errorf("list audits for mission %s: %w", missionID, err)
	}
	defer rows.Close()
	var out []*model.MissionAudit
	for rows.Next() {
		var (
			a          model.MissionAudit
			oldV, newV string
			ts         string
		)
		if err := rows.Scan(&a.ID, &a.MissionID, &oldV, &newV, &a.Actor, &a.Details, &ts); err != nil {
			return nil, fmt.Errorf("scan audit: %w", err)
		}
		if a.OldValues, err = decodeMap(oldV); err != nil {
			return nil, fmt.Errorf("decode old values: %w", err)
		}
		if a.NewValues, err = decodeMap(newV); err != nil {
			return nil, fmt.Errorf("decode new values: %w", err)
		}
		if a.TS, err = decodeTS(ts); err != nil {
			return nil, fmt.Errorf("decode audit ts: %w", err)
		}
		out = append(out, &a)
	}
	return out, rows.Err()
}
