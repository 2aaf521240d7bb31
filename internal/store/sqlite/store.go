// Package sqlite is the default store.Store. It also persists the scheduler's
// triggers so one database file holds all daemon state.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/warpdl/racecard/internal/scheduler"
	"github.com/warpdl/racecard/internal/store"
)

type Store struct {
	db  *sql.DB
	now func() time.Time
}

// Open opens or creates the database at path. ":memory:" gives a private
// in-memory database.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, store.Unavailable("open", err)
	}
	// One connection serializes writers and keeps ":memory:" a single database.
	db.SetMaxOpenConns(1)

	s := &Store{db: db, now: time.Now}
	if _, err := db.Exec(`PRAGMA journal_mode=WAL; PRAGMA synchronous=NORMAL; PRAGMA busy_timeout=5000;`); err != nil {
		_ = db.Close()
		return nil, store.Unavailable("pragmas", err)
	}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, store.Unavailable("migrate", err)
	}
	return s, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
CREATE TABLE IF NOT EXISTS races (
  id         TEXT PRIMARY KEY,
  post_time  INTEGER NOT NULL,
  updated_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_races_post_time ON races(post_time);

CREATE TABLE IF NOT EXISTS snapshots (
  seq          INTEGER PRIMARY KEY AUTOINCREMENT,
  id           TEXT NOT NULL UNIQUE,
  race_id      TEXT NOT NULL,
  collected_at INTEGER NOT NULL,
  payload      TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_snapshots_race      ON snapshots(race_id, seq DESC);
CREATE INDEX IF NOT EXISTS idx_snapshots_collected ON snapshots(collected_at);

CREATE TABLE IF NOT EXISTS triggers (
  id         TEXT PRIMARY KEY,
  kind       TEXT NOT NULL,
  fire_at    INTEGER NOT NULL,
  cron_expr  TEXT NOT NULL DEFAULT '',
  action     TEXT NOT NULL,
  args       TEXT NOT NULL DEFAULT '[]',
  updated_at INTEGER NOT NULL
);
`)
	return err
}

func (s *Store) UpsertRace(ctx context.Context, id string, postTime time.Time) (store.Race, error) {
	r := store.Race{ID: id, PostTime: postTime, UpdatedAt: s.now()}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO races(id, post_time, updated_at) VALUES(?, ?, ?)
ON CONFLICT(id) DO UPDATE SET post_time=excluded.post_time, updated_at=excluded.updated_at
`, id, postTime.UnixMilli(), r.UpdatedAt.UnixMilli())
	if err != nil {
		return store.Race{}, store.Unavailable("upsert race "+id, err)
	}
	return r, nil
}

func (s *Store) StoreSnapshot(ctx context.Context, snap store.Snapshot) error {
	if err := snap.Validate(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO snapshots(id, race_id, collected_at, payload) VALUES(?, ?, ?, ?)
`, snap.ID, snap.RaceID, snap.CollectedAt.UnixMilli(), string(snap.Payload))
	if err != nil {
		return store.Unavailable("store snapshot "+snap.RaceID, err)
	}
	return nil
}

func (s *Store) RacesBetween(ctx context.Context, from, to time.Time, limit int) ([]store.Race, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT id, post_time, updated_at FROM races
WHERE post_time >= ? AND post_time < ?
ORDER BY post_time, id
LIMIT ?
`, from.UnixMilli(), to.UnixMilli(), limit)
	if err != nil {
		return nil, store.Unavailable("list races", err)
	}
	defer rows.Close()

	out := make([]store.Race, 0)
	for rows.Next() {
		var r store.Race
		var post, upd int64
		if err := rows.Scan(&r.ID, &post, &upd); err != nil {
			return nil, store.Unavailable("scan race", err)
		}
		r.PostTime = time.UnixMilli(post)
		r.UpdatedAt = time.UnixMilli(upd)
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, store.Unavailable("list races", err)
	}
	return out, nil
}

const snapshotCols = `id, race_id, collected_at, payload`

func (s *Store) LatestSnapshot(ctx context.Context) (store.Snapshot, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+snapshotCols+` FROM snapshots ORDER BY seq DESC LIMIT 1`)
	return scanSnapshot(row)
}

func (s *Store) LatestSnapshotFor(ctx context.Context, raceID string) (store.Snapshot, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+snapshotCols+` FROM snapshots WHERE race_id = ? ORDER BY seq DESC LIMIT 1`, raceID)
	return scanSnapshot(row)
}

func (s *Store) SnapshotsBetween(ctx context.Context, from, to time.Time) ([]store.Snapshot, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT `+snapshotCols+` FROM snapshots
WHERE collected_at >= ? AND collected_at < ?
ORDER BY seq
`, from.UnixMilli(), to.UnixMilli())
	if err != nil {
		return nil, store.Unavailable("list snapshots", err)
	}
	defer rows.Close()

	out := make([]store.Snapshot, 0)
	for rows.Next() {
		snap, err := scanSnapshot(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, snap)
	}
	if err := rows.Err(); err != nil {
		return nil, store.Unavailable("list snapshots", err)
	}
	return out, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSnapshot(sc scanner) (store.Snapshot, error) {
	var snap store.Snapshot
	var at int64
	var payload string
	if err := sc.Scan(&snap.ID, &snap.RaceID, &at, &payload); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.Snapshot{}, store.ErrNotFound
		}
		return store.Snapshot{}, store.Unavailable("scan snapshot", err)
	}
	snap.CollectedAt = time.UnixMilli(at)
	snap.Payload = json.RawMessage(payload)
	return snap, nil
}

func (s *Store) SaveTrigger(ctx context.Context, t scheduler.Trigger) error {
	args, err := json.Marshal(t.Args)
	if err != nil {
		return fmt.Errorf("sqlite: encode trigger args: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO triggers(id, kind, fire_at, cron_expr, action, args, updated_at)
VALUES(?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
  kind=excluded.kind, fire_at=excluded.fire_at, cron_expr=excluded.cron_expr,
  action=excluded.action, args=excluded.args, updated_at=excluded.updated_at
`, t.ID, string(t.Kind), t.FireAt.UnixMilli(), t.CronExpr, t.Action, string(args), t.UpdatedAt.UnixMilli())
	if err != nil {
		return store.Unavailable("save trigger "+t.ID, err)
	}
	return nil
}

func (s *Store) DeleteTrigger(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM triggers WHERE id = ?`, id); err != nil {
		return store.Unavailable("delete trigger "+id, err)
	}
	return nil
}

func (s *Store) LoadTriggers(ctx context.Context) ([]scheduler.Trigger, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, kind, fire_at, cron_expr, action, args, updated_at FROM triggers ORDER BY fire_at
`)
	if err != nil {
		return nil, store.Unavailable("load triggers", err)
	}
	defer rows.Close()

	out := make([]scheduler.Trigger, 0)
	for rows.Next() {
		var t scheduler.Trigger
		var kind, args string
		var fire, upd int64
		if err := rows.Scan(&t.ID, &kind, &fire, &t.CronExpr, &t.Action, &args, &upd); err != nil {
			return nil, store.Unavailable("scan trigger", err)
		}
		if err := json.Unmarshal([]byte(args), &t.Args); err != nil {
			return nil, fmt.Errorf("sqlite: decode args of trigger %s: %w", t.ID, err)
		}
		t.Kind = scheduler.Kind(kind)
		t.FireAt = time.UnixMilli(fire)
		t.UpdatedAt = time.UnixMilli(upd)
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, store.Unavailable("load triggers", err)
	}
	return out, nil
}

var (
	_ store.Store            = (*Store)(nil)
	_ scheduler.TriggerStore = (*Store)(nil)
)
