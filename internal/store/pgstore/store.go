// Package pgstore is a store.Store on PostgreSQL, selected with a
// postgres:// DSN. Schema and semantics match the SQLite backend.
package pgstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/warpdl/racecard/internal/scheduler"
	"github.com/warpdl/racecard/internal/store"
)

// Options tunes the connection pool.
type Options struct {
	MaxConns int
	// SimpleProtocol is needed behind PgBouncer in transaction mode.
	SimpleProtocol bool
}

type Store struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

// Open connects to dsn and creates the schema when missing.
func Open(ctx context.Context, dsn string, opts Options) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("pgstore: parse dsn: %w", err)
	}
	if opts.MaxConns <= 0 {
		opts.MaxConns = 4
	}
	cfg.MaxConns = int32(opts.MaxConns)
	if opts.SimpleProtocol {
		cfg.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, store.Unavailable("connect", err)
	}
	s := &Store{pool: pool, now: time.Now}
	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, store.Unavailable("migrate", err)
	}
	return s, nil
}

func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS races (
  id         TEXT PRIMARY KEY,
  post_time  TIMESTAMPTZ NOT NULL,
  updated_at TIMESTAMPTZ NOT NULL
)`,
	`CREATE INDEX IF NOT EXISTS idx_races_post_time ON races(post_time)`,
	`CREATE TABLE IF NOT EXISTS snapshots (
  seq          BIGSERIAL PRIMARY KEY,
  id           TEXT NOT NULL UNIQUE,
  race_id      TEXT NOT NULL,
  collected_at TIMESTAMPTZ NOT NULL,
  payload      JSONB NOT NULL
)`,
	`CREATE INDEX IF NOT EXISTS idx_snapshots_race ON snapshots(race_id, seq DESC)`,
	`CREATE INDEX IF NOT EXISTS idx_snapshots_collected ON snapshots(collected_at)`,
	`CREATE TABLE IF NOT EXISTS triggers (
  id         TEXT PRIMARY KEY,
  kind       TEXT NOT NULL,
  fire_at    TIMESTAMPTZ NOT NULL,
  cron_expr  TEXT NOT NULL DEFAULT '',
  action     TEXT NOT NULL,
  args       JSONB NOT NULL DEFAULT '[]',
  updated_at TIMESTAMPTZ NOT NULL
)`,
}

func (s *Store) migrate(ctx context.Context) error {
	b := &pgx.Batch{}
	for _, stmt := range schema {
		b.Queue(stmt)
	}
	br := s.pool.SendBatch(ctx, b)
	for range schema {
		if _, err := br.Exec(); err != nil {
			_ = br.Close()
			return err
		}
	}
	return br.Close()
}

func (s *Store) UpsertRace(ctx context.Context, id string, postTime time.Time) (store.Race, error) {
	r := store.Race{ID: id, PostTime: postTime, UpdatedAt: s.now()}
	_, err := s.pool.Exec(ctx, `
INSERT INTO races(id, post_time, updated_at) VALUES($1, $2, $3)
ON CONFLICT (id) DO UPDATE SET post_time = EXCLUDED.post_time, updated_at = EXCLUDED.updated_at`,
		id, postTime, r.UpdatedAt)
	if err != nil {
		return store.Race{}, store.Unavailable("upsert race "+id, err)
	}
	return r, nil
}

func (s *Store) StoreSnapshot(ctx context.Context, snap store.Snapshot) error {
	if err := snap.Validate(); err != nil {
		return err
	}
	_, err := s.pool.Exec(ctx, `
INSERT INTO snapshots(id, race_id, collected_at, payload) VALUES($1, $2, $3, $4)`,
		snap.ID, snap.RaceID, snap.CollectedAt, string(snap.Payload))
	if err != nil {
		return store.Unavailable("store snapshot "+snap.RaceID, err)
	}
	return nil
}

func (s *Store) RacesBetween(ctx context.Context, from, to time.Time, limit int) ([]store.Race, error) {
	var lim *int
	if limit > 0 {
		lim = &limit
	}
	rows, err := s.pool.Query(ctx, `
SELECT id, post_time, updated_at FROM races
WHERE post_time >= $1 AND post_time < $2
ORDER BY post_time, id
LIMIT $3`, from, to, lim)
	if err != nil {
		return nil, store.Unavailable("list races", err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (store.Race, error) {
		var r store.Race
		err := row.Scan(&r.ID, &r.PostTime, &r.UpdatedAt)
		return r, err
	})
	if err != nil {
		return nil, store.Unavailable("list races", err)
	}
	return out, nil
}

const snapshotCols = `id, race_id, collected_at, payload::text`

func (s *Store) LatestSnapshot(ctx context.Context) (store.Snapshot, error) {
	return scanSnapshot(s.pool.QueryRow(ctx, `SELECT `+snapshotCols+` FROM snapshots ORDER BY seq DESC LIMIT 1`))
}

func (s *Store) LatestSnapshotFor(ctx context.Context, raceID string) (store.Snapshot, error) {
	return scanSnapshot(s.pool.QueryRow(ctx,
		`SELECT `+snapshotCols+` FROM snapshots WHERE race_id = $1 ORDER BY seq DESC LIMIT 1`, raceID))
}

func (s *Store) SnapshotsBetween(ctx context.Context, from, to time.Time) ([]store.Snapshot, error) {
	rows, err := s.pool.Query(ctx, `
SELECT `+snapshotCols+` FROM snapshots
WHERE collected_at >= $1 AND collected_at < $2
ORDER BY seq`, from, to)
	if err != nil {
		return nil, store.Unavailable("list snapshots", err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (store.Snapshot, error) {
		return scanSnapshot(row)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func scanSnapshot(row pgx.Row) (store.Snapshot, error) {
	var snap store.Snapshot
	var payload string
	if err := row.Scan(&snap.ID, &snap.RaceID, &snap.CollectedAt, &payload); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.Snapshot{}, store.ErrNotFound
		}
		return store.Snapshot{}, store.Unavailable("scan snapshot", err)
	}
	snap.Payload = json.RawMessage(payload)
	return snap, nil
}

func (s *Store) SaveTrigger(ctx context.Context, t scheduler.Trigger) error {
	args, err := json.Marshal(t.Args)
	if err != nil {
		return fmt.Errorf("pgstore: encode trigger args: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
INSERT INTO triggers(id, kind, fire_at, cron_expr, action, args, updated_at)
VALUES($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (id) DO UPDATE SET
  kind = EXCLUDED.kind, fire_at = EXCLUDED.fire_at, cron_expr = EXCLUDED.cron_expr,
  action = EXCLUDED.action, args = EXCLUDED.args, updated_at = EXCLUDED.updated_at`,
		t.ID, string(t.Kind), t.FireAt, t.CronExpr, t.Action, string(args), t.UpdatedAt)
	if err != nil {
		return store.Unavailable("save trigger "+t.ID, err)
	}
	return nil
}

func (s *Store) DeleteTrigger(ctx context.Context, id string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM triggers WHERE id = $1`, id); err != nil {
		return store.Unavailable("delete trigger "+id, err)
	}
	return nil
}

func (s *Store) LoadTriggers(ctx context.Context) ([]scheduler.Trigger, error) {
	rows, err := s.pool.Query(ctx, `
SELECT id, kind, fire_at, cron_expr, action, args::text, updated_at FROM triggers ORDER BY fire_at`)
	if err != nil {
		return nil, store.Unavailable("load triggers", err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (scheduler.Trigger, error) {
		var t scheduler.Trigger
		var kind, args string
		if err := row.Scan(&t.ID, &kind, &t.FireAt, &t.CronExpr, &t.Action, &args, &t.UpdatedAt); err != nil {
			return t, err
		}
		t.Kind = scheduler.Kind(kind)
		return t, json.Unmarshal([]byte(args), &t.Args)
	})
	if err != nil {
		return nil, store.Unavailable("load triggers", err)
	}
	return out, nil
}

var (
	_ store.Store            = (*Store)(nil)
	_ scheduler.TriggerStore = (*Store)(nil)
)
