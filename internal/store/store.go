// Package store defines race and snapshot persistence.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotFound is returned by reads that match nothing.
	ErrNotFound = errors.New("store: not found")
	// ErrUnavailable wraps every failed durable write or query.
	ErrUnavailable = errors.New("store: unavailable")
)

// Race is one harvested race and its post time.
type Race struct {
	ID        string    `json:"race_id"`
	PostTime  time.Time `json:"post_time"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Snapshot is one collected race payload. RaceID is a weak reference: a
// snapshot may exist for a race that was never upserted.
type Snapshot struct {
	ID          string          `json:"snapshot_id"`
	RaceID      string          `json:"race_id"`
	CollectedAt time.Time       `json:"collected_at"`
	Payload     json.RawMessage `json:"payload"`
}

// Store persists races and snapshots. Implementations are safe for
// concurrent use and last-write-wins.
type Store interface {
	// UpsertRace inserts or updates the race id. Identical upserts are no-ops
	// apart from UpdatedAt.
	UpsertRace(ctx context.Context, id string, postTime time.Time) (Race, error)
	// StoreSnapshot appends a snapshot.
	StoreSnapshot(ctx context.Context, s Snapshot) error

	// RacesBetween lists races with from <= PostTime < to ordered by post
	// time. limit <= 0 means no limit.
	RacesBetween(ctx context.Context, from, to time.Time, limit int) ([]Race, error)
	// LatestSnapshot returns the most recently stored snapshot.
	LatestSnapshot(ctx context.Context) (Snapshot, error)
	// LatestSnapshotFor returns the most recently stored snapshot of raceID.
	LatestSnapshotFor(ctx context.Context, raceID string) (Snapshot, error)
	// SnapshotsBetween lists snapshots with from <= CollectedAt < to in
	// insertion order.
	SnapshotsBetween(ctx context.Context, from, to time.Time) ([]Snapshot, error)

	Close() error
}

// Unavailable wraps err as ErrUnavailable, keeping err in the chain.
func Unavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrUnavailable, op, err)
}

// Validate checks the fields every backend requires.
func (s Snapshot) Validate() error {
	if s.ID == "" || s.RaceID == "" {
		return errors.New("store: snapshot id and race id required")
	}
	if len(s.Payload) == 0 || !json.Valid(s.Payload) {
		return errors.New("store: snapshot payload must be valid JSON")
	}
	return nil
}
