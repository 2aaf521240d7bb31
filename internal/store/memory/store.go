// Package memory is an in-process store.Store for tests and dry runs.
package memory

import (
	"context"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/warpdl/racecard/internal/store"
)

type Store struct {
	mu        sync.RWMutex
	races     map[string]store.Race
	snapshots []store.Snapshot
	now       func() time.Time
}

func New() *Store {
	return &Store{races: make(map[string]store.Race), now: time.Now}
}

func (s *Store) UpsertRace(_ context.Context, id string, postTime time.Time) (store.Race, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := store.Race{ID: id, PostTime: postTime, UpdatedAt: s.now()}
	s.races[id] = r
	return r, nil
}

func (s *Store) StoreSnapshot(_ context.Context, snap store.Snapshot) error {
	if err := snap.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	snap.Payload = slices.Clone(snap.Payload)
	s.snapshots = append(s.snapshots, snap)
	return nil
}

func (s *Store) RacesBetween(_ context.Context, from, to time.Time, limit int) ([]store.Race, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]store.Race, 0)
	for _, r := range s.races {
		if !r.PostTime.Before(from) && r.PostTime.Before(to) {
			out = append(out, r)
		}
	}
	slices.SortFunc(out, func(a, b store.Race) int {
		if c := a.PostTime.Compare(b.PostTime); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) LatestSnapshot(context.Context) (store.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.snapshots) == 0 {
		return store.Snapshot{}, store.ErrNotFound
	}
	return s.snapshots[len(s.snapshots)-1], nil
}

func (s *Store) LatestSnapshotFor(_ context.Context, raceID string) (store.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for i := len(s.snapshots) - 1; i >= 0; i-- {
		if s.snapshots[i].RaceID == raceID {
			return s.snapshots[i], nil
		}
	}
	return store.Snapshot{}, store.ErrNotFound
}

func (s *Store) SnapshotsBetween(_ context.Context, from, to time.Time) ([]store.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]store.Snapshot, 0)
	for _, snap := range s.snapshots {
		if !snap.CollectedAt.Before(from) && snap.CollectedAt.Before(to) {
			out = append(out, snap)
		}
	}
	return out, nil
}

// Races returns every race, for assertions.
func (s *Store) Races() map[string]store.Race {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]store.Race, len(s.races))
	for k, v := range s.races {
		out[k] = v
	}
	return out
}

func (s *Store) Close() error { return nil }

var _ store.Store = (*Store)(nil)
