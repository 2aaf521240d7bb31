// Package storetest holds behaviour tests every store.Store backend must pass.
package storetest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/warpdl/racecard/internal/store"
)

// Run exercises a backend. open must return an empty store.
func Run(t *testing.T, open func(t *testing.T) store.Store) {
	t.Run("UpsertIdempotent", func(t *testing.T) { testUpsertIdempotent(t, open(t)) })
	t.Run("UpsertReplacesPostTime", func(t *testing.T) { testUpsertReplaces(t, open(t)) })
	t.Run("RacesBetween", func(t *testing.T) { testRacesBetween(t, open(t)) })
	t.Run("SnapshotWithoutRace", func(t *testing.T) { testSnapshotWithoutRace(t, open(t)) })
	t.Run("LatestSnapshot", func(t *testing.T) { testLatest(t, open(t)) })
	t.Run("SnapshotsBetween", func(t *testing.T) { testSnapshotsBetween(t, open(t)) })
	t.Run("InvalidSnapshot", func(t *testing.T) { testInvalidSnapshot(t, open(t)) })
	t.Run("ConcurrentWrites", func(t *testing.T) { testConcurrentWrites(t, open(t)) })
}

var base = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

// Snap builds a snapshot with a fresh id.
func Snap(raceID string, at time.Time, payload string) store.Snapshot {
	return store.Snapshot{ID: uuid.NewString(), RaceID: raceID, CollectedAt: at, Payload: json.RawMessage(payload)}
}

func testUpsertIdempotent(t *testing.T, s store.Store) {
	ctx := context.Background()
	for i := 0; i < 2; i++ {
		if _, err := s.UpsertRace(ctx, "R42", base); err != nil {
			t.Fatalf("upsert %d: %v", i, err)
		}
	}
	races, err := s.RacesBetween(ctx, base.Add(-time.Hour), base.Add(time.Hour), 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(races) != 1 || races[0].ID != "R42" || !races[0].PostTime.Equal(base) {
		t.Fatalf("expected one R42 row, got %+v", races)
	}
}

func testUpsertReplaces(t *testing.T, s store.Store) {
	ctx := context.Background()
	if _, err := s.UpsertRace(ctx, "R42", base); err != nil {
		t.Fatal(err)
	}
	later := base.Add(15 * time.Minute)
	if _, err := s.UpsertRace(ctx, "R42", later); err != nil {
		t.Fatal(err)
	}
	races, err := s.RacesBetween(ctx, base.Add(-time.Hour), base.Add(time.Hour), 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(races) != 1 || !races[0].PostTime.Equal(later) {
		t.Fatalf("expected post time %v, got %+v", later, races)
	}
}

func testRacesBetween(t *testing.T, s store.Store) {
	ctx := context.Background()
	for i, id := range []string{"R3", "R1", "R2", "R4"} {
		if _, err := s.UpsertRace(ctx, id, base.Add(time.Duration(i)*time.Hour)); err != nil {
			t.Fatal(err)
		}
	}
	// Outside the window.
	if _, err := s.UpsertRace(ctx, "R9", base.Add(48*time.Hour)); err != nil {
		t.Fatal(err)
	}

	races, err := s.RacesBetween(ctx, base, base.Add(24*time.Hour), 0)
	if err != nil {
		t.Fatal(err)
	}
	got := make([]string, len(races))
	for i, r := range races {
		got[i] = r.ID
	}
	if fmt.Sprint(got) != "[R3 R1 R2 R4]" {
		t.Fatalf("expected races ordered by post time, got %v", got)
	}

	limited, err := s.RacesBetween(ctx, base, base.Add(24*time.Hour), 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(limited) != 2 || limited[0].ID != "R3" {
		t.Fatalf("limit not applied: %+v", limited)
	}
}

func testSnapshotWithoutRace(t *testing.T, s store.Store) {
	ctx := context.Background()
	if err := s.StoreSnapshot(ctx, Snap("unknown-race", base, `{"title":""}`)); err != nil {
		t.Fatalf("snapshot for a never-upserted race must be accepted: %v", err)
	}
	got, err := s.LatestSnapshotFor(ctx, "unknown-race")
	if err != nil {
		t.Fatal(err)
	}
	if got.RaceID != "unknown-race" {
		t.Fatalf("unexpected snapshot %+v", got)
	}
}

func testLatest(t *testing.T, s store.Store) {
	ctx := context.Background()
	if _, err := s.LatestSnapshot(ctx); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("empty store: expected ErrNotFound, got %v", err)
	}
	if _, err := s.LatestSnapshotFor(ctx, "R42"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	first := Snap("R42", base, `{"n":1}`)
	second := Snap("R42", base.Add(time.Minute), `{"n":2}`)
	other := Snap("R43", base.Add(2*time.Minute), `{"n":3}`)
	for _, snap := range []store.Snapshot{first, second, other} {
		if err := s.StoreSnapshot(ctx, snap); err != nil {
			t.Fatal(err)
		}
	}

	latest, err := s.LatestSnapshot(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if latest.ID != other.ID {
		t.Errorf("latest = %s, want %s", latest.ID, other.ID)
	}
	forR42, err := s.LatestSnapshotFor(ctx, "R42")
	if err != nil {
		t.Fatal(err)
	}
	if forR42.ID != second.ID || !forR42.CollectedAt.Equal(second.CollectedAt) {
		t.Errorf("latest for R42 = %+v, want %s", forR42, second.ID)
	}
	if !json.Valid(forR42.Payload) {
		t.Errorf("payload not JSON: %s", forR42.Payload)
	}
}

func testSnapshotsBetween(t *testing.T, s store.Store) {
	ctx := context.Background()
	in1 := Snap("R1", base, `{}`)
	in2 := Snap("R2", base.Add(23*time.Hour), `{}`)
	out := Snap("R3", base.Add(24*time.Hour), `{}`)
	for _, snap := range []store.Snapshot{in1, out, in2} {
		if err := s.StoreSnapshot(ctx, snap); err != nil {
			t.Fatal(err)
		}
	}
	got, err := s.SnapshotsBetween(ctx, base, base.Add(24*time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0].ID != in1.ID || got[1].ID != in2.ID {
		t.Fatalf("unexpected snapshots %+v", got)
	}
}

func testInvalidSnapshot(t *testing.T, s store.Store) {
	ctx := context.Background()
	bad := []store.Snapshot{
		{ID: "", RaceID: "R1", Payload: json.RawMessage(`{}`)},
		{ID: "x", RaceID: "", Payload: json.RawMessage(`{}`)},
		{ID: "x", RaceID: "R1", Payload: json.RawMessage(`{`)},
	}
	for i, snap := range bad {
		if err := s.StoreSnapshot(ctx, snap); err == nil {
			t.Errorf("case %d: expected validation error", i)
		}
	}
}

func testConcurrentWrites(t *testing.T, s store.Store) {
	ctx := context.Background()
	var wg sync.WaitGroup
	errs := make(chan error, 40)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("R%d", i)
			if _, err := s.UpsertRace(ctx, id, base.Add(time.Duration(i)*time.Minute)); err != nil {
				errs <- err
			}
			if err := s.StoreSnapshot(ctx, Snap(id, base, `{}`)); err != nil {
				errs <- err
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
	races, err := s.RacesBetween(ctx, base, base.Add(time.Hour), 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(races) != 20 {
		t.Fatalf("expected 20 races, got %d", len(races))
	}
}
