package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/warpdl/racecard/pkg/logger"
)

// recorder is an Action that records every call.
type recorder struct {
	mu    sync.Mutex
	calls [][]string
}

func (r *recorder) action(_ context.Context, args []string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, append([]string(nil), args...))
	return nil
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func newTestScheduler(t *testing.T, opts Options) (*Scheduler, *recorder) {
	t.Helper()
	if opts.Logger == nil {
		opts.Logger = logger.NewMockLogger()
	}
	s := New(opts)
	rec := &recorder{}
	s.Register("collect", rec.action)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = s.Shutdown(ctx)
	})
	return s, rec
}

func TestScheduler_OneOffFiresOnce(t *testing.T) {
	store := NewMemoryStore()
	s, rec := newTestScheduler(t, Options{Store: store})
	ctx := context.Background()

	if _, err := s.ScheduleOneOff(ctx, "R42", time.Now().Add(50*time.Millisecond), "collect", "R42"); err != nil {
		t.Fatalf("ScheduleOneOff: %v", err)
	}
	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitFor(t, "R42 to fire", func() bool { return rec.count() == 1 })
	time.Sleep(100 * time.Millisecond)

	if rec.count() != 1 {
		t.Fatalf("one-off fired %d times", rec.count())
	}
	if got := rec.calls[0]; len(got) != 1 || got[0] != "R42" {
		t.Errorf("unexpected args %v", got)
	}
	if n := len(s.Pending()); n != 0 {
		t.Errorf("fired one-off still pending (%d)", n)
	}
	if stored, _ := store.LoadTriggers(ctx); len(stored) != 0 {
		t.Errorf("fired one-off still persisted: %+v", stored)
	}
}

func TestScheduler_PastFireAtFiresImmediately(t *testing.T) {
	s, rec := newTestScheduler(t, Options{})
	ctx := context.Background()
	if err := s.Start(ctx); err != nil {
		t.Fatal(err)
	}
	if _, err := s.ScheduleOneOff(ctx, "R1", time.Now().Add(-time.Hour), "collect", "R1"); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "late trigger to fire", func() bool { return rec.count() == 1 })
}

func TestScheduler_ReplaceKeepsOnePending(t *testing.T) {
	store := NewMemoryStore()
	s, _ := newTestScheduler(t, Options{Store: store})
	ctx := context.Background()
	first := time.Now().Add(time.Hour)
	second := first.Add(30 * time.Minute)

	if _, err := s.ScheduleOneOff(ctx, "R42", first, "collect", "R42"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.ScheduleOneOff(ctx, "R42", second, "collect", "R42"); err != nil {
		t.Fatal(err)
	}

	pending := s.Pending()
	if len(pending) != 1 {
		t.Fatalf("expected 1 pending trigger, got %d", len(pending))
	}
	if !pending[0].FireAt.Equal(second) {
		t.Errorf("expected fire time %v, got %v", second, pending[0].FireAt)
	}
	stored, _ := store.LoadTriggers(ctx)
	if len(stored) != 1 || !stored[0].FireAt.Equal(second) {
		t.Errorf("store out of sync with heap: %+v", stored)
	}
}

func TestScheduler_RemoveBeforeFire(t *testing.T) {
	s, rec := newTestScheduler(t, Options{})
	ctx := context.Background()
	if err := s.Start(ctx); err != nil {
		t.Fatal(err)
	}
	if _, err := s.ScheduleOneOff(ctx, "R7", time.Now().Add(150*time.Millisecond), "collect", "R7"); err != nil {
		t.Fatal(err)
	}
	if err := s.Remove(ctx, "R7"); err != nil {
		t.Fatal(err)
	}
	time.Sleep(300 * time.Millisecond)
	if rec.count() != 0 {
		t.Fatal("removed trigger fired")
	}
	if err := s.Remove(ctx, "never-registered"); err != nil {
		t.Errorf("removing an unknown id: %v", err)
	}
}

func TestScheduler_ConcurrentSameIDRegistration(t *testing.T) {
	store := NewMemoryStore()
	s, _ := newTestScheduler(t, Options{Store: store})
	ctx := context.Background()
	base := time.Now().Add(time.Hour)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, _ = s.ScheduleOneOff(ctx, "R42", base.Add(time.Duration(i)*time.Minute), "collect", "R42")
		}(i)
	}
	wg.Wait()

	pending := s.Pending()
	if len(pending) != 1 {
		t.Fatalf("expected exactly one pending trigger, got %d", len(pending))
	}
	stored, _ := store.LoadTriggers(ctx)
	if len(stored) != 1 || !stored[0].FireAt.Equal(pending[0].FireAt) {
		t.Fatalf("store and heap disagree: store=%+v heap=%+v", stored, pending)
	}
}

func TestScheduler_RegistrationErrors(t *testing.T) {
	s, _ := newTestScheduler(t, Options{})
	ctx := context.Background()

	if _, err := s.ScheduleOneOff(ctx, "R1", time.Now(), "nope"); !errors.Is(err, ErrUnknownAction) {
		t.Errorf("expected ErrUnknownAction, got %v", err)
	}
	if _, err := s.ScheduleOneOff(ctx, "", time.Now(), "collect"); !errors.Is(err, ErrInvalidTrigger) {
		t.Errorf("expected ErrInvalidTrigger, got %v", err)
	}
	for _, expr := range []string{"", "bogus", "0 0 9 * * *", "61 9 * * *"} {
		if _, err := s.ScheduleRecurring(ctx, "daily", expr, "collect"); !errors.Is(err, ErrInvalidCron) {
			t.Errorf("%q: expected ErrInvalidCron, got %v", expr, err)
		}
	}
	if err := s.Dispatch("nope"); !errors.Is(err, ErrUnknownAction) {
		t.Errorf("expected ErrUnknownAction from Dispatch, got %v", err)
	}
}

// failingStore rejects writes.
type failingStore struct {
	*MemoryStore
	err error
}

func (f *failingStore) SaveTrigger(context.Context, Trigger) error  { return f.err }
func (f *failingStore) DeleteTrigger(context.Context, string) error { return f.err }

func TestScheduler_StoreFailureLeavesScheduleUntouched(t *testing.T) {
	boom := errors.New("disk full")
	s, _ := newTestScheduler(t, Options{Store: &failingStore{MemoryStore: NewMemoryStore(), err: boom}})
	ctx := context.Background()

	if _, err := s.ScheduleOneOff(ctx, "R42", time.Now().Add(time.Hour), "collect"); !errors.Is(err, boom) {
		t.Fatalf("expected store error, got %v", err)
	}
	if n := len(s.Pending()); n != 0 {
		t.Fatalf("heap changed despite store failure: %d pending", n)
	}
}

func TestScheduler_RecurringCatchUpRearms(t *testing.T) {
	paris, err := time.LoadLocation("Europe/Paris")
	if err != nil {
		t.Skip("tzdata unavailable")
	}
	now := time.Date(2024, 5, 1, 10, 0, 0, 0, paris)
	store := NewMemoryStore()
	_ = store.SaveTrigger(context.Background(), Trigger{
		ID:       "collect_today",
		Kind:     KindRecurring,
		FireAt:   time.Date(2024, 5, 1, 9, 0, 0, 0, paris),
		CronExpr: "0 9 * * *",
		Action:   "collect",
	})
	s, rec := newTestScheduler(t, Options{Store: store, Location: paris, Now: func() time.Time { return now }})

	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "missed recurring trigger to fire", func() bool { return rec.count() == 1 })
	waitFor(t, "recurring trigger to be re-armed", func() bool {
		p := s.Pending()
		return len(p) == 1 && p[0].FireAt.After(now)
	})

	want := time.Date(2024, 5, 2, 9, 0, 0, 0, paris)
	if got := s.Pending()[0].FireAt; !got.Equal(want) {
		t.Errorf("re-armed at %v, want %v", got, want)
	}
	stored, _ := store.LoadTriggers(context.Background())
	if len(stored) != 1 || !stored[0].FireAt.Equal(want) {
		t.Errorf("re-armed trigger not persisted: %+v", stored)
	}
}

func TestScheduler_CatchUpFiresMissedOneOff(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	_ = store.SaveTrigger(ctx, Trigger{ID: "R42", Kind: KindOneOff, FireAt: time.Now().Add(-10 * time.Minute), Action: "collect", Args: []string{"R42"}})

	s, rec := newTestScheduler(t, Options{Store: store, Missed: CatchUp})
	if err := s.Start(ctx); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "missed one-off to fire", func() bool { return rec.count() == 1 })
}

func TestScheduler_DropPolicy(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	now := time.Now()
	_ = store.SaveTrigger(ctx, Trigger{ID: "R1", Kind: KindOneOff, FireAt: now.Add(-10 * time.Minute), Action: "collect"})
	_ = store.SaveTrigger(ctx, Trigger{ID: "R2", Kind: KindOneOff, FireAt: now.Add(time.Hour), Action: "collect"})
	_ = store.SaveTrigger(ctx, Trigger{ID: "daily", Kind: KindRecurring, FireAt: now.Add(-time.Hour), CronExpr: "0 9 * * *", Action: "collect"})

	s, rec := newTestScheduler(t, Options{Store: store, Missed: Drop})
	if err := s.Start(ctx); err != nil {
		t.Fatal(err)
	}
	time.Sleep(150 * time.Millisecond)

	if rec.count() != 0 {
		t.Fatalf("drop policy fired %d missed triggers", rec.count())
	}
	ids := map[string]Trigger{}
	for _, p := range s.Pending() {
		ids[p.ID] = p
	}
	if _, ok := ids["R1"]; ok {
		t.Error("missed one-off should be dropped")
	}
	if _, ok := ids["R2"]; !ok {
		t.Error("future one-off should be kept")
	}
	if d, ok := ids["daily"]; !ok || !d.FireAt.After(now) {
		t.Errorf("recurring trigger should be re-armed in the future, got %+v", d)
	}
	stored, _ := store.LoadTriggers(ctx)
	if len(stored) != 2 {
		t.Errorf("expected 2 persisted triggers after drop, got %d", len(stored))
	}
}

func TestScheduler_UnknownStoredActionNotArmed(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	_ = store.SaveTrigger(ctx, Trigger{ID: "old", Kind: KindOneOff, FireAt: time.Now().Add(time.Hour), Action: "legacy"})
	mock := logger.NewMockLogger()
	s, _ := newTestScheduler(t, Options{Store: store, Logger: mock})
	if err := s.Start(ctx); err != nil {
		t.Fatal(err)
	}
	if len(s.Pending()) != 0 {
		t.Error("trigger with unknown action was armed")
	}
	if len(mock.Warnings()) == 0 {
		t.Error("expected a warning for the unknown action")
	}
}

func TestScheduler_PanicIsolation(t *testing.T) {
	s, rec := newTestScheduler(t, Options{})
	s.Register("explode", func(context.Context, []string) error { panic("kaboom") })

	var mu sync.Mutex
	var failed []Event
	s.OnEvent(func(ev Event) {
		if ev.Phase == PhaseFailed {
			mu.Lock()
			failed = append(failed, ev)
			mu.Unlock()
		}
	})

	ctx := context.Background()
	if err := s.Start(ctx); err != nil {
		t.Fatal(err)
	}
	now := time.Now()
	if _, err := s.ScheduleOneOff(ctx, "bad", now, "explode"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.ScheduleOneOff(ctx, "good", now.Add(100*time.Millisecond), "collect", "ok"); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "good trigger after panic", func() bool { return rec.count() == 1 })

	mu.Lock()
	defer mu.Unlock()
	if len(failed) != 1 || failed[0].TriggerID != "bad" || failed[0].Err == "" {
		t.Fatalf("expected one failed event for the panicking job, got %+v", failed)
	}
}

func TestScheduler_EventsOrder(t *testing.T) {
	s, _ := newTestScheduler(t, Options{})
	var mu sync.Mutex
	var phases []Phase
	s.OnEvent(func(ev Event) {
		mu.Lock()
		phases = append(phases, ev.Phase)
		mu.Unlock()
	})
	if err := s.Dispatch("collect", "R1"); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "job events", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(phases) == 2
	})
	if phases[0] != PhaseStarted || phases[1] != PhaseFinished {
		t.Errorf("unexpected phases %v", phases)
	}
}

func TestScheduler_FailedJobReported(t *testing.T) {
	s, _ := newTestScheduler(t, Options{})
	s.Register("fail", func(context.Context, []string) error { return fmt.Errorf("item not found") })
	done := make(chan Event, 2)
	s.OnEvent(func(ev Event) { done <- ev })

	if err := s.Dispatch("fail"); err != nil {
		t.Fatal(err)
	}
	<-done
	ev := <-done
	if ev.Phase != PhaseFailed || ev.Err != "item not found" {
		t.Fatalf("unexpected event %+v", ev)
	}
}

func TestScheduler_ShutdownDrainsRunningJobs(t *testing.T) {
	s, _ := newTestScheduler(t, Options{})
	release := make(chan struct{})
	finished := make(chan struct{})
	s.Register("slow", func(context.Context, []string) error {
		<-release
		close(finished)
		return nil
	})
	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := s.Dispatch("slow"); err != nil {
		t.Fatal(err)
	}
	time.AfterFunc(50*time.Millisecond, func() { close(release) })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	select {
	case <-finished:
	default:
		t.Fatal("Shutdown returned before the running job finished")
	}
}

func TestScheduler_ShutdownCancelsAfterDeadline(t *testing.T) {
	s, _ := newTestScheduler(t, Options{})
	sawCancel := make(chan struct{})
	s.Register("stuck", func(ctx context.Context, _ []string) error {
		<-ctx.Done()
		close(sawCancel)
		return ctx.Err()
	})
	if err := s.Dispatch("stuck"); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := s.Shutdown(ctx)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline error, got %v", err)
	}
	select {
	case <-sawCancel:
	default:
		t.Fatal("job context was not cancelled")
	}
}

func TestScheduler_RejectsAfterShutdown(t *testing.T) {
	s, _ := newTestScheduler(t, Options{})
	if err := s.Shutdown(context.Background()); err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	if _, err := s.ScheduleOneOff(ctx, "R1", time.Now(), "collect"); !errors.Is(err, ErrShutdown) {
		t.Errorf("ScheduleOneOff: expected ErrShutdown, got %v", err)
	}
	if _, err := s.ScheduleRecurring(ctx, "d", "0 9 * * *", "collect"); !errors.Is(err, ErrShutdown) {
		t.Errorf("ScheduleRecurring: expected ErrShutdown, got %v", err)
	}
	if err := s.Dispatch("collect"); !errors.Is(err, ErrShutdown) {
		t.Errorf("Dispatch: expected ErrShutdown, got %v", err)
	}
	if err := s.Start(ctx); !errors.Is(err, ErrShutdown) {
		t.Errorf("Start: expected ErrShutdown, got %v", err)
	}
	if err := s.Shutdown(ctx); err != nil {
		t.Errorf("second Shutdown: %v", err)
	}
}

func TestScheduler_StartTwice(t *testing.T) {
	s, _ := newTestScheduler(t, Options{})
	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := s.Start(context.Background()); !errors.Is(err, ErrAlreadyStarted) {
		t.Fatalf("expected ErrAlreadyStarted, got %v", err)
	}
}

func TestScheduleRecurring_EvaluatesInZone(t *testing.T) {
	paris, err := time.LoadLocation("Europe/Paris")
	if err != nil {
		t.Skip("tzdata unavailable")
	}
	now := time.Date(2024, 5, 1, 10, 0, 0, 0, paris)
	s, _ := newTestScheduler(t, Options{Location: paris, Now: func() time.Time { return now.UTC() }})

	tr, err := s.ScheduleRecurring(context.Background(), "collect_today", "0 9 * * *", "collect")
	if err != nil {
		t.Fatal(err)
	}
	want := time.Date(2024, 5, 2, 9, 0, 0, 0, paris)
	if !tr.FireAt.Equal(want) {
		t.Errorf("next daily run = %v, want %v", tr.FireAt, want)
	}
	if tr.Kind != KindRecurring || tr.CronExpr != "0 9 * * *" {
		t.Errorf("unexpected trigger %+v", tr)
	}
}

func TestParseMissedPolicy(t *testing.T) {
	tests := []struct {
		in      string
		want    MissedPolicy
		wantErr bool
	}{
		{"", CatchUp, false},
		{"catch-up", CatchUp, false},
		{"drop", Drop, false},
		{"skip", CatchUp, true},
	}
	for _, tt := range tests {
		got, err := ParseMissedPolicy(tt.in)
		if (err != nil) != tt.wantErr || got != tt.want {
			t.Errorf("ParseMissedPolicy(%q) = %v, %v", tt.in, got, err)
		}
	}
	if CatchUp.String() != "catch-up" || Drop.String() != "drop" {
		t.Error("unexpected policy names")
	}
}

func TestEnsureRecurring_KeepsArmedTrigger(t *testing.T) {
	now := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	store := NewMemoryStore()
	ctx := context.Background()
	tomorrow := time.Date(2024, 5, 2, 9, 0, 0, 0, time.UTC)
	_ = store.SaveTrigger(ctx, Trigger{ID: "collect_today", Kind: KindRecurring, FireAt: tomorrow, CronExpr: "0 9 * * *", Action: "collect"})

	s, _ := newTestScheduler(t, Options{Store: store, Now: func() time.Time { return now }})
	if err := s.Start(ctx); err != nil {
		t.Fatal(err)
	}

	got, changed, err := s.EnsureRecurring(ctx, "collect_today", "0 9 * * *", "collect")
	if err != nil {
		t.Fatalf("EnsureRecurring: %v", err)
	}
	if changed || !got.FireAt.Equal(tomorrow) {
		t.Errorf("armed trigger replaced: changed=%v %+v", changed, got)
	}

	got, changed, err = s.EnsureRecurring(ctx, "collect_today", "0 8 * * *", "collect")
	if err != nil {
		t.Fatalf("EnsureRecurring with new cron: %v", err)
	}
	if !changed || got.CronExpr != "0 8 * * *" {
		t.Errorf("cron change not applied: changed=%v %+v", changed, got)
	}
	if p := s.Pending(); len(p) != 1 || p[0].CronExpr != "0 8 * * *" {
		t.Errorf("pending = %+v", p)
	}

	if _, _, err := s.EnsureRecurring(ctx, "collect_today", "nightly", "collect"); !errors.Is(err, ErrInvalidCron) {
		t.Errorf("invalid cron: %v", err)
	}
}
