package scheduler

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/adhocore/gronx"
	"github.com/warpdl/racecard/pkg/logger"
)

const maxSleepCap = 60 * time.Second

// Options configures a Scheduler.
type Options struct {
	// Store persists triggers. Nil means an in-memory store.
	Store TriggerStore
	// Location is the zone cron expressions are evaluated in. Nil means UTC.
	Location *time.Location
	// Missed decides what Start does with overdue triggers.
	Missed MissedPolicy
	Logger logger.Logger
	// Now overrides the clock, for tests.
	Now func() time.Time
}

// Scheduler fires triggers at their time and runs the bound action on its
// own goroutine. It is safe for concurrent use.
type Scheduler struct {
	store  TriggerStore
	loc    *time.Location
	missed MissedPolicy
	log    logger.Logger
	now    func() time.Time

	mu       sync.Mutex
	h        scheduleHeap
	actions  map[string]Action
	hooks    []func(Event)
	started  bool
	closed   bool
	stopLoop context.CancelFunc
	loopDone chan struct{}
	wake     chan struct{}

	jobs      sync.WaitGroup
	jobCtx    context.Context
	jobCancel context.CancelFunc
}

// New returns a stopped Scheduler. Bind actions with Register, then Start it.
func New(opts Options) *Scheduler {
	if opts.Store == nil {
		opts.Store = NewMemoryStore()
	}
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	if opts.Logger == nil {
		opts.Logger = logger.NewNopLogger()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	jobCtx, jobCancel := context.WithCancel(context.Background())
	return &Scheduler{
		store:     opts.Store,
		loc:       opts.Location,
		missed:    opts.Missed,
		log:       opts.Logger,
		now:       opts.Now,
		actions:   make(map[string]Action),
		wake:      make(chan struct{}, 1),
		jobCtx:    jobCtx,
		jobCancel: jobCancel,
	}
}

// Register binds an action name to fn, replacing any previous binding.
func (s *Scheduler) Register(name string, fn Action) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.actions[name] = fn
}

// OnEvent adds a hook called for every job start, finish and failure.
// Hooks run on the job goroutine and must not block.
func (s *Scheduler) OnEvent(fn func(Event)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hooks = append(s.hooks, fn)
}

// Location returns the zone the scheduler evaluates cron expressions in.
func (s *Scheduler) Location() *time.Location { return s.loc }

// ScheduleRecurring registers or replaces the recurring trigger id. The
// first firing is the next occurrence of cronExpr after now.
func (s *Scheduler) ScheduleRecurring(ctx context.Context, id, cronExpr, action string, args ...string) (Trigger, error) {
	if !ValidCron(cronExpr) {
		return Trigger{}, fmt.Errorf("%w: %q", ErrInvalidCron, cronExpr)
	}
	now := s.now()
	next, err := nextOccurrence(cronExpr, now, s.loc)
	if err != nil {
		return Trigger{}, fmt.Errorf("%w: %q: %v", ErrInvalidCron, cronExpr, err)
	}
	t := Trigger{
		ID:        id,
		Kind:      KindRecurring,
		FireAt:    next,
		CronExpr:  cronExpr,
		Action:    action,
		Args:      args,
		UpdatedAt: now,
	}
	return t, s.put(ctx, t)
}

// EnsureRecurring keeps the armed trigger id when it already runs cronExpr
// with the same action and arguments, so a restart does not push back a
// pending firing. Otherwise it behaves like ScheduleRecurring. The boolean
// reports whether the trigger was (re)registered.
func (s *Scheduler) EnsureRecurring(ctx context.Context, id, cronExpr, action string, args ...string) (Trigger, bool, error) {
	if args == nil {
		args = []string{}
	}
	for _, t := range s.Pending() {
		if t.ID == id && t.Kind == KindRecurring && t.CronExpr == cronExpr &&
			t.Action == action && slices.Equal(t.Args, args) {
			return t, false, nil
		}
	}
	t, err := s.ScheduleRecurring(ctx, id, cronExpr, action, args...)
	return t, err == nil, err
}

// ScheduleOneOff registers or replaces the one-off trigger id. A fireAt in
// the past fires as soon as the loop wakes.
func (s *Scheduler) ScheduleOneOff(ctx context.Context, id string, fireAt time.Time, action string, args ...string) (Trigger, error) {
	t := Trigger{
		ID:        id,
		Kind:      KindOneOff,
		FireAt:    fireAt,
		Action:    action,
		Args:      args,
		UpdatedAt: s.now(),
	}
	return t, s.put(ctx, t)
}

func (s *Scheduler) put(ctx context.Context, t Trigger) error {
	if t.ID == "" {
		return ErrInvalidTrigger
	}
	if t.Args == nil {
		t.Args = []string{}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrShutdown
	}
	if _, ok := s.actions[t.Action]; !ok {
		return fmt.Errorf("%w: %q", ErrUnknownAction, t.Action)
	}
	if err := s.store.SaveTrigger(ctx, t); err != nil {
		return fmt.Errorf("scheduler: persist trigger %s: %w", t.ID, err)
	}
	heapReplace(&s.h, t)
	s.signal()
	return nil
}

// Remove deletes the trigger id. Removing an unknown id is not an error.
func (s *Scheduler) Remove(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrShutdown
	}
	if err := s.store.DeleteTrigger(ctx, id); err != nil {
		return fmt.Errorf("scheduler: delete trigger %s: %w", id, err)
	}
	if heapRemoveByID(&s.h, id) {
		s.signal()
	}
	return nil
}

// Pending returns the live triggers ordered by fire time.
func (s *Scheduler) Pending() []Trigger {
	s.mu.Lock()
	out := slices.Clone([]Trigger(s.h))
	s.mu.Unlock()
	slices.SortStableFunc(out, func(a, b Trigger) int { return a.FireAt.Compare(b.FireAt) })
	return out
}

// Dispatch runs action now, outside the schedule, with the same isolation
// and shutdown draining as scheduled jobs.
func (s *Scheduler) Dispatch(action string, args ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrShutdown
	}
	if _, ok := s.actions[action]; !ok {
		return fmt.Errorf("%w: %q", ErrUnknownAction, action)
	}
	t := Trigger{ID: "manual:" + action, Action: action, Args: args, FireAt: s.now()}
	s.jobs.Add(1)
	go s.execute(t)
	return nil
}

// Start loads persisted triggers, applies the missed policy and starts the
// loop. The loop stops when ctx is cancelled or Shutdown is called.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrShutdown
	}
	if s.started {
		return ErrAlreadyStarted
	}
	stored, err := s.store.LoadTriggers(ctx)
	if err != nil {
		return fmt.Errorf("scheduler: load triggers: %w", err)
	}
	now := s.now()
	for _, t := range stored {
		if _, ok := s.actions[t.Action]; !ok {
			s.log.Warning("scheduler: trigger %s references unknown action %q, not armed", t.ID, t.Action)
			continue
		}
		if t.FireAt.After(now) || s.missed == CatchUp {
			if !t.FireAt.After(now) {
				s.log.Info("scheduler: catching up missed trigger %s (due %s)", t.ID, t.FireAt.Format(time.RFC3339))
			}
			heapReplace(&s.h, t)
			continue
		}
		s.dropMissed(ctx, t, now)
	}

	loopCtx, cancel := context.WithCancel(ctx)
	s.stopLoop = cancel
	s.loopDone = make(chan struct{})
	s.started = true
	go s.run(loopCtx)
	s.log.Info("scheduler: started with %d triggers (missed policy %s)", s.h.Len(), s.missed)
	return nil
}

// dropMissed handles an overdue trigger under the Drop policy. Caller holds s.mu.
func (s *Scheduler) dropMissed(ctx context.Context, t Trigger, now time.Time) {
	if t.Kind != KindRecurring {
		s.log.Warning("scheduler: dropping missed trigger %s (due %s)", t.ID, t.FireAt.Format(time.RFC3339))
		if err := s.store.DeleteTrigger(ctx, t.ID); err != nil {
			s.log.Error("scheduler: delete missed trigger %s: %v", t.ID, err)
		}
		return
	}
	next, err := nextOccurrence(t.CronExpr, now, s.loc)
	if err != nil {
		s.log.Error("scheduler: re-arm %s: %v", t.ID, err)
		return
	}
	t.FireAt, t.UpdatedAt = next, now
	if err := s.store.SaveTrigger(ctx, t); err != nil {
		s.log.Error("scheduler: persist re-armed trigger %s: %v", t.ID, err)
	}
	heapReplace(&s.h, t)
}

// run is the loop goroutine. It sleeps until the earliest trigger, capped
// at maxSleepCap, and wakes early whenever the heap changes.
func (s *Scheduler) run(ctx context.Context) {
	defer close(s.loopDone)
	timer := time.NewTimer(maxSleepCap)
	defer timer.Stop()

	for {
		timer.Reset(s.nextWait())
		select {
		case <-ctx.Done():
			return
		case <-s.wake:
		case <-timer.C:
			s.fireDue(ctx)
		}
	}
}

func (s *Scheduler) nextWait() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.h.Len() == 0 {
		return maxSleepCap
	}
	dur := s.h[0].FireAt.Sub(s.now())
	if dur > maxSleepCap {
		dur = maxSleepCap
	}
	if dur < 0 {
		dur = 0
	}
	return dur
}

// fireDue pops every trigger whose time has come, updates the store and
// launches the jobs. One-off triggers are consumed; recurring triggers are
// re-armed at their next occurrence.
func (s *Scheduler) fireDue(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	now := s.now()
	for s.h.Len() > 0 && !s.h[0].FireAt.After(now) {
		t := heapPop(&s.h)
		if t.Kind == KindRecurring {
			s.rearm(ctx, t, now)
		} else if err := s.store.DeleteTrigger(ctx, t.ID); err != nil {
			s.log.Error("scheduler: delete fired trigger %s: %v", t.ID, err)
		}
		s.jobs.Add(1)
		go s.execute(t)
	}
}

// rearm pushes the next occurrence of a fired recurring trigger. Caller holds s.mu.
func (s *Scheduler) rearm(ctx context.Context, t Trigger, now time.Time) {
	next, err := nextOccurrence(t.CronExpr, now, s.loc)
	if err != nil {
		s.log.Error("scheduler: re-arm %s: %v", t.ID, err)
		return
	}
	t.FireAt, t.UpdatedAt = next, now
	if err := s.store.SaveTrigger(ctx, t); err != nil {
		s.log.Error("scheduler: persist re-armed trigger %s: %v", t.ID, err)
	}
	heapPush(&s.h, t)
}

// execute runs one job. Panics and errors are logged and reported to hooks;
// they never reach the loop.
func (s *Scheduler) execute(t Trigger) {
	defer s.jobs.Done()
	s.mu.Lock()
	fn := s.actions[t.Action]
	s.mu.Unlock()

	s.emit(Event{TriggerID: t.ID, Action: t.Action, Args: t.Args, Phase: PhaseStarted, At: s.now()})
	err := s.call(fn, t)
	ev := Event{TriggerID: t.ID, Action: t.Action, Args: t.Args, Phase: PhaseFinished, At: s.now()}
	if err != nil {
		s.log.Error("scheduler: %s %v failed: %v", t.Action, t.Args, err)
		ev.Phase, ev.Err = PhaseFailed, err.Error()
	}
	s.emit(ev)
}

func (s *Scheduler) call(fn Action, t Trigger) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("scheduler: action %s panicked: %v", t.Action, r)
		}
	}()
	if fn == nil {
		return fmt.Errorf("%w: %q", ErrUnknownAction, t.Action)
	}
	return fn(s.jobCtx, t.Args)
}

func (s *Scheduler) emit(ev Event) {
	s.mu.Lock()
	hooks := slices.Clone(s.hooks)
	s.mu.Unlock()
	for _, h := range hooks {
		h(ev)
	}
}

// signal wakes the loop without blocking.
func (s *Scheduler) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Shutdown stops accepting registrations, stops the loop and waits for
// running jobs. When ctx ends first the jobs' context is cancelled and
// Shutdown still waits for them to return, reporting ctx's error.
func (s *Scheduler) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	stop, loopDone := s.stopLoop, s.loopDone
	s.mu.Unlock()

	if stop != nil {
		stop()
		<-loopDone
	}

	done := make(chan struct{})
	go func() {
		s.jobs.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.jobCancel()
		return nil
	case <-ctx.Done():
		s.log.Warning("scheduler: drain deadline reached, cancelling running jobs")
		s.jobCancel()
		<-done
		return fmt.Errorf("scheduler: jobs cancelled: %w", ctx.Err())
	}
}

// nextOccurrence returns the next time expr fires strictly after start,
// evaluated in loc. Uses gronx.NextTickAfter with inclRefTime=false.
func nextOccurrence(expr string, start time.Time, loc *time.Location) (time.Time, error) {
	return gronx.NextTickAfter(expr, start.In(loc), false)
}

// ValidCron reports whether expr is a 5-field cron expression
// (minute hour day-of-month month day-of-week). gronx alone also accepts
// a seconds field.
func ValidCron(expr string) bool {
	return len(strings.Fields(expr)) == 5 && gronx.IsValid(expr)
}
