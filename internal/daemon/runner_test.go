package daemon

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/warpdl/racecard/pkg/logger"
)

// fakeService records lifecycle calls. As a server, Start blocks until ctx
// is done or Shutdown is called.
type fakeService struct {
	mu          *sync.Mutex
	order       *[]string
	name        string
	blocking    bool
	startErr    error
	serveErr    error
	shutdownErr error
	slowStop    time.Duration
	started     chan struct{}
	stopped     chan struct{}
	once        sync.Once
}

// orderMu guards every order slice shared between fakes.
var orderMu sync.Mutex

func newFake(name string, order *[]string, blocking bool) *fakeService {
	return &fakeService{
		mu: &orderMu, name: name, order: order, blocking: blocking,
		started: make(chan struct{}), stopped: make(chan struct{}),
	}
}

func (f *fakeService) record(ev string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	*f.order = append(*f.order, f.name+"."+ev)
}

func (f *fakeService) Start(ctx context.Context) error {
	if f.startErr != nil {
		return f.startErr
	}
	f.record("start")
	close(f.started)
	if !f.blocking {
		return nil
	}
	if f.serveErr != nil {
		return f.serveErr
	}
	select {
	case <-ctx.Done():
	case <-f.stopped:
	}
	return nil
}

func (f *fakeService) Shutdown(ctx context.Context) error {
	f.record("shutdown")
	f.once.Do(func() { close(f.stopped) })
	if f.slowStop > 0 {
		select {
		case <-time.After(f.slowStop):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return f.shutdownErr
}

type rig struct {
	order  []string
	sched  *fakeService
	server *fakeService
	closed int
	runner *Runner
}

func newRig(t *testing.T, cfg *Config) *rig {
	t.Helper()
	r := &rig{}
	r.sched = newFake("scheduler", &r.order, false)
	r.server = newFake("server", &r.order, true)
	var mu sync.Mutex
	runner, err := New(cfg, &Dependencies{
		Scheduler: r.sched,
		Server:    r.server,
		Logger:    logger.NewNopLogger(),
		ShutdownFunc: func() error {
			mu.Lock()
			defer mu.Unlock()
			r.closed++
			return nil
		},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	r.runner = runner
	return r
}

func startAsync(r *Runner, ctx context.Context) <-chan error {
	errCh := make(chan error, 1)
	go func() { errCh <- r.Start(ctx) }()
	return errCh
}

func waitRunning(t *testing.T, r *Runner) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !r.IsRunning() {
		if time.Now().After(deadline) {
			t.Fatal("runner did not start")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestNew_RequiresComponents(t *testing.T) {
	if _, err := New(nil, nil); err == nil {
		t.Fatal("expected error without dependencies")
	}
	if _, err := New(nil, &Dependencies{Scheduler: newFake("s", new([]string), false)}); err == nil {
		t.Fatal("expected error without a server")
	}
}

func TestNew_NilConfig(t *testing.T) {
	order := []string{}
	r, err := New(nil, &Dependencies{
		Scheduler: newFake("s", &order, false),
		Server:    newFake("h", &order, true),
	})
	if err != nil {
		t.Fatal(err)
	}
	if r.Config() == nil || r.Config().PidFile != "" || r.Config().ShutdownTimeout != 0 {
		t.Errorf("unexpected default config: %+v", r.Config())
	}
}

func TestRunner_StartAndShutdown(t *testing.T) {
	pidPath := filepath.Join(t.TempDir(), PidFileName)
	rg := newRig(t, &Config{PidFile: pidPath, ShutdownTimeout: time.Second})

	errCh := startAsync(rg.runner, context.Background())
	waitRunning(t, rg.runner)
	<-rg.server.started

	pid, err := ReadPidFile(pidPath)
	if err != nil {
		t.Fatalf("pid file not written: %v", err)
	}
	if pid != os.Getpid() {
		t.Errorf("pid = %d, want %d", pid, os.Getpid())
	}

	if err := rg.runner.Shutdown(); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if err := <-errCh; err != nil {
		t.Fatalf("Start returned %v", err)
	}
	if rg.runner.IsRunning() {
		t.Error("runner still running")
	}
	if _, err := os.Stat(pidPath); !os.IsNotExist(err) {
		t.Errorf("pid file not removed: %v", err)
	}
	if rg.closed != 1 {
		t.Errorf("ShutdownFunc ran %d times", rg.closed)
	}

	want := []string{"scheduler.start", "server.start", "server.shutdown", "scheduler.shutdown"}
	if len(rg.order) != len(want) {
		t.Fatalf("order = %v, want %v", rg.order, want)
	}
	for i := range want {
		if rg.order[i] != want[i] {
			t.Fatalf("order = %v, want %v", rg.order, want)
		}
	}
}

func TestRunner_ContextCancellationStops(t *testing.T) {
	rg := newRig(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	errCh := startAsync(rg.runner, ctx)
	waitRunning(t, rg.runner)
	cancel()
	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("Start: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("runner did not stop on cancel")
	}
}

func TestRunner_StartTwice(t *testing.T) {
	rg := newRig(t, nil)
	errCh := startAsync(rg.runner, context.Background())
	waitRunning(t, rg.runner)
	if err := rg.runner.Start(context.Background()); !errors.Is(err, ErrAlreadyRunning) {
		t.Errorf("second Start = %v, want ErrAlreadyRunning", err)
	}
	_ = rg.runner.Shutdown()
	<-errCh
}

func TestRunner_ShutdownNotRunning(t *testing.T) {
	rg := newRig(t, nil)
	if err := rg.runner.Shutdown(); !errors.Is(err, ErrNotRunning) {
		t.Errorf("Shutdown = %v, want ErrNotRunning", err)
	}
}

func TestRunner_SchedulerStartFails(t *testing.T) {
	pidPath := filepath.Join(t.TempDir(), PidFileName)
	rg := newRig(t, &Config{PidFile: pidPath})
	rg.sched.startErr = errors.New("load triggers: disk gone")

	err := rg.runner.Start(context.Background())
	if err == nil || !errors.Is(err, rg.sched.startErr) {
		t.Fatalf("Start = %v", err)
	}
	if rg.runner.IsRunning() {
		t.Error("runner must not be running")
	}
	if _, err := os.Stat(pidPath); !os.IsNotExist(err) {
		t.Error("pid file must be released when start fails")
	}
	if rg.closed != 1 {
		t.Error("cleanup must run when start fails")
	}
}

func TestRunner_ServerFailureStopsDaemon(t *testing.T) {
	rg := newRig(t, nil)
	rg.server.serveErr = errors.New("address already in use")

	err := rg.runner.Start(context.Background())
	if !errors.Is(err, rg.server.serveErr) {
		t.Fatalf("Start = %v, want the serve error", err)
	}
	if rg.closed != 1 {
		t.Error("cleanup must run after a server failure")
	}
}

func TestRunner_ShutdownTimeout(t *testing.T) {
	rg := newRig(t, &Config{ShutdownTimeout: 20 * time.Millisecond})
	rg.sched.slowStop = time.Second

	errCh := startAsync(rg.runner, context.Background())
	waitRunning(t, rg.runner)
	err := rg.runner.Shutdown()
	if !errors.Is(err, ErrShutdownTimeout) {
		t.Fatalf("Shutdown = %v, want ErrShutdownTimeout", err)
	}
	if !errors.Is(<-errCh, ErrShutdownTimeout) {
		t.Error("Start must report the timeout too")
	}
	if rg.closed != 1 {
		t.Error("cleanup must run after a timeout")
	}
}

func TestRunner_LivePidFileBlocksStart(t *testing.T) {
	pidPath := filepath.Join(t.TempDir(), PidFileName)
	// The parent of the test process is alive and is not us.
	if err := os.WriteFile(pidPath, []byte(strconv.Itoa(os.Getppid())), 0644); err != nil {
		t.Fatal(err)
	}
	rg := newRig(t, &Config{PidFile: pidPath})
	if err := rg.runner.Start(context.Background()); !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("Start = %v, want ErrAlreadyRunning", err)
	}
	if len(rg.order) != 0 {
		t.Errorf("nothing should start, got %v", rg.order)
	}
}
