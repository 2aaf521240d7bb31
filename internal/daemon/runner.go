// Package daemon runs the racecard scheduler and ops server as one process.
// It manages the lifecycle: PID file, start order, graceful shutdown with a
// deadline and cleanup.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/warpdl/racecard/pkg/logger"
)

// Sentinel errors for the daemon runner.
var (
	// ErrAlreadyRunning is returned when Start() is called on a running daemon,
	// or when the PID file names another live process.
	ErrAlreadyRunning = errors.New("daemon is already running")

	// ErrNotRunning is returned when Shutdown() is called on a stopped daemon.
	ErrNotRunning = errors.New("daemon is not running")

	// ErrShutdownTimeout is returned when shutdown exceeds the configured timeout.
	ErrShutdownTimeout = errors.New("shutdown timed out")
)

// Scheduler is started before the server and stopped after it.
type Scheduler interface {
	Start(ctx context.Context) error
	Shutdown(ctx context.Context) error
}

// Server blocks in Start until ctx is cancelled or Shutdown is called.
type Server interface {
	Start(ctx context.Context) error
	Shutdown(ctx context.Context) error
}

// Config holds the configuration for the daemon runner.
type Config struct {
	// PidFile is written on start and removed on stop. Empty disables it.
	PidFile string

	// ShutdownTimeout bounds the drain of the server and running jobs.
	// A zero value means no timeout.
	ShutdownTimeout time.Duration
}

// Dependencies holds the components the runner drives.
type Dependencies struct {
	Scheduler Scheduler
	Server    Server
	Logger    logger.Logger

	// ShutdownFunc is called last during shutdown, e.g. to close the store.
	ShutdownFunc func() error
}

// Runner manages the daemon lifecycle.
type Runner struct {
	config  *Config
	deps    *Dependencies
	log     logger.Logger
	running bool
	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	result  error
}

// New creates a daemon runner. A nil config means no PID file and no
// shutdown timeout.
func New(config *Config, deps *Dependencies) (*Runner, error) {
	if config == nil {
		config = &Config{}
	}
	if deps == nil || deps.Scheduler == nil || deps.Server == nil {
		return nil, errors.New("daemon: scheduler and server are required")
	}
	return &Runner{
		config: config,
		deps:   deps,
		log:    logger.Named(deps.Logger, "daemon"),
	}, nil
}

// Config returns the runner's configuration.
func (r *Runner) Config() *Config {
	return r.config
}

// Start runs the daemon and blocks until ctx is cancelled, Shutdown is
// called or the server fails. It returns the shutdown error, if any.
// ShutdownFunc has run by the time Start returns, except when the daemon
// was already running.
func (r *Runner) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return ErrAlreadyRunning
	}
	if err := r.claimPidFile(); err != nil {
		r.mu.Unlock()
		return err
	}
	ctx, cancel := context.WithCancel(ctx)
	if err := r.deps.Scheduler.Start(ctx); err != nil {
		cancel()
		r.releasePidFile()
		r.mu.Unlock()
		return errors.Join(fmt.Errorf("start scheduler: %w", err), r.cleanup())
	}
	r.cancel = cancel
	r.done = make(chan struct{})
	r.result = nil
	r.running = true
	r.mu.Unlock()

	serveErr := make(chan error, 1)
	go func() { serveErr <- r.deps.Server.Start(ctx) }()

	var runErr error
	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil {
			r.log.Error("server stopped: %v", err)
			runErr = fmt.Errorf("server: %w", err)
		}
	}
	cancel()

	err := errors.Join(runErr, r.stop())
	r.mu.Lock()
	r.running = false
	r.result = err
	close(r.done)
	r.mu.Unlock()
	return err
}

// stop drains the server, then the scheduler, then runs ShutdownFunc.
func (r *Runner) stop() error {
	r.log.Info("shutting down")
	ctx := context.Background()
	if r.config.ShutdownTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.config.ShutdownTimeout)
		defer cancel()
	}
	var errs []error
	if err := r.deps.Server.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("server: %w", err))
	}
	if err := r.deps.Scheduler.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("scheduler: %w", err))
	}
	if ctx.Err() != nil {
		errs = append(errs, ErrShutdownTimeout)
	}
	r.releasePidFile()
	if len(errs) == 0 {
		r.log.Info("stopped")
	}
	if err := r.cleanup(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// cleanup runs ShutdownFunc, which may close the logger, so nothing logs after it.
func (r *Runner) cleanup() error {
	if r.deps.ShutdownFunc == nil {
		return nil
	}
	return r.deps.ShutdownFunc()
}

// Shutdown stops a running daemon and waits for Start to return.
// Returns ErrNotRunning if the daemon is not running.
func (r *Runner) Shutdown() error {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return ErrNotRunning
	}
	cancel, done := r.cancel, r.done
	r.mu.Unlock()

	cancel()
	<-done

	r.mu.Lock()
	defer r.mu.Unlock()
	return r.result
}

// IsRunning returns true if the daemon is currently running.
func (r *Runner) IsRunning() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running
}

// claimPidFile writes the PID file unless another live daemon owns it.
// Caller must hold the mutex.
func (r *Runner) claimPidFile() error {
	if r.config.PidFile == "" {
		return nil
	}
	if pid, err := ReadPidFile(r.config.PidFile); err == nil && pid != currentPid() && isProcessRunning(pid) {
		return fmt.Errorf("%w (PID %d)", ErrAlreadyRunning, pid)
	}
	if err := WritePidFile(r.config.PidFile); err != nil {
		return fmt.Errorf("write pid file: %w", err)
	}
	return nil
}

// releasePidFile removes the PID file. Errors are logged, cleanup proceeds.
func (r *Runner) releasePidFile() {
	if r.config.PidFile == "" {
		return
	}
	if err := RemovePidFile(r.config.PidFile); err != nil {
		r.log.Warning("remove pid file: %v", err)
	}
}
