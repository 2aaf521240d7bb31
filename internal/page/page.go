// Package page defines the browser capability the harvest and collect jobs
// drive. Sessions are scoped: every job invocation opens its own Driver and
// releases it on every path through WithSession.
package page

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"
)

var (
	// ErrSelectorTimeout is returned when WaitForSelector gives up.
	ErrSelectorTimeout = errors.New("page: timed out waiting for selector")

	// ErrSessionClosed is returned by operations on a closed session.
	ErrSessionClosed = errors.New("page: session closed")
)

// Driver is one browser session.
type Driver interface {
	// Navigate loads url and waits until it is ready.
	Navigate(ctx context.Context, url string) error

	// WaitForSelector blocks until an element matching selector exists,
	// returning ErrSelectorTimeout after timeout.
	WaitForSelector(ctx context.Context, selector string, timeout time.Duration) error

	// QueryAll returns the elements currently matching selector in document order.
	QueryAll(ctx context.Context, selector string) ([]Element, error)

	// Evaluate calls script, a JavaScript function expression, with args and
	// returns its JSON-serializable result.
	Evaluate(ctx context.Context, script string, args ...any) (any, error)

	// Close releases the session. Safe to call more than once.
	Close() error
}

// Element is a handle on one element of the current document.
type Element interface {
	ScrollIntoView(ctx context.Context) error
	Click(ctx context.Context) error
	Attribute(name string) (string, bool)
}

// Launcher opens fresh sessions.
type Launcher interface {
	Open(ctx context.Context) (Driver, error)
}

// LauncherFunc adapts a function to Launcher.
type LauncherFunc func(ctx context.Context) (Driver, error)

func (f LauncherFunc) Open(ctx context.Context) (Driver, error) { return f(ctx) }

// WithSession opens a session, runs fn with it and always closes it. When ctx
// is cancelled while fn runs the session is closed immediately so in-flight
// page operations abort instead of leaking.
func WithSession(ctx context.Context, l Launcher, fn func(Driver) error) (err error) {
	d, err := l.Open(ctx)
	if err != nil {
		return fmt.Errorf("page: open session: %w", err)
	}
	var once sync.Once
	closeFn := func() error {
		var cerr error
		once.Do(func() { cerr = d.Close() })
		return cerr
	}
	stop := context.AfterFunc(ctx, func() { _ = closeFn() })
	defer func() {
		stop()
		if cerr := closeFn(); cerr != nil && err == nil {
			err = fmt.Errorf("page: close session: %w", cerr)
		}
	}()
	return fn(d)
}

// EvaluateInto runs script and decodes its result into out.
func EvaluateInto(ctx context.Context, d Driver, out any, script string, args ...any) error {
	v, err := d.Evaluate(ctx, script, args...)
	if err != nil {
		return err
	}
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("page: encode script result: %w", err)
	}
	if err := json.Unmarshal(b, out); err != nil {
		return fmt.Errorf("page: decode script result: %w", err)
	}
	return nil
}
