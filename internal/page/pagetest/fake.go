// Package pagetest provides scriptable page.Driver fakes for job tests.
package pagetest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/warpdl/racecard/internal/page"
)

// Element is a fake page.Element.
type Element struct {
	Attrs   map[string]string
	OnClick func() error

	mu       sync.Mutex
	Clicks   int
	Scrolled int
}

func (e *Element) ScrollIntoView(context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.Scrolled++
	return nil
}

func (e *Element) Click(context.Context) error {
	e.mu.Lock()
	e.Clicks++
	fn := e.OnClick
	e.mu.Unlock()
	if fn != nil {
		return fn()
	}
	return nil
}

func (e *Element) Attribute(name string) (string, bool) {
	v, ok := e.Attrs[name]
	return v, ok
}

// Driver is a fake page.Driver. Unset hooks behave as an empty page:
// QueryAll returns nothing and WaitForSelector times out immediately.
type Driver struct {
	NavigateFunc func(url string) error
	QueryFunc    func(selector string) []page.Element
	EvalFunc     func(script string, args []any) (any, error)
	// WaitFunc overrides the default WaitForSelector behaviour, which
	// succeeds when QueryFunc returns at least one element.
	WaitFunc func(ctx context.Context, selector string, timeout time.Duration) error

	mu        sync.Mutex
	Navigated []string
	Waited    []string
	closed    int
}

func (d *Driver) Navigate(_ context.Context, url string) error {
	d.mu.Lock()
	d.Navigated = append(d.Navigated, url)
	d.mu.Unlock()
	if d.NavigateFunc != nil {
		return d.NavigateFunc(url)
	}
	return nil
}

func (d *Driver) WaitForSelector(ctx context.Context, selector string, timeout time.Duration) error {
	d.mu.Lock()
	d.Waited = append(d.Waited, selector)
	d.mu.Unlock()
	if d.WaitFunc != nil {
		return d.WaitFunc(ctx, selector, timeout)
	}
	if d.QueryFunc != nil && len(d.QueryFunc(selector)) > 0 {
		return nil
	}
	return fmt.Errorf("%w: %s", page.ErrSelectorTimeout, selector)
}

func (d *Driver) QueryAll(_ context.Context, selector string) ([]page.Element, error) {
	if d.QueryFunc == nil {
		return nil, nil
	}
	return d.QueryFunc(selector), nil
}

func (d *Driver) Evaluate(_ context.Context, script string, args ...any) (any, error) {
	if d.EvalFunc == nil {
		return nil, nil
	}
	return d.EvalFunc(script, args)
}

func (d *Driver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed++
	return nil
}

// Closed reports how many times Close was called.
func (d *Driver) Closed() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closed
}

// Launcher hands out drivers built by New and records them.
type Launcher struct {
	New     func() *Driver
	OpenErr error

	mu      sync.Mutex
	Drivers []*Driver
}

func (l *Launcher) Open(context.Context) (page.Driver, error) {
	if l.OpenErr != nil {
		return nil, l.OpenErr
	}
	d := l.New()
	l.mu.Lock()
	l.Drivers = append(l.Drivers, d)
	l.mu.Unlock()
	return d, nil
}

// Opened returns the drivers opened so far.
func (l *Launcher) Opened() []*Driver {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]*Driver(nil), l.Drivers...)
}

// Elements builds n fake elements carrying attr=prefix<i>.
func Elements(n int, attr, prefix string) []page.Element {
	els := make([]page.Element, n)
	for i := range els {
		els[i] = &Element{Attrs: map[string]string{attr: fmt.Sprintf("%s%d", prefix, i+1)}}
	}
	return els
}
