// Package htmldriver implements page.Driver over plain HTTP. Pages are
// fetched with an http.Client, parsed with x/net/html and queried with CSS
// selectors; extraction scripts run in a goja runtime against a read-only
// document model. It does not execute the page's own JavaScript, so it suits
// cards that are rendered server side.
package htmldriver

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/andybalholm/cascadia"
	"github.com/warpdl/racecard/internal/page"
	"github.com/warpdl/racecard/pkg/logger"
	"golang.org/x/net/html"
)

const (
	defaultPollInterval = time.Second
	defaultUserAgent    = "Mozilla/5.0 (X11; Linux x86_64) racecard"
)

// maxDocumentSize caps the body read for one page.
var maxDocumentSize int64 = 16 << 20

// ErrNotClickable is returned by Element.Click when the element has no link to follow.
var ErrNotClickable = errors.New("htmldriver: element has no link to follow")

// ErrDocumentTooLarge is returned when a page body exceeds maxDocumentSize.
var ErrDocumentTooLarge = errors.New("htmldriver: document too large")

// Options configures a Launcher.
type Options struct {
	// Client performs the page requests. http.DefaultClient when nil.
	Client *http.Client
	// UserAgent is sent with every request.
	UserAgent string
	// PollInterval is how often WaitForSelector re-fetches the page.
	PollInterval time.Duration
	// Logger receives console output of evaluated scripts.
	Logger logger.Logger
}

// Launcher opens HTTP-backed sessions.
type Launcher struct {
	opts Options
}

// New returns a Launcher with defaults applied to opts.
func New(opts Options) *Launcher {
	if opts.Client == nil {
		opts.Client = http.DefaultClient
	}
	if opts.UserAgent == "" {
		opts.UserAgent = defaultUserAgent
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = defaultPollInterval
	}
	if opts.Logger == nil {
		opts.Logger = logger.NewNopLogger()
	}
	return &Launcher{opts: opts}
}

// Open returns a fresh session with no document loaded.
func (l *Launcher) Open(_ context.Context) (page.Driver, error) {
	return &Session{
		opts:      l.opts,
		selectors: make(map[string]cascadia.Selector),
	}, nil
}

var _ page.Launcher = (*Launcher)(nil)

// Session is one page.Driver session.
type Session struct {
	opts Options

	mu        sync.Mutex
	closed    bool
	loc       *url.URL
	doc       *html.Node
	selectors map[string]cascadia.Selector
}

var _ page.Driver = (*Session)(nil)

// Navigate fetches rawURL, resolved against the current document's URL.
func (s *Session) Navigate(ctx context.Context, rawURL string) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return page.ErrSessionClosed
	}
	target, err := s.resolve(rawURL)
	s.mu.Unlock()
	if err != nil {
		return err
	}
	doc, err := s.fetch(ctx, target)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return page.ErrSessionClosed
	}
	s.loc, s.doc = target, doc
	return nil
}

// resolve must be called with s.mu held.
func (s *Session) resolve(rawURL string) (*url.URL, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("htmldriver: invalid url %q: %w", rawURL, err)
	}
	if s.loc != nil {
		u = s.loc.ResolveReference(u)
	}
	if !u.IsAbs() {
		return nil, fmt.Errorf("htmldriver: url %q is not absolute", rawURL)
	}
	return u, nil
}

func (s *Session) fetch(ctx context.Context, u *url.URL) (*html.Node, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", s.opts.UserAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml")
	resp, err := s.opts.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("htmldriver: GET %s: %w", u, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("htmldriver: GET %s: unexpected status %s", u, resp.Status)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxDocumentSize+1))
	if err != nil {
		return nil, fmt.Errorf("htmldriver: read %s: %w", u, err)
	}
	if int64(len(body)) > maxDocumentSize {
		return nil, fmt.Errorf("%w: %s exceeds %d bytes", ErrDocumentTooLarge, u, maxDocumentSize)
	}
	doc, err := html.Parse(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("htmldriver: parse %s: %w", u, err)
	}
	return doc, nil
}

// WaitForSelector re-fetches the current page every PollInterval until the
// selector matches or timeout elapses.
func (s *Session) WaitForSelector(ctx context.Context, selector string, timeout time.Duration) error {
	sel, err := s.compile(selector)
	if err != nil {
		return err
	}
	deadline := time.Now().Add(timeout)
	for {
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return page.ErrSessionClosed
		}
		doc, loc := s.doc, s.loc
		s.mu.Unlock()
		if doc == nil {
			return errors.New("htmldriver: no document loaded")
		}
		if sel.MatchFirst(doc) != nil {
			return nil
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return fmt.Errorf("%w: %s", page.ErrSelectorTimeout, selector)
		}
		wait := s.opts.PollInterval
		if wait > remaining {
			wait = remaining
		}
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("%w: %s", page.ErrSelectorTimeout, selector)
		}
		fresh, err := s.fetch(ctx, loc)
		if err != nil {
			return err
		}
		s.mu.Lock()
		if s.loc == loc {
			s.doc = fresh
		}
		s.mu.Unlock()
	}
}

// QueryAll returns the matching elements in document order.
func (s *Session) QueryAll(_ context.Context, selector string) ([]page.Element, error) {
	sel, err := s.compile(selector)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, page.ErrSessionClosed
	}
	if s.doc == nil {
		return nil, nil
	}
	nodes := sel.MatchAll(s.doc)
	els := make([]page.Element, 0, len(nodes))
	for _, n := range nodes {
		els = append(els, &element{s: s, n: n})
	}
	return els, nil
}

// Close drops the loaded document. Further calls fail with page.ErrSessionClosed.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.doc = nil
	return nil
}

func (s *Session) compile(selector string) (cascadia.Selector, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sel, ok := s.selectors[selector]; ok {
		return sel, nil
	}
	sel, err := cascadia.Compile(selector)
	if err != nil {
		return nil, fmt.Errorf("htmldriver: invalid selector %q: %w", selector, err)
	}
	s.selectors[selector] = sel
	return sel, nil
}

func (s *Session) snapshot() (*html.Node, *url.URL, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, nil, page.ErrSessionClosed
	}
	if s.doc == nil {
		return nil, nil, errors.New("htmldriver: no document loaded")
	}
	return s.doc, s.loc, nil
}

type element struct {
	s *Session
	n *html.Node
}

func (e *element) Attribute(name string) (string, bool) {
	return attr(e.n, name)
}

// ScrollIntoView is a no-op: a fetched document is already complete.
func (e *element) ScrollIntoView(_ context.Context) error {
	e.s.mu.Lock()
	defer e.s.mu.Unlock()
	if e.s.closed {
		return page.ErrSessionClosed
	}
	return nil
}

// Click follows the link carried by the element, its nearest anchor
// ancestor, or its first anchor descendant. Buttons without a link only
// drive scripts, which a fetched document does not run, so clicking one
// succeeds without effect.
func (e *element) Click(ctx context.Context) error {
	href, ok := linkOf(e.n)
	if !ok {
		if e.n.Data == "button" {
			return e.ScrollIntoView(ctx)
		}
		return ErrNotClickable
	}
	return e.s.Navigate(ctx, href)
}

func linkOf(n *html.Node) (string, bool) {
	for p := n; p != nil; p = p.Parent {
		if p.Type != html.ElementNode {
			continue
		}
		if v, ok := attr(p, "href"); ok && v != "" {
			return v, true
		}
		if v, ok := attr(p, "data-href"); ok && v != "" {
			return v, true
		}
	}
	var found string
	var walk func(*html.Node) bool
	walk = func(c *html.Node) bool {
		for ; c != nil; c = c.NextSibling {
			if c.Type == html.ElementNode && c.Data == "a" {
				if v, ok := attr(c, "href"); ok && v != "" {
					found = v
					return true
				}
			}
			if walk(c.FirstChild) {
				return true
			}
		}
		return false
	}
	if walk(n.FirstChild) {
		return found, true
	}
	return "", false
}
