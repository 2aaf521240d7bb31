// Package rcclient talks to a running racecard daemon over JSON-RPC.
package rcclient

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/creachadair/jrpc2"
	"github.com/creachadair/jrpc2/jhttp"
	"github.com/warpdl/racecard/common"
	"github.com/warpdl/racecard/internal/server"
	"github.com/warpdl/racecard/internal/store"
)

// VersionCheckEnv suppresses the daemon version mismatch warning when set.
const VersionCheckEnv = "RACECARD_SUPPRESS_VERSION_CHECK"

// ErrNotFound is returned when the daemon has no record for the request.
var ErrNotFound = errors.New("rcclient: not found")

// codeNotFound mirrors the daemon's not-found code.
const codeNotFound = jrpc2.Code(-32001)

// Client is a JSON-RPC client bound to one daemon.
type Client struct {
	rpc *jrpc2.Client
	url string
}

type tokenClient struct {
	token string
	base  *http.Client
}

func (t *tokenClient) Do(req *http.Request) (*http.Response, error) {
	if t.token != "" {
		req.Header.Set("Authorization", "Bearer "+t.token)
	}
	return t.base.Do(req)
}

// New returns a client for the daemon listening at addr (host:port or a
// full http URL). token may be empty when the daemon runs without a secret.
func New(addr, token string) *Client {
	url := addr
	if !strings.HasPrefix(url, "http://") && !strings.HasPrefix(url, "https://") {
		url = "http://" + url
	}
	url = strings.TrimSuffix(url, "/") + "/jsonrpc"
	ch := jhttp.NewChannel(url, &jhttp.ChannelOptions{
		Client: &tokenClient{token: token, base: &http.Client{Timeout: 30 * time.Second}},
	})
	return &Client{rpc: jrpc2.NewClient(ch, nil), url: url}
}

// Close releases the underlying channel.
func (c *Client) Close() error {
	return c.rpc.Close()
}

func call[T any](ctx context.Context, c *Client, method common.Method, params any) (*T, error) {
	var out T
	if err := c.rpc.CallResult(ctx, string(method), params, &out); err != nil {
		var rerr *jrpc2.Error
		if errors.As(err, &rerr) && rerr.Code == codeNotFound {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, rerr.Message)
		}
		return nil, fmt.Errorf("%s: %w", method, err)
	}
	return &out, nil
}

// Version returns the daemon build information.
func (c *Client) Version(ctx context.Context) (*server.VersionResult, error) {
	return call[server.VersionResult](ctx, c, common.METHOD_VERSION, nil)
}

// Collect queues a harvest of today's race card.
func (c *Client) Collect(ctx context.Context) (*server.QueuedResult, error) {
	return call[server.QueuedResult](ctx, c, common.METHOD_COLLECT, nil)
}

// Scrape queues a collection of one race.
func (c *Client) Scrape(ctx context.Context, raceID string) (*server.QueuedResult, error) {
	return call[server.QueuedResult](ctx, c, common.METHOD_SCRAPE, &server.RaceParam{RaceID: raceID})
}

// Races lists the races of day (YYYY-MM-DD, empty for today). A nil limit
// uses the daemon default.
func (c *Client) Races(ctx context.Context, day string, limit *int) (*server.RaceListResult, error) {
	return call[server.RaceListResult](ctx, c, common.METHOD_RACE_LIST, &server.RaceListParams{Limit: limit, Day: day})
}

// Latest returns the most recent snapshot of any race.
func (c *Client) Latest(ctx context.Context) (*store.Snapshot, error) {
	return call[store.Snapshot](ctx, c, common.METHOD_SNAPSHOT_LATEST, nil)
}

// Snapshot returns the most recent snapshot of raceID.
func (c *Client) Snapshot(ctx context.Context, raceID string) (*store.Snapshot, error) {
	return call[store.Snapshot](ctx, c, common.METHOD_SNAPSHOT_GET, &server.RaceParam{RaceID: raceID})
}

// Triggers lists the daemon's armed triggers.
func (c *Client) Triggers(ctx context.Context) (*server.TriggerListResult, error) {
	return call[server.TriggerListResult](ctx, c, common.METHOD_TRIGGER_LIST, nil)
}

// CheckVersionMismatch prints a warning to stderr when the daemon runs a
// different version than expected. Failures only warn.
func (c *Client) CheckVersionMismatch(ctx context.Context, expected string) {
	if expected == "" || os.Getenv(VersionCheckEnv) != "" {
		return
	}
	v, err := c.Version(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: could not verify daemon version: %v\n", err)
		return
	}
	if v.Version != expected {
		fmt.Fprintf(os.Stderr, "Warning: CLI version (%s) differs from daemon version (%s)\n", expected, v.Version)
		fmt.Fprintf(os.Stderr, "Restart 'racecard daemon' to pick up the new version.\n")
	}
}
