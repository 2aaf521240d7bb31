package server

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/creachadair/jrpc2"
	"github.com/creachadair/jrpc2/handler"
	"github.com/creachadair/jrpc2/jhttp"
	"github.com/warpdl/racecard/common"
	"github.com/warpdl/racecard/internal/jobs"
	"github.com/warpdl/racecard/internal/posttime"
	"github.com/warpdl/racecard/internal/scheduler"
	"github.com/warpdl/racecard/internal/store"
)

// Custom JSON-RPC error codes.
const (
	codeNotFound      = jrpc2.Code(-32001)
	codeUnavailable   = jrpc2.Code(-32002)
	codeShuttingDown  = jrpc2.Code(-32003)
	codeInvalidParams = jrpc2.Code(-32602)
)

// DefaultRaceLimit caps race.list and /races when no limit is given.
const DefaultRaceLimit = 50

// Dispatcher runs an action once, outside the schedule.
type Dispatcher interface {
	Dispatch(action string, args ...string) error
}

// TriggerLister lists armed triggers.
type TriggerLister interface {
	Pending() []scheduler.Trigger
}

// Reader is the read side of store.Store.
type Reader interface {
	RacesBetween(ctx context.Context, from, to time.Time, limit int) ([]store.Race, error)
	LatestSnapshot(ctx context.Context) (store.Snapshot, error)
	LatestSnapshotFor(ctx context.Context, raceID string) (store.Snapshot, error)
}

// RPCServer holds the JSON-RPC method set. The REST routes call the same
// methods so both surfaces report identical results and errors.
type RPCServer struct {
	bridge   jhttp.Bridge
	methods  handler.Map
	store    Reader
	dispatch Dispatcher
	triggers TriggerLister
	loc      *time.Location
	now      func() time.Time
	version  VersionResult
	closed   sync.Once
}

// VersionResult is the response for system.getVersion.
type VersionResult struct {
	Version   string `json:"version"`
	Commit    string `json:"commit,omitempty"`
	BuildType string `json:"buildType,omitempty"`
}

// QueuedResult acknowledges an accepted asynchronous job.
type QueuedResult struct {
	Status string `json:"status"`
}

// RaceParam names one race.
type RaceParam struct {
	RaceID string `json:"race_id"`
}

// RaceListParams is the input for race.list. Limit nil means
// DefaultRaceLimit and 0 means unlimited. Day defaults to today.
type RaceListParams struct {
	Limit *int   `json:"limit,omitempty"`
	Day   string `json:"day,omitempty"`
}

// RaceItem is one entry of race.list.
type RaceItem struct {
	RaceID    string    `json:"race_id"`
	PostTime  time.Time `json:"post_time"`
	LocalTime string    `json:"local_time"`
}

// RaceListResult is the response for race.list.
type RaceListResult struct {
	Day   string     `json:"day"`
	Races []RaceItem `json:"races"`
}

// TriggerListResult is the response for trigger.list.
type TriggerListResult struct {
	Triggers []scheduler.Trigger `json:"triggers"`
}

func newRPCServer(d Deps) *RPCServer {
	rs := &RPCServer{
		store:    d.Store,
		dispatch: d.Dispatcher,
		triggers: d.Triggers,
		loc:      d.Location,
		now:      d.Now,
		version:  VersionResult{Version: d.Version, Commit: d.Commit, BuildType: d.BuildType},
	}
	rs.methods = handler.Map{
		string(common.METHOD_VERSION):         handler.New(rs.systemGetVersion),
		string(common.METHOD_COLLECT):         handler.New(rs.raceCollect),
		string(common.METHOD_SCRAPE):          handler.New(rs.raceScrape),
		string(common.METHOD_RACE_LIST):       handler.New(rs.raceList),
		string(common.METHOD_SNAPSHOT_LATEST): handler.New(rs.snapshotLatest),
		string(common.METHOD_SNAPSHOT_GET):    handler.New(rs.snapshotGet),
		string(common.METHOD_TRIGGER_LIST):    handler.New(rs.triggerList),
	}
	rs.bridge = jhttp.NewBridge(rs.methods, nil)
	return rs
}

func (rs *RPCServer) systemGetVersion(context.Context) (*VersionResult, error) {
	v := rs.version
	return &v, nil
}

// raceCollect queues one harvest of the race card.
func (rs *RPCServer) raceCollect(context.Context) (*QueuedResult, error) {
	if err := rs.dispatch.Dispatch(jobs.ActionHarvest); err != nil {
		return nil, rpcError(err)
	}
	return &QueuedResult{Status: "collect_today queued"}, nil
}

// raceScrape queues one collection of p.RaceID. Unknown ids are accepted.
func (rs *RPCServer) raceScrape(_ context.Context, p *RaceParam) (*QueuedResult, error) {
	if p == nil || p.RaceID == "" {
		return nil, &jrpc2.Error{Code: codeInvalidParams, Message: "missing required param: race_id"}
	}
	if err := rs.dispatch.Dispatch(jobs.ActionCollect, p.RaceID); err != nil {
		return nil, rpcError(err)
	}
	return &QueuedResult{Status: fmt.Sprintf("scrape_race(%s) queued", p.RaceID)}, nil
}

// raceList returns the races of one day ordered by post time.
func (rs *RPCServer) raceList(ctx context.Context, p *RaceListParams) (*RaceListResult, error) {
	if p == nil {
		p = &RaceListParams{}
	}
	limit := DefaultRaceLimit
	if p.Limit != nil {
		if *p.Limit < 0 {
			return nil, &jrpc2.Error{Code: codeInvalidParams, Message: "limit must not be negative"}
		}
		limit = *p.Limit
	}
	day := rs.now().In(rs.loc)
	if p.Day != "" {
		d, err := time.ParseInLocation("2006-01-02", p.Day, rs.loc)
		if err != nil {
			return nil, &jrpc2.Error{Code: codeInvalidParams, Message: "invalid day: " + p.Day}
		}
		day = d
	}
	from, to := posttime.Day(day, rs.loc)
	races, err := rs.store.RacesBetween(ctx, from, to, limit)
	if err != nil {
		return nil, rpcError(err)
	}
	res := &RaceListResult{Day: from.Format("2006-01-02"), Races: make([]RaceItem, 0, len(races))}
	for _, r := range races {
		pt := r.PostTime.In(rs.loc)
		res.Races = append(res.Races, RaceItem{RaceID: r.ID, PostTime: pt, LocalTime: pt.Format("15:04")})
	}
	return res, nil
}

func (rs *RPCServer) snapshotLatest(ctx context.Context) (*store.Snapshot, error) {
	s, err := rs.store.LatestSnapshot(ctx)
	if err != nil {
		return nil, rpcError(err)
	}
	s.CollectedAt = s.CollectedAt.In(rs.loc)
	return &s, nil
}

func (rs *RPCServer) snapshotGet(ctx context.Context, p *RaceParam) (*store.Snapshot, error) {
	if p == nil || p.RaceID == "" {
		return nil, &jrpc2.Error{Code: codeInvalidParams, Message: "missing required param: race_id"}
	}
	s, err := rs.store.LatestSnapshotFor(ctx, p.RaceID)
	if err != nil {
		return nil, rpcError(err)
	}
	s.CollectedAt = s.CollectedAt.In(rs.loc)
	return &s, nil
}

func (rs *RPCServer) triggerList(ctx context.Context) (*TriggerListResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ts := rs.triggers.Pending()
	if ts == nil {
		ts = []scheduler.Trigger{}
	}
	return &TriggerListResult{Triggers: ts}, nil
}

// rpcError maps domain errors to JSON-RPC error codes.
func rpcError(err error) error {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return &jrpc2.Error{Code: codeNotFound, Message: err.Error()}
	case errors.Is(err, store.ErrUnavailable):
		return &jrpc2.Error{Code: codeUnavailable, Message: err.Error()}
	case errors.Is(err, scheduler.ErrShutdown):
		return &jrpc2.Error{Code: codeShuttingDown, Message: err.Error()}
	default:
		return err
	}
}

// Close releases the bridge.
func (rs *RPCServer) Close() {
	rs.closed.Do(func() { rs.bridge.Close() })
}
