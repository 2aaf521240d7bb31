// Package jobs holds the two scheduled jobs: the daily harvest of the race
// card and the per-race snapshot collection.
package jobs

import (
	"context"
	"errors"
	"time"

	"github.com/warpdl/racecard/internal/card"
	"github.com/warpdl/racecard/internal/page"
	"github.com/warpdl/racecard/internal/scheduler"
	"github.com/warpdl/racecard/internal/store"
)

// Action names persisted with triggers.
const (
	ActionHarvest = "harvest"
	ActionCollect = "collect"
	ActionExport  = "export"
)

// Well-known trigger ids.
const (
	DailyTriggerID  = "collect_today"
	ExportTriggerID = "daily_export"
	retrySuffix     = "#retry"
	retryMarker     = "retry"
)

// DefaultOffset is how long before post time a race is collected.
const DefaultOffset = 3 * time.Minute

var (
	// ErrItemNotFound is returned when the race tile never shows on the card.
	ErrItemNotFound = errors.New("jobs: race tile not found")
	// ErrDetailRenderTimeout is returned when the race view does not render.
	ErrDetailRenderTimeout = errors.New("jobs: race detail did not render")
)

// OneOffScheduler registers one-off triggers.
type OneOffScheduler interface {
	ScheduleOneOff(ctx context.Context, id string, fireAt time.Time, action string, args ...string) (scheduler.Trigger, error)
}

// TileSource reads the race tiles off an open card page.
type TileSource interface {
	Extract(ctx context.Context, d page.Driver) ([]card.Tile, error)
}

// RaceWriter is the part of store.Store the harvester needs.
type RaceWriter interface {
	UpsertRace(ctx context.Context, id string, postTime time.Time) (store.Race, error)
}

// SnapshotWriter is the part of store.Store the collector needs.
type SnapshotWriter interface {
	StoreSnapshot(ctx context.Context, s store.Snapshot) error
}

// Registrar binds action names; *scheduler.Scheduler implements it.
type Registrar interface {
	Register(name string, fn scheduler.Action)
}

// Register binds the harvest and collect actions.
func Register(r Registrar, h *Harvester, c *Collector) {
	r.Register(ActionHarvest, h.Action)
	r.Register(ActionCollect, c.Action)
}
