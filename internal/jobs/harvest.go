package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/warpdl/racecard/internal/card"
	"github.com/warpdl/racecard/internal/page"
	"github.com/warpdl/racecard/internal/posttime"
	"github.com/warpdl/racecard/internal/store"
	"github.com/warpdl/racecard/pkg/logger"
)

// HarvestReport summarizes one harvest run.
type HarvestReport struct {
	Tiles     int          `json:"tiles"`
	Scheduled int          `json:"scheduled"`
	Skipped   int          `json:"skipped"`
	Failed    int          `json:"failed"`
	Races     []store.Race `json:"races"`
}

// HarvesterDeps wires a Harvester.
type HarvesterDeps struct {
	Launcher  page.Launcher
	Tiles     TileSource
	Store     RaceWriter
	Scheduler OneOffScheduler
	Location  *time.Location
	// Offset defaults to DefaultOffset.
	Offset time.Duration
	Logger logger.Logger
	// Progress, when set, is called after each tile is handled.
	Progress func(done, total int)
	Now      func() time.Time
}

// Harvester reads the day card, stores every race and schedules its
// collection Offset before post time.
type Harvester struct {
	d HarvesterDeps
}

func NewHarvester(d HarvesterDeps) *Harvester {
	if d.Location == nil {
		d.Location = time.UTC
	}
	if d.Offset <= 0 {
		d.Offset = DefaultOffset
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	d.Logger = logger.Named(d.Logger, "harvest")
	return &Harvester{d: d}
}

// Run performs one harvest. Tiles with a missing or malformed time, or
// whose post time is more than Offset in the past, are skipped. Per-race
// store or scheduling failures are counted; neither aborts the batch.
// Running twice converges to the same state.
func (h *Harvester) Run(ctx context.Context) (*HarvestReport, error) {
	var tiles []card.Tile
	err := page.WithSession(ctx, h.d.Launcher, func(drv page.Driver) error {
		var err error
		tiles, err = h.d.Tiles.Extract(ctx, drv)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("harvest: %w", err)
	}
	h.d.Logger.Info("harvested %d race tiles", len(tiles))

	ref := h.d.Now()
	rep := &HarvestReport{Tiles: len(tiles), Races: make([]store.Race, 0, len(tiles))}
	for i, t := range tiles {
		h.handle(ctx, t, ref, rep)
		if h.d.Progress != nil {
			h.d.Progress(i+1, len(tiles))
		}
	}
	h.d.Logger.Info("scheduled %d races, skipped %d, failed %d", rep.Scheduled, rep.Skipped, rep.Failed)
	return rep, nil
}

func (h *Harvester) handle(ctx context.Context, t card.Tile, ref time.Time, rep *HarvestReport) {
	if t.RawTime == nil {
		h.d.Logger.Warning("skipping tile %s without post time", t.ID)
		rep.Skipped++
		return
	}
	post, err := posttime.Normalize(*t.RawTime, ref, h.d.Location)
	if err != nil {
		h.d.Logger.Warning("skipping tile %s with bad time string: %v", t.ID, err)
		rep.Skipped++
		return
	}
	if post.Before(ref.Add(-h.d.Offset)) {
		h.d.Logger.Warning("skipping tile %s: post time %s already passed", t.ID, post.Format("15:04"))
		rep.Skipped++
		return
	}
	race, err := h.d.Store.UpsertRace(ctx, t.ID, post)
	if err != nil {
		h.d.Logger.Error("store race %s: %v", t.ID, err)
		rep.Failed++
		return
	}
	fireAt := post.Add(-h.d.Offset)
	if fireAt.Before(ref) {
		h.d.Logger.Info("late registration for %s: collection due %s, firing now", t.ID, fireAt.Format("15:04"))
	}
	if _, err := h.d.Scheduler.ScheduleOneOff(ctx, t.ID, fireAt, ActionCollect, t.ID); err != nil {
		h.d.Logger.Error("schedule %s: %v", t.ID, err)
		rep.Failed++
		return
	}
	rep.Scheduled++
	rep.Races = append(rep.Races, race)
}

// Action adapts Run to a scheduler action.
func (h *Harvester) Action(ctx context.Context, _ []string) error {
	_, err := h.Run(ctx)
	return err
}
