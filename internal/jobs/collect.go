package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/warpdl/racecard/internal/page"
	"github.com/warpdl/racecard/internal/store"
	"github.com/warpdl/racecard/pkg/logger"
)

// DetailScript reads the race view into the snapshot payload.
const DetailScript = `() => {
  const title   = document.querySelector('.race-head-title')?.innerText.trim() || '';
  const meta    = document.querySelector('.race-info')?.innerText.trim() || '';
  const runners = [...document.querySelectorAll('.runners-list')].map(el => el.outerHTML).join('\n');
  const track   = document.querySelector('.meeting-title')?.innerText.trim() || '';
  return { title, meta, runners, track };
}`

// CollectConfig locates and reads the race view.
type CollectConfig struct {
	CardURL         string
	ConsentSelector string
	ConsentTimeout  time.Duration
	// TileSelector is a format string taking the quoted race id.
	TileSelector   string
	DetailSelector string
	Script         string
	TileTimeout    time.Duration
	DetailTimeout  time.Duration
	// RetryAfter > 0 enables one retry of a scheduled collection that could
	// not find or render the race.
	RetryAfter time.Duration
}

// DefaultCollectConfig matches the public turf card.
func DefaultCollectConfig() CollectConfig {
	return CollectConfig{
		CardURL:         "https://www.unibet.fr/turf",
		ConsentSelector: `button:contains("Accepter")`,
		ConsentTimeout:  3 * time.Second,
		TileSelector:    `li.race[data-betting-race-id=%s]`,
		DetailSelector:  ".race-head-title",
		Script:          DetailScript,
		TileTimeout:     10 * time.Second,
		DetailTimeout:   10 * time.Second,
	}
}

// CollectorDeps wires a Collector.
type CollectorDeps struct {
	Config   CollectConfig
	Launcher page.Launcher
	Store    SnapshotWriter
	// Scheduler is only needed when Config.RetryAfter > 0.
	Scheduler OneOffScheduler
	Location  *time.Location
	Logger    logger.Logger
	Now       func() time.Time
	NewID     func() string
}

// Collector stores one snapshot of a race view.
type Collector struct {
	d CollectorDeps
}

func NewCollector(d CollectorDeps) *Collector {
	def := DefaultCollectConfig()
	c := &d.Config
	if c.TileSelector == "" {
		c.TileSelector = def.TileSelector
	}
	if c.DetailSelector == "" {
		c.DetailSelector = def.DetailSelector
	}
	if c.Script == "" {
		c.Script = def.Script
	}
	if c.TileTimeout <= 0 {
		c.TileTimeout = def.TileTimeout
	}
	if c.DetailTimeout <= 0 {
		c.DetailTimeout = def.DetailTimeout
	}
	if c.ConsentTimeout <= 0 {
		c.ConsentTimeout = def.ConsentTimeout
	}
	if d.Location == nil {
		d.Location = time.UTC
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	if d.NewID == nil {
		d.NewID = uuid.NewString
	}
	d.Logger = logger.Named(d.Logger, "collect")
	return &Collector{d: d}
}

// Run opens the race view of raceID and stores a snapshot. The race does not
// need to be known to the store.
func (c *Collector) Run(ctx context.Context, raceID string) (*store.Snapshot, error) {
	var payload map[string]any
	err := page.WithSession(ctx, c.d.Launcher, func(drv page.Driver) error {
		var err error
		payload, err = c.read(ctx, drv, raceID)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("collect %s: %w", raceID, err)
	}

	now := c.d.Now()
	if payload == nil {
		payload = make(map[string]any)
	}
	payload["scraped_at"] = now.In(c.d.Location).Format(time.RFC3339)
	payload["race_id"] = raceID
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("collect %s: encode payload: %w", raceID, err)
	}
	snap := store.Snapshot{ID: c.d.NewID(), RaceID: raceID, CollectedAt: now, Payload: raw}
	if err := c.d.Store.StoreSnapshot(ctx, snap); err != nil {
		return nil, fmt.Errorf("collect %s: %w", raceID, err)
	}
	c.d.Logger.Info("snapshot %s stored for %s", snap.ID, raceID)
	return &snap, nil
}

func (c *Collector) read(ctx context.Context, drv page.Driver, raceID string) (map[string]any, error) {
	cfg := c.d.Config
	if err := drv.Navigate(ctx, cfg.CardURL); err != nil {
		return nil, err
	}
	if _, err := page.TryDismiss(ctx, drv, cfg.ConsentSelector, cfg.ConsentTimeout); err != nil {
		return nil, err
	}

	tileSel := fmt.Sprintf(cfg.TileSelector, cssString(raceID))
	if err := drv.WaitForSelector(ctx, tileSel, cfg.TileTimeout); err != nil {
		if errors.Is(err, page.ErrSelectorTimeout) {
			return nil, fmt.Errorf("%w: %s", ErrItemNotFound, raceID)
		}
		return nil, err
	}
	tiles, err := drv.QueryAll(ctx, tileSel)
	if err != nil {
		return nil, err
	}
	if len(tiles) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrItemNotFound, raceID)
	}
	if err := tiles[0].Click(ctx); err != nil {
		return nil, fmt.Errorf("open race view: %w", err)
	}

	if err := drv.WaitForSelector(ctx, cfg.DetailSelector, cfg.DetailTimeout); err != nil {
		if errors.Is(err, page.ErrSelectorTimeout) {
			return nil, fmt.Errorf("%w: %s", ErrDetailRenderTimeout, raceID)
		}
		return nil, err
	}

	var payload map[string]any
	if err := page.EvaluateInto(ctx, drv, &payload, cfg.Script); err != nil {
		return nil, fmt.Errorf("extract: %w", err)
	}
	return payload, nil
}

// Action adapts Run to a scheduler action. args[0] is the race id; a second
// argument "retry" marks the single retry run.
func (c *Collector) Action(ctx context.Context, args []string) error {
	if len(args) == 0 || args[0] == "" {
		return errors.New("collect: race id required")
	}
	raceID := args[0]
	_, err := c.Run(ctx, raceID)
	if err == nil || !c.retryable(err) || (len(args) > 1 && args[1] == retryMarker) {
		return err
	}
	at := c.d.Now().Add(c.d.Config.RetryAfter)
	if _, serr := c.d.Scheduler.ScheduleOneOff(ctx, raceID+retrySuffix, at, ActionCollect, raceID, retryMarker); serr != nil {
		c.d.Logger.Error("schedule retry for %s: %v", raceID, serr)
	} else {
		c.d.Logger.Warning("%s: retrying at %s", raceID, at.In(c.d.Location).Format("15:04:05"))
	}
	return err
}

func (c *Collector) retryable(err error) bool {
	if c.d.Config.RetryAfter <= 0 || c.d.Scheduler == nil {
		return false
	}
	return errors.Is(err, ErrItemNotFound) || errors.Is(err, ErrDetailRenderTimeout)
}

// cssString quotes s as a CSS string literal.
func cssString(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `"`, `\"`, "\n", `\a `)
	return `"` + r.Replace(s) + `"`
}
