// Package card extracts race tiles from the turf day card.
package card

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/warpdl/racecard/internal/page"
	"github.com/warpdl/racecard/pkg/logger"
)

// ErrStabilizationTimeout is returned when the lazily loaded list keeps
// growing past the poll budget.
var ErrStabilizationTimeout = errors.New("card: race list did not stabilize")

// Tile is one race tile. RawTime is nil when the tile shows no post time.
type Tile struct {
	ID      string  `json:"id"`
	RawTime *string `json:"time"`
}

// Config selects and paces the extraction.
type Config struct {
	URL             string
	ListSelector    string
	TimeSelector    string
	IDAttribute     string
	ConsentSelector string

	ConsentTimeout time.Duration
	ListTimeout    time.Duration
	SettleInterval time.Duration
	MaxPolls       int
	MaxElapsed     time.Duration
}

// DefaultConfig matches the public turf card.
func DefaultConfig() Config {
	return Config{
		URL:             "https://www.unibet.fr/turf",
		ListSelector:    "[data-betting-race-id]",
		TimeSelector:    ".countdown",
		IDAttribute:     "data-betting-race-id",
		ConsentSelector: `button:contains("Accepter")`,
		ConsentTimeout:  3 * time.Second,
		ListTimeout:     30 * time.Second,
		SettleInterval:  800 * time.Millisecond,
		MaxPolls:        40,
		MaxElapsed:      time.Minute,
	}
}

// tilesScript reads id and time text from every tile in one pass.
const tilesScript = `(listSel, timeSel, idAttr) =>
	Array.from(document.querySelectorAll(listSel)).map(el => {
		const t = el.querySelector(timeSel);
		const text = t ? t.innerText.trim() : "";
		return { id: el.getAttribute(idAttr) || "", time: text === "" ? null : text };
	})`

// Extractor drives a page session over the card.
type Extractor struct {
	cfg   Config
	log   logger.Logger
	sleep func(ctx context.Context, d time.Duration) error
	now   func() time.Time
}

// NewExtractor returns an Extractor; zero pacing fields take their defaults.
func NewExtractor(cfg Config, l logger.Logger) *Extractor {
	def := DefaultConfig()
	if cfg.IDAttribute == "" {
		cfg.IDAttribute = def.IDAttribute
	}
	if cfg.ListTimeout <= 0 {
		cfg.ListTimeout = def.ListTimeout
	}
	if cfg.ConsentTimeout <= 0 {
		cfg.ConsentTimeout = def.ConsentTimeout
	}
	if cfg.SettleInterval <= 0 {
		cfg.SettleInterval = def.SettleInterval
	}
	if cfg.MaxPolls <= 0 {
		cfg.MaxPolls = def.MaxPolls
	}
	if cfg.MaxElapsed <= 0 {
		cfg.MaxElapsed = def.MaxElapsed
	}
	if l == nil {
		l = logger.NewNopLogger()
	}
	return &Extractor{cfg: cfg, log: l, sleep: sleepCtx, now: time.Now}
}

// Extract loads the card and returns its tiles in first-seen order without
// duplicate ids. Tiles are not validated beyond having an id.
func (e *Extractor) Extract(ctx context.Context, d page.Driver) ([]Tile, error) {
	if err := d.Navigate(ctx, e.cfg.URL); err != nil {
		return nil, fmt.Errorf("card: load %s: %w", e.cfg.URL, err)
	}
	res, err := page.TryDismiss(ctx, d, e.cfg.ConsentSelector, e.cfg.ConsentTimeout)
	if err != nil {
		return nil, err
	}
	if res == page.Dismissed {
		e.log.Info("consent banner dismissed")
	}
	if err := d.WaitForSelector(ctx, e.cfg.ListSelector, e.cfg.ListTimeout); err != nil {
		return nil, fmt.Errorf("card: race list: %w", err)
	}
	if _, err := e.stabilize(ctx, d); err != nil {
		return nil, err
	}

	var raw []Tile
	if err := page.EvaluateInto(ctx, d, &raw, tilesScript, e.cfg.ListSelector, e.cfg.TimeSelector, e.cfg.IDAttribute); err != nil {
		return nil, fmt.Errorf("card: read tiles: %w", err)
	}
	return dedupe(raw), nil
}

func dedupe(raw []Tile) []Tile {
	seen := make(map[string]struct{}, len(raw))
	out := make([]Tile, 0, len(raw))
	for _, t := range raw {
		if t.ID == "" {
			continue
		}
		if _, ok := seen[t.ID]; ok {
			continue
		}
		seen[t.ID] = struct{}{}
		out = append(out, t)
	}
	return out
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
