package card

import (
	"context"
	"fmt"

	"github.com/warpdl/racecard/internal/page"
)

// pollState is the stabilization state machine.
type pollState int

const (
	statePolling pollState = iota
	stateStable
	stateTimedOut
)

func (s pollState) String() string {
	switch s {
	case stateStable:
		return "stable"
	case stateTimedOut:
		return "timed out"
	default:
		return "polling"
	}
}

// stabilize polls the tile count until two consecutive reads agree,
// scrolling the last tile into view between reads so lazy loading kicks in.
// It returns the stable count.
func (e *Extractor) stabilize(ctx context.Context, d page.Driver) (int, error) {
	start := e.now()
	state := statePolling
	last := -1
	polls := 0

	for state == statePolling {
		els, err := d.QueryAll(ctx, e.cfg.ListSelector)
		if err != nil {
			return 0, fmt.Errorf("card: count tiles: %w", err)
		}
		polls++
		switch {
		case len(els) == last:
			state = stateStable
			continue
		case polls >= e.cfg.MaxPolls || e.now().Sub(start) >= e.cfg.MaxElapsed:
			state = stateTimedOut
			last = len(els)
			continue
		}
		last = len(els)
		if last > 0 {
			if err := els[last-1].ScrollIntoView(ctx); err != nil {
				return 0, fmt.Errorf("card: scroll: %w", err)
			}
		}
		if err := e.sleep(ctx, e.cfg.SettleInterval); err != nil {
			return 0, err
		}
	}

	if state == stateTimedOut {
		return last, fmt.Errorf("%w after %d polls (%d tiles)", ErrStabilizationTimeout, polls, last)
	}
	e.log.Info("race list stable at %d tiles after %d polls", last, polls)
	return last, nil
}
