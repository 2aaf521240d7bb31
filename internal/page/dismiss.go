package page

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Dismissal is the outcome of TryDismiss.
type Dismissal int

const (
	// Absent means no element matched within the timeout.
	Absent Dismissal = iota
	// Dismissed means the element was found and clicked.
	Dismissed
)

func (d Dismissal) String() string {
	if d == Dismissed {
		return "dismissed"
	}
	return "absent"
}

// TryDismiss clicks the first element matching selector if one shows up
// within timeout, e.g. a cookie consent banner. Only the selector timeout
// maps to Absent; any other failure is returned.
func TryDismiss(ctx context.Context, d Driver, selector string, timeout time.Duration) (Dismissal, error) {
	if selector == "" {
		return Absent, nil
	}
	if err := d.WaitForSelector(ctx, selector, timeout); err != nil {
		if errors.Is(err, ErrSelectorTimeout) {
			return Absent, nil
		}
		return Absent, fmt.Errorf("page: dismiss %q: %w", selector, err)
	}
	els, err := d.QueryAll(ctx, selector)
	if err != nil {
		return Absent, fmt.Errorf("page: dismiss %q: %w", selector, err)
	}
	if len(els) == 0 {
		return Absent, nil
	}
	if err := els[0].Click(ctx); err != nil {
		return Absent, fmt.Errorf("page: dismiss %q: %w", selector, err)
	}
	return Dismissed, nil
}
