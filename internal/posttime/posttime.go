// Package posttime turns the post times printed on the turf day card
// ("9h05", "13h58", "24h15") into absolute instants.
package posttime

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"time"
)

// ErrInvalidTime is matched by every *ParseError.
var ErrInvalidTime = errors.New("invalid post time")

// timeRe matches H[H]hMM. The card pads the text with whitespace.
var timeRe = regexp.MustCompile(`^\s*(\d{1,2})h(\d{2})\s*$`)

// rolloverHour is how the card prints times after local midnight that
// belong to the following calendar day.
const rolloverHour = 24

// ParseError reports a post time string that could not be normalized.
type ParseError struct {
	Raw    string
	Reason string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("%s %q: %s", ErrInvalidTime, e.Raw, e.Reason)
}

func (e *ParseError) Unwrap() error { return ErrInvalidTime }

// Normalize returns the instant raw denotes on ref's calendar day in loc.
// Hour 24 rolls over to hour 0 of the next day. The returned error is always
// a *ParseError.
func Normalize(raw string, ref time.Time, loc *time.Location) (time.Time, error) {
	if loc == nil {
		loc = time.UTC
	}
	m := timeRe.FindStringSubmatch(raw)
	if m == nil {
		return time.Time{}, &ParseError{Raw: raw, Reason: "expected H[H]hMM"}
	}
	hour, _ := strconv.Atoi(m[1])
	minute, _ := strconv.Atoi(m[2])
	if hour > rolloverHour {
		return time.Time{}, &ParseError{Raw: raw, Reason: "hour out of range"}
	}
	if minute > 59 {
		return time.Time{}, &ParseError{Raw: raw, Reason: "minute out of range"}
	}

	y, mo, d := ref.In(loc).Date()
	if hour == rolloverHour {
		hour = 0
		d++
	}
	return time.Date(y, mo, d, hour, minute, 0, 0, loc), nil
}

// Day returns the [start, end) bounds of t's calendar day in loc.
func Day(t time.Time, loc *time.Location) (time.Time, time.Time) {
	if loc == nil {
		loc = time.UTC
	}
	y, mo, d := t.In(loc).Date()
	start := time.Date(y, mo, d, 0, 0, 0, 0, loc)
	return start, time.Date(y, mo, d+1, 0, 0, 0, 0, loc)
}
