package ratelimit

import (
	"fmt"
	"time"
)

// MinInterSendDelay is the smallest pacing delay ever suggested
const MinInterSendDelay = time.Second

// Window is the daily local-time interval [StartHour, EndHour) during which
// sending is permitted. It holds no state beyond its configuration.
type Window struct {
	startHour int
	endHour   int
	loc       *time.Location
}

// NewWindow validates and builds a sending window. endHour may be 24 to
// extend the window to midnight.
func NewWindow(startHour, endHour int, timezone string) (*Window, error) {
	if startHour < 0 || startHour > 23 {
		return nil, fmt.Errorf("start hour %d out of range 0-23", startHour)
	}
	if endHour < 1 || endHour > 24 {
		return nil, fmt.Errorf("end hour %d out of range 1-24", endHour)
	}
	if startHour >= endHour {
		return nil, fmt.Errorf("start hour %d must be before end hour %d", startHour, endHour)
	}

	loc, err := time.LoadLocation(timezone)
	if err != nil {
		return nil, fmt.Errorf("invalid timezone %q: %w", timezone, err)
	}

	return &Window{startHour: startHour, endHour: endHour, loc: loc}, nil
}

// Location returns the window's timezone
func (w *Window) Location() *time.Location {
	return w.loc
}

// IsWithinWindow reports whether now falls inside today's window
func (w *Window) IsWithinWindow(now time.Time) bool {
	start, end := w.bounds(now)
	local := now.In(w.loc)
	return !local.Before(start) && local.Before(end)
}

// NextEligibleInstant returns now when inside the window, today's start when
// before it, and tomorrow's start when at or after the end.
func (w *Window) NextEligibleInstant(now time.Time) time.Time {
	start, end := w.bounds(now)
	local := now.In(w.loc)

	switch {
	case local.Before(start):
		return start
	case !local.Before(end):
		y, m, d := local.Date()
		return time.Date(y, m, d+1, w.startHour, 0, 0, 0, w.loc)
	default:
		return now
	}
}

// SuggestedInterSendDelay spreads remaining sends evenly over the time left in
// the window. The result is never below MinInterSendDelay; outside the window
// the floor is returned.
func (w *Window) SuggestedInterSendDelay(remaining int, now time.Time) time.Duration {
	if remaining < 1 || !w.IsWithinWindow(now) {
		return MinInterSendDelay
	}

	_, end := w.bounds(now)
	delay := end.Sub(now.In(w.loc)) / time.Duration(remaining)
	if delay < MinInterSendDelay {
		return MinInterSendDelay
	}
	return delay
}

// bounds returns the window start and end on now's local calendar day.
// time.Date normalizes hour 24 to the next midnight.
func (w *Window) bounds(now time.Time) (time.Time, time.Time) {
	y, m, d := now.In(w.loc).Date()
	start := time.Date(y, m, d, w.startHour, 0, 0, 0, w.loc)
	end := time.Date(y, m, d, w.endHour, 0, 0, 0, w.loc)
	return start, end
}
