package ratelimit

import (
	"testing"
	"time"
)

func mustWindow(t *testing.T, start, end int, tz string) *Window {
	t.Helper()
	w, err := NewWindow(start, end, tz)
	if err != nil {
		t.Fatalf("NewWindow() error = %v", err)
	}
	return w
}

func TestNewWindowValidation(t *testing.T) {
	tests := []struct {
		name    string
		start   int
		end     int
		tz      string
		wantErr bool
	}{
		{"business hours", 9, 17, "UTC", false},
		{"until midnight", 18, 24, "UTC", false},
		{"inverted", 17, 9, "UTC", true},
		{"empty", 9, 9, "UTC", true},
		{"negative start", -1, 9, "UTC", true},
		{"end too late", 9, 25, "UTC", true},
		{"unknown zone", 9, 17, "Nowhere/City", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewWindow(tt.start, tt.end, tt.tz)
			if (err != nil) != tt.wantErr {
				t.Errorf("NewWindow() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestIsWithinWindowBoundaries(t *testing.T) {
	w := mustWindow(t, 9, 17, "America/New_York")
	ny, _ := time.LoadLocation("America/New_York")
	day := func(h, m int) time.Time { return time.Date(2026, 3, 10, h, m, 0, 0, ny) }

	tests := []struct {
		name string
		now  time.Time
		want bool
	}{
		{"one minute before start", day(8, 59), false},
		{"exactly start", day(9, 0), true},
		{"one minute after start", day(9, 1), true},
		{"one minute before end", day(16, 59), true},
		{"exactly end", day(17, 0), false},
		{"one minute after end", day(17, 1), false},
		{"same instant in UTC", day(12, 0).UTC(), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := w.IsWithinWindow(tt.now); got != tt.want {
				t.Errorf("IsWithinWindow(%v) = %v, want %v", tt.now, got, tt.want)
			}
		})
	}
}

func TestNextEligibleInstant(t *testing.T) {
	w := mustWindow(t, 9, 17, "UTC")
	day := func(d, h, m int) time.Time { return time.Date(2026, 3, d, h, m, 0, 0, time.UTC) }

	tests := []struct {
		name string
		now  time.Time
		want time.Time
	}{
		{"before start", day(10, 7, 30), day(10, 9, 0)},
		{"inside", day(10, 11, 15), day(10, 11, 15)},
		{"at end", day(10, 17, 0), day(11, 9, 0)},
		{"late evening", day(10, 23, 59), day(11, 9, 0)},
		{"month rollover", time.Date(2026, 3, 31, 20, 0, 0, 0, time.UTC), time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := w.NextEligibleInstant(tt.now)
			if !got.Equal(tt.want) {
				t.Errorf("NextEligibleInstant(%v) = %v, want %v", tt.now, got, tt.want)
			}
			if !w.IsWithinWindow(got) {
				t.Errorf("NextEligibleInstant(%v) = %v is outside the window", tt.now, got)
			}
		})
	}
}

func TestWindowUntilMidnight(t *testing.T) {
	w := mustWindow(t, 20, 24, "UTC")
	late := time.Date(2026, 3, 10, 23, 59, 0, 0, time.UTC)
	if !w.IsWithinWindow(late) {
		t.Error("23:59 should be inside a 20-24 window")
	}
	if w.IsWithinWindow(time.Date(2026, 3, 11, 0, 0, 0, 0, time.UTC)) {
		t.Error("00:00 should be outside a 20-24 window")
	}
	if d := w.SuggestedInterSendDelay(1, late); d != time.Minute {
		t.Errorf("SuggestedInterSendDelay() = %v, want 1m", d)
	}
}

func TestSuggestedInterSendDelay(t *testing.T) {
	w := mustWindow(t, 9, 17, "UTC")
	at := func(h, m int) time.Time { return time.Date(2026, 3, 10, h, m, 0, 0, time.UTC) }

	tests := []struct {
		name      string
		remaining int
		now       time.Time
		want      time.Duration
	}{
		{"eight hours over eight sends", 8, at(9, 0), time.Hour},
		{"four hours over 240 sends", 240, at(13, 0), time.Minute},
		{"floor when crowded", 100000, at(16, 59), MinInterSendDelay},
		{"zero remaining", 0, at(10, 0), MinInterSendDelay},
		{"outside window", 10, at(18, 0), MinInterSendDelay},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := w.SuggestedInterSendDelay(tt.remaining, tt.now)
			if got != tt.want {
				t.Errorf("SuggestedInterSendDelay(%d, %v) = %v, want %v", tt.remaining, tt.now, got, tt.want)
			}
			if got <= 0 {
				t.Error("delay must be positive")
			}
		})
	}
}
