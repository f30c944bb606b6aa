package campaigns

import (
	"fmt"
	"time"
)

// CallWindow is the daily local-time window in which a campaign may dial.
type CallWindow struct {
	StartMinutes int
	EndMinutes   int
	location     *time.Location
	enabled      bool
}

// ParseCallWindow builds a window from HH:MM strings and an IANA timezone.
// Empty start and end mean the campaign dials around the clock.
func ParseCallWindow(start, end, tz string) (CallWindow, error) {
	if start == "" && end == "" {
		return CallWindow{}, nil
	}
	loc := time.UTC
	if tz != "" {
		var err error
		loc, err = time.LoadLocation(tz)
		if err != nil {
			return CallWindow{}, fmt.Errorf("campaigns: load window tz: %w", err)
		}
	}
	startMin, err := parseClock(start)
	if err != nil {
		return CallWindow{}, fmt.Errorf("campaigns: parse window start: %w", err)
	}
	endMin, err := parseClock(end)
	if err != nil {
		return CallWindow{}, fmt.Errorf("campaigns: parse window end: %w", err)
	}
	return CallWindow{
		StartMinutes: startMin,
		EndMinutes:   endMin,
		location:     loc,
		enabled:      true,
	}, nil
}

func parseClock(v string) (int, error) {
	if v == "" {
		return 0, fmt.Errorf("empty clock")
	}
	t, err := time.Parse("15:04", v)
	if err != nil {
		return 0, err
	}
	return t.Hour()*60 + t.Minute(), nil
}

// Open reports whether the given moment falls inside the dialing window.
func (w CallWindow) Open(now time.Time) bool {
	if !w.enabled {
		return true
	}
	local := now.In(w.location)
	minutes := local.Hour()*60 + local.Minute()
	if w.StartMinutes == w.EndMinutes {
		return true
	}
	if w.StartMinutes < w.EndMinutes {
		return minutes >= w.StartMinutes && minutes < w.EndMinutes
	}
	// Window crosses midnight.
	return minutes >= w.StartMinutes || minutes < w.EndMinutes
}

// NextOpen returns the earliest moment at or after now when the window is
// open. Used to push ineligible queue entries forward instead of re-checking
// them every tick.
func (w CallWindow) NextOpen(now time.Time) time.Time {
	if w.Open(now) {
		return now
	}
	local := now.In(w.location)
	openToday := time.Date(local.Year(), local.Month(), local.Day(), w.StartMinutes/60, w.StartMinutes%60, 0, 0, w.location)
	if openToday.After(local) {
		return openToday
	}
	return openToday.Add(24 * time.Hour)
}
