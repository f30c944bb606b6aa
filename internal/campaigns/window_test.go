package campaigns

import (
	"testing"
	"time"
)

func TestParseCallWindow_Disabled(t *testing.T) {
	w, err := ParseCallWindow("", "", "UTC")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if !w.Open(time.Now()) {
		t.Fatal("empty window should always be open")
	}
}

func TestParseCallWindow_BadInputs(t *testing.T) {
	if _, err := ParseCallWindow("09:00", "20:00", "Not/AZone"); err == nil {
		t.Fatal("expected error for bad timezone")
	}
	if _, err := ParseCallWindow("9am", "20:00", "UTC"); err == nil {
		t.Fatal("expected error for bad clock format")
	}
}

func TestCallWindowOpen(t *testing.T) {
	w, err := ParseCallWindow("09:00", "20:00", "America/New_York")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	loc, _ := time.LoadLocation("America/New_York")

	cases := []struct {
		name string
		at   time.Time
		open bool
	}{
		{"mid-morning", time.Date(2026, 3, 10, 10, 30, 0, 0, loc), true},
		{"exact open", time.Date(2026, 3, 10, 9, 0, 0, 0, loc), true},
		{"just before open", time.Date(2026, 3, 10, 8, 59, 0, 0, loc), false},
		{"exact close is shut", time.Date(2026, 3, 10, 20, 0, 0, 0, loc), false},
		{"late night", time.Date(2026, 3, 10, 23, 0, 0, 0, loc), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := w.Open(tc.at); got != tc.open {
				t.Fatalf("Open(%v) = %v, want %v", tc.at, got, tc.open)
			}
		})
	}
}

func TestCallWindowOpen_HalfHourOffsetZone(t *testing.T) {
	// UTC-4:30 style offsets must not be rounded to whole hours.
	w, err := ParseCallWindow("09:00", "17:00", "Asia/Kolkata")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	// 03:40 UTC is 09:10 IST.
	at := time.Date(2026, 3, 10, 3, 40, 0, 0, time.UTC)
	if !w.Open(at) {
		t.Fatal("expected window open at 09:10 local")
	}
	// 03:20 UTC is 08:50 IST.
	at = time.Date(2026, 3, 10, 3, 20, 0, 0, time.UTC)
	if w.Open(at) {
		t.Fatal("expected window closed at 08:50 local")
	}
}

func TestCallWindowOpen_CrossesMidnight(t *testing.T) {
	w, err := ParseCallWindow("22:00", "02:00", "UTC")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if !w.Open(time.Date(2026, 3, 10, 23, 0, 0, 0, time.UTC)) {
		t.Fatal("23:00 should be inside a 22:00-02:00 window")
	}
	if !w.Open(time.Date(2026, 3, 10, 1, 0, 0, 0, time.UTC)) {
		t.Fatal("01:00 should be inside a 22:00-02:00 window")
	}
	if w.Open(time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)) {
		t.Fatal("noon should be outside a 22:00-02:00 window")
	}
}

func TestCallWindowNextOpen(t *testing.T) {
	w, err := ParseCallWindow("09:00", "20:00", "UTC")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}

	// Before today's opening: same day at 09:00.
	now := time.Date(2026, 3, 10, 6, 0, 0, 0, time.UTC)
	next := w.NextOpen(now)
	want := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Fatalf("NextOpen = %v, want %v", next, want)
	}

	// After today's closing: tomorrow at 09:00.
	now = time.Date(2026, 3, 10, 21, 0, 0, 0, time.UTC)
	next = w.NextOpen(now)
	want = time.Date(2026, 3, 11, 9, 0, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Fatalf("NextOpen = %v, want %v", next, want)
	}

	// Already open: returns now unchanged.
	now = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	if got := w.NextOpen(now); !got.Equal(now) {
		t.Fatalf("NextOpen during open window = %v, want %v", got, now)
	}
}
