package session

import (
	"testing"
	"time"

	"postbot/internal/publish"
)

func TestParseScheduleTime(t *testing.T) {
	t.Parallel()
	loc := time.FixedZone("MSK", 3*3600)
	now := time.Date(2026, 8, 31, 14, 0, 0, 0, loc)

	tests := []struct {
		name string
		raw  string
		want time.Time
	}{
		{"clock later today", "15:30", time.Date(2026, 8, 31, 15, 30, 0, 0, loc)},
		{"clock already past rolls to tomorrow", "09:00", time.Date(2026, 9, 1, 9, 0, 0, 0, loc)},
		{"date and time", "25.12 10:00", time.Date(2026, 12, 25, 10, 0, 0, 0, loc)},
		{"relative minutes", "+30", now.Add(30 * time.Minute)},
		{"relative with suffix", "+5m", now.Add(5 * time.Minute)},
		{"surrounding spaces", "  15:30 ", time.Date(2026, 8, 31, 15, 30, 0, 0, loc)},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := ParseScheduleTime(tt.raw, now)
			if err != nil {
				t.Fatalf("ParseScheduleTime(%q): %v", tt.raw, err)
			}
			if !got.Equal(tt.want) {
				t.Fatalf("ParseScheduleTime(%q) = %v, want %v", tt.raw, got, tt.want)
			}
		})
	}
}

func TestParseScheduleTimeRejects(t *testing.T) {
	t.Parallel()
	loc := time.FixedZone("MSK", 3*3600)
	now := time.Date(2026, 8, 31, 14, 0, 0, 0, loc)

	for _, raw := range []string{
		"",
		"soon",
		"25:99",
		"31.02 10:00",
		"+0",
		"+abc",
		"01.01 00:00", // past: January already gone this year
	} {
		if _, err := ParseScheduleTime(raw, now); !publish.IsKind(err, publish.KindScheduling) {
			t.Errorf("ParseScheduleTime(%q): want scheduling error, got %v", raw, err)
		}
	}
}
