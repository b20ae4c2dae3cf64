package scheduler

import (
	"testing"
	"time"
)

func TestParseSchedule(t *testing.T) {
	tests := []struct {
		in      string
		want    time.Duration
		wantErr bool
	}{
		{in: "90s", want: 90 * time.Second},
		{in: "1h", want: time.Hour},
		{in: "@every 5m", want: 5 * time.Minute},
		{in: "@hourly", want: time.Hour},
		{in: "@daily", want: 24 * time.Hour},
		{in: "@weekly", want: 168 * time.Hour},
		{in: "500ms", wantErr: true},
		{in: "@every", wantErr: true},
		{in: "often", wantErr: true},
		{in: "", wantErr: true},
	}
	for _, tt := range tests {
		got, err := ParseSchedule(tt.in)
		if tt.wantErr {
			if err == nil {
				t.Fatalf("%q: expected error", tt.in)
			}
			continue
		}
		if err != nil || got != tt.want {
			t.Fatalf("%q: got %v, %v; want %v", tt.in, got, err, tt.want)
		}
	}
}

func TestNextDue(t *testing.T) {
	t0 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	min := time.Minute
	tests := []struct {
		name string
		due  time.Time
		now  time.Time
		want time.Time
	}{
		{name: "on time", due: t0, now: t0, want: t0.Add(min)},
		{name: "late within period keeps cadence", due: t0, now: t0.Add(10 * time.Second), want: t0.Add(min)},
		{name: "one missed", due: t0.Add(min), now: t0.Add(125 * time.Second), want: t0.Add(3 * min)},
		{name: "long downtime", due: t0, now: t0.Add(10*time.Hour + 30*time.Second), want: t0.Add(10*time.Hour + min)},
		{name: "exactly on grid", due: t0, now: t0.Add(2 * min), want: t0.Add(3 * min)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := NextDue(tt.due, tt.now, min); !got.Equal(tt.want) {
				t.Fatalf("got %v want %v", got, tt.want)
			}
		})
	}
}
