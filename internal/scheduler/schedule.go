package scheduler

import (
	"fmt"
	"strings"
	"time"
)

// MinPeriod is the shortest accepted schedule.
const MinPeriod = time.Second

var named = map[string]time.Duration{
	"@hourly": time.Hour,
	"@daily":  24 * time.Hour,
	"@weekly": 7 * 24 * time.Hour,
}

// ParseSchedule accepts Go durations ("90s", "1h"), "@every <duration>",
// "@hourly", "@daily" and "@weekly".
func ParseSchedule(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if d, ok := named[s]; ok {
		return d, nil
	}
	raw := s
	if rest, ok := strings.CutPrefix(s, "@every"); ok {
		raw = strings.TrimSpace(rest)
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("schedule %q: %w", s, err)
	}
	if d < MinPeriod {
		return 0, fmt.Errorf("schedule %q: period must be at least %s", s, MinPeriod)
	}
	return d, nil
}

// NextDue returns the occurrence after due. When that is not in the future
// (the process was down) it is moved to the first occurrence on the same grid
// strictly after now, so at most one catch-up run happens.
func NextDue(due, now time.Time, period time.Duration) time.Time {
	next := due.Add(period)
	if next.After(now) {
		return next
	}
	missed := now.Sub(due) / period
	return due.Add((missed + 1) * period)
}
