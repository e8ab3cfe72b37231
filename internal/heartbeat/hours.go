package heartbeat

import (
	"fmt"
	"time"
)

const clockLayout = "15:04"

// ActiveHours is a daily local-time window [Start, End) in minutes after midnight.
// End before Start wraps past midnight; Start equal to End covers the whole day.
type ActiveHours struct {
	Start int
	End   int
}

// ParseActiveHours parses two "HH:MM" bounds.
func ParseActiveHours(start, end string) (*ActiveHours, error) {
	s, err := parseClock(start)
	if err != nil {
		return nil, fmt.Errorf("heartbeat: active_hours.start: %w", err)
	}
	e, err := parseClock(end)
	if err != nil {
		return nil, fmt.Errorf("heartbeat: active_hours.end: %w", err)
	}
	return &ActiveHours{Start: s, End: e}, nil
}

func parseClock(v string) (int, error) {
	t, err := time.Parse(clockLayout, v)
	if err != nil {
		return 0, fmt.Errorf("invalid time of day %q, want HH:MM", v)
	}
	return t.Hour()*60 + t.Minute(), nil
}

// Contains reports whether t falls inside the window. A nil window always does.
func (a *ActiveHours) Contains(t time.Time) bool {
	if a == nil || a.Start == a.End {
		return true
	}
	m := t.Hour()*60 + t.Minute()
	if a.Start < a.End {
		return m >= a.Start && m < a.End
	}
	return m >= a.Start || m < a.End
}

func (a *ActiveHours) String() string {
	if a == nil {
		return "always"
	}
	return fmt.Sprintf("%02d:%02d-%02d:%02d", a.Start/60, a.Start%60, a.End/60, a.End%60)
}
