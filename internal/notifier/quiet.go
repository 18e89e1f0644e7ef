package notifier

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"geonotify/internal/model"
)

func parseClock(s string) (int, error) {
	h, m, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok {
		return 0, fmt.Errorf("invalid time of day %q", s)
	}
	hh, err1 := strconv.Atoi(h)
	mm, err2 := strconv.Atoi(m)
	if err1 != nil || err2 != nil || hh < 0 || hh > 23 || mm < 0 || mm > 59 {
		return 0, fmt.Errorf("invalid time of day %q", s)
	}
	return hh*60 + mm, nil
}

// QuietUntil reports whether now falls inside the quiet window (evaluated in
// loc) and, if so, when delivery may resume: the window end plus tolerance,
// on the same or the next calendar day. Start > End spans midnight.
func QuietUntil(q model.QuietHours, loc *time.Location, now time.Time, tolerance time.Duration) (time.Time, bool) {
	if !q.Enabled {
		return time.Time{}, false
	}
	start, err := parseClock(q.Start)
	if err != nil {
		return time.Time{}, false
	}
	end, err := parseClock(q.End)
	if err != nil || start == end {
		return time.Time{}, false
	}
	if loc == nil {
		loc = time.UTC
	}
	local := now.In(loc)
	cur := local.Hour()*60 + local.Minute()

	var inside bool
	if start < end {
		inside = cur >= start && cur < end
	} else {
		inside = cur >= start || cur < end
	}
	if !inside {
		return time.Time{}, false
	}

	y, mo, d := local.Date()
	resume := time.Date(y, mo, d, end/60, end%60, 0, 0, loc)
	if !resume.After(local) {
		resume = time.Date(y, mo, d+1, end/60, end%60, 0, 0, loc)
	}
	return resume.Add(tolerance), true
}

// ValidQuietHours checks the "HH:MM" fields when the window is enabled.
func ValidQuietHours(q model.QuietHours) error {
	if !q.Enabled {
		return nil
	}
	if _, err := parseClock(q.Start); err != nil {
		return err
	}
	if _, err := parseClock(q.End); err != nil {
		return err
	}
	return nil
}
