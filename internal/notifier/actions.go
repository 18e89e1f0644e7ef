package notifier

import (
	"time"

	"geonotify/internal/model"
)

// SnoozeUntil resolves a snooze action to its end time. "Today" ends at the
// next local midnight.
func SnoozeUntil(a model.Action, now time.Time, loc *time.Location) (time.Time, bool) {
	switch a {
	case model.ActionSnooze15m:
		return now.Add(15 * time.Minute), true
	case model.ActionSnooze1h:
		return now.Add(time.Hour), true
	case model.ActionSnoozeToday:
		if loc == nil {
			loc = time.UTC
		}
		l := now.In(loc)
		return time.Date(l.Year(), l.Month(), l.Day()+1, 0, 0, 0, 0, loc), true
	}
	return time.Time{}, false
}
