// Package compose renders notification text and actions. It holds no state.
package compose

import (
	"fmt"
	"strings"

	"geonotify/internal/geo"
	"geonotify/internal/model"
)

// Input is everything needed to render one notification.
type Input struct {
	Tier        model.Tier
	Style       model.Style
	TaskTitle   string
	Description string
	PlaceName   string
	// DistanceM is the distance from the reported position to the target;
	// negative hides it.
	DistanceM float64

	// BundleSize > 1 renders a bundle; TaskTitles lists member task titles
	// and Tasks the number of distinct tasks.
	BundleSize int
	Tasks      int
	TaskTitles []string
}

var bundleActions = []model.Action{model.ActionSnooze15m, model.ActionSnooze1h, model.ActionSnoozeToday, model.ActionOpenMap}

// Compose renders in. Unknown styles render as standard.
func Compose(in Input) model.Notification {
	style := in.Style
	switch style {
	case model.StyleMinimal, model.StyleStandard, model.StyleDetailed:
	default:
		style = model.StyleStandard
	}

	var title, body string
	actions := model.AllActions
	if in.BundleSize > 1 {
		title, body = bundleText(in, style)
		actions = bundleActions
	} else {
		title, body = singleText(in, style)
	}
	if style == model.StyleMinimal && len(actions) > 2 {
		actions = actions[:2]
	}
	size := in.BundleSize
	if size < 1 {
		size = 1
	}
	return model.Notification{
		Tier:       in.Tier,
		Title:      title,
		Body:       body,
		Actions:    append([]model.Action(nil), actions...),
		BundleSize: size,
	}
}

// BundleTitle is "N reminders for this area" for one task and
// "N reminders for M tasks in this area" otherwise.
func BundleTitle(n, tasks int) string {
	if tasks <= 1 {
		return fmt.Sprintf("%d reminders for this area", n)
	}
	return fmt.Sprintf("%d reminders for %d tasks in this area", n, tasks)
}

func bundleText(in Input, style model.Style) (string, string) {
	title := BundleTitle(in.BundleSize, in.Tasks)
	switch style {
	case model.StyleMinimal:
		return title, ""
	case model.StyleDetailed:
		return title, strings.Join(in.TaskTitles, "\n")
	}
	const shown = 3
	names := in.TaskTitles
	if len(names) > shown {
		return title, fmt.Sprintf("%s and %d more", strings.Join(names[:shown], ", "), len(names)-shown)
	}
	return title, strings.Join(names, ", ")
}

func singleText(in Input, style model.Style) (string, string) {
	task := strings.TrimSpace(in.TaskTitle)
	if task == "" {
		task = "Reminder"
	}
	where := strings.TrimSpace(in.PlaceName)
	dist := ""
	if in.DistanceM >= 0 {
		dist = geo.FormatDistance(in.DistanceM)
	}

	switch in.Tier {
	case model.TierArrival:
		switch style {
		case model.StyleMinimal:
			return task, "You're here"
		case model.StyleDetailed:
			return joinNonEmpty(": ", "You've arrived", where), withDetail("Time to: "+task, in.Description)
		}
		return "You've arrived", task

	case model.TierPostArrival:
		switch style {
		case model.StyleMinimal:
			return task, "Done?"
		case model.StyleDetailed:
			return joinNonEmpty(" ", "Before you leave", where), withDetail("Did you finish: "+task+"?", in.Description)
		}
		return "Before you leave", "Did you finish: " + task + "?"
	}

	switch style {
	case model.StyleMinimal:
		if dist == "" {
			return task, "Nearby"
		}
		return task, dist + " away"
	case model.StyleDetailed:
		body := "You're close"
		if dist != "" {
			body = "You're " + dist + " away"
		}
		if where != "" {
			body += " from " + where
		}
		return "Coming up: " + task, withDetail(body+".", in.Description)
	}
	if dist == "" {
		return "Nearby: " + task, "You're close"
	}
	return "Nearby: " + task, "You're " + dist + " away"
}

func withDetail(s, detail string) string {
	detail = strings.TrimSpace(detail)
	if detail == "" {
		return s
	}
	return s + "\n" + detail
}

func joinNonEmpty(sep string, parts ...string) string {
	out := parts[:0:0]
	for _, p := range parts {
		if p != "" {
			out = append(out, p)
		}
	}
	return strings.Join(out, sep)
}
