package events

import (
	"fmt"
	"strings"
	"time"

	"whatson/internal/model"
)

// upcomingGrace keeps events that started within the last hour listed.
const upcomingGrace = time.Hour

// Window is a date-range facet relative to "now".
type Window string

const (
	WindowAll     Window = "all"
	WindowToday   Window = "today"
	WindowWeekend Window = "weekend"
	WindowMonth   Window = "month"
)

// ParseWindow validates a window name. The empty string is WindowAll.
func ParseWindow(s string) (Window, error) {
	switch w := Window(strings.ToLower(strings.TrimSpace(s))); w {
	case "", WindowAll:
		return WindowAll, nil
	case WindowToday, WindowWeekend, WindowMonth:
		return w, nil
	default:
		return WindowAll, fmt.Errorf("unknown date window %q", s)
	}
}

// Options selects a subset of a loaded feed. The zero value keeps every
// upcoming event.
type Options struct {
	// IncludePast disables the upcoming-only filter.
	IncludePast bool
	// County and Category match everything when empty or "all".
	County   string
	Category string
	Window   Window
	Query    string
}

// IsUpcoming reports whether ev starts no earlier than one hour before now.
func IsUpcoming(ev model.Event, now time.Time) bool {
	if ev.Start.IsZero() {
		return false
	}
	return !ev.Start.Before(now.Add(-upcomingGrace))
}

// WithinDateWindow reports whether ev starts inside w, computed in now's
// location. Records without a start always match.
func WithinDateWindow(ev model.Event, w Window, now time.Time) bool {
	if ev.Start.IsZero() {
		return true
	}
	from, to, ok := windowBounds(w, now)
	if !ok {
		return true
	}
	return !ev.Start.Before(from) && ev.Start.Before(to)
}

// windowBounds returns the half-open interval [from, to) for w. ok is false
// for WindowAll and unknown windows.
func windowBounds(w Window, now time.Time) (from, to time.Time, ok bool) {
	today := midnight(now)

	switch w {
	case WindowToday:
		return today, addDays(today, 1), true

	case WindowWeekend:
		// Saturday and Sunday belong to the current weekend; any other day
		// looks ahead to the coming Saturday.
		var sat time.Time
		switch now.Weekday() {
		case time.Saturday:
			sat = today
		case time.Sunday:
			sat = addDays(today, -1)
		default:
			sat = addDays(today, int(time.Saturday-now.Weekday()))
		}
		return sat, addDays(sat, 2), true

	case WindowMonth:
		// Lower bound is the start of today, not the current instant.
		return today, today.AddDate(0, 1, 0), true
	}
	return time.Time{}, time.Time{}, false
}

func midnight(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
}

func addDays(t time.Time, n int) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day()+n, 0, 0, 0, 0, t.Location())
}

// MatchesText is a case-insensitive substring search over the record's
// descriptive fields. A blank query matches everything.
func MatchesText(ev model.Event, query string) bool {
	needle := strings.ToLower(strings.TrimSpace(query))
	if needle == "" {
		return true
	}
	return strings.Contains(strings.ToLower(searchBlob(ev)), needle)
}

func searchBlob(ev model.Event) string {
	fields := []string{ev.Title, ev.Summary, ev.Description, ev.Venue, ev.Town, ev.County, ev.Category}
	parts := fields[:0]
	for _, f := range fields {
		if f != "" {
			parts = append(parts, f)
		}
	}
	return strings.Join(parts, " ")
}

// NormalizeCounty lowercases and trims v and strips a leading "county "
// so that " County Down " and "down" compare equal.
func NormalizeCounty(v string) string {
	v = strings.ToLower(strings.TrimSpace(v))
	if rest, ok := strings.CutPrefix(v, "county"); ok {
		trimmed := strings.TrimLeft(rest, " \t\r\n")
		if trimmed != rest {
			return trimmed
		}
	}
	return v
}

// MatchesCounty compares counties after NormalizeCounty. An empty or
// "all" filter matches everything.
func MatchesCounty(ev model.Event, county string) bool {
	if isAll(county) {
		return true
	}
	return NormalizeCounty(ev.County) == NormalizeCounty(county)
}

// MatchesCategory is a case-insensitive exact match. An empty or "all"
// filter matches everything.
func MatchesCategory(ev model.Event, category string) bool {
	if isAll(category) {
		return true
	}
	return strings.EqualFold(ev.Category, category)
}

func isAll(v string) bool {
	v = strings.TrimSpace(v)
	return v == "" || strings.EqualFold(v, "all")
}

// Filter returns the events matching opts, in their original order. The
// input slice is never modified.
func Filter(events []model.Event, opts Options, now time.Time) []model.Event {
	out := make([]model.Event, 0, len(events))
	for _, ev := range events {
		if !opts.IncludePast && !IsUpcoming(ev, now) {
			continue
		}
		if !MatchesCounty(ev, opts.County) {
			continue
		}
		if !MatchesCategory(ev, opts.Category) {
			continue
		}
		if !WithinDateWindow(ev, opts.Window, now) {
			continue
		}
		if !MatchesText(ev, opts.Query) {
			continue
		}
		out = append(out, ev)
	}
	return out
}
