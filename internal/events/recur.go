package events

import (
	"errors"
	"time"

	"github.com/teambition/rrule-go"

	appLog "whatson/internal/log"
	"whatson/internal/model"
)

const (
	defaultMaxOccurrencesPerEvent = 500
)

// RecurConfig controls how recurring feed records are expanded.
type RecurConfig struct {
	// RangeStart / RangeEnd define the inclusive window for occurrences.
	RangeStart time.Time
	RangeEnd   time.Time

	// Location is the zone rules repeat in, so a weekly 20:00 event stays
	// at 20:00 across DST changes. If nil, the start's own location is used.
	Location *time.Location

	// MaxOccurrencesPerEvent caps a single rule. If zero,
	// defaultMaxOccurrencesPerEvent is used.
	MaxOccurrencesPerEvent int
}

// expandRecurring replaces every record carrying an RRULE with its
// concrete occurrences inside the configured range. Records without a
// rule pass through unchanged and in place. A record whose rule does not
// parse is kept as a single event.
func expandRecurring(events []model.Event, cfg RecurConfig) []model.Event {
	if cfg.MaxOccurrencesPerEvent <= 0 {
		cfg.MaxOccurrencesPerEvent = defaultMaxOccurrencesPerEvent
	}

	out := make([]model.Event, 0, len(events))
	for _, ev := range events {
		if ev.RRule == "" {
			out = append(out, ev)
			continue
		}
		occ, err := expandEvent(ev, cfg)
		if err != nil {
			appLog.Error("recurrence: failed to parse RRULE", err, "id", ev.ID, "rrule", ev.RRule)
			out = append(out, ev)
			continue
		}
		out = append(out, occ...)
	}
	return out
}

func expandEvent(ev model.Event, cfg RecurConfig) ([]model.Event, error) {
	r, err := rrule.StrToRRule(ev.RRule)
	if err != nil {
		return nil, err
	}
	loc := cfg.Location
	if loc == nil {
		loc = ev.Start.Location()
	}
	r.DTStart(ev.Start.In(loc))

	occTimes := r.Between(cfg.RangeStart.In(loc), cfg.RangeEnd.In(loc), true)

	if len(occTimes) > cfg.MaxOccurrencesPerEvent {
		occTimes = occTimes[:cfg.MaxOccurrencesPerEvent]
		appLog.Error("recurrence: truncated occurrences due to cap",
			errors.New("max occurrences reached"),
			"id", ev.ID,
			"cap", cfg.MaxOccurrencesPerEvent,
		)
	}

	// Preserve original duration.
	dur := ev.EndOrStart().Sub(ev.Start)

	out := make([]model.Event, 0, len(occTimes))
	for _, start := range occTimes {
		o := ev
		o.RRule = ""
		o.ID = model.Text(string(ev.ID) + "-" + start.Format("20060102"))
		o.Start = start
		if ev.End.IsZero() {
			o.End = time.Time{}
		} else {
			o.End = start.Add(dur)
		}
		o.StartRaw = start.Format(time.RFC3339)
		if !o.End.IsZero() {
			o.EndRaw = o.End.Format(time.RFC3339)
		}
		out = append(out, o)
	}
	return out, nil
}
