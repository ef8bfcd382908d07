package ics

import (
	"errors"
	"regexp"
	"strings"
	"time"

	ical "github.com/arran4/golang-ical"
	"github.com/google/uuid"

	"whatson/internal/model"
)

const (
	DefaultDomain    = "whatsoninni.com"
	DefaultRegion    = "Northern Ireland"
	DefaultProductID = "-//whatsoninni//events//EN"

	maxDescription = 900
)

// Options controls the calendar envelope. Zero values fall back to the
// defaults above.
type Options struct {
	Domain    string
	Region    string
	ProductID string

	// Location is the zone times are written in. If nil, each time keeps
	// the location it was parsed with.
	Location *time.Location
}

func (o Options) normalize() Options {
	if o.Domain == "" {
		o.Domain = DefaultDomain
	}
	if o.Region == "" {
		o.Region = DefaultRegion
	}
	if o.ProductID == "" {
		o.ProductID = DefaultProductID
	}
	return o
}

var ErrNoStart = errors.New("event has no start time")

// Build renders ev as a single-event VCALENDAR with CRLF line endings.
// Times are written as floating local values in opts.Location.
func Build(ev model.Event, opts Options) (string, error) {
	if ev.Start.IsZero() {
		return "", ErrNoStart
	}
	opts = opts.normalize()

	cal := ical.NewCalendar()
	cal.SetProductId(opts.ProductID)
	cal.SetCalscale("GREGORIAN")

	vev := cal.AddEvent(UID(ev, opts.Domain))
	start := floating(ev.Start, opts.Location)
	vev.SetProperty(ical.ComponentPropertyDtstamp, start)
	vev.SetProperty(ical.ComponentPropertyDtStart, start)
	vev.SetProperty(ical.ComponentPropertyDtEnd, floating(ev.EndOrStart(), opts.Location))

	title := singleLine(ev.Title)
	if title == "" {
		title = "Event"
	}
	vev.SetSummary(title)

	if loc := singleLine(ev.LocationLine(opts.Region)); loc != "" {
		vev.SetLocation(loc)
	}
	if desc := Description(ev); desc != "" {
		vev.SetDescription(desc)
	}
	if ev.URL != "" {
		vev.SetURL(ev.URL)
	}

	return cal.Serialize(ical.WithNewLineWindows), nil
}

// UID is "<id>@<domain>". Records without an id get a stable name-based
// UUID derived from title and start so repeated downloads match.
func UID(ev model.Event, domain string) string {
	if domain == "" {
		domain = DefaultDomain
	}
	id := strings.TrimSpace(ev.ID.String())
	if id == "" {
		id = uuid.NewSHA1(uuid.NameSpaceURL, []byte(ev.Title+"|"+ev.StartRaw)).String()
	}
	return id + "@" + domain
}

// Description collapses newlines and truncates to 900 characters.
func Description(ev model.Event) string {
	d := singleLine(ev.Description)
	if r := []rune(d); len(r) > maxDescription {
		d = string(r[:maxDescription])
	}
	return d
}

func floating(t time.Time, loc *time.Location) string {
	if loc != nil {
		t = t.In(loc)
	}
	return t.Format("20060102T1504") + "00"
}

var newlines = regexp.MustCompile(`\r?\n|\r`)

func singleLine(s string) string {
	return strings.TrimSpace(newlines.ReplaceAllString(s, " "))
}

var unsafeName = regexp.MustCompile(`[^a-z0-9]+`)

// FileName turns a title into a download name such as
// "trad-session-at-the-bridge.ics".
func FileName(title string) string {
	name := strings.Trim(unsafeName.ReplaceAllString(strings.ToLower(title), "-"), "-")
	if len(name) > 60 {
		name = strings.TrimRight(name[:60], "-")
	}
	if name == "" {
		name = "event"
	}
	return name + ".ics"
}
