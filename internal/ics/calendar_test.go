package ics

import (
	"strings"
	"testing"
	"time"

	ical "github.com/arran4/golang-ical"

	"whatson/internal/model"
)

func sampleEvent() model.Event {
	return model.Event{
		ID:          "trad-1",
		Title:       "Trad Session\nat the Bridge",
		Description: "Bring a fiddle.\nAll welcome.",
		StartRaw:    "2025-06-12T20:00:00",
		Start:       time.Date(2025, 6, 12, 20, 0, 0, 0, time.UTC),
		End:         time.Date(2025, 6, 12, 23, 30, 0, 0, time.UTC),
		Venue:       "The Bridge Bar",
		Town:        "Enniskillen",
		County:      "Fermanagh",
		URL:         "https://example.com/trad",
	}
}

func parse(t *testing.T, s string) *ical.VEvent {
	t.Helper()
	cal, err := ical.ParseCalendar(strings.NewReader(s))
	if err != nil {
		t.Fatalf("ParseCalendar() error = %v\n%s", err, s)
	}
	evs := cal.Events()
	if len(evs) != 1 {
		t.Fatalf("got %d events, want 1", len(evs))
	}
	return evs[0]
}

func prop(ev *ical.VEvent, p ical.ComponentProperty) string {
	if v := ev.GetProperty(p); v != nil {
		return v.Value
	}
	return ""
}

func TestBuild(t *testing.T) {
	out, err := Build(sampleEvent(), Options{})
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	for _, want := range []string{
		"BEGIN:VCALENDAR",
		"PRODID:-//whatsoninni//events//EN",
		"CALSCALE:GREGORIAN",
		"UID:trad-1@whatsoninni.com",
		"DTSTAMP:20250612T200000",
		"DTSTART:20250612T200000",
		"DTEND:20250612T233000",
		"END:VCALENDAR",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}

	if n, crlf := strings.Count(out, "\n"), strings.Count(out, "\r\n"); n == 0 || n != crlf {
		t.Errorf("lines must end in CRLF: %d newlines, %d CRLF", n, crlf)
	}

	ev := parse(t, out)
	if got := prop(ev, ical.ComponentPropertySummary); got != "Trad Session at the Bridge" {
		t.Errorf("SUMMARY = %q", got)
	}
	if got, want := prop(ev, ical.ComponentPropertyLocation), "The Bridge Bar, Enniskillen, Fermanagh, Northern Ireland"; got != want {
		t.Errorf("LOCATION = %q, want %q", got, want)
	}
	if got := prop(ev, ical.ComponentPropertyDescription); got != "Bring a fiddle. All welcome." {
		t.Errorf("DESCRIPTION = %q", got)
	}
	if got := prop(ev, ical.ComponentPropertyUrl); got != "https://example.com/trad" {
		t.Errorf("URL = %q", got)
	}
}

func TestBuildOptionalFields(t *testing.T) {
	ev := model.Event{
		ID:    "7",
		Start: time.Date(2025, 6, 12, 20, 0, 0, 0, time.UTC),
	}
	out, err := Build(ev, Options{Domain: "example.org"})
	if err != nil {
		t.Fatal(err)
	}
	for _, absent := range []string{"LOCATION", "DESCRIPTION", "URL:"} {
		if strings.Contains(out, absent) {
			t.Errorf("output should not contain %s:\n%s", absent, out)
		}
	}
	if !strings.Contains(out, "DTEND:20250612T200000") {
		t.Errorf("DTEND should fall back to start:\n%s", out)
	}
	if !strings.Contains(out, "UID:7@example.org") {
		t.Errorf("UID should use the configured domain:\n%s", out)
	}
	if got := prop(parse(t, out), ical.ComponentPropertySummary); got != "Event" {
		t.Errorf("SUMMARY = %q, want Event", got)
	}
}

func TestBuildWritesTimesInDisplayZone(t *testing.T) {
	london, err := time.LoadLocation("Europe/London")
	if err != nil {
		t.Skipf("tzdata unavailable: %v", err)
	}
	start, err := time.Parse(time.RFC3339, "2025-06-01T19:00:00Z")
	if err != nil {
		t.Fatal(err)
	}
	ev := model.Event{ID: "gig", Title: "Gig", Start: start, End: start.Add(2 * time.Hour)}

	out, err := Build(ev, Options{Location: london})
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{"DTSTART:20250601T200000", "DTEND:20250601T220000"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestBuildWithoutStart(t *testing.T) {
	if _, err := Build(model.Event{Title: "x"}, Options{}); err != ErrNoStart {
		t.Errorf("Build() error = %v, want ErrNoStart", err)
	}
}

func TestUIDFallbackIsStable(t *testing.T) {
	ev := sampleEvent()
	ev.ID = ""
	a, b := UID(ev, ""), UID(ev, "")
	if a != b {
		t.Errorf("UID not stable: %q vs %q", a, b)
	}
	if !strings.HasSuffix(a, "@whatsoninni.com") || len(a) != 36+len("@whatsoninni.com") {
		t.Errorf("UID = %q", a)
	}
	ev.StartRaw = "2025-06-13T20:00:00"
	if UID(ev, "") == a {
		t.Error("different start produced the same UID")
	}
}

func TestDescriptionTruncates(t *testing.T) {
	ev := model.Event{Description: strings.Repeat("é", 1000)}
	if got := []rune(Description(ev)); len(got) != 900 {
		t.Errorf("len = %d, want 900", len(got))
	}
}

func TestFileName(t *testing.T) {
	tests := map[string]string{
		"Trad Session @ The Bridge!": "trad-session-the-bridge.ics",
		"":                           "event.ics",
		"***":                        "event.ics",
		"Fèis 2025":                  "f-is-2025.ics",
	}
	for in, want := range tests {
		if got := FileName(in); got != want {
			t.Errorf("FileName(%q) = %q, want %q", in, got, want)
		}
	}
}
