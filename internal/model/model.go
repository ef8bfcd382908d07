package model

import (
	"bytes"
	"encoding/json"
	"net/url"
	"strings"
	"time"
)

// Text is a JSON scalar that may arrive as a string or a number.
// Feeds carry ids like "evt-12" as well as 12; both decode to the
// textual form.
type Text string

func (t *Text) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*t = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*t = Text(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*t = Text(n.String())
	return nil
}

func (t Text) String() string { return string(t) }

// Event is a single record of the listings feed. Only Title and the
// start timestamp are required; everything else is optional.
//
// StartRaw/EndRaw keep the feed's original strings. Start/End are filled
// in by the loader; a zero Start means the record had no parseable start.
type Event struct {
	ID          Text   `json:"id"`
	Title       string `json:"title"`
	Summary     string `json:"summary,omitempty"`
	Description string `json:"description,omitempty"`

	StartRaw string `json:"start"`
	EndRaw   string `json:"end,omitempty"`

	Venue    string `json:"venue,omitempty"`
	Town     string `json:"town,omitempty"`
	County   string `json:"county,omitempty"`
	Category string `json:"category,omitempty"`

	// URL is passed through untouched. Its presence alone decides whether
	// a card links out.
	URL string `json:"url,omitempty"`

	Free  bool `json:"free,omitempty"`
	Price Text `json:"price,omitempty"`

	// RRule is an optional RFC 5545 recurrence rule (e.g.
	// "FREQ=WEEKLY;BYDAY=TH") for standing events such as weekly quizzes.
	RRule string `json:"rrule,omitempty"`

	Start time.Time `json:"-"`
	End   time.Time `json:"-"`
}

// EndOrStart returns End, or Start when the record has no usable end.
func (e Event) EndOrStart() time.Time {
	if e.End.IsZero() || e.End.Before(e.Start) {
		return e.Start
	}
	return e.End
}

// Linked reports whether the record should render as a hyperlink.
func (e Event) Linked() bool {
	return e.URL != ""
}

// LocationParts returns the non-empty venue, town and county values.
func (e Event) LocationParts() []string {
	parts := make([]string, 0, 3)
	for _, p := range []string{e.Venue, e.Town, e.County} {
		if p = strings.TrimSpace(p); p != "" {
			parts = append(parts, p)
		}
	}
	return parts
}

// LocationLine joins venue, town and county with the region suffix.
// It returns "" when the record carries no location at all.
func (e Event) LocationLine(region string) string {
	parts := e.LocationParts()
	if len(parts) == 0 {
		return ""
	}
	if region != "" {
		parts = append(parts, region)
	}
	return strings.Join(parts, ", ")
}

// MapsURL builds a map search link for records with a venue or town.
func (e Event) MapsURL(region string) string {
	if strings.TrimSpace(e.Venue) == "" && strings.TrimSpace(e.Town) == "" {
		return ""
	}
	q := url.Values{}
	q.Set("api", "1")
	q.Set("query", e.LocationLine(region))
	return "https://www.google.com/maps/search/?" + q.Encode()
}

// PriceLabel is "Free", "£<price>" or "".
func (e Event) PriceLabel() string {
	switch {
	case e.Free:
		return "Free"
	case e.Price != "":
		return "£" + string(e.Price)
	default:
		return ""
	}
}

var categoryIcons = map[string]string{
	"Traditional Music": "🎻",
	"Music":             "🎵",
	"Quiz":              "❓",
	"Family":            "👶",
	"Live Music":        "🎸",
	"Theatre":           "🎭",
	"Markets":           "🍰",
}

// CategoryIcon returns the decorative icon for a category, or "".
func CategoryIcon(category string) string {
	return categoryIcons[category]
}

// County is a county tile: display name plus the static page it links to.
type County struct {
	Key  string `yaml:"key" json:"key"`
	Page string `yaml:"page" json:"page"`
}
