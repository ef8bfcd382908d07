package model

import (
	"encoding/json"
	"strings"
	"testing"
	"time"
)

func TestTextUnmarshal(t *testing.T) {
	tests := []struct {
		in   string
		want Text
	}{
		{`"evt-12"`, "evt-12"},
		{`12`, "12"},
		{`12.50`, "12.50"},
		{`null`, ""},
	}
	for _, tt := range tests {
		var got Text
		if err := json.Unmarshal([]byte(tt.in), &got); err != nil {
			t.Errorf("Unmarshal(%s) error = %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("Unmarshal(%s) = %q, want %q", tt.in, got, tt.want)
		}
	}

	var bad Text
	if err := json.Unmarshal([]byte(`{"a":1}`), &bad); err == nil {
		t.Error("Unmarshal(object) should fail")
	}
}

func TestEventDecode(t *testing.T) {
	var ev Event
	data := `{"id":7,"title":"Quiz","start":"2025-06-12T20:00","price":5,"free":false,"url":"https://x"}`
	if err := json.Unmarshal([]byte(data), &ev); err != nil {
		t.Fatal(err)
	}
	if ev.ID != "7" || ev.StartRaw != "2025-06-12T20:00" || ev.Price != "5" || !ev.Linked() {
		t.Errorf("decoded = %+v", ev)
	}
}

func TestEndOrStart(t *testing.T) {
	start := time.Date(2025, 6, 12, 20, 0, 0, 0, time.UTC)
	tests := []struct {
		name string
		end  time.Time
		want time.Time
	}{
		{"no end", time.Time{}, start},
		{"end before start", start.Add(-time.Hour), start},
		{"end after start", start.Add(2 * time.Hour), start.Add(2 * time.Hour)},
	}
	for _, tt := range tests {
		ev := Event{Start: start, End: tt.end}
		if got := ev.EndOrStart(); !got.Equal(tt.want) {
			t.Errorf("%s: EndOrStart() = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestLocation(t *testing.T) {
	ev := Event{Venue: "The Crown", Town: " Belfast ", County: ""}
	if got, want := ev.LocationLine("Northern Ireland"), "The Crown, Belfast, Northern Ireland"; got != want {
		t.Errorf("LocationLine() = %q, want %q", got, want)
	}
	if got := (Event{}).LocationLine("Northern Ireland"); got != "" {
		t.Errorf("empty LocationLine() = %q", got)
	}

	maps := ev.MapsURL("Northern Ireland")
	if !strings.HasPrefix(maps, "https://www.google.com/maps/search/?") || !strings.Contains(maps, "query=The+Crown%2C+Belfast%2C+Northern+Ireland") {
		t.Errorf("MapsURL() = %q", maps)
	}
	if got := (Event{County: "Down"}).MapsURL(""); got != "" {
		t.Errorf("MapsURL() without venue or town = %q", got)
	}
}

func TestPriceLabel(t *testing.T) {
	tests := []struct {
		ev   Event
		want string
	}{
		{Event{Free: true, Price: "10"}, "Free"},
		{Event{Price: "7.50"}, "£7.50"},
		{Event{}, ""},
	}
	for _, tt := range tests {
		if got := tt.ev.PriceLabel(); got != tt.want {
			t.Errorf("PriceLabel(%+v) = %q, want %q", tt.ev, got, tt.want)
		}
	}
}

func TestCategoryIcon(t *testing.T) {
	if CategoryIcon("Quiz") == "" {
		t.Error("Quiz has no icon")
	}
	if CategoryIcon("Unknown") != "" {
		t.Error("unknown category should have no icon")
	}
}
