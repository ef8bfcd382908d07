package events

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func feedServer(t *testing.T, status int, body string) (*httptest.Server, *http.Header) {
	t.Helper()
	var seen http.Header
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = r.Header.Clone()
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv, &seen
}

func testLoader(url string) *Loader {
	l := NewLoader(url, time.UTC)
	l.Now = func() time.Time { return time.Date(2025, 6, 11, 12, 0, 0, 0, time.UTC) }
	l.HorizonDays = 14
	return l
}

func TestLoadObjectFeed(t *testing.T) {
	srv, hdr := feedServer(t, http.StatusOK, `{"events":[
		{"id":"c","title":"Third","start":"2025-07-01T20:00"},
		{"id":"x","title":"No start"},
		{"id":1,"title":"First","start":"2025-03-01T10:00","county":"County Down","url":"https://example.com/e/1"},
		{"id":"y","title":"Bad start","start":"next tuesday"},
		{"id":"b","title":"Second","start":"2025-05-01T19:30:00Z","end":"2025-05-01T22:00:00Z"}
	]}`)

	events, err := testLoader(srv.URL).Load(context.Background())
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("Load() returned %d events, want 3", len(events))
	}
	for i, id := range []string{"1", "b", "c"} {
		if string(events[i].ID) != id {
			t.Errorf("events[%d].ID = %q, want %q", i, events[i].ID, id)
		}
	}
	if events[0].URL != "https://example.com/e/1" || !events[0].Linked() {
		t.Errorf("url not preserved: %+v", events[0])
	}
	if got := events[1].EndOrStart().Sub(events[1].Start); got != 150*time.Minute {
		t.Errorf("duration = %v, want 2h30m", got)
	}
	if got := events[2].EndOrStart(); !got.Equal(events[2].Start) {
		t.Errorf("missing end should fall back to start, got %v", got)
	}
	if cc := hdr.Get("Cache-Control"); cc != "no-cache" {
		t.Errorf("Cache-Control = %q, want no-cache", cc)
	}
}

func TestLoadBareArrayFeed(t *testing.T) {
	srv, _ := feedServer(t, http.StatusOK, `[
		{"id":"2","title":"Later","start":"2025-09-01T20:00"},
		{"id":"1","title":"Sooner","start":"2025-08-01T20:00"}
	]`)

	events, err := testLoader(srv.URL).Load(context.Background())
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if len(events) != 2 || events[0].ID != "1" || events[1].ID != "2" {
		t.Fatalf("Load() = %+v, want sorted [1 2]", events)
	}
}

func TestLoadDropsInvalidRecords(t *testing.T) {
	srv, _ := feedServer(t, http.StatusOK, `[
		{"id":"a","title":"A","start":"2025-06-20"},
		{"id":"b","title":"B","start":""},
		{"id":"c","title":"C","start":"2025-06-19T09:00"},
		{"id":"d","title":"D"},
		{"id":"e","title":42,"start":"2025-06-18"},
		{"id":"f","title":"F","start":"2025-06-17T21:00:00+01:00"}
	]`)

	events, err := testLoader(srv.URL).Load(context.Background())
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("Load() returned %d events, want 3", len(events))
	}
	for i := 1; i < len(events); i++ {
		if events[i].Start.Before(events[i-1].Start) {
			t.Errorf("events not sorted at %d: %v before %v", i, events[i-1].Start, events[i].Start)
		}
	}
}

func TestLoadFetchError(t *testing.T) {
	srv, _ := feedServer(t, http.StatusInternalServerError, `oops`)

	_, err := testLoader(srv.URL).Load(context.Background())
	var fe *FetchError
	if !errors.As(err, &fe) {
		t.Fatalf("Load() error = %v, want *FetchError", err)
	}
	if fe.StatusCode != http.StatusInternalServerError {
		t.Errorf("StatusCode = %d, want 500", fe.StatusCode)
	}
}

func TestLoadTransportError(t *testing.T) {
	srv, _ := feedServer(t, http.StatusOK, `[]`)
	url := srv.URL
	srv.Close()

	_, err := testLoader(url).Load(context.Background())
	var fe *FetchError
	if !errors.As(err, &fe) {
		t.Fatalf("Load() error = %v, want *FetchError", err)
	}
	if fe.StatusCode != 0 || fe.Err == nil {
		t.Errorf("transport failure should carry the cause: %+v", fe)
	}
}

func TestLoadRejectsOversizedFeed(t *testing.T) {
	old := maxFeedBytes
	maxFeedBytes = 16
	t.Cleanup(func() { maxFeedBytes = old })

	srv, _ := feedServer(t, http.StatusOK, `[{"id":"a","title":"A","start":"2025-06-12T10:00"}]`)
	_, err := testLoader(srv.URL).Load(context.Background())
	var fe *FetchError
	if !errors.As(err, &fe) {
		t.Fatalf("Load() error = %v, want *FetchError", err)
	}
	if fe.Err == nil {
		t.Error("FetchError should carry the size failure")
	}
}

func TestLoadParseError(t *testing.T) {
	for name, body := range map[string]string{
		"not json":         `<html>not json</html>`,
		"truncated":        `{"events":[{"id":1`,
		"object no events": `{"items":[]}`,
		"scalar":           `42`,
		"empty":            ``,
	} {
		t.Run(name, func(t *testing.T) {
			srv, _ := feedServer(t, http.StatusOK, body)
			_, err := testLoader(srv.URL).Load(context.Background())
			var pe *ParseError
			if !errors.As(err, &pe) {
				t.Fatalf("Load() error = %v, want *ParseError", err)
			}
		})
	}
}

func TestLoadExpandsRecurringEvents(t *testing.T) {
	srv, _ := feedServer(t, http.StatusOK, `{"events":[
		{"id":"quiz","title":"Pub Quiz","start":"2025-05-01T20:00","end":"2025-05-01T22:00","rrule":"FREQ=WEEKLY;BYDAY=TH","category":"Quiz"},
		{"id":"gig","title":"Gig","start":"2025-06-18T21:00"}
	]}`)

	events, err := testLoader(srv.URL).Load(context.Background())
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	want := []struct {
		id    string
		start time.Time
	}{
		{"quiz-20250612", time.Date(2025, 6, 12, 20, 0, 0, 0, time.UTC)},
		{"gig", time.Date(2025, 6, 18, 21, 0, 0, 0, time.UTC)},
		{"quiz-20250619", time.Date(2025, 6, 19, 20, 0, 0, 0, time.UTC)},
	}
	if len(events) != len(want) {
		t.Fatalf("Load() returned %d events, want %d: %+v", len(events), len(want), events)
	}
	for i, w := range want {
		if string(events[i].ID) != w.id || !events[i].Start.Equal(w.start) {
			t.Errorf("events[%d] = %s @ %v, want %s @ %v", i, events[i].ID, events[i].Start, w.id, w.start)
		}
	}
	if d := events[0].EndOrStart().Sub(events[0].Start); d != 2*time.Hour {
		t.Errorf("occurrence duration = %v, want 2h", d)
	}
	if events[0].RRule != "" || events[0].Category != "Quiz" {
		t.Errorf("occurrence fields not carried over: %+v", events[0])
	}
}

func TestRecurringEventsKeepWallClockAcrossDST(t *testing.T) {
	london, err := time.LoadLocation("Europe/London")
	if err != nil {
		t.Skipf("tzdata unavailable: %v", err)
	}
	// 20:00 GMT in March; clocks go forward on 30 March.
	srv, _ := feedServer(t, http.StatusOK, `[
		{"id":"quiz","title":"Pub Quiz","start":"2025-03-20T20:00:00Z","rrule":"FREQ=WEEKLY;COUNT=4"}
	]`)
	l := NewLoader(srv.URL, london)
	l.Now = func() time.Time { return time.Date(2025, 3, 19, 12, 0, 0, 0, time.UTC) }
	l.HorizonDays = 30

	events, err := l.Load(context.Background())
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if len(events) != 4 {
		t.Fatalf("Load() returned %d events, want 4", len(events))
	}
	for _, ev := range events {
		if h := ev.Start.In(london).Hour(); h != 20 {
			t.Errorf("%s starts at %02d:00 London time, want 20:00", ev.ID, h)
		}
	}
	if got, want := events[3].Start, time.Date(2025, 4, 10, 19, 0, 0, 0, time.UTC); !got.Equal(want) {
		t.Errorf("last occurrence = %v, want %v", got, want)
	}
}

func TestParseTime(t *testing.T) {
	tests := []struct {
		in   string
		want time.Time
		ok   bool
	}{
		{"2025-03-01T10:00", time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC), true},
		{"2025-03-01T10:00:30", time.Date(2025, 3, 1, 10, 0, 30, 0, time.UTC), true},
		{"2025-03-01 10:00", time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC), true},
		{"2025-03-01", time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC), true},
		{"2025-03-01T10:00:00+01:00", time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC), true},
		{"", time.Time{}, false},
		{"soon", time.Time{}, false},
	}
	for _, tt := range tests {
		got, ok := ParseTime(tt.in, time.UTC)
		if ok != tt.ok || !got.Equal(tt.want) {
			t.Errorf("ParseTime(%q) = %v, %v; want %v, %v", tt.in, got, ok, tt.want, tt.ok)
		}
	}
}
