package events

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	appLog "whatson/internal/log"
	"whatson/internal/model"
)

const defaultHorizonDays = 90

// maxFeedBytes caps the feed document.
var maxFeedBytes int64 = 16 << 20

// Loader fetches the listings feed and turns it into a sorted, validated
// slice of events. A Loader holds no state between calls; callers that
// want to share one snapshot across pages keep the returned slice.
type Loader struct {
	// URL is the feed location, e.g. "http://127.0.0.1:8080/data/events.json".
	URL string

	// Client performs the request. When it is built around the offline
	// proxy's RoundTripper the feed is subject to stale-while-revalidate.
	// If nil, a client with a 15s timeout is used.
	Client *http.Client

	// Location is used for feed timestamps that carry no UTC offset.
	// If nil, time.Local is used.
	Location *time.Location

	// HorizonDays bounds recurrence expansion. If zero, 90 days.
	HorizonDays int

	// Now is the clock; nil means time.Now.
	Now func() time.Time
}

// NewLoader creates a Loader for url with defaults for everything else.
func NewLoader(url string, loc *time.Location) *Loader {
	return &Loader{
		URL:      url,
		Location: loc,
		Client: &http.Client{
			Timeout: 15 * time.Second,
		},
	}
}

// Load fetches and decodes the feed.
//
// The feed comes in two shapes and both are accepted:
//   - {"events": [...]}  the current shape
//   - [...]              the legacy bare array
//
// Records that do not decode, or whose start cannot be parsed, are
// dropped. The result is sorted ascending by start; ties keep feed order.
func (l *Loader) Load(ctx context.Context) ([]model.Event, error) {
	body, err := l.fetch(ctx)
	if err != nil {
		return nil, err
	}

	raw, err := feedRecords(body)
	if err != nil {
		appLog.Error("feed parse failed", err, "url", l.URL)
		return nil, &ParseError{URL: l.URL, Err: err}
	}

	loc := l.location()
	out := make([]model.Event, 0, len(raw))
	dropped := 0
	for _, r := range raw {
		var ev model.Event
		if err := json.Unmarshal(r, &ev); err != nil {
			dropped++
			continue
		}
		start, ok := ParseTime(ev.StartRaw, loc)
		if !ok {
			dropped++
			continue
		}
		ev.Start = start
		if end, ok := ParseTime(ev.EndRaw, loc); ok {
			ev.End = end
		}
		out = append(out, ev)
	}

	now := l.now().In(loc)
	out = expandRecurring(out, RecurConfig{
		RangeStart: now.AddDate(0, 0, -1),
		RangeEnd:   now.AddDate(0, 0, l.horizonDays()),
		Location:   loc,
	})

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Start.Before(out[j].Start)
	})

	appLog.Debug("feed loaded", "url", l.URL, "event_count", len(out), "dropped", dropped)
	return out, nil
}

func (l *Loader) fetch(ctx context.Context) ([]byte, error) {
	if l.URL == "" {
		return nil, &FetchError{Err: errors.New("feed URL is empty")}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, l.URL, nil)
	if err != nil {
		return nil, &FetchError{URL: l.URL, Err: err}
	}
	// Always ask for the freshest copy; any cache in between decides on
	// its own policy.
	req.Header.Set("Cache-Control", "no-cache")
	req.Header.Set("Pragma", "no-cache")
	req.Header.Set("Accept", "application/json")

	client := l.Client
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}

	resp, err := client.Do(req)
	if err != nil {
		appLog.Error("feed fetch failed", err, "url", l.URL)
		return nil, &FetchError{URL: l.URL, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		appLog.Error("feed fetch non-OK", errors.New(resp.Status), "url", l.URL, "status", resp.StatusCode)
		return nil, &FetchError{URL: l.URL, StatusCode: resp.StatusCode, Status: resp.Status}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxFeedBytes+1))
	if err != nil {
		return nil, &FetchError{URL: l.URL, Err: err}
	}
	if int64(len(body)) > maxFeedBytes {
		return nil, &FetchError{URL: l.URL, Err: fmt.Errorf("feed body exceeds %d bytes", maxFeedBytes)}
	}
	return body, nil
}

// feedRecords splits a feed document into its raw records.
func feedRecords(body []byte) ([]json.RawMessage, error) {
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return nil, errors.New("empty feed body")
	}

	switch body[0] {
	case '[':
		var recs []json.RawMessage
		if err := json.Unmarshal(body, &recs); err != nil {
			return nil, err
		}
		return recs, nil
	case '{':
		var doc struct {
			Events *[]json.RawMessage `json:"events"`
		}
		if err := json.Unmarshal(body, &doc); err != nil {
			return nil, err
		}
		if doc.Events == nil {
			return nil, errors.New(`feed object has no "events" list`)
		}
		return *doc.Events, nil
	default:
		if !json.Valid(body) {
			return nil, errors.New("feed body is not valid JSON")
		}
		return nil, errors.New("feed is neither a list nor an object")
	}
}

var timeLayouts = []string{
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
	"2006-01-02",
}

// ParseTime parses a feed timestamp. RFC 3339 values keep their offset;
// values without one are read as wall-clock time in loc.
func ParseTime(s string, loc *time.Location) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	if loc == nil {
		loc = time.Local
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t, true
	}
	for _, layout := range timeLayouts {
		if t, err := time.ParseInLocation(layout, s, loc); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

func (l *Loader) location() *time.Location {
	if l.Location == nil {
		return time.Local
	}
	return l.Location
}

func (l *Loader) horizonDays() int {
	if l.HorizonDays <= 0 {
		return defaultHorizonDays
	}
	return l.HorizonDays
}

func (l *Loader) now() time.Time {
	if l.Now == nil {
		return time.Now()
	}
	return l.Now()
}
