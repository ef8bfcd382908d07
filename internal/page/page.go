// Package page holds one loaded snapshot of the feed for a given page
// mode and answers listing queries against it.
package page

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/text/language"

	"whatson/internal/events"
	appLog "whatson/internal/log"
	"whatson/internal/model"
)

var (
	ErrClosed   = errors.New("page session closed")
	ErrNotFound = errors.New("event not found")
)

// Source supplies the feed. *events.Loader implements it.
type Source interface {
	Load(ctx context.Context) ([]model.Event, error)
}

// Kind enumerates the page modes.
type Kind uint8

const (
	KindHome Kind = iota
	KindCounty
	KindDetail
)

func (k Kind) String() string {
	switch k {
	case KindHome:
		return "home"
	case KindCounty:
		return "county"
	case KindDetail:
		return "detail"
	default:
		return "unknown"
	}
}

// Mode selects what a session is for. Build it with Home, County or
// Detail.
type Mode struct {
	Kind    Kind
	County  string
	EventID string
}

func Home() Mode { return Mode{Kind: KindHome} }
func County(name string) Mode { return Mode{Kind: KindCounty, County: name} }
func Detail(eventID string) Mode { return Mode{Kind: KindDetail, EventID: eventID} }

// Options tunes a session. Zero values are usable.
type Options struct {
	// Counties are the tiles listed on the home page.
	Counties []model.County
	// Collation orders the category facet; defaults to British English.
	Collation language.Tag
	// Location is the display zone date windows are computed in. If nil,
	// the clock's own location is used.
	Location *time.Location
	Now      func() time.Time
}

// Query is the user-controlled part of a listing.
type Query struct {
	Text     string
	Category string
	County   string
	Window   events.Window
	// IncludePast disables the upcoming-only default.
	IncludePast bool
}

// Result is one rendering of a listing.
type Result struct {
	Events []model.Event `json:"events"`
	Count  int           `json:"count"`
	Label  string        `json:"label"`
}

// Session is a loaded, read-only snapshot bound to a page mode. It is
// safe for concurrent use; after Close every accessor returns ErrClosed.
type Session struct {
	mode     Mode
	now      func() time.Time
	loadedAt time.Time

	mu         sync.RWMutex
	closed     bool
	events     []model.Event
	categories []string
	counties   []model.County
}

// Bootstrap loads the feed once and returns a session for mode. Detail
// sessions fail with ErrNotFound when the feed has no such event.
func Bootstrap(ctx context.Context, src Source, mode Mode, opts Options) (*Session, error) {
	if src == nil {
		return nil, errors.New("page: nil source")
	}
	evs, err := src.Load(ctx)
	if err != nil {
		return nil, err
	}

	now := opts.Now
	if now == nil {
		now = time.Now
	}
	if loc := opts.Location; loc != nil {
		clock := now
		now = func() time.Time { return clock().In(loc) }
	}
	tag := opts.Collation
	if tag == language.Und {
		tag = events.DefaultCollation
	}

	s := &Session{
		mode:       mode,
		now:        now,
		loadedAt:   now(),
		events:     evs,
		categories: events.DistinctCategoriesIn(evs, tag),
		counties:   append([]model.County(nil), opts.Counties...),
	}

	if mode.Kind == KindDetail {
		if _, ok := s.find(mode.EventID); !ok {
			return nil, fmt.Errorf("%w: %q", ErrNotFound, mode.EventID)
		}
	}

	appLog.Debug("page session ready", "mode", mode.Kind.String(), "events", len(evs), "categories", len(s.categories))
	return s, nil
}

// Mode returns the mode the session was bootstrapped with.
func (s *Session) Mode() Mode { return s.mode }

// LoadedAt is when the snapshot was taken.
func (s *Session) LoadedAt() time.Time { return s.loadedAt }

// Results filters the snapshot. County sessions always restrict to their
// own county regardless of q.County.
func (s *Session) Results(q Query) (Result, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return Result{}, ErrClosed
	}

	county := q.County
	if s.mode.Kind == KindCounty {
		county = s.mode.County
	}

	out := events.Filter(s.events, events.Options{
		IncludePast: q.IncludePast,
		County:      county,
		Category:    q.Category,
		Window:      q.Window,
		Query:       q.Text,
	}, s.now())

	return Result{Events: out, Count: len(out), Label: Label(len(out))}, nil
}

// Find returns the event with the given id.
func (s *Session) Find(id string) (model.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return model.Event{}, ErrClosed
	}
	ev, ok := s.find(id)
	if !ok {
		return model.Event{}, fmt.Errorf("%w: %q", ErrNotFound, id)
	}
	return ev, nil
}

// Current is the event a detail session was opened for.
func (s *Session) Current() (model.Event, error) {
	if s.mode.Kind != KindDetail {
		return model.Event{}, fmt.Errorf("page: %s session has no current event", s.mode.Kind)
	}
	return s.Find(s.mode.EventID)
}

func (s *Session) find(id string) (model.Event, bool) {
	for _, ev := range s.events {
		if ev.ID.String() == id {
			return ev, true
		}
	}
	return model.Event{}, false
}

// Categories returns the sorted category facet.
func (s *Session) Categories() ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	return append([]string(nil), s.categories...), nil
}

// Counties returns the configured county tiles.
func (s *Session) Counties() ([]model.County, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	return append([]model.County(nil), s.counties...), nil
}

// Close drops the snapshot. It is idempotent.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.events = nil
	s.categories = nil
	s.counties = nil
	return nil
}

// Label is the results counter text, e.g. "1 event found".
func Label(n int) string {
	if n == 1 {
		return "1 event found"
	}
	return fmt.Sprintf("%d events found", n)
}
