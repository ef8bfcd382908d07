package web

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/text/language"

	"whatson/internal/config"
	"whatson/internal/events"
	"whatson/internal/ics"
	appLog "whatson/internal/log"
	"whatson/internal/model"
	"whatson/internal/page"
)

// Deps are the collaborators a Server needs besides its config.
type Deps struct {
	// Source loads the feed, normally an *events.Loader.
	Source page.Source
	// Site answers every path not handled by the API, normally the
	// offline proxy. Nil means 404.
	Site http.Handler
	// Gatherer backs /metrics. Defaults to prometheus.DefaultGatherer.
	Gatherer prometheus.Gatherer
	// Location is the display zone for date windows and calendar
	// exports. Defaults to cfg.Location().
	Location *time.Location
	Now      func() time.Time
}

// Server provides the events API in front of the proxied site.
type Server struct {
	cfg      *config.Config
	src      page.Source
	site     http.Handler
	gatherer prometheus.Gatherer
	now      func() time.Time
	loc      *time.Location
	collate  language.Tag
	mux      *http.ServeMux

	// Loaded feed shared by all API requests until cfg.CacheTTL expires
	// or Refresh swaps it.
	sessionMu sync.RWMutex
	session   *page.Session
	loadMu    sync.Mutex
}

// NewServer constructs a new Server.
func NewServer(cfg *config.Config, deps Deps) *Server {
	s := &Server{
		cfg:      cfg,
		src:      deps.Source,
		site:     deps.Site,
		gatherer: deps.Gatherer,
		now:      deps.Now,
		loc:      deps.Location,
		mux:      http.NewServeMux(),
	}
	if s.gatherer == nil {
		s.gatherer = prometheus.DefaultGatherer
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.loc == nil {
		loc, err := cfg.Location()
		if err != nil {
			appLog.Error("invalid timezone; using local", err, "timezone", cfg.Timezone)
		}
		s.loc = loc
	}
	s.collate = events.DefaultCollation
	if tag, err := language.Parse(cfg.Collation); err == nil {
		s.collate = tag
	} else if cfg.Collation != "" {
		appLog.Error("invalid collation; using default", err, "collation", cfg.Collation)
	}
	s.registerRoutes()
	return s
}

// Handler returns the underlying http.Handler for this server.
func (s *Server) Handler() http.Handler {
	h := http.Handler(s.mux)
	if s.basicAuthEnabled() {
		appLog.Info("HTTP basic auth enabled", "listen", "http://"+s.cfg.Listen)
		return s.basicAuthMiddleware(h)
	}
	return h
}

// basicAuthEnabled reports whether HTTP Basic Auth is configured.
func (s *Server) basicAuthEnabled() bool {
	if s.cfg == nil || s.cfg.BasicAuth == nil {
		return false
	}
	// Empty credentials mean disabled.
	if s.cfg.BasicAuth.Username == "" || s.cfg.BasicAuth.Password == "" {
		return false
	}
	return true
}

// basicAuthMiddleware wraps all handlers except /health with HTTP Basic Auth.
func (s *Server) basicAuthMiddleware(next http.Handler) http.Handler {
	username := s.cfg.BasicAuth.Username
	password := s.cfg.BasicAuth.Password

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			next.ServeHTTP(w, r)
			return
		}

		u, p, ok := r.BasicAuth()
		if !ok || !secureCompare(u, username) || !secureCompare(p, password) {
			w.Header().Set("WWW-Authenticate", `Basic realm="whatson", charset="UTF-8"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// secureCompare compares two strings in constant time.
func secureCompare(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("/health", s.handleHealth)
	s.mux.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	s.mux.HandleFunc("/api/events", s.handleEvents)
	s.mux.HandleFunc("/api/events/", s.handleEvent)
	s.mux.HandleFunc("/api/categories", s.handleCategories)
	s.mux.HandleFunc("/api/counties", s.handleCounties)

	// Everything else is the proxied static site.
	s.mux.HandleFunc("/", s.handleSite)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

func (s *Server) handleSite(w http.ResponseWriter, r *http.Request) {
	// Unknown API paths must not fall through to site HTML.
	if r.URL.Path == "/api" || strings.HasPrefix(r.URL.Path, "/api/") || s.site == nil {
		http.NotFound(w, r)
		return
	}
	s.site.ServeHTTP(w, r)
}

// eventDTO is a model.Event plus the derived fields the pages render.
type eventDTO struct {
	model.Event
	Icon        string `json:"icon,omitempty"`
	Location    string `json:"location,omitempty"`
	MapsURL     string `json:"maps_url,omitempty"`
	PriceLabel  string `json:"price_label,omitempty"`
	Linked      bool   `json:"linked"`
	CalendarURL string `json:"calendar_url"`
}

func (s *Server) toDTO(ev model.Event) eventDTO {
	region := s.cfg.Calendar.Region
	if region == "" {
		region = ics.DefaultRegion
	}
	return eventDTO{
		Event:       ev,
		Icon:        model.CategoryIcon(ev.Category),
		Location:    ev.LocationLine(""),
		MapsURL:     ev.MapsURL(region),
		PriceLabel:  ev.PriceLabel(),
		Linked:      ev.Linked(),
		CalendarURL: "/api/events/" + url.PathEscape(ev.ID.String()) + ".ics",
	}
}

// eventsResponse is the JSON response shape for /api/events.
type eventsResponse struct {
	Events []eventDTO `json:"events"`
	Count  int        `json:"count"`
	Label  string     `json:"label"`
}

// handleEvents lists upcoming events.
//
// GET /api/events?q=quiz&county=down&category=Music&date=weekend&past=1
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if !allowGet(w, r) {
		return
	}

	q := r.URL.Query()
	window, err := events.ParseWindow(q.Get("date"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	query := page.Query{
		Text:        q.Get("q"),
		Category:    q.Get("category"),
		County:      q.Get("county"),
		Window:      window,
		IncludePast: q.Get("past") == "1",
	}

	var res page.Result
	err = s.withSession(r.Context(), func(sess *page.Session) error {
		var err error
		res, err = sess.Results(query)
		return err
	})
	if err != nil {
		s.writeLoadError(w, err)
		return
	}

	appLog.Debug("api events request", "q", query.Text, "county", query.County, "category", query.Category, "date", string(window), "count", res.Count)

	dtos := make([]eventDTO, 0, len(res.Events))
	for _, ev := range res.Events {
		dtos = append(dtos, s.toDTO(ev))
	}
	writeJSON(w, http.StatusOK, eventsResponse{Events: dtos, Count: res.Count, Label: res.Label})
}

// handleEvent serves /api/events/{id} and /api/events/{id}.ics.
func (s *Server) handleEvent(w http.ResponseWriter, r *http.Request) {
	if !allowGet(w, r) {
		return
	}

	id := strings.TrimPrefix(r.URL.Path, "/api/events/")
	id, asICS := strings.CutSuffix(id, ".ics")
	if id == "" || strings.Contains(id, "/") {
		http.NotFound(w, r)
		return
	}

	var ev model.Event
	err := s.withSession(r.Context(), func(sess *page.Session) error {
		var err error
		ev, err = sess.Find(id)
		return err
	})
	if err != nil {
		s.writeLoadError(w, err)
		return
	}

	if !asICS {
		writeJSON(w, http.StatusOK, s.toDTO(ev))
		return
	}

	body, err := ics.Build(ev, ics.Options{
		Domain:    s.cfg.Calendar.Domain,
		Region:    s.cfg.Calendar.Region,
		ProductID: s.cfg.Calendar.ProductID,
		Location:  s.loc,
	})
	if err != nil {
		appLog.Error("calendar export failed", err, "id", id)
		writeError(w, http.StatusInternalServerError, "could not build calendar file")
		return
	}
	w.Header().Set("Content-Type", "text/calendar; charset=utf-8")
	w.Header().Set("Content-Disposition", `attachment; filename="`+ics.FileName(ev.Title)+`"`)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(body))
}

func (s *Server) handleCategories(w http.ResponseWriter, r *http.Request) {
	if !allowGet(w, r) {
		return
	}
	var cats []string
	err := s.withSession(r.Context(), func(sess *page.Session) error {
		var err error
		cats, err = sess.Categories()
		return err
	})
	if err != nil {
		s.writeLoadError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string][]string{"categories": cats})
}

// countyDTO is a county tile with its live event count.
type countyDTO struct {
	model.County
	Upcoming int `json:"upcoming"`
}

func (s *Server) handleCounties(w http.ResponseWriter, r *http.Request) {
	if !allowGet(w, r) {
		return
	}
	var out []countyDTO
	err := s.withSession(r.Context(), func(sess *page.Session) error {
		counties, err := sess.Counties()
		if err != nil {
			return err
		}
		out = make([]countyDTO, 0, len(counties))
		for _, c := range counties {
			res, err := sess.Results(page.Query{County: c.Key})
			if err != nil {
				return err
			}
			out = append(out, countyDTO{County: c, Upcoming: res.Count})
		}
		return nil
	})
	if err != nil {
		s.writeLoadError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string][]countyDTO{"counties": out})
}

// withSession runs fn against the current snapshot. A snapshot closed by a
// concurrent refresh is retried against its replacement.
func (s *Server) withSession(ctx context.Context, fn func(*page.Session) error) error {
	const attempts = 3
	var err error
	for i := 0; i < attempts; i++ {
		var sess *page.Session
		sess, err = s.current(ctx)
		if err != nil {
			return err
		}
		if err = fn(sess); !errors.Is(err, page.ErrClosed) {
			return err
		}
	}
	return err
}

// current returns the memoised session, loading a new one when the TTL has
// expired. A failed reload keeps serving the previous snapshot.
func (s *Server) current(ctx context.Context) (*page.Session, error) {
	s.sessionMu.RLock()
	sess := s.session
	s.sessionMu.RUnlock()
	if sess != nil && s.now().Sub(sess.LoadedAt()) < s.cfg.CacheTTL {
		return sess, nil
	}

	next, err := s.reload(ctx, sess, false)
	if err != nil {
		if sess != nil {
			appLog.Error("feed reload failed; serving previous snapshot", err, "loaded_at", sess.LoadedAt().Format(time.RFC3339))
			return sess, nil
		}
		return nil, err
	}
	return next, nil
}

// Refresh reloads the feed now. The cron job calls it.
func (s *Server) Refresh(ctx context.Context) error {
	_, err := s.reload(ctx, nil, true)
	return err
}

// reload bootstraps a new session and swaps it in. Unless force is set,
// a session already replaced by a concurrent caller is returned instead.
func (s *Server) reload(ctx context.Context, seen *page.Session, force bool) (*page.Session, error) {
	s.loadMu.Lock()
	defer s.loadMu.Unlock()

	s.sessionMu.RLock()
	cur := s.session
	s.sessionMu.RUnlock()
	if !force && cur != nil && cur != seen {
		return cur, nil
	}

	next, err := page.Bootstrap(ctx, s.src, page.Home(), page.Options{
		Counties:  s.cfg.Counties,
		Collation: s.collate,
		Location:  s.loc,
		Now:       s.now,
	})
	if err != nil {
		return nil, err
	}

	s.sessionMu.Lock()
	s.session = next
	s.sessionMu.Unlock()
	if cur != nil {
		_ = cur.Close()
	}
	appLog.Info("events loaded", "count", countOf(next))
	return next, nil
}

func countOf(sess *page.Session) int {
	res, err := sess.Results(page.Query{IncludePast: true})
	if err != nil {
		return 0
	}
	return res.Count
}

// Close releases the current snapshot.
func (s *Server) Close() error {
	s.sessionMu.Lock()
	defer s.sessionMu.Unlock()
	if s.session == nil {
		return nil
	}
	err := s.session.Close()
	s.session = nil
	return err
}

func (s *Server) writeLoadError(w http.ResponseWriter, err error) {
	if errors.Is(err, page.ErrNotFound) {
		writeError(w, http.StatusNotFound, "event not found")
		return
	}
	appLog.Error("could not load events", err)
	writeError(w, http.StatusBadGateway, "could not load events")
}

func allowGet(w http.ResponseWriter, r *http.Request) bool {
	if r.Method == http.MethodGet || r.Method == http.MethodHead {
		return true
	}
	w.Header().Set("Allow", "GET, HEAD")
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	return false
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		appLog.Error("failed to write JSON response", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	type errResp struct {
		Error string `json:"error"`
	}
	writeJSON(w, status, errResp{Error: msg})
}
