package offline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	appLog "whatson/internal/log"
)

// ErrUnavailable is returned when the network failed and no cached copy
// exists to fall back on.
var ErrUnavailable = errors.New("offline: resource unavailable")

// Config describes a Proxy.
type Config struct {
	// Origin is the base URL of the site being proxied,
	// e.g. "https://whatsoninni.com".
	Origin string

	// Version names the cache bucket. Activating a proxy deletes every
	// bucket with a different name.
	Version string

	// Manifest lists the application-shell paths fetched at install, in
	// order (e.g. "/", "/index.html", "/assets/app.js").
	Manifest []string

	// FeedPath selects stale-while-revalidate, e.g. "/data/events.json".
	FeedPath string

	// Client performs network requests. If nil, a client with a 15s
	// timeout is used. It must not route back through this proxy.
	Client *http.Client

	// Store holds cached entries. If nil, a MemoryStore is used.
	Store Store

	// Metrics is optional.
	Metrics *Metrics
}

// Response is a proxied response and how it was produced.
type Response struct {
	*Entry
	Strategy Strategy
	Outcome  Outcome
}

type handlerFunc func(ctx context.Context, key string, r *http.Request) (*Response, error)

// Proxy sits between the site's pages and the network and answers every
// request with one of the caching strategies. Until Activate is called
// requests pass straight through to the network.
type Proxy struct {
	origin   *url.URL
	version  string
	manifest []string
	feedPath string
	client   *http.Client
	store    Store
	metrics  *Metrics

	active   atomic.Bool
	handlers map[Strategy]handlerFunc

	// Background stale-while-revalidate refreshes.
	wg sync.WaitGroup
}

// New validates cfg and builds a Proxy.
func New(cfg Config) (*Proxy, error) {
	origin, err := url.Parse(strings.TrimRight(cfg.Origin, "/"))
	if err != nil {
		return nil, fmt.Errorf("offline: parse origin: %w", err)
	}
	if origin.Scheme == "" || origin.Host == "" {
		return nil, fmt.Errorf("offline: origin %q must be an absolute URL", cfg.Origin)
	}
	if cfg.Version == "" {
		return nil, errors.New("offline: cache version is empty")
	}

	p := &Proxy{
		origin:   origin,
		version:  cfg.Version,
		manifest: append([]string(nil), cfg.Manifest...),
		feedPath: cfg.FeedPath,
		client:   cfg.Client,
		store:    cfg.Store,
		metrics:  cfg.Metrics,
	}
	if p.client == nil {
		p.client = &http.Client{Timeout: 15 * time.Second}
	}
	if p.store == nil {
		p.store = NewMemoryStore()
	}
	p.handlers = map[Strategy]handlerFunc{
		NetworkFirst:         p.networkFirst,
		StaleWhileRevalidate: p.staleWhileRevalidate,
		CacheFirst:           p.cacheFirst,
		Bypass:               p.bypass,
	}
	return p, nil
}

// Version returns the active cache bucket name.
func (p *Proxy) Version() string { return p.version }

// Active reports whether Activate has run.
func (p *Proxy) Active() bool { return p.active.Load() }

// Start installs and immediately activates the proxy.
func (p *Proxy) Start(ctx context.Context) error {
	if err := p.Install(ctx); err != nil {
		return err
	}
	return p.Activate(ctx)
}

// Install fetches every manifest path and stores the responses. Nothing is
// stored unless every path answers with a 2xx.
func (p *Proxy) Install(ctx context.Context) error {
	keys := make([]string, 0, len(p.manifest))
	entries := make([]*Entry, 0, len(p.manifest))

	for _, path := range p.manifest {
		key := p.keyForPath(path)
		e, err := p.fetch(ctx, http.MethodGet, key, nil, nil, nil)
		if err != nil {
			return fmt.Errorf("offline: install %s: %w", path, err)
		}
		if !e.OK() {
			return fmt.Errorf("offline: install %s: status %d", path, e.Status)
		}
		keys = append(keys, key)
		entries = append(entries, e)
	}

	for i, e := range entries {
		if err := p.store.Put(ctx, p.version, keys[i], e); err != nil {
			return fmt.Errorf("offline: install %s: %w", keys[i], err)
		}
	}

	appLog.Info("offline shell installed", "version", p.version, "entries", len(entries))
	return nil
}

// Activate deletes every cache bucket other than the current version and
// starts answering requests from the cache.
func (p *Proxy) Activate(ctx context.Context) error {
	buckets, err := p.store.Buckets(ctx)
	if err != nil {
		return fmt.Errorf("offline: list buckets: %w", err)
	}
	for _, b := range buckets {
		if b == p.version {
			continue
		}
		if err := p.store.DropBucket(ctx, b); err != nil {
			return fmt.Errorf("offline: drop bucket %s: %w", b, err)
		}
		appLog.Info("offline dropped old cache", "bucket", b)
	}
	p.active.Store(true)
	appLog.Info("offline proxy active", "version", p.version)
	return nil
}

// Wait blocks until all background refreshes have finished.
func (p *Proxy) Wait() {
	p.wg.Wait()
}

// Do answers r according to its strategy.
func (p *Proxy) Do(ctx context.Context, r *http.Request) (*Response, error) {
	key := p.keyForRequest(r)

	strategy := Classify(r, p.feedPath)
	if !p.active.Load() {
		strategy = Bypass
	}

	resp, err := p.handlers[strategy](ctx, key, r)
	if err != nil {
		outcome := OutcomeError
		if errors.Is(err, ErrUnavailable) {
			outcome = OutcomeUnavailable
		}
		p.metrics.observe(strategy, outcome)
		return nil, err
	}
	p.metrics.observe(strategy, resp.Outcome)
	return resp, nil
}

func (p *Proxy) networkFirst(ctx context.Context, key string, r *http.Request) (*Response, error) {
	cached := p.match(ctx, key)

	fresh, err := p.fetch(ctx, http.MethodGet, key, r.Header, nil, cached)
	if err != nil {
		if cached != nil {
			appLog.Debug("offline network failed; serving cached page", "url", key, "err", err)
			return &Response{Entry: cached, Strategy: NetworkFirst, Outcome: OutcomeFallback}, nil
		}
		return nil, fmt.Errorf("%w: %s: %v", ErrUnavailable, key, err)
	}

	p.put(ctx, key, fresh)
	return &Response{Entry: fresh, Strategy: NetworkFirst, Outcome: OutcomeMiss}, nil
}

type fetchResult struct {
	entry *Entry
	err   error
}

func (p *Proxy) staleWhileRevalidate(ctx context.Context, key string, r *http.Request) (*Response, error) {
	cached := p.match(ctx, key)
	header := r.Header.Clone()

	// The refresh outlives the request that triggered it.
	bg := context.WithoutCancel(ctx)
	done := make(chan fetchResult, 1)

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		fresh, err := p.fetch(bg, http.MethodGet, key, header, nil, cached)
		if err != nil {
			p.metrics.refreshFailed()
			appLog.Debug("offline background refresh failed", "url", key, "err", err)
		} else {
			p.put(bg, key, fresh)
		}
		done <- fetchResult{entry: fresh, err: err}
	}()

	if cached != nil {
		return &Response{Entry: cached, Strategy: StaleWhileRevalidate, Outcome: OutcomeStale}, nil
	}

	select {
	case res := <-done:
		if res.err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrUnavailable, key, res.err)
		}
		return &Response{Entry: res.entry, Strategy: StaleWhileRevalidate, Outcome: OutcomeMiss}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *Proxy) cacheFirst(ctx context.Context, key string, r *http.Request) (*Response, error) {
	if cached := p.match(ctx, key); cached != nil {
		return &Response{Entry: cached, Strategy: CacheFirst, Outcome: OutcomeHit}, nil
	}

	fresh, err := p.fetch(ctx, http.MethodGet, key, r.Header, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("offline: fetch %s: %w", key, err)
	}
	p.put(ctx, key, fresh)
	return &Response{Entry: fresh, Strategy: CacheFirst, Outcome: OutcomeMiss}, nil
}

func (p *Proxy) bypass(ctx context.Context, key string, r *http.Request) (*Response, error) {
	var body io.Reader
	if r.Body != nil && r.Body != http.NoBody {
		body = r.Body
	}
	fresh, err := p.fetch(ctx, r.Method, key, r.Header, body, nil)
	if err != nil {
		return nil, fmt.Errorf("offline: fetch %s: %w", key, err)
	}
	return &Response{Entry: fresh, Strategy: Bypass, Outcome: OutcomeBypass}, nil
}

// match returns the cached entry for key, or nil. Store failures are
// logged and treated as a miss.
func (p *Proxy) match(ctx context.Context, key string) *Entry {
	e, err := p.store.Get(ctx, p.version, key)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			appLog.Error("offline cache read failed", err, "url", key)
		}
		return nil
	}
	return e
}

// put stores 2xx entries. A failed write never fails the response.
func (p *Proxy) put(ctx context.Context, key string, e *Entry) {
	if !e.OK() {
		return
	}
	if err := p.store.Put(ctx, p.version, key, e); err != nil {
		appLog.Error("offline cache write failed", err, "url", key)
	}
}

func (p *Proxy) keyForPath(path string) string {
	ref, err := url.Parse(path)
	if err != nil {
		return p.key(path, "")
	}
	return p.key(ref.Path, ref.RawQuery)
}

func (p *Proxy) keyForRequest(r *http.Request) string {
	return p.key(r.URL.Path, r.URL.RawQuery)
}

// key maps a site path onto the origin. Cache entries are keyed by the
// resulting absolute URL.
func (p *Proxy) key(path, rawQuery string) string {
	u := *p.origin
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	u.Path = p.origin.Path + path
	u.RawPath = ""
	u.RawQuery = rawQuery
	return u.String()
}

// ServeHTTP makes the proxy usable as the site's front handler.
func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	resp, err := p.Do(r.Context(), r)
	if err != nil {
		status := http.StatusBadGateway
		if errors.Is(err, ErrUnavailable) {
			status = http.StatusGatewayTimeout
		}
		appLog.Error("offline request failed", err, "path", r.URL.Path, "status", status)
		http.Error(w, http.StatusText(status), status)
		return
	}

	h := w.Header()
	for k, vs := range resp.Header {
		h[k] = append([]string(nil), vs...)
	}
	h.Set("Content-Length", strconv.Itoa(len(resp.Body)))
	h.Set("X-Cache-Strategy", resp.Strategy.String())
	h.Set("X-Cache", string(resp.Outcome))
	w.WriteHeader(resp.Status)
	if r.Method != http.MethodHead {
		_, _ = w.Write(resp.Body)
	}
}

// RoundTripper returns an http.RoundTripper that sends requests through
// the proxy. Give it to clients that should see the same caching as the
// site's pages, such as the events loader.
func (p *Proxy) RoundTripper() http.RoundTripper {
	return roundTripper{p: p}
}

type roundTripper struct {
	p *Proxy
}

func (rt roundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	resp, err := rt.p.Do(req.Context(), req)
	if req.Body != nil {
		req.Body.Close()
	}
	if err != nil {
		return nil, err
	}

	hdr := resp.Header.Clone()
	if hdr == nil {
		hdr = http.Header{}
	}
	hdr.Set("X-Cache-Strategy", resp.Strategy.String())
	hdr.Set("X-Cache", string(resp.Outcome))

	return &http.Response{
		Status:        fmt.Sprintf("%d %s", resp.Status, http.StatusText(resp.Status)),
		StatusCode:    resp.Status,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        hdr,
		Body:          io.NopCloser(bytes.NewReader(resp.Body)),
		ContentLength: int64(len(resp.Body)),
		Request:       req,
	}, nil
}
