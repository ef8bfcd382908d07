package offline

import (
	"net/http"
	"strings"
)

// Strategy is the caching policy applied to a request.
type Strategy uint8

const (
	// CacheFirst serves a stored copy when there is one and only goes to
	// the network on a miss. Used for static assets.
	CacheFirst Strategy = iota
	// NetworkFirst always tries the network and falls back to the stored
	// copy when the network fails. Used for page navigations.
	NetworkFirst
	// StaleWhileRevalidate serves the stored copy immediately and
	// refreshes it in the background. Used for the events feed.
	StaleWhileRevalidate
	// Bypass forwards the request untouched. Used for non-GET requests,
	// which are never cached.
	Bypass
)

func (s Strategy) String() string {
	switch s {
	case CacheFirst:
		return "cache-first"
	case NetworkFirst:
		return "network-first"
	case StaleWhileRevalidate:
		return "stale-while-revalidate"
	case Bypass:
		return "bypass"
	default:
		return "unknown"
	}
}

// Classify picks the strategy for r. Navigations are checked before the
// feed path, so opening the feed URL directly in a tab is network-first.
func Classify(r *http.Request, feedPath string) Strategy {
	if r.Method != http.MethodGet {
		return Bypass
	}
	if isNavigation(r) {
		return NetworkFirst
	}
	if feedPath != "" && strings.Contains(r.URL.Path, feedPath) {
		return StaleWhileRevalidate
	}
	return CacheFirst
}

// isNavigation reports whether r is a full page load. Browsers mark those
// with Sec-Fetch-Mode; clients that do not send fetch metadata are
// treated as navigating when they ask for HTML.
func isNavigation(r *http.Request) bool {
	if mode := r.Header.Get("Sec-Fetch-Mode"); mode != "" {
		return strings.EqualFold(mode, "navigate")
	}
	return strings.Contains(strings.ToLower(r.Header.Get("Accept")), "text/html")
}
