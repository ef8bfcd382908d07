package offline

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

// Outcome describes how a request was answered.
type Outcome string

const (
	OutcomeHit         Outcome = "hit"         // served from the cache
	OutcomeMiss        Outcome = "miss"        // fetched from the network
	OutcomeStale       Outcome = "stale"       // served from the cache while refreshing
	OutcomeFallback    Outcome = "fallback"    // network failed, served from the cache
	OutcomeUnavailable Outcome = "unavailable" // network failed, nothing cached
	OutcomeError       Outcome = "error"
	OutcomeBypass      Outcome = "bypass"
)

// Metrics holds the proxy's Prometheus collectors. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	requests        *prometheus.CounterVec
	refreshFailures prometheus.Counter
}

// NewMetrics creates the collectors and registers them with reg when it is
// non-nil. Collectors that are already registered are reused.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "whatson",
			Subsystem: "offline",
			Name:      "requests_total",
			Help:      "Requests handled by the offline cache proxy, by strategy and outcome.",
		}, []string{"strategy", "outcome"}),
		refreshFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "whatson",
			Subsystem: "offline",
			Name:      "refresh_failures_total",
			Help:      "Background stale-while-revalidate refreshes that failed.",
		}),
	}
	if reg == nil {
		return m, nil
	}

	if err := reg.Register(m.requests); err != nil {
		var are prometheus.AlreadyRegisteredError
		if !errors.As(err, &are) {
			return nil, err
		}
		m.requests = are.ExistingCollector.(*prometheus.CounterVec)
	}
	if err := reg.Register(m.refreshFailures); err != nil {
		var are prometheus.AlreadyRegisteredError
		if !errors.As(err, &are) {
			return nil, err
		}
		m.refreshFailures = are.ExistingCollector.(prometheus.Counter)
	}
	return m, nil
}

func (m *Metrics) observe(s Strategy, o Outcome) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(s.String(), string(o)).Inc()
}

func (m *Metrics) refreshFailed() {
	if m == nil {
		return
	}
	m.refreshFailures.Inc()
}
