package registry

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/sandonleejacobs/rulestream/internal/types"
)

const (
	resultHit   = "hit"
	resultMiss  = "miss"
	resultStale = "stale"
	resultError = "error"
)

// Metrics tracks cache effectiveness and remote fetch latency.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	mu sync.Mutex

	resolvesTotal *prometheus.CounterVec
	fetchSeconds  *prometheus.HistogramVec
	activeVersion *prometheus.GaugeVec

	registerer prometheus.Registerer
	registered bool
}

// NewMetrics creates registry collectors. A nil registerer uses the default one.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	return &Metrics{
		registerer: registerer,
		resolvesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "rulestream",
			Subsystem: "registry",
			Name:      "resolves_total",
			Help:      "Rule set resolutions by cache result (hit, miss, stale, error).",
		}, []string{"subject", "result"}),
		fetchSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "rulestream",
			Subsystem: "registry",
			Name:      "fetch_duration_seconds",
			Help:      "Latency of remote schema and rule set fetches.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"subject"}),
		activeVersion: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "rulestream",
			Subsystem: "registry",
			Name:      "active_rule_set_version",
			Help:      "Rule set version currently cached per subject.",
		}, []string{"subject"}),
	}
}

// Register registers the collectors. Safe to call multiple times.
func (m *Metrics) Register() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.registered {
		return nil
	}
	for _, c := range []prometheus.Collector{m.resolvesTotal, m.fetchSeconds, m.activeVersion} {
		if err := m.registerer.Register(c); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
				return err
			}
		}
	}
	m.registered = true
	return nil
}

func (m *Metrics) observeResolve(subject types.Subject, result string) {
	if m == nil {
		return
	}
	m.resolvesTotal.WithLabelValues(string(subject), result).Inc()
}

func (m *Metrics) observeFetch(subject types.Subject, d time.Duration) {
	if m == nil {
		return
	}
	m.fetchSeconds.WithLabelValues(string(subject)).Observe(d.Seconds())
}

func (m *Metrics) setActiveVersion(subject types.Subject, version int64) {
	if m == nil {
		return
	}
	m.activeVersion.WithLabelValues(string(subject)).Set(float64(version))
}
