package deadletter

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/sandonleejacobs/rulestream/internal/types"
)

// Metrics tracks quarantine traffic per subject.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	mu sync.RWMutex

	subjects map[types.Subject]*SubjectMetrics

	entriesTotal  *prometheus.CounterVec
	retriesTotal  *prometheus.CounterVec
	failuresTotal *prometheus.CounterVec
	pending       *prometheus.GaugeVec
	writeSeconds  *prometheus.HistogramVec

	registerer prometheus.Registerer
	registered bool
}

// SubjectMetrics holds the counters of one subject's quarantine queue.
type SubjectMetrics struct {
	Entries       uint64    `json:"entries"`
	Retries       uint64    `json:"retries"`
	Failures      uint64    `json:"failures"`
	Pending       int64     `json:"pending"`
	LastUpdatedAt time.Time `json:"last_updated_at"`
}

// MetricsSnapshot is a point-in-time copy of every subject's counters.
type MetricsSnapshot struct {
	Subjects    map[types.Subject]SubjectMetrics `json:"subjects"`
	CollectedAt time.Time                        `json:"collected_at"`
}

func newCounterVec(name, help string, labels []string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "rulestream",
			Subsystem: "quarantine",
			Name:      name,
			Help:      help,
		},
		labels,
	)
}

// NewMetrics creates quarantine collectors. A nil registerer uses the default one.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	return &Metrics{
		subjects:      make(map[types.Subject]*SubjectMetrics),
		registerer:    registerer,
		entriesTotal:  newCounterVec("entries_total", "Quarantine entries written, by reason code.", []string{"subject", "reason"}),
		retriesTotal:  newCounterVec("write_retries_total", "Quarantine write attempts that were retried.", []string{"subject"}),
		failuresTotal: newCounterVec("write_failures_total", "Quarantine writes that exhausted their retries.", []string{"subject"}),
		pending: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "rulestream",
			Subsystem: "quarantine",
			Name:      "pending",
			Help:      "Entries queued and not yet acknowledged.",
		}, []string{"subject"}),
		writeSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "rulestream",
			Subsystem: "quarantine",
			Name:      "write_duration_seconds",
			Help:      "Time from dequeue to acknowledgement, retries included.",
			Buckets:   []float64{.001, .005, .01, .05, .1, .5, 1, 5, 30},
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
	collectors := []prometheus.Collector{
		m.entriesTotal,
		m.retriesTotal,
		m.failuresTotal,
		m.pending,
		m.writeSeconds,
	}
	for _, c := range collectors {
		if err := m.registerer.Register(c); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
				return err
			}
		}
	}
	m.registered = true
	return nil
}

// Snapshot returns a copy of the per-subject counters.
func (m *Metrics) Snapshot() MetricsSnapshot {
	snap := MetricsSnapshot{Subjects: make(map[types.Subject]SubjectMetrics), CollectedAt: time.Now()}
	if m == nil {
		return snap
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	for subject, sm := range m.subjects {
		snap.Subjects[subject] = *sm
	}
	return snap
}

func (m *Metrics) subject(subject types.Subject) *SubjectMetrics {
	sm, ok := m.subjects[subject]
	if !ok {
		sm = &SubjectMetrics{}
		m.subjects[subject] = sm
	}
	sm.LastUpdatedAt = time.Now()
	return sm
}

func (m *Metrics) recordEntry(subject types.Subject, reason string) {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subject(subject).Entries++
	m.entriesTotal.WithLabelValues(string(subject), reason).Inc()
}

func (m *Metrics) recordRetry(subject types.Subject) {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subject(subject).Retries++
	m.retriesTotal.WithLabelValues(string(subject)).Inc()
}

func (m *Metrics) recordFailure(subject types.Subject) {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subject(subject).Failures++
	m.failuresTotal.WithLabelValues(string(subject)).Inc()
}

func (m *Metrics) addPending(subject types.Subject, delta int64) {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	sm := m.subject(subject)
	sm.Pending += delta
	m.pending.WithLabelValues(string(subject)).Set(float64(sm.Pending))
}

func (m *Metrics) observeWrite(subject types.Subject, d time.Duration) {
	if m == nil {
		return
	}
	m.writeSeconds.WithLabelValues(string(subject)).Observe(d.Seconds())
}
