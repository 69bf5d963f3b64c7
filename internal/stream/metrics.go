package stream

import (
	"errors"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/sandonleejacobs/rulestream/internal/types"
)

// Metrics tracks partition loop activity.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	recordsTotal    *prometheus.CounterVec
	emitRetries     *prometheus.CounterVec
	fatalTotal      *prometheus.CounterVec
	dedupSkipped    *prometheus.CounterVec
	committedOffset *prometheus.GaugeVec
	inFlight        *prometheus.GaugeVec
	processSeconds  *prometheus.HistogramVec

	registerer prometheus.Registerer
}

var partitionLabels = []string{"subject", "partition"}

// NewMetrics creates runtime collectors. A nil registerer uses the default one.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	opts := func(name, help string) prometheus.Opts {
		return prometheus.Opts{Namespace: "rulestream", Subsystem: "stream", Name: name, Help: help}
	}
	return &Metrics{
		registerer: registerer,
		recordsTotal: prometheus.NewCounterVec(prometheus.CounterOpts(opts("records_total", "Records evaluated, by outcome.")),
			[]string{"subject", "partition", "outcome"}),
		emitRetries: prometheus.NewCounterVec(prometheus.CounterOpts(opts("emit_retries_total", "Sink writes that were retried.")),
			partitionLabels),
		fatalTotal: prometheus.NewCounterVec(prometheus.CounterOpts(opts("fatal_total", "Partitions halted after exhausting retries.")),
			partitionLabels),
		dedupSkipped: prometheus.NewCounterVec(prometheus.CounterOpts(opts("dedup_skipped_total", "Replayed records not emitted again.")),
			partitionLabels),
		committedOffset: prometheus.NewGaugeVec(prometheus.GaugeOpts(opts("committed_offset", "Last committed source offset.")),
			partitionLabels),
		inFlight: prometheus.NewGaugeVec(prometheus.GaugeOpts(opts("in_flight", "Records evaluated and not yet committed.")),
			partitionLabels),
		processSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "rulestream",
			Subsystem: "stream",
			Name:      "process_duration_seconds",
			Help:      "Time from evaluation start to emission acknowledgement.",
			Buckets:   []float64{.0001, .0005, .001, .005, .01, .05, .1, .5, 1},
		}, []string{"subject"}),
	}
}

// Register registers every collector. Safe to call more than once.
func (m *Metrics) Register() error {
	if m == nil {
		return nil
	}
	for _, c := range []prometheus.Collector{
		m.recordsTotal, m.emitRetries, m.fatalTotal, m.dedupSkipped,
		m.committedOffset, m.inFlight, m.processSeconds,
	} {
		if err := m.registerer.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if !errors.As(err, &are) {
				return err
			}
		}
	}
	return nil
}

func labels(subject types.Subject, partition int32) []string {
	return []string{string(subject), strconv.FormatInt(int64(partition), 10)}
}

func (m *Metrics) recordOutcome(subject types.Subject, partition int32, outcome string, seconds float64) {
	if m == nil {
		return
	}
	m.recordsTotal.WithLabelValues(string(subject), strconv.FormatInt(int64(partition), 10), outcome).Inc()
	m.processSeconds.WithLabelValues(string(subject)).Observe(seconds)
}

func (m *Metrics) recordRetry(subject types.Subject, partition int32) {
	if m == nil {
		return
	}
	m.emitRetries.WithLabelValues(labels(subject, partition)...).Inc()
}

func (m *Metrics) recordFatal(subject types.Subject, partition int32) {
	if m == nil {
		return
	}
	m.fatalTotal.WithLabelValues(labels(subject, partition)...).Inc()
}

func (m *Metrics) recordDedupSkip(subject types.Subject, partition int32) {
	if m == nil {
		return
	}
	m.dedupSkipped.WithLabelValues(labels(subject, partition)...).Inc()
}

func (m *Metrics) setCommitted(subject types.Subject, partition int32, offset int64) {
	if m == nil {
		return
	}
	m.committedOffset.WithLabelValues(labels(subject, partition)...).Set(float64(offset))
}

func (m *Metrics) setInFlight(subject types.Subject, partition int32, n int) {
	if m == nil {
		return
	}
	m.inFlight.WithLabelValues(labels(subject, partition)...).Set(float64(n))
}
