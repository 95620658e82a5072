package analysis

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics are the engine's Prometheus collectors. A nil *Metrics disables recording.
type Metrics struct {
	KeysTotal      *prometheus.CounterVec
	ChunksTotal    *prometheus.CounterVec
	RetriesTotal   prometheus.Counter
	ActiveKeys     prometheus.Gauge
	CallDuration   prometheus.Histogram
	RecordsSkipped prometheus.Counter
}

// NewMetrics creates the collectors and registers them on reg (if non-nil).
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		KeysTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "analyzer",
			Name:      "keys_total",
			Help:      "Keys finished, by outcome and error code.",
		}, []string{"outcome", "code"}),
		ChunksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "analyzer",
			Name:      "chunks_total",
			Help:      "Chunk analyses, by error code (ok on success).",
		}, []string{"code"}),
		RetriesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "analyzer",
			Name:      "retries_total",
			Help:      "Remote call retries after a retryable failure.",
		}),
		ActiveKeys: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "analyzer",
			Name:      "active_keys",
			Help:      "Keys currently being processed.",
		}),
		CallDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "analyzer",
			Name:      "chunk_call_seconds",
			Help:      "Wall time per chunk analysis including retries.",
			Buckets:   prometheus.ExponentialBuckets(0.25, 2, 10),
		}),
		RecordsSkipped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "analyzer",
			Name:      "records_skipped_total",
			Help:      "Submitted records dropped because they were at or below the checkpoint.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.KeysTotal, m.ChunksTotal, m.RetriesTotal, m.ActiveKeys, m.CallDuration, m.RecordsSkipped)
	}
	return m
}

func (m *Metrics) keyFinished(outcome Outcome, err error) {
	if m == nil {
		return
	}
	m.KeysTotal.WithLabelValues(string(outcome), Classify(err)).Inc()
}

func (m *Metrics) chunkFinished(err error, seconds float64) {
	if m == nil {
		return
	}
	m.ChunksTotal.WithLabelValues(Classify(err)).Inc()
	m.CallDuration.Observe(seconds)
}

func (m *Metrics) retried() {
	if m == nil {
		return
	}
	m.RetriesTotal.Inc()
}

func (m *Metrics) activeDelta(d float64) {
	if m == nil {
		return
	}
	m.ActiveKeys.Add(d)
}

func (m *Metrics) skipped(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.RecordsSkipped.Add(float64(n))
}
