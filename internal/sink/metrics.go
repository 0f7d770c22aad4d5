package sink

import (
	"github.com/prometheus/client_golang/prometheus"

	hpct "github.com/HerbHall/hpctprobe/pkg/hipercontracer"
)

// Metrics decorates another Sink, counting results by status and
// recording RTT, without altering delivery to the wrapped sink.
type Metrics struct {
	next Sink

	resultsTotal  *prometheus.CounterVec
	rttSeconds    *prometheus.HistogramVec
	transactions  prometheus.Counter
}

// NewMetrics registers its collectors on reg (pass prometheus.DefaultRegisterer
// for the global registry) and wraps next, which still receives every
// result — Metrics never drops or transforms what it decorates.
func NewMetrics(reg prometheus.Registerer, next Sink) *Metrics {
	m := &Metrics{
		next: next,
		resultsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "hpctprobe",
			Name:      "results_total",
			Help:      "Finalized probe results by status.",
		}, []string{"status"}),
		rttSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "hpctprobe",
			Name:      "rtt_seconds",
			Help:      "Round-trip time of successful probes.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"destination"}),
		transactions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "hpctprobe",
			Name:      "sink_transactions_total",
			Help:      "MayStartNewTransaction calls observed.",
		}),
	}
	reg.MustRegister(m.resultsTotal, m.rttSeconds, m.transactions)
	return m
}

func (m *Metrics) WriteResult(entry hpct.ResultEntry) error {
	m.resultsTotal.WithLabelValues(string(entry.Status)).Inc()
	if entry.Status == hpct.StatusSuccess {
		m.rttSeconds.WithLabelValues(entry.Destination.Address().String()).Observe(entry.RTT().Seconds())
	}
	return m.next.WriteResult(entry)
}

func (m *Metrics) MayStartNewTransaction() error {
	m.transactions.Inc()
	return m.next.MayStartNewTransaction()
}
