package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "pollify"

// Metrics is safe to use as a nil pointer, in which case nothing is recorded.
type Metrics struct {
	votesAccepted     prometheus.Counter
	votesRejected     *prometheus.CounterVec
	broadcastFailures prometheus.Counter
	pollsCreated      prometheus.Counter
	streamSubscribers prometheus.Gauge
}

func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		votesAccepted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "votes_accepted_total",
			Help:      "Votes recorded.",
		}),
		votesRejected: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "votes_rejected_total",
			Help:      "Vote attempts rejected, by reason.",
		}, []string{"reason"}),
		broadcastFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "broadcast_failures_total",
			Help:      "Vote updates that could not be queued for subscribers.",
		}),
		pollsCreated: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "polls_created_total",
			Help:      "Polls created.",
		}),
		streamSubscribers: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "stream_subscribers",
			Help:      "Connections currently subscribed to a poll channel.",
		}),
	}
}

func (m *Metrics) VoteAccepted() {
	if m == nil {
		return
	}
	m.votesAccepted.Inc()
}

func (m *Metrics) VoteRejected(reason string) {
	if m == nil {
		return
	}
	m.votesRejected.WithLabelValues(reason).Inc()
}

func (m *Metrics) BroadcastFailed() {
	if m == nil {
		return
	}
	m.broadcastFailures.Inc()
}

func (m *Metrics) PollCreated() {
	if m == nil {
		return
	}
	m.pollsCreated.Inc()
}

func (m *Metrics) SetSubscribers(total int) {
	if m == nil {
		return
	}
	m.streamSubscribers.Set(float64(total))
}
