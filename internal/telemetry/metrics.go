// Package telemetry holds the Prometheus collectors shared by the campaign
// worker and the live stream. A nil *Metrics is valid and records nothing.
package telemetry

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "aicwd"

// Metrics groups domain collectors.
type Metrics struct {
	promptsTotal      *prometheus.CounterVec
	campaignsTotal    *prometheus.CounterVec
	fragility         prometheus.Histogram
	streamSubscribers *prometheus.GaugeVec
	streamDropped     *prometheus.CounterVec
	logsIngested      prometheus.Counter
}

// New registers the collectors on reg, reusing collectors that are already registered.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		promptsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "campaign",
			Name:      "prompts_total",
			Help:      "Red-team prompts processed, by outcome",
		}, []string{"outcome"}),
		campaignsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "campaign",
			Name:      "runs_total",
			Help:      "Campaign runs that reached a terminal state",
		}, []string{"status"}),
		fragility: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "campaign",
			Name:      "fragility_score",
			Help:      "Distribution of completed campaign fragility scores",
			Buckets:   []float64{5, 10, 20, 30, 40, 50, 60, 80, 100},
		}),
		streamSubscribers: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "stream",
			Name:      "subscribers",
			Help:      "Currently connected live stream subscribers",
		}, []string{"transport"}),
		streamDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "stream",
			Name:      "dropped_events_total",
			Help:      "Stream events dropped because a subscriber buffer was full",
		}, []string{"kind"}),
		logsIngested: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "logs",
			Name:      "ingested_total",
			Help:      "Interaction logs persisted",
		}),
	}
	if reg == nil {
		return m
	}
	m.promptsTotal = register(reg, m.promptsTotal)
	m.campaignsTotal = register(reg, m.campaignsTotal)
	m.fragility = register(reg, m.fragility)
	m.streamSubscribers = register(reg, m.streamSubscribers)
	m.streamDropped = register(reg, m.streamDropped)
	m.logsIngested = register(reg, m.logsIngested)
	return m
}

func register[T prometheus.Collector](reg prometheus.Registerer, collector T) T {
	if err := reg.Register(collector); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(T); ok {
				return existing
			}
		}
	}
	return collector
}

// PromptProcessed counts one campaign prompt; failed marks an ERROR sentinel response.
func (m *Metrics) PromptProcessed(failed bool) {
	if m == nil {
		return
	}
	outcome := "ok"
	if failed {
		outcome = "error"
	}
	m.promptsTotal.WithLabelValues(outcome).Inc()
}

// CampaignFinished counts a terminal run and observes its fragility when completed.
func (m *Metrics) CampaignFinished(status string, fragility *float64) {
	if m == nil {
		return
	}
	m.campaignsTotal.WithLabelValues(status).Inc()
	if fragility != nil {
		m.fragility.Observe(*fragility)
	}
}

// SubscriberOpened tracks a new stream subscriber on transport.
func (m *Metrics) SubscriberOpened(transport string) {
	if m == nil {
		return
	}
	m.streamSubscribers.WithLabelValues(transport).Inc()
}

// SubscriberClosed reverses SubscriberOpened.
func (m *Metrics) SubscriberClosed(transport string) {
	if m == nil {
		return
	}
	m.streamSubscribers.WithLabelValues(transport).Dec()
}

// EventDropped counts a stream event lost to a full buffer.
func (m *Metrics) EventDropped(kind string) {
	if m == nil {
		return
	}
	m.streamDropped.WithLabelValues(kind).Inc()
}

// LogIngested counts a persisted interaction log.
func (m *Metrics) LogIngested() {
	if m == nil {
		return
	}
	m.logsIngested.Inc()
}
