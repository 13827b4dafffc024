package metrics

import "github.com/prometheus/client_golang/prometheus"

// IntakeMetrics exposes counters/histograms for the intake workflow.
type IntakeMetrics struct {
	webhookTotal    *prometheus.CounterVec
	webhookLatency  *prometheus.HistogramVec
	publishTotal    *prometheus.CounterVec
	stageTotal      *prometheus.CounterVec
	stageLatency    *prometheus.HistogramVec
	deadLetterTotal *prometheus.CounterVec
	requeueTotal    prometheus.Counter
	tokenRefreshes  *prometheus.CounterVec
}

func NewIntakeMetrics(reg prometheus.Registerer) *IntakeMetrics {
	m := &IntakeMetrics{
		webhookTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "intake",
			Subsystem: "webhook",
			Name:      "inbound_total",
			Help:      "Total inbound intake webhooks",
		}, []string{"outcome"}),
		webhookLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "intake",
			Subsystem: "webhook",
			Name:      "latency_seconds",
			Help:      "Latency of intake webhook processing",
			Buckets:   prometheus.DefBuckets,
		}, []string{"outcome"}),
		publishTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "intake",
			Subsystem: "dispatch",
			Name:      "publish_total",
			Help:      "Total stage messages published",
		}, []string{"channel", "status"}),
		stageTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "intake",
			Subsystem: "dispatch",
			Name:      "stage_total",
			Help:      "Total stage handler invocations",
		}, []string{"channel", "status"}),
		stageLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "intake",
			Subsystem: "dispatch",
			Name:      "stage_latency_seconds",
			Help:      "Latency of stage handlers",
			Buckets:   prometheus.DefBuckets,
		}, []string{"channel"}),
		deadLetterTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "intake",
			Subsystem: "dispatch",
			Name:      "dead_letter_total",
			Help:      "Total messages routed to dead-letter queues",
		}, []string{"channel"}),
		requeueTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "intake",
			Subsystem: "reconciler",
			Name:      "requeue_total",
			Help:      "Total records requeued by the reconciler",
		}),
		tokenRefreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "intake",
			Subsystem: "credential",
			Name:      "refresh_total",
			Help:      "Total credential refresh attempts",
		}, []string{"status"}),
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(
		m.webhookTotal,
		m.webhookLatency,
		m.publishTotal,
		m.stageTotal,
		m.stageLatency,
		m.deadLetterTotal,
		m.requeueTotal,
		m.tokenRefreshes,
	)
	return m
}

func (m *IntakeMetrics) ObserveWebhook(outcome string, seconds float64) {
	if m == nil {
		return
	}
	m.webhookTotal.WithLabelValues(outcome).Inc()
	m.webhookLatency.WithLabelValues(outcome).Observe(seconds)
}

func (m *IntakeMetrics) ObservePublish(channel, status string) {
	if m == nil {
		return
	}
	m.publishTotal.WithLabelValues(channel, status).Inc()
}

func (m *IntakeMetrics) ObserveStage(channel, status string, seconds float64) {
	if m == nil {
		return
	}
	m.stageTotal.WithLabelValues(channel, status).Inc()
	m.stageLatency.WithLabelValues(channel).Observe(seconds)
}

func (m *IntakeMetrics) ObserveDeadLetter(channel string) {
	if m == nil {
		return
	}
	m.deadLetterTotal.WithLabelValues(channel).Inc()
}

func (m *IntakeMetrics) ObserveRequeue() {
	if m == nil {
		return
	}
	m.requeueTotal.Inc()
}

func (m *IntakeMetrics) ObserveTokenRefresh(status string) {
	if m == nil {
		return
	}
	m.tokenRefreshes.WithLabelValues(status).Inc()
}
