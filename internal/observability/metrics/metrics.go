package metrics

import "github.com/prometheus/client_golang/prometheus"

// CallMetrics exposes counters/gauges/histograms for the calling control plane.
type CallMetrics struct {
	admissionTotal   *prometheus.CounterVec
	webhookTotal     *prometheus.CounterVec
	webhookLatency   *prometheus.HistogramVec
	queueDepth       prometheus.Gauge
	queueDispatched  *prometheus.CounterVec
	creditsDebited   prometheus.Counter
	slotsReaped      prometheus.Counter
	webhookParseFail prometheus.Counter
}

func NewCallMetrics(reg prometheus.Registerer) *CallMetrics {
	m := &CallMetrics{
		admissionTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "callplane",
			Subsystem: "admission",
			Name:      "decisions_total",
			Help:      "Admission controller decisions by outcome",
		}, []string{"outcome", "kind"}),
		webhookTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "callplane",
			Subsystem: "webhooks",
			Name:      "events_total",
			Help:      "Voice provider webhook events by status",
		}, []string{"status", "result"}),
		webhookLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "callplane",
			Subsystem: "webhooks",
			Name:      "latency_seconds",
			Help:      "Latency of webhook processing",
			Buckets:   prometheus.DefBuckets,
		}, []string{"status"}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "callplane",
			Subsystem: "queue",
			Name:      "depth",
			Help:      "Queued call entries awaiting capacity",
		}),
		queueDispatched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "callplane",
			Subsystem: "queue",
			Name:      "dispatched_total",
			Help:      "Queue entries dispatched to the provider by result",
		}, []string{"result"}),
		creditsDebited: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "callplane",
			Subsystem: "ledger",
			Name:      "credits_debited_total",
			Help:      "Credits debited for completed calls",
		}),
		slotsReaped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "callplane",
			Subsystem: "admission",
			Name:      "slots_reaped_total",
			Help:      "Stale slots removed by the reaper",
		}),
		webhookParseFail: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "callplane",
			Subsystem: "webhooks",
			Name:      "parse_failures_total",
			Help:      "Webhook payloads that failed to parse",
		}),
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(
		m.admissionTotal, m.webhookTotal, m.webhookLatency, m.queueDepth,
		m.queueDispatched, m.creditsDebited, m.slotsReaped, m.webhookParseFail,
	)
	return m
}

func (m *CallMetrics) ObserveAdmission(outcome, kind string) {
	if m == nil {
		return
	}
	m.admissionTotal.WithLabelValues(outcome, kind).Inc()
}

func (m *CallMetrics) ObserveWebhook(status, result string) {
	if m == nil {
		return
	}
	m.webhookTotal.WithLabelValues(status, result).Inc()
}

func (m *CallMetrics) ObserveWebhookLatency(status string, seconds float64) {
	if m == nil {
		return
	}
	m.webhookLatency.WithLabelValues(status).Observe(seconds)
}

func (m *CallMetrics) SetQueueDepth(n int) {
	if m == nil {
		return
	}
	m.queueDepth.Set(float64(n))
}

func (m *CallMetrics) ObserveDispatch(result string) {
	if m == nil {
		return
	}
	m.queueDispatched.WithLabelValues(result).Inc()
}

func (m *CallMetrics) AddCreditsDebited(credits int) {
	if m == nil {
		return
	}
	m.creditsDebited.Add(float64(credits))
}

func (m *CallMetrics) AddSlotsReaped(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.slotsReaped.Add(float64(n))
}

func (m *CallMetrics) ObserveParseFailure() {
	if m == nil {
		return
	}
	m.webhookParseFail.Inc()
}
