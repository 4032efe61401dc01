package observability

import "github.com/prometheus/client_golang/prometheus"

var (
	APIRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "splitsend_api_requests_total", Help: "API requests"},
		[]string{"endpoint", "status"},
	)
	Actions = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "splitsend_actions_total", Help: "Experiment lifecycle actions"},
		[]string{"action", "result"},
	)
	Sends = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "splitsend_sends_total", Help: "Per-recipient send outcomes"},
		[]string{"result", "http_status"},
	)
	SendLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{Name: "splitsend_send_latency_seconds", Help: "Backend send latency"},
	)
	Batches = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "splitsend_batches_total", Help: "Dispatched batches"},
		[]string{"status"},
	)
	RateLimitDenials = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "splitsend_rate_limit_denials_total", Help: "Denied send_batch calls"},
		[]string{"reason"},
	)
	AckEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "splitsend_ack_events_total", Help: "Backend ack webhook events"},
		[]string{"status"},
	)
)

func Register(reg prometheus.Registerer) {
	reg.MustRegister(APIRequests, Actions, Sends, SendLatency, Batches, RateLimitDenials, AckEvents)
}
