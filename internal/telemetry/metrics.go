package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	RequestsCreated     = prometheus.NewCounter(prometheus.CounterOpts{Name: "approvals_requests_created_total", Help: "Requests accepted for approval"})
	Decisions           = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "approvals_decisions_total", Help: "Decision submissions by result"}, []string{"result"})
	TerminalTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "approvals_terminal_total", Help: "Requests reaching a terminal state"}, []string{"status"})
	Escalations         = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "approvals_escalations_total", Help: "SLA escalations by timeout policy"}, []string{"policy"})
	RateLimitRejects    = prometheus.NewCounter(prometheus.CounterOpts{Name: "approvals_rate_limit_rejects_total", Help: "Requests rejected by rate limiter"})
	OutboxSent          = prometheus.NewCounter(prometheus.CounterOpts{Name: "outbox_sent_total", Help: "Webhook deliveries acknowledged with 2xx"})
	OutboxRetries       = prometheus.NewCounter(prometheus.CounterOpts{Name: "outbox_retries_total", Help: "Webhook deliveries that failed and will retry"})
	OutboxDeadLetter    = prometheus.NewCounter(prometheus.CounterOpts{Name: "outbox_dead_letter_total", Help: "Outbox records moved to dead letter"})
	OutboxReplays       = prometheus.NewCounter(prometheus.CounterOpts{Name: "outbox_replays_total", Help: "Dead letters replayed by an operator"})
	OutboxDueGauge      = prometheus.NewGauge(prometheus.GaugeOpts{Name: "outbox_due", Help: "Deliverable outbox records seen on the last poll"})
	DLQDepthGauge       = prometheus.NewGauge(prometheus.GaugeOpts{Name: "outbox_dlq_depth", Help: "Length of the dead-letter inspection list"})
)

// Decision results.
const (
	ResultAccepted = "accepted"
	ResultConflict = "conflict"
	ResultRejected = "rejected"
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			RequestsCreated,
			Decisions,
			TerminalTransitions,
			Escalations,
			RateLimitRejects,
			OutboxSent,
			OutboxRetries,
			OutboxDeadLetter,
			OutboxReplays,
			OutboxDueGauge,
			DLQDepthGauge,
		)
	})
	return promhttp.Handler()
}
