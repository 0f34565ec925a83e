// Package metrics holds the Prometheus instrumentation exported by the
// HTTP admin facade's /metrics/prometheus route.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds every Prometheus metric ArqonBus exports.
type Metrics struct {
	EnvelopesReceived   *prometheus.CounterVec
	EnvelopesDelivered  *prometheus.CounterVec
	EnvelopeDecodeFail  *prometheus.CounterVec

	CASILDecisions *prometheus.CounterVec

	DispatchDuration *prometheus.HistogramVec
	DispatchTimeouts *prometheus.CounterVec

	WebhookDeliveryTotal    *prometheus.CounterVec
	WebhookDeliveryDuration *prometheus.HistogramVec

	CronJobsScheduled *prometheus.CounterVec
	CronJobsFired     *prometheus.CounterVec

	ConnectedClients *prometheus.GaugeVec
	RoomMembers      *prometheus.GaugeVec
}

// New creates and registers every metric against the default registry.
func New() *Metrics {
	return &Metrics{
		EnvelopesReceived: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "arqonbus_envelopes_received_total",
				Help: "Total number of envelopes received over the socket bus",
			},
			[]string{"tenant_id", "type"},
		),
		EnvelopesDelivered: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "arqonbus_envelopes_delivered_total",
				Help: "Total number of envelopes fanned out to recipients",
			},
			[]string{"tenant_id", "type"},
		),
		EnvelopeDecodeFail: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "arqonbus_envelope_decode_failures_total",
				Help: "Total number of frames that failed to decode",
			},
			[]string{"format"},
		),
		CASILDecisions: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "arqonbus_casil_decisions_total",
				Help: "Total CASIL decisions by outcome and reason",
			},
			[]string{"decision", "reason_code"},
		),
		DispatchDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "arqonbus_dispatch_selection_duration_seconds",
				Help:    "Duration of task dispatcher selection futures",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"capability", "strategy"},
		),
		DispatchTimeouts: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "arqonbus_dispatch_timeouts_total",
				Help: "Total number of dispatch selection futures that timed out",
			},
			[]string{"capability"},
		),
		WebhookDeliveryTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "arqonbus_webhook_deliveries_total",
				Help: "Total webhook delivery attempts by outcome",
			},
			[]string{"event_type", "status"},
		),
		WebhookDeliveryDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "arqonbus_webhook_delivery_duration_seconds",
				Help:    "Duration of webhook delivery attempts",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"event_type"},
		),
		CronJobsScheduled: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "arqonbus_cron_jobs_scheduled_total",
				Help: "Total number of cron jobs scheduled",
			},
			[]string{"tenant_id"},
		),
		CronJobsFired: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "arqonbus_cron_jobs_fired_total",
				Help: "Total number of cron jobs that fired",
			},
			[]string{"tenant_id"},
		),
		ConnectedClients: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "arqonbus_connected_clients",
				Help: "Current number of connected clients",
			},
			[]string{"tenant_id"},
		),
		RoomMembers: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "arqonbus_room_members",
				Help: "Current number of members in a room",
			},
			[]string{"room"},
		),
	}
}

// RecordEnvelopeReceived increments the received counter.
func (m *Metrics) RecordEnvelopeReceived(tenantID, envType string) {
	m.EnvelopesReceived.WithLabelValues(tenantID, envType).Inc()
}

// RecordEnvelopeDelivered increments the delivered counter.
func (m *Metrics) RecordEnvelopeDelivered(tenantID, envType string) {
	m.EnvelopesDelivered.WithLabelValues(tenantID, envType).Inc()
}

// RecordDecodeFailure increments the decode-failure counter.
func (m *Metrics) RecordDecodeFailure(format string) {
	m.EnvelopeDecodeFail.WithLabelValues(format).Inc()
}

// RecordCASILDecision increments the CASIL decision counter.
func (m *Metrics) RecordCASILDecision(decision, reasonCode string) {
	m.CASILDecisions.WithLabelValues(decision, reasonCode).Inc()
}

// RecordDispatch observes a selection future's duration.
func (m *Metrics) RecordDispatch(capability, strategy string, seconds float64) {
	m.DispatchDuration.WithLabelValues(capability, strategy).Observe(seconds)
}

// RecordDispatchTimeout increments the dispatch timeout counter.
func (m *Metrics) RecordDispatchTimeout(capability string) {
	m.DispatchTimeouts.WithLabelValues(capability).Inc()
}

// RecordWebhookDelivery records a webhook delivery attempt.
func (m *Metrics) RecordWebhookDelivery(eventType, status string, seconds float64) {
	m.WebhookDeliveryTotal.WithLabelValues(eventType, status).Inc()
	m.WebhookDeliveryDuration.WithLabelValues(eventType).Observe(seconds)
}

// RecordCronScheduled increments the cron-scheduled counter.
func (m *Metrics) RecordCronScheduled(tenantID string) {
	m.CronJobsScheduled.WithLabelValues(tenantID).Inc()
}

// RecordCronFired increments the cron-fired counter.
func (m *Metrics) RecordCronFired(tenantID string) {
	m.CronJobsFired.WithLabelValues(tenantID).Inc()
}

// SetConnectedClients sets the connected-clients gauge for a tenant.
func (m *Metrics) SetConnectedClients(tenantID string, count float64) {
	m.ConnectedClients.WithLabelValues(tenantID).Set(count)
}

// SetRoomMembers sets the room-members gauge for a room.
func (m *Metrics) SetRoomMembers(room string, count float64) {
	m.RoomMembers.WithLabelValues(room).Set(count)
}
