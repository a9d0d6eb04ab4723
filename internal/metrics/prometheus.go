package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Outcome labels.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)

// Collector owns the ledger's Prometheus registry.
type Collector struct {
	registry             *prometheus.Registry
	transfers            *prometheus.CounterVec
	transferDuration     *prometheus.HistogramVec
	accountsProvisioned  *prometheus.CounterVec
	identifierCollisions prometheus.Counter
	notifications        *prometheus.CounterVec
	notificationQueue    *prometheus.GaugeVec
}

func NewCollector() *Collector {
	registry := prometheus.NewRegistry()

	return &Collector{
		registry: registry,
		transfers: promauto.With(registry).NewCounterVec(prometheus.CounterOpts{
			Name: "ledger_transfers_total",
			Help: "Transfers by kind and outcome kind",
		}, []string{"kind", "outcome"}),
		transferDuration: promauto.With(registry).NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ledger_transfer_duration_seconds",
			Help:    "Time spent inside the transfer unit of work",
			Buckets: prometheus.DefBuckets,
		}, []string{"kind"}),
		accountsProvisioned: promauto.With(registry).NewCounterVec(prometheus.CounterOpts{
			Name: "ledger_accounts_provisioned_total",
			Help: "Accounts provisioned by type and outcome kind",
		}, []string{"account_type", "outcome"}),
		identifierCollisions: promauto.With(registry).NewCounter(prometheus.CounterOpts{
			Name: "ledger_identifier_collisions_total",
			Help: "Account number candidates rejected because they already existed",
		}),
		notifications: promauto.With(registry).NewCounterVec(prometheus.CounterOpts{
			Name: "ledger_notifications_total",
			Help: "Notification deliveries by template and outcome",
		}, []string{"template", "outcome"}),
		notificationQueue: promauto.With(registry).NewGaugeVec(prometheus.GaugeOpts{
			Name: "ledger_notification_queue_length",
			Help: "Pending notification intents per queue list",
		}, []string{"list"}),
	}
}

// Recording methods are no-ops on a nil *Collector, so components can run
// without metrics.

// RecordTransfer counts one transfer attempt. outcome is OutcomeSuccess or the
// error kind that ended it.
func (m *Collector) RecordTransfer(kind, outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.transfers.WithLabelValues(kind, outcome).Inc()
	m.transferDuration.WithLabelValues(kind).Observe(duration.Seconds())
}

func (m *Collector) RecordProvisioning(accountType, outcome string) {
	if m == nil {
		return
	}
	m.accountsProvisioned.WithLabelValues(accountType, outcome).Inc()
}

func (m *Collector) RecordIdentifierCollision() {
	if m == nil {
		return
	}
	m.identifierCollisions.Inc()
}

func (m *Collector) RecordNotification(template string, delivered bool) {
	if m == nil {
		return
	}
	outcome := OutcomeSuccess
	if !delivered {
		outcome = OutcomeFailure
	}
	m.notifications.WithLabelValues(template, outcome).Inc()
}

func (m *Collector) SetQueueLength(list string, n int64) {
	if m == nil {
		return
	}
	m.notificationQueue.WithLabelValues(list).Set(float64(n))
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Collector) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
