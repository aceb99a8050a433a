package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	globalMetrics *Metrics
	globalMu      sync.RWMutex
)

// Metrics holds all Prometheus metrics for mailflow
type Metrics struct {
	// Messages
	MessagesTotal    *prometheus.CounterVec
	MessagesByStatus *prometheus.GaugeVec
	DeliveryDuration prometheus.Histogram
	BulkBatchesTotal prometheus.Counter
	DeliveriesActive prometheus.Gauge

	// Analytics events
	EventsTotal *prometheus.CounterVec

	// Campaigns and automations
	CampaignSendsTotal  *prometheus.CounterVec
	AutomationRunsTotal *prometheus.CounterVec
	WebhookCallsTotal   *prometheus.CounterVec

	// API metrics
	APIRequestsTotal          *prometheus.CounterVec
	APIRequestDurationSeconds *prometheus.HistogramVec
	APIErrorsTotal            *prometheus.CounterVec

	// System metrics
	UptimeSeconds    prometheus.Gauge
	Goroutines       prometheus.Gauge
	StorageUsedBytes prometheus.Gauge

	registry *prometheus.Registry
}

// New creates a new Metrics instance with all metrics registered
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		MessagesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mailflow_messages_total",
				Help: "Messages that reached a lifecycle status",
			},
			[]string{"status"},
		),
		MessagesByStatus: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "mailflow_messages_stored",
				Help: "Stored messages by current status",
			},
			[]string{"status"},
		),
		DeliveryDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "mailflow_delivery_duration_seconds",
				Help:    "Time from acceptance to a terminal delivery state",
				Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120},
			},
		),
		BulkBatchesTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "mailflow_bulk_batches_total",
				Help: "Bulk send batches processed",
			},
		),
		DeliveriesActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "mailflow_deliveries_active",
				Help: "Deliveries currently in flight",
			},
		),
		EventsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mailflow_events_total",
				Help: "Analytics events emitted",
			},
			[]string{"event"},
		),
		CampaignSendsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mailflow_campaign_sends_total",
				Help: "Campaign send attempts by outcome",
			},
			[]string{"outcome"},
		),
		AutomationRunsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mailflow_automation_runs_total",
				Help: "Automation runs by outcome",
			},
			[]string{"outcome"},
		),
		WebhookCallsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mailflow_webhook_calls_total",
				Help: "Automation webhook calls by outcome",
			},
			[]string{"outcome"},
		),
		APIRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mailflow_api_requests_total",
				Help: "Total number of API requests",
			},
			[]string{"method", "path", "status"},
		),
		APIRequestDurationSeconds: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "mailflow_api_request_duration_seconds",
				Help:    "API request duration in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"method", "path"},
		),
		APIErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mailflow_api_errors_total",
				Help: "Total number of API errors",
			},
			[]string{"error_type"},
		),
		UptimeSeconds: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "mailflow_uptime_seconds",
				Help: "Server uptime in seconds",
			},
		),
		Goroutines: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "mailflow_goroutines",
				Help: "Number of active goroutines",
			},
		),
		StorageUsedBytes: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "mailflow_storage_used_bytes",
				Help: "BoltDB file size in bytes",
			},
		),

		registry: reg,
	}

	reg.MustRegister(
		m.MessagesTotal,
		m.MessagesByStatus,
		m.DeliveryDuration,
		m.BulkBatchesTotal,
		m.DeliveriesActive,
		m.EventsTotal,
		m.CampaignSendsTotal,
		m.AutomationRunsTotal,
		m.WebhookCallsTotal,
		m.APIRequestsTotal,
		m.APIRequestDurationSeconds,
		m.APIErrorsTotal,
		m.UptimeSeconds,
		m.Goroutines,
		m.StorageUsedBytes,
	)

	return m
}

// Registry returns the Prometheus registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// SetGlobal sets the global metrics instance
func SetGlobal(m *Metrics) {
	globalMu.Lock()
	defer globalMu.Unlock()
	globalMetrics = m
}

// Global returns the global metrics instance
func Global() *Metrics {
	globalMu.RLock()
	defer globalMu.RUnlock()
	return globalMetrics
}

// IncMessages counts a message reaching status
func IncMessages(status string) {
	if m := Global(); m != nil {
		m.MessagesTotal.WithLabelValues(status).Inc()
	}
}

// ObserveDelivery records the duration of a finished delivery
func ObserveDelivery(seconds float64) {
	if m := Global(); m != nil {
		m.DeliveryDuration.Observe(seconds)
	}
}

// IncBulkBatches counts a processed bulk batch
func IncBulkBatches() {
	if m := Global(); m != nil {
		m.BulkBatchesTotal.Inc()
	}
}

// AddDeliveriesActive adjusts the in-flight delivery gauge
func AddDeliveriesActive(delta float64) {
	if m := Global(); m != nil {
		m.DeliveriesActive.Add(delta)
	}
}

// IncEvents counts an analytics event
func IncEvents(event string) {
	if m := Global(); m != nil {
		m.EventsTotal.WithLabelValues(event).Inc()
	}
}

// IncCampaignSends counts a campaign send attempt
func IncCampaignSends(outcome string) {
	if m := Global(); m != nil {
		m.CampaignSendsTotal.WithLabelValues(outcome).Inc()
	}
}

// IncAutomationRuns counts a finished automation run
func IncAutomationRuns(outcome string) {
	if m := Global(); m != nil {
		m.AutomationRunsTotal.WithLabelValues(outcome).Inc()
	}
}

// IncWebhookCalls counts an automation webhook call
func IncWebhookCalls(outcome string) {
	if m := Global(); m != nil {
		m.WebhookCallsTotal.WithLabelValues(outcome).Inc()
	}
}

// IncAPIErrors increments API error counter
func IncAPIErrors(errorType string) {
	if m := Global(); m != nil {
		m.APIErrorsTotal.WithLabelValues(errorType).Inc()
	}
}
