// Package telemetry holds the tracing and metrics setup for the relay.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds Prometheus metrics for the event pipeline. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	EventsRecorded     prometheus.Counter
	EventsRejected     prometheus.Counter
	EventsAnonymous    prometheus.Counter
	EventsDelivered    prometheus.Counter
	UploadAttempts     prometheus.Counter
	UploadFailures     prometheus.Counter
	EngagementRequests *prometheus.CounterVec
	IdentityRequests   prometheus.Counter
	PersistFailures    prometheus.Counter
	QueueDepth         *prometheus.GaugeVec
}

// NewMetrics creates the pipeline metrics and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		EventsRecorded: f.NewCounter(prometheus.CounterOpts{
			Name: "eventrelay_events_recorded_total",
			Help: "Total number of events accepted into the queue",
		}),
		EventsRejected: f.NewCounter(prometheus.CounterOpts{
			Name: "eventrelay_events_rejected_total",
			Help: "Total number of events rejected because the queue was full or invalid",
		}),
		EventsAnonymous: f.NewCounter(prometheus.CounterOpts{
			Name: "eventrelay_events_anonymous_total",
			Help: "Total number of events queued before a user id was known",
		}),
		EventsDelivered: f.NewCounter(prometheus.CounterOpts{
			Name: "eventrelay_events_delivered_total",
			Help: "Total number of events acknowledged by the collect endpoint",
		}),
		UploadAttempts: f.NewCounter(prometheus.CounterOpts{
			Name: "eventrelay_upload_attempts_total",
			Help: "Total number of bulk upload POST attempts",
		}),
		UploadFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "eventrelay_upload_failures_total",
			Help: "Total number of upload cycles that exhausted their retries",
		}),
		EngagementRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "eventrelay_engagement_requests_total",
			Help: "Total number of engagement requests by result source",
		}, []string{"source"}),
		IdentityRequests: f.NewCounter(prometheus.CounterOpts{
			Name: "eventrelay_identity_requests_total",
			Help: "Total number of user id issuance requests sent",
		}),
		PersistFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "eventrelay_persist_failures_total",
			Help: "Total number of storage writes that failed and forced memory-only mode",
		}),
		QueueDepth: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "eventrelay_queue_depth",
			Help: "Number of events currently held per buffer",
		}, []string{"buffer"}),
	}
}

// IncRecorded increments the recorded counter.
func (m *Metrics) IncRecorded() {
	if m != nil {
		m.EventsRecorded.Inc()
	}
}

// IncRejected increments the rejected counter.
func (m *Metrics) IncRejected() {
	if m != nil {
		m.EventsRejected.Inc()
	}
}

// IncAnonymous increments the counter of events queued without a user id.
func (m *Metrics) IncAnonymous() {
	if m != nil {
		m.EventsAnonymous.Inc()
	}
}

// AddDelivered adds n to the delivered counter.
func (m *Metrics) AddDelivered(n int) {
	if m != nil {
		m.EventsDelivered.Add(float64(n))
	}
}

// IncUploadAttempts increments the upload attempt counter.
func (m *Metrics) IncUploadAttempts() {
	if m != nil {
		m.UploadAttempts.Inc()
	}
}

// IncUploadFailures increments the failed upload cycle counter.
func (m *Metrics) IncUploadFailures() {
	if m != nil {
		m.UploadFailures.Inc()
	}
}

// IncEngagement increments the engagement counter for source.
func (m *Metrics) IncEngagement(source string) {
	if m != nil {
		m.EngagementRequests.WithLabelValues(source).Inc()
	}
}

// IncIdentityRequests increments the issuance request counter.
func (m *Metrics) IncIdentityRequests() {
	if m != nil {
		m.IdentityRequests.Inc()
	}
}

// IncPersistFailures increments the persistence failure counter.
func (m *Metrics) IncPersistFailures() {
	if m != nil {
		m.PersistFailures.Inc()
	}
}

// SetQueueDepth records the size of both buffers.
func (m *Metrics) SetQueueDepth(active, drain int) {
	if m != nil {
		m.QueueDepth.WithLabelValues("active").Set(float64(active))
		m.QueueDepth.WithLabelValues("drain").Set(float64(drain))
	}
}
