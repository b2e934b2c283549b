// Package metrics holds the prometheus collectors of the transition engine.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "caseflow"

// Transition outcomes.
const (
	OutcomeSuccess           = "success"
	OutcomeInvalidTransition = "invalid_transition"
	OutcomePermissionDenied  = "permission_denied"
	OutcomeRuleFailed        = "rule_failed"
	OutcomeConflict          = "conflict"
	OutcomeError             = "error"
)

// Recorder records engine metrics. A nil Recorder records nothing.
type Recorder struct {
	gatherer prometheus.Gatherer

	transitions        *prometheus.CounterVec
	transitionDuration *prometheus.HistogramVec
	notifications      *prometheus.CounterVec
	notificationSync   prometheus.Counter
	notificationRetry  *prometheus.CounterVec
	slaActions         *prometheus.CounterVec
}

// New registers the collectors on a fresh registry, together with the Go and process collectors.
func New() *Recorder {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return NewWithRegistry(reg, reg)
}

// NewWithRegistry registers the collectors on reg; gatherer backs the /metrics handler.
func NewWithRegistry(reg prometheus.Registerer, gatherer prometheus.Gatherer) *Recorder {
	factory := promauto.With(reg)
	return &Recorder{
		gatherer: gatherer,
		transitions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transitions_total",
			Help:      "Step transition attempts by outcome",
		}, []string{"outcome"}),
		transitionDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "transition_duration_seconds",
			Help:      "Time spent in the transition pipeline",
			Buckets:   prometheus.DefBuckets,
		}, []string{"outcome"}),
		notifications: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_total",
			Help:      "Notifications by type and delivery outcome",
		}, []string{"type", "outcome"}),
		notificationSync: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notification_sync_fallback_total",
			Help:      "Notifications executed on the caller because the queue was full or closed",
		}),
		notificationRetry: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notification_retries_total",
			Help:      "Notification delivery retries by type",
		}, []string{"type"}),
		slaActions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sla_actions_total",
			Help:      "Deadline actions executed by the SLA monitor",
		}, []string{"phase", "action", "outcome"}),
	}
}

// Handler serves the registry in the prometheus exposition format.
func (r *Recorder) Handler() http.Handler {
	if r == nil || r.gatherer == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(r.gatherer, promhttp.HandlerOpts{})
}

func (r *Recorder) ObserveTransition(outcome string, elapsed time.Duration) {
	if r == nil {
		return
	}
	r.transitions.WithLabelValues(outcome).Inc()
	r.transitionDuration.WithLabelValues(outcome).Observe(elapsed.Seconds())
}

func (r *Recorder) NotificationDelivered(notificationType string) {
	if r == nil {
		return
	}
	r.notifications.WithLabelValues(notificationType, "delivered").Inc()
}

func (r *Recorder) NotificationFailed(notificationType string) {
	if r == nil {
		return
	}
	r.notifications.WithLabelValues(notificationType, "failed").Inc()
}

func (r *Recorder) NotificationRetried(notificationType string) {
	if r == nil {
		return
	}
	r.notificationRetry.WithLabelValues(notificationType).Inc()
}

func (r *Recorder) NotificationRanSync() {
	if r == nil {
		return
	}
	r.notificationSync.Inc()
}

func (r *Recorder) SLAAction(phase, action, outcome string) {
	if r == nil {
		return
	}
	r.slaActions.WithLabelValues(phase, action, outcome).Inc()
}
