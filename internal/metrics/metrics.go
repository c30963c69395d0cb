// Package metrics exposes Prometheus instruments for triage runs and their side effects.
package metrics

import (
	"time"

	"github.com/BTreeMap/TriagePipe/internal/models"
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "triagepipe"

// TriageMetrics records pipeline and delivery outcomes. A nil *TriageMetrics is a no-op.
type TriageMetrics struct {
	stageDuration *prometheus.HistogramVec
	decisions     *prometheus.CounterVec
	replies       *prometheus.CounterVec
	notifications *prometheus.CounterVec
	insights      *prometheus.CounterVec
}

// New registers the triage instruments with reg, or the default registerer when reg is nil.
func New(reg prometheus.Registerer) *TriageMetrics {
	m := &TriageMetrics{
		stageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "stage_duration_seconds",
			Help:      "Duration of each pipeline stage",
			Buckets:   prometheus.DefBuckets,
		}, []string{"stage", "status"}),
		decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "decisions_total",
			Help:      "Compiled triage decisions by action and concern level",
		}, []string{"action", "concern_level"}),
		replies: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "messaging",
			Name:      "replies_total",
			Help:      "Outbound replies by delivery status",
		}, []string{"status"}),
		notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "notify",
			Name:      "case_manager_notifications_total",
			Help:      "Case-manager notifications by delivery status",
		}, []string{"status"}),
		insights: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "insight",
			Name:      "generated_total",
			Help:      "Generated insights by insight type",
		}, []string{"insight_type"}),
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(m.stageDuration, m.decisions, m.replies, m.notifications, m.insights)
	return m
}

// ObserveStage implements flow.Observer.
func (m *TriageMetrics) ObserveStage(stage string, d time.Duration, err error) {
	if m == nil {
		return
	}
	m.stageDuration.WithLabelValues(stage, status(err)).Observe(d.Seconds())
}

func (m *TriageMetrics) ObserveDecision(d models.FinalDecision) {
	if m == nil {
		return
	}
	m.decisions.WithLabelValues(string(d.Action), string(d.ConcernLevel)).Inc()
}

// ObserveReply counts a reply outcome such as "sent", "failed" or "limit_exceeded".
func (m *TriageMetrics) ObserveReply(outcome string) {
	if m == nil {
		return
	}
	m.replies.WithLabelValues(outcome).Inc()
}

func (m *TriageMetrics) ObserveNotification(err error) {
	if m == nil {
		return
	}
	m.notifications.WithLabelValues(status(err)).Inc()
}

func (m *TriageMetrics) ObserveInsights(insights []models.Insight) {
	if m == nil {
		return
	}
	for _, in := range insights {
		m.insights.WithLabelValues(string(in.InsightType)).Inc()
	}
}

func status(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
