package metrics

import "github.com/prometheus/client_golang/prometheus"

// GuardMetrics exposes counters/histograms for the answer pipeline.
type GuardMetrics struct {
	requestsTotal       *prometheus.CounterVec
	stageDuration       *prometheus.HistogramVec
	injectionBlocked    *prometheus.CounterVec
	passagesDropped     *prometheus.CounterVec
	validationRules     *prometheus.CounterVec
	humanReview         *prometheus.CounterVec
	auditWriteFailures  *prometheus.CounterVec
	reviewSubmitFailure prometheus.Counter
}

func NewGuardMetrics(reg prometheus.Registerer) *GuardMetrics {
	m := &GuardMetrics{
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "groundguard",
			Name:      "requests_total",
			Help:      "Answer requests by terminal outcome",
		}, []string{"outcome"}),
		stageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "groundguard",
			Name:      "stage_duration_seconds",
			Help:      "Latency of each pipeline stage",
			Buckets:   prometheus.DefBuckets,
		}, []string{"stage"}),
		injectionBlocked: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "groundguard",
			Name:      "injection_blocked_total",
			Help:      "Injection matches by where they were found",
		}, []string{"source"}),
		passagesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "groundguard",
			Name:      "passages_dropped_total",
			Help:      "Retrieved passages removed before prompting",
		}, []string{"reason"}),
		validationRules: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "groundguard",
			Name:      "validation_rules_total",
			Help:      "Validation rule matches",
		}, []string{"rule"}),
		humanReview: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "groundguard",
			Name:      "human_review_total",
			Help:      "Responses flagged for human review by trigger",
		}, []string{"trigger"}),
		auditWriteFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "groundguard",
			Name:      "audit_write_failures_total",
			Help:      "Audit records that could not be written",
		}, []string{"store"}),
		reviewSubmitFailure: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "groundguard",
			Name:      "review_submit_failures_total",
			Help:      "Human review tickets that could not be submitted",
		}),
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(m.requestsTotal, m.stageDuration, m.injectionBlocked, m.passagesDropped,
		m.validationRules, m.humanReview, m.auditWriteFailures, m.reviewSubmitFailure)
	return m
}

func (m *GuardMetrics) ObserveRequest(outcome string) {
	if m == nil {
		return
	}
	m.requestsTotal.WithLabelValues(outcome).Inc()
}

func (m *GuardMetrics) ObserveStage(stage string, seconds float64) {
	if m == nil {
		return
	}
	m.stageDuration.WithLabelValues(stage).Observe(seconds)
}

// ObserveInjection counts a match; source is "user_turn" or "passage".
func (m *GuardMetrics) ObserveInjection(source string) {
	if m == nil {
		return
	}
	m.injectionBlocked.WithLabelValues(source).Inc()
}

// ObserveDropped counts a dropped passage. Reasons carrying an id suffix
// ("duplicate_of:<id>", "injection:<pattern>") are labelled by their prefix.
func (m *GuardMetrics) ObserveDropped(reason string) {
	if m == nil {
		return
	}
	m.passagesDropped.WithLabelValues(reasonLabel(reason)).Inc()
}

func (m *GuardMetrics) ObserveRules(rules []string) {
	if m == nil {
		return
	}
	for _, r := range rules {
		m.validationRules.WithLabelValues(r).Inc()
	}
}

func (m *GuardMetrics) ObserveHumanReview(triggers []string) {
	if m == nil {
		return
	}
	for _, t := range triggers {
		m.humanReview.WithLabelValues(t).Inc()
	}
}

func (m *GuardMetrics) ObserveAuditFailure(store string) {
	if m == nil {
		return
	}
	m.auditWriteFailures.WithLabelValues(store).Inc()
}

func (m *GuardMetrics) ObserveReviewFailure() {
	if m == nil {
		return
	}
	m.reviewSubmitFailure.Inc()
}

func reasonLabel(reason string) string {
	for i := 0; i < len(reason); i++ {
		if reason[i] == ':' {
			return reason[:i]
		}
	}
	return reason
}
