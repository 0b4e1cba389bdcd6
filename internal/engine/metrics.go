package engine

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/xela07ax/spaceai-toolgate/internal/leak"
	"github.com/xela07ax/spaceai-toolgate/internal/quota"
	"github.com/xela07ax/spaceai-toolgate/internal/risk"
)

type Metrics struct {
	// Latency: сколько времени заняла обработка (включая коннекторы)
	RequestDuration *prometheus.HistogramVec

	// Traffic: общее кол-во запросов
	TotalRequests *prometheus.CounterVec

	// CARS: оценки по уровням и их длительность
	RiskAssessments    *prometheus.CounterVec
	AssessmentDuration prometheus.Histogram
	ApprovalsRequired  *prometheus.CounterVec

	// Отказы по коду ошибки
	Blocked *prometheus.CounterVec

	// Срабатывания детекторов (deception, reward_hack, sanitizer)
	DetectorFirings *prometheus.CounterVec

	LeaksDetected *prometheus.CounterVec
	QuotaWarnings *prometheus.CounterVec

	// Saturation: состояние Circuit Breaker (0 - ок, 1 - выбило)
	CircuitBreakerState *prometheus.GaugeVec

	// Audit: заполненность буфера (backpressure)
	AuditBufferFill prometheus.Gauge

	// Gatherer для /metrics, если регистр его реализует
	Gatherer prometheus.Gatherer
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	// Null Object Pattern - Если рег не передан, используем локальный, который никуда не подключен
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)
	gatherer, _ := reg.(prometheus.Gatherer)

	return &Metrics{
		Gatherer: gatherer,

		RequestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "toolgate_request_duration_seconds",
			Help:    "Histogram of request latencies.",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}, []string{"tool", "status"}),

		TotalRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "toolgate_requests_total",
			Help: "Total number of processed requests.",
		}, []string{"tool", "status"}),

		RiskAssessments: f.NewCounterVec(prometheus.CounterOpts{
			Name: "toolgate_risk_assessments_total",
			Help: "Risk assessments by resulting level.",
		}, []string{"tool", "level"}),

		AssessmentDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "toolgate_risk_assessment_duration_seconds",
			Help:    "Time spent in risk assessment.",
			Buckets: []float64{.0001, .0005, .001, .005, .01, .05},
		}),

		ApprovalsRequired: f.NewCounterVec(prometheus.CounterOpts{
			Name: "toolgate_approvals_required_total",
			Help: "Calls that required human approval.",
		}, []string{"tool"}),

		Blocked: f.NewCounterVec(prometheus.CounterOpts{
			Name: "toolgate_blocked_total",
			Help: "Rejected calls by error code.",
		}, []string{"tool", "code"}),

		DetectorFirings: f.NewCounterVec(prometheus.CounterOpts{
			Name: "toolgate_detector_firings_total",
			Help: "Behavioral and input detectors that fired.",
		}, []string{"detector", "action"}),

		LeaksDetected: f.NewCounterVec(prometheus.CounterOpts{
			Name: "toolgate_leaks_detected_total",
			Help: "Cross-tenant and PII leaks found in tool responses.",
		}, []string{"type", "severity"}),

		QuotaWarnings: f.NewCounterVec(prometheus.CounterOpts{
			Name: "toolgate_quota_warnings_total",
			Help: "Quota threshold crossings.",
		}, []string{"quota_type", "level"}),

		CircuitBreakerState: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "toolgate_circuit_breaker_state",
			Help: "Current state of the circuit breaker (0=closed, 1=open, 0.5=half-open).",
		}, []string{"connector_id"}),

		AuditBufferFill: f.NewGauge(prometheus.GaugeOpts{
			Name: "toolgate_audit_buffer_utilization",
			Help: "Audit buffer fill ratio.",
		}),
	}
}

// ObserveAssessment реализует risk.Observer.
func (m *Metrics) ObserveAssessment(a risk.Assessment, elapsed time.Duration) {
	m.RiskAssessments.WithLabelValues(a.Tool, a.RiskLevel.String()).Inc()
	m.AssessmentDuration.Observe(elapsed.Seconds())
	if a.RequiresApproval {
		m.ApprovalsRequired.WithLabelValues(a.Tool).Inc()
	}
	if a.Deception.Detected {
		m.DetectorFirings.WithLabelValues("deception", string(a.Deception.Action)).Inc()
	}
	if a.RewardHack.Detected {
		m.DetectorFirings.WithLabelValues("reward_hack", string(a.RewardHack.Action)).Inc()
	}
}

func (m *Metrics) ObserveLeaks(ds []leak.Detection) {
	for _, d := range ds {
		m.LeaksDetected.WithLabelValues(string(d.Type), string(d.Severity)).Inc()
	}
}

// QuotaHook: колбэк для quota.WithThresholdHook.
func (m *Metrics) QuotaHook(w quota.Warning) {
	m.QuotaWarnings.WithLabelValues(string(w.QuotaType), string(w.Level)).Inc()
}

// AuditObserver: колбэк для audit.AgentFS.SetObserver.
func (m *Metrics) AuditObserver(utilization float64) {
	m.AuditBufferFill.Set(utilization)
}
