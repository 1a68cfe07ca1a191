// Package metrics holds the Prometheus instruments and violation events of the
// conversation core.
//
// Every method is safe on a nil *Metrics, so components built without
// observability (tests, tools) keep working.
package metrics

import (
	"context"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "convo_guard"

// Violation kinds. They are logged and counted, never shown to the customer.
const (
	ViolationClassifierTimeout    = "CLASSIFIER_TIMEOUT"
	ViolationClassifierFatalError = "CLASSIFIER_FATAL_ERROR"
	ViolationActionClaim          = "ACTION_CLAIM"
	ViolationFlowToolPolicy       = "FLOW_TOOL_POLICY"
	ViolationPIILeak              = "PII_LEAK"
	ViolationPromptDisclosure     = "PROMPT_DISCLOSURE"
	ViolationRepeatCallBlocked    = "REPEAT_CALL_BLOCKED"
	ViolationToolNotPermitted     = "TOOL_NOT_PERMITTED"
)

type Metrics struct {
	Classifications *prometheus.CounterVec
	Violations      *prometheus.CounterVec
	GatingRemoved   *prometheus.CounterVec
	ToolCalls       *prometheus.CounterVec
	ToolRetries     *prometheus.CounterVec
	Autoverify      *prometheus.CounterVec
	TurnDuration    *prometheus.HistogramVec
}

// New registers all instruments on reg. Use prometheus.NewRegistry() in tests
// to avoid duplicate registration on the default registry.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Classifications: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "classifier",
			Name:      "classifications_total",
			Help:      "Classifications by type and whether the classifier failed",
		}, []string{"type", "failure"}),
		Violations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "violations_total",
			Help:      "Security and policy violation events by kind",
		}, []string{"kind"}),
		GatingRemoved: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "gating",
			Name:      "removed_total",
			Help:      "Tools removed by the gating policy by tool and reason",
		}, []string{"tool", "reason"}),
		ToolCalls: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tools",
			Name:      "calls_total",
			Help:      "Tool calls by tool and final outcome",
		}, []string{"tool", "outcome"}),
		ToolRetries: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tools",
			Name:      "retries_total",
			Help:      "Extra attempts made after INFRA_ERROR",
		}, []string{"tool"}),
		Autoverify: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "autoverify",
			Name:      "attempts_total",
			Help:      "Autoverify attempts by result and skip reason",
		}, []string{"applied", "skip_reason"}),
		TurnDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "turn",
			Name:      "duration_seconds",
			Help:      "End-to-end turn latency by channel",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}, []string{"channel"}),
	}
}

// Violation logs a security/policy event and counts it.
func (m *Metrics) Violation(ctx context.Context, kind string, attrs ...any) {
	slog.Log(ctx, slog.LevelWarn, "[violation] "+kind, append([]any{"kind", kind}, attrs...)...)
	if m == nil {
		return
	}
	m.Violations.WithLabelValues(kind).Inc()
}

func (m *Metrics) Classification(typ string, failed bool) {
	if m == nil {
		return
	}
	failure := "false"
	if failed {
		failure = "true"
	}
	m.Classifications.WithLabelValues(typ, failure).Inc()
}

func (m *Metrics) GatingRemoval(tool, reason string) {
	if m == nil {
		return
	}
	m.GatingRemoved.WithLabelValues(tool, reason).Inc()
}

func (m *Metrics) ToolCall(tool, outcome string) {
	if m == nil {
		return
	}
	m.ToolCalls.WithLabelValues(tool, outcome).Inc()
}

func (m *Metrics) ToolRetry(tool string) {
	if m == nil {
		return
	}
	m.ToolRetries.WithLabelValues(tool).Inc()
}

func (m *Metrics) AutoverifyResult(applied bool, skipReason string) {
	if m == nil {
		return
	}
	a := "false"
	if applied {
		a = "true"
	}
	m.Autoverify.WithLabelValues(a, skipReason).Inc()
}

func (m *Metrics) ObserveTurn(channel string, d time.Duration) {
	if m == nil {
		return
	}
	m.TurnDuration.WithLabelValues(channel).Observe(d.Seconds())
}
