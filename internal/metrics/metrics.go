// Package metrics 支付核心的 Prometheus 指标
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "paysettle"

var (
	// IntentsTotal 支付意图创建结果计数（created、replayed、amount_mismatch 等）
	IntentsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "intents_total",
		Help:      "Payment intent creation attempts by outcome.",
	}, []string{"outcome"})

	VerificationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "verifications_total",
		Help:      "Gateway callback verifications by outcome.",
	}, []string{"outcome"})

	FraudSignalsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "fraud_signals_total",
		Help:      "Fraud signals recorded to the audit sink.",
	}, []string{"type"})

	RateLimitBlocksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "rate_limit_blocks_total",
		Help:      "Identities moved into the blocked state.",
	}, []string{"scope"})

	SettlementsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "settlements_total",
		Help:      "Settlement state machine transitions by result.",
	}, []string{"result"})

	GatewayLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "gateway_request_duration_seconds",
		Help:      "Latency of outbound gateway calls.",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	}, []string{"operation", "result"})

	AuditWriteFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "audit_write_failures_total",
		Help:      "Audit entries that could not be persisted.",
	})
)
