package engine

import (
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics tracks operational counters across the engine.
var metrics struct {
	AddressSelections   atomic.Int64
	AddressPoolEmpty    atomic.Int64
	StrategyAssessments atomic.Int64
	StrategiesDisabled  atomic.Int64
}

// Prometheus mirrors of the counters above plus the PoToken provider's
// own bookkeeping. Registered once at package init via promauto.
var (
	promPoTokenRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "scriptd",
		Subsystem: "potoken",
		Name:      "requests_total",
		Help:      "PoToken acquisition attempts by result.",
	}, []string{"result"})

	promPoTokenFetchSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "scriptd",
		Subsystem: "potoken",
		Name:      "fetch_duration_seconds",
		Help:      "Wall-clock latency of provider fetches.",
		Buckets:   prometheus.DefBuckets,
	})

	promCircuitState = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "scriptd",
		Subsystem: "potoken",
		Name:      "circuit_state",
		Help:      "Breaker state: 0 closed, 1 half-open, 2 open.",
	})

	promAddressSelections = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "scriptd",
		Subsystem: "addrpool",
		Name:      "selections_total",
		Help:      "IPv6 source-address selections by outcome.",
	}, []string{"outcome"})
)

// Acquisition results recorded against scriptd_potoken_requests_total.
const (
	resultSuccess  = "success"
	resultFailure  = "failure"
	resultCacheHit = "cache_hit"
	resultRejected = "rejected" // breaker open, no provider contact
)

func recordPoTokenResult(result string) {
	promPoTokenRequests.WithLabelValues(result).Inc()
}

func recordPoTokenLatency(seconds float64) {
	promPoTokenFetchSeconds.Observe(seconds)
}

func recordCircuitState(state CircuitState) {
	switch state {
	case CircuitClosed:
		promCircuitState.Set(0)
	case CircuitHalfOpen:
		promCircuitState.Set(1)
	case CircuitOpen:
		promCircuitState.Set(2)
	}
}

func recordAddressSelection(selected bool) {
	metrics.AddressSelections.Add(1)
	if selected {
		promAddressSelections.WithLabelValues("selected").Inc()
		return
	}
	metrics.AddressPoolEmpty.Add(1)
	promAddressSelections.WithLabelValues("empty").Inc()
}

// IncrStrategyAssessment counts one strategy gate decision.
func IncrStrategyAssessment(enabled bool) {
	metrics.StrategyAssessments.Add(1)
	if !enabled {
		metrics.StrategiesDisabled.Add(1)
	}
}

// GetMetrics returns a snapshot of all counters including the PoToken
// provider's cumulative metrics when one is configured.
func GetMetrics() map[string]int64 {
	m := map[string]int64{
		"address_selections":   metrics.AddressSelections.Load(),
		"address_pool_empty":   metrics.AddressPoolEmpty.Load(),
		"strategy_assessments": metrics.StrategyAssessments.Load(),
		"strategies_disabled":  metrics.StrategiesDisabled.Load(),
	}
	if Cfg.PoToken != nil {
		st := Cfg.PoToken.Status()
		m["potoken_requests"] = st.Metrics.TotalRequests
		m["potoken_success"] = st.Metrics.SuccessfulRequests
		m["potoken_failures"] = st.Metrics.FailedRequests
	}
	return m
}

// FormatMetrics returns metrics as a simple text format for HTTP endpoint.
func FormatMetrics() string {
	m := GetMetrics()
	var sb strings.Builder
	keys := []string{
		"address_selections", "address_pool_empty",
		"strategy_assessments", "strategies_disabled",
		"potoken_requests", "potoken_success", "potoken_failures",
	}
	for _, k := range keys {
		if v, ok := m[k]; ok {
			fmt.Fprintf(&sb, "%s %d\n", k, v)
		}
	}
	return sb.String()
}
