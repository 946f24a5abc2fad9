package engine

import (
	"fmt"
	"time"
)

// Health aggregation for orchestration probes and dashboards. The
// memory numbers here are process heap statistics, a different notion
// of memory than the assessor's container ceiling; the two are kept
// separate on purpose and never read each other's source.

// Overall service status.
const (
	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"
)

// Memory check status.
const (
	MemoryOk       = "ok"
	MemoryWarning  = "warning"
	MemoryCritical = "critical"
)

// PoToken check status.
const (
	PoTokenUp       = "up"
	PoTokenDown     = "down"
	PoTokenDisabled = "disabled"
)

// Escalation requires both the absolute floor and the relative ratio,
// so small heaps with naturally high relative usage are not flagged.
const (
	memoryWarnMb      = 256
	memoryWarnPct     = 80
	memoryCriticalMb  = 512
	memoryCriticalPct = 90
)

// MemoryHealth classifies current process heap usage.
type MemoryHealth struct {
	Status       string  `json:"status"`
	HeapUsedMb   int     `json:"heapUsedMb"`
	HeapTotalMb  int     `json:"heapTotalMb"`
	UsagePercent float64 `json:"usagePercent"`
}

// PoTokenHealth maps the provider's self-report onto up/down/disabled.
type PoTokenHealth struct {
	Status          string        `json:"status"`
	ProviderHealthy bool          `json:"providerHealthy,omitempty"`
	ProviderURL     string        `json:"providerUrl,omitempty"`
	CircuitState    string        `json:"circuitState,omitempty"`
	Metrics         *TokenMetrics `json:"metrics,omitempty"`
	Error           string        `json:"error,omitempty"`
}

// HealthChecks groups the sub-checks. Field names are part of the
// monitoring contract.
type HealthChecks struct {
	Memory  MemoryHealth  `json:"memory"`
	PoToken PoTokenHealth `json:"poToken"`
}

// ServiceHealth is the full payload served to dashboards and alerts.
type ServiceHealth struct {
	Status        string       `json:"status"`
	Timestamp     string       `json:"timestamp"`
	UptimeSeconds int64        `json:"uptimeSeconds"`
	Checks        HealthChecks `json:"checks"`
}

// HealthAggregator combines a live heap read with the PoToken
// provider's status snapshot. It never calls into the strategies.
type HealthAggregator struct {
	provider  *PoTokenProvider
	readHeap  func() (usedMb, totalMb int)
	clock     func() time.Time
	startedAt time.Time
}

// HealthOption configures a HealthAggregator.
type HealthOption func(*HealthAggregator)

// WithHeapReader injects a heap-stats source for tests.
func WithHeapReader(read func() (usedMb, totalMb int)) HealthOption {
	return func(h *HealthAggregator) { h.readHeap = read }
}

// WithHealthClock injects a time source for tests.
func WithHealthClock(clock func() time.Time) HealthOption {
	return func(h *HealthAggregator) { h.clock = clock }
}

// NewHealthAggregator builds an aggregator over provider (which may be
// nil when the feature is absent entirely).
func NewHealthAggregator(provider *PoTokenProvider, opts ...HealthOption) *HealthAggregator {
	h := &HealthAggregator{
		provider: provider,
		readHeap: heapStatsMb,
		clock:    time.Now,
	}
	for _, opt := range opts {
		opt(h)
	}
	h.startedAt = h.clock()
	return h
}

// CheckMemory classifies current heap usage. Reading it has no side
// effects and is cheap enough for high-frequency probing.
func (h *HealthAggregator) CheckMemory() MemoryHealth {
	usedMb, totalMb := h.readHeap()

	var pct float64
	if totalMb > 0 {
		pct = float64(usedMb) / float64(totalMb) * 100
	}

	status := MemoryOk
	switch {
	case usedMb > memoryCriticalMb && pct > memoryCriticalPct:
		status = MemoryCritical
	case usedMb > memoryWarnMb && pct > memoryWarnPct:
		status = MemoryWarning
	}

	return MemoryHealth{
		Status:       status,
		HeapUsedMb:   usedMb,
		HeapTotalMb:  totalMb,
		UsagePercent: pct,
	}
}

// CheckPoToken maps the provider status snapshot to up/down/disabled.
// A panicking status call is captured as an error string, never
// propagated to the probe surface.
func (h *HealthAggregator) CheckPoToken() (out PoTokenHealth) {
	defer func() {
		if r := recover(); r != nil {
			out = PoTokenHealth{Status: PoTokenDown, Error: fmt.Sprint(r)}
		}
	}()

	if h.provider == nil {
		return PoTokenHealth{Status: PoTokenDisabled}
	}

	st := h.provider.Status()
	if !st.Enabled {
		return PoTokenHealth{Status: PoTokenDisabled}
	}

	status := PoTokenUp
	if !st.ProviderHealthy {
		status = PoTokenDown
	}
	m := st.Metrics
	return PoTokenHealth{
		Status:          status,
		ProviderHealthy: st.ProviderHealthy,
		ProviderURL:     st.ProviderURL,
		CircuitState:    st.CircuitState,
		Metrics:         &m,
	}
}

// Check composes the sub-checks into one verdict. Critical memory
// dominates: an out-of-memory process cannot serve any strategy
// regardless of token availability.
func (h *HealthAggregator) Check() ServiceHealth {
	mem := h.CheckMemory()
	tok := h.CheckPoToken()

	status := StatusHealthy
	switch {
	case mem.Status == MemoryCritical:
		status = StatusUnhealthy
	case mem.Status == MemoryWarning || tok.Status == PoTokenDown:
		status = StatusDegraded
	}

	now := h.clock()
	return ServiceHealth{
		Status:        status,
		Timestamp:     now.UTC().Format(time.RFC3339),
		UptimeSeconds: int64(now.Sub(h.startedAt).Seconds()),
		Checks:        HealthChecks{Memory: mem, PoToken: tok},
	}
}

// Ready is the light-weight load-balancer predicate: true unless memory
// is critical. It never reaches the token provider.
func (h *HealthAggregator) Ready() bool {
	return h.CheckMemory().Status != MemoryCritical
}

// Alive reports only that the process can execute code.
func (h *HealthAggregator) Alive() bool {
	return true
}
