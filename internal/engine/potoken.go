package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// PoToken acquisition with a circuit breaker in front of the external
// provider. The breaker keeps a flapping provider from being hammered
// during recovery and keeps callers from waiting on a dead one; the TTL
// cache keeps one issued token serving many extractions.

var (
	// ErrPoTokenDisabled is returned when the feature is switched off.
	ErrPoTokenDisabled = errors.New("potoken: provider disabled")

	// ErrCircuitOpen is returned on fail-fast, without provider contact.
	ErrCircuitOpen = errors.New("potoken: circuit open")
)

// CircuitState labels the breaker state. Consumers treat it as opaque.
type CircuitState string

const (
	CircuitClosed   CircuitState = "closed"
	CircuitOpen     CircuitState = "open"
	CircuitHalfOpen CircuitState = "half-open"
)

// BreakerConfig makes the transition guards first-class so tests can
// drive the state machine deterministically.
type BreakerConfig struct {
	FailureThreshold int           // consecutive failures before opening
	Cooldown         time.Duration // open duration before half-open
	HalfOpenMax      int           // concurrent trial requests allowed
}

// DefaultBreakerConfig returns sensible defaults.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 3,
		Cooldown:         30 * time.Second,
		HalfOpenMax:      1,
	}
}

// Token is one issued verification token with its provider-side expiry.
type Token struct {
	Value     string
	ExpiresAt time.Time // zero = provider did not report one
}

// TokenFetcher obtains a token from the remote provider for one
// acquisition context (the target resource, e.g. a video ID).
type TokenFetcher interface {
	Fetch(ctx context.Context, contentBinding string) (Token, error)
}

// TokenMetrics are process-lifetime cumulative counters plus derived
// gauges. totalRequests == successfulRequests + failedRequests at every
// observed instant.
type TokenMetrics struct {
	TotalRequests      int64   `json:"totalRequests"`
	SuccessfulRequests int64   `json:"successfulRequests"`
	FailedRequests     int64   `json:"failedRequests"`
	CacheHitRatio      float64 `json:"cacheHitRatio"`
	AvgLatencyMs       float64 `json:"avgLatencyMs"`
}

// PoTokenStatus is the provider's point-in-time self-report. Read-only
// to consumers; built from in-memory state, never from network I/O.
type PoTokenStatus struct {
	Enabled         bool         `json:"enabled"`
	ProviderHealthy bool         `json:"providerHealthy,omitempty"`
	ProviderURL     string       `json:"providerUrl,omitempty"`
	CircuitState    string       `json:"circuitState,omitempty"`
	Metrics         TokenMetrics `json:"metrics"`
}

type tokenEntry struct {
	value     string
	expiresAt time.Time
}

// PoTokenProvider owns all mutable acquisition state: breaker, cache
// and counters. One mutex serializes every mutation; it is never held
// across provider I/O.
type PoTokenProvider struct {
	url          string
	enabled      bool
	cacheTTL     time.Duration
	fetchTimeout time.Duration
	breaker      BreakerConfig
	fetcher      TokenFetcher
	clock        func() time.Time

	mu               sync.Mutex
	state            CircuitState
	generation       uint64 // bumped on every transition; stale results only count in metrics
	failures         int    // consecutive provider failures while closed
	openedAt         time.Time
	halfOpenInFlight int
	cache            map[string]tokenEntry

	total, success, failed, cacheHits int64
	latencySumMs                      float64
	latencySamples                    int64
}

// PoTokenOption configures a PoTokenProvider.
type PoTokenOption func(*PoTokenProvider)

// WithBreaker overrides the breaker transition guards.
func WithBreaker(bc BreakerConfig) PoTokenOption {
	return func(p *PoTokenProvider) { p.breaker = bc }
}

// WithCacheTTL sets how long issued tokens are reused. Must stay below
// the provider's token expiry; Acquire additionally clamps each entry
// to the expiry the provider reports.
func WithCacheTTL(ttl time.Duration) PoTokenOption {
	return func(p *PoTokenProvider) { p.cacheTTL = ttl }
}

// WithFetchTimeout bounds one provider fetch so a stuck provider cannot
// starve the breaker's bookkeeping.
func WithFetchTimeout(d time.Duration) PoTokenOption {
	return func(p *PoTokenProvider) { p.fetchTimeout = d }
}

// WithClock injects a time source for deterministic transition tests.
func WithClock(clock func() time.Time) PoTokenOption {
	return func(p *PoTokenProvider) { p.clock = clock }
}

// WithEnabled toggles the feature administratively.
func WithEnabled(enabled bool) PoTokenOption {
	return func(p *PoTokenProvider) { p.enabled = enabled }
}

// NewPoTokenProvider builds a provider client around fetcher. The
// breaker starts closed with zero counters and an empty cache.
func NewPoTokenProvider(url string, fetcher TokenFetcher, opts ...PoTokenOption) *PoTokenProvider {
	p := &PoTokenProvider{
		url:          url,
		enabled:      true,
		cacheTTL:     5 * time.Minute,
		fetchTimeout: 10 * time.Second,
		breaker:      DefaultBreakerConfig(),
		fetcher:      fetcher,
		clock:        time.Now,
		state:        CircuitClosed,
		cache:        make(map[string]tokenEntry),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Acquire returns a usable token for contentBinding, from cache when
// possible. Failures count toward the breaker; while the breaker is
// open, calls fail fast with ErrCircuitOpen and no provider contact.
// There is no synchronous retry: retry timing is the breaker cooldown.
func (p *PoTokenProvider) Acquire(ctx context.Context, contentBinding string) (string, error) {
	if p == nil || !p.enabled {
		return "", ErrPoTokenDisabled
	}

	p.mu.Lock()
	now := p.clock()

	if e, ok := p.cache[contentBinding]; ok && now.Before(e.expiresAt) {
		p.total++
		p.success++
		p.cacheHits++
		p.mu.Unlock()
		recordPoTokenResult(resultCacheHit)
		slog.Debug("potoken: cache hit", slog.String("binding", contentBinding))
		return e.value, nil
	}

	if p.state == CircuitOpen {
		if now.Sub(p.openedAt) < p.breaker.Cooldown {
			p.total++
			p.failed++
			p.mu.Unlock()
			recordPoTokenResult(resultRejected)
			return "", ErrCircuitOpen
		}
		// Cooldown elapsed: evaluate lazily, no background timer.
		p.setState(CircuitHalfOpen)
		p.halfOpenInFlight = 0
	}
	if p.state == CircuitHalfOpen {
		if p.halfOpenInFlight >= p.breaker.HalfOpenMax {
			p.total++
			p.failed++
			p.mu.Unlock()
			recordPoTokenResult(resultRejected)
			return "", ErrCircuitOpen
		}
		p.halfOpenInFlight++
	}
	gen := p.generation
	p.mu.Unlock()

	fctx, cancel := context.WithTimeout(ctx, p.fetchTimeout)
	defer cancel()

	start := p.clock()
	tok, err := p.fetcher.Fetch(fctx, contentBinding)
	elapsed := p.clock().Sub(start)
	recordPoTokenLatency(elapsed.Seconds())

	p.mu.Lock()
	defer p.mu.Unlock()

	p.total++
	p.latencySumMs += float64(elapsed) / float64(time.Millisecond)
	p.latencySamples++

	// A result from a prior breaker generation counts in the metrics
	// but must not drive transitions: the only exit from open is the
	// cooldown plus a half-open trial, never a stale in-flight success.
	sameGen := gen == p.generation
	if sameGen && p.state == CircuitHalfOpen && p.halfOpenInFlight > 0 {
		p.halfOpenInFlight--
	}

	if err != nil {
		p.failed++
		recordPoTokenResult(resultFailure)
		// Caller abandonment is not a provider failure: the metrics
		// above are its only side effect.
		if sameGen && ctx.Err() == nil {
			switch p.state {
			case CircuitHalfOpen:
				p.trip()
			case CircuitClosed:
				p.failures++
				if p.failures >= p.breaker.FailureThreshold {
					p.trip()
				}
			}
		}
		return "", fmt.Errorf("potoken: fetch: %w", err)
	}

	p.success++
	recordPoTokenResult(resultSuccess)
	if sameGen {
		switch p.state {
		case CircuitHalfOpen:
			slog.Info("potoken: provider recovered", slog.String("url", p.url))
			p.setState(CircuitClosed)
			p.failures = 0
		case CircuitClosed:
			p.failures = 0
		}
	}

	// Cache only a complete successful response, with a TTL strictly
	// below the token's own expiry.
	ttl := p.cacheTTL
	if !tok.ExpiresAt.IsZero() {
		if margin := tok.ExpiresAt.Sub(p.clock()) / 2; margin < ttl {
			ttl = margin
		}
	}
	if ttl > 0 {
		p.cache[contentBinding] = tokenEntry{value: tok.Value, expiresAt: p.clock().Add(ttl)}
	}
	return tok.Value, nil
}

// trip opens the circuit and restarts the cooldown. Caller holds mu.
func (p *PoTokenProvider) trip() {
	p.setState(CircuitOpen)
	p.openedAt = p.clock()
	p.failures = 0
	slog.Warn("potoken: circuit opened",
		slog.String("url", p.url),
		slog.Duration("cooldown", p.breaker.Cooldown),
	)
}

// setState transitions the breaker and starts a new generation.
// Caller holds mu.
func (p *PoTokenProvider) setState(s CircuitState) {
	p.generation++
	p.state = s
	recordCircuitState(s)
}

// Status returns a snapshot of the provider's state. It never contacts
// the network and holds the lock only long enough to copy fields. When
// the feature is disabled only Enabled is meaningful.
func (p *PoTokenProvider) Status() PoTokenStatus {
	if p == nil || !p.enabled {
		return PoTokenStatus{Enabled: false}
	}

	p.mu.Lock()
	state := p.state
	m := TokenMetrics{
		TotalRequests:      p.total,
		SuccessfulRequests: p.success,
		FailedRequests:     p.failed,
	}
	if p.total > 0 {
		m.CacheHitRatio = float64(p.cacheHits) / float64(p.total)
	}
	if p.latencySamples > 0 {
		m.AvgLatencyMs = p.latencySumMs / float64(p.latencySamples)
	}
	p.mu.Unlock()

	return PoTokenStatus{
		Enabled:         true,
		ProviderHealthy: state != CircuitOpen,
		ProviderURL:     p.url,
		CircuitState:    string(state),
		Metrics:         m,
	}
}
