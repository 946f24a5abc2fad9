package engine

import (
	"net/http"
	"time"
)

// Config holds all engine configuration, injected from main.
type Config struct {
	PoTokenProviderURL  string
	PoTokenEnabled      bool
	PoTokenCacheTTL     time.Duration
	PoTokenFetchTimeout time.Duration
	ProviderRateLimit   float64 // provider fetches/sec, 0 = unlimited
	ProviderRateBurst   int

	HTTPClient    *http.Client
	BrowserClient *BrowserClient // nil = plain HTTP transport to the provider

	PoToken     *PoTokenProvider
	AddressPool *AddressPool
	Assessor    *MemoryAssessor
}

var cfg Config

// Cfg exposes the engine configuration for consumers (server, probes).
// Always points to the current cfg value.
var Cfg = &cfg

// Init initializes the engine with the given configuration.
func Init(c Config) {
	cfg = c
	Cfg = &cfg
}
