// scriptd — resilience layer for the transcript extraction service.
//
// Fronts the hostile upstream with a PoToken provider client (circuit
// breaker + cache), gates memory-intensive extraction strategies under
// the container budget, rotates IPv6 source addresses for outbound
// diversity, and aggregates it all into orchestrator health probes.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/anatolykoptev/go-kit/env"
	stealth "github.com/anatolykoptev/go-stealth"
	"github.com/anatolykoptev/go-stealth/proxypool"

	"github.com/scriptd/scriptd/internal/engine"
	"github.com/scriptd/scriptd/internal/server"
)

var (
	version  = "dev"
	httpPort = env.Str("HTTP_PORT", "8792")
)

func main() {
	initEngine()

	slog.Info("starting scriptd",
		slog.String("version", version),
		slog.String("port", httpPort),
	)

	gateStrategies()

	health := engine.NewHealthAggregator(engine.Cfg.PoToken)
	srv := server.New(server.Config{ListenAddr: ":" + httpPort}, health)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server failed", slog.Any("error", err))
		}
	case sig := <-stop:
		slog.Info("shutting down", slog.String("signal", sig.String()))
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			slog.Warn("shutdown incomplete", slog.Any("error", err))
		}
	}
}

func initEngine() {
	c := engine.Config{
		PoTokenProviderURL:  env.Str("POTOKEN_PROVIDER_URL", "http://127.0.0.1:4416/get_pot"),
		PoTokenEnabled:      envBool("POTOKEN_ENABLED", true),
		PoTokenCacheTTL:     env.Duration("POTOKEN_CACHE_TTL", 5*time.Minute),
		PoTokenFetchTimeout: env.Duration("POTOKEN_FETCH_TIMEOUT", 10*time.Second),
		ProviderRateLimit:   env.Float("POTOKEN_RATE_LIMIT", 2.0),
		ProviderRateBurst:   env.Int("POTOKEN_RATE_BURST", 4),
		HTTPClient: &http.Client{
			Timeout: 15 * time.Second,
			Transport: &http.Transport{
				MaxIdleConns:        20,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     60 * time.Second,
			},
		},
	}

	var opts []stealth.ClientOption
	opts = append(opts, stealth.WithTimeout(15))

	if apiKey := env.Str("WEBSHARE_API_KEY", ""); apiKey != "" {
		pool, err := proxypool.NewWebshare(apiKey)
		if err != nil {
			slog.Warn("proxy pool init failed, running without proxy", slog.Any("error", err))
		} else {
			opts = append(opts, stealth.WithProxyPool(pool))
			slog.Info("proxy pool initialized", slog.Int("proxies", pool.Len()))
		}
	}

	bc, err := stealth.NewClient(opts...)
	if err != nil {
		slog.Warn("stealth client init failed, using plain HTTP", slog.Any("error", err))
	} else {
		c.BrowserClient = bc
	}

	fetcher := engine.NewHTTPTokenFetcher(
		c.PoTokenProviderURL,
		c.HTTPClient,
		c.BrowserClient,
		c.ProviderRateLimit,
		c.ProviderRateBurst,
	)
	c.PoToken = engine.NewPoTokenProvider(c.PoTokenProviderURL, fetcher,
		engine.WithEnabled(c.PoTokenEnabled),
		engine.WithCacheTTL(c.PoTokenCacheTTL),
		engine.WithFetchTimeout(c.PoTokenFetchTimeout),
		engine.WithBreaker(engine.BreakerConfig{
			FailureThreshold: env.Int("POTOKEN_BREAKER_THRESHOLD", 3),
			Cooldown:         env.Duration("POTOKEN_BREAKER_COOLDOWN", 30*time.Second),
			HalfOpenMax:      env.Int("POTOKEN_BREAKER_HALF_OPEN", 1),
		}),
	)

	c.AddressPool = engine.NewAddressPool()
	c.Assessor = engine.NewMemoryAssessor()

	engine.Init(c)

	if c.AddressPool.RotationAvailable() {
		slog.Info("ipv6 rotation available",
			slog.Int("addresses", len(c.AddressPool.GlobalAddresses())),
		)
	} else {
		slog.Info("ipv6 rotation unavailable, using default routing")
	}
}

// gateStrategies applies the memory budget to the registered extraction
// strategies once at startup.
func gateStrategies() {
	engine.GateStrategies(engine.Cfg.Assessor, []engine.StrategyRequirement{
		{Name: "innertube", RequiredMb: env.Int("INNERTUBE_REQUIRED_MB", 64), DisableFlag: "DISABLE_INNERTUBE"},
		{Name: "ytdlp", RequiredMb: env.Int("YTDLP_REQUIRED_MB", 512), DisableFlag: "DISABLE_YTDLP"},
	})
}

func envBool(name string, def bool) bool {
	v, err := strconv.ParseBool(env.Str(name, strconv.FormatBool(def)))
	if err != nil {
		return def
	}
	return v
}
