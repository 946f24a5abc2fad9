package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type fetcherFunc func(ctx context.Context, binding string) (Token, error)

func (f fetcherFunc) Fetch(ctx context.Context, binding string) (Token, error) {
	return f(ctx, binding)
}

// manualClock is advanced explicitly by tests.
type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func newManualClock() *manualClock {
	return &manualClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func okFetcher(value string) fetcherFunc {
	return func(context.Context, string) (Token, error) {
		return Token{Value: value}, nil
	}
}

func failFetcher(err error) fetcherFunc {
	return func(context.Context, string) (Token, error) {
		return Token{}, err
	}
}

func TestAcquireDisabled(t *testing.T) {
	p := NewPoTokenProvider("http://pot", okFetcher("tok"), WithEnabled(false))

	if _, err := p.Acquire(context.Background(), "video1"); !errors.Is(err, ErrPoTokenDisabled) {
		t.Fatalf("err = %v, want ErrPoTokenDisabled", err)
	}
	if st := p.Status(); st.Enabled {
		t.Error("disabled provider must report Enabled=false")
	}
}

func TestAcquireCachesToken(t *testing.T) {
	fetches := 0
	p := NewPoTokenProvider("http://pot", fetcherFunc(func(context.Context, string) (Token, error) {
		fetches++
		return Token{Value: "tok-1"}, nil
	}))

	for i := 0; i < 3; i++ {
		got, err := p.Acquire(context.Background(), "video1")
		if err != nil {
			t.Fatalf("acquire %d: %v", i, err)
		}
		if got != "tok-1" {
			t.Fatalf("token = %q, want tok-1", got)
		}
	}

	if fetches != 1 {
		t.Errorf("fetches = %d, want 1 (cache must absorb repeats)", fetches)
	}

	st := p.Status()
	if st.Metrics.TotalRequests != 3 || st.Metrics.SuccessfulRequests != 3 {
		t.Errorf("metrics = %+v, want 3 total / 3 success", st.Metrics)
	}
	if want := 2.0 / 3.0; st.Metrics.CacheHitRatio != want {
		t.Errorf("cacheHitRatio = %v, want %v", st.Metrics.CacheHitRatio, want)
	}
}

func TestAcquireSeparateBindings(t *testing.T) {
	fetches := 0
	p := NewPoTokenProvider("http://pot", fetcherFunc(func(_ context.Context, binding string) (Token, error) {
		fetches++
		return Token{Value: "tok-" + binding}, nil
	}))

	a, _ := p.Acquire(context.Background(), "video1")
	b, _ := p.Acquire(context.Background(), "video2")
	if a == b {
		t.Error("distinct bindings must not share a cache entry")
	}
	if fetches != 2 {
		t.Errorf("fetches = %d, want 2", fetches)
	}
}

func TestCacheRespectsTokenExpiry(t *testing.T) {
	clock := newManualClock()
	fetches := 0
	p := NewPoTokenProvider("http://pot", fetcherFunc(func(context.Context, string) (Token, error) {
		fetches++
		return Token{Value: "tok", ExpiresAt: clock.Now().Add(time.Minute)}, nil
	}), WithClock(clock.Now), WithCacheTTL(time.Hour))

	if _, err := p.Acquire(context.Background(), "v"); err != nil {
		t.Fatal(err)
	}
	// Past the token's own expiry the cache must not serve it, even
	// though the configured TTL is far longer.
	clock.Advance(2 * time.Minute)
	if _, err := p.Acquire(context.Background(), "v"); err != nil {
		t.Fatal(err)
	}
	if fetches != 2 {
		t.Errorf("fetches = %d, want 2 (expired token must be refetched)", fetches)
	}
}

func TestBreakerOpensAndFailsFast(t *testing.T) {
	clock := newManualClock()
	fetches := 0
	boom := errors.New("provider 502")
	p := NewPoTokenProvider("http://pot", fetcherFunc(func(context.Context, string) (Token, error) {
		fetches++
		return Token{}, boom
	}), WithClock(clock.Now), WithBreaker(BreakerConfig{
		FailureThreshold: 3,
		Cooldown:         30 * time.Second,
		HalfOpenMax:      1,
	}))

	for i := 0; i < 3; i++ {
		if _, err := p.Acquire(context.Background(), "v"); !errors.Is(err, boom) {
			t.Fatalf("attempt %d: err = %v, want provider error", i, err)
		}
	}
	if st := p.Status(); st.CircuitState != string(CircuitOpen) || st.ProviderHealthy {
		t.Fatalf("after threshold: status = %+v, want open/unhealthy", st)
	}

	// Open: fail fast with no provider contact.
	if _, err := p.Acquire(context.Background(), "v"); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("err = %v, want ErrCircuitOpen", err)
	}
	if fetches != 3 {
		t.Errorf("fetches = %d, want 3 (open circuit must not contact provider)", fetches)
	}

	st := p.Status()
	if st.Metrics.TotalRequests != 4 || st.Metrics.FailedRequests != 4 {
		t.Errorf("metrics = %+v, want 4 total / 4 failed", st.Metrics)
	}
}

func TestBreakerHalfOpenRecovery(t *testing.T) {
	clock := newManualClock()
	fail := true
	p := NewPoTokenProvider("http://pot", fetcherFunc(func(context.Context, string) (Token, error) {
		if fail {
			return Token{}, errors.New("still down")
		}
		return Token{Value: "tok"}, nil
	}), WithClock(clock.Now), WithBreaker(BreakerConfig{
		FailureThreshold: 1,
		Cooldown:         30 * time.Second,
		HalfOpenMax:      1,
	}))

	p.Acquire(context.Background(), "v") // trips immediately
	if st := p.Status(); st.CircuitState != string(CircuitOpen) {
		t.Fatalf("state = %s, want open", st.CircuitState)
	}

	t.Run("trial failure reopens", func(t *testing.T) {
		clock.Advance(31 * time.Second)
		if _, err := p.Acquire(context.Background(), "v"); err == nil {
			t.Fatal("expected trial failure")
		}
		if st := p.Status(); st.CircuitState != string(CircuitOpen) {
			t.Errorf("state = %s, want open after failed trial", st.CircuitState)
		}
	})

	t.Run("trial success closes", func(t *testing.T) {
		fail = false
		clock.Advance(31 * time.Second)
		got, err := p.Acquire(context.Background(), "v")
		if err != nil || got != "tok" {
			t.Fatalf("trial: got %q, %v", got, err)
		}
		st := p.Status()
		if st.CircuitState != string(CircuitClosed) || !st.ProviderHealthy {
			t.Errorf("status = %+v, want closed/healthy", st)
		}
	})
}

func TestAvgLatencyExcludesCacheHits(t *testing.T) {
	// Ticking clock: every read advances 5ms, so each provider fetch
	// observes exactly one 5ms interval.
	var mu sync.Mutex
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	tick := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		now = now.Add(5 * time.Millisecond)
		return now
	}

	p := NewPoTokenProvider("http://pot", okFetcher("tok"), WithClock(tick))

	p.Acquire(context.Background(), "v") // provider fetch
	p.Acquire(context.Background(), "v") // cache hit

	st := p.Status()
	if st.Metrics.AvgLatencyMs != 5 {
		t.Errorf("avgLatencyMs = %v, want 5 (cache hits carry no latency)", st.Metrics.AvgLatencyMs)
	}
}

func TestStatusIsIdempotent(t *testing.T) {
	p := NewPoTokenProvider("http://pot", okFetcher("tok"))
	p.Acquire(context.Background(), "v")

	a := p.Status()
	b := p.Status()
	if a.Metrics != b.Metrics {
		t.Errorf("reading status mutated metrics: %+v vs %+v", a.Metrics, b.Metrics)
	}
}

func TestCounterConservationConcurrent(t *testing.T) {
	const n = 64
	var calls sync.Map
	p := NewPoTokenProvider("http://pot", fetcherFunc(func(_ context.Context, binding string) (Token, error) {
		if _, loaded := calls.LoadOrStore(binding, true); loaded {
			return Token{}, errors.New("flaky")
		}
		if binding[0]%2 == 0 {
			return Token{}, errors.New("flaky")
		}
		return Token{Value: "tok-" + binding}, nil
	}), WithBreaker(BreakerConfig{FailureThreshold: 1 << 30, Cooldown: time.Second, HalfOpenMax: 1}))

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			binding := string(rune('a' + i%8))
			p.Acquire(context.Background(), binding) //nolint:errcheck // outcome mix is the point
		}(i)
	}
	wg.Wait()

	st := p.Status()
	m := st.Metrics
	if m.TotalRequests != n {
		t.Errorf("totalRequests = %d, want %d", m.TotalRequests, n)
	}
	if m.SuccessfulRequests+m.FailedRequests != m.TotalRequests {
		t.Errorf("conservation violated: %d + %d != %d",
			m.SuccessfulRequests, m.FailedRequests, m.TotalRequests)
	}
	if m.CacheHitRatio < 0 || m.CacheHitRatio > 1 {
		t.Errorf("cacheHitRatio = %v, outside [0,1]", m.CacheHitRatio)
	}
}

func TestStaleSuccessDoesNotCloseBreaker(t *testing.T) {
	clock := newManualClock()
	started := make(chan struct{})
	release := make(chan struct{})
	healthy := false
	p := NewPoTokenProvider("http://pot", fetcherFunc(func(_ context.Context, binding string) (Token, error) {
		if binding == "slow" {
			close(started)
			<-release
			return Token{Value: "stale"}, nil
		}
		if healthy {
			return Token{Value: "fresh"}, nil
		}
		return Token{}, errors.New("down")
	}), WithClock(clock.Now), WithFetchTimeout(time.Minute), WithBreaker(BreakerConfig{
		FailureThreshold: 1,
		Cooldown:         time.Hour,
		HalfOpenMax:      1,
	}))

	done := make(chan struct{})
	go func() {
		defer close(done)
		p.Acquire(context.Background(), "slow") //nolint:errcheck // success asserted via metrics
	}()
	<-started

	// A second caller trips the breaker while the slow fetch is still
	// in flight.
	if _, err := p.Acquire(context.Background(), "v"); err == nil {
		t.Fatal("expected provider failure")
	}
	if st := p.Status(); st.CircuitState != string(CircuitOpen) {
		t.Fatalf("state = %s, want open", st.CircuitState)
	}

	// The stale success completes. It counts in the metrics but must
	// not reopen traffic: the only exit from open is the cooldown plus
	// a half-open trial.
	close(release)
	<-done
	st := p.Status()
	if st.CircuitState != string(CircuitOpen) || st.ProviderHealthy {
		t.Errorf("status = %+v, want still open after stale success", st)
	}
	if st.Metrics.SuccessfulRequests != 1 || st.Metrics.FailedRequests != 1 {
		t.Errorf("metrics = %+v, want 1 success / 1 failed", st.Metrics)
	}

	// The regular exit still works: cooldown, then a successful trial.
	healthy = true
	clock.Advance(2 * time.Hour)
	if _, err := p.Acquire(context.Background(), "v2"); err != nil {
		t.Fatalf("trial: %v", err)
	}
	if st := p.Status(); st.CircuitState != string(CircuitClosed) {
		t.Errorf("state = %s, want closed after trial", st.CircuitState)
	}
}

func TestCallerCancellationDoesNotTripBreaker(t *testing.T) {
	boom := errors.New("502")
	p := NewPoTokenProvider("http://pot", fetcherFunc(func(ctx context.Context, binding string) (Token, error) {
		if binding == "abandoned" {
			<-ctx.Done()
			return Token{}, ctx.Err()
		}
		return Token{}, boom
	}), WithFetchTimeout(time.Minute), WithBreaker(BreakerConfig{
		FailureThreshold: 2,
		Cooldown:         time.Minute,
		HalfOpenMax:      1,
	}))

	// Impatient callers abandoning acquisitions must not open the
	// circuit against a healthy provider.
	for i := 0; i < 5; i++ {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		if _, err := p.Acquire(ctx, "abandoned"); err == nil {
			t.Fatal("expected error after cancellation")
		}
	}
	st := p.Status()
	if st.CircuitState != string(CircuitClosed) || !st.ProviderHealthy {
		t.Fatalf("status = %+v, want closed after abandonments", st)
	}
	if st.Metrics.FailedRequests != 5 {
		t.Errorf("failedRequests = %d, want 5 (abandonments still recorded)", st.Metrics.FailedRequests)
	}

	// Genuine provider failures still trip at the threshold.
	p.Acquire(context.Background(), "v")
	p.Acquire(context.Background(), "v")
	if st := p.Status(); st.CircuitState != string(CircuitOpen) {
		t.Errorf("state = %s, want open after real failures", st.CircuitState)
	}
}

func TestAcquireRespectsCallerCancellation(t *testing.T) {
	p := NewPoTokenProvider("http://pot", fetcherFunc(func(ctx context.Context, _ string) (Token, error) {
		<-ctx.Done()
		return Token{}, ctx.Err()
	}), WithFetchTimeout(10*time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := p.Acquire(ctx, "v"); err == nil {
		t.Fatal("expected error after cancellation")
	}

	// The abandoned attempt is recorded; the cache stays clean.
	st := p.Status()
	if st.Metrics.TotalRequests != 1 || st.Metrics.FailedRequests != 1 {
		t.Errorf("metrics = %+v, want 1 total / 1 failed", st.Metrics)
	}
	if _, err := p.Acquire(context.Background(), "v"); err != nil {
		// Fresh fetch must go to the provider, not a poisoned cache.
		t.Logf("second acquire: %v", err)
	}
}
