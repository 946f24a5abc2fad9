package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/time/rate"
)

// Default transport to the PoToken provider. Prefers the stealth
// browser client when one is configured (the provider fronts an
// anti-bot system, so fingerprint-consistent requests are safer), and
// paces outbound calls with a rate limiter so the provider is never
// hammered even while the breaker is closed.

type potRequest struct {
	ContentBinding string `json:"contentBinding"`
}

type potResponse struct {
	PoToken    string `json:"poToken"`
	TTLSeconds int    `json:"ttlSeconds,omitempty"`
}

// HTTPTokenFetcher implements TokenFetcher over HTTP.
type HTTPTokenFetcher struct {
	url     string
	client  *http.Client
	browser *BrowserClient
	limiter *rate.Limiter
}

// NewHTTPTokenFetcher builds the default fetcher. browser may be nil;
// ratePerSec <= 0 disables pacing.
func NewHTTPTokenFetcher(url string, client *http.Client, browser *BrowserClient, ratePerSec float64, burst int) *HTTPTokenFetcher {
	f := &HTTPTokenFetcher{url: url, client: client, browser: browser}
	if f.client == nil {
		f.client = &http.Client{Timeout: 15 * time.Second}
	}
	if ratePerSec > 0 {
		if burst < 1 {
			burst = 1
		}
		f.limiter = rate.NewLimiter(rate.Limit(ratePerSec), burst)
	}
	return f
}

// Fetch requests one token for contentBinding.
func (f *HTTPTokenFetcher) Fetch(ctx context.Context, contentBinding string) (Token, error) {
	if f.limiter != nil {
		if err := f.limiter.Wait(ctx); err != nil {
			return Token{}, fmt.Errorf("rate wait: %w", err)
		}
	}

	payload, err := json.Marshal(potRequest{ContentBinding: contentBinding})
	if err != nil {
		return Token{}, fmt.Errorf("encode request: %w", err)
	}

	var data []byte
	if f.browser != nil {
		data, err = f.fetchStealth(payload)
	} else {
		data, err = f.fetchPlain(ctx, payload)
	}
	if err != nil {
		return Token{}, err
	}

	var resp potResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return Token{}, fmt.Errorf("decode response: %w", err)
	}
	if resp.PoToken == "" {
		return Token{}, fmt.Errorf("empty poToken in response")
	}

	tok := Token{Value: resp.PoToken}
	if resp.TTLSeconds > 0 {
		tok.ExpiresAt = time.Now().Add(time.Duration(resp.TTLSeconds) * time.Second)
	}
	return tok, nil
}

// fetchStealth POSTs with Chrome TLS fingerprint. The stealth client
// carries its own timeout.
func (f *HTTPTokenFetcher) fetchStealth(payload []byte) ([]byte, error) {
	headers := ChromeHeaders()
	headers["content-type"] = "application/json"
	data, _, status, err := f.browser.Do(http.MethodPost, f.url, headers, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("provider request: %w", err)
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("provider status %d", status)
	}
	return data, nil
}

func (f *HTTPTokenFetcher) fetchPlain(ctx context.Context, payload []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", RandomUserAgent())

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("provider request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("provider status %d", resp.StatusCode)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	return data, nil
}
