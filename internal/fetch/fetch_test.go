// Segue - DJ Setlist Transition Graph Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/segue

package fetch

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/tomtom215/segue/internal/config"
)

func testClient(t *testing.T) *Client {
	t.Helper()
	cfg := testConfig()
	c, err := NewClient(cfg)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func testConfig() *config.Config {
	return &config.Config{
		Fetch: config.FetchConfig{
			UserAgentRotation:  true,
			RequestTimeout:     2 * time.Second,
			InitialHostRate:    100, // fast for tests
			RateDecreaseFactor: 0.5,
			RateRecoveryWindow: 3,
			MaxRetries:         2,
			RetryBaseDelay:     time.Millisecond,
			RetryJitter:        time.Millisecond,
			RetryMaxDelay:      10 * time.Millisecond,
		},
		Proxy:   config.ProxyConfig{HealthThreshold: -3, ParkCooldown: time.Minute},
		Captcha: config.CaptchaConfig{MinConfidence: 0.8},
	}
}

func TestGetSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("User-Agent") == "" {
			t.Error("expected a User-Agent header")
		}
		_, _ = w.Write([]byte("<html>setlist</html>"))
	}))
	defer srv.Close()

	c := testClient(t)
	body, err := c.Get(context.Background(), srv.URL, Options{})
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !strings.Contains(string(body), "setlist") {
		t.Errorf("unexpected body %q", body)
	}
}

func TestGetRetriesTransientThenSucceeds(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte("ok"))
	}))
	defer srv.Close()

	c := testClient(t)
	body, err := c.Get(context.Background(), srv.URL, Options{})
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(body) != "ok" {
		t.Errorf("body = %q, want ok", body)
	}
	if calls.Load() != 3 {
		t.Errorf("server calls = %d, want 3", calls.Load())
	}
}

func TestGetNotFoundIsTerminal(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := testClient(t)
	_, err := c.Get(context.Background(), srv.URL, Options{})
	if KindOf(err) != KindNotFound {
		t.Fatalf("kind = %v, want not_found", KindOf(err))
	}
	if calls.Load() != 1 {
		t.Errorf("server calls = %d, want 1 (no retries)", calls.Load())
	}
}

func TestGetRateLimitedDecreasesHostRate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c := testClient(t)
	host := hostOf(srv.URL)
	before := c.HostRate(host)

	_, err := c.Get(context.Background(), srv.URL, Options{})
	if KindOf(err) != KindRateLimited {
		t.Fatalf("kind = %v, want rate_limited", KindOf(err))
	}
	after := c.HostRate(host)
	if after >= before {
		t.Errorf("host rate did not decrease: before %f, after %f", before, after)
	}
}

type staticSolver struct {
	token string
	err   error
	calls atomic.Int32
}

func (s *staticSolver) Solve(_ context.Context, _ Challenge) (string, error) {
	s.calls.Add(1)
	if s.err != nil {
		return "", s.err
	}
	return s.token, nil
}

func TestGetEscalatesToCaptchaSolverAfterRepeatedBlocks(t *testing.T) {
	blockPage := `<html><body><div class="g-recaptcha" data-sitekey="6LeIxAcT"></div></body></html>`
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		if cookie, err := r.Cookie("captcha_token"); err == nil && cookie.Value == "tok-123" {
			_, _ = w.Write([]byte("welcome back"))
			return
		}
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte(blockPage))
	}))
	defer srv.Close()

	c := testClient(t)
	solver := &staticSolver{token: "tok-123"}
	c.solver = solver

	body, err := c.Get(context.Background(), srv.URL, Options{})
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(body) != "welcome back" {
		t.Errorf("body = %q, want the unblocked page", body)
	}
	// Rotation gets the first block; the solver only fires on the second.
	if solver.calls.Load() != 1 {
		t.Errorf("solver calls = %d, want 1", solver.calls.Load())
	}
	if calls.Load() != 3 {
		t.Errorf("server calls = %d, want 3", calls.Load())
	}
}

func TestGetUnsolvableChallengeIsTerminal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte(`<div class="h-captcha" data-sitekey="hk-1"></div>`))
	}))
	defer srv.Close()

	c := testClient(t)
	c.solver = &staticSolver{err: &Error{Kind: KindUnsolvable, URL: srv.URL}}

	_, err := c.Get(context.Background(), srv.URL, Options{})
	if KindOf(err) != KindUnsolvable {
		t.Fatalf("kind = %v, want unsolvable", KindOf(err))
	}
}

func TestDetectChallenge(t *testing.T) {
	ch, ok := DetectChallenge([]byte(`<div class="g-recaptcha" data-sitekey="abc"></div>`), "https://x.test/p")
	if !ok || ch.Type != "recaptcha_v2" || ch.SiteKey != "abc" || ch.PageURL != "https://x.test/p" {
		t.Errorf("recaptcha: ok=%v ch=%+v", ok, ch)
	}
	ch, ok = DetectChallenge([]byte(`<iframe src="https://hcaptcha.com/captcha"></iframe>`), "u")
	if !ok || ch.Type != "hcaptcha" {
		t.Errorf("hcaptcha: ok=%v ch=%+v", ok, ch)
	}
	if _, ok := DetectChallenge([]byte("<html>access denied</html>"), "u"); ok {
		t.Error("plain block page should not detect a challenge")
	}
	if _, ok := DetectChallenge(nil, "u"); ok {
		t.Error("empty body should not detect a challenge")
	}
}

func TestClientSubstrateHealthAccessors(t *testing.T) {
	cfg := testConfig()
	cfg.Proxy.URLs = []string{"http://p1:8080", "http://p2:8080"}
	c, err := NewClient(cfg)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = c.Close() })

	if got := c.ProxyCount(); got != 2 {
		t.Errorf("ProxyCount = %d, want 2", got)
	}
	if got := c.AvgHostRate(); got != 100 {
		t.Errorf("AvgHostRate with no hosts = %f, want the initial rate", got)
	}
	c.rates.onRateLimited("a.test", 0)
	c.rates.forHost("b.test")
	if got := c.AvgHostRate(); got != 75 {
		t.Errorf("AvgHostRate = %f, want 75 (mean of 50 and 100)", got)
	}

	direct := testClient(t)
	if got := direct.ProxyCount(); got != 0 {
		t.Errorf("ProxyCount without proxies = %d, want 0", got)
	}
}

func TestGetHardDeadlineExceeded(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer srv.Close()

	c := testClient(t)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := c.Get(ctx, srv.URL, Options{})
	if KindOf(err) != KindDeadlineExceeded {
		t.Fatalf("kind = %v, want deadline_exceeded", KindOf(err))
	}
}

func TestRetryBudgetTimeoutCostsDouble(t *testing.T) {
	attempts := 0
	policy := retryPolicy{maxBudget: 3, baseDelay: time.Microsecond, maxDelay: time.Millisecond}
	err := policy.do(context.Background(), func(int) error {
		attempts++
		return &Error{Kind: KindTransient, Timeout: true}
	})
	if err == nil {
		t.Fatal("expected error after budget exhaustion")
	}
	// Budget 3, each timeout costs 2: attempt 1 (budget 1), attempt 2
	// (budget -1, stop).
	if attempts != 2 {
		t.Errorf("attempts = %d, want 2", attempts)
	}
}

func TestRetryBudgetMalformedNotRetried(t *testing.T) {
	attempts := 0
	policy := retryPolicy{maxBudget: 3, baseDelay: time.Microsecond, maxDelay: time.Millisecond}
	_ = policy.do(context.Background(), func(int) error {
		attempts++
		return &Error{Kind: KindMalformed}
	})
	if attempts != 1 {
		t.Errorf("attempts = %d, want 1", attempts)
	}
}

func TestBackoffHonorsRetryAfter(t *testing.T) {
	policy := retryPolicy{maxBudget: 3, baseDelay: time.Millisecond, maxDelay: 10 * time.Millisecond}
	if d := policy.backoff(0, 5*time.Second); d < 5*time.Second {
		t.Errorf("backoff = %v, want at least the Retry-After of 5s", d)
	}
}

func TestParseRetryAfter(t *testing.T) {
	if d := parseRetryAfter("120"); d != 2*time.Minute {
		t.Errorf("parseRetryAfter(120) = %v, want 2m", d)
	}
	if d := parseRetryAfter(""); d != 0 {
		t.Errorf("parseRetryAfter(empty) = %v, want 0", d)
	}
	if d := parseRetryAfter("garbage"); d != 0 {
		t.Errorf("parseRetryAfter(garbage) = %v, want 0", d)
	}
}

func TestHeaderRotatorStablePerHost(t *testing.T) {
	r := newHeaderRotator(true)
	first := r.forHost("www.mixesdb.com")
	for i := 0; i < 10; i++ {
		if got := r.forHost("www.mixesdb.com"); got.userAgent != first.userAgent {
			t.Fatal("header set changed within a host session")
		}
	}
}

func TestProxyPoolParksUnhealthy(t *testing.T) {
	pool, err := newProxyPool([]string{"http://p1:8080", "http://p2:8080"}, -3, time.Hour)
	if err != nil {
		t.Fatal(err)
	}

	bad, _ := url.Parse("http://p1:8080")
	for i := 0; i < 4; i++ {
		pool.report(bad, -1)
	}

	// Only p2 should remain eligible.
	for i := 0; i < 20; i++ {
		p, err := pool.pick()
		if err != nil {
			t.Fatal(err)
		}
		if p.Host == "p1:8080" {
			t.Fatal("parked proxy was selected")
		}
	}
}

func TestProxyPoolExhausted(t *testing.T) {
	pool, err := newProxyPool([]string{"http://p1:8080"}, -3, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	bad, _ := url.Parse("http://p1:8080")
	for i := 0; i < 4; i++ {
		pool.report(bad, -1)
	}
	if _, err := pool.pick(); !errors.Is(err, ErrNoProxies) {
		t.Errorf("err = %v, want ErrNoProxies", err)
	}
}

func TestHostRatesRecovery(t *testing.T) {
	hr := newHostRates(8, 0.5, 2)
	hr.onRateLimited("example.com", 0)
	if got := hr.rateFor("example.com"); got != 4 {
		t.Fatalf("rate after decrease = %f, want 4", got)
	}
	hr.onSuccess("example.com")
	hr.onSuccess("example.com")
	if got := hr.rateFor("example.com"); got != 8 {
		t.Errorf("rate after recovery = %f, want 8", got)
	}
}

func TestHostRatesCooldownBlocksWait(t *testing.T) {
	hr := newHostRates(100, 0.5, 10)
	hr.onRateLimited("example.com", 50*time.Millisecond)

	start := time.Now()
	if err := hr.wait(context.Background(), "example.com"); err != nil {
		t.Fatal(err)
	}
	if elapsed := time.Since(start); elapsed < 40*time.Millisecond {
		t.Errorf("wait returned after %v, expected the cooldown to hold", elapsed)
	}
}
