// Segue - DJ Setlist Transition Graph Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/segue

// Package fetch is the shared HTTP substrate for all source adapters. It
// layers adaptive per-host rate limiting, retry with exponential backoff,
// header rotation, a health-scored proxy pool, an optional response cache,
// and optional headless rendering behind a single Get call.
package fetch

import (
	"compress/gzip"
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/tomtom215/segue/internal/config"
	"github.com/tomtom215/segue/internal/logging"
	"github.com/tomtom215/segue/internal/metrics"
)

// maxBodySize bounds response bodies. Playlist pages are small; anything
// this large is not a page we want.
const maxBodySize = 10 << 20

// Client is the fetch substrate. Safe for concurrent use; all adapters of a
// process share one Client so per-host politeness holds globally.
type Client struct {
	httpClient *http.Client
	rates      *hostRates
	headers    *headerRotator
	proxies    *proxyPool
	cache      *responseCache
	solver     CaptchaSolver
	renderer   Renderer
	policy     retryPolicy

	requestTimeout time.Duration
}

// Options tunes a single Get beyond the client defaults.
type Options struct {
	// Render requests headless-browser rendering instead of a plain GET.
	Render bool

	// MaxRetries overrides the client's retry budget when non-nil.
	MaxRetries *int

	// BypassCache skips the response cache for this request.
	BypassCache bool
}

// NewClient builds the substrate from configuration.
func NewClient(cfg *config.Config) (*Client, error) {
	pool, err := newProxyPool(cfg.Proxy.URLs, cfg.Proxy.HealthThreshold, cfg.Proxy.ParkCooldown)
	if err != nil {
		return nil, err
	}
	cache, err := openResponseCache(cfg.Fetch.CachePath, cfg.Fetch.CacheTTL)
	if err != nil {
		return nil, err
	}

	headers := newHeaderRotator(cfg.Fetch.UserAgentRotation)

	c := &Client{
		rates:    newHostRates(cfg.Fetch.InitialHostRate, cfg.Fetch.RateDecreaseFactor, cfg.Fetch.RateRecoveryWindow),
		headers:  headers,
		proxies:  pool,
		cache:    cache,
		solver:   NewCaptchaSolver(cfg.Captcha.URL, cfg.Captcha.MinConfidence, cfg.Captcha.Timeout),
		renderer: NewRenderer(cfg.Fetch.RenderEnabled, cfg.Fetch.RenderTimeout, headers),
		policy: retryPolicy{
			maxBudget: cfg.Fetch.MaxRetries,
			baseDelay: cfg.Fetch.RetryBaseDelay,
			jitter:    cfg.Fetch.RetryJitter,
			maxDelay:  cfg.Fetch.RetryMaxDelay,
		},
		requestTimeout: cfg.Fetch.RequestTimeout,
	}

	transport := &http.Transport{
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 4,
		IdleConnTimeout:     90 * time.Second,
	}
	if pool != nil {
		transport.Proxy = func(req *http.Request) (*url.URL, error) {
			if p, ok := proxyFromContext(req.Context()); ok {
				return p, nil
			}
			return nil, nil
		}
	}
	c.httpClient = &http.Client{Transport: transport}
	return c, nil
}

// Close releases the client's resources.
func (c *Client) Close() error {
	return c.cache.close()
}

// CacheGC runs one value-log GC pass on the response cache. No-op when the
// cache is disabled.
func (c *Client) CacheGC() error {
	return c.cache.gc()
}

// HostRate reports the current adaptive rate for a host, for /stats.
func (c *Client) HostRate(host string) float64 {
	return c.rates.rateFor(host)
}

// AvgHostRate reports the mean adaptive rate across all hosts seen so far,
// for /health.
func (c *Client) AvgHostRate() float64 {
	return c.rates.averageRate()
}

// ProxyCount reports how many proxies are configured. Zero means direct
// connections.
func (c *Client) ProxyCount() int {
	return c.proxies.size()
}

type proxyCtxKey struct{}

func proxyFromContext(ctx context.Context) (*url.URL, bool) {
	p, ok := ctx.Value(proxyCtxKey{}).(*url.URL)
	return p, ok
}

type retryBudgetCtxKey struct{}

// WithRetryBudget carries a per-request retry budget override on the
// context. Adapters call Get without options, so callers above them use
// this to tighten the budget for a whole scrape job. Options.MaxRetries
// still wins when set.
func WithRetryBudget(ctx context.Context, budget int) context.Context {
	return context.WithValue(ctx, retryBudgetCtxKey{}, budget)
}

// Get fetches a URL through the full substrate: cache, rate limit, proxy
// selection, retry with backoff, and response classification. The returned
// error, when non-nil, is always a *Error.
func (c *Client) Get(ctx context.Context, rawURL string, opts Options) ([]byte, error) {
	if !opts.BypassCache && !opts.Render {
		if body, ok := c.cache.get(rawURL); ok {
			return body, nil
		}
	}

	host := hostOf(rawURL)
	policy := c.policy
	if opts.MaxRetries != nil {
		policy.maxBudget = *opts.MaxRetries
	} else if budget, ok := ctx.Value(retryBudgetCtxKey{}).(int); ok {
		policy.maxBudget = budget
	}

	var body []byte
	var captchaToken string
	blockedStreak := 0
	err := policy.do(ctx, func(attempt int) error {
		if err := c.rates.wait(ctx, host); err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				return &Error{Kind: KindDeadlineExceeded, Host: host, URL: rawURL, Err: err}
			}
			return &Error{Kind: KindCancelled, Host: host, URL: rawURL, Err: err}
		}

		if attempt > 0 {
			metrics.FetchRetriesTotal.WithLabelValues(host).Inc()
			logging.Ctx(ctx).Debug().
				Str("url", rawURL).
				Int("attempt", attempt).
				Msg("retrying fetch")
		}

		start := time.Now()
		var err error
		if opts.Render && c.renderer != nil {
			body, err = c.renderer.Render(ctx, rawURL)
		} else {
			body, err = c.fetchOnce(ctx, rawURL, host, captchaToken)
		}
		elapsed := time.Since(start)

		if err != nil {
			kind := KindOf(err)
			metrics.RecordFetch(host, string(kind), elapsed)
			c.react(host, err)
			if kind == KindBlocked {
				blockedStreak++
				token, serr := c.maybeSolve(ctx, rawURL, blockedStreak, err)
				if serr != nil {
					return serr
				}
				if token != "" {
					captchaToken = token
				}
			} else {
				blockedStreak = 0
			}
			return err
		}

		metrics.RecordFetch(host, "success", elapsed)
		c.rates.onSuccess(host)
		return nil
	})
	if err != nil {
		return nil, err
	}

	if !opts.Render {
		c.cache.put(rawURL, body)
	}
	return body, nil
}

// react updates the rate limiter, proxy pool, and header rotation based on
// the failure kind.
func (c *Client) react(host string, err error) {
	var fe *Error
	if !errors.As(err, &fe) {
		return
	}
	switch fe.Kind {
	case KindRateLimited:
		c.rates.onRateLimited(host, fe.RetryAfter)
	case KindBlocked, KindUnsolvable:
		// A blocked identity stays blocked; rotate before the next attempt.
		c.headers.reset(host)
	}
}

// maybeSolve escalates to the CAPTCHA solver once header and proxy rotation
// have had a chance: a second block on a fresh identity means the site is
// challenging everyone, not this identity. The returned token rides on the
// next attempt; an Unsolvable error from the solver ends the retry loop.
func (c *Client) maybeSolve(ctx context.Context, rawURL string, streak int, blockErr error) (string, error) {
	if c.solver == nil || streak < 2 {
		return "", nil
	}
	var fe *Error
	if !errors.As(blockErr, &fe) {
		return "", nil
	}
	ch, ok := DetectChallenge(fe.Body, rawURL)
	if !ok {
		return "", nil
	}
	token, err := c.solver.Solve(ctx, ch)
	if err != nil {
		return "", err
	}
	logging.Ctx(ctx).Info().
		Str("url", rawURL).
		Str("type", ch.Type).
		Msg("captcha solved, retrying with token")
	return token, nil
}

// fetchOnce performs exactly one HTTP round trip and classifies the result.
func (c *Client) fetchOnce(ctx context.Context, rawURL, host, captchaToken string) ([]byte, error) {
	reqCtx, cancel := context.WithTimeout(ctx, c.requestTimeout)
	defer cancel()

	var proxyURL *url.URL
	if c.proxies != nil {
		var err error
		proxyURL, err = c.proxies.pick()
		if err != nil {
			return nil, &Error{Kind: KindTransient, Host: host, URL: rawURL, Err: err}
		}
		reqCtx = context.WithValue(reqCtx, proxyCtxKey{}, proxyURL)
	}

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, &Error{Kind: KindMalformed, Host: host, URL: rawURL, Err: err}
	}
	c.headers.apply(req)
	if captchaToken != "" {
		req.AddCookie(&http.Cookie{Name: "captcha_token", Value: captchaToken})
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.proxies.report(proxyURL, -1)
		fe := &Error{Kind: KindTransient, Host: host, URL: rawURL, Err: err}
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			fe.Timeout = true
		}
		// The parent deadline firing is terminal; the per-request timeout
		// firing is a transient (double-cost) failure.
		if ctx.Err() == context.DeadlineExceeded {
			fe.Kind = KindDeadlineExceeded
			fe.Timeout = false
		} else if ctx.Err() == context.Canceled {
			fe.Kind = KindCancelled
			fe.Timeout = false
		} else if reqCtx.Err() == context.DeadlineExceeded {
			fe.Timeout = true
		}
		return nil, fe
	}
	defer func() { _ = resp.Body.Close() }()

	if fe := classifyStatus(resp, host, rawURL); fe != nil {
		if fe.Kind == KindBlocked {
			c.proxies.report(proxyURL, -2)
			// Keep the block page so the retry loop can look for an
			// embedded challenge.
			fe.Body, _ = io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
		} else {
			c.proxies.report(proxyURL, -1)
		}
		return nil, fe
	}

	reader := io.Reader(resp.Body)
	if resp.Header.Get("Content-Encoding") == "gzip" {
		gz, err := gzip.NewReader(resp.Body)
		if err != nil {
			return nil, &Error{Kind: KindMalformed, Host: host, URL: rawURL, Err: err}
		}
		defer func() { _ = gz.Close() }()
		reader = gz
	}

	body, err := io.ReadAll(io.LimitReader(reader, maxBodySize))
	if err != nil {
		c.proxies.report(proxyURL, -1)
		return nil, &Error{Kind: KindTransient, Host: host, URL: rawURL, Err: err}
	}

	c.proxies.report(proxyURL, +1)
	return body, nil
}

// classifyStatus maps an HTTP status to the error taxonomy. nil means the
// response is usable.
func classifyStatus(resp *http.Response, host, rawURL string) *Error {
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusServiceUnavailable:
		return &Error{
			Kind:       KindRateLimited,
			Host:       host,
			URL:        rawURL,
			StatusCode: resp.StatusCode,
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
		}
	case resp.StatusCode == http.StatusForbidden:
		return newError(KindBlocked, host, rawURL, resp.StatusCode, nil)
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		return newError(KindNotFound, host, rawURL, resp.StatusCode, nil)
	case resp.StatusCode >= 500:
		return newError(KindTransient, host, rawURL, resp.StatusCode, nil)
	default:
		return newError(KindTransient, host, rawURL, resp.StatusCode, nil)
	}
}

// parseRetryAfter handles both delta-seconds and HTTP-date forms.
func parseRetryAfter(value string) time.Duration {
	if value == "" {
		return 0
	}
	if secs, err := strconv.Atoi(value); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(value); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}

func hostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	return u.Host
}
