// Segue - DJ Setlist Transition Graph Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/segue

package fetch

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"regexp"
	"time"

	"github.com/goccy/go-json"
	"github.com/sony/gobreaker/v2"

	"github.com/tomtom215/segue/internal/metrics"
)

// CaptchaSolver submits CAPTCHA challenges to an external solver service.
// Answers below the confidence threshold are treated as unsolvable so the
// caller falls back to Blocked handling instead of submitting garbage.
type CaptchaSolver interface {
	Solve(ctx context.Context, challenge Challenge) (string, error)
}

// Challenge describes a CAPTCHA encountered on a page.
type Challenge struct {
	Type    string `json:"type"` // e.g. "recaptcha_v2", "hcaptcha", "image"
	SiteKey string `json:"site_key,omitempty"`
	PageURL string `json:"page_url"`
	Image   []byte `json:"image,omitempty"`
}

var (
	siteKeyRe   = regexp.MustCompile(`data-sitekey=["']([^"']+)["']`)
	recaptchaRe = regexp.MustCompile(`g-recaptcha|www\.google\.com/recaptcha`)
	hcaptchaRe  = regexp.MustCompile(`h-captcha|hcaptcha\.com`)
)

// DetectChallenge scans a block page for an embedded CAPTCHA widget. ok is
// false when the page carries no recognizable challenge, in which case the
// block is just a block.
func DetectChallenge(body []byte, pageURL string) (Challenge, bool) {
	if len(body) == 0 {
		return Challenge{}, false
	}
	var typ string
	switch {
	case hcaptchaRe.Match(body):
		typ = "hcaptcha"
	case recaptchaRe.Match(body):
		typ = "recaptcha_v2"
	default:
		return Challenge{}, false
	}
	ch := Challenge{Type: typ, PageURL: pageURL}
	if m := siteKeyRe.FindSubmatch(body); m != nil {
		ch.SiteKey = string(m[1])
	}
	return ch, true
}

type solveRequest struct {
	Type    string `json:"type"`
	SiteKey string `json:"site_key,omitempty"`
	PageURL string `json:"page_url"`
	Image   []byte `json:"image,omitempty"`
}

type solveResponse struct {
	Answer     string  `json:"answer"`
	Confidence float64 `json:"confidence"`
	Solvable   bool    `json:"solvable"`
}

// httpCaptchaSolver calls a solver service over HTTP behind a circuit
// breaker, so a dead solver fails fast instead of stalling every blocked
// fetch for the full timeout.
type httpCaptchaSolver struct {
	url           string
	minConfidence float64
	client        *http.Client
	breaker       *gobreaker.CircuitBreaker[*solveResponse]
}

// NewCaptchaSolver builds the HTTP solver client. Empty url returns nil,
// meaning challenges surface directly as Blocked.
func NewCaptchaSolver(url string, minConfidence float64, timeout time.Duration) CaptchaSolver {
	if url == "" {
		return nil
	}
	settings := gobreaker.Settings{
		Name:    "captcha-solver",
		Timeout: 60 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	}
	return &httpCaptchaSolver{
		url:           url,
		minConfidence: minConfidence,
		client:        &http.Client{Timeout: timeout},
		breaker:       gobreaker.NewCircuitBreaker[*solveResponse](settings),
	}
}

func (s *httpCaptchaSolver) Solve(ctx context.Context, challenge Challenge) (string, error) {
	resp, err := s.breaker.Execute(func() (*solveResponse, error) {
		return s.solve(ctx, challenge)
	})
	if err != nil {
		metrics.CaptchaSolves.WithLabelValues("error").Inc()
		return "", &Error{Kind: KindBlocked, URL: challenge.PageURL, Err: err}
	}
	if !resp.Solvable {
		metrics.CaptchaSolves.WithLabelValues("unsolvable").Inc()
		return "", &Error{Kind: KindUnsolvable, URL: challenge.PageURL,
			Err: fmt.Errorf("solver declined challenge type %s", challenge.Type)}
	}
	if resp.Confidence < s.minConfidence {
		metrics.CaptchaSolves.WithLabelValues("low_confidence").Inc()
		return "", &Error{Kind: KindUnsolvable, URL: challenge.PageURL,
			Err: fmt.Errorf("solver confidence %.2f below threshold %.2f", resp.Confidence, s.minConfidence)}
	}
	metrics.CaptchaSolves.WithLabelValues("solved").Inc()
	return resp.Answer, nil
}

func (s *httpCaptchaSolver) solve(ctx context.Context, challenge Challenge) (*solveResponse, error) {
	body, err := json.Marshal(solveRequest{
		Type:    challenge.Type,
		SiteKey: challenge.SiteKey,
		PageURL: challenge.PageURL,
		Image:   challenge.Image,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal solve request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url+"/solve", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	httpResp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("solver request failed: %w", err)
	}
	defer func() { _ = httpResp.Body.Close() }()

	if httpResp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("solver returned status %d", httpResp.StatusCode)
	}

	var resp solveResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&resp); err != nil {
		return nil, fmt.Errorf("decode solver response: %w", err)
	}
	return &resp, nil
}
