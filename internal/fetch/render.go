// Segue - DJ Setlist Transition Graph Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/segue

package fetch

import (
	"context"
	"time"

	"github.com/chromedp/chromedp"
)

// Renderer executes a page's JavaScript and returns the rendered HTML.
// Adapters whose sources build the tracklist client-side request rendering
// instead of a plain GET.
type Renderer interface {
	Render(ctx context.Context, url string) ([]byte, error)
}

// chromeRenderer drives a headless Chrome via the DevTools protocol. Each
// Render call runs in a fresh browser context so sessions never leak state
// between hosts.
type chromeRenderer struct {
	timeout time.Duration
	headers *headerRotator
}

// NewRenderer returns a headless-browser renderer, or nil when rendering is
// disabled.
func NewRenderer(enabled bool, timeout time.Duration, headers *headerRotator) Renderer {
	if !enabled {
		return nil
	}
	return &chromeRenderer{timeout: timeout, headers: headers}
}

func (r *chromeRenderer) Render(ctx context.Context, url string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", true),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("no-sandbox", true),
		chromedp.UserAgent(r.headers.forHost(hostOf(url)).userAgent),
	)
	allocCtx, cancelAlloc := chromedp.NewExecAllocator(ctx, opts...)
	defer cancelAlloc()

	browserCtx, cancelBrowser := chromedp.NewContext(allocCtx)
	defer cancelBrowser()

	var html string
	err := chromedp.Run(browserCtx,
		chromedp.Navigate(url),
		chromedp.WaitReady("body"),
		chromedp.OuterHTML("html", &html),
	)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return nil, &Error{Kind: KindTransient, Host: hostOf(url), URL: url, Timeout: true, Err: err}
		}
		return nil, &Error{Kind: KindTransient, Host: hostOf(url), URL: url, Err: err}
	}
	return []byte(html), nil
}
