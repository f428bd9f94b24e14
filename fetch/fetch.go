// Package fetch is the HTTP transport collaborator: a synchronous colly
// collector with header rotation, bounded retries, and typed error
// classification.
package fetch

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gocolly/colly/v2"
	"github.com/pwr-usr/argos-scraper/backoff"
	"github.com/pwr-usr/argos-scraper/config"
)

// Response is the outcome of one successful HTTP exchange.
type Response struct {
	StatusCode int
	Body       []byte
	// FinalURL is the URL after following redirects.
	FinalURL string
}

type result struct {
	resp *Response
	err  error
}

const resultKey = "fetch_result"

// Client issues one request at a time through a shared collector.
type Client struct {
	cfg       *config.Config
	collector *colly.Collector
	clock     backoff.Clock

	mu   sync.Mutex
	rand *rand.Rand
}

// NewClient builds the collector. URL revisits are allowed because
// deduplication is owned by the persistent store, not the transport.
func NewClient(cfg *config.Config, clock backoff.Clock) (*Client, error) {
	if len(cfg.UserAgents) == 0 {
		return nil, fmt.Errorf("fetch: user agent list cannot be empty")
	}
	if clock == nil {
		clock = backoff.RealClock()
	}

	collector := colly.NewCollector(
		colly.UserAgent(cfg.UserAgents[0]),
		colly.AllowURLRevisit(),
		colly.IgnoreRobotsTxt(),
	)
	collector.SetRequestTimeout(cfg.RequestTimeout)
	// Non-2xx statuses flow to OnResponse so callers can inspect them.
	collector.ParseHTTPErrorResponse = true
	collector.WithTransport(&http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   cfg.RequestTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:        100,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
	})

	c := &Client{
		cfg:       cfg,
		collector: collector,
		clock:     clock,
		rand:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}

	collector.OnResponse(func(r *colly.Response) {
		if res, ok := r.Request.Ctx.GetAny(resultKey).(*result); ok {
			res.resp = &Response{
				StatusCode: r.StatusCode,
				Body:       r.Body,
				FinalURL:   r.Request.URL.String(),
			}
		}
	})
	collector.OnError(func(r *colly.Response, err error) {
		if r == nil || r.Request == nil {
			return
		}
		if res, ok := r.Request.Ctx.GetAny(resultKey).(*result); ok {
			res.err = Classify(err, r.StatusCode)
		}
	})

	return c, nil
}

// WithTransport replaces the underlying transport. Used by tests to inject a
// mock round tripper.
func (c *Client) WithTransport(rt http.RoundTripper) {
	c.collector.WithTransport(rt)
}

// Get fetches url, retrying transient failures up to MaxRetries times.
func (c *Client) Get(ctx context.Context, url string) (*Response, error) {
	return c.do(ctx, http.MethodGet, url)
}

// Head probes url without downloading the body.
func (c *Client) Head(ctx context.Context, url string) (*Response, error) {
	return c.do(ctx, http.MethodHead, url)
}

func (c *Client) do(ctx context.Context, method, url string) (*Response, error) {
	var lastErr error
	for attempt := 0; attempt <= c.cfg.MaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if attempt > 0 {
			slog.Debug("retrying request",
				slog.String("url", url),
				slog.Int("attempt", attempt),
			)
			if err := c.clock.Sleep(ctx, c.cfg.RetryDelay); err != nil {
				return nil, err
			}
		}

		resp, err := c.once(method, url)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if !IsTransient(err) {
			break
		}
	}
	return nil, lastErr
}

func (c *Client) once(method, url string) (*Response, error) {
	res := &result{}
	cctx := colly.NewContext()
	cctx.Put(resultKey, res)

	if err := c.collector.Request(method, url, nil, cctx, c.randomHeaders()); err != nil {
		return nil, Classify(err, 0)
	}
	// The collector is synchronous, so handlers have run by now.
	if res.err != nil {
		return nil, res.err
	}
	if res.resp == nil {
		return nil, fmt.Errorf("fetch: no response for %s", url)
	}
	return res.resp, nil
}

// randomHeaders builds browser-like headers with a rotated User-Agent.
func (c *Client) randomHeaders() http.Header {
	c.mu.Lock()
	ua := c.cfg.UserAgents[c.rand.Intn(len(c.cfg.UserAgents))]
	c.mu.Unlock()

	hdr := http.Header{}
	hdr.Set("User-Agent", ua)
	hdr.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,image/webp,*/*;q=0.8")
	hdr.Set("Accept-Language", "en-GB,en;q=0.9,en-US;q=0.8")
	hdr.Set("DNT", "1")
	hdr.Set("Upgrade-Insecure-Requests", "1")
	return hdr
}
