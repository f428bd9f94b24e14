// Package search finds the canonical product page for an identifier, either
// through external search-backend rotation or the retailer's own site search.
package search

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/pwr-usr/argos-scraper/backoff"
	"github.com/pwr-usr/argos-scraper/config"
	"github.com/pwr-usr/argos-scraper/fetch"
	"github.com/pwr-usr/argos-scraper/models"
	"github.com/pwr-usr/argos-scraper/store"
)

// ErrSearchFailed marks a per-identifier failure: every backend errored
// without confirming presence or absence. The identifier stays unresolved.
var ErrSearchFailed = errors.New("search: all backends failed for this query")

// OutcomeKind is the result class of one FindURL call.
type OutcomeKind int

const (
	Found OutcomeKind = iota
	NotFound
	AllBackendsUnavailable
)

// Result is the outcome of resolving one identifier to a URL.
type Result struct {
	Outcome OutcomeKind
	URL     string
}

// Recorder receives search events for metrics. Implementations must tolerate
// being called from the single pipeline goroutine only.
type Recorder interface {
	IncSearch(backend string)
	IncCooldown(backend string)
}

var productPathRe = regexp.MustCompile(`/product/\d+`)

// excludedPaths are site sections that can never be product pages.
var excludedPaths = []string{"/search/", "/browse/", "/category/", "/c:", "/static/"}

// Orchestrator rotates search backends under backoff control and validates
// candidates before accepting them.
type Orchestrator struct {
	cfg      *config.Config
	ctrl     *backoff.Controller
	client   *fetch.Client
	backends []Backend
	st       *store.Store
	metrics  Recorder

	siteHost string
	patterns []*regexp.Regexp
	// probeCache remembers liveness probes within a run so rescrape mode
	// cannot re-probe a URL the durable seen-set would otherwise catch.
	probeCache *lru.Cache[string, bool]
	offset     int
}

// NewOrchestrator wires the orchestrator. The backend list order defines the
// rotation order; the starting offset advances on every rotation search.
func NewOrchestrator(cfg *config.Config, ctrl *backoff.Controller, client *fetch.Client, backends []Backend, st *store.Store, metrics Recorder) (*Orchestrator, error) {
	parsed, err := url.Parse(cfg.BaseURL)
	if err != nil || parsed.Host == "" {
		return nil, fmt.Errorf("search: invalid base URL %q", cfg.BaseURL)
	}

	patterns := make([]*regexp.Regexp, 0, len(cfg.ProductURLPatterns))
	for _, p := range cfg.ProductURLPatterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("search: compile product URL pattern %q: %w", p, err)
		}
		patterns = append(patterns, re)
	}

	cache, err := lru.New[string, bool](cfg.ProbeCacheSize)
	if err != nil {
		return nil, fmt.Errorf("search: create probe cache: %w", err)
	}

	return &Orchestrator{
		cfg:        cfg,
		ctrl:       ctrl,
		client:     client,
		backends:   backends,
		st:         st,
		metrics:    metrics,
		siteHost:   strings.TrimPrefix(parsed.Host, "www."),
		patterns:   patterns,
		probeCache: cache,
	}, nil
}

// FindURL resolves one identifier to a live product URL. Model numbers try
// the direct site search first and only then fall back to backend rotation.
func (o *Orchestrator) FindURL(ctx context.Context, id models.Identifier) (Result, error) {
	if id.Strategy == models.ModelNumber {
		found, err := o.searchDirect(ctx, id.Value)
		if err != nil {
			return Result{}, err
		}
		if found != "" {
			return Result{Outcome: Found, URL: found}, nil
		}
		slog.Debug("direct search empty, falling back to backend rotation",
			slog.String("identifier", id.Value),
		)
	}
	return o.searchRotation(ctx, id.Value)
}

func (o *Orchestrator) searchRotation(ctx context.Context, value string) (Result, error) {
	if o.allInCooldown() {
		return Result{Outcome: AllBackendsUnavailable}, nil
	}

	start := o.offset % len(o.backends)
	o.offset++

	query := value + " site:" + o.siteHost
	attempted := false

	for i := range o.backends {
		b := o.backends[(start+i)%len(o.backends)]
		name := b.Name()
		if o.ctrl.InCooldown(name) {
			continue
		}
		attempted = true

		if err := o.ctrl.Wait(ctx, name); err != nil {
			return Result{}, err
		}
		if o.metrics != nil {
			o.metrics.IncSearch(name)
		}

		candidates, err := b.Query(ctx, query, o.cfg.NumResults)
		if errors.Is(err, ErrBlocked) {
			slog.Warn("backend blocked, rotating", slog.String("backend", name))
			o.ctrl.Report(name, backoff.RateLimited)
			if o.metrics != nil {
				o.metrics.IncCooldown(name)
			}
			continue
		}
		if err != nil {
			slog.Warn("backend query failed",
				slog.String("backend", name),
				slog.Any("error", err),
			)
			o.ctrl.Report(name, backoff.Error)
			continue
		}
		o.ctrl.Report(name, backoff.Success)

		if accepted := o.acceptCandidate(ctx, candidates); accepted != "" {
			slog.Info("product URL found",
				slog.String("backend", name),
				slog.String("url", accepted),
			)
			return Result{Outcome: Found, URL: accepted}, nil
		}
		// The query itself worked: an empty result set means the product
		// is not indexed, which is a terminal answer.
		return Result{Outcome: NotFound}, nil
	}

	if o.allInCooldown() {
		return Result{Outcome: AllBackendsUnavailable}, nil
	}
	if !attempted {
		return Result{Outcome: AllBackendsUnavailable}, nil
	}
	return Result{}, ErrSearchFailed
}

// acceptCandidate picks the first candidate that matches the product-page
// pattern and probes live. Accepted and probed URLs enter the seen set.
func (o *Orchestrator) acceptCandidate(ctx context.Context, candidates []string) string {
	for _, raw := range candidates {
		candidate := stripQuery(raw)
		if !o.isProductURL(candidate) {
			continue
		}
		if o.st.HasSeenURL(candidate) {
			slog.Debug("skipping already seen URL", slog.String("url", candidate))
			continue
		}
		if o.probeExists(ctx, candidate) {
			o.st.RecordSeenURL(candidate)
			return candidate
		}
	}
	return ""
}

// probeExists checks a candidate for liveness: HEAD first, GET on ambiguous
// statuses. A network error counts as alive so a flaky probe cannot bury a
// real product.
func (o *Orchestrator) probeExists(ctx context.Context, candidate string) bool {
	if alive, ok := o.probeCache.Get(candidate); ok {
		return alive
	}

	alive := true
	resp, err := o.client.Head(ctx, candidate)
	if err == nil {
		switch resp.StatusCode {
		case 200:
			alive = true
		case 404:
			alive = false
		default:
			if got, err := o.client.Get(ctx, candidate); err == nil {
				alive = got.StatusCode != 404
			}
		}
	}

	if !alive {
		// A dead URL is still a consumed fetch.
		o.st.RecordSeenURL(candidate)
		slog.Debug("candidate returned 404", slog.String("url", candidate))
	}
	o.probeCache.Add(candidate, alive)
	return alive
}

// searchDirect hits the retailer's own search and accepts either a redirect
// straight to a product page or the first product link in the listing.
func (o *Orchestrator) searchDirect(ctx context.Context, value string) (string, error) {
	searchURL := strings.TrimRight(o.cfg.BaseURL, "/") + "/search/" + url.PathEscape(value)
	if o.st.HasSeenURL(searchURL) {
		slog.Debug("direct search already attempted", slog.String("url", searchURL))
		return "", nil
	}

	if err := o.ctrl.Wait(ctx, backoff.DirectBackend); err != nil {
		return "", err
	}
	if o.metrics != nil {
		o.metrics.IncSearch(backoff.DirectBackend)
	}
	o.st.RecordSeenURL(searchURL)

	resp, err := o.client.Get(ctx, searchURL)
	if err != nil {
		var rateLimited fetch.RateLimitedError
		if errors.As(err, &rateLimited) {
			o.ctrl.Report(backoff.DirectBackend, backoff.RateLimited)
		} else {
			o.ctrl.Report(backoff.DirectBackend, backoff.Error)
		}
		return "", nil
	}
	o.ctrl.Report(backoff.DirectBackend, backoff.Success)
	if resp.StatusCode != 200 {
		return "", nil
	}

	// Redirected straight to the product page.
	if final := stripQuery(resp.FinalURL); o.isProductURL(final) {
		o.st.RecordSeenURL(final)
		return final, nil
	}

	// Some result redirects bury the product path in tracking parameters.
	if strings.Contains(resp.FinalURL, "clickSR=") {
		if path := productPathRe.FindString(resp.FinalURL); path != "" {
			recovered := strings.TrimRight(o.cfg.BaseURL, "/") + path
			if o.isProductURL(recovered) && !o.st.HasSeenURL(recovered) {
				o.st.RecordSeenURL(recovered)
				return recovered, nil
			}
		}
	}

	return o.firstListingLink(resp.Body), nil
}

// firstListingLink scans a results listing for the first acceptable product
// link.
func (o *Orchestrator) firstListingLink(body []byte) string {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return ""
	}

	var found string
	doc.Find("a[href]").EachWithBreak(func(_ int, sel *goquery.Selection) bool {
		href, _ := sel.Attr("href")
		if !productPathRe.MatchString(href) {
			return true
		}
		if !strings.HasPrefix(href, "http") {
			href = strings.TrimRight(o.cfg.BaseURL, "/") + href
		}
		href = stripQuery(href)
		if !o.isProductURL(href) || o.st.HasSeenURL(href) {
			return true
		}
		o.st.RecordSeenURL(href)
		found = href
		return false
	})
	return found
}

// isProductURL applies the host check, exclusion paths, and the configured
// product-page patterns.
func (o *Orchestrator) isProductURL(candidate string) bool {
	if candidate == "" || !strings.Contains(candidate, o.siteHost) {
		return false
	}
	for _, excluded := range excludedPaths {
		if strings.Contains(candidate, excluded) {
			return false
		}
	}
	for _, re := range o.patterns {
		if re.MatchString(candidate) {
			return true
		}
	}
	return false
}

func (o *Orchestrator) allInCooldown() bool {
	for _, b := range o.backends {
		if !o.ctrl.InCooldown(b.Name()) {
			return false
		}
	}
	return true
}

func stripQuery(raw string) string {
	if idx := strings.IndexByte(raw, '?'); idx != -1 {
		return raw[:idx]
	}
	return raw
}
