package search

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/pwr-usr/argos-scraper/fetch"
)

// ErrBlocked is the blocked signal: the backend is actively rate-limiting us
// and must be put into cooldown rather than retried.
var ErrBlocked = errors.New("search: backend blocked")

// Backend issues a text query and returns candidate result URLs.
type Backend interface {
	Name() string
	Query(ctx context.Context, text string, n int) ([]string, error)
}

// endpoint describes how to query one search engine's HTML results page.
type endpoint struct {
	queryURL       string
	blockedMarkers []string
}

var endpoints = map[string]endpoint{
	"google": {
		queryURL:       "https://www.google.com/search?q=%s",
		blockedMarkers: []string{"unusual traffic", "/sorry/"},
	},
	"yahoo": {
		queryURL:       "https://search.yahoo.com/search?p=%s",
		blockedMarkers: []string{"unusual activity"},
	},
	"yandex": {
		queryURL:       "https://yandex.com/search/?text=%s",
		blockedMarkers: []string{"showcaptcha"},
	},
	"duckduckgo": {
		queryURL:       "https://html.duckduckgo.com/html/?q=%s",
		blockedMarkers: []string{"anomaly"},
	},
}

// SERPBackend scrapes one engine's HTML results page for links.
type SERPBackend struct {
	name     string
	endpoint endpoint
	client   *fetch.Client
}

// NewBackend builds a backend by name. Unknown names are a configuration
// error surfaced at startup, not at query time.
func NewBackend(name string, client *fetch.Client) (*SERPBackend, error) {
	ep, ok := endpoints[name]
	if !ok {
		return nil, fmt.Errorf("search: unknown backend %q", name)
	}
	return &SERPBackend{name: name, endpoint: ep, client: client}, nil
}

// Backends builds one backend per configured name.
func Backends(names []string, client *fetch.Client) ([]Backend, error) {
	out := make([]Backend, 0, len(names))
	for _, name := range names {
		b, err := NewBackend(name, client)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, nil
}

func (b *SERPBackend) Name() string { return b.name }

// Query fetches the results page and returns up to n result links.
func (b *SERPBackend) Query(ctx context.Context, text string, n int) ([]string, error) {
	queryURL := fmt.Sprintf(b.endpoint.queryURL, url.QueryEscape(text))

	resp, err := b.client.Get(ctx, queryURL)
	if err != nil {
		var rateLimited fetch.RateLimitedError
		var forbidden fetch.ForbiddenError
		if errors.As(err, &rateLimited) || errors.As(err, &forbidden) {
			return nil, fmt.Errorf("%w: %s", ErrBlocked, b.name)
		}
		return nil, err
	}

	switch resp.StatusCode {
	case 429, 403, 202:
		return nil, fmt.Errorf("%w: %s returned status %d", ErrBlocked, b.name, resp.StatusCode)
	}
	if resp.StatusCode != 200 {
		return nil, fmt.Errorf("search: %s returned status %d", b.name, resp.StatusCode)
	}

	body := string(resp.Body)
	for _, marker := range b.endpoint.blockedMarkers {
		if strings.Contains(body, marker) {
			return nil, fmt.Errorf("%w: %s served a challenge page", ErrBlocked, b.name)
		}
	}

	return parseResultLinks(resp.Body, n)
}

// parseResultLinks pulls outbound result links from a SERP document.
func parseResultLinks(body []byte, n int) ([]string, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(string(body)))
	if err != nil {
		return nil, fmt.Errorf("search: parse results page: %w", err)
	}

	var links []string
	seen := make(map[string]bool)
	doc.Find("a[href]").EachWithBreak(func(_ int, sel *goquery.Selection) bool {
		href, _ := sel.Attr("href")
		href = unwrapRedirect(href)
		if !strings.HasPrefix(href, "http://") && !strings.HasPrefix(href, "https://") {
			return true
		}
		if seen[href] {
			return true
		}
		seen[href] = true
		links = append(links, href)
		return len(links) < n
	})
	return links, nil
}

// unwrapRedirect unpacks engine redirect wrappers like /url?q=<target>.
func unwrapRedirect(href string) string {
	if !strings.HasPrefix(href, "/url?") {
		return href
	}
	parsed, err := url.Parse(href)
	if err != nil {
		return href
	}
	if target := parsed.Query().Get("q"); target != "" {
		return target
	}
	return href
}
