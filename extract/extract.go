// Package extract pulls structured product records out of fetched pages. It
// tries a fixed cascade of embedded-data formats and returns the first one
// that yields a non-empty record; a parse failure in one strategy is never
// fatal, it just falls through to the next.
package extract

import (
	"encoding/json"
	"errors"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/pwr-usr/argos-scraper/models"
)

// ErrNoProductData is returned when every strategy yields an empty record.
var ErrNoProductData = errors.New("extract: no product data found")

var (
	embeddedStateRe  = regexp.MustCompile(`(?s)window\.__data\s*=\s*(\{.*\})\s*;`)
	preloadedStateRe = regexp.MustCompile(`(?s)window\.__PRELOADED_STATE__\s*=\s*(\{.*\})\s*;`)
	trailingCommaRe  = regexp.MustCompile(`,\s*([}\]])`)
)

type strategy struct {
	method models.ExtractionMethod
	fn     func(doc *goquery.Document) map[string]any
}

var cascade = []strategy{
	{models.MethodEmbeddedState, extractEmbeddedState},
	{models.MethodPreloadedState, extractPreloadedState},
	{models.MethodJSONLD, extractJSONLD},
	{models.MethodPattern, extractPattern},
}

// Extract parses htmlContent and returns the first non-empty record produced
// by the cascade, along with the strategy that produced it.
func Extract(htmlContent string) (map[string]any, models.ExtractionMethod, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(htmlContent))
	if err != nil {
		return nil, "", ErrNoProductData
	}

	for _, s := range cascade {
		if fields := s.fn(doc); len(fields) > 0 {
			return fields, s.method, nil
		}
	}
	return nil, "", ErrNoProductData
}

func extractEmbeddedState(doc *goquery.Document) map[string]any {
	return extractScriptState(doc, "window.__data", embeddedStateRe)
}

func extractPreloadedState(doc *goquery.Document) map[string]any {
	return extractScriptState(doc, "window.__PRELOADED_STATE__", preloadedStateRe)
}

func extractScriptState(doc *goquery.Document, marker string, re *regexp.Regexp) map[string]any {
	var fields map[string]any
	doc.Find("script").EachWithBreak(func(_ int, sel *goquery.Selection) bool {
		text := sel.Text()
		if !strings.Contains(text, marker) {
			return true
		}
		match := re.FindStringSubmatch(text)
		if match == nil {
			return true
		}
		if parsed := parseObject(match[1]); len(parsed) > 0 {
			fields = parsed
			return false
		}
		return true
	})
	return fields
}

func extractJSONLD(doc *goquery.Document) map[string]any {
	var fields map[string]any
	doc.Find(`script[type="application/ld+json"]`).EachWithBreak(func(_ int, sel *goquery.Selection) bool {
		var parsed map[string]any
		if err := json.Unmarshal([]byte(sel.Text()), &parsed); err != nil {
			return true
		}
		if t, _ := parsed["@type"].(string); t != "Product" {
			return true
		}
		fields = map[string]any{"product": parsed}
		return false
	})
	return fields
}

// extractPattern is the last resort: slice the outermost object literal out
// of any state-bearing script and parse it after cleanup.
func extractPattern(doc *goquery.Document) map[string]any {
	var fields map[string]any
	doc.Find("script").EachWithBreak(func(_ int, sel *goquery.Selection) bool {
		text := sel.Text()
		if !strings.Contains(text, "window.__data") && !strings.Contains(text, "window.__PRELOADED_STATE__") {
			return true
		}
		start := strings.Index(text, "{")
		end := strings.LastIndex(text, "}")
		if start == -1 || end <= start {
			return true
		}
		if parsed := parseObject(text[start : end+1]); len(parsed) > 0 {
			fields = parsed
			return false
		}
		return true
	})
	return fields
}

// parseObject cleans malformed tokens the target site emits (bare undefined
// literals, trailing separators) and parses the result.
func parseObject(raw string) map[string]any {
	cleaned := strings.ReplaceAll(raw, ":undefined", ":null")
	cleaned = trailingCommaRe.ReplaceAllString(cleaned, "$1")

	var parsed map[string]any
	if err := json.Unmarshal([]byte(cleaned), &parsed); err != nil {
		return nil
	}
	return parsed
}
