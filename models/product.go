// Package models defines data structures shared across the scraper.
package models

import "time"

// Strategy selects how a product identifier is searched for.
type Strategy string

const (
	// ExactCode identifiers (EAN/GTIN barcodes) go through external
	// search-backend rotation.
	ExactCode Strategy = "ean"
	// ModelNumber identifiers prefer the retailer's own site search.
	ModelNumber Strategy = "model"
)

// Identifier is one unit of work read from the input file.
type Identifier struct {
	Value    string
	Strategy Strategy
}

// ExtractionMethod records which cascade strategy produced a record.
type ExtractionMethod string

const (
	MethodEmbeddedState  ExtractionMethod = "embedded_state"
	MethodPreloadedState ExtractionMethod = "preloaded_state"
	MethodJSONLD         ExtractionMethod = "json_ld"
	MethodPattern        ExtractionMethod = "pattern"
)

// ExtractedProduct is the structured record produced by one successful scrape.
type ExtractedProduct struct {
	SourceIdentifier string           `json:"source_identifier"`
	SourceURL        string           `json:"source_url"`
	Fields           map[string]any   `json:"fields"`
	Method           ExtractionMethod `json:"extraction_method"`
	ScrapedAt        time.Time        `json:"scraped_at"`
}

// RunResult holds the overall outcome of one pipeline run.
type RunResult struct {
	StartTime       time.Time
	EndTime         time.Time
	Processed       int
	Found           int
	NotFound        int
	Failed          int
	SkippedResolved int
	// Halted reports that the run stopped early because every search
	// backend was in cooldown.
	Halted bool
}
