// Package pipeline runs the per-identifier workflow: consult the store, find
// a URL, fetch, extract, persist. Identifiers are processed strictly one at a
// time; the state store is saved after every identifier so a crash loses at
// most the in-flight one.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/pwr-usr/argos-scraper/backoff"
	"github.com/pwr-usr/argos-scraper/config"
	"github.com/pwr-usr/argos-scraper/extract"
	"github.com/pwr-usr/argos-scraper/fetch"
	"github.com/pwr-usr/argos-scraper/models"
	"github.com/pwr-usr/argos-scraper/search"
	"github.com/pwr-usr/argos-scraper/store"
)

// Finder resolves one identifier to a product URL.
type Finder interface {
	FindURL(ctx context.Context, id models.Identifier) (search.Result, error)
}

// globalFailureLimit is how many identifiers may fail in a row before the
// run takes one long cooldown pause.
const globalFailureLimit = 10

// Orchestrator drives the whole run.
type Orchestrator struct {
	cfg     *config.Config
	st      *store.Store
	finder  Finder
	client  *fetch.Client
	ctrl    *backoff.Controller
	writer  RecordWriter
	metrics *Metrics
	clock   backoff.Clock

	consecutiveFailures int
}

// NewOrchestrator wires the run loop. metrics may be nil.
func NewOrchestrator(cfg *config.Config, st *store.Store, finder Finder, client *fetch.Client, ctrl *backoff.Controller, writer RecordWriter, metrics *Metrics, clock backoff.Clock) *Orchestrator {
	if clock == nil {
		clock = backoff.RealClock()
	}
	return &Orchestrator{
		cfg:     cfg,
		st:      st,
		finder:  finder,
		client:  client,
		ctrl:    ctrl,
		writer:  writer,
		metrics: metrics,
		clock:   clock,
	}
}

// Run processes identifiers in input order and returns the run summary. A
// halted run (all backends in cooldown) is not an error: the store is left
// consistent and the run can be resumed later.
func (o *Orchestrator) Run(ctx context.Context, ids []models.Identifier) (*models.RunResult, error) {
	result := &models.RunResult{StartTime: time.Now()}
	defer func() {
		result.EndTime = time.Now()
	}()

	for i, id := range ids {
		if ctx.Err() != nil {
			break
		}

		if res, ok := o.st.Resolution(id.Value); ok {
			if res.Outcome == store.OutcomeNotFound || !o.cfg.RescrapeSuccessful {
				result.SkippedResolved++
				o.metrics.IncOutcome("skipped")
				continue
			}
		}

		if o.consecutiveFailures >= globalFailureLimit {
			slog.Warn("too many consecutive failures, taking a long cooldown",
				slog.Duration("cooldown", o.cfg.BlockCooldown),
			)
			if err := o.clock.Sleep(ctx, o.cfg.BlockCooldown); err != nil {
				break
			}
			o.consecutiveFailures = 0
		}

		slog.Info("processing identifier",
			slog.Int("index", i+1),
			slog.Int("total", len(ids)),
			slog.String("identifier", id.Value),
			slog.String("strategy", string(id.Strategy)),
		)
		result.Processed++

		res, err := o.finder.FindURL(ctx, id)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			slog.Warn("search failed for identifier",
				slog.String("identifier", id.Value),
				slog.Any("error", err),
			)
			result.Failed++
			o.consecutiveFailures++
			o.metrics.IncOutcome("failed")
			o.persist()
			continue
		}

		if res.Outcome == search.AllBackendsUnavailable {
			slog.Error("all search backends in cooldown, halting run")
			result.Halted = true
			o.persist()
			break
		}

		switch res.Outcome {
		case search.NotFound:
			o.st.MarkNotFound(id.Value)
			result.NotFound++
			o.consecutiveFailures = 0
			o.metrics.IncOutcome("not_found")
			slog.Info("product not found", slog.String("identifier", id.Value))

		case search.Found:
			if err := o.scrape(ctx, id, res.URL); err != nil {
				if ctx.Err() != nil {
					o.persist()
					return result, nil
				}
				slog.Warn("scrape failed",
					slog.String("identifier", id.Value),
					slog.String("url", res.URL),
					slog.Any("error", err),
				)
				result.Failed++
				o.consecutiveFailures++
				o.metrics.IncOutcome("failed")
			} else {
				result.Found++
				o.consecutiveFailures = 0
				o.metrics.IncOutcome("found")
			}
		}

		o.persist()
	}

	o.persist()
	return result, nil
}

// scrape fetches the product page, extracts a record, writes it, and marks
// the identifier resolved. A record already on disk from a previous run is
// not refetched.
func (o *Orchestrator) scrape(ctx context.Context, id models.Identifier, pageURL string) error {
	if o.st.HasSeenURL(pageURL) && o.writer.Has(id.Value) {
		slog.Info("record already persisted, skipping refetch",
			slog.String("identifier", id.Value),
			slog.String("url", pageURL),
		)
		o.st.MarkFound(id.Value, pageURL)
		return nil
	}

	if err := o.ctrl.Wait(ctx, backoff.ScrapeBackend); err != nil {
		return err
	}

	start := time.Now()
	resp, err := o.client.Get(ctx, pageURL)
	o.metrics.ObserveFetch(time.Since(start))
	o.st.RecordSeenURL(pageURL)
	if err != nil {
		o.metrics.IncError(fetch.Label(err))
		return err
	}
	if resp.StatusCode != 200 {
		o.metrics.IncError("bad_status")
		return fmt.Errorf("product page returned status %d", resp.StatusCode)
	}

	fields, method, err := extract.Extract(string(resp.Body))
	if err != nil {
		o.metrics.IncError("extraction")
		return err
	}

	record := &models.ExtractedProduct{
		SourceIdentifier: id.Value,
		SourceURL:        pageURL,
		Fields:           fields,
		Method:           method,
		ScrapedAt:        time.Now().UTC(),
	}
	if err := o.writer.Write(record); err != nil {
		return err
	}

	o.st.MarkFound(id.Value, pageURL)
	slog.Info("product scraped",
		slog.String("identifier", id.Value),
		slog.String("method", string(method)),
	)
	return nil
}

// persist mirrors backend health into the store and saves it. Save errors
// are logged, not fatal: the in-memory state remains authoritative.
func (o *Orchestrator) persist() {
	o.st.SetBackends(o.ctrl.Snapshot())
	if err := o.st.Save(); err != nil {
		slog.Error("saving state failed", slog.Any("error", err))
	}
}
