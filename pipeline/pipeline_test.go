package pipeline

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/jarcoal/httpmock"
	"github.com/pwr-usr/argos-scraper/backoff"
	"github.com/pwr-usr/argos-scraper/config"
	"github.com/pwr-usr/argos-scraper/fetch"
	"github.com/pwr-usr/argos-scraper/models"
	"github.com/pwr-usr/argos-scraper/search"
	"github.com/pwr-usr/argos-scraper/store"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	if d > 0 {
		c.now = c.now.Add(d)
	}
	c.mu.Unlock()
	return nil
}

// scriptedFinder returns one queued answer per call.
type scriptedFinder struct {
	results []search.Result
	errs    []error
	calls   int
}

func (f *scriptedFinder) FindURL(ctx context.Context, id models.Identifier) (search.Result, error) {
	if f.calls >= len(f.results) {
		return search.Result{}, errors.New("finder called more times than scripted")
	}
	i := f.calls
	f.calls++
	return f.results[i], f.errs[i]
}

type harness struct {
	cfg       *config.Config
	st        *store.Store
	writer    *JSONRecordWriter
	transport *httpmock.MockTransport
	statePath string
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	dir := t.TempDir()
	cfg := config.DefaultConfig()
	cfg.MaxRetries = 0
	cfg.OutputDir = filepath.Join(dir, "records")
	cfg.StateFile = filepath.Join(dir, "state.json")

	writer, err := NewJSONRecordWriter(cfg.OutputDir)
	if err != nil {
		t.Fatalf("new writer: %v", err)
	}

	return &harness{
		cfg:       cfg,
		st:        store.Open(cfg.StateFile),
		writer:    writer,
		transport: httpmock.NewMockTransport(),
		statePath: cfg.StateFile,
	}
}

func (h *harness) orchestrator(t *testing.T, finder Finder) *Orchestrator {
	t.Helper()
	clock := newFakeClock()
	client, err := fetch.NewClient(h.cfg, clock)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	client.WithTransport(h.transport)
	ctrl := backoff.NewController(h.cfg, clock)
	return NewOrchestrator(h.cfg, h.st, finder, client, ctrl, h.writer, nil, clock)
}

const productPage = `<html><body>
<script>window.__data = {"productStore":{"data":{"productName":"Kettle","attributes":{"partNumber":"9505051"}}}};</script>
</body></html>`

func TestRunHappyPath(t *testing.T) {
	h := newHarness(t)
	productURL := "https://www.argos.co.uk/product/9505051"
	h.transport.RegisterResponder("GET", productURL,
		httpmock.NewStringResponder(200, productPage))

	finder := &scriptedFinder{
		results: []search.Result{{Outcome: search.Found, URL: productURL}},
		errs:    []error{nil},
	}

	result, err := h.orchestrator(t, finder).Run(context.Background(),
		[]models.Identifier{{Value: "5028965808078", Strategy: models.ExactCode}})
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	if result.Found != 1 || result.Processed != 1 {
		t.Fatalf("result = %+v, want one found", result)
	}
	if !h.writer.Has("5028965808078") {
		t.Fatalf("record should be on disk")
	}
	res, ok := h.st.Resolution("5028965808078")
	if !ok || res.Outcome != store.OutcomeFound || res.URL != productURL {
		t.Fatalf("resolution = %+v ok=%t", res, ok)
	}
	if !h.st.HasSeenURL(productURL) {
		t.Fatalf("fetched URL should be recorded")
	}

	// State survived to disk.
	if reloaded := store.Open(h.statePath); !reloaded.IsResolved("5028965808078") {
		t.Fatalf("resolution not persisted")
	}
}

func TestRunSkipsResolvedIdentifiers(t *testing.T) {
	h := newHarness(t)
	h.st.MarkNotFound("5028965808078")
	h.st.MarkFound("4034232323231", "https://www.argos.co.uk/product/123")

	finder := &scriptedFinder{}
	result, err := h.orchestrator(t, finder).Run(context.Background(), []models.Identifier{
		{Value: "5028965808078", Strategy: models.ExactCode},
		{Value: "4034232323231", Strategy: models.ExactCode},
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	if result.SkippedResolved != 2 || result.Processed != 0 {
		t.Fatalf("result = %+v, want both skipped", result)
	}
	if finder.calls != 0 {
		t.Fatalf("finder should not run for resolved identifiers")
	}
	if got := h.transport.GetTotalCallCount(); got != 0 {
		t.Fatalf("no network calls expected, got %d", got)
	}
}

func TestRunRescrapeRetriesFound(t *testing.T) {
	h := newHarness(t)
	h.cfg.RescrapeSuccessful = true
	productURL := "https://www.argos.co.uk/product/9505051"
	h.st.MarkFound("5028965808078", productURL)
	h.st.MarkNotFound("4034232323231")
	h.transport.RegisterResponder("GET", productURL,
		httpmock.NewStringResponder(200, productPage))

	finder := &scriptedFinder{
		results: []search.Result{{Outcome: search.Found, URL: productURL}},
		errs:    []error{nil},
	}
	result, err := h.orchestrator(t, finder).Run(context.Background(), []models.Identifier{
		{Value: "5028965808078", Strategy: models.ExactCode},
		{Value: "4034232323231", Strategy: models.ExactCode},
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	// Found identifiers are retried in rescrape mode; not-found never are.
	if result.Processed != 1 || result.Found != 1 || result.SkippedResolved != 1 {
		t.Fatalf("result = %+v", result)
	}
}

func TestRunMarksNotFound(t *testing.T) {
	h := newHarness(t)
	finder := &scriptedFinder{
		results: []search.Result{{Outcome: search.NotFound}},
		errs:    []error{nil},
	}

	result, err := h.orchestrator(t, finder).Run(context.Background(),
		[]models.Identifier{{Value: "0000000000000", Strategy: models.ExactCode}})
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	if result.NotFound != 1 {
		t.Fatalf("result = %+v, want one not-found", result)
	}
	if res, ok := h.st.Resolution("0000000000000"); !ok || res.Outcome != store.OutcomeNotFound {
		t.Fatalf("resolution = %+v ok=%t", res, ok)
	}
}

func TestRunHaltsWhenBackendsUnavailable(t *testing.T) {
	h := newHarness(t)
	finder := &scriptedFinder{
		results: []search.Result{{Outcome: search.AllBackendsUnavailable}},
		errs:    []error{nil},
	}

	result, err := h.orchestrator(t, finder).Run(context.Background(), []models.Identifier{
		{Value: "5028965808078", Strategy: models.ExactCode},
		{Value: "4034232323231", Strategy: models.ExactCode},
		{Value: "5055990000000", Strategy: models.ExactCode},
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	if !result.Halted {
		t.Fatalf("run should report halted")
	}
	if result.Processed != 1 || finder.calls != 1 {
		t.Fatalf("halt should stop before later identifiers: %+v calls=%d", result, finder.calls)
	}
	// The halted identifier keeps no resolution, so a later run retries it.
	if h.st.IsResolved("5028965808078") {
		t.Fatalf("halted identifier must stay unresolved")
	}
}

func TestRunFinderFailureLeavesUnresolved(t *testing.T) {
	h := newHarness(t)
	productURL := "https://www.argos.co.uk/product/9505051"
	h.transport.RegisterResponder("GET", productURL,
		httpmock.NewStringResponder(200, productPage))

	finder := &scriptedFinder{
		results: []search.Result{{}, {Outcome: search.Found, URL: productURL}},
		errs:    []error{search.ErrSearchFailed, nil},
	}

	result, err := h.orchestrator(t, finder).Run(context.Background(), []models.Identifier{
		{Value: "1111111111111", Strategy: models.ExactCode},
		{Value: "5028965808078", Strategy: models.ExactCode},
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	if result.Failed != 1 || result.Found != 1 {
		t.Fatalf("result = %+v, want one failed then one found", result)
	}
	if h.st.IsResolved("1111111111111") {
		t.Fatalf("failed identifier must stay unresolved for the next run")
	}
}

func TestRunSkipsRefetchWhenRecordExists(t *testing.T) {
	h := newHarness(t)
	productURL := "https://www.argos.co.uk/product/9505051"
	h.st.RecordSeenURL(productURL)
	if err := h.writer.Write(&models.ExtractedProduct{
		SourceIdentifier: "5028965808078",
		SourceURL:        productURL,
		Fields:           map[string]any{"productStore": map[string]any{}},
		Method:           models.MethodEmbeddedState,
		ScrapedAt:        time.Now().UTC(),
	}); err != nil {
		t.Fatalf("seed record: %v", err)
	}

	finder := &scriptedFinder{
		results: []search.Result{{Outcome: search.Found, URL: productURL}},
		errs:    []error{nil},
	}
	result, err := h.orchestrator(t, finder).Run(context.Background(),
		[]models.Identifier{{Value: "5028965808078", Strategy: models.ExactCode}})
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	if result.Found != 1 {
		t.Fatalf("result = %+v", result)
	}
	if got := h.transport.GetTotalCallCount(); got != 0 {
		t.Fatalf("existing record must not be refetched, got %d calls", got)
	}
	if res, ok := h.st.Resolution("5028965808078"); !ok || res.Outcome != store.OutcomeFound {
		t.Fatalf("resolution = %+v ok=%t", res, ok)
	}
}

func TestRunBadStatusCountsAsFailure(t *testing.T) {
	h := newHarness(t)
	productURL := "https://www.argos.co.uk/product/9505051"
	h.transport.RegisterResponder("GET", productURL,
		httpmock.NewStringResponder(500, "server error"))

	finder := &scriptedFinder{
		results: []search.Result{{Outcome: search.Found, URL: productURL}},
		errs:    []error{nil},
	}
	result, err := h.orchestrator(t, finder).Run(context.Background(),
		[]models.Identifier{{Value: "5028965808078", Strategy: models.ExactCode}})
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	if result.Failed != 1 || result.Found != 0 {
		t.Fatalf("result = %+v, want one failure", result)
	}
	if h.st.IsResolved("5028965808078") {
		t.Fatalf("failed scrape must not resolve the identifier")
	}
}

func TestRunStopsOnCancelledContext(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	finder := &scriptedFinder{}
	result, err := h.orchestrator(t, finder).Run(ctx, []models.Identifier{
		{Value: "5028965808078", Strategy: models.ExactCode},
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if result.Processed != 0 || finder.calls != 0 {
		t.Fatalf("cancelled run should process nothing: %+v", result)
	}
}
