package monitor

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/shopspring/decimal"

	"price-tracker/internal/database"
	"price-tracker/internal/fetcher"
	"price-tracker/internal/logger"
	"price-tracker/internal/models"
	"price-tracker/internal/runlock"
	"price-tracker/internal/scraper"
)

func flipkartPage(current, original string) string {
	page := fmt.Sprintf(`<html><body><div class="Nx9bqj">₹%s</div>`, current)
	if original != "" {
		page += fmt.Sprintf(`<div class="yRaY8j">₹%s</div>`, original)
	}
	return page + `</body></html>`
}

type fakeFetcher struct {
	mu    sync.Mutex
	calls map[string]int
	fn    func(ctx context.Context, url string, call int) (string, error)
}

func (f *fakeFetcher) Fetch(ctx context.Context, url string) (string, error) {
	f.mu.Lock()
	if f.calls == nil {
		f.calls = make(map[string]int)
	}
	f.calls[url]++
	call := f.calls[url]
	f.mu.Unlock()
	return f.fn(ctx, url, call)
}

func (f *fakeFetcher) callCount(url string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[url]
}

type recordingTransport struct {
	mu       sync.Mutex
	subjects []string
}

func (r *recordingTransport) Send(ctx context.Context, recipient, subject, body string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.subjects = append(r.subjects, subject)
	return nil
}

func (r *recordingTransport) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.subjects)
}

func product(name string, threshold int64) models.Product {
	return models.Product{
		Name:      models.ProductName(name),
		URL:       "https://www.flipkart.com/p/" + name,
		Platform:  models.PlatformFlipkart,
		Threshold: decimal.NewFromInt(threshold),
	}
}

type harness struct {
	monitor   *Monitor
	store     *database.DB
	fetcher   *fakeFetcher
	transport *recordingTransport
}

func newHarness(t *testing.T, cfg Config, fn func(ctx context.Context, url string, call int) (string, error)) *harness {
	t.Helper()
	store, err := database.New(database.DriverSQLite3, filepath.Join(t.TempDir(), "history.db"))
	if err != nil {
		t.Fatalf("database.New: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	f := &fakeFetcher{fn: fn}
	tr := &recordingTransport{}
	m := New(store, scraper.NewRegistry(), f, runlock.NewMemoryLocker(), tr, cfg, logger.Nop())
	m.newBackOff = func() backoff.BackOff { return backoff.NewConstantBackOff(time.Millisecond) }
	return &harness{monitor: m, store: store, fetcher: f, transport: tr}
}

func TestRunScrapeIsolatesFailures(t *testing.T) {
	h := newHarness(t, Config{Concurrency: 3}, func(ctx context.Context, url string, call int) (string, error) {
		if url == "https://www.flipkart.com/p/B" {
			return `<html><body><p>We are redesigning this page</p></body></html>`, nil
		}
		return flipkartPage("450", "600"), nil
	})

	res, err := h.monitor.RunScrape(context.Background(), []models.Product{product("A", 500), product("B", 500), product("C", 500)})
	if err != nil {
		t.Fatalf("RunScrape: %v", err)
	}
	if len(res.Succeeded) != 2 || res.Succeeded[0] != "A" || res.Succeeded[1] != "C" {
		t.Fatalf("succeeded: want [A C], got %v", res.Succeeded)
	}
	if len(res.Failed) != 1 || res.Failed["B"] != models.KindExtractionFailed {
		t.Fatalf("failed: want {B: ExtractionFailed}, got %v", res.Failed)
	}
	if len(res.Reports) != 3 || res.Reports[1].Outcome != models.OutcomeFailed {
		t.Fatalf("reports: %+v", res.Reports)
	}
	if _, err := h.store.Latest(context.Background(), "B"); !errors.Is(err, database.ErrNotFound) {
		t.Fatalf("failed product must not be stored, got %v", err)
	}
}

func TestRunScrapeRejectsConcurrentTrigger(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	h := newHarness(t, Config{Concurrency: 1}, func(ctx context.Context, url string, call int) (string, error) {
		once.Do(func() { close(started) })
		select {
		case <-release:
		case <-ctx.Done():
			return "", ctx.Err()
		}
		return flipkartPage("450", "600"), nil
	})

	done := make(chan *models.RunResult, 1)
	go func() {
		res, err := h.monitor.RunScrape(context.Background(), []models.Product{product("Slow", 500)})
		if err != nil {
			t.Errorf("first RunScrape: %v", err)
		}
		done <- res
	}()

	<-started
	if _, err := h.monitor.RunScrape(context.Background(), []models.Product{product("Other", 500)}); !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("want ErrAlreadyRunning, got %v", err)
	}
	if h.fetcher.callCount("https://www.flipkart.com/p/Other") != 0 {
		t.Fatal("rejected run fetched a product")
	}
	close(release)

	res := <-done
	if res == nil || len(res.Succeeded) != 1 {
		t.Fatalf("first run result: %+v", res)
	}

	// the lock is released once the run completes
	if _, err := h.monitor.RunScrape(context.Background(), []models.Product{product("Other", 500)}); err != nil {
		t.Fatalf("RunScrape after completion: %v", err)
	}
}

func TestRunScrapeTimesOutSlowProducts(t *testing.T) {
	h := newHarness(t, Config{Concurrency: 3, RunTimeout: 150 * time.Millisecond}, func(ctx context.Context, url string, call int) (string, error) {
		if url == "https://www.flipkart.com/p/Stuck" {
			<-ctx.Done()
			return "", &fetcher.FetchError{URL: url, Err: ctx.Err()}
		}
		return flipkartPage("100", ""), nil
	})

	start := time.Now()
	res, err := h.monitor.RunScrape(context.Background(), []models.Product{product("A", 500), product("Stuck", 500), product("C", 500)})
	if err != nil {
		t.Fatalf("RunScrape: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Fatalf("run did not honour its deadline: %v", elapsed)
	}
	if res.Failed["Stuck"] != models.KindTimeout {
		t.Fatalf("want Stuck: Timeout, got %v", res.Failed)
	}
	if len(res.Succeeded) != 2 {
		t.Fatalf("succeeded: %v", res.Succeeded)
	}
}

func TestRunScrapeEndToEndWidget(t *testing.T) {
	day := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	price := "600"
	h := newHarness(t, Config{}, func(ctx context.Context, url string, call int) (string, error) {
		return flipkartPage(price, "600"), nil
	})
	h.monitor.now = func() time.Time { return day }
	widget := []models.Product{product("Widget", 500)}

	res, err := h.monitor.RunScrape(context.Background(), widget)
	if err != nil {
		t.Fatalf("day 1: %v", err)
	}
	r := res.Reports[0]
	if r.Discount != "0.0%" || r.PriceChange != "n/a" || r.ThresholdStatus != "above threshold by 100.00" {
		t.Fatalf("day 1 report: %+v", r)
	}
	if len(res.Notified) != 0 || h.transport.count() != 0 {
		t.Fatalf("day 1 must not notify: %v", res.Notified)
	}

	day = day.Add(24 * time.Hour)
	price = "450"
	res, err = h.monitor.RunScrape(context.Background(), widget)
	if err != nil {
		t.Fatalf("day 2: %v", err)
	}
	r = res.Reports[0]
	if r.CurrentPrice != "450.00" || r.Discount != "25.0%" || r.PriceChange != "-25.00%" || r.ThresholdStatus != "threshold met" {
		t.Fatalf("day 2 report: %+v", r)
	}
	if len(res.Notified) != 1 || h.transport.count() != 1 {
		t.Fatalf("day 2 must notify exactly once: notified=%v sent=%d", res.Notified, h.transport.count())
	}

	history, err := h.store.History(context.Background(), "Widget", 10)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(history) != 2 || !history[0].CurrentPrice.Equal(decimal.NewFromInt(450)) {
		t.Fatalf("history: %+v", history)
	}
}

func TestRunScrapeDuplicateTimestampIsSkipped(t *testing.T) {
	fixed := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	h := newHarness(t, Config{}, func(ctx context.Context, url string, call int) (string, error) {
		return flipkartPage("450", "600"), nil
	})
	h.monitor.now = func() time.Time { return fixed }
	widget := []models.Product{product("Widget", 500)}

	if _, err := h.monitor.RunScrape(context.Background(), widget); err != nil {
		t.Fatalf("first run: %v", err)
	}
	res, err := h.monitor.RunScrape(context.Background(), widget)
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if len(res.Skipped) != 1 || len(res.Failed) != 0 || len(res.Succeeded) != 0 {
		t.Fatalf("want Widget skipped, got %+v", res)
	}
	if h.transport.count() != 1 {
		t.Fatalf("skipped observation must not notify again, sent=%d", h.transport.count())
	}
}

func TestRunScrapeRetriesRetryableFetchErrors(t *testing.T) {
	h := newHarness(t, Config{FetchRetries: 2}, func(ctx context.Context, url string, call int) (string, error) {
		switch {
		case url == "https://www.flipkart.com/p/Gone":
			return "", &fetcher.FetchError{URL: url, StatusCode: 404, Err: errors.New("Not Found")}
		case call == 1:
			return "", &fetcher.FetchError{URL: url, StatusCode: 503, Err: errors.New("Service Unavailable")}
		}
		return flipkartPage("100", ""), nil
	})

	res, err := h.monitor.RunScrape(context.Background(), []models.Product{product("Flaky", 500), product("Gone", 500)})
	if err != nil {
		t.Fatalf("RunScrape: %v", err)
	}
	if len(res.Succeeded) != 1 || res.Succeeded[0] != "Flaky" {
		t.Fatalf("succeeded: %v", res.Succeeded)
	}
	if got := h.fetcher.callCount("https://www.flipkart.com/p/Flaky"); got != 2 {
		t.Fatalf("Flaky fetches: want 2, got %d", got)
	}
	if res.Failed["Gone"] != models.KindFetchError {
		t.Fatalf("Gone: want FetchError, got %v", res.Failed)
	}
	if got := h.fetcher.callCount("https://www.flipkart.com/p/Gone"); got != 1 {
		t.Fatalf("404 must not be retried, got %d fetches", got)
	}
}

type panickyExtractor struct{}

func (panickyExtractor) Platform() models.Platform { return "panicky" }
func (panickyExtractor) Extract(string) (scraper.Prices, error) {
	panic("selector blew up")
}

func TestRunScrapeRecoversPanicsAndUnknownPlatforms(t *testing.T) {
	h := newHarness(t, Config{}, func(ctx context.Context, url string, call int) (string, error) {
		return flipkartPage("100", ""), nil
	})
	h.monitor.extractors.Register(panickyExtractor{})

	boom := product("Boom", 500)
	boom.Platform = "panicky"
	unknown := product("Unknown", 500)
	unknown.Platform = "ebay"

	res, err := h.monitor.RunScrape(context.Background(), []models.Product{boom, unknown, product("Fine", 500)})
	if err != nil {
		t.Fatalf("RunScrape: %v", err)
	}
	if res.Failed["Boom"] != models.KindExtractionFailed {
		t.Fatalf("Boom: %v", res.Failed)
	}
	if res.Failed["Unknown"] != models.KindUnsupportedPlatform {
		t.Fatalf("Unknown: %v", res.Failed)
	}
	if h.fetcher.callCount(unknown.URL) != 0 {
		t.Fatal("unsupported platform should not be fetched")
	}
	if len(res.Succeeded) != 1 || res.Succeeded[0] != "Fine" {
		t.Fatalf("succeeded: %v", res.Succeeded)
	}
}

func TestRunScrapeFirstDuplicateNameWins(t *testing.T) {
	h := newHarness(t, Config{}, func(ctx context.Context, url string, call int) (string, error) {
		return flipkartPage("100", ""), nil
	})
	first := product("Widget", 500)
	second := product("Widget", 500)
	second.URL = "https://www.flipkart.com/p/other-widget"

	res, err := h.monitor.RunScrape(context.Background(), []models.Product{first, second})
	if err != nil {
		t.Fatalf("RunScrape: %v", err)
	}
	if res.Total() != 1 {
		t.Fatalf("want one processed product, got %+v", res)
	}
	if h.fetcher.callCount(second.URL) != 0 {
		t.Fatal("duplicate product was fetched")
	}
}

func TestRunScrapeSpacesFetchesPerPlatform(t *testing.T) {
	var mu sync.Mutex
	var starts []time.Time
	h := newHarness(t, Config{Concurrency: 2, PlatformDelay: 80 * time.Millisecond}, func(ctx context.Context, url string, call int) (string, error) {
		mu.Lock()
		starts = append(starts, time.Now())
		mu.Unlock()
		return flipkartPage("100", ""), nil
	})

	if _, err := h.monitor.RunScrape(context.Background(), []models.Product{product("A", 500), product("B", 500)}); err != nil {
		t.Fatalf("RunScrape: %v", err)
	}
	if len(starts) != 2 {
		t.Fatalf("want 2 fetches, got %d", len(starts))
	}
	gap := starts[1].Sub(starts[0])
	if gap < 0 {
		gap = -gap
	}
	if gap < 60*time.Millisecond {
		t.Fatalf("fetches to one platform only %v apart", gap)
	}
}

func TestRunScrapeDeadlineWithFetcherIgnoringContext(t *testing.T) {
	hold := make(chan struct{})
	t.Cleanup(func() { close(hold) })
	h := newHarness(t, Config{RunTimeout: 100 * time.Millisecond}, func(ctx context.Context, url string, call int) (string, error) {
		if url == "https://www.flipkart.com/p/Slow" {
			<-hold
		}
		return flipkartPage("100", ""), nil
	})

	start := time.Now()
	res, err := h.monitor.RunScrape(context.Background(), []models.Product{product("Slow", 500), product("Quick", 500)})
	if err != nil {
		t.Fatalf("RunScrape: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("run waited on a fetcher that ignores its context: %v", elapsed)
	}
	if res.Failed["Slow"] != models.KindTimeout {
		t.Fatalf("want Slow: Timeout, got failed=%v succeeded=%v", res.Failed, res.Succeeded)
	}
	if len(res.Succeeded) != 1 || res.Succeeded[0] != "Quick" {
		t.Fatalf("succeeded: %v", res.Succeeded)
	}
	if _, err := h.store.Latest(context.Background(), "Slow"); !errors.Is(err, database.ErrNotFound) {
		t.Fatalf("timed out product must not be stored, got %v", err)
	}
}

type panickingTransport struct{}

func (panickingTransport) Send(context.Context, string, string, string) error {
	panic("transport exploded")
}

func TestRunScrapeNotificationPanicKeepsSuccess(t *testing.T) {
	h := newHarness(t, Config{}, func(ctx context.Context, url string, call int) (string, error) {
		return flipkartPage("450", "600"), nil
	})
	h.monitor.transport = panickingTransport{}

	res, err := h.monitor.RunScrape(context.Background(), []models.Product{product("Widget", 500)})
	if err != nil {
		t.Fatalf("RunScrape: %v", err)
	}
	if len(res.Failed) != 0 || len(res.Succeeded) != 1 {
		t.Fatalf("want Widget succeeded, got failed=%v succeeded=%v", res.Failed, res.Succeeded)
	}
	if res.Reports[0].Notified || len(res.Notified) != 0 {
		t.Fatalf("a panicking transport cannot count as notified: %+v", res.Reports[0])
	}
	if _, err := h.store.Latest(context.Background(), "Widget"); err != nil {
		t.Fatalf("observation should be stored: %v", err)
	}
}

func TestRunScrapeRejectsInvalidProducts(t *testing.T) {
	h := newHarness(t, Config{}, func(ctx context.Context, url string, call int) (string, error) {
		return flipkartPage("100", ""), nil
	})
	noURL := product("NoURL", 500)
	noURL.URL = ""
	free := product("Free", 0)

	res, err := h.monitor.RunScrape(context.Background(), []models.Product{noURL, free, product("Fine", 500)})
	if err != nil {
		t.Fatalf("RunScrape: %v", err)
	}
	if res.Failed["NoURL"] != models.KindInvalidProduct || res.Failed["Free"] != models.KindInvalidProduct {
		t.Fatalf("failed: %v", res.Failed)
	}
	if h.fetcher.callCount(free.URL) != 0 {
		t.Fatal("invalid product should not be fetched")
	}
	if len(res.Succeeded) != 1 || res.Succeeded[0] != "Fine" {
		t.Fatalf("succeeded: %v", res.Succeeded)
	}
}
