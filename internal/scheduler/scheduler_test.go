package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"price-tracker/internal/logger"
	"price-tracker/internal/models"
	"price-tracker/internal/monitor"
	"price-tracker/internal/report"
)

type fakeScraper struct {
	calls atomic.Int32
	err   error
	seen  chan []models.Product
}

func (f *fakeScraper) RunScrape(_ context.Context, products []models.Product) (*models.RunResult, error) {
	f.calls.Add(1)
	if f.seen != nil {
		select {
		case f.seen <- products:
		default:
		}
	}
	if f.err != nil {
		return nil, f.err
	}
	r := models.NewRunResult("run-1")
	for _, p := range products {
		r.Succeeded = append(r.Succeeded, p.Name)
	}
	return r, nil
}

type fakeSummarizer struct {
	mu    sync.Mutex
	calls int
}

func (f *fakeSummarizer) Summary(_ context.Context, products []models.Product) ([]report.ProductSummary, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	rows := make([]report.ProductSummary, 0, len(products))
	for _, p := range products {
		rows = append(rows, report.ProductSummary{Name: p.Name, Status: "pending"})
	}
	return rows, nil
}

func (f *fakeSummarizer) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func staticProducts() ([]models.Product, error) {
	return []models.Product{{
		Name:      "Widget",
		URL:       "https://www.amazon.in/dp/W",
		Platform:  models.PlatformAmazon,
		Threshold: decimal.NewFromInt(500),
	}}, nil
}

func TestScrapeNowSkipsWhenAlreadyRunning(t *testing.T) {
	sc := &fakeScraper{err: monitor.ErrAlreadyRunning}
	s := New(sc, &fakeSummarizer{}, staticProducts, Config{}, logger.Nop())

	if r := s.ScrapeNow(context.Background()); r != nil {
		t.Fatalf("expected nil result on skip, got %+v", r)
	}
	if sc.calls.Load() != 1 {
		t.Fatalf("scraper calls: %d", sc.calls.Load())
	}
}

func TestScrapeNowRecordsResult(t *testing.T) {
	s := New(&fakeScraper{}, &fakeSummarizer{}, staticProducts, Config{}, logger.Nop())
	r := s.ScrapeNow(context.Background())
	if r == nil || len(r.Succeeded) != 1 {
		t.Fatalf("unexpected result: %+v", r)
	}
}

func TestProductSourceError(t *testing.T) {
	sc := &fakeScraper{}
	sum := &fakeSummarizer{}
	broken := func() ([]models.Product, error) { return nil, errors.New("file gone") }
	s := New(sc, sum, broken, Config{}, logger.Nop())

	if s.ScrapeNow(context.Background()) != nil || s.RefreshNow(context.Background()) != nil {
		t.Fatal("expected nil results when products cannot be loaded")
	}
	if sc.calls.Load() != 0 || sum.count() != 0 {
		t.Fatal("nothing should run without a product list")
	}
}

func TestRefreshNowReturnsSummary(t *testing.T) {
	sum := &fakeSummarizer{}
	s := New(&fakeScraper{}, sum, staticProducts, Config{}, logger.Nop())
	rows := s.RefreshNow(context.Background())
	if len(rows) != 1 || sum.count() != 1 {
		t.Fatalf("refresh: rows=%v calls=%d", rows, sum.count())
	}
}

func TestInitialScrapeAfterDelay(t *testing.T) {
	sc := &fakeScraper{seen: make(chan []models.Product, 1)}
	sum := &fakeSummarizer{}
	s := New(sc, sum, staticProducts, Config{
		ScrapeInterval:  time.Hour,
		InitialDelay:    10 * time.Millisecond,
		RefreshInterval: time.Hour,
	}, logger.Nop())

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.Stop()

	select {
	case products := <-sc.seen:
		if len(products) != 1 || products[0].Name != "Widget" {
			t.Fatalf("initial scrape products: %+v", products)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("initial scrape never ran")
	}
}

func TestPeriodicRefresh(t *testing.T) {
	sum := &fakeSummarizer{}
	s := New(&fakeScraper{}, sum, staticProducts, Config{
		ScrapeInterval:  time.Hour,
		InitialDelay:    time.Hour,
		RefreshInterval: time.Second,
	}, logger.Nop())

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.Stop()

	deadline := time.Now().Add(5 * time.Second)
	for sum.count() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("summary was never refreshed")
		}
		time.Sleep(50 * time.Millisecond)
	}
}

func TestStartTwiceAndStopIdempotent(t *testing.T) {
	s := New(&fakeScraper{}, &fakeSummarizer{}, staticProducts, Config{InitialDelay: time.Hour}, logger.Nop())
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := s.Start(context.Background()); err == nil {
		t.Fatal("second Start should fail")
	}
	s.Stop()
	s.Stop()
}

func TestDigest(t *testing.T) {
	met, missed := true, false
	rows := []report.ProductSummary{
		{Name: "A", Status: "scraped", ThresholdMet: &met},
		{Name: "B", Status: "scraped", ThresholdMet: &missed},
		{Name: "C", Status: "pending"},
	}
	d := Digest(rows)
	if d.Scraped != 2 || d.Pending != 1 || d.ThresholdMet != 1 {
		t.Fatalf("digest: %+v", d)
	}
	if Digest(nil) != (SummaryDigest{}) {
		t.Fatal("empty summary should give a zero digest")
	}
}
