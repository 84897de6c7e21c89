// Package scheduler triggers scrape runs and summary refreshes on a timer.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron"

	"price-tracker/internal/logger"
	"price-tracker/internal/models"
	"price-tracker/internal/monitor"
	"price-tracker/internal/report"
)

// Scraper runs one scrape over a product list
type Scraper interface {
	RunScrape(ctx context.Context, products []models.Product) (*models.RunResult, error)
}

// Summarizer builds the summary view
type Summarizer interface {
	Summary(ctx context.Context, products []models.Product) ([]report.ProductSummary, error)
}

// ProductSource returns the current registry snapshot. It is called on every
// trigger so edits to the products file are picked up without a restart.
type ProductSource func() ([]models.Product, error)

type Config struct {
	ScrapeInterval  time.Duration
	InitialDelay    time.Duration
	RefreshInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.ScrapeInterval <= 0 {
		c.ScrapeInterval = 30 * time.Minute
	}
	if c.InitialDelay < 0 {
		c.InitialDelay = 0
	}
	if c.RefreshInterval <= 0 {
		c.RefreshInterval = time.Minute
	}
	return c
}

type Scheduler struct {
	scraper    Scraper
	summarizer Summarizer
	products   ProductSource
	cfg        Config
	log        *logger.Logger

	mu      sync.Mutex
	cron    *cron.Cron
	initial *time.Timer
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func New(scraper Scraper, summarizer Summarizer, products ProductSource, cfg Config, log *logger.Logger) *Scheduler {
	if log == nil {
		log = logger.Nop()
	}
	return &Scheduler{
		scraper:    scraper,
		summarizer: summarizer,
		products:   products,
		cfg:        cfg.withDefaults(),
		log:        log.With("component", "scheduler"),
	}
}

// Start registers the periodic jobs and arms the initial scrape. Jobs run
// until Stop is called or ctx is cancelled.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cron != nil {
		return errors.New("scheduler already started")
	}

	ctx, cancel := context.WithCancel(ctx)
	c := cron.New()
	if err := c.AddFunc(every(s.cfg.ScrapeInterval), func() { s.track(func() { s.ScrapeNow(ctx) }) }); err != nil {
		cancel()
		return fmt.Errorf("schedule scrape: %w", err)
	}
	if err := c.AddFunc(every(s.cfg.RefreshInterval), func() { s.track(func() { s.RefreshNow(ctx) }) }); err != nil {
		cancel()
		return fmt.Errorf("schedule refresh: %w", err)
	}
	c.Start()

	s.cron = c
	s.cancel = cancel
	s.initial = time.AfterFunc(s.cfg.InitialDelay, func() {
		s.track(func() {
			s.ScrapeNow(ctx)
			s.RefreshNow(ctx)
		})
	})

	s.log.Info("Scheduler started",
		"scrape_interval", s.cfg.ScrapeInterval.String(),
		"initial_delay", s.cfg.InitialDelay.String(),
		"refresh_interval", s.cfg.RefreshInterval.String(),
	)
	return nil
}

// Stop halts the timers, cancels in-flight jobs and waits for them to return
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.cron == nil {
		s.mu.Unlock()
		return
	}
	s.cron.Stop()
	s.initial.Stop()
	s.cancel()
	s.cron = nil
	s.mu.Unlock()

	s.wg.Wait()
	s.log.Info("Scheduler stopped")
}

// track runs job unless Stop has already begun
func (s *Scheduler) track(job func()) {
	s.mu.Lock()
	if s.cron == nil {
		s.mu.Unlock()
		return
	}
	s.wg.Add(1)
	s.mu.Unlock()
	defer s.wg.Done()
	job()
}

// ScrapeNow runs one silent scrape. A run already in progress is a benign
// skip and returns nil.
func (s *Scheduler) ScrapeNow(ctx context.Context) *models.RunResult {
	if ctx.Err() != nil {
		return nil
	}
	products, err := s.products()
	if err != nil {
		s.log.Error("Failed to load products for scheduled scrape", "error", err)
		return nil
	}
	result, err := s.scraper.RunScrape(ctx, products)
	if err != nil {
		if errors.Is(err, monitor.ErrAlreadyRunning) {
			s.log.Info("Scrape already in progress, skipping scheduled run")
			return nil
		}
		s.log.Error("Scheduled scrape failed", "error", err)
		return nil
	}

	if len(result.Failed) > 0 {
		s.log.Warn("Scheduled scrape finished with failures", "run_id", result.RunID, "failed", result.FailedNames())
	}
	return result
}

// RefreshNow rebuilds the summary without scraping and logs a digest of it
func (s *Scheduler) RefreshNow(ctx context.Context) []report.ProductSummary {
	if ctx.Err() != nil {
		return nil
	}
	products, err := s.products()
	if err != nil {
		s.log.Error("Failed to load products for summary refresh", "error", err)
		return nil
	}
	rows, err := s.summarizer.Summary(ctx, products)
	if err != nil {
		s.log.Error("Summary refresh failed", "error", err)
		return nil
	}

	d := Digest(rows)
	s.log.Info("Summary refreshed",
		"products", len(rows),
		"scraped", d.Scraped,
		"pending", d.Pending,
		"threshold_met", d.ThresholdMet,
	)
	return rows
}

// SummaryDigest counts summary rows by state
type SummaryDigest struct {
	Scraped      int
	Pending      int
	ThresholdMet int
}

func Digest(rows []report.ProductSummary) SummaryDigest {
	var d SummaryDigest
	for _, r := range rows {
		if r.Pending() {
			d.Pending++
			continue
		}
		d.Scraped++
		if r.ThresholdMet != nil && *r.ThresholdMet {
			d.ThresholdMet++
		}
	}
	return d
}

func every(d time.Duration) string {
	return "@every " + d.String()
}
