package monitor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"price-tracker/internal/database"
	"price-tracker/internal/evaluator"
	"price-tracker/internal/fetcher"
	"price-tracker/internal/logger"
	"price-tracker/internal/models"
	"price-tracker/internal/notifier"
	"price-tracker/internal/runlock"
	"price-tracker/internal/scraper"
)

// ErrAlreadyRunning rejects a trigger while another run holds the lock
var ErrAlreadyRunning = errors.New("scrape already running")

var errPoliteDelay = errors.New("platform delay would exceed run deadline")

// Config tunes a Monitor
type Config struct {
	// Concurrency bounds the number of products scraped at once
	Concurrency int
	// PlatformDelay is the minimum gap between fetches to the same platform
	PlatformDelay time.Duration
	RunTimeout    time.Duration
	// LockTTL must outlive RunTimeout
	LockTTL      time.Duration
	FetchRetries int
	// Recipient is handed to the notification transport
	Recipient string
}

func (c Config) withDefaults() Config {
	if c.Concurrency <= 0 {
		c.Concurrency = 3
	}
	if c.RunTimeout <= 0 {
		c.RunTimeout = 10 * time.Minute
	}
	if c.LockTTL < c.RunTimeout {
		c.LockTTL = c.RunTimeout + 5*time.Minute
	}
	if c.FetchRetries < 0 {
		c.FetchRetries = 0
	}
	return c
}

// Monitor coordinates scrape runs: fetch, extract, evaluate, persist and
// notify for every product, one product's failure never affecting another.
type Monitor struct {
	store      database.Store
	extractors *scraper.Registry
	fetcher    fetcher.Fetcher
	locker     runlock.Locker
	transport  notifier.Transport
	cfg        Config
	log        *logger.Logger
	tracer     trace.Tracer

	now        func() time.Time
	newBackOff func() backoff.BackOff

	limMu    sync.Mutex
	limiters map[models.Platform]*rate.Limiter
}

// New creates a Monitor. The locker decides the single-flight scope: one
// MemoryLocker per process, or a RedisLocker shared between processes.
func New(store database.Store, extractors *scraper.Registry, f fetcher.Fetcher, locker runlock.Locker,
	transport notifier.Transport, cfg Config, log *logger.Logger) *Monitor {
	if log == nil {
		log = logger.Nop()
	}
	return &Monitor{
		store:      store,
		extractors: extractors,
		fetcher:    f,
		locker:     locker,
		transport:  transport,
		cfg:        cfg.withDefaults(),
		log:        log.With("component", "monitor"),
		tracer:     otel.Tracer("price-tracker/monitor"),
		now:        time.Now,
		newBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 2 * time.Second
			b.MaxInterval = 30 * time.Second
			return b
		},
		limiters: make(map[models.Platform]*rate.Limiter),
	}
}

// RunScrape scrapes every product once. It returns ErrAlreadyRunning without
// side effects when another run is active; otherwise it always returns a
// result, with per-product failures collected in RunResult.Failed.
func (m *Monitor) RunScrape(ctx context.Context, products []models.Product) (*models.RunResult, error) {
	lease, err := m.locker.Acquire(ctx, m.cfg.LockTTL)
	if err != nil {
		if errors.Is(err, runlock.ErrHeld) {
			return nil, ErrAlreadyRunning
		}
		return nil, fmt.Errorf("acquire run lock: %w", err)
	}
	defer func() {
		if err := lease.Release(context.WithoutCancel(ctx)); err != nil {
			m.log.Error("Failed to release run lock", "run_id", lease.Token, "error", err)
		}
	}()

	result := models.NewRunResult(lease.Token)
	log := m.log.With("run_id", result.RunID)

	ctx, span := m.tracer.Start(ctx, "scrape.run", trace.WithAttributes(
		attribute.String("run.id", result.RunID),
		attribute.Int("run.products", len(products)),
	))
	defer span.End()

	runCtx, cancel := context.WithTimeout(ctx, m.cfg.RunTimeout)
	defer cancel()

	unique := dedupe(products, log)
	log.Info("Scrape run started", "products", len(unique), "concurrency", m.cfg.Concurrency)
	started := time.Now()

	gate := notifier.NewGate(m.transport, m.cfg.Recipient, m.log)
	reports := make([]models.ProductReport, len(unique))

	g := new(errgroup.Group)
	g.SetLimit(m.cfg.Concurrency)
	for i, p := range unique {
		g.Go(func() error {
			reports[i] = m.scrapeProduct(runCtx, gate, p, log)
			return nil
		})
	}
	// tasks never return errors; Wait is the completion barrier
	_ = g.Wait()

	for _, r := range reports {
		result.Reports = append(result.Reports, r)
		switch r.Outcome {
		case models.OutcomeSucceeded:
			result.Succeeded = append(result.Succeeded, r.Product)
		case models.OutcomeSkipped:
			result.Skipped = append(result.Skipped, r.Product)
		default:
			result.Failed[r.Product] = r.Error
		}
		if r.Notified {
			result.Notified = append(result.Notified, r.Product)
		}
	}

	span.SetAttributes(
		attribute.Int("run.succeeded", len(result.Succeeded)),
		attribute.Int("run.failed", len(result.Failed)),
	)
	log.Info("Scrape run finished",
		"succeeded", len(result.Succeeded),
		"failed", len(result.Failed),
		"skipped", len(result.Skipped),
		"notified", len(result.Notified),
		"duration", time.Since(started).String(),
	)
	return result, nil
}

// dedupe keeps the first product for each name
func dedupe(products []models.Product, log *logger.Logger) []models.Product {
	seen := make(map[models.ProductName]bool, len(products))
	out := make([]models.Product, 0, len(products))
	for _, p := range products {
		if seen[p.Name] {
			log.Warn("Duplicate product name ignored", "product", p.Name, "url", p.URL)
			continue
		}
		seen[p.Name] = true
		out = append(out, p)
	}
	return out
}

// scrapeProduct runs extract, evaluate, append and notify for one product.
// Every failure, including a panic, becomes a failed report.
func (m *Monitor) scrapeProduct(ctx context.Context, gate *notifier.Gate, p models.Product, runLog *logger.Logger) (report models.ProductReport) {
	log := runLog.With("product", p.Name, "platform", p.Platform)
	report = models.ProductReport{
		Product:   p.Name,
		Platform:  p.Platform,
		Threshold: p.Threshold.StringFixed(2),
	}

	ctx, span := m.tracer.Start(ctx, "scrape.product", trace.WithAttributes(
		attribute.String("product.name", string(p.Name)),
		attribute.String("product.platform", string(p.Platform)),
	))
	defer span.End()

	fail := func(kind models.ErrorKind, err error) models.ProductReport {
		span.RecordError(err)
		span.SetStatus(codes.Error, string(kind))
		log.Warn("Product failed", "kind", kind, "error", err)
		report.Outcome = models.OutcomeFailed
		report.Error = kind
		report.Detail = err.Error()
		return report
	}

	stage := models.KindFetchError
	defer func() {
		if r := recover(); r != nil {
			kind := models.KindStoreFailed
			if stage == models.KindExtractionFailed {
				kind = models.KindExtractionFailed
			}
			report = fail(kind, fmt.Errorf("panic: %v", r))
		}
	}()

	if err := p.Validate(); err != nil {
		return fail(models.KindInvalidProduct, err)
	}
	extractor, err := m.extractors.Get(p.Platform)
	if err != nil {
		return fail(models.KindUnsupportedPlatform, err)
	}
	if err := ctx.Err(); err != nil {
		return fail(models.KindTimeout, err)
	}

	raw, err := m.fetch(ctx, p, log)
	if err != nil {
		if ctx.Err() != nil || errors.Is(err, errPoliteDelay) || errors.Is(err, context.DeadlineExceeded) {
			return fail(models.KindTimeout, err)
		}
		return fail(models.KindFetchError, err)
	}
	// content that arrives after the deadline is discarded
	if err := ctx.Err(); err != nil {
		return fail(models.KindTimeout, err)
	}

	stage = models.KindExtractionFailed
	prices, err := extractor.Extract(raw)
	if err != nil {
		return fail(models.KindExtractionFailed, err)
	}

	stage = models.KindStoreFailed
	obs, err := models.NewObservation(p, prices.Current, prices.Original, m.now())
	if err != nil {
		return fail(models.KindInvalidObservation, err)
	}

	// the fetch is done; persistence finishes even if the deadline passes now
	storeCtx := context.WithoutCancel(ctx)

	var prior *models.Observation
	latest, err := m.store.Latest(storeCtx, p.Name)
	switch {
	case err == nil:
		prior = &latest
	case !errors.Is(err, database.ErrNotFound):
		return fail(models.KindStoreFailed, err)
	}

	ev := evaluator.Evaluate(obs, prior)
	report.CurrentPrice = obs.CurrentPrice.StringFixed(2)
	report.Discount = ev.DiscountString()
	report.PriceChange = ev.PriceChangeString()
	report.ThresholdStatus = ev.Status()

	if err := m.store.Append(storeCtx, obs); err != nil {
		if errors.Is(err, database.ErrDuplicateTimestamp) {
			log.Info("Observation already recorded, skipping", "observed_at", obs.ObservedAt)
			report.Outcome = models.OutcomeSkipped
			report.Detail = err.Error()
			return report
		}
		return fail(models.KindStoreFailed, err)
	}

	report.Outcome = models.OutcomeSucceeded
	report.Notified = m.notify(storeCtx, gate, obs, ev, log)

	span.SetAttributes(
		attribute.String("price.current", report.CurrentPrice),
		attribute.String("price.discount", report.Discount),
		attribute.Bool("threshold.met", ev.ThresholdMet),
	)
	log.Info("Product scraped",
		"price", report.CurrentPrice,
		"original", obs.OriginalPrice.StringFixed(2),
		"discount", report.Discount,
		"change", report.PriceChange,
		"status", report.ThresholdStatus,
	)
	return report
}

// notify runs after the observation is committed, so nothing it does can
// turn the product into a failure.
func (m *Monitor) notify(ctx context.Context, gate *notifier.Gate, obs models.Observation, ev evaluator.Evaluation, log *logger.Logger) (sent bool) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("Notification panicked", "panic", fmt.Sprint(r))
			sent = false
		}
	}()
	return gate.MaybeNotify(ctx, obs, ev)
}

// fetch waits for the platform's politeness slot and retries retryable
// fetch errors with exponential backoff inside the run deadline.
func (m *Monitor) fetch(ctx context.Context, p models.Product, log *logger.Logger) (string, error) {
	limiter := m.limiter(p.Platform)
	attempt := 0
	return backoff.Retry(ctx, func() (string, error) {
		attempt++
		if err := limiter.Wait(ctx); err != nil {
			return "", backoff.Permanent(fmt.Errorf("%w: %v", errPoliteDelay, err))
		}
		raw, err := m.fetchOnce(ctx, p.URL)
		if err == nil {
			return raw, nil
		}
		if ctx.Err() != nil {
			return "", backoff.Permanent(err)
		}
		var fe *fetcher.FetchError
		if errors.As(err, &fe) && !fe.Retryable() {
			return "", backoff.Permanent(err)
		}
		log.Debug("Fetch failed, retrying", "attempt", attempt, "error", err)
		return "", err
	},
		backoff.WithBackOff(m.newBackOff()),
		backoff.WithMaxTries(uint(m.cfg.FetchRetries+1)),
	)
}

type fetchResult struct {
	raw string
	err error
}

// fetchOnce bounds a single Fetch by ctx even when the fetcher ignores it.
// An abandoned fetch finishes in the background and its result is dropped.
func (m *Monitor) fetchOnce(ctx context.Context, url string) (string, error) {
	done := make(chan fetchResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fetchResult{err: fmt.Errorf("fetch panic: %v", r)}
			}
		}()
		raw, err := m.fetcher.Fetch(ctx, url)
		done <- fetchResult{raw: raw, err: err}
	}()
	select {
	case r := <-done:
		return r.raw, r.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (m *Monitor) limiter(p models.Platform) *rate.Limiter {
	m.limMu.Lock()
	defer m.limMu.Unlock()
	l, ok := m.limiters[p]
	if !ok {
		limit := rate.Inf
		if m.cfg.PlatformDelay > 0 {
			limit = rate.Every(m.cfg.PlatformDelay)
		}
		l = rate.NewLimiter(limit, 1)
		m.limiters[p] = l
	}
	return l
}
