package main

import (
	"context"
	"fmt"

	"price-tracker/config"
	"price-tracker/internal/database"
	"price-tracker/internal/fetcher"
	"price-tracker/internal/logger"
	"price-tracker/internal/models"
	"price-tracker/internal/monitor"
	"price-tracker/internal/notifier"
	"price-tracker/internal/observability"
	"price-tracker/internal/registry"
	"price-tracker/internal/report"
	"price-tracker/internal/runlock"
	"price-tracker/internal/scraper"
)

// app holds the wired components for one command invocation
type app struct {
	cfg     *config.Config
	log     *logger.Logger
	store   database.Store
	report  *report.Service
	monitor *monitor.Monitor

	closers []func() error
}

func newApp(ctx context.Context, withMonitor bool) (*app, error) {
	loadedEnv := config.LoadDotEnv()
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	log, err := logger.New(cfg.LogMode)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}
	if !loadedEnv {
		log.Debug(".env file not found, using system environment")
	}

	a := &app{cfg: cfg, log: log}
	shutdown := observability.InitOTel(ctx, log, observability.OtelConfig{
		Enabled:     cfg.OtelEnabled,
		ServiceName: "price-tracker",
		Endpoint:    cfg.OtelEndpoint,
	})
	a.closers = append(a.closers, func() error { return shutdown(context.Background()) })

	store, err := database.Open(ctx, cfg.DBDriver, cfg.DBPath, cfg.DatabaseURL)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("open history store: %w", err)
	}
	a.store = store
	a.closers = append(a.closers, store.Close)
	a.report = report.New(store, log)

	if !withMonitor {
		return a, nil
	}

	f, err := a.newFetcher()
	if err != nil {
		a.Close()
		return nil, err
	}
	locker, err := a.newLocker()
	if err != nil {
		a.Close()
		return nil, err
	}
	transport, err := a.newTransport()
	if err != nil {
		a.Close()
		return nil, err
	}

	a.monitor = monitor.New(store, scraper.NewRegistry(), f, locker, transport, monitor.Config{
		Concurrency:   cfg.Concurrency,
		PlatformDelay: cfg.PlatformDelay,
		RunTimeout:    cfg.RunTimeout,
		LockTTL:       cfg.LockTTL,
		FetchRetries:  cfg.FetchRetries,
		Recipient:     cfg.NotifyRecipient,
	}, log)
	return a, nil
}

func (a *app) newFetcher() (fetcher.Fetcher, error) {
	switch a.cfg.Fetcher {
	case config.FetcherBrowser:
		b := fetcher.NewBrowserFetcher(a.cfg.UserAgent, a.cfg.FetchTimeout)
		a.closers = append(a.closers, b.Close)
		return b, nil
	case config.FetcherHTTP:
		return fetcher.NewHTTPFetcher(a.cfg.UserAgent, a.cfg.FetchTimeout), nil
	}
	return nil, fmt.Errorf("unknown fetcher %q", a.cfg.Fetcher)
}

func (a *app) newLocker() (runlock.Locker, error) {
	switch a.cfg.LockBackend {
	case config.LockRedis:
		r, err := runlock.NewRedisLocker(a.cfg.RedisAddr, a.cfg.RedisLockKey)
		if err != nil {
			return nil, fmt.Errorf("connect run lock: %w", err)
		}
		a.closers = append(a.closers, r.Close)
		return r, nil
	case config.LockMemory:
		return runlock.NewMemoryLocker(), nil
	}
	return nil, fmt.Errorf("unknown lock backend %q", a.cfg.LockBackend)
}

func (a *app) newTransport() (notifier.Transport, error) {
	switch a.cfg.NotifyTransport {
	case config.TransportTelegram:
		t, err := notifier.NewTelegramTransport(notifier.TelegramConfig{
			Token:  a.cfg.TelegramBotToken,
			ChatID: a.cfg.TelegramChatID,
		}, a.log)
		if err != nil {
			return nil, err
		}
		return t, nil
	case config.TransportEmail:
		t, err := notifier.NewSendGridTransport(notifier.SendGridConfig{
			APIKey:    a.cfg.SendGridAPIKey,
			BaseURL:   a.cfg.SendGridBaseURL,
			FromEmail: a.cfg.SendGridFrom,
			FromName:  a.cfg.SendGridFromName,
		}, a.log)
		if err != nil {
			return nil, err
		}
		return t, nil
	case config.TransportLog:
		return notifier.NewLogTransport(a.log), nil
	}
	return nil, fmt.Errorf("unknown notify transport %q", a.cfg.NotifyTransport)
}

func (a *app) products() ([]models.Product, error) {
	return registry.Load(a.cfg.ProductsFile, a.log)
}

// Close releases everything in reverse order of creation
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.log.Warn("Error during shutdown", "error", err)
		}
	}
	a.closers = nil
	a.log.Sync()
}
