package fetcher

import (
	"context"
	"sync"
	"time"

	"github.com/chromedp/chromedp"
)

// BrowserFetcher renders pages in headless Chrome. One browser process is
// shared; every fetch opens its own tab.
type BrowserFetcher struct {
	allocCtx    context.Context
	cancelAlloc context.CancelFunc

	startOnce     sync.Once
	browserCtx    context.Context
	cancelBrowser context.CancelFunc
	startErr      error

	timeout time.Duration
	settle  time.Duration
}

// NewBrowserFetcher prepares an allocator; Chrome starts on the first fetch
func NewBrowserFetcher(userAgent string, timeout time.Duration) *BrowserFetcher {
	if userAgent == "" {
		userAgent = DefaultUserAgent
	}
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.UserAgent(userAgent),
		chromedp.WindowSize(1920, 1080),
	)
	allocCtx, cancel := chromedp.NewExecAllocator(context.Background(), opts...)
	if timeout <= 0 {
		timeout = 45 * time.Second
	}
	return &BrowserFetcher{
		allocCtx:    allocCtx,
		cancelAlloc: cancel,
		timeout:     timeout,
		settle:      2 * time.Second,
	}
}

func (b *BrowserFetcher) start() error {
	b.startOnce.Do(func() {
		b.browserCtx, b.cancelBrowser = chromedp.NewContext(b.allocCtx)
		// an empty Run launches the browser
		b.startErr = chromedp.Run(b.browserCtx)
	})
	return b.startErr
}

// Fetch implements Fetcher
func (b *BrowserFetcher) Fetch(ctx context.Context, url string) (string, error) {
	if err := b.start(); err != nil {
		return "", &FetchError{URL: url, Err: err}
	}

	tabCtx, cancelTab := chromedp.NewContext(b.browserCtx)
	defer cancelTab()
	tabCtx, cancelTimeout := context.WithTimeout(tabCtx, b.timeout)
	defer cancelTimeout()
	// the tab descends from the browser context, not from ctx
	stop := context.AfterFunc(ctx, cancelTab)
	defer stop()

	var html string
	err := chromedp.Run(tabCtx,
		chromedp.Navigate(url),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.Sleep(b.settle),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	)
	if err != nil {
		if ctx.Err() != nil {
			err = ctx.Err()
		}
		return "", &FetchError{URL: url, Err: err}
	}
	return html, nil
}

// Close shuts the browser down
func (b *BrowserFetcher) Close() error {
	if b.cancelBrowser != nil {
		b.cancelBrowser()
	}
	b.cancelAlloc()
	return nil
}
