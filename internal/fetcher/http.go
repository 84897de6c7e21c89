package fetcher

import (
	"context"
	"errors"
	"time"

	"github.com/gocolly/colly/v2"
)

// HTTPFetcher fetches pages with a plain GET through colly. Each call runs
// on a clone of a base collector so concurrent fetches never share callbacks.
type HTTPFetcher struct {
	base *colly.Collector
}

// NewHTTPFetcher configures the base collector
func NewHTTPFetcher(userAgent string, timeout time.Duration) *HTTPFetcher {
	if userAgent == "" {
		userAgent = DefaultUserAgent
	}
	c := colly.NewCollector(
		colly.UserAgent(userAgent),
		colly.AllowURLRevisit(),
	)
	// cookies from one product page leaking into another confuse some retailers
	c.DisableCookies()
	if timeout > 0 {
		c.SetRequestTimeout(timeout)
	}
	return &HTTPFetcher{base: c}
}

// Fetch implements Fetcher
func (f *HTTPFetcher) Fetch(ctx context.Context, url string) (string, error) {
	c := f.base.Clone()
	c.Context = ctx

	var (
		body     string
		fetchErr *FetchError
	)
	c.OnRequest(func(r *colly.Request) {
		r.Headers.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
		r.Headers.Set("Accept-Language", "en-IN,en;q=0.9,pt-BR;q=0.8")
	})
	c.OnResponse(func(r *colly.Response) {
		body = string(r.Body)
	})
	c.OnError(func(r *colly.Response, err error) {
		fetchErr = &FetchError{URL: url, StatusCode: r.StatusCode, Err: err}
	})

	if err := c.Visit(url); err != nil {
		if fetchErr != nil {
			return "", fetchErr
		}
		var fe *FetchError
		if errors.As(err, &fe) {
			return "", fe
		}
		return "", &FetchError{URL: url, Err: err}
	}
	c.Wait()

	if fetchErr != nil {
		return "", fetchErr
	}
	if body == "" {
		return "", &FetchError{URL: url, Err: errors.New("empty response body")}
	}
	return body, nil
}
