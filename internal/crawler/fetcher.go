package crawler

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gocolly/colly/v2"
	"golang.org/x/time/rate"
)

// FetcherConfig controls the upstream HTTP client.
type FetcherConfig struct {
	UserAgent string
	Referer   string
	Timeout   time.Duration
	// RatePerSecond bounds outbound requests against the reservation site;
	// zero disables limiting.
	RatePerSecond float64
	RateBurst     int
}

// Fetcher is a rate-limited HTTP client for the reservation site. It wraps a
// colly collector so listing pages and slot queries share one transport,
// user agent and referer.
type Fetcher struct {
	cfg           FetcherConfig
	limiter       *rate.Limiter
	baseCollector *colly.Collector
}

// NewFetcher builds a Fetcher.
func NewFetcher(cfg FetcherConfig) *Fetcher {
	if cfg.UserAgent == "" {
		cfg.UserAgent = "Mozilla/5.0"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	var limiter *rate.Limiter
	if cfg.RatePerSecond > 0 {
		burst := cfg.RateBurst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSecond), burst)
	}

	c := colly.NewCollector(colly.Async(false))
	c.IgnoreRobotsTxt = true
	c.UserAgent = cfg.UserAgent
	c.WithTransport(newHTTPTransport())

	return &Fetcher{
		cfg:           cfg,
		limiter:       limiter,
		baseCollector: c,
	}
}

// GetText fetches a listing page and returns its body as a string.
func (f *Fetcher) GetText(ctx context.Context, url string) (string, error) {
	body, err := f.visit(ctx, url, nil)
	if err != nil {
		return "", err
	}
	return string(body), nil
}

// PostForm sends a form-encoded POST (the per-date slot query) and returns
// the raw response body.
func (f *Fetcher) PostForm(ctx context.Context, url string, form map[string]string) ([]byte, error) {
	return f.visit(ctx, url, form)
}

// visit runs one request through a cloned collector. A nil form means GET.
func (f *Fetcher) visit(ctx context.Context, url string, form map[string]string) ([]byte, error) {
	if f.limiter != nil {
		if err := f.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("rate limit wait: %w", err)
		}
	}

	var (
		body     []byte
		status   int
		fetchErr error
	)
	collector := f.baseCollector.Clone()
	collector.SetRequestTimeout(f.cfg.Timeout)
	collector.OnRequest(func(r *colly.Request) {
		if f.cfg.Referer != "" {
			r.Headers.Set("Referer", f.cfg.Referer)
		}
	})
	collector.OnResponse(func(r *colly.Response) {
		status = r.StatusCode
		body = append([]byte(nil), r.Body...)
	})
	collector.OnError(func(r *colly.Response, err error) {
		if r != nil {
			status = r.StatusCode
		}
		fetchErr = err
	})

	done := make(chan error, 1)
	go func() {
		if form != nil {
			done <- collector.Post(url, form)
		} else {
			done <- collector.Visit(url)
		}
	}()

	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("fetch canceled: %w", ctx.Err())
	case err := <-done:
		if err != nil {
			return nil, fmt.Errorf("visit %s: %w", url, err)
		}
	}
	if fetchErr != nil {
		return nil, fmt.Errorf("fetch %s: status %d: %w", url, status, fetchErr)
	}
	return body, nil
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
