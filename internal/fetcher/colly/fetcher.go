// Package collyfetcher implements fetcher.Fetcher using gocolly.
package collyfetcher

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/JakeFAU/taskbroker/internal/fetcher"
)

const defaultTimeout = 15 * time.Second

// Config controls collector behavior.
type Config struct {
	UserAgent string
	Timeout   time.Duration
}

// Fetcher implements fetcher.Fetcher using the Colly collector. Robots
// rules are enforced by the broker, so the collector never consults them.
// Non-2xx pages are returned as results, not errors.
type Fetcher struct {
	base *colly.Collector
}

// New builds a Fetcher. All fetches share one transport and connection pool.
func New(cfg Config) *Fetcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	opts := []colly.CollectorOption{
		colly.AllowURLRevisit(),
		colly.IgnoreRobotsTxt(),
		colly.ParseHTTPErrorResponse(),
	}
	if cfg.UserAgent != "" {
		opts = append(opts, colly.UserAgent(cfg.UserAgent))
	}
	c := colly.NewCollector(opts...)
	c.SetRequestTimeout(cfg.Timeout)
	c.WithTransport(newRobotsRetryTransport(newHTTPTransport()))
	return &Fetcher{base: c}
}

// Fetch executes a single HTTP GET bound to ctx.
func (f *Fetcher) Fetch(ctx context.Context, request fetcher.Request) (fetcher.Response, error) {
	c := f.base.Clone()
	c.Context = ctx
	v := &visit{request: request, start: time.Now()}
	c.OnRequest(v.onRequest)
	c.OnResponse(v.onResponse)
	c.OnError(v.onError)

	err := c.Visit(request.URL)
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fetcher.Response{}, fmt.Errorf("fetch %s canceled: %w", request.URL, ctxErr)
	}
	if err == nil {
		err = v.err
	}
	if err != nil {
		return fetcher.Response{}, fmt.Errorf("fetch %s: %w", request.URL, err)
	}
	if !v.done {
		return fetcher.Response{}, fmt.Errorf("fetch %s: %w", request.URL, errNoResponse)
	}
	return v.resp, nil
}

var errNoResponse = errors.New("no response received")

// visit collects the callbacks of one collector run.
type visit struct {
	request fetcher.Request
	start   time.Time
	resp    fetcher.Response
	done    bool
	err     error
}

func (v *visit) onRequest(r *colly.Request) {
	for key, values := range v.request.Headers {
		for _, value := range values {
			r.Headers.Add(key, value)
		}
	}
}

func (v *visit) onResponse(r *colly.Response) {
	v.done = true
	v.resp = fetcher.Response{
		URL:        r.Request.URL.String(),
		StatusCode: r.StatusCode,
		Headers:    r.Headers.Clone(),
		Body:       append([]byte(nil), r.Body...),
		Duration:   time.Since(v.start),
	}
}

func (v *visit) onError(_ *colly.Response, err error) {
	v.err = err
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
		MaxIdleConnsPerHost:   8,
		IdleConnTimeout:       90 * time.Second,
	}
}
