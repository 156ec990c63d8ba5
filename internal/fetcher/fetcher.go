// Package fetcher defines the page fetch contract shared by the worker's
// HTTP and headless fetchers.
package fetcher

import (
	"context"
	"net/http"
	"time"
)

// Request describes one page to fetch.
type Request struct {
	URL     string
	Headers http.Header
}

// Response is the outcome of a fetch.
type Response struct {
	URL          string
	StatusCode   int
	Headers      http.Header
	Body         []byte
	Duration     time.Duration
	UsedHeadless bool
}

// ContentType returns the response media type, defaulting to HTML.
func (r Response) ContentType() string {
	if ct := r.Headers.Get("Content-Type"); ct != "" {
		return ct
	}
	return "text/html; charset=utf-8"
}

// Fetcher retrieves a single page.
type Fetcher interface {
	Fetch(ctx context.Context, req Request) (Response, error)
}

// Detector decides whether a plain HTTP response needs a headless re-fetch.
type Detector interface {
	ShouldPromote(resp Response) bool
}
