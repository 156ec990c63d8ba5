package collyfetcher

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/gocolly/colly/v2"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/taskbroker/internal/fetcher"
)

func TestFetcherFetchesPage(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.Header().Set("X-Trace-Echo", r.Header.Get("X-Trace"))
		_, _ = w.Write([]byte("<html>hi " + r.UserAgent() + "</html>"))
	}))
	defer srv.Close()

	f := New(Config{UserAgent: "test-agent", Timeout: time.Second})
	resp, err := f.Fetch(context.Background(), fetcher.Request{
		URL:     srv.URL + "/page",
		Headers: http.Header{"X-Trace": {"yes"}},
	})
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "<html>hi test-agent</html>", string(resp.Body))
	require.Equal(t, "yes", resp.Headers.Get("X-Trace-Echo"))
	require.Equal(t, "text/html", resp.ContentType())
	require.False(t, resp.UsedHeadless)
}

func TestFetcherCanceledContext(t *testing.T) {
	t.Parallel()

	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		<-block
	}))
	defer srv.Close()
	defer close(block)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := New(Config{Timeout: 5 * time.Second}).Fetch(ctx, fetcher.Request{URL: srv.URL})
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestFetcherReturnsErrorPages(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/robots.txt" {
			t.Errorf("collector must not request robots.txt")
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("busy"))
	}))
	defer srv.Close()

	resp, err := New(Config{}).Fetch(context.Background(), fetcher.Request{URL: srv.URL + "/down"})
	require.NoError(t, err)
	require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	require.Equal(t, "busy", string(resp.Body))
}

func TestFetcherConnectionError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.NotFoundHandler())
	addr := srv.URL
	srv.Close()

	_, err := New(Config{Timeout: time.Second}).Fetch(context.Background(), fetcher.Request{URL: addr})
	require.Error(t, err)
}

func TestVisitCallbacks(t *testing.T) {
	t.Parallel()

	v := &visit{
		request: fetcher.Request{URL: "https://example.com", Headers: http.Header{"X-Trace": {"yes"}}},
		start:   time.Now(),
	}
	collyReq := &colly.Request{Headers: &http.Header{}}
	v.onRequest(collyReq)
	require.Equal(t, "yes", collyReq.Headers.Get("X-Trace"))

	u, err := url.Parse("https://example.com")
	require.NoError(t, err)
	body := []byte("body")
	v.onResponse(&colly.Response{
		StatusCode: http.StatusCreated,
		Body:       body,
		Headers:    &http.Header{"X-Resp": {"ok"}},
		Request:    &colly.Request{URL: u},
	})
	body[0] = 'B'
	require.True(t, v.done)
	require.Equal(t, http.StatusCreated, v.resp.StatusCode)
	require.Equal(t, "body", string(v.resp.Body))
	require.Equal(t, "ok", v.resp.Headers.Get("X-Resp"))

	v.onError(nil, errors.New("boom"))
	require.EqualError(t, v.err, "boom")
}
