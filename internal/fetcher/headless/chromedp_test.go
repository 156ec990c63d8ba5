package headless

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/taskbroker/internal/fetcher"
)

func TestNewChromedpDefaults(t *testing.T) {
	t.Parallel()

	_, err := NewChromedp(Config{MaxParallel: -1})
	require.Error(t, err)

	f, err := NewChromedp(Config{MaxParallel: 2, ExecPath: "/opt/chrome/chrome"})
	require.NoError(t, err)
	defer f.Close()
	require.NotNil(t, f.tabs)
	require.Equal(t, defaultNavigationTimeout, f.cfg.NavigationTimeout)
	require.Equal(t, defaultSettleDelay, f.cfg.SettleDelay)

	unlimited, err := NewChromedp(Config{NavigationTimeout: time.Second})
	require.NoError(t, err)
	defer unlimited.Close()
	require.Nil(t, unlimited.tabs)
	require.Equal(t, time.Second, unlimited.cfg.NavigationTimeout)
}

func TestFetchWaitsForFreeTab(t *testing.T) {
	t.Parallel()

	f, err := NewChromedp(Config{MaxParallel: 1})
	require.NoError(t, err)
	defer f.Close()
	require.NoError(t, f.tabs.Acquire(context.Background(), 1))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = f.Fetch(ctx, fetcher.Request{URL: "https://example.com/"})
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestNetworkHeaderConversion(t *testing.T) {
	t.Parallel()

	src := http.Header{"X-Test": {"a", "b"}, "X-One": {"1"}, "X-Empty": {}}
	netHeaders := toNetworkHeaders(src)
	require.Equal(t, []string{"a", "b"}, netHeaders["X-Test"])
	require.Equal(t, "1", netHeaders["X-One"])
	require.NotContains(t, netHeaders, "X-Empty")

	back := fromNetworkHeaders(network.Headers{"X-Multi": []any{"x", 2}, "X-Num": 7, "X-Str": "s"})
	require.Equal(t, []string{"x", "2"}, back.Values("X-Multi"))
	require.Equal(t, "7", back.Get("X-Num"))
	require.Equal(t, "s", back.Get("X-Str"))
}

func TestDocumentTracker(t *testing.T) {
	t.Parallel()

	doc := &documentTracker{}
	doc.observe(&network.EventResponseReceived{
		Type: network.ResourceTypeDocument,
		Response: &network.Response{
			Status:  204,
			URL:     "https://example.com/rendered",
			Headers: network.Headers{"X-Request-ID": "abc", "Content-Type": "text/html"},
		},
	})
	doc.observe(&network.EventResponseReceived{
		Type:     network.ResourceTypeScript,
		Response: &network.Response{Status: 500, URL: "https://example.com/app.js"},
	})
	doc.observe("not an event")
	resp := doc.response("https://req", "")
	require.Equal(t, 204, resp.StatusCode)
	require.Equal(t, "abc", resp.Headers.Get("X-Request-ID"))
	require.Equal(t, "https://example.com/rendered", resp.URL)

	resp = (&documentTracker{}).response("https://req", "https://final")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "https://final", resp.URL)
	require.NotNil(t, resp.Headers)

	require.Equal(t, "https://req", (&documentTracker{}).response("https://req", "").URL)
}
