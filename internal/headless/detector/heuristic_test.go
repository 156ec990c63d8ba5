package detector

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/taskbroker/internal/fetcher"
)

func TestHeuristicShouldPromote(t *testing.T) {
	t.Parallel()

	html := http.Header{"Content-Type": {"text/html; charset=utf-8"}}
	tests := []struct {
		name      string
		threshold int
		resp      fetcher.Response
		want      bool
	}{
		{
			name:      "empty body",
			threshold: 100,
			resp:      fetcher.Response{StatusCode: 200, Headers: html},
			want:      true,
		},
		{
			name:      "spa marker",
			threshold: 100,
			resp:      fetcher.Response{StatusCode: 200, Headers: html, Body: []byte(`<div id="__next"></div>`)},
			want:      true,
		},
		{
			name:      "noscript notice",
			threshold: 10,
			resp:      fetcher.Response{StatusCode: 200, Body: []byte(`<noscript>Please enable JavaScript to continue</noscript>`)},
			want:      true,
		},
		{
			name:      "script density",
			threshold: 1000,
			resp:      fetcher.Response{StatusCode: 200, Headers: html, Body: []byte(`<html><script>var a=1;</script><p>t</p></html>`)},
			want:      true,
		},
		{
			name:      "plain page",
			threshold: 10,
			resp:      fetcher.Response{StatusCode: 200, Headers: html, Body: []byte(`<html><p>static content here</p></html>`)},
		},
		{
			name:      "non 200",
			threshold: 100,
			resp:      fetcher.Response{StatusCode: 404, Body: []byte("not found")},
		},
		{
			name:      "not html",
			threshold: 100,
			resp:      fetcher.Response{StatusCode: 200, Headers: http.Header{"Content-Type": {"application/json"}}},
		},
		{
			name:      "already headless",
			threshold: 100,
			resp:      fetcher.Response{StatusCode: 200, UsedHeadless: true},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tt.want, NewHeuristic(tt.threshold).ShouldPromote(tt.resp))
		})
	}
}

func TestNewHeuristicDefaultThreshold(t *testing.T) {
	t.Parallel()
	require.Equal(t, 2048, NewHeuristic(0).BodyLengthThreshold)
}
