// Package robots evaluates stored robots.txt policies.
package robots

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/temoto/robotstxt"
)

// ErrURLNotOnHost is returned when the URL being checked resolves to a
// different host than the policy's.
var ErrURLNotOnHost = errors.New("url is not on host supplied as parameter")

// Decision is the outcome of a policy check.
type Decision struct {
	// Delay is the crawl delay in seconds for the matched group.
	Delay    float64  `json:"delay"`
	Sitemaps []string `json:"sitemaps"`
	// Allowed is nil when no URL was checked.
	Allowed *bool `json:"allowed,omitempty"`
}

// Check parses body as host's robots.txt and evaluates it for userAgent.
// When rawURL is non-empty it is resolved against http://host and tested.
func Check(body []byte, host, userAgent, rawURL string) (Decision, error) {
	data, err := robotstxt.FromBytes(body)
	if err != nil {
		return Decision{}, fmt.Errorf("parse robots.txt: %w", err)
	}
	group := data.FindGroup(userAgent)

	out := Decision{Sitemaps: data.Sitemaps}
	if out.Sitemaps == nil {
		out.Sitemaps = []string{}
	}
	if group != nil {
		out.Delay = group.CrawlDelay.Seconds()
	}
	if rawURL == "" {
		return out, nil
	}

	base := &url.URL{Scheme: "http", Host: host, Path: "/"}
	ref, err := url.Parse(rawURL)
	if err != nil {
		return Decision{}, fmt.Errorf("parse url: %w", err)
	}
	target := base.ResolveReference(ref)
	if !strings.EqualFold(target.Host, host) {
		return Decision{}, ErrURLNotOnHost
	}
	path := target.EscapedPath()
	if path == "" {
		path = "/"
	}
	if target.RawQuery != "" {
		path += "?" + target.RawQuery
	}
	allowed := group == nil || group.Test(path)
	out.Allowed = &allowed
	return out, nil
}
