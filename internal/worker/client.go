package worker

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/JakeFAU/taskbroker/internal/artifacts"
	"github.com/JakeFAU/taskbroker/internal/broker"
	"github.com/JakeFAU/taskbroker/internal/coordinator"
	"github.com/JakeFAU/taskbroker/internal/events"
)

// RobotsVariant is the variant of tasks that fetch a host's robots.txt.
const RobotsVariant = "robots"

// APIError is a failure envelope returned by the broker.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("broker returned %d %s: %s", e.Status, e.Code, e.Message)
}

// Unwrap maps the envelope code back to the broker sentinel so callers can
// use errors.Is.
func (e *APIError) Unwrap() error {
	switch e.Code {
	case "key_conflict":
		return broker.ErrKeyConflict
	case "acquired":
		return broker.ErrAlreadyAcquired
	case "not_found":
		return broker.ErrNotFound
	case "not_acquired":
		return broker.ErrNotAcquiredByCaller
	case "client_not_found":
		return broker.ErrClientNotFound
	case "invalid_request":
		return broker.ErrInvalidArgument
	}
	return nil
}

// Client talks to the broker's HTTP API.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

// NewClient builds a Client for baseURL. A nil httpClient uses a default
// without an overall timeout so event streams can stay open.
func NewClient(baseURL, apiKey string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		http:    httpClient,
	}
}

type envelope struct {
	OK    bool            `json:"ok"`
	Data  json.RawMessage `json:"data"`
	Error string          `json:"error"`
	Code  string          `json:"code"`
}

func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("build request %s %s: %w", method, path, err)
	}
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}
	return req, nil
}

func (c *Client) doJSON(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode %s body: %w", path, err)
		}
		body = bytes.NewReader(raw)
	}
	req, err := c.newRequest(ctx, method, path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close() //nolint:errcheck // read-only body

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return fmt.Errorf("%s %s: decode %d response: %w", req.Method, req.URL.Path, resp.StatusCode, err)
	}
	if !env.OK {
		return &APIError{Status: resp.StatusCode, Code: env.Code, Message: env.Error}
	}
	if out == nil || len(env.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return fmt.Errorf("%s %s: decode data: %w", req.Method, req.URL.Path, err)
	}
	return nil
}

// SyncClient registers or refreshes the worker.
func (c *Client) SyncClient(ctx context.Context, req coordinator.SyncRequest) (broker.Client, error) {
	var out broker.Client
	err := c.doJSON(ctx, http.MethodPost, "/api/clients/sync", req, &out)
	return out, err
}

// Pull asks the broker to push suggestions to idle workers.
func (c *Client) Pull(ctx context.Context, req coordinator.PullRequest) (coordinator.PullResult, error) {
	var out coordinator.PullResult
	err := c.doJSON(ctx, http.MethodPost, "/api/tasks/pull", req, &out)
	return out, err
}

// Acquire claims a task by id or, without one, the first available task of
// the variant.
func (c *Client) Acquire(ctx context.Context, req coordinator.AcquireRequest) (broker.Task, error) {
	var out broker.Task
	err := c.doJSON(ctx, http.MethodPost, "/api/tasks/acquire", req, &out)
	return out, err
}

// Complete reports a finished task.
func (c *Client) Complete(ctx context.Context, req coordinator.CompleteRequest) (broker.Task, error) {
	var out broker.Task
	err := c.doJSON(ctx, http.MethodPost, "/api/tasks/complete", req, &out)
	return out, err
}

// CreateTask submits a new task.
func (c *Client) CreateTask(ctx context.Context, req coordinator.CreateRequest) (broker.Task, error) {
	var out broker.Task
	err := c.doJSON(ctx, http.MethodPost, "/api/tasks/create", req, &out)
	return out, err
}

// RequestRobots queues a robots.txt fetch for host. A host that already has
// a task is not an error.
func (c *Client) RequestRobots(ctx context.Context, namespace, host string) error {
	data, err := json.Marshal(map[string]string{"host": host})
	if err != nil {
		return fmt.Errorf("encode robots data: %w", err)
	}
	_, err = c.CreateTask(ctx, coordinator.CreateRequest{
		Namespace: namespace,
		Key:       host,
		Variant:   RobotsVariant,
		Data:      data,
	})
	if errors.Is(err, broker.ErrKeyConflict) {
		return nil
	}
	return err
}

// PendingCount reads the broker's unassigned count for variant.
func (c *Client) PendingCount(ctx context.Context, variant string) (int64, error) {
	var out int64
	err := c.doJSON(ctx, http.MethodGet, "/api/cache_count/"+url.PathEscape(variant), nil, &out)
	return out, err
}

// ResyncAll recomputes every known counter for namespace.
func (c *Client) ResyncAll(ctx context.Context, namespace string) (map[string]int64, error) {
	var out map[string]int64
	err := c.doJSON(ctx, http.MethodPost, "/api/tasks/resync_known", map[string]string{"namespace": namespace}, &out)
	return out, err
}

// Upload stores body as a content-addressed artifact blob.
func (c *Client) Upload(ctx context.Context, contentType string, body []byte) (artifacts.Upload, error) {
	req, err := c.newRequest(ctx, http.MethodPost, "/api/artifacts/upload", bytes.NewReader(body))
	if err != nil {
		return artifacts.Upload{}, err
	}
	req.Header.Set("Content-Type", contentType)
	var out artifacts.Upload
	err = c.do(req, &out)
	return out, err
}

// RegisterArtifacts records uploaded blobs as artifacts in namespace.
func (c *Client) RegisterArtifacts(ctx context.Context, namespace string, items []artifacts.NewArtifact) ([]broker.Artifact, error) {
	path := "/api/artifacts/bulkcreate"
	if namespace != "" {
		path += "?namespace=" + url.QueryEscape(namespace)
	}
	var out []broker.Artifact
	err := c.doJSON(ctx, http.MethodPost, path, items, &out)
	return out, err
}

// Events opens clientID's event stream.
func (c *Client) Events(ctx context.Context, clientID string) (*EventStream, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/api/events/"+url.PathEscape(clientID), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("open event stream: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close() //nolint:errcheck // error path
		var env envelope
		if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
			return nil, fmt.Errorf("open event stream: unexpected status %d", resp.StatusCode)
		}
		return nil, &APIError{Status: resp.StatusCode, Code: env.Code, Message: env.Error}
	}
	return newEventStream(resp.Body), nil
}

// EventStream decodes server-sent events.
type EventStream struct {
	body    io.ReadCloser
	scanner *bufio.Scanner
}

const maxEventBytes = 4 << 20

func newEventStream(body io.ReadCloser) *EventStream {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64<<10), maxEventBytes)
	return &EventStream{body: body, scanner: scanner}
}

// Next blocks for the next event. It returns io.EOF when the server closes
// the stream.
func (s *EventStream) Next() (events.Envelope, error) {
	var data strings.Builder
	for s.scanner.Scan() {
		line := s.scanner.Text()
		switch {
		case line == "":
			if data.Len() == 0 {
				continue
			}
			var env events.Envelope
			if err := json.Unmarshal([]byte(data.String()), &env); err != nil {
				return events.Envelope{}, fmt.Errorf("decode event: %w", err)
			}
			return env, nil
		case strings.HasPrefix(line, ":"):
		case strings.HasPrefix(line, "data:"):
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
	}
	if err := s.scanner.Err(); err != nil {
		return events.Envelope{}, fmt.Errorf("read event stream: %w", err)
	}
	return events.Envelope{}, io.EOF
}

// Close releases the connection.
func (s *EventStream) Close() error {
	return s.body.Close()
}

// Age reports how long ago the broker stamped env.
func Age(env events.Envelope, now time.Time) time.Duration {
	return now.Sub(time.UnixMilli(env.Time))
}
