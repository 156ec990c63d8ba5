package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/taskbroker/internal/artifacts"
	"github.com/JakeFAU/taskbroker/internal/broker"
	"github.com/JakeFAU/taskbroker/internal/fetcher"
)

// ArtifactTypePage marks stored page bodies.
const ArtifactTypePage = "page"

// allowAllRobots is stored for hosts whose robots.txt is missing, which
// robots semantics treat as unrestricted.
const allowAllRobots = "User-agent: *\nAllow: /\n"

// ArtifactAPI stores fetched bodies with the broker.
type ArtifactAPI interface {
	Upload(ctx context.Context, contentType string, body []byte) (artifacts.Upload, error)
	RegisterArtifacts(ctx context.Context, namespace string, items []artifacts.NewArtifact) ([]broker.Artifact, error)
}

// Limiter paces fetches per host.
type Limiter interface {
	Wait(ctx context.Context, rawURL string) error
}

// FetchConfig wires the fetch handler.
type FetchConfig struct {
	Artifacts ArtifactAPI
	// Primary fetches every page. Headless, when set with a Detector,
	// re-fetches pages the detector flags.
	Primary  fetcher.Fetcher
	Headless fetcher.Fetcher
	Detector fetcher.Detector
	Limiter  Limiter
	Logger   *zap.Logger
}

// FetchHandler downloads a task's URL and stores the body as an artifact.
// Tasks that name a host instead fetch and store that host's robots.txt.
type FetchHandler struct {
	cfg    FetchConfig
	logger *zap.Logger
}

// NewFetchHandler builds a FetchHandler.
func NewFetchHandler(cfg FetchConfig) *FetchHandler {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FetchHandler{cfg: cfg, logger: logger}
}

type taskData struct {
	URL     string            `json:"url"`
	Host    string            `json:"host"`
	Headers map[string]string `json:"headers"`
}

// Handle implements Handler.
func (h *FetchHandler) Handle(ctx context.Context, task broker.Task) error {
	var data taskData
	if len(task.Data) > 0 && string(task.Data) != "null" {
		if err := json.Unmarshal(task.Data, &data); err != nil {
			return fmt.Errorf("decode task data: %w", err)
		}
	}
	if data.Host != "" || task.Variant == RobotsVariant {
		host := data.Host
		if host == "" {
			host = task.Key
		}
		return h.fetchRobots(ctx, task, host)
	}
	target := data.URL
	if target == "" {
		target = task.Key
	}
	if u, err := url.Parse(target); err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("task %s has no fetchable url %q", task.ID, target)
	}
	headers := http.Header{}
	for k, v := range data.Headers {
		headers.Set(k, v)
	}
	resp, err := h.fetchPage(ctx, fetcher.Request{URL: target, Headers: headers})
	if err != nil {
		return err
	}
	if resp.StatusCode >= http.StatusInternalServerError {
		return fmt.Errorf("fetch %s: server returned %d", target, resp.StatusCode)
	}
	return h.store(ctx, task, resp.URL, ArtifactTypePage, resp.ContentType(), resp.Body,
		fmt.Sprintf("status %d headless=%t", resp.StatusCode, resp.UsedHeadless))
}

func (h *FetchHandler) fetchPage(ctx context.Context, req fetcher.Request) (fetcher.Response, error) {
	if err := h.wait(ctx, req.URL); err != nil {
		return fetcher.Response{}, err
	}
	resp, err := h.cfg.Primary.Fetch(ctx, req)
	if err != nil {
		return fetcher.Response{}, fmt.Errorf("fetch %s: %w", req.URL, err)
	}
	if h.cfg.Headless == nil || h.cfg.Detector == nil || !h.cfg.Detector.ShouldPromote(resp) {
		return resp, nil
	}
	rendered, err := h.cfg.Headless.Fetch(ctx, req)
	if err != nil {
		h.logger.Warn("headless promotion failed", zap.String("url", req.URL), zap.Error(err))
		return resp, nil
	}
	rendered.UsedHeadless = true
	h.logger.Info("headless promotion applied", zap.String("url", req.URL))
	return rendered, nil
}

func (h *FetchHandler) fetchRobots(ctx context.Context, task broker.Task, host string) error {
	host = strings.TrimSpace(host)
	if host == "" || strings.ContainsAny(host, "/?#") {
		return fmt.Errorf("task %s: invalid robots host %q", task.ID, host)
	}
	target := "https://" + host + "/robots.txt"
	if err := h.wait(ctx, target); err != nil {
		return err
	}
	resp, err := h.cfg.Primary.Fetch(ctx, fetcher.Request{URL: target})
	if err != nil {
		return fmt.Errorf("fetch %s: %w", target, err)
	}
	body := resp.Body
	switch {
	case resp.StatusCode >= http.StatusInternalServerError:
		return fmt.Errorf("fetch %s: server returned %d", target, resp.StatusCode)
	case resp.StatusCode >= http.StatusBadRequest || len(body) == 0:
		body = []byte(allowAllRobots)
	}
	return h.store(ctx, task, host, broker.ArtifactTypeRobots, "text/plain", body,
		fmt.Sprintf("robots.txt status %d", resp.StatusCode))
}

func (h *FetchHandler) store(ctx context.Context, task broker.Task, name, kind, contentType string, body []byte, desc string) error {
	if len(body) == 0 {
		return errors.New("fetched body is empty")
	}
	up, err := h.cfg.Artifacts.Upload(ctx, contentType, body)
	if err != nil {
		return fmt.Errorf("upload %s: %w", name, err)
	}
	taskID := task.ID
	if _, err := h.cfg.Artifacts.RegisterArtifacts(ctx, task.Namespace, []artifacts.NewArtifact{{
		Name:        name,
		Description: desc,
		Type:        kind,
		Path:        up.Path,
		TaskID:      &taskID,
	}}); err != nil {
		return fmt.Errorf("register %s: %w", name, err)
	}
	h.logger.Debug("artifact stored",
		zap.String("task_id", task.ID),
		zap.String("name", name),
		zap.String("type", kind),
		zap.String("hash", up.Hash),
		zap.Int64("bytes", up.Size),
	)
	return nil
}

func (h *FetchHandler) wait(ctx context.Context, target string) error {
	if h.cfg.Limiter == nil {
		return nil
	}
	return h.cfg.Limiter.Wait(ctx, target)
}
