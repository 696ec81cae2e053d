// Package genapi is the HTTP client for the generation backend's
// streaming endpoints.
package genapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/tjfontaine/genstream/internal/core/domain"
	"github.com/tjfontaine/genstream/internal/core/ports"
)

const (
	defaultUserAgent = "genstream/1.0"
	maxErrorBody     = 4 << 10
)

// Endpoint is the pair of paths serving one target.
type Endpoint struct {
	Start    string `koanf:"start"`
	Feedback string `koanf:"feedback"`
}

// DefaultEndpoints are the backend's stock routes.
func DefaultEndpoints() map[domain.Target]Endpoint {
	return map[domain.Target]Endpoint{
		domain.TargetWorkout: {
			Start:    "/api/workouts/generate/stream",
			Feedback: "/api/workouts/generate/feedback",
		},
		domain.TargetKnowledge: {
			Start:    "/api/knowledge/chat/stream",
			Feedback: "/api/knowledge/chat/feedback",
		},
		domain.TargetProfileOverview: {
			Start:    "/api/profile/overview/stream",
			Feedback: "/api/profile/overview/feedback",
		},
	}
}

// ClientOption configures the client.
type ClientOption func(*Client)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(httpClient *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// WithAPIKey sends a bearer token on every request.
func WithAPIKey(key string) ClientOption {
	return func(c *Client) {
		c.apiKey = key
	}
}

// WithUserAgent overrides the User-Agent header.
func WithUserAgent(ua string) ClientOption {
	return func(c *Client) {
		if ua != "" {
			c.userAgent = ua
		}
	}
}

// WithEndpoint overrides the paths of one target. Empty paths keep the
// defaults.
func WithEndpoint(target domain.Target, ep Endpoint) ClientOption {
	return func(c *Client) {
		cur := c.endpoints[target]
		if ep.Start != "" {
			cur.Start = ep.Start
		}
		if ep.Feedback != "" {
			cur.Feedback = ep.Feedback
		}
		c.endpoints[target] = cur
	}
}

// Client opens streaming responses against the generation backend.
type Client struct {
	baseURL    string
	apiKey     string
	userAgent  string
	httpClient *http.Client
	endpoints  map[domain.Target]Endpoint
}

var _ ports.GenerationTransport = (*Client)(nil)

// NewClient creates a client for baseURL. The default HTTP client has no
// overall timeout since streams are long-lived; cancel the context
// instead.
func NewClient(baseURL string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL:   strings.TrimSuffix(baseURL, "/"),
		userAgent: defaultUserAgent,
		httpClient: &http.Client{
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		endpoints: DefaultEndpoints(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Endpoint returns the paths configured for target.
func (c *Client) Endpoint(target domain.Target) (Endpoint, bool) {
	ep, ok := c.endpoints[target]
	return ep, ok
}

// Start opens the initial generation stream.
func (c *Client) Start(ctx context.Context, req *ports.StartRequest) (io.ReadCloser, error) {
	ep, ok := c.endpoints[req.Target]
	if !ok || ep.Start == "" {
		return nil, domain.ErrTransport("start", fmt.Errorf("no start endpoint for target %q", req.Target))
	}
	return c.open(ctx, "start", ep.Start, req, req.Headers)
}

// SubmitFeedback opens the stream that resumes a paused session.
func (c *Client) SubmitFeedback(ctx context.Context, req *ports.FeedbackRequest) (io.ReadCloser, error) {
	ep, ok := c.endpoints[req.Target]
	if !ok || ep.Feedback == "" {
		return nil, domain.ErrTransport("submit_feedback", fmt.Errorf("no feedback endpoint for target %q", req.Target))
	}
	return c.open(ctx, "submit_feedback", ep.Feedback, req, nil)
}

func (c *Client) open(ctx context.Context, op, path string, payload any, headers map[string]string) (io.ReadCloser, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, domain.ErrTransport(op, fmt.Errorf("failed to marshal request: %w", err))
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, domain.ErrTransport(op, fmt.Errorf("failed to create request: %w", err))
	}
	c.setHeaders(httpReq, headers)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, domain.ErrTransport(op, fmt.Errorf("request failed: %w", err))
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer resp.Body.Close()
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		msg := strings.TrimSpace(string(respBody))
		if msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}
		return nil, domain.ErrTransport(op, nil).
			WithStatusCode(resp.StatusCode).
			WithMessage(fmt.Sprintf("API error: %s", msg))
	}

	return resp.Body, nil
}

func (c *Client) setHeaders(req *http.Request, extra map[string]string) {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/x-ndjson, text/event-stream")
	req.Header.Set("User-Agent", c.userAgent)
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	for k, v := range extra {
		req.Header.Set(k, v)
	}
}
