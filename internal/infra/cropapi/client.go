package cropapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/yanqian/cropsense/internal/domain/assistant"
	"github.com/yanqian/cropsense/internal/domain/crop"
	"github.com/yanqian/cropsense/internal/domain/location"
	"github.com/yanqian/cropsense/internal/domain/recommend"
)

const (
	defaultTimeout = 15 * time.Second
	maxBodyBytes   = 1 << 20
)

// Client talks to the crop recommendation service. Every method targets the
// base URL it is given, so one Client serves sessions resolved to different hosts.
type Client struct {
	httpClient *http.Client
}

// NewClient builds a client whose calls are bounded by timeout.
func NewClient(timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Client{
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// Locate calls GET /location. Non-2xx and malformed bodies are errors.
func (c *Client) Locate(ctx context.Context, baseURL string) (location.Lookup, error) {
	status, body, err := c.do(ctx, http.MethodGet, baseURL, "/location", nil)
	if err != nil {
		return location.Lookup{}, err
	}
	if status >= 300 {
		return location.Lookup{}, fmt.Errorf("location request error: status=%d body=%s", status, snippet(body))
	}
	var out location.Lookup
	if err := json.Unmarshal(body, &out); err != nil {
		return location.Lookup{}, fmt.Errorf("decode location response: %w", err)
	}
	return out, nil
}

type recommendEnvelope struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
	crop.RecommendationResult
}

// Recommend POSTs body to route. Answers with a non-2xx status or success=false
// come back as *crop.ServerError carrying the server's error text, if any.
func (c *Client) Recommend(ctx context.Context, baseURL, route string, body any) (crop.RecommendationResult, error) {
	status, payload, err := c.do(ctx, http.MethodPost, baseURL, route, body)
	if err != nil {
		return crop.RecommendationResult{}, err
	}

	var env recommendEnvelope
	decodeErr := json.Unmarshal(payload, &env)
	if status >= 300 {
		serverErr := &crop.ServerError{Status: status}
		if decodeErr == nil {
			serverErr.Message = env.Error
		}
		return crop.RecommendationResult{}, serverErr
	}
	if decodeErr != nil {
		return crop.RecommendationResult{}, fmt.Errorf("decode recommendation response: %w", decodeErr)
	}
	if !env.Success {
		return crop.RecommendationResult{}, &crop.ServerError{Status: status, Message: env.Error}
	}
	return env.RecommendationResult, nil
}

// Chat POSTs {query}. A decodable body is returned even for non-2xx
// responses, with Success forced off.
func (c *Client) Chat(ctx context.Context, baseURL, query string) (assistant.Reply, error) {
	status, payload, err := c.do(ctx, http.MethodPost, baseURL, "/chat", map[string]string{"query": query})
	if err != nil {
		return assistant.Reply{}, err
	}
	var out assistant.Reply
	if err := json.Unmarshal(payload, &out); err != nil {
		return assistant.Reply{}, fmt.Errorf("decode chat response: status=%d: %w", status, err)
	}
	if status >= 300 {
		out.Success = false
	}
	return out, nil
}

// Health is the decoded body of GET /health.
type Health struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

// Health checks the recommendation service.
func (c *Client) Health(ctx context.Context, baseURL string) (Health, error) {
	status, payload, err := c.do(ctx, http.MethodGet, baseURL, "/health", nil)
	if err != nil {
		return Health{}, err
	}
	if status != http.StatusOK {
		return Health{}, fmt.Errorf("health check returned status %d", status)
	}
	var out Health
	if err := json.Unmarshal(payload, &out); err != nil {
		return Health{}, fmt.Errorf("decode health response: %w", err)
	}
	return out, nil
}

func (c *Client) do(ctx context.Context, method, baseURL, route string, body any) (int, []byte, error) {
	endpoint := strings.TrimRight(baseURL, "/") + route

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return 0, nil, fmt.Errorf("encode %s request: %w", route, err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return 0, nil, fmt.Errorf("build %s request: %w", route, err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("%s request failed: %w", route, err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("read %s response: %w", route, err)
	}
	return resp.StatusCode, payload, nil
}

func snippet(body []byte) string {
	const limit = 4 << 10
	if len(body) > limit {
		body = body[:limit]
	}
	return string(body)
}

var (
	_ location.Client  = (*Client)(nil)
	_ recommend.Client = (*Client)(nil)
	_ assistant.Client = (*Client)(nil)
)
