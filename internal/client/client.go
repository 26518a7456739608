package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/lei/pushwatch/pkg/logger"
)

// Client handles HTTP communication with the CI results backend
type Client struct {
	baseURL    string
	tokens     *TokenSource
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     *logger.Logger
}

// Options tunes a Client. Zero values select defaults.
type Options struct {
	// Timeout bounds each HTTP round trip; zero means no client-side bound
	Timeout time.Duration
	// RateLimit is requests per second across the whole client; zero disables limiting
	RateLimit float64
	Burst     int
	// HTTPClient overrides the underlying client (tests)
	HTTPClient *http.Client
}

// New creates a backend API client
func New(baseURL string, tokens *TokenSource, opts Options, log *logger.Logger) *Client {
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: opts.Timeout}
	}

	limiter := rate.NewLimiter(rate.Inf, 0)
	if opts.RateLimit > 0 {
		burst := opts.Burst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(opts.RateLimit), burst)
	}

	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		tokens:     tokens,
		httpClient: httpClient,
		limiter:    limiter,
		logger:     log,
	}
}

// doRequest performs an HTTP request against a path or absolute URL,
// retrying once with a reloaded token after a 401.
func (c *Client) doRequest(ctx context.Context, method, target string, body io.Reader) (*http.Response, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limit: %w", err)
	}

	if !strings.HasPrefix(target, "http://") && !strings.HasPrefix(target, "https://") {
		target = c.baseURL + target
	}

	requestID := uuid.NewString()
	c.logger.Debug("client: http request",
		"method", method,
		"url", target,
		"request_id", requestID)

	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		c.logger.Error("client: failed to create request", "error", err)
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Request-ID", requestID)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	token, err := c.tokens.Token(ctx)
	if err != nil {
		c.logger.Error("client: failed to get token", "error", err)
		return nil, fmt.Errorf("get token: %w", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Error("client: http request failed",
			"method", method,
			"url", target,
			"error", err)
		return nil, err
	}

	c.logger.Debug("client: http response",
		"method", method,
		"url", target,
		"status", resp.StatusCode)

	// Only bodiless requests can be replayed
	if resp.StatusCode == http.StatusUnauthorized && c.tokens.Refreshable() && body == nil {
		resp.Body.Close()
		c.logger.Info("client: received 401, reloading token and retrying",
			"method", method,
			"url", target)
		c.tokens.Invalidate()

		token, err := c.tokens.Token(ctx)
		if err != nil {
			c.logger.Error("client: failed to reload token", "error", err)
			return nil, fmt.Errorf("reload token: %w", err)
		}

		req.Header.Set("Authorization", "Bearer "+token)
		resp, err = c.httpClient.Do(req)
		if err != nil {
			c.logger.Error("client: retry request failed",
				"method", method,
				"url", target,
				"error", err)
			return nil, err
		}
	}

	return resp, nil
}

// getJSON fetches target and decodes a 200 response into out
func (c *Client) getJSON(ctx context.Context, target string, notFound error, out any) error {
	resp, err := c.doRequest(ctx, http.MethodGet, target, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return parseError(resp, notFound)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func projectPath(repo, resource string) string {
	return fmt.Sprintf("/api/project/%s/%s/", url.PathEscape(repo), resource)
}

// parseError converts HTTP error responses to client errors
func parseError(resp *http.Response, notFound error) error {
	body, _ := io.ReadAll(resp.Body)

	switch resp.StatusCode {
	case http.StatusNotFound:
		if notFound != nil {
			return notFound
		}
	case http.StatusUnauthorized, http.StatusForbidden:
		return ErrUnauthorized
	case http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return ErrBackendUnavailable
	}

	var errResp struct {
		Detail string `json:"detail"`
		Error  string `json:"error"`
	}
	if json.Unmarshal(body, &errResp) == nil {
		if msg := errResp.Detail + errResp.Error; msg != "" {
			return &APIError{Code: resp.StatusCode, Message: msg}
		}
	}

	return &APIError{
		Code:    resp.StatusCode,
		Message: strings.TrimSpace(string(body)),
	}
}
