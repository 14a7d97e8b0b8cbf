package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Client is the HTTP Requester for the messaging API.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
	logger  *zap.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// NewClient creates a Client for baseURL authenticating with token.
func NewClient(baseURL, token string, logger *zap.Logger, opts ...Option) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: 30 * time.Second},
		logger:  logger,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// BaseURL returns the API root without a trailing slash.
func (c *Client) BaseURL() string { return c.baseURL }

// Token returns the bearer token.
func (c *Client) Token() string { return c.token }

// Do sends a JSON request and decodes the {ok, data, error} envelope. Non-2xx
// responses without an envelope become an OK false Result with code
// HTTP_<status>.
func (c *Client) Do(ctx context.Context, method, path string, body any, query map[string]string) (*Result, error) {
	var bodyReader io.Reader
	if body != nil {
		b, err := encodeBody(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.url(path, query), bodyReader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	c.authorize(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	var res Result
	if err := json.Unmarshal(data, &res); err != nil || (!res.OK && res.Error == nil && resp.StatusCode >= 300) {
		if resp.StatusCode >= 300 {
			c.logger.Debug("non-envelope error response", zap.String("path", path), zap.Int("status", resp.StatusCode))
			return &Result{Error: &Error{
				Code:    httpCodePrefix + strconv.Itoa(resp.StatusCode),
				Message: http.StatusText(resp.StatusCode),
			}}, nil
		}
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}
	return &res, nil
}

// Stream opens a text/event-stream GET. The caller closes the body.
func (c *Client) Stream(ctx context.Context, path string, query map[string]string) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url(path, query), nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	c.authorize(req)

	// Streams outlive any per-request timeout.
	hc := *c.http
	hc.Timeout = 0
	resp, err := hc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("open stream: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		_ = resp.Body.Close()
		return nil, fmt.Errorf("open stream: unexpected status %d", resp.StatusCode)
	}
	return resp.Body, nil
}

func (c *Client) url(path string, query map[string]string) string {
	u := c.baseURL + path
	if len(query) > 0 {
		params := url.Values{}
		for k, v := range query {
			params.Set(k, v)
		}
		u += "?" + params.Encode()
	}
	return u
}

func (c *Client) authorize(req *http.Request) {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
}

func encodeBody(body any) ([]byte, error) {
	switch b := body.(type) {
	case json.RawMessage:
		return b, nil
	case []byte:
		return b, nil
	}
	return json.Marshal(body)
}
