package graph

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/PeculiarLoop/m365-audit-kit/internal/logs"
)

// Client is a small REST client for Microsoft Graph style JSON APIs.
// Authentication is the http.Client's concern (see credentials.ConnectionHandle.HTTPClient).
type Client struct {
	http    *http.Client
	baseURL string
	limiter *rate.Limiter
	logger  *slog.Logger
}

type ClientOption func(*Client)

// WithLimiter throttles every request through l
func WithLimiter(l *rate.Limiter) ClientOption {
	return func(c *Client) { c.limiter = l }
}

func WithLogger(l *slog.Logger) ClientOption {
	return func(c *Client) { c.logger = l }
}

func NewClient(httpClient *http.Client, baseURL string, opts ...ClientOption) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	c := &Client{
		http:    httpClient,
		baseURL: strings.TrimRight(baseURL, "/"),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = logs.OrDefault(c.logger)
	return c
}

func (c *Client) BaseURL() string {
	return c.baseURL
}

// StatusError is a non-2xx response
type StatusError struct {
	StatusCode int
	URL        string
	Body       string
	RetryAfter time.Duration
}

func (e *StatusError) Error() string {
	body := e.Body
	if len(body) > 256 {
		body = body[:256] + "..."
	}
	return fmt.Sprintf("API call to %s failed with status %d: %s", e.URL, e.StatusCode, body)
}

// IsPermanent reports whether retrying err cannot help (bad request, auth, missing resource)
func IsPermanent(err error) bool {
	var se *StatusError
	if !errors.As(err, &se) {
		return false
	}
	switch se.StatusCode {
	case http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound:
		return true
	}
	return false
}

// IsNotFound reports a 404 response
func IsNotFound(err error) bool {
	var se *StatusError
	return errors.As(err, &se) && se.StatusCode == http.StatusNotFound
}

// RetryAfter returns the server-requested delay carried by err, if any
func RetryAfter(err error) time.Duration {
	var se *StatusError
	if errors.As(err, &se) {
		return se.RetryAfter
	}
	return 0
}

func (c *Client) resolve(pathOrURL string, query url.Values) string {
	u := pathOrURL
	if !strings.HasPrefix(pathOrURL, "http://") && !strings.HasPrefix(pathOrURL, "https://") {
		u = c.baseURL + "/" + strings.TrimLeft(pathOrURL, "/")
	}
	if len(query) > 0 {
		sep := "?"
		if strings.Contains(u, "?") {
			sep = "&"
		}
		u += sep + query.Encode()
	}
	return u
}

// Do issues a request and returns the body of a 2xx response
func (c *Client) Do(ctx context.Context, method, pathOrURL string, query url.Values, body io.Reader) ([]byte, http.Header, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, nil, err
		}
	}

	target := c.resolve(pathOrURL, query)
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		c.logger.Debug("API call failed", "url", target, "status", resp.StatusCode)
		return nil, resp.Header, &StatusError{
			StatusCode: resp.StatusCode,
			URL:        target,
			Body:       string(data),
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
		}
	}
	return data, resp.Header, nil
}

// GetJSON decodes the response of a GET into out
func (c *Client) GetJSON(ctx context.Context, pathOrURL string, query url.Values, out any) error {
	data, _, err := c.Do(ctx, http.MethodGet, pathOrURL, query, nil)
	if err != nil {
		return err
	}
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// GetCollection follows @odata.nextLink and returns every element of "value"
func (c *Client) GetCollection(ctx context.Context, pathOrURL string, query url.Values) ([]map[string]any, error) {
	var all []map[string]any
	next := c.resolve(pathOrURL, query)

	for next != "" {
		var page struct {
			Value    []map[string]any `json:"value"`
			NextLink string           `json:"@odata.nextLink"`
		}
		if err := c.GetJSON(ctx, next, nil, &page); err != nil {
			return all, err
		}
		all = append(all, page.Value...)
		next = page.NextLink
	}
	return all, nil
}

func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}
