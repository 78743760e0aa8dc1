package classifier

import (
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

	"classifier-chat/internal/domain"
)

// DefaultEndpoint is the classification endpoint used when no other is configured.
const DefaultEndpoint = "https://falabellav2-a0c8cnapbbg4dtd6.eastus2-01.azurewebsites.net/api/classifier"

const maxBodyBytes = 1 << 20

// HTTPStatusError captures non-2xx responses from the classification endpoint.
type HTTPStatusError struct {
	StatusCode int
	URL        string
	Body       string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("classifier: unexpected status %d from %s: %s", e.StatusCode, e.URL, e.Body)
}

func (e *HTTPStatusError) HTTPStatusCode() int {
	return e.StatusCode
}

func (e *HTTPStatusError) ResponseBody() string {
	return e.Body
}

// SchemaError is returned when a 2xx response carries valid JSON without a
// usable "message" field. Body holds the compact JSON that was received.
type SchemaError struct {
	Body string
}

func (e *SchemaError) Error() string {
	return fmt.Sprintf("classifier: response has no \"message\" field: %s", e.Body)
}

func (e *SchemaError) ReceivedBody() string {
	return e.Body
}

// Client posts product URLs to a fixed classification endpoint.
type Client struct {
	endpoint   string
	httpClient *http.Client
}

type Option func(*Client)

func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// WithTimeout bounds each call. Zero leaves calls bounded only by the transport.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.httpClient = &http.Client{Timeout: d}
		}
	}
}

// NewClient creates a Client for endpoint, which must be an absolute http(s) URL.
func NewClient(endpoint string, opts ...Option) (*Client, error) {
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		return nil, errors.New("classifier: endpoint must not be empty")
	}
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("classifier: parse endpoint: %w", err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("classifier: endpoint %q must be an absolute http(s) URL", endpoint)
	}
	c := &Client{
		endpoint:   endpoint,
		httpClient: &http.Client{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Endpoint returns the URL every call is sent to.
func (c *Client) Endpoint() string {
	return c.endpoint
}

func (c *Client) resolvedHTTPClient() *http.Client {
	if c.httpClient != nil {
		return c.httpClient
	}
	return http.DefaultClient
}

// Classify sends productURL unmodified and returns the endpoint's "message".
func (c *Client) Classify(ctx context.Context, productURL string) (string, error) {
	body, err := json.Marshal(domain.ClassifyRequest{ProductURL: productURL})
	if err != nil {
		return "", fmt.Errorf("classifier: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("classifier: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	raw, err := c.doJSONRequest(req)
	if err != nil {
		var statusErr *HTTPStatusError
		if errors.As(err, &statusErr) {
			return "", statusErr
		}
		return "", fmt.Errorf("classifier: request failed: %w", err)
	}
	return parseMessage(raw)
}

func (c *Client) doJSONRequest(req *http.Request) ([]byte, error) {
	res, err := c.resolvedHTTPClient().Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = res.Body.Close() }()

	buf, err := io.ReadAll(io.LimitReader(res.Body, maxBodyBytes))
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		// The status is reported even when the body could not be read.
		return nil, &HTTPStatusError{
			StatusCode: res.StatusCode,
			URL:        c.endpoint,
			Body:       string(buf),
		}
	}
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}
	return buf, nil
}

func parseMessage(raw []byte) (string, error) {
	raw = bytes.TrimSpace(raw)
	if !json.Valid(raw) {
		var v any
		err := json.Unmarshal(raw, &v)
		if err == nil {
			err = errors.New("invalid JSON")
		}
		return "", fmt.Errorf("classifier: decode response: %w", err)
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil || fields == nil {
		return "", &SchemaError{Body: compactJSON(raw)}
	}
	msg, ok := messageText(fields["message"])
	if !ok {
		return "", &SchemaError{Body: compactJSON(raw)}
	}
	return msg, nil
}

// messageText renders the "message" value. Missing, null, false, zero and
// empty-string values count as absent.
func messageText(raw json.RawMessage) (string, bool) {
	if len(raw) == 0 {
		return "", false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, s != ""
	}
	switch string(raw) {
	case "null", "false":
		return "", false
	}
	var n float64
	if err := json.Unmarshal(raw, &n); err == nil {
		return string(raw), n != 0
	}
	return compactJSON(raw), true
}

func compactJSON(raw []byte) string {
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return string(raw)
	}
	return buf.String()
}
