package render

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// Shared HTTP transport tunings: reuse long-lived connections and keep
// timeouts in one place.
var defaultTransport = &http.Transport{
	Proxy:                 http.ProxyFromEnvironment,
	MaxIdleConns:          100,
	MaxIdleConnsPerHost:   100,
	IdleConnTimeout:       90 * time.Second,
	TLSHandshakeTimeout:   10 * time.Second,
	ExpectContinueTimeout: 1 * time.Second,
	ForceAttemptHTTP2:     true,
	DialContext: (&net.Dialer{
		Timeout:   30 * time.Second,
		KeepAlive: 30 * time.Second,
	}).DialContext,
}

// ClientOptions configures the chart API client.
type ClientOptions struct {
	// APIURL is the API base, e.g. https://api.kentik.com/api/v5.
	APIURL    string
	AuthEmail string
	AuthToken string
	// Retries is the number of re-attempts after a retryable failure
	// (transport error or 5xx response).
	Retries int
	// Timeout bounds each individual attempt.
	Timeout time.Duration
	// Backoff is the delay before the first retry; it doubles per attempt.
	Backoff time.Duration
	Logger  *logrus.Logger
	// HTTPClient overrides the default client, mainly for tests.
	HTTPClient *http.Client
}

// Client renders chart queries against the topXchart endpoint.
type Client struct {
	baseURL string
	email   string
	token   string
	retries int
	backoff time.Duration
	logger  *logrus.Logger
	http    *http.Client
}

// NewClient builds a chart render client with a shared tuned transport.
func NewClient(opts ClientOptions) *Client {
	httpClient := opts.HTTPClient
	if httpClient == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = 60 * time.Second
		}
		httpClient = &http.Client{
			Timeout:   timeout,
			Transport: defaultTransport.Clone(),
		}
	}

	backoff := opts.Backoff
	if backoff <= 0 {
		backoff = time.Second
	}

	logger := opts.Logger
	if logger == nil {
		logger = logrus.New()
		logger.SetOutput(io.Discard)
	}

	return &Client{
		baseURL: strings.TrimRight(opts.APIURL, "/"),
		email:   opts.AuthEmail,
		token:   opts.AuthToken,
		retries: opts.Retries,
		backoff: backoff,
		logger:  logger,
		http:    httpClient,
	}
}

// chartResponse is the topXchart success body: the rendered chart as a data
// URI (data:<media type>;base64,<payload>).
type chartResponse struct {
	DataURI string `json:"dataUri"`
}

type apiErrorBody struct {
	Error string `json:"error"`
}

// Render posts the query to the topXchart endpoint, retrying transport
// errors and 5xx responses with doubling backoff. Non-retryable API failures
// come back as *UpstreamError.
func (c *Client) Render(ctx context.Context, query json.RawMessage) (*Image, error) {
	url := c.baseURL + "/query/topXchart"

	var lastErr error
	delay := c.backoff
	for attempt := 0; attempt <= c.retries; attempt++ {
		if attempt > 0 {
			c.logger.WithFields(logrus.Fields{
				"action":  "render_retry",
				"attempt": attempt,
				"delay":   delay.String(),
			}).Warn(lastErr.Error())
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
			delay *= 2
		}

		img, err := c.renderOnce(ctx, url, query)
		if err == nil {
			return img, nil
		}
		lastErr = err

		var upstream *UpstreamError
		if errors.As(err, &upstream) && upstream.StatusCode < 500 {
			return nil, err
		}
		if ctx.Err() != nil {
			return nil, err
		}
	}
	return nil, lastErr
}

func (c *Client) renderOnce(ctx context.Context, url string, query json.RawMessage) (*Image, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(query))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-CH-Auth-Email", c.email)
	req.Header.Set("X-CH-Auth-API-Token", c.token)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("chart request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("chart response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, &UpstreamError{
			StatusCode: resp.StatusCode,
			Messages:   apiErrorMessages(body, resp.StatusCode),
		}
	}

	var parsed chartResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("chart response: %w", err)
	}
	return parseDataURI(parsed.DataURI)
}

// apiErrorMessages extracts the API error text, falling back to the HTTP
// status text when the body is not the documented error shape.
func apiErrorMessages(body []byte, status int) []string {
	var parsed apiErrorBody
	if err := json.Unmarshal(body, &parsed); err == nil && parsed.Error != "" {
		return []string{parsed.Error}
	}
	if trimmed := strings.TrimSpace(string(body)); trimmed != "" && len(trimmed) < 512 {
		return []string{trimmed}
	}
	return []string{http.StatusText(status)}
}

// parseDataURI decodes "data:image/png;base64,..." into an Image.
func parseDataURI(uri string) (*Image, error) {
	rest, ok := strings.CutPrefix(uri, "data:")
	if !ok {
		return nil, fmt.Errorf("chart response: not a data uri")
	}
	meta, encoded, ok := strings.Cut(rest, ",")
	if !ok {
		return nil, fmt.Errorf("chart response: malformed data uri")
	}
	mediaType, _, _ := strings.Cut(meta, ";")

	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("chart response: %w", err)
	}
	return &Image{Type: imageTypeFromMedia(mediaType), Data: data}, nil
}

func imageTypeFromMedia(mediaType string) ImageType {
	switch mediaType {
	case "image/png":
		return ImageTypePNG
	case "application/pdf":
		return ImageTypePDF
	case "image/jpeg", "image/jpg":
		return ImageTypeJPG
	case "image/svg", "image/svg+xml":
		return ImageTypeSVG
	default:
		return ImageType(strings.TrimPrefix(mediaType, "image/"))
	}
}
