// Package inference calls the hosted text-generation API used by metered tools.
package inference

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
)

// APIError is a non-2xx response from the inference API.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("inference API error (%d): %s", e.StatusCode, e.Message)
}

// Config configures a Client.
type Config struct {
	BaseURL    string
	APIToken   string
	Model      string
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	HTTPClient *http.Client
}

// Client wraps the inference REST API directly (no SDK dependency).
type Client struct {
	baseURL    string
	apiToken   string
	model      string
	httpClient *http.Client
	executor   failsafe.Executor[*http.Response]
}

// NewClient creates a new inference client. A model that is still loading
// answers 503; those responses are retried with backoff instead of failing
// the tool call outright.
func NewClient(cfg Config) *Client {
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = 2 * time.Second
	}
	if cfg.MaxDelay < cfg.BaseDelay {
		cfg.MaxDelay = 10 * cfg.BaseDelay
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 60 * time.Second}
	}

	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		apiToken:   cfg.APIToken,
		model:      cfg.Model,
		httpClient: cfg.HTTPClient,
		executor:   failsafe.With[*http.Response](newRetryPolicy(cfg)),
	}
}

func shouldRetry(resp *http.Response, err error) bool {
	if err != nil {
		return true
	}
	if resp == nil {
		return true
	}
	switch resp.StatusCode {
	case http.StatusServiceUnavailable, http.StatusTooManyRequests, http.StatusBadGateway, http.StatusGatewayTimeout:
		return true
	}
	return false
}

//nolint:bodyclose // the generic parameter is not a live response body
func newRetryPolicy(cfg Config) retrypolicy.RetryPolicy[*http.Response] {
	return retrypolicy.NewBuilder[*http.Response]().
		HandleIf(shouldRetry).
		WithBackoff(cfg.BaseDelay, cfg.MaxDelay).
		WithMaxRetries(cfg.MaxRetries).
		WithJitterFactor(0.1).
		ReturnLastFailure().
		Build()
}

type generateRequest struct {
	Inputs     string         `json:"inputs"`
	Parameters map[string]any `json:"parameters,omitempty"`
}

type generation struct {
	GeneratedText string `json:"generated_text"`
}

// Generate returns the model's continuation of prompt.
func (c *Client) Generate(ctx context.Context, prompt string, maxNewTokens int) (string, error) {
	body, err := json.Marshal(generateRequest{
		Inputs: prompt,
		Parameters: map[string]any{
			"max_new_tokens":   maxNewTokens,
			"return_full_text": false,
		},
	})
	if err != nil {
		return "", fmt.Errorf("encode inference request: %w", err)
	}

	url := c.baseURL + "/models/" + c.model
	resp, err := c.executor.WithContext(ctx).Get(func() (*http.Response, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		if c.apiToken != "" {
			req.Header.Set("Authorization", "Bearer "+c.apiToken)
		}
		resp, err := c.httpClient.Do(req)
		if err == nil && shouldRetry(resp, nil) {
			// Drain so the connection is reused; the last attempt's body is
			// replaced with the buffered copy.
			buf, _ := io.ReadAll(resp.Body)
			_ = resp.Body.Close()
			resp.Body = io.NopCloser(bytes.NewReader(buf))
		}
		return resp, err
	})
	if err != nil {
		return "", fmt.Errorf("inference request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read inference response: %w", err)
	}

	if resp.StatusCode >= 400 {
		return "", &APIError{StatusCode: resp.StatusCode, Message: errorMessage(raw)}
	}

	var out []generation
	if err := json.Unmarshal(raw, &out); err != nil {
		var single generation
		if err2 := json.Unmarshal(raw, &single); err2 != nil {
			return "", fmt.Errorf("parse inference response: %w", err)
		}
		out = []generation{single}
	}
	if len(out) == 0 {
		return "", fmt.Errorf("parse inference response: empty result")
	}
	return strings.TrimSpace(out[0].GeneratedText), nil
}

func errorMessage(raw []byte) string {
	var body struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(raw, &body); err == nil && body.Error != "" {
		return body.Error
	}
	msg := strings.TrimSpace(string(raw))
	if msg == "" {
		return "unknown error"
	}
	return msg
}
