// Package provider adapts external AI services to the pipeline's ports:
// text-to-speech for synth.Synthesizer and text reduction for
// governance.Reducer.
package provider

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	openai "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
)

// ErrAPIKeyRequired is returned when a client is built without an API key.
var ErrAPIKeyRequired = errors.New("OpenAI API key is required")

// RateLimitError is returned when the provider rejects a request with 429.
type RateLimitError struct {
	Message    string
	RetryAfter time.Duration
	StatusCode int
}

func (e *RateLimitError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("%s (retry after %s)", e.Message, e.RetryAfter)
	}
	return e.Message
}

// ClientConfig holds the connection settings shared by OpenAI clients.
type ClientConfig struct {
	APIKey     string
	BaseURL    string        // Optional (tests, compatible gateways)
	MaxRetries int           // SDK transport retries; 0 disables them
	Timeout    time.Duration // HTTP timeout
	HTTPClient *http.Client  // Optional (tests)
}

func newClient(cfg ClientConfig) (openai.Client, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return openai.Client{}, ErrAPIKeyRequired
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 120 * time.Second
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}

	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithHTTPClient(httpClient),
		option.WithMaxRetries(cfg.MaxRetries),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}

	return openai.NewClient(opts...), nil
}

// mapOpenAIError converts SDK errors into messages safe to persist.
func mapOpenAIError(op string, err error) error {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		if apiErr.StatusCode == http.StatusTooManyRequests {
			retryAfter := time.Duration(0)
			if apiErr.Response != nil {
				retryAfter = parseRetryAfter(apiErr.Response.Header.Get("Retry-After"))
			}
			return &RateLimitError{
				Message:    fmt.Sprintf("OpenAI rate limited: %s", apiErr.Message),
				RetryAfter: retryAfter,
				StatusCode: apiErr.StatusCode,
			}
		}
		if apiErr.Message != "" {
			return fmt.Errorf("OpenAI %s error (status %d): %s", op, apiErr.StatusCode, apiErr.Message)
		}
		return fmt.Errorf("OpenAI %s error (status %d)", op, apiErr.StatusCode)
	}
	return fmt.Errorf("OpenAI %s: %w", op, err)
}

// parseRetryAfter accepts delay-seconds or an HTTP date.
func parseRetryAfter(v string) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}
