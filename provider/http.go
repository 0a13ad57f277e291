package provider

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/jonwraymond/infergate/fault"
)

const (
	defaultOpenAIURL    = "https://api.openai.com/v1/chat/completions"
	defaultAnthropicURL = "https://api.anthropic.com/v1/messages"
	anthropicVersion    = "2023-06-01"

	// maxErrorBody bounds how much of a failed response is kept in the error.
	maxErrorBody = 4 << 10

	// maxRetryAfter caps a provider's Retry-After hint.
	maxRetryAfter = time.Hour
)

// HTTPConfig configures an HTTP provider adapter.
type HTTPConfig struct {
	Name     string
	Endpoint string
	Headers  map[string]string

	// Client is the HTTP client to use. Defaults to a client without a
	// global timeout; deadlines come from the call context.
	Client *http.Client
}

// HTTP posts the opaque payload to an endpoint and returns the response body.
type HTTP struct {
	name     string
	endpoint string
	headers  http.Header
	client   *http.Client
}

// NewHTTP creates a generic HTTP adapter.
func NewHTTP(cfg HTTPConfig) (*HTTP, error) {
	if cfg.Name == "" {
		return nil, fmt.Errorf("%w: empty name", ErrInvalid)
	}
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("%w: %s has no endpoint", ErrInvalid, cfg.Name)
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		}
	}

	h := http.Header{}
	h.Set("Content-Type", "application/json")
	for k, v := range cfg.Headers {
		h.Set(k, v)
	}

	return &HTTP{
		name:     cfg.Name,
		endpoint: cfg.Endpoint,
		headers:  h,
		client:   client,
	}, nil
}

// NewOpenAI creates an adapter that authenticates with a bearer token.
// An empty endpoint uses the public chat completions URL.
func NewOpenAI(name, endpoint, apiKey string, client *http.Client) (*HTTP, error) {
	if endpoint == "" {
		endpoint = defaultOpenAIURL
	}
	return NewHTTP(HTTPConfig{
		Name:     name,
		Endpoint: endpoint,
		Headers:  map[string]string{"Authorization": "Bearer " + apiKey},
		Client:   client,
	})
}

// NewAnthropic creates an adapter that authenticates with an x-api-key header.
// An empty endpoint uses the public messages URL.
func NewAnthropic(name, endpoint, apiKey string, client *http.Client) (*HTTP, error) {
	if endpoint == "" {
		endpoint = defaultAnthropicURL
	}
	return NewHTTP(HTTPConfig{
		Name:     name,
		Endpoint: endpoint,
		Headers: map[string]string{
			"x-api-key":         apiKey,
			"anthropic-version": anthropicVersion,
		},
		Client: client,
	})
}

// Name returns the provider name.
func (h *HTTP) Name() string { return h.name }

// Endpoint returns the URL the adapter posts to.
func (h *HTTP) Endpoint() string { return h.endpoint }

// Call posts payload and returns the body of a 2xx response.
// Non-2xx responses become fault.Provider errors carrying the status and
// any Retry-After hint.
func (h *HTTP) Call(ctx context.Context, payload []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fault.Validation("build request for %s: %v", h.name, err)
	}
	for k, vs := range h.headers {
		req.Header[k] = vs
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, fault.Classify(h.name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		msg := strings.TrimSpace(string(body))
		if msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}
		fe := fault.Provider(h.name, resp.StatusCode, errors.New(msg))
		fe.RetryAfter = ParseRetryAfter(resp.Header.Get("Retry-After"), time.Now())
		return nil, fe
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fault.Classify(h.name, fmt.Errorf("read response: %w", err))
	}
	return body, nil
}

// ParseRetryAfter parses a Retry-After value in delay-seconds or HTTP-date
// form. Invalid, past or absent values yield 0; values are capped at one hour.
func ParseRetryAfter(value string, now time.Time) time.Duration {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0
	}

	if seconds, err := strconv.Atoi(value); err == nil {
		if seconds <= 0 {
			return 0
		}
		return min(time.Duration(seconds)*time.Second, maxRetryAfter)
	}

	if t, err := http.ParseTime(value); err == nil {
		d := t.Sub(now)
		if d <= 0 {
			return 0
		}
		return min(d, maxRetryAfter)
	}
	return 0
}
