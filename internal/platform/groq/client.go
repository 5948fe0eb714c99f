// Package groq calls an OpenAI-compatible chat completions endpoint (Groq by default)
// to generate responses for red-team prompts.
package groq

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/splax/aicwd/internal/domain"
)

const (
	// DefaultModel is the generation model used when none is configured.
	DefaultModel   = "mixtral-8x7b-32768"
	DefaultBaseURL = "https://api.groq.com/openai/v1"

	temperature = 0.2
	maxTokens   = 1024
)

// ErrMissingAPIKey is returned by New when no credential is configured.
var ErrMissingAPIKey = errors.New("missing GROQ_API_KEY")

// Config configures a Client.
type Config struct {
	APIKey            string
	BaseURL           string
	Timeout           time.Duration
	RequestsPerSecond float64
}

// Client issues chat completion requests with request pacing.
type Client struct {
	apiKey  string
	baseURL string
	http    *http.Client
	limiter *rate.Limiter
}

// Option customizes a Client.
type Option func(*Client)

// WithHTTPClient overrides the HTTP client used for requests.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

// New constructs a Client. It fails with ErrMissingAPIKey when cfg.APIKey is blank.
func New(cfg Config, opts ...Option) (*Client, error) {
	key := strings.TrimSpace(cfg.APIKey)
	if key == "" {
		return nil, ErrMissingAPIKey
	}
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}

	c := &Client{
		apiKey:  key,
		baseURL: baseURL,
		http:    &http.Client{Timeout: timeout},
		limiter: rate.NewLimiter(limit, 1),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Preflight always succeeds once the client is constructed.
func (c *Client) Preflight() error {
	return nil
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage struct {
		TotalTokens uint64 `json:"total_tokens"`
	} `json:"usage"`
}

// HTTPError reports a non-2xx answer from the completions endpoint.
type HTTPError struct {
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("groq: status %d", e.StatusCode)
	}
	return fmt.Sprintf("groq: status %d: %s", e.StatusCode, e.Body)
}

// Complete sends prompt as a single user message and returns the first choice.
// Missing usage data yields zero tokens.
func (c *Client) Complete(ctx context.Context, prompt, model string) (domain.Completion, error) {
	if model == "" {
		model = DefaultModel
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return domain.Completion{}, fmt.Errorf("groq: wait for rate limit: %w", err)
	}

	payload, err := json.Marshal(chatRequest{
		Model:       model,
		Messages:    []chatMessage{{Role: "user", Content: prompt}},
		Temperature: temperature,
		MaxTokens:   maxTokens,
	})
	if err != nil {
		return domain.Completion{}, fmt.Errorf("groq: encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return domain.Completion{}, fmt.Errorf("groq: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return domain.Completion{}, fmt.Errorf("groq: request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return domain.Completion{}, &HTTPError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(raw))}
	}

	var decoded chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return domain.Completion{}, fmt.Errorf("groq: decode response: %w", err)
	}
	completion := domain.Completion{Tokens: decoded.Usage.TotalTokens}
	if len(decoded.Choices) > 0 {
		completion.Text = decoded.Choices[0].Message.Content
	}
	return completion, nil
}
