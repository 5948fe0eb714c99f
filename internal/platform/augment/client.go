// Package augment asks a prompt-generation service to expand the red-team corpus.
package augment

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// DefaultEndpoint is the local model runner's generation route.
const DefaultEndpoint = "http://localhost:8000/generate"

// ErrEmpty is returned when the service answers without any generated prompt.
var ErrEmpty = errors.New("augment: no generated prompts")

// Client posts seed prompts and reads back generated ones.
type Client struct {
	endpoint string
	http     *http.Client
}

// New constructs a Client for endpoint. A zero timeout defaults to 30s.
func New(endpoint string, timeout time.Duration) *Client {
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{endpoint: endpoint, http: &http.Client{Timeout: timeout}}
}

type request struct {
	Prompts []string `json:"prompts"`
}

type response struct {
	GeneratedPrompts []json.RawMessage `json:"generated_prompts"`
}

// Augment returns the generated prompts. Any transport, status or decoding
// problem, and an empty answer, are reported as errors.
func (c *Client) Augment(ctx context.Context, prompts []string) ([]string, error) {
	payload, err := json.Marshal(request{Prompts: prompts})
	if err != nil {
		return nil, fmt.Errorf("augment: encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("augment: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("augment: request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("augment: unexpected status %d", resp.StatusCode)
	}

	var decoded response
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("augment: decode response: %w", err)
	}
	if len(decoded.GeneratedPrompts) == 0 {
		return nil, ErrEmpty
	}
	out := make([]string, 0, len(decoded.GeneratedPrompts))
	for _, raw := range decoded.GeneratedPrompts {
		out = append(out, stringify(raw))
	}
	return out, nil
}

// stringify keeps JSON strings as-is and renders any other value in its JSON form.
func stringify(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(bytes.TrimSpace(raw))
}
