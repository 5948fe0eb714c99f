// Package ingest reports model interactions to the aicwd API from a serving pipeline.
package ingest

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
)

const (
	defaultTimeout   = 5 * time.Second
	maxErrorBodySize = 4096
	ingestPath       = "/api/metrics/ingest"
)

// ErrUnauthorized indicates the API rejected the ingest token.
var ErrUnauthorized = errors.New("ingest unauthorized")

// ErrInvalidResponse indicates the API returned a malformed response payload.
var ErrInvalidResponse = errors.New("ingest invalid response")

// ErrInvalidArgument indicates the API rejected the payload with validation errors.
var ErrInvalidArgument = errors.New("ingest invalid argument")

// ErrRateLimited indicates the API refused the request for exceeding its budget.
var ErrRateLimited = errors.New("ingest rate limited")

// Emitter sends interaction logs to the aicwd API.
type Emitter struct {
	baseURL string
	token   string
	client  *http.Client
	now     func() time.Time
}

// Interaction is one prompt/response exchange observed by the caller.
type Interaction struct {
	Prompt   string
	Response string
	Tokens   uint64
	Latency  time.Duration
	Model    string
}

// NewEmitter creates an emitter for the API at baseURL. token is sent as a
// bearer credential when non-empty.
func NewEmitter(baseURL, token string, client *http.Client) (*Emitter, error) {
	trimmed := strings.TrimSpace(baseURL)
	if trimmed == "" {
		return nil, errors.New("ingest base url required")
	}
	trimmed = strings.TrimRight(trimmed, "/")
	if client == nil {
		client = &http.Client{Timeout: defaultTimeout}
	} else if client.Timeout == 0 {
		client.Timeout = defaultTimeout
	}
	return &Emitter{
		baseURL: trimmed,
		token:   strings.TrimSpace(token),
		client:  client,
		now:     time.Now,
	}, nil
}

// Emit stores one interaction and returns the id the API assigned to it.
func (e *Emitter) Emit(ctx context.Context, in Interaction) (string, error) {
	if e == nil {
		return "", errors.New("ingest emitter not initialised")
	}
	body, err := json.Marshal(buildPayload(in))
	if err != nil {
		return "", fmt.Errorf("marshal interaction: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+ingestPath, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build ingest request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if e.token != "" {
		req.Header.Set("Authorization", "Bearer "+e.token)
	}
	resp, err := e.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("send ingest request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusBadRequest {
		return "", errorForStatus(resp)
	}

	var ack struct {
		Success bool   `json:"success"`
		LogID   string `json:"logId"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxErrorBodySize)).Decode(&ack); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidResponse, err)
	}
	if !ack.Success || ack.LogID == "" {
		return "", fmt.Errorf("%w: missing log id", ErrInvalidResponse)
	}
	return ack.LogID, nil
}

// Observe runs generate, measures its latency and emits the resulting
// interaction. The generation error, if any, is returned unchanged and nothing
// is emitted for it; an emit failure is returned only when generation succeeded.
func (e *Emitter) Observe(ctx context.Context, prompt, model string, generate func(context.Context) (string, uint64, error)) (string, error) {
	start := e.now()
	response, tokens, err := generate(ctx)
	latency := e.now().Sub(start)
	if err != nil {
		return "", err
	}
	if _, err := e.Emit(ctx, Interaction{
		Prompt:   prompt,
		Response: response,
		Tokens:   tokens,
		Latency:  latency,
		Model:    model,
	}); err != nil {
		return response, err
	}
	return response, nil
}

func errorForStatus(resp *http.Response) error {
	buf, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodySize))
	summary := strings.TrimSpace(string(buf))
	var payload struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(buf, &payload) == nil && payload.Error != "" {
		summary = payload.Error
	}
	if summary == "" {
		summary = resp.Status
	}
	switch resp.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		return fmt.Errorf("%w: %s", ErrUnauthorized, summary)
	case http.StatusBadRequest:
		return fmt.Errorf("%w: %s", ErrInvalidArgument, summary)
	case http.StatusTooManyRequests:
		return fmt.Errorf("%w: %s", ErrRateLimited, summary)
	default:
		return fmt.Errorf("ingest request failed: %s", summary)
	}
}

func buildPayload(in Interaction) map[string]any {
	latency := in.Latency
	if latency < 0 {
		latency = 0
	}
	model := strings.TrimSpace(in.Model)
	if model == "" {
		model = "unknown"
	}
	return map[string]any{
		"prompt":     in.Prompt,
		"response":   in.Response,
		"tokens":     in.Tokens,
		"latency_ms": latency.Milliseconds(),
		"model":      model,
	}
}
