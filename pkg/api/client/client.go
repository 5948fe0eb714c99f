package client

import (
	"bufio"
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
)

// DefaultBaseURL is used when no API address is configured.
const DefaultBaseURL = "http://localhost:4000"

// Client provides typed access to the aicwd API for interactive tools.
type Client struct {
	baseURL    string
	httpClient *http.Client
	// streamClient has no overall timeout so event streams stay open.
	streamClient *http.Client
}

// Option customises client instantiation.
type Option func(*Client)

// WithHTTPClient overrides the default HTTP client for both plain and streaming requests.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) {
		if h != nil {
			c.httpClient = h
			c.streamClient = h
		}
	}
}

// New constructs a Client pointing at the provided API base URL.
func New(base string, opts ...Option) (*Client, error) {
	trimmed := strings.TrimSpace(base)
	if trimmed == "" {
		trimmed = DefaultBaseURL
	}
	if !strings.HasPrefix(trimmed, "http://") && !strings.HasPrefix(trimmed, "https://") {
		trimmed = "http://" + trimmed
	}
	if _, err := url.Parse(trimmed); err != nil {
		return nil, fmt.Errorf("invalid api base url: %w", err)
	}
	cli := &Client{
		baseURL:      strings.TrimRight(trimmed, "/"),
		httpClient:   &http.Client{Timeout: 15 * time.Second},
		streamClient: &http.Client{},
	}
	for _, opt := range opts {
		opt(cli)
	}
	return cli, nil
}

// APIError represents an error response from the API.
type APIError struct {
	Status  int
	Message string
}

func (e APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("api request failed with status %d", e.Status)
	}
	return fmt.Sprintf("api request failed (%d): %s", e.Status, e.Message)
}

// IsNotFound reports whether err is an API 404.
func IsNotFound(err error) bool {
	var apiErr APIError
	return errors.As(err, &apiErr) && apiErr.Status == http.StatusNotFound
}

func (c *Client) newRequest(ctx context.Context, method, path string, body any) (*http.Request, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode request body: %w", err)
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

func (c *Client) do(ctx context.Context, method, path string, body any, v any) error {
	if c == nil {
		return fmt.Errorf("client is nil")
	}
	req, err := c.newRequest(ctx, method, path, body)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return APIError{Status: resp.StatusCode, Message: extractError(resp.Body)}
	}
	if v == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func extractError(body io.Reader) string {
	if body == nil {
		return ""
	}
	var payload struct {
		Error string `json:"error"`
	}
	data, err := io.ReadAll(body)
	if err != nil || len(data) == 0 {
		return ""
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		return strings.TrimSpace(string(data))
	}
	return strings.TrimSpace(payload.Error)
}

func campaignQuery(path, campaignID string) string {
	return path + "?campaignId=" + url.QueryEscape(strings.TrimSpace(campaignID))
}

// MetricPoint is one scored interaction.
type MetricPoint struct {
	LogID           string    `json:"log_id"`
	Model           string    `json:"model"`
	Tokens          uint64    `json:"tokens"`
	LatencyMS       uint64    `json:"latency_ms"`
	TokenEfficiency float64   `json:"token_efficiency"`
	Drift           float64   `json:"drift"`
	WasteIndex      float64   `json:"waste_index"`
	Stress          float64   `json:"stress"`
	CreatedAt       time.Time `json:"created_at"`
}

// AlertCounts tallies threshold breaches in a snapshot.
type AlertCounts struct {
	Waste  int `json:"waste"`
	Drift  int `json:"drift"`
	Stress int `json:"stress"`
}

// MetricsSnapshot is a window of metric points, newest first.
type MetricsSnapshot struct {
	Metrics   []MetricPoint `json:"metrics"`
	Alerts    AlertCounts   `json:"alerts"`
	Timestamp int64         `json:"timestamp"`
}

// LatestMetrics returns the newest metric points. A zero limit uses the server default.
func (c *Client) LatestMetrics(ctx context.Context, limit int) (MetricsSnapshot, error) {
	path := "/api/metrics/latest"
	if limit != 0 {
		path = fmt.Sprintf("%s?limit=%d", path, limit)
	}
	var snap MetricsSnapshot
	if err := c.do(ctx, http.MethodGet, path, nil, &snap); err != nil {
		return MetricsSnapshot{}, err
	}
	return snap, nil
}

// CampaignStarted acknowledges a queued campaign.
type CampaignStarted struct {
	CampaignID string `json:"campaignId"`
	TaskID     string `json:"taskId"`
	Status     string `json:"status"`
}

// StartCampaign creates and queues a red-team campaign.
func (c *Client) StartCampaign(ctx context.Context) (CampaignStarted, error) {
	var started CampaignStarted
	if err := c.do(ctx, http.MethodPost, "/api/red-team/start", nil, &started); err != nil {
		return CampaignStarted{}, err
	}
	return started, nil
}

// CampaignStatus is the progress record of a campaign.
type CampaignStatus struct {
	CampaignID       string   `json:"campaignId"`
	Status           string   `json:"status"`
	PromptsGenerated int      `json:"promptsGenerated"`
	Completed        int      `json:"completed"`
	FragilityScore   *float64 `json:"fragility_score"`
	Error            string   `json:"error"`
}

// Terminal reports whether the campaign has finished.
func (s CampaignStatus) Terminal() bool {
	return s.Status == "completed" || s.Status == "failed"
}

// GetCampaignStatus fetches the progress of a campaign.
func (c *Client) GetCampaignStatus(ctx context.Context, campaignID string) (CampaignStatus, error) {
	var status CampaignStatus
	if err := c.do(ctx, http.MethodGet, campaignQuery("/api/red-team/status", campaignID), nil, &status); err != nil {
		return CampaignStatus{}, err
	}
	return status, nil
}

// CampaignResult is the score of one campaign prompt.
type CampaignResult struct {
	ID             string    `json:"id"`
	Prompt         string    `json:"prompt"`
	Response       string    `json:"response"`
	Tokens         uint64    `json:"tokens"`
	LatencyDeltaMS uint64    `json:"latency_delta_ms"`
	CoherenceDrop  float64   `json:"coherence_drop"`
	WasteScore     float64   `json:"waste_score"`
	CreatedAt      time.Time `json:"created_at"`
}

// DegradationPoint is one rank of the resilience degradation curve.
type DegradationPoint struct {
	Rank          int     `json:"rank"`
	WasteScore    float64 `json:"waste_score"`
	LatencyDelta  uint64  `json:"latency_delta"`
	CoherenceDrop float64 `json:"coherence_drop"`
}

// CampaignResults lists results ranked by waste score.
type CampaignResults struct {
	Results []CampaignResult   `json:"results"`
	Curve   []DegradationPoint `json:"resilience_degradation_curve"`
}

// GetCampaignResults fetches the ranked results of a campaign.
func (c *Client) GetCampaignResults(ctx context.Context, campaignID string) (CampaignResults, error) {
	var results CampaignResults
	if err := c.do(ctx, http.MethodGet, campaignQuery("/api/red-team/results", campaignID), nil, &results); err != nil {
		return CampaignResults{}, err
	}
	return results, nil
}

// TransformReceipt acknowledges a scheduled transform job.
type TransformReceipt struct {
	Status      string    `json:"status"`
	CampaignID  string    `json:"campaign_id"`
	TriggeredAt time.Time `json:"triggered_at"`
}

// ScheduleTransform triggers the downstream transform job, optionally for one campaign.
func (c *Client) ScheduleTransform(ctx context.Context, campaignID string) (TransformReceipt, error) {
	body := map[string]string{}
	if strings.TrimSpace(campaignID) != "" {
		body["campaign_id"] = strings.TrimSpace(campaignID)
	}
	var receipt TransformReceipt
	if err := c.do(ctx, http.MethodPost, "/api/dbt/schedule", body, &receipt); err != nil {
		return TransformReceipt{}, err
	}
	return receipt, nil
}

// ProgressEvent is one campaign progress notification.
type ProgressEvent struct {
	CampaignID       string   `json:"campaign_id"`
	Status           string   `json:"status"`
	ProcessedPrompts int      `json:"processed_prompts"`
	TotalPrompts     int      `json:"total_prompts"`
	FragilityScore   *float64 `json:"fragility_score"`
	Error            string   `json:"error"`
	Timestamp        int64    `json:"timestamp"`
}

// WatchCampaign streams progress events of a campaign to fn until the stream
// ends, ctx is cancelled or fn returns an error.
func (c *Client) WatchCampaign(ctx context.Context, campaignID string, fn func(ProgressEvent) error) error {
	req, err := c.newRequest(ctx, http.MethodGet, campaignQuery("/api/red-team/events", campaignID), nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")
	resp, err := c.streamClient.Do(req)
	if err != nil {
		return fmt.Errorf("open event stream: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusBadRequest {
		return APIError{Status: resp.StatusCode, Message: extractError(resp.Body)}
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		line := scanner.Text()
		data, ok := strings.CutPrefix(line, "data: ")
		if !ok {
			continue
		}
		var ev ProgressEvent
		if err := json.Unmarshal([]byte(data), &ev); err != nil {
			return fmt.Errorf("decode progress event: %w", err)
		}
		if err := fn(ev); err != nil {
			return err
		}
	}
	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		return fmt.Errorf("read event stream: %w", err)
	}
	return nil
}
