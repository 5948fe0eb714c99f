package domain

import "time"

// MetricPoint bundles the normalized signals derived from a single LogEntry.
// Points are always recomputed from their log and never stored.
type MetricPoint struct {
	LogID           string    `json:"log_id"`
	CreatedAt       time.Time `json:"created_at"`
	Model           string    `json:"model"`
	Tokens          uint64    `json:"tokens"`
	LatencyMS       uint64    `json:"latency_ms"`
	TokenEfficiency float64   `json:"token_efficiency"`
	Drift           float64   `json:"drift"`
	WasteIndex      float64   `json:"waste_index"`
	Stress          float64   `json:"stress"`
	Prompt          string    `json:"prompt,omitempty"`
	Response        string    `json:"response,omitempty"`
}
