package domain

import "time"

// LogEntry is one observed prompt/response interaction. Entries are immutable once written.
type LogEntry struct {
	ID        string    `json:"id"`
	Prompt    string    `json:"prompt"`
	Response  string    `json:"response"`
	Tokens    uint64    `json:"tokens"`
	LatencyMS uint64    `json:"latency_ms"`
	Model     string    `json:"model"`
	CreatedAt time.Time `json:"created_at"`
}
