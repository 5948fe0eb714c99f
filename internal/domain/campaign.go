package domain

import "time"

// CampaignStatus enumerates the lifecycle states of a red-team campaign.
type CampaignStatus string

const (
	CampaignPending   CampaignStatus = "pending"
	CampaignRunning   CampaignStatus = "running"
	CampaignCompleted CampaignStatus = "completed"
	CampaignFailed    CampaignStatus = "failed"
)

// Terminal reports whether no further transitions are allowed from the status.
func (s CampaignStatus) Terminal() bool {
	return s == CampaignCompleted || s == CampaignFailed
}

// CampaignRun is the lifecycle record of one adversarial campaign.
type CampaignRun struct {
	ID               string         `json:"id"`
	Status           CampaignStatus `json:"status"`
	Model            string         `json:"model"`
	StartedAt        time.Time      `json:"started_at"`
	CompletedAt      *time.Time     `json:"completed_at,omitempty"`
	TotalPrompts     int            `json:"total_prompts"`
	ProcessedPrompts int            `json:"processed_prompts"`
	FragilityScore   *float64       `json:"fragility_score,omitempty"`
	Error            string         `json:"error,omitempty"`
}

// CampaignRunUpdate carries a partial patch for a CampaignRun. Nil fields are left untouched.
type CampaignRunUpdate struct {
	CampaignID       string
	Status           CampaignStatus
	TotalPrompts     *int
	ProcessedPrompts *int
	FragilityScore   *float64
	CompletedAt      *time.Time
	Error            string
}

// CampaignResult is one prompt/response pair evaluated inside a campaign.
type CampaignResult struct {
	ID             string    `json:"id"`
	CampaignID     string    `json:"campaign_id"`
	LogID          string    `json:"log_id,omitempty"`
	Prompt         string    `json:"prompt"`
	Response       string    `json:"response"`
	Tokens         uint64    `json:"tokens"`
	LatencyDeltaMS uint64    `json:"latency_delta_ms"`
	CoherenceDrop  float64   `json:"coherence_drop"`
	WasteScore     float64   `json:"waste_score"`
	CreatedAt      time.Time `json:"created_at"`
}

// ResultOrder selects the ordering of campaign results.
type ResultOrder int

const (
	// OrderByCreatedAt is playback order, oldest first.
	OrderByCreatedAt ResultOrder = iota
	// OrderByWasteDesc ranks the most wasteful responses first.
	OrderByWasteDesc
)

// DegradationPoint is one ranked entry of the resilience degradation curve.
type DegradationPoint struct {
	Rank           int     `json:"rank"`
	WasteScore     float64 `json:"waste_score"`
	LatencyDeltaMS uint64  `json:"latency_delta"`
	CoherenceDrop  float64 `json:"coherence_drop"`
}

// TransformReceipt acknowledges a downstream transform job trigger.
type TransformReceipt struct {
	Status      string    `json:"status"`
	CampaignID  string    `json:"campaign_id,omitempty"`
	TriggeredAt time.Time `json:"triggered_at"`
}

// TaskHandle identifies a queued campaign execution.
type TaskHandle struct {
	TaskID      string    `json:"task_id"`
	CampaignID  string    `json:"campaign_id"`
	SubmittedAt time.Time `json:"submitted_at"`
}
