package campaign

import (
	"encoding/json"

	"github.com/splax/aicwd/internal/domain"
)

// ProgressEvent is published to campaign subscribers as a run advances.
type ProgressEvent struct {
	CampaignID       string                `json:"campaign_id"`
	Status           domain.CampaignStatus `json:"status"`
	ProcessedPrompts int                   `json:"processed_prompts"`
	TotalPrompts     int                   `json:"total_prompts"`
	FragilityScore   *float64              `json:"fragility_score,omitempty"`
	Error            string                `json:"error,omitempty"`
	Timestamp        int64                 `json:"timestamp"`
}

func (o *Orchestrator) publish(ev ProgressEvent) {
	if o.publisher == nil {
		return
	}
	ev.Timestamp = o.now().UnixMilli()
	payload, err := json.Marshal(ev)
	if err != nil {
		o.logger.Warn("failed to marshal progress event", "campaign_id", ev.CampaignID, "error", err)
		return
	}
	if !o.publisher.Broadcast(ev.CampaignID, payload) {
		o.logger.Debug("progress event dropped", "campaign_id", ev.CampaignID, "processed", ev.ProcessedPrompts)
	}
}
