package repository

import (
	"context"

	"github.com/splax/aicwd/internal/domain"
)

// LogRepository persists observed interactions.
type LogRepository interface {
	InsertLog(ctx context.Context, entry *domain.LogEntry) error
	// ListRecentLogs returns up to limit entries, newest first.
	ListRecentLogs(ctx context.Context, limit int) ([]domain.LogEntry, error)
}

// CampaignRepository stores campaign runs and their per-prompt results.
type CampaignRepository interface {
	CreateRun(ctx context.Context, run *domain.CampaignRun) error
	GetRun(ctx context.Context, campaignID string) (*domain.CampaignRun, error)
	// UpdateRun applies a partial patch. Patching a terminal run returns ErrConflict.
	UpdateRun(ctx context.Context, update domain.CampaignRunUpdate) error
	InsertResult(ctx context.Context, result *domain.CampaignResult) error
	ListResults(ctx context.Context, campaignID string, order domain.ResultOrder) ([]domain.CampaignResult, error)
}
