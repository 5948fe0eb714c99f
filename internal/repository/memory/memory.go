// Package memory provides process-local repository implementations used for
// development runs and tests.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/splax/aicwd/internal/domain"
	"github.com/splax/aicwd/internal/repository"
)

// Repository keeps logs, campaign runs and results in memory.
type Repository struct {
	mu      sync.RWMutex
	logs    []domain.LogEntry
	runs    map[string]domain.CampaignRun
	results map[string][]domain.CampaignResult
}

var (
	_ repository.LogRepository      = (*Repository)(nil)
	_ repository.CampaignRepository = (*Repository)(nil)
)

// New constructs an empty Repository.
func New() *Repository {
	return &Repository{
		runs:    make(map[string]domain.CampaignRun),
		results: make(map[string][]domain.CampaignResult),
	}
}

// Ping always succeeds.
func (r *Repository) Ping(context.Context) error {
	return nil
}

// InsertLog stores an interaction log.
func (r *Repository) InsertLog(_ context.Context, entry *domain.LogEntry) error {
	if entry == nil {
		return fmt.Errorf("log entry required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.logs = append(r.logs, *entry)
	return nil
}

// ListRecentLogs returns up to limit logs, newest first.
func (r *Repository) ListRecentLogs(_ context.Context, limit int) ([]domain.LogEntry, error) {
	if limit <= 0 {
		limit = 20
	}
	r.mu.RLock()
	logs := make([]domain.LogEntry, len(r.logs))
	copy(logs, r.logs)
	r.mu.RUnlock()

	sort.SliceStable(logs, func(i, j int) bool {
		return logs[i].CreatedAt.After(logs[j].CreatedAt)
	})
	if len(logs) > limit {
		logs = logs[:limit]
	}
	return logs, nil
}

// CreateRun stores a new campaign run.
func (r *Repository) CreateRun(_ context.Context, run *domain.CampaignRun) error {
	if run == nil {
		return fmt.Errorf("campaign run required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.runs[run.ID]; exists {
		return fmt.Errorf("%w: duplicate campaign id %s", repository.ErrInvalidArgument, run.ID)
	}
	r.runs[run.ID] = cloneRun(*run)
	return nil
}

// GetRun returns a copy of the stored run.
func (r *Repository) GetRun(_ context.Context, campaignID string) (*domain.CampaignRun, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	run, ok := r.runs[campaignID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	clone := cloneRun(run)
	return &clone, nil
}

// UpdateRun applies a partial patch. Terminal runs are immutable.
func (r *Repository) UpdateRun(_ context.Context, update domain.CampaignRunUpdate) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	run, ok := r.runs[update.CampaignID]
	if !ok {
		return repository.ErrNotFound
	}
	if run.Status.Terminal() {
		return repository.ErrConflict
	}
	if update.Status != "" {
		run.Status = update.Status
	}
	if update.TotalPrompts != nil {
		run.TotalPrompts = *update.TotalPrompts
	}
	if update.ProcessedPrompts != nil && *update.ProcessedPrompts > run.ProcessedPrompts {
		run.ProcessedPrompts = *update.ProcessedPrompts
	}
	if update.FragilityScore != nil {
		score := *update.FragilityScore
		run.FragilityScore = &score
	}
	if update.CompletedAt != nil {
		completed := *update.CompletedAt
		run.CompletedAt = &completed
	}
	if update.Error != "" {
		run.Error = update.Error
	}
	r.runs[update.CampaignID] = run
	return nil
}

// InsertResult appends a campaign result.
func (r *Repository) InsertResult(_ context.Context, result *domain.CampaignResult) error {
	if result == nil {
		return fmt.Errorf("campaign result required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.runs[result.CampaignID]; !ok {
		return repository.ErrNotFound
	}
	r.results[result.CampaignID] = append(r.results[result.CampaignID], *result)
	return nil
}

// ListResults returns the results of a campaign in the requested order.
func (r *Repository) ListResults(_ context.Context, campaignID string, order domain.ResultOrder) ([]domain.CampaignResult, error) {
	r.mu.RLock()
	results := make([]domain.CampaignResult, len(r.results[campaignID]))
	copy(results, r.results[campaignID])
	r.mu.RUnlock()

	switch order {
	case domain.OrderByWasteDesc:
		sort.SliceStable(results, func(i, j int) bool {
			return results[i].WasteScore > results[j].WasteScore
		})
	default:
		sort.SliceStable(results, func(i, j int) bool {
			return results[i].CreatedAt.Before(results[j].CreatedAt)
		})
	}
	return results, nil
}

func cloneRun(run domain.CampaignRun) domain.CampaignRun {
	if run.CompletedAt != nil {
		completed := *run.CompletedAt
		run.CompletedAt = &completed
	}
	if run.FragilityScore != nil {
		score := *run.FragilityScore
		run.FragilityScore = &score
	}
	return run
}
