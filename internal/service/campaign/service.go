package campaign

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/splax/aicwd/internal/domain"
	"github.com/splax/aicwd/internal/repository"
	"github.com/splax/aicwd/internal/ws"
)

// CurveSize is the number of ranked results in the degradation curve.
const CurveSize = 25

// ErrMissingCampaignID is returned when a request names no campaign.
var ErrMissingCampaignID = errors.New("campaignId is required")

// Submitter accepts campaign tasks for background execution.
type Submitter interface {
	Submit(task domain.TaskHandle) error
}

// Subscriptions registers streaming clients per campaign.
type Subscriptions interface {
	Register(topic string, client ws.Subscriber)
	Unregister(topic string, client ws.Subscriber)
}

// Results is the ranked view of a campaign's results.
type Results struct {
	Results []domain.CampaignResult   `json:"results"`
	Curve   []domain.DegradationPoint `json:"resilience_degradation_curve"`
}

// Service is the request-facing side of campaigns: it creates runs, queues them
// and answers status and result queries.
type Service struct {
	runs   repository.CampaignRepository
	queue  Submitter
	subs   Subscriptions
	total  int
	model  string
	logger *slog.Logger
	now    func() time.Time
}

// NewService constructs a Service. total is the size of the fixed corpus
// recorded on new runs; model is the generation model they use.
func NewService(runs repository.CampaignRepository, queue Submitter, subs Subscriptions, total int, model string, logger *slog.Logger) Service {
	if logger == nil {
		logger = slog.Default()
	}
	return Service{
		runs:   runs,
		queue:  queue,
		subs:   subs,
		total:  total,
		model:  model,
		logger: logger.With("component", "campaign_service"),
		now:    time.Now,
	}
}

// Start creates a pending run and queues it. It returns as soon as the task is queued.
// When the queue refuses the task the run is marked failed and returned with the error.
func (s Service) Start(ctx context.Context) (domain.TaskHandle, domain.CampaignRun, error) {
	now := s.now().UTC()
	run := domain.CampaignRun{
		ID:           uuid.NewString(),
		Status:       domain.CampaignPending,
		Model:        s.model,
		StartedAt:    now,
		TotalPrompts: s.total,
	}
	if err := s.runs.CreateRun(ctx, &run); err != nil {
		return domain.TaskHandle{}, domain.CampaignRun{}, fmt.Errorf("create campaign: %w", err)
	}

	task := domain.TaskHandle{TaskID: uuid.NewString(), CampaignID: run.ID, SubmittedAt: now}
	if err := s.queue.Submit(task); err != nil {
		completedAt := s.now().UTC()
		if uerr := s.runs.UpdateRun(ctx, domain.CampaignRunUpdate{
			CampaignID:  run.ID,
			Status:      domain.CampaignFailed,
			CompletedAt: &completedAt,
			Error:       err.Error(),
		}); uerr != nil {
			s.logger.Error("failed to mark unqueued campaign failed", "campaign_id", run.ID, "error", uerr)
		}
		run.Status = domain.CampaignFailed
		run.CompletedAt = &completedAt
		run.Error = err.Error()
		return domain.TaskHandle{}, run, fmt.Errorf("queue campaign %s: %w", run.ID, err)
	}
	s.logger.Info("campaign queued", "campaign_id", run.ID, "task_id", task.TaskID)
	return task, run, nil
}

// Status returns the current record of a run.
func (s Service) Status(ctx context.Context, campaignID string) (*domain.CampaignRun, error) {
	campaignID = strings.TrimSpace(campaignID)
	if campaignID == "" {
		return nil, ErrMissingCampaignID
	}
	return s.runs.GetRun(ctx, campaignID)
}

// Results returns every result ranked by waste score with the degradation curve.
func (s Service) Results(ctx context.Context, campaignID string) (Results, error) {
	if _, err := s.Status(ctx, campaignID); err != nil {
		return Results{}, err
	}
	ranked, err := s.runs.ListResults(ctx, strings.TrimSpace(campaignID), domain.OrderByWasteDesc)
	if err != nil {
		return Results{}, fmt.Errorf("list campaign results: %w", err)
	}
	if ranked == nil {
		ranked = []domain.CampaignResult{}
	}
	return Results{Results: ranked, Curve: DegradationCurve(ranked)}, nil
}

// Subscribe streams progress events of a campaign to client.
func (s Service) Subscribe(campaignID string, client ws.Subscriber) {
	s.subs.Register(campaignID, client)
}

// Unsubscribe stops streaming to client.
func (s Service) Unsubscribe(campaignID string, client ws.Subscriber) {
	s.subs.Unregister(campaignID, client)
}

// DegradationCurve ranks the first CurveSize results, which must already be
// sorted by waste score descending.
func DegradationCurve(ranked []domain.CampaignResult) []domain.DegradationPoint {
	n := len(ranked)
	if n > CurveSize {
		n = CurveSize
	}
	curve := make([]domain.DegradationPoint, 0, n)
	for i := 0; i < n; i++ {
		curve = append(curve, domain.DegradationPoint{
			Rank:           i + 1,
			WasteScore:     ranked[i].WasteScore,
			LatencyDeltaMS: ranked[i].LatencyDeltaMS,
			CoherenceDrop:  ranked[i].CoherenceDrop,
		})
	}
	return curve
}
