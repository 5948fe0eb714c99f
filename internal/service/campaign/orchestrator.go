package campaign

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"

	"github.com/splax/aicwd/internal/domain"
	"github.com/splax/aicwd/internal/metric"
	"github.com/splax/aicwd/internal/repository"
	"github.com/splax/aicwd/internal/telemetry"
)

const (
	errorPrefix   = "ERROR: "
	progressEvery = 5

	defaultPatchBackoff = 200 * time.Millisecond
	patchRetries        = 3
)

// Orchestrator executes campaign runs: it replays the corpus against the
// generator one prompt at a time, scores every response and records progress.
type Orchestrator struct {
	runs      repository.CampaignRepository
	logs      LogSink
	generator Generator
	augmenter Augmenter
	trigger   Trigger
	publisher Publisher
	prompts   []string
	metrics   *telemetry.Metrics
	logger    *slog.Logger
	now       func() time.Time
	// patchBackoff is the first delay between retries of a run status patch.
	patchBackoff time.Duration
}

// OrchestratorConfig wires an Orchestrator. Augmenter, Trigger, Publisher and
// Metrics are optional.
type OrchestratorConfig struct {
	Runs      repository.CampaignRepository
	Logs      LogSink
	Generator Generator
	Augmenter Augmenter
	Trigger   Trigger
	Publisher Publisher
	Prompts   []string
	Metrics   *telemetry.Metrics
	Logger    *slog.Logger
	// PatchBackoff is the initial retry delay for status patches; zero uses 200ms.
	PatchBackoff time.Duration
}

// NewOrchestrator constructs an Orchestrator.
func NewOrchestrator(cfg OrchestratorConfig) *Orchestrator {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	backoff := cfg.PatchBackoff
	if backoff <= 0 {
		backoff = defaultPatchBackoff
	}
	return &Orchestrator{
		runs:      cfg.Runs,
		logs:      cfg.Logs,
		generator: cfg.Generator,
		augmenter: cfg.Augmenter,
		trigger:   cfg.Trigger,
		publisher: cfg.Publisher,
		prompts:   append([]string(nil), cfg.Prompts...),
		metrics:   cfg.Metrics,
		logger:    logger.With("component", "campaign_orchestrator"),
		now:       time.Now,

		patchBackoff: backoff,
	}
}

// Run executes the campaign identified by campaignID until it is completed or failed.
func (o *Orchestrator) Run(ctx context.Context, campaignID string) error {
	run, err := o.runs.GetRun(ctx, campaignID)
	if err != nil {
		return fmt.Errorf("load campaign %s: %w", campaignID, err)
	}
	switch {
	case run.Status.Terminal():
		return ErrRunTerminal
	case run.Status == domain.CampaignRunning:
		return ErrRunInProgress
	}
	log := o.logger.With("campaign_id", campaignID)

	if err := o.preflight(); err != nil {
		log.Warn("campaign precondition failed", "error", err)
		o.fail(ctx, run, err)
		return err
	}

	prompts := o.resolveCorpus(ctx, log)
	total := len(prompts)
	zero := 0
	if err := o.patchRun(ctx, domain.CampaignRunUpdate{
		CampaignID:       campaignID,
		Status:           domain.CampaignRunning,
		TotalPrompts:     &total,
		ProcessedPrompts: &zero,
	}); err != nil {
		err = fmt.Errorf("mark campaign running: %w", err)
		log.Error("campaign could not start", "error", err)
		o.fail(ctx, run, err)
		return err
	}
	log.Info("campaign started", "prompts", total, "model", run.Model)
	o.publish(ProgressEvent{CampaignID: campaignID, Status: domain.CampaignRunning, TotalPrompts: total})

	wasteScores := make([]float64, 0, total)
	for i, prompt := range prompts {
		wasteScores = append(wasteScores, o.evaluate(ctx, log, run, prompt))

		processed := i + 1
		if processed%progressEvery != 0 && processed != total {
			continue
		}
		if err := o.runs.UpdateRun(ctx, domain.CampaignRunUpdate{CampaignID: campaignID, ProcessedPrompts: &processed}); err != nil {
			log.Warn("failed to record campaign progress", "processed", processed, "error", err)
		}
		o.publish(ProgressEvent{CampaignID: campaignID, Status: domain.CampaignRunning, ProcessedPrompts: processed, TotalPrompts: total})
	}

	fragility := metric.FragilityScore(wasteScores)
	completedAt := o.now().UTC()
	if err := o.patchRun(ctx, domain.CampaignRunUpdate{
		CampaignID:     campaignID,
		Status:         domain.CampaignCompleted,
		FragilityScore: &fragility,
		CompletedAt:    &completedAt,
	}); err != nil {
		err = fmt.Errorf("mark campaign completed: %w", err)
		log.Error("campaign result could not be recorded", "processed", total, "error", err)
		o.fail(ctx, run, err)
		return err
	}
	o.metrics.CampaignFinished(string(domain.CampaignCompleted), &fragility)
	log.Info("campaign completed", "prompts", total, "fragility_score", fragility)
	o.publish(ProgressEvent{
		CampaignID:       campaignID,
		Status:           domain.CampaignCompleted,
		ProcessedPrompts: total,
		TotalPrompts:     total,
		FragilityScore:   &fragility,
	})

	o.scheduleTransform(ctx, log, campaignID)
	return nil
}

// Progress returns the stored state of a run.
func (o *Orchestrator) Progress(ctx context.Context, campaignID string) (*domain.CampaignRun, error) {
	return o.runs.GetRun(ctx, campaignID)
}

func (o *Orchestrator) preflight() error {
	if o.generator == nil {
		return fmt.Errorf("%w: no generator configured", ErrGeneratorUnavailable)
	}
	err := o.generator.Preflight()
	if err == nil || errors.Is(err, ErrGeneratorUnavailable) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrGeneratorUnavailable, err)
}

// resolveCorpus returns the augmented corpus when the augmenter answers with at
// least one prompt, and the fixed corpus otherwise.
func (o *Orchestrator) resolveCorpus(ctx context.Context, log *slog.Logger) []string {
	prompts := append([]string(nil), o.prompts...)
	if o.augmenter == nil {
		return prompts
	}
	generated, err := o.augmenter.Augment(ctx, prompts)
	if err != nil {
		log.Info("prompt augmentation unavailable, using fixed corpus", "error", err)
		return prompts
	}
	if len(generated) == 0 {
		return prompts
	}
	log.Info("using augmented corpus", "prompts", len(generated))
	return generated
}

// evaluate runs one prompt, persists its log and result, and returns its waste score.
func (o *Orchestrator) evaluate(ctx context.Context, log *slog.Logger, run *domain.CampaignRun, prompt string) float64 {
	start := o.now()
	completion, err := o.generator.Complete(ctx, prompt, run.Model)
	latency := o.now().Sub(start)

	text, tokens := completion.Text, completion.Tokens
	if err != nil {
		text = errorPrefix + err.Error()
		tokens = 0
		log.Warn("generation failed", "error", err)
	}
	o.metrics.PromptProcessed(err != nil)

	waste := metric.WasteIndex(float64(tokens), metric.SemanticPayload(text))
	latencyMS := uint64(0)
	if latency > 0 {
		latencyMS = uint64(latency.Milliseconds())
	}
	createdAt := o.now().UTC()

	entry := domain.LogEntry{
		ID:        uuid.NewString(),
		Prompt:    prompt,
		Response:  text,
		Tokens:    tokens,
		LatencyMS: latencyMS,
		Model:     run.Model,
		CreatedAt: createdAt,
	}
	if err := o.logs.Append(ctx, &entry); err != nil {
		log.Warn("failed to persist campaign log", "error", err)
		entry.ID = ""
	}

	result := domain.CampaignResult{
		ID:             uuid.NewString(),
		CampaignID:     run.ID,
		LogID:          entry.ID,
		Prompt:         prompt,
		Response:       text,
		Tokens:         tokens,
		LatencyDeltaMS: latencyMS,
		CoherenceDrop:  metric.CoherenceDrop(text),
		WasteScore:     waste,
		CreatedAt:      createdAt,
	}
	if err := o.runs.InsertResult(ctx, &result); err != nil {
		log.Warn("failed to persist campaign result", "error", err)
	}
	return waste
}

// patchRun applies a run status patch, retrying transient storage errors with
// exponential backoff. Conflicts and missing runs are not retried.
func (o *Orchestrator) patchRun(ctx context.Context, update domain.CampaignRunUpdate) error {
	backoff := retry.WithMaxRetries(patchRetries, retry.NewExponential(o.patchBackoff))
	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		err := o.runs.UpdateRun(ctx, update)
		switch {
		case err == nil,
			errors.Is(err, repository.ErrConflict),
			errors.Is(err, repository.ErrNotFound),
			errors.Is(err, repository.ErrInvalidArgument):
			return err
		}
		o.logger.Warn("campaign status patch failed, retrying", "campaign_id", update.CampaignID, "status", update.Status, "error", err)
		return retry.RetryableError(err)
	})
}

func (o *Orchestrator) fail(ctx context.Context, run *domain.CampaignRun, cause error) {
	completedAt := o.now().UTC()
	if err := o.patchRun(ctx, domain.CampaignRunUpdate{
		CampaignID:  run.ID,
		Status:      domain.CampaignFailed,
		CompletedAt: &completedAt,
		Error:       cause.Error(),
	}); err != nil {
		o.logger.Error("failed to mark campaign failed", "campaign_id", run.ID, "error", err)
		return
	}
	o.metrics.CampaignFinished(string(domain.CampaignFailed), nil)
	o.publish(ProgressEvent{
		CampaignID:   run.ID,
		Status:       domain.CampaignFailed,
		TotalPrompts: run.TotalPrompts,
		Error:        cause.Error(),
	})
}

func (o *Orchestrator) scheduleTransform(ctx context.Context, log *slog.Logger, campaignID string) {
	if o.trigger == nil {
		return
	}
	receipt, err := o.trigger.Schedule(ctx, campaignID)
	if err != nil {
		log.Warn("transform trigger failed", "error", err)
		return
	}
	log.Info("transform triggered", "status", receipt.Status, "triggered_at", receipt.TriggeredAt)
}
