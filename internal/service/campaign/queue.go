package campaign

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/splax/aicwd/internal/domain"
)

const progressLookupTimeout = 2 * time.Second

// Runner executes one campaign.
type Runner interface {
	Run(ctx context.Context, campaignID string) error
}

// progressReporter is implemented by runners that can report how far a run got.
type progressReporter interface {
	Progress(ctx context.Context, campaignID string) (*domain.CampaignRun, error)
}

var _ progressReporter = (*Orchestrator)(nil)

// Queue hands submitted campaigns to a single worker, so at most one campaign
// executes per process at a time.
type Queue struct {
	tasks  chan domain.TaskHandle
	runner Runner
	drain  time.Duration
	logger *slog.Logger
}

// NewQueue constructs a queue holding up to size pending campaigns. On shutdown
// the worker waits up to drain for the in-flight campaign; zero waits indefinitely.
func NewQueue(runner Runner, size int, drain time.Duration, logger *slog.Logger) *Queue {
	if size <= 0 {
		size = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Queue{
		tasks:  make(chan domain.TaskHandle, size),
		runner: runner,
		drain:  drain,
		logger: logger.With("component", "campaign_queue"),
	}
}

// Submit enqueues a task without blocking.
func (q *Queue) Submit(task domain.TaskHandle) error {
	select {
	case q.tasks <- task:
		return nil
	default:
		return ErrQueueFull
	}
}

// Pending reports the number of queued tasks.
func (q *Queue) Pending() int {
	return len(q.tasks)
}

// Run consumes tasks until ctx is cancelled. Campaigns execute detached from
// ctx cancellation so that a started run always reaches a terminal state.
func (q *Queue) Run(ctx context.Context) error {
	q.logger.Info("campaign worker started")
	defer q.logger.Info("campaign worker stopped", "pending", len(q.tasks))
	for {
		select {
		case <-ctx.Done():
			return nil
		case task := <-q.tasks:
			if ctx.Err() != nil {
				return nil
			}
			q.execute(ctx, task)
		}
	}
}

func (q *Queue) execute(ctx context.Context, task domain.TaskHandle) {
	log := q.logger.With("campaign_id", task.CampaignID, "task_id", task.TaskID)
	done := make(chan struct{})
	go func() {
		defer close(done)
		started := time.Now()
		err := q.runner.Run(context.WithoutCancel(ctx), task.CampaignID)
		switch {
		case err == nil:
			log.Info("campaign task finished", "duration_ms", time.Since(started).Milliseconds())
		case errors.Is(err, ErrRunTerminal), errors.Is(err, ErrRunInProgress):
			log.Info("campaign task skipped", "reason", err)
		default:
			log.Warn("campaign task failed", "error", err)
		}
	}()

	select {
	case <-done:
		return
	case <-ctx.Done():
	}

	log.Info("waiting for in-flight campaign before shutdown", "timeout", q.drain)
	if q.drain <= 0 {
		<-done
		return
	}
	timer := time.NewTimer(q.drain)
	defer timer.Stop()
	select {
	case <-done:
		log.Info("in-flight campaign drained", "outcome", "drained")
	case <-timer.C:
		q.abandon(log, task.CampaignID)
	}
}

// abandon records a run the drain timeout gave up on. Its stored status stays
// running; processed_prompts tells how far it got before the process exited.
func (q *Queue) abandon(log *slog.Logger, campaignID string) {
	attrs := []any{"outcome", "abandoned", "drain_timeout", q.drain}
	if reporter, ok := q.runner.(progressReporter); ok {
		ctx, cancel := context.WithTimeout(context.Background(), progressLookupTimeout)
		defer cancel()
		run, err := reporter.Progress(ctx, campaignID)
		if err != nil {
			attrs = append(attrs, "progress_error", err)
		} else {
			attrs = append(attrs, "status", run.Status, "processed_prompts", run.ProcessedPrompts, "total_prompts", run.TotalPrompts)
		}
	}
	log.Warn("campaign abandoned at shutdown, run left incomplete", attrs...)
}
