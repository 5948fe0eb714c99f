package campaign

import (
	"context"
	"errors"
	"fmt"

	"github.com/splax/aicwd/internal/domain"
)

var (
	// ErrGeneratorUnavailable marks a campaign that cannot reach its generation model.
	ErrGeneratorUnavailable = errors.New("generator unavailable")
	// ErrRunTerminal is returned when asked to execute a completed or failed run.
	ErrRunTerminal = errors.New("campaign run already finished")
	// ErrRunInProgress is returned when asked to execute a run that is already running.
	ErrRunInProgress = errors.New("campaign run already in progress")
	// ErrQueueFull is returned when no more campaigns can be queued.
	ErrQueueFull = errors.New("campaign queue full")
)

// Generator produces model responses for campaign prompts.
type Generator interface {
	// Preflight reports whether the generator can be used at all.
	Preflight() error
	Complete(ctx context.Context, prompt, model string) (domain.Completion, error)
}

// Augmenter expands the fixed corpus into a generated one.
type Augmenter interface {
	Augment(ctx context.Context, prompts []string) ([]string, error)
}

// Trigger schedules the downstream transform job once a campaign completes.
type Trigger interface {
	Schedule(ctx context.Context, campaignID string) (domain.TransformReceipt, error)
}

// LogSink stores the interaction log of every campaign call.
type LogSink interface {
	Append(ctx context.Context, entry *domain.LogEntry) error
}

// Publisher fans progress payloads out to the subscribers of a campaign.
type Publisher interface {
	Broadcast(topic string, payload []byte) bool
}

// Unavailable returns a Generator whose every call fails with ErrGeneratorUnavailable wrapping cause.
func Unavailable(cause error) Generator {
	return unavailableGenerator{err: fmt.Errorf("%w: %w", ErrGeneratorUnavailable, cause)}
}

type unavailableGenerator struct {
	err error
}

func (g unavailableGenerator) Preflight() error {
	return g.err
}

func (g unavailableGenerator) Complete(context.Context, string, string) (domain.Completion, error) {
	return domain.Completion{}, g.err
}
