package logs

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/splax/aicwd/internal/domain"
	"github.com/splax/aicwd/internal/metric"
	"github.com/splax/aicwd/internal/repository"
	"github.com/splax/aicwd/internal/telemetry"
)

const (
	// DefaultLimit is the snapshot size used when no limit is requested.
	DefaultLimit = 20
	// MaxLimit caps snapshot requests.
	MaxLimit = 100
)

// ErrInvalidEntry reports an ingest payload that cannot be stored.
var ErrInvalidEntry = errors.New("invalid log entry")

// IngestRequest is an interaction reported by the serving pipeline.
type IngestRequest struct {
	Prompt    string
	Response  string
	Tokens    float64
	LatencyMS float64
	Model     string
}

// Service persists interaction logs and serves metric snapshots over them.
type Service struct {
	repo    repository.LogRepository
	metrics *telemetry.Metrics
	now     func() time.Time
}

// New constructs a log service.
func New(repo repository.LogRepository, metrics *telemetry.Metrics) Service {
	return Service{repo: repo, metrics: metrics, now: time.Now}
}

// Ingest validates and stores an interaction, returning the stored entry.
func (s Service) Ingest(ctx context.Context, req IngestRequest) (domain.LogEntry, error) {
	tokens, err := count("tokens", req.Tokens)
	if err != nil {
		return domain.LogEntry{}, err
	}
	latency, err := count("latency", req.LatencyMS)
	if err != nil {
		return domain.LogEntry{}, err
	}
	entry := domain.LogEntry{
		ID:        uuid.NewString(),
		Prompt:    req.Prompt,
		Response:  req.Response,
		Tokens:    tokens,
		LatencyMS: latency,
		Model:     strings.TrimSpace(req.Model),
		CreatedAt: s.now().UTC(),
	}
	if err := s.Append(ctx, &entry); err != nil {
		return domain.LogEntry{}, err
	}
	return entry, nil
}

// Append stores an already built entry, assigning an id and timestamp when missing.
func (s Service) Append(ctx context.Context, entry *domain.LogEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = s.now()
	}
	entry.CreatedAt = entry.CreatedAt.UTC()
	if err := s.repo.InsertLog(ctx, entry); err != nil {
		return fmt.Errorf("insert log: %w", err)
	}
	s.metrics.LogIngested()
	return nil
}

// Latest returns the newest logs, limit clamped to 1..MaxLimit (0 means DefaultLimit).
func (s Service) Latest(ctx context.Context, limit int) ([]domain.LogEntry, error) {
	return s.repo.ListRecentLogs(ctx, ClampLimit(limit))
}

// Snapshot computes metric points for the newest logs.
func (s Service) Snapshot(ctx context.Context, limit int) ([]domain.MetricPoint, error) {
	entries, err := s.Latest(ctx, limit)
	if err != nil {
		return nil, err
	}
	return metric.ComputeWindow(entries), nil
}

// ClampLimit normalizes a requested window size.
func ClampLimit(limit int) int {
	if limit == 0 {
		return DefaultLimit
	}
	if limit < 1 {
		return 1
	}
	if limit > MaxLimit {
		return MaxLimit
	}
	return limit
}

func count(field string, v float64) (uint64, error) {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, fmt.Errorf("%w: %s must be a finite number", ErrInvalidEntry, field)
	}
	if v < 0 {
		return 0, fmt.Errorf("%w: %s must not be negative", ErrInvalidEntry, field)
	}
	if v >= math.MaxInt64 {
		return 0, fmt.Errorf("%w: %s is too large", ErrInvalidEntry, field)
	}
	return uint64(math.Round(v)), nil
}
