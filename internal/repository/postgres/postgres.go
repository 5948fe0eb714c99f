package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/splax/aicwd/internal/domain"
	"github.com/splax/aicwd/internal/repository"
)

// Repository implements persistence interfaces on PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// New constructs a Repository.
func New(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// ensure Repository satisfies interfaces.
var (
	_ repository.LogRepository      = (*Repository)(nil)
	_ repository.CampaignRepository = (*Repository)(nil)
)

// Ping checks that the pool can reach the database.
func (r *Repository) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

// InsertLog persists an interaction log.
func (r *Repository) InsertLog(ctx context.Context, entry *domain.LogEntry) error {
	if entry == nil {
		return fmt.Errorf("log entry required")
	}
	const query = `INSERT INTO logs (id, prompt, response, tokens, latency_ms, model, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`
	_, err := r.pool.Exec(ctx, query,
		entry.ID,
		entry.Prompt,
		entry.Response,
		int64(entry.Tokens),
		int64(entry.LatencyMS),
		entry.Model,
		entry.CreatedAt.UTC(),
	)
	return mapError(err)
}

// ListRecentLogs fetches the newest logs first.
func (r *Repository) ListRecentLogs(ctx context.Context, limit int) ([]domain.LogEntry, error) {
	if limit <= 0 {
		limit = 20
	}
	const query = `SELECT id, prompt, response, tokens, latency_ms, model, created_at
		FROM logs ORDER BY created_at DESC, id DESC LIMIT $1`
	rows, err := r.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var logs []domain.LogEntry
	for rows.Next() {
		var (
			l         domain.LogEntry
			tokens    int64
			latencyMS int64
		)
		if err := rows.Scan(&l.ID, &l.Prompt, &l.Response, &tokens, &latencyMS, &l.Model, &l.CreatedAt); err != nil {
			return nil, err
		}
		l.Tokens = nonNegative(tokens)
		l.LatencyMS = nonNegative(latencyMS)
		logs = append(logs, l)
	}
	return logs, rows.Err()
}

// CreateRun inserts a campaign run record.
func (r *Repository) CreateRun(ctx context.Context, run *domain.CampaignRun) error {
	if run == nil {
		return fmt.Errorf("campaign run required")
	}
	const query = `INSERT INTO campaign_runs (id, status, model, started_at, completed_at, total_prompts, processed_prompts, fragility_score, error, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NOW())`
	_, err := r.pool.Exec(ctx, query,
		run.ID,
		string(run.Status),
		run.Model,
		run.StartedAt.UTC(),
		timePtrToNil(run.CompletedAt),
		run.TotalPrompts,
		run.ProcessedPrompts,
		floatPtrToNil(run.FragilityScore),
		emptyToNil(run.Error),
	)
	return mapError(err)
}

// GetRun fetches a campaign run by identifier.
func (r *Repository) GetRun(ctx context.Context, campaignID string) (*domain.CampaignRun, error) {
	const query = `SELECT id, status, model, started_at, completed_at, total_prompts, processed_prompts, fragility_score, error
		FROM campaign_runs WHERE id = $1`
	row := r.pool.QueryRow(ctx, query, campaignID)
	var (
		run         domain.CampaignRun
		status      string
		completedAt sql.NullTime
		fragility   sql.NullFloat64
		runErr      sql.NullString
	)
	if err := row.Scan(&run.ID, &status, &run.Model, &run.StartedAt, &completedAt, &run.TotalPrompts, &run.ProcessedPrompts, &fragility, &runErr); err != nil {
		if errors.Is(err, pgx.ErrNoRows) || isInvalidText(err) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	run.Status = domain.CampaignStatus(status)
	if completedAt.Valid {
		value := completedAt.Time
		run.CompletedAt = &value
	}
	if fragility.Valid {
		value := fragility.Float64
		run.FragilityScore = &value
	}
	run.Error = runErr.String
	return &run, nil
}

// UpdateRun applies a partial patch to a non-terminal run.
func (r *Repository) UpdateRun(ctx context.Context, update domain.CampaignRunUpdate) error {
	const query = `UPDATE campaign_runs
		SET status = COALESCE($2, status),
			total_prompts = COALESCE($3, total_prompts),
			processed_prompts = GREATEST(processed_prompts, COALESCE($4, processed_prompts)),
			fragility_score = COALESCE($5, fragility_score),
			completed_at = COALESCE($6, completed_at),
			error = COALESCE($7, error),
			updated_at = NOW()
		WHERE id = $1 AND status NOT IN ('completed', 'failed')`
	cmdTag, err := r.pool.Exec(ctx, query,
		update.CampaignID,
		emptyToNil(string(update.Status)),
		intPtrToNil(update.TotalPrompts),
		intPtrToNil(update.ProcessedPrompts),
		floatPtrToNil(update.FragilityScore),
		timePtrToNil(update.CompletedAt),
		emptyToNil(update.Error),
	)
	if err != nil {
		if isInvalidText(err) {
			return repository.ErrNotFound
		}
		return mapError(err)
	}
	if cmdTag.RowsAffected() > 0 {
		return nil
	}
	if _, err := r.GetRun(ctx, update.CampaignID); err != nil {
		return err
	}
	return repository.ErrConflict
}

// InsertResult appends a campaign result.
func (r *Repository) InsertResult(ctx context.Context, result *domain.CampaignResult) error {
	if result == nil {
		return fmt.Errorf("campaign result required")
	}
	const query = `INSERT INTO campaign_results (id, campaign_id, log_id, prompt, response, tokens, latency_delta_ms, coherence_drop, waste_score, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`
	_, err := r.pool.Exec(ctx, query,
		result.ID,
		result.CampaignID,
		emptyToNil(result.LogID),
		result.Prompt,
		result.Response,
		int64(result.Tokens),
		int64(result.LatencyDeltaMS),
		result.CoherenceDrop,
		result.WasteScore,
		result.CreatedAt.UTC(),
	)
	return mapError(err)
}

// ListResults returns every result of a campaign in the requested order.
func (r *Repository) ListResults(ctx context.Context, campaignID string, order domain.ResultOrder) ([]domain.CampaignResult, error) {
	orderBy := "created_at ASC, id ASC"
	if order == domain.OrderByWasteDesc {
		orderBy = "waste_score DESC, created_at ASC"
	}
	query := `SELECT id, campaign_id, log_id, prompt, response, tokens, latency_delta_ms, coherence_drop, waste_score, created_at
		FROM campaign_results WHERE campaign_id = $1 ORDER BY ` + orderBy
	rows, err := r.pool.Query(ctx, query, campaignID)
	if err != nil {
		if isInvalidText(err) {
			return nil, nil
		}
		return nil, err
	}
	defer rows.Close()

	var results []domain.CampaignResult
	for rows.Next() {
		var (
			res     domain.CampaignResult
			logID   sql.NullString
			tokens  int64
			latency int64
		)
		if err := rows.Scan(&res.ID, &res.CampaignID, &logID, &res.Prompt, &res.Response, &tokens, &latency, &res.CoherenceDrop, &res.WasteScore, &res.CreatedAt); err != nil {
			return nil, err
		}
		res.LogID = logID.String
		res.Tokens = nonNegative(tokens)
		res.LatencyDeltaMS = nonNegative(latency)
		results = append(results, res)
	}
	if err := rows.Err(); err != nil {
		if isInvalidText(err) {
			return nil, nil
		}
		return nil, err
	}
	return results, nil
}

func mapError(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "22P02", "23514":
			return fmt.Errorf("%w: %s", repository.ErrInvalidArgument, pgErr.Message)
		case "23503":
			return repository.ErrNotFound
		}
	}
	return err
}

func isInvalidText(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "22P02"
}

func emptyToNil(value string) any {
	if strings.TrimSpace(value) == "" {
		return nil
	}
	return value
}

func intPtrToNil(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}

func floatPtrToNil(v *float64) any {
	if v == nil {
		return nil
	}
	return *v
}

func timePtrToNil(t *time.Time) any {
	if t == nil {
		return nil
	}
	if t.IsZero() {
		return nil
	}
	return t.UTC()
}

func nonNegative(v int64) uint64 {
	if v < 0 {
		return 0
	}
	return uint64(v)
}
