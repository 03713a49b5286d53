package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/jspenaq/DataSeed/internal/domain"
	"github.com/jspenaq/DataSeed/internal/logger"
)

// errorNotesLimit caps persisted error notes so one noisy run cannot bloat
// the audit table.
const errorNotesLimit = 1000

// RunRepo tracks ingestion run lifecycle and the watermark query.
type RunRepo struct {
	db  *sqlx.DB
	log logger.Logger
}

// Create records the start of a run in the started status.
func (r *RunRepo) Create(ctx context.Context, sourceID string) (domain.IngestionRun, error) {
	run := domain.IngestionRun{
		ID:        uuid.NewString(),
		SourceID:  sourceID,
		StartedAt: time.Now().UTC(),
		Status:    domain.RunStarted,
	}

	_, err := r.db.ExecContext(ctx,
		`INSERT INTO ingestion_runs (id, source_id, started_at, status) VALUES ($1, $2, $3, $4)`,
		run.ID, run.SourceID, run.StartedAt, run.Status)
	if err != nil {
		return domain.IngestionRun{}, fmt.Errorf("failed to create ingestion run: %w", err)
	}

	r.log.InfoObj("created ingestion run", "ingestion_run", map[string]any{"run_id": run.ID, "source_id": sourceID})
	return run, nil
}

// MarkRunning moves a run from started to running.
func (r *RunRepo) MarkRunning(ctx context.Context, runID string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE ingestion_runs SET status = $1 WHERE id = $2`, domain.RunRunning, runID)
	if err != nil {
		return fmt.Errorf("failed to mark run running: %w", err)
	}
	return nil
}

// Finish records the terminal status and final counters for a run.
func (r *RunRepo) Finish(ctx context.Context, runID, status string, stats UpsertStats, processed, errorsCount int, errorNotes *string) error {
	if status != domain.RunCompleted && status != domain.RunFailed {
		return fmt.Errorf("status %q is not terminal", status)
	}

	_, err := r.db.ExecContext(ctx,
		`UPDATE ingestion_runs SET
			status = $1,
			completed_at = $2,
			items_processed = $3,
			items_new = $4,
			items_updated = $5,
			items_failed = $6,
			errors_count = $7,
			error_notes = $8
		WHERE id = $9`,
		status, time.Now().UTC(), processed, stats.New, stats.Updated, stats.Failed,
		errorsCount, truncateNotes(errorNotes), runID)
	if err != nil {
		return fmt.Errorf("failed to finish ingestion run: %w", err)
	}

	r.log.InfoObj("finished ingestion run", "ingestion_run", map[string]any{
		"run_id":    runID,
		"status":    status,
		"processed": processed,
		"new":       stats.New,
		"updated":   stats.Updated,
		"errors":    errorsCount,
	})
	return nil
}

// LatestCompletedAt returns the completion time of the most recent completed
// run for a source, or nil when the source has never completed a run.
func (r *RunRepo) LatestCompletedAt(ctx context.Context, sourceID string) (*time.Time, error) {
	var completedAt time.Time
	err := r.db.GetContext(ctx, &completedAt,
		`SELECT completed_at FROM ingestion_runs
		WHERE source_id = $1 AND status = $2
		ORDER BY completed_at DESC LIMIT 1`,
		sourceID, domain.RunCompleted)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query latest completed run: %w", err)
	}
	return &completedAt, nil
}

// List returns runs newest first with optional source and status filters.
func (r *RunRepo) List(ctx context.Context, sourceID, status string, limit, offset int) ([]domain.IngestionRun, error) {
	query := `SELECT id, source_id, started_at, completed_at, status,
		items_processed, items_new, items_updated, items_failed, errors_count, error_notes
		FROM ingestion_runs`

	var (
		where []string
		args  []any
	)
	if sourceID != "" {
		args = append(args, sourceID)
		where = append(where, fmt.Sprintf("source_id = $%d", len(args)))
	}
	if status != "" {
		args = append(args, status)
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}

	if limit <= 0 {
		limit = defaultListLimit
	}
	args = append(args, limit)
	query += fmt.Sprintf(" ORDER BY started_at DESC LIMIT $%d", len(args))
	if offset > 0 {
		args = append(args, offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	runs := []domain.IngestionRun{}
	if err := r.db.SelectContext(ctx, &runs, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list ingestion runs: %w", err)
	}
	return runs, nil
}

// WindowStats aggregates run outcomes over a trailing window for monitoring.
type WindowStats struct {
	TotalRuns      int `db:"total_runs" json:"total_runs"`
	SuccessfulRuns int `db:"successful_runs" json:"successful_runs"`
	FailedRuns     int `db:"failed_runs" json:"failed_runs"`
	TotalProcessed int `db:"total_processed" json:"total_processed"`
	TotalNew       int `db:"total_new" json:"total_new"`
	TotalUpdated   int `db:"total_updated" json:"total_updated"`
	TotalErrors    int `db:"total_errors" json:"total_errors"`
}

// Stats aggregates runs started within the trailing window, optionally
// scoped to one source.
func (r *RunRepo) Stats(ctx context.Context, sourceID string, window time.Duration) (WindowStats, error) {
	query := `SELECT
		COUNT(*) AS total_runs,
		COALESCE(SUM(CASE WHEN status = 'completed' THEN 1 ELSE 0 END), 0) AS successful_runs,
		COALESCE(SUM(CASE WHEN status = 'failed' THEN 1 ELSE 0 END), 0) AS failed_runs,
		COALESCE(SUM(items_processed), 0) AS total_processed,
		COALESCE(SUM(items_new), 0) AS total_new,
		COALESCE(SUM(items_updated), 0) AS total_updated,
		COALESCE(SUM(errors_count), 0) AS total_errors
	FROM ingestion_runs WHERE started_at >= $1`

	cutoff := time.Now().UTC().Add(-window)
	args := []any{cutoff}
	if sourceID != "" {
		args = append(args, sourceID)
		query += " AND source_id = $2"
	}

	var stats WindowStats
	if err := r.db.GetContext(ctx, &stats, query, args...); err != nil {
		return WindowStats{}, fmt.Errorf("failed to aggregate run stats: %w", err)
	}
	return stats, nil
}

func truncateNotes(notes *string) *string {
	if notes == nil {
		return nil
	}
	if len(*notes) <= errorNotesLimit {
		return notes
	}
	truncated := (*notes)[:errorNotesLimit]
	return &truncated
}
