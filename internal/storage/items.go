package storage

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/jspenaq/DataSeed/internal/domain"
	"github.com/jspenaq/DataSeed/internal/logger"
)

// UpsertStats reports the outcome of one batch upsert.
type UpsertStats struct {
	New     int `json:"new"`
	Updated int `json:"updated"`
	Failed  int `json:"failed"`
}

// ItemRepo persists normalized content items.
type ItemRepo struct {
	db  *sqlx.DB
	log logger.Logger
}

// UpsertBatch inserts or refreshes items on the (source_id, external_id)
// natural key. Postgres does not report insert-vs-update per row, so existing
// keys are counted first and the split derived from rows affected. The whole
// batch succeeds or fails as one statement.
func (r *ItemRepo) UpsertBatch(ctx context.Context, items []domain.ContentItem) (UpsertStats, error) {
	if len(items) == 0 {
		r.log.InfoObj("no items to upsert", "batch_upsert", nil)
		return UpsertStats{}, nil
	}

	// Postgres rejects a multi-row ON CONFLICT DO UPDATE that touches the
	// same row twice, so collapse duplicate keys up front (last wins).
	items = dedupeByKey(items)

	existing, err := r.countExisting(ctx, items)
	if err != nil {
		return UpsertStats{Failed: len(items)}, err
	}

	now := time.Now().UTC()
	values := make([]string, 0, len(items))
	args := make([]any, 0, len(items)*9)
	for i, item := range items {
		base := i * 9
		values = append(values, fmt.Sprintf("($%d,$%d,$%d,$%d,$%d,$%d,$%d,$%d,$%d)",
			base+1, base+2, base+3, base+4, base+5, base+6, base+7, base+8, base+9))
		args = append(args, item.SourceID, item.ExternalID, item.Title, item.Content,
			item.URL, item.Score, item.PublishedAt, now, now)
	}

	query := `INSERT INTO content_items
		(source_id, external_id, title, content, url, score, published_at, created_at, updated_at)
		VALUES ` + strings.Join(values, ",") + `
		ON CONFLICT ON CONSTRAINT uq_source_external DO UPDATE SET
			title = EXCLUDED.title,
			content = EXCLUDED.content,
			url = EXCLUDED.url,
			score = EXCLUDED.score,
			published_at = EXCLUDED.published_at,
			updated_at = EXCLUDED.updated_at`

	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		r.log.ErrorObj("batch upsert failed", "batch_upsert_error", map[string]any{"items": len(items), "error": err.Error()})
		return UpsertStats{Failed: len(items)}, fmt.Errorf("failed to upsert items: %w", err)
	}

	affected64, err := res.RowsAffected()
	if err != nil {
		return UpsertStats{Failed: len(items)}, fmt.Errorf("failed to read rows affected: %w", err)
	}
	affected := int(affected64)

	updated := existing
	if affected < updated {
		updated = affected
	}
	newCount := affected - updated
	if newCount < 0 {
		newCount = 0
	}

	stats := UpsertStats{New: newCount, Updated: updated}
	r.log.InfoObj("batch upsert completed", "batch_upsert", map[string]any{
		"new":     stats.New,
		"updated": stats.Updated,
	})
	return stats, nil
}

// dedupeByKey keeps the last candidate per (source_id, external_id).
func dedupeByKey(items []domain.ContentItem) []domain.ContentItem {
	seen := make(map[[2]string]int, len(items))
	out := make([]domain.ContentItem, 0, len(items))
	for _, item := range items {
		key := [2]string{item.SourceID, item.ExternalID}
		if i, ok := seen[key]; ok {
			out[i] = item
			continue
		}
		seen[key] = len(out)
		out = append(out, item)
	}
	return out
}

func (r *ItemRepo) countExisting(ctx context.Context, items []domain.ContentItem) (int, error) {
	pairs := make([]string, 0, len(items))
	args := make([]any, 0, len(items)*2)
	for i, item := range items {
		pairs = append(pairs, fmt.Sprintf("($%d,$%d)", i*2+1, i*2+2))
		args = append(args, item.SourceID, item.ExternalID)
	}

	var count int
	query := `SELECT COUNT(*) FROM content_items WHERE (source_id, external_id) IN (` +
		strings.Join(pairs, ",") + `)`
	if err := r.db.GetContext(ctx, &count, query, args...); err != nil {
		return 0, fmt.Errorf("failed to count existing items: %w", err)
	}
	return count, nil
}

// ListOptions filters and pages item listings. Zero values mean "no filter".
type ListOptions struct {
	SourceID string
	Since    *time.Time
	Until    *time.Time
	Limit    int
	Offset   int
}

const defaultListLimit = 50

// List returns items newest first by published time.
func (r *ItemRepo) List(ctx context.Context, opts ListOptions) ([]domain.ContentItem, error) {
	query := `SELECT id, source_id, external_id, title, content, url, score,
		published_at, created_at, updated_at FROM content_items`

	var (
		where []string
		args  []any
	)
	if opts.SourceID != "" {
		args = append(args, opts.SourceID)
		where = append(where, fmt.Sprintf("source_id = $%d", len(args)))
	}
	if opts.Since != nil {
		args = append(args, *opts.Since)
		where = append(where, fmt.Sprintf("published_at > $%d", len(args)))
	}
	if opts.Until != nil {
		args = append(args, *opts.Until)
		where = append(where, fmt.Sprintf("published_at <= $%d", len(args)))
	}
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}

	limit := opts.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	args = append(args, limit)
	query += fmt.Sprintf(" ORDER BY published_at DESC, id DESC LIMIT $%d", len(args))
	if opts.Offset > 0 {
		args = append(args, opts.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	items := []domain.ContentItem{}
	if err := r.db.SelectContext(ctx, &items, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list items: %w", err)
	}
	return items, nil
}

// Count returns the number of items, optionally scoped to one source.
func (r *ItemRepo) Count(ctx context.Context, sourceID string) (int, error) {
	var count int
	if sourceID == "" {
		if err := r.db.GetContext(ctx, &count, `SELECT COUNT(*) FROM content_items`); err != nil {
			return 0, fmt.Errorf("failed to count items: %w", err)
		}
		return count, nil
	}
	err := r.db.GetContext(ctx, &count,
		`SELECT COUNT(*) FROM content_items WHERE source_id = $1`, sourceID)
	if err != nil {
		return 0, fmt.Errorf("failed to count items: %w", err)
	}
	return count, nil
}
