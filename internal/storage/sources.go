package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/jspenaq/DataSeed/internal/domain"
	"github.com/jspenaq/DataSeed/internal/logger"
)

// ErrSourceNotFound is returned when a source lookup matches nothing.
var ErrSourceNotFound = errors.New("storage: source not found")

// SourceRepo persists source configurations. The provider-specific settings
// map is stored as JSONB.
type SourceRepo struct {
	db  *sqlx.DB
	log logger.Logger
}

type sourceRow struct {
	ID        string    `db:"id"`
	Name      string    `db:"name"`
	Type      string    `db:"type"`
	BaseURL   string    `db:"base_url"`
	RateLimit int       `db:"rate_limit"`
	Config    []byte    `db:"config"`
	IsActive  bool      `db:"is_active"`
	CreatedAt time.Time `db:"created_at"`
	UpdatedAt time.Time `db:"updated_at"`
}

func (row sourceRow) toDomain() (domain.Source, error) {
	src := domain.Source{
		ID:        row.ID,
		Name:      row.Name,
		Type:      row.Type,
		BaseURL:   row.BaseURL,
		RateLimit: row.RateLimit,
		IsActive:  row.IsActive,
		CreatedAt: row.CreatedAt,
		UpdatedAt: row.UpdatedAt,
	}
	if len(row.Config) > 0 {
		if err := json.Unmarshal(row.Config, &src.Config); err != nil {
			return domain.Source{}, fmt.Errorf("failed to decode source config: %w", err)
		}
	}
	return src, nil
}

const sourceColumns = `id, name, type, base_url, rate_limit, config, is_active, created_at, updated_at`

// GetByID returns one source by primary key.
func (r *SourceRepo) GetByID(ctx context.Context, id string) (domain.Source, error) {
	var row sourceRow
	err := r.db.GetContext(ctx, &row,
		`SELECT `+sourceColumns+` FROM sources WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Source{}, ErrSourceNotFound
	}
	if err != nil {
		return domain.Source{}, fmt.Errorf("failed to get source: %w", err)
	}
	return row.toDomain()
}

// GetActiveByName returns one active source by its unique name.
func (r *SourceRepo) GetActiveByName(ctx context.Context, name string) (domain.Source, error) {
	var row sourceRow
	err := r.db.GetContext(ctx, &row,
		`SELECT `+sourceColumns+` FROM sources WHERE name = $1 AND is_active = TRUE`, name)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Source{}, ErrSourceNotFound
	}
	if err != nil {
		return domain.Source{}, fmt.Errorf("failed to get source by name: %w", err)
	}
	return row.toDomain()
}

// ListActive returns all active sources ordered by name.
func (r *SourceRepo) ListActive(ctx context.Context) ([]domain.Source, error) {
	var rows []sourceRow
	err := r.db.SelectContext(ctx, &rows,
		`SELECT `+sourceColumns+` FROM sources WHERE is_active = TRUE ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("failed to list sources: %w", err)
	}

	sources := make([]domain.Source, 0, len(rows))
	for _, row := range rows {
		src, err := row.toDomain()
		if err != nil {
			return nil, err
		}
		sources = append(sources, src)
	}
	return sources, nil
}

// Upsert seeds or refreshes a source keyed by name, returning the stored id.
// Registry reloads go through here so operator edits to the YAML win over
// what is in the database.
func (r *SourceRepo) Upsert(ctx context.Context, src domain.Source) (string, error) {
	if src.ID == "" {
		src.ID = uuid.NewString()
	}
	configJSON, err := json.Marshal(src.Config)
	if err != nil {
		return "", fmt.Errorf("failed to encode source config: %w", err)
	}
	if src.Config == nil {
		configJSON = []byte("{}")
	}

	now := time.Now().UTC()
	var id string
	err = r.db.GetContext(ctx, &id,
		`INSERT INTO sources (id, name, type, base_url, rate_limit, config, is_active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $8)
		ON CONFLICT (name) DO UPDATE SET
			type = EXCLUDED.type,
			base_url = EXCLUDED.base_url,
			rate_limit = EXCLUDED.rate_limit,
			config = EXCLUDED.config,
			is_active = EXCLUDED.is_active,
			updated_at = EXCLUDED.updated_at
		RETURNING id`,
		src.ID, src.Name, src.Type, src.BaseURL, src.RateLimit, configJSON, src.IsActive, now)
	if err != nil {
		return "", fmt.Errorf("failed to upsert source: %w", err)
	}

	r.log.DebugObj("upserted source", "source_upsert", map[string]any{"source_id": id, "name": src.Name})
	return id, nil
}
