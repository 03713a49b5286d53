package domain

import "time"

// Domain contains the canonical models shared across the ingestion pipeline.

// Run statuses form a small state machine:
// started -> running -> completed | failed (terminal).
const (
	RunStarted   = "started"
	RunRunning   = "running"
	RunCompleted = "completed"
	RunFailed    = "failed"
)

// Source is the operator-facing configuration for one external provider.
type Source struct {
	ID        string         `db:"id" json:"id"`
	Name      string         `db:"name" json:"name"`
	Type      string         `db:"type" json:"type"`
	BaseURL   string         `db:"base_url" json:"base_url"`
	RateLimit int            `db:"rate_limit" json:"rate_limit"`
	Config    map[string]any `db:"-" json:"config"`
	IsActive  bool           `db:"is_active" json:"is_active"`
	CreatedAt time.Time      `db:"created_at" json:"created_at"`
	UpdatedAt time.Time      `db:"updated_at" json:"updated_at"`
}

// RawItem is the transient, provider-shaped record produced by an extractor.
// It is never persisted; Raw keeps the original payload for debugging and
// provider-specific normalization.
type RawItem struct {
	ExternalID  string
	Title       string
	Content     string
	URL         string
	Score       *int
	PublishedAt time.Time
	Raw         map[string]any
}

// ContentItem is the normalized, storage-ready record. (SourceID, ExternalID)
// is the natural key: re-ingesting the same external item updates the row,
// never duplicates it.
type ContentItem struct {
	ID          int64     `db:"id" json:"id"`
	SourceID    string    `db:"source_id" json:"source_id"`
	ExternalID  string    `db:"external_id" json:"external_id"`
	Title       string    `db:"title" json:"title"`
	Content     *string   `db:"content" json:"content,omitempty"`
	URL         string    `db:"url" json:"url"`
	Score       *int      `db:"score" json:"score,omitempty"`
	PublishedAt time.Time `db:"published_at" json:"published_at"`
	CreatedAt   time.Time `db:"created_at" json:"created_at"`
	UpdatedAt   time.Time `db:"updated_at" json:"updated_at"`
}

// IngestionRun is the audit record for one orchestrator execution.
type IngestionRun struct {
	ID             string     `db:"id" json:"id"`
	SourceID       string     `db:"source_id" json:"source_id"`
	StartedAt      time.Time  `db:"started_at" json:"started_at"`
	CompletedAt    *time.Time `db:"completed_at" json:"completed_at,omitempty"`
	Status         string     `db:"status" json:"status"`
	ItemsProcessed int        `db:"items_processed" json:"items_processed"`
	ItemsNew       int        `db:"items_new" json:"items_new"`
	ItemsUpdated   int        `db:"items_updated" json:"items_updated"`
	ItemsFailed    int        `db:"items_failed" json:"items_failed"`
	ErrorsCount    int        `db:"errors_count" json:"errors_count"`
	ErrorNotes     *string    `db:"error_notes" json:"error_notes,omitempty"`
}

// IsRunning reports whether the run has not reached a terminal status.
func (r IngestionRun) IsRunning() bool {
	return r.Status == RunStarted || r.Status == RunRunning
}

// Duration returns the run duration if the run has completed.
func (r IngestionRun) Duration() (time.Duration, bool) {
	if r.CompletedAt == nil {
		return 0, false
	}
	return r.CompletedAt.Sub(r.StartedAt), true
}

// RunStats summarizes one orchestrator execution for callers.
type RunStats struct {
	Processed int `json:"processed"`
	New       int `json:"new"`
	Updated   int `json:"updated"`
	Errors    int `json:"errors"`
}

// IntPtr is a small helper for optional score fields.
func IntPtr(v int) *int { return &v }

// StringPtr is a small helper for optional text fields.
func StringPtr(v string) *string { return &v }
