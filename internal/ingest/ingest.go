package ingest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jspenaq/DataSeed/internal/domain"
	"github.com/jspenaq/DataSeed/internal/kv"
	"github.com/jspenaq/DataSeed/internal/logger"
	"github.com/jspenaq/DataSeed/internal/storage"
	"github.com/jspenaq/DataSeed/pkg/extract"
	"github.com/jspenaq/DataSeed/pkg/normalize"
	"github.com/jspenaq/DataSeed/pkg/publishers"
)

// Package ingest orchestrates one extract-normalize-store cycle per source:
// watermark resolution, run tracking, batch upsert and downstream publishing.

// ErrRunInProgress is returned when another run holds the source lock.
var ErrRunInProgress = errors.New("ingest: run already in progress for source")

const (
	lockKeyPrefix = "ingest:lock:"
	lockTTL       = 15 * time.Minute

	// maxErrorNotes bounds how many per-item failures are joined into the
	// run's error notes; storage truncates the final string anyway.
	maxErrorNotes = 20
)

// ItemStore is the slice of the storage layer the orchestrator writes items through.
type ItemStore interface {
	UpsertBatch(ctx context.Context, items []domain.ContentItem) (storage.UpsertStats, error)
}

// RunStore tracks run lifecycle and the ingestion watermark.
type RunStore interface {
	Create(ctx context.Context, sourceID string) (domain.IngestionRun, error)
	MarkRunning(ctx context.Context, runID string) error
	Finish(ctx context.Context, runID, status string, stats storage.UpsertStats, processed, errorsCount int, errorNotes *string) error
	LatestCompletedAt(ctx context.Context, sourceID string) (*time.Time, error)
}

// SourceStore resolves source configurations.
type SourceStore interface {
	GetByID(ctx context.Context, id string) (domain.Source, error)
}

// Enricher optionally fills missing content before storage.
type Enricher interface {
	Enrich(ctx context.Context, items []domain.ContentItem) []domain.ContentItem
}

// Options tunes orchestration behavior.
type Options struct {
	// BatchLimit caps items fetched per run.
	BatchLimit int
	// Lookback is the first-run window when a source has no completed runs.
	Lookback time.Duration
	// WatermarkBuffer is subtracted from the last completion time so items
	// published near the boundary are not missed.
	WatermarkBuffer time.Duration
	// FailureRateThreshold is the tolerated fraction of failed items per
	// run; 0 means any failure marks the run failed.
	FailureRateThreshold float64
	// EnrichContent enables the metadata scraper for items without content.
	EnrichContent bool
}

func (o Options) normalized() Options {
	if o.BatchLimit <= 0 {
		o.BatchLimit = 100
	}
	if o.Lookback <= 0 {
		o.Lookback = 24 * time.Hour
	}
	if o.WatermarkBuffer <= 0 {
		o.WatermarkBuffer = 5 * time.Minute
	}
	return o
}

// Service runs the ingestion pipeline for configured sources.
type Service struct {
	items       ItemStore
	runs        RunStore
	sources     SourceStore
	locks       kv.Store
	extractors  extract.Registry
	normalizers *normalize.Registry
	enricher    Enricher
	fanout      *publishers.Fanout
	opts        Options
	log         logger.Logger
}

// New wires an ingestion service. locks, enricher and fanout may be nil;
// the corresponding behaviors are skipped.
func New(items ItemStore, runs RunStore, sources SourceStore, locks kv.Store,
	extractors extract.Registry, normalizers *normalize.Registry,
	enricher Enricher, fanout *publishers.Fanout, opts Options, log logger.Logger) *Service {
	if log == nil {
		log = logger.NopLogger{}
	}
	return &Service{
		items:       items,
		runs:        runs,
		sources:     sources,
		locks:       locks,
		extractors:  extractors,
		normalizers: normalizers,
		enricher:    enricher,
		fanout:      fanout,
		opts:        opts.normalized(),
		log:         log,
	}
}

// Run executes one ingestion cycle for the source. It returns the run stats
// on success; an error means the run was recorded as failed (or could not
// start at all).
func (s *Service) Run(ctx context.Context, sourceID string) (domain.RunStats, error) {
	src, err := s.sources.GetByID(ctx, sourceID)
	if err != nil {
		return domain.RunStats{}, fmt.Errorf("resolve source: %w", err)
	}

	release, err := s.acquireLock(ctx, sourceID)
	if err != nil {
		return domain.RunStats{}, err
	}
	defer release()

	since := s.watermark(ctx, sourceID)

	run, err := s.runs.Create(ctx, sourceID)
	if err != nil {
		return domain.RunStats{}, fmt.Errorf("create run: %w", err)
	}

	stats, err := s.execute(ctx, run, src, since)
	if err != nil {
		notes := err.Error()
		if ferr := s.runs.Finish(ctx, run.ID, domain.RunFailed, storage.UpsertStats{}, 0, 1, &notes); ferr != nil {
			s.log.ErrorObj("failed to record failed run", "ingest_error", map[string]any{
				"run_id": run.ID,
				"error":  ferr.Error(),
			})
		}
		return domain.RunStats{}, err
	}
	return stats, nil
}

// acquireLock takes the best-effort per-source run lock. A lock store error
// is logged and treated as acquired so ingestion does not depend on the KV
// backend being up.
func (s *Service) acquireLock(ctx context.Context, sourceID string) (func(), error) {
	if s.locks == nil {
		return func() {}, nil
	}

	key := lockKeyPrefix + sourceID
	ok, err := s.locks.SetNX(ctx, key, time.Now().UTC().Format(time.RFC3339), lockTTL)
	if err != nil {
		s.log.WarnObj("run lock unavailable, proceeding without it", "ingest_lock", map[string]any{
			"source_id": sourceID,
			"error":     err.Error(),
		})
		return func() {}, nil
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrRunInProgress, sourceID)
	}
	return func() {
		if err := s.locks.Delete(context.WithoutCancel(ctx), key); err != nil {
			s.log.WarnObj("failed to release run lock", "ingest_lock", map[string]any{
				"source_id": sourceID,
				"error":     err.Error(),
			})
		}
	}, nil
}

// watermark resolves the since timestamp for a run: the last completed run
// minus a safety buffer, or the configured lookback for first runs.
func (s *Service) watermark(ctx context.Context, sourceID string) time.Time {
	last, err := s.runs.LatestCompletedAt(ctx, sourceID)
	if err != nil {
		s.log.WarnObj("failed to resolve watermark, using lookback", "ingest_watermark", map[string]any{
			"source_id": sourceID,
			"error":     err.Error(),
		})
		last = nil
	}
	if last != nil {
		return last.Add(-s.opts.WatermarkBuffer)
	}
	return time.Now().UTC().Add(-s.opts.Lookback)
}

func (s *Service) execute(ctx context.Context, run domain.IngestionRun, src domain.Source, since time.Time) (domain.RunStats, error) {
	extractor, err := s.extractors.ExtractorFor(src.Type, extract.Config{
		SourceID:  src.ID,
		BaseURL:   src.BaseURL,
		RateLimit: src.RateLimit,
		Settings:  src.Config,
	})
	if err != nil {
		return domain.RunStats{}, fmt.Errorf("build extractor: %w", err)
	}

	if err := s.runs.MarkRunning(ctx, run.ID); err != nil {
		return domain.RunStats{}, fmt.Errorf("mark run running: %w", err)
	}

	rawItems, err := extractor.FetchRecent(ctx, &since, s.opts.BatchLimit)
	if err != nil {
		return domain.RunStats{}, fmt.Errorf("fetch from %s: %w", src.Name, err)
	}
	s.log.InfoObj("extracted raw items", "ingest_extract", map[string]any{
		"source": src.Name,
		"items":  len(rawItems),
		"since":  since.Format(time.RFC3339),
	})

	normalized, normErrors := s.normalizeAll(src, rawItems)

	if s.opts.EnrichContent && s.enricher != nil {
		normalized = s.enricher.Enrich(ctx, normalized)
	}

	upsert, err := s.items.UpsertBatch(ctx, normalized)
	if err != nil {
		return domain.RunStats{}, fmt.Errorf("upsert items: %w", err)
	}

	errorsCount := len(normErrors) + upsert.Failed
	processed := len(normalized)

	status := domain.RunCompleted
	if attempted := len(rawItems); attempted > 0 {
		rate := float64(errorsCount) / float64(attempted)
		if rate > s.opts.FailureRateThreshold {
			status = domain.RunFailed
		}
	}

	var notes *string
	if len(normErrors) > 0 {
		notes = domain.StringPtr(joinErrors(normErrors))
	}
	if err := s.runs.Finish(ctx, run.ID, status, upsert, processed, errorsCount, notes); err != nil {
		return domain.RunStats{}, fmt.Errorf("finish run: %w", err)
	}

	s.publish(ctx, src, normalized)

	return domain.RunStats{
		Processed: processed,
		New:       upsert.New,
		Updated:   upsert.Updated,
		Errors:    errorsCount,
	}, nil
}

// normalizeAll converts raw items, collecting per-item failures instead of
// aborting the batch.
func (s *Service) normalizeAll(src domain.Source, rawItems []domain.RawItem) ([]domain.ContentItem, []error) {
	normalizer := s.normalizers.NormalizerFor(src.Type)

	normalized := make([]domain.ContentItem, 0, len(rawItems))
	var failures []error
	for _, raw := range rawItems {
		item, err := normalizer.Normalize(src.ID, raw)
		if err != nil {
			s.log.WarnObj("failed to normalize item", "ingest_normalize", map[string]any{
				"source":      src.Name,
				"external_id": raw.ExternalID,
				"error":       err.Error(),
			})
			failures = append(failures, err)
			continue
		}
		normalized = append(normalized, item)
	}
	return normalized, failures
}

// publish fans stored items out to the configured sinks. Delivery failures
// never affect the run outcome.
func (s *Service) publish(ctx context.Context, src domain.Source, items []domain.ContentItem) {
	if s.fanout == nil || s.fanout.Size() == 0 || len(items) == 0 {
		return
	}

	for _, item := range items {
		if _, err := s.fanout.Publish(ctx, publishers.NewEvent(src.ID, src.Name, item)); err != nil {
			s.log.WarnObj("event publish failed", "ingest_publish", map[string]any{
				"source":      src.Name,
				"external_id": item.ExternalID,
				"error":       err.Error(),
			})
		}
	}
}

func joinErrors(errs []error) string {
	if len(errs) > maxErrorNotes {
		errs = errs[:maxErrorNotes]
	}
	parts := make([]string, 0, len(errs))
	for _, err := range errs {
		parts = append(parts, err.Error())
	}
	return strings.Join(parts, "; ")
}
