package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/jspenaq/DataSeed/internal/api"
	"github.com/jspenaq/DataSeed/internal/config"
	"github.com/jspenaq/DataSeed/internal/enrich"
	"github.com/jspenaq/DataSeed/internal/ingest"
	"github.com/jspenaq/DataSeed/internal/kv"
	"github.com/jspenaq/DataSeed/internal/logger"
	"github.com/jspenaq/DataSeed/internal/scheduler"
	"github.com/jspenaq/DataSeed/internal/sources"
	"github.com/jspenaq/DataSeed/internal/storage"
	"github.com/jspenaq/DataSeed/pkg/extract"
	"github.com/jspenaq/DataSeed/pkg/fetch"
	"github.com/jspenaq/DataSeed/pkg/normalize"
	"github.com/jspenaq/DataSeed/pkg/publishers"
)

const shutdownTimeout = 10 * time.Second

// Daemon is the ingestion runtime. It owns the database and KV stores, the
// per-source schedule and the ops HTTP server.
type Daemon struct {
	cfg   *config.Config
	store *storage.Store
	kvs   kv.Store
	sched *scheduler.Scheduler
	srv   *http.Server
	log   logger.Logger
}

// NewDaemon assembles the ingestion runtime from config files.
func NewDaemon(ctx context.Context, cfg *config.Config, log logger.Logger) (*Daemon, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config must not be nil")
	}
	if log == nil {
		log = logger.NopLogger{}
	}
	if ctx == nil {
		ctx = context.Background()
	}

	store, err := storage.Open(ctx, cfg.DatabaseURL, log)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := store.EnsureSchema(ctx); err != nil {
		store.Close()
		return nil, fmt.Errorf("ensure schema: %w", err)
	}

	kvs, err := kv.NewStore(cfg.KVBackend, kv.Options{
		RedisAddr:     cfg.RedisAddr,
		RedisPassword: cfg.RedisPassword,
		RedisDB:       cfg.RedisDB,
		BBoltPath:     cfg.BBoltPath,
	})
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("init kv store: %w", err)
	}
	log.InfoObj("kv store initialized", "kv_config", map[string]any{
		"backend": cfg.KVBackend,
	})

	if err := sources.Load(cfg.SourcesFile); err != nil {
		closeAll(store, kvs)
		return nil, fmt.Errorf("load sources registry: %w", err)
	}
	sourceIDs, err := sources.Seed(ctx, store.Sources, log)
	if err != nil {
		closeAll(store, kvs)
		return nil, fmt.Errorf("seed sources: %w", err)
	}

	fanout, err := buildFanout(ctx, cfg.PublishersFile, log)
	if err != nil {
		closeAll(store, kvs)
		return nil, err
	}

	extractors := extract.DefaultRegistry(extract.Deps{
		ETags: extract.NewETagCache(kvs, log),
		Log:   log,
	})
	normalizers := normalize.NewRegistry(log)

	var enricher ingest.Enricher
	if cfg.EnrichContent {
		enricher = enrich.NewScraper(fetch.New(fetch.Options{}), log)
	}

	svc := ingest.New(store.Items, store.Runs, store.Sources, kvs,
		extractors, normalizers, enricher, fanout,
		ingest.Options{
			BatchLimit:           cfg.BatchLimit,
			Lookback:             cfg.Lookback,
			WatermarkBuffer:      cfg.WatermarkBuffer,
			FailureRateThreshold: cfg.FailureRateThreshold,
			EnrichContent:        cfg.EnrichContent,
		}, log)

	sched := scheduler.New(svc, log)
	health := make(map[string]func(context.Context) bool)
	for _, def := range sources.Definitions() {
		if !def.IsActive() {
			continue
		}
		id, ok := sourceIDs[def.Name]
		if !ok {
			continue
		}
		if err := sched.Schedule(id, def.Name, cfg.IngestInterval); err != nil {
			closeAll(store, kvs)
			return nil, fmt.Errorf("schedule source %s: %w", def.Name, err)
		}

		probe, err := extractors.ExtractorFor(def.Type, extract.Config{
			SourceID:  id,
			BaseURL:   def.BaseURL,
			RateLimit: def.RateLimit,
			Settings:  def.Config,
		})
		if err != nil {
			closeAll(store, kvs)
			return nil, fmt.Errorf("build extractor for %s: %w", def.Name, err)
		}
		health[def.Name] = probe.HealthCheck
	}

	router := api.NewRouter(store, kvs, api.Options{
		RateLimit:    cfg.APIRateCapacity,
		RefillPerSec: cfg.APIRefillPerSec,
		Health:       health,
	}, log)
	srv := &http.Server{
		Addr:              cfg.APIAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return &Daemon{
		cfg:   cfg,
		store: store,
		kvs:   kvs,
		sched: sched,
		srv:   srv,
		log:   log,
	}, nil
}

// Run starts the schedule and the ops server and blocks until the context is
// cancelled or the server fails.
func (d *Daemon) Run(ctx context.Context) error {
	if d == nil || d.sched == nil {
		return fmt.Errorf("daemon is not initialized")
	}
	defer d.close()

	d.sched.Start()
	d.log.InfoObj("scheduler started", "scheduler_meta", map[string]any{
		"sources":  d.sched.Size(),
		"interval": d.cfg.IngestInterval.String(),
	})

	errCh := make(chan error, 1)
	go func() {
		d.log.InfoObj("ops api listening", "api_addr", d.srv.Addr)
		if err := d.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return fmt.Errorf("ops api: %w", err)
	}

	d.log.InfoObj("shutting down", "reason", ctx.Err().Error())

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := d.srv.Shutdown(shutdownCtx); err != nil {
		d.log.WarnObj("ops api shutdown failed", "error", err.Error())
	}
	if err := d.sched.Stop(shutdownCtx); err != nil {
		d.log.WarnObj("scheduler did not drain in time", "error", err.Error())
	}
	return nil
}

func buildFanout(ctx context.Context, path string, log logger.Logger) (*publishers.Fanout, error) {
	if path == "" {
		return nil, nil
	}

	reg, err := publishers.LoadRegistry(path)
	if err != nil {
		return nil, fmt.Errorf("load publishers registry: %w", err)
	}

	enabled := reg.Enabled()
	if len(enabled) == 0 {
		log.InfoObj("no publishers enabled, events disabled", "publishers_file", path)
		return nil, nil
	}

	pubs, err := publishers.BuildAll(ctx, publishers.DefaultRegistry(), enabled, log)
	if err != nil {
		return nil, fmt.Errorf("build publishers: %w", err)
	}

	summaries := make([]map[string]string, 0, len(enabled))
	for _, cfg := range enabled {
		summaries = append(summaries, map[string]string{"id": cfg.ID, "type": cfg.Type})
	}
	log.InfoObj("publishers registry loaded", "publishers_meta", map[string]any{
		"count":      len(summaries),
		"publishers": summaries,
	})
	return publishers.NewFanout(pubs), nil
}

func (d *Daemon) close() {
	closeAll(d.store, d.kvs)
}

func closeAll(store *storage.Store, kvs kv.Store) {
	if store != nil {
		store.Close()
	}
	if kvs != nil {
		kvs.Close()
	}
}
