package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/jspenaq/DataSeed/internal/domain"
	"github.com/jspenaq/DataSeed/internal/ingest"
	"github.com/jspenaq/DataSeed/internal/logger"
)

// Runner executes one ingestion cycle for a source.
type Runner interface {
	Run(ctx context.Context, sourceID string) (domain.RunStats, error)
}

// Scheduler triggers periodic ingestion runs per source. Job panics are
// recovered by the cron chain so one bad provider never takes the daemon
// down.
type Scheduler struct {
	cron *cron.Cron
	svc  Runner
	log  logger.Logger

	mu      sync.Mutex
	entries map[string]cron.EntryID
}

func New(svc Runner, log logger.Logger) *Scheduler {
	if log == nil {
		log = logger.NopLogger{}
	}
	return &Scheduler{
		cron:    cron.New(cron.WithChain(cron.Recover(cron.DefaultLogger))),
		svc:     svc,
		log:     log,
		entries: make(map[string]cron.EntryID),
	}
}

// Schedule registers a recurring run for the source. Scheduling the same
// source again replaces its previous entry.
func (s *Scheduler) Schedule(sourceID, sourceName string, interval time.Duration) error {
	if interval <= 0 {
		return fmt.Errorf("invalid ingest interval for %s: %s", sourceName, interval)
	}

	entryID, err := s.cron.AddFunc(fmt.Sprintf("@every %s", interval), func() {
		s.runOnce(sourceID, sourceName)
	})
	if err != nil {
		return fmt.Errorf("schedule %s: %w", sourceName, err)
	}

	s.mu.Lock()
	if old, ok := s.entries[sourceID]; ok {
		s.cron.Remove(old)
	}
	s.entries[sourceID] = entryID
	s.mu.Unlock()

	s.log.InfoObj("scheduled source", "scheduler", map[string]any{
		"source":   sourceName,
		"interval": interval.String(),
	})
	return nil
}

// Remove unschedules the source if it was scheduled.
func (s *Scheduler) Remove(sourceID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if entryID, ok := s.entries[sourceID]; ok {
		s.cron.Remove(entryID)
		delete(s.entries, sourceID)
	}
}

// Size returns the number of scheduled sources.
func (s *Scheduler) Size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Start begins triggering scheduled runs.
func (s *Scheduler) Start() { s.cron.Start() }

// Stop halts scheduling and waits for in-flight runs, bounded by ctx.
func (s *Scheduler) Stop(ctx context.Context) error {
	done := s.cron.Stop()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Scheduler) runOnce(sourceID, sourceName string) {
	stats, err := s.svc.Run(context.Background(), sourceID)
	if err != nil {
		if errors.Is(err, ingest.ErrRunInProgress) {
			s.log.DebugObj("skipping run, previous still in progress", "scheduler", map[string]any{
				"source": sourceName,
			})
			return
		}
		s.log.ErrorObj("scheduled run failed", "ingest_error", map[string]any{
			"source": sourceName,
			"error":  err.Error(),
		})
		return
	}

	s.log.InfoObj("scheduled run finished", "ingest_run", map[string]any{
		"source":    sourceName,
		"processed": stats.Processed,
		"new":       stats.New,
		"updated":   stats.Updated,
		"errors":    stats.Errors,
	})
}
