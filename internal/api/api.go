package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/jspenaq/DataSeed/internal/kv"
	"github.com/jspenaq/DataSeed/internal/logger"
	"github.com/jspenaq/DataSeed/internal/ratelimit"
	"github.com/jspenaq/DataSeed/internal/storage"
)

const (
	maxListLimit       = 200
	defaultStatsWindow = 24 * time.Hour
)

// Options configures the ops router.
type Options struct {
	// RateLimit caps requests per client IP per minute. Zero disables the
	// throttle middleware.
	RateLimit int
	// RefillPerSec is the bucket refill rate. Zero falls back to refilling
	// the full RateLimit budget over a minute.
	RefillPerSec float64
	// Health holds per-source upstream probes included in /healthz, keyed by
	// source name.
	Health map[string]func(context.Context) bool
}

// Handler serves the read-only operations endpoints.
type Handler struct {
	store  *storage.Store
	kv     kv.Store
	health map[string]func(context.Context) bool
	log    logger.Logger
}

// NewRouter assembles the gin engine with logging, recovery and optional
// per-IP throttling. kvs may be nil; /healthz then reports the KV as skipped
// and the throttle middleware is disabled.
func NewRouter(store *storage.Store, kvs kv.Store, opts Options, log logger.Logger) *gin.Engine {
	if log == nil {
		log = logger.NopLogger{}
	}
	h := &Handler{store: store, kv: kvs, health: opts.Health, log: log}

	router := gin.New()
	router.Use(requestLogger(log))
	router.Use(gin.Recovery())

	router.GET("/healthz", h.Health)

	v1 := router.Group("/v1")
	if opts.RateLimit > 0 && kvs != nil {
		refill := opts.RefillPerSec
		if refill <= 0 {
			refill = float64(opts.RateLimit) / 60.0
		}
		limiter := ratelimit.New(opts.RateLimit, refill, kvs)
		v1.Use(throttle(limiter, opts.RateLimit, log))
	}
	v1.GET("/items", h.ListItems)
	v1.GET("/runs", h.ListRuns)
	v1.GET("/stats", h.Stats)

	return router
}

// Health reports database and KV connectivity.
func (h *Handler) Health(c *gin.Context) {
	ctx := c.Request.Context()

	status := http.StatusOK
	db := "up"
	if err := h.store.Ping(ctx); err != nil {
		db = "down"
		status = http.StatusServiceUnavailable
	}

	kvState := "skipped"
	if h.kv != nil {
		kvState = "up"
		if err := h.kv.Ping(ctx); err != nil {
			kvState = "down"
			status = http.StatusServiceUnavailable
		}
	}

	body := gin.H{"status": "ok", "database": db, "kv": kvState}
	if len(h.health) > 0 {
		// Upstream outages are reported but do not flip the status code;
		// the daemon itself is still healthy.
		sources := make(map[string]string, len(h.health))
		for name, check := range h.health {
			state := "up"
			if !check(ctx) {
				state = "down"
			}
			sources[name] = state
		}
		body["sources"] = sources
	}
	if status != http.StatusOK {
		body["status"] = "degraded"
	}
	c.JSON(status, body)
}

// ListItems returns stored items newest first. Supported query params:
// source_id, since, until (RFC3339), limit, offset.
func (h *Handler) ListItems(c *gin.Context) {
	opts := storage.ListOptions{
		SourceID: c.Query("source_id"),
		Limit:    intQuery(c, "limit", 0),
		Offset:   intQuery(c, "offset", 0),
	}
	if opts.Limit > maxListLimit {
		opts.Limit = maxListLimit
	}

	var err error
	if opts.Since, err = timeQuery(c, "since"); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid since timestamp", "details": err.Error()})
		return
	}
	if opts.Until, err = timeQuery(c, "until"); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid until timestamp", "details": err.Error()})
		return
	}

	items, err := h.store.Items.List(c.Request.Context(), opts)
	if err != nil {
		h.log.ErrorObj("failed to list items", "api_error", map[string]any{"error": err.Error()})
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list items"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"items": items, "count": len(items)})
}

// ListRuns returns ingestion runs newest first. Supported query params:
// source_id, status, limit, offset.
func (h *Handler) ListRuns(c *gin.Context) {
	limit := intQuery(c, "limit", 0)
	if limit > maxListLimit {
		limit = maxListLimit
	}

	runs, err := h.store.Runs.List(c.Request.Context(), c.Query("source_id"), c.Query("status"), limit, intQuery(c, "offset", 0))
	if err != nil {
		h.log.ErrorObj("failed to list runs", "api_error", map[string]any{"error": err.Error()})
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list runs"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"runs": runs, "count": len(runs)})
}

// Stats aggregates run outcomes over a trailing window. Query params:
// source_id, window_hours (default 24).
func (h *Handler) Stats(c *gin.Context) {
	window := defaultStatsWindow
	if hours := intQuery(c, "window_hours", 0); hours > 0 {
		window = time.Duration(hours) * time.Hour
	}

	stats, err := h.store.Runs.Stats(c.Request.Context(), c.Query("source_id"), window)
	if err != nil {
		h.log.ErrorObj("failed to aggregate stats", "api_error", map[string]any{"error": err.Error()})
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to aggregate stats"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"window_hours": int(window.Hours()), "stats": stats})
}

// throttle enforces the per-IP token bucket. A limiter backend failure lets
// the request through rather than taking the API down with the KV store.
func throttle(limiter *ratelimit.Limiter, limit int, log logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		allowed, remaining, resetAt, err := limiter.Allow(c.Request.Context(), c.ClientIP())
		if err != nil {
			log.WarnObj("rate limiter unavailable, allowing request", "api_throttle", map[string]any{
				"client_ip": c.ClientIP(),
				"error":     err.Error(),
			})
			c.Next()
			return
		}

		c.Header("X-RateLimit-Limit", strconv.Itoa(limit))
		c.Header("X-RateLimit-Remaining", strconv.Itoa(remaining))
		c.Header("X-RateLimit-Reset", strconv.FormatInt(resetAt.Unix(), 10))

		if !allowed {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":       "rate limit exceeded",
				"retry_after": resetAt.UTC().Format(time.RFC3339),
			})
			return
		}
		c.Next()
	}
}

func requestLogger(log logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		method := c.Request.Method

		c.Next()

		log.InfoObj("http request", "api_request", map[string]any{
			"method":      method,
			"path":        path,
			"status_code": c.Writer.Status(),
			"client_ip":   c.ClientIP(),
			"duration_ms": time.Since(start).Milliseconds(),
		})
	}
}

func intQuery(c *gin.Context, name string, fallback int) int {
	raw := c.Query(name)
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return fallback
	}
	return v
}

func timeQuery(c *gin.Context, name string) (*time.Time, error) {
	raw := c.Query(name)
	if raw == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return nil, err
	}
	t = t.UTC()
	return &t, nil
}
