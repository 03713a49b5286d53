package extract

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jspenaq/DataSeed/internal/domain"
	"github.com/jspenaq/DataSeed/internal/logger"
	"github.com/jspenaq/DataSeed/pkg/fetch"
)

// Extractor retrieves provider-shaped raw items. Concrete implementations
// live in provider-specific files (e.g., hackernews.go) and own their
// provider's pagination, query shape and conditional-cache policy.
type Extractor interface {
	Name() string
	// FetchRecent returns items published after since (nil = provider default
	// window), newest first, at most limit.
	FetchRecent(ctx context.Context, since *time.Time, limit int) ([]domain.RawItem, error)
	// FetchBatch fetches without a watermark.
	FetchBatch(ctx context.Context, limit int) ([]domain.RawItem, error)
	// HealthCheck reports whether the provider API is reachable.
	HealthCheck(ctx context.Context) bool
}

// Config carries the per-source settings an extractor is constructed from.
type Config struct {
	SourceID  string
	BaseURL   string
	RateLimit int
	Settings  map[string]any
}

// Deps are the shared collaborators injected into extractor constructors.
type Deps struct {
	// NewClient builds the provider-politeness HTTP client. Defaults to
	// fetch.New; tests inject fakes.
	NewClient func(opts fetch.Options) fetch.Client
	ETags     *ETagCache
	Log       logger.Logger
}

func (d Deps) normalized() Deps {
	if d.NewClient == nil {
		d.NewClient = func(opts fetch.Options) fetch.Client { return fetch.New(opts) }
	}
	if d.Log == nil {
		d.Log = logger.NopLogger{}
	}
	return d
}

// Builder constructs an Extractor for a source config. Construction must
// fail fast on invalid config, before any network activity.
type Builder func(cfg Config, deps Deps) (Extractor, error)

// Registry resolves extractor builders by provider type. It is the only
// place new providers are wired in.
type Registry interface {
	Register(providerType string, builder Builder)
	ExtractorFor(providerType string, cfg Config) (Extractor, error)
}

type registry struct {
	mu       sync.RWMutex
	builders map[string]Builder
	deps     Deps
}

// NewRegistry returns a registry with optional pre-registered builders.
func NewRegistry(deps Deps, builders map[string]Builder) Registry {
	r := &registry{
		builders: make(map[string]Builder),
		deps:     deps.normalized(),
	}
	for typ, b := range builders {
		r.Register(typ, b)
	}
	return r
}

// Register associates a builder with a provider type.
func (r *registry) Register(providerType string, builder Builder) {
	if providerType = strings.TrimSpace(strings.ToLower(providerType)); providerType == "" || builder == nil {
		return
	}

	r.mu.Lock()
	r.builders[providerType] = builder
	r.mu.Unlock()
}

// ExtractorFor builds the extractor registered for the provider type.
func (r *registry) ExtractorFor(providerType string, cfg Config) (Extractor, error) {
	key := strings.TrimSpace(strings.ToLower(providerType))
	if key == "" {
		return nil, fmt.Errorf("provider type is empty")
	}

	r.mu.RLock()
	builder := r.builders[key]
	r.mu.RUnlock()

	if builder == nil {
		return nil, fmt.Errorf("no extractor registered for provider type %q", providerType)
	}
	return builder(cfg, r.deps)
}

// Known provider types.
const (
	TypeHackerNews = "hackernews"
	TypeGitHub     = "github"
)

// DefaultRegistry wires up the known provider extractors.
func DefaultRegistry(deps Deps) Registry {
	return NewRegistry(deps, map[string]Builder{
		TypeHackerNews: NewHackerNews,
		TypeGitHub:     NewGitHub,
	})
}

// settingString returns the trimmed string value for key from cfg.Settings or a fallback.
func settingString(cfg Config, key, fallback string) string {
	if cfg.Settings != nil {
		if raw, ok := cfg.Settings[key]; ok {
			if val, ok := raw.(string); ok {
				if trimmed := strings.TrimSpace(val); trimmed != "" {
					return trimmed
				}
			}
		}
	}
	return fallback
}

// settingStringSlice returns the string-slice value for key, tolerating
// []any payloads from YAML/JSON decoding.
func settingStringSlice(cfg Config, key string) []string {
	if cfg.Settings == nil {
		return nil
	}
	raw, ok := cfg.Settings[key]
	if !ok {
		return nil
	}

	var out []string
	switch vals := raw.(type) {
	case []string:
		for _, v := range vals {
			if v = strings.TrimSpace(v); v != "" {
				out = append(out, v)
			}
		}
	case []any:
		for _, item := range vals {
			if s, ok := item.(string); ok {
				if s = strings.TrimSpace(s); s != "" {
					out = append(out, s)
				}
			}
		}
	}
	return out
}
