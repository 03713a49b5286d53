package normalize

import (
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/jspenaq/DataSeed/internal/domain"
	"github.com/jspenaq/DataSeed/internal/logger"
)

// Package normalize converts provider-shaped raw items into the canonical
// content shape. Each provider type gets its own normalizer; sources without
// one fall back to the generic normalizer.

// Error reports a single item that could not be normalized. It carries the
// external id so run error notes can name the offending item.
type Error struct {
	ExternalID string
	Reason     string
	Err        error
}

func (e *Error) Error() string {
	if e.ExternalID == "" {
		return e.Reason
	}
	return fmt.Sprintf("%s (item %s)", e.Reason, e.ExternalID)
}

func (e *Error) Unwrap() error { return e.Err }

func errItem(externalID, reason string) *Error {
	return &Error{ExternalID: externalID, Reason: reason}
}

// Normalizer turns one raw item into a canonical content item.
type Normalizer interface {
	Name() string
	Normalize(sourceID string, item domain.RawItem) (domain.ContentItem, error)
}

// Registry resolves normalizers by provider type with a generic fallback,
// so an unknown provider type degrades to base validation instead of failing.
type Registry struct {
	mu          sync.RWMutex
	normalizers map[string]Normalizer
	fallback    Normalizer
	log         logger.Logger
}

// NewRegistry returns a registry pre-loaded with the known provider
// normalizers.
func NewRegistry(log logger.Logger) *Registry {
	if log == nil {
		log = logger.NopLogger{}
	}
	r := &Registry{
		normalizers: make(map[string]Normalizer),
		fallback:    &genericNormalizer{log: log},
		log:         log,
	}
	r.Register(&hackerNewsNormalizer{log: log})
	r.Register(&githubNormalizer{log: log})
	r.Register(&redditNormalizer{log: log})
	r.Register(&productHuntNormalizer{log: log})
	return r
}

// Register adds or replaces the normalizer for its provider type.
func (r *Registry) Register(n Normalizer) {
	if n == nil {
		return
	}
	key := strings.TrimSpace(strings.ToLower(n.Name()))
	if key == "" {
		return
	}

	r.mu.Lock()
	r.normalizers[key] = n
	r.mu.Unlock()
}

// NormalizerFor returns the normalizer for a provider type, or the generic
// fallback when none is registered.
func (r *Registry) NormalizerFor(providerType string) Normalizer {
	key := strings.TrimSpace(strings.ToLower(providerType))

	r.mu.RLock()
	n := r.normalizers[key]
	r.mu.RUnlock()

	if n == nil {
		r.log.DebugObj("no normalizer for provider type, using generic", "normalizer_fallback", map[string]any{"type": providerType})
		return r.fallback
	}
	return n
}

var (
	whitespaceRe = regexp.MustCompile(`\s+`)

	// Permissive host pattern: domains with multi-label TLDs, localhost and
	// bare IPv4, with optional port and path.
	urlRe = regexp.MustCompile(`(?i)^https?://` +
		`(?:(?:[a-z0-9](?:[a-z0-9-]{0,61}[a-z0-9])?\.)+[a-z]{2,}\.?|` +
		`localhost|` +
		`\d{1,3}\.\d{1,3}\.\d{1,3}\.\d{1,3})` +
		`(?::\d+)?` +
		`(?:/.*)?$`)
)

// cleanText trims, normalizes line endings and collapses runs of whitespace.
// Returns "" for effectively empty input.
func cleanText(text string) string {
	cleaned := strings.TrimSpace(text)
	if cleaned == "" {
		return ""
	}
	cleaned = strings.ReplaceAll(cleaned, "\r\n", "\n")
	cleaned = strings.ReplaceAll(cleaned, "\r", "\n")
	return whitespaceRe.ReplaceAllString(cleaned, " ")
}

// validateURL normalizes and validates a URL, prepending https:// when the
// scheme is missing. Returns "" for invalid input.
func validateURL(rawURL string, log logger.Logger) string {
	u := strings.TrimSpace(rawURL)
	if u == "" {
		return ""
	}
	if !strings.HasPrefix(u, "http://") && !strings.HasPrefix(u, "https://") {
		u = "https://" + u
	}
	if !urlRe.MatchString(u) {
		log.WarnObj("invalid url format", "normalize_url", map[string]any{"url": u})
		return ""
	}
	return u
}

// clampScore forces a negative score to zero; provider normalizers that
// accept negatives bypass it.
func clampScore(score *int, externalID string, log logger.Logger) *int {
	if score != nil && *score < 0 {
		log.WarnObj("negative score clamped to zero", "normalize_score", map[string]any{
			"external_id": externalID,
			"score":       *score,
		})
		return domain.IntPtr(0)
	}
	return score
}

// baseNormalize applies the validation every provider shares: required
// external id, title and published_at, cleaned title and content, validated
// URL and a non-negative score.
func baseNormalize(sourceID string, item domain.RawItem, log logger.Logger) (domain.ContentItem, error) {
	if item.ExternalID == "" {
		return domain.ContentItem{}, errItem("", "missing external_id")
	}
	if item.Title == "" {
		return domain.ContentItem{}, errItem(item.ExternalID, "missing title")
	}
	if item.PublishedAt.IsZero() {
		return domain.ContentItem{}, errItem(item.ExternalID, "missing published_at")
	}

	title := cleanText(item.Title)
	if title == "" {
		return domain.ContentItem{}, errItem(item.ExternalID, "title is empty after cleaning")
	}

	url := validateURL(item.URL, log)
	if url == "" {
		return domain.ContentItem{}, errItem(item.ExternalID, "invalid or missing url")
	}

	out := domain.ContentItem{
		SourceID:    sourceID,
		ExternalID:  item.ExternalID,
		Title:       title,
		URL:         url,
		Score:       clampScore(item.Score, item.ExternalID, log),
		PublishedAt: item.PublishedAt.UTC(),
	}
	if content := cleanText(item.Content); content != "" {
		out.Content = domain.StringPtr(content)
	}
	return out, nil
}

// genericNormalizer applies base validation only.
type genericNormalizer struct {
	log logger.Logger
}

func (n *genericNormalizer) Name() string { return "generic" }

func (n *genericNormalizer) Normalize(sourceID string, item domain.RawItem) (domain.ContentItem, error) {
	return baseNormalize(sourceID, item, n.log)
}
