package sources

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/jspenaq/DataSeed/internal/domain"
	"github.com/jspenaq/DataSeed/internal/logger"
	"github.com/jspenaq/DataSeed/internal/storage"
)

// Package sources loads the operator-maintained source registry (YAML/JSON)
// and seeds it into the database. The file is the source of truth: on every
// load its entries are upserted by name, so config edits win over stored rows.

type Definition struct {
	Name      string         `json:"name" yaml:"name"`
	Type      string         `json:"type" yaml:"type"`
	BaseURL   string         `json:"base_url" yaml:"base_url"`
	RateLimit int            `json:"rate_limit" yaml:"rate_limit"`
	Config    map[string]any `json:"config" yaml:"config"`
	Active    *bool          `json:"active" yaml:"active"`
}

// IsActive defaults to true when the file omits the flag.
func (d Definition) IsActive() bool {
	return d.Active == nil || *d.Active
}

type registry struct {
	Sources []Definition `json:"sources" yaml:"sources"`
}

const defaultRateLimit = 60

var (
	regMu      sync.RWMutex
	currentReg registry
	sourcesIdx map[string]Definition
)

// Definitions returns a copy of the currently loaded source definitions.
func Definitions() []Definition {
	regMu.RLock()
	defer regMu.RUnlock()

	if len(currentReg.Sources) == 0 {
		return nil
	}

	out := make([]Definition, len(currentReg.Sources))
	copy(out, currentReg.Sources)
	return out
}

// DefinitionByName returns the definition for the given name, if loaded.
func DefinitionByName(name string) (Definition, bool) {
	name = strings.TrimSpace(name)
	if name == "" {
		return Definition{}, false
	}

	regMu.RLock()
	defer regMu.RUnlock()

	if sourcesIdx == nil {
		return Definition{}, false
	}

	d, ok := sourcesIdx[name]
	return d, ok
}

// Load reads the source registry from file, replacing any previous registry.
func Load(path string) error {
	if strings.TrimSpace(path) == "" {
		return errors.New("sources file path is empty")
	}

	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open sources file: %w", err)
	}
	defer file.Close()

	raw, err := io.ReadAll(file)
	if err != nil {
		return fmt.Errorf("read sources file: %w", err)
	}

	reg, err := parseRegistry(raw, filepath.Ext(path))
	if err != nil {
		return err
	}

	if len(reg.Sources) == 0 {
		return errors.New("sources file contains no sources entries")
	}

	idx := make(map[string]Definition, len(reg.Sources))
	for i := range reg.Sources {
		d := sanitizeDefinition(reg.Sources[i])
		if err := validateDefinition(d); err != nil {
			return fmt.Errorf("source[%d]: %w", i, err)
		}
		if _, exists := idx[d.Name]; exists {
			return fmt.Errorf("duplicate source name %q", d.Name)
		}
		reg.Sources[i] = d
		idx[d.Name] = d
	}

	regMu.Lock()
	currentReg = reg
	sourcesIdx = idx
	regMu.Unlock()

	return nil
}

func parseRegistry(data []byte, ext string) (registry, error) {
	ext = strings.ToLower(strings.TrimSpace(ext))

	decoders := []struct {
		name string
		ext  string
		fn   unmarshalFn
	}{
		{name: "yaml", ext: ".yaml", fn: yaml.Unmarshal},
		{name: "yaml", ext: ".yml", fn: yaml.Unmarshal},
		{name: "json", ext: ".json", fn: json.Unmarshal},
	}

	for _, d := range decoders {
		if ext != "" && ext != d.ext {
			continue
		}
		if reg, err := unmarshalRegistry(d.name, data, d.fn); err == nil {
			return reg, nil
		}
	}

	return registry{}, errors.New("sources file format not recognized (expected YAML or JSON)")
}

type unmarshalFn func([]byte, any) error

func unmarshalRegistry(name string, data []byte, fn unmarshalFn) (registry, error) {
	var reg registry
	if err := fn(data, &reg); err != nil {
		return registry{}, fmt.Errorf("decode %s sources: %w", name, err)
	}
	return reg, nil
}

func sanitizeDefinition(d Definition) Definition {
	d.Name = strings.TrimSpace(d.Name)
	d.Type = strings.TrimSpace(strings.ToLower(d.Type))
	d.BaseURL = strings.TrimSpace(d.BaseURL)

	if d.Config == nil {
		d.Config = map[string]any{}
	}
	if d.RateLimit <= 0 {
		d.RateLimit = defaultRateLimit
	}

	return d
}

func validateDefinition(d Definition) error {
	if d.Name == "" {
		return errors.New("name is required")
	}
	if d.Type == "" {
		return fmt.Errorf("type is required for source %q", d.Name)
	}
	if d.BaseURL == "" {
		return fmt.Errorf("base_url is required for source %q", d.Name)
	}
	return nil
}

// Seed upserts the loaded definitions into the database and returns the
// stored id per source name.
func Seed(ctx context.Context, repo *storage.SourceRepo, log logger.Logger) (map[string]string, error) {
	if log == nil {
		log = logger.NopLogger{}
	}

	defs := Definitions()
	if len(defs) == 0 {
		return nil, errors.New("no source definitions loaded")
	}

	ids := make(map[string]string, len(defs))
	for _, d := range defs {
		id, err := repo.Upsert(ctx, domain.Source{
			Name:      d.Name,
			Type:      d.Type,
			BaseURL:   d.BaseURL,
			RateLimit: d.RateLimit,
			Config:    d.Config,
			IsActive:  d.IsActive(),
		})
		if err != nil {
			return nil, fmt.Errorf("seed source %q: %w", d.Name, err)
		}
		ids[d.Name] = id
	}

	log.InfoObj("seeded source registry", "source_registry", map[string]any{"sources": len(ids)})
	return ids, nil
}
