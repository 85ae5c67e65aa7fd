// Package modelconfig loads the model file and resolves the active model
// and its fallback order.
package modelconfig

import (
	"errors"
	"fmt"
	"os"
	"sort"

	"github.com/fentz26/toolgate/internal/models"
	"gopkg.in/yaml.v3"
)

// ErrNoModelAvailable is returned by Resolve when every candidate is
// excluded or unavailable.
var ErrNoModelAvailable = errors.New("no model available in fallback chain")

// File is the on-disk shape of the model file.
type File struct {
	ActiveModel   string                        `yaml:"active_model"`
	FallbackChain []string                      `yaml:"fallback_chain"`
	Models        map[string]models.ModelConfig `yaml:"models"`
}

// LoadFile reads and parses a model file. Validation happens in New.
func LoadFile(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading model file: %w", err)
	}
	return Parse(data)
}

// Parse decodes model file YAML.
func Parse(data []byte) (*File, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		// Unknown tool_call_format values fail here.
		return nil, models.ConfigInvalidf("parsing model file: %v", err)
	}
	return &f, nil
}

// Registry is the validated, immutable set of configured models.
type Registry struct {
	active string
	chain  []string
	byKey  map[string]models.ModelConfig
	// order is the active model followed by the chain, without duplicates.
	order []string
}

// New validates f and builds a registry from it.
func New(f *File) (*Registry, error) {
	if f == nil {
		return nil, models.ConfigInvalidf("model file is empty")
	}
	if len(f.Models) == 0 {
		return nil, models.ConfigInvalidf("no models configured")
	}

	byKey := make(map[string]models.ModelConfig, len(f.Models))
	for key, m := range f.Models {
		if key == "" {
			return nil, models.ConfigInvalidf("model key cannot be empty")
		}
		if m.ContextWindow <= 0 {
			return nil, models.ConfigInvalidf("model %q: context_window must be positive", key)
		}
		if m.MaxTokens <= 0 {
			return nil, models.ConfigInvalidf("model %q: max_tokens must be positive", key)
		}
		if m.Temperature < 0 || m.Temperature > 2 {
			return nil, models.ConfigInvalidf("model %q: temperature %.2f outside [0, 2]", key, m.Temperature)
		}
		if m.ToolCallFormat == "" {
			m.ToolCallFormat = models.ToolCallNone
		}
		m.Key = key
		m.Capabilities = append([]string(nil), m.Capabilities...)
		byKey[key] = m
	}

	if f.ActiveModel == "" {
		return nil, models.ConfigInvalidf("active_model is required")
	}
	if _, ok := byKey[f.ActiveModel]; !ok {
		return nil, models.ConfigInvalidf("active_model %q is not a configured model", f.ActiveModel)
	}
	if len(f.FallbackChain) == 0 {
		return nil, models.ConfigInvalidf("fallback_chain must not be empty")
	}

	seen := make(map[string]bool, len(f.FallbackChain))
	for i, key := range f.FallbackChain {
		if _, ok := byKey[key]; !ok {
			return nil, models.ConfigInvalidf("fallback_chain[%d] %q is not a configured model", i, key)
		}
		if seen[key] {
			return nil, models.ConfigInvalidf("fallback_chain contains %q more than once", key)
		}
		if key == f.ActiveModel && i != 0 {
			return nil, models.ConfigInvalidf("active_model %q must be first in fallback_chain or absent from it", key)
		}
		seen[key] = true
	}

	r := &Registry{
		active: f.ActiveModel,
		chain:  append([]string(nil), f.FallbackChain...),
		byKey:  byKey,
	}
	r.order = append(r.order, r.active)
	for _, key := range r.chain {
		if key != r.active {
			r.order = append(r.order, key)
		}
	}
	return r, nil
}

// Load reads, parses and validates a model file.
func Load(path string) (*Registry, error) {
	f, err := LoadFile(path)
	if err != nil {
		return nil, err
	}
	return New(f)
}

// ResolveActive returns the configured active model.
func (r *Registry) ResolveActive() models.ModelConfig {
	return cloneModel(r.byKey[r.active])
}

// Get returns one model by key.
func (r *Registry) Get(key string) (models.ModelConfig, bool) {
	m, ok := r.byKey[key]
	if !ok {
		return models.ModelConfig{}, false
	}
	return cloneModel(m), true
}

// NextFallback walks the fallback order after failedKey and returns the
// first model that is neither failedKey nor excluded. When failedKey is
// not part of the order the walk starts from the beginning.
func (r *Registry) NextFallback(failedKey string, excluded map[string]bool) (models.ModelConfig, bool) {
	start := 0
	for i, key := range r.order {
		if key == failedKey {
			start = i + 1
			break
		}
	}
	for _, key := range r.order[start:] {
		if key == failedKey || excluded[key] {
			continue
		}
		return cloneModel(r.byKey[key]), true
	}
	return models.ModelConfig{}, false
}

// Resolve returns the first model in fallback order that available
// reports as usable.
func (r *Registry) Resolve(available func(key string) bool) (models.ModelConfig, error) {
	excluded := make(map[string]bool, len(r.order))
	if available(r.active) {
		return r.ResolveActive(), nil
	}
	failed := r.active
	for {
		excluded[failed] = true
		next, ok := r.NextFallback(failed, excluded)
		if !ok {
			return models.ModelConfig{}, ErrNoModelAvailable
		}
		if available(next.Key) {
			return next, nil
		}
		failed = next.Key
	}
}

// Describe returns the models overview, models sorted by key.
func (r *Registry) Describe() models.ModelsOverview {
	keys := make([]string, 0, len(r.byKey))
	for key := range r.byKey {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	out := models.ModelsOverview{
		ActiveModel:   r.active,
		FallbackChain: append([]string(nil), r.chain...),
		Models:        make([]models.ModelConfig, 0, len(keys)),
	}
	for _, key := range keys {
		out.Models = append(out.Models, cloneModel(r.byKey[key]))
	}
	return out
}

func cloneModel(m models.ModelConfig) models.ModelConfig {
	c := m
	c.Capabilities = append([]string(nil), m.Capabilities...)
	if m.EstimatedVRAM != nil {
		v := *m.EstimatedVRAM
		c.EstimatedVRAM = &v
	}
	return c
}
