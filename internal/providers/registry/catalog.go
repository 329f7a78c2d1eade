package registry

import (
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"llmarena/internal/providers"
)

// Pricing is the USD price of a single token.
type Pricing struct {
	InputPerToken  float64 `json:"input_per_token"`
	OutputPerToken float64 `json:"output_per_token"`
}

// Cost returns the price of one call with the given token counts.
func (p Pricing) Cost(tokensIn, tokensOut int64) float64 {
	return float64(tokensIn)*p.InputPerToken + float64(tokensOut)*p.OutputPerToken
}

func perMillion(in, out float64) Pricing {
	return Pricing{InputPerToken: in / 1e6, OutputPerToken: out / 1e6}
}

// ProviderMeta is the capability record for one provider. It replaces any
// per-provider branching elsewhere in the code.
type ProviderMeta struct {
	ID       providers.ID   `json:"id"`
	Label    string         `json:"label"`
	Blurb    string         `json:"blurb"`
	KeyURL   string         `json:"key_url"`
	Protocol string         `json:"protocol"`
	BaseURL  string         `json:"base_url"`
	Options  map[string]any `json:"-"`
	Deadline time.Duration  `json:"deadline"`
	Models   []string       `json:"models"`
}

type entry struct {
	meta    ProviderMeta
	pricing map[string]Pricing
}

type Catalog struct {
	mu      sync.RWMutex
	entries map[providers.ID]*entry
	order   []providers.ID
}

// ModelSpec declares one model for a provider.
type ModelSpec struct {
	Name    string
	Pricing *Pricing
}

// ProviderSpec declares a provider with its models.
type ProviderSpec struct {
	Meta   ProviderMeta
	Models []ModelSpec
}

func New(specs ...ProviderSpec) *Catalog {
	c := &Catalog{entries: map[providers.ID]*entry{}}
	for _, s := range specs {
		c.add(s)
	}
	return c
}

func (c *Catalog) add(s ProviderSpec) {
	e := &entry{meta: s.Meta, pricing: map[string]Pricing{}}
	e.meta.Models = nil
	for _, m := range s.Models {
		e.meta.Models = append(e.meta.Models, m.Name)
		if m.Pricing != nil {
			e.pricing[m.Name] = *m.Pricing
		}
	}
	if _, exists := c.entries[s.Meta.ID]; !exists {
		c.order = append(c.order, s.Meta.ID)
	}
	c.entries[s.Meta.ID] = e
}

func (c *Catalog) Provider(id providers.ID) (ProviderMeta, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[id]
	if !ok {
		return ProviderMeta{}, false
	}
	return cloneMeta(e.meta), true
}

func (c *Catalog) Providers() []ProviderMeta {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]ProviderMeta, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, cloneMeta(c.entries[id].meta))
	}
	return out
}

// Models lists the known model identifiers for a provider in catalog order.
func (c *Catalog) Models(id providers.ID) []string {
	meta, ok := c.Provider(id)
	if !ok {
		return nil
	}
	return meta.Models
}

func (c *Catalog) HasModel(id providers.ID, model string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[id]
	if !ok {
		return false
	}
	for _, m := range e.meta.Models {
		if m == model {
			return true
		}
	}
	return false
}

// Pricing returns the per-token price of a model; ok is false when unknown.
func (c *Catalog) Pricing(id providers.ID, model string) (Pricing, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[id]
	if !ok {
		return Pricing{}, false
	}
	p, ok := e.pricing[model]
	return p, ok
}

// Deadline returns the provider's default per-call deadline, or 0.
func (c *Catalog) Deadline(id providers.ID) time.Duration {
	meta, ok := c.Provider(id)
	if !ok {
		return 0
	}
	return meta.Deadline
}

// SetBaseURL points a provider at a different endpoint (proxies, tests).
func (c *Catalog) SetBaseURL(id providers.ID, baseURL string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[id]; ok && strings.TrimSpace(baseURL) != "" {
		e.meta.BaseURL = strings.TrimSpace(baseURL)
	}
}

type fileConfig struct {
	Providers []fileProvider `yaml:"providers"`
}

type fileProvider struct {
	ID       string      `yaml:"id"`
	BaseURL  string      `yaml:"base_url"`
	Deadline string      `yaml:"deadline"`
	Models   []fileModel `yaml:"models"`
}

type fileModel struct {
	Name             string   `yaml:"name"`
	InputPerMillion  *float64 `yaml:"input_per_million"`
	OutputPerMillion *float64 `yaml:"output_per_million"`
}

// LoadFile applies overrides from a YAML file: base URLs, deadlines, extra
// models and pricing. Providers outside the known id set are rejected.
func (c *Catalog) LoadFile(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read registry file: %w", err)
	}
	var fc fileConfig
	if err := yaml.Unmarshal(raw, &fc); err != nil {
		return fmt.Errorf("parse registry file: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for _, fp := range fc.Providers {
		id, err := providers.ParseID(fp.ID)
		if err != nil {
			return fmt.Errorf("registry file: %w", err)
		}
		e, ok := c.entries[id]
		if !ok {
			return fmt.Errorf("registry file: provider %q has no protocol metadata", id)
		}
		if strings.TrimSpace(fp.BaseURL) != "" {
			e.meta.BaseURL = strings.TrimSpace(fp.BaseURL)
		}
		if fp.Deadline != "" {
			d, err := time.ParseDuration(fp.Deadline)
			if err != nil {
				return fmt.Errorf("registry file: provider %q deadline: %w", id, err)
			}
			e.meta.Deadline = d
		}
		for _, fm := range fp.Models {
			name := strings.TrimSpace(fm.Name)
			if name == "" {
				continue
			}
			if !containsString(e.meta.Models, name) {
				e.meta.Models = append(e.meta.Models, name)
			}
			if fm.InputPerMillion != nil && fm.OutputPerMillion != nil {
				e.pricing[name] = perMillion(*fm.InputPerMillion, *fm.OutputPerMillion)
			}
		}
	}
	return nil
}

func cloneMeta(m ProviderMeta) ProviderMeta {
	m.Models = append([]string(nil), m.Models...)
	return m
}

func containsString(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
