package source

import (
	_ "embed"
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

//go:embed catalog.yaml
var defaultCatalog []byte

// Definition describes one selector-driven price source.
type Definition struct {
	Name            string            `yaml:"name"`
	Domain          string            `yaml:"domain"`
	SearchURL       string            `yaml:"search_url"`
	ProductURL      string            `yaml:"product_url"`
	Selectors       []string          `yaml:"selectors"`
	FallbackPattern string            `yaml:"fallback_pattern"`
	CurrencyHint    string            `yaml:"currency_hint"`
	Headers         map[string]string `yaml:"headers"`
	Disabled        bool              `yaml:"disabled"`
}

// Catalog is the YAML document listing sources.
type Catalog struct {
	Sources []Definition `yaml:"sources"`
}

// DefaultCatalog returns the built-in sources.
func DefaultCatalog() (Catalog, error) {
	return ParseCatalog(defaultCatalog)
}

// LoadCatalog reads a catalog file; an empty path means the built-in catalog.
func LoadCatalog(path string) (Catalog, error) {
	if strings.TrimSpace(path) == "" {
		return DefaultCatalog()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Catalog{}, fmt.Errorf("read source catalog %s: %w", path, err)
	}
	return ParseCatalog(data)
}

// ParseCatalog decodes and validates a catalog.
func ParseCatalog(data []byte) (Catalog, error) {
	var cat Catalog
	if err := yaml.Unmarshal(data, &cat); err != nil {
		return Catalog{}, fmt.Errorf("parse source catalog: %w", err)
	}
	seen := make(map[string]bool)
	for i, def := range cat.Sources {
		if err := def.Validate(); err != nil {
			return Catalog{}, fmt.Errorf("source #%d: %w", i, err)
		}
		if seen[def.Name] {
			return Catalog{}, fmt.Errorf("duplicate source name %q", def.Name)
		}
		seen[def.Name] = true
	}
	return cat, nil
}

// Validate checks a single definition.
func (d Definition) Validate() error {
	if strings.TrimSpace(d.Name) == "" {
		return fmt.Errorf("name is required")
	}
	if d.SearchURL == "" && d.ProductURL == "" {
		return fmt.Errorf("%s: search_url or product_url is required", d.Name)
	}
	if d.SearchURL != "" && !strings.Contains(d.SearchURL, "{query}") {
		return fmt.Errorf("%s: search_url must contain {query}", d.Name)
	}
	if d.ProductURL != "" && !strings.Contains(d.ProductURL, "{sku}") {
		return fmt.Errorf("%s: product_url must contain {sku}", d.Name)
	}
	if len(d.Selectors) == 0 && d.FallbackPattern == "" {
		return fmt.Errorf("%s: at least one selector or a fallback_pattern is required", d.Name)
	}
	return nil
}

// Filter keeps enabled definitions, restricted to names when names is non-empty.
func (c Catalog) Filter(names []string) Catalog {
	allowed := make(map[string]bool, len(names))
	for _, n := range names {
		if n = strings.TrimSpace(n); n != "" {
			allowed[strings.ToLower(n)] = true
		}
	}
	var out Catalog
	for _, def := range c.Sources {
		if def.Disabled {
			continue
		}
		if len(allowed) > 0 && !allowed[strings.ToLower(def.Name)] {
			continue
		}
		out.Sources = append(out.Sources, def)
	}
	return out
}

// BuildAdapters creates one HTMLAdapter per definition.
func BuildAdapters(cat Catalog, fetcher Fetcher, logger zerolog.Logger) ([]Adapter, error) {
	adapters := make([]Adapter, 0, len(cat.Sources))
	for _, def := range cat.Sources {
		adapter, err := NewHTMLAdapter(def, fetcher, logger)
		if err != nil {
			return nil, err
		}
		adapters = append(adapters, adapter)
	}
	return adapters, nil
}

func (d Definition) header() http.Header {
	if len(d.Headers) == 0 {
		return nil
	}
	h := make(http.Header, len(d.Headers))
	for k, v := range d.Headers {
		h.Set(k, v)
	}
	return h
}
