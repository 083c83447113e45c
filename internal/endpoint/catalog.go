package endpoint

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// CatalogEntry describes one endpoint in the operator's catalog file.
type CatalogEntry struct {
	ID          string   `yaml:"id"`
	BaseURL     string   `yaml:"base_url,omitempty"`
	APIKeyEnv   string   `yaml:"api_key_env,omitempty"`
	Model       string   `yaml:"model"`
	RateLimit   int      `yaml:"rate_limit"`
	CostPerCall float64  `yaml:"cost_per_call"`
	Tags        []string `yaml:"tags,omitempty"`
}

// Catalog is the endpoints.yaml document.
type Catalog struct {
	Endpoints []CatalogEntry `yaml:"endpoints"`
}

// LoadCatalog reads and validates an endpoint catalog file.
func LoadCatalog(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading endpoint catalog: %w", err)
	}
	var cat Catalog
	if err := yaml.Unmarshal(data, &cat); err != nil {
		return nil, fmt.Errorf("parsing endpoint catalog: %w", err)
	}
	seen := make(map[string]bool)
	for i, e := range cat.Endpoints {
		if e.ID == "" {
			return nil, fmt.Errorf("endpoint catalog: entry %d has no id", i)
		}
		if seen[e.ID] {
			return nil, fmt.Errorf("endpoint catalog: duplicate id %q", e.ID)
		}
		seen[e.ID] = true
		if e.Model == "" {
			return nil, fmt.Errorf("endpoint catalog: %s has no model", e.ID)
		}
		if e.RateLimit < 0 {
			return nil, fmt.Errorf("endpoint catalog: %s has negative rate_limit", e.ID)
		}
	}
	return &cat, nil
}

// Providers builds an OpenAI-compatible provider per catalog entry. API keys
// come from the env var each entry names; a missing key yields an
// unauthenticated provider, which free gateways accept.
func (c *Catalog) Providers() []Provider {
	providers := make([]Provider, 0, len(c.Endpoints))
	for _, e := range c.Endpoints {
		desc := Descriptor{
			ID:          e.ID,
			CostPerCall: e.CostPerCall,
			RateLimit:   e.RateLimit,
			Tags:        e.Tags,
		}
		apiKey := ""
		if e.APIKeyEnv != "" {
			apiKey = os.Getenv(e.APIKeyEnv)
		}
		if e.BaseURL != "" {
			providers = append(providers, NewOpenAIProviderWithBaseURL(apiKey, e.BaseURL, e.Model, desc))
		} else {
			providers = append(providers, NewOpenAIProvider(apiKey, e.Model, desc))
		}
	}
	return providers
}
