// Package catalog lists the providers and models offered for comparison.
// The default catalog is embedded; a YAML file can replace it.
package catalog

import (
	_ "embed"
	"fmt"
	"io"
	"os"
	"sort"
	"sync"

	"github.com/felipepmaragno/llm-duel/internal/cost"
	"gopkg.in/yaml.v3"
)

//go:embed models.yaml
var defaultCatalog []byte

type Model struct {
	ID    string `yaml:"id" json:"id"`
	Name  string `yaml:"name" json:"name"`
	Image bool   `yaml:"image,omitempty" json:"image,omitempty"`
}

type Provider struct {
	ID   string `yaml:"id" json:"id"`
	Name string `yaml:"name" json:"name"`
	// Keyless providers run without a credential.
	Keyless bool                         `yaml:"keyless,omitempty" json:"keyless,omitempty"`
	Models  []Model                      `yaml:"models" json:"models"`
	Pricing map[string]cost.ModelPricing `yaml:"pricing,omitempty" json:"-"`
}

type document struct {
	Providers []Provider `yaml:"providers"`
}

type Catalog struct {
	mu        sync.RWMutex
	providers []Provider
}

func Default() (*Catalog, error) {
	return parse(defaultCatalog)
}

func LoadFile(path string) (*Catalog, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open catalog: %w", err)
	}
	defer f.Close()
	return Load(f)
}

func Load(r io.Reader) (*Catalog, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read catalog: %w", err)
	}
	return parse(data)
}

func parse(data []byte) (*Catalog, error) {
	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode catalog: %w", err)
	}

	seen := make(map[string]bool, len(doc.Providers))
	for _, p := range doc.Providers {
		if p.ID == "" {
			return nil, fmt.Errorf("decode catalog: provider without id")
		}
		if seen[p.ID] {
			return nil, fmt.Errorf("decode catalog: duplicate provider %q", p.ID)
		}
		seen[p.ID] = true
	}

	return &Catalog{providers: doc.Providers}, nil
}

// Providers returns a copy of the catalog in file order.
func (c *Catalog) Providers() []Provider {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]Provider, len(c.providers))
	for i, p := range c.providers {
		p.Models = append([]Model(nil), p.Models...)
		out[i] = p
	}
	return out
}

func (c *Catalog) Provider(id string) (Provider, bool) {
	for _, p := range c.Providers() {
		if p.ID == id {
			return p, true
		}
	}
	return Provider{}, false
}

// MergeModels adds discovered model ids to a provider, keeping existing
// entries and their display names. Unknown providers are ignored.
func (c *Catalog) MergeModels(providerID string, ids []string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	for i := range c.providers {
		p := &c.providers[i]
		if p.ID != providerID {
			continue
		}

		known := make(map[string]bool, len(p.Models))
		for _, m := range p.Models {
			known[m.ID] = true
		}

		sorted := append([]string(nil), ids...)
		sort.Strings(sorted)

		added := 0
		for _, id := range sorted {
			if id == "" || known[id] {
				continue
			}
			p.Models = append(p.Models, Model{ID: id, Name: id})
			known[id] = true
			added++
		}
		return added
	}
	return 0
}

// ApplyPricing registers every pricing override with calc.
func (c *Catalog) ApplyPricing(calc *cost.Calculator) int {
	c.mu.RLock()
	defer c.mu.RUnlock()

	n := 0
	for _, p := range c.providers {
		for model, pricing := range p.Pricing {
			calc.SetPricing(model, pricing)
			n++
		}
	}
	return n
}
