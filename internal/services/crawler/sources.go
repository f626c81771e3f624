package crawler

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// SourceCategory is one group of related seeds crawled by the background
// loop
type SourceCategory struct {
	Name     string   `yaml:"name"`
	Seeds    []string `yaml:"seeds"`
	Keywords []string `yaml:"keywords"`
	Query    string   `yaml:"query,omitempty"`
}

// SourceCatalog is the YAML catalog consumed by the auto-crawl loop
type SourceCatalog struct {
	Categories []SourceCategory `yaml:"categories"`
}

// DefaultSourceCatalog returns the built-in categories used when no
// catalog file is configured.
func DefaultSourceCatalog() *SourceCatalog {
	return &SourceCatalog{
		Categories: []SourceCategory{
			{
				Name: "tech-news",
				Seeds: []string{
					"https://news.ycombinator.com/",
					"https://arstechnica.com/",
					"https://www.theregister.com/",
				},
				Keywords: []string{"ai", "llm", "software", "open source", "security"},
				Query:    "recent developments in AI and software engineering",
			},
			{
				Name: "engineering-blogs",
				Seeds: []string{
					"https://blog.cloudflare.com/",
					"https://engineering.fb.com/",
					"https://netflixtechblog.com/",
				},
				Keywords: []string{"infrastructure", "performance", "distributed systems", "golang"},
				Query:    "engineering practices at scale",
			},
		},
	}
}

// LoadSourceCatalog reads and validates the catalog file.
func LoadSourceCatalog(path string) (*SourceCatalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read source catalog: %w", err)
	}

	var catalog SourceCatalog
	if err := yaml.Unmarshal(data, &catalog); err != nil {
		return nil, fmt.Errorf("failed to parse source catalog: %w", err)
	}

	for i, c := range catalog.Categories {
		if c.Name == "" {
			return nil, fmt.Errorf("source category %d has no name", i)
		}
		if len(c.Seeds) == 0 {
			return nil, fmt.Errorf("source category %q has no seeds", c.Name)
		}
		if len(c.Keywords) == 0 {
			return nil, fmt.Errorf("source category %q has no keywords", c.Name)
		}
	}
	return &catalog, nil
}

// AllSeeds flattens every category's seed list, preserving order.
func (c *SourceCatalog) AllSeeds() []string {
	var seeds []string
	for _, cat := range c.Categories {
		seeds = append(seeds, cat.Seeds...)
	}
	return seeds
}

// AllKeywords flattens every category's keyword list, deduplicated in
// first-seen order.
func (c *SourceCatalog) AllKeywords() []string {
	seen := make(map[string]bool)
	var keywords []string
	for _, cat := range c.Categories {
		for _, k := range cat.Keywords {
			if !seen[k] {
				seen[k] = true
				keywords = append(keywords, k)
			}
		}
	}
	return keywords
}
