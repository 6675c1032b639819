package normalizer

import (
	"context"
	"fmt"
	"os"
	"strings"
	"unicode"

	"gopkg.in/yaml.v3"
)

// CanonicalCPU is a catalog entry.
type CanonicalCPU struct {
	Name    string   `yaml:"name"`
	Vendor  string   `yaml:"vendor"`
	Cores   int      `yaml:"cores,omitempty"`
	Aliases []string `yaml:"aliases,omitempty"`
}

// CPUCatalog resolves a raw CPU string. A nil entry with a nil error is a miss.
type CPUCatalog interface {
	Find(ctx context.Context, raw string) (*CanonicalCPU, error)
}

// StaticCPUCatalog is an in-memory catalog keyed by a loose CPU key.
type StaticCPUCatalog struct {
	byKey map[string]*CanonicalCPU
}

// NewStaticCPUCatalog indexes entries by name and aliases.
func NewStaticCPUCatalog(entries []CanonicalCPU) *StaticCPUCatalog {
	c := &StaticCPUCatalog{byKey: make(map[string]*CanonicalCPU, len(entries))}
	for i := range entries {
		entry := &entries[i]
		c.byKey[cpuKey(entry.Name)] = entry
		for _, alias := range entry.Aliases {
			c.byKey[cpuKey(alias)] = entry
		}
	}
	return c
}

// LoadCPUCatalog reads a YAML list of CanonicalCPU entries.
func LoadCPUCatalog(path string) (*StaticCPUCatalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read cpu catalog: %w", err)
	}
	var entries []CanonicalCPU
	if err := yaml.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("parse cpu catalog: %w", err)
	}
	return NewStaticCPUCatalog(entries), nil
}

// DefaultCPUCatalog covers common refurbished desktop and mini PC parts.
func DefaultCPUCatalog() *StaticCPUCatalog {
	return NewStaticCPUCatalog([]CanonicalCPU{
		{Name: "Intel Core i5-6500T", Vendor: "intel", Cores: 4},
		{Name: "Intel Core i5-8500", Vendor: "intel", Cores: 6},
		{Name: "Intel Core i5-8500T", Vendor: "intel", Cores: 6},
		{Name: "Intel Core i5-10500", Vendor: "intel", Cores: 6},
		{Name: "Intel Core i5-10500T", Vendor: "intel", Cores: 6},
		{Name: "Intel Core i7-8700", Vendor: "intel", Cores: 6},
		{Name: "Intel Core i7-10700", Vendor: "intel", Cores: 8},
		{Name: "Intel Core i7-11700", Vendor: "intel", Cores: 8},
		{Name: "Intel Core i5-12500", Vendor: "intel", Cores: 6},
		{Name: "Intel Core i7-12700", Vendor: "intel", Cores: 12},
		{Name: "Intel N100", Vendor: "intel", Cores: 4},
		{Name: "AMD Ryzen 5 5600G", Vendor: "amd", Cores: 6},
		{Name: "AMD Ryzen 7 5700U", Vendor: "amd", Cores: 8},
		{Name: "AMD Ryzen 7 5800H", Vendor: "amd", Cores: 8},
		{Name: "AMD Ryzen 9 7940HS", Vendor: "amd", Cores: 8},
		{Name: "Apple M1", Vendor: "apple", Cores: 8},
		{Name: "Apple M2", Vendor: "apple", Cores: 8},
	})
}

func (c *StaticCPUCatalog) Find(_ context.Context, raw string) (*CanonicalCPU, error) {
	key := cpuKey(raw)
	if key == "" {
		return nil, nil
	}
	return c.byKey[key], nil
}

var cpuNoise = []string{"intel", "amd", "core", "processor", "cpu", "(r)", "(tm)", "®", "™"}

// cpuKey reduces "Intel(R) Core(TM) i7-8700 CPU @ 3.20GHz" and "i7 8700" to
// the same key.
func cpuKey(raw string) string {
	s := strings.ToLower(raw)
	if i := strings.Index(s, "@"); i >= 0 {
		s = s[:i]
	}
	for _, noise := range cpuNoise {
		s = strings.ReplaceAll(s, noise, " ")
	}
	var b strings.Builder
	for _, r := range s {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
		}
	}
	return b.String()
}
