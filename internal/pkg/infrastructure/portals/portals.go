// Package portals holds the static registry of upstream open-data catalogues.
package portals

import (
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v2"
)

type Kind string

const (
	KindCKAN      Kind = "ckan"
	KindArcGISHub Kind = "arcgis_hub"
)

type Config struct {
	Key         string `yaml:"key"`
	Name        string `yaml:"name"`
	BaseURL     string `yaml:"base_url"`
	Kind        Kind   `yaml:"kind"`
	Description string `yaml:"description"`
	License     string `yaml:"license,omitempty"`
	// OrgName and OrgTitle identify the portal owner on single-tenant
	// platforms (ArcGIS Hub). Ignored for CKAN.
	OrgName  string `yaml:"org_name,omitempty"`
	OrgTitle string `yaml:"org_title,omitempty"`
}

// Registry keeps portal configs in declaration order. Order matters: the
// resolver's first-match fan-out tries portals in this order.
type Registry struct {
	configs []Config
	byKey   map[string]Config
}

func DefaultRegistry() *Registry {
	r, _ := NewRegistry([]Config{
		{
			Key:         "ontario",
			Name:        "Ontario Open Data",
			BaseURL:     "https://data.ontario.ca",
			Kind:        KindCKAN,
			Description: "Province of Ontario Open Data Catalogue",
			License:     "Open Government Licence - Ontario",
		},
		{
			Key:         "toronto",
			Name:        "Toronto Open Data",
			BaseURL:     "https://ckan0.cf.opendata.inter.prod-toronto.ca",
			Kind:        KindCKAN,
			Description: "City of Toronto Open Data Portal",
			License:     "Open Government Licence - Toronto",
		},
		{
			Key:         "ottawa",
			Name:        "Ottawa Open Data",
			BaseURL:     "https://open.ottawa.ca",
			Kind:        KindArcGISHub,
			Description: "City of Ottawa Open Data",
			License:     "Open Government Licence - City of Ottawa",
			OrgName:     "ottawa",
			OrgTitle:    "City of Ottawa",
		},
	})
	return r
}

func NewRegistry(configs []Config) (*Registry, error) {
	byKey := map[string]Config{}
	for _, c := range configs {
		if c.Key == "" || c.BaseURL == "" {
			return nil, fmt.Errorf("portal config requires key and base_url (got key=%q)", c.Key)
		}
		if c.Kind != KindCKAN && c.Kind != KindArcGISHub {
			return nil, fmt.Errorf("portal %s has unknown kind %q", c.Key, c.Kind)
		}
		if _, exists := byKey[c.Key]; exists {
			return nil, fmt.Errorf("duplicate portal key %s", c.Key)
		}
		byKey[c.Key] = c
	}
	return &Registry{configs: configs, byKey: byKey}, nil
}

// Load reads a registry from a YAML file, or returns the built-in defaults
// when path is empty.
func Load(path string) (*Registry, error) {
	if path == "" {
		return DefaultRegistry(), nil
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open portals file %s: %w", path, err)
	}
	defer f.Close()

	return ReadRegistry(f)
}

func ReadRegistry(r io.Reader) (*Registry, error) {
	var doc struct {
		Portals []Config `yaml:"portals"`
	}

	buf, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}

	if err := yaml.Unmarshal(buf, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse portals yaml: %w", err)
	}

	if len(doc.Portals) == 0 {
		return nil, fmt.Errorf("portals yaml contains no portals")
	}

	return NewRegistry(doc.Portals)
}

func (r *Registry) Get(key string) (Config, bool) {
	c, ok := r.byKey[key]
	return c, ok
}

// Keys returns portal keys in declaration order.
func (r *Registry) Keys() []string {
	keys := make([]string, 0, len(r.configs))
	for _, c := range r.configs {
		keys = append(keys, c.Key)
	}
	return keys
}

func (r *Registry) KeySet() map[string]struct{} {
	set := make(map[string]struct{}, len(r.configs))
	for _, c := range r.configs {
		set[c.Key] = struct{}{}
	}
	return set
}

func (r *Registry) All() []Config {
	return r.configs
}
