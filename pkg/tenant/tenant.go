// Package tenant holds per-tenant settings for the twin services, loaded
// from a YAML registry file.
package tenant

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Default site-bearing models: twins of these types (or their descendants)
// terminate an upward scope traversal.
var DefaultSiteModelIDs = []string{
	"dtmi:twincore:Building;1",
	"dtmi:twincore:Substructure;1",
	"dtmi:twincore:OutdoorArea;1",
	"dtmi:twincore:AirportTerminal;1",
}

// DefaultTreeRelationships are the outgoing relationship names followed when
// building the scope tree.
var DefaultTreeRelationships = []string{"isPartOf", "isLocatedIn"}

// Settings configures one tenant instance.
type Settings struct {
	ID                string   `yaml:"id"`
	SiteID            string   `yaml:"siteId"`
	GraphDatabase     string   `yaml:"graphDatabase"`
	AnalyticsDatabase string   `yaml:"analyticsDatabase"`
	SiteModelIDs      []string `yaml:"siteModelIds"`
	TreeRelationships []string `yaml:"treeRelationships"`
}

type registryFile struct {
	Tenants []Settings `yaml:"tenants"`
}

// Registry maps tenant ids to their settings.
type Registry struct {
	byID  map[string]Settings
	order []string
}

// Parse reads a registry from YAML bytes.
func Parse(data []byte) (*Registry, error) {
	var f registryFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("tenant: parse registry: %w", err)
	}
	if len(f.Tenants) == 0 {
		return nil, fmt.Errorf("tenant: registry has no tenants")
	}

	r := &Registry{byID: make(map[string]Settings, len(f.Tenants))}
	for _, s := range f.Tenants {
		if s.ID == "" {
			return nil, fmt.Errorf("tenant: registry entry missing id")
		}
		if _, dup := r.byID[s.ID]; dup {
			return nil, fmt.Errorf("tenant: duplicate tenant %q", s.ID)
		}
		if s.GraphDatabase == "" {
			s.GraphDatabase = "neo4j"
		}
		if s.AnalyticsDatabase == "" {
			s.AnalyticsDatabase = s.ID
		}
		if len(s.SiteModelIDs) == 0 {
			s.SiteModelIDs = DefaultSiteModelIDs
		}
		if len(s.TreeRelationships) == 0 {
			s.TreeRelationships = DefaultTreeRelationships
		}
		r.byID[s.ID] = s
		r.order = append(r.order, s.ID)
	}
	return r, nil
}

// Load reads a registry from a YAML file.
func Load(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("tenant: read registry: %w", err)
	}
	return Parse(data)
}

// Get returns the settings for a tenant id.
func (r *Registry) Get(id string) (Settings, error) {
	s, ok := r.byID[id]
	if !ok {
		return Settings{}, fmt.Errorf("tenant: unknown tenant %q", id)
	}
	return s, nil
}

// All returns every tenant's settings in registry order.
func (r *Registry) All() []Settings {
	out := make([]Settings, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.byID[id])
	}
	return out
}
