package tenant

import (
	"strings"
	"testing"
)

const sample = `
tenants:
  - id: acme
    siteId: 5c2e6f0a-1111-4a36-9f51-000000000001
    analyticsDatabase: acme_twins
  - id: globex
    siteId: 5c2e6f0a-2222-4a36-9f51-000000000002
    graphDatabase: globex
    siteModelIds:
      - dtmi:twincore:Building;1
    treeRelationships:
      - isPartOf
`

func TestParseAppliesDefaults(t *testing.T) {
	r, err := Parse([]byte(sample))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}

	acme, err := r.Get("acme")
	if err != nil {
		t.Fatalf("get acme: %v", err)
	}
	if acme.GraphDatabase != "neo4j" {
		t.Errorf("graph database = %q, want default", acme.GraphDatabase)
	}
	if acme.AnalyticsDatabase != "acme_twins" {
		t.Errorf("analytics database = %q", acme.AnalyticsDatabase)
	}
	if len(acme.SiteModelIDs) != len(DefaultSiteModelIDs) {
		t.Errorf("site models = %v, want defaults", acme.SiteModelIDs)
	}
	if len(acme.TreeRelationships) != 2 {
		t.Errorf("tree relationships = %v, want defaults", acme.TreeRelationships)
	}

	globex, _ := r.Get("globex")
	if globex.GraphDatabase != "globex" {
		t.Errorf("graph database = %q", globex.GraphDatabase)
	}
	if len(globex.SiteModelIDs) != 1 || len(globex.TreeRelationships) != 1 {
		t.Errorf("explicit settings overridden: %+v", globex)
	}
}

func TestParseRejectsBadRegistries(t *testing.T) {
	cases := map[string]string{
		"empty":      `tenants: []`,
		"missing id": "tenants:\n  - siteId: x\n",
		"duplicate":  "tenants:\n  - id: a\n  - id: a\n",
	}
	for name, in := range cases {
		if _, err := Parse([]byte(in)); err == nil {
			t.Errorf("%s: expected error", name)
		}
	}
}

func TestGetUnknownTenant(t *testing.T) {
	r, _ := Parse([]byte(sample))
	_, err := r.Get("nope")
	if err == nil || !strings.Contains(err.Error(), "unknown tenant") {
		t.Fatalf("got %v", err)
	}
}

func TestAllPreservesOrder(t *testing.T) {
	r, _ := Parse([]byte(sample))
	all := r.All()
	if len(all) != 2 || all[0].ID != "acme" || all[1].ID != "globex" {
		t.Fatalf("got %v", all)
	}
}
