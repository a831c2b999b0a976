package twins

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/twinhub/twincore/pkg/store"
	"github.com/twinhub/twincore/pkg/tenant"
)

type fakeGraph struct {
	mu       sync.Mutex
	twins    map[string]store.TwinRecord
	outgoing map[string][]store.RelationshipRecord
	incoming map[string][]store.RelationshipRecord
	models   []store.ModelRecord

	modelsErr error
	queryFn   func(query string, pageSize int, token string) (store.QueryPage, error)

	queries     []string
	deletedRels []string
	deleted     []string
	etagSeq     int
}

func newFakeGraph() *fakeGraph {
	g := &fakeGraph{
		twins:    map[string]store.TwinRecord{},
		outgoing: map[string][]store.RelationshipRecord{},
		incoming: map[string][]store.RelationshipRecord{},
	}
	for _, doc := range testModelDocs() {
		g.models = append(g.models, store.ModelRecord{Document: doc})
	}
	return g
}

func (g *fakeGraph) GetTwin(_ context.Context, _, id string) (store.TwinRecord, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	rec, ok := g.twins[id]
	if !ok {
		return store.TwinRecord{}, store.ErrNotFound
	}
	return rec, nil
}

func (g *fakeGraph) QueryTwins(_ context.Context, _, query string, pageSize int, token string) (store.QueryPage, error) {
	g.mu.Lock()
	g.queries = append(g.queries, query)
	fn := g.queryFn
	g.mu.Unlock()
	if fn == nil {
		return store.QueryPage{}, nil
	}
	return fn(query, pageSize, token)
}

func (g *fakeGraph) Count(_ context.Context, _, query string) (int64, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.queries = append(g.queries, query)
	return int64(len(g.twins)), nil
}

func (g *fakeGraph) AddOrUpdateTwin(_ context.Context, _ string, twin store.TwinRecord) (store.TwinRecord, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.etagSeq++
	twin.ETag = fmt.Sprintf("etag-%d", g.etagSeq)
	g.twins[twin.ID] = twin
	return twin, nil
}

func (g *fakeGraph) PatchTwin(_ context.Context, _, id string, patch map[string]any) (store.TwinRecord, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	rec, ok := g.twins[id]
	if !ok {
		return store.TwinRecord{}, store.ErrNotFound
	}
	if rec.Properties == nil {
		rec.Properties = map[string]any{}
	}
	for k, v := range patch {
		rec.Properties[k] = v
	}
	g.etagSeq++
	rec.ETag = fmt.Sprintf("etag-%d", g.etagSeq)
	g.twins[id] = rec
	return rec, nil
}

func (g *fakeGraph) DeleteTwin(_ context.Context, _, id string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.twins, id)
	g.deleted = append(g.deleted, id)
	return nil
}

func (g *fakeGraph) GetRelationships(_ context.Context, _, twinID string) ([]store.RelationshipRecord, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]store.RelationshipRecord(nil), g.outgoing[twinID]...), nil
}

func (g *fakeGraph) GetIncomingRelationships(_ context.Context, _, twinID string) ([]store.RelationshipRecord, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]store.RelationshipRecord(nil), g.incoming[twinID]...), nil
}

func (g *fakeGraph) AddOrUpdateRelationship(_ context.Context, _ string, rel store.RelationshipRecord) (store.RelationshipRecord, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.outgoing[rel.SourceID] = append(g.outgoing[rel.SourceID], rel)
	g.incoming[rel.TargetID] = append(g.incoming[rel.TargetID], rel)
	return rel, nil
}

func (g *fakeGraph) DeleteRelationship(_ context.Context, _, sourceID, relID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.deletedRels = append(g.deletedRels, relID)
	return nil
}

func (g *fakeGraph) CreateModels(_ context.Context, _ string, models []store.ModelRecord) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.models = append(g.models, models...)
	return nil
}

func (g *fakeGraph) GetModel(_ context.Context, _, id string) (store.ModelRecord, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, m := range g.models {
		if m.ID == id {
			return m, nil
		}
	}
	return store.ModelRecord{}, store.ErrNotFound
}

func (g *fakeGraph) GetModels(_ context.Context, _ string) ([]store.ModelRecord, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.modelsErr != nil {
		return nil, g.modelsErr
	}
	return append([]store.ModelRecord(nil), g.models...), nil
}

func (g *fakeGraph) DeleteModel(_ context.Context, _, id string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	for i, m := range g.models {
		if m.ID == id {
			g.models = append(g.models[:i], g.models[i+1:]...)
			return nil
		}
	}
	return store.ErrNotFound
}

type appendCall struct {
	database string
	table    string
	rows     []map[string]any
}

type fakeAnalytics struct {
	mu      sync.Mutex
	appends []appendCall
	rows    []map[string]any
	err     error
}

func (a *fakeAnalytics) Append(_ context.Context, database, table string, rows []map[string]any) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.err != nil {
		return a.err
	}
	a.appends = append(a.appends, appendCall{database: database, table: table, rows: rows})
	return nil
}

func (a *fakeAnalytics) Query(_ context.Context, _, _ string) (*store.Rows, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.err != nil {
		return nil, a.err
	}
	return store.NewRows(a.rows), nil
}

func testSettings() tenant.Settings {
	return tenant.Settings{
		ID:                "acme",
		SiteID:            "site-1",
		GraphDatabase:     "neo4j",
		AnalyticsDatabase: "acme",
		SiteModelIDs:      []string{"dtmi:twincore:Building;1"},
		TreeRelationships: []string{"isPartOf", "isLocatedIn"},
	}
}

func newTestService(graph *fakeGraph, analytics *fakeAnalytics) *Service {
	settings := testSettings()
	mirror := NewMirror(analytics, nil, settings.ID, settings.AnalyticsDatabase, nil, nil)
	return NewService(settings, graph, mirror, nil)
}

func singlePage(twins ...Twin) func(string, int, string) (store.QueryPage, error) {
	return func(string, int, string) (store.QueryPage, error) {
		var rows []map[string]store.TwinRecord
		for _, t := range twins {
			rows = append(rows, map[string]store.TwinRecord{"twins": recordFromTwin(t)})
		}
		return store.QueryPage{Rows: rows}, nil
	}
}

func TestGetTwinByIDAbsent(t *testing.T) {
	svc := newTestService(newFakeGraph(), &fakeAnalytics{})

	got, err := svc.GetTwinByID(context.Background(), "nope", false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != nil {
		t.Errorf("absent twin = %+v, want nil", got)
	}
}

func TestGetTwinByIDLoadsRelationshipsOnRequest(t *testing.T) {
	graph := newFakeGraph()
	graph.twins["a"] = store.TwinRecord{ID: "a", ModelID: "dtmi:twincore:Pump;1"}
	graph.outgoing["a"] = []store.RelationshipRecord{{ID: "r1", Name: "isPartOf", SourceID: "a", TargetID: "b"}}
	svc := newTestService(graph, &fakeAnalytics{})

	plain, err := svc.GetTwinByID(context.Background(), "a", false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if plain.Relationships != nil {
		t.Error("relationships populated without being requested")
	}

	loaded, err := svc.GetTwinByID(context.Background(), "a", true)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(loaded.Relationships) != 1 || loaded.Relationships[0].ID != "r1" {
		t.Errorf("relationships = %+v", loaded.Relationships)
	}
}

func TestSecondaryIDLookup(t *testing.T) {
	t.Run("no match is nil", func(t *testing.T) {
		svc := newTestService(newFakeGraph(), &fakeAnalytics{})
		got, err := svc.GetTwinByUniqueID(context.Background(), "missing")
		if err != nil || got != nil {
			t.Errorf("got %+v, %v; want nil, nil", got, err)
		}
	})

	t.Run("duplicate is a data-integrity error", func(t *testing.T) {
		graph := newFakeGraph()
		graph.queryFn = singlePage(Twin{ID: "a"}, Twin{ID: "b"})
		svc := newTestService(graph, &fakeAnalytics{})

		_, err := svc.GetTwinByExternalID(context.Background(), "ext-1")
		var dup *DuplicateMatchError
		if !errors.As(err, &dup) {
			t.Fatalf("error = %v, want DuplicateMatchError", err)
		}
		if dup.Property != PropExternalID || dup.Count != 2 {
			t.Errorf("duplicate error = %+v", dup)
		}
	})
}

func TestAddOrUpdateTwinUniqueIDConflict(t *testing.T) {
	graph := newFakeGraph()
	graph.queryFn = func(query string, _ int, _ string) (store.QueryPage, error) {
		if strings.Contains(query, "uniqueID") {
			return singlePage(Twin{ID: "a", Properties: map[string]any{PropUniqueID: "U"}})("", 0, "")
		}
		return store.QueryPage{}, nil
	}
	svc := newTestService(graph, &fakeAnalytics{})

	// Another twin claiming A's unique id must be rejected.
	_, err := svc.AddOrUpdateTwin(context.Background(), Twin{
		ID: "b", ModelID: "dtmi:twincore:Pump;1",
		Properties: map[string]any{PropUniqueID: "U"},
	}, "tester")
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("error = %v, want ValidationError", err)
	}

	// A updating itself with the same unique id is fine.
	got, err := svc.AddOrUpdateTwin(context.Background(), Twin{
		ID: "a", ModelID: "dtmi:twincore:Pump;1",
		Properties: map[string]any{PropUniqueID: "U"},
	}, "tester")
	if err != nil {
		t.Fatalf("self update failed: %v", err)
	}
	if got.UniqueID() != "U" {
		t.Errorf("unique id = %q, want U", got.UniqueID())
	}
}

func TestAddOrUpdateTwinSiteMismatch(t *testing.T) {
	svc := newTestService(newFakeGraph(), &fakeAnalytics{})

	_, err := svc.AddOrUpdateTwin(context.Background(), Twin{
		ID: "a", ModelID: "dtmi:twincore:Pump;1",
		Properties: map[string]any{PropSiteID: "site-other"},
	}, "tester")
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("error = %v, want ValidationError", err)
	}
}

func TestAddOrUpdateTwinUniqueIDLifecycle(t *testing.T) {
	graph := newFakeGraph()
	svc := newTestService(graph, &fakeAnalytics{})

	// Pump declares a uniqueID property: a new twin gets one generated.
	created, err := svc.AddOrUpdateTwin(context.Background(), Twin{
		ID: "p-1", ModelID: "dtmi:twincore:Pump;1",
	}, "tester")
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if created.UniqueID() == "" {
		t.Fatal("expected a generated unique id")
	}

	// An update without a unique id reuses the stored one.
	updated, err := svc.AddOrUpdateTwin(context.Background(), Twin{
		ID: "p-1", ModelID: "dtmi:twincore:Pump;1",
		Properties: map[string]any{"manufacturer": "Acme"},
	}, "tester")
	if err != nil {
		t.Fatalf("update failed: %v", err)
	}
	if updated.UniqueID() != created.UniqueID() {
		t.Errorf("unique id changed across update: %q -> %q", created.UniqueID(), updated.UniqueID())
	}
}

func TestAddOrUpdateTwinMirrorFailureIsBestEffort(t *testing.T) {
	graph := newFakeGraph()
	analytics := &fakeAnalytics{err: errors.New("mirror down")}
	svc := newTestService(graph, analytics)

	got, err := svc.AddOrUpdateTwin(context.Background(), Twin{
		ID: "a", ModelID: "dtmi:twincore:Space;1",
	}, "tester")
	if err != nil {
		t.Fatalf("primary write failed on mirror error: %v", err)
	}
	if got == nil || got.ETag == "" {
		t.Errorf("updated twin = %+v", got)
	}
}

func TestAddOrUpdateTwinMirrors(t *testing.T) {
	analytics := &fakeAnalytics{}
	svc := newTestService(newFakeGraph(), analytics)

	if _, err := svc.AddOrUpdateTwin(context.Background(), Twin{
		ID: "a", ModelID: "dtmi:twincore:Space;1",
	}, "tester"); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	if len(analytics.appends) != 1 {
		t.Fatalf("appends = %d, want 1", len(analytics.appends))
	}
	call := analytics.appends[0]
	if call.table != TableTwins || call.database != "acme" {
		t.Errorf("append target = %s.%s", call.database, call.table)
	}
	if call.rows[0]["UserId"] != "tester" || call.rows[0]["Deleted"] != false {
		t.Errorf("append row = %+v", call.rows[0])
	}
}

func TestPatchTwinAbsent(t *testing.T) {
	svc := newTestService(newFakeGraph(), &fakeAnalytics{})

	got, err := svc.PatchTwin(context.Background(), "nope", map[string]any{"x": 1}, "tester")
	if err != nil || got != nil {
		t.Errorf("got %+v, %v; want nil, nil", got, err)
	}
}

func TestDeleteTwinIdempotent(t *testing.T) {
	graph := newFakeGraph()
	graph.twins["a"] = store.TwinRecord{ID: "a"}
	svc := newTestService(graph, &fakeAnalytics{})

	if err := svc.DeleteTwin(context.Background(), "a", "tester"); err != nil {
		t.Fatalf("first delete: %v", err)
	}
	if err := svc.DeleteTwin(context.Background(), "a", "tester"); err != nil {
		t.Fatalf("second delete: %v", err)
	}
}

func TestDeleteTwinAndRelationshipsDeletesEdgesFirst(t *testing.T) {
	graph := newFakeGraph()
	graph.twins["a"] = store.TwinRecord{ID: "a"}
	graph.outgoing["a"] = []store.RelationshipRecord{{ID: "out-1", SourceID: "a", TargetID: "b"}}
	graph.incoming["a"] = []store.RelationshipRecord{{ID: "in-1", SourceID: "c", TargetID: "a"}}
	svc := newTestService(graph, &fakeAnalytics{})

	if err := svc.DeleteTwinAndRelationships(context.Background(), "a", "tester"); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	if len(graph.deletedRels) != 2 {
		t.Errorf("deleted relationships = %v, want out-1 and in-1", graph.deletedRels)
	}
	if len(graph.deleted) != 1 || graph.deleted[0] != "a" {
		t.Errorf("deleted twins = %v", graph.deleted)
	}
}

func TestQueryTwinsByModelsExpandsDescendants(t *testing.T) {
	graph := newFakeGraph()
	svc := newTestService(graph, &fakeAnalytics{})

	if _, err := svc.QueryTwinsByModels(context.Background(), []string{"dtmi:twincore:Asset;1"}, false, 10, ""); err != nil {
		t.Fatalf("query failed: %v", err)
	}

	last := graph.queries[len(graph.queries)-1]
	for _, want := range []string{"dtmi:twincore:Asset;1", "dtmi:twincore:HVAC;1", "dtmi:twincore:Pump;1"} {
		if !strings.Contains(last, want) {
			t.Errorf("query missing descendant %s: %s", want, last)
		}
	}
}

func TestGetRelatedTwinsByHopsDedupesAndFilters(t *testing.T) {
	graph := newFakeGraph()
	graph.queryFn = func(string, int, string) (store.QueryPage, error) {
		// Multi-hop patterns revisit nodes; b appears twice.
		return store.QueryPage{Rows: []map[string]store.TwinRecord{
			{"target": {ID: "b"}},
			{"target": {ID: "b"}},
			{"target": {ID: "c"}},
		}}, nil
	}
	graph.outgoing["b"] = []store.RelationshipRecord{
		{ID: "r1", Name: "isPartOf", SourceID: "b", TargetID: "a"},
		{ID: "r2", Name: "feeds", SourceID: "b", TargetID: "x"},
		// Name matches but the target is outside the related set.
		{ID: "r3", Name: "isPartOf", SourceID: "b", TargetID: "outside"},
	}
	svc := newTestService(graph, &fakeAnalytics{})

	got, err := svc.GetRelatedTwinsByHops(context.Background(), "a", []string{"isPartOf"}, 3)
	if err != nil {
		t.Fatalf("query failed: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("targets = %d, want 2 after dedupe", len(got))
	}
	byID := map[string]TwinWithRelationships{}
	for _, g := range got {
		byID[g.ID] = g
	}
	if rels := byID["b"].Relationships; len(rels) != 1 || rels[0].ID != "r1" {
		t.Errorf("b relationships = %+v, want only the isPartOf edge inside the set", rels)
	}
	if rels := byID["c"].Relationships; len(rels) != 0 {
		t.Errorf("c relationships = %+v, want empty", rels)
	}
}

func TestGetTwinHistory(t *testing.T) {
	analytics := &fakeAnalytics{rows: []map[string]any{
		{
			"Id": "a", "ExportTime": "2026-03-01T10:00:00Z", "Deleted": false, "UserId": "alice",
			"Raw": `{"id":"a","modelId":"dtmi:twincore:Pump;1","properties":{"manufacturer":"Acme"}}`,
		},
		{
			"Id": "a", "ExportTime": "2026-03-02T10:00:00Z", "Deleted": true, "UserId": "bob",
		},
	}}
	svc := newTestService(newFakeGraph(), analytics)

	got, err := svc.GetTwinHistory(context.Background(), "a")
	if err != nil {
		t.Fatalf("history failed: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("versions = %d, want 2", len(got))
	}
	if got[0].Twin.ModelID != "dtmi:twincore:Pump;1" || got[0].UserID != "alice" {
		t.Errorf("first version = %+v", got[0])
	}
	if !got[1].Deleted || got[1].ExportTime.IsZero() {
		t.Errorf("second version = %+v", got[1])
	}
}

func TestSchemaLoadFailureResetsState(t *testing.T) {
	graph := newFakeGraph()
	graph.modelsErr = errors.New("store down")
	svc := newTestService(graph, &fakeAnalytics{})

	_, err := svc.Model(context.Background())
	var serr *SchemaError
	if !errors.As(err, &serr) {
		t.Fatalf("error = %v, want SchemaError", err)
	}
	if !strings.Contains(serr.Error(), "acme") {
		t.Errorf("schema error does not name the tenant: %v", serr)
	}
	if svc.SchemaState() != SchemaNotLoaded {
		t.Errorf("state = %v, want SchemaNotLoaded for retry", svc.SchemaState())
	}

	// The store recovers; the next call loads.
	graph.mu.Lock()
	graph.modelsErr = nil
	graph.mu.Unlock()
	if _, err := svc.Model(context.Background()); err != nil {
		t.Fatalf("retry failed: %v", err)
	}
	if svc.SchemaState() != SchemaLoaded {
		t.Errorf("state = %v, want SchemaLoaded", svc.SchemaState())
	}
}

func TestCreateModelsInvalidatesSchema(t *testing.T) {
	graph := newFakeGraph()
	analytics := &fakeAnalytics{}
	svc := newTestService(graph, analytics)

	if _, err := svc.Model(context.Background()); err != nil {
		t.Fatalf("initial load: %v", err)
	}

	doc := []byte(`{"@id":"dtmi:twincore:Fan;1","@type":"Interface","displayName":"Fan","extends":"dtmi:twincore:HVAC;1"}`)
	if err := svc.CreateModels(context.Background(), [][]byte{doc}, "tester"); err != nil {
		t.Fatalf("create models: %v", err)
	}
	if svc.SchemaState() != SchemaNotLoaded {
		t.Errorf("state = %v, want invalidated", svc.SchemaState())
	}
	if len(analytics.appends) != 1 || analytics.appends[0].table != TableModels {
		t.Errorf("model mirror appends = %+v", analytics.appends)
	}

	// The reloaded schema includes the new model.
	model, err := svc.Model(context.Background())
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if _, ok := model.Interface("dtmi:twincore:Fan;1"); !ok {
		t.Error("new model missing after reload")
	}
}

func TestCreateModelsRejectsMalformed(t *testing.T) {
	svc := newTestService(newFakeGraph(), &fakeAnalytics{})

	err := svc.CreateModels(context.Background(), [][]byte{[]byte(`{"displayName":"x"}`)}, "tester")
	var serr *SchemaError
	if !errors.As(err, &serr) {
		t.Fatalf("error = %v, want SchemaError", err)
	}
}
