package twins

import (
	"testing"
	"time"

	"github.com/twinhub/twincore/engine/schema"
)

func testModelDocs() [][]byte {
	docs := []string{
		`{"@id":"dtmi:twincore:Space;1","@type":"Interface","displayName":"Space"}`,
		`{"@id":"dtmi:twincore:Building;1","@type":"Interface","displayName":"Building","extends":"dtmi:twincore:Space;1"}`,
		`{"@id":"dtmi:twincore:Level;1","@type":"Interface","displayName":"Level","extends":"dtmi:twincore:Space;1"}`,
		`{"@id":"dtmi:twincore:Asset;1","@type":"Interface","displayName":"Asset"}`,
		`{"@id":"dtmi:twincore:HVAC;1","@type":"Interface","displayName":"HVAC Equipment","extends":"dtmi:twincore:Asset;1"}`,
		`{"@id":"dtmi:twincore:Pump;1","@type":"Interface","displayName":"Pump","extends":"dtmi:twincore:HVAC;1","contents":[
			{"@type":"Property","name":"uniqueID","displayName":"Unique ID"},
			{"@type":"Property","name":"manufacturer","displayName":"Manufacturer"},
			{"@type":"Property","name":"alias","displayName":"Alias"},
			{"@type":"Relationship","name":"isPartOf","displayName":"Is Part Of"}
		]}`,
	}
	out := make([][]byte, len(docs))
	for i, d := range docs {
		out[i] = []byte(d)
	}
	return out
}

func testModel(t *testing.T) *schema.Model {
	t.Helper()
	model, err := schema.Parse(testModelDocs())
	if err != nil {
		t.Fatalf("parse models: %v", err)
	}
	return model
}

func TestMapPropertiesClassifiesAndRenames(t *testing.T) {
	m := NewMapper(testModel(t), nil)

	twin := Twin{
		ID:      "p-1",
		ModelID: "dtmi:twincore:Pump;1",
		Properties: map[string]any{
			"manufacturer": "Acme",
			"uniqueID":     "u-1",
			"name":         "Pump 1",
			"customX":      "raw",
		},
	}
	props := m.MapProperties(twin)

	got, ok := props["Manufacturer"]
	if !ok {
		t.Fatalf("Manufacturer missing, got %v", props)
	}
	if got.Value != "Acme" || got.Kind != schema.KindProperty || got.ValueKind != ValueString {
		t.Errorf("Manufacturer = %+v", got)
	}

	// Schema has no entry for customX: raw key, Other kind.
	raw, ok := props["customX"]
	if !ok || raw.Kind != schema.KindOther {
		t.Errorf("customX = %+v, ok %v", raw, ok)
	}

	// uniqueID and name are dedicated fields, not display properties.
	if _, ok := props["Unique ID"]; ok {
		t.Error("uniqueID leaked into mapped properties")
	}
	if _, ok := props["name"]; ok {
		t.Error("name leaked into mapped properties")
	}
}

func TestMapPropertiesDuplicateSuffixes(t *testing.T) {
	m := NewMapper(testModel(t), nil)

	twin := Twin{
		ID:      "p-1",
		ModelID: "dtmi:twincore:Pump;1",
		Properties: map[string]any{
			// Legacy multi-valued field arrives as an array.
			"alias": []any{"first", "second"},
		},
	}
	props := m.MapProperties(twin)

	one, ok1 := props["Alias #1"]
	two, ok2 := props["Alias #2"]
	if !ok1 || !ok2 {
		t.Fatalf("expected Alias #1 and Alias #2, got %v", props)
	}
	if one.Value != "first" || two.Value != "second" {
		t.Errorf("values out of encounter order: #1=%v #2=%v", one.Value, two.Value)
	}
	if _, ok := props["Alias"]; ok {
		t.Error("unsuffixed Alias present alongside suffixed entries")
	}
}

func TestCategory(t *testing.T) {
	m := NewMapper(testModel(t), nil)

	tests := []struct {
		name     string
		modelID  string
		wantID   string
		wantName string
	}{
		{"nearest ancestor under top", "dtmi:twincore:Pump;1", "dtmi:twincore:HVAC;1", "HVAC Equipment"},
		{"direct child of top", "dtmi:twincore:HVAC;1", "dtmi:twincore:HVAC;1", "HVAC Equipment"},
		{"top level itself", "dtmi:twincore:Asset;1", "dtmi:twincore:Asset;1", "Asset"},
		{"outside taxonomy", "dtmi:other:Thing;1", "dtmi:other:Thing;1", "dtmi:other:Thing;1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id, name := m.Category(tt.modelID)
			if id != tt.wantID || name != tt.wantName {
				t.Errorf("Category(%s) = %s, %s; want %s, %s", tt.modelID, id, name, tt.wantID, tt.wantName)
			}
		})
	}
}

func TestTrendInterval(t *testing.T) {
	m := NewMapper(testModel(t), nil)

	tests := []struct {
		name string
		prop any
		want time.Duration
	}{
		{"seconds", float64(900), 15 * time.Minute},
		{"missing", nil, 0},
		{"non numeric", "soon", 0},
		{"negative", float64(-5), 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			twin := Twin{Properties: map[string]any{}}
			if tt.prop != nil {
				twin.Properties[PropTrendInterval] = tt.prop
			}
			if got := m.TrendInterval(twin); got != tt.want {
				t.Errorf("TrendInterval = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestTrendIDFallsBackToUniqueID(t *testing.T) {
	m := NewMapper(testModel(t), nil)

	twin := Twin{Properties: map[string]any{PropUniqueID: "u-9"}}
	if got := m.TrendID(twin); got != "u-9" {
		t.Errorf("TrendID = %q, want fallback u-9", got)
	}

	twin.Properties[PropTrendID] = "t-1"
	if got := m.TrendID(twin); got != "t-1" {
		t.Errorf("TrendID = %q, want t-1", got)
	}
}

func TestTagsEncodings(t *testing.T) {
	m := NewMapper(testModel(t), nil)

	list := Twin{Properties: map[string]any{PropTags: []any{"hvac", 7, "critical"}}}
	if got := m.Tags(list); len(got) != 2 || got[0] != "hvac" || got[1] != "critical" {
		t.Errorf("list tags = %v", got)
	}

	set := Twin{Properties: map[string]any{PropTags: map[string]any{"b": true, "a": true}}}
	if got := m.Tags(set); len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Errorf("set tags = %v", got)
	}

	if got := m.Tags(Twin{}); got != nil {
		t.Errorf("absent tags = %v, want nil", got)
	}
}
