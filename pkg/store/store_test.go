package store

import (
	"strings"
	"testing"
)

func TestTokenRoundTrip(t *testing.T) {
	const q = "MATCH (twins:Twin) RETURN twins"
	tok := encodeToken(q, 100)

	off, err := decodeToken(q, tok)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if off != 100 {
		t.Fatalf("offset = %d, want 100", off)
	}
}

func TestTokenEmptyMeansFirstPage(t *testing.T) {
	off, err := decodeToken("any query", "")
	if err != nil || off != 0 {
		t.Fatalf("got %d, %v", off, err)
	}
}

func TestTokenRejectsDifferentQuery(t *testing.T) {
	tok := encodeToken("MATCH (a:Twin) RETURN a", 50)
	_, err := decodeToken("MATCH (b:Twin) RETURN b", tok)
	if err == nil || !strings.Contains(err.Error(), "does not match") {
		t.Fatalf("got %v", err)
	}
}

func TestTokenRejectsGarbage(t *testing.T) {
	if _, err := decodeToken("q", "not-base64!!"); err == nil {
		t.Fatal("expected error")
	}
	if _, err := decodeToken("q", "bm90IGpzb24"); err == nil {
		t.Fatal("expected error")
	}
}

func TestRowsCursor(t *testing.T) {
	rows := NewRows([]map[string]any{
		{"Id": "t1", "Count": float64(3), "Enabled": true},
		{"Id": "t2"},
	})

	if rows.Len() != 2 {
		t.Fatalf("len = %d", rows.Len())
	}
	if !rows.Next() {
		t.Fatal("expected first row")
	}
	if rows.String("Id") != "t1" || rows.Float("Count") != 3 || !rows.Bool("Enabled") {
		t.Fatalf("first row misread")
	}
	if !rows.Next() {
		t.Fatal("expected second row")
	}
	if rows.String("Id") != "t2" {
		t.Fatalf("second row misread")
	}
	// Absent columns read as zero values.
	if rows.String("Missing") != "" || rows.Float("Missing") != 0 || rows.Bool("Missing") {
		t.Fatal("absent column not zero")
	}
	if rows.Next() {
		t.Fatal("cursor ran past end")
	}
}

func TestRowsNestedLenient(t *testing.T) {
	rows := NewRows([]map[string]any{
		{
			"Ids":   []any{"a", "b", float64(3)},
			"Bag":   map[string]any{"k": "v"},
			"Doc":   `{"name":"AHU-1"}`,
			"BadDoc": "{nope",
		},
	})
	rows.Next()

	if got := rows.Strings("Ids"); len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Fatalf("Strings = %v", got)
	}
	if rows.Map("Bag")["k"] != "v" {
		t.Fatalf("Map misread")
	}
	if rows.Doc("Doc")["name"] != "AHU-1" {
		t.Fatalf("Doc misread")
	}
	// Empty and malformed nested values read as empty, not errors.
	if rows.Strings("Missing") != nil || rows.Map("Missing") != nil || rows.Doc("BadDoc") != nil {
		t.Fatal("lenient decode violated")
	}
}

func TestFlattenBagRoundTrip(t *testing.T) {
	rec := TwinRecord{
		ID:      "twin-1",
		ModelID: "dtmi:twincore:Asset;1",
		ETag:    "e1",
		Properties: map[string]any{
			"uniqueID": "u-1",
			"enabled":  true,
			"interval": float64(900),
			"mapped":   map[string]any{"x": "y"},
			"list":     []any{"a", "b"},
		},
	}

	back := twinFromProps(twinToProps(rec))
	if back.ID != rec.ID || back.ModelID != rec.ModelID || back.ETag != rec.ETag {
		t.Fatalf("identity lost: %+v", back)
	}
	if back.Properties["uniqueID"] != "u-1" || back.Properties["enabled"] != true {
		t.Fatalf("scalars lost: %v", back.Properties)
	}
	if m, ok := back.Properties["mapped"].(map[string]any); !ok || m["x"] != "y" {
		t.Fatalf("nested map lost: %v", back.Properties["mapped"])
	}
	if l, ok := back.Properties["list"].([]any); !ok || len(l) != 2 {
		t.Fatalf("nested list lost: %v", back.Properties["list"])
	}
}

func TestFlattenBagSkipsReservedKeys(t *testing.T) {
	props, _ := flattenBag(map[string]any{"id": "hijack", "etag": "x", "ok": "v"})
	if _, has := props["id"]; has {
		t.Fatal("reserved key leaked")
	}
	if props["ok"] != "v" {
		t.Fatal("regular key dropped")
	}
}
