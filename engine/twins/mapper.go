package twins

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/twinhub/twincore/engine/schema"
)

// Top-level taxonomy models. A twin's category is its nearest ancestor
// model sitting directly under one of these.
var TopLevelCategoryModels = []string{
	"dtmi:twincore:Asset;1",
	"dtmi:twincore:Space;1",
	"dtmi:twincore:BuildingComponent;1",
	"dtmi:twincore:Structure;1",
}

// ignoredProperties are custom properties excluded from display mapping;
// they surface through dedicated fields instead.
var ignoredProperties = map[string]struct{}{
	strings.ToLower(PropUniqueID):         {},
	strings.ToLower(PropGeometryViewerID): {},
	strings.ToLower(PropTags):             {},
	strings.ToLower(PropName):             {},
	strings.ToLower(PropCommunication):    {},
}

// Property is one classified, display-named custom property.
type Property struct {
	Value     any                `json:"value"`
	Kind      schema.ContentKind `json:"kind"`
	ValueKind ValueKind          `json:"valueKind"`
}

// Mapper converts raw twins into display-shaped property maps using the
// tenant's parsed model schema. Schema and data may be out of sync; every
// lookup falls back to the raw key rather than failing.
type Mapper struct {
	model *schema.Model
	log   *slog.Logger
}

// NewMapper creates a mapper over a parsed model schema.
func NewMapper(model *schema.Model, log *slog.Logger) *Mapper {
	if log == nil {
		log = slog.Default()
	}
	return &Mapper{model: model, log: log}
}

type mappedEntry struct {
	display string
	value   any
	kind    schema.ContentKind
}

// MapProperties classifies a twin's custom properties and keys them by
// schema display name. Duplicate display names, including legacy
// multi-valued entries arriving as arrays, are disambiguated with " #1",
// " #2", ... suffixes in stable order.
func (m *Mapper) MapProperties(t Twin) map[string]Property {
	keys := make([]string, 0, len(t.Properties))
	for k := range t.Properties {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var entries []mappedEntry
	for _, k := range keys {
		if _, skip := ignoredProperties[strings.ToLower(k)]; skip {
			continue
		}
		display := k
		kind := schema.KindOther
		if c, ok := m.model.ContentOf(t.ModelID, k); ok {
			display = c.DisplayName
			kind = c.Kind
		}

		v := t.Properties[k]
		if multi, ok := v.([]any); ok && kind == schema.KindProperty {
			// Legacy multi-valued field: one entry per element.
			for _, elem := range multi {
				entries = append(entries, mappedEntry{display: display, value: elem, kind: kind})
			}
			continue
		}
		entries = append(entries, mappedEntry{display: display, value: v, kind: kind})
	}

	counts := make(map[string]int, len(entries))
	for _, e := range entries {
		counts[e.display]++
	}

	out := make(map[string]Property, len(entries))
	seen := make(map[string]int, len(entries))
	for _, e := range entries {
		key := e.display
		if counts[e.display] > 1 {
			seen[e.display]++
			key = fmt.Sprintf("%s #%d", e.display, seen[e.display])
		}
		out[key] = Property{Value: e.value, Kind: e.kind, ValueKind: KindOf(e.value)}
	}
	return out
}

// Category resolves the nearest-ancestor top-level category of a model.
// Returns the category model id and its display name; a model outside the
// taxonomy falls back to itself.
func (m *Mapper) Category(modelID string) (string, string) {
	topSet := make(map[string]struct{}, len(TopLevelCategoryModels))
	for _, id := range TopLevelCategoryModels {
		topSet[id] = struct{}{}
	}

	for _, ancestor := range m.model.Hierarchy(modelID) {
		if _, top := topSet[ancestor]; top {
			// Walking up reached the taxonomy root itself; the previous
			// hop (or the root) is the category.
			return ancestor, m.model.DisplayNameOf(ancestor)
		}
		iface, ok := m.model.Interface(ancestor)
		if !ok {
			continue
		}
		for _, parent := range iface.Parents {
			if _, top := topSet[parent]; top {
				return ancestor, m.model.DisplayNameOf(ancestor)
			}
		}
	}
	return modelID, m.model.DisplayNameOf(modelID)
}

// TrendInterval reads the trend interval property (raw seconds) as a
// duration. Missing or non-numeric reads zero.
func (m *Mapper) TrendInterval(t Twin) time.Duration {
	secs, ok := t.FloatProperty(PropTrendInterval)
	if !ok || secs <= 0 {
		return 0
	}
	return time.Duration(secs * float64(time.Second))
}

// TrendID reads the trend id, falling back to the twin's unique id when
// missing or blank.
func (m *Mapper) TrendID(t Twin) string {
	if id := t.StringProperty(PropTrendID); id != "" {
		return id
	}
	return t.UniqueID()
}

// Tags reads the tags property as a string set; malformed entries are
// skipped, never an error.
func (m *Mapper) Tags(t Twin) []string {
	switch v := t.Properties[PropTags].(type) {
	case []any:
		var out []string
		for _, e := range v {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	case map[string]any:
		// Tag-set encoding: key → true.
		keys := make([]string, 0, len(v))
		for k := range v {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		return keys
	default:
		return nil
	}
}
