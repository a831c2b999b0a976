// Package twins holds the twin domain model, the schema-driven property
// mapper, and the per-tenant digital twin service.
package twins

import (
	"time"
)

// Well-known custom property names.
const (
	PropUniqueID         = "uniqueID"
	PropSiteID           = "siteID"
	PropExternalID       = "externalID"
	PropTrendID          = "trendID"
	PropGeometryViewerID = "geometryViewerID"
	PropTrendInterval    = "trendInterval"
	PropEnabled          = "enabled"
	PropName             = "name"
	PropTags             = "tags"
	PropCommunication    = "communication"
	PropUnit             = "unit"
	PropType             = "type"
)

// Twin is one node in the digital-twin graph.
type Twin struct {
	ID         string
	ModelID    string
	ETag       string
	Properties map[string]any
}

// StringProperty reads a string custom property; absent reads "".
func (t Twin) StringProperty(name string) string {
	s, _ := t.Properties[name].(string)
	return s
}

// BoolProperty reads a bool custom property. The second return reports
// presence.
func (t Twin) BoolProperty(name string) (bool, bool) {
	b, ok := t.Properties[name].(bool)
	return b, ok
}

// FloatProperty reads a numeric custom property. The second return
// reports presence of a numeric value.
func (t Twin) FloatProperty(name string) (float64, bool) {
	switch v := t.Properties[name].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	default:
		return 0, false
	}
}

// UniqueID reads the secondary stable identifier, empty when unset.
func (t Twin) UniqueID() string { return t.StringProperty(PropUniqueID) }

// DisplayName reads the name property, falling back to the id.
func (t Twin) DisplayName() string {
	if n := t.StringProperty(PropName); n != "" {
		return n
	}
	return t.ID
}

// TwinWithRelationships is a twin plus its relationships when they were
// explicitly requested. A nil slice means not loaded, which is not the
// same as loaded-and-empty.
type TwinWithRelationships struct {
	Twin
	Relationships []TwinRelationship
}

// TwinRelationship is a directed, named edge. Source and Target are
// partially populated to break recursion.
type TwinRelationship struct {
	ID         string
	Name       string
	SourceID   string
	TargetID   string
	Source     *TwinWithRelationships
	Target     *TwinWithRelationships
	Properties map[string]any
}

// NestedTwin is a scope-tree node: a twin and its ordered children.
type NestedTwin struct {
	Twin     Twin
	Children []*NestedTwin
}

// TwinVersion is one historical version of a twin from the analytics
// mirror.
type TwinVersion struct {
	Twin       Twin
	ExportTime time.Time
	Deleted    bool
	UserID     string
}

// Page is a list of content plus an opaque continuation token; an empty
// token means no further pages.
type Page[T any] struct {
	Content           []T
	ContinuationToken string
}

// ValueKind classifies a dynamic property value.
type ValueKind int

const (
	ValueNull ValueKind = iota
	ValueString
	ValueNumber
	ValueBool
	ValueObject
	ValueArray
)

func (k ValueKind) String() string {
	switch k {
	case ValueString:
		return "string"
	case ValueNumber:
		return "number"
	case ValueBool:
		return "bool"
	case ValueObject:
		return "object"
	case ValueArray:
		return "array"
	default:
		return "null"
	}
}

// KindOf classifies a property value as it arrives from either store.
func KindOf(v any) ValueKind {
	switch v.(type) {
	case nil:
		return ValueNull
	case string:
		return ValueString
	case bool:
		return ValueBool
	case float64, float32, int, int64, int32:
		return ValueNumber
	case map[string]any:
		return ValueObject
	case []any, []string:
		return ValueArray
	default:
		return ValueObject
	}
}
