// Package schema parses twin model documents (DTMI-identified interface
// definitions) into a queryable in-memory model: contents with display
// names and kinds, plus the extends hierarchy used for descendant and
// category resolution.
package schema

import (
	"encoding/json"
	"fmt"
)

// ContentKind classifies one entry of an interface's contents.
type ContentKind int

const (
	KindProperty ContentKind = iota
	KindRelationship
	KindComponent
	KindOther
)

func (k ContentKind) String() string {
	switch k {
	case KindProperty:
		return "Property"
	case KindRelationship:
		return "Relationship"
	case KindComponent:
		return "Component"
	default:
		return "Other"
	}
}

// Content is one property/relationship/component definition.
type Content struct {
	Name        string
	DisplayName string
	Kind        ContentKind
}

// Interface is one parsed model.
type Interface struct {
	ID          string
	DisplayName string
	Contents    map[string]Content
	Parents     []string // direct extends
	Children    []string // direct extenders, populated after linking
}

// ParseError reports a malformed model document.
type ParseError struct {
	ModelID string
	Reason  string
}

func (e *ParseError) Error() string {
	if e.ModelID == "" {
		return fmt.Sprintf("schema: parse: %s", e.Reason)
	}
	return fmt.Sprintf("schema: parse %s: %s", e.ModelID, e.Reason)
}

// Model is a parsed, linked set of interfaces.
type Model struct {
	interfaces map[string]*Interface
	order      []string
}

// rawDoc matches the model document wire shape loosely; displayName can be
// a plain string or a localization map, extends a string or a list.
type rawDoc struct {
	ID          string          `json:"@id"`
	Type        json.RawMessage `json:"@type"`
	DisplayName json.RawMessage `json:"displayName"`
	Extends     json.RawMessage `json:"extends"`
	Contents    []rawContent    `json:"contents"`
}

type rawContent struct {
	Type        json.RawMessage `json:"@type"`
	Name        string          `json:"name"`
	DisplayName json.RawMessage `json:"displayName"`
}

// Parse builds a Model from raw model documents.
func Parse(docs [][]byte) (*Model, error) {
	m := &Model{interfaces: make(map[string]*Interface, len(docs))}

	for _, doc := range docs {
		var raw rawDoc
		if err := json.Unmarshal(doc, &raw); err != nil {
			return nil, &ParseError{Reason: fmt.Sprintf("invalid document: %v", err)}
		}
		if raw.ID == "" {
			return nil, &ParseError{Reason: "document missing @id"}
		}
		if !typeIncludes(raw.Type, "Interface") {
			return nil, &ParseError{ModelID: raw.ID, Reason: "@type is not Interface"}
		}
		if _, dup := m.interfaces[raw.ID]; dup {
			return nil, &ParseError{ModelID: raw.ID, Reason: "duplicate model id"}
		}

		iface := &Interface{
			ID:          raw.ID,
			DisplayName: displayName(raw.DisplayName, raw.ID),
			Contents:    make(map[string]Content, len(raw.Contents)),
			Parents:     stringOrList(raw.Extends),
		}
		for _, c := range raw.Contents {
			if c.Name == "" {
				return nil, &ParseError{ModelID: raw.ID, Reason: "content entry missing name"}
			}
			iface.Contents[c.Name] = Content{
				Name:        c.Name,
				DisplayName: displayName(c.DisplayName, c.Name),
				Kind:        contentKind(c.Type),
			}
		}
		m.interfaces[raw.ID] = iface
		m.order = append(m.order, raw.ID)
	}

	// Link children. Parents referencing models outside this set are kept
	// on the interface but produce no child link.
	for _, id := range m.order {
		for _, parent := range m.interfaces[id].Parents {
			if p, ok := m.interfaces[parent]; ok {
				p.Children = append(p.Children, id)
			}
		}
	}
	return m, nil
}

// Interface returns one parsed interface by id.
func (m *Model) Interface(id string) (*Interface, bool) {
	iface, ok := m.interfaces[id]
	return iface, ok
}

// All returns the interfaces in document order.
func (m *Model) All() []*Interface {
	out := make([]*Interface, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, m.interfaces[id])
	}
	return out
}

// DisplayNameOf resolves a model's display name, falling back to the id.
func (m *Model) DisplayNameOf(id string) string {
	if iface, ok := m.interfaces[id]; ok {
		return iface.DisplayName
	}
	return id
}

// Descendants returns the given ids plus all transitive extenders,
// deduplicated, in breadth-first order.
func (m *Model) Descendants(ids []string) []string {
	seen := make(map[string]struct{})
	var out []string
	queue := append([]string(nil), ids...)
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
		if iface, ok := m.interfaces[id]; ok {
			queue = append(queue, iface.Children...)
		}
	}
	return out
}

// Hierarchy returns id followed by its ancestors in breadth-first order.
func (m *Model) Hierarchy(id string) []string {
	seen := make(map[string]struct{})
	var out []string
	queue := []string{id}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if _, ok := seen[cur]; ok {
			continue
		}
		seen[cur] = struct{}{}
		out = append(out, cur)
		if iface, ok := m.interfaces[cur]; ok {
			queue = append(queue, iface.Parents...)
		}
	}
	return out
}

// IsDescendantOfAny reports whether id equals or extends any candidate.
func (m *Model) IsDescendantOfAny(candidates []string, id string) bool {
	cset := make(map[string]struct{}, len(candidates))
	for _, c := range candidates {
		cset[c] = struct{}{}
	}
	for _, ancestor := range m.Hierarchy(id) {
		if _, ok := cset[ancestor]; ok {
			return true
		}
	}
	return false
}

// ContentOf looks up a content entry through a model's ancestor chain, so
// inherited properties resolve against the declaring interface.
func (m *Model) ContentOf(modelID, name string) (Content, bool) {
	for _, id := range m.Hierarchy(modelID) {
		if iface, ok := m.interfaces[id]; ok {
			if c, ok := iface.Contents[name]; ok {
				return c, true
			}
		}
	}
	return Content{}, false
}

func typeIncludes(raw json.RawMessage, want string) bool {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s == want
	}
	var list []string
	if err := json.Unmarshal(raw, &list); err == nil {
		for _, v := range list {
			if v == want {
				return true
			}
		}
	}
	return false
}

func contentKind(raw json.RawMessage) ContentKind {
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		var list []string
		if err := json.Unmarshal(raw, &list); err != nil || len(list) == 0 {
			return KindOther
		}
		s = list[0]
	}
	switch s {
	case "Property":
		return KindProperty
	case "Relationship":
		return KindRelationship
	case "Component":
		return KindComponent
	default:
		return KindOther
	}
}

// displayName decodes a plain or localized display name, preferring "en".
func displayName(raw json.RawMessage, fallback string) string {
	if len(raw) == 0 {
		return fallback
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil && s != "" {
		return s
	}
	var loc map[string]string
	if err := json.Unmarshal(raw, &loc); err == nil {
		if en, ok := loc["en"]; ok && en != "" {
			return en
		}
		for _, v := range loc {
			if v != "" {
				return v
			}
		}
	}
	return fallback
}

func stringOrList(raw json.RawMessage) []string {
	if len(raw) == 0 {
		return nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if s == "" {
			return nil
		}
		return []string{s}
	}
	var list []string
	if err := json.Unmarshal(raw, &list); err == nil {
		return list
	}
	return nil
}
