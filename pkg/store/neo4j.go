package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
)

// Node properties reserved for twin identity; everything else on a node is
// a custom property.
const (
	propID      = "id"
	propModelID = "modelId"
	propETag    = "etag"
	propJSON    = "_json" // names of properties stored JSON-encoded
)

// result is the minimal interface needed from a neo4j result.
type result interface {
	Next(ctx context.Context) bool
	Record() *neo4j.Record
	Err() error
}

// runner is the minimal interface needed from a neo4j session.
type runner interface {
	Run(ctx context.Context, cypher string, params map[string]any) (result, error)
	Close(ctx context.Context) error
}

type sessionRunner struct {
	s neo4j.SessionWithContext
}

func (r sessionRunner) Run(ctx context.Context, cypher string, params map[string]any) (result, error) {
	res, err := r.s.Run(ctx, cypher, params)
	if err != nil {
		return nil, err
	}
	return res, nil
}

func (r sessionRunner) Close(ctx context.Context) error { return r.s.Close(ctx) }

// Neo4jGraph implements Graph against a Neo4j deployment, one database per
// tenant. Twins are (:Twin) nodes with custom properties flattened onto the
// node; non-scalar values are JSON-encoded and tracked in a _json list.
type Neo4jGraph struct {
	driver     neo4j.DriverWithContext
	newSession func(ctx context.Context, database string) runner // for testing
}

// NewNeo4jGraph creates a graph client on an open driver.
func NewNeo4jGraph(driver neo4j.DriverWithContext) *Neo4jGraph {
	g := &Neo4jGraph{driver: driver}
	g.newSession = func(ctx context.Context, database string) runner {
		return sessionRunner{s: driver.NewSession(ctx, neo4j.SessionConfig{DatabaseName: database})}
	}
	return g
}

// GetTwin fetches one twin by primary id.
func (g *Neo4jGraph) GetTwin(ctx context.Context, database, id string) (TwinRecord, error) {
	sess := g.newSession(ctx, database)
	defer sess.Close(ctx)

	res, err := sess.Run(ctx, "MATCH (t:Twin {id: $id}) RETURN t", map[string]any{"id": id})
	if err != nil {
		return TwinRecord{}, fmt.Errorf("store: get twin %s: %w", id, err)
	}
	if !res.Next(ctx) {
		if err := res.Err(); err != nil {
			return TwinRecord{}, fmt.Errorf("store: get twin %s: %w", id, err)
		}
		return TwinRecord{}, fmt.Errorf("store: twin %s: %w", id, ErrNotFound)
	}
	node, ok := res.Record().Values[0].(neo4j.Node)
	if !ok {
		return TwinRecord{}, fmt.Errorf("store: get twin %s: unexpected record shape", id)
	}
	return twinFromProps(node.Props), nil
}

// QueryTwins runs a builder-produced query and returns one page of results.
// The continuation token is validated against the query text.
func (g *Neo4jGraph) QueryTwins(ctx context.Context, database, query string, pageSize int, continuationToken string) (QueryPage, error) {
	offset, err := decodeToken(query, continuationToken)
	if err != nil {
		return QueryPage{}, err
	}
	if pageSize <= 0 {
		pageSize = 100
	}

	sess := g.newSession(ctx, database)
	defer sess.Close(ctx)

	paged := fmt.Sprintf("%s SKIP %d LIMIT %d", query, offset, pageSize)
	res, err := sess.Run(ctx, paged, nil)
	if err != nil {
		return QueryPage{}, fmt.Errorf("store: query twins: %w", err)
	}

	var page QueryPage
	for res.Next(ctx) {
		rec := res.Record()
		row := make(map[string]TwinRecord)
		for i, key := range rec.Keys {
			if node, ok := rec.Values[i].(neo4j.Node); ok {
				row[key] = twinFromProps(node.Props)
			}
		}
		if len(row) > 0 {
			page.Rows = append(page.Rows, row)
		}
	}
	if err := res.Err(); err != nil {
		return QueryPage{}, fmt.Errorf("store: query twins: %w", err)
	}

	if len(page.Rows) == pageSize {
		page.ContinuationToken = encodeToken(query, offset+pageSize)
	}
	return page, nil
}

// Count runs a count query (RETURN count(...) AS cnt) and returns the value.
func (g *Neo4jGraph) Count(ctx context.Context, database, query string) (int64, error) {
	sess := g.newSession(ctx, database)
	defer sess.Close(ctx)

	res, err := sess.Run(ctx, query, nil)
	if err != nil {
		return 0, fmt.Errorf("store: count: %w", err)
	}
	if !res.Next(ctx) {
		if err := res.Err(); err != nil {
			return 0, fmt.Errorf("store: count: %w", err)
		}
		return 0, nil
	}
	n, _ := res.Record().Values[0].(int64)
	return n, nil
}

// AddOrUpdateTwin upserts a twin and returns the stored record with a fresh
// etag.
func (g *Neo4jGraph) AddOrUpdateTwin(ctx context.Context, database string, twin TwinRecord) (TwinRecord, error) {
	sess := g.newSession(ctx, database)
	defer sess.Close(ctx)

	twin.ETag = uuid.NewString()
	res, err := sess.Run(ctx,
		"MERGE (t:Twin {id: $id}) SET t = $props RETURN t",
		map[string]any{"id": twin.ID, "props": twinToProps(twin)})
	if err != nil {
		return TwinRecord{}, fmt.Errorf("store: upsert twin %s: %w", twin.ID, err)
	}
	if !res.Next(ctx) {
		if err := res.Err(); err != nil {
			return TwinRecord{}, fmt.Errorf("store: upsert twin %s: %w", twin.ID, err)
		}
		return TwinRecord{}, fmt.Errorf("store: upsert twin %s: no record returned", twin.ID)
	}
	node, _ := res.Record().Values[0].(neo4j.Node)
	return twinFromProps(node.Props), nil
}

// PatchTwin merges the given properties into an existing twin. Nil values
// remove the property. Absent twin reports ErrNotFound.
func (g *Neo4jGraph) PatchTwin(ctx context.Context, database, id string, patch map[string]any) (TwinRecord, error) {
	sess := g.newSession(ctx, database)
	defer sess.Close(ctx)

	props, jsonKeys := flattenBag(patch)
	if jsonKeys == nil {
		jsonKeys = []string{} // list + null is null in Cypher
	}
	touched := make([]string, 0, len(props))
	for k := range props {
		touched = append(touched, k)
	}
	sort.Strings(touched)

	// The _json marker list must keep entries for nested properties the
	// patch does not touch, drop entries the patch overwrote with scalars
	// or nil, and gain entries for newly nested values.
	res, err := sess.Run(ctx,
		"MATCH (t:Twin {id: $id}) SET t += $props, t.etag = $etag, "+
			"t._json = [k IN coalesce(t._json, []) WHERE NOT k IN $touched] + $json RETURN t",
		map[string]any{
			"id":      id,
			"props":   props,
			"etag":    uuid.NewString(),
			"touched": touched,
			"json":    jsonKeys,
		})
	if err != nil {
		return TwinRecord{}, fmt.Errorf("store: patch twin %s: %w", id, err)
	}
	if !res.Next(ctx) {
		if err := res.Err(); err != nil {
			return TwinRecord{}, fmt.Errorf("store: patch twin %s: %w", id, err)
		}
		return TwinRecord{}, fmt.Errorf("store: patch twin %s: %w", id, ErrNotFound)
	}
	node, _ := res.Record().Values[0].(neo4j.Node)
	return twinFromProps(node.Props), nil
}

// DeleteTwin removes a twin and all its edges. Deleting an absent twin is
// a no-op.
func (g *Neo4jGraph) DeleteTwin(ctx context.Context, database, id string) error {
	sess := g.newSession(ctx, database)
	defer sess.Close(ctx)

	res, err := sess.Run(ctx, "MATCH (t:Twin {id: $id}) DETACH DELETE t", map[string]any{"id": id})
	if err != nil {
		return fmt.Errorf("store: delete twin %s: %w", id, err)
	}
	for res.Next(ctx) {
	}
	if err := res.Err(); err != nil {
		return fmt.Errorf("store: delete twin %s: %w", id, err)
	}
	return nil
}

// GetRelationships returns a twin's outgoing edges.
func (g *Neo4jGraph) GetRelationships(ctx context.Context, database, twinID string) ([]RelationshipRecord, error) {
	return g.relationships(ctx, database, twinID,
		"MATCH (s:Twin {id: $id})-[r]->(t:Twin) RETURN r, type(r), s.id, t.id")
}

// GetIncomingRelationships returns a twin's incoming edges.
func (g *Neo4jGraph) GetIncomingRelationships(ctx context.Context, database, twinID string) ([]RelationshipRecord, error) {
	return g.relationships(ctx, database, twinID,
		"MATCH (s:Twin)-[r]->(t:Twin {id: $id}) RETURN r, type(r), s.id, t.id")
}

func (g *Neo4jGraph) relationships(ctx context.Context, database, twinID, cypher string) ([]RelationshipRecord, error) {
	sess := g.newSession(ctx, database)
	defer sess.Close(ctx)

	res, err := sess.Run(ctx, cypher, map[string]any{"id": twinID})
	if err != nil {
		return nil, fmt.Errorf("store: relationships of %s: %w", twinID, err)
	}

	var out []RelationshipRecord
	for res.Next(ctx) {
		vals := res.Record().Values
		rel, ok := vals[0].(neo4j.Relationship)
		if !ok {
			continue
		}
		name, _ := vals[1].(string)
		srcID, _ := vals[2].(string)
		tgtID, _ := vals[3].(string)
		out = append(out, relFromProps(rel.Props, name, srcID, tgtID))
	}
	if err := res.Err(); err != nil {
		return nil, fmt.Errorf("store: relationships of %s: %w", twinID, err)
	}
	return out, nil
}

// AddOrUpdateRelationship upserts an edge between two existing twins.
// Reports ErrNotFound when either endpoint is missing.
func (g *Neo4jGraph) AddOrUpdateRelationship(ctx context.Context, database string, rel RelationshipRecord) (RelationshipRecord, error) {
	sess := g.newSession(ctx, database)
	defer sess.Close(ctx)

	if rel.ID == "" {
		rel.ID = uuid.NewString()
	}
	props, jsonKeys := flattenBag(rel.Properties)
	props[propID] = rel.ID
	if len(jsonKeys) > 0 {
		props[propJSON] = jsonKeys
	}

	cypher := fmt.Sprintf(
		"MATCH (s:Twin {id: $src}), (t:Twin {id: $tgt}) MERGE (s)-[r:`%s` {id: $rid}]->(t) SET r = $props RETURN r, type(r), s.id, t.id",
		sanitizeRelName(rel.Name))
	res, err := sess.Run(ctx, cypher, map[string]any{
		"src": rel.SourceID, "tgt": rel.TargetID, "rid": rel.ID, "props": props,
	})
	if err != nil {
		return RelationshipRecord{}, fmt.Errorf("store: upsert relationship %s: %w", rel.ID, err)
	}
	if !res.Next(ctx) {
		if err := res.Err(); err != nil {
			return RelationshipRecord{}, fmt.Errorf("store: upsert relationship %s: %w", rel.ID, err)
		}
		return RelationshipRecord{}, fmt.Errorf("store: upsert relationship %s: endpoint: %w", rel.ID, ErrNotFound)
	}
	vals := res.Record().Values
	stored, _ := vals[0].(neo4j.Relationship)
	name, _ := vals[1].(string)
	srcID, _ := vals[2].(string)
	tgtID, _ := vals[3].(string)
	return relFromProps(stored.Props, name, srcID, tgtID), nil
}

// DeleteRelationship removes one edge by source twin and relationship id.
// Deleting an absent edge is a no-op.
func (g *Neo4jGraph) DeleteRelationship(ctx context.Context, database, sourceID, relID string) error {
	sess := g.newSession(ctx, database)
	defer sess.Close(ctx)

	res, err := sess.Run(ctx,
		"MATCH (s:Twin {id: $src})-[r {id: $rid}]->() DELETE r",
		map[string]any{"src": sourceID, "rid": relID})
	if err != nil {
		return fmt.Errorf("store: delete relationship %s: %w", relID, err)
	}
	for res.Next(ctx) {
	}
	if err := res.Err(); err != nil {
		return fmt.Errorf("store: delete relationship %s: %w", relID, err)
	}
	return nil
}

// CreateModels upserts model documents.
func (g *Neo4jGraph) CreateModels(ctx context.Context, database string, models []ModelRecord) error {
	sess := g.newSession(ctx, database)
	defer sess.Close(ctx)

	for _, m := range models {
		res, err := sess.Run(ctx,
			"MERGE (m:Model {id: $id}) SET m.displayName = $dn, m.document = $doc",
			map[string]any{"id": m.ID, "dn": m.DisplayName, "doc": string(m.Document)})
		if err != nil {
			return fmt.Errorf("store: create model %s: %w", m.ID, err)
		}
		for res.Next(ctx) {
		}
		if err := res.Err(); err != nil {
			return fmt.Errorf("store: create model %s: %w", m.ID, err)
		}
	}
	return nil
}

// GetModel fetches one model by id.
func (g *Neo4jGraph) GetModel(ctx context.Context, database, id string) (ModelRecord, error) {
	sess := g.newSession(ctx, database)
	defer sess.Close(ctx)

	res, err := sess.Run(ctx, "MATCH (m:Model {id: $id}) RETURN m", map[string]any{"id": id})
	if err != nil {
		return ModelRecord{}, fmt.Errorf("store: get model %s: %w", id, err)
	}
	if !res.Next(ctx) {
		if err := res.Err(); err != nil {
			return ModelRecord{}, fmt.Errorf("store: get model %s: %w", id, err)
		}
		return ModelRecord{}, fmt.Errorf("store: model %s: %w", id, ErrNotFound)
	}
	node, _ := res.Record().Values[0].(neo4j.Node)
	return modelFromProps(node.Props), nil
}

// GetModels returns all stored models ordered by id.
func (g *Neo4jGraph) GetModels(ctx context.Context, database string) ([]ModelRecord, error) {
	sess := g.newSession(ctx, database)
	defer sess.Close(ctx)

	res, err := sess.Run(ctx, "MATCH (m:Model) RETURN m ORDER BY m.id", nil)
	if err != nil {
		return nil, fmt.Errorf("store: get models: %w", err)
	}
	var out []ModelRecord
	for res.Next(ctx) {
		if node, ok := res.Record().Values[0].(neo4j.Node); ok {
			out = append(out, modelFromProps(node.Props))
		}
	}
	if err := res.Err(); err != nil {
		return nil, fmt.Errorf("store: get models: %w", err)
	}
	return out, nil
}

// DeleteModel removes a model. Reports ErrNotFound when absent.
func (g *Neo4jGraph) DeleteModel(ctx context.Context, database, id string) error {
	sess := g.newSession(ctx, database)
	defer sess.Close(ctx)

	res, err := sess.Run(ctx,
		"MATCH (m:Model {id: $id}) WITH m, m.id AS mid DELETE m RETURN mid",
		map[string]any{"id": id})
	if err != nil {
		return fmt.Errorf("store: delete model %s: %w", id, err)
	}
	if !res.Next(ctx) {
		if err := res.Err(); err != nil {
			return fmt.Errorf("store: delete model %s: %w", id, err)
		}
		return fmt.Errorf("store: model %s: %w", id, ErrNotFound)
	}
	return nil
}

// sanitizeRelName makes a relationship name safe to embed as a Cypher
// relationship type (types cannot be parameterized).
func sanitizeRelName(name string) string {
	return strings.ReplaceAll(name, "`", "")
}

var reservedProps = map[string]struct{}{
	propID: {}, propModelID: {}, propETag: {}, propJSON: {},
}

// flattenBag converts a custom property bag to node-storable properties.
// Scalars are stored as-is; everything else is JSON-encoded, with encoded
// key names returned for round-tripping.
func flattenBag(bag map[string]any) (map[string]any, []string) {
	props := make(map[string]any, len(bag))
	var jsonKeys []string
	for k, v := range bag {
		if _, reserved := reservedProps[k]; reserved {
			continue
		}
		switch v.(type) {
		case nil:
			props[k] = nil // removes the property on SET +=
		case string, bool, int, int64, float64:
			props[k] = v
		default:
			data, err := json.Marshal(v)
			if err != nil {
				continue
			}
			props[k] = string(data)
			jsonKeys = append(jsonKeys, k)
		}
	}
	sort.Strings(jsonKeys)
	return props, jsonKeys
}

func twinToProps(t TwinRecord) map[string]any {
	props, jsonKeys := flattenBag(t.Properties)
	props[propID] = t.ID
	props[propModelID] = t.ModelID
	props[propETag] = t.ETag
	if len(jsonKeys) > 0 {
		props[propJSON] = jsonKeys
	}
	return props
}

// jsonKeySet reads the _json property, which arrives as []string when we
// built the map and as []any when the driver decoded it.
func jsonKeySet(v any) map[string]struct{} {
	out := make(map[string]struct{})
	switch keys := v.(type) {
	case []string:
		for _, k := range keys {
			out[k] = struct{}{}
		}
	case []any:
		for _, k := range keys {
			if s, ok := k.(string); ok {
				out[s] = struct{}{}
			}
		}
	}
	return out
}

func twinFromProps(props map[string]any) TwinRecord {
	t := TwinRecord{Properties: make(map[string]any)}
	t.ID, _ = props[propID].(string)
	t.ModelID, _ = props[propModelID].(string)
	t.ETag, _ = props[propETag].(string)

	jsonKeys := jsonKeySet(props[propJSON])

	for k, v := range props {
		if _, reserved := reservedProps[k]; reserved {
			continue
		}
		if _, enc := jsonKeys[k]; enc {
			if s, ok := v.(string); ok {
				var decoded any
				if err := json.Unmarshal([]byte(s), &decoded); err == nil {
					t.Properties[k] = decoded
					continue
				}
			}
		}
		t.Properties[k] = v
	}
	return t
}

func relFromProps(props map[string]any, name, srcID, tgtID string) RelationshipRecord {
	r := RelationshipRecord{Name: name, SourceID: srcID, TargetID: tgtID, Properties: make(map[string]any)}
	r.ID, _ = props[propID].(string)

	jsonKeys := jsonKeySet(props[propJSON])
	for k, v := range props {
		if _, reserved := reservedProps[k]; reserved {
			continue
		}
		if _, enc := jsonKeys[k]; enc {
			if s, ok := v.(string); ok {
				var decoded any
				if err := json.Unmarshal([]byte(s), &decoded); err == nil {
					r.Properties[k] = decoded
					continue
				}
			}
		}
		r.Properties[k] = v
	}
	return r
}

func modelFromProps(props map[string]any) ModelRecord {
	var m ModelRecord
	m.ID, _ = props[propID].(string)
	m.DisplayName, _ = props["displayName"].(string)
	if doc, ok := props["document"].(string); ok {
		m.Document = []byte(doc)
	}
	return m
}
