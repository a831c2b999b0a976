// Package store contains the clients for the two twin stores: the live
// graph (Neo4j) and the append-only analytics mirror (ClickHouse). The
// rest of the system depends on the Graph and Analytics interfaces only.
package store

import (
	"context"
	"errors"
)

// ErrNotFound reports absence of an entity by id. Upstream 404-style
// conditions are translated to this sentinel at the client boundary.
var ErrNotFound = errors.New("store: not found")

// TwinRecord is a raw twin as the graph store holds it: identity plus an
// untyped custom property bag.
type TwinRecord struct {
	ID         string
	ModelID    string
	ETag       string
	Properties map[string]any
}

// RelationshipRecord is a raw directed edge between two twins.
type RelationshipRecord struct {
	ID         string
	Name       string
	SourceID   string
	TargetID   string
	Properties map[string]any
}

// ModelRecord is a stored model document.
type ModelRecord struct {
	ID          string
	DisplayName string
	Document    []byte
}

// QueryPage is one page of query results. Rows map the query's return
// aliases to twin records. ContinuationToken is opaque to callers; empty
// means no further pages.
type QueryPage struct {
	Rows              []map[string]TwinRecord
	ContinuationToken string
}

// Graph is the live twin-graph client contract. All operations are scoped
// to a database (one per tenant).
type Graph interface {
	GetTwin(ctx context.Context, database, id string) (TwinRecord, error)
	QueryTwins(ctx context.Context, database, query string, pageSize int, continuationToken string) (QueryPage, error)
	Count(ctx context.Context, database, query string) (int64, error)
	AddOrUpdateTwin(ctx context.Context, database string, twin TwinRecord) (TwinRecord, error)
	PatchTwin(ctx context.Context, database, id string, patch map[string]any) (TwinRecord, error)
	DeleteTwin(ctx context.Context, database, id string) error

	GetRelationships(ctx context.Context, database, twinID string) ([]RelationshipRecord, error)
	GetIncomingRelationships(ctx context.Context, database, twinID string) ([]RelationshipRecord, error)
	AddOrUpdateRelationship(ctx context.Context, database string, rel RelationshipRecord) (RelationshipRecord, error)
	DeleteRelationship(ctx context.Context, database, sourceID, relID string) error

	CreateModels(ctx context.Context, database string, models []ModelRecord) error
	GetModel(ctx context.Context, database, id string) (ModelRecord, error)
	GetModels(ctx context.Context, database string) ([]ModelRecord, error)
	DeleteModel(ctx context.Context, database, id string) error
}

// Analytics is the analytics-mirror client contract.
type Analytics interface {
	// Append adds rows to an append-only table.
	Append(ctx context.Context, database, table string, rows []map[string]any) error
	// Query runs a read query and returns a row cursor.
	Query(ctx context.Context, database, query string) (*Rows, error)
}
