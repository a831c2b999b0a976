package twins

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/twinhub/twincore/engine/query"
	"github.com/twinhub/twincore/engine/schema"
	"github.com/twinhub/twincore/pkg/cache"
	"github.com/twinhub/twincore/pkg/fn"
	"github.com/twinhub/twincore/pkg/store"
	"github.com/twinhub/twincore/pkg/tenant"
)

// LoadState tracks the model-schema state machine for one tenant.
type LoadState int

const (
	SchemaNotLoaded LoadState = iota
	SchemaLoading
	SchemaLoaded
)

// AccessPolicy decides whether an operation may touch a twin. The default
// allows everything; cross-site containment enforcement is an open
// product question and deliberately not implemented here.
type AccessPolicy func(ctx context.Context, tenantID, twinID string) error

// AllowAll is the default access policy.
func AllowAll(context.Context, string, string) error { return nil }

const (
	defaultPageSize = 100
	// batchSize caps ids per query, a store-side limit.
	batchSize = 50
	// fanOutWorkers bounds per-entity enrichment concurrency.
	fanOutWorkers = 8

	modelSchemaTTL = time.Hour
	scopeTreeKey   = "scopeTree"
)

// Service is the per-tenant twin façade over the graph store and the
// analytics mirror.
type Service struct {
	settings tenant.Settings
	graph    store.Graph
	mirror   *Mirror
	policy   AccessPolicy
	log      *slog.Logger

	schemaMu      sync.Mutex
	schemaState   LoadState
	model         *schema.Model
	modelLoadedAt time.Time

	scopeCache *cache.Cache
	now        func() time.Time
}

// NewService creates the twin service for one tenant.
func NewService(settings tenant.Settings, graph store.Graph, mirror *Mirror, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{
		settings:   settings,
		graph:      graph,
		mirror:     mirror,
		policy:     AllowAll,
		log:        log.With("tenant", settings.ID),
		scopeCache: cache.New(),
		now:        time.Now,
	}
}

// Settings returns the tenant settings the service was built with.
func (s *Service) Settings() tenant.Settings { return s.settings }

// SchemaState reports the model-schema load state.
func (s *Service) SchemaState() LoadState {
	s.schemaMu.Lock()
	defer s.schemaMu.Unlock()
	return s.schemaState
}

// Model returns the tenant's parsed model schema, loading it on first use.
// Concurrent callers during a load block on the single in-flight parse. A
// failed load resets the state so the next call retries.
func (s *Service) Model(ctx context.Context) (*schema.Model, error) {
	s.schemaMu.Lock()
	defer s.schemaMu.Unlock()

	if s.schemaState == SchemaLoaded && s.now().Sub(s.modelLoadedAt) < modelSchemaTTL {
		return s.model, nil
	}

	s.schemaState = SchemaLoading
	records, err := s.graph.GetModels(ctx, s.settings.GraphDatabase)
	if err != nil {
		s.schemaState = SchemaNotLoaded
		return nil, &SchemaError{Tenant: s.settings.ID, Err: err}
	}
	docs := make([][]byte, len(records))
	for i, r := range records {
		docs[i] = r.Document
	}
	model, err := schema.Parse(docs)
	if err != nil {
		s.schemaState = SchemaNotLoaded
		return nil, &SchemaError{Tenant: s.settings.ID, Err: err}
	}

	s.model = model
	s.schemaState = SchemaLoaded
	s.modelLoadedAt = s.now()
	return model, nil
}

// InvalidateModelSchema resets the schema state; the next call reloads.
// Called whenever a model is added or removed.
func (s *Service) InvalidateModelSchema() {
	s.schemaMu.Lock()
	defer s.schemaMu.Unlock()
	s.schemaState = SchemaNotLoaded
	s.model = nil
}

// Mapper returns a property mapper over the current model schema.
func (s *Service) Mapper(ctx context.Context) (*Mapper, error) {
	model, err := s.Model(ctx)
	if err != nil {
		return nil, err
	}
	return NewMapper(model, s.log), nil
}

// GetTwinByID fetches one twin by primary id; absent yields nil, not an
// error. Relationships are attached only when requested.
func (s *Service) GetTwinByID(ctx context.Context, id string, loadRelationships bool) (*TwinWithRelationships, error) {
	rec, err := s.graph.GetTwin(ctx, s.settings.GraphDatabase, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	out := &TwinWithRelationships{Twin: twinFromRecord(rec)}
	if loadRelationships {
		rels, err := s.GetRelationships(ctx, id)
		if err != nil {
			return nil, err
		}
		if rels == nil {
			rels = []TwinRelationship{}
		}
		out.Relationships = rels
	}
	return out, nil
}

// GetTwinByUniqueID fetches by the secondary unique id.
func (s *Service) GetTwinByUniqueID(ctx context.Context, uniqueID string) (*Twin, error) {
	return s.singleByProperty(ctx, PropUniqueID, uniqueID)
}

// GetTwinByExternalID fetches by the external-system id.
func (s *Service) GetTwinByExternalID(ctx context.Context, externalID string) (*Twin, error) {
	return s.singleByProperty(ctx, PropExternalID, externalID)
}

// GetTwinByTrendID fetches by the trend id.
func (s *Service) GetTwinByTrendID(ctx context.Context, trendID string) (*Twin, error) {
	return s.singleByProperty(ctx, PropTrendID, trendID)
}

// GetTwinByGeometryViewerID fetches by the geometry viewer id.
func (s *Service) GetTwinByGeometryViewerID(ctx context.Context, viewerID string) (*Twin, error) {
	return s.singleByProperty(ctx, PropGeometryViewerID, viewerID)
}

// singleByProperty resolves a secondary-id lookup. More than one match is
// a data-integrity error, never a pick-first.
func (s *Service) singleByProperty(ctx context.Context, prop, value string) (*Twin, error) {
	q := query.NewTwinQuery().SelectAll().FromTwins("")
	q.Where().Property(prop, value)
	text, err := q.Build()
	if err != nil {
		return nil, err
	}

	page, err := s.graph.QueryTwins(ctx, s.settings.GraphDatabase, text, 2, "")
	if err != nil {
		return nil, err
	}
	twins := rowsToTwins(page.Rows)
	switch len(twins) {
	case 0:
		return nil, nil
	case 1:
		return &twins[0], nil
	default:
		return nil, &DuplicateMatchError{Tenant: s.settings.ID, Property: prop, Value: value, Count: len(twins)}
	}
}

// QueryTwinsByModels returns one page of twins of the given models.
// Model inheritance is expanded unless exact is set.
func (s *Service) QueryTwinsByModels(ctx context.Context, modelIDs []string, exact bool, pageSize int, token string) (Page[Twin], error) {
	ids := modelIDs
	if !exact {
		model, err := s.Model(ctx)
		if err != nil {
			return Page[Twin]{}, err
		}
		ids = model.Descendants(modelIDs)
	}

	q := query.NewTwinQuery().SelectAll().FromTwins("")
	q.Where().Models(ids...)
	text, err := q.Build()
	if err != nil {
		return Page[Twin]{}, err
	}
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}
	page, err := s.graph.QueryTwins(ctx, s.settings.GraphDatabase, text, pageSize, token)
	if err != nil {
		return Page[Twin]{}, err
	}
	return Page[Twin]{Content: rowsToTwins(page.Rows), ContinuationToken: page.ContinuationToken}, nil
}

// GetTwinsByIDs fetches twins by primary id, batched to respect the
// store-side query size limit.
func (s *Service) GetTwinsByIDs(ctx context.Context, ids []string) ([]Twin, error) {
	var out []Twin
	for _, chunk := range fn.Chunk(fn.Unique(ids), batchSize) {
		q := query.NewTwinQuery().SelectAll().FromTwins("")
		q.Where().PropertyIn("id", chunk)
		text, err := q.Build()
		if err != nil {
			return nil, err
		}
		token := ""
		for {
			page, err := s.graph.QueryTwins(ctx, s.settings.GraphDatabase, text, defaultPageSize, token)
			if err != nil {
				return nil, err
			}
			out = append(out, rowsToTwins(page.Rows)...)
			if page.ContinuationToken == "" {
				break
			}
			token = page.ContinuationToken
		}
	}
	return out, nil
}

// CountTwins counts twins of the given models, inheritance expanded.
func (s *Service) CountTwins(ctx context.Context, modelIDs []string) (int64, error) {
	model, err := s.Model(ctx)
	if err != nil {
		return 0, err
	}
	q := query.NewTwinQuery().SelectCount().FromTwins("")
	q.Where().Models(model.Descendants(modelIDs)...)
	text, err := q.Build()
	if err != nil {
		return 0, err
	}
	return s.graph.Count(ctx, s.settings.GraphDatabase, text)
}

// AddOrUpdateTwin validates and writes a twin, then best-effort mirrors
// the change. A unique id is generated (or reused from the stored twin)
// when the model schema declares one and none was provided.
func (s *Service) AddOrUpdateTwin(ctx context.Context, t Twin, userID string) (*Twin, error) {
	if t.ID == "" {
		return nil, &ValidationError{Tenant: s.settings.ID, TwinID: t.ID, Reason: "twin id is required"}
	}
	if err := s.policy(ctx, s.settings.ID, t.ID); err != nil {
		return nil, err
	}
	model, err := s.Model(ctx)
	if err != nil {
		return nil, err
	}

	if siteID := t.StringProperty(PropSiteID); siteID != "" && s.settings.SiteID != "" && siteID != s.settings.SiteID {
		return nil, &ValidationError{
			Tenant: s.settings.ID, TwinID: t.ID,
			Reason: fmt.Sprintf("site id %q does not match tenant site %q", siteID, s.settings.SiteID),
		}
	}

	if uid := t.UniqueID(); uid != "" {
		existing, err := s.GetTwinByUniqueID(ctx, uid)
		if err != nil {
			return nil, err
		}
		if existing != nil && existing.ID != t.ID {
			return nil, &ValidationError{
				Tenant: s.settings.ID, TwinID: t.ID,
				Reason: fmt.Sprintf("unique id %q already belongs to twin %q", uid, existing.ID),
			}
		}
	} else if _, declares := model.ContentOf(t.ModelID, PropUniqueID); declares {
		// Reuse the stored twin's unique id across updates; generate one
		// for a new twin.
		stored, err := s.graph.GetTwin(ctx, s.settings.GraphDatabase, t.ID)
		switch {
		case err == nil && stored.Properties[PropUniqueID] != nil:
			t = withProperty(t, PropUniqueID, stored.Properties[PropUniqueID])
		case err == nil || errors.Is(err, store.ErrNotFound):
			t = withProperty(t, PropUniqueID, uuid.NewString())
		default:
			return nil, err
		}
	}

	rec, err := s.graph.AddOrUpdateTwin(ctx, s.settings.GraphDatabase, recordFromTwin(t))
	if err != nil {
		return nil, err
	}
	updated := twinFromRecord(rec)
	s.mirror.TwinUpserted(ctx, updated, userID)
	return &updated, nil
}

// PatchTwin merges properties into an existing twin; absent yields nil.
func (s *Service) PatchTwin(ctx context.Context, id string, patch map[string]any, userID string) (*Twin, error) {
	if err := s.policy(ctx, s.settings.ID, id); err != nil {
		return nil, err
	}
	rec, err := s.graph.PatchTwin(ctx, s.settings.GraphDatabase, id, patch)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	updated := twinFromRecord(rec)
	s.mirror.TwinUpserted(ctx, updated, userID)
	return &updated, nil
}

// DeleteTwin removes a twin. Deleting an absent twin is a no-op.
func (s *Service) DeleteTwin(ctx context.Context, id, userID string) error {
	if err := s.policy(ctx, s.settings.ID, id); err != nil {
		return err
	}
	if err := s.graph.DeleteTwin(ctx, s.settings.GraphDatabase, id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return err
	}
	s.mirror.TwinDeleted(ctx, id, userID)
	return nil
}

// DeleteTwinAndRelationships collects the twin's incoming and outgoing
// edges in parallel, deletes the edges, then the twin.
func (s *Service) DeleteTwinAndRelationships(ctx context.Context, id, userID string) error {
	if err := s.policy(ctx, s.settings.ID, id); err != nil {
		return err
	}

	type relResult struct {
		rels []store.RelationshipRecord
		err  error
	}
	results := fn.FanOut(
		func() relResult {
			rels, err := s.graph.GetRelationships(ctx, s.settings.GraphDatabase, id)
			return relResult{rels, err}
		},
		func() relResult {
			rels, err := s.graph.GetIncomingRelationships(ctx, s.settings.GraphDatabase, id)
			return relResult{rels, err}
		},
	)
	var edges []store.RelationshipRecord
	for _, r := range results {
		if r.err != nil && !errors.Is(r.err, store.ErrNotFound) {
			return r.err
		}
		edges = append(edges, r.rels...)
	}

	for _, e := range edges {
		if err := s.DeleteRelationship(ctx, e.SourceID, e.ID, userID); err != nil {
			return err
		}
	}
	return s.DeleteTwin(ctx, id, userID)
}

// GetRelationships returns a twin's outgoing edges.
func (s *Service) GetRelationships(ctx context.Context, twinID string) ([]TwinRelationship, error) {
	recs, err := s.graph.GetRelationships(ctx, s.settings.GraphDatabase, twinID)
	if err != nil {
		return nil, err
	}
	return fn.Map(recs, relFromRecord), nil
}

// GetIncomingRelationships returns a twin's incoming edges.
func (s *Service) GetIncomingRelationships(ctx context.Context, twinID string) ([]TwinRelationship, error) {
	recs, err := s.graph.GetIncomingRelationships(ctx, s.settings.GraphDatabase, twinID)
	if err != nil {
		return nil, err
	}
	return fn.Map(recs, relFromRecord), nil
}

// AddOrUpdateRelationship upserts an edge and mirrors the change.
func (s *Service) AddOrUpdateRelationship(ctx context.Context, rel TwinRelationship, userID string) (*TwinRelationship, error) {
	if err := s.policy(ctx, s.settings.ID, rel.SourceID); err != nil {
		return nil, err
	}
	rec, err := s.graph.AddOrUpdateRelationship(ctx, s.settings.GraphDatabase, store.RelationshipRecord{
		ID: rel.ID, Name: rel.Name, SourceID: rel.SourceID, TargetID: rel.TargetID, Properties: rel.Properties,
	})
	if err != nil {
		return nil, err
	}
	stored := relFromRecord(rec)
	s.mirror.RelationshipUpserted(ctx, stored, userID)
	return &stored, nil
}

// DeleteRelationship removes one edge; absent is a no-op.
func (s *Service) DeleteRelationship(ctx context.Context, sourceID, relID, userID string) error {
	if err := s.graph.DeleteRelationship(ctx, s.settings.GraphDatabase, sourceID, relID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return err
	}
	s.mirror.RelationshipDeleted(ctx, sourceID, relID, userID)
	return nil
}

// GetRelatedTwinsByHops finds twins reachable from a root within maxHops
// over the named relationships, then recovers the exact connecting edges
// with one relationship query per distinct target. The hop pattern and
// the edge list cannot be combined in a single query, hence the fan-out.
func (s *Service) GetRelatedTwinsByHops(ctx context.Context, rootID string, relNames []string, maxHops int) ([]TwinWithRelationships, error) {
	q := query.NewTwinQuery().
		Select("target").
		FromTwins("").
		Match(relNames, query.DefaultAlias, "target", query.Hops(maxHops), query.DirectionOut)
	q.Where().Property("id", rootID)
	text, err := q.Build()
	if err != nil {
		return nil, err
	}

	var targets []Twin
	token := ""
	for {
		page, err := s.graph.QueryTwins(ctx, s.settings.GraphDatabase, text, defaultPageSize, token)
		if err != nil {
			return nil, err
		}
		for _, row := range page.Rows {
			if rec, ok := row["target"]; ok {
				targets = append(targets, twinFromRecord(rec))
			}
		}
		if page.ContinuationToken == "" {
			break
		}
		token = page.ContinuationToken
	}

	// Multi-hop patterns revisit nodes; keep the first occurrence only.
	targets = fn.UniqueBy(targets, func(t Twin) string { return t.ID })

	relFilter := make(map[string]struct{}, len(relNames))
	for _, n := range relNames {
		relFilter[n] = struct{}{}
	}
	// Only edges connecting twins inside the related set count; each
	// target also carries edges leaving the set, which must not leak out.
	inSet := make(map[string]struct{}, len(targets)+1)
	inSet[rootID] = struct{}{}
	for _, t := range targets {
		inSet[t.ID] = struct{}{}
	}

	out := fn.ParMap(targets, fanOutWorkers, func(t Twin) TwinWithRelationships {
		rels, err := s.GetRelationships(ctx, t.ID)
		if err != nil {
			s.log.Warn("relationship fetch failed for related twin", "twin", t.ID, "error", err)
			return TwinWithRelationships{Twin: t, Relationships: []TwinRelationship{}}
		}
		rels = fn.Filter(rels, func(r TwinRelationship) bool {
			if len(relFilter) > 0 {
				if _, ok := relFilter[r.Name]; !ok {
					return false
				}
			}
			_, ok := inSet[r.TargetID]
			return ok
		})
		if rels == nil {
			rels = []TwinRelationship{}
		}
		return TwinWithRelationships{Twin: t, Relationships: rels}
	})

	total := 0
	for _, t := range out {
		total += len(t.Relationships)
	}
	if total == 0 {
		s.log.Info("no relationships found for hop query", "root", rootID, "targets", len(out))
	}
	return out, nil
}

// GetTwinRelationshipsByQuery returns the distinct edges connecting the
// twins reachable from a root within maxHops.
func (s *Service) GetTwinRelationshipsByQuery(ctx context.Context, rootID string, relNames []string, maxHops int) ([]TwinRelationship, error) {
	related, err := s.GetRelatedTwinsByHops(ctx, rootID, relNames, maxHops)
	if err != nil {
		return nil, err
	}
	var rels []TwinRelationship
	for _, t := range related {
		rels = append(rels, t.Relationships...)
	}
	return fn.UniqueBy(rels, func(r TwinRelationship) string { return r.ID }), nil
}

// GetTwinHistory reads a twin's prior versions from the append-only
// mirror, oldest first.
func (s *Service) GetTwinHistory(ctx context.Context, id string) ([]TwinVersion, error) {
	q := query.Table(TableTwins)
	q.Where().Property("Id", id)
	q.Sort("ExportTime", false)
	text, err := q.Build()
	if err != nil {
		return nil, err
	}
	rows, err := s.mirror.analytics.Query(ctx, s.settings.AnalyticsDatabase, text)
	if err != nil {
		return nil, err
	}

	var out []TwinVersion
	for rows.Next() {
		v := TwinVersion{
			Deleted: rows.Bool("Deleted"),
			UserID:  rows.String("UserId"),
		}
		if ts, err := time.Parse(time.RFC3339Nano, rows.String("ExportTime")); err == nil {
			v.ExportTime = ts
		}
		if doc := rows.Doc("Raw"); doc != nil {
			v.Twin = twinFromDoc(doc)
		} else {
			v.Twin = Twin{ID: rows.String("Id")}
		}
		out = append(out, v)
	}
	return out, nil
}

// GetModels returns the stored model documents.
func (s *Service) GetModels(ctx context.Context) ([]store.ModelRecord, error) {
	return s.graph.GetModels(ctx, s.settings.GraphDatabase)
}

// CreateModels validates and stores model documents, mirrors them, and
// invalidates the parsed schema.
func (s *Service) CreateModels(ctx context.Context, docs [][]byte, userID string) error {
	parsed, err := schema.Parse(docs)
	if err != nil {
		return &SchemaError{Tenant: s.settings.ID, Err: err}
	}

	// All returns interfaces in document order, so records pair with
	// their source documents by index.
	records := fn.Map(parsed.All(), func(iface *schema.Interface) store.ModelRecord {
		return store.ModelRecord{ID: iface.ID, DisplayName: iface.DisplayName}
	})
	for i := range records {
		records[i].Document = docs[i]
	}

	if err := s.graph.CreateModels(ctx, s.settings.GraphDatabase, records); err != nil {
		return err
	}
	s.mirror.ModelsUpserted(ctx, records, userID)
	s.InvalidateModelSchema()
	return nil
}

// DeleteModel removes a model; absent is a no-op. The parsed schema is
// invalidated either way.
func (s *Service) DeleteModel(ctx context.Context, id, userID string) error {
	err := s.graph.DeleteModel(ctx, s.settings.GraphDatabase, id)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return err
	}
	if err == nil {
		s.mirror.ModelDeleted(ctx, id, userID)
	}
	s.InvalidateModelSchema()
	return nil
}

func withProperty(t Twin, name string, value any) Twin {
	props := make(map[string]any, len(t.Properties)+1)
	for k, v := range t.Properties {
		props[k] = v
	}
	props[name] = value
	t.Properties = props
	return t
}

func twinFromRecord(r store.TwinRecord) Twin {
	return Twin{ID: r.ID, ModelID: r.ModelID, ETag: r.ETag, Properties: r.Properties}
}

func recordFromTwin(t Twin) store.TwinRecord {
	return store.TwinRecord{ID: t.ID, ModelID: t.ModelID, ETag: t.ETag, Properties: t.Properties}
}

func relFromRecord(r store.RelationshipRecord) TwinRelationship {
	return TwinRelationship{
		ID: r.ID, Name: r.Name, SourceID: r.SourceID, TargetID: r.TargetID,
		Source: &TwinWithRelationships{Twin: Twin{ID: r.SourceID}},
		Target: &TwinWithRelationships{Twin: Twin{ID: r.TargetID}},
		Properties: r.Properties,
	}
}

// twinFromDoc rebuilds a twin from a mirrored Raw document.
func twinFromDoc(doc map[string]any) Twin {
	t := Twin{Properties: map[string]any{}}
	t.ID, _ = doc["id"].(string)
	t.ModelID, _ = doc["modelId"].(string)
	t.ETag, _ = doc["etag"].(string)
	if props, ok := doc["properties"].(map[string]any); ok {
		t.Properties = props
	}
	return t
}

func rowsToTwins(rows []map[string]store.TwinRecord) []Twin {
	var out []Twin
	for _, row := range rows {
		if rec, ok := row[query.DefaultAlias]; ok {
			out = append(out, twinFromRecord(rec))
		}
	}
	return out
}
