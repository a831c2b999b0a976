package assets

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"github.com/twinhub/twincore/engine/query"
	"github.com/twinhub/twincore/engine/twins"
	"github.com/twinhub/twincore/pkg/cache"
	"github.com/twinhub/twincore/pkg/fn"
	"github.com/twinhub/twincore/pkg/store"
)

const (
	defaultPageSize = 100
	enrichWorkers   = 8

	floorsTTL   = time.Hour
	buildingTTL = 12 * time.Hour
)

// Service composes the twin service, the graph store, and the analytics
// mirror into asset/device/point views.
type Service struct {
	twins     *twins.Service
	graph     store.Graph
	analytics store.Analytics
	log       *slog.Logger
	lookups   *cache.Cache
}

// NewService creates the asset service for one tenant.
func NewService(tw *twins.Service, graph store.Graph, analytics store.Analytics, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{
		twins:     tw,
		graph:     graph,
		analytics: analytics,
		log:       log.With("tenant", tw.Settings().ID),
		lookups:   cache.New(),
	}
}

// GetFloors returns the tenant's floor twins, cached for an hour.
func (s *Service) GetFloors(ctx context.Context) ([]twins.Twin, error) {
	return cache.GetOrCreate(ctx, s.lookups, "floors", floorsTTL, func(ctx context.Context) ([]twins.Twin, error) {
		var out []twins.Twin
		token := ""
		for {
			page, err := s.twins.QueryTwinsByModels(ctx, []string{ModelLevel}, false, defaultPageSize, token)
			if err != nil {
				return nil, err
			}
			out = append(out, page.Content...)
			if page.ContinuationToken == "" {
				return out, nil
			}
			token = page.ContinuationToken
		}
	})
}

// GetBuilding returns the tenant's site twin, cached for half a day; nil
// when the tenant has no site twin.
func (s *Service) GetBuilding(ctx context.Context) (*twins.Twin, error) {
	return cache.GetOrCreate(ctx, s.lookups, "building", buildingTTL, func(ctx context.Context) (*twins.Twin, error) {
		siteID := s.twins.Settings().SiteID
		if siteID == "" {
			return nil, nil
		}
		t, err := s.twins.GetTwinByID(ctx, siteID, false)
		if err != nil {
			return nil, err
		}
		if t == nil {
			return nil, nil
		}
		return &t.Twin, nil
	})
}

// GetAssets returns one page of assets of the given models, enriched with
// category and floor association. Enrichment is per-entity best-effort: a
// failed floor lookup degrades that asset's floor to empty.
func (s *Service) GetAssets(ctx context.Context, modelIDs []string, floorID string, pageSize int, token string) (twins.Page[Asset], error) {
	if len(modelIDs) == 0 {
		modelIDs = []string{ModelAsset}
	}
	mapper, err := s.twins.Mapper(ctx)
	if err != nil {
		return twins.Page[Asset]{}, err
	}
	page, err := s.twins.QueryTwinsByModels(ctx, modelIDs, false, pageSize, token)
	if err != nil {
		return twins.Page[Asset]{}, err
	}

	floorSet := s.floorSet(ctx)
	assets := fn.ParMap(page.Content, enrichWorkers, func(t twins.Twin) Asset {
		a := s.assetFromTwin(mapper, t)
		a.FloorID = s.floorOf(ctx, t.ID, floorSet)
		return a
	})
	if floorID != "" {
		assets = fn.Filter(assets, func(a Asset) bool { return a.FloorID == floorID })
	}
	return twins.Page[Asset]{Content: assets, ContinuationToken: page.ContinuationToken}, nil
}

// floorSet loads the floor id set; failure degrades to no floor
// association rather than failing the page.
func (s *Service) floorSet(ctx context.Context) map[string]struct{} {
	floors, err := s.GetFloors(ctx)
	if err != nil {
		s.log.Warn("floor lookup failed, assets served without floors", "error", err)
		return nil
	}
	set := make(map[string]struct{}, len(floors))
	for _, f := range floors {
		set[f.ID] = struct{}{}
	}
	return set
}

// floorOf resolves the floor a twin is located in, empty when none.
func (s *Service) floorOf(ctx context.Context, twinID string, floorSet map[string]struct{}) string {
	if len(floorSet) == 0 {
		return ""
	}
	rels, err := s.twins.GetRelationships(ctx, twinID)
	if err != nil {
		s.log.Warn("floor association failed", "twin", twinID, "error", err)
		return ""
	}
	for _, r := range rels {
		if r.Name != RelLocatedIn && r.Name != RelIsPartOf {
			continue
		}
		if _, ok := floorSet[r.TargetID]; ok {
			return r.TargetID
		}
	}
	return ""
}

// GetCategoryTree walks the model schema from the given roots, attaches
// each model's twins as assets, and prunes branches with neither assets
// nor non-empty children. The result covers exactly the subset of the
// taxonomy touched by data, in schema order.
func (s *Service) GetCategoryTree(ctx context.Context, rootModels []string) ([]*Category, error) {
	if len(rootModels) == 0 {
		rootModels = []string{ModelAsset}
	}
	model, err := s.twins.Model(ctx)
	if err != nil {
		return nil, err
	}
	mapper, err := s.twins.Mapper(ctx)
	if err != nil {
		return nil, err
	}

	byModel := map[string][]twins.Twin{}
	token := ""
	for {
		page, err := s.twins.QueryTwinsByModels(ctx, rootModels, false, defaultPageSize, token)
		if err != nil {
			return nil, err
		}
		for _, t := range page.Content {
			byModel[t.ModelID] = append(byModel[t.ModelID], t)
		}
		if page.ContinuationToken == "" {
			break
		}
		token = page.ContinuationToken
	}

	seen := map[string]struct{}{}
	var build func(id string) *Category
	build = func(id string) *Category {
		if _, dup := seen[id]; dup {
			return nil
		}
		seen[id] = struct{}{}

		node := &Category{ModelID: id, Name: model.DisplayNameOf(id)}
		for _, t := range byModel[id] {
			node.Assets = append(node.Assets, s.assetFromTwin(mapper, t))
		}
		if iface, ok := model.Interface(id); ok {
			for _, child := range iface.Children {
				if c := build(child); c != nil {
					node.Children = append(node.Children, c)
				}
			}
		}
		if len(node.Assets) == 0 && len(node.Children) == 0 {
			return nil
		}
		return node
	}

	var roots []*Category
	for _, id := range rootModels {
		if c := build(id); c != nil {
			roots = append(roots, c)
		}
	}
	return roots, nil
}

// GetPointAssetPairs returns one page of points paired with the asset
// they are a capability of. A point with several capability edges pairs
// with the first by store order and logs a data-quality warning; a point
// with none is dropped unless includePointsWithNoAssets is set. Disabled
// points are skipped.
func (s *Service) GetPointAssetPairs(ctx context.Context, modelIDs []string, includePointsWithNoAssets bool, pageSize int, token string) (twins.Page[PointAssetPair], error) {
	if len(modelIDs) == 0 {
		modelIDs = []string{ModelPoint}
	}
	mapper, err := s.twins.Mapper(ctx)
	if err != nil {
		return twins.Page[PointAssetPair]{}, err
	}
	page, err := s.twins.QueryTwinsByModels(ctx, modelIDs, false, pageSize, token)
	if err != nil {
		return twins.Page[PointAssetPair]{}, err
	}

	live := fn.Filter(page.Content, func(t twins.Twin) bool {
		if enabled, ok := t.BoolProperty(twins.PropEnabled); ok && !enabled {
			s.log.Debug("skipping disabled point", "point", t.ID)
			return false
		}
		return true
	})

	type link struct {
		point   twins.Twin
		assetID string
		keep    bool
	}
	links := fn.ParMap(live, enrichWorkers, func(t twins.Twin) link {
		rels, err := s.twins.GetRelationships(ctx, t.ID)
		if err != nil {
			s.log.Warn("capability lookup failed", "point", t.ID, "error", err)
			return link{point: t, keep: includePointsWithNoAssets}
		}
		caps := fn.Filter(rels, func(r twins.TwinRelationship) bool { return r.Name == RelIsCapabilityOf })
		switch {
		case len(caps) == 0:
			return link{point: t, keep: includePointsWithNoAssets}
		case len(caps) > 1:
			s.log.Warn("point has multiple assets, using first",
				"point", t.ID, "assets", len(caps))
		}
		return link{point: t, assetID: caps[0].TargetID, keep: true}
	})

	var assetIDs []string
	for _, l := range links {
		if l.assetID != "" {
			assetIDs = append(assetIDs, l.assetID)
		}
	}
	assetTwins, err := s.twins.GetTwinsByIDs(ctx, assetIDs)
	if err != nil {
		return twins.Page[PointAssetPair]{}, err
	}
	assetByID := make(map[string]Asset, len(assetTwins))
	for _, t := range assetTwins {
		assetByID[t.ID] = s.assetFromTwin(mapper, t)
	}

	var pairs []PointAssetPair
	for _, l := range links {
		if !l.keep {
			continue
		}
		pair := PointAssetPair{Point: s.pointFromTwin(mapper, l.point)}
		if a, ok := assetByID[l.assetID]; ok {
			pair.Asset = &a
		}
		pairs = append(pairs, pair)
	}
	return twins.Page[PointAssetPair]{Content: pairs, ContinuationToken: page.ContinuationToken}, nil
}

// GetDevicesWithPoints finds devices and their hosted points in one live
// graph pattern rather than through the analytics mirror, so the linkage
// reflects current state. Devices hosting no points are not returned.
func (s *Service) GetDevicesWithPoints(ctx context.Context, deviceModelIDs []string) ([]Device, error) {
	if len(deviceModelIDs) == 0 {
		deviceModelIDs = []string{ModelDevice}
	}
	model, err := s.twins.Model(ctx)
	if err != nil {
		return nil, err
	}
	mapper, err := s.twins.Mapper(ctx)
	if err != nil {
		return nil, err
	}

	q := query.NewTwinQuery().
		Select("devices", "points").
		FromTwins("devices").
		Match([]string{RelHostedBy}, "points", "devices", query.Hops(1), query.DirectionOut)
	q.Where().ModelsOf("devices", model.Descendants(deviceModelIDs)...)
	text, err := q.Build()
	if err != nil {
		return nil, err
	}

	devices := map[string]*Device{}
	pointSeen := map[string]struct{}{}
	var order []string
	database := s.twins.Settings().GraphDatabase
	token := ""
	for {
		page, err := s.graph.QueryTwins(ctx, database, text, defaultPageSize, token)
		if err != nil {
			return nil, err
		}
		for _, row := range page.Rows {
			devRec, ok := row["devices"]
			if !ok {
				continue
			}
			dev, ok := devices[devRec.ID]
			if !ok {
				d := s.deviceFromTwin(twins.Twin{
					ID: devRec.ID, ModelID: devRec.ModelID, ETag: devRec.ETag, Properties: devRec.Properties,
				})
				dev = &d
				devices[devRec.ID] = dev
				order = append(order, devRec.ID)
			}
			if ptRec, ok := row["points"]; ok {
				key := devRec.ID + "\x00" + ptRec.ID
				if _, dup := pointSeen[key]; !dup {
					pointSeen[key] = struct{}{}
					dev.Points = append(dev.Points, s.pointFromTwin(mapper, twins.Twin{
						ID: ptRec.ID, ModelID: ptRec.ModelID, ETag: ptRec.ETag, Properties: ptRec.Properties,
					}))
				}
			}
		}
		if page.ContinuationToken == "" {
			break
		}
		token = page.ContinuationToken
	}

	out := make([]Device, 0, len(order))
	for _, id := range order {
		d := devices[id]
		sort.SliceStable(d.Points, func(i, j int) bool { return d.Points[i].Name < d.Points[j].Name })
		out = append(out, *d)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// GetAssetSummaries rolls up, per site asset, how many points are attached
// and how many devices it hosts — one analytics query with the site asset
// set materialized once and reused across both union branches.
func (s *Service) GetAssetSummaries(ctx context.Context) ([]AssetSummary, error) {
	settings := s.twins.Settings()

	// Each join side is projected down to the columns it contributes;
	// twin and relationship rows both carry Id and Name, and the joined
	// result must keep those references unambiguous.
	base := query.Table(twins.ViewActiveTwins)
	base.Where().Property("SiteId", settings.SiteID)
	base.Project("Id", "Name")

	capRels := query.Table(twins.ViewActiveRelationships)
	capRels.Where().Property("Name", RelIsCapabilityOf)
	capRels.Project("SourceId", "TargetId")
	hostRels := query.Table(twins.ViewActiveRelationships)
	hostRels.Where().Property("Name", RelHostedBy)
	hostRels.Project("SourceId", "TargetId")

	pointBranch := query.NewAnalyticsQuery().
		Materialize("siteassets", base).
		Use("siteassets").
		Join(capRels, "Id", "TargetId", query.JoinInner)
	pointBranch.Summarize().TakeAny("Name").CountDistinct("SourceId", "RelatedCount").By("Id")
	pointBranch.Project("Id", "Name", "'point' AS Kind", "RelatedCount")

	deviceBranch := query.NewAnalyticsQuery().
		Use("siteassets").
		Join(hostRels, "Id", "TargetId", query.JoinInner)
	deviceBranch.Summarize().TakeAny("Name").CountDistinct("SourceId", "RelatedCount").By("Id")
	deviceBranch.Project("Id", "Name", "'device' AS Kind", "RelatedCount")

	text, err := pointBranch.Union(deviceBranch).Build()
	if err != nil {
		return nil, err
	}
	rows, err := s.analytics.Query(ctx, settings.AnalyticsDatabase, text)
	if err != nil {
		return nil, err
	}

	var out []AssetSummary
	for rows.Next() {
		out = append(out, AssetSummary{
			AssetID: rows.String("Id"),
			Name:    rows.String("Name"),
			Kind:    rows.String("Kind"),
			Count:   int(rows.Float("RelatedCount")),
		})
	}
	return out, nil
}

func (s *Service) assetFromTwin(mapper *twins.Mapper, t twins.Twin) Asset {
	catID, catName := mapper.Category(t.ModelID)
	return Asset{
		ID:           t.ID,
		Name:         t.DisplayName(),
		ModelID:      t.ModelID,
		UniqueID:     t.UniqueID(),
		CategoryID:   catID,
		CategoryName: catName,
		Tags:         mapper.Tags(t),
		Properties:   mapper.MapProperties(t),
	}
}

func (s *Service) pointFromTwin(mapper *twins.Mapper, t twins.Twin) Point {
	enabled := true
	if v, ok := t.BoolProperty(twins.PropEnabled); ok {
		enabled = v
	}
	return Point{
		ID:            t.ID,
		Name:          t.DisplayName(),
		ModelID:       t.ModelID,
		UniqueID:      t.UniqueID(),
		ExternalID:    t.StringProperty(twins.PropExternalID),
		TrendID:       mapper.TrendID(t),
		TrendInterval: mapper.TrendInterval(t),
		Unit:          t.StringProperty(twins.PropUnit),
		Type:          t.StringProperty(twins.PropType),
		Enabled:       enabled,
		Tags:          mapper.Tags(t),
		Properties:    mapper.MapProperties(t),
	}
}

func (s *Service) deviceFromTwin(t twins.Twin) Device {
	return Device{
		ID:         t.ID,
		Name:       t.DisplayName(),
		ModelID:    t.ModelID,
		UniqueID:   t.UniqueID(),
		ExternalID: t.StringProperty(twins.PropExternalID),
	}
}
