package twins

import (
	"context"
	"sort"
	"strings"
	"unicode"

	"github.com/twinhub/twincore/engine/query"
	"github.com/twinhub/twincore/pkg/cache"
	"github.com/twinhub/twincore/pkg/fn"
)

// GetScopeTree returns the tenant's site containment hierarchy. The tree
// is computed once and cached until UpdateScopeTree replaces it.
func (s *Service) GetScopeTree(ctx context.Context) ([]*NestedTwin, error) {
	return cache.GetOrCreate(ctx, s.scopeCache, scopeTreeKey, cache.NeverExpire, s.buildScopeTree)
}

// UpdateScopeTree recomputes the scope tree and replaces the cached copy.
func (s *Service) UpdateScopeTree(ctx context.Context) error {
	tree, err := s.buildScopeTree(ctx)
	if err != nil {
		return err
	}
	s.scopeCache.Delete(scopeTreeKey)
	_, err = cache.GetOrCreate(ctx, s.scopeCache, scopeTreeKey, cache.NeverExpire,
		func(context.Context) ([]*NestedTwin, error) { return tree, nil })
	return err
}

// buildScopeTree loads every space twin, resolves each twin's first
// containment parent, and links children under parents. Twins whose
// parent chain never reaches a root (containment cycles) are dropped.
func (s *Service) buildScopeTree(ctx context.Context) ([]*NestedTwin, error) {
	model, err := s.Model(ctx)
	if err != nil {
		return nil, err
	}

	spaceModels := model.Descendants(s.settings.SiteModelIDs)
	twins, err := s.twinsOfModels(ctx, spaceModels)
	if err != nil {
		return nil, err
	}

	arena := make(map[string]*NestedTwin, len(twins))
	order := make([]string, 0, len(twins))
	for _, t := range twins {
		if _, ok := arena[t.ID]; ok {
			continue
		}
		arena[t.ID] = &NestedTwin{Twin: t}
		order = append(order, t.ID)
	}

	treeRels := make(map[string]struct{}, len(s.settings.TreeRelationships))
	for _, n := range s.settings.TreeRelationships {
		treeRels[n] = struct{}{}
	}

	// First pass: resolve each twin's parent. The first containment edge
	// whose target is in the arena wins; extra parents are ignored.
	type parentOf struct{ child, parent string }
	links := fn.ParMap(order, fanOutWorkers, func(id string) parentOf {
		rels, err := s.GetRelationships(ctx, id)
		if err != nil {
			s.log.Warn("scope tree parent lookup failed", "twin", id, "error", err)
			return parentOf{child: id}
		}
		for _, r := range rels {
			if _, ok := treeRels[r.Name]; !ok {
				continue
			}
			if _, ok := arena[r.TargetID]; ok {
				return parentOf{child: id, parent: r.TargetID}
			}
		}
		return parentOf{child: id}
	})

	// Second pass: link children under parents; parentless twins are roots.
	parents := make(map[string]string, len(links))
	for _, l := range links {
		if l.parent != "" {
			parents[l.child] = l.parent
		}
	}
	var roots []*NestedTwin
	for _, id := range order {
		node := arena[id]
		if pid, ok := parents[id]; ok {
			p := arena[pid]
			p.Children = append(p.Children, node)
		} else {
			roots = append(roots, node)
		}
	}

	sortTree(roots)
	return roots, nil
}

// twinsOfModels pages through every twin of the given exact model ids.
func (s *Service) twinsOfModels(ctx context.Context, modelIDs []string) ([]Twin, error) {
	if len(modelIDs) == 0 {
		return nil, nil
	}
	q := query.NewTwinQuery().SelectAll().FromTwins("")
	q.Where().Models(modelIDs...)
	text, err := q.Build()
	if err != nil {
		return nil, err
	}

	var out []Twin
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
	return out, nil
}

// GetSitesByScope resolves the site twins governing a scope twin. A twin
// that is itself a site yields just itself; otherwise incoming containment
// edges are walked upward until sites are found. A visited set guarantees
// termination on cyclic containment.
func (s *Service) GetSitesByScope(ctx context.Context, scopeID string) ([]Twin, error) {
	model, err := s.Model(ctx)
	if err != nil {
		return nil, err
	}

	root, err := s.GetTwinByID(ctx, scopeID, false)
	if err != nil {
		return nil, err
	}
	if root == nil {
		return nil, nil
	}
	if model.IsDescendantOfAny(s.settings.SiteModelIDs, root.ModelID) {
		return []Twin{root.Twin}, nil
	}

	treeRels := make(map[string]struct{}, len(s.settings.TreeRelationships))
	for _, n := range s.settings.TreeRelationships {
		treeRels[n] = struct{}{}
	}

	seen := map[string]struct{}{scopeID: {}}
	queue := []string{scopeID}
	var sites []Twin
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]

		incoming, err := s.GetIncomingRelationships(ctx, id)
		if err != nil {
			return nil, err
		}
		for _, r := range incoming {
			if _, ok := treeRels[r.Name]; !ok {
				continue
			}
			if _, ok := seen[r.SourceID]; ok {
				continue
			}
			seen[r.SourceID] = struct{}{}

			src, err := s.GetTwinByID(ctx, r.SourceID, false)
			if err != nil {
				return nil, err
			}
			if src == nil {
				continue
			}
			if model.IsDescendantOfAny(s.settings.SiteModelIDs, src.ModelID) {
				sites = append(sites, src.Twin)
			} else {
				queue = append(queue, src.ID)
			}
		}
	}
	return sites, nil
}

// sortTree orders siblings by display name, with trailing numbers compared
// numerically so "Region 9" sorts before "Region 10".
func sortTree(nodes []*NestedTwin) {
	sort.SliceStable(nodes, func(i, j int) bool {
		return compareNatural(nodes[i].Twin.DisplayName(), nodes[j].Twin.DisplayName()) < 0
	})
	for _, n := range nodes {
		sortTree(n.Children)
	}
}

// compareNatural compares strings segment by segment, treating digit runs
// as numbers.
func compareNatural(a, b string) int {
	for a != "" && b != "" {
		if unicode.IsDigit(rune(a[0])) && unicode.IsDigit(rune(b[0])) {
			na, ra := takeDigits(a)
			nb, rb := takeDigits(b)
			ta, tb := trimZeros(na), trimZeros(nb)
			if len(ta) != len(tb) {
				if len(ta) < len(tb) {
					return -1
				}
				return 1
			}
			if c := strings.Compare(ta, tb); c != 0 {
				return c
			}
			a, b = ra, rb
			continue
		}
		if a[0] != b[0] {
			if a[0] < b[0] {
				return -1
			}
			return 1
		}
		a, b = a[1:], b[1:]
	}
	return strings.Compare(a, b)
}

func takeDigits(s string) (digits, rest string) {
	i := 0
	for i < len(s) && unicode.IsDigit(rune(s[i])) {
		i++
	}
	return s[:i], s[i:]
}

func trimZeros(s string) string {
	t := strings.TrimLeft(s, "0")
	if t == "" {
		return "0"
	}
	return t
}
