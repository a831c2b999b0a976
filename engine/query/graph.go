package query

import (
	"fmt"
	"strings"

	"github.com/twinhub/twincore/pkg/fn"
)

// propertyInChunk caps the number of values in one IN list; longer lists
// split into OR-joined chunks (store-side query size limit).
const propertyInChunk = 100

// DefaultAlias names the twin collection when the caller does not alias it.
const DefaultAlias = "twins"

// Direction is the arrow of a relationship match.
type Direction int

const (
	DirectionOut Direction = iota
	DirectionIn
	DirectionAny
)

// HopRange bounds a multi-hop traversal. The zero value means exactly one
// hop.
type HopRange struct {
	Min, Max int
}

// Hops is a convenience for a 1..max traversal.
func Hops(max int) HopRange { return HopRange{Min: 1, Max: max} }

type projection int

const (
	projNone projection = iota
	projAll
	projSingle
	projCount
	projAliases
)

type matchClause struct {
	rels      []string
	src, tgt  string
	hops      HopRange
	direction Direction
}

// TwinQuery builds one query against the live twin graph. Steps append
// clause nodes; Render produces Cypher and fails on an incomplete query.
// Single-result limiting and pagination are applied at execution time, not
// in the rendered text.
type TwinQuery struct {
	proj     projection
	selected []string
	from     string
	matches  []matchClause
	where    *TwinWhere
}

// NewTwinQuery creates an empty builder.
func NewTwinQuery() *TwinQuery { return &TwinQuery{} }

// SelectAll projects the source twin collection.
func (q *TwinQuery) SelectAll() *TwinQuery {
	q.proj = projAll
	return q
}

// SelectSingle projects the source collection expecting one result; the
// executor limits the page to one row.
func (q *TwinQuery) SelectSingle() *TwinQuery {
	q.proj = projSingle
	return q
}

// SelectCount projects the count of matching twins.
func (q *TwinQuery) SelectCount() *TwinQuery {
	q.proj = projCount
	return q
}

// Select projects specific aliases of a multi-entity query.
func (q *TwinQuery) Select(aliases ...string) *TwinQuery {
	q.proj = projAliases
	q.selected = aliases
	return q
}

// FromTwins sets the source collection, optionally aliased.
func (q *TwinQuery) FromTwins(alias string) *TwinQuery {
	if alias == "" {
		alias = DefaultAlias
	}
	q.from = alias
	return q
}

// Match adds a relationship pattern between two aliases. An empty
// relationship set matches any relationship type.
func (q *TwinQuery) Match(rels []string, src, tgt string, hops HopRange, direction Direction) *TwinQuery {
	q.matches = append(q.matches, matchClause{rels: rels, src: src, tgt: tgt, hops: hops, direction: direction})
	return q
}

// Where starts the filter clause.
func (q *TwinQuery) Where() *TwinWhere {
	if q.where == nil {
		q.where = &TwinWhere{q: q}
	}
	return q.where
}

// TwinWhere accumulates filter predicates for a TwinQuery. Unqualified
// predicates apply to the source alias.
type TwinWhere struct {
	q    *TwinQuery
	pred predicate
	errs []string
}

func (w *TwinWhere) alias() string {
	if w.q.from != "" {
		return w.q.from
	}
	return DefaultAlias
}

// Property adds an equality predicate on a string property.
func (w *TwinWhere) Property(name, value string) *TwinWhere {
	return w.PropertyOf(w.alias(), name, value)
}

// PropertyOf adds an equality predicate on an aliased entity.
func (w *TwinWhere) PropertyOf(alias, name, value string) *TwinWhere {
	w.pred.leaf(fmt.Sprintf("%s.%s = '%s'", alias, name, escape(value)))
	return w
}

// PropertyBool adds an equality predicate on a boolean property.
func (w *TwinWhere) PropertyBool(name string, value bool) *TwinWhere {
	w.pred.leaf(fmt.Sprintf("%s.%s = %t", w.alias(), name, value))
	return w
}

// PropertyIn adds a membership predicate. Single values render as
// equality; lists longer than the store limit split into OR-joined chunks.
func (w *TwinWhere) PropertyIn(name string, values []string) *TwinWhere {
	return w.PropertyInOf(w.alias(), name, values)
}

// PropertyInOf is PropertyIn scoped to an alias.
func (w *TwinWhere) PropertyInOf(alias, name string, values []string) *TwinWhere {
	switch {
	case len(values) == 0:
		w.errs = append(w.errs, fmt.Sprintf("property-in on %s.%s with no values", alias, name))
	case len(values) == 1:
		w.pred.leaf(fmt.Sprintf("%s.%s = '%s'", alias, name, escape(values[0])))
	case len(values) <= propertyInChunk:
		w.pred.leaf(fmt.Sprintf("%s.%s IN [%s]", alias, name, quoteList(values)))
	default:
		parts := fn.Map(fn.Chunk(values, propertyInChunk), func(chunk []string) string {
			return fmt.Sprintf("%s.%s IN [%s]", alias, name, quoteList(chunk))
		})
		w.pred.leaf("(" + strings.Join(parts, " OR ") + ")")
	}
	return w
}

// Contains adds a substring predicate.
func (w *TwinWhere) Contains(name, value string) *TwinWhere {
	w.pred.leaf(fmt.Sprintf("%s.%s CONTAINS '%s'", w.alias(), name, escape(value)))
	return w
}

// IsDefined filters twins where the property is present.
func (w *TwinWhere) IsDefined(name string) *TwinWhere {
	w.pred.leaf(fmt.Sprintf("%s.%s IS NOT NULL", w.alias(), name))
	return w
}

// IsNotDefined filters twins where the property is absent.
func (w *TwinWhere) IsNotDefined(name string) *TwinWhere {
	w.pred.leaf(fmt.Sprintf("%s.%s IS NULL", w.alias(), name))
	return w
}

// Models filters the source alias to the given model ids. Callers expand
// model inheritance before building the query.
func (w *TwinWhere) Models(ids ...string) *TwinWhere {
	return w.ModelsOf(w.alias(), ids...)
}

// ModelsOf is Models scoped to an alias.
func (w *TwinWhere) ModelsOf(alias string, ids ...string) *TwinWhere {
	if len(ids) == 0 {
		w.errs = append(w.errs, fmt.Sprintf("model filter on %s with no ids", alias))
		return w
	}
	return w.PropertyInOf(alias, "modelId", ids)
}

// And joins the previous and next predicates conjunctively.
func (w *TwinWhere) And() *TwinWhere { w.pred.and(); return w }

// Or joins the previous and next predicates disjunctively.
func (w *TwinWhere) Or() *TwinWhere { w.pred.or(); return w }

// Not negates the next predicate.
func (w *TwinWhere) Not() *TwinWhere { w.pred.not(); return w }

// OpenGroup opens a parenthesized group.
func (w *TwinWhere) OpenGroup() *TwinWhere { w.pred.open(); return w }

// CloseGroup closes the innermost group.
func (w *TwinWhere) CloseGroup() *TwinWhere { w.pred.close(); return w }

// Query returns to the enclosing builder.
func (w *TwinWhere) Query() *TwinQuery { return w.q }

// Build renders the query text.
func (q *TwinQuery) Build() (string, error) {
	if q.proj == projNone {
		return "", fmt.Errorf("query: no projection selected")
	}
	if q.from == "" {
		return "", fmt.Errorf("query: source collection not set")
	}
	if q.proj == projAliases && len(q.selected) == 0 {
		return "", fmt.Errorf("query: select with no aliases")
	}

	var b strings.Builder
	fmt.Fprintf(&b, "MATCH (%s:Twin)", q.from)

	declared := map[string]struct{}{q.from: {}}
	for _, m := range q.matches {
		if m.src == "" || m.tgt == "" {
			return "", fmt.Errorf("query: match requires source and target aliases")
		}
		srcRef := aliasRef(m.src, declared)
		relRef, err := renderRel(m)
		if err != nil {
			return "", err
		}
		tgtRef := aliasRef(m.tgt, declared)
		fmt.Fprintf(&b, " MATCH (%s)%s(%s)", srcRef, relRef, tgtRef)
	}

	if q.where != nil {
		if len(q.where.errs) > 0 {
			return "", fmt.Errorf("query: %s", q.where.errs[0])
		}
		cond, err := q.where.pred.render()
		if err != nil {
			return "", err
		}
		b.WriteString(" WHERE ")
		b.WriteString(cond)
	}

	switch q.proj {
	case projAll, projSingle:
		fmt.Fprintf(&b, " RETURN %s", q.from)
	case projCount:
		fmt.Fprintf(&b, " RETURN count(%s) AS cnt", q.from)
	case projAliases:
		for _, a := range q.selected {
			if _, ok := declared[a]; !ok {
				return "", fmt.Errorf("query: selected alias %q never introduced", a)
			}
		}
		fmt.Fprintf(&b, " RETURN %s", strings.Join(q.selected, ", "))
	}
	return b.String(), nil
}

// Single reports whether the query expects a single result.
func (q *TwinQuery) Single() bool { return q.proj == projSingle }

// aliasRef renders an alias, attaching the :Twin label on first use.
func aliasRef(alias string, declared map[string]struct{}) string {
	if _, ok := declared[alias]; ok {
		return alias
	}
	declared[alias] = struct{}{}
	return alias + ":Twin"
}

func renderRel(m matchClause) (string, error) {
	var rel strings.Builder
	rel.WriteString("[")
	if len(m.rels) > 0 {
		names := make([]string, len(m.rels))
		for i, r := range m.rels {
			if r == "" {
				return "", fmt.Errorf("query: empty relationship name in match")
			}
			names[i] = strings.ReplaceAll(r, "`", "")
		}
		rel.WriteString(":" + strings.Join(names, "|"))
	}

	hops := m.hops
	if hops.Min == 0 && hops.Max == 0 {
		hops = HopRange{Min: 1, Max: 1}
	}
	if hops.Min < 1 || hops.Max < hops.Min {
		return "", fmt.Errorf("query: invalid hop range %d..%d", hops.Min, hops.Max)
	}
	if hops.Min != 1 || hops.Max != 1 {
		fmt.Fprintf(&rel, "*%d..%d", hops.Min, hops.Max)
	}
	rel.WriteString("]")

	switch m.direction {
	case DirectionOut:
		return "-" + rel.String() + "->", nil
	case DirectionIn:
		return "<-" + rel.String() + "-", nil
	default:
		return "-" + rel.String() + "-", nil
	}
}
