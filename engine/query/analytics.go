package query

import (
	"fmt"
	"strings"
)

// JoinKind selects the join flavor.
type JoinKind int

const (
	JoinInner JoinKind = iota
	JoinLeftOuter
)

type stageKind int

const (
	stageFrom stageKind = iota
	stageUseBinding
	stageWhere
	stageJoin
	stageSummarize
	stageProject
	stageUnion
	stageSort
	stageCount
)

type analyticsStage struct {
	kind stageKind

	table   string // stageFrom, stageUseBinding
	where   *AnalyticsWhere
	join    *joinStage
	summ    *Summarize
	cols    []string // stageProject
	union   *AnalyticsQuery
	sortCol string
	desc    bool
}

type joinStage struct {
	other    *AnalyticsQuery
	leftKey  string
	rightKey string
	kind     JoinKind
}

type letBinding struct {
	name string
	sub  *AnalyticsQuery
}

// AnalyticsQuery builds one query against the analytics mirror, rendered
// as SQL at Build time. Let-bindings become WITH clauses; a binding
// declared with Materialize carries the same reuse intent.
type AnalyticsQuery struct {
	lets   []letBinding
	stages []analyticsStage
}

// NewAnalyticsQuery creates an empty builder.
func NewAnalyticsQuery() *AnalyticsQuery { return &AnalyticsQuery{} }

// Table starts a query reading from a mirror table or view.
func Table(name string) *AnalyticsQuery {
	q := NewAnalyticsQuery()
	q.stages = append(q.stages, analyticsStage{kind: stageFrom, table: name})
	return q
}

// Let binds a subquery under a name for reuse later in the query.
func (q *AnalyticsQuery) Let(name string, sub *AnalyticsQuery) *AnalyticsQuery {
	q.lets = append(q.lets, letBinding{name: name, sub: sub})
	return q
}

// Materialize pins a subquery for reuse across a union without double
// evaluation. Rendered as a binding like Let.
func (q *AnalyticsQuery) Materialize(name string, sub *AnalyticsQuery) *AnalyticsQuery {
	return q.Let(name, sub)
}

// Use reads from a previously declared binding.
func (q *AnalyticsQuery) Use(name string) *AnalyticsQuery {
	q.stages = append(q.stages, analyticsStage{kind: stageUseBinding, table: name})
	return q
}

// Where starts a filter stage.
func (q *AnalyticsQuery) Where() *AnalyticsWhere {
	w := &AnalyticsWhere{q: q}
	q.stages = append(q.stages, analyticsStage{kind: stageWhere, where: w})
	return w
}

// Join joins the current result with another query on one key pair.
func (q *AnalyticsQuery) Join(other *AnalyticsQuery, leftKey, rightKey string, kind JoinKind) *AnalyticsQuery {
	q.stages = append(q.stages, analyticsStage{kind: stageJoin, join: &joinStage{
		other: other, leftKey: leftKey, rightKey: rightKey, kind: kind,
	}})
	return q
}

// Summarize starts a grouping stage.
func (q *AnalyticsQuery) Summarize() *Summarize {
	s := &Summarize{q: q}
	q.stages = append(q.stages, analyticsStage{kind: stageSummarize, summ: s})
	return s
}

// Project prunes the result to the given columns.
func (q *AnalyticsQuery) Project(cols ...string) *AnalyticsQuery {
	q.stages = append(q.stages, analyticsStage{kind: stageProject, cols: cols})
	return q
}

// ProjectKeep prunes to the given columns, used to line up the two sides
// of a union.
func (q *AnalyticsQuery) ProjectKeep(cols ...string) *AnalyticsQuery {
	return q.Project(cols...)
}

// Union appends another query's rows to this one.
func (q *AnalyticsQuery) Union(other *AnalyticsQuery) *AnalyticsQuery {
	q.stages = append(q.stages, analyticsStage{kind: stageUnion, union: other})
	return q
}

// Sort orders the result by one column.
func (q *AnalyticsQuery) Sort(col string, desc bool) *AnalyticsQuery {
	q.stages = append(q.stages, analyticsStage{kind: stageSort, sortCol: col, desc: desc})
	return q
}

// Count reduces the result to a single row count named Count.
func (q *AnalyticsQuery) Count() *AnalyticsQuery {
	q.stages = append(q.stages, analyticsStage{kind: stageCount})
	return q
}

// Summarize accumulates aggregate functions and grouping keys.
type Summarize struct {
	q    *AnalyticsQuery
	aggs []string
	keys []string
}

// TakeAny keeps one deterministic value of the column per group.
func (s *Summarize) TakeAny(cols ...string) *Summarize {
	for _, c := range cols {
		s.aggs = append(s.aggs, fmt.Sprintf("any(%s) AS %s", c, c))
	}
	return s
}

// MakeSet collects the column's distinct values per group into an array.
func (s *Summarize) MakeSet(col, as string) *Summarize {
	s.aggs = append(s.aggs, fmt.Sprintf("groupUniqArray(%s) AS %s", col, as))
	return s
}

// MakeBag packs key/value columns per group into a map column.
func (s *Summarize) MakeBag(keyCol, valCol, as string) *Summarize {
	s.aggs = append(s.aggs, fmt.Sprintf("mapFromArrays(groupArray(%s), groupArray(%s)) AS %s", keyCol, valCol, as))
	return s
}

// CountDistinct counts distinct values of the column per group.
func (s *Summarize) CountDistinct(col, as string) *Summarize {
	s.aggs = append(s.aggs, fmt.Sprintf("uniqExact(%s) AS %s", col, as))
	return s
}

// By sets the grouping keys and returns to the enclosing builder.
func (s *Summarize) By(keys ...string) *AnalyticsQuery {
	s.keys = keys
	return s.q
}

// AnalyticsWhere accumulates filter predicates for one stage.
type AnalyticsWhere struct {
	q    *AnalyticsQuery
	pred predicate
	errs []string
}

// Property adds an equality predicate on a string column.
func (w *AnalyticsWhere) Property(name, value string) *AnalyticsWhere {
	w.pred.leaf(fmt.Sprintf("%s = '%s'", name, escape(value)))
	return w
}

// PropertyBool adds an equality predicate on a boolean column.
func (w *AnalyticsWhere) PropertyBool(name string, value bool) *AnalyticsWhere {
	w.pred.leaf(fmt.Sprintf("%s = %t", name, value))
	return w
}

// PropertyIn adds a membership predicate.
func (w *AnalyticsWhere) PropertyIn(name string, values []string) *AnalyticsWhere {
	if len(values) == 0 {
		w.errs = append(w.errs, fmt.Sprintf("property-in on %s with no values", name))
		return w
	}
	w.pred.leaf(fmt.Sprintf("%s IN (%s)", name, quoteList(values)))
	return w
}

// IsNotEmpty filters rows where the column holds a non-empty value.
func (w *AnalyticsWhere) IsNotEmpty(name string) *AnalyticsWhere {
	w.pred.leaf(fmt.Sprintf("notEmpty(%s)", name))
	return w
}

// And, Or, Not, OpenGroup, CloseGroup mirror the graph builder's
// combinators.
func (w *AnalyticsWhere) And() *AnalyticsWhere        { w.pred.and(); return w }
func (w *AnalyticsWhere) Or() *AnalyticsWhere         { w.pred.or(); return w }
func (w *AnalyticsWhere) Not() *AnalyticsWhere        { w.pred.not(); return w }
func (w *AnalyticsWhere) OpenGroup() *AnalyticsWhere  { w.pred.open(); return w }
func (w *AnalyticsWhere) CloseGroup() *AnalyticsWhere { w.pred.close(); return w }

// Query returns to the enclosing builder.
func (w *AnalyticsWhere) Query() *AnalyticsQuery { return w.q }

// Build renders the query text.
func (q *AnalyticsQuery) Build() (string, error) {
	return q.render(nil)
}

// render emits SQL. outer carries let bindings declared by an enclosing
// query so union branches and join subqueries can reuse them.
func (q *AnalyticsQuery) render(outer map[string]struct{}) (string, error) {
	if len(q.stages) == 0 {
		return "", fmt.Errorf("query: analytics query has no source")
	}

	bindings := make(map[string]struct{}, len(outer)+len(q.lets))
	for name := range outer {
		bindings[name] = struct{}{}
	}
	var with []string
	for _, l := range q.lets {
		if l.name == "" {
			return "", fmt.Errorf("query: let binding without a name")
		}
		if _, dup := bindings[l.name]; dup {
			return "", fmt.Errorf("query: duplicate let binding %q", l.name)
		}
		sub, err := l.sub.render(bindings)
		if err != nil {
			return "", fmt.Errorf("query: let %s: %w", l.name, err)
		}
		bindings[l.name] = struct{}{}
		with = append(with, fmt.Sprintf("%s AS (%s)", l.name, sub))
	}

	var sql string
	haveSource := false
	for _, st := range q.stages {
		switch st.kind {
		case stageFrom:
			if haveSource {
				return "", fmt.Errorf("query: second source %q in one pipeline", st.table)
			}
			sql = fmt.Sprintf("SELECT * FROM %s", st.table)
			haveSource = true
		case stageUseBinding:
			if haveSource {
				return "", fmt.Errorf("query: second source %q in one pipeline", st.table)
			}
			if _, ok := bindings[st.table]; !ok {
				return "", fmt.Errorf("query: binding %q not declared", st.table)
			}
			sql = fmt.Sprintf("SELECT * FROM %s", st.table)
			haveSource = true
		case stageWhere:
			if !haveSource {
				return "", fmt.Errorf("query: where before any source")
			}
			if len(st.where.errs) > 0 {
				return "", fmt.Errorf("query: %s", st.where.errs[0])
			}
			cond, err := st.where.pred.render()
			if err != nil {
				return "", err
			}
			sql = fmt.Sprintf("SELECT * FROM (%s) WHERE %s", sql, cond)
		case stageJoin:
			if !haveSource {
				return "", fmt.Errorf("query: join before any source")
			}
			other, err := st.join.other.render(bindings)
			if err != nil {
				return "", fmt.Errorf("query: join subquery: %w", err)
			}
			kind := "INNER"
			if st.join.kind == JoinLeftOuter {
				kind = "LEFT"
			}
			sql = fmt.Sprintf("SELECT * FROM (%s) AS _l %s JOIN (%s) AS _r ON _l.%s = _r.%s",
				sql, kind, other, st.join.leftKey, st.join.rightKey)
		case stageSummarize:
			if !haveSource {
				return "", fmt.Errorf("query: summarize requires an established input")
			}
			if len(st.summ.aggs) == 0 {
				return "", fmt.Errorf("query: summarize with no aggregates")
			}
			selects := append(append([]string{}, st.summ.keys...), st.summ.aggs...)
			sql = fmt.Sprintf("SELECT %s FROM (%s)", strings.Join(selects, ", "), sql)
			if len(st.summ.keys) > 0 {
				sql += " GROUP BY " + strings.Join(st.summ.keys, ", ")
			}
		case stageProject:
			if !haveSource {
				return "", fmt.Errorf("query: project before any source")
			}
			if len(st.cols) == 0 {
				return "", fmt.Errorf("query: project with no columns")
			}
			sql = fmt.Sprintf("SELECT %s FROM (%s)", strings.Join(st.cols, ", "), sql)
		case stageUnion:
			if !haveSource {
				return "", fmt.Errorf("query: union before any source")
			}
			other, err := st.union.render(bindings)
			if err != nil {
				return "", fmt.Errorf("query: union branch: %w", err)
			}
			sql = fmt.Sprintf("(%s) UNION ALL (%s)", sql, other)
		case stageSort:
			if !haveSource {
				return "", fmt.Errorf("query: sort before any source")
			}
			dir := ""
			if st.desc {
				dir = " DESC"
			}
			sql = fmt.Sprintf("SELECT * FROM (%s) ORDER BY %s%s", sql, st.sortCol, dir)
		case stageCount:
			if !haveSource {
				return "", fmt.Errorf("query: count before any source")
			}
			sql = fmt.Sprintf("SELECT count() AS Count FROM (%s)", sql)
		}
	}

	if len(with) > 0 {
		sql = "WITH " + strings.Join(with, ", ") + " " + sql
	}
	return sql, nil
}
