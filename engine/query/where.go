// Package query builds the textual queries the twin services run against
// the live graph store and the analytics mirror. Builders accumulate
// clause nodes and render text only at Build time, which is also where an
// incomplete query fails instead of producing malformed text.
package query

import (
	"fmt"
	"strings"
)

type tokenKind int

const (
	tokLeaf tokenKind = iota
	tokAnd
	tokOr
	tokNot
	tokOpen
	tokClose
)

type token struct {
	kind tokenKind
	text string // rendered predicate, for tokLeaf
}

// predicate is the shared boolean-expression accumulator behind both
// builders' Where clauses. Leaves arrive already rendered; validation and
// parenthesization are common.
type predicate struct {
	tokens []token
}

func (p *predicate) leaf(text string) { p.tokens = append(p.tokens, token{kind: tokLeaf, text: text}) }
func (p *predicate) and()             { p.tokens = append(p.tokens, token{kind: tokAnd}) }
func (p *predicate) or()              { p.tokens = append(p.tokens, token{kind: tokOr}) }
func (p *predicate) not()             { p.tokens = append(p.tokens, token{kind: tokNot}) }
func (p *predicate) open()            { p.tokens = append(p.tokens, token{kind: tokOpen}) }
func (p *predicate) close()           { p.tokens = append(p.tokens, token{kind: tokClose}) }
func (p *predicate) empty() bool      { return len(p.tokens) == 0 }

// render validates the token sequence and emits the boolean expression.
// Groups are parenthesized exactly as written, so a AND (b OR c) keeps
// its grouping.
func (p *predicate) render() (string, error) {
	if p.empty() {
		return "", fmt.Errorf("query: where clause has no predicates")
	}

	var b strings.Builder
	depth := 0
	expectOperand := true
	groupHasLeaf := []bool{false} // index = depth

	for _, t := range p.tokens {
		switch t.kind {
		case tokLeaf:
			if !expectOperand {
				return "", fmt.Errorf("query: predicate %q not joined by and/or", t.text)
			}
			b.WriteString(t.text)
			groupHasLeaf[depth] = true
			expectOperand = false
		case tokAnd, tokOr:
			if expectOperand {
				return "", fmt.Errorf("query: dangling and/or in where clause")
			}
			if t.kind == tokAnd {
				b.WriteString(" AND ")
			} else {
				b.WriteString(" OR ")
			}
			expectOperand = true
		case tokNot:
			if !expectOperand {
				return "", fmt.Errorf("query: not must precede a predicate")
			}
			b.WriteString("NOT ")
		case tokOpen:
			if !expectOperand {
				return "", fmt.Errorf("query: group must be joined by and/or")
			}
			b.WriteString("(")
			depth++
			groupHasLeaf = append(groupHasLeaf, false)
		case tokClose:
			if depth == 0 {
				return "", fmt.Errorf("query: unmatched closing group")
			}
			if !groupHasLeaf[depth] {
				return "", fmt.Errorf("query: empty predicate group")
			}
			if expectOperand {
				return "", fmt.Errorf("query: dangling and/or before closing group")
			}
			b.WriteString(")")
			groupHasLeaf = groupHasLeaf[:depth]
			depth--
			groupHasLeaf[depth] = true
		}
	}

	if depth != 0 {
		return "", fmt.Errorf("query: unclosed predicate group")
	}
	if expectOperand {
		return "", fmt.Errorf("query: where clause ends with an operator")
	}
	return b.String(), nil
}

// escape makes a value safe inside a single-quoted string literal.
func escape(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	return strings.ReplaceAll(s, `'`, `\'`)
}

// quoteList renders values as a quoted, comma-separated list.
func quoteList(values []string) string {
	quoted := make([]string, len(values))
	for i, v := range values {
		quoted[i] = "'" + escape(v) + "'"
	}
	return strings.Join(quoted, ", ")
}
