// Package pushdown translates a host filter/order-by tree into T-SQL,
// pushing down whatever translates soundly and telling the caller which
// parts it had to drop.
package pushdown

import (
	"fmt"
	"strings"
)

// Op is a comparison or boolean operator in a filter tree.
type Op int

const (
	OpEq Op = iota
	OpNE
	OpLT
	OpLE
	OpGT
	OpGE
	OpIsNull
	OpIsNotNull
	OpIn
	OpLike
	OpILike
	OpAnd
	OpOr
)

var opSQL = map[Op]string{
	OpEq: "=", OpNE: "<>", OpLT: "<", OpLE: "<=", OpGT: ">", OpGE: ">=",
}

// Literal is a typed constant appearing in a comparison.
type Literal struct {
	IsString bool
	IsNull   bool
	Text     string // pre-rendered T-SQL literal body, not including quotes
}

// Expr is one node of a host filter tree: a comparison, IS NULL/NOT NULL,
// IN list, LIKE/ILIKE, AND/OR, or a function call.
type Expr struct {
	Op       Op
	Column   string // bare column reference; empty for AND/OR/function nodes
	Literal  Literal
	Literals []Literal // for IN
	Children []Expr    // for AND/OR
	Func     string    // lower-case host function name, e.g. "lower", "year"
	Args     []Expr
}

// pushableFuncs maps a host function name to a T-SQL template using %s for
// each argument, substituted positionally.
var pushableFuncs = map[string]string{
	"lower":     "LOWER(%s)",
	"upper":     "UPPER(%s)",
	"length":    "LEN(%s)",
	"trim":      "LTRIM(RTRIM(%s))",
	"year":      "YEAR(%s)",
	"date_diff": "DATEDIFF(%s, %s, %s)",
	"date_add":  "DATEADD(%s, %s, %s)",
}

const maxFuncDepth = 100

// Result is the encoder's output.
type Result struct {
	WhereClause      string
	NeedsHostRecheck bool
}

// EncodeFilter translates a filter tree into a WHERE clause body (without
// the leading "WHERE "). Dropped sub-trees set NeedsHostRecheck; the host
// must re-apply the original filter to whatever rows come back.
func EncodeFilter(e *Expr) Result {
	if e == nil {
		return Result{}
	}
	sql, ok := encodeExpr(*e, 0)
	if !ok {
		return Result{NeedsHostRecheck: true}
	}
	return Result{WhereClause: sql, NeedsHostRecheck: dropsChild(*e, 0)}
}

// dropsChild reports whether encoding e, which encodes as a whole, left out
// any sub-tree: only an AND can drop a child and still encode.
func dropsChild(e Expr, depth int) bool {
	for _, c := range append(append([]Expr{}, e.Children...), e.Args...) {
		if _, ok := encodeExpr(c, depth+1); !ok || dropsChild(c, depth+1) {
			return true
		}
	}
	return false
}

func encodeExpr(e Expr, depth int) (string, bool) {
	if depth > maxFuncDepth {
		return "", false
	}
	if e.Func != "" {
		return encodeFuncCall(e, depth)
	}

	switch e.Op {
	case OpIsNull:
		return fmt.Sprintf("%s IS NULL", bracket(e.Column)), true
	case OpIsNotNull:
		return fmt.Sprintf("%s IS NOT NULL", bracket(e.Column)), true

	case OpEq, OpNE, OpLT, OpLE, OpGT, OpGE:
		if e.Column == "" {
			return "", false
		}
		lit, ok := encodeLiteral(e.Literal)
		if !ok {
			return "", false
		}
		return fmt.Sprintf("%s %s %s", bracket(e.Column), opSQL[e.Op], lit), true

	case OpIn:
		if e.Column == "" || len(e.Literals) == 0 {
			return "", false
		}
		parts := make([]string, 0, len(e.Literals))
		for _, l := range e.Literals {
			lit, ok := encodeLiteral(l)
			if !ok {
				return "", false
			}
			parts = append(parts, lit)
		}
		return fmt.Sprintf("%s IN (%s)", bracket(e.Column), strings.Join(parts, ", ")), true

	case OpLike:
		lit, ok := encodeLiteral(e.Literal)
		if !ok || e.Column == "" {
			return "", false
		}
		return fmt.Sprintf("%s LIKE %s", bracket(e.Column), lit), true

	case OpILike:
		lit, ok := encodeLiteral(e.Literal)
		if !ok || e.Column == "" {
			return "", false
		}
		return fmt.Sprintf("LOWER(%s) LIKE LOWER(%s)", bracket(e.Column), lit), true

	case OpAnd:
		var parts []string
		for _, c := range e.Children {
			if sql, ok := encodeExpr(c, depth+1); ok {
				parts = append(parts, "("+sql+")")
			}
			// Children that fail to encode are dropped; the caller's
			// Result carries NeedsHostRecheck for the whole tree.
		}
		if len(parts) == 0 {
			return "", false
		}
		return strings.Join(parts, " AND "), true

	case OpOr:
		var parts []string
		for _, c := range e.Children {
			sql, ok := encodeExpr(c, depth+1)
			if !ok {
				// Dropping part of an OR changes its meaning; the whole
				// node must be dropped.
				return "", false
			}
			parts = append(parts, "("+sql+")")
		}
		return strings.Join(parts, " OR "), true

	default:
		return "", false
	}
}

func encodeFuncCall(e Expr, depth int) (string, bool) {
	tmpl, ok := pushableFuncs[e.Func]
	if !ok {
		return "", false
	}
	args := make([]interface{}, 0, len(e.Args))
	for _, a := range e.Args {
		sql, ok := encodeExpr(a, depth+1)
		if !ok {
			return "", false
		}
		args = append(args, sql)
	}
	return fmt.Sprintf(tmpl, args...), true
}

func encodeLiteral(l Literal) (string, bool) {
	if l.IsNull {
		return "NULL", true
	}
	if l.IsString {
		return "N'" + strings.ReplaceAll(l.Text, "'", "''") + "'", true
	}
	if l.Text == "" {
		return "", false
	}
	return l.Text, true
}

func bracket(col string) string {
	return "[" + strings.ReplaceAll(col, "]", "]]") + "]"
}

// OrderItem is one ORDER BY term: a column or a whitelisted single-argument
// function of a column, plus direction and requested null ordering.
type OrderItem struct {
	Column         string
	Func           string // "" for a bare column
	Descending     bool
	NullsFirst     bool
	NullsRequested bool // true if the host specified NULLS FIRST/LAST at all
	ColumnNullable bool // SQL Server's default null ordering depends on this
}

// EncodeOrderBy builds an ORDER BY clause body (without "ORDER BY"),
// dropping items whose requested null ordering doesn't match SQL Server's
// default for that column (ASC: NULLs first; DESC: NULLs last) and setting
// NeedsHostRecheck so the host performs the final sort.
func EncodeOrderBy(items []OrderItem) Result {
	var parts []string
	needsRecheck := false

	for _, it := range items {
		colSQL := bracket(it.Column)
		if it.Func != "" {
			tmpl, ok := pushableFuncs[it.Func]
			if !ok {
				needsRecheck = true
				continue
			}
			colSQL = fmt.Sprintf(tmpl, colSQL)
		}

		dir := "ASC"
		if it.Descending {
			dir = "DESC"
		}

		// A column that can never hold NULL has no null ordering to get
		// wrong, so only a nullable column's mismatched NULLS FIRST/LAST
		// request forces a recheck.
		if it.NullsRequested && it.ColumnNullable {
			defaultNullsFirst := !it.Descending
			if it.NullsFirst != defaultNullsFirst {
				needsRecheck = true
				continue
			}
		}

		parts = append(parts, fmt.Sprintf("%s %s", colSQL, dir))
	}

	return Result{
		WhereClause:      strings.Join(parts, ", "),
		NeedsHostRecheck: needsRecheck || len(parts) != len(items),
	}
}

// TopN renders a "SELECT TOP N" prefix for a query that combines LIMIT with
// ORDER BY pushdown.
func TopN(n int) string {
	if n <= 0 {
		return ""
	}
	return fmt.Sprintf("TOP %d", n)
}
