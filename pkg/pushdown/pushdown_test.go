package pushdown

import "testing"

func TestEncodeFilter_SimpleComparison(t *testing.T) {
	e := &Expr{Op: OpEq, Column: "status", Literal: Literal{IsString: true, Text: "active"}}
	r := EncodeFilter(e)
	if r.NeedsHostRecheck {
		t.Fatalf("expected no recheck needed")
	}
	want := `[status] = N'active'`
	if r.WhereClause != want {
		t.Errorf("got %q, want %q", r.WhereClause, want)
	}
}

func TestEncodeFilter_NilExpr(t *testing.T) {
	r := EncodeFilter(nil)
	if r.WhereClause != "" || r.NeedsHostRecheck {
		t.Fatalf("expected empty result for nil expr, got %+v", r)
	}
}

func TestEncodeFilter_And_DropsOnlyUnencodableChild(t *testing.T) {
	e := &Expr{
		Op: OpAnd,
		Children: []Expr{
			{Op: OpEq, Column: "id", Literal: Literal{Text: "1"}},
			{Op: Op(999)}, // unencodable
		},
	}
	r := EncodeFilter(e)
	if !r.NeedsHostRecheck {
		t.Fatalf("expected recheck needed when a child is dropped")
	}
	if r.WhereClause != "([id] = 1)" {
		t.Errorf("got %q, want surviving child only", r.WhereClause)
	}
}

func TestEncodeFilter_Or_DropsWholeNodeIfAnyChildFails(t *testing.T) {
	e := &Expr{
		Op: OpOr,
		Children: []Expr{
			{Op: OpEq, Column: "id", Literal: Literal{Text: "1"}},
			{Op: Op(999)},
		},
	}
	r := EncodeFilter(e)
	if r.WhereClause != "" || !r.NeedsHostRecheck {
		t.Fatalf("expected OR to drop entirely, got %+v", r)
	}
}

func TestEncodeFilter_InList(t *testing.T) {
	e := &Expr{
		Op:     OpIn,
		Column: "id",
		Literals: []Literal{
			{Text: "1"}, {Text: "2"}, {Text: "3"},
		},
	}
	r := EncodeFilter(e)
	want := `[id] IN (1, 2, 3)`
	if r.WhereClause != want {
		t.Errorf("got %q, want %q", r.WhereClause, want)
	}
}

func TestEncodeFilter_IsNull(t *testing.T) {
	e := &Expr{Op: OpIsNull, Column: "deleted_at"}
	r := EncodeFilter(e)
	if r.WhereClause != "[deleted_at] IS NULL" {
		t.Errorf("got %q", r.WhereClause)
	}
}

func TestEncodeFilter_UnpushableFuncDrops(t *testing.T) {
	e := &Expr{Func: "not_a_real_function"}
	_, ok := encodeExpr(*e, 0)
	if ok {
		t.Fatalf("expected unpushable function to fail encoding")
	}
}

func TestEncodeFilter_PushableFuncCall(t *testing.T) {
	e := &Expr{Func: "lower", Args: []Expr{{Op: OpEq, Column: "name", Literal: Literal{IsString: true, Text: "x"}}}}
	sql, ok := encodeExpr(*e, 0)
	if !ok {
		t.Fatalf("expected lower() with an encodable arg to succeed")
	}
	want := "LOWER([name] = N'x')"
	if sql != want {
		t.Errorf("got %q, want %q", sql, want)
	}
}

func TestEncodeFilter_FuncWithUnencodableArgFails(t *testing.T) {
	e := &Expr{Func: "lower", Args: []Expr{{Op: Op(999)}}}
	if _, ok := encodeExpr(*e, 0); ok {
		t.Fatalf("expected function call to fail when an argument can't be encoded")
	}
}

func TestEncodeOrderBy_DefaultNullOrdering(t *testing.T) {
	items := []OrderItem{
		{Column: "name", Descending: false},
		{Column: "created_at", Descending: true},
	}
	r := EncodeOrderBy(items)
	want := "[name] ASC, [created_at] DESC"
	if r.WhereClause != want {
		t.Errorf("got %q, want %q", r.WhereClause, want)
	}
	if r.NeedsHostRecheck {
		t.Errorf("expected no recheck for default null ordering")
	}
}

func TestEncodeOrderBy_MismatchedNullsRequestsRecheck(t *testing.T) {
	items := []OrderItem{
		{Column: "name", Descending: false, NullsRequested: true, NullsFirst: false, ColumnNullable: true},
	}
	r := EncodeOrderBy(items)
	if !r.NeedsHostRecheck {
		t.Fatalf("expected recheck when requested null ordering disagrees with SQL Server default")
	}
	if r.WhereClause != "" {
		t.Errorf("expected the mismatched item dropped, got %q", r.WhereClause)
	}
}

func TestEncodeOrderBy_MismatchedNullsOnNonNullableColumnIsIgnored(t *testing.T) {
	items := []OrderItem{
		{Column: "name", Descending: false, NullsRequested: true, NullsFirst: false, ColumnNullable: false},
	}
	r := EncodeOrderBy(items)
	if r.NeedsHostRecheck {
		t.Errorf("expected no recheck: a non-nullable column has no null ordering to disagree on")
	}
	if want := "[name] ASC"; r.WhereClause != want {
		t.Errorf("got %q, want %q", r.WhereClause, want)
	}
}

func TestEncodeOrderBy_PushableFunc(t *testing.T) {
	items := []OrderItem{{Column: "name", Func: "lower"}}
	r := EncodeOrderBy(items)
	if r.WhereClause != "LOWER([name]) ASC" {
		t.Errorf("got %q", r.WhereClause)
	}
}

func TestTopN(t *testing.T) {
	if got := TopN(0); got != "" {
		t.Errorf("TopN(0) = %q, want empty", got)
	}
	if got := TopN(10); got != "TOP 10" {
		t.Errorf("TopN(10) = %q, want %q", got, "TOP 10")
	}
}

func TestBracket_EscapesClosingBracket(t *testing.T) {
	if got := bracket("a]b"); got != "[a]]b]" {
		t.Errorf("bracket(a]b) = %q, want [a]]b]", got)
	}
}
