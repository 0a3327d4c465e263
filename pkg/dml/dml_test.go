package dml

import (
	"context"
	"testing"
)

func TestTarget_Qualified(t *testing.T) {
	tgt := Target{Schema: "dbo", Table: "Orders"}
	if got := tgt.Qualified(); got != "[dbo].[Orders]" {
		t.Errorf("Qualified() = %q, want [dbo].[Orders]", got)
	}
}

func TestTarget_Qualified_EscapesBrackets(t *testing.T) {
	tgt := Target{Schema: "dbo", Table: "Weird]Name"}
	if got := tgt.Qualified(); got != "[dbo].[Weird]]Name]" {
		t.Errorf("Qualified() = %q, want [dbo].[Weird]]Name]", got)
	}
}

func TestEffectiveBatchSize_ParamLimitTighter(t *testing.T) {
	// 2000 max params / 10 per row = 200, tighter than the configured 1000.
	if got := EffectiveBatchSize(1000, 2000, 10); got != 200 {
		t.Errorf("got %d, want 200", got)
	}
}

func TestEffectiveBatchSize_ConfiguredTighter(t *testing.T) {
	// 2000 max params / 2 per row = 1000, looser than the configured 500.
	if got := EffectiveBatchSize(500, 2000, 2); got != 500 {
		t.Errorf("got %d, want 500", got)
	}
}

func TestEffectiveBatchSize_ZeroParamsPerRow(t *testing.T) {
	if got := EffectiveBatchSize(500, 2000, 0); got != 500 {
		t.Errorf("got %d, want configured batch size unchanged", got)
	}
}

func TestEffectiveBatchSize_AtLeastOne(t *testing.T) {
	if got := EffectiveBatchSize(500, 10, 1000); got != 1 {
		t.Errorf("got %d, want floor of 1", got)
	}
}

func TestBuildInsertSQL(t *testing.T) {
	e := &Executor{
		target: Target{Schema: "dbo", Table: "Users"},
	}
	sql := e.buildInsertSQL([]string{"Name", "Age"}, nil, []Row{{"Alice", int64(30)}, {"Bob", int64(25)}})
	want := "INSERT INTO [dbo].[Users] ([Name], [Age]) VALUES (N'Alice', 30), (N'Bob', 25);"
	if sql != want {
		t.Errorf("got %q, want %q", sql, want)
	}
}

func TestBuildInsertSQL_WithOutputCols(t *testing.T) {
	e := &Executor{
		target: Target{Schema: "dbo", Table: "Users"},
	}
	sql := e.buildInsertSQL([]string{"Name"}, []string{"ID"}, []Row{{"Alice"}})
	want := "INSERT INTO [dbo].[Users] ([Name]) OUTPUT INSERTED.[ID] VALUES (N'Alice');"
	if sql != want {
		t.Errorf("got %q, want %q", sql, want)
	}
}

func TestBuildUpdateSQL(t *testing.T) {
	e := &Executor{target: Target{Schema: "dbo", Table: "Users"}}
	sql := e.buildUpdateSQL([]string{"Name"}, []string{"ID"}, []Row{{"Carol", int64(7)}})
	want := "UPDATE [dbo].[Users] SET [Name] = N'Carol' WHERE [ID] = 7;\n"
	if sql != want {
		t.Errorf("got %q, want %q", sql, want)
	}
}

func TestBuildDeleteSQL(t *testing.T) {
	e := &Executor{target: Target{Schema: "dbo", Table: "Users"}}
	sql := e.buildDeleteSQL([]string{"ID"}, []Row{{int64(7)}})
	want := "DELETE FROM [dbo].[Users] WHERE [ID] = 7;\n"
	if sql != want {
		t.Errorf("got %q, want %q", sql, want)
	}
}

func TestLiteralSQL(t *testing.T) {
	tests := []struct {
		v    interface{}
		want string
	}{
		{nil, "NULL"},
		{"O'Brien", "N'O''Brien'"},
		{true, "1"},
		{false, "0"},
		{[]byte{0xDE, 0xAD}, "0xdead"},
		{int64(42), "42"},
	}
	for _, tt := range tests {
		if got := literalSQL(tt.v); got != tt.want {
			t.Errorf("literalSQL(%v) = %q, want %q", tt.v, got, tt.want)
		}
	}
}

func TestWhereList(t *testing.T) {
	got := whereList([]string{"ID", "Tenant"}, []interface{}{int64(1), "acme"})
	want := "[ID] = 1 AND [Tenant] = N'acme'"
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestSetList(t *testing.T) {
	got := setList([]string{"Name"}, []interface{}{"Carol"})
	want := "[Name] = N'Carol'"
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestBatchError_Error(t *testing.T) {
	e := &BatchError{BatchIndex: 2, Number: 547, State: 1, Message: "conflict"}
	want := "MSSQL DML batch 2 error (547,1): conflict"
	if got := e.Error(); got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestDefer_BuffersRowsInsteadOfFlushing(t *testing.T) {
	e := New(nil, Target{Schema: "dbo", Table: "T"}, 2000, 1000, 8<<20)
	e.Defer()

	rows := []Row{{"a"}, {"b"}}
	result, err := e.Insert(context.Background(), []string{"Name"}, nil, rows)
	if err != nil {
		t.Fatalf("Insert while deferred: %v", err)
	}
	if result.AffectedRows != 0 {
		t.Errorf("expected no rows affected yet (deferred), got %d", result.AffectedRows)
	}
	if len(e.deferredBatches) != 1 {
		t.Fatalf("expected 1 deferred batch, got %d", len(e.deferredBatches))
	}
	got := e.deferredBatches[0]
	if got.kind != opInsert || len(got.rows) != 2 {
		t.Errorf("expected an insert batch of 2 rows, got kind=%v rows=%d", got.kind, len(got.rows))
	}
}

func TestDefer_Update_BuffersItsOwnShape(t *testing.T) {
	e := New(nil, Target{Schema: "dbo", Table: "T"}, 2000, 1000, 8<<20)
	e.Defer()

	rows := []Row{{"new-name", int64(1)}}
	if _, err := e.Update(context.Background(), []string{"Name"}, []string{"ID"}, rows, 500); err != nil {
		t.Fatalf("Update while deferred: %v", err)
	}
	if len(e.deferredBatches) != 1 {
		t.Fatalf("expected 1 deferred batch, got %d", len(e.deferredBatches))
	}
	got := e.deferredBatches[0]
	if got.kind != opUpdate {
		t.Fatalf("expected opUpdate, got %v", got.kind)
	}
	if len(got.cols) != 1 || got.cols[0] != "Name" {
		t.Errorf("expected updated cols [Name], got %v", got.cols)
	}
	if len(got.pkCols) != 1 || got.pkCols[0] != "ID" {
		t.Errorf("expected pk cols [ID], got %v", got.pkCols)
	}
}

func TestDefer_Delete_BuffersItsOwnShape(t *testing.T) {
	e := New(nil, Target{Schema: "dbo", Table: "T"}, 2000, 1000, 8<<20)
	e.Defer()

	rows := []Row{{int64(1)}, {int64(2)}}
	if _, err := e.Delete(context.Background(), []string{"ID"}, rows, 500); err != nil {
		t.Fatalf("Delete while deferred: %v", err)
	}
	if len(e.deferredBatches) != 1 {
		t.Fatalf("expected 1 deferred batch, got %d", len(e.deferredBatches))
	}
	got := e.deferredBatches[0]
	if got.kind != opDelete || len(got.pkCols) != 1 || got.pkCols[0] != "ID" {
		t.Errorf("expected an opDelete batch keyed on [ID], got kind=%v pkCols=%v", got.kind, got.pkCols)
	}
	if len(got.rows) != 2 {
		t.Errorf("expected 2 buffered rows, got %d", len(got.rows))
	}
}

func TestDefer_MixedOperations_PreserveOrderAndShape(t *testing.T) {
	e := New(nil, Target{Schema: "dbo", Table: "T"}, 2000, 1000, 8<<20)
	e.Defer()

	if _, err := e.Insert(context.Background(), []string{"Name"}, nil, []Row{{"a"}}); err != nil {
		t.Fatalf("Insert while deferred: %v", err)
	}
	if _, err := e.Update(context.Background(), []string{"Name"}, []string{"ID"}, []Row{{"b", int64(1)}}, 500); err != nil {
		t.Fatalf("Update while deferred: %v", err)
	}
	if _, err := e.Delete(context.Background(), []string{"ID"}, []Row{{int64(2)}}, 500); err != nil {
		t.Fatalf("Delete while deferred: %v", err)
	}

	if len(e.deferredBatches) != 3 {
		t.Fatalf("expected 3 deferred batches, got %d", len(e.deferredBatches))
	}
	wantKinds := []opKind{opInsert, opUpdate, opDelete}
	for i, want := range wantKinds {
		if e.deferredBatches[i].kind != want {
			t.Errorf("batch %d: kind = %v, want %v", i, e.deferredBatches[i].kind, want)
		}
	}
}
