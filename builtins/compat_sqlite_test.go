package builtins

import (
	"mooverse/types"
	"os"
	"testing"
)

func TestSqliteOpenQueryExecute(t *testing.T) {
	dir := t.TempDir()
	cwd, err := os.Getwd()
	if err != nil {
		t.Fatalf("Getwd() failed: %v", err)
	}
	if err := os.Chdir(dir); err != nil {
		t.Fatalf("Chdir() failed: %v", err)
	}
	defer os.Chdir(cwd)

	ctx := &types.TaskContext{}

	openRes := builtinSqliteOpen(ctx, []types.Value{types.NewStr("test.db")})
	if !openRes.IsNormal() {
		t.Fatalf("sqlite_open failed: %v", openRes)
	}
	handle := openRes.Val.(types.IntValue)

	createRes := builtinSqliteExecute(ctx, []types.Value{
		handle,
		types.NewStr("CREATE TABLE widgets (id INTEGER PRIMARY KEY, name TEXT)"),
	})
	if !createRes.IsNormal() {
		t.Fatalf("CREATE TABLE failed: %v", createRes)
	}

	insertRes := builtinSqliteExecute(ctx, []types.Value{
		handle,
		types.NewStr("INSERT INTO widgets (name) VALUES (?)"),
		types.NewList([]types.Value{types.NewStr("sprocket")}),
	})
	if !insertRes.IsNormal() {
		t.Fatalf("INSERT failed: %v", insertRes)
	}

	lastIDRes := builtinSqliteLastInsertRowID(ctx, []types.Value{handle})
	if !lastIDRes.IsNormal() {
		t.Fatalf("sqlite_last_insert_row_id failed: %v", lastIDRes)
	}
	if id := lastIDRes.Val.(types.IntValue).Val; id != 1 {
		t.Errorf("last_insert_row_id = %d, want 1", id)
	}

	queryRes := builtinSqliteQuery(ctx, []types.Value{
		handle,
		types.NewStr("SELECT id, name FROM widgets WHERE name = ?"),
		types.NewList([]types.Value{types.NewStr("sprocket")}),
	})
	if !queryRes.IsNormal() {
		t.Fatalf("SELECT failed: %v", queryRes)
	}
	rows := queryRes.Val.(types.ListValue).Elements()
	if len(rows) != 1 {
		t.Fatalf("expected 1 row, got %d", len(rows))
	}
	row := rows[0].(types.ListValue).Elements()
	if name := row[1].(types.StrValue).Value(); name != "sprocket" {
		t.Errorf("row name = %q, want %q", name, "sprocket")
	}

	closeRes := builtinSqliteClose(ctx, []types.Value{handle})
	if !closeRes.IsNormal() {
		t.Fatalf("sqlite_close failed: %v", closeRes)
	}
}
