package feed

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"

	"github.com/agentworkforce/relaycache/internal/entity"
)

func TestParsePostgresPayload(t *testing.T) {
	n, err := ParsePostgresPayload(`{"table":"tasks","type":"delete","old_record":{"id":12}}`)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if n.Table != "tasks" || n.Type != OpDelete || n.Old["id"] == nil || n.New != nil {
		t.Fatalf("unexpected notification: %+v", n)
	}
	if _, err := ParsePostgresPayload(`{"type":"insert"}`); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for missing table, got %v", err)
	}
	if _, err := ParsePostgresPayload(`not json`); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for bad json, got %v", err)
	}
}

func TestOrderClauseQuotesColumns(t *testing.T) {
	got := orderClause(`created_at desc, "name" ; DROP`)
	if got != `"created_at" DESC, """name"""` {
		t.Fatalf("unexpected order clause: %q", got)
	}
	if postgresQuoteIdentifier(`we"ird`) != `"we""ird"` {
		t.Fatalf("unexpected identifier quoting")
	}
}

func TestSQLiteSourceFetchesRows(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.db")
	db, err := sql.Open("sqlite", path)
	if err != nil {
		t.Fatalf("open sqlite failed: %v", err)
	}
	defer db.Close()
	stmts := []string{
		`CREATE TABLE users (id INTEGER PRIMARY KEY, name TEXT, hourly_cost REAL, created_at TEXT)`,
		`INSERT INTO users (id, name, hourly_cost, created_at) VALUES (1, 'Ana', 50, '2024-01-02'), (2, 'Bruno', 100, '2024-01-01')`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			t.Fatalf("exec %q failed: %v", stmt, err)
		}
	}

	src, err := NewSQLiteSource(path, nil)
	if err != nil {
		t.Fatalf("new source failed: %v", err)
	}
	defer src.Close()
	src.OrderBy(entity.KindUser, "created_at asc")

	rows, err := src.Fetch(context.Background(), entity.KindUser)
	if err != nil {
		t.Fatalf("fetch failed: %v", err)
	}
	if len(rows) != 2 || rows[0]["name"] != "Bruno" {
		t.Fatalf("expected ordered rows starting with Bruno, got %v", rows)
	}

	if _, err := src.Fetch(context.Background(), entity.KindTask); err == nil {
		t.Fatalf("expected error for missing tasks table")
	}
}
