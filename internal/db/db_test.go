package db

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func TestOpenCreatesStateDir(t *testing.T) {
	ws := t.TempDir()
	conn, err := Open(context.Background(), ws)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer conn.Close()

	if _, err := os.Stat(filepath.Join(ws, StateDir, fileName)); err != nil {
		t.Fatalf("db file: %v", err)
	}
	var mode string
	if err := conn.QueryRow("PRAGMA journal_mode").Scan(&mode); err != nil {
		t.Fatalf("journal_mode: %v", err)
	}
	if mode != "wal" {
		t.Fatalf("journal_mode = %q, want wal", mode)
	}
}

func TestForeignKeysEnforced(t *testing.T) {
	conn, err := Open(context.Background(), t.TempDir())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer conn.Close()

	if _, err := conn.Exec(`CREATE TABLE parent (id TEXT PRIMARY KEY)`); err != nil {
		t.Fatalf("create parent: %v", err)
	}
	if _, err := conn.Exec(`CREATE TABLE child (id TEXT PRIMARY KEY, parent_id TEXT REFERENCES parent(id))`); err != nil {
		t.Fatalf("create child: %v", err)
	}
	if _, err := conn.Exec(`INSERT INTO child (id, parent_id) VALUES ('c', 'missing')`); err == nil {
		t.Fatalf("expected foreign key violation")
	}
}

func TestEnsureWorkspaceReturnsStateDir(t *testing.T) {
	dir, err := EnsureWorkspace(t.TempDir())
	if err != nil {
		t.Fatalf("ensure: %v", err)
	}
	if filepath.Base(dir) != StateDir {
		t.Fatalf("dir = %q", dir)
	}
}
