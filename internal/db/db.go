package db

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// StateDir holds the database and other per-workspace state.
const StateDir = ".agentpm"

const fileName = "agentpm.db"

// pragmas keep foreign keys enforced on every pooled connection. The journal
// worker writes on its own connection, so WAL plus a busy timeout keep it
// from failing against concurrent entity commits.
var pragmas = []string{
	"foreign_keys(1)",
	"busy_timeout(5000)",
	"journal_mode(WAL)",
}

// EnsureWorkspace creates the state directory under workspace and returns
// its path. An empty workspace means the current directory.
func EnsureWorkspace(workspace string) (string, error) {
	if workspace == "" {
		workspace = "."
	}
	dir := filepath.Join(workspace, StateDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create state dir: %w", err)
	}
	return dir, nil
}

// Open opens the workspace database and checks that foreign keys are
// enforced before handing the pool out.
func Open(ctx context.Context, workspace string) (*sql.DB, error) {
	dir, err := EnsureWorkspace(workspace)
	if err != nil {
		return nil, err
	}
	q := url.Values{"_txlock": {"immediate"}}
	for _, p := range pragmas {
		q.Add("_pragma", p)
	}
	dsn := "file:" + filepath.Join(dir, fileName) + "?" + q.Encode()
	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	var fk int
	if err := conn.QueryRowContext(ctx, "PRAGMA foreign_keys").Scan(&fk); err != nil {
		conn.Close()
		return nil, fmt.Errorf("ping %s: %w", dir, err)
	}
	if fk != 1 {
		conn.Close()
		return nil, fmt.Errorf("foreign keys not enforced on %s", dir)
	}
	return conn, nil
}
