// Package db opens the per-workspace sqlite database. All durable local
// state lives in one file under the workspace dot directory.
package db

import (
	"database/sql"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

const (
	dirName  = ".fleetline"
	fileName = "fleetline.db"
)

type Config struct {
	Workspace string
}

// EnsureWorkspace creates the workspace dot directory if missing and
// returns its path.
func EnsureWorkspace(workspace string) (string, error) {
	dir := filepath.Join(root(workspace), dirName)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	return dir, nil
}

// Open opens the workspace database, creating the dot directory on first
// use. WAL journaling with a busy timeout lets a one-shot CLI command and a
// running server share the same workspace file.
func Open(cfg Config) (*sql.DB, error) {
	dir, err := EnsureWorkspace(cfg.Workspace)
	if err != nil {
		return nil, err
	}
	dsn := "file:" + filepath.Join(dir, fileName) +
		"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
	return sql.Open("sqlite", dsn)
}

// Path returns the database file path for a workspace.
func Path(workspace string) string {
	return filepath.Join(root(workspace), dirName, fileName)
}

func root(workspace string) string {
	if workspace == "" {
		return "."
	}
	return workspace
}
