package migrate

import (
	"os"
	"testing"

	"fleetline/internal/db"
)

func TestMigrateCreatesSchema(t *testing.T) {
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer conn.Close()

	if err := Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	for _, table := range []string{"records", "prefs", "journal"} {
		var name string
		err := conn.QueryRow(`SELECT name FROM sqlite_master WHERE type='table' AND name=?`, table).Scan(&name)
		if err != nil {
			t.Fatalf("table %s: %v", table, err)
		}
	}
	if _, err := os.Stat(db.Path(dir)); err != nil {
		t.Fatalf("database file: %v", err)
	}
}

func TestMigrateIsIdempotent(t *testing.T) {
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer conn.Close()

	if err := Migrate(conn); err != nil {
		t.Fatalf("first run: %v", err)
	}
	v1, err := userVersion(conn)
	if err != nil {
		t.Fatalf("user_version: %v", err)
	}
	if v1 < 1 {
		t.Fatalf("user_version = %d after migrate, want >= 1", v1)
	}

	if err := Migrate(conn); err != nil {
		t.Fatalf("second run: %v", err)
	}
	v2, err := userVersion(conn)
	if err != nil {
		t.Fatalf("user_version: %v", err)
	}
	if v2 != v1 {
		t.Fatalf("user_version moved %d -> %d on rerun", v1, v2)
	}
}
