package store_test

import (
	"context"
	"testing"
	"time"

	"fleetline/internal/db"
	"fleetline/internal/domain"
	"fleetline/internal/migrate"
	"fleetline/internal/store"
)

func newTestStore(t *testing.T) store.Store {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return store.Store{DB: conn, Now: func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }}
}

func TestLoadSeedsWhenEmpty(t *testing.T) {
	s := newTestStore(t)
	st := s.Load(context.Background())
	if len(st.Users) == 0 || st.Users[0].Username != "admin" {
		t.Fatalf("expected seed admin account, got %+v", st.Users)
	}
	if st.CurrentUser != nil {
		t.Fatalf("fresh load must not carry a session")
	}
}

func TestLoadSeedsOnCorruptBulkRecord(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.DB.Exec(`INSERT INTO records(key,value,updated_at) VALUES ('state','{not json','now')`); err != nil {
		t.Fatalf("plant corrupt record: %v", err)
	}
	st := s.Load(context.Background())
	if len(st.Users) == 0 || st.Users[0].Username != "admin" {
		t.Fatalf("corrupt bulk record must fall back to seed state")
	}
}

func TestSessionRecordOverridesBulk(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	st := store.Seed()
	other := domain.UserAccount{ID: "u-7", Username: "gate7", Password: "pw", Role: domain.RoleUnit, UnitID: "unit-7"}
	st.Users = append(st.Users, other)
	// Bulk record claims the admin session; the session record says gate7.
	st.CurrentUser = &st.Users[0]
	s.SaveState(ctx, st)
	if err := s.SaveSession(ctx, &other); err != nil {
		t.Fatalf("save session: %v", err)
	}

	loaded := s.Load(ctx)
	if loaded.CurrentUser == nil || loaded.CurrentUser.ID != "u-7" {
		t.Fatalf("session record must be authoritative for identity, got %+v", loaded.CurrentUser)
	}
}

func TestClearedSessionWinsOverBulkSession(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	st := store.Seed()
	st.CurrentUser = &st.Users[0]
	s.SaveState(ctx, st)
	if err := s.SaveSession(ctx, nil); err != nil {
		t.Fatalf("clear session: %v", err)
	}

	loaded := s.Load(ctx)
	if loaded.CurrentUser != nil {
		t.Fatalf("cleared session record must override the bulk record's session")
	}
}

func TestSessionForDeletedAccountDegrades(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	s.SaveState(ctx, store.Seed())
	ghost := domain.UserAccount{ID: "gone", Username: "gone", Role: domain.RoleUnit}
	if err := s.SaveSession(ctx, &ghost); err != nil {
		t.Fatalf("save session: %v", err)
	}
	loaded := s.Load(ctx)
	if loaded.CurrentUser != nil {
		t.Fatalf("session for a deleted account must degrade to no session")
	}
}

func TestPrefDefaultOnMissing(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	if got := s.Pref(ctx, "camera.orientation", "landscape"); got != "landscape" {
		t.Fatalf("missing pref must yield default, got %q", got)
	}
	if err := s.SetPref(ctx, "camera.orientation", "portrait"); err != nil {
		t.Fatalf("set pref: %v", err)
	}
	if got := s.Pref(ctx, "camera.orientation", "landscape"); got != "portrait" {
		t.Fatalf("got %q", got)
	}
}
