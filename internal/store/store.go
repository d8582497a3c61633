// Package store is the local persistence adapter: three independently keyed
// whole-document records in one sqlite database. The bulk record holds the
// entire aggregate; the session record holds only the authenticated identity
// and is written synchronously on every login/logout so identity survives a
// failed bulk write; the prefs records hold device-local settings.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"fleetline/internal/domain"
)

const (
	recordState   = "state"
	recordSession = "session"
)

var ErrNotFound = errors.New("not found")

type Store struct {
	DB     *sql.DB
	Logger *log.Logger
	Now    func() time.Time
}

func (s Store) logger() *log.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return log.Default()
}

func (s Store) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s Store) readRecord(ctx context.Context, key string) ([]byte, error) {
	var value string
	err := s.DB.QueryRowContext(ctx, `SELECT value FROM records WHERE key=?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return []byte(value), nil
}

func (s Store) writeRecord(ctx context.Context, key string, value []byte) error {
	ts := s.now().UTC().Format(time.RFC3339)
	_, err := s.DB.ExecContext(ctx,
		`INSERT INTO records(key,value,updated_at) VALUES (?,?,?)
		 ON CONFLICT(key) DO UPDATE SET value=excluded.value, updated_at=excluded.updated_at`,
		key, string(value), ts)
	return err
}

// SaveState overwrites the bulk record with the whole aggregate. A write
// failure is logged and swallowed: the caller keeps operating on in-memory
// state and persistence retries on the next change.
func (s Store) SaveState(ctx context.Context, st domain.AppState) {
	data, err := json.Marshal(st)
	if err != nil {
		s.logger().Printf("WARNING: marshal state: %v", err)
		return
	}
	if err := s.writeRecord(ctx, recordState, data); err != nil {
		s.logger().Printf("WARNING: persist state: %v", err)
	}
}

// LoadState reads the bulk record. Absent or invalid contents yield
// ErrNotFound so the caller substitutes the seed state.
func (s Store) LoadState(ctx context.Context) (domain.AppState, error) {
	data, err := s.readRecord(ctx, recordState)
	if err != nil {
		return domain.AppState{}, err
	}
	var st domain.AppState
	if err := json.Unmarshal(data, &st); err != nil {
		return domain.AppState{}, fmt.Errorf("%w: corrupt state record: %v", ErrNotFound, err)
	}
	return st, nil
}

type sessionRecord struct {
	UserID string `json:"user_id,omitempty"`
}

// SaveSession writes the session record synchronously. Passing nil clears it.
func (s Store) SaveSession(ctx context.Context, user *domain.UserAccount) error {
	rec := sessionRecord{}
	if user != nil {
		rec.UserID = user.ID
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return s.writeRecord(ctx, recordSession, data)
}

// LoadSession returns the stored user id, empty when no session is recorded.
func (s Store) LoadSession(ctx context.Context) (string, error) {
	data, err := s.readRecord(ctx, recordSession)
	if errors.Is(err, ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	var rec sessionRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return "", nil
	}
	return rec.UserID, nil
}

// Load assembles the startup aggregate: the bulk record (seed state when
// absent or corrupt), then the session record unconditionally overrides the
// identity, even when that clears a session the bulk record still carries.
// The session id is re-resolved against the account list so a deleted
// account degrades to a cleared session.
func (s Store) Load(ctx context.Context) domain.AppState {
	st, err := s.LoadState(ctx)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			s.logger().Printf("WARNING: load state: %v", err)
		}
		st = Seed()
	}
	st.CurrentUser = nil
	userID, err := s.LoadSession(ctx)
	if err != nil {
		s.logger().Printf("WARNING: load session: %v", err)
		return st
	}
	if userID != "" {
		if u := st.UserByID(userID); u != nil {
			cu := *u
			st.CurrentUser = &cu
		}
	}
	return st
}

// Pref reads a device preference, degrading to def when the key is absent or
// the stored value is unusable.
func (s Store) Pref(ctx context.Context, key, def string) string {
	var value string
	err := s.DB.QueryRowContext(ctx, `SELECT value FROM prefs WHERE key=?`, key).Scan(&value)
	if err != nil {
		return def
	}
	return value
}

// SetPref stores a device preference.
func (s Store) SetPref(ctx context.Context, key, value string) error {
	_, err := s.DB.ExecContext(ctx,
		`INSERT INTO prefs(key,value) VALUES (?,?) ON CONFLICT(key) DO UPDATE SET value=excluded.value`,
		key, value)
	return err
}

// Seed returns the hard-coded initial aggregate used when no bulk record
// exists yet: the bootstrap admin account and nothing else.
func Seed() domain.AppState {
	return domain.AppState{
		Users: []domain.UserAccount{
			{ID: "admin", Username: "admin", Password: "admin", Role: domain.RoleAdmin},
		},
	}
}
