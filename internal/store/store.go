// Package store persists users and devices over database/sql.
//
// Two drivers are wired, selected by STORE_DRIVER: modernc.org/sqlite (pure
// Go, default, for single-user/dev deployments) and github.com/lib/pq
// (PostgreSQL, for production).
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/remotetunnel/relay/internal/account"
)

// Driver selects the backing SQL engine.
type Driver string

const (
	DriverSQLite   Driver = "sqlite"
	DriverPostgres Driver = "postgres"
)

var ErrUnsupportedDriver = errors.New("store: unsupported driver")

// Store is a database/sql-backed repository for users and devices.
type Store struct {
	db     *sql.DB
	driver Driver
}

// Open opens (and, for sqlite, creates) the database at dsn using driver, and
// ensures the schema exists.
func Open(ctx context.Context, driver Driver, dsn string) (*Store, error) {
	var sqlDriverName string
	switch driver {
	case DriverSQLite:
		sqlDriverName = "sqlite"
	case DriverPostgres:
		sqlDriverName = "postgres"
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedDriver, driver)
	}

	db, err := sql.Open(sqlDriverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", driver, err)
	}
	if driver == DriverSQLite {
		// A single connection avoids "database is locked" errors from modernc.org/sqlite
		// under concurrent writers; fine for the single-user/dev deployment this targets.
		db.SetMaxOpenConns(1)
	}

	s := &Store{db: db, driver: driver}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate(ctx context.Context) error {
	var stmts []string
	switch s.driver {
	case DriverSQLite:
		stmts = []string{
			`CREATE TABLE IF NOT EXISTS users (
				id INTEGER PRIMARY KEY,
				email TEXT NOT NULL UNIQUE,
				password_hash TEXT NOT NULL,
				created_at TIMESTAMP NOT NULL
			)`,
			`CREATE TABLE IF NOT EXISTS devices (
				id TEXT PRIMARY KEY,
				user_id INTEGER NOT NULL REFERENCES users(id),
				pubkey BLOB NOT NULL,
				created_at TIMESTAMP NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS devices_user_id_idx ON devices(user_id)`,
		}
	case DriverPostgres:
		stmts = []string{
			`CREATE TABLE IF NOT EXISTS users (
				id BIGINT PRIMARY KEY,
				email TEXT NOT NULL UNIQUE,
				password_hash TEXT NOT NULL,
				created_at TIMESTAMP NOT NULL
			)`,
			`CREATE TABLE IF NOT EXISTS devices (
				id TEXT PRIMARY KEY,
				user_id BIGINT NOT NULL REFERENCES users(id),
				pubkey BYTEA NOT NULL,
				created_at TIMESTAMP NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS devices_user_id_idx ON devices(user_id)`,
		}
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("store: migrate: %w", err)
		}
	}
	return nil
}

// CreateUser inserts a new user with a process-unique id derived from the
// current Unix-nanosecond clock, salted by a counter to avoid collisions
// under concurrent registration.
func (s *Store) CreateUser(ctx context.Context, email, passwordHash string) (account.User, error) {
	u := account.User{
		ID:           nextUserID(),
		Email:        email,
		PasswordHash: passwordHash,
		CreatedAt:    time.Now().UTC(),
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users (id, email, password_hash, created_at) VALUES ($1, $2, $3, $4)`,
		u.ID, u.Email, u.PasswordHash, u.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return account.User{}, account.ErrEmailTaken
		}
		return account.User{}, fmt.Errorf("store: create user: %w", err)
	}
	return u, nil
}

func (s *Store) UserByEmail(ctx context.Context, email string) (account.User, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, email, password_hash, created_at FROM users WHERE email = $1`, email)
	var u account.User
	if err := row.Scan(&u.ID, &u.Email, &u.PasswordHash, &u.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return account.User{}, account.ErrUserNotFound
		}
		return account.User{}, fmt.Errorf("store: user by email: %w", err)
	}
	return u, nil
}

func (s *Store) UserByID(ctx context.Context, id int64) (account.User, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, email, password_hash, created_at FROM users WHERE id = $1`, id)
	var u account.User
	if err := row.Scan(&u.ID, &u.Email, &u.PasswordHash, &u.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return account.User{}, account.ErrUserNotFound
		}
		return account.User{}, fmt.Errorf("store: user by id: %w", err)
	}
	return u, nil
}

// UpsertDevice idempotently registers (device_id, pubkey) for userID.
// Re-registration by the same owner succeeds; registration by a different
// owner fails with account.ErrDeviceOwnedByOther.
func (s *Store) UpsertDevice(ctx context.Context, userID int64, deviceID string, pubkey []byte) (account.Device, error) {
	existing, err := s.DeviceByID(ctx, deviceID)
	if err == nil {
		if existing.UserID != userID {
			return account.Device{}, account.ErrDeviceOwnedByOther
		}
		return existing, nil
	}
	if !errors.Is(err, sql.ErrNoRows) && !errors.Is(err, ErrDeviceNotFound) {
		return account.Device{}, err
	}

	d := account.Device{
		ID:        deviceID,
		UserID:    userID,
		PubKey:    pubkey,
		CreatedAt: time.Now().UTC(),
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO devices (id, user_id, pubkey, created_at) VALUES ($1, $2, $3, $4)`,
		d.ID, d.UserID, d.PubKey, d.CreatedAt,
	)
	if err != nil {
		// A concurrent insert for the same id lost the race above; re-read and
		// resolve identically to the first-seen path.
		existing, readErr := s.DeviceByID(ctx, deviceID)
		if readErr == nil {
			if existing.UserID != userID {
				return account.Device{}, account.ErrDeviceOwnedByOther
			}
			return existing, nil
		}
		return account.Device{}, fmt.Errorf("store: upsert device: %w", err)
	}
	return d, nil
}

var ErrDeviceNotFound = errors.New("store: device not found")

var userIDCounter atomic.Int64

// nextUserID derives a process-unique id: the Unix-nanosecond clock salted
// by a counter so concurrent registrations in the same nanosecond still get
// distinct ids.
func nextUserID() int64 {
	return time.Now().UnixNano() + userIDCounter.Add(1)
}

func (s *Store) DeviceByID(ctx context.Context, deviceID string) (account.Device, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, pubkey, created_at FROM devices WHERE id = $1`, deviceID)
	var d account.Device
	if err := row.Scan(&d.ID, &d.UserID, &d.PubKey, &d.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return account.Device{}, ErrDeviceNotFound
		}
		return account.Device{}, fmt.Errorf("store: device by id: %w", err)
	}
	return d, nil
}

// DevicesByUser returns all devices owned by userID, used by GET /devices/.
func (s *Store) DevicesByUser(ctx context.Context, userID int64) ([]account.Device, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, pubkey, created_at FROM devices WHERE user_id = $1 ORDER BY created_at`, userID)
	if err != nil {
		return nil, fmt.Errorf("store: devices by user: %w", err)
	}
	defer rows.Close()

	var out []account.Device
	for rows.Next() {
		var d account.Device
		if err := rows.Scan(&d.ID, &d.UserID, &d.PubKey, &d.CreatedAt); err != nil {
			return nil, fmt.Errorf("store: devices by user: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func isUniqueViolation(err error) bool {
	// Both modernc.org/sqlite and lib/pq surface driver-specific error types
	// for unique constraint violations; matching on the message is the
	// simplest driver-agnostic check, and the relevant text is stable across
	// SQLite/Postgres ("UNIQUE constraint failed" / "duplicate key value").
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique") || strings.Contains(msg, "duplicate key")
}
