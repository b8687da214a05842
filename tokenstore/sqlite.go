package tokenstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/go-authgate/subshare-cli/apiclient"
)

const sessionsSchema = `
CREATE TABLE IF NOT EXISTS sessions (
	namespace     TEXT PRIMARY KEY,
	access_token  TEXT NOT NULL,
	refresh_token TEXT NOT NULL,
	user_id       TEXT NOT NULL DEFAULT '',
	user_name     TEXT NOT NULL DEFAULT '',
	updated_at    TIMESTAMP NOT NULL
);`

// SQLiteStore keeps sessions in a sessions table, one row per namespace.
type SQLiteStore struct {
	db        *sql.DB
	namespace string
}

// NewSQLiteStore opens the database at path and creates the schema.
func NewSQLiteStore(path, namespace string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000")
	if err != nil {
		return nil, &StoreError{Op: "open", Backend: BackendSQLite, Err: err}
	}
	// single writer keeps sqlite from returning SQLITE_BUSY inside one process
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(sessionsSchema); err != nil {
		db.Close()
		return nil, &StoreError{Op: "migrate", Backend: BackendSQLite, Err: err}
	}

	return &SQLiteStore{db: db, namespace: namespace}, nil
}

func (s *SQLiteStore) Get(ctx context.Context) (apiclient.TokenPair, error) {
	var pair apiclient.TokenPair
	err := s.db.QueryRowContext(ctx,
		`SELECT access_token, refresh_token, user_id, user_name FROM sessions WHERE namespace = ?`,
		s.namespace,
	).Scan(&pair.AccessToken, &pair.RefreshToken, &pair.UserID, &pair.UserName)
	if errors.Is(err, sql.ErrNoRows) {
		return apiclient.TokenPair{}, nil
	}
	if err != nil {
		return apiclient.TokenPair{}, s.fail("get", err)
	}
	return pair, nil
}

func (s *SQLiteStore) Set(ctx context.Context, pair apiclient.TokenPair) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (namespace, access_token, refresh_token, user_id, user_name, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(namespace) DO UPDATE SET
			access_token  = excluded.access_token,
			refresh_token = excluded.refresh_token,
			user_id       = excluded.user_id,
			user_name     = excluded.user_name,
			updated_at    = excluded.updated_at`,
		s.namespace, pair.AccessToken, pair.RefreshToken, pair.UserID, pair.UserName, time.Now().UTC(),
	)
	if err != nil {
		return s.fail("set", err)
	}
	return nil
}

func (s *SQLiteStore) Clear(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE namespace = ?`, s.namespace); err != nil {
		return s.fail("clear", err)
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("failed to close session database: %w", err)
	}
	return nil
}

func (s *SQLiteStore) fail(op string, err error) error {
	return &StoreError{Op: op, Backend: BackendSQLite, Err: err}
}

var _ Store = (*SQLiteStore)(nil)
