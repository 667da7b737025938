package persist

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Schema creates the client_state table.
const Schema = `
CREATE TABLE IF NOT EXISTS client_state (
	session_id TEXT        NOT NULL,
	path       TEXT        NOT NULL,
	value      JSONB       NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL,
	expires_at TIMESTAMPTZ,
	PRIMARY KEY (session_id, path)
)`

// PgConn is the subset of *pgxpool.Pool the store uses.
type PgConn interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// PgStore is a PostgreSQL-backed StateStore using pgx/v5.
type PgStore struct {
	db  PgConn
	ttl time.Duration
}

// NewPgStore creates a store on db. A non-positive ttl keeps values
// forever.
func NewPgStore(db PgConn, ttl time.Duration) *PgStore {
	return &PgStore{db: db, ttl: ttl}
}

// Migrate creates the table if it does not exist.
func (s *PgStore) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("create client_state: %w", err)
	}
	return nil
}

// Load implements StateStore.
func (s *PgStore) Load(ctx context.Context, sessionID, path string) (json.RawMessage, bool, error) {
	var value []byte
	err := s.db.QueryRow(ctx, `
		SELECT value FROM client_state
		WHERE session_id = $1 AND path = $2
		  AND (expires_at IS NULL OR expires_at > now())`,
		sessionID, path,
	).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("query client_state %s/%s: %w", sessionID, path, err)
	}
	return value, true, nil
}

// LoadAll implements StateStore.
func (s *PgStore) LoadAll(ctx context.Context, sessionID string) (map[string]json.RawMessage, error) {
	rows, err := s.db.Query(ctx, `
		SELECT path, value FROM client_state
		WHERE session_id = $1
		  AND (expires_at IS NULL OR expires_at > now())`,
		sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("query client_state %s: %w", sessionID, err)
	}
	defer rows.Close()

	out := make(map[string]json.RawMessage)
	for rows.Next() {
		var path string
		var value []byte
		if err := rows.Scan(&path, &value); err != nil {
			return nil, fmt.Errorf("scan client_state: %w", err)
		}
		out[path] = value
	}
	return out, rows.Err()
}

// Save implements StateStore.
func (s *PgStore) Save(ctx context.Context, sessionID, path string, value json.RawMessage) error {
	now := time.Now().UTC()
	var expiresAt *time.Time
	if s.ttl > 0 {
		t := now.Add(s.ttl)
		expiresAt = &t
	}
	_, err := s.db.Exec(ctx, `
		INSERT INTO client_state (session_id, path, value, updated_at, expires_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (session_id, path) DO UPDATE SET
			value = EXCLUDED.value,
			updated_at = EXCLUDED.updated_at,
			expires_at = EXCLUDED.expires_at`,
		sessionID, path, []byte(value), now, expiresAt,
	)
	if err != nil {
		return fmt.Errorf("upsert client_state %s/%s: %w", sessionID, path, err)
	}
	return nil
}

// Purge deletes expired rows and returns how many were removed.
func (s *PgStore) Purge(ctx context.Context) (int64, error) {
	tag, err := s.db.Exec(ctx, `DELETE FROM client_state WHERE expires_at IS NOT NULL AND expires_at <= now()`)
	if err != nil {
		return 0, fmt.Errorf("purge client_state: %w", err)
	}
	return tag.RowsAffected(), nil
}

// HealthCheck runs a trivial query against the pool.
func (s *PgStore) HealthCheck(ctx context.Context) error {
	var one int
	return s.db.QueryRow(ctx, "SELECT 1").Scan(&one)
}
