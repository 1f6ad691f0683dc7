// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package credentials

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/tombee/switchboard/internal/connector"
)

// SQLiteRepository stores records in a local SQLite database.
type SQLiteRepository struct {
	db *sql.DB
}

// OpenSQLite opens or creates the database at path and runs migrations.
func OpenSQLite(ctx context.Context, path string) (*SQLiteRepository, error) {
	if path == "" {
		return nil, errors.New("database path is required")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	// A single writer avoids SQLITE_BUSY under concurrent refreshes.
	db.SetMaxOpenConns(1)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("connecting to database: %w", err)
	}

	r := &SQLiteRepository{db: db}
	if err := r.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return r, nil
}

func (r *SQLiteRepository) migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS credentials (
			user_id        TEXT NOT NULL,
			connector_id   TEXT NOT NULL,
			kind           TEXT NOT NULL,
			username       TEXT NOT NULL DEFAULT '',
			access_sealed  BLOB,
			refresh_sealed BLOB,
			expires_at     TEXT,
			scopes_json    TEXT NOT NULL DEFAULT '[]',
			status         TEXT NOT NULL,
			updated_at     TEXT NOT NULL,
			PRIMARY KEY (user_id, connector_id)
		)`,
		`CREATE TABLE IF NOT EXISTS meta (
			key   TEXT PRIMARY KEY,
			value BLOB NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := r.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// Close closes the database.
func (r *SQLiteRepository) Close() error { return r.db.Close() }

// Salt returns the database's key-derivation salt, creating it on first use.
func (r *SQLiteRepository) Salt(ctx context.Context) ([]byte, error) {
	var salt []byte
	err := r.db.QueryRowContext(ctx, `SELECT value FROM meta WHERE key = 'salt'`).Scan(&salt)
	if err == nil {
		return salt, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("reading salt: %w", err)
	}

	if salt, err = NewSalt(); err != nil {
		return nil, err
	}
	if _, err := r.db.ExecContext(ctx, `INSERT OR IGNORE INTO meta (key, value) VALUES ('salt', ?)`, salt); err != nil {
		return nil, fmt.Errorf("storing salt: %w", err)
	}
	// Another process may have won the insert.
	if err := r.db.QueryRowContext(ctx, `SELECT value FROM meta WHERE key = 'salt'`).Scan(&salt); err != nil {
		return nil, fmt.Errorf("reading salt: %w", err)
	}
	return salt, nil
}

const selectColumns = `user_id, connector_id, kind, username, access_sealed, refresh_sealed,
	expires_at, scopes_json, status, updated_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(s scanner) (*Record, error) {
	var (
		rec       Record
		kind      string
		status    string
		expiresAt sql.NullString
		scopes    string
		updatedAt string
	)
	if err := s.Scan(&rec.UserID, &rec.ConnectorID, &kind, &rec.Username, &rec.AccessSealed,
		&rec.RefreshSealed, &expiresAt, &scopes, &status, &updatedAt); err != nil {
		return nil, err
	}
	rec.Kind = connector.AuthKind(kind)
	rec.Status = Status(status)

	if expiresAt.Valid && expiresAt.String != "" {
		t, err := time.Parse(time.RFC3339Nano, expiresAt.String)
		if err != nil {
			return nil, fmt.Errorf("parsing expires_at: %w", err)
		}
		rec.ExpiresAt = &t
	}
	if err := json.Unmarshal([]byte(scopes), &rec.Scopes); err != nil {
		return nil, fmt.Errorf("parsing scopes: %w", err)
	}
	t, err := time.Parse(time.RFC3339Nano, updatedAt)
	if err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}
	rec.UpdatedAt = t
	return &rec, nil
}

func (r *SQLiteRepository) Load(ctx context.Context, userID, connectorID string) (*Record, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+selectColumns+` FROM credentials WHERE user_id = ? AND connector_id = ?`,
		userID, connectorID)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("loading credential: %w", err)
	}
	return rec, nil
}

func (r *SQLiteRepository) Save(ctx context.Context, rec *Record) error {
	scopes, err := json.Marshal(rec.Scopes)
	if err != nil {
		return err
	}
	if rec.Scopes == nil {
		scopes = []byte("[]")
	}
	var expiresAt any
	if rec.ExpiresAt != nil {
		expiresAt = rec.ExpiresAt.UTC().Format(time.RFC3339Nano)
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO credentials (`+selectColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (user_id, connector_id) DO UPDATE SET
			kind = excluded.kind,
			username = excluded.username,
			access_sealed = excluded.access_sealed,
			refresh_sealed = excluded.refresh_sealed,
			expires_at = excluded.expires_at,
			scopes_json = excluded.scopes_json,
			status = excluded.status,
			updated_at = excluded.updated_at`,
		rec.UserID, rec.ConnectorID, string(rec.Kind), rec.Username, rec.AccessSealed,
		rec.RefreshSealed, expiresAt, string(scopes), string(rec.Status),
		rec.UpdatedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("saving credential: %w", err)
	}
	return nil
}

func (r *SQLiteRepository) List(ctx context.Context, userID string) ([]Record, error) {
	query := `SELECT ` + selectColumns + ` FROM credentials`
	var args []any
	if userID != "" {
		query += ` WHERE user_id = ?`
		args = append(args, userID)
	}
	query += ` ORDER BY user_id, connector_id`

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing credentials: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}

func (r *SQLiteRepository) Delete(ctx context.Context, userID, connectorID string) error {
	_, err := r.db.ExecContext(ctx,
		`DELETE FROM credentials WHERE user_id = ? AND connector_id = ?`, userID, connectorID)
	if err != nil {
		return fmt.Errorf("deleting credential: %w", err)
	}
	return nil
}
