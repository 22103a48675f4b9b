/*
 * Copyright 2025 Carver Automation Corporation.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package trust

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // registers the "sqlite" driver

	"github.com/carverauto/relayd/pkg/models"
)

const createTrustTable = `
CREATE TABLE IF NOT EXISTS trust_entries (
	node_id     TEXT PRIMARY KEY,
	fingerprint TEXT NOT NULL UNIQUE,
	hostname    TEXT NOT NULL DEFAULT '',
	role        TEXT NOT NULL,
	state       TEXT NOT NULL,
	created_at  INTEGER NOT NULL,
	updated_at  INTEGER NOT NULL,
	last_seen   INTEGER NOT NULL DEFAULT 0
);`

const upsertTrustEntry = `
INSERT INTO trust_entries (node_id, fingerprint, hostname, role, state, created_at, updated_at, last_seen)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(node_id) DO UPDATE SET
	fingerprint = excluded.fingerprint,
	hostname    = excluded.hostname,
	role        = excluded.role,
	state       = excluded.state,
	updated_at  = excluded.updated_at,
	last_seen   = MAX(last_seen, excluded.last_seen)`

// SQLiteRepository stores trust entries in a SQLite database.
type SQLiteRepository struct {
	db *sql.DB
}

// OpenSQLite opens (creating if needed) the trust database at path.
func OpenSQLite(ctx context.Context, path string) (*SQLiteRepository, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("failed to open trust database: %w", err)
	}

	// A single connection serialises writers without SQLITE_BUSY churn.
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, createTrustTable); err != nil {
		_ = db.Close()

		return nil, fmt.Errorf("failed to create trust_entries table: %w", err)
	}

	return &SQLiteRepository{db: db}, nil
}

func (r *SQLiteRepository) Load(ctx context.Context) ([]models.TrustEntry, error) {
	rows, err := r.db.QueryContext(ctx, `
	SELECT node_id, fingerprint, hostname, role, state, created_at, updated_at, last_seen
	FROM trust_entries ORDER BY node_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query trust entries: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var entries []models.TrustEntry

	for rows.Next() {
		var e models.TrustEntry

		var created, updated, lastSeen int64

		if err := rows.Scan(&e.NodeID, &e.Fingerprint, &e.Hostname, &e.Role, &e.State,
			&created, &updated, &lastSeen); err != nil {
			return nil, fmt.Errorf("failed to scan trust entry: %w", err)
		}

		e.CreatedAt = fromUnixNano(created)
		e.UpdatedAt = fromUnixNano(updated)
		e.LastSeen = fromUnixNano(lastSeen)

		entries = append(entries, e)
	}

	return entries, rows.Err()
}

func (r *SQLiteRepository) Save(ctx context.Context, e *models.TrustEntry) error {
	_, err := r.db.ExecContext(ctx, upsertTrustEntry,
		e.NodeID, e.Fingerprint, e.Hostname, string(e.Role), string(e.State),
		toUnixNano(e.CreatedAt), toUnixNano(e.UpdatedAt), toUnixNano(e.LastSeen))
	if err != nil {
		return fmt.Errorf("failed to save trust entry %s: %w", e.NodeID, err)
	}

	return nil
}

func (r *SQLiteRepository) TouchLastSeen(ctx context.Context, seen map[string]time.Time) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}

	stmt, err := tx.PrepareContext(ctx, `UPDATE trust_entries SET last_seen = MAX(last_seen, ?) WHERE node_id = ?`)
	if err != nil {
		_ = tx.Rollback()

		return err
	}
	defer func() { _ = stmt.Close() }()

	for id, at := range seen {
		if _, err := stmt.ExecContext(ctx, toUnixNano(at), id); err != nil {
			_ = tx.Rollback()

			return fmt.Errorf("failed to update last_seen for %s: %w", id, err)
		}
	}

	return tx.Commit()
}

// Close closes the database connection
func (r *SQLiteRepository) Close() error {
	if err := r.db.Close(); err != nil {
		return fmt.Errorf("failed to close trust database: %w", err)
	}

	return nil
}

func toUnixNano(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}

	return t.UnixNano()
}

func fromUnixNano(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}

	return time.Unix(0, n).UTC()
}
