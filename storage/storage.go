// Copyright 2026 The Loom Authors
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"fmt"
	"log/slog"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/loom-im/loom/lib/sqlitepool"
)

// Config holds the parameters for opening the engine database.
type Config struct {
	// Path is the filesystem path to the SQLite database file. The
	// parent directory must exist. Use ":memory:" with PoolSize 1 for
	// tests.
	Path string

	// PoolSize is the number of connections in the pool. Defaults to
	// 4 if zero or negative. Writes are serialized by SQLite anyway;
	// extra connections serve concurrent read transactions during the
	// prepare phase.
	PoolSize int

	// Logger receives operational messages. If nil, slog.Default()
	// is used.
	Logger *slog.Logger
}

// DB is the engine database. Safe for concurrent use; individual
// transactions are not.
type DB struct {
	pool   *sqlitepool.Pool
	logger *slog.Logger
}

// Open opens (creating if necessary) the engine database and applies
// any pending schema migrations. The caller must call Close when done.
func Open(cfg Config) (*DB, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	poolSize := cfg.PoolSize
	if poolSize <= 0 {
		poolSize = 4
	}

	pool, err := sqlitepool.Open(sqlitepool.Config{
		Path:      cfg.Path,
		PoolSize:  poolSize,
		Logger:    logger,
		OnConnect: migrate,
	})
	if err != nil {
		return nil, fmt.Errorf("storage: %w", err)
	}

	return &DB{pool: pool, logger: logger}, nil
}

// Close closes the underlying connection pool. Blocks until all
// borrowed connections are returned.
func (d *DB) Close() error {
	return d.pool.Close()
}

// migrations holds the schema history. Each entry upgrades the
// database by one version; PRAGMA user_version records the applied
// count. Entries are append-only — never edit a shipped migration.
var migrations = []string{
	`
	CREATE TABLE meta (
		key   TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);

	CREATE TABLE rooms (
		room_id               TEXT PRIMARY KEY,
		membership            TEXT NOT NULL,
		encrypted             INTEGER NOT NULL DEFAULT 0,
		algorithm             TEXT NOT NULL DEFAULT '',
		rotation_period_ms    INTEGER NOT NULL DEFAULT 604800000,
		rotation_max_messages INTEGER NOT NULL DEFAULT 100,
		history_visibility    TEXT NOT NULL DEFAULT 'shared'
	);

	CREATE TABLE invites (
		room_id TEXT PRIMARY KEY,
		inviter TEXT NOT NULL DEFAULT '',
		state   BLOB
	);

	CREATE TABLE timeline (
		room_id   TEXT NOT NULL,
		event_id  TEXT NOT NULL,
		origin_ts INTEGER NOT NULL,
		event     BLOB NOT NULL,
		decrypted INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (room_id, event_id)
	);
	CREATE INDEX idx_timeline_order ON timeline(room_id, origin_ts);
	CREATE INDEX idx_timeline_pending ON timeline(room_id, decrypted);

	CREATE TABLE user_identities (
		user_id         TEXT PRIMARY KEY,
		tracking_status INTEGER NOT NULL
	);

	CREATE TABLE user_rooms (
		user_id TEXT NOT NULL,
		room_id TEXT NOT NULL,
		PRIMARY KEY (user_id, room_id)
	);
	CREATE INDEX idx_user_rooms_room ON user_rooms(room_id);

	CREATE TABLE devices (
		user_id      TEXT NOT NULL,
		device_id    TEXT NOT NULL,
		curve25519   TEXT NOT NULL,
		ed25519      TEXT NOT NULL,
		algorithms   TEXT NOT NULL,
		display_name TEXT NOT NULL DEFAULT '',
		PRIMARY KEY (user_id, device_id)
	);

	CREATE TABLE olm_account (
		id     INTEGER PRIMARY KEY CHECK (id = 1),
		pickle BLOB NOT NULL
	);

	CREATE TABLE olm_sessions (
		sender_key TEXT NOT NULL,
		session_id TEXT NOT NULL,
		pickle     BLOB NOT NULL,
		last_used  INTEGER NOT NULL,
		PRIMARY KEY (sender_key, session_id)
	);

	CREATE TABLE outbound_group_sessions (
		room_id TEXT PRIMARY KEY,
		pickle  BLOB NOT NULL
	);

	CREATE TABLE inbound_group_sessions (
		room_id      TEXT NOT NULL,
		sender_key   TEXT NOT NULL,
		session_id   TEXT NOT NULL,
		pickle       BLOB NOT NULL,
		needs_backup INTEGER NOT NULL DEFAULT 1,
		PRIMARY KEY (room_id, sender_key, session_id)
	);
	CREATE INDEX idx_inbound_needs_backup ON inbound_group_sessions(needs_backup)
		WHERE needs_backup = 1;

	CREATE TABLE pending_operations (
		id      INTEGER PRIMARY KEY AUTOINCREMENT,
		room_id TEXT NOT NULL,
		kind    TEXT NOT NULL,
		payload BLOB NOT NULL
	);
	CREATE INDEX idx_pending_room ON pending_operations(room_id);

	CREATE TABLE account_data (
		event_type TEXT PRIMARY KEY,
		content    BLOB NOT NULL
	);
	`,
}

// migrate brings a connection's database up to the current schema
// version. Runs once per pooled connection; after the first connection
// has migrated, the rest see user_version == len(migrations) and do
// nothing.
func migrate(conn *sqlite.Conn) error {
	var version int
	err := sqlitex.ExecuteTransient(conn, "PRAGMA user_version", &sqlitex.ExecOptions{
		ResultFunc: func(stmt *sqlite.Stmt) error {
			version = stmt.ColumnInt(0)
			return nil
		},
	})
	if err != nil {
		return fmt.Errorf("storage: reading schema version: %w", err)
	}

	if version > len(migrations) {
		return fmt.Errorf("storage: database schema version %d is newer than this build supports (%d)",
			version, len(migrations))
	}

	for ; version < len(migrations); version++ {
		if err := sqlitex.ExecuteScript(conn, migrations[version], nil); err != nil {
			return fmt.Errorf("storage: applying migration %d: %w", version+1, err)
		}
		pragma := fmt.Sprintf("PRAGMA user_version = %d", version+1)
		if err := sqlitex.ExecuteTransient(conn, pragma, nil); err != nil {
			return fmt.Errorf("storage: recording schema version %d: %w", version+1, err)
		}
	}
	return nil
}
