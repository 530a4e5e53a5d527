package sessionstore

import (
	"errors"
	"time"
)

const (
	sqliteSchema = `CREATE TABLE IF NOT EXISTS sessions (
	id TEXT PRIMARY KEY,
	label TEXT NOT NULL,
	state TEXT NOT NULL,
	revision INTEGER NOT NULL,
	updated_at INTEGER NOT NULL,
	archived_at INTEGER,
	document BLOB NOT NULL
)`
	sqliteLockQuery    = `SELECT document, archived_at IS NOT NULL FROM sessions WHERE id = ?`
	sqliteLoadQuery    = `SELECT document FROM sessions WHERE id = ? AND archived_at IS NULL`
	sqliteInsertQuery  = `INSERT INTO sessions (id, label, state, revision, updated_at, document) VALUES (?, ?, ?, ?, ?, ?)`
	sqliteUpdateQuery  = `UPDATE sessions SET label = ?, state = ?, revision = ?, updated_at = ?, document = ? WHERE id = ? AND revision = ? AND archived_at IS NULL`
	sqliteListQuery    = `SELECT id, document FROM sessions WHERE archived_at IS NULL ORDER BY id`
	sqliteArchiveQuery = `UPDATE sessions SET archived_at = ? WHERE id = ? AND archived_at IS NULL`
)

// SQLiteStore persists sessions in a local SQLite database.
type SQLiteStore struct {
	sqlStore
}

// NewSQLiteStore wraps an open database. Call Migrate before first use.
func NewSQLiteStore(db DB, codec *Codec) (*SQLiteStore, error) {
	if db == nil {
		return nil, errors.New("sqlite database is required")
	}
	if codec == nil {
		return nil, errors.New("session codec is required")
	}
	return &SQLiteStore{sqlStore{
		db:    db,
		codec: codec,
		now:   time.Now,
		q: queries{
			schema:   sqliteSchema,
			lock:     sqliteLockQuery,
			load:     sqliteLoadQuery,
			insert:   sqliteInsertQuery,
			update:   sqliteUpdateQuery,
			list:     sqliteListQuery,
			archive:  sqliteArchiveQuery,
			kindName: "sqlite",
		},
	}}, nil
}
