package sessionstore

import (
	"errors"
	"time"
)

const (
	postgresSchema = `CREATE TABLE IF NOT EXISTS forge_sessions (
	id TEXT PRIMARY KEY,
	label TEXT NOT NULL,
	state TEXT NOT NULL,
	revision BIGINT NOT NULL,
	updated_at BIGINT NOT NULL,
	archived_at BIGINT,
	document BYTEA NOT NULL
)`
	postgresLockQuery    = `SELECT document, archived_at IS NOT NULL FROM forge_sessions WHERE id = $1 FOR UPDATE`
	postgresLoadQuery    = `SELECT document FROM forge_sessions WHERE id = $1 AND archived_at IS NULL`
	postgresInsertQuery  = `INSERT INTO forge_sessions (id, label, state, revision, updated_at, document) VALUES ($1, $2, $3, $4, $5, $6)`
	postgresUpdateQuery  = `UPDATE forge_sessions SET label = $1, state = $2, revision = $3, updated_at = $4, document = $5 WHERE id = $6 AND revision = $7 AND archived_at IS NULL`
	postgresListQuery    = `SELECT id, document FROM forge_sessions WHERE archived_at IS NULL ORDER BY id`
	postgresArchiveQuery = `UPDATE forge_sessions SET archived_at = $1 WHERE id = $2 AND archived_at IS NULL`
)

// PostgresStore persists sessions in a shared Postgres database. Row locks
// serialize writers across processes.
type PostgresStore struct {
	sqlStore
}

func NewPostgresStore(db DB, codec *Codec) (*PostgresStore, error) {
	if db == nil {
		return nil, errors.New("postgres database is required")
	}
	if codec == nil {
		return nil, errors.New("session codec is required")
	}
	return &PostgresStore{sqlStore{
		db:    db,
		codec: codec,
		now:   time.Now,
		q: queries{
			schema:   postgresSchema,
			lock:     postgresLockQuery,
			load:     postgresLoadQuery,
			insert:   postgresInsertQuery,
			update:   postgresUpdateQuery,
			list:     postgresListQuery,
			archive:  postgresArchiveQuery,
			kindName: "postgres",
		},
	}}, nil
}
