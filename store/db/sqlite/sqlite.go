package sqlite

import (
	"context"
	"database/sql"

	"github.com/pkg/errors"

	// Import the SQLite driver.
	_ "modernc.org/sqlite"

	"github.com/jmandel/banterop-sub006/internal/profile"
	"github.com/jmandel/banterop-sub006/store"
)

type DB struct {
	db      *sql.DB
	profile *profile.Profile
}

// NewDB opens the sqlite database named by the profile DSN.
//
// Pragmas: busy_timeout guards against transient lock contention, WAL journal
// mode is the recommended mode for concurrent readers. With the
// `modernc.org/sqlite` driver each pragma is passed as `_pragma=`.
func NewDB(profile *profile.Profile) (store.Driver, error) {
	if profile.DSN == "" {
		return nil, errors.New("dsn required")
	}

	sqliteDB, err := sql.Open("sqlite", profile.DSN+"?_pragma=foreign_keys(0)&_pragma=busy_timeout(10000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open db with dsn: %s", profile.DSN)
	}

	// A single connection is optimal for sqlite with WAL; the orchestrator
	// serializes writes per conversation above this layer anyway.
	sqliteDB.SetMaxOpenConns(1)
	sqliteDB.SetMaxIdleConns(1)
	sqliteDB.SetConnMaxLifetime(0)
	sqliteDB.SetConnMaxIdleTime(0)

	driver := DB{db: sqliteDB, profile: profile}

	return &driver, nil
}

func (d *DB) GetDB() *sql.DB {
	return d.db
}

func (d *DB) Close() error {
	return d.db.Close()
}

const schema = `
CREATE TABLE IF NOT EXISTS conversation (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	uid TEXT NOT NULL UNIQUE,
	status TEXT NOT NULL DEFAULT 'active',
	metadata_json TEXT NOT NULL DEFAULT '{}',
	last_closed_seq INTEGER NOT NULL DEFAULT 0,
	created_ts BIGINT NOT NULL,
	updated_ts BIGINT NOT NULL
);

CREATE TABLE IF NOT EXISTS conversation_event (
	conversation_id INTEGER NOT NULL,
	turn INTEGER NOT NULL,
	event INTEGER NOT NULL,
	seq INTEGER NOT NULL,
	ts_ms BIGINT NOT NULL,
	agent_id TEXT NOT NULL,
	type TEXT NOT NULL,
	finality TEXT NOT NULL DEFAULT 'none',
	payload_json TEXT NOT NULL,
	UNIQUE (conversation_id, seq),
	UNIQUE (conversation_id, turn, event)
);

CREATE INDEX IF NOT EXISTS idx_conversation_event_seq ON conversation_event (conversation_id, seq);

CREATE TABLE IF NOT EXISTS attachment (
	conversation_id INTEGER NOT NULL,
	doc_id TEXT NOT NULL,
	name TEXT NOT NULL,
	content_type TEXT NOT NULL,
	content TEXT NOT NULL,
	created_ts BIGINT NOT NULL,
	UNIQUE (conversation_id, doc_id)
);
`

// Migrate applies the schema. Statements are idempotent.
func (d *DB) Migrate(ctx context.Context) error {
	if _, err := d.db.ExecContext(ctx, schema); err != nil {
		return errors.Wrap(err, "failed to apply sqlite schema")
	}
	return nil
}
