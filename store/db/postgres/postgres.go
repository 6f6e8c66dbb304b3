package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/pkg/errors"

	// Import the Postgres driver.
	_ "github.com/lib/pq"

	"github.com/jmandel/banterop-sub006/internal/profile"
	"github.com/jmandel/banterop-sub006/store"
)

type DB struct {
	db      *sql.DB
	profile *profile.Profile
}

// NewDB opens a postgres database with the DSN from the profile.
func NewDB(profile *profile.Profile) (store.Driver, error) {
	if profile.DSN == "" {
		return nil, errors.New("dsn required")
	}

	pgDB, err := sql.Open("postgres", profile.DSN)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open db with dsn: %s", profile.DSN)
	}

	driver := DB{db: pgDB, profile: profile}

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
	id BIGSERIAL PRIMARY KEY,
	uid TEXT NOT NULL UNIQUE,
	status TEXT NOT NULL DEFAULT 'active',
	metadata_json JSONB NOT NULL DEFAULT '{}',
	last_closed_seq BIGINT NOT NULL DEFAULT 0,
	created_ts BIGINT NOT NULL,
	updated_ts BIGINT NOT NULL
);

CREATE TABLE IF NOT EXISTS conversation_event (
	conversation_id BIGINT NOT NULL,
	turn BIGINT NOT NULL,
	event BIGINT NOT NULL,
	seq BIGINT NOT NULL,
	ts_ms BIGINT NOT NULL,
	agent_id TEXT NOT NULL,
	type TEXT NOT NULL,
	finality TEXT NOT NULL DEFAULT 'none',
	payload_json JSONB NOT NULL,
	UNIQUE (conversation_id, seq),
	UNIQUE (conversation_id, turn, event)
);

CREATE INDEX IF NOT EXISTS idx_conversation_event_seq ON conversation_event (conversation_id, seq);

CREATE TABLE IF NOT EXISTS attachment (
	conversation_id BIGINT NOT NULL,
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
		return errors.Wrap(err, "failed to apply postgres schema")
	}
	return nil
}

// placeholder returns the parameter marker for a 1-based position.
func placeholder(n int) string {
	return fmt.Sprintf("$%d", n)
}

// placeholders returns "$1, $2, ..., $n".
func placeholders(n int) string {
	list := make([]string, n)
	for i := range list {
		list[i] = placeholder(i + 1)
	}
	return strings.Join(list, ", ")
}
