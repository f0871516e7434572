package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/lib/pq"
	"github.com/mattn/go-sqlite3"
)

const (
	DriverSQLite   = "sqlite3"
	DriverPostgres = "postgres"
)

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// dialect rewrites portable queries for the configured driver.
type dialect struct {
	driver string
}

// rebind converts ? placeholders to $n for Postgres.
func (d dialect) rebind(query string) string {
	if d.driver != DriverPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 16)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// Store implements all repositories over database/sql.
type Store struct {
	db      *sql.DB
	dialect dialect

	Instances     *InstanceRepo
	Clients       *ClientRepo
	Conversations *ConversationRepo
	Messages      *MessageRepo
	Transitions   *TransitionRepo
}

// New opens the database for the given driver and applies the bootstrap schema.
func New(driver, dsn string) (*Store, error) {
	var db *sql.DB
	var err error

	switch driver {
	case DriverSQLite:
		db, err = sql.Open(DriverSQLite, dsn+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
		if err == nil {
			// One connection serialises writers and keeps :memory: databases shared.
			db.SetMaxOpenConns(1)
		}
	case DriverPostgres:
		db, err = sql.Open(DriverPostgres, dsn)
	default:
		return nil, fmt.Errorf("unsupported database driver: %s", driver)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	s := newStore(db, driver)
	if err := s.Migrate(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	return s, nil
}

func newStore(db *sql.DB, driver string) *Store {
	s := &Store{db: db, dialect: dialect{driver: driver}}
	s.Instances = &InstanceRepo{s: s}
	s.Clients = &ClientRepo{s: s}
	s.Conversations = &ConversationRepo{s: s}
	s.Messages = &MessageRepo{s: s}
	s.Transitions = &TransitionRepo{s: s}
	return s
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) exec(ctx context.Context, q querier, query string, args ...any) (sql.Result, error) {
	return q.ExecContext(ctx, s.dialect.rebind(query), args...)
}

func (s *Store) query(ctx context.Context, q querier, query string, args ...any) (*sql.Rows, error) {
	return q.QueryContext(ctx, s.dialect.rebind(query), args...)
}

func (s *Store) queryRow(ctx context.Context, q querier, query string, args ...any) *sql.Row {
	return q.QueryRowContext(ctx, s.dialect.rebind(query), args...)
}

// inTx runs fn inside a transaction, rolling back on error.
func (s *Store) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// Migrate applies the bootstrap schema. Statements are idempotent and portable
// across SQLite and Postgres.
func (s *Store) Migrate(ctx context.Context) error {
	for _, stmt := range strings.Split(schema, ";") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migration %q: %w", firstLine(stmt), err)
		}
	}
	return nil
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

const schema = `
CREATE TABLE IF NOT EXISTS channel_instances (
	id TEXT PRIMARY KEY,
	tenant_id TEXT NOT NULL,
	kind TEXT NOT NULL,
	origin TEXT NOT NULL,
	provider_ref TEXT NOT NULL,
	credentials TEXT NOT NULL DEFAULT '{}',
	status TEXT NOT NULL DEFAULT 'disconnected',
	phone_number TEXT,
	awaiting_qr BOOLEAN NOT NULL DEFAULT FALSE,
	manual_disconnect BOOLEAN NOT NULL DEFAULT FALSE,
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_instances_provider_ref ON channel_instances(kind, provider_ref);
CREATE INDEX IF NOT EXISTS idx_instances_tenant ON channel_instances(tenant_id, status);

CREATE TABLE IF NOT EXISTS clients (
	id TEXT PRIMARY KEY,
	tenant_id TEXT NOT NULL,
	identifier TEXT NOT NULL,
	name TEXT NOT NULL DEFAULT '',
	avatar_url TEXT NOT NULL DEFAULT '',
	profile_checked_at TIMESTAMP,
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_clients_identity ON clients(tenant_id, identifier);

CREATE TABLE IF NOT EXISTS client_tags (
	client_id TEXT NOT NULL REFERENCES clients(id) ON DELETE CASCADE,
	tag TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL,
	PRIMARY KEY (client_id, tag)
);

CREATE TABLE IF NOT EXISTS client_actions (
	id TEXT PRIMARY KEY,
	client_id TEXT NOT NULL REFERENCES clients(id) ON DELETE CASCADE,
	kind TEXT NOT NULL,
	payload TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS client_memories (
	id TEXT PRIMARY KEY,
	client_id TEXT NOT NULL REFERENCES clients(id) ON DELETE CASCADE,
	content TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS conversations (
	id TEXT PRIMARY KEY,
	tenant_id TEXT NOT NULL,
	remote_id TEXT NOT NULL,
	origin TEXT NOT NULL,
	client_id TEXT NOT NULL REFERENCES clients(id),
	instance_id TEXT,
	last_activity_ms BIGINT NOT NULL DEFAULT 0,
	archived BOOLEAN NOT NULL DEFAULT FALSE,
	created_at TIMESTAMP NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_conversations_identity ON conversations(tenant_id, remote_id, origin);
CREATE INDEX IF NOT EXISTS idx_conversations_client ON conversations(client_id);

CREATE TABLE IF NOT EXISTS messages (
	id TEXT PRIMARY KEY,
	conversation_id TEXT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
	external_id TEXT,
	is_from_me BOOLEAN NOT NULL DEFAULT FALSE,
	content TEXT NOT NULL DEFAULT '',
	media_url TEXT NOT NULL DEFAULT '',
	mime_type TEXT NOT NULL DEFAULT '',
	message_type TEXT NOT NULL DEFAULT 'text',
	status TEXT NOT NULL DEFAULT 'pending',
	revoked BOOLEAN NOT NULL DEFAULT FALSE,
	error TEXT NOT NULL DEFAULT '',
	timestamp_ms BIGINT NOT NULL DEFAULT 0,
	created_at TIMESTAMP NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_messages_external ON messages(conversation_id, external_id);
CREATE INDEX IF NOT EXISTS idx_messages_external_lookup ON messages(external_id);
CREATE INDEX IF NOT EXISTS idx_messages_conversation_ts ON messages(conversation_id, timestamp_ms);

CREATE TABLE IF NOT EXISTS instance_transitions (
	id TEXT PRIMARY KEY,
	instance_id TEXT NOT NULL,
	from_state TEXT NOT NULL,
	to_state TEXT NOT NULL,
	trigger_name TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_transitions_instance ON instance_transitions(instance_id, created_at)
`

// isUniqueViolation reports whether err is a unique or primary key violation
// from either driver.
func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return false
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func now() time.Time {
	return time.Now().UTC()
}
