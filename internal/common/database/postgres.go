// internal/common/database/postgres.go
// PostgreSQL connection and schema bootstrap

package database

import (
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq" // PostgreSQL driver
)

// NewPostgresDBFromURL creates a connection from a URL
func NewPostgresDBFromURL(databaseURL string) (*sqlx.DB, error) {
	db, err := sqlx.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool with defaults
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	// Test connection
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return db, nil
}

// Migrate applies the schema. Idempotent so it can run on every boot.
func Migrate(db *sqlx.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS users (
		id            TEXT PRIMARY KEY,
		email         TEXT UNIQUE NOT NULL,
		name          TEXT NOT NULL,
		role          TEXT NOT NULL DEFAULT 'CUSTOMER',
		password_hash TEXT NOT NULL,
		created_at    TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);

	CREATE TABLE IF NOT EXISTS conversations (
		id                TEXT PRIMARY KEY,
		participant1_id   TEXT NOT NULL,
		participant1_name TEXT NOT NULL,
		participant2_id   TEXT NOT NULL,
		participant2_name TEXT NOT NULL,
		project_id        TEXT,
		project_title     TEXT,
		last_message      TEXT,
		last_message_at   TIMESTAMPTZ,
		unread1           INTEGER NOT NULL DEFAULT 0,
		unread2           INTEGER NOT NULL DEFAULT 0,
		created_at        TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at        TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);
	CREATE INDEX IF NOT EXISTS idx_conversations_participant1 ON conversations(participant1_id);
	CREATE INDEX IF NOT EXISTS idx_conversations_participant2 ON conversations(participant2_id);
	CREATE INDEX IF NOT EXISTS idx_conversations_last_message_at ON conversations(last_message_at DESC);

	CREATE TABLE IF NOT EXISTS messages (
		id              TEXT PRIMARY KEY,
		conversation_id TEXT NOT NULL REFERENCES conversations(id),
		sender_id       TEXT NOT NULL,
		sender_name     TEXT NOT NULL,
		content         TEXT NOT NULL DEFAULT '',
		file_url        TEXT,
		file_name       TEXT,
		file_type       TEXT,
		client_token    TEXT,
		is_read         BOOLEAN NOT NULL DEFAULT FALSE,
		read_at         TIMESTAMPTZ,
		created_at      TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);
	CREATE INDEX IF NOT EXISTS idx_messages_conversation_created ON messages(conversation_id, created_at);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_messages_sender_token ON messages(sender_id, client_token)
		WHERE client_token IS NOT NULL;

	CREATE TABLE IF NOT EXISTS device_tokens (
		token      TEXT PRIMARY KEY,
		user_id    TEXT NOT NULL REFERENCES users(id),
		platform   TEXT NOT NULL DEFAULT 'web',
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);
	CREATE INDEX IF NOT EXISTS idx_device_tokens_user ON device_tokens(user_id);
	`

	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}
