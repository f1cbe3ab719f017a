package db

import (
	"fmt"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/rs/zerolog/log"
)

// Connect opens the backend database. Schema migrations run only when
// migrate is set, which is meant for local development against a scratch
// database; production tables belong to the backend.
func Connect(dsn string, migrate bool) (*sqlx.DB, error) {
	db, err := sqlx.Connect("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("connect db: %w", err)
	}

	if migrate {
		if err := runMigrations(db); err != nil {
			db.Close()
			return nil, fmt.Errorf("run migrations: %w", err)
		}
	}

	return db, nil
}

func runMigrations(db *sqlx.DB) error {
	migrations := []string{
		`CREATE EXTENSION IF NOT EXISTS pgcrypto;`,
		`CREATE TABLE IF NOT EXISTS chats (
            id TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
            clinic_id TEXT NOT NULL,
            name TEXT NOT NULL DEFAULT '',
            phone_number TEXT,
            channel TEXT NOT NULL DEFAULT 'whatsapp',
            instance_id TEXT,
            last_message TEXT,
            last_message_time TIMESTAMPTZ,
            unread_count INT NOT NULL DEFAULT 0,
            status TEXT,
            is_pinned BOOLEAN NOT NULL DEFAULT FALSE,
            assigned_to TEXT,
            locked_by TEXT,
            locked_at TIMESTAMPTZ,
            created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
        );`,
		`CREATE INDEX IF NOT EXISTS chats_clinic_idx ON chats (clinic_id, last_message_time DESC);`,
		`CREATE TABLE IF NOT EXISTS messages (
            id TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
            chat_id TEXT NOT NULL REFERENCES chats(id) ON DELETE CASCADE,
            content TEXT NOT NULL DEFAULT '',
            is_from_client BOOLEAN NOT NULL DEFAULT FALSE,
            sent_by TEXT,
            media_url TEXT,
            media_type TEXT,
            quoted_message_id TEXT,
            provider_message_id TEXT,
            created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
        );`,
		`CREATE INDEX IF NOT EXISTS messages_chat_created_idx ON messages (chat_id, created_at DESC);`,
		`CREATE TABLE IF NOT EXISTS tags (
            id TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
            clinic_id TEXT NOT NULL,
            name TEXT NOT NULL,
            color TEXT
        );`,
		`CREATE TABLE IF NOT EXISTS chat_tags (
            chat_id TEXT NOT NULL REFERENCES chats(id) ON DELETE CASCADE,
            tag_id TEXT NOT NULL REFERENCES tags(id) ON DELETE CASCADE,
            PRIMARY KEY(chat_id, tag_id)
        );`,
	}

	for _, m := range migrations {
		if _, err := db.Exec(m); err != nil {
			return err
		}
	}
	log.Info().Int("statements", len(migrations)).Msg("database migrations applied")
	return nil
}
