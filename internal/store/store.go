// Package store opens the embedded SQLite database backing the rendezvous
// server and creates its schema. All timestamps are stored as REAL epoch
// seconds; sides are stored as plain text with '' meaning "no side".
package store

import (
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

const schema = `
CREATE TABLE IF NOT EXISTS nameplates (
	app_id     TEXT NOT NULL,
	id         TEXT NOT NULL,
	mailbox_id TEXT NOT NULL,
	side1      TEXT NOT NULL DEFAULT '',
	side2      TEXT NOT NULL DEFAULT '',
	crowded    INTEGER NOT NULL DEFAULT 0,
	updated    REAL NOT NULL,
	started    REAL NOT NULL,
	second     REAL,
	PRIMARY KEY (app_id, id)
);

CREATE TABLE IF NOT EXISTS mailboxes (
	app_id     TEXT NOT NULL,
	id         TEXT NOT NULL,
	side1      TEXT NOT NULL DEFAULT '',
	side2      TEXT NOT NULL DEFAULT '',
	crowded    INTEGER NOT NULL DEFAULT 0,
	started    REAL NOT NULL,
	second     REAL,
	first_mood TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (app_id, id)
);

CREATE TABLE IF NOT EXISTS messages (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	app_id     TEXT NOT NULL,
	mailbox_id TEXT NOT NULL,
	side       TEXT NOT NULL,
	phase      TEXT NOT NULL DEFAULT '',
	body       BLOB,
	server_rx  REAL NOT NULL,
	msg_id     TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS messages_by_mailbox
	ON messages (app_id, mailbox_id, server_rx);

CREATE TABLE IF NOT EXISTS nameplate_usage (
	app_id       TEXT NOT NULL,
	started      REAL NOT NULL,
	total_time   REAL NOT NULL,
	waiting_time REAL,
	result       TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS mailbox_usage (
	app_id       TEXT NOT NULL,
	started      REAL NOT NULL,
	total_time   REAL NOT NULL,
	waiting_time REAL,
	result       TEXT NOT NULL
);
`

// Open opens (creating if necessary) the rendezvous database at path.
// Use ":memory:" for an ephemeral database in tests.
func Open(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}

	// The core is single-writer; one connection also makes :memory:
	// databases safe to share between goroutines.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: enable foreign keys: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: create schema: %w", err)
	}
	return db, nil
}
