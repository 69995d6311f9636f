package data

import (
	"database/sql"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// InitDB opens the internal SQLite store under dataDir and runs migrations.
// This store holds server accounts, ban entries and the audit trail; it is
// unrelated to the backend databases the gate fronts.
func InitDB(dataDir string) (*sql.DB, error) {
	dbPath := filepath.Join(dataDir, "sqlgate.db")

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}

	if err := db.Ping(); err != nil {
		return nil, err
	}

	if err := runMigrations(db); err != nil {
		return nil, err
	}

	return db, nil
}

func runMigrations(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS users (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		username TEXT NOT NULL UNIQUE,
		password_hash TEXT NOT NULL,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		is_active INTEGER DEFAULT 1
	);

	CREATE TABLE IF NOT EXISTS bans (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		username TEXT NOT NULL,
		database_name TEXT NOT NULL,
		reason TEXT,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		UNIQUE(username, database_name)
	);

	CREATE TABLE IF NOT EXISTS audit_trail (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		timestamp DATETIME DEFAULT CURRENT_TIMESTAMP,
		username TEXT,
		database_name TEXT,
		client_addr TEXT,
		sql_text TEXT,
		outcome TEXT,
		duration_ms INTEGER,
		detail TEXT
	);
	`
	_, err := db.Exec(schema)
	return err
}
