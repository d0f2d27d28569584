package store

import (
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

// DB wraps the sqlite database holding capture records.
type DB struct {
	conn *sql.DB
}

// NewDB opens (or creates) the database at path and ensures the schema.
func NewDB(path string) (*DB, error) {
	conn, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := conn.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	db := &DB{conn: conn}
	if err := db.createTables(); err != nil {
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return db, nil
}

func (db *DB) createTables() error {
	query := `
	CREATE TABLE IF NOT EXISTS session_records (
		session_id TEXT PRIMARY KEY,
		photo_path TEXT NOT NULL,
		capture_json_path TEXT NOT NULL,
		recognition_json_path TEXT NOT NULL,
		timestamp DATETIME NOT NULL,
		selected_candidates TEXT NOT NULL DEFAULT '[]'
	);
	CREATE TABLE IF NOT EXISTS estimate_captures (
		session_id TEXT PRIMARY KEY,
		photo_path TEXT NOT NULL,
		additional_photo_path TEXT,
		bundle_json_path TEXT NOT NULL,
		timestamp DATETIME NOT NULL,
		is_submitted INTEGER NOT NULL DEFAULT 0,
		initial_weight REAL NOT NULL,
		plate_weight REAL NOT NULL DEFAULT 0,
		food_name TEXT NOT NULL DEFAULT ''
	);
	`

	_, err := db.conn.Exec(query)
	return err
}

func (db *DB) Close() error {
	return db.conn.Close()
}
