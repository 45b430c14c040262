// Package sqlite is the default persistent msgstore.Store, backed by
// github.com/mattn/go-sqlite3. It is one concrete binding for the
// write-only sink spec.md treats as an external collaborator; any other
// type satisfying msgstore.Store works just as well.
package sqlite

import (
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

// Store appends exchanged messages to a SQLite database file.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the SQLite database at path and ensures
// its schema exists.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open %s: %w", path, err)
	}

	const schema = `
CREATE TABLE IF NOT EXISTS messages (
	id        INTEGER PRIMARY KEY AUTOINCREMENT,
	from_nick TEXT NOT NULL,
	to_nick   TEXT NOT NULL,
	payload   BLOB NOT NULL,
	at        DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: create schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Add records a message.
func (s *Store) Add(from, to string, payload []byte) error {
	_, err := s.db.Exec(
		`INSERT INTO messages (from_nick, to_nick, payload) VALUES (?, ?, ?)`,
		from, to, payload,
	)
	if err != nil {
		return fmt.Errorf("sqlite: insert message: %w", err)
	}
	return nil
}

// Close closes the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}
