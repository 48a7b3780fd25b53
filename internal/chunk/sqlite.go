package chunk

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "modernc.org/sqlite"
)

// SQLiteFetcher serves dataset files packed into one SQLite database:
//
//	CREATE TABLE chunks (filename TEXT PRIMARY KEY, body BLOB NOT NULL)
//
// The manifest is stored like any other file, under its own filename.
type SQLiteFetcher struct {
	db     *sql.DB
	dbPath string
}

// OpenSQLiteFetcher opens a chunk pack read-only.
func OpenSQLiteFetcher(dbPath string) (*SQLiteFetcher, error) {
	db, err := sql.Open("sqlite", dbPath+"?mode=ro")
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", dbPath, err)
	}
	db.SetMaxOpenConns(4)
	return &SQLiteFetcher{db: db, dbPath: dbPath}, nil
}

// Fetch implements Fetcher.
func (s *SQLiteFetcher) Fetch(ctx context.Context, filename string) ([]byte, error) {
	var body []byte
	err := s.db.QueryRowContext(ctx, "SELECT body FROM chunks WHERE filename = ?", filename).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s not in %s", ErrMissing, filename, s.dbPath)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: query %s: %w", ErrNetwork, filename, err)
	}
	return body, nil
}

// Close closes the underlying database.
func (s *SQLiteFetcher) Close() error {
	return s.db.Close()
}

// WriteSQLitePack creates (or extends) a chunk pack. Used by tests and by
// operators packing a dataset directory into a single file.
func WriteSQLitePack(dbPath string, files map[string][]byte) error {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return fmt.Errorf("open sqlite %s: %w", dbPath, err)
	}
	defer func() { _ = db.Close() }() // safe to ignore

	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS chunks (
		filename TEXT PRIMARY KEY,
		body BLOB NOT NULL
	)`); err != nil {
		return fmt.Errorf("create chunks table: %w", err)
	}

	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin pack: %w", err)
	}
	defer func() { _ = tx.Rollback() }() // safe to ignore (no-op if committed)

	stmt, err := tx.Prepare("INSERT OR REPLACE INTO chunks (filename, body) VALUES (?, ?)")
	if err != nil {
		return fmt.Errorf("prepare chunks insert: %w", err)
	}
	defer func() { _ = stmt.Close() }() // safe to ignore

	for name, body := range files {
		if _, err := stmt.Exec(name, body); err != nil {
			return fmt.Errorf("insert %s: %w", name, err)
		}
	}
	return tx.Commit()
}
