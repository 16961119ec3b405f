package store

import (
	"context"
	"database/sql"
	"errors"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

// SQLiteStore backs KV with a single records table. Every operation is one
// statement, so each key write is atomic without explicit transactions. Used
// for local development and tests (":memory:").
type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(dataSourceName string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dataSourceName)
	if err != nil {
		return nil, err
	}
	if err = db.Ping(); err != nil {
		return nil, err
	}

	// A shared in-memory database still needs a single connection to see
	// one coherent store.
	db.SetMaxOpenConns(1)

	query := `
	CREATE TABLE IF NOT EXISTS records (
		collection TEXT NOT NULL,
		id TEXT NOT NULL,
		value TEXT NOT NULL,
		PRIMARY KEY (collection, id)
	);
	`
	if _, err := db.Exec(query); err != nil {
		db.Close()
		return nil, err
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Get(ctx context.Context, collection, id string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx,
		"SELECT value FROM records WHERE collection = ? AND id = ?", collection, id).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", err
	}
	return value, nil
}

func (s *SQLiteStore) Set(ctx context.Context, collection, id, value string) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT OR REPLACE INTO records (collection, id, value) VALUES (?, ?, ?)", collection, id, value)
	return err
}

func (s *SQLiteStore) SetNX(ctx context.Context, collection, id, value string) (bool, error) {
	result, err := s.db.ExecContext(ctx,
		"INSERT OR IGNORE INTO records (collection, id, value) VALUES (?, ?, ?)", collection, id, value)
	if err != nil {
		return false, err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows > 0, nil
}

func (s *SQLiteStore) Exists(ctx context.Context, collection, id string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx,
		"SELECT EXISTS(SELECT 1 FROM records WHERE collection = ? AND id = ?)", collection, id).Scan(&exists)
	return exists, err
}

func (s *SQLiteStore) Delete(ctx context.Context, collection, id string) error {
	_, err := s.db.ExecContext(ctx,
		"DELETE FROM records WHERE collection = ? AND id = ?", collection, id)
	return err
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
