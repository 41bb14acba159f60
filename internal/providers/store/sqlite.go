package store

import (
	"context"
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS running_apps (
	user_id      TEXT NOT NULL,
	package_name TEXT NOT NULL,
	started_at   INTEGER NOT NULL DEFAULT (unixepoch()),
	PRIMARY KEY (user_id, package_name)
);`

// SQLite stores running apps in a local database file
type SQLite struct {
	db *sql.DB
}

// OpenSQLite opens (or creates) the database at path. ":memory:" gives a
// private in-memory database.
func OpenSQLite(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One writer; also keeps ":memory:" on a single connection
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	for _, pragma := range []string{
		`PRAGMA journal_mode = WAL;`,
		`PRAGMA busy_timeout = 5000;`,
	} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate sqlite: %w", err)
	}
	return &SQLite{db: db}, nil
}

func (s *SQLite) Add(ctx context.Context, userID, packageName string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO running_apps (user_id, package_name) VALUES (?, ?)`,
		userID, packageName)
	if err != nil {
		return fmt.Errorf("add running app: %w", err)
	}
	return nil
}

func (s *SQLite) Remove(ctx context.Context, userID, packageName string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM running_apps WHERE user_id = ? AND package_name = ?`,
		userID, packageName)
	if err != nil {
		return fmt.Errorf("remove running app: %w", err)
	}
	return nil
}

func (s *SQLite) List(ctx context.Context, userID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT package_name FROM running_apps WHERE user_id = ? ORDER BY package_name`,
		userID)
	if err != nil {
		return nil, fmt.Errorf("list running apps: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var pkg string
		if err := rows.Scan(&pkg); err != nil {
			return nil, fmt.Errorf("scan running app: %w", err)
		}
		out = append(out, pkg)
	}
	return out, rows.Err()
}

func (s *SQLite) Close() error {
	return s.db.Close()
}
