package cache

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// SQLStore is a PersistentStore backed by database/sql, supporting either
// PostgreSQL (driver "postgres", via the blank-imported lib/pq) or an
// embedded SQLite file/in-memory DSN (driver "sqlite", via
// modernc.org/sqlite), both speaking the single `ai_requests` cache table.
type SQLStore struct {
	db     *sql.DB
	driver string
	log    *slog.Logger
}

const (
	createTablePostgres = `CREATE TABLE IF NOT EXISTS ai_requests (
		id BIGSERIAL PRIMARY KEY,
		fingerprint TEXT NOT NULL UNIQUE,
		messages JSONB NOT NULL,
		response TEXT NOT NULL
	)`
	createTableSQLite = `CREATE TABLE IF NOT EXISTS ai_requests (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		fingerprint TEXT NOT NULL UNIQUE,
		messages TEXT NOT NULL,
		response TEXT NOT NULL
	)`
)

// OpenSQLStore opens a connection to driver ("postgres" or "sqlite") using
// dsn, creates the ai_requests table if it does not already exist, and
// returns a ready-to-use SQLStore.
func OpenSQLStore(driver, dsn string, log *slog.Logger) (*SQLStore, error) {
	if log == nil {
		log = slog.Default()
	}

	sqlDriver := driver
	createStmt := createTableSQLite
	switch driver {
	case "postgres":
		createStmt = createTablePostgres
	case "sqlite":
		sqlDriver = "sqlite"
	default:
		return nil, fmt.Errorf("cache: unknown database driver %q; must be postgres or sqlite", driver)
	}

	db, err := sql.Open(sqlDriver, dsn)
	if err != nil {
		return nil, fmt.Errorf("cache: open %s: %w", driver, err)
	}

	if _, err := db.Exec(createStmt); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("cache: create ai_requests table: %w", err)
	}

	return &SQLStore{db: db, driver: driver, log: log}, nil
}

func (s *SQLStore) placeholder(n int) string {
	if s.driver == "postgres" {
		return fmt.Sprintf("$%d", n)
	}
	return "?"
}

// Get returns the cached response for fingerprint, if a row exists.
func (s *SQLStore) Get(ctx context.Context, fingerprint string) (string, bool) {
	query := fmt.Sprintf("SELECT response FROM ai_requests WHERE fingerprint = %s", s.placeholder(1))
	var response string
	err := s.db.QueryRowContext(ctx, query, fingerprint).Scan(&response)
	if err != nil {
		return "", false
	}
	return response, true
}

// Save inserts a new cache row. Conflicts on fingerprint are ignored (the
// in-memory tier is already authoritative for the current process). The
// caller is responsible for deciding what a failure means for the client
// response — Save itself makes no such decision.
func (s *SQLStore) Save(ctx context.Context, fingerprint, messages, response string) error {
	var query string
	if s.driver == "postgres" {
		query = fmt.Sprintf(
			"INSERT INTO ai_requests (fingerprint, messages, response) VALUES (%s, %s, %s) ON CONFLICT (fingerprint) DO NOTHING",
			s.placeholder(1), s.placeholder(2), s.placeholder(3))
	} else {
		query = "INSERT OR IGNORE INTO ai_requests (fingerprint, messages, response) VALUES (?, ?, ?)"
	}

	_, err := s.db.ExecContext(ctx, query, fingerprint, messages, response)
	return err
}

// LoadRecent returns the most recent n rows, newest first, by descending id.
func (s *SQLStore) LoadRecent(ctx context.Context, n int) ([]Entry, error) {
	query := fmt.Sprintf("SELECT fingerprint, messages, response FROM ai_requests ORDER BY id DESC LIMIT %s", s.placeholder(1))
	rows, err := s.db.QueryContext(ctx, query, n)
	if err != nil {
		return nil, fmt.Errorf("cache: load recent: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.Fingerprint, &e.Messages, &e.Response); err != nil {
			return nil, fmt.Errorf("cache: scan row: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Close releases the underlying connection pool.
func (s *SQLStore) Close() error {
	return s.db.Close()
}
