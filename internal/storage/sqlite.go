package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"

	// Pure-Go SQLite driver, registered as "sqlite".
	_ "modernc.org/sqlite"
)

// SQLiteStorage keeps pins and settings in a single SQLite file.
type SQLiteStorage struct {
	path string
	db   *sql.DB

	pins     *sqlitePinRepo
	settings *sqliteSettingsRepo
}

// NewSQLiteStorage creates a new SQLite storage. Use ":memory:" for a
// throwaway database.
func NewSQLiteStorage(path string) *SQLiteStorage {
	return &SQLiteStorage{path: path}
}

// dsn appends per-connection pragmas in the form the modernc driver reads.
func dsn(path string) string {
	q := url.Values{}
	q.Add("_pragma", "foreign_keys(1)")
	q.Add("_pragma", "busy_timeout(5000)")
	if path != ":memory:" {
		q.Add("_pragma", "journal_mode(WAL)")
		q.Add("_pragma", "synchronous(NORMAL)")
	}
	q.Set("_txlock", "immediate")
	return path + "?" + q.Encode()
}

// Open connects and verifies the database.
func (s *SQLiteStorage) Open() error {
	if s.path == "" {
		return errors.New("database path is required")
	}

	db, err := sql.Open("sqlite", dsn(s.path))
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	// One writer; a single long-lived connection also keeps :memory: alive.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := db.PingContext(context.Background()); err != nil {
		db.Close()
		return fmt.Errorf("ping database %s: %w", s.path, err)
	}

	s.db = db
	s.pins = &sqlitePinRepo{db: db}
	s.settings = &sqliteSettingsRepo{db: db}
	return nil
}

// Close closes the database connection.
func (s *SQLiteStorage) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// DB exposes the connection for health checks.
func (s *SQLiteStorage) DB() *sql.DB {
	return s.db
}

// Migrate applies the embedded schema migrations.
func (s *SQLiteStorage) Migrate() error {
	if s.db == nil {
		return errors.New("database not open")
	}
	ms, err := loadMigrations(schemaFS, "schema")
	if err != nil {
		return err
	}
	_, err = applyMigrations(context.Background(), s.db, ms)
	return err
}

// SchemaVersion reports the highest applied migration.
func (s *SQLiteStorage) SchemaVersion(ctx context.Context) (int, error) {
	return schemaVersion(ctx, s.db)
}

func (s *SQLiteStorage) Pins() PinRepository {
	return s.pins
}

func (s *SQLiteStorage) Settings() SettingsRepository {
	return s.settings
}
