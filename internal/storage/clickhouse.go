package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"go.uber.org/zap"
)

// ArchiveRecord is one grouped event snapshot written to the archive.
type ArchiveRecord struct {
	EventID         string
	SessionID       string
	TabID           string
	Kind            string
	Message         string
	Fingerprint     string
	Source          string
	Stack           string
	OccurrenceCount int
	FirstSeen       time.Time
	LastSeen        time.Time
	Created         bool
	Highlights      []string
}

// ArchiveRepository accepts batches of archive records.
type ArchiveRepository interface {
	InsertBatch(ctx context.Context, records []*ArchiveRecord) error
}

// ClickHouseConfig holds ClickHouse connection settings.
type ClickHouseConfig struct {
	// Addresses are the ClickHouse server addresses (host:port).
	Addresses []string

	// Database is the ClickHouse database name.
	Database string

	// Username for authentication.
	Username string

	// Password for authentication.
	Password string

	// MaxOpenConns is the maximum number of open connections.
	MaxOpenConns int

	// MaxIdleConns is the maximum number of idle connections.
	MaxIdleConns int

	// DialTimeout is the connection timeout.
	DialTimeout time.Duration

	// Compression enables LZ4 compression.
	Compression bool

	// RetentionDays is the TTL in days for archived events.
	RetentionDays int
}

// ClickHouseArchive stores every created or updated event in ClickHouse for
// later analysis across sessions.
type ClickHouseArchive struct {
	config *ClickHouseConfig
	db     *sql.DB
	logger *zap.Logger
}

// NewClickHouseArchive creates a new ClickHouse archive.
func NewClickHouseArchive(config *ClickHouseConfig, logger *zap.Logger) *ClickHouseArchive {
	if config.MaxOpenConns == 0 {
		config.MaxOpenConns = 5
	}
	if config.MaxIdleConns == 0 {
		config.MaxIdleConns = 5
	}
	if config.DialTimeout == 0 {
		config.DialTimeout = 5 * time.Second
	}
	if config.RetentionDays == 0 {
		config.RetentionDays = 30
	}
	if config.Database == "" {
		config.Database = "default"
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &ClickHouseArchive{
		config: config,
		logger: logger.With(zap.String("component", "archive")),
	}
}

// Open initializes the ClickHouse connection.
func (a *ClickHouseArchive) Open() error {
	opts := &clickhouse.Options{
		Addr: a.config.Addresses,
		Auth: clickhouse.Auth{
			Database: a.config.Database,
			Username: a.config.Username,
			Password: a.config.Password,
		},
		DialTimeout:  a.config.DialTimeout,
		MaxOpenConns: a.config.MaxOpenConns,
		MaxIdleConns: a.config.MaxIdleConns,
	}

	if a.config.Compression {
		opts.Compression = &clickhouse.Compression{
			Method: clickhouse.CompressionLZ4,
		}
	}

	db := clickhouse.OpenDB(opts)

	ctx, cancel := context.WithTimeout(context.Background(), a.config.DialTimeout)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return fmt.Errorf("ping clickhouse: %w", err)
	}

	a.db = db
	return nil
}

// Close closes the database connection.
func (a *ClickHouseArchive) Close() error {
	if a.db == nil {
		return nil
	}
	return a.db.Close()
}

// Migrate creates the error_events table if it doesn't exist.
func (a *ClickHouseArchive) Migrate() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if _, err := a.db.ExecContext(ctx, createTableSQL(a.config.RetentionDays)); err != nil {
		return fmt.Errorf("create error_events table: %w", err)
	}

	indexes := []string{
		"ALTER TABLE error_events ADD INDEX IF NOT EXISTS idx_message message TYPE tokenbf_v1(32768, 3, 0) GRANULARITY 4",
		"ALTER TABLE error_events ADD INDEX IF NOT EXISTS idx_source source TYPE bloom_filter(0.01) GRANULARITY 4",
	}
	for _, idx := range indexes {
		if _, err := a.db.ExecContext(ctx, idx); err != nil {
			// Index support varies by server version.
			a.logger.Warn("failed to create index", zap.Error(err))
		}
	}

	return nil
}

// Ping checks the connection health.
func (a *ClickHouseArchive) Ping(ctx context.Context) error {
	return a.db.PingContext(ctx)
}

func createTableSQL(retentionDays int) string {
	return fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS error_events (
			event_id String,
			session_id String,
			tab_id String,
			kind LowCardinality(String),
			message String,
			fingerprint String,
			source String,
			stack String,
			occurrence_count UInt32,
			first_seen DateTime64(3, 'UTC'),
			last_seen DateTime64(3, 'UTC'),
			created UInt8,
			highlights String,
			_date Date DEFAULT toDate(last_seen)
		)
		ENGINE = MergeTree()
		PARTITION BY toYYYYMM(_date)
		ORDER BY (fingerprint, session_id, last_seen)
		TTL _date + INTERVAL %d DAY DELETE
		SETTINGS index_granularity = 8192
	`, retentionDays)
}

// InsertBatch inserts multiple records using a batch insert.
func (a *ClickHouseArchive) InsertBatch(ctx context.Context, records []*ArchiveRecord) error {
	if len(records) == 0 {
		return nil
	}

	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO error_events (
			event_id, session_id, tab_id, kind, message, fingerprint, source, stack,
			occurrence_count, first_seen, last_seen, created, highlights
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("prepare: %w", err)
	}
	defer stmt.Close()

	for _, r := range records {
		created := uint8(0)
		if r.Created {
			created = 1
		}
		_, err := stmt.ExecContext(ctx,
			r.EventID,
			r.SessionID,
			r.TabID,
			r.Kind,
			r.Message,
			r.Fingerprint,
			r.Source,
			r.Stack,
			uint32(r.OccurrenceCount),
			r.FirstSeen,
			r.LastSeen,
			created,
			strings.Join(r.Highlights, ","),
		)
		if err != nil {
			return fmt.Errorf("exec: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}
