package health

import (
	"context"
	"database/sql"
	"fmt"
)

// SQLiteChecker pings the pin and settings database and checks that
// migrations have been applied.
type SQLiteChecker struct {
	db *sql.DB
}

// NewSQLiteChecker creates a new SQLite health checker.
func NewSQLiteChecker(db *sql.DB) *SQLiteChecker {
	return &SQLiteChecker{db: db}
}

func (c *SQLiteChecker) Name() string { return "sqlite" }

func (c *SQLiteChecker) Check(ctx context.Context) error {
	if c.db == nil {
		return fmt.Errorf("database not initialized")
	}
	var version sql.NullInt64
	if err := c.db.QueryRowContext(ctx, "SELECT MAX(version) FROM schema_migrations").Scan(&version); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	if !version.Valid {
		return fmt.Errorf("database not migrated")
	}
	return nil
}

// Pinger is implemented by storage backends that can be probed.
type Pinger interface {
	Ping(ctx context.Context) error
}

// ClickHouseChecker probes the optional event archive.
type ClickHouseChecker struct {
	pinger Pinger
}

// NewClickHouseChecker creates a new ClickHouse health checker.
func NewClickHouseChecker(p Pinger) *ClickHouseChecker {
	return &ClickHouseChecker{pinger: p}
}

func (c *ClickHouseChecker) Name() string { return "clickhouse" }

func (c *ClickHouseChecker) Check(ctx context.Context) error {
	if c.pinger == nil {
		return fmt.Errorf("clickhouse not configured")
	}
	return c.pinger.Ping(ctx)
}

// BacklogFunc reports queued work and the queue capacity.
type BacklogFunc func() (pending, capacity int)

// BacklogChecker fails once a queue is nearly full, before writes start
// being refused.
type BacklogChecker struct {
	name      string
	backlog   BacklogFunc
	threshold float64
}

// NewBacklogChecker creates a checker that fails when pending/capacity
// reaches threshold (default 0.9).
func NewBacklogChecker(name string, backlog BacklogFunc, threshold float64) *BacklogChecker {
	if threshold <= 0 || threshold > 1 {
		threshold = 0.9
	}
	return &BacklogChecker{name: name, backlog: backlog, threshold: threshold}
}

func (c *BacklogChecker) Name() string { return c.name }

func (c *BacklogChecker) Check(ctx context.Context) error {
	pending, capacity := c.backlog()
	if capacity > 0 && float64(pending) >= c.threshold*float64(capacity) {
		return fmt.Errorf("%d of %d queued", pending, capacity)
	}
	return nil
}
