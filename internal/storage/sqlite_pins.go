package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/good-yellow-bee/blazecatch/internal/models"
)

type sqlitePinRepo struct {
	db *sql.DB
}

// Save stores or refreshes the pin for (hostname, fingerprint). Copies of the
// same pin held by different sessions share one row; the latest save wins.
func (r *sqlitePinRepo) Save(ctx context.Context, hostname string, event *models.ErrorEvent) error {
	eventJSON, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	now := time.Now().UTC()

	query := `
		INSERT INTO pinned_events (id, hostname, fingerprint, event_json, pinned_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(hostname, fingerprint) DO UPDATE SET
			id = excluded.id,
			event_json = excluded.event_json,
			updated_at = excluded.updated_at
	`
	if _, err := r.db.ExecContext(ctx, query,
		event.ID, normalizeHost(hostname), event.Fingerprint, string(eventJSON), now, now,
	); err != nil {
		return fmt.Errorf("save pin: %w", err)
	}
	return nil
}

// Delete removes the pin for (hostname, fingerprint).
func (r *sqlitePinRepo) Delete(ctx context.Context, hostname, fingerprint string) error {
	result, err := r.db.ExecContext(ctx,
		`DELETE FROM pinned_events WHERE hostname = ? AND fingerprint = ?`,
		normalizeHost(hostname), fingerprint,
	)
	if err != nil {
		return fmt.Errorf("delete pin: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

// ListByScope returns pins for hostname, oldest pin first.
func (r *sqlitePinRepo) ListByScope(ctx context.Context, hostname string) ([]*models.ErrorEvent, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT event_json FROM pinned_events WHERE hostname = ? ORDER BY pinned_at, id`,
		normalizeHost(hostname),
	)
	if err != nil {
		return nil, fmt.Errorf("query pins: %w", err)
	}
	defer rows.Close()

	var events []*models.ErrorEvent
	for rows.Next() {
		var eventJSON string
		if err := rows.Scan(&eventJSON); err != nil {
			return nil, fmt.Errorf("scan pin: %w", err)
		}
		var e models.ErrorEvent
		if err := json.Unmarshal([]byte(eventJSON), &e); err != nil {
			return nil, fmt.Errorf("unmarshal pin: %w", err)
		}
		e.Pinned = true
		events = append(events, &e)
	}
	return events, rows.Err()
}

func (r *sqlitePinRepo) Count(ctx context.Context) (int64, error) {
	var count int64
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM pinned_events`).Scan(&count); err != nil {
		return 0, fmt.Errorf("count pins: %w", err)
	}
	return count, nil
}

func normalizeHost(hostname string) string {
	return strings.ToLower(strings.TrimSpace(hostname))
}
