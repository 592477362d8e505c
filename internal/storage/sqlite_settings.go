package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/good-yellow-bee/blazecatch/internal/settings"
)

// sqliteSettingsRepo stores the settings as the same JSON document used for
// export, so stored settings go through import validation on load.
type sqliteSettingsRepo struct {
	db *sql.DB
}

func (r *sqliteSettingsRepo) Load(ctx context.Context) (*settings.Settings, error) {
	var document string
	err := r.db.QueryRowContext(ctx, `SELECT document FROM settings WHERE id = 1`).Scan(&document)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query settings: %w", err)
	}

	s, _, err := settings.Import([]byte(document))
	if err != nil {
		return nil, fmt.Errorf("decode settings: %w", err)
	}
	return s, nil
}

func (r *sqliteSettingsRepo) Save(ctx context.Context, s *settings.Settings) error {
	document, err := settings.Export(s)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO settings (id, document, updated_at) VALUES (1, ?, ?)
		ON CONFLICT(id) DO UPDATE SET document = excluded.document, updated_at = excluded.updated_at
	`
	if _, err := r.db.ExecContext(ctx, query, string(document), time.Now().UTC()); err != nil {
		return fmt.Errorf("save settings: %w", err)
	}
	return nil
}
