// Package storage provides persistence for pinned events and settings, and
// an optional archive of every grouped event.
package storage

import (
	"context"
	"errors"

	"github.com/good-yellow-bee/blazecatch/internal/models"
	"github.com/good-yellow-bee/blazecatch/internal/settings"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// Storage owns the connection behind the pin and settings repositories.
type Storage interface {
	Open() error
	Close() error
	// Migrate brings the schema to the latest embedded version.
	Migrate() error
	SchemaVersion(ctx context.Context) (int, error)

	Pins() PinRepository
	Settings() SettingsRepository
}

var _ Storage = (*SQLiteStorage)(nil)

// PinRepository persists pinned events so they survive session restarts.
// A pin is identified by hostname and fingerprint, not by event id.
type PinRepository interface {
	Save(ctx context.Context, hostname string, event *models.ErrorEvent) error
	Delete(ctx context.Context, hostname, fingerprint string) error
	ListByScope(ctx context.Context, hostname string) ([]*models.ErrorEvent, error)
	Count(ctx context.Context) (int64, error)
}

// SettingsRepository persists the settings document.
type SettingsRepository interface {
	// Load returns ErrNotFound when nothing has been saved yet.
	Load(ctx context.Context) (*settings.Settings, error)
	Save(ctx context.Context, s *settings.Settings) error
}
