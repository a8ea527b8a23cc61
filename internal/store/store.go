// Package store implements the postgres read/write contracts the dispatch
// engine needs: provider settings, the provider event log, pending
// schedules, subscribers, newsletters, and aggregate send counters.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/weblisite/newsletterfy-sub000/internal/provider"
)

// Store wraps the postgres connection pool.
type Store struct {
	db *sql.DB
}

// New creates a store over an existing connection pool.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// Open connects to postgres with the pool settings the dispatcher uses.
func Open(databaseURL string) (*Store, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)
	db.SetConnMaxIdleTime(1 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the underlying pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the pool for collaborators that need raw access, such as
// the advisory tick lock.
func (s *Store) DB() *sql.DB {
	return s.db
}

// LoadProviderSettings reads the persisted provider selection. Returns
// (nil, nil) when no settings row exists yet.
func (s *Store) LoadProviderSettings(ctx context.Context) (*provider.Settings, error) {
	var out provider.Settings
	var previous sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT active_provider, previous_provider, fallback_enabled
		FROM provider_settings
		WHERE id = 1
	`).Scan(&out.ActiveProvider, &previous, &out.FallbackEnabled)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	out.PreviousProvider = previous.String
	return &out, nil
}

// SaveProviderSettings upserts the single provider settings row. The
// previous provider id is kept for audit.
func (s *Store) SaveProviderSettings(ctx context.Context, settings *provider.Settings) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO provider_settings (id, active_provider, previous_provider, fallback_enabled, updated_at)
		VALUES (1, $1, $2, $3, NOW())
		ON CONFLICT (id) DO UPDATE
		SET active_provider = $1, previous_provider = $2, fallback_enabled = $3, updated_at = NOW()
	`, settings.ActiveProvider, settings.PreviousProvider, settings.FallbackEnabled)
	return err
}

// RecordProviderEvent appends one record to the provider event log. The
// log is observability only; the engine never reads it back.
func (s *Store) RecordProviderEvent(ctx context.Context, ev *provider.Event) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO provider_events (id, provider, category, recipient, subject, detail, success, error, response_time_ms, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NOW())
	`, uuid.New(), ev.Provider, ev.Category, ev.Recipient, ev.Subject, ev.Detail, ev.Success, ev.Error, ev.ResponseTimeMs)
	return err
}

// IncrementSentCount adds sent to a newsletter's cumulative counter and
// stamps last-sent-at. Counters are only ever incremented.
func (s *Store) IncrementSentCount(ctx context.Context, newsletterID uuid.UUID, sent int) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE newsletters
		SET sent_count = sent_count + $2, last_sent_at = NOW(), updated_at = NOW()
		WHERE id = $1
	`, newsletterID, sent)
	return err
}
