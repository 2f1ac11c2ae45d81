package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"orchestra/internal/domain"
)

// SQLiteStore implements domain.ContextStore on a pure-Go SQLite file.
type SQLiteStore struct {
	db *sql.DB
}

var _ domain.ContextStore = (*SQLiteStore)(nil)

// NewSQLiteStore opens (or creates) a SQLite database at dbPath and runs
// the schema migration.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open context db: %w", err)
	}
	// WAL mode for better concurrent reads.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate context db: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func migrate(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS business_contexts (
			entity_type  TEXT NOT NULL,
			entity_id    TEXT NOT NULL,
			context_data TEXT NOT NULL DEFAULT '{}',
			last_updated TEXT NOT NULL,
			PRIMARY KEY (entity_type, entity_id)
		);
		CREATE TABLE IF NOT EXISTS interaction_history (
			interaction_id  TEXT PRIMARY KEY,
			user_id         TEXT NOT NULL,
			channel         TEXT NOT NULL DEFAULT '',
			query_text      TEXT NOT NULL DEFAULT '',
			intent          TEXT NOT NULL DEFAULT '',
			response_text   TEXT NOT NULL DEFAULT '',
			user_feedback   TEXT NOT NULL DEFAULT '',
			outcome_success INTEGER NOT NULL DEFAULT 0,
			created_at      TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_interaction_user ON interaction_history (user_id);
	`)
	return err
}

// UpsertBusinessContext inserts or replaces the row for (type, id).
func (s *SQLiteStore) UpsertBusinessContext(ctx context.Context, bc domain.BusinessContext) error {
	data, err := json.Marshal(bc.Data)
	if err != nil {
		return fmt.Errorf("marshal context data: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO business_contexts (entity_type, entity_id, context_data, last_updated)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (entity_type, entity_id) DO UPDATE SET
			context_data = excluded.context_data,
			last_updated = excluded.last_updated`,
		bc.EntityType, bc.EntityID, string(data), stamp(bc.LastUpdated).Format(time.RFC3339Nano),
	)
	return domain.DurableStore("upsert business context", err)
}

// GetBusinessContext loads the row for (type, id) or returns domain.ErrNotFound.
func (s *SQLiteStore) GetBusinessContext(ctx context.Context, entityType, entityID string) (*domain.BusinessContext, error) {
	var raw, updated string
	err := s.db.QueryRowContext(ctx,
		"SELECT context_data, last_updated FROM business_contexts WHERE entity_type = ? AND entity_id = ?",
		entityType, entityID,
	).Scan(&raw, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, domain.DurableStore("get business context", err)
	}
	ts, err := time.Parse(time.RFC3339Nano, updated)
	if err != nil {
		return nil, domain.DurableStore("parse last_updated", err)
	}
	return decodeBusinessContext(entityType, entityID, raw, ts)
}

// AppendInteraction inserts one learning record.
func (s *SQLiteStore) AppendInteraction(ctx context.Context, rec domain.Interaction) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO interaction_history
			(interaction_id, user_id, channel, query_text, intent, response_text, user_feedback, outcome_success, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.UserID, rec.Channel, rec.QueryText, rec.Intent, rec.ResponseText,
		rec.UserFeedback, rec.OutcomeSuccess, stamp(rec.CreatedAt).Format(time.RFC3339Nano),
	)
	return domain.DurableStore("append interaction", err)
}

// CountInteractions returns how many learning records exist for userID.
func (s *SQLiteStore) CountInteractions(ctx context.Context, userID string) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM interaction_history WHERE user_id = ?", userID).Scan(&n)
	return n, domain.DurableStore("count interactions", err)
}

// Ping checks the database connection.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return domain.DurableStore("ping", s.db.PingContext(ctx))
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
