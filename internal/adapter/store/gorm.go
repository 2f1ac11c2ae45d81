// Package store holds the durable relational stores behind the context
// manager.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"gorm.io/driver/mysql"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"orchestra/internal/domain"
)

// businessContextRow is the row shape of business_contexts.
type businessContextRow struct {
	EntityType  string    `gorm:"column:entity_type;primaryKey;size:64"`
	EntityID    string    `gorm:"column:entity_id;primaryKey;size:191"`
	ContextData string    `gorm:"column:context_data;type:text"`
	LastUpdated time.Time `gorm:"column:last_updated;index"`
}

// TableName implements gorm's tabler interface.
func (businessContextRow) TableName() string { return "business_contexts" }

// interactionRow is the row shape of interaction_history.
type interactionRow struct {
	InteractionID  string    `gorm:"column:interaction_id;primaryKey;size:64"`
	UserID         string    `gorm:"column:user_id;size:128;index"`
	Channel        string    `gorm:"column:channel;size:64"`
	QueryText      string    `gorm:"column:query_text;type:text"`
	Intent         string    `gorm:"column:intent;size:128"`
	ResponseText   string    `gorm:"column:response_text;type:text"`
	UserFeedback   string    `gorm:"column:user_feedback;type:text"`
	OutcomeSuccess bool      `gorm:"column:outcome_success"`
	CreatedAt      time.Time `gorm:"column:created_at;index"`
}

// TableName implements gorm's tabler interface.
func (interactionRow) TableName() string { return "interaction_history" }

// GormStore implements domain.ContextStore on gorm.
type GormStore struct {
	db *gorm.DB
}

var _ domain.ContextStore = (*GormStore)(nil)

// ConnectMySQL opens a MySQL connection, making sure the DSN parses
// timestamps and uses utf8mb4. gorm's warnings and slow queries go to log.
func ConnectMySQL(dsn string, log *slog.Logger) (*gorm.DB, error) {
	dsn = ensureParam(dsn, "parseTime", "true")
	if !strings.Contains(dsn, "charset=") {
		dsn = ensureParam(dsn, "charset", "utf8mb4")
		dsn = ensureParam(dsn, "collation", "utf8mb4_unicode_ci")
	}
	return gorm.Open(mysql.Open(dsn), &gorm.Config{Logger: gormLogger(log)})
}

// OpenGormSQLite opens a SQLite database through gorm. Used for tests and
// single-node development.
func OpenGormSQLite(path string, log *slog.Logger) (*gorm.DB, error) {
	return gorm.Open(sqlite.Open(path), &gorm.Config{Logger: gormLogger(log)})
}

// gormLogger bridges gorm's printf logger onto log at warn level.
func gormLogger(log *slog.Logger) logger.Interface {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return logger.New(
		slog.NewLogLogger(log.Handler(), slog.LevelWarn),
		logger.Config{SlowThreshold: time.Second, LogLevel: logger.Warn, IgnoreRecordNotFoundError: true, Colorful: false},
	)
}

func ensureParam(dsn, key, val string) string {
	if strings.Contains(dsn, key+"=") {
		return dsn
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return dsn + sep + key + "=" + val
}

// NewGormStore migrates the schema and returns the store.
func NewGormStore(db *gorm.DB) (*GormStore, error) {
	if err := db.AutoMigrate(&businessContextRow{}, &interactionRow{}); err != nil {
		return nil, fmt.Errorf("migrate context tables: %w", err)
	}
	return &GormStore{db: db}, nil
}

// UpsertBusinessContext inserts or replaces the row for (type, id).
func (s *GormStore) UpsertBusinessContext(ctx context.Context, bc domain.BusinessContext) error {
	data, err := json.Marshal(bc.Data)
	if err != nil {
		return fmt.Errorf("marshal context data: %w", err)
	}
	row := businessContextRow{
		EntityType:  bc.EntityType,
		EntityID:    bc.EntityID,
		ContextData: string(data),
		LastUpdated: stamp(bc.LastUpdated),
	}
	err = s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "entity_type"}, {Name: "entity_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"context_data", "last_updated"}),
	}).Create(&row).Error
	return domain.DurableStore("upsert business context", err)
}

// GetBusinessContext loads the row for (type, id) or returns domain.ErrNotFound.
func (s *GormStore) GetBusinessContext(ctx context.Context, entityType, entityID string) (*domain.BusinessContext, error) {
	var row businessContextRow
	err := s.db.WithContext(ctx).
		Where("entity_type = ? AND entity_id = ?", entityType, entityID).
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, domain.DurableStore("get business context", err)
	}
	return decodeBusinessContext(row.EntityType, row.EntityID, row.ContextData, row.LastUpdated)
}

// AppendInteraction inserts one learning record. Records are never updated.
func (s *GormStore) AppendInteraction(ctx context.Context, rec domain.Interaction) error {
	row := interactionRow{
		InteractionID:  rec.ID,
		UserID:         rec.UserID,
		Channel:        rec.Channel,
		QueryText:      rec.QueryText,
		Intent:         rec.Intent,
		ResponseText:   rec.ResponseText,
		UserFeedback:   rec.UserFeedback,
		OutcomeSuccess: rec.OutcomeSuccess,
		CreatedAt:      stamp(rec.CreatedAt),
	}
	return domain.DurableStore("append interaction", s.db.WithContext(ctx).Create(&row).Error)
}

// CountInteractions returns how many learning records exist for userID.
func (s *GormStore) CountInteractions(ctx context.Context, userID string) (int64, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&interactionRow{}).Where("user_id = ?", userID).Count(&n).Error
	return n, domain.DurableStore("count interactions", err)
}

// Ping checks the database connection.
func (s *GormStore) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return domain.DurableStore("ping", err)
	}
	return domain.DurableStore("ping", sqlDB.PingContext(ctx))
}

// Close closes the underlying connection pool.
func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func decodeBusinessContext(entityType, entityID, raw string, updated time.Time) (*domain.BusinessContext, error) {
	bc := &domain.BusinessContext{EntityType: entityType, EntityID: entityID, LastUpdated: updated}
	if raw != "" {
		if err := json.Unmarshal([]byte(raw), &bc.Data); err != nil {
			return nil, domain.DurableStore("decode context data", err)
		}
	}
	return bc, nil
}

func stamp(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t.UTC()
}
