package store

import (
	"bytes"
	"context"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"orchestra/internal/domain"
	"orchestra/internal/infra/config"
	"orchestra/internal/infra/logger"
)

// contextStore is the common surface both implementations expose.
type contextStore interface {
	domain.ContextStore
	CountInteractions(ctx context.Context, userID string) (int64, error)
}

func storesUnderTest(t *testing.T) map[string]contextStore {
	t.Helper()
	dir := t.TempDir()

	sq, err := NewSQLiteStore(filepath.Join(dir, "ctx.db"))
	require.NoError(t, err)
	t.Cleanup(func() { sq.Close() })

	db, err := OpenGormSQLite(filepath.Join(dir, "gorm.db"), logger.Discard())
	require.NoError(t, err)
	gs, err := NewGormStore(db)
	require.NoError(t, err)
	t.Cleanup(func() { gs.Close() })

	return map[string]contextStore{"sqlite": sq, "gorm": gs}
}

func TestBusinessContextUpsertAndGet(t *testing.T) {
	for name, s := range storesUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

			require.NoError(t, s.UpsertBusinessContext(ctx, domain.BusinessContext{
				EntityType:  "account",
				EntityID:    "42",
				Data:        map[string]any{"tier": "gold", "seats": float64(12)},
				LastUpdated: ts,
			}))

			got, err := s.GetBusinessContext(ctx, "account", "42")
			require.NoError(t, err)
			assert.Equal(t, "account", got.EntityType)
			assert.Equal(t, "42", got.EntityID)
			assert.Equal(t, map[string]any{"tier": "gold", "seats": float64(12)}, got.Data)
			assert.True(t, got.LastUpdated.Equal(ts), "LastUpdated = %v", got.LastUpdated)
		})
	}
}

func TestBusinessContextLastWriteWins(t *testing.T) {
	for name, s := range storesUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			require.NoError(t, s.UpsertBusinessContext(ctx, domain.BusinessContext{
				EntityType: "deal", EntityID: "d1", Data: map[string]any{"stage": "lead"},
			}))
			require.NoError(t, s.UpsertBusinessContext(ctx, domain.BusinessContext{
				EntityType: "deal", EntityID: "d1", Data: map[string]any{"stage": "won"},
			}))

			got, err := s.GetBusinessContext(ctx, "deal", "d1")
			require.NoError(t, err)
			assert.Equal(t, "won", got.Data["stage"])
		})
	}
}

func TestBusinessContextKeyedByTypeAndID(t *testing.T) {
	for name, s := range storesUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, s.UpsertBusinessContext(ctx, domain.BusinessContext{
				EntityType: "account", EntityID: "1", Data: map[string]any{"k": "account"},
			}))
			require.NoError(t, s.UpsertBusinessContext(ctx, domain.BusinessContext{
				EntityType: "contact", EntityID: "1", Data: map[string]any{"k": "contact"},
			}))

			got, err := s.GetBusinessContext(ctx, "contact", "1")
			require.NoError(t, err)
			assert.Equal(t, "contact", got.Data["k"])
		})
	}
}

func TestBusinessContextNotFound(t *testing.T) {
	for name, s := range storesUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			_, err := s.GetBusinessContext(context.Background(), "account", "missing")
			assert.ErrorIs(t, err, domain.ErrNotFound)
		})
	}
}

func TestAppendInteraction(t *testing.T) {
	for name, s := range storesUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			for _, id := range []string{"i1", "i2"} {
				require.NoError(t, s.AppendInteraction(ctx, domain.Interaction{
					ID:             id,
					UserID:         "u1",
					Channel:        "slack",
					QueryText:      "pipeline for Q3?",
					Intent:         "pipeline_report",
					ResponseText:   "3 deals",
					UserFeedback:   "helpful",
					OutcomeSuccess: true,
				}))
			}

			n, err := s.CountInteractions(ctx, "u1")
			require.NoError(t, err)
			assert.Equal(t, int64(2), n)
		})
	}
}

func TestAppendInteractionIsAppendOnly(t *testing.T) {
	for name, s := range storesUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			rec := domain.Interaction{ID: "dup", UserID: "u2"}
			require.NoError(t, s.AppendInteraction(ctx, rec))

			err := s.AppendInteraction(ctx, rec)
			assert.ErrorIs(t, err, domain.ErrDurableStore)
		})
	}
}

func TestClosedStoreReportsDurableError(t *testing.T) {
	for name, s := range storesUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, s.Close())

			err := s.UpsertBusinessContext(context.Background(), domain.BusinessContext{EntityType: "a", EntityID: "b"})
			assert.ErrorIs(t, err, domain.ErrDurableStore)

			_, err = s.GetBusinessContext(context.Background(), "a", "b")
			assert.ErrorIs(t, err, domain.ErrDurableStore)

			assert.ErrorIs(t, s.Ping(context.Background()), domain.ErrDurableStore)
		})
	}
}

func TestEnsureParam(t *testing.T) {
	tests := []struct {
		dsn, key, val, want string
	}{
		{"u:p@tcp(db)/x", "parseTime", "true", "u:p@tcp(db)/x?parseTime=true"},
		{"u:p@tcp(db)/x?loc=UTC", "parseTime", "true", "u:p@tcp(db)/x?loc=UTC&parseTime=true"},
		{"u:p@tcp(db)/x?parseTime=false", "parseTime", "true", "u:p@tcp(db)/x?parseTime=false"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ensureParam(tt.dsn, tt.key, tt.val))
	}
}

func TestOpen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "orchestra.db")
	s, err := Open(config.StoreConfig{Driver: "sqlite", SQLitePath: path}, logger.Discard())
	require.NoError(t, err)
	defer s.Close()
	assert.NoError(t, s.Ping(context.Background()))

	_, err = Open(config.StoreConfig{Driver: "oracle"}, logger.Discard())
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestGormLogsThroughSlog(t *testing.T) {
	var buf bytes.Buffer
	log := slog.New(slog.NewTextHandler(&buf, nil))

	db, err := OpenGormSQLite(filepath.Join(t.TempDir(), "gorm.db"), log)
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	t.Cleanup(func() { sqlDB.Close() })

	require.Error(t, db.Exec("SELECT * FROM no_such_table").Error)

	out := buf.String()
	assert.Contains(t, out, "level=WARN")
	assert.Contains(t, out, "no such table")
}
