// Package contextmgr caches conversation and business-entity context in
// front of the durable relational store.
package contextmgr

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/oklog/ulid/v2"

	"orchestra/internal/domain"
	"orchestra/internal/infra/tracer"
)

// Cache is a string key-value store with per-key expiry. Get returns
// domain.ErrNotFound for a missing or expired key.
type Cache interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key string, value string, ttl time.Duration) error
	Del(ctx context.Context, keys ...string) error
}

// Default lifetimes.
const (
	DefaultConversationTTL = time.Hour
	DefaultBusinessTTL     = 30 * time.Minute
)

// Config holds cache lifetimes and an optional key prefix.
type Config struct {
	ConversationTTL time.Duration
	BusinessTTL     time.Duration
	KeyPrefix       string
}

// Manager reads through and writes through the cache. The durable store is
// authoritative for business context; conversation context lives only in
// the cache.
type Manager struct {
	cache  Cache
	store  domain.ContextStore
	cfg    Config
	logger *slog.Logger
	now    func() time.Time
}

// New creates a manager.
func New(cache Cache, store domain.ContextStore, cfg Config, logger *slog.Logger) *Manager {
	if cfg.ConversationTTL <= 0 {
		cfg.ConversationTTL = DefaultConversationTTL
	}
	if cfg.BusinessTTL <= 0 {
		cfg.BusinessTTL = DefaultBusinessTTL
	}
	return &Manager{cache: cache, store: store, cfg: cfg, logger: logger, now: time.Now}
}

func (m *Manager) conversationKey(userID, conversationID string) string {
	return m.key("conversation:" + userID + ":" + conversationID)
}

func (m *Manager) businessKey(entityType, entityID string) string {
	return m.key("business:" + entityType + ":" + entityID)
}

func (m *Manager) key(k string) string {
	if m.cfg.KeyPrefix == "" {
		return k
	}
	return m.cfg.KeyPrefix + ":" + k
}

// StoreConversationContext caches data for one conversation. There is no
// durable copy, so a cache failure is returned.
func (m *Manager) StoreConversationContext(ctx context.Context, userID, conversationID string, data map[string]any) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("encode conversation context: %w", err)
	}
	if err := m.cache.Set(ctx, m.conversationKey(userID, conversationID), string(raw), m.cfg.ConversationTTL); err != nil {
		return fmt.Errorf("store conversation context: %w: %w", domain.ErrCache, err)
	}
	return nil
}

// GetConversationContext returns the cached conversation context. A miss or
// an expired entry reports false; nothing is reconstructed.
func (m *Manager) GetConversationContext(ctx context.Context, userID, conversationID string) (map[string]any, bool, error) {
	key := m.conversationKey(userID, conversationID)
	data, ok, err := m.readCache(ctx, key)
	if err != nil {
		return nil, false, fmt.Errorf("get conversation context: %w: %w", domain.ErrCache, err)
	}
	return data, ok, nil
}

// StoreBusinessContext upserts the durable row (last write wins) and then
// refreshes the cache. A durable failure is returned and the cache is left
// alone; a cache refresh failure is only logged.
func (m *Manager) StoreBusinessContext(ctx context.Context, entityType, entityID string, data map[string]any) (err error) {
	ctx, span := tracer.StartSpan(ctx, "contextmgr.store_business_context",
		tracer.StringAttr("orchestra.entity_type", entityType))
	defer func() { tracer.End(span, err) }()

	bc := domain.BusinessContext{
		EntityType:  entityType,
		EntityID:    entityID,
		Data:        data,
		LastUpdated: m.now().UTC(),
	}
	if err := m.store.UpsertBusinessContext(ctx, bc); err != nil {
		return domain.WrapOp("store business context", err)
	}
	m.refresh(ctx, m.businessKey(entityType, entityID), data)
	return nil
}

// GetBusinessContext returns the business context for (entityType, entityID).
// A cache hit returns immediately; a miss reads the durable store and
// repopulates the cache. A durable miss reports false.
func (m *Manager) GetBusinessContext(ctx context.Context, entityType, entityID string) (_ map[string]any, _ bool, err error) {
	ctx, span := tracer.StartSpan(ctx, "contextmgr.get_business_context",
		tracer.StringAttr("orchestra.entity_type", entityType))
	defer func() { tracer.End(span, err) }()

	key := m.businessKey(entityType, entityID)
	data, ok, cerr := m.readCache(ctx, key)
	if cerr != nil {
		m.logger.Warn("business context cache read failed, using durable store", "key", key, "error", cerr)
	}
	if ok {
		span.SetAttributes(tracer.StringAttr("orchestra.source", "cache"))
		return data, true, nil
	}

	bc, err := m.store.GetBusinessContext(ctx, entityType, entityID)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, domain.WrapOp("get business context", err)
	}
	span.SetAttributes(tracer.StringAttr("orchestra.source", "durable"))
	m.refresh(ctx, key, bc.Data)
	return bc.Data, true, nil
}

// InvalidateBusinessContext drops the cached copy; the durable row stays.
func (m *Manager) InvalidateBusinessContext(ctx context.Context, entityType, entityID string) error {
	if err := m.cache.Del(ctx, m.businessKey(entityType, entityID)); err != nil {
		return fmt.Errorf("invalidate business context: %w: %w", domain.ErrCache, err)
	}
	return nil
}

// UpdateLearningContext appends one interaction record and returns its id.
// An empty interactionID gets a fresh ULID.
func (m *Manager) UpdateLearningContext(ctx context.Context, interactionID string, outcome domain.InteractionOutcome, feedback string) (string, error) {
	if interactionID == "" {
		interactionID = ulid.Make().String()
	}
	rec := domain.Interaction{
		ID:             interactionID,
		UserID:         outcome.UserID,
		Channel:        outcome.Channel,
		QueryText:      outcome.QueryText,
		Intent:         outcome.Intent,
		ResponseText:   outcome.ResponseText,
		UserFeedback:   feedback,
		OutcomeSuccess: outcome.Success,
		CreatedAt:      m.now().UTC(),
	}
	if err := m.store.AppendInteraction(ctx, rec); err != nil {
		return "", domain.WrapOp("update learning context", err)
	}
	return interactionID, nil
}

// Ping checks the durable store.
func (m *Manager) Ping(ctx context.Context) error {
	return m.store.Ping(ctx)
}

func (m *Manager) readCache(ctx context.Context, key string) (map[string]any, bool, error) {
	raw, err := m.cache.Get(ctx, key)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	var data map[string]any
	if err := json.Unmarshal([]byte(raw), &data); err != nil {
		m.logger.Warn("dropping undecodable cache entry", "key", key, "error", err)
		_ = m.cache.Del(ctx, key)
		return nil, false, nil
	}
	return data, true, nil
}

func (m *Manager) refresh(ctx context.Context, key string, data map[string]any) {
	raw, err := json.Marshal(data)
	if err == nil {
		err = m.cache.Set(ctx, key, string(raw), m.cfg.BusinessTTL)
	}
	if err != nil {
		m.logger.Warn("business context cache refresh failed", "key", key, "error", err)
	}
}
