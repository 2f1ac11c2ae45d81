package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"orchestra/internal/domain"
)

// Mirror is the durable copy of the registry. It is a rebuild hint, never
// consulted for routing.
type Mirror interface {
	Save(ctx context.Context, info domain.AgentInfo) error
	Load(ctx context.Context) ([]domain.AgentInfo, error)
}

// HashClient is the subset of a key-value store the Redis mirror needs.
type HashClient interface {
	HSet(ctx context.Context, key, field, value string) error
	HGetAll(ctx context.Context, key string) (map[string]string, error)
}

// RedisMirror stores each agent as JSON in one hash field keyed by agent id.
type RedisMirror struct {
	client HashClient
	key    string
	logger *slog.Logger
}

// NewRedisMirror creates a mirror on hash key.
func NewRedisMirror(client HashClient, key string, logger *slog.Logger) *RedisMirror {
	if key == "" {
		key = "agents:registry"
	}
	return &RedisMirror{client: client, key: key, logger: logger}
}

// Save writes one agent snapshot.
func (m *RedisMirror) Save(ctx context.Context, info domain.AgentInfo) error {
	data, err := json.Marshal(info)
	if err != nil {
		return fmt.Errorf("encode agent %s: %w", info.ID, err)
	}
	return m.client.HSet(ctx, m.key, info.ID, string(data))
}

// Load reads every agent snapshot. Malformed entries are logged and skipped
// so that one bad field cannot block a restart.
func (m *RedisMirror) Load(ctx context.Context) ([]domain.AgentInfo, error) {
	raw, err := m.client.HGetAll(ctx, m.key)
	if err != nil {
		return nil, fmt.Errorf("read mirror %s: %w", m.key, err)
	}
	out := make([]domain.AgentInfo, 0, len(raw))
	for field, value := range raw {
		var info domain.AgentInfo
		if err := json.Unmarshal([]byte(value), &info); err != nil {
			m.logger.Warn("skipping malformed mirror entry", "agent_id", field, "error", err)
			continue
		}
		if info.ID == "" {
			info.ID = field
		}
		if info.ID != field {
			m.logger.Warn("skipping mirror entry with mismatched id", "field", field, "agent_id", info.ID)
			continue
		}
		out = append(out, info)
	}
	return out, nil
}
