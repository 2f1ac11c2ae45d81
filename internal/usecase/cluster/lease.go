// Package cluster coordinates orchestrator instances that share one Redis.
package cluster

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"orchestra/internal/domain"
)

// KV is the Redis surface a lease needs.
type KV interface {
	// SetNX sets key to value if it does not exist. Returns true if set.
	SetNX(ctx context.Context, key string, value string, expiration time.Duration) (bool, error)
	// Get returns domain.ErrNotFound for a missing key.
	Get(ctx context.Context, key string) (string, error)
	// DelIfEqual deletes key only while it holds value, atomically.
	DelIfEqual(ctx context.Context, key, value string) (bool, error)
}

// DefaultTTL applies when a lease is created without one.
const DefaultTTL = 30 * time.Second

// Lease is a best-effort exclusive claim on a key, owned by one node. It is
// not renewed; the holder keeps it until the TTL runs out or it releases.
type Lease struct {
	client KV
	key    string
	nodeID string
	ttl    time.Duration
	logger *slog.Logger
}

// NewLease creates a lease on key for nodeID.
func NewLease(client KV, key, nodeID string, ttl time.Duration, logger *slog.Logger) *Lease {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Lease{client: client, key: key, nodeID: nodeID, ttl: ttl, logger: logger}
}

// NodeID returns the owner token this lease writes.
func (l *Lease) NodeID() string { return l.nodeID }

// Key returns the leased key.
func (l *Lease) Key() string { return l.key }

// TryAcquire claims the lease. It reports true when this node now holds it,
// including when it already did.
func (l *Lease) TryAcquire(ctx context.Context) (bool, error) {
	ok, err := l.client.SetNX(ctx, l.key, l.nodeID, l.ttl)
	if err != nil {
		return false, fmt.Errorf("acquire lease %s: %w", l.key, err)
	}
	if ok {
		l.logger.Debug("lease acquired", "key", l.key, "node", l.nodeID)
		return true, nil
	}
	owner, err := l.client.Get(ctx, l.key)
	if errors.Is(err, domain.ErrNotFound) {
		// Expired between the two calls; the next attempt will take it.
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("read lease %s: %w", l.key, err)
	}
	return owner == l.nodeID, nil
}

// Release drops the lease if this node holds it. The ownership check and
// the delete run as one step, so a lease retaken by another node after this
// one expired is left alone.
func (l *Lease) Release(ctx context.Context) error {
	deleted, err := l.client.DelIfEqual(ctx, l.key, l.nodeID)
	if err != nil {
		return fmt.Errorf("release lease %s: %w", l.key, err)
	}
	if !deleted {
		l.logger.Debug("skipping lease release (not owner)", "key", l.key, "node", l.nodeID)
		return nil
	}
	l.logger.Debug("lease released", "key", l.key, "node", l.nodeID)
	return nil
}
