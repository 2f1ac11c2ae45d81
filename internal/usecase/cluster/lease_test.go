package cluster

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"

	"orchestra/internal/adapter/redisclient"
	"orchestra/internal/domain"
	"orchestra/internal/infra/logger"
)

// --- Mock KV ---

type mockKV struct {
	mu     sync.Mutex
	store  map[string]string
	expiry map[string]time.Duration
	getErr error
	delErr error
}

func newMockKV() *mockKV {
	return &mockKV{
		store:  make(map[string]string),
		expiry: make(map[string]time.Duration),
	}
}

func (m *mockKV) SetNX(_ context.Context, key, value string, exp time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.store[key]; exists {
		return false, nil
	}
	m.store[key] = value
	m.expiry[key] = exp
	return true, nil
}

func (m *mockKV) Get(_ context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.getErr != nil {
		return "", m.getErr
	}
	v, ok := m.store[key]
	if !ok {
		return "", domain.ErrNotFound
	}
	return v, nil
}

func (m *mockKV) DelIfEqual(_ context.Context, key, value string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.delErr != nil {
		return false, m.delErr
	}
	if v, ok := m.store[key]; !ok || v != value {
		return false, nil
	}
	delete(m.store, key)
	delete(m.expiry, key)
	return true, nil
}

// expire simulates the TTL running out.
func (m *mockKV) expire(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.store, key)
	delete(m.expiry, key)
}

// --- Tests ---

func TestTryAcquire(t *testing.T) {
	kv := newMockKV()
	lease := NewLease(kv, "agents:registry:lease", "node-1", time.Minute, logger.Discard())
	ctx := context.Background()

	got, err := lease.TryAcquire(ctx)
	if err != nil {
		t.Fatalf("TryAcquire: %v", err)
	}
	if !got {
		t.Error("expected to acquire lease")
	}
	if kv.expiry["agents:registry:lease"] != time.Minute {
		t.Errorf("ttl = %v, want 1m", kv.expiry["agents:registry:lease"])
	}

	// Holder asking again still holds it.
	got, err = lease.TryAcquire(ctx)
	if err != nil {
		t.Fatalf("TryAcquire second: %v", err)
	}
	if !got {
		t.Error("holder should keep the lease")
	}
}

func TestTryAcquire_DifferentNodes(t *testing.T) {
	kv := newMockKV()
	node1 := NewLease(kv, "k", "node-1", 0, logger.Discard())
	node2 := NewLease(kv, "k", "node-2", 0, logger.Discard())
	ctx := context.Background()

	if ok, _ := node1.TryAcquire(ctx); !ok {
		t.Fatal("node-1 should acquire the lease")
	}
	if ok, _ := node2.TryAcquire(ctx); ok {
		t.Fatal("node-2 should NOT acquire a lease held by node-1")
	}
}

func TestTryAcquire_ReadError(t *testing.T) {
	kv := newMockKV()
	other := NewLease(kv, "k", "node-2", 0, logger.Discard())
	lease := NewLease(kv, "k", "node-1", 0, logger.Discard())
	ctx := context.Background()
	other.TryAcquire(ctx)

	kv.getErr = errors.New("connection reset")
	ok, err := lease.TryAcquire(ctx)
	if err == nil {
		t.Fatal("expected error")
	}
	if ok {
		t.Error("lease must not be reported held on error")
	}
}

func TestRelease(t *testing.T) {
	kv := newMockKV()
	node1 := NewLease(kv, "k", "node-1", 0, logger.Discard())
	node2 := NewLease(kv, "k", "node-2", 0, logger.Discard())
	ctx := context.Background()

	node1.TryAcquire(ctx)
	if err := node1.Release(ctx); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if ok, _ := node2.TryAcquire(ctx); !ok {
		t.Error("expected node-2 to acquire after release")
	}
}

func TestRelease_NotOwner(t *testing.T) {
	kv := newMockKV()
	node1 := NewLease(kv, "k", "node-1", 0, logger.Discard())
	node2 := NewLease(kv, "k", "node-2", 0, logger.Discard())
	ctx := context.Background()

	node1.TryAcquire(ctx)
	if err := node2.Release(ctx); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if ok, _ := node2.TryAcquire(ctx); ok {
		t.Error("node-2 should not acquire a lease it could not release")
	}
}

func TestRelease_NotHeld(t *testing.T) {
	lease := NewLease(newMockKV(), "k", "node-1", 0, logger.Discard())
	if err := lease.Release(context.Background()); err != nil {
		t.Fatalf("Release of a free lease: %v", err)
	}
}

func TestRelease_AfterExpiryAndRetake(t *testing.T) {
	kv := newMockKV()
	node1 := NewLease(kv, "k", "node-1", 0, logger.Discard())
	node2 := NewLease(kv, "k", "node-2", 0, logger.Discard())
	ctx := context.Background()

	node1.TryAcquire(ctx)
	kv.expire("k")
	if ok, _ := node2.TryAcquire(ctx); !ok {
		t.Fatal("node-2 should take the expired lease")
	}
	if err := node1.Release(ctx); err != nil {
		t.Fatalf("stale Release: %v", err)
	}
	if owner, _ := kv.Get(ctx, "k"); owner != "node-2" {
		t.Errorf("owner = %q, want node-2 to keep the lease", owner)
	}
}

func TestRelease_Error(t *testing.T) {
	kv := newMockKV()
	lease := NewLease(kv, "k", "node-1", 0, logger.Discard())
	ctx := context.Background()
	lease.TryAcquire(ctx)

	kv.delErr = errors.New("connection reset")
	if err := lease.Release(ctx); err == nil {
		t.Fatal("expected error")
	}
}

func TestDefaultTTL(t *testing.T) {
	lease := NewLease(newMockKV(), "k", "n1", 0, logger.Discard())
	if lease.ttl != DefaultTTL {
		t.Errorf("ttl = %v, want %v", lease.ttl, DefaultTTL)
	}
	if lease.NodeID() != "n1" || lease.Key() != "k" {
		t.Errorf("lease = %q/%q", lease.NodeID(), lease.Key())
	}
}

func TestLeaseExpiresInRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redisclient.Wrap(goredis.NewClient(&goredis.Options{Addr: mr.Addr()}))
	t.Cleanup(func() { rdb.Close() })
	ctx := context.Background()

	node1 := NewLease(rdb, "orchestra:lease", "node-1", 10*time.Second, logger.Discard())
	node2 := NewLease(rdb, "orchestra:lease", "node-2", 10*time.Second, logger.Discard())

	if ok, err := node1.TryAcquire(ctx); err != nil || !ok {
		t.Fatalf("node-1 acquire = %v, %v", ok, err)
	}
	if ok, _ := node2.TryAcquire(ctx); ok {
		t.Fatal("node-2 acquired a held lease")
	}

	mr.FastForward(11 * time.Second)
	if ok, err := node2.TryAcquire(ctx); err != nil || !ok {
		t.Fatalf("node-2 acquire after expiry = %v, %v", ok, err)
	}
	if owner, _ := mr.Get("orchestra:lease"); owner != "node-2" {
		t.Errorf("owner = %q, want node-2", owner)
	}
}

func TestReleaseInRedisKeepsRetakenLease(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redisclient.Wrap(goredis.NewClient(&goredis.Options{Addr: mr.Addr()}))
	t.Cleanup(func() { rdb.Close() })
	ctx := context.Background()

	node1 := NewLease(rdb, "orchestra:lease", "node-1", 10*time.Second, logger.Discard())
	node2 := NewLease(rdb, "orchestra:lease", "node-2", 10*time.Second, logger.Discard())

	if ok, err := node1.TryAcquire(ctx); err != nil || !ok {
		t.Fatalf("node-1 acquire = %v, %v", ok, err)
	}
	mr.FastForward(11 * time.Second)
	if ok, err := node2.TryAcquire(ctx); err != nil || !ok {
		t.Fatalf("node-2 acquire after expiry = %v, %v", ok, err)
	}

	if err := node1.Release(ctx); err != nil {
		t.Fatalf("stale Release: %v", err)
	}
	if owner, _ := mr.Get("orchestra:lease"); owner != "node-2" {
		t.Errorf("owner = %q, want node-2", owner)
	}

	if err := node2.Release(ctx); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if mr.Exists("orchestra:lease") {
		t.Error("holder release should delete the key")
	}
}
