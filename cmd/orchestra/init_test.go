package main

import (
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"orchestra/internal/adapter/redisclient"
	"orchestra/internal/domain"
	"orchestra/internal/infra/config"
	"orchestra/internal/infra/logger"
	"orchestra/pkg/agentsdk"
)

func testConfig(t *testing.T, mr *miniredis.Miniredis) *config.Config {
	t.Helper()
	cfg := config.Defaults()
	cfg.Redis.URL = "redis://" + mr.Addr() + "/0"
	cfg.Store.SQLitePath = filepath.Join(t.TempDir(), "data", "orchestra.db")
	cfg.Orchestrator.LivenessInterval = time.Hour
	return cfg
}

func TestBuildAppOverRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := testConfig(t, mr)
	cfg.Agents = []config.AgentConfig{{
		ID:               "static-1",
		Type:             "rules",
		PerformanceScore: 0.2,
		Capabilities:     []domain.AgentCapability{{Name: "classify"}},
	}}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := buildApp(ctx, cfg, logger.Discard())
	require.NoError(t, err)
	defer a.Close()
	require.NoError(t, a.Orchestrator.Start(ctx))
	defer a.Orchestrator.Stop()

	// An out-of-process agent on its own connection.
	agentConn := redisclient.Wrap(goredis.NewClient(&goredis.Options{Addr: mr.Addr()}))
	defer agentConn.Close()
	worker := agentsdk.New("remote-1", "llm", agentsdk.WithLogger(logger.Discard()), agentsdk.WithScore(0.9))
	worker.RegisterCapability(agentsdk.Capability{Name: "summarize"}, func(_ context.Context, task agentsdk.Task) (map[string]any, error) {
		return map[string]any{"summary": strings.ToUpper(task.Payload["text"].(string))}, nil
	})
	go func() { _ = worker.Run(ctx, agentConn) }()

	require.Eventually(t, func() bool {
		_, ok := a.Registry.GetAgent("remote-1")
		return ok
	}, 3*time.Second, 10*time.Millisecond)

	id, err := a.Orchestrator.SubmitTask(ctx, "summarize", domain.TaskPayload{"text": "pipeline"}, 3, nil)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		task, _ := a.Orchestrator.TaskStatus(id)
		return task.Status == domain.TaskStatusCompleted
	}, 3*time.Second, 10*time.Millisecond)

	task, _ := a.Orchestrator.TaskStatus(id)
	assert.Equal(t, "PIPELINE", task.Result["summary"])

	// Registry mirror lands in the Redis hash.
	a.Registry.Flush()
	raw := mr.HGet(cfg.Registry.MirrorKey, "static-1")
	require.NotEmpty(t, raw)
	var mirrored domain.AgentInfo
	require.NoError(t, json.Unmarshal([]byte(raw), &mirrored))
	assert.Equal(t, "rules", mirrored.Type)

	// Business context goes through SQLite and the Redis cache.
	require.NoError(t, a.Contexts.StoreBusinessContext(ctx, "account", "42", map[string]any{"tier": "gold"}))
	assert.True(t, mr.Exists("business:account:42"))
	mr.FastForward(time.Hour)
	got, ok, err := a.Contexts.GetBusinessContext(ctx, "account", "42")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "gold", got["tier"])
}

func TestBuildAppMemoryTransport(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := testConfig(t, mr)
	cfg.Bus.Transport = "memory"
	ctx := context.Background()

	a, err := buildApp(ctx, cfg, logger.Discard())
	require.NoError(t, err)
	require.NoError(t, a.Orchestrator.Start(ctx))

	id, err := a.Orchestrator.SubmitTask(ctx, "summarize", nil, 0, nil)
	require.NoError(t, err)
	task, _ := a.Orchestrator.TaskStatus(id)
	assert.Equal(t, domain.TaskStatusFailed, task.Status)

	a.Orchestrator.Stop()
	assert.NoError(t, a.Close())
	assert.NoError(t, a.Close(), "second close is a no-op")
}

func TestBuildAppRedisDown(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := testConfig(t, mr)
	mr.Close()

	_, err := buildApp(context.Background(), cfg, logger.Discard())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "redis ping")
}

func TestBuildAppBadStore(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := testConfig(t, mr)
	cfg.Store.Driver = "postgres"

	_, err := buildApp(context.Background(), cfg, logger.Discard())
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestRunEncrypt(t *testing.T) {
	t.Setenv("ORCHESTRA_CONFIG_KEY", "")
	assert.Error(t, runEncrypt([]string{"secret"}), "missing passphrase")

	t.Setenv("ORCHESTRA_CONFIG_KEY", "master")
	assert.Error(t, runEncrypt(nil), "missing value")
	assert.NoError(t, runEncrypt([]string{"secret"}))
}

func TestNodeID(t *testing.T) {
	cfg := config.Defaults()
	cfg.Orchestrator.NodeID = "orch-a"
	assert.Equal(t, "orch-a", nodeID(cfg))

	cfg.Orchestrator.NodeID = ""
	assert.NotEmpty(t, nodeID(cfg))
}
