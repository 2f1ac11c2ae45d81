package config

import (
	"errors"
	"strings"
	"testing"
	"time"

	"orchestra/internal/domain"
)

func TestValidateDefaultsPass(t *testing.T) {
	if err := Validate(Defaults()); err != nil {
		t.Fatalf("Defaults should pass validation: %v", err)
	}
}

func TestValidateSingleField(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"log level", func(c *Config) { c.Logger.Level = "loud" }, `logger.level "loud"`},
		{"log format", func(c *Config) { c.Logger.Format = "xml" }, "logger.format"},
		{"tracer exporter", func(c *Config) { c.Tracer.Enabled = true; c.Tracer.Exporter = "zipkin" }, "tracer.exporter"},
		{"redis url empty", func(c *Config) { c.Redis.URL = "" }, "redis.url is required"},
		{"redis url scheme", func(c *Config) { c.Redis.URL = "http://localhost" }, "redis:// or rediss://"},
		{"mysql dsn", func(c *Config) { c.Store.Driver = "mysql"; c.Store.DSN = "" }, "store.dsn is required"},
		{"sqlite path", func(c *Config) { c.Store.SQLitePath = "" }, "store.sqlite_path is required"},
		{"store driver", func(c *Config) { c.Store.Driver = "postgres" }, `store.driver "postgres"`},
		{"bus transport", func(c *Config) { c.Bus.Transport = "nats" }, `bus.transport "nats"`},
		{"topic prefix", func(c *Config) { c.Bus.TopicPrefix = "" }, "bus.topic_prefix"},
		{"same topics", func(c *Config) { c.Bus.StatusTopic = c.Bus.ResultsTopic }, "must differ"},
		{"max load zero", func(c *Config) { c.Registry.MaxLoad = 0 }, "registry.max_load"},
		{"max load above one", func(c *Config) { c.Registry.MaxLoad = 1.2 }, "registry.max_load"},
		{"mirror timeout", func(c *Config) { c.Registry.MirrorTimeout = 0 }, "registry.mirror_timeout"},
		{"negative task timeout", func(c *Config) { c.Router.TaskTimeout = -time.Second }, "router.task_timeout"},
		{"history size", func(c *Config) { c.Router.HistorySize = 0 }, "router.history_size"},
		{"burst without rate", func(c *Config) { c.Router.DispatchRate = 5; c.Router.DispatchBurst = 0 }, "router.dispatch_burst"},
		{"liveness interval", func(c *Config) { c.Orchestrator.LivenessInterval = 0 }, "orchestrator.liveness_interval"},
		{"stale after", func(c *Config) { c.Orchestrator.StaleAfter = 0 }, "orchestrator.stale_after"},
		{"reap interval", func(c *Config) { c.Orchestrator.ReapInterval = 0 }, "orchestrator.reap_interval"},
		{"negative snapshot interval", func(c *Config) { c.Orchestrator.SnapshotInterval = -time.Minute }, "orchestrator.snapshot_interval"},
		{"conversation ttl", func(c *Config) { c.Context.ConversationTTL = 0 }, "context.conversation_ttl"},
		{"business ttl", func(c *Config) { c.Context.BusinessTTL = 0 }, "context.business_ttl"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Defaults()
			tt.mutate(cfg)
			err := Validate(cfg)
			if err == nil {
				t.Fatal("expected validation error")
			}
			assertContains(t, err.Error(), tt.want)
		})
	}
}

func TestValidateTaskTimeoutZeroAllowed(t *testing.T) {
	cfg := Defaults()
	cfg.Router.TaskTimeout = 0
	if err := Validate(cfg); err != nil {
		t.Fatalf("zero task timeout disables deadlines: %v", err)
	}
}

func TestValidateAgents(t *testing.T) {
	cfg := Defaults()
	cfg.Agents = []AgentConfig{
		{ID: "a1", Capabilities: []domain.AgentCapability{{Name: "x"}}},
		{ID: "a1", Capabilities: []domain.AgentCapability{{Name: "y"}}},
		{ID: "", Capabilities: []domain.AgentCapability{{Name: "z"}}},
		{ID: "a3"},
		{ID: "a4", Capabilities: []domain.AgentCapability{{Name: ""}}, PerformanceScore: -1},
	}
	err := Validate(cfg)
	if err == nil {
		t.Fatal("expected validation error")
	}
	msg := err.Error()
	assertContains(t, msg, `agents[1].id "a1" is duplicated`)
	assertContains(t, msg, "agents[2].id must not be empty")
	assertContains(t, msg, "agents[3] (a3) must declare at least one capability")
	assertContains(t, msg, "agents[4].capabilities[0].name must not be empty")
	assertContains(t, msg, "agents[4].performance_score")
}

func TestValidateAccumulatesErrors(t *testing.T) {
	cfg := Defaults()
	cfg.Redis.URL = ""
	cfg.Router.HistorySize = -1
	cfg.Context.BusinessTTL = 0

	err := Validate(cfg)
	var ve *ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("err = %v, want *ValidationError", err)
	}
	if len(ve.Errors) != 3 {
		t.Errorf("got %d errors, want 3: %v", len(ve.Errors), ve.Errors)
	}
}

func assertContains(t *testing.T, s, substr string) {
	t.Helper()
	if !strings.Contains(s, substr) {
		t.Errorf("expected %q to contain %q", s, substr)
	}
}
