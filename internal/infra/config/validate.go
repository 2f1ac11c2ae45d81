package config

import (
	"fmt"
	"net/url"
	"strings"
)

// ValidationError accumulates config validation errors.
type ValidationError struct {
	Errors []string
}

func (v *ValidationError) Error() string {
	return "config validation failed:\n  - " + strings.Join(v.Errors, "\n  - ")
}

// HasErrors reports whether any validation errors have been recorded.
func (v *ValidationError) HasErrors() bool {
	return len(v.Errors) > 0
}

// Add records a formatted validation error.
func (v *ValidationError) Add(format string, args ...interface{}) {
	v.Errors = append(v.Errors, fmt.Sprintf(format, args...))
}

// Validate checks cfg for structural correctness. It returns a *ValidationError
// when one or more problems are found, allowing callers to inspect all issues.
func Validate(cfg *Config) error {
	ve := &ValidationError{}
	validateLogger(cfg, ve)
	validateTracer(cfg, ve)
	validateRedis(cfg, ve)
	validateStore(cfg, ve)
	validateBus(cfg, ve)
	validateRegistry(cfg, ve)
	validateRouter(cfg, ve)
	validateOrchestrator(cfg, ve)
	validateContext(cfg, ve)
	validateAgents(cfg, ve)
	if ve.HasErrors() {
		return ve
	}
	return nil
}

var validLogLevels = map[string]bool{"debug": true, "info": true, "warn": true, "warning": true, "error": true}

func validateLogger(cfg *Config, ve *ValidationError) {
	if cfg.Logger.Level != "" && !validLogLevels[strings.ToLower(cfg.Logger.Level)] {
		ve.Add("logger.level %q is not one of debug, info, warn, error", cfg.Logger.Level)
	}
	switch strings.ToLower(cfg.Logger.Format) {
	case "", "text", "json":
	default:
		ve.Add("logger.format %q must be text or json", cfg.Logger.Format)
	}
}

func validateTracer(cfg *Config, ve *ValidationError) {
	if !cfg.Tracer.Enabled {
		return
	}
	switch cfg.Tracer.Exporter {
	case "", "noop", "stdout":
	default:
		ve.Add("tracer.exporter %q is not supported (noop, stdout)", cfg.Tracer.Exporter)
	}
}

func validateRedis(cfg *Config, ve *ValidationError) {
	if cfg.Redis.URL == "" {
		ve.Add("redis.url is required")
		return
	}
	u, err := url.Parse(cfg.Redis.URL)
	if err != nil || (u.Scheme != "redis" && u.Scheme != "rediss") {
		ve.Add("redis.url %q must be a redis:// or rediss:// URL", cfg.Redis.URL)
	}
	if cfg.Redis.PoolSize < 0 {
		ve.Add("redis.pool_size must be >= 0")
	}
}

func validateStore(cfg *Config, ve *ValidationError) {
	switch cfg.Store.Driver {
	case "mysql":
		if cfg.Store.DSN == "" {
			ve.Add("store.dsn is required when store.driver is mysql")
		}
	case "sqlite":
		if cfg.Store.SQLitePath == "" {
			ve.Add("store.sqlite_path is required when store.driver is sqlite")
		}
	default:
		ve.Add("store.driver %q must be mysql or sqlite", cfg.Store.Driver)
	}
}

func validateBus(cfg *Config, ve *ValidationError) {
	switch cfg.Bus.Transport {
	case "redis", "memory":
	default:
		ve.Add("bus.transport %q is not supported (use redis or memory)", cfg.Bus.Transport)
	}
	if cfg.Bus.TopicPrefix == "" {
		ve.Add("bus.topic_prefix must not be empty")
	}
	if cfg.Bus.ResultsTopic == "" {
		ve.Add("bus.results_topic must not be empty")
	}
	if cfg.Bus.StatusTopic == "" {
		ve.Add("bus.status_topic must not be empty")
	}
	if cfg.Bus.AnnounceTopic == "" {
		ve.Add("bus.announce_topic must not be empty")
	}
	if cfg.Bus.ResultsTopic != "" && cfg.Bus.ResultsTopic == cfg.Bus.StatusTopic {
		ve.Add("bus.results_topic and bus.status_topic must differ")
	}
	if cfg.Bus.PublishTimeout < 0 {
		ve.Add("bus.publish_timeout must be >= 0")
	}
}

func validateRegistry(cfg *Config, ve *ValidationError) {
	if cfg.Registry.MaxLoad <= 0 || cfg.Registry.MaxLoad > 1 {
		ve.Add("registry.max_load must be in (0, 1], got %v", cfg.Registry.MaxLoad)
	}
	if cfg.Registry.MirrorKey == "" {
		ve.Add("registry.mirror_key must not be empty")
	}
	if cfg.Registry.MirrorTimeout <= 0 {
		ve.Add("registry.mirror_timeout must be > 0")
	}
}

func validateRouter(cfg *Config, ve *ValidationError) {
	if cfg.Router.TaskTimeout < 0 {
		ve.Add("router.task_timeout must be >= 0")
	}
	if cfg.Router.HistorySize <= 0 {
		ve.Add("router.history_size must be > 0")
	}
	if cfg.Router.DispatchRate < 0 {
		ve.Add("router.dispatch_rate must be >= 0")
	}
	if cfg.Router.DispatchRate > 0 && cfg.Router.DispatchBurst <= 0 {
		ve.Add("router.dispatch_burst must be > 0 when dispatch_rate is set")
	}
}

func validateOrchestrator(cfg *Config, ve *ValidationError) {
	if cfg.Orchestrator.LivenessInterval <= 0 {
		ve.Add("orchestrator.liveness_interval must be > 0")
	}
	if cfg.Orchestrator.StaleAfter <= 0 {
		ve.Add("orchestrator.stale_after must be > 0")
	}
	if cfg.Orchestrator.ReapInterval <= 0 {
		ve.Add("orchestrator.reap_interval must be > 0")
	}
	if cfg.Orchestrator.SnapshotInterval < 0 {
		ve.Add("orchestrator.snapshot_interval must be >= 0")
	}
}

func validateContext(cfg *Config, ve *ValidationError) {
	if cfg.Context.ConversationTTL <= 0 {
		ve.Add("context.conversation_ttl must be > 0")
	}
	if cfg.Context.BusinessTTL <= 0 {
		ve.Add("context.business_ttl must be > 0")
	}
}

func validateAgents(cfg *Config, ve *ValidationError) {
	seen := make(map[string]bool, len(cfg.Agents))
	for i, a := range cfg.Agents {
		if a.ID == "" {
			ve.Add("agents[%d].id must not be empty", i)
			continue
		}
		if seen[a.ID] {
			ve.Add("agents[%d].id %q is duplicated", i, a.ID)
		}
		seen[a.ID] = true
		if len(a.Capabilities) == 0 {
			ve.Add("agents[%d] (%s) must declare at least one capability", i, a.ID)
		}
		for j, c := range a.Capabilities {
			if c.Name == "" {
				ve.Add("agents[%d].capabilities[%d].name must not be empty", i, j)
			}
		}
		if a.PerformanceScore < 0 {
			ve.Add("agents[%d].performance_score must be >= 0", i)
		}
	}
}
