package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"orchestra/internal/domain"
)

// Config is the top-level application configuration.
type Config struct {
	Logger       LoggerConfig       `yaml:"logger"`
	Tracer       TracerConfig       `yaml:"tracer"`
	Redis        RedisConfig        `yaml:"redis"`
	Store        StoreConfig        `yaml:"store"`
	Bus          BusConfig          `yaml:"bus"`
	Registry     RegistryConfig     `yaml:"registry"`
	Router       RouterConfig       `yaml:"router"`
	Orchestrator OrchestratorConfig `yaml:"orchestrator"`
	Context      ContextConfig      `yaml:"context"`
	Agents       []AgentConfig      `yaml:"agents,omitempty"` // statically registered on start
}

// LoggerConfig holds logging settings.
type LoggerConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// TracerConfig holds tracing settings.
type TracerConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Exporter string `yaml:"exporter"`
}

// RedisConfig holds the shared pub/sub + key-value store connection.
type RedisConfig struct {
	URL         string        `yaml:"url"`      // e.g. "redis://localhost:6379/0"
	Password    string        `yaml:"password"` // may be "enc:..."
	PoolSize    int           `yaml:"pool_size"`
	DialTimeout time.Duration `yaml:"dial_timeout"`
}

// StoreConfig selects the durable relational store.
type StoreConfig struct {
	Driver     string `yaml:"driver"`      // "mysql", "sqlite"
	DSN        string `yaml:"dsn"`         // mysql DSN, may be "enc:..."
	SQLitePath string `yaml:"sqlite_path"` // used when driver is "sqlite"
}

// BusConfig holds message bus topic names and publish protection.
type BusConfig struct {
	Transport      string        `yaml:"transport"` // "redis", "memory"
	TopicPrefix    string        `yaml:"topic_prefix"`
	ResultsTopic   string        `yaml:"results_topic"`
	StatusTopic    string        `yaml:"status_topic"`
	AnnounceTopic  string        `yaml:"announce_topic"`
	PublishTimeout time.Duration `yaml:"publish_timeout"`
	Breaker        BreakerConfig `yaml:"breaker"`
}

// BreakerConfig configures the publish circuit breaker.
type BreakerConfig struct {
	MaxFailures uint32        `yaml:"max_failures"`
	Timeout     time.Duration `yaml:"timeout"`
	Interval    time.Duration `yaml:"interval"`
}

// RegistryConfig holds agent selection and mirror settings.
type RegistryConfig struct {
	MaxLoad        float64       `yaml:"max_load"`
	MirrorKey      string        `yaml:"mirror_key"`
	MirrorTimeout  time.Duration `yaml:"mirror_timeout"`
	RestoreOnStart bool          `yaml:"restore_on_start"`
}

// RouterConfig holds task routing settings.
type RouterConfig struct {
	TaskTimeout   time.Duration `yaml:"task_timeout"` // 0 disables deadlines
	HistorySize   int           `yaml:"history_size"`
	DispatchRate  float64       `yaml:"dispatch_rate"` // tasks/second, 0 = unlimited
	DispatchBurst int           `yaml:"dispatch_burst"`
}

// OrchestratorConfig holds supervisor loop timing.
type OrchestratorConfig struct {
	LivenessInterval time.Duration `yaml:"liveness_interval"`
	StaleAfter       time.Duration `yaml:"stale_after"`
	ReapInterval     time.Duration `yaml:"reap_interval"`
	// SnapshotInterval rewrites the whole registry mirror; 0 disables it.
	SnapshotInterval time.Duration `yaml:"snapshot_interval"`
	// NodeID names this instance when several share one mirror; defaults
	// to the hostname.
	NodeID string `yaml:"node_id"`
}

// ContextConfig holds cache lifetimes for the context manager.
type ContextConfig struct {
	ConversationTTL time.Duration `yaml:"conversation_ttl"`
	BusinessTTL     time.Duration `yaml:"business_ttl"`
	KeyPrefix       string        `yaml:"key_prefix"`
}

// AgentConfig declares an agent registered at startup.
type AgentConfig struct {
	ID               string                   `yaml:"id"`
	Type             string                   `yaml:"type"`
	Endpoint         string                   `yaml:"endpoint"`
	PerformanceScore float64                  `yaml:"performance_score"`
	Specialization   string                   `yaml:"specialization,omitempty"`
	Capabilities     []domain.AgentCapability `yaml:"capabilities"`
}

// AgentInfo converts the static declaration into a registry record.
func (a AgentConfig) AgentInfo(now time.Time) domain.AgentInfo {
	return domain.AgentInfo{
		ID:               a.ID,
		Type:             a.Type,
		Capabilities:     a.Capabilities,
		Endpoint:         a.Endpoint,
		Status:           domain.AgentStatusActive,
		PerformanceScore: a.PerformanceScore,
		LastSeen:         now,
		Specialization:   a.Specialization,
	}
}

// Defaults returns a Config with sensible defaults.
func Defaults() *Config {
	return &Config{
		Logger: LoggerConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
		Tracer: TracerConfig{
			Enabled:  false,
			Exporter: "noop",
		},
		Redis: RedisConfig{
			URL:         "redis://localhost:6379/0",
			PoolSize:    10,
			DialTimeout: 5 * time.Second,
		},
		Store: StoreConfig{
			Driver:     "sqlite",
			SQLitePath: filepath.Join(".", "data", "orchestra.db"),
		},
		Bus: BusConfig{
			Transport:      "redis",
			TopicPrefix:    "agents",
			ResultsTopic:   "results",
			StatusTopic:    "agents.status",
			AnnounceTopic:  "agents.announce",
			PublishTimeout: 5 * time.Second,
			Breaker: BreakerConfig{
				MaxFailures: 5,
				Timeout:     30 * time.Second,
				Interval:    60 * time.Second,
			},
		},
		Registry: RegistryConfig{
			MaxLoad:        0.8,
			MirrorKey:      "agents:registry",
			MirrorTimeout:  2 * time.Second,
			RestoreOnStart: true,
		},
		Router: RouterConfig{
			TaskTimeout:   30 * time.Minute,
			HistorySize:   1024,
			DispatchRate:  0,
			DispatchBurst: 1,
		},
		Orchestrator: OrchestratorConfig{
			LivenessInterval: 60 * time.Second,
			StaleAfter:       5 * time.Minute,
			ReapInterval:     30 * time.Second,
			SnapshotInterval: 5 * time.Minute,
		},
		Context: ContextConfig{
			ConversationTTL: time.Hour,
			BusinessTTL:     30 * time.Minute,
		},
	}
}

// Load reads a YAML config file, applies env var overrides, decrypts secrets
// and validates the result. A missing file yields defaults plus env overrides.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return finish(cfg)
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}
	if err := validatePermissions(absPath); err != nil {
		return nil, err
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return finish(cfg)
}

func finish(cfg *Config) (*Config, error) {
	ApplyEnvOverrides(cfg)

	if passphrase := os.Getenv("ORCHESTRA_CONFIG_KEY"); passphrase != "" {
		if err := decryptSecrets(cfg, passphrase); err != nil {
			return nil, fmt.Errorf("decrypt secrets: %w", err)
		}
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnvOverrides maps ORCHESTRA_* env vars to config fields.
func ApplyEnvOverrides(cfg *Config) {
	if v := os.Getenv("ORCHESTRA_LOGGER_LEVEL"); v != "" {
		cfg.Logger.Level = v
	}
	if v := os.Getenv("ORCHESTRA_LOGGER_FORMAT"); v != "" {
		cfg.Logger.Format = v
	}
	if v := os.Getenv("ORCHESTRA_TRACER_ENABLED"); v == "true" {
		cfg.Tracer.Enabled = true
	}
	if v := os.Getenv("ORCHESTRA_TRACER_EXPORTER"); v != "" {
		cfg.Tracer.Exporter = v
	}
	if v := os.Getenv("ORCHESTRA_REDIS_URL"); v != "" {
		cfg.Redis.URL = v
	}
	if v := os.Getenv("ORCHESTRA_REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if v := os.Getenv("ORCHESTRA_NODE_ID"); v != "" {
		cfg.Orchestrator.NodeID = v
	}
	if v := os.Getenv("ORCHESTRA_BUS_TRANSPORT"); v != "" {
		cfg.Bus.Transport = v
	}
	if v := os.Getenv("ORCHESTRA_STORE_DRIVER"); v != "" {
		cfg.Store.Driver = v
	}
	if v := os.Getenv("ORCHESTRA_STORE_DSN"); v != "" {
		cfg.Store.DSN = v
	} else if v := os.Getenv("MYSQL_DSN"); v != "" && cfg.Store.DSN == "" {
		cfg.Store.DSN = v
	}
	if v := os.Getenv("ORCHESTRA_STORE_SQLITE_PATH"); v != "" {
		cfg.Store.SQLitePath = v
	}
	if v := os.Getenv("ORCHESTRA_REGISTRY_MAX_LOAD"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f > 0 {
			cfg.Registry.MaxLoad = f
		}
	}
	if v := os.Getenv("ORCHESTRA_ROUTER_TASK_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d >= 0 {
			cfg.Router.TaskTimeout = d
		}
	}
	if v := os.Getenv("ORCHESTRA_ROUTER_DISPATCH_RATE"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f >= 0 {
			cfg.Router.DispatchRate = f
		}
	}
	if v := os.Getenv("ORCHESTRA_LIVENESS_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.Orchestrator.LivenessInterval = d
		}
	}
	if v := os.Getenv("ORCHESTRA_STALE_AFTER"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.Orchestrator.StaleAfter = d
		}
	}
}

// decryptSecrets replaces "enc:..." values with their plaintext.
func decryptSecrets(cfg *Config, passphrase string) error {
	secrets := map[string]*string{
		"redis.password": &cfg.Redis.Password,
		"store.dsn":      &cfg.Store.DSN,
	}
	for name, fp := range secrets {
		if !strings.HasPrefix(*fp, "enc:") {
			continue
		}
		decrypted, err := DecryptValue(strings.TrimPrefix(*fp, "enc:"), passphrase)
		if err != nil {
			return fmt.Errorf("%s: %w: %w", name, domain.ErrDecryption, err)
		}
		*fp = decrypted
	}
	return nil
}

// validatePermissions checks the config file has restrictive permissions.
func validatePermissions(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("stat config: %w", err)
	}
	mode := info.Mode().Perm()
	// Allow 0600 and 0644 (readable by others but not writable)
	if mode&0o077 > 0o044 {
		return fmt.Errorf("config file %s has insecure permissions %o (want 0600 or 0644)", path, mode)
	}
	return nil
}
