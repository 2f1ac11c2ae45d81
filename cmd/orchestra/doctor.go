package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"orchestra/internal/adapter/redisclient"
	"orchestra/internal/adapter/store"
	"orchestra/internal/infra/config"
	"orchestra/internal/infra/logger"
)

// CheckStatus represents the result of a health check.
type CheckStatus string

const (
	StatusPass CheckStatus = "PASS"
	StatusWarn CheckStatus = "WARN"
	StatusFail CheckStatus = "FAIL"
)

// CheckResult holds the outcome of a single health check.
type CheckResult struct {
	Name    string
	Status  CheckStatus
	Message string
	Fix     string // optional fix suggestion
}

// Check is a named health check function.
type Check struct {
	Name string
	Fn   func(cfg *config.Config) CheckResult
}

// runDoctor executes all health checks and reports results.
func runDoctor() error {
	cfgPath := configPath()

	// Try to load config; some checks work without it.
	cfg, cfgErr := config.Load(cfgPath)

	checks := []Check{
		{Name: "Config file", Fn: checkConfigFile(cfgPath, cfgErr)},
		{Name: "Redis", Fn: checkRedis},
		{Name: "Durable store", Fn: checkStore},
		{Name: "Message transport", Fn: checkTransport},
		{Name: "Static agents", Fn: checkAgents},
	}

	fmt.Println("orchestra doctor")
	fmt.Println(strings.Repeat("=", 50))
	fmt.Println()

	var pass, warn, fail int
	for _, check := range checks {
		result := check.Fn(cfg)
		result.Name = check.Name

		fmt.Printf("  %s %s: %s\n", statusIcon(result.Status), result.Name, result.Message)
		if result.Fix != "" {
			fmt.Printf("      Fix: %s\n", result.Fix)
		}

		switch result.Status {
		case StatusPass:
			pass++
		case StatusWarn:
			warn++
		case StatusFail:
			fail++
		}
	}

	fmt.Println()
	fmt.Println(strings.Repeat("-", 50))
	fmt.Printf("Results: %d passed, %d warnings, %d failed\n", pass, warn, fail)

	if fail > 0 {
		fmt.Println("\nFix the FAIL issues above before starting orchestra.")
		return fmt.Errorf("%d check(s) failed", fail)
	}
	if warn > 0 {
		fmt.Println("\norchestra should work, but consider addressing the warnings.")
	} else {
		fmt.Println("\nAll checks passed! orchestra is ready to run.")
	}
	return nil
}

func statusIcon(s CheckStatus) string {
	switch s {
	case StatusPass:
		return "[PASS]"
	case StatusWarn:
		return "[WARN]"
	case StatusFail:
		return "[FAIL]"
	default:
		return "[????]"
	}
}

// checkConfigFile returns a check that verifies the config file parses and
// validates. A missing file is only a warning since defaults apply.
func checkConfigFile(cfgPath string, cfgErr error) func(*config.Config) CheckResult {
	return func(_ *config.Config) CheckResult {
		if cfgErr != nil {
			return CheckResult{
				Status:  StatusFail,
				Message: fmt.Sprintf("config error: %v", cfgErr),
				Fix:     "Check config.yaml syntax and the values reported above",
			}
		}
		if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
			return CheckResult{
				Status:  StatusWarn,
				Message: fmt.Sprintf("no config file at %s, using defaults", cfgPath),
				Fix:     "Create config.yaml or pass --config PATH",
			}
		}
		return CheckResult{
			Status:  StatusPass,
			Message: fmt.Sprintf("config loaded from %s", cfgPath),
		}
	}
}

// checkRedis pings the configured Redis server.
func checkRedis(cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Status: StatusFail, Message: "skipped: config not loaded"}
	}
	client, err := redisclient.New(cfg.Redis)
	if err != nil {
		return CheckResult{
			Status:  StatusFail,
			Message: err.Error(),
			Fix:     "Set redis.url to redis://host:port/db",
		}
	}
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), pingTimeout)
	defer cancel()
	if err := client.Ping(ctx); err != nil {
		return CheckResult{
			Status:  StatusFail,
			Message: fmt.Sprintf("cannot reach %s: %v", cfg.Redis.URL, err),
			Fix:     "Start Redis or set ORCHESTRA_REDIS_URL",
		}
	}
	return CheckResult{Status: StatusPass, Message: "connected to " + cfg.Redis.URL}
}

// checkStore opens and pings the durable store.
func checkStore(cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Status: StatusFail, Message: "skipped: config not loaded"}
	}
	st, err := store.Open(cfg.Store, logger.Discard())
	if err != nil {
		return CheckResult{
			Status:  StatusFail,
			Message: err.Error(),
			Fix:     storeFix(cfg.Store),
		}
	}
	defer st.Close()

	ctx, cancel := context.WithTimeout(context.Background(), pingTimeout)
	defer cancel()
	if err := st.Ping(ctx); err != nil {
		return CheckResult{
			Status:  StatusFail,
			Message: err.Error(),
			Fix:     storeFix(cfg.Store),
		}
	}
	target := cfg.Store.Driver
	if cfg.Store.Driver == "sqlite" {
		abs, _ := filepath.Abs(cfg.Store.SQLitePath)
		target += " at " + abs
	}
	return CheckResult{Status: StatusPass, Message: target + " reachable"}
}

func storeFix(sc config.StoreConfig) string {
	if sc.Driver == "mysql" {
		return "Check store.dsn (or MYSQL_DSN) and that the database exists"
	}
	return "Check that store.sqlite_path is writable"
}

// checkTransport warns when tasks stay inside this process.
func checkTransport(cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Status: StatusFail, Message: "skipped: config not loaded"}
	}
	if cfg.Bus.Transport == "memory" {
		return CheckResult{
			Status:  StatusWarn,
			Message: "in-memory transport: only agents embedded in this process receive tasks",
			Fix:     "Set bus.transport: redis for out-of-process agents",
		}
	}
	return CheckResult{
		Status:  StatusPass,
		Message: fmt.Sprintf("redis pub/sub, inboxes %s.<agent>.tasks, results on %s", cfg.Bus.TopicPrefix, cfg.Bus.ResultsTopic),
	}
}

// checkAgents reports the statically configured agents.
func checkAgents(cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Status: StatusFail, Message: "skipped: config not loaded"}
	}
	if len(cfg.Agents) == 0 {
		msg := "none configured; agents must announce themselves"
		if cfg.Registry.RestoreOnStart {
			msg += " or be restored from the registry mirror"
		}
		return CheckResult{Status: StatusWarn, Message: msg}
	}
	caps := make(map[string]bool)
	for _, a := range cfg.Agents {
		for _, c := range a.Capabilities {
			caps[c.Name] = true
		}
	}
	return CheckResult{
		Status:  StatusPass,
		Message: fmt.Sprintf("%d agent(s) covering %d capability(ies)", len(cfg.Agents), len(caps)),
	}
}
