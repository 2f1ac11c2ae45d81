package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"orchestra/internal/infra/config"
	"orchestra/internal/infra/logger"
	"orchestra/internal/infra/tracer"
)

func main() {
	if len(os.Args) >= 2 {
		switch os.Args[1] {
		case "--help", "-h", "help":
			showUsage()
			return
		}
	}

	if len(os.Args) < 2 || strings.HasPrefix(os.Args[1], "-") {
		if err := run(); err != nil {
			fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
			os.Exit(1)
		}
		return
	}

	switch os.Args[1] {
	case "doctor":
		if err := runDoctor(); err != nil {
			fmt.Fprintf(os.Stderr, "doctor: %v\n", err)
			os.Exit(1)
		}
	case "encrypt":
		if err := runEncrypt(os.Args[2:]); err != nil {
			fmt.Fprintf(os.Stderr, "encrypt: %v\n", err)
			os.Exit(1)
		}
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\nRun 'orchestra --help' for usage information.\n", os.Args[1])
		os.Exit(1)
	}
}

func showUsage() {
	fmt.Println(`orchestra - agent coordination core

USAGE:
    orchestra [COMMAND] [FLAGS]

COMMANDS:
    doctor          Run health checks against config, Redis and the store
    encrypt VALUE   Print VALUE encrypted with $ORCHESTRA_CONFIG_KEY

    (no command) - Run the orchestrator until SIGINT/SIGTERM

FLAGS:
    -h, --help         Show this help message
    --config PATH      Specify config file path (default: ./config.yaml)

CONFIGURATION:
    Config file: ./config.yaml (defaults apply when it is missing)
    Environment: ORCHESTRA_* variables override config
    Secrets:     "enc:..." values are decrypted with $ORCHESTRA_CONFIG_KEY

EXAMPLES:
    orchestra                                  # Run with config.yaml
    orchestra --config /etc/orchestra.yaml     # Run with custom config
    orchestra doctor                           # Check connectivity
    ORCHESTRA_CONFIG_KEY=... orchestra encrypt 's3cret'`)
}

func run() error {
	// 1. Config
	cfg, err := config.Load(configPath())
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	// 2. Logger & Tracer
	log, logCloser, err := logger.New(cfg.Logger)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer logCloser()

	ctx := context.Background()
	tracerShutdown, err := tracer.Setup(ctx, cfg.Tracer)
	if err != nil {
		return fmt.Errorf("tracer: %w", err)
	}
	defer tracerShutdown(ctx)

	// 3. Graceful shutdown
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// 4. Core
	a, err := buildApp(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			log.Error("shutdown error", "error", err)
		}
	}()

	// 5. Start
	if err := a.Orchestrator.Start(ctx); err != nil {
		return err
	}
	log.Info("orchestra running",
		"bus", cfg.Bus.Transport,
		"store", cfg.Store.Driver,
		"agents", len(a.Orchestrator.Agents()),
	)

	<-ctx.Done()
	log.Info("shutting down")

	done := make(chan struct{})
	go func() {
		a.Orchestrator.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		log.Warn("orchestrator stop timed out")
	}
	return nil
}

func runEncrypt(args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: orchestra encrypt VALUE")
	}
	passphrase := os.Getenv("ORCHESTRA_CONFIG_KEY")
	if passphrase == "" {
		return fmt.Errorf("ORCHESTRA_CONFIG_KEY is not set")
	}
	enc, err := config.EncryptValue(args[0], passphrase)
	if err != nil {
		return err
	}
	fmt.Println("enc:" + enc)
	return nil
}

func configPath() string {
	for i, arg := range os.Args {
		if arg == "--config" && i+1 < len(os.Args) {
			return os.Args[i+1]
		}
		if strings.HasPrefix(arg, "--config=") {
			return strings.TrimPrefix(arg, "--config=")
		}
	}
	if p := os.Getenv("ORCHESTRA_CONFIG"); p != "" {
		return p
	}
	return "config.yaml"
}
