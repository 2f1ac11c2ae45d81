package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"orchestra/internal/adapter/redisclient"
	"orchestra/internal/adapter/store"
	"orchestra/internal/domain"
	"orchestra/internal/infra/config"
	"orchestra/internal/infra/logger"
	"orchestra/internal/usecase/cluster"
	"orchestra/internal/usecase/contextmgr"
	"orchestra/internal/usecase/eventbus"
	"orchestra/internal/usecase/messagebus"
	"orchestra/internal/usecase/orchestrator"
	"orchestra/internal/usecase/registry"
	"orchestra/internal/usecase/router"
	"orchestra/internal/usecase/scheduling"
)

const pingTimeout = 5 * time.Second

// app holds the wired core and the resources to release on shutdown.
type app struct {
	Orchestrator *orchestrator.Orchestrator
	Registry     *registry.Registry
	Router       *router.Router
	Contexts     *contextmgr.Manager
	Events       *eventbus.Bus
	Bus          *messagebus.Bus

	closers []func() error
}

// buildApp connects to Redis and the durable store and wires the core.
func buildApp(ctx context.Context, cfg *config.Config, log *slog.Logger) (_ *app, err error) {
	a := &app{}
	defer func() {
		if err != nil {
			_ = a.Close()
		}
	}()

	// 1. Redis: cache, registry mirror and (by default) the message transport.
	rdb, err := redisclient.New(cfg.Redis)
	if err != nil {
		return nil, fmt.Errorf("redis: %w", err)
	}
	a.closers = append(a.closers, rdb.Close)
	pctx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := rdb.Ping(pctx); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	// 2. Durable store
	st, err := store.Open(cfg.Store, logger.Component(log, "store"))
	if err != nil {
		return nil, fmt.Errorf("store: %w", err)
	}
	a.closers = append(a.closers, st.Close)

	// 3. Message bus
	var transport messagebus.Transport = rdb
	if cfg.Bus.Transport == "memory" {
		mem := messagebus.NewMemoryTransport(256)
		a.closers = append(a.closers, mem.Close)
		transport = mem
	}
	a.Bus = messagebus.New(transport, messagebus.Config{
		TopicPrefix:    cfg.Bus.TopicPrefix,
		ResultsTopic:   cfg.Bus.ResultsTopic,
		PublishTimeout: cfg.Bus.PublishTimeout,
		MaxFailures:    cfg.Bus.Breaker.MaxFailures,
		OpenTimeout:    cfg.Bus.Breaker.Timeout,
		Interval:       cfg.Bus.Breaker.Interval,
	}, logger.Component(log, "messagebus"))
	a.closers = append(a.closers, func() error { a.Bus.Close(); return nil })

	// 4. Lifecycle events
	a.Events = eventbus.New(logger.Component(log, "eventbus"))
	a.closers = append(a.closers, func() error { a.Events.Close(); return nil })
	a.Events.SubscribeAll(eventLogger(logger.Component(log, "events")))

	// 5. Registry, context manager, router
	a.Registry = registry.New(registry.Config{
		MaxLoad:       cfg.Registry.MaxLoad,
		MirrorTimeout: cfg.Registry.MirrorTimeout,
	}, logger.Component(log, "registry"),
		registry.WithMirror(registry.NewRedisMirror(rdb, cfg.Registry.MirrorKey, log)),
		registry.WithEvents(a.Events),
	)

	a.Contexts = contextmgr.New(rdb, st, contextmgr.Config{
		ConversationTTL: cfg.Context.ConversationTTL,
		BusinessTTL:     cfg.Context.BusinessTTL,
		KeyPrefix:       cfg.Context.KeyPrefix,
	}, logger.Component(log, "contextmgr"))

	a.Router = router.New(a.Registry, a.Bus, router.Config{
		TaskTimeout:   cfg.Router.TaskTimeout,
		HistorySize:   cfg.Router.HistorySize,
		DispatchRate:  cfg.Router.DispatchRate,
		DispatchBurst: cfg.Router.DispatchBurst,
	}, logger.Component(log, "router"), router.WithEvents(a.Events))

	// 6. Supervisor
	now := time.Now()
	static := make([]domain.AgentInfo, 0, len(cfg.Agents))
	for _, ac := range cfg.Agents {
		static = append(static, ac.AgentInfo(now))
	}
	lease := cluster.NewLease(rdb, cfg.Registry.MirrorKey+":lease", nodeID(cfg),
		cfg.Orchestrator.SnapshotInterval, logger.Component(log, "cluster"))
	a.Orchestrator = orchestrator.New(orchestrator.Deps{
		Registry:      a.Registry,
		Router:        a.Router,
		Bus:           a.Bus,
		Contexts:      a.Contexts,
		Scheduler:     scheduling.NewScheduler(logger.Component(log, "scheduler")),
		SnapshotLease: lease,
	}, orchestrator.Config{
		LivenessInterval: cfg.Orchestrator.LivenessInterval,
		StaleAfter:       cfg.Orchestrator.StaleAfter,
		ReapInterval:     cfg.Orchestrator.ReapInterval,
		SnapshotInterval: cfg.Orchestrator.SnapshotInterval,
		StatusTopic:      cfg.Bus.StatusTopic,
		AnnounceTopic:    cfg.Bus.AnnounceTopic,
		RestoreOnStart:   cfg.Registry.RestoreOnStart,
		Agents:           static,
	}, logger.Component(log, "orchestrator"))

	return a, nil
}

// nodeID returns the configured node id, falling back to the hostname.
func nodeID(cfg *config.Config) string {
	if cfg.Orchestrator.NodeID != "" {
		return cfg.Orchestrator.NodeID
	}
	if h, err := os.Hostname(); err == nil && h != "" {
		return h
	}
	return "orchestra"
}

// Close releases resources in reverse order of acquisition.
func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

func eventLogger(log *slog.Logger) domain.EventHandler {
	return func(_ context.Context, ev domain.Event) {
		log.Debug("lifecycle event",
			"event", string(ev.Type),
			"task_id", ev.TaskID,
			"agent_id", ev.AgentID,
		)
	}
}
