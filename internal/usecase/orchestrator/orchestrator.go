// Package orchestrator is the supervisor of the coordination core. It owns
// the result, status and announcement subscriptions and the periodic
// maintenance jobs, and exposes the public entry points.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"sync"
	"sync/atomic"
	"time"

	"orchestra/internal/domain"
	"orchestra/internal/usecase/contextmgr"
	"orchestra/internal/usecase/messagebus"
	"orchestra/internal/usecase/registry"
	"orchestra/internal/usecase/router"
	"orchestra/internal/usecase/scheduling"
)

// Lease gates work that only one instance sharing the mirror should do.
type Lease interface {
	TryAcquire(ctx context.Context) (bool, error)
	Release(ctx context.Context) error
}

// Deps are the components the orchestrator supervises. Contexts and
// SnapshotLease are optional; without a lease every instance snapshots.
type Deps struct {
	Registry      *registry.Registry
	Router        *router.Router
	Bus           *messagebus.Bus
	Contexts      *contextmgr.Manager
	Scheduler     *scheduling.Scheduler
	SnapshotLease Lease
}

// Loop defaults.
const (
	DefaultLivenessInterval = 60 * time.Second
	DefaultStaleAfter       = 5 * time.Minute
	DefaultReapInterval     = 30 * time.Second

	leaseReleaseTimeout = 2 * time.Second
)

// Config holds loop timing and topic names.
type Config struct {
	LivenessInterval time.Duration
	StaleAfter       time.Duration
	ReapInterval     time.Duration
	SnapshotInterval time.Duration // 0 disables mirror snapshots
	StatusTopic      string
	AnnounceTopic    string
	RestoreOnStart   bool
	// Agents are registered on every Start.
	Agents []domain.AgentInfo
}

// Orchestrator wires the core together. Start and Stop may be called from
// different goroutines.
type Orchestrator struct {
	deps   Deps
	cfg    Config
	logger *slog.Logger

	running atomic.Bool
	mu      sync.Mutex
	subs    []*messagebus.Subscription
	jobsSet bool
}

// New creates an orchestrator. A nil Scheduler gets a fresh one.
func New(deps Deps, cfg Config, logger *slog.Logger) *Orchestrator {
	if deps.Scheduler == nil {
		deps.Scheduler = scheduling.NewScheduler(logger)
	}
	if cfg.LivenessInterval <= 0 {
		cfg.LivenessInterval = DefaultLivenessInterval
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = DefaultStaleAfter
	}
	if cfg.ReapInterval <= 0 {
		cfg.ReapInterval = DefaultReapInterval
	}
	if cfg.StatusTopic == "" {
		cfg.StatusTopic = "agents.status"
	}
	if cfg.AnnounceTopic == "" {
		cfg.AnnounceTopic = "agents.announce"
	}
	return &Orchestrator{deps: deps, cfg: cfg, logger: logger}
}

// Start restores and seeds the registry, subscribes to results, heartbeats
// and announcements, and starts the periodic jobs. Starting a running
// orchestrator is a no-op.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.running.Load() {
		return nil
	}

	if o.cfg.RestoreOnStart {
		o.deps.Registry.Restore(ctx)
	}
	for _, info := range o.cfg.Agents {
		if err := o.deps.Registry.RegisterAgent(ctx, info); err != nil {
			return fmt.Errorf("register static agent %q: %w", info.ID, err)
		}
	}

	loops := []struct {
		topic string
		cb    messagebus.Callback
	}{
		{o.deps.Bus.ResultsTopic(), o.handleResult},
		{o.cfg.StatusTopic, o.handleHeartbeat},
		{o.cfg.AnnounceTopic, o.handleAnnouncement},
	}
	for _, l := range loops {
		sub, err := o.deps.Bus.Subscribe(ctx, l.topic, l.cb)
		if err != nil {
			o.closeSubs()
			return fmt.Errorf("orchestrator start: %w", err)
		}
		o.subs = append(o.subs, sub)
	}

	if err := o.scheduleJobs(); err != nil {
		o.closeSubs()
		return fmt.Errorf("orchestrator start: %w", err)
	}
	if err := o.deps.Scheduler.Start(ctx); err != nil {
		o.closeSubs()
		return fmt.Errorf("orchestrator start: %w", err)
	}

	o.running.Store(true)
	o.logger.Info("orchestrator started",
		"results_topic", o.deps.Bus.ResultsTopic(),
		"agents", len(o.deps.Registry.GetAllAgents()),
	)
	return nil
}

// Stop clears the running flag, closes the subscriptions, stops the jobs
// (waiting for one in flight) and flushes pending mirror writes.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.running.Swap(false) {
		return
	}
	o.closeSubs()
	if err := o.deps.Scheduler.Stop(); err != nil {
		o.logger.Warn("scheduler stop failed", "error", err)
	}
	o.deps.Registry.Flush()
	if o.deps.SnapshotLease != nil {
		ctx, cancel := context.WithTimeout(context.Background(), leaseReleaseTimeout)
		if err := o.deps.SnapshotLease.Release(ctx); err != nil {
			o.logger.Warn("snapshot lease release failed", "error", err)
		}
		cancel()
	}
	o.logger.Info("orchestrator stopped")
}

// Running reports whether the supervisor loops are active.
func (o *Orchestrator) Running() bool { return o.running.Load() }

// SubmitTask routes a new task and returns its id. A task nobody can take
// is returned as failed with a nil error; check TaskStatus.
func (o *Orchestrator) SubmitTask(ctx context.Context, taskType string, payload domain.TaskPayload, priority int, taskCtx map[string]any) (string, error) {
	return o.deps.Router.SubmitTask(ctx, router.SubmitRequest{
		Type:     taskType,
		Payload:  payload,
		Priority: priority,
		Context:  taskCtx,
	})
}

// Submit routes a fully specified request.
func (o *Orchestrator) Submit(ctx context.Context, req router.SubmitRequest) (string, error) {
	return o.deps.Router.SubmitTask(ctx, req)
}

// RegisterAgent adds or replaces an agent.
func (o *Orchestrator) RegisterAgent(ctx context.Context, info domain.AgentInfo) error {
	return o.deps.Registry.RegisterAgent(ctx, info)
}

// TaskStatus returns an active or recently finished task.
func (o *Orchestrator) TaskStatus(taskID string) (domain.Task, bool) {
	return o.deps.Router.GetTaskStatus(taskID)
}

// ActiveTasks returns the in-flight tasks, oldest first.
func (o *Orchestrator) ActiveTasks() []domain.Task {
	return o.deps.Router.GetActiveTasks()
}

// Agents returns every registered agent.
func (o *Orchestrator) Agents() []domain.AgentInfo {
	return o.deps.Registry.GetAllAgents()
}

// Contexts returns the context manager, or nil when none is wired.
func (o *Orchestrator) Contexts() *contextmgr.Manager {
	return o.deps.Contexts
}

// CheckLiveness marks agents not seen for StaleAfter as inactive and
// returns their ids.
func (o *Orchestrator) CheckLiveness(ctx context.Context, now time.Time) []string {
	stale := o.deps.Registry.MarkStale(ctx, now.Add(-o.cfg.StaleAfter))
	if len(stale) > 0 {
		o.logger.Info("liveness check", "inactive", len(stale))
	}
	return stale
}

func (o *Orchestrator) scheduleJobs() error {
	if o.jobsSet {
		return nil
	}
	s := o.deps.Scheduler
	s.RegisterAction(scheduling.ActionLivenessCheck, o.guard(func(ctx context.Context) error {
		o.CheckLiveness(ctx, time.Now())
		return nil
	}))
	s.RegisterAction(scheduling.ActionTaskReap, o.guard(func(ctx context.Context) error {
		if n := o.deps.Router.ReapExpired(ctx, time.Now()); n > 0 {
			o.logger.Info("reaped expired tasks", "count", n)
		}
		return nil
	}))
	s.RegisterAction(scheduling.ActionMirrorSnapshot, o.guard(o.snapshot))

	jobs := []scheduling.Job{
		{Name: "liveness", Schedule: o.cfg.LivenessInterval.String(), Action: scheduling.ActionLivenessCheck},
		{Name: "task-reaper", Schedule: o.cfg.ReapInterval.String(), Action: scheduling.ActionTaskReap},
	}
	if o.cfg.SnapshotInterval > 0 {
		jobs = append(jobs, scheduling.Job{Name: "mirror-snapshot", Schedule: o.cfg.SnapshotInterval.String(), Action: scheduling.ActionMirrorSnapshot})
	}
	for _, j := range jobs {
		if err := s.AddJob(j); err != nil {
			return err
		}
	}
	o.jobsSet = true
	return nil
}

// snapshot rewrites the mirror when this instance holds the snapshot lease.
func (o *Orchestrator) snapshot(ctx context.Context) error {
	if l := o.deps.SnapshotLease; l != nil {
		held, err := l.TryAcquire(ctx)
		if err != nil {
			return err
		}
		if !held {
			o.logger.Debug("mirror snapshot skipped, lease held elsewhere")
			return nil
		}
	}
	return o.deps.Registry.Snapshot(ctx)
}

// guard skips a job once the running flag is cleared.
func (o *Orchestrator) guard(fn func(context.Context) error) func(context.Context) error {
	return func(ctx context.Context) error {
		if !o.running.Load() {
			return nil
		}
		return fn(ctx)
	}
}

func (o *Orchestrator) closeSubs() {
	for _, s := range o.subs {
		s.Close()
	}
	o.subs = nil
}

// handleResult feeds agent results back into the router. Results the
// router republished itself are skipped.
func (o *Orchestrator) handleResult(ctx context.Context, payload []byte) error {
	mt, err := domain.PeekMessageType(payload)
	if err != nil {
		return err
	}
	if mt != domain.MessageTaskResult {
		return nil
	}
	var res domain.TaskResult
	if err := json.Unmarshal(payload, &res); err != nil {
		return fmt.Errorf("decode task result: %w", err)
	}
	if res.Source == domain.SourceRouter {
		return nil
	}
	if res.TaskID == "" {
		return fmt.Errorf("task result without task_id: %w", domain.ErrInvalidInput)
	}

	result := res.Result
	if res.Error != "" {
		if _, ok := result["error"]; !ok {
			result = maps.Clone(result)
			if result == nil {
				result = make(map[string]any, 1)
			}
			result["error"] = res.Error
		}
	}
	return o.deps.Router.CompleteTask(ctx, res.TaskID, result, res.Succeeded())
}

func (o *Orchestrator) handleHeartbeat(ctx context.Context, payload []byte) error {
	var hb domain.AgentHeartbeat
	if err := json.Unmarshal(payload, &hb); err != nil {
		return fmt.Errorf("decode heartbeat: %w", err)
	}
	if hb.Type != domain.MessageAgentStatus || hb.AgentID == "" {
		return fmt.Errorf("unexpected heartbeat %q: %w", hb.Type, domain.ErrInvalidInput)
	}
	status := hb.Status
	if status == "" {
		status = domain.AgentStatusActive
	}
	o.deps.Registry.UpdateAgentStatus(ctx, hb.AgentID, status, hb.Load)
	return nil
}

func (o *Orchestrator) handleAnnouncement(ctx context.Context, payload []byte) error {
	var ann domain.AgentAnnouncement
	if err := json.Unmarshal(payload, &ann); err != nil {
		return fmt.Errorf("decode announcement: %w", err)
	}
	if ann.Type != domain.MessageAgentRegistration {
		return fmt.Errorf("unexpected announcement %q: %w", ann.Type, domain.ErrInvalidInput)
	}
	if err := o.deps.Registry.RegisterAgent(ctx, ann.Agent); err != nil {
		if errors.Is(err, domain.ErrInvalidInput) {
			o.logger.Warn("rejected agent announcement", "agent_id", ann.Agent.ID, "error", err)
			return nil
		}
		return err
	}
	return nil
}
