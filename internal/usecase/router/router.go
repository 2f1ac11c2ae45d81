// Package router turns task submissions into agent dispatches and tracks
// each task until its result arrives.
package router

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"golang.org/x/time/rate"

	"orchestra/internal/domain"
	"orchestra/internal/infra/tracer"
)

// Defaults used when Config leaves a field unset.
const (
	DefaultTaskTimeout = 30 * time.Minute
	DefaultHistorySize = 1024
)

const (
	msgTimedOut   = "task timed out"
	msgTaskFailed = "task failed"
)

// AgentSelector is the registry surface the router depends on.
type AgentSelector interface {
	// Reserve selects an agent for the task and marks it busy atomically.
	Reserve(ctx context.Context, taskType string, payload domain.TaskPayload) (domain.AgentInfo, bool)
	CheckPayload(taskType string, payload domain.TaskPayload) error
	UpdateAgentStatus(ctx context.Context, agentID string, status domain.AgentStatus, load *float64) bool
}

// Publisher is the message bus surface the router depends on.
type Publisher interface {
	PublishTask(ctx context.Context, agentID string, task domain.Task) error
	PublishResultEnvelope(ctx context.Context, res domain.TaskResult) error
}

// Config tunes the router. A zero TaskTimeout disables deadlines and a
// zero DispatchRate disables the dispatch throttle.
type Config struct {
	TaskTimeout   time.Duration
	HistorySize   int
	DispatchRate  float64 // dispatches per second
	DispatchBurst int
}

// SubmitRequest describes one task submission.
type SubmitRequest struct {
	Type     string
	Payload  domain.TaskPayload
	Priority int
	Context  map[string]any
	// Timeout overrides Config.TaskTimeout when positive.
	Timeout time.Duration
}

// Option configures a Router.
type Option func(*Router)

// WithEvents publishes task lifecycle events on bus.
func WithEvents(bus domain.EventBus) Option {
	return func(r *Router) { r.events = bus }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(r *Router) { r.now = now }
}

// Router owns the active-task table. It is safe for concurrent use.
type Router struct {
	mu      sync.Mutex
	active  map[string]*domain.Task
	history *history

	agents  AgentSelector
	bus     Publisher
	limiter *rate.Limiter
	cfg     Config
	events  domain.EventBus
	now     func() time.Time
	logger  *slog.Logger
}

// New creates a Router.
func New(agents AgentSelector, bus Publisher, cfg Config, logger *slog.Logger, opts ...Option) *Router {
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = DefaultHistorySize
	}
	r := &Router{
		active:  make(map[string]*domain.Task),
		history: newHistory(cfg.HistorySize),
		agents:  agents,
		bus:     bus,
		cfg:     cfg,
		now:     time.Now,
		logger:  logger,
	}
	if cfg.DispatchRate > 0 {
		burst := cfg.DispatchBurst
		if burst < 1 {
			burst = 1
		}
		r.limiter = rate.NewLimiter(rate.Limit(cfg.DispatchRate), burst)
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// SubmitTask creates a task and dispatches it to the best agent.
//
// A task that cannot be routed is recorded as failed and its id is returned
// with a nil error; callers inspect the status. A publish failure leaves the
// task in_progress and returns the id together with an ErrTransport error.
func (r *Router) SubmitTask(ctx context.Context, req SubmitRequest) (_ string, err error) {
	now := r.now()
	task := &domain.Task{
		ID:        newID(now),
		Type:      req.Type,
		Payload:   req.Payload,
		Context:   req.Context,
		Status:    domain.TaskStatusPending,
		CreatedAt: now,
		Priority:  domain.ClampPriority(req.Priority),
	}
	if task.Payload == nil {
		task.Payload = domain.TaskPayload{}
	}

	ctx, span := tracer.StartSpan(ctx, "router.submit_task", tracer.TaskAttrs(task.ID, task.Type)...)
	defer func() { tracer.End(span, err) }()

	r.publish(ctx, domain.EventTaskSubmitted, task, nil)

	if err := r.agents.CheckPayload(task.Type, task.Payload); err != nil {
		r.reject(ctx, task, err.Error())
		return task.ID, nil
	}

	if r.limiter != nil {
		if err := r.limiter.Wait(ctx); err != nil {
			r.reject(ctx, task, "dispatch cancelled: "+err.Error())
			return task.ID, domain.WrapOp("Router.SubmitTask", err)
		}
	}

	agent, ok := r.agents.Reserve(ctx, task.Type, task.Payload)
	if !ok {
		r.reject(ctx, task, fmt.Sprintf("%v for task type %q", domain.ErrNoCapableAgent, task.Type))
		return task.ID, nil
	}

	started := r.now()
	task.AgentID = agent.ID
	r.transition(task, domain.TaskStatusInProgress)
	task.StartedAt = &started
	if timeout := r.timeout(req); timeout > 0 {
		deadline := started.Add(timeout)
		task.Deadline = &deadline
	}
	span.SetAttributes(tracer.StringAttr(tracer.AttrAgentID, agent.ID))

	r.mu.Lock()
	r.active[task.ID] = task
	dispatched := task.Clone()
	r.mu.Unlock()

	if err := r.bus.PublishTask(ctx, agent.ID, dispatched); err != nil {
		r.logger.Error("task dispatch failed", "task_id", task.ID, "agent_id", agent.ID, "error", err)
		return task.ID, domain.WrapOp("Router.SubmitTask", err)
	}

	r.logger.Info("task routed", "task_id", task.ID, "task_type", task.Type, "agent_id", agent.ID, "priority", task.Priority)
	r.publish(ctx, domain.EventTaskRouted, &dispatched, nil)
	return task.ID, nil
}

// CompleteTask records the outcome of an in-progress task. Unknown or
// already finished tasks are ignored, so duplicate deliveries are safe.
func (r *Router) CompleteTask(ctx context.Context, taskID string, result map[string]any, success bool) (err error) {
	r.mu.Lock()
	task, ok := r.active[taskID]
	if ok {
		delete(r.active, taskID)
	}
	r.mu.Unlock()

	if !ok {
		r.logger.Warn("result for unknown task", "task_id", taskID)
		return nil
	}

	ctx, span := tracer.StartSpan(ctx, "router.complete_task", tracer.TaskAttrs(task.ID, task.Type)...)
	defer func() { tracer.End(span, err) }()

	msg := ""
	if !success {
		msg = msgTaskFailed
		if s, ok := result["error"].(string); ok && s != "" {
			msg = s
		}
	}
	return r.finish(ctx, task, result, success, msg)
}

// ReapExpired fails every in-progress task whose deadline is before now and
// returns how many were reaped.
func (r *Router) ReapExpired(ctx context.Context, now time.Time) int {
	r.mu.Lock()
	var expired []*domain.Task
	for id, t := range r.active {
		if t.Expired(now) {
			expired = append(expired, t)
			delete(r.active, id)
		}
	}
	r.mu.Unlock()

	sort.Slice(expired, func(i, j int) bool { return expired[i].CreatedAt.Before(expired[j].CreatedAt) })
	for _, t := range expired {
		r.logger.Warn("task deadline passed", "task_id", t.ID, "agent_id", t.AgentID, "deadline", *t.Deadline)
		if err := r.finish(ctx, t, nil, false, msgTimedOut); err != nil {
			r.logger.Warn("timeout result publish failed", "task_id", t.ID, "error", err)
		}
	}
	return len(expired)
}

// GetTaskStatus returns a copy of the task, looking in the active table
// first and then in the finished-task history.
func (r *Router) GetTaskStatus(taskID string) (domain.Task, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if t, ok := r.active[taskID]; ok {
		return t.Clone(), true
	}
	return r.history.get(taskID)
}

// GetActiveTasks returns copies of all active tasks, oldest first.
func (r *Router) GetActiveTasks() []domain.Task {
	r.mu.Lock()
	out := make([]domain.Task, 0, len(r.active))
	for _, t := range r.active {
		out = append(out, t.Clone())
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// finish moves a task already removed from the active table to a terminal
// state, frees its agent and republishes the outcome.
func (r *Router) finish(ctx context.Context, task *domain.Task, result map[string]any, success bool, errMsg string) error {
	next := domain.TaskStatusFailed
	if success {
		next = domain.TaskStatusCompleted
	}
	if !r.transition(task, next) {
		return nil
	}
	completed := r.now()
	task.CompletedAt = &completed
	task.Result = result
	task.ErrorMessage = errMsg
	done := task.Clone()

	r.mu.Lock()
	r.history.add(done)
	r.mu.Unlock()

	r.agents.UpdateAgentStatus(ctx, task.AgentID, domain.AgentStatusActive, nil)

	if success {
		r.logger.Info("task completed", "task_id", task.ID, "agent_id", task.AgentID)
		r.publish(ctx, domain.EventTaskCompleted, &done, nil)
	} else {
		r.logger.Warn("task failed", "task_id", task.ID, "agent_id", task.AgentID, "reason", errMsg)
		r.publish(ctx, domain.EventTaskFailed, &done, map[string]string{"error": errMsg})
	}

	err := r.bus.PublishResultEnvelope(ctx, domain.TaskResult{
		TaskID:  task.ID,
		AgentID: task.AgentID,
		Result:  result,
		Success: &success,
		Error:   errMsg,
		Source:  domain.SourceRouter,
	})
	return domain.WrapOp("Router.CompleteTask", err)
}

// transition moves task to next when the state machine allows it. A refused
// step is logged and leaves the task untouched.
func (r *Router) transition(task *domain.Task, next domain.TaskStatus) bool {
	if !task.Status.CanTransition(next) {
		r.logger.Warn("refused task transition",
			"task_id", task.ID, "from", string(task.Status), "to", string(next))
		return false
	}
	task.Status = next
	return true
}

// reject fails a task that never reached an agent.
func (r *Router) reject(ctx context.Context, task *domain.Task, reason string) {
	if !r.transition(task, domain.TaskStatusFailed) {
		return
	}
	completed := r.now()
	task.CompletedAt = &completed
	task.ErrorMessage = reason
	done := task.Clone()

	r.mu.Lock()
	r.history.add(done)
	r.mu.Unlock()

	r.logger.Warn("task not routed", "task_id", task.ID, "task_type", task.Type, "reason", reason)
	r.publish(ctx, domain.EventTaskFailed, &done, map[string]string{"error": reason})
}

func (r *Router) timeout(req SubmitRequest) time.Duration {
	if req.Timeout > 0 {
		return req.Timeout
	}
	return r.cfg.TaskTimeout
}

func (r *Router) publish(ctx context.Context, t domain.EventType, task *domain.Task, detail any) {
	if r.events == nil {
		return
	}
	r.events.Publish(ctx, domain.NewEvent(t, task.ID, task.AgentID, detail))
}

func newID(t time.Time) string {
	return ulid.MustNew(ulid.Timestamp(t), ulid.DefaultEntropy()).String()
}
