// Package agentsdk provides a client SDK for building orchestra agents.
//
// An agent declares capabilities, announces itself, reports heartbeats and
// executes the tasks the router assigns to its inbox. Any pub/sub transport
// with Publish and Subscribe works; the Redis client and the in-memory
// transport both qualify.
//
// Example:
//
//	agent := agentsdk.New("summarizer-1", "llm",
//	    agentsdk.WithScore(0.9),
//	    agentsdk.WithHeartbeat(15*time.Second),
//	)
//	agent.RegisterCapability(agentsdk.Capability{Name: "summarize"},
//	    func(ctx context.Context, task agentsdk.Task) (map[string]any, error) {
//	        return map[string]any{"summary": "..."}, nil
//	    },
//	)
//	err := agent.Run(ctx, transport)
package agentsdk

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"orchestra/internal/domain"
)

// Wire types shared with the core.
type (
	Capability = domain.AgentCapability
	Task       = domain.Task
	Info       = domain.AgentInfo
)

// Handler executes one task. A returned error is reported as a failed result.
type Handler func(ctx context.Context, task Task) (map[string]any, error)

// Transport is the pub/sub surface the agent needs.
type Transport interface {
	Publish(ctx context.Context, channel string, message string) error
	Subscribe(ctx context.Context, channel string) (<-chan string, error)
}

// Topics names the channels an agent talks on.
type Topics struct {
	TaskPrefix string // inbox is <TaskPrefix>.<id>.tasks
	Results    string
	Status     string
	Announce   string
}

// DefaultTopics match the core's defaults.
var DefaultTopics = Topics{
	TaskPrefix: "agents",
	Results:    "results",
	Status:     "agents.status",
	Announce:   "agents.announce",
}

const defaultHeartbeat = 30 * time.Second

// Agent is a worker that serves registered capabilities.
type Agent struct {
	mu             sync.RWMutex
	id             string
	agentType      string
	endpoint       string
	specialization string
	score          float64
	heartbeat      time.Duration
	topics         Topics
	capabilities   []Capability
	handlers       map[string]Handler
	busy           bool
	logger         *slog.Logger
}

// New creates an agent with the given id and type tag.
func New(id, agentType string, opts ...Option) *Agent {
	a := &Agent{
		id:        id,
		agentType: agentType,
		score:     1,
		heartbeat: defaultHeartbeat,
		topics:    DefaultTopics,
		handlers:  make(map[string]Handler),
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// ID returns the agent's identifier.
func (a *Agent) ID() string { return a.id }

// InboxTopic returns the topic tasks for this agent arrive on.
func (a *Agent) InboxTopic() string {
	return a.topics.TaskPrefix + "." + a.id + ".tasks"
}

// RegisterCapability declares c and binds its handler. Registering the same
// name again replaces both.
func (a *Agent) RegisterCapability(c Capability, h Handler) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.handlers[c.Name]; ok {
		for i := range a.capabilities {
			if a.capabilities[i].Name == c.Name {
				a.capabilities[i] = c
			}
		}
	} else {
		a.capabilities = append(a.capabilities, c)
	}
	a.handlers[c.Name] = h
	a.logger.Debug("capability registered", "name", c.Name)
}

// Info returns the registry record this agent announces.
func (a *Agent) Info() Info {
	a.mu.RLock()
	defer a.mu.RUnlock()
	info := Info{
		ID:               a.id,
		Type:             a.agentType,
		Capabilities:     a.capabilities,
		Endpoint:         a.endpoint,
		Status:           domain.AgentStatusActive,
		PerformanceScore: a.score,
		Specialization:   a.specialization,
	}
	return info.Clone()
}

// HandleTask dispatches task to the handler of its type.
func (a *Agent) HandleTask(ctx context.Context, task Task) (map[string]any, error) {
	a.mu.RLock()
	h, ok := a.handlers[task.Type]
	a.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("capability %q not registered", task.Type)
	}
	return h(ctx, task)
}

// Run announces the agent, then serves its inbox and sends heartbeats until
// ctx is done. Tasks are executed one at a time in arrival order.
func (a *Agent) Run(ctx context.Context, transport Transport) error {
	inbox, err := transport.Subscribe(ctx, a.InboxTopic())
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", a.InboxTopic(), err)
	}
	if err := a.announce(ctx, transport); err != nil {
		return err
	}
	a.logger.Info("agent running", "agent_id", a.id, "inbox", a.InboxTopic())

	ticker := time.NewTicker(a.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			a.report(ctx, transport)
		case msg, ok := <-inbox:
			if !ok {
				if ctx.Err() != nil {
					return nil
				}
				return errors.New("inbox closed")
			}
			a.serve(ctx, transport, []byte(msg))
		}
	}
}

func (a *Agent) announce(ctx context.Context, transport Transport) error {
	return a.send(ctx, transport, a.topics.Announce, domain.AgentAnnouncement{
		Type:      domain.MessageAgentRegistration,
		Agent:     a.Info(),
		Timestamp: time.Now().UTC(),
	})
}

// report publishes a heartbeat with the current status and load.
func (a *Agent) report(ctx context.Context, transport Transport) {
	a.mu.RLock()
	status, load := domain.AgentStatusActive, 0.0
	if a.busy {
		status, load = domain.AgentStatusBusy, 1.0
	}
	a.mu.RUnlock()

	err := a.send(ctx, transport, a.topics.Status, domain.AgentHeartbeat{
		Type:      domain.MessageAgentStatus,
		AgentID:   a.id,
		Status:    status,
		Load:      &load,
		Timestamp: time.Now().UTC(),
	})
	if err != nil {
		a.logger.Warn("heartbeat failed", "agent_id", a.id, "error", err)
	}
}

func (a *Agent) serve(ctx context.Context, transport Transport, payload []byte) {
	var msg domain.TaskAssignment
	if err := json.Unmarshal(payload, &msg); err != nil || msg.Type != domain.MessageTaskAssignment {
		a.logger.Warn("ignoring inbox message", "agent_id", a.id, "error", err)
		return
	}

	a.setBusy(true)
	a.report(ctx, transport)
	result, err := a.run(ctx, msg.Task)
	a.setBusy(false)

	success := err == nil
	res := domain.TaskResult{
		Type:      domain.MessageTaskResult,
		TaskID:    msg.Task.ID,
		AgentID:   a.id,
		Result:    result,
		Success:   &success,
		Source:    domain.SourceAgent,
		Timestamp: time.Now().UTC(),
	}
	if err != nil {
		res.Error = err.Error()
		a.logger.Warn("task failed", "agent_id", a.id, "task_id", msg.Task.ID, "error", err)
	}
	if err := a.send(ctx, transport, a.topics.Results, res); err != nil {
		a.logger.Error("result publish failed", "agent_id", a.id, "task_id", msg.Task.ID, "error", err)
	}
	a.report(ctx, transport)
}

// run executes the handler, turning a panic into a task failure.
func (a *Agent) run(ctx context.Context, task Task) (result map[string]any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panicked: %v", r)
		}
	}()
	return a.HandleTask(ctx, task)
}

func (a *Agent) setBusy(b bool) {
	a.mu.Lock()
	a.busy = b
	a.mu.Unlock()
}

func (a *Agent) send(ctx context.Context, transport Transport, topic string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s message: %w", topic, err)
	}
	if err := transport.Publish(ctx, topic, string(data)); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	return nil
}
