// Package registry is the authoritative in-memory view of known agents
// and their capabilities.
package registry

import (
	"context"
	"log/slog"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/kaptinlin/jsonschema"

	"orchestra/internal/domain"
)

// DefaultMaxLoad is the load at or above which an agent is not routable.
const DefaultMaxLoad = 0.8

const defaultMirrorTimeout = 2 * time.Second

// Config tunes selection and mirroring.
type Config struct {
	MaxLoad       float64
	MirrorTimeout time.Duration
}

// Option configures a Registry.
type Option func(*Registry)

// WithMirror sets the durable mirror.
func WithMirror(m Mirror) Option {
	return func(r *Registry) { r.mirror = m }
}

// WithEvents publishes lifecycle events on bus.
func WithEvents(bus domain.EventBus) Option {
	return func(r *Registry) { r.events = bus }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

type entry struct {
	info    domain.AgentInfo
	schemas map[string]*jsonschema.Schema
}

// Registry stores agent records and a capability index. All methods are
// safe for concurrent use; "not found" is reported through return values,
// never as an error.
type Registry struct {
	mu     sync.RWMutex
	agents map[string]*entry
	index  map[string][]string // capability -> agent ids, first-registered first

	cfg    Config
	mirror Mirror
	events domain.EventBus
	now    func() time.Time
	logger *slog.Logger

	mirrorMu sync.Mutex
	mirrorWG sync.WaitGroup
}

// New creates an empty registry.
func New(cfg Config, logger *slog.Logger, opts ...Option) *Registry {
	if cfg.MaxLoad <= 0 {
		cfg.MaxLoad = DefaultMaxLoad
	}
	if cfg.MirrorTimeout <= 0 {
		cfg.MirrorTimeout = defaultMirrorTimeout
	}
	r := &Registry{
		agents: make(map[string]*entry),
		index:  make(map[string][]string),
		cfg:    cfg,
		now:    time.Now,
		logger: logger,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// RegisterAgent inserts or overwrites info by id and rebuilds its index
// entries. An empty status means active and a zero LastSeen means now.
// The mirror write is best-effort and never fails registration.
func (r *Registry) RegisterAgent(ctx context.Context, info domain.AgentInfo) error {
	const op = "Registry.RegisterAgent"
	if info.ID == "" {
		return domain.NewSubSystemError("agent", op, domain.ErrInvalidInput, "empty agent id")
	}
	if info.Status == "" {
		info.Status = domain.AgentStatusActive
	}
	if !info.Status.Valid() {
		return domain.NewSubSystemError("agent", op, domain.ErrInvalidInput, "unknown status "+string(info.Status))
	}
	schemas, err := compileSchemas(info.Capabilities)
	if err != nil {
		return domain.NewSubSystemError("agent", op, domain.ErrInvalidInput, err.Error())
	}
	if info.LastSeen.IsZero() {
		info.LastSeen = r.now()
	}
	info.CurrentLoad = clampLoad(info.CurrentLoad)
	info = info.Clone()

	r.mu.Lock()
	r.put(&entry{info: info, schemas: schemas})
	r.mu.Unlock()

	r.logger.Info("agent registered", "agent_id", info.ID, "agent_type", info.Type, "capabilities", len(info.Capabilities))
	r.persist(ctx, info.ID)
	r.publish(ctx, domain.EventAgentRegistered, info.ID, info)
	return nil
}

// put stores e and reconciles the index. Caller holds r.mu.
func (r *Registry) put(e *entry) {
	id := e.info.ID
	if prev, ok := r.agents[id]; ok {
		for _, c := range prev.info.Capabilities {
			if !e.info.HasCapability(c.Name) {
				r.index[c.Name] = slices.DeleteFunc(r.index[c.Name], func(s string) bool { return s == id })
				if len(r.index[c.Name]) == 0 {
					delete(r.index, c.Name)
				}
			}
		}
	}
	r.agents[id] = e
	for _, c := range e.info.Capabilities {
		if !slices.Contains(r.index[c.Name], id) {
			r.index[c.Name] = append(r.index[c.Name], id)
		}
	}
}

// FindAgentForTask picks the routable agent for taskType with the highest
// PerformanceScore*(1-CurrentLoad). Routable means active, under the load
// ceiling, and accepting payload when the capability declares a schema.
// Ties go to the agent registered first under the capability.
func (r *Registry) FindAgentForTask(taskType string, payload domain.TaskPayload) (domain.AgentInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	best := r.pick(taskType, payload)
	if best == nil {
		return domain.AgentInfo{}, false
	}
	return best.info.Clone(), true
}

// Reserve selects an agent like FindAgentForTask and marks it busy under
// the same lock, so concurrent callers never get the same agent.
func (r *Registry) Reserve(ctx context.Context, taskType string, payload domain.TaskPayload) (domain.AgentInfo, bool) {
	r.mu.Lock()
	best := r.pick(taskType, payload)
	if best == nil {
		r.mu.Unlock()
		return domain.AgentInfo{}, false
	}
	best.info.Status = domain.AgentStatusBusy
	best.info.LastSeen = r.now()
	snapshot := best.info.Clone()
	r.mu.Unlock()

	r.logger.Debug("agent reserved", "agent_id", snapshot.ID, "task_type", taskType)
	r.persist(ctx, snapshot.ID)
	r.publish(ctx, domain.EventAgentStatus, snapshot.ID, map[string]any{"status": snapshot.Status, "load": snapshot.CurrentLoad})
	return snapshot, true
}

// pick returns the best routable entry for taskType. Caller holds r.mu.
func (r *Registry) pick(taskType string, payload domain.TaskPayload) *entry {
	var best *entry
	bestScore := 0.0
	for _, id := range r.index[taskType] {
		e := r.agents[id]
		if e == nil || e.info.Status != domain.AgentStatusActive || e.info.CurrentLoad >= r.cfg.MaxLoad {
			continue
		}
		if s, ok := e.schemas[taskType]; ok {
			if err := validatePayload(s, payload); err != nil {
				continue
			}
		}
		if score := e.info.Score(); best == nil || score > bestScore {
			best, bestScore = e, score
		}
	}
	return best
}

// CheckPayload reports whether payload is acceptable to at least one agent
// that declares a schema for taskType. Capabilities with no schema accept
// anything.
func (r *Registry) CheckPayload(taskType string, payload domain.TaskPayload) error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var firstErr error
	for _, id := range r.index[taskType] {
		e := r.agents[id]
		if e == nil {
			continue
		}
		s, ok := e.schemas[taskType]
		if !ok {
			return nil
		}
		err := validatePayload(s, payload)
		if err == nil {
			return nil
		}
		if firstErr == nil {
			firstErr = err
		}
	}
	if firstErr != nil {
		return domain.NewSubSystemError("task", "Registry.CheckPayload", domain.ErrInvalidInput, firstErr.Error())
	}
	return nil
}

// UpdateAgentStatus records a status report: status, LastSeen=now and,
// when load is non-nil, CurrentLoad. It returns false for an unknown agent.
func (r *Registry) UpdateAgentStatus(ctx context.Context, agentID string, status domain.AgentStatus, load *float64) bool {
	if !status.Valid() {
		r.logger.Warn("ignoring unknown agent status", "agent_id", agentID, "status", string(status))
		return false
	}

	r.mu.Lock()
	e, ok := r.agents[agentID]
	if !ok {
		r.mu.Unlock()
		r.logger.Warn("status update for unknown agent", "agent_id", agentID, "status", string(status))
		return false
	}
	e.info.Status = status
	e.info.LastSeen = r.now()
	if load != nil {
		e.info.CurrentLoad = clampLoad(*load)
	}
	snapshot := e.info.Clone()
	r.mu.Unlock()

	r.logger.Debug("agent status updated", "agent_id", agentID, "status", string(status), "load", snapshot.CurrentLoad)
	r.persist(ctx, agentID)
	r.publish(ctx, domain.EventAgentStatus, agentID, map[string]any{"status": status, "load": snapshot.CurrentLoad})
	return true
}

// MarkStale marks every agent last seen before cutoff as inactive and
// returns their ids, sorted.
func (r *Registry) MarkStale(ctx context.Context, cutoff time.Time) []string {
	r.mu.Lock()
	var stale []string
	for id, e := range r.agents {
		if e.info.Status != domain.AgentStatusInactive && e.info.LastSeen.Before(cutoff) {
			e.info.Status = domain.AgentStatusInactive
			stale = append(stale, id)
		}
	}
	r.mu.Unlock()

	sort.Strings(stale)
	for _, id := range stale {
		r.logger.Warn("agent marked inactive", "agent_id", id, "cutoff", cutoff)
		r.persist(ctx, id)
		r.publish(ctx, domain.EventAgentInactive, id, nil)
	}
	return stale
}

// GetAgent returns a copy of one agent record.
func (r *Registry) GetAgent(agentID string) (domain.AgentInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.agents[agentID]
	if !ok {
		return domain.AgentInfo{}, false
	}
	return e.info.Clone(), true
}

// GetAllAgents returns copies of every agent, sorted by id.
func (r *Registry) GetAllAgents() []domain.AgentInfo {
	r.mu.RLock()
	out := make([]domain.AgentInfo, 0, len(r.agents))
	for _, e := range r.agents {
		out = append(out, e.info.Clone())
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// GetAgentsByCapability returns copies of the agents declaring name, in
// index order.
func (r *Registry) GetAgentsByCapability(name string) []domain.AgentInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := r.index[name]
	out := make([]domain.AgentInfo, 0, len(ids))
	for _, id := range ids {
		if e, ok := r.agents[id]; ok {
			out = append(out, e.info.Clone())
		}
	}
	return out
}

// Restore loads agents from the mirror. Restored agents are inactive until
// they report in, and agents already registered in memory are left alone.
// A missing or unreadable mirror restores nothing.
func (r *Registry) Restore(ctx context.Context) int {
	if r.mirror == nil {
		return 0
	}
	rctx, cancel := context.WithTimeout(ctx, r.cfg.MirrorTimeout)
	defer cancel()
	infos, err := r.mirror.Load(rctx)
	if err != nil {
		r.logger.Warn("registry restore failed", "error", err)
		return 0
	}

	// Mirror order is arbitrary; restore oldest-seen first so the index
	// tie-break is stable across restarts.
	sort.Slice(infos, func(i, j int) bool {
		if infos[i].LastSeen.Equal(infos[j].LastSeen) {
			return infos[i].ID < infos[j].ID
		}
		return infos[i].LastSeen.Before(infos[j].LastSeen)
	})

	n := 0
	r.mu.Lock()
	for _, info := range infos {
		if info.ID == "" {
			continue
		}
		if _, exists := r.agents[info.ID]; exists {
			continue
		}
		schemas, err := compileSchemas(info.Capabilities)
		if err != nil {
			r.logger.Warn("skipping restored agent with bad schema", "agent_id", info.ID, "error", err)
			continue
		}
		info.Status = domain.AgentStatusInactive
		info.CurrentLoad = clampLoad(info.CurrentLoad)
		r.put(&entry{info: info.Clone(), schemas: schemas})
		n++
	}
	r.mu.Unlock()

	r.logger.Info("registry restored from mirror", "agents", n)
	return n
}

// Snapshot writes every agent to the mirror synchronously.
func (r *Registry) Snapshot(ctx context.Context) error {
	if r.mirror == nil {
		return nil
	}
	r.mirrorMu.Lock()
	defer r.mirrorMu.Unlock()
	for _, info := range r.GetAllAgents() {
		if err := r.mirror.Save(ctx, info); err != nil {
			return domain.WrapOp("Registry.Snapshot", err)
		}
	}
	return nil
}

// Flush waits for in-flight mirror writes.
func (r *Registry) Flush() {
	r.mirrorWG.Wait()
}

// persist mirrors agentID in the background, bounded by MirrorTimeout.
// Writes are serialized and always send the current record, so the mirror
// converges on the latest state.
func (r *Registry) persist(ctx context.Context, agentID string) {
	if r.mirror == nil {
		return
	}
	r.mirrorWG.Add(1)
	go func() {
		defer r.mirrorWG.Done()
		r.mirrorMu.Lock()
		defer r.mirrorMu.Unlock()

		info, ok := r.GetAgent(agentID)
		if !ok {
			return
		}
		wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.cfg.MirrorTimeout)
		defer cancel()
		if err := r.mirror.Save(wctx, info); err != nil {
			r.logger.Warn("registry mirror write failed", "agent_id", agentID, "error", err)
		}
	}()
}

func (r *Registry) publish(ctx context.Context, t domain.EventType, agentID string, detail any) {
	if r.events == nil {
		return
	}
	r.events.Publish(ctx, domain.NewEvent(t, "", agentID, detail))
}

func clampLoad(l float64) float64 {
	switch {
	case l < 0:
		return 0
	case l > 1:
		return 1
	}
	return l
}
