package domain

import (
	"encoding/json"
	"time"
)

// AgentStatus is the routing state of a registered agent.
type AgentStatus string

const (
	AgentStatusActive   AgentStatus = "active"
	AgentStatusBusy     AgentStatus = "busy"
	AgentStatusInactive AgentStatus = "inactive"
	AgentStatusError    AgentStatus = "error"
)

// Valid reports whether s is one of the known agent statuses.
func (s AgentStatus) Valid() bool {
	switch s {
	case AgentStatusActive, AgentStatusBusy, AgentStatusInactive, AgentStatusError:
		return true
	}
	return false
}

// AgentCapability is a named unit of work an agent declares at registration.
// It is never mutated after registration.
type AgentCapability struct {
	Name              string   `json:"name"               yaml:"name"`
	Description       string   `json:"description"        yaml:"description"`
	InputTypes        []string `json:"input_types"        yaml:"input_types"`
	OutputTypes       []string `json:"output_types"       yaml:"output_types"`
	EstimatedDuration int      `json:"estimated_duration" yaml:"estimated_duration"` // seconds

	// InputSchema is an optional JSON Schema the task payload must satisfy
	// for this agent to be selected.
	InputSchema json.RawMessage `json:"input_schema,omitempty" yaml:"-"`
}

// AgentInfo is the registry record for one agent.
type AgentInfo struct {
	ID               string            `json:"agent_id"`
	Type             string            `json:"agent_type"`
	Capabilities     []AgentCapability `json:"capabilities"`
	Endpoint         string            `json:"endpoint"`
	Status           AgentStatus       `json:"status"`
	PerformanceScore float64           `json:"performance_score"`
	LastSeen         time.Time         `json:"last_seen"`
	CurrentLoad      float64           `json:"current_load"`
	Specialization   string            `json:"specialization,omitempty"`
}

// Clone returns a deep copy so callers never share the registry's slices.
func (a AgentInfo) Clone() AgentInfo {
	out := a
	if a.Capabilities != nil {
		out.Capabilities = make([]AgentCapability, len(a.Capabilities))
		for i, c := range a.Capabilities {
			out.Capabilities[i] = c.clone()
		}
	}
	return out
}

// HasCapability reports whether the agent declares the named capability.
func (a AgentInfo) HasCapability(name string) bool {
	_, ok := a.Capability(name)
	return ok
}

// Capability returns the declared capability with the given name.
func (a AgentInfo) Capability(name string) (AgentCapability, bool) {
	for _, c := range a.Capabilities {
		if c.Name == name {
			return c, true
		}
	}
	return AgentCapability{}, false
}

// Score is the selection weight used by capability routing:
// performance discounted by current load.
func (a AgentInfo) Score() float64 {
	return a.PerformanceScore * (1 - a.CurrentLoad)
}

func (c AgentCapability) clone() AgentCapability {
	out := c
	out.InputTypes = append([]string(nil), c.InputTypes...)
	out.OutputTypes = append([]string(nil), c.OutputTypes...)
	if c.InputSchema != nil {
		out.InputSchema = append(json.RawMessage(nil), c.InputSchema...)
	}
	return out
}
