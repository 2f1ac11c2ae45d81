package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// MessageType tags every envelope published on the message bus.
type MessageType string

const (
	MessageTaskAssignment    MessageType = "task_assignment"
	MessageTaskResult        MessageType = "task_result"
	MessageAgentStatus       MessageType = "agent_status"
	MessageAgentRegistration MessageType = "agent_registration"
)

// Result sources. Results republished by the router carry SourceRouter so
// that the orchestrator does not feed its own broadcasts back in.
const (
	SourceAgent  = "agent"
	SourceRouter = "router"
)

// TaskAssignment hands a task to one agent inbox.
type TaskAssignment struct {
	Type      MessageType `json:"type"`
	Task      Task        `json:"task"`
	Timestamp time.Time   `json:"timestamp"`
}

// TaskResult is broadcast on the shared results topic.
type TaskResult struct {
	Type      MessageType    `json:"type"`
	TaskID    string         `json:"task_id"`
	AgentID   string         `json:"agent_id"`
	Result    map[string]any `json:"result"`
	Success   *bool          `json:"success,omitempty"`
	Error     string         `json:"error,omitempty"`
	Source    string         `json:"source,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Succeeded reports the outcome an agent declared. A result without an
// explicit flag or error counts as a success.
func (r TaskResult) Succeeded() bool {
	if r.Error != "" {
		return false
	}
	return r.Success == nil || *r.Success
}

// AgentHeartbeat is a periodic status report from an agent.
type AgentHeartbeat struct {
	Type      MessageType `json:"type"`
	AgentID   string      `json:"agent_id"`
	Status    AgentStatus `json:"status"`
	Load      *float64    `json:"load,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// AgentAnnouncement lets an out-of-process agent register itself.
type AgentAnnouncement struct {
	Type      MessageType `json:"type"`
	Agent     AgentInfo   `json:"agent"`
	Timestamp time.Time   `json:"timestamp"`
}

// PeekMessageType extracts the "type" field without decoding the full body.
func PeekMessageType(data []byte) (MessageType, error) {
	var head struct {
		Type MessageType `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return "", fmt.Errorf("decode envelope: %w", err)
	}
	if head.Type == "" {
		return "", fmt.Errorf("decode envelope: %w", ErrInvalidInput)
	}
	return head.Type, nil
}
