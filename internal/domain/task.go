package domain

import (
	"maps"
	"time"
)

// TaskStatus is the lifecycle state of a task.
type TaskStatus string

const (
	TaskStatusPending    TaskStatus = "pending"
	TaskStatusInProgress TaskStatus = "in_progress"
	TaskStatusCompleted  TaskStatus = "completed"
	TaskStatusFailed     TaskStatus = "failed"
)

// Priority bounds. 5 is the most urgent.
const (
	MinPriority     = 1
	MaxPriority     = 5
	DefaultPriority = 3
)

// Terminal reports whether no further transition is allowed out of s.
func (s TaskStatus) Terminal() bool {
	return s == TaskStatusCompleted || s == TaskStatusFailed
}

// CanTransition reports whether moving from s to next is a legal step.
func (s TaskStatus) CanTransition(next TaskStatus) bool {
	switch s {
	case TaskStatusPending:
		return next == TaskStatusInProgress || next == TaskStatusFailed
	case TaskStatusInProgress:
		return next == TaskStatusCompleted || next == TaskStatusFailed
	}
	return false
}

// TaskPayload is the per-task-type input. Its shape is defined by the
// capability's InputSchema.
type TaskPayload map[string]any

// Task is one unit of work tracked by the router.
type Task struct {
	ID           string         `json:"task_id"`
	Type         string         `json:"task_type"`
	AgentID      string         `json:"agent_id,omitempty"`
	Payload      TaskPayload    `json:"task_data"`
	Context      map[string]any `json:"context,omitempty"`
	Status       TaskStatus     `json:"status"`
	CreatedAt    time.Time      `json:"created_at"`
	StartedAt    *time.Time     `json:"started_at,omitempty"`
	CompletedAt  *time.Time     `json:"completed_at,omitempty"`
	Deadline     *time.Time     `json:"deadline,omitempty"`
	Result       map[string]any `json:"result,omitempty"`
	ErrorMessage string         `json:"error_message,omitempty"`
	Priority     int            `json:"priority"`
}

// ClampPriority maps p into [MinPriority, MaxPriority]; zero means default.
func ClampPriority(p int) int {
	switch {
	case p == 0:
		return DefaultPriority
	case p < MinPriority:
		return MinPriority
	case p > MaxPriority:
		return MaxPriority
	}
	return p
}

// Clone returns a copy with its own top-level maps and timestamps.
func (t Task) Clone() Task {
	out := t
	out.Payload = maps.Clone(t.Payload)
	out.Context = maps.Clone(t.Context)
	out.Result = maps.Clone(t.Result)
	out.StartedAt = cloneTime(t.StartedAt)
	out.CompletedAt = cloneTime(t.CompletedAt)
	out.Deadline = cloneTime(t.Deadline)
	return out
}

// Expired reports whether an in-progress task has passed its deadline.
func (t Task) Expired(now time.Time) bool {
	return t.Status == TaskStatusInProgress && t.Deadline != nil && now.After(*t.Deadline)
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
