package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestTaskStatusTransitions(t *testing.T) {
	tests := []struct {
		from, to TaskStatus
		ok       bool
	}{
		{TaskStatusPending, TaskStatusInProgress, true},
		{TaskStatusPending, TaskStatusFailed, true},
		{TaskStatusPending, TaskStatusCompleted, false},
		{TaskStatusInProgress, TaskStatusCompleted, true},
		{TaskStatusInProgress, TaskStatusFailed, true},
		{TaskStatusInProgress, TaskStatusPending, false},
		{TaskStatusCompleted, TaskStatusFailed, false},
		{TaskStatusFailed, TaskStatusInProgress, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.ok, tt.from.CanTransition(tt.to), "%s -> %s", tt.from, tt.to)
	}
}

func TestTaskStatusTerminal(t *testing.T) {
	assert.True(t, TaskStatusCompleted.Terminal())
	assert.True(t, TaskStatusFailed.Terminal())
	assert.False(t, TaskStatusPending.Terminal())
	assert.False(t, TaskStatusInProgress.Terminal())
}

func TestClampPriority(t *testing.T) {
	assert.Equal(t, DefaultPriority, ClampPriority(0))
	assert.Equal(t, MinPriority, ClampPriority(-4))
	assert.Equal(t, MaxPriority, ClampPriority(9))
	assert.Equal(t, 4, ClampPriority(4))
}

func TestTaskCloneIsolatesMaps(t *testing.T) {
	started := time.Now()
	task := Task{
		ID:        "t1",
		Payload:   TaskPayload{"text": "hello"},
		Result:    map[string]any{"ok": true},
		StartedAt: &started,
	}
	cp := task.Clone()
	cp.Payload["text"] = "changed"
	cp.Result["ok"] = false
	*cp.StartedAt = started.Add(time.Hour)

	assert.Equal(t, "hello", task.Payload["text"])
	assert.Equal(t, true, task.Result["ok"])
	assert.Equal(t, started, *task.StartedAt)
}

func TestTaskExpired(t *testing.T) {
	now := time.Now()
	past := now.Add(-time.Second)
	future := now.Add(time.Minute)

	assert.True(t, Task{Status: TaskStatusInProgress, Deadline: &past}.Expired(now))
	assert.False(t, Task{Status: TaskStatusInProgress, Deadline: &future}.Expired(now))
	assert.False(t, Task{Status: TaskStatusInProgress}.Expired(now))
	assert.False(t, Task{Status: TaskStatusCompleted, Deadline: &past}.Expired(now))
}
