package domain

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTaskAssignmentWireShape(t *testing.T) {
	msg := TaskAssignment{
		Type:      MessageTaskAssignment,
		Task:      Task{ID: "t1", Type: "summarize", Status: TaskStatusInProgress, Priority: 3},
		Timestamp: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}
	data, err := json.Marshal(msg)
	require.NoError(t, err)

	var raw map[string]any
	require.NoError(t, json.Unmarshal(data, &raw))
	assert.Equal(t, "task_assignment", raw["type"])
	assert.Equal(t, "2026-01-02T03:04:05Z", raw["timestamp"])
	task := raw["task"].(map[string]any)
	assert.Equal(t, "t1", task["task_id"])
	assert.Equal(t, "summarize", task["task_type"])
}

func TestTaskResultSucceeded(t *testing.T) {
	no := false
	yes := true
	assert.True(t, TaskResult{}.Succeeded())
	assert.True(t, TaskResult{Success: &yes}.Succeeded())
	assert.False(t, TaskResult{Success: &no}.Succeeded())
	assert.False(t, TaskResult{Success: &yes, Error: "boom"}.Succeeded())
}

func TestPeekMessageType(t *testing.T) {
	typ, err := PeekMessageType([]byte(`{"type":"task_result","task_id":"x"}`))
	require.NoError(t, err)
	assert.Equal(t, MessageTaskResult, typ)

	_, err = PeekMessageType([]byte(`{"task_id":"x"}`))
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, err = PeekMessageType([]byte(`not json`))
	assert.Error(t, err)
}
