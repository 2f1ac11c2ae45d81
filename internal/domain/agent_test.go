package domain

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleAgent() AgentInfo {
	return AgentInfo{
		ID:   "a1",
		Type: "summarizer",
		Capabilities: []AgentCapability{{
			Name:              "summarize",
			Description:       "Summarize call transcripts",
			InputTypes:        []string{"text"},
			OutputTypes:       []string{"summary"},
			EstimatedDuration: 30,
			InputSchema:       json.RawMessage(`{"type":"object"}`),
		}},
		Endpoint:         "redis://agents.a1.tasks",
		Status:           AgentStatusActive,
		PerformanceScore: 0.9,
		LastSeen:         time.Unix(1700000000, 0).UTC(),
		CurrentLoad:      0.1,
		Specialization:   "sales",
	}
}

func TestAgentStatusValid(t *testing.T) {
	for _, s := range []AgentStatus{AgentStatusActive, AgentStatusBusy, AgentStatusInactive, AgentStatusError} {
		assert.True(t, s.Valid(), s)
	}
	assert.False(t, AgentStatus("sleeping").Valid())
	assert.False(t, AgentStatus("").Valid())
}

func TestAgentInfoWireNames(t *testing.T) {
	data, err := json.Marshal(sampleAgent())
	require.NoError(t, err)

	var raw map[string]any
	require.NoError(t, json.Unmarshal(data, &raw))
	for _, key := range []string{"agent_id", "agent_type", "capabilities", "endpoint", "status", "performance_score", "last_seen", "current_load"} {
		assert.Contains(t, raw, key)
	}
}

func TestAgentInfoCloneIsDeep(t *testing.T) {
	orig := sampleAgent()
	cp := orig.Clone()

	cp.Capabilities[0].InputTypes[0] = "audio"
	cp.Capabilities[0].InputSchema[0] = '['
	cp.Capabilities = append(cp.Capabilities, AgentCapability{Name: "extra"})

	assert.Equal(t, "text", orig.Capabilities[0].InputTypes[0])
	assert.Equal(t, byte('{'), orig.Capabilities[0].InputSchema[0])
	assert.Len(t, orig.Capabilities, 1)
}

func TestAgentInfoCapabilityLookup(t *testing.T) {
	a := sampleAgent()
	c, ok := a.Capability("summarize")
	require.True(t, ok)
	assert.Equal(t, 30, c.EstimatedDuration)
	assert.True(t, a.HasCapability("summarize"))
	assert.False(t, a.HasCapability("forecast"))
}

func TestAgentInfoScore(t *testing.T) {
	a := AgentInfo{PerformanceScore: 0.9, CurrentLoad: 0.1}
	assert.InDelta(t, 0.81, a.Score(), 1e-9)
	b := AgentInfo{PerformanceScore: 0.7}
	assert.InDelta(t, 0.7, b.Score(), 1e-9)
}
