package agentsdk

import (
	"log/slog"
	"time"
)

// Option configures an Agent.
type Option func(*Agent)

// WithEndpoint sets the endpoint advertised in the agent record.
func WithEndpoint(endpoint string) Option {
	return func(a *Agent) { a.endpoint = endpoint }
}

// WithScore sets the performance score used for routing (higher wins).
func WithScore(score float64) Option {
	return func(a *Agent) { a.score = score }
}

// WithSpecialization sets the specialization tag.
func WithSpecialization(tag string) Option {
	return func(a *Agent) { a.specialization = tag }
}

// WithHeartbeat sets the status report interval.
func WithHeartbeat(interval time.Duration) Option {
	return func(a *Agent) { a.heartbeat = interval }
}

// WithLogger sets a custom slog.Logger.
func WithLogger(logger *slog.Logger) Option {
	return func(a *Agent) { a.logger = logger }
}

// WithTopics overrides the topic names. Empty fields keep their defaults.
func WithTopics(t Topics) Option {
	return func(a *Agent) {
		if t.TaskPrefix != "" {
			a.topics.TaskPrefix = t.TaskPrefix
		}
		if t.Results != "" {
			a.topics.Results = t.Results
		}
		if t.Status != "" {
			a.topics.Status = t.Status
		}
		if t.Announce != "" {
			a.topics.Announce = t.Announce
		}
	}
}
