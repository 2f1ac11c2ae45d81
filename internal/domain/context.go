package domain

import (
	"context"
	"time"
)

// BusinessContext is the durable context kept for a business entity
// (account, deal, contact, ...), keyed by (EntityType, EntityID).
type BusinessContext struct {
	EntityType  string         `json:"entity_type"`
	EntityID    string         `json:"entity_id"`
	Data        map[string]any `json:"context_data"`
	LastUpdated time.Time      `json:"last_updated"`
}

// Interaction is one append-only learning record:
// query, response, and what the user thought of it.
type Interaction struct {
	ID             string    `json:"interaction_id"`
	UserID         string    `json:"user_id"`
	Channel        string    `json:"channel"`
	QueryText      string    `json:"query_text"`
	Intent         string    `json:"intent"`
	ResponseText   string    `json:"response_text"`
	UserFeedback   string    `json:"user_feedback"`
	OutcomeSuccess bool      `json:"outcome_success"`
	CreatedAt      time.Time `json:"created_at"`
}

// InteractionOutcome carries the fields of an Interaction that describe
// what happened, as reported by the caller.
type InteractionOutcome struct {
	UserID       string
	Channel      string
	QueryText    string
	Intent       string
	ResponseText string
	Success      bool
}

// ContextStore is the durable relational store behind the context cache.
// Implementations return ErrNotFound for a missing entity and wrap every
// other I/O failure with ErrDurableStore.
type ContextStore interface {
	UpsertBusinessContext(ctx context.Context, bc BusinessContext) error
	GetBusinessContext(ctx context.Context, entityType, entityID string) (*BusinessContext, error)
	AppendInteraction(ctx context.Context, rec Interaction) error
	Ping(ctx context.Context) error
	Close() error
}
