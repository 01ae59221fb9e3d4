// Package models defines the domain models for the chain automation service
package models

import (
	"time"
)

// HealthStatus represents service health
type HealthStatus struct {
	Status    string            `json:"status"`
	Service   string            `json:"service"`
	Version   string            `json:"version"`
	Timestamp time.Time         `json:"timestamp"`
	Checks    map[string]string `json:"checks,omitempty"`
}

// ProblemDetails represents RFC 7807 Problem Details
type ProblemDetails struct {
	Type     string            `json:"type"`
	Title    string            `json:"title"`
	Status   int               `json:"status"`
	Detail   string            `json:"detail,omitempty"`
	Instance string            `json:"instance,omitempty"`
	TraceID  string            `json:"trace_id,omitempty"`
	Errors   map[string]string `json:"errors,omitempty"`
}

// TriggerEventType identifies what happened to a CRM entity
type TriggerEventType string

const (
	TriggerStageChanged  TriggerEventType = "stage_changed"
	TriggerEntityRemoved TriggerEventType = "entity_removed"
)

// TriggerEvent is the normalized CRM event fed into trigger evaluation.
// Webhook payloads are decoded into this shape.
type TriggerEvent struct {
	Type       TriggerEventType `json:"type"`
	AgentID    string           `json:"agent_id"`
	EntityID   string           `json:"entity_id"`
	StageID    string           `json:"stage_id,omitempty"`
	OccurredAt *time.Time       `json:"occurred_at,omitempty"`
}
