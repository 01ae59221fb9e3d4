package models

import (
	"time"
)

// RunStatus is the lifecycle state of a chain run
type RunStatus string

const (
	RunPending   RunStatus = "pending"
	RunActive    RunStatus = "active"
	RunCompleted RunStatus = "completed"
	RunCancelled RunStatus = "cancelled"
	RunFailed    RunStatus = "failed"
)

// Terminal reports whether the status can no longer change.
func (s RunStatus) Terminal() bool {
	return s == RunCompleted || s == RunCancelled || s == RunFailed
}

// Cancel reasons recorded on cancelled runs.
const (
	CancelReasonExcluded      = "exclusion_matched"
	CancelReasonChainDeleted  = "chain_deleted"
	CancelReasonReply         = "reply_received"
	CancelReasonEntityRemoved = "entity_removed"
	CancelReasonManual        = "manual"
)

// ChainRun is one live execution of a chain against one triggering entity.
type ChainRun struct {
	ID               string     `json:"id"`
	ChainID          string     `json:"chain_id"`
	EntityID         string     `json:"entity_id"`
	CurrentStepIndex int        `json:"current_step_index"`
	NextFireAt       *time.Time `json:"next_fire_at,omitempty"`
	Status           RunStatus  `json:"status"`
	FiredCount       int        `json:"fired_count"`
	Attempts         int        `json:"attempts"`
	LastError        string     `json:"last_error,omitempty"`
	CancelReason     string     `json:"cancel_reason,omitempty"`
	LastFiredAt      *time.Time `json:"last_fired_at,omitempty"`
	Version          int        `json:"version"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
	FinishedAt       *time.Time `json:"finished_at,omitempty"`
}

// RunFilter narrows run listings.
type RunFilter struct {
	ChainID  string
	EntityID string
	Status   RunStatus
	Limit    int
}

// Clone returns a copy that shares no pointers with r.
func (r *ChainRun) Clone() *ChainRun {
	if r == nil {
		return nil
	}
	out := *r
	out.NextFireAt = cloneTime(r.NextFireAt)
	out.LastFiredAt = cloneTime(r.LastFiredAt)
	out.FinishedAt = cloneTime(r.FinishedAt)
	return &out
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
