package models

import (
	"encoding/json"
	"time"
)

// WebhookJobStatus is the lifecycle state of an inbound webhook job
type WebhookJobStatus string

const (
	WebhookQueued     WebhookJobStatus = "queued"
	WebhookProcessing WebhookJobStatus = "processing"
	WebhookDone       WebhookJobStatus = "done"
	WebhookDead       WebhookJobStatus = "dead"
)

// WebhookJob is a persisted inbound event awaiting processing.
type WebhookJob struct {
	ID          string           `json:"id"`
	Seq         int64            `json:"seq"`
	SourceID    string           `json:"source_id"`
	Payload     json.RawMessage  `json:"payload"`
	Status      WebhookJobStatus `json:"status"`
	Attempts    int              `json:"attempts"`
	LastError   string           `json:"last_error,omitempty"`
	ReceivedAt  time.Time        `json:"received_at"`
	AvailableAt time.Time        `json:"available_at"`
	LockedAt    *time.Time       `json:"locked_at,omitempty"`
	FinishedAt  *time.Time       `json:"finished_at,omitempty"`
}

// Clone returns a copy that shares no memory with j.
func (j *WebhookJob) Clone() *WebhookJob {
	if j == nil {
		return nil
	}
	out := *j
	out.Payload = append(json.RawMessage(nil), j.Payload...)
	if j.LockedAt != nil {
		v := *j.LockedAt
		out.LockedAt = &v
	}
	if j.FinishedAt != nil {
		v := *j.FinishedAt
		out.FinishedAt = &v
	}
	return &out
}
