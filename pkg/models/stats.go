package models

// DispatchStats are live counters of the outbound dispatch pool.
type DispatchStats struct {
	TotalRequests     int64   `json:"totalRequests"`
	ActiveRequests    int64   `json:"activeRequests"`
	PendingRequests   int64   `json:"pendingRequests"`
	FailedRequests    int64   `json:"failedRequests"`
	SaturatedRequests int64   `json:"saturatedRequests"`
	AvgLatencyMs      float64 `json:"avgLatencyMs"`
	ConcurrencyLimit  int     `json:"concurrencyLimit"`
	MaxPending        int     `json:"maxPending"`
}

// SchedulerStats are counters of the step scheduler.
type SchedulerStats struct {
	ActiveRuns   int   `json:"activeRuns"`
	PendingSteps int   `json:"pendingSteps"`
	FailedRuns   int   `json:"failedRuns"`
	Ticks        int64 `json:"ticks"`
	SkippedTicks int64 `json:"skippedTicks"`
}

// WebhookStats count inbound jobs by status.
type WebhookStats struct {
	Queued     int `json:"queued"`
	Processing int `json:"processing"`
	Dead       int `json:"dead"`
}

// OperationalStats is the payload of the read-only stats endpoint.
type OperationalStats struct {
	Dispatch  DispatchStats  `json:"dispatch"`
	Scheduler SchedulerStats `json:"scheduler"`
	Webhooks  WebhookStats   `json:"webhooks"`
}
