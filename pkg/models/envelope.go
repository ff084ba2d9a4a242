package models

// QueuedEnvelope is the durable, persisted form of a Message that has
// not been confirmed sent. One envelope exists in the store iff the
// corresponding Message is pending or being retried.
type QueuedEnvelope struct {
	ClientTempID string  `json:"client_temp_id"`
	Message      Message `json:"message"`
	// QueuedAt orders flush (ns). FIFO preserves conversation order.
	QueuedAt      int64 `json:"queued_at"`
	RetryCount    int   `json:"retry_count"`
	LastAttemptAt int64 `json:"last_attempt_at,omitempty"`
	// NextEligibleAt gates retries (ns); zero means immediately eligible.
	NextEligibleAt int64 `json:"next_eligible_at,omitempty"`
	// Dead marks an envelope past the retry ceiling. Dead envelopes are
	// skipped by flush but remain visible to PeekAll for manual action.
	Dead bool `json:"dead,omitempty"`
}
