package domain

import "time"

// RetryableTrade is a transiently failed execution waiting in the retry
// queue. Rows are durable: items still pending at shutdown are picked up
// by the next process start.
type RetryableTrade struct {
	ID           string      `json:"id"`
	Pair         string      `json:"pair"`
	Opportunity  Opportunity `json:"opportunity"`
	Attempts     int         `json:"attempts"`
	NextRetryAt  time.Time   `json:"next_retry_at"`
	LastError    string      `json:"last_error"`
	ErrorHistory []string    `json:"error_history"`
	CreatedAt    time.Time   `json:"created_at"`
	UpdatedAt    time.Time   `json:"updated_at"`
}

// DeadLetterItem is a permanently failed trade, kept read-only for offline
// diagnosis. Items are appended on retry exhaustion or on non-retryable
// failure and never deleted or re-enqueued automatically.
type DeadLetterItem struct {
	ID           string      `json:"id"`
	Pair         string      `json:"pair"`
	Opportunity  Opportunity `json:"opportunity"`
	Attempts     int         `json:"attempts"`
	ErrorHistory []string    `json:"error_history"`
	Reason       string      `json:"reason"` // "max_attempts" or "not_retryable"
	ArchivedAt   time.Time   `json:"archived_at"`
}

// Dead-letter reasons.
const (
	DeadLetterMaxAttempts  = "max_attempts"
	DeadLetterNotRetryable = "not_retryable"
)
