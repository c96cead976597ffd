package models

import (
	"time"
)

// TaskType enumerates the request/response work the adapter executes on
// behalf of gateway sessions.
type TaskType string

const (
	TaskFetchHistory      TaskType = "FETCH_HISTORY"
	TaskFetchQuotes       TaskType = "FETCH_QUOTES"
	TaskSearchSymbols     TaskType = "SEARCH_SYMBOLS"
	TaskResolveSymbol     TaskType = "RESOLVE_SYMBOL"
	TaskFetchExchangeInfo TaskType = "FETCH_EXCHANGE_INFO"
	TaskGetSpotAccount    TaskType = "GET_SPOT_ACCOUNT"
	TaskGetFuturesAccount TaskType = "GET_FUTURES_ACCOUNT"
)

// Valid reports whether the type is one the adapter knows how to run.
func (t TaskType) Valid() bool {
	switch t {
	case TaskFetchHistory, TaskFetchQuotes, TaskSearchSymbols,
		TaskResolveSymbol, TaskFetchExchangeInfo,
		TaskGetSpotAccount, TaskGetFuturesAccount:
		return true
	}
	return false
}

// Deadline is how long the gateway waits for a result before answering
// the session with a timeout. History pulls page through REST so they
// get more room, exchange info downloads the full symbol table.
func (t TaskType) Deadline() time.Duration {
	switch t {
	case TaskFetchHistory:
		return 30 * time.Second
	case TaskFetchExchangeInfo:
		return 120 * time.Second
	default:
		return 10 * time.Second
	}
}

// TaskStatus is the lifecycle state of a queued task.
type TaskStatus string

const (
	TaskPending   TaskStatus = "PENDING"
	TaskClaimed   TaskStatus = "CLAIMED"
	TaskSucceeded TaskStatus = "SUCCEEDED"
	TaskFailed    TaskStatus = "FAILED"
)

// Terminal reports whether the status ends the task lifecycle.
func (s TaskStatus) Terminal() bool {
	return s == TaskSucceeded || s == TaskFailed
}

// MaxTaskAttempts is how many times a task may be claimed before a
// transient failure becomes permanent.
const MaxTaskAttempts = 3

// RetryBackoff returns the delay before a task abandoned on its nth
// attempt becomes claimable again.
func RetryBackoff(attempts int) time.Duration {
	switch {
	case attempts <= 1:
		return time.Second
	case attempts == 2:
		return 4 * time.Second
	default:
		return 16 * time.Second
	}
}

// Task is one unit of request/response work flowing through the queue.
type Task struct {
	ID              string     `json:"id"`
	Type            TaskType   `json:"type"`
	Payload         JSONB      `json:"payload"`
	Status          TaskStatus `json:"status"`
	Result          JSONB      `json:"result,omitempty"`
	ErrorCode       string     `json:"error_code,omitempty"`
	ErrorMessage    string     `json:"error_message,omitempty"`
	OriginSessionID string     `json:"origin_session_id"`
	OriginRequestID string     `json:"origin_request_id"`
	OriginGone      bool       `json:"origin_gone,omitempty"`
	WorkerID        string     `json:"worker_id,omitempty"`
	Attempts        int        `json:"attempts"`
	NotBefore       time.Time  `json:"not_before"`
	CreatedAt       time.Time  `json:"created_at"`
	ClaimedAt       *time.Time `json:"claimed_at,omitempty"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
}

// Task error codes reported back to sessions. Transient codes come from
// upstream conditions that a retry may clear, permanent ones will fail
// the same way every time.
const (
	TaskErrTimeout      = "TIMEOUT"
	TaskErrUpstream     = "UPSTREAM_ERROR"
	TaskErrRateLimited  = "RATE_LIMITED"
	TaskErrBadRequest   = "BAD_REQUEST"
	TaskErrNotFound     = "NOT_FOUND"
	TaskErrUnauthorized = "UNAUTHORIZED"
	TaskErrInternal     = "INTERNAL_ERROR"
)
