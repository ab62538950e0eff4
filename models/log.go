package models

import "time"

type LogLevel string

const (
	LogLevelInfo  LogLevel = "info"
	LogLevelWarn  LogLevel = "warn"
	LogLevelError LogLevel = "error"
)

type RunLog struct {
	ID        int64     `json:"id" db:"id"`
	RunID     *int64    `json:"runId" db:"run_id"`
	Timestamp time.Time `json:"timestamp" db:"created_at"`
	Level     LogLevel  `json:"level" db:"level"`
	Message   string    `json:"message" db:"message"`
	Source    string    `json:"source" db:"source"`
}

// ScrapeResult is the persisted outcome of a legacy single-address job.
type ScrapeResult struct {
	JobID     string    `json:"jobId" db:"job_id"`
	Reference string    `json:"reference,omitempty" db:"reference"`
	TargetURL string    `json:"targetUrl" db:"target_url"`
	Data      []byte    `json:"data,omitempty" db:"data"`
	Error     string    `json:"error,omitempty" db:"error"`
	CreatedAt time.Time `json:"createdAt" db:"created_at"`
}
