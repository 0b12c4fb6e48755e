package models

import "time"

// BreakerState represents the state of a circuit breaker.
type BreakerState string

const (
	BreakerClosed   BreakerState = "closed"
	BreakerOpen     BreakerState = "open"
	BreakerHalfOpen BreakerState = "half_open"
)

// BreakerSnapshot is the persisted form of one executor's breaker.
type BreakerSnapshot struct {
	ExecutorID       string        `json:"executor_id"`
	State            BreakerState  `json:"state"`
	FailureCount     int           `json:"failure_count"`
	SuccessCount     int           `json:"success_count"`
	OpenedAt         *time.Time    `json:"opened_at,omitempty"`
	FailureThreshold int           `json:"failure_threshold"`
	SuccessThreshold int           `json:"success_threshold"`
	Timeout          time.Duration `json:"timeout"`
	UpdatedAt        time.Time     `json:"updated_at"`
}
