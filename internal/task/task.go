// Package task tracks scan task lifecycles: creation, progress
// counters, cancellation, and retention of terminal records.
package task

import (
	"time"
)

// Status is a task lifecycle state.
type Status string

const (
	StatusCreated   Status = "created"
	StatusRunning   Status = "running"
	StatusComplete  Status = "complete"
	StatusPartial   Status = "partial"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether the status ends the lifecycle. Terminal
// tasks accept no further transitions.
func (s Status) Terminal() bool {
	switch s {
	case StatusComplete, StatusPartial, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Snapshot is a point-in-time copy of a task's state, safe to hold
// outside the registry lock.
type Snapshot struct {
	ID              string     `json:"task_id"`
	UserID          string     `json:"-"`
	Status          Status     `json:"status"`
	Stage           string     `json:"stage,omitempty"`
	EventsProcessed int64      `json:"events_processed"`
	TotalEvents     *int64     `json:"total_events,omitempty"`
	Error           string     `json:"error,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
	FinishedAt      *time.Time `json:"finished_at,omitempty"`
}

type record struct {
	id              string
	userID          string
	status          Status
	stage           string
	eventsProcessed int64
	totalEvents     *int64
	errMsg          string
	createdAt       time.Time
	updatedAt       time.Time
	finishedAt      *time.Time
	seq             uint64
	cancel          func()
	cancelled       bool
}

func (r *record) snapshot() Snapshot {
	s := Snapshot{
		ID:              r.id,
		UserID:          r.userID,
		Status:          r.status,
		Stage:           r.stage,
		EventsProcessed: r.eventsProcessed,
		Error:           r.errMsg,
		CreatedAt:       r.createdAt,
		UpdatedAt:       r.updatedAt,
	}
	if r.totalEvents != nil {
		total := *r.totalEvents
		s.TotalEvents = &total
	}
	if r.finishedAt != nil {
		finished := *r.finishedAt
		s.FinishedAt = &finished
	}
	return s
}
