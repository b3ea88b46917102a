package entity

import "time"

// TaskSessionStatus is the lifecycle state of a multi-iteration TaskSession
// (spec §3, §4.4).
type TaskSessionStatus string

const (
	TaskActive    TaskSessionStatus = "active"
	TaskCompleted TaskSessionStatus = "completed"
	TaskFailed    TaskSessionStatus = "failed"
	TaskPaused    TaskSessionStatus = "paused"
	TaskCancelled TaskSessionStatus = "cancelled"
)

// PlanStep is one step of a TaskSession's plan.
type PlanStep struct {
	ID          string `json:"id"`
	Description string `json:"description"`
	Status      string `json:"status"`
	Result      string `json:"result"`
}

// Plan is the compressed state the Task Loop carries between iterations
// instead of full conversation history (spec §4.4).
type Plan struct {
	Goal        string     `json:"goal"`
	Steps       []PlanStep `json:"steps"`
	Assumptions []string   `json:"assumptions"`
	Log         []string   `json:"log"`
}

// TaskSession is a distinct, multi-iteration task (spec §3).
type TaskSession struct {
	ID              string
	UserID          string
	OriginalRequest string
	Status          TaskSessionStatus
	Iteration       int
	MaxIterations   int
	Plan            Plan
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// IsActive reports whether this is the user's one allowed active session.
func (t *TaskSession) IsActive() bool {
	return t.Status == TaskActive
}
