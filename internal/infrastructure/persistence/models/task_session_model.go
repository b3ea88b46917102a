package models

import "time"

// TaskSessionModel is the GORM row for one TaskSession.
type TaskSessionModel struct {
	ID              string `gorm:"primaryKey"`
	UserID          string `gorm:"index"`
	OriginalRequest string
	Status          string `gorm:"index"`
	Iteration       int
	MaxIterations   int
	PlanJSON        string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

func (TaskSessionModel) TableName() string {
	return "task_sessions"
}
