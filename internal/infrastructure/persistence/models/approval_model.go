package models

import "time"

// ApprovalModel is the GORM row for one HITL Approval.
type ApprovalModel struct {
	ID          string `gorm:"primaryKey"`
	SessionID   string `gorm:"index"`
	ToolName    string
	ToolInput   string
	Capability  string
	Reason      string
	PlanContext string
	CreatedAt   time.Time `gorm:"index"`
	ResolvedAt  *time.Time
	Status      string `gorm:"index"`
}

// TableName pins the table name so migrations and GORM agree regardless of
// pluralization rules.
func (ApprovalModel) TableName() string {
	return "approvals"
}
