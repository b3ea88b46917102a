package entity

import "time"

// TurnRole identifies who produced a ConversationTurn.
type TurnRole string

const (
	TurnRoleUser       TurnRole = "user"
	TurnRoleAssistant  TurnRole = "assistant"
	TurnRoleToolResult TurnRole = "tool_results"
)

// ConversationTurn is one entry in a Session's message history (spec §3).
// Unlike entity.Message (the teacher's persisted chat message), a
// ConversationTurn is the Orchestrator's in-memory unit of conversation
// state and may carry structured tool-call/tool-result content verbatim.
type ConversationTurn struct {
	Role      TurnRole
	Content   interface{}
	Timestamp time.Time
}

// Session is the in-memory conversation state for one user (spec §3).
// Capped at 50 turns, oldest dropped first; expires 60 minutes after its
// last update.
type Session struct {
	ID        string
	UserID    string
	Messages  []ConversationTurn
	CreatedAt time.Time
	UpdatedAt time.Time
}
