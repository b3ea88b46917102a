package service

import "context"

// turnContext carries the per-turn routing metadata the Orchestrator's tool
// dispatch needs to build a Gate request, injected into ctx the same way
// WithTraceID/WithUserMessage already are (trace.go, memory_middleware.go).
type turnContextKey struct{}

// TurnContext is the routing metadata for one user turn, read by
// SecurityToolExecutor when it gates a tool call (spec §4.1, §4.2).
type TurnContext struct {
	SessionID   string
	ChatID      string
	PlanContext string // last user text, used as Gate's planContext
}

// WithTurnContext injects tc into ctx.
func WithTurnContext(ctx context.Context, tc TurnContext) context.Context {
	return context.WithValue(ctx, turnContextKey{}, tc)
}

// TurnContextFromContext extracts the TurnContext, returning the zero value
// if none was injected.
func TurnContextFromContext(ctx context.Context) TurnContext {
	if tc, ok := ctx.Value(turnContextKey{}).(TurnContext); ok {
		return tc
	}
	return TurnContext{}
}
