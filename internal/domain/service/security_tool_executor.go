package service

import (
	"context"
	"fmt"
	"strings"

	domaintool "github.com/sentryclaw/gateway/internal/domain/tool"
	"github.com/sentryclaw/gateway/internal/infrastructure/sandbox"
)

// memoryBypassTools are excluded from the Gate entirely (spec §4.1: "memory
// tools bypass the Gate per spec").
var memoryBypassTools = map[string]bool{
	"save_memory":   true,
	"search_memory": true,
}

// mcpPrefix is the prefix the MCP Manager registers its bridged tools
// under; routing decisions for mcp_{server}__* calls go through the MCP
// Manager's own registry lookup rather than the Dispatcher (spec §4.6).
const mcpPrefix = "mcp_"

// ExecutorDispatcher is the subset of sandbox.Dispatcher the
// SecurityToolExecutor needs — a Dispatch call per executor-routed tool.
type ExecutorDispatcher interface {
	Dispatch(ctx context.Context, task sandbox.Task) (sandbox.ExecutorResult, error)
}

// SecurityToolExecutor decorates a domaintool-backed ToolExecutor with the
// HITL Gate/Classifier on the way in, and with the Dispatcher for any tool
// the config marks executor-routed. This replaces the teacher's
// SecurityHook approve-mode heuristic (domain/service/security_hook.go)
// with the spec's declarative ActionTier classification (SPEC_FULL §4.1).
type SecurityToolExecutor struct {
	inner      ToolExecutor
	gate       *Gate
	dispatcher ExecutorDispatcher
	executorOf func(toolName string) (sandbox.Task, bool) // nil, false = not executor-routed
}

// NewSecurityToolExecutor wraps inner. executorOf maps a tool name to the
// Task template to dispatch for it (e.g. "run_shell" -> a bash -c Task);
// tools for which it returns false stay with inner (in-process execution).
func NewSecurityToolExecutor(inner ToolExecutor, gate *Gate, dispatcher ExecutorDispatcher, executorOf func(toolName string) (sandbox.Task, bool)) *SecurityToolExecutor {
	return &SecurityToolExecutor{inner: inner, gate: gate, dispatcher: dispatcher, executorOf: executorOf}
}

// Execute gates, then routes: memory tools bypass the Gate; mcp_* tools are
// left to inner (the Orchestrator registers MCP BridgeTools directly into
// the same registry inner already dispatches against); everything else is
// classified and, if approved, either dispatched through the sandbox or run
// in-process via inner.
func (s *SecurityToolExecutor) Execute(ctx context.Context, name string, args map[string]interface{}) (*domaintool.Result, error) {
	if memoryBypassTools[name] {
		return s.inner.Execute(ctx, name, args)
	}

	tc := TurnContextFromContext(ctx)
	decision, err := s.gate.Gate(ctx, GateRequest{
		SessionID:   tc.SessionID,
		ToolName:    name,
		ToolInput:   args,
		ChatID:      tc.ChatID,
		PlanContext: tc.PlanContext,
	})
	if err != nil {
		return &domaintool.Result{Success: false, Error: fmt.Sprintf("approval gate error: %v", err)}, nil
	}
	if !decision.Proceed {
		return &domaintool.Result{
			Success: false,
			Output:  "This action was not approved by the user and will not be performed.",
		}, nil
	}

	if strings.HasPrefix(name, mcpPrefix) {
		return s.inner.Execute(ctx, name, args)
	}

	if s.executorOf != nil {
		if task, ok := s.executorOf(name); ok {
			task.Payload = args
			res, err := s.dispatcher.Dispatch(ctx, task)
			if err != nil {
				return &domaintool.Result{Success: false, Error: err.Error()}, nil
			}
			return &domaintool.Result{
				Success: res.Success,
				Output:  res.Stdout,
				Error:   res.Error,
				Metadata: map[string]interface{}{
					"stderr":      res.Stderr,
					"exit_code":   res.ExitCode,
					"duration_ms": res.DurationMs,
				},
			}, nil
		}
	}

	return s.inner.Execute(ctx, name, args)
}

func (s *SecurityToolExecutor) GetDefinitions() []domaintool.Definition {
	return s.inner.GetDefinitions()
}

func (s *SecurityToolExecutor) GetToolKind(name string) domaintool.Kind {
	return s.inner.GetToolKind(name)
}

var _ ToolExecutor = (*SecurityToolExecutor)(nil)
