package service

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sentryclaw/gateway/internal/domain/entity"
	"github.com/sentryclaw/gateway/internal/domain/repository"
	"github.com/sentryclaw/gateway/internal/infrastructure/audit"
)

// continueSentinel marks an iteration's final text as non-terminal: the
// Task Loop strips it and runs another iteration (spec §4.4 step 2c).
const continueSentinel = "[CONTINUE]"

// defaultTaskMaxIterations is the Task Loop's iteration cap when the
// caller doesn't override it (spec §4.4 "up to maxIterations (default 10)").
const defaultTaskMaxIterations = 10

// TaskAgentRunner is the subset of AgentLoop the Task Loop drives. A plain
// *AgentLoop satisfies this directly; tests substitute a stub.
type TaskAgentRunner interface {
	Run(ctx context.Context, systemPrompt string, userMessage string, history []LLMMessage, modelOverride string) (*AgentResult, <-chan entity.AgentEvent)
}

// TaskLoopResult is the Task Loop's `execute()` return value (spec §4.4).
type TaskLoopResult struct {
	Text       string
	SessionID  string
	Iterations int
	Completed  bool
}

// TaskLoop drives a multi-iteration task with context reset: every
// iteration gets a fresh, single-user-turn history carrying the original
// request plus a compressed plan summary, never the full conversation
// (spec §4.4 "must not share an ever-growing context window"). Grounded
// on the teacher's ReAct AgentLoop for the per-iteration LLM call, and on
// sessionstore's per-key mutex-map idiom for per-task cancellation.
type TaskLoop struct {
	agent    TaskAgentRunner
	sessions repository.TaskSessionRepository
	auditLog *audit.Logger
	logger   *zap.Logger

	// systemPromptFor builds the session-aware system prompt for one
	// iteration (spec §4.4 step 2b "Prompt Builder sees the TaskSession").
	// Kept as a callback rather than a direct *prompt.PromptEngine
	// dependency so the Task Loop stays testable without the prompt
	// package's filesystem discovery.
	systemPromptFor func(t *entity.TaskSession) string

	maxIterations int

	mu      sync.Mutex
	cancels map[string]context.CancelFunc // task ID -> cancel
}

// NewTaskLoop wires a TaskLoop. systemPromptFor may be nil (empty system
// prompt). maxIterations <= 0 defaults to 10.
func NewTaskLoop(agent TaskAgentRunner, sessions repository.TaskSessionRepository, auditLog *audit.Logger, systemPromptFor func(*entity.TaskSession) string, maxIterations int, logger *zap.Logger) *TaskLoop {
	if maxIterations <= 0 {
		maxIterations = defaultTaskMaxIterations
	}
	return &TaskLoop{
		agent:           agent,
		sessions:        sessions,
		auditLog:        auditLog,
		systemPromptFor: systemPromptFor,
		maxIterations:   maxIterations,
		logger:          logger,
		cancels:         make(map[string]context.CancelFunc),
	}
}

// Execute runs the full Task Loop algorithm of spec §4.4 for one user
// request, blocking until the task completes, is cancelled, or hits the
// iteration cap.
func (l *TaskLoop) Execute(ctx context.Context, userID, originalRequest, chatID, auditSessionID string) (TaskLoopResult, error) {
	now := time.Now().UTC()
	task := &entity.TaskSession{
		ID:              uuid.NewString(),
		UserID:          userID,
		OriginalRequest: originalRequest,
		Status:          entity.TaskActive,
		Iteration:       0,
		MaxIterations:   l.maxIterations,
		Plan:            entity.Plan{Goal: originalRequest},
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := l.sessions.CreateActive(ctx, task); err != nil {
		return TaskLoopResult{}, fmt.Errorf("create task session: %w", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	l.mu.Lock()
	l.cancels[task.ID] = cancel
	l.mu.Unlock()
	defer func() {
		l.mu.Lock()
		delete(l.cancels, task.ID)
		l.mu.Unlock()
		cancel()
	}()

	_ = l.auditLog.Append(audit.EventMessageReceived, auditSessionID, map[string]interface{}{
		"taskSessionId": task.ID,
		"userId":        userID,
		"event":         "task_loop_started",
	})

	var lastText string
	for iter := 1; iter <= l.maxIterations; iter++ {
		if runCtx.Err() != nil {
			return l.finish(ctx, task, lastText, entity.TaskCancelled), nil
		}

		task.Iteration = iter
		userMessage := originalRequest
		if plan := compressPlanState(task.Plan); plan != "" {
			userMessage = originalRequest + "\n\n" + plan
		}

		systemPrompt := ""
		if l.systemPromptFor != nil {
			systemPrompt = l.systemPromptFor(task)
		}

		// Fresh message history every iteration — no prior turns (spec §4.4 step 2a).
		result, eventCh := l.agent.Run(runCtx, systemPrompt, userMessage, nil, "")
		for range eventCh {
			// Drain; the Task Loop doesn't stream iteration-level events itself.
		}

		if runCtx.Err() != nil {
			return l.finish(ctx, task, lastText, entity.TaskCancelled), nil
		}

		lastText = result.FinalContent

		if strings.Contains(lastText, continueSentinel) {
			lastText = strings.TrimSpace(strings.ReplaceAll(lastText, continueSentinel, ""))
			task.Plan.Log = append(task.Plan.Log, lastText)
			task.UpdatedAt = time.Now().UTC()
			if err := l.sessions.Update(ctx, task); err != nil {
				l.logger.Warn("failed to persist task session progress", zap.Error(err))
			}
			continue
		}

		return l.finish(ctx, task, lastText, entity.TaskCompleted), nil
	}

	return l.finish(ctx, task, lastText, entity.TaskFailed), nil
}

// finish transitions task to status, persists it, audits the outcome, and
// builds the TaskLoopResult.
func (l *TaskLoop) finish(ctx context.Context, task *entity.TaskSession, lastText string, status entity.TaskSessionStatus) TaskLoopResult {
	task.Status = status
	task.UpdatedAt = time.Now().UTC()
	if err := l.sessions.Update(ctx, task); err != nil {
		l.logger.Warn("failed to persist task session outcome", zap.Error(err), zap.String("status", string(status)))
	}
	_ = l.auditLog.Append(audit.EventMessageSent, task.ID, map[string]interface{}{
		"taskSessionId": task.ID,
		"status":        status,
		"iterations":    task.Iteration,
	})
	return TaskLoopResult{
		Text:       lastText,
		SessionID:  task.ID,
		Iterations: task.Iteration,
		Completed:  status == entity.TaskCompleted,
	}
}

// Cancel resolves the user's active TaskSession, if any, by aborting its
// in-flight Orchestrator call at its next safe suspension point (spec §4.4
// "Invariant", spec §6 "task-stop"). Returns false if the user has no
// active task.
func (l *TaskLoop) Cancel(ctx context.Context, userID string) (bool, error) {
	active, err := l.sessions.GetActiveByUser(ctx, userID)
	if err != nil {
		return false, err
	}
	if active == nil {
		return false, nil
	}
	l.mu.Lock()
	cancel, ok := l.cancels[active.ID]
	l.mu.Unlock()
	if !ok {
		return false, nil
	}
	cancel()
	return true, nil
}

// compressPlanState renders a Plan compactly for inclusion in the next
// iteration's single user turn (spec §4.4 "compressed plan-state").
func compressPlanState(p entity.Plan) string {
	if len(p.Steps) == 0 && len(p.Assumptions) == 0 && len(p.Log) == 0 {
		return ""
	}
	var sb strings.Builder
	sb.WriteString("Plan so far:\n")
	for _, s := range p.Steps {
		sb.WriteString(fmt.Sprintf("- [%s] %s", s.Status, s.Description))
		if s.Result != "" {
			sb.WriteString(" -> " + s.Result)
		}
		sb.WriteString("\n")
	}
	if len(p.Assumptions) > 0 {
		sb.WriteString("Assumptions: " + strings.Join(p.Assumptions, "; ") + "\n")
	}
	if len(p.Log) > 0 {
		sb.WriteString("Progress so far:\n")
		for _, entry := range p.Log {
			sb.WriteString("- " + entry + "\n")
		}
	}
	sb.WriteString("\nIf the task is not yet done, end your reply with " + continueSentinel + " and it will continue next iteration.")
	return sb.String()
}
