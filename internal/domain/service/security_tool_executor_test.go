package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/sentryclaw/gateway/internal/domain/entity"
	domaintool "github.com/sentryclaw/gateway/internal/domain/tool"
	"github.com/sentryclaw/gateway/internal/infrastructure/audit"
	"github.com/sentryclaw/gateway/internal/infrastructure/config"
	"github.com/sentryclaw/gateway/internal/infrastructure/sandbox"
	"go.uber.org/zap"
)

// recordingToolExecutor records every name it was asked to execute.
type recordingToolExecutor struct {
	mu    sync.Mutex
	calls []string
}

func (r *recordingToolExecutor) Execute(_ context.Context, name string, _ map[string]interface{}) (*domaintool.Result, error) {
	r.mu.Lock()
	r.calls = append(r.calls, name)
	r.mu.Unlock()
	return &domaintool.Result{Success: true, Output: "inner:" + name}, nil
}

func (r *recordingToolExecutor) GetDefinitions() []domaintool.Definition { return nil }
func (r *recordingToolExecutor) GetToolKind(_ string) domaintool.Kind    { return domaintool.KindExecute }

// fakeApprovalRepository is an in-memory stand-in good enough to drive the
// Gate's requireApproval rendezvous without a real store.
type fakeApprovalRepository struct {
	mu   sync.Mutex
	rows map[string]*entity.Approval
}

func newFakeApprovalRepository() *fakeApprovalRepository {
	return &fakeApprovalRepository{rows: make(map[string]*entity.Approval)}
}

func (f *fakeApprovalRepository) Create(_ context.Context, a *entity.Approval) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rows[a.ID] = a
	return nil
}

func (f *fakeApprovalRepository) GetByID(_ context.Context, id string) (*entity.Approval, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.rows[id], nil
}

func (f *fakeApprovalRepository) Resolve(_ context.Context, id string, status entity.ApprovalStatus) (*entity.Approval, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	row := f.rows[id]
	if row == nil || row.IsTerminal() {
		return row, false, nil
	}
	row.Status = status
	return row, true, nil
}

func (f *fakeApprovalRepository) ExpireStalePending(_ context.Context, _ int64) (int, error) {
	return 0, nil
}

func (f *fakeApprovalRepository) GetRecent(_ context.Context, _ int) ([]*entity.Approval, error) {
	return nil, nil
}

// capturingNotifier records the approval it was asked to send so a test can
// resolve it asynchronously.
type capturingNotifier struct {
	onApprovalRequest func(approvalID string)
}

func (c *capturingNotifier) Notify(_, _ string) {}
func (c *capturingNotifier) SendApprovalRequest(_ string, a *entity.Approval) {
	if c.onApprovalRequest != nil {
		c.onApprovalRequest(a.ID)
	}
}
func (c *capturingNotifier) SendApprovalExpired(_, _ string) {}

func newTestGate(t *testing.T, cfg config.ActionTierConfig, notifier Notifier) (*Gate, *fakeApprovalRepository) {
	t.Helper()
	auditLog, err := audit.NewLogger(t.TempDir(), zap.NewNop())
	if err != nil {
		t.Fatalf("new audit logger: %v", err)
	}
	repo := newFakeApprovalRepository()
	gate := NewGate(NewClassifier(cfg), repo, auditLog, notifier, 2*time.Second, zap.NewNop())
	return gate, repo
}

func TestSecurityToolExecutor_MemoryToolsBypassGate(t *testing.T) {
	inner := &recordingToolExecutor{}
	// requireApproval for everything and no notifier — if the gate were
	// consulted this would hang until timeout, so a fast return proves bypass.
	gate, _ := newTestGate(t, config.ActionTierConfig{}, nil)
	exec := NewSecurityToolExecutor(inner, gate, nil, nil)

	res, err := exec.Execute(context.Background(), "save_memory", map[string]interface{}{"text": "hi"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.Success {
		t.Fatalf("expected success, got %+v", res)
	}
	if len(inner.calls) != 1 || inner.calls[0] != "save_memory" {
		t.Fatalf("expected inner to be called with save_memory, got %v", inner.calls)
	}
}

func TestSecurityToolExecutor_AutoApprovedToolRoutesToInner(t *testing.T) {
	inner := &recordingToolExecutor{}
	cfg := config.ActionTierConfig{
		AutoApprove: []config.ActionTierRule{{Tool: "read_file"}},
	}
	gate, _ := newTestGate(t, cfg, nil)
	exec := NewSecurityToolExecutor(inner, gate, nil, nil)
	ctx := WithTurnContext(context.Background(), TurnContext{SessionID: "s1", ChatID: "c1"})

	res, err := exec.Execute(ctx, "read_file", map[string]interface{}{"path": "/tmp/x"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.Success || res.Output != "inner:read_file" {
		t.Fatalf("expected auto-approved call to reach inner, got %+v", res)
	}
}

func TestSecurityToolExecutor_RejectedApprovalShortCircuits(t *testing.T) {
	inner := &recordingToolExecutor{}
	cfg := config.ActionTierConfig{
		RequireApproval: []config.ActionTierRule{{Tool: "dangerous_tool"}},
	}
	notifier := &capturingNotifier{}
	gate, _ := newTestGate(t, cfg, notifier)
	notifier.onApprovalRequest = func(approvalID string) {
		go gate.Resolve(approvalID, entity.ApprovalRejected)
	}
	exec := NewSecurityToolExecutor(inner, gate, nil, nil)
	ctx := WithTurnContext(context.Background(), TurnContext{SessionID: "s1", ChatID: "c1"})

	res, err := exec.Execute(ctx, "dangerous_tool", map[string]interface{}{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Success {
		t.Fatal("expected a rejected approval to short-circuit with a failed result")
	}
	if len(inner.calls) != 0 {
		t.Fatalf("inner must not be called when approval is rejected, got %v", inner.calls)
	}
}

func TestSecurityToolExecutor_MCPPrefixedToolRoutesToInnerAfterGate(t *testing.T) {
	inner := &recordingToolExecutor{}
	cfg := config.ActionTierConfig{
		AutoApprove: []config.ActionTierRule{{Tool: "mcp_github__list_issues"}},
	}
	gate, _ := newTestGate(t, cfg, nil)
	exec := NewSecurityToolExecutor(inner, gate, nil, nil)
	ctx := WithTurnContext(context.Background(), TurnContext{SessionID: "s1"})

	res, err := exec.Execute(ctx, "mcp_github__list_issues", map[string]interface{}{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.Success || len(inner.calls) != 1 {
		t.Fatalf("expected mcp_-prefixed tool to reach inner, got %+v calls=%v", res, inner.calls)
	}
}

// recordingDispatcher implements ExecutorDispatcher for the executor-routed path.
type recordingDispatcher struct {
	gotTask sandbox.Task
}

func (r *recordingDispatcher) Dispatch(_ context.Context, task sandbox.Task) (sandbox.ExecutorResult, error) {
	r.gotTask = task
	return sandbox.ExecutorResult{Success: true, Stdout: "dispatched"}, nil
}

func TestSecurityToolExecutor_ExecutorRoutedToolGoesToDispatcher(t *testing.T) {
	inner := &recordingToolExecutor{}
	cfg := config.ActionTierConfig{
		AutoApprove: []config.ActionTierRule{{Tool: "run_shell"}},
	}
	gate, _ := newTestGate(t, cfg, nil)
	dispatcher := &recordingDispatcher{}
	executorOf := func(name string) (sandbox.Task, bool) {
		if name == "run_shell" {
			return sandbox.Task{ExecutorType: "process"}, true
		}
		return sandbox.Task{}, false
	}
	exec := NewSecurityToolExecutor(inner, gate, dispatcher, executorOf)
	ctx := WithTurnContext(context.Background(), TurnContext{SessionID: "s1"})

	res, err := exec.Execute(ctx, "run_shell", map[string]interface{}{"cmd": "echo hi"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.Success || res.Output != "dispatched" {
		t.Fatalf("expected dispatcher result, got %+v", res)
	}
	if len(inner.calls) != 0 {
		t.Fatalf("inner must not be called for an executor-routed tool, got %v", inner.calls)
	}
	if dispatcher.gotTask.Payload["cmd"] != "echo hi" {
		t.Fatalf("expected task payload to carry call args, got %+v", dispatcher.gotTask.Payload)
	}
}
