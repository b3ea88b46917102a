package service

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sentryclaw/gateway/internal/domain/entity"
	"github.com/sentryclaw/gateway/internal/infrastructure/audit"
	"go.uber.org/zap"
)

// fakeTaskSessionRepository is an in-memory TaskSessionRepository good
// enough to drive the Task Loop's single-active-session bookkeeping.
type fakeTaskSessionRepository struct {
	mu       sync.Mutex
	byID     map[string]*entity.TaskSession
	activeOf map[string]string // userID -> task ID
}

func newFakeTaskSessionRepository() *fakeTaskSessionRepository {
	return &fakeTaskSessionRepository{
		byID:     make(map[string]*entity.TaskSession),
		activeOf: make(map[string]string),
	}
}

func (f *fakeTaskSessionRepository) CreateActive(_ context.Context, t *entity.TaskSession) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.byID[t.ID] = t
	f.activeOf[t.UserID] = t.ID
	return nil
}

func (f *fakeTaskSessionRepository) GetByID(_ context.Context, id string) (*entity.TaskSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.byID[id], nil
}

func (f *fakeTaskSessionRepository) GetActiveByUser(_ context.Context, userID string) (*entity.TaskSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id, ok := f.activeOf[userID]
	if !ok {
		return nil, nil
	}
	t := f.byID[id]
	if t == nil || !t.IsActive() {
		return nil, nil
	}
	return t, nil
}

func (f *fakeTaskSessionRepository) Update(_ context.Context, t *entity.TaskSession) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.byID[t.ID] = t
	if t.Status != entity.TaskActive {
		delete(f.activeOf, t.UserID)
	}
	return nil
}

// scriptedAgentRunner returns one response per call from responses, in
// order, and — if set — signals afterEachCall so a test can synchronize
// with iteration boundaries before acting (e.g. cancelling).
type scriptedAgentRunner struct {
	mu            sync.Mutex
	responses     []string
	calls         int
	afterEachCall chan struct{}
}

func (s *scriptedAgentRunner) Run(_ context.Context, _ string, _ string, _ []LLMMessage, _ string) (*AgentResult, <-chan entity.AgentEvent) {
	s.mu.Lock()
	idx := s.calls
	s.calls++
	s.mu.Unlock()

	ch := make(chan entity.AgentEvent)
	close(ch)

	var text string
	if idx < len(s.responses) {
		text = s.responses[idx]
	} else {
		text = s.responses[len(s.responses)-1]
	}
	if s.afterEachCall != nil {
		s.afterEachCall <- struct{}{}
	}
	return &AgentResult{FinalContent: text}, ch
}

func newTestTaskLoop(t *testing.T, agent TaskAgentRunner, repo *fakeTaskSessionRepository, maxIter int) *TaskLoop {
	t.Helper()
	auditLog, err := audit.NewLogger(t.TempDir(), zap.NewNop())
	if err != nil {
		t.Fatalf("new audit logger: %v", err)
	}
	return NewTaskLoop(agent, repo, auditLog, nil, maxIter, zap.NewNop())
}

func TestTaskLoopCompletesOnFirstNonContinueResponse(t *testing.T) {
	repo := newFakeTaskSessionRepository()
	agent := &scriptedAgentRunner{responses: []string{"All done."}}
	loop := newTestTaskLoop(t, agent, repo, 10)

	res, err := loop.Execute(context.Background(), "user-1", "do the thing", "chat-1", "audit-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.Completed {
		t.Fatal("expected task to complete")
	}
	if res.Text != "All done." {
		t.Fatalf("unexpected text: %q", res.Text)
	}
	if res.Iterations != 1 {
		t.Fatalf("expected 1 iteration, got %d", res.Iterations)
	}

	stored, _ := repo.GetByID(context.Background(), res.SessionID)
	if stored.Status != entity.TaskCompleted {
		t.Fatalf("expected stored status completed, got %s", stored.Status)
	}
}

func TestTaskLoopContinuesUntilSentinelDisappears(t *testing.T) {
	repo := newFakeTaskSessionRepository()
	agent := &scriptedAgentRunner{responses: []string{
		"Step 1 done. [CONTINUE]",
		"Step 2 done. [CONTINUE]",
		"Finished everything.",
	}}
	loop := newTestTaskLoop(t, agent, repo, 10)

	res, err := loop.Execute(context.Background(), "user-1", "multi-step task", "chat-1", "audit-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.Completed || res.Iterations != 3 {
		t.Fatalf("expected completion after 3 iterations, got completed=%v iterations=%d", res.Completed, res.Iterations)
	}
	if strings.Contains(res.Text, "[CONTINUE]") {
		t.Fatalf("sentinel must be stripped from final text, got %q", res.Text)
	}
}

func TestTaskLoopFailsOnIterationCap(t *testing.T) {
	repo := newFakeTaskSessionRepository()
	agent := &scriptedAgentRunner{responses: []string{"Still working. [CONTINUE]"}}
	loop := newTestTaskLoop(t, agent, repo, 3)

	res, err := loop.Execute(context.Background(), "user-1", "never-ending task", "chat-1", "audit-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Completed {
		t.Fatal("expected task not to complete")
	}
	if res.Iterations != 3 {
		t.Fatalf("expected 3 iterations (the cap), got %d", res.Iterations)
	}

	stored, _ := repo.GetByID(context.Background(), res.SessionID)
	if stored.Status != entity.TaskFailed {
		t.Fatalf("expected stored status failed, got %s", stored.Status)
	}
}

func TestTaskLoopCancelStopsAtNextSuspensionPoint(t *testing.T) {
	repo := newFakeTaskSessionRepository()
	// Always continues — without cancellation this would run to the
	// iteration cap; with it, Execute must stop right after iteration 1.
	agent := &scriptedAgentRunner{
		responses:     []string{"Step 1. [CONTINUE]"},
		afterEachCall: make(chan struct{}, 10),
	}
	loop := newTestTaskLoop(t, agent, repo, 10)

	done := make(chan TaskLoopResult, 1)
	go func() {
		res, _ := loop.Execute(context.Background(), "user-1", "cancel me", "chat-1", "audit-1")
		done <- res
	}()

	// Wait for iteration 1's Run call to complete, then cancel before the
	// loop can start iteration 2.
	select {
	case <-agent.afterEachCall:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for first iteration")
	}

	var cancelled bool
	for i := 0; i < 200 && !cancelled; i++ {
		ok, err := loop.Cancel(context.Background(), "user-1")
		if err != nil {
			t.Fatalf("cancel error: %v", err)
		}
		cancelled = ok
		if !cancelled {
			time.Sleep(time.Millisecond)
		}
	}
	if !cancelled {
		t.Fatal("expected to find and cancel the active task session")
	}

	var res TaskLoopResult
	select {
	case res = <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for Execute to return after cancel")
	}
	if res.Completed {
		t.Fatal("expected a cancelled task not to report completed")
	}

	stored, _ := repo.GetByID(context.Background(), res.SessionID)
	if stored.Status != entity.TaskCancelled {
		t.Fatalf("expected stored status cancelled, got %s", stored.Status)
	}
}
