package service

import (
	"context"
	"testing"
	"time"

	"github.com/sentryclaw/gateway/internal/domain/entity"
	domaintool "github.com/sentryclaw/gateway/internal/domain/tool"
	"go.uber.org/zap"
)

// alwaysToolCallLLM never emits a final answer: every Generate call returns
// another tool call, forcing the ReAct loop to run until the iteration cap
// kicks in rather than stopping naturally.
type alwaysToolCallLLM struct{}

func (a *alwaysToolCallLLM) Generate(_ context.Context, _ *LLMRequest) (*LLMResponse, error) {
	return &LLMResponse{
		ToolCalls: []entity.ToolCallInfo{{ID: "1", Name: "noop", Arguments: map[string]interface{}{}}},
		ModelUsed: "test-model",
	}, nil
}

func (a *alwaysToolCallLLM) GenerateStream(_ context.Context, req *LLMRequest, deltaCh chan<- StreamChunk) (*LLMResponse, error) {
	close(deltaCh)
	return a.Generate(context.Background(), req)
}

// noopToolExecutor always succeeds without doing anything.
type noopToolExecutor struct{}

func (n *noopToolExecutor) Execute(_ context.Context, _ string, _ map[string]interface{}) (*domaintool.Result, error) {
	return &domaintool.Result{Success: true, Output: "ok"}, nil
}

func (n *noopToolExecutor) GetDefinitions() []domaintool.Definition {
	return []domaintool.Definition{{Name: "noop", Description: "does nothing"}}
}

func (n *noopToolExecutor) GetToolKind(_ string) domaintool.Kind {
	return domaintool.KindExecute
}

func TestMaxIterationsHardCapTerminatesLoop(t *testing.T) {
	config := DefaultAgentLoopConfig()
	config.MaxIterations = 2

	loop := NewAgentLoop(&alwaysToolCallLLM{}, &noopToolExecutor{}, config, zap.NewNop())

	result, eventCh := loop.Run(context.Background(), "system", "do the thing", nil, "")

	var sawDone bool
	done := make(chan struct{})
	go func() {
		for ev := range eventCh {
			if ev.Type == entity.EventDone {
				sawDone = true
			}
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for loop to finish")
	}

	if !sawDone {
		t.Fatal("expected a done event once the iteration cap was hit")
	}
	if result.FinalContent != "Max iterations reached without a final answer." {
		t.Fatalf("unexpected final content: %q", result.FinalContent)
	}
}
