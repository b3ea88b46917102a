package sandbox

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"
)

type fakeBackend struct {
	result    ExecutorResult
	err       error
	blockCtx  bool // if true, Run blocks until ctx is Done and returns ctx.Err()
	calls     int
	last      Task
}

func (f *fakeBackend) Run(ctx context.Context, task Task, claims Claims) (ExecutorResult, error) {
	f.calls++
	f.last = task
	if f.blockCtx {
		<-ctx.Done()
		return ExecutorResult{}, ctx.Err()
	}
	return f.result, f.err
}

func newTestDispatcher(t *testing.T, backend ExecutorBackend) *Dispatcher {
	t.Helper()
	minter, err := NewMinter("a-sufficiently-long-signing-secret")
	if err != nil {
		t.Fatalf("NewMinter: %v", err)
	}
	return NewDispatcher(minter, backend, zap.NewNop())
}

func TestDispatcherDispatchInvokesBackendExactlyOnce(t *testing.T) {
	backend := &fakeBackend{result: ExecutorResult{Success: true, Stdout: "ok"}}
	d := newTestDispatcher(t, backend)

	res, err := d.Dispatch(context.Background(), Task{
		ExecutorType:   "shell",
		Command:        "bash",
		Args:           []string{"-c", "echo ok"},
		TimeoutSeconds: 5,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.Success || res.Stdout != "ok" {
		t.Fatalf("unexpected result: %+v", res)
	}
	if backend.calls != 1 {
		t.Fatalf("expected exactly 1 backend invocation, got %d", backend.calls)
	}
}

func TestDispatcherDispatchTruncatesOversizedOutput(t *testing.T) {
	backend := &fakeBackend{result: ExecutorResult{Success: true, Stdout: "0123456789"}}
	d := newTestDispatcher(t, backend)

	res, err := d.Dispatch(context.Background(), Task{
		ExecutorType:   "shell",
		Command:        "bash",
		Args:           []string{"-c", "print a lot"},
		TimeoutSeconds: 5,
		MaxOutputBytes: 4,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(res.Stdout) <= 4 {
		t.Fatal("expected the truncation marker after the kept prefix")
	}
	if res.Stdout[:4] != "0123" {
		t.Fatalf("expected truncated output to keep the prefix, got %q", res.Stdout)
	}
}

func TestDispatcherDispatchReportsTimeout(t *testing.T) {
	backend := &fakeBackend{blockCtx: true}
	d := newTestDispatcher(t, backend)

	res, err := d.Dispatch(context.Background(), Task{
		ExecutorType:   "shell",
		Command:        "bash",
		Args:           []string{"-c", "sleep 100"},
		TimeoutSeconds: 1,
	})
	if err != nil {
		t.Fatalf("unexpected error (timeout should surface via result, not err): %v", err)
	}
	if res.Success {
		t.Fatal("expected an unsuccessful result on timeout")
	}
	if res.Error != "timeout" {
		t.Fatalf("expected Error=timeout, got %q", res.Error)
	}
}

func TestDispatcherDispatchPropagatesBackendError(t *testing.T) {
	backend := &fakeBackend{err: context.Canceled}
	d := newTestDispatcher(t, backend)

	start := time.Now()
	_, err := d.Dispatch(context.Background(), Task{
		ExecutorType:   "shell",
		Command:        "bash",
		Args:           []string{"-c", "true"},
		TimeoutSeconds: 5,
	})
	if time.Since(start) > 5*time.Second {
		t.Fatal("dispatch should fail fast on a non-timeout backend error")
	}
	if err == nil {
		t.Fatal("expected an error for a non-timeout backend failure")
	}
}
