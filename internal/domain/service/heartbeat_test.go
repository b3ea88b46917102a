package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/sentryclaw/gateway/internal/infrastructure/audit"
	"github.com/sentryclaw/gateway/internal/infrastructure/config"
)

func newTestHeartbeatScheduler(t *testing.T, handler HeartbeatHandler) *HeartbeatScheduler {
	t.Helper()
	auditLog, err := audit.NewLogger(t.TempDir(), zap.NewNop())
	if err != nil {
		t.Fatalf("new audit logger: %v", err)
	}
	return NewHeartbeatScheduler(handler, auditLog, zap.NewNop())
}

func TestHeartbeatSchedulerFiresEnabledSpecs(t *testing.T) {
	var mu sync.Mutex
	var fired []string
	done := make(chan struct{}, 10)

	handler := func(_ context.Context, spec config.HeartbeatSpec) error {
		mu.Lock()
		fired = append(fired, spec.Name)
		mu.Unlock()
		done <- struct{}{}
		return nil
	}

	sched := newTestHeartbeatScheduler(t, handler)
	if err := sched.Load([]config.HeartbeatSpec{
		{Name: "morning-briefing", Schedule: "@every 10ms", Enabled: true, Prompt: "summarize overnight activity"},
		{Name: "disabled-one", Schedule: "@every 10ms", Enabled: false, Prompt: "should never fire"},
	}); err != nil {
		t.Fatalf("Load: %v", err)
	}
	sched.Start()
	defer sched.Stop()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for heartbeat to fire")
	}

	mu.Lock()
	defer mu.Unlock()
	for _, name := range fired {
		if name == "disabled-one" {
			t.Fatal("disabled heartbeat must never fire")
		}
	}
	if len(fired) == 0 {
		t.Fatal("expected at least one firing of the enabled heartbeat")
	}
}

func TestHeartbeatSchedulerLoadRejectsInvalidSchedule(t *testing.T) {
	sched := newTestHeartbeatScheduler(t, func(context.Context, config.HeartbeatSpec) error { return nil })

	err := sched.Load([]config.HeartbeatSpec{
		{Name: "broken", Schedule: "not a cron expression", Enabled: true},
	})
	if err == nil {
		t.Fatal("expected an error for an invalid cron schedule")
	}
}

func TestHeartbeatSchedulerToggleDisablesAndReenables(t *testing.T) {
	var mu sync.Mutex
	count := 0
	handler := func(context.Context, config.HeartbeatSpec) error {
		mu.Lock()
		count++
		mu.Unlock()
		return nil
	}

	sched := newTestHeartbeatScheduler(t, handler)
	specs := []config.HeartbeatSpec{
		{Name: "pulse", Schedule: "@every 10ms", Enabled: true},
	}
	if err := sched.Load(specs); err != nil {
		t.Fatalf("Load: %v", err)
	}
	sched.Start()
	defer sched.Stop()

	updated, err := sched.Toggle(specs, "pulse", false)
	if err != nil {
		t.Fatalf("Toggle: %v", err)
	}
	if updated[0].Enabled {
		t.Fatal("expected pulse to be disabled in the returned specs")
	}

	mu.Lock()
	count = 0
	mu.Unlock()
	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	gotCount := count
	mu.Unlock()
	if gotCount != 0 {
		t.Fatalf("expected no firings after disabling, got %d", gotCount)
	}

	if _, err := sched.Toggle(updated, "missing", true); err == nil {
		t.Fatal("expected an error toggling an unknown heartbeat name")
	}
}
