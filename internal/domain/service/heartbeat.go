package service

import (
	"context"
	"fmt"
	"sync"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/sentryclaw/gateway/internal/infrastructure/audit"
	"github.com/sentryclaw/gateway/internal/infrastructure/config"
)

// HeartbeatHandler runs one heartbeat spec's synthetic turn when its
// schedule fires.
type HeartbeatHandler func(ctx context.Context, spec config.HeartbeatSpec) error

// HeartbeatScheduler runs config.HeartbeatSpec entries on a cron schedule,
// feeding synthetic user turns into the Orchestrator (spec §6). Grounded on
// the teacher's interfaces/telegram/cron_service.go for the register /
// enable-disable / list shape (CronJob map + mutex, Schedule/Cancel/List),
// but replaces its one-minute ticker and hand-rolled minute/hour field
// parser with robfig/cron/v3, since the spec's heartbeats are named,
// reloadable, multi-entry, and need full five-field (and @every/@daily
// descriptor) cron expressions rather than the teacher's "at most hour and
// minute" subset.
type HeartbeatScheduler struct {
	handler  HeartbeatHandler
	auditLog *audit.Logger
	logger   *zap.Logger
	cron     *cron.Cron

	mu      sync.Mutex
	specs   map[string]config.HeartbeatSpec
	entries map[string]cron.EntryID
}

// NewHeartbeatScheduler wires a scheduler that invokes handler on firing,
// recording each firing in auditLog before the handler runs.
func NewHeartbeatScheduler(handler HeartbeatHandler, auditLog *audit.Logger, logger *zap.Logger) *HeartbeatScheduler {
	return &HeartbeatScheduler{
		handler:  handler,
		auditLog: auditLog,
		logger:   logger.With(zap.String("component", "heartbeat-scheduler")),
		cron:     cron.New(),
		specs:    make(map[string]config.HeartbeatSpec),
		entries:  make(map[string]cron.EntryID),
	}
}

// Load (re)registers every spec by name, removing whatever was previously
// registered under the same name first — reloading the same config twice
// must not leave duplicate cron entries firing the same heartbeat. Disabled
// specs are kept (so Toggle can re-enable them later) but not scheduled. If
// any spec's Schedule fails to parse, the whole batch is rejected and prior
// registrations are left untouched.
func (h *HeartbeatScheduler) Load(specs []config.HeartbeatSpec) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, spec := range specs {
		if !spec.Enabled {
			continue
		}
		if _, err := cron.ParseStandard(spec.Schedule); err != nil {
			return fmt.Errorf("heartbeat %q: invalid schedule %q: %w", spec.Name, spec.Schedule, err)
		}
	}

	for _, spec := range specs {
		h.unscheduleLocked(spec.Name)
		h.specs[spec.Name] = spec
		if !spec.Enabled {
			continue
		}
		if err := h.scheduleLocked(spec); err != nil {
			return err
		}
	}
	return nil
}

func (h *HeartbeatScheduler) scheduleLocked(spec config.HeartbeatSpec) error {
	entryID, err := h.cron.AddFunc(spec.Schedule, func() { h.fire(spec) })
	if err != nil {
		return fmt.Errorf("heartbeat %q: schedule: %w", spec.Name, err)
	}
	h.entries[spec.Name] = entryID
	return nil
}

func (h *HeartbeatScheduler) unscheduleLocked(name string) {
	if id, ok := h.entries[name]; ok {
		h.cron.Remove(id)
		delete(h.entries, name)
	}
}

func (h *HeartbeatScheduler) fire(spec config.HeartbeatSpec) {
	_ = h.auditLog.Append(audit.EventMessageReceived, fmt.Sprintf("heartbeat:%s", spec.Name), map[string]interface{}{
		"heartbeat": spec.Name,
		"channel":   spec.Channel,
	})
	if h.handler == nil {
		return
	}
	if err := h.handler(context.Background(), spec); err != nil {
		h.logger.Error("heartbeat handler failed", zap.String("name", spec.Name), zap.Error(err))
	}
}

// Toggle flips the Enabled flag of the named spec within specs and reloads,
// returning the updated slice. Errors if no spec in specs matches name.
func (h *HeartbeatScheduler) Toggle(specs []config.HeartbeatSpec, name string, enabled bool) ([]config.HeartbeatSpec, error) {
	updated := make([]config.HeartbeatSpec, len(specs))
	copy(updated, specs)

	found := false
	for i, spec := range updated {
		if spec.Name == name {
			spec.Enabled = enabled
			updated[i] = spec
			found = true
		}
	}
	if !found {
		return nil, fmt.Errorf("heartbeat %q: not found", name)
	}
	if err := h.Load(updated); err != nil {
		return nil, err
	}
	return updated, nil
}

// Entries returns every currently-loaded spec (enabled or not), backing the
// heartbeat-list bridge command.
func (h *HeartbeatScheduler) Entries() []config.HeartbeatSpec {
	h.mu.Lock()
	defer h.mu.Unlock()

	out := make([]config.HeartbeatSpec, 0, len(h.specs))
	for _, spec := range h.specs {
		out = append(out, spec)
	}
	return out
}

// Start begins firing loaded, enabled heartbeats.
func (h *HeartbeatScheduler) Start() {
	h.cron.Start()
}

// Stop blocks until any in-flight cron invocation completes, then halts the
// scheduler.
func (h *HeartbeatScheduler) Stop() {
	<-h.cron.Stop().Done()
}
