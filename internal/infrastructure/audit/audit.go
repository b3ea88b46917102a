// Package audit implements the Gateway's append-only activity log: one
// JSONL file per UTC date, every event carrying a monotonic per-process
// sequence number in addition to its timestamp so two events that land in
// the same millisecond still have a verifiable order.
package audit

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// EventType enumerates the audit event kinds the core emits (spec §6
// persisted-state layout).
type EventType string

const (
	EventMessageReceived  EventType = "message_received"
	EventLLMRequest       EventType = "llm_request"
	EventLLMResponse      EventType = "llm_response"
	EventMessageSent      EventType = "message_sent"
	EventToolCall         EventType = "tool_call"
	EventToolResult       EventType = "tool_result"
	EventActionClassified EventType = "action_classified"
	EventApprovalRequest  EventType = "approval_requested"
	EventApprovalResolved EventType = "approval_resolved"
	EventError            EventType = "error"
	EventSoul             EventType = "soul_verified"
	EventSoulFailed        EventType = "soul_integrity_failed"
	EventSkill             EventType = "skill_verified"
	EventSkillFailed       EventType = "skill_integrity_failed"
	EventMCPProxy          EventType = "mcp_proxy"
)

// Event is one line of the audit log.
type Event struct {
	Seq       uint64      `json:"seq"`
	Timestamp time.Time   `json:"timestamp"`
	Type      EventType   `json:"type"`
	SessionID string      `json:"sessionId,omitempty"`
	Data      interface{} `json:"data,omitempty"`
}

// Logger appends events to date-sharded JSONL files under Dir. Safe for
// concurrent use; one os.File is kept open per UTC day and rotated
// automatically on first write after midnight.
type Logger struct {
	dir    string
	logger *zap.Logger
	seq    uint64

	mu      sync.Mutex
	day     string
	file    *os.File
	encoder *json.Encoder
}

// NewLogger opens (creating if necessary) the audit directory. The first
// file is opened lazily on the first Append call so startup never fails
// merely because no event has been recorded yet.
func NewLogger(dir string, logger *zap.Logger) (*Logger, error) {
	if dir == "" {
		return nil, fmt.Errorf("audit: directory must not be empty")
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("audit: create directory: %w", err)
	}
	return &Logger{dir: dir, logger: logger}, nil
}

// Append writes one event, stamping it with the current time and the next
// sequence number. sessionID may be empty for process-wide events.
func (l *Logger) Append(eventType EventType, sessionID string, data interface{}) error {
	seq := atomic.AddUint64(&l.seq, 1)
	ev := Event{
		Seq:       seq,
		Timestamp: time.Now().UTC(),
		Type:      eventType,
		SessionID: sessionID,
		Data:      data,
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	day := ev.Timestamp.Format("2006-01-02")
	if l.file == nil || day != l.day {
		if err := l.rotate(day); err != nil {
			return err
		}
	}

	if err := l.encoder.Encode(&ev); err != nil {
		l.logger.Error("audit: write failed", zap.Error(err), zap.String("type", string(eventType)))
		return fmt.Errorf("audit: encode event: %w", err)
	}
	return nil
}

// rotate must be called with l.mu held.
func (l *Logger) rotate(day string) error {
	if l.file != nil {
		_ = l.file.Close()
	}
	path := filepath.Join(l.dir, fmt.Sprintf("audit-%s.jsonl", day))
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o640)
	if err != nil {
		return fmt.Errorf("audit: open %s: %w", path, err)
	}
	l.file = f
	l.day = day
	l.encoder = json.NewEncoder(f)
	return nil
}

// Close flushes and closes the currently open file, if any.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}
