package application

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/sentryclaw/gateway/internal/domain/entity"
	"github.com/sentryclaw/gateway/internal/domain/repository"
	"github.com/sentryclaw/gateway/internal/domain/service"
	domaintool "github.com/sentryclaw/gateway/internal/domain/tool"
	"github.com/sentryclaw/gateway/internal/infrastructure/audit"
	"github.com/sentryclaw/gateway/internal/infrastructure/config"
	"github.com/sentryclaw/gateway/internal/infrastructure/mcp"
	"github.com/sentryclaw/gateway/internal/infrastructure/memorystore"
	"github.com/sentryclaw/gateway/internal/infrastructure/persistence"
	"github.com/sentryclaw/gateway/internal/infrastructure/proxy"
	"github.com/sentryclaw/gateway/internal/infrastructure/sandbox"
	"github.com/sentryclaw/gateway/internal/infrastructure/sessionstore"
	"github.com/sentryclaw/gateway/internal/infrastructure/transport"
)

// SecurityStack is the composition root for SPEC_FULL's security layer: the
// audit trail, capability tokens, the classifier/gate HITL pipeline, the
// domain-filtering MCP Manager and egress proxy, the per-user session
// store, and the Bridge ↔ Gateway transport that external bridge
// processes (Telegram, websocket dashboard, ...) connect to instead of
// embedding gateway logic directly (spec §5). Kept as a separate struct
// from App so the teacher's existing Telegram/HTTP/gRPC wiring in app.go
// stays untouched and this can be grafted in alongside it.
type SecurityStack struct {
	AuditLog     *audit.Logger
	Minter       *sandbox.Minter
	Dispatcher   *sandbox.Dispatcher
	Classifier   *service.Classifier
	Gate         *service.Gate
	ApprovalRepo repository.ApprovalRepository
	Sessions     *sessionstore.Store
	MemoryStore  *memorystore.Store
	MCPManager   *mcp.Manager
	Proxy        *proxy.Proxy
	Transport    *transport.Server
	TaskSessions repository.TaskSessionRepository

	// Heartbeats is set by app.go once the Task Loop exists (same reason
	// TaskLoop itself is built outside buildSecurityStack) so
	// OnBridgeMessage's heartbeat-list/heartbeat-toggle commands can reach
	// it without a constructor-order cycle.
	Heartbeats *service.HeartbeatScheduler

	nextClientID int
}

// buildSecurityStack wires every SPEC_FULL security component from cfg and
// the already-opened db connection. registry is the inner tool registry
// the MCP Manager registers discovered MCP tools into. It does not build
// the Task Loop: that needs the agent loop and prompt engine, which only
// exist once app.go's own initApplicationServices has run, so the Task
// Loop is constructed there from this stack's AuditLog/TaskSessions.
//
// buildSecurityStack does not start anything long-running (MCP Manager,
// Proxy, Transport) — call Start on the returned stack once the rest of
// App is ready to receive traffic.
func buildSecurityStack(cfg *config.Config, db *gorm.DB, registry domaintool.Registry, logger *zap.Logger) (*SecurityStack, error) {
	auditDir := cfg.Sandbox.AuditDir
	if auditDir == "" {
		auditDir = filepath.Join(".", "audit")
	}
	auditLog, err := audit.NewLogger(auditDir, logger)
	if err != nil {
		return nil, fmt.Errorf("open audit log: %w", err)
	}

	secret, err := config.LoadCapabilitySecret(cfg.Sandbox)
	if err != nil {
		return nil, fmt.Errorf("load capability secret: %w", err)
	}
	minter, err := sandbox.NewMinter(secret)
	if err != nil {
		return nil, fmt.Errorf("new capability minter: %w", err)
	}

	sbx, err := sandbox.NewProcessSandbox(sandbox.DefaultConfig(), logger)
	if err != nil {
		return nil, fmt.Errorf("new process sandbox: %w", err)
	}
	backend := sandbox.NewProcessBackend(sbx, logger)
	// Dispatcher/Minter are exercised directly by unit tests and available
	// to SecurityToolExecutor's executorOf hook, but executorOf is wired
	// nil below: every tool still runs in-process through toolBridge after
	// Gate approval. executorOf's signature only carries a tool name, not
	// its call args, so routing a tool like bash through a static Task
	// template here would execute whatever command the template names
	// instead of what the model actually requested. Until executorOf
	// carries args, sandboxed out-of-process execution stays a documented,
	// tested, but unwired seam (see DESIGN.md).
	dispatcher := sandbox.NewDispatcher(minter, backend, logger)

	classifier := service.NewClassifier(cfg.ActionTiers)

	approvalRepo := persistence.NewGormApprovalRepository(db)
	taskSessionRepo := persistence.NewGormTaskSessionRepository(db)

	memPath := filepath.Join(filepath.Dir(auditDir), "memory.db")
	memStore, err := memorystore.Open(memPath)
	if err != nil {
		return nil, fmt.Errorf("open memory store: %w", err)
	}

	sessions := sessionstore.NewStore(logger)

	stack := &SecurityStack{}
	transportServer := transport.NewServer(cfg.Bridge.SocketPath, stack.genClientID, logger)

	notifier := &broadcastNotifier{transport: transportServer}
	gate := service.NewGate(classifier, approvalRepo, auditLog, notifier, 0, logger)

	mcpManager := mcp.NewManager(registry, logger)

	egressProxy := proxy.NewProxy(cfg.Proxy.Addr, logger)

	stack.AuditLog = auditLog
	stack.Minter = minter
	stack.Dispatcher = dispatcher
	stack.Classifier = classifier
	stack.Gate = gate
	stack.ApprovalRepo = approvalRepo
	stack.Sessions = sessions
	stack.MemoryStore = memStore
	stack.MCPManager = mcpManager
	stack.Proxy = egressProxy
	stack.Transport = transportServer
	stack.TaskSessions = taskSessionRepo
	return stack, nil
}

// genClientID hands out sequential bridge connection ids; the transport
// server calls this once per accepted connection.
func (s *SecurityStack) genClientID() string {
	s.nextClientID++
	return fmt.Sprintf("bridge-%d", s.nextClientID)
}

// broadcastNotifier implements service.Notifier by broadcasting to every
// connected bridge (spec §4.2: approval requests for one approvalId may
// go out over multiple channels; the first decision resolves it and any
// later decision from any channel is ignored). The transport layer keeps
// no per-chatID routing table, so unlike the teacher's Telegram-specific
// single-chat reply, broadcast is the only option here — and it is the
// one the spec calls for.
type broadcastNotifier struct {
	transport *transport.Server
}

func (n *broadcastNotifier) Notify(chatID, text string) {
	n.send(transport.FrameNotification, map[string]interface{}{"chatId": chatID, "text": text})
}

func (n *broadcastNotifier) SendApprovalRequest(chatID string, approval *entity.Approval) {
	n.send(transport.FrameApprovalRequest, map[string]interface{}{
		"chatId":      chatID,
		"approvalId":  approval.ID,
		"toolName":    approval.ToolName,
		"toolInput":   approval.ToolInput,
		"reason":      approval.Reason,
		"planContext": approval.PlanContext,
	})
}

func (n *broadcastNotifier) SendApprovalExpired(chatID, approvalID string) {
	n.send(transport.FrameApprovalExpired, map[string]interface{}{"chatId": chatID, "approvalId": approvalID})
}

func (n *broadcastNotifier) send(t transport.FrameType, payload map[string]interface{}) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return
	}
	n.transport.Broadcast(transport.Frame{Type: t, Data: raw})
}

// Start begins the long-running pieces of the security stack: the
// domain-filtering MCP servers, the egress proxy, and the Bridge
// transport listener. ctx governs the MCP Manager's and proxy's
// background goroutines; Stop should be called once ctx's owner is
// shutting down.
func (s *SecurityStack) Start(ctx context.Context, mcpSpecs []config.MCPServerSpec) error {
	if err := s.MCPManager.Start(ctx, mcpSpecs); err != nil {
		return fmt.Errorf("start mcp manager: %w", err)
	}
	go s.Proxy.Run(ctx)
	s.Proxy.Start()
	if err := s.Transport.Start(); err != nil {
		return fmt.Errorf("start bridge transport: %w", err)
	}
	return nil
}

// Stop tears down the security stack's long-running pieces in roughly
// reverse start order.
func (s *SecurityStack) Stop(ctx context.Context) {
	_ = s.Transport.Stop()
	_ = s.Proxy.Stop(ctx)
	s.MCPManager.Stop()
	if s.MemoryStore != nil {
		s.MemoryStore.Close()
	}
}

// socketRequestPayload is the socket_request frame body (spec §4.7): a
// bridge asks the gateway to run one task to completion.
type socketRequestPayload struct {
	UserID  string `json:"userId"`
	ChatID  string `json:"chatId"`
	Text    string `json:"text"`
	Session string `json:"sessionId"`
}

// approvalDecisionPayload is the approval_decision frame body: a bridge
// user resolved a pending Gate approval.
type approvalDecisionPayload struct {
	ApprovalID string `json:"approvalId"`
	Decision   string `json:"decision"` // "approve" | "approve_session" | "reject"
}

// commandPayload is the command frame body: a bridge-issued management
// command. Name/Enabled are only meaningful for "heartbeat-toggle".
type commandPayload struct {
	Command string `json:"command"` // "heartbeat-list" | "heartbeat-toggle"
	Name    string `json:"name"`
	Enabled bool   `json:"enabled"`
}

// OnBridgeMessage is the transport.MessageHandler registered on
// Transport.OnMessage (wired by app.go once the Task Loop exists). It
// dispatches socket_request (run a task), approval_decision (resolve a
// pending Gate approval) and command frames (handed to handleCommand,
// which serves heartbeat-list/heartbeat-toggle); any other frame type
// gets an error reply.
func (s *SecurityStack) OnBridgeMessage(taskLoop *service.TaskLoop) transport.MessageHandler {
	return func(clientID string, f transport.Frame, reply func(transport.Frame)) {
		switch f.Type {
		case transport.FrameSocketRequest:
			var req socketRequestPayload
			if err := json.Unmarshal(f.Data, &req); err != nil {
				reply(errorResponse(fmt.Sprintf("malformed socket_request: %v", err)))
				return
			}
			go s.runTask(taskLoop, req, reply)

		case transport.FrameApprovalDecision:
			var dec approvalDecisionPayload
			if err := json.Unmarshal(f.Data, &dec); err != nil {
				reply(errorResponse(fmt.Sprintf("malformed approval_decision: %v", err)))
				return
			}
			status := entity.ApprovalRejected
			switch dec.Decision {
			case "approve":
				status = entity.ApprovalApproved
			case "approve_session":
				status = entity.ApprovalSessionApproved
			}
			s.Gate.Resolve(dec.ApprovalID, status)

		case transport.FrameCommand:
			var cmd commandPayload
			if err := json.Unmarshal(f.Data, &cmd); err != nil {
				reply(errorResponse(fmt.Sprintf("malformed command: %v", err)))
				return
			}
			s.handleCommand(cmd, reply)

		default:
			reply(errorResponse(fmt.Sprintf("unsupported frame type: %s", f.Type)))
		}
	}
}

// handleCommand serves heartbeat-list/heartbeat-toggle, the only bridge
// management commands spec §6 requires beyond socket_request/
// approval_decision — session-list/memory-list/task-stop remain unhandled
// (see DESIGN.md).
func (s *SecurityStack) handleCommand(cmd commandPayload, reply func(transport.Frame)) {
	if s.Heartbeats == nil {
		reply(errorResponse("heartbeats are not configured"))
		return
	}

	switch cmd.Command {
	case "heartbeat-list":
		raw, _ := json.Marshal(map[string]interface{}{"heartbeats": s.Heartbeats.Entries()})
		reply(transport.Frame{Type: transport.FrameSocketResponse, Data: raw})

	case "heartbeat-toggle":
		updated, err := s.Heartbeats.Toggle(s.Heartbeats.Entries(), cmd.Name, cmd.Enabled)
		if err != nil {
			reply(errorResponse(err.Error()))
			return
		}
		raw, _ := json.Marshal(map[string]interface{}{"heartbeats": updated})
		reply(transport.Frame{Type: transport.FrameSocketResponse, Data: raw})

	default:
		reply(errorResponse(fmt.Sprintf("unsupported command: %s", cmd.Command)))
	}
}

func (s *SecurityStack) runTask(taskLoop *service.TaskLoop, req socketRequestPayload, reply func(transport.Frame)) {
	result, err := taskLoop.Execute(context.Background(), req.UserID, req.Text, req.ChatID, req.Session)
	if err != nil {
		reply(errorResponse(err.Error()))
		return
	}
	raw, _ := json.Marshal(map[string]interface{}{
		"sessionId":  result.SessionID,
		"text":       result.Text,
		"iterations": result.Iterations,
		"completed":  result.Completed,
	})
	reply(transport.Frame{Type: transport.FrameSocketResponse, Data: raw})
}

func errorResponse(msg string) transport.Frame {
	raw, _ := json.Marshal(map[string]interface{}{"error": msg})
	return transport.Frame{Type: transport.FrameSocketResponse, Data: raw}
}
