package service

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sentryclaw/gateway/internal/domain/entity"
	"github.com/sentryclaw/gateway/internal/domain/repository"
	"github.com/sentryclaw/gateway/internal/infrastructure/audit"
	apperrors "github.com/sentryclaw/gateway/pkg/errors"
)

// GateRequest is one tool call awaiting classification/approval (spec §4.2).
type GateRequest struct {
	SessionID   string
	ToolName    string
	ToolInput   map[string]interface{}
	ChatID      string
	Reason      string
	PlanContext string
}

// GateDecision is the Gate's verdict (spec §4.2 "gate(req) → {proceed, tier, approvalId?}").
type GateDecision struct {
	Proceed    bool
	Tier       ActionTier
	ApprovalID string
}

// Notifier is the injected callback the Gate uses to reach a bridge
// without holding a back-pointer to it (spec §9 "Cyclic references").
type Notifier interface {
	Notify(chatID, text string)
	SendApprovalRequest(chatID string, approval *entity.Approval)
	SendApprovalExpired(chatID, approvalID string)
}

// canonicalizer reduces a tool's full input map to the subset that governs
// session-grant matching (SPEC_FULL §9 Open-Question resolution): file-like
// tools key on "path" alone; everything else keys on the full map.
var fileLikeTools = map[string]bool{
	"read_file":      true,
	"write_file":     true,
	"list_directory": true,
	"search_files":   true,
}

func canonicalInputKey(toolName string, input map[string]interface{}) string {
	if fileLikeTools[toolName] {
		if path, ok := input["path"]; ok {
			return fmt.Sprintf("path=%v", path)
		}
	}
	raw, _ := json.Marshal(input)
	return string(raw)
}

type grantKey struct {
	sessionID string
	toolName  string
	inputKey  string
}

// pendingApproval is the single-shot rendezvous for one Approval id.
type pendingApproval struct {
	ch     chan entity.ApprovalStatus
	once   sync.Once
}

func newPendingApproval() *pendingApproval {
	return &pendingApproval{ch: make(chan entity.ApprovalStatus, 1)}
}

// resolve delivers status to the rendezvous exactly once; later calls are
// no-ops (spec §5 "first resolution wins").
func (p *pendingApproval) resolve(status entity.ApprovalStatus) {
	p.once.Do(func() {
		p.ch <- status
	})
}

// Gate is the HITL coordinator: classify, then auto-approve / notify /
// await approval, with session-grant downgrade and an expiry sweeper.
// Grounded on the teacher's SecurityHook for the gate's general shape
// (policy config, callback-driven approval, runtime trust mutation) but
// redesigned around the declarative Classifier and approval-store
// rendezvous the spec requires.
type Gate struct {
	classifier *Classifier
	approvals  repository.ApprovalRepository
	auditLog   *audit.Logger
	notifier   Notifier
	logger     *zap.Logger

	timeout time.Duration

	mu       sync.Mutex
	grants   map[grantKey]bool
	pending  map[string]*pendingApproval
}

// NewGate wires a Gate from its collaborators. timeout is the approval
// rendezvous timeout (spec §4.2 default 5 min).
func NewGate(classifier *Classifier, approvals repository.ApprovalRepository, auditLog *audit.Logger, notifier Notifier, timeout time.Duration, logger *zap.Logger) *Gate {
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	return &Gate{
		classifier: classifier,
		approvals:  approvals,
		auditLog:   auditLog,
		notifier:   notifier,
		timeout:    timeout,
		grants:     make(map[grantKey]bool),
		pending:    make(map[string]*pendingApproval),
		logger:     logger.With(zap.String("component", "hitl-gate")),
	}
}

// Gate runs the full procedure of spec §4.2 for one tool call.
func (g *Gate) Gate(ctx context.Context, req GateRequest) (GateDecision, error) {
	tier := g.classifier.Classify(req.ToolName, req.ToolInput)

	// Session-grant downgrade: require-approval softens to notify if this
	// exact (tool, canonical input) was previously session-approved —
	// except propose_soul_update, which is excluded from downgrades.
	if tier == TierRequireApproval && req.ToolName != soulUpdateTool {
		key := grantKey{sessionID: req.SessionID, toolName: req.ToolName, inputKey: canonicalInputKey(req.ToolName, req.ToolInput)}
		g.mu.Lock()
		granted := g.grants[key]
		g.mu.Unlock()
		if granted {
			tier = TierNotify
		}
	}

	_ = g.auditLog.Append(audit.EventActionClassified, req.SessionID, map[string]interface{}{
		"toolName": req.ToolName,
		"tier":     tier,
	})

	switch tier {
	case TierAutoApprove:
		return GateDecision{Proceed: true, Tier: tier}, nil

	case TierNotify:
		// Notification fires before dispatch (SPEC_FULL §9 resolved
		// Open Question) and is fire-and-forget.
		if g.notifier != nil {
			g.notifier.Notify(req.ChatID, fmt.Sprintf("Running %s (auto-approved, notify-only)", req.ToolName))
		}
		return GateDecision{Proceed: true, Tier: tier}, nil

	case TierRequireApproval:
		return g.requireApproval(ctx, req)

	default:
		return GateDecision{}, fmt.Errorf("%w: unknown tier %q", apperrors.ErrClassifier, tier)
	}
}

func (g *Gate) requireApproval(ctx context.Context, req GateRequest) (GateDecision, error) {
	inputJSON, _ := json.Marshal(req.ToolInput)
	approval := &entity.Approval{
		ID:          uuid.NewString(),
		SessionID:   req.SessionID,
		ToolName:    req.ToolName,
		ToolInput:   string(inputJSON),
		Reason:      req.Reason,
		PlanContext: req.PlanContext,
		CreatedAt:   time.Now().UTC(),
		Status:      entity.ApprovalPending,
	}
	if err := g.approvals.Create(ctx, approval); err != nil {
		return GateDecision{}, err
	}

	_ = g.auditLog.Append(audit.EventApprovalRequest, req.SessionID, map[string]interface{}{
		"approvalId": approval.ID,
		"toolName":   req.ToolName,
	})

	pa := newPendingApproval()
	g.mu.Lock()
	g.pending[approval.ID] = pa
	g.mu.Unlock()
	defer func() {
		g.mu.Lock()
		delete(g.pending, approval.ID)
		g.mu.Unlock()
	}()

	if g.notifier != nil {
		g.notifier.SendApprovalRequest(req.ChatID, approval)
	}

	timer := time.NewTimer(g.timeout)
	defer timer.Stop()

	var status entity.ApprovalStatus
	select {
	case status = <-pa.ch:
	case <-timer.C:
		_, _, err := g.approvals.Resolve(ctx, approval.ID, entity.ApprovalExpired)
		if err != nil {
			g.logger.Error("failed to mark approval expired", zap.Error(err))
		}
		status = entity.ApprovalExpired
		if g.notifier != nil {
			g.notifier.SendApprovalExpired(req.ChatID, approval.ID)
		}
	case <-ctx.Done():
		return GateDecision{}, ctx.Err()
	}

	_ = g.auditLog.Append(audit.EventApprovalResolved, req.SessionID, map[string]interface{}{
		"approvalId": approval.ID,
		"status":     status,
	})

	// Persist the terminal decision: the expired branch above already wrote
	// its own status via approvals.Resolve, but approved/session-approved/
	// rejected only exist in the in-memory rendezvous until this call —
	// without it the Approval row stays "pending" forever even though the
	// caller already got an answer.
	if status != entity.ApprovalExpired {
		if _, _, err := g.approvals.Resolve(ctx, approval.ID, status); err != nil {
			g.logger.Error("failed to persist approval decision", zap.Error(err))
		}
	}

	switch status {
	case entity.ApprovalApproved:
		return GateDecision{Proceed: true, Tier: TierRequireApproval, ApprovalID: approval.ID}, nil
	case entity.ApprovalSessionApproved:
		if req.ToolName != soulUpdateTool {
			key := grantKey{sessionID: req.SessionID, toolName: req.ToolName, inputKey: canonicalInputKey(req.ToolName, req.ToolInput)}
			g.mu.Lock()
			g.grants[key] = true
			g.mu.Unlock()
		}
		return GateDecision{Proceed: true, Tier: TierNotify, ApprovalID: approval.ID}, nil
	case entity.ApprovalRejected:
		return GateDecision{Proceed: false, Tier: TierRequireApproval, ApprovalID: approval.ID}, nil
	default: // expired
		return GateDecision{Proceed: false, Tier: TierRequireApproval, ApprovalID: approval.ID}, fmt.Errorf("%w", apperrors.ErrApprovalTimeout)
	}
}

// Resolve delivers a bridge decision (ApprovalDecision message) to the
// matching rendezvous. Safe to call after timeout/expiry — the pending
// entry may already be gone, in which case this is a no-op (first writer
// already won).
func (g *Gate) Resolve(approvalID string, status entity.ApprovalStatus) {
	g.mu.Lock()
	pa, ok := g.pending[approvalID]
	g.mu.Unlock()
	if !ok {
		return
	}
	pa.resolve(status)
}

// SweepExpired transitions stale pending approvals and fires their
// rendezvous (spec §4.2 "Expiry" — periodic sweeper, default 60s).
func (g *Gate) SweepExpired(ctx context.Context, maxAgeMs int64) {
	g.mu.Lock()
	ids := make([]string, 0, len(g.pending))
	for id := range g.pending {
		ids = append(ids, id)
	}
	g.mu.Unlock()

	for _, id := range ids {
		approval, err := g.approvals.GetByID(ctx, id)
		if err != nil || approval.Status != entity.ApprovalPending {
			continue
		}
		age := time.Since(approval.CreatedAt).Milliseconds()
		if age < maxAgeMs {
			continue
		}
		if _, _, err := g.approvals.Resolve(ctx, id, entity.ApprovalExpired); err != nil {
			g.logger.Error("failed to persist swept approval expiry", zap.Error(err))
		}
		g.Resolve(id, entity.ApprovalExpired)
	}
}

// RunSweeper blocks, running SweepExpired every period until ctx is done
// (teacher precedent for a ticking background sweep: telegram's
// cron_service.go scheduleLoop).
func (g *Gate) RunSweeper(ctx context.Context, period time.Duration, maxAgeMs int64) {
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			g.SweepExpired(ctx, maxAgeMs)
		}
	}
}
