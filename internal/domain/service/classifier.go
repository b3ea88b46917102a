package service

import (
	"fmt"

	"github.com/sentryclaw/gateway/internal/infrastructure/config"
)

// ActionTier is the Classifier's verdict for one tool call (spec §3, §4.2).
type ActionTier string

const (
	TierAutoApprove    ActionTier = "auto-approve"
	TierNotify         ActionTier = "notify"
	TierRequireApproval ActionTier = "require-approval"
)

// soulUpdateTool is hardcoded require-approval and excluded from
// session-grant downgrades (spec §4.2 "Soul-update exception").
const soulUpdateTool = "propose_soul_update"

// Classifier implements the declarative rule classifier: walk
// autoApprove → notify → requireApproval in that order, returning the
// first tier whose rule list contains a matching rule; default to
// require-approval when nothing matches (spec §4.2, fail-safe per §9).
type Classifier struct {
	cfg config.ActionTierConfig
}

// NewClassifier builds a Classifier from the action-tier rule config.
func NewClassifier(cfg config.ActionTierConfig) *Classifier {
	return &Classifier{cfg: cfg}
}

// UpdateConfig replaces the rule set at runtime (mirrors the teacher's
// SecurityHook.UpdateConfig mutability).
func (c *Classifier) UpdateConfig(cfg config.ActionTierConfig) {
	c.cfg = cfg
}

// Classify returns the ActionTier for toolName given its input map.
// propose_soul_update always classifies as require-approval, ahead of any
// configured rule (spec §4.2).
func (c *Classifier) Classify(toolName string, input map[string]interface{}) ActionTier {
	if toolName == soulUpdateTool {
		return TierRequireApproval
	}

	if matchRules(c.cfg.AutoApprove, toolName, input) {
		return TierAutoApprove
	}
	if matchRules(c.cfg.Notify, toolName, input) {
		return TierNotify
	}
	if matchRules(c.cfg.RequireApproval, toolName, input) {
		return TierRequireApproval
	}
	return TierRequireApproval
}

// matchRules reports whether any rule in rules matches (toolName, input).
func matchRules(rules []config.ActionTierRule, toolName string, input map[string]interface{}) bool {
	for _, rule := range rules {
		if ruleMatches(rule, toolName, input) {
			return true
		}
	}
	return false
}

// ruleMatches implements spec §4.2's "Rule match": rule.tool must equal
// toolName, and every declared condition field must be present (non-null)
// on the input and match its glob pattern. A missing field means the rule
// does not match — no error, no fallback value.
func ruleMatches(rule config.ActionTierRule, toolName string, input map[string]interface{}) bool {
	if rule.Tool != toolName {
		return false
	}
	for field, pattern := range rule.Conditions {
		raw, present := input[field]
		if !present || raw == nil {
			return false
		}
		if !matchGlob(coerceString(raw), pattern) {
			return false
		}
	}
	return true
}

// coerceString renders a JSON-decoded value as a string for glob matching.
func coerceString(v interface{}) string {
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", v)
}
