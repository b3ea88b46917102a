package service

import (
	"testing"

	"github.com/sentryclaw/gateway/internal/infrastructure/config"
)

func TestGlobMatchBasics(t *testing.T) {
	cases := []struct {
		value, pattern string
		want           bool
	}{
		{"/workspace/a.txt", "/workspace/*", true},
		{"/workspace/sub/a.txt", "/workspace/*", false},
		{"/workspace/sub/a.txt", "/workspace/**", true},
		{"/sandbox/../x", "/sandbox/**", false},
		{"README.md", "*.md", true},
		{"README.MD", "*.md", false}, // case-sensitive
	}
	for _, c := range cases {
		if got := matchGlob(c.value, c.pattern); got != c.want {
			t.Errorf("matchGlob(%q, %q) = %v, want %v", c.value, c.pattern, got, c.want)
		}
	}
}

func TestGlobNegation(t *testing.T) {
	if !matchGlob("danger.sh", "!(*.txt)") {
		t.Error("expected !(*.txt) to match danger.sh")
	}
	if matchGlob("safe.txt", "!(*.txt)") {
		t.Error("expected !(*.txt) to not match safe.txt")
	}
}

func TestClassifierDefaultsToRequireApproval(t *testing.T) {
	c := NewClassifier(config.ActionTierConfig{})
	if tier := c.Classify("run_shell_command", map[string]interface{}{"command": "rm -rf /"}); tier != TierRequireApproval {
		t.Errorf("expected fail-safe require-approval, got %s", tier)
	}
}

func TestClassifierAutoApproveRule(t *testing.T) {
	cfg := config.ActionTierConfig{
		AutoApprove: []config.ActionTierRule{
			{Tool: "list_directory", Conditions: map[string]string{"path": "/workspace/**"}},
		},
	}
	c := NewClassifier(cfg)
	tier := c.Classify("list_directory", map[string]interface{}{"path": "/workspace/sub/dir"})
	if tier != TierAutoApprove {
		t.Errorf("expected auto-approve, got %s", tier)
	}
}

func TestClassifierMissingFieldNoMatch(t *testing.T) {
	cfg := config.ActionTierConfig{
		AutoApprove: []config.ActionTierRule{
			{Tool: "list_directory", Conditions: map[string]string{"path": "/workspace/**"}},
		},
	}
	c := NewClassifier(cfg)
	tier := c.Classify("list_directory", map[string]interface{}{})
	if tier != TierRequireApproval {
		t.Errorf("expected fail-safe require-approval on missing field, got %s", tier)
	}
}

func TestClassifierSoulUpdateAlwaysRequiresApproval(t *testing.T) {
	cfg := config.ActionTierConfig{
		AutoApprove: []config.ActionTierRule{
			{Tool: soulUpdateTool, Conditions: nil},
		},
	}
	c := NewClassifier(cfg)
	if tier := c.Classify(soulUpdateTool, map[string]interface{}{}); tier != TierRequireApproval {
		t.Errorf("expected propose_soul_update to always require approval, got %s", tier)
	}
}
