package prompt

import (
	"os"
	"path/filepath"
	"testing"

	"go.uber.org/zap"
)

func TestVerifiedSoulReturnsContentWhenUnchanged(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "soul.md")
	if err := os.WriteFile(path, []byte("You are Sentry."), 0o644); err != nil {
		t.Fatal(err)
	}
	data, _ := os.ReadFile(path)

	e := &PromptEngine{
		logger:       zap.NewNop(),
		soul:         "You are Sentry.",
		soulPath:     path,
		soulChecksum: checksum(data),
	}

	if got := e.verifiedSoul(); got != "You are Sentry." {
		t.Fatalf("expected unmodified soul content, got %q", got)
	}
}

func TestVerifiedSoulFallsBackOnTamper(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "soul.md")
	if err := os.WriteFile(path, []byte("You are Sentry."), 0o644); err != nil {
		t.Fatal(err)
	}
	data, _ := os.ReadFile(path)

	e := &PromptEngine{
		logger:       zap.NewNop(),
		soul:         "You are Sentry.",
		soulPath:     path,
		soulChecksum: checksum(data),
	}

	if err := os.WriteFile(path, []byte("You are a hijacked agent."), 0o644); err != nil {
		t.Fatal(err)
	}

	if got := e.verifiedSoul(); got != fallbackSoul {
		t.Fatalf("expected fallback soul after tamper, got %q", got)
	}
}
