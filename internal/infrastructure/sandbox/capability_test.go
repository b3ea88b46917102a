package sandbox

import (
	"encoding/base64"
	"strings"
	"testing"
)

func TestMinterMintVerifyRoundTrip(t *testing.T) {
	minter, err := NewMinter("a-sufficiently-long-signing-secret")
	if err != nil {
		t.Fatalf("NewMinter: %v", err)
	}

	signed, claims, err := minter.Mint(TaskSpec{
		ExecutorType:   "shell",
		Network:        NetworkPolicy{Mode: "none"},
		TimeoutSeconds: 30,
		MaxOutputBytes: 4096,
	})
	if err != nil {
		t.Fatalf("Mint: %v", err)
	}
	if claims.ExecutorType != "shell" {
		t.Fatalf("expected executorType shell, got %q", claims.ExecutorType)
	}

	verified, err := minter.Verify(signed)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if verified.ExecutorType != "shell" || verified.TimeoutSeconds != 30 {
		t.Fatalf("unexpected verified claims: %+v", verified)
	}
}

func TestMinterVerifyRejectsTamperedToken(t *testing.T) {
	minter, err := NewMinter("a-sufficiently-long-signing-secret")
	if err != nil {
		t.Fatalf("NewMinter: %v", err)
	}

	signed, _, err := minter.Mint(TaskSpec{ExecutorType: "shell", TimeoutSeconds: 10})
	if err != nil {
		t.Fatalf("Mint: %v", err)
	}

	// The payload segment is base64url-encoded, so swap the executor type
	// inside the decoded claims and re-encode it, keeping the old signature.
	parts := strings.Split(signed, ".")
	payload, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	parts[1] = base64.RawURLEncoding.EncodeToString([]byte(strings.Replace(string(payload), "shell", "fetch", 1)))
	tampered := strings.Join(parts, ".")
	if tampered == signed {
		t.Fatal("test setup did not actually mutate the token")
	}
	if _, err := minter.Verify(tampered); err == nil {
		t.Fatal("expected a tampered token to fail verification")
	}
}

func TestMinterVerifyRejectsWrongSecret(t *testing.T) {
	minter, err := NewMinter("first-signing-secret-value")
	if err != nil {
		t.Fatalf("NewMinter: %v", err)
	}
	other, err := NewMinter("second-signing-secret-value")
	if err != nil {
		t.Fatalf("NewMinter: %v", err)
	}

	signed, _, err := minter.Mint(TaskSpec{ExecutorType: "shell", TimeoutSeconds: 10})
	if err != nil {
		t.Fatalf("Mint: %v", err)
	}
	if _, err := other.Verify(signed); err == nil {
		t.Fatal("expected verification under a different secret to fail")
	}
}

func TestMinterMintCapsLifetimeAtHardCap(t *testing.T) {
	minter, err := NewMinter("a-sufficiently-long-signing-secret")
	if err != nil {
		t.Fatalf("NewMinter: %v", err)
	}

	_, claims, err := minter.Mint(TaskSpec{ExecutorType: "shell", TimeoutSeconds: hardCapSeconds * 10})
	if err != nil {
		t.Fatalf("Mint: %v", err)
	}
	lifetime := claims.ExpiresAt.Time.Sub(claims.IssuedAt.Time)
	if lifetime.Seconds() > hardCapSeconds {
		t.Fatalf("expected lifetime capped at %ds, got %.0fs", hardCapSeconds, lifetime.Seconds())
	}
}

func TestNewMinterRejectsShortSecret(t *testing.T) {
	if _, err := NewMinter("short"); err == nil {
		t.Fatal("expected an error for a too-short signing secret")
	}
}
