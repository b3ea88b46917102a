package prompt

import (
	"crypto/sha256"
	"encoding/hex"

	"github.com/sentryclaw/gateway/internal/infrastructure/audit"
)

// checksum returns the hex-encoded SHA-256 digest of data (spec §4.5
// "Integrity (soul/skills)"). No ecosystem library in the pack does
// content-hash integrity verification, so this one piece stays stdlib.
func checksum(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// SetAuditLog wires an audit sink so integrity failures (soul or skill
// checksum mismatch) are recorded, not just logged.
func (e *PromptEngine) SetAuditLog(a *audit.Logger) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.auditLog = a
}
