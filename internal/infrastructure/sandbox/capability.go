package sandbox

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	apperrors "github.com/sentryclaw/gateway/pkg/errors"
)

// NetworkPolicy is the capability token's network claim (spec §3). A nil
// AllowedDomains with Mode "none" denies all egress; Mode "allowlist" opens
// the domain-filtering proxy for exactly AllowedDomains.
type NetworkPolicy struct {
	Mode           string   `json:"mode"` // "none" | "allowlist"
	AllowedDomains []string `json:"allowedDomains,omitempty"`
}

// Mount is one capability-scoped bind mount.
type Mount struct {
	HostPath      string `json:"hostPath"`
	ContainerPath string `json:"containerPath"`
	ReadOnly      bool   `json:"readOnly"`
}

// Claims is the capability token payload (spec §3). It embeds
// jwt.RegisteredClaims for iat/exp so the signing library's own expiry
// check participates in verification.
type Claims struct {
	jwt.RegisteredClaims
	ExecutorType    string        `json:"executorType"`
	Mounts          []Mount       `json:"mounts,omitempty"`
	Network         NetworkPolicy `json:"network"`
	TimeoutSeconds  int           `json:"timeoutSeconds"`
	MaxOutputBytes  int64         `json:"maxOutputBytes"`
}

// hardCapSeconds bounds the longest capability token lifetime regardless of
// the requested task timeout.
const hardCapSeconds = 30 * 60

// graceSeconds is added to the task timeout to form the token's lifetime,
// giving the executor entrypoint a moment to observe and report the
// timeout before the token itself would also have expired.
const graceSeconds = 30

// Minter mints and verifies capability tokens with a process-wide HMAC
// secret (spec §3, §5 "capability-token signing uses a read-only
// process-wide secret").
type Minter struct {
	secret []byte
}

// NewMinter builds a Minter from the process-wide signing secret. The
// secret is read once at startup (env var or keyring, see
// infrastructure/config) and never rotates mid-process.
func NewMinter(secret string) (*Minter, error) {
	if len(secret) < 16 {
		return nil, fmt.Errorf("%w: capability signing secret must be at least 16 bytes", apperrors.ErrConfig)
	}
	return &Minter{secret: []byte(secret)}, nil
}

// TaskSpec is the input to Mint: the task-specific authority this token
// should carry.
type TaskSpec struct {
	ExecutorType   string
	Mounts         []Mount
	Network        NetworkPolicy
	TimeoutSeconds int
	MaxOutputBytes int64
}

// Mint signs a new capability token scoped to spec. Lifetime is
// min(timeoutSeconds + grace, hardCap).
func (m *Minter) Mint(spec TaskSpec) (string, Claims, error) {
	lifetime := spec.TimeoutSeconds + graceSeconds
	if lifetime > hardCapSeconds {
		lifetime = hardCapSeconds
	}
	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Duration(lifetime) * time.Second)),
		},
		ExecutorType:   spec.ExecutorType,
		Mounts:         spec.Mounts,
		Network:        spec.Network,
		TimeoutSeconds: spec.TimeoutSeconds,
		MaxOutputBytes: spec.MaxOutputBytes,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(m.secret)
	if err != nil {
		return "", Claims{}, fmt.Errorf("%w: sign token: %v", apperrors.ErrCapability, err)
	}
	return signed, claims, nil
}

// Verify checks the signature and standard claims of a token minted by
// (possibly a different process holding) the same secret. Any tampering
// with payload or signature, or an unexpected secret, fails verification —
// this is the executor-side half of the capability contract.
func (m *Minter) Verify(signed string) (Claims, error) {
	var claims Claims
	token, err := jwt.ParseWithClaims(signed, &claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return m.secret, nil
	})
	if err != nil {
		return Claims{}, fmt.Errorf("%w: %v", apperrors.ErrCapability, err)
	}
	if !token.Valid {
		return Claims{}, fmt.Errorf("%w: token invalid", apperrors.ErrCapability)
	}
	return claims, nil
}
