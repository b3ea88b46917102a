package config

import (
	"fmt"
	"os"

	"github.com/zalando/go-keyring"
)

// LoadCapabilitySecret resolves the capability-token signing secret: the OS
// keyring when cfg.KeyringEnabled (useful for local/dev so the secret
// survives process restarts without landing in shell history), falling
// back to the configured environment variable.
func LoadCapabilitySecret(cfg SandboxSecurityConfig) (string, error) {
	if cfg.KeyringEnabled {
		secret, err := keyring.Get(cfg.KeyringService, "capability-secret")
		if err == nil && secret != "" {
			return secret, nil
		}
		// Fall through to env var — keyring may be unavailable in a
		// headless/CI environment.
	}

	secret := os.Getenv(cfg.CapabilitySecretEnv)
	if secret == "" {
		return "", fmt.Errorf("capability secret not set: export %s or enable sandbox.keyringEnabled", cfg.CapabilitySecretEnv)
	}
	return secret, nil
}

// SaveCapabilitySecretToKeyring stores a secret in the OS keyring for
// subsequent LoadCapabilitySecret calls. Used by `cmd/cli` setup flows.
func SaveCapabilitySecretToKeyring(cfg SandboxSecurityConfig, secret string) error {
	return keyring.Set(cfg.KeyringService, "capability-secret", secret)
}
