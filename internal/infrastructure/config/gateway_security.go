package config

// ActionTierRule is one classifier rule: it matches toolName plus an
// optional set of field→glob-pattern conditions (spec §4.2, §6).
type ActionTierRule struct {
	Tool       string            `mapstructure:"tool"`
	Conditions map[string]string `mapstructure:"conditions"`
}

// ActionTierConfig holds the three rule lists, evaluated in this field
// order: autoApprove → notify → requireApproval (spec §4.2).
type ActionTierConfig struct {
	AutoApprove    []ActionTierRule `mapstructure:"autoApprove"`
	Notify         []ActionTierRule `mapstructure:"notify"`
	RequireApproval []ActionTierRule `mapstructure:"requireApproval"`
}

// MountConfig is one capability-scoped bind mount declaration (spec §6).
type MountConfig struct {
	HostPath      string `mapstructure:"hostPath"`
	ContainerPath string `mapstructure:"containerPath"`
	ReadOnly      bool   `mapstructure:"readOnly"`
}

// MCPServerSpec configures one long-lived MCP plug-in server (spec §4.6, §6).
type MCPServerSpec struct {
	Name            string            `mapstructure:"name"`
	Image           string            `mapstructure:"image"`
	Command         string            `mapstructure:"command"`
	Args            []string          `mapstructure:"args"`
	Env             map[string]string `mapstructure:"env"`
	Mounts          []MountConfig     `mapstructure:"mounts"`
	MemoryLimitMB   int               `mapstructure:"memoryLimitMB"`
	CPULimit        float64           `mapstructure:"cpuLimit"`
	AllowedDomains  []string          `mapstructure:"allowedDomains"`
	DefaultTier     string            `mapstructure:"defaultTier"`
	IncludeTools    []string          `mapstructure:"includeTools"`
	ExcludeTools    []string          `mapstructure:"excludeTools"`
	MaxTools        int               `mapstructure:"maxTools"`
}

// HeartbeatSpec is one scheduled synthetic turn (spec §6).
type HeartbeatSpec struct {
	Name     string `mapstructure:"name"`
	Schedule string `mapstructure:"schedule"` // cron expression
	Prompt   string `mapstructure:"prompt"`
	Enabled  bool   `mapstructure:"enabled"`
	Channel  string `mapstructure:"channel"`
}

// SkillsConfig configures the Prompt Builder's skill catalog (spec §4.5, §6).
type SkillsConfig struct {
	Directory   string            `mapstructure:"directory"`
	CharBudget  int               `mapstructure:"charBudget"`
	AlwaysLoad  []string          `mapstructure:"alwaysLoad"`
	Overrides   map[string]string `mapstructure:"overrides"`
}

// SandboxSecurityConfig holds the capability-signing secret and audit
// directory. The secret is read from CapabilitySecretEnv by default; when
// KeyringEnabled is set, it is instead read from the OS keyring via
// github.com/zalando/go-keyring, falling back to the env var when the
// keyring is unavailable (SPEC_FULL §6 "Ambient config").
type SandboxSecurityConfig struct {
	CapabilitySecretEnv string `mapstructure:"capabilitySecretEnv"`
	AuditDir            string `mapstructure:"auditDir"`
	KeyringEnabled      bool   `mapstructure:"keyringEnabled"`
	KeyringService      string `mapstructure:"keyringService"`
}
