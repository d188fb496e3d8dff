package config

import (
	"time"

	"github.com/fathomlabs/fathom/pkg/models"
)

// Config is the umbrella configuration object returned by Initialize and
// passed throughout the application.
type Config struct {
	configPath string // config file path (for reference)

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `yaml:"log_level"`

	HTTP        *HTTPConfig           `yaml:"http"`
	Workspace   *WorkspaceConfig      `yaml:"workspace"`
	Engine      *EngineConfig         `yaml:"engine"`
	Providers   *ProvidersConfig      `yaml:"providers"`
	Models      models.ModelSelection `yaml:"models"`
	ResearchLog *ResearchLogConfig    `yaml:"research_log"`
}

// HTTPConfig holds the API server settings.
type HTTPConfig struct {
	// ListenAddr is the host:port the gin server binds to.
	ListenAddr string `yaml:"listen_addr"`

	// ShutdownTimeoutSec bounds graceful HTTP shutdown.
	ShutdownTimeoutSec int `yaml:"shutdown_timeout_sec"`
}

// WorkspaceConfig holds session filesystem settings.
type WorkspaceConfig struct {
	// Root is the directory under which reports/<sessionId> trees live.
	Root string `yaml:"root"`
}

// EngineConfig holds the session execution limits and timings.
type EngineConfig struct {
	// MaxAgents is the per-session concurrent sub-agent cap.
	MaxAgents int `yaml:"max_agents"`

	// OrchestratorStepCap bounds the orchestrator's outer LLM loop.
	OrchestratorStepCap int `yaml:"orchestrator_step_cap"`

	// SubAgentStepCap bounds the sub-agent LLM loop per attempt.
	SubAgentStepCap int `yaml:"sub_agent_step_cap"`

	// SubAgentMaxAttempts is the number of validation attempts a sub-agent
	// gets before it fails.
	SubAgentMaxAttempts int `yaml:"sub_agent_max_attempts"`

	// WaitForAgentsTimeoutSec is the default wait_for_agents timeout.
	WaitForAgentsTimeoutSec int `yaml:"wait_for_agents_timeout_sec"`

	// AbortGracePeriodMs is how long a session keeps running after its last
	// subscriber disconnects before being cancelled.
	AbortGracePeriodMs int `yaml:"abort_grace_period_ms"`

	// SessionCleanupDelayMs is how long after terminal status the session
	// workspace is kept on disk.
	SessionCleanupDelayMs int `yaml:"session_cleanup_delay_ms"`

	// SessionRetentionHours is how long terminal sessions stay in memory
	// before the retention sweeper drops them.
	SessionRetentionHours int `yaml:"session_retention_hours"`

	// SubscriberBuffer is the per-subscriber live event buffer.
	SubscriberBuffer int `yaml:"subscriber_buffer"`
}

// WaitForAgentsTimeout returns the default wait_for_agents timeout.
func (e *EngineConfig) WaitForAgentsTimeout() time.Duration {
	return time.Duration(e.WaitForAgentsTimeoutSec) * time.Second
}

// AbortGracePeriod returns the subscriber-loss grace period.
func (e *EngineConfig) AbortGracePeriod() time.Duration {
	return time.Duration(e.AbortGracePeriodMs) * time.Millisecond
}

// SessionCleanupDelay returns the workspace deletion delay.
func (e *EngineConfig) SessionCleanupDelay() time.Duration {
	return time.Duration(e.SessionCleanupDelayMs) * time.Millisecond
}

// SessionRetention returns the in-memory retention window.
func (e *EngineConfig) SessionRetention() time.Duration {
	return time.Duration(e.SessionRetentionHours) * time.Hour
}

// ProvidersConfig groups the three external capability providers.
type ProvidersConfig struct {
	LLM     *LLMProviderConfig     `yaml:"llm"`
	Search  *SearchProviderConfig  `yaml:"search"`
	Sandbox *SandboxProviderConfig `yaml:"sandbox"`
}

// LLM vendor identifiers.
const (
	LLMVendorAnthropic = "anthropic"
	LLMVendorOpenAI    = "openai"
)

// LLMProviderConfig selects and configures the chat-completion vendor.
type LLMProviderConfig struct {
	// Vendor is "anthropic" or "openai".
	Vendor string `yaml:"vendor"`

	// APIKey is the default credential; per-session keys override it.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the vendor endpoint (proxies, test servers).
	BaseURL string `yaml:"base_url"`

	// MaxTokens caps completion length per call.
	MaxTokens int `yaml:"max_tokens"`

	// Temperature applies to all roles.
	Temperature float64 `yaml:"temperature"`
}

// SearchProviderConfig configures the web-search provider and its RateGate.
type SearchProviderConfig struct {
	Endpoint string `yaml:"endpoint"`
	APIKey   string `yaml:"api_key"`

	// MinSpacingMs is the minimum gap between search dispatches.
	MinSpacingMs int `yaml:"min_spacing_ms"`

	// MaxRetries bounds RateGate re-dispatches per item.
	MaxRetries int `yaml:"max_retries"`

	// CacheSize is the LRU entry count for identical queries; 0 disables.
	CacheSize int `yaml:"cache_size"`
}

// MinSpacing returns the configured dispatch spacing.
func (s *SearchProviderConfig) MinSpacing() time.Duration {
	return time.Duration(s.MinSpacingMs) * time.Millisecond
}

// SandboxProviderConfig configures the Python execution provider.
type SandboxProviderConfig struct {
	Endpoint string `yaml:"endpoint"`
	APIKey   string `yaml:"api_key"`

	// TimeoutMs is the sandbox-side execution timeout.
	TimeoutMs int `yaml:"timeout_ms"`
}

// Timeout returns the sandbox execution timeout.
func (s *SandboxProviderConfig) Timeout() time.Duration {
	return time.Duration(s.TimeoutMs) * time.Millisecond
}

// ResearchLogConfig configures the optional write-only metadata store.
type ResearchLogConfig struct {
	Enabled bool   `yaml:"enabled"`
	DSN     string `yaml:"dsn"`
}

// DefaultKeys returns the configured provider credentials as session
// defaults; per-session keys merge over these.
func (c *Config) DefaultKeys() models.APIKeys {
	keys := models.APIKeys{}
	if c.Providers != nil {
		if c.Providers.LLM != nil {
			keys.LLM = c.Providers.LLM.APIKey
		}
		if c.Providers.Search != nil {
			keys.Search = c.Providers.Search.APIKey
		}
		if c.Providers.Sandbox != nil {
			keys.Sandbox = c.Providers.Sandbox.APIKey
		}
	}
	return keys
}
