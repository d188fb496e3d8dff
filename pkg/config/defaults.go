package config

import "github.com/fathomlabs/fathom/pkg/models"

// Built-in defaults. User YAML overrides them; unset fields fall back here.
const (
	DefaultListenAddr         = ":8090"
	DefaultShutdownTimeoutSec = 10
	DefaultWorkspaceRoot      = "./reports"
	DefaultLogLevel           = "info"

	DefaultMaxAgents               = 10
	DefaultOrchestratorStepCap     = 100
	DefaultSubAgentStepCap         = 25
	DefaultSubAgentMaxAttempts     = 3
	DefaultWaitForAgentsTimeoutSec = 180
	DefaultAbortGracePeriodMs      = 5000
	DefaultSessionCleanupDelayMs   = 600000
	DefaultSessionRetentionHours   = 24
	DefaultSubscriberBuffer        = 256

	DefaultLLMVendor      = LLMVendorAnthropic
	DefaultLLMMaxTokens   = 8192
	DefaultLLMTemperature = 0.7

	DefaultSearchEndpoint     = "https://api.exa.ai"
	DefaultMinSearchSpacingMs = 350
	DefaultSearchMaxRetries   = 3
	DefaultSearchCacheSize    = 128

	DefaultSandboxTimeoutMs = 30000
)

// DefaultConfig returns the complete built-in configuration.
func DefaultConfig() *Config {
	return &Config{
		LogLevel: DefaultLogLevel,
		HTTP: &HTTPConfig{
			ListenAddr:         DefaultListenAddr,
			ShutdownTimeoutSec: DefaultShutdownTimeoutSec,
		},
		Workspace: &WorkspaceConfig{
			Root: DefaultWorkspaceRoot,
		},
		Engine: &EngineConfig{
			MaxAgents:               DefaultMaxAgents,
			OrchestratorStepCap:     DefaultOrchestratorStepCap,
			SubAgentStepCap:         DefaultSubAgentStepCap,
			SubAgentMaxAttempts:     DefaultSubAgentMaxAttempts,
			WaitForAgentsTimeoutSec: DefaultWaitForAgentsTimeoutSec,
			AbortGracePeriodMs:      DefaultAbortGracePeriodMs,
			SessionCleanupDelayMs:   DefaultSessionCleanupDelayMs,
			SessionRetentionHours:   DefaultSessionRetentionHours,
			SubscriberBuffer:        DefaultSubscriberBuffer,
		},
		Providers: &ProvidersConfig{
			LLM: &LLMProviderConfig{
				Vendor:      DefaultLLMVendor,
				MaxTokens:   DefaultLLMMaxTokens,
				Temperature: DefaultLLMTemperature,
			},
			Search: &SearchProviderConfig{
				Endpoint:     DefaultSearchEndpoint,
				MinSpacingMs: DefaultMinSearchSpacingMs,
				MaxRetries:   DefaultSearchMaxRetries,
				CacheSize:    DefaultSearchCacheSize,
			},
			Sandbox: &SandboxProviderConfig{
				TimeoutMs: DefaultSandboxTimeoutMs,
			},
		},
		Models:      models.ModelSelection{},
		ResearchLog: &ResearchLogConfig{},
	}
}
