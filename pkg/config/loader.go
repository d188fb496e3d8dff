package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"
)

// Sentinel errors surfaced by Initialize.
var (
	ErrConfigNotFound = errors.New("config file not found")
	ErrInvalidYAML    = errors.New("invalid YAML syntax")
)

// Initialize loads, validates, and returns ready-to-use configuration.
// This is the primary entry point for configuration loading.
//
// Steps performed:
//  1. Read the YAML file (missing file → pure defaults)
//  2. Expand {{.VAR}} environment references
//  3. Parse YAML into the user config
//  4. Merge user config over built-in defaults
//  5. Validate the result
func Initialize(path string) (*Config, error) {
	log := slog.With("config_path", path)

	cfg := DefaultConfig()
	cfg.configPath = path

	if path != "" {
		user, err := loadFile(path)
		if err != nil {
			if errors.Is(err, ErrConfigNotFound) {
				log.Info("No config file found, using built-in defaults")
			} else {
				return nil, fmt.Errorf("failed to load configuration: %w", err)
			}
		} else if err := mergo.Merge(cfg, user, mergo.WithOverride); err != nil {
			return nil, fmt.Errorf("failed to merge configuration: %w", err)
		}
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	log.Info("Configuration initialized",
		"llm_vendor", cfg.Providers.LLM.Vendor,
		"max_agents", cfg.Engine.MaxAgents,
		"workspace_root", cfg.Workspace.Root,
		"research_log", cfg.ResearchLog.Enabled)

	return cfg, nil
}

func loadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrConfigNotFound, path)
		}
		return nil, err
	}

	// Expand environment variables using {{.VAR}} template syntax.
	// ExpandEnv passes through original data on parse/execution errors,
	// letting the YAML parser produce the clearer error message.
	data = ExpandEnv(data)

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidYAML, err)
	}
	return &cfg, nil
}

// validate rejects configurations the engine cannot run with.
func validate(cfg *Config) error {
	if cfg.Engine == nil || cfg.Providers == nil || cfg.Providers.LLM == nil ||
		cfg.Providers.Search == nil || cfg.Providers.Sandbox == nil {
		return errors.New("incomplete configuration: missing section")
	}
	switch cfg.Providers.LLM.Vendor {
	case LLMVendorAnthropic, LLMVendorOpenAI:
	default:
		return fmt.Errorf("unknown llm vendor %q (want %q or %q)",
			cfg.Providers.LLM.Vendor, LLMVendorAnthropic, LLMVendorOpenAI)
	}
	if cfg.Engine.MaxAgents < 1 {
		return fmt.Errorf("engine.max_agents must be >= 1, got %d", cfg.Engine.MaxAgents)
	}
	if cfg.Engine.OrchestratorStepCap < 1 {
		return fmt.Errorf("engine.orchestrator_step_cap must be >= 1, got %d", cfg.Engine.OrchestratorStepCap)
	}
	if cfg.Engine.SubAgentStepCap < 1 {
		return fmt.Errorf("engine.sub_agent_step_cap must be >= 1, got %d", cfg.Engine.SubAgentStepCap)
	}
	if cfg.Engine.SubAgentMaxAttempts < 1 {
		return fmt.Errorf("engine.sub_agent_max_attempts must be >= 1, got %d", cfg.Engine.SubAgentMaxAttempts)
	}
	if cfg.Providers.Search.MinSpacingMs < 0 {
		return fmt.Errorf("providers.search.min_spacing_ms must be >= 0, got %d", cfg.Providers.Search.MinSpacingMs)
	}
	if cfg.Providers.Sandbox.TimeoutMs < 1 {
		return fmt.Errorf("providers.sandbox.timeout_ms must be >= 1, got %d", cfg.Providers.Sandbox.TimeoutMs)
	}
	if cfg.ResearchLog != nil && cfg.ResearchLog.Enabled && cfg.ResearchLog.DSN == "" {
		return errors.New("research_log.enabled requires research_log.dsn")
	}
	return nil
}
