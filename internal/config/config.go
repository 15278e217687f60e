package config

import (
	"fmt"
	"os"
	"time"

	"github.com/hashicorp/go-multierror"
	"gopkg.in/yaml.v3"
)

// Config represents the opsagent service configuration
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Auth     AuthConfig     `yaml:"auth"`
	Identity IdentityConfig `yaml:"identity"`
	Gateway  GatewayConfig  `yaml:"gateway"`
	Session  SessionConfig  `yaml:"session"`
	LLM      LLMConfig      `yaml:"llm"`
	Agent    AgentConfig    `yaml:"agent"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// AuthConfig holds inbound token validation configuration
type AuthConfig struct {
	Issuer          string        `yaml:"issuer"`
	Audience        string        `yaml:"audience"`
	JWKSURL         string        `yaml:"jwks_url,omitempty"`
	ClockSkew       time.Duration `yaml:"clock_skew,omitempty"`
	RefreshInterval time.Duration `yaml:"refresh_interval,omitempty"`
}

// IdentityConfig holds workload credential exchange configuration
type IdentityConfig struct {
	TokenURL        string        `yaml:"token_url"`
	ClientID        string        `yaml:"client_id"`
	ClientSecret    string        `yaml:"client_secret,omitempty"`
	ClientSecretEnv string        `yaml:"client_secret_env,omitempty"`
	Timeout         time.Duration `yaml:"timeout,omitempty"`
}

// GatewayConfig holds tool gateway configuration
type GatewayConfig struct {
	URL            string        `yaml:"url"`
	Scope          string        `yaml:"scope"`
	CallTimeout    time.Duration `yaml:"call_timeout,omitempty"`
	MaxAttempts    int           `yaml:"max_attempts,omitempty"`
	InitialBackoff time.Duration `yaml:"initial_backoff,omitempty"`
}

// SessionConfig holds conversation store configuration
type SessionConfig struct {
	// Backend selects the store implementation: memory, sqlite, or postgres.
	Backend   string        `yaml:"backend"`
	DSN       string        `yaml:"dsn,omitempty"`
	Retention time.Duration `yaml:"retention,omitempty"`
	// SweepInterval controls how often expired sessions are removed.
	SweepInterval time.Duration `yaml:"sweep_interval,omitempty"`
}

// LLMConfig holds model provider configuration
type LLMConfig struct {
	Provider    string  `yaml:"provider"`
	Model       string  `yaml:"model"`
	APIKey      string  `yaml:"api_key,omitempty"`
	APIKeyEnv   string  `yaml:"api_key_env,omitempty"`
	MaxTokens   int     `yaml:"max_tokens,omitempty"`
	Temperature float64 `yaml:"temperature,omitempty"`
	TopP        float64 `yaml:"top_p,omitempty"`
}

// AgentConfig holds orchestration behavior configuration
type AgentConfig struct {
	SystemPrompt       string `yaml:"system_prompt,omitempty"`
	MaxIterations      int    `yaml:"max_iterations,omitempty"`
	MaxConcurrentTools int    `yaml:"max_concurrent_tools,omitempty"`
	HistoryLimit       int    `yaml:"history_limit,omitempty"`
}

// DefaultSystemPrompt guides the model toward read-only operations work.
const DefaultSystemPrompt = `You are an operations assistant for cloud infrastructure.
Answer questions about the environment using the tools available to you.
All tools are read-only; never claim to have changed anything.
Be concise and factual, and say so when you do not know.`

// LoadConfig loads configuration from a YAML file
func LoadConfig(filePath string) (*Config, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	config.ResolveSecrets()
	config.SetDefaults()

	return &config, nil
}

// ResolveSecrets fills secret fields from their *_env counterparts.
// Secrets never appear in the YAML file itself in production setups.
func (c *Config) ResolveSecrets() {
	if c.Identity.ClientSecretEnv != "" {
		c.Identity.ClientSecret = os.Getenv(c.Identity.ClientSecretEnv)
	}
	if c.LLM.APIKeyEnv != "" {
		c.LLM.APIKey = os.Getenv(c.LLM.APIKeyEnv)
	}
}

// SetDefaults sets default values for configuration
func (c *Config) SetDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}

	if c.Auth.ClockSkew == 0 {
		c.Auth.ClockSkew = 5 * time.Second
	}
	if c.Auth.RefreshInterval == 0 {
		c.Auth.RefreshInterval = 15 * time.Minute
	}

	if c.Identity.Timeout == 0 {
		c.Identity.Timeout = 10 * time.Second
	}

	if c.Gateway.CallTimeout == 0 {
		c.Gateway.CallTimeout = 30 * time.Second
	}
	if c.Gateway.MaxAttempts == 0 {
		c.Gateway.MaxAttempts = 3
	}
	if c.Gateway.InitialBackoff == 0 {
		c.Gateway.InitialBackoff = 200 * time.Millisecond
	}

	if c.Session.Backend == "" {
		c.Session.Backend = "memory"
	}
	if c.Session.Retention == 0 {
		c.Session.Retention = 24 * time.Hour
	}
	if c.Session.SweepInterval == 0 {
		c.Session.SweepInterval = 10 * time.Minute
	}

	if c.LLM.Provider == "" {
		c.LLM.Provider = "anthropic"
	}
	if c.LLM.MaxTokens == 0 {
		c.LLM.MaxTokens = 4096
	}

	if c.Agent.SystemPrompt == "" {
		c.Agent.SystemPrompt = DefaultSystemPrompt
	}
	if c.Agent.MaxIterations == 0 {
		c.Agent.MaxIterations = 5
	}
	if c.Agent.MaxConcurrentTools == 0 {
		c.Agent.MaxConcurrentTools = 4
	}
	if c.Agent.HistoryLimit == 0 {
		c.Agent.HistoryLimit = 40
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	var result *multierror.Error

	if c.Auth.Issuer == "" {
		result = multierror.Append(result, fmt.Errorf("auth.issuer is required"))
	}
	if c.Auth.Audience == "" {
		result = multierror.Append(result, fmt.Errorf("auth.audience is required"))
	}

	if c.Identity.TokenURL == "" {
		result = multierror.Append(result, fmt.Errorf("identity.token_url is required"))
	}
	if c.Identity.ClientID == "" {
		result = multierror.Append(result, fmt.Errorf("identity.client_id is required"))
	}
	if c.Identity.ClientSecret == "" && c.Identity.ClientSecretEnv == "" {
		result = multierror.Append(result, fmt.Errorf("identity requires client_secret or client_secret_env"))
	}

	if c.Gateway.URL == "" {
		result = multierror.Append(result, fmt.Errorf("gateway.url is required"))
	}

	switch c.Session.Backend {
	case "memory":
	case "sqlite", "postgres":
		if c.Session.DSN == "" {
			result = multierror.Append(result, fmt.Errorf("session.dsn is required for backend %s", c.Session.Backend))
		}
	default:
		result = multierror.Append(result, fmt.Errorf("unknown session backend %q", c.Session.Backend))
	}

	switch c.LLM.Provider {
	case "openai", "anthropic":
	default:
		result = multierror.Append(result, fmt.Errorf("unknown llm provider %q", c.LLM.Provider))
	}
	if c.LLM.Model == "" {
		result = multierror.Append(result, fmt.Errorf("llm.model is required"))
	}
	if c.LLM.APIKey == "" && c.LLM.APIKeyEnv == "" {
		result = multierror.Append(result, fmt.Errorf("llm requires api_key or api_key_env"))
	}

	return result.ErrorOrNil()
}

// DefaultConfig returns a default configuration
func DefaultConfig() *Config {
	config := &Config{
		LLM: LLMConfig{
			Provider:  "anthropic",
			Model:     "claude-sonnet-4-20250514",
			APIKeyEnv: "ANTHROPIC_API_KEY",
		},
		Identity: IdentityConfig{
			ClientSecretEnv: "OPSAGENT_CLIENT_SECRET",
		},
	}
	config.SetDefaults()
	return config
}
