package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	App        AppConfig                 `json:"app" yaml:"app"`
	Gateways   map[string]GatewayConfig  `json:"gateways" yaml:"gateways"`
	Providers  map[string]ProviderConfig `json:"providers" yaml:"providers"`
	Memory     MemoryConfig              `json:"memory" yaml:"memory"`
	Agent      AgentConfig               `json:"agent" yaml:"agent"`
	Context    ContextConfig             `json:"context" yaml:"context"`
	Server     ServerConfig              `json:"server" yaml:"server"`
	Governance GovernanceConfig          `json:"governance" yaml:"governance"`
	Tools      ToolsConfig               `json:"tools" yaml:"tools"`
}

type AppConfig struct {
	Name      string `json:"name" yaml:"name"`
	Workspace string `json:"workspace" yaml:"workspace"`
}

type GatewayConfig struct {
	Token   string `json:"token" yaml:"token"`
	Enabled bool   `json:"enabled" yaml:"enabled"`
}

type ProviderConfig struct {
	// Kind selects the client: "langchain" (default) or "openai".
	Kind    string `json:"kind,omitempty" yaml:"kind,omitempty"`
	APIKey  string `json:"api_key" yaml:"api_key"`
	Model   string `json:"model" yaml:"model"`
	BaseURL string `json:"base_url,omitempty" yaml:"base_url,omitempty"`
	Enabled bool   `json:"enabled" yaml:"enabled"`
}

type MemoryConfig struct {
	Type string `json:"type" yaml:"type"`
	Path string `json:"path" yaml:"path"`
}

type AgentConfig struct {
	MaxIterations     int     `json:"max_iterations" yaml:"max_iterations"`
	PromptsDir        string  `json:"prompts_dir" yaml:"prompts_dir"`
	MaxTools          int     `json:"max_tools" yaml:"max_tools"`
	RequestsPerSecond float64 `json:"requests_per_second" yaml:"requests_per_second"`
	// ContextualSteps sends the run history with every delegate step.
	ContextualSteps bool `json:"contextual_steps" yaml:"contextual_steps"`
	// StrictSkip never re-runs an executed step when a loop re-enters it.
	StrictSkip bool `json:"strict_skip" yaml:"strict_skip"`
}

type ContextConfig struct {
	MaxTokens        int     `json:"max_tokens" yaml:"max_tokens"`
	Reserve          int     `json:"reserve" yaml:"reserve"`
	SummaryThreshold float64 `json:"summary_threshold" yaml:"summary_threshold"`
	EncodingModel    string  `json:"encoding_model" yaml:"encoding_model"`
}

type ServerConfig struct {
	Addr             string `json:"addr" yaml:"addr"`
	RetentionSeconds int    `json:"retention_seconds" yaml:"retention_seconds"`
}

type GovernanceConfig struct {
	DenyTools     []string `json:"deny_tools" yaml:"deny_tools"`
	DenyArguments []string `json:"deny_arguments" yaml:"deny_arguments"`
}

type ToolsConfig struct {
	LocalLLM      ProviderConfig `json:"local_llm" yaml:"local_llm"`
	EnableBrowser bool           `json:"enable_browser" yaml:"enable_browser"`
	EnableSearch  bool           `json:"enable_search" yaml:"enable_search"`
	EnableShell   bool           `json:"enable_shell" yaml:"enable_shell"`
}

// Default returns a complete configuration.
func Default() *Config {
	return &Config{
		App:       AppConfig{Name: "stepwise", Workspace: "."},
		Gateways:  map[string]GatewayConfig{},
		Providers: map[string]ProviderConfig{"openai": {Kind: "langchain", Model: "gpt-4o-mini", Enabled: true}},
		Memory:    MemoryConfig{Type: "sqlite", Path: "stepwise.db"},
		Agent: AgentConfig{
			MaxIterations: 20,
			PromptsDir:    "prompts",
			MaxTools:      4,
		},
		Context: ContextConfig{
			MaxTokens:        25000,
			Reserve:          2000,
			SummaryThreshold: 0.8,
			EncodingModel:    "gpt-4",
		},
		Server: ServerConfig{Addr: ":5001", RetentionSeconds: 300},
		Governance: GovernanceConfig{
			DenyArguments: []string{`rm\s+-rf`, `mkfs`, `:\(\)\s*\{`},
		},
		Tools: ToolsConfig{
			LocalLLM:     ProviderConfig{Model: "llama3.2", BaseURL: "http://localhost:11434/v1"},
			EnableSearch: true,
		},
	}
}

// Load reads a YAML or JSON file over the defaults, then applies
// environment overrides. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return nil, fmt.Errorf("failed to open config file: %w", err)
	default:
		if err := decode(path, data, cfg); err != nil {
			return nil, fmt.Errorf("failed to decode config file: %w", err)
		}
	}

	if err := cfg.ApplyEnv(os.Getenv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func decode(path string, data []byte, cfg *Config) error {
	if strings.EqualFold(filepath.Ext(path), ".json") {
		return json.Unmarshal(data, cfg)
	}
	return yaml.Unmarshal(data, cfg)
}

// ApplyEnv applies environment overrides read through getenv.
func (c *Config) ApplyEnv(getenv func(string) string) error {
	if key := getenv("OPENAI_API_KEY"); key != "" {
		for name, p := range c.Providers {
			if p.APIKey == "" {
				p.APIKey = key
				c.Providers[name] = p
			}
		}
	}
	if model := getenv("STEPWISE_MODEL"); model != "" {
		if name, p := c.GetDefaultProvider(); name != "" {
			p.Model = model
			c.Providers[name] = p
		}
	}
	if v := getenv("STEPWISE_MAX_ITERATIONS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("STEPWISE_MAX_ITERATIONS: %w", err)
		}
		c.Agent.MaxIterations = n
	}
	if addr := getenv("STEPWISE_ADDR"); addr != "" {
		c.Server.Addr = addr
	}
	return nil
}

// Validate rejects settings the engine cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.Agent.MaxIterations <= 0 {
		errs = append(errs, fmt.Errorf("agent.max_iterations must be positive, got %d", c.Agent.MaxIterations))
	}
	if c.Context.MaxTokens <= 0 {
		errs = append(errs, fmt.Errorf("context.max_tokens must be positive, got %d", c.Context.MaxTokens))
	}
	if c.Context.Reserve < 0 || c.Context.Reserve >= c.Context.MaxTokens {
		errs = append(errs, fmt.Errorf("context.reserve must be in [0, max_tokens), got %d", c.Context.Reserve))
	}
	if c.Context.SummaryThreshold <= 0 || c.Context.SummaryThreshold > 1 {
		errs = append(errs, fmt.Errorf("context.summary_threshold must be in (0, 1], got %g", c.Context.SummaryThreshold))
	}
	for name, p := range c.Providers {
		switch p.Kind {
		case "", "langchain", "openai":
		default:
			errs = append(errs, fmt.Errorf("providers.%s.kind %q is not langchain or openai", name, p.Kind))
		}
	}
	return errors.Join(errs...)
}

// GetDefaultProvider returns the first enabled provider by name.
func (c *Config) GetDefaultProvider() (string, ProviderConfig) {
	names := make([]string, 0, len(c.Providers))
	for name := range c.Providers {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if p := c.Providers[name]; p.Enabled {
			return name, p
		}
	}
	return "", ProviderConfig{}
}

// GetTelegramConfig returns telegram config if enabled
func (c *Config) GetTelegramConfig() (GatewayConfig, bool) {
	return c.gateway("telegram")
}

// GetDiscordConfig returns discord config if enabled
func (c *Config) GetDiscordConfig() (GatewayConfig, bool) {
	return c.gateway("discord")
}

func (c *Config) gateway(name string) (GatewayConfig, bool) {
	g, ok := c.Gateways[name]
	if ok && g.Enabled && g.Token != "" {
		return g, true
	}
	return GatewayConfig{}, false
}

// Retention is how long finished runs stay visible to status readers.
func (c *Config) Retention() time.Duration {
	return time.Duration(c.Server.RetentionSeconds) * time.Second
}

// Budget is the token budget available to a request.
func (c *Config) Budget() int {
	return c.Context.MaxTokens - c.Context.Reserve
}
