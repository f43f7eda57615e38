// Package config defines the typed configuration struct the core is
// constructed from. File loading is the caller's concern; this package
// only validates a pre-built struct and fills defaults.
package config

import (
	"fmt"
	"sort"
	"strings"
)

// Config is the root configuration for a core process.
type Config struct {
	LLM       LLMConfig       `yaml:"llm"`
	Skills    SkillsConfig    `yaml:"skills"`
	API       APIConfig       `yaml:"api"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Audit     AuditConfig     `yaml:"audit"`
	Cluster   ClusterConfig   `yaml:"cluster"`
	Auth      AuthConfig      `yaml:"auth"`

	// Extra collects options the caller passed that the core does not
	// recognize. They are ignored, with one warning each at startup.
	Extra map[string]any `yaml:"-"`
}

// LLMConfig selects and parameterizes the model backend.
type LLMConfig struct {
	// Provider is one of: auto, openai-compat, ollama, mlx, mock.
	Provider string `yaml:"provider"`
	BaseURL  string `yaml:"base_url"`
	Model    string `yaml:"model"`
	// MaxContextTokens bounds the prompt budget per request.
	MaxContextTokens int `yaml:"max_context_tokens"`
	// ChatTimeoutSeconds bounds a single backend chat call.
	ChatTimeoutSeconds int `yaml:"chat_timeout_seconds"`
}

// SkillsConfig controls which skills the agent loads.
type SkillsConfig struct {
	// Mode is one of: auto, all, minimal.
	Mode string `yaml:"mode"`
	// Enabled lists skill names loaded when Mode is not "all".
	Enabled []string `yaml:"enabled"`
	// DefaultTimeoutSeconds is passed through to skill handlers.
	DefaultTimeoutSeconds int `yaml:"default_timeout_seconds"`
}

// APIConfig configures the HTTP surface.
type APIConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
	// SecretKey signs JWTs. Empty means a fresh secret is generated at
	// startup and outstanding tokens do not survive restart.
	SecretKey string `yaml:"secret_key"`
}

// RateLimitConfig selects the default admission tier.
type RateLimitConfig struct {
	// Tier is one of: free, standard, premium, unlimited.
	Tier string `yaml:"tier"`
}

// AuditConfig configures the rotating audit log.
type AuditConfig struct {
	LogDir    string `yaml:"log_dir"`
	MaxFileMB int    `yaml:"max_file_mb"`
	Backups   int    `yaml:"backups"`
}

// ClusterConfig configures distributed inference.
type ClusterConfig struct {
	// Discovery is one of: manual, p2p.
	Discovery string `yaml:"discovery"`
	// NodeName identifies the local node in cluster listings.
	NodeName string `yaml:"node_name"`
	// Port is the local node's inter-node RPC port.
	Port int `yaml:"port"`
}

// AuthConfig seeds bootstrap credentials.
type AuthConfig struct {
	// APIKeys are operator-supplied static keys registered at startup.
	APIKeys []StaticKeyConfig `yaml:"api_keys"`
}

// StaticKeyConfig is one bootstrap API key entry.
type StaticKeyConfig struct {
	Key      string   `yaml:"key"`
	UserID   string   `yaml:"user_id"`
	Username string   `yaml:"username"`
	Scopes   []string `yaml:"scopes"`
}

// Default returns a Config with every field at its documented default.
func Default() *Config {
	return &Config{
		LLM: LLMConfig{
			Provider:           "auto",
			Model:              "",
			MaxContextTokens:   8192,
			ChatTimeoutSeconds: 120,
		},
		Skills: SkillsConfig{
			Mode:                  "auto",
			DefaultTimeoutSeconds: 30,
		},
		API: APIConfig{
			Host: "127.0.0.1",
			Port: 8000,
		},
		RateLimit: RateLimitConfig{Tier: "standard"},
		Audit: AuditConfig{
			MaxFileMB: 100,
			Backups:   10,
		},
		Cluster: ClusterConfig{
			Discovery: "manual",
			Port:      8765,
		},
	}
}

var (
	validProviders  = map[string]bool{"auto": true, "openai-compat": true, "ollama": true, "mlx": true, "mock": true}
	validSkillModes = map[string]bool{"auto": true, "all": true, "minimal": true}
	validTiers      = map[string]bool{"free": true, "standard": true, "premium": true, "unlimited": true}
	validDiscovery  = map[string]bool{"manual": true, "p2p": true}
)

// Normalize fills zero fields from Default and lowercases enum options.
func (c *Config) Normalize() {
	d := Default()
	if c.LLM.Provider == "" {
		c.LLM.Provider = d.LLM.Provider
	}
	if c.LLM.MaxContextTokens <= 0 {
		c.LLM.MaxContextTokens = d.LLM.MaxContextTokens
	}
	if c.LLM.ChatTimeoutSeconds <= 0 {
		c.LLM.ChatTimeoutSeconds = d.LLM.ChatTimeoutSeconds
	}
	if c.Skills.Mode == "" {
		c.Skills.Mode = d.Skills.Mode
	}
	if c.Skills.DefaultTimeoutSeconds <= 0 {
		c.Skills.DefaultTimeoutSeconds = d.Skills.DefaultTimeoutSeconds
	}
	if c.API.Host == "" {
		c.API.Host = d.API.Host
	}
	if c.API.Port == 0 {
		c.API.Port = d.API.Port
	}
	if c.RateLimit.Tier == "" {
		c.RateLimit.Tier = d.RateLimit.Tier
	}
	if c.Audit.MaxFileMB <= 0 {
		c.Audit.MaxFileMB = d.Audit.MaxFileMB
	}
	if c.Audit.Backups <= 0 {
		c.Audit.Backups = d.Audit.Backups
	}
	if c.Cluster.Discovery == "" {
		c.Cluster.Discovery = d.Cluster.Discovery
	}
	if c.Cluster.Port == 0 {
		c.Cluster.Port = d.Cluster.Port
	}

	c.LLM.Provider = strings.ToLower(c.LLM.Provider)
	c.Skills.Mode = strings.ToLower(c.Skills.Mode)
	c.RateLimit.Tier = strings.ToLower(c.RateLimit.Tier)
	c.Cluster.Discovery = strings.ToLower(c.Cluster.Discovery)
}

// Validate reports the first malformed option. Malformed config fails
// startup; unrecognized keys (Extra) are warned about, not rejected.
func (c *Config) Validate() error {
	if !validProviders[c.LLM.Provider] {
		return fmt.Errorf("llm.provider: unknown value %q", c.LLM.Provider)
	}
	if !validSkillModes[c.Skills.Mode] {
		return fmt.Errorf("skills.mode: unknown value %q", c.Skills.Mode)
	}
	if !validTiers[c.RateLimit.Tier] {
		return fmt.Errorf("rate_limit.tier: unknown value %q", c.RateLimit.Tier)
	}
	if !validDiscovery[c.Cluster.Discovery] {
		return fmt.Errorf("cluster.discovery: unknown value %q", c.Cluster.Discovery)
	}
	if c.API.Port < 0 || c.API.Port > 65535 {
		return fmt.Errorf("api.port: %d out of range", c.API.Port)
	}
	if c.Cluster.Port < 0 || c.Cluster.Port > 65535 {
		return fmt.Errorf("cluster.port: %d out of range", c.Cluster.Port)
	}
	return nil
}

// Warnings lists the unrecognized options the caller supplied, one
// message per key, for the startup log.
func (c *Config) Warnings() []string {
	if len(c.Extra) == 0 {
		return nil
	}
	keys := make([]string, 0, len(c.Extra))
	for key := range c.Extra {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, key := range keys {
		out = append(out, fmt.Sprintf("ignoring unrecognized config option %q", key))
	}
	return out
}
