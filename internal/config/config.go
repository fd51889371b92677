// Package config defines the gateway's configuration shape and loads it from
// a YAML file on disk. The loaded *Config is treated as read-only by every
// other component; the watcher is the only writer of the pointer that holds
// the current instance (see internal/watcher).
package config

import (
	"fmt"
	"net/url"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// ToolFormat selects how the gateway should render tool/function definitions
// when forwarding a request to a given provider.
type ToolFormat string

const (
	ToolFormatOpenAI    ToolFormat = "openai"
	ToolFormatAnthropic ToolFormat = "anthropic"
)

// LoadBalanceStrategy selects how the Load Balancer (C2) picks a provider
// among the set currently available for a model.
type LoadBalanceStrategy string

const (
	StrategyFailover   LoadBalanceStrategy = "failover"
	StrategyRoundRobin LoadBalanceStrategy = "round-robin"
	StrategyRandom     LoadBalanceStrategy = "random"
	StrategyWeighted   LoadBalanceStrategy = "weighted"
)

// Provider describes a single upstream API endpoint and its credentials.
type Provider struct {
	Name       string            `yaml:"name" json:"name"`
	BaseURL    string            `yaml:"baseUrl" json:"baseUrl"`
	Models     []string          `yaml:"models" json:"models"`
	APIKeys    []string          `yaml:"apiKeys" json:"apiKeys"`
	Priority   int               `yaml:"priority" json:"priority"`
	Weight     int               `yaml:"weight" json:"weight"`
	TimeoutMs  int               `yaml:"timeout" json:"timeout"`
	Headers    map[string]string `yaml:"headers,omitempty" json:"headers,omitempty"`
	ToolFormat ToolFormat        `yaml:"toolFormat,omitempty" json:"toolFormat,omitempty"`
}

// KeyRotation holds the retry switch and the cooldown duration applied to a
// rotated-out key. Enabled lets the gateway retry a request on another key or
// provider after a retryable failure (without it each request gets a single
// attempt); a key that fails with an auth, rate-limit or quota error is put
// into cooldown whether or not Enabled is set. OnError is not read by the
// gateway.
type KeyRotation struct {
	Enabled    bool `yaml:"enabled" json:"enabled"`
	OnError    bool `yaml:"onError" json:"onError"`
	CooldownMs int  `yaml:"cooldownMs" json:"cooldownMs"`
}

// ProxyConfig holds the gateway-server-facing knobs: bind address, access
// token, load-balance strategy, model mapping table and passthrough rules.
type ProxyConfig struct {
	Host                    string              `yaml:"host" json:"host"`
	Port                    int                 `yaml:"port" json:"port"`
	AccessKey               string              `yaml:"accessKey,omitempty" json:"accessKey,omitempty"`
	LoadBalance             LoadBalanceStrategy `yaml:"loadBalance,omitempty" json:"loadBalance,omitempty"`
	ModelMapping            map[string]string   `yaml:"modelMapping,omitempty" json:"modelMapping,omitempty"`
	PassthroughResponsesAPI []string            `yaml:"passthroughResponsesAPI,omitempty" json:"passthroughResponsesAPI,omitempty"`
	KeyRotation             KeyRotation         `yaml:"keyRotation,omitempty" json:"keyRotation,omitempty"`

	// CaptureBodies and MaxRecords/MaxBodyBytes tune the Event Store (C5).
	// UIEnabled raises MaxBodyBytes' default the way spec.md §4.5 describes.
	CaptureBodies bool `yaml:"captureBodies,omitempty" json:"captureBodies,omitempty"`
	UIEnabled     bool `yaml:"uiEnabled,omitempty" json:"uiEnabled,omitempty"`
	MaxRecords    int  `yaml:"maxRecords,omitempty" json:"maxRecords,omitempty"`
	MaxBodyBytes  int  `yaml:"maxBodyBytes,omitempty" json:"maxBodyBytes,omitempty"`
}

// Config is the top-level, validated configuration object the core reads.
type Config struct {
	Providers    []Provider  `yaml:"providers" json:"providers"`
	DefaultModel string      `yaml:"defaultModel,omitempty" json:"defaultModel,omitempty"`
	Proxy        ProxyConfig `yaml:"proxy,omitempty" json:"proxy,omitempty"`
}

const (
	defaultHost          = "127.0.0.1"
	defaultPort          = 4320
	defaultTimeoutMs     = 60000
	defaultCooldownMs    = 60000
	defaultMaxRecords    = 200
	defaultMaxBodyBytes  = 8000
	defaultMaxBodyBytesUI = 256000
)

// applyDefaults fills in the zero-valued defaults documented in spec.md §3/§6.1.
func (c *Config) applyDefaults() {
	if c.Proxy.Host == "" {
		c.Proxy.Host = defaultHost
	}
	if c.Proxy.Port == 0 {
		c.Proxy.Port = defaultPort
	}
	if c.Proxy.LoadBalance == "" {
		c.Proxy.LoadBalance = StrategyFailover
	}
	if c.Proxy.KeyRotation.CooldownMs == 0 {
		c.Proxy.KeyRotation.CooldownMs = defaultCooldownMs
	}
	if c.Proxy.MaxRecords == 0 {
		c.Proxy.MaxRecords = defaultMaxRecords
	}
	if c.Proxy.MaxBodyBytes == 0 {
		if c.Proxy.UIEnabled {
			c.Proxy.MaxBodyBytes = defaultMaxBodyBytesUI
		} else {
			c.Proxy.MaxBodyBytes = defaultMaxBodyBytes
		}
	}
	for i := range c.Providers {
		p := &c.Providers[i]
		p.BaseURL = strings.TrimRight(p.BaseURL, "/")
		if p.TimeoutMs == 0 {
			p.TimeoutMs = defaultTimeoutMs
		}
		if p.Weight == 0 {
			p.Weight = 1
		}
		if p.ToolFormat == "" {
			p.ToolFormat = ToolFormatOpenAI
		}
	}
}

// ValidationError aggregates every invariant violation found while validating
// a Config so an operator can fix a broken file in a single pass instead of
// playing whack-a-mole with one error at a time.
type ValidationError struct {
	Violations []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid configuration: %s", strings.Join(e.Violations, "; "))
}

// validate enforces the invariants spec.md §6.1 requires of a usable Config.
func (c *Config) validate() error {
	var violations []string

	if len(c.Providers) == 0 {
		violations = append(violations, "providers must be non-empty")
	}

	seen := make(map[string]bool, len(c.Providers))
	for i, p := range c.Providers {
		label := p.Name
		if label == "" {
			label = fmt.Sprintf("providers[%d]", i)
		}
		if p.Name == "" {
			violations = append(violations, fmt.Sprintf("%s: name must be non-empty", label))
		} else if seen[p.Name] {
			violations = append(violations, fmt.Sprintf("%s: duplicate provider name", label))
		}
		seen[p.Name] = true

		if p.BaseURL == "" {
			violations = append(violations, fmt.Sprintf("%s: baseUrl must be non-empty", label))
		} else if u, err := url.Parse(p.BaseURL); err != nil || u.Scheme == "" || u.Host == "" {
			violations = append(violations, fmt.Sprintf("%s: baseUrl must be a valid URL", label))
		}

		if len(p.Models) == 0 {
			violations = append(violations, fmt.Sprintf("%s: models must be non-empty", label))
		}
		if len(p.APIKeys) == 0 {
			violations = append(violations, fmt.Sprintf("%s: apiKeys must be non-empty", label))
		}
		if p.Priority < 0 {
			violations = append(violations, fmt.Sprintf("%s: priority must be non-negative", label))
		}
		if p.TimeoutMs < 0 {
			violations = append(violations, fmt.Sprintf("%s: timeout must be non-negative", label))
		}
		if p.ToolFormat != "" && p.ToolFormat != ToolFormatOpenAI && p.ToolFormat != ToolFormatAnthropic {
			violations = append(violations, fmt.Sprintf("%s: toolFormat must be openai or anthropic", label))
		}
	}

	if c.Proxy.Port < 0 || c.Proxy.Port > 65535 {
		violations = append(violations, "proxy.port must be within [0,65535]")
	}
	switch c.Proxy.LoadBalance {
	case "", StrategyFailover, StrategyRoundRobin, StrategyRandom, StrategyWeighted:
	default:
		violations = append(violations, fmt.Sprintf("proxy.loadBalance: unknown strategy %q", c.Proxy.LoadBalance))
	}

	if len(violations) > 0 {
		return &ValidationError{Violations: violations}
	}
	return nil
}

// Load reads, parses, defaults and validates the configuration file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes raw YAML bytes into a validated, defaulted Config. Exposed
// separately from Load so the watcher (C7) can re-validate file contents it
// already has in memory without a redundant read.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse yaml: %w", err)
	}
	cfg.applyEnvOverrides()
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyEnvOverrides lets an operator supply secrets via the process
// environment (typically populated from a local .env file via
// github.com/joho/godotenv in cmd/gateway) instead of committing them to the
// config file. Only XLING_ACCESS_KEY is currently overlaid, onto
// proxy.accessKey; an empty/unset variable leaves the YAML-sourced value
// untouched.
func (c *Config) applyEnvOverrides() {
	if key := os.Getenv("XLING_ACCESS_KEY"); key != "" {
		c.Proxy.AccessKey = key
	}
}
