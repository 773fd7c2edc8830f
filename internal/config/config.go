package config

import (
	"bytes"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gobwas/glob"
	"gopkg.in/yaml.v3"
)

const (
	MinRequiredApprovals = 1
	MaxRequiredApprovals = 10
	MaxSynthesisItems    = 50
)

// Config models featuregate.yml.
type Config struct {
	Governance struct {
		RequiredApprovals int `yaml:"required_approvals"`
	} `yaml:"governance"`
	Providers ProvidersConfig `yaml:"providers"`
	Synthesis struct {
		Days          int `yaml:"days"`
		MaxItems      int `yaml:"max_items"`
		ExcerptLength int `yaml:"excerpt_length"`
	} `yaml:"synthesis"`
	Prompts struct {
		Synthesis      string `yaml:"synthesis"`
		CodeGeneration string `yaml:"code_generation"`
		Validation     string `yaml:"validation"`
	} `yaml:"prompts"`
	Webhooks []WebhookConfig `yaml:"webhooks"`
	Server   struct {
		RateLimit struct {
			RPS   int `yaml:"rps"`
			Burst int `yaml:"burst"`
		} `yaml:"rate_limit"`
	} `yaml:"server"`
	Lock struct {
		RedisAddr     string `yaml:"redis_addr"`
		RedisPassword string `yaml:"redis_password"`
		RedisDB       int    `yaml:"redis_db"`
		TTLSeconds    int    `yaml:"ttl_seconds"`
	} `yaml:"lock"`
	Telemetry struct {
		Endpoint    string `yaml:"endpoint"`
		Insecure    bool   `yaml:"insecure"`
		ServiceName string `yaml:"service_name"`
	} `yaml:"telemetry"`
}

type ProvidersConfig struct {
	TimeoutSeconds int                         `yaml:"timeout_seconds"`
	Builtin        BuiltinProvider             `yaml:"builtin"`
	Catalog        map[string]ProviderEndpoint `yaml:"catalog"`
}

// BuiltinProvider is the fallback used when no provider is configured. Its
// credential is supplied by the process environment, never by this file.
type BuiltinProvider struct {
	Name     string `yaml:"name"`
	Protocol string `yaml:"protocol"`
	BaseURL  string `yaml:"base_url"`
	Model    string `yaml:"model"`
}

type ProviderEndpoint struct {
	Protocol     string `yaml:"protocol"`
	BaseURL      string `yaml:"base_url"`
	DefaultModel string `yaml:"default_model"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Events         []string `yaml:"events"`
	Secret         string   `yaml:"secret"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
	Enabled        *bool    `yaml:"enabled"`
}

var protocols = map[string]bool{"chat": true, "anthropic": true, "gemini": true}

// Timeout returns the per-call provider timeout.
func (c *Config) Timeout() time.Duration {
	if c.Providers.TimeoutSeconds <= 0 {
		return 60 * time.Second
	}
	return time.Duration(c.Providers.TimeoutSeconds) * time.Second
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with fg config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	n := c.Governance.RequiredApprovals
	if n < MinRequiredApprovals || n > MaxRequiredApprovals {
		return fmt.Errorf("config.governance.required_approvals must be between %d and %d", MinRequiredApprovals, MaxRequiredApprovals)
	}
	if c.Providers.TimeoutSeconds < 0 {
		return fmt.Errorf("config.providers.timeout_seconds must not be negative")
	}
	b := c.Providers.Builtin
	if b.Name == "" {
		return fmt.Errorf("config.providers.builtin.name is required")
	}
	if !protocols[b.Protocol] {
		return fmt.Errorf("config.providers.builtin.protocol %q is not supported", b.Protocol)
	}
	if err := validURL(b.BaseURL); err != nil {
		return fmt.Errorf("config.providers.builtin.base_url: %w", err)
	}
	if b.Model == "" {
		return fmt.Errorf("config.providers.builtin.model is required")
	}
	for name, ep := range c.Providers.Catalog {
		if name == "" {
			return fmt.Errorf("config.providers.catalog contains empty provider name")
		}
		if !protocols[ep.Protocol] {
			return fmt.Errorf("provider %s has unsupported protocol %q", name, ep.Protocol)
		}
		if err := validURL(ep.BaseURL); err != nil {
			return fmt.Errorf("provider %s base_url: %w", name, err)
		}
	}
	if c.Synthesis.MaxItems < 1 || c.Synthesis.MaxItems > MaxSynthesisItems {
		return fmt.Errorf("config.synthesis.max_items must be between 1 and %d", MaxSynthesisItems)
	}
	if c.Synthesis.Days < 1 {
		return fmt.Errorf("config.synthesis.days must be positive")
	}
	if c.Synthesis.ExcerptLength < 1 {
		return fmt.Errorf("config.synthesis.excerpt_length must be positive")
	}
	for i, hook := range c.Webhooks {
		if strings.TrimSpace(hook.URL) == "" {
			return fmt.Errorf("config.webhooks[%d].url is required", i)
		}
		for _, pattern := range hook.Events {
			if _, err := glob.Compile(pattern, '.'); err != nil {
				return fmt.Errorf("config.webhooks[%d] event filter %q: %w", i, pattern, err)
			}
		}
	}
	if c.Server.RateLimit.RPS < 0 || c.Server.RateLimit.Burst < 0 {
		return fmt.Errorf("config.server.rate_limit must not be negative")
	}
	return nil
}

func validURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%q must be an http(s) url", raw)
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "featuregate.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// LoadOptional returns the default config if the file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes. Omitted sections
// keep their default values.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `governance:
  required_approvals: 1

providers:
  timeout_seconds: 60
  builtin:
    name: builtin
    protocol: chat
    base_url: https://api.openai.com/v1
    model: gpt-4o-mini
  catalog:
    openai:
      protocol: chat
      base_url: https://api.openai.com/v1
      default_model: gpt-4o-mini
    deepseek:
      protocol: chat
      base_url: https://api.deepseek.com/v1
      default_model: deepseek-chat
    groq:
      protocol: chat
      base_url: https://api.groq.com/openai/v1
      default_model: llama-3.3-70b-versatile
    mistral:
      protocol: chat
      base_url: https://api.mistral.ai/v1
      default_model: mistral-large-latest
    openrouter:
      protocol: chat
      base_url: https://openrouter.ai/api/v1
      default_model: openai/gpt-4o-mini
    xai:
      protocol: chat
      base_url: https://api.x.ai/v1
      default_model: grok-2-latest
    anthropic:
      protocol: anthropic
      base_url: https://api.anthropic.com/v1
      default_model: claude-3-5-sonnet-latest
    gemini:
      protocol: gemini
      base_url: https://generativelanguage.googleapis.com/v1beta
      default_model: gemini-1.5-flash

synthesis:
  days: 7
  max_items: 50
  excerpt_length: 280

prompts:
  synthesis: |
    You read community discussion threads and turn recurring requests into
    feature proposals. Respond with a JSON array only. Each element must be an
    object with the fields "title", "description", "priority" (one of low,
    medium, high, critical) and "category".
  code_generation: |
    You implement a feature proposal. Return the code in fenced blocks tagged
    with the artifact kind: ` + "```frontend" + `, ` + "```backend" + ` and ` + "```database" + `.
    Omit a block when the feature needs nothing of that kind.
  validation: |
    You review generated code across four dimensions: syntax, security,
    logic and compatibility. Respond with a single JSON object and nothing else:
    {"overallScore": 0-100, "passed": bool,
     "validations": [{"type": "syntax|security|logic|compatibility",
                      "status": "passed|failed|warning",
                      "message": string, "details": [string]}],
     "summary": string, "recommendations": [string]}

webhooks: []

server:
  rate_limit:
    rps: 20
    burst: 40

lock:
  redis_addr: ""
  ttl_seconds: 300

telemetry:
  endpoint: ""
  insecure: true
  service_name: featuregate
`
