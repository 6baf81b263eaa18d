// ABOUTME: Configuration loading and parsing for coven-router
// ABOUTME: Supports YAML or TOML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"

	"github.com/2389/coven-router/internal/policy"
	"github.com/2389/coven-router/internal/store"
)

// Delegate providers.
const (
	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"
)

// Defaults applied by Load when a field is left empty.
const (
	DefaultHTTPAddr       = "127.0.0.1:8080"
	DefaultEventsSubject  = "coven.router.outcome"
	DefaultRequestTimeout = 90 * time.Second
	DefaultOpenAIModel    = "gpt-4o-mini"
	DefaultAnthropicModel = "claude-sonnet-4-5"
)

// minSecretLength mirrors auth.MinSecretLength.
const minSecretLength = 32

// Config represents the complete coven-router configuration
type Config struct {
	Server   ServerConfig            `yaml:"server" toml:"server"`
	Services []ServiceConfig         `yaml:"services" toml:"services"`
	Tenants  map[string]TenantConfig `yaml:"tenants" toml:"tenants"`
	Policy   PolicyConfig            `yaml:"policy" toml:"policy"`
	Timeouts TimeoutsConfig          `yaml:"timeouts" toml:"timeouts"`
	Delegate DelegateConfig          `yaml:"delegate" toml:"delegate"`
	Auth     AuthConfig              `yaml:"auth" toml:"auth"`
	Events   EventsConfig            `yaml:"events" toml:"events"`
	Logging  LoggingConfig           `yaml:"logging" toml:"logging"`
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr" toml:"http_addr"`
}

// ServiceConfig names one MCP service. Order matters: it is the discovery order.
type ServiceConfig struct {
	Name       string `yaml:"name" toml:"name"`
	URL        string `yaml:"url" toml:"url"`
	StreamPath string `yaml:"stream_path" toml:"stream_path"`
}

// TenantConfig is one tenant's policy.
type TenantConfig struct {
	AllowedCapabilities []string `yaml:"allowed_capabilities" toml:"allowed_capabilities"`
	MaxCallsPerRequest  int      `yaml:"max_calls_per_request" toml:"max_calls_per_request"`
}

// PolicyConfig selects where tenant policies come from. When Database is set,
// policies are read from SQLite and the tenants section is only used by
// "policy import".
type PolicyConfig struct {
	Database string `yaml:"database" toml:"database"`
}

// TimeoutsConfig holds per-exchange budgets and the overall request deadline
type TimeoutsConfig struct {
	Endpoint  time.Duration `yaml:"-" toml:"-"`
	Handshake time.Duration `yaml:"-" toml:"-"`
	List      time.Duration `yaml:"-" toml:"-"`
	Call      time.Duration `yaml:"-" toml:"-"`
	Request   time.Duration `yaml:"-" toml:"-"`

	// Raw string values for unmarshaling
	EndpointRaw  string `yaml:"endpoint" toml:"endpoint"`
	HandshakeRaw string `yaml:"handshake" toml:"handshake"`
	ListRaw      string `yaml:"list" toml:"list"`
	CallRaw      string `yaml:"call" toml:"call"`
	RequestRaw   string `yaml:"request" toml:"request"`
}

// DelegateConfig configures the language-model delegate
type DelegateConfig struct {
	Provider          string `yaml:"provider" toml:"provider"`
	Model             string `yaml:"model" toml:"model"`
	APIKey            string `yaml:"api_key" toml:"api_key"`
	BaseURL           string `yaml:"base_url" toml:"base_url"`
	MaxTokens         int    `yaml:"max_tokens" toml:"max_tokens"`
	RequestsPerMinute int    `yaml:"requests_per_minute" toml:"requests_per_minute"`
}

// AuthConfig holds authentication configuration
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret" toml:"jwt_secret"`
}

// EventsConfig configures outcome event publishing
type EventsConfig struct {
	NATSURL string `yaml:"nats_url" toml:"nats_url"`
	Subject string `yaml:"subject" toml:"subject"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// delegateEnv is the delegate's environment surface.
type delegateEnv struct {
	Provider       string `envconfig:"COVEN_ROUTER_DELEGATE"`
	OpenAIKey      string `envconfig:"OPENAI_API_KEY"`
	OpenAIModel    string `envconfig:"OPENAI_MODEL"`
	OpenAIBaseURL  string `envconfig:"OPENAI_BASE_URL"`
	AnthropicKey   string `envconfig:"ANTHROPIC_API_KEY"`
	AnthropicModel string `envconfig:"ANTHROPIC_MODEL"`
	RequestsPerMin int    `envconfig:"COVEN_ROUTER_DELEGATE_RPM"`
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Files ending in .toml are parsed as TOML, everything else as YAML.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables in the raw content
	expanded := expandEnvVars(string(data))

	var cfg Config
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if _, err := toml.Decode(expanded, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	} else {
		if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	if err := applyEnv(&cfg); err != nil {
		return nil, fmt.Errorf("reading environment: %w", err)
	}
	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// applyEnv fills delegate settings the file leaves empty. COVEN_ROUTER_DELEGATE
// always wins over the file's provider.
func applyEnv(cfg *Config) error {
	var env delegateEnv
	if err := envconfig.Process("", &env); err != nil {
		return err
	}

	d := &cfg.Delegate
	if env.Provider != "" {
		d.Provider = strings.ToLower(env.Provider)
	}
	if d.Provider == "" {
		d.Provider = ProviderOpenAI
	}

	switch d.Provider {
	case ProviderOpenAI:
		d.APIKey = firstNonEmpty(d.APIKey, env.OpenAIKey)
		d.Model = firstNonEmpty(d.Model, env.OpenAIModel, DefaultOpenAIModel)
		d.BaseURL = firstNonEmpty(d.BaseURL, env.OpenAIBaseURL)
	case ProviderAnthropic:
		d.APIKey = firstNonEmpty(d.APIKey, env.AnthropicKey)
		d.Model = firstNonEmpty(d.Model, env.AnthropicModel, DefaultAnthropicModel)
	}
	if d.RequestsPerMinute == 0 {
		d.RequestsPerMinute = env.RequestsPerMin
	}
	return nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func applyDefaults(cfg *Config) {
	if cfg.Server.HTTPAddr == "" {
		cfg.Server.HTTPAddr = DefaultHTTPAddr
	}
	if cfg.Timeouts.Request == 0 {
		cfg.Timeouts.Request = DefaultRequestTimeout
	}
	if cfg.Events.Subject == "" {
		cfg.Events.Subject = DefaultEventsSubject
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "text"
	}
	for name, t := range cfg.Tenants {
		if t.MaxCallsPerRequest == 0 {
			t.MaxCallsPerRequest = policy.DefaultMaxCallsPerRequest
			cfg.Tenants[name] = t
		}
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if len(c.Services) == 0 {
		return fmt.Errorf("at least one service is required")
	}
	seen := make(map[string]bool, len(c.Services))
	for i, svc := range c.Services {
		if svc.Name == "" {
			return fmt.Errorf("services[%d].name is required", i)
		}
		if strings.Contains(svc.Name, ".") {
			return fmt.Errorf("services[%d].name %q must not contain '.'", i, svc.Name)
		}
		if seen[svc.Name] {
			return fmt.Errorf("duplicate service name %q", svc.Name)
		}
		seen[svc.Name] = true

		u, err := url.Parse(svc.URL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("services[%d].url %q must be an absolute URL", i, svc.URL)
		}
	}

	if c.Policy.Database == "" && len(c.Tenants) == 0 {
		return fmt.Errorf("tenants are required unless policy.database is set")
	}
	for name, t := range c.Tenants {
		if name == "" {
			return fmt.Errorf("tenant name must not be empty")
		}
		if t.MaxCallsPerRequest < 0 {
			return fmt.Errorf("tenants.%s.max_calls_per_request must not be negative", name)
		}
	}

	switch c.Delegate.Provider {
	case ProviderOpenAI, ProviderAnthropic:
	default:
		return fmt.Errorf("delegate.provider must be %q or %q, got %q", ProviderOpenAI, ProviderAnthropic, c.Delegate.Provider)
	}
	if c.Delegate.MaxTokens < 0 {
		return fmt.Errorf("delegate.max_tokens must not be negative")
	}

	if c.Auth.JWTSecret != "" && len(c.Auth.JWTSecret) < minSecretLength {
		return fmt.Errorf("auth.jwt_secret must be at least %d bytes", minSecretLength)
	}

	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format must be text or json, got %q", c.Logging.Format)
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"endpoint", cfg.Timeouts.EndpointRaw, &cfg.Timeouts.Endpoint},
		{"handshake", cfg.Timeouts.HandshakeRaw, &cfg.Timeouts.Handshake},
		{"list", cfg.Timeouts.ListRaw, &cfg.Timeouts.List},
		{"call", cfg.Timeouts.CallRaw, &cfg.Timeouts.Call},
		{"request", cfg.Timeouts.RequestRaw, &cfg.Timeouts.Request},
	}
	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing timeouts.%s %q: %w", f.name, f.raw, err)
		}
		if d <= 0 {
			return fmt.Errorf("timeouts.%s must be positive, got %s", f.name, f.raw)
		}
		*f.dst = d
	}
	return nil
}

// TenantPolicies converts the tenants section into policies.
func (c *Config) TenantPolicies() map[string]policy.Policy {
	out := make(map[string]policy.Policy, len(c.Tenants))
	for name, t := range c.Tenants {
		out[name] = policy.New(t.AllowedCapabilities, t.MaxCallsPerRequest)
	}
	return out
}

// TenantRecords converts the tenants section into store records, sorted by id.
func (c *Config) TenantRecords() []*store.Tenant {
	names := make([]string, 0, len(c.Tenants))
	for name := range c.Tenants {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]*store.Tenant, 0, len(names))
	for _, name := range names {
		t := c.Tenants[name]
		out = append(out, &store.Tenant{
			ID:                  name,
			AllowedCapabilities: append([]string(nil), t.AllowedCapabilities...),
			MaxCallsPerRequest:  t.MaxCallsPerRequest,
		})
	}
	return out
}
