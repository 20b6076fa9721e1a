package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	defaultGeminiBaseURL   = "https://generativelanguage.googleapis.com/v1beta"
	defaultGeminiKeyEnv    = "GEMINI_API_KEY"
	defaultUserHeader      = "X-User-ID"
	defaultLedgerDriver    = "sqlite"
	defaultLedgerDSN       = "data/ledger.db"
	defaultLowBalanceRatio = 0.2
)

// Config represents the application configuration parsed from YAML.
type Config struct {
	Server       ServerConfig     `yaml:"server"`
	Logging      LoggingConfig    `yaml:"logging"`
	Providers    ProvidersConfig  `yaml:"providers"`
	DefaultModel string           `yaml:"default_model"`
	Resilience   ResilienceConfig `yaml:"resilience"`
	Ledger       LedgerConfig     `yaml:"ledger"`
	Notify       NotifyConfig     `yaml:"notify"`
}

// ServerConfig defines listener configuration.
type ServerConfig struct {
	Port int `yaml:"port"`
	// UserHeader carries the caller's verified user id, set by the
	// authentication layer in front of the gateway.
	UserHeader string `yaml:"user_header"`
	UpgradeURL string `yaml:"upgrade_url"`
}

// LoggingConfig selects the slog handler.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// ProvidersConfig catalogues configured upstream providers.
type ProvidersConfig struct {
	Gemini ProviderConfig `yaml:"gemini"`
}

// ProviderConfig captures authentication and routing info for a provider.
type ProviderConfig struct {
	APIKey    string            `yaml:"api_key"`
	APIKeyEnv string            `yaml:"api_key_env"`
	BaseURL   string            `yaml:"base_url"`
	Models    []ModelConfig     `yaml:"models"`
	Headers   Headers           `yaml:"headers"`
	Aliases   map[string]string `yaml:"aliases"`
}

// ResolveAPIKey returns the inline key or, failing that, the value of the
// configured environment variable. An empty result is not a load error; the
// provider reports it per request.
func (p ProviderConfig) ResolveAPIKey() string {
	if key := strings.TrimSpace(p.APIKey); key != "" {
		return key
	}
	if p.APIKeyEnv == "" {
		return ""
	}
	return strings.TrimSpace(os.Getenv(p.APIKeyEnv))
}

// Headers contains additional HTTP headers to send with a provider request.
type Headers map[string]string

// ModelConfig describes a model exposed by a provider.
type ModelConfig struct {
	ID string `yaml:"id"`
}

// ResilienceConfig tunes retries, deadlines and the circuit breaker.
type ResilienceConfig struct {
	MaxRetries       *int          `yaml:"max_retries"`
	Timeout          time.Duration `yaml:"timeout"`
	BackoffBase      time.Duration `yaml:"backoff_base"`
	BackoffMax       time.Duration `yaml:"backoff_max"`
	TransientDelay   time.Duration `yaml:"transient_delay"`
	FailureThreshold int           `yaml:"failure_threshold"`
	ResetTimeout     time.Duration `yaml:"reset_timeout"`
	FailureWindow    time.Duration `yaml:"failure_window"`
}

// LedgerConfig points the credit ledger at its datastore.
type LedgerConfig struct {
	Driver          string         `yaml:"driver"`
	DSN             string         `yaml:"dsn"`
	LowBalanceRatio float64        `yaml:"low_balance_ratio"`
	Costs           map[string]int `yaml:"costs"`
	Plans           []PlanConfig   `yaml:"plans"`
}

// PlanConfig seeds a subscription plan.
type PlanConfig struct {
	ID              string `yaml:"id"`
	Name            string `yaml:"name"`
	CreditsPerMonth int    `yaml:"credits_per_month"`
}

// NotifyConfig configures low-balance notifications. An empty WebhookURL
// logs notifications instead of delivering them.
type NotifyConfig struct {
	WebhookURL   string        `yaml:"webhook_url"`
	Headers      Headers       `yaml:"headers"`
	RetryCount   int           `yaml:"retry_count"`
	RetryBackoff time.Duration `yaml:"retry_backoff"`
}

// Load reads YAML configuration from disk and validates the result.
func Load(path string) (Config, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return Config{}, fmt.Errorf("resolve config path: %w", err)
	}

	data, err := os.ReadFile(absPath)
	if err != nil {
		return Config{}, fmt.Errorf("read config file %q: %w", absPath, err)
	}

	cfg, err := Parse(data)
	if err != nil {
		return Config{}, fmt.Errorf("parse config file %q: %w", absPath, err)
	}
	return cfg, nil
}

// Parse decodes YAML bytes, applies defaults and validates.
func Parse(data []byte) (Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, err
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// ApplyDefaults fills unset optional fields.
func (c *Config) ApplyDefaults() {
	if c.Server.UserHeader == "" {
		c.Server.UserHeader = defaultUserHeader
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
	if c.Providers.Gemini.BaseURL == "" {
		c.Providers.Gemini.BaseURL = defaultGeminiBaseURL
	}
	if c.Providers.Gemini.APIKeyEnv == "" {
		c.Providers.Gemini.APIKeyEnv = defaultGeminiKeyEnv
	}
	if c.DefaultModel == "" && len(c.Providers.Gemini.Models) > 0 {
		c.DefaultModel = c.Providers.Gemini.Models[0].ID
	}
	if c.Ledger.Driver == "" {
		c.Ledger.Driver = defaultLedgerDriver
	}
	if c.Ledger.DSN == "" && c.Ledger.Driver == defaultLedgerDriver {
		c.Ledger.DSN = defaultLedgerDSN
	}
	if c.Ledger.LowBalanceRatio == 0 {
		c.Ledger.LowBalanceRatio = defaultLowBalanceRatio
	}
}

// Validate performs strict sanity checks on the configuration.
func (c Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be a valid TCP port, got %d", c.Server.Port)
	}
	if !isCanonicalHTTPHeader(c.Server.UserHeader) {
		return fmt.Errorf("server.user_header %q is not a valid canonical HTTP header", c.Server.UserHeader)
	}
	if c.Server.UpgradeURL != "" {
		if _, err := url.ParseRequestURI(c.Server.UpgradeURL); err != nil {
			return fmt.Errorf("server.upgrade_url: %w", err)
		}
	}

	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level %q must be one of debug, info, warn, error", c.Logging.Level)
	}
	switch strings.ToLower(c.Logging.Format) {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format %q must be text or json", c.Logging.Format)
	}

	if err := validateProvider("gemini", c.Providers.Gemini); err != nil {
		return err
	}
	if !c.knowsModel(c.DefaultModel) {
		return fmt.Errorf("default_model %q is not a configured model or alias", c.DefaultModel)
	}

	if err := c.Resilience.validate(); err != nil {
		return err
	}
	if err := c.Ledger.validate(); err != nil {
		return err
	}
	return c.Notify.validate()
}

func (c Config) knowsModel(id string) bool {
	if strings.TrimSpace(id) == "" {
		return false
	}
	for _, m := range c.Providers.Gemini.Models {
		if m.ID == id {
			return true
		}
	}
	_, ok := c.Providers.Gemini.Aliases[id]
	return ok
}

func validateProvider(name string, provider ProviderConfig) error {
	if _, err := url.ParseRequestURI(strings.TrimSpace(provider.BaseURL)); err != nil {
		return fmt.Errorf("provider %s: base_url must be a valid URL: %w", name, err)
	}
	if len(provider.Models) == 0 {
		return fmt.Errorf("provider %s: at least one model must be configured", name)
	}

	for _, model := range provider.Models {
		if strings.TrimSpace(model.ID) == "" {
			return fmt.Errorf("provider %s: model id must not be empty", name)
		}
	}

	for headerKey := range provider.Headers {
		if !isCanonicalHTTPHeader(headerKey) {
			return fmt.Errorf("provider %s: header %q is not a valid canonical HTTP header", name, headerKey)
		}
	}

	for alias, target := range provider.Aliases {
		if strings.TrimSpace(alias) == "" {
			return fmt.Errorf("provider %s: alias name must not be empty", name)
		}
		if strings.TrimSpace(target) == "" {
			return fmt.Errorf("provider %s: alias %q target must not be empty", name, alias)
		}
	}

	return nil
}

func (r ResilienceConfig) validate() error {
	if r.MaxRetries != nil && *r.MaxRetries < 0 {
		return fmt.Errorf("resilience.max_retries must not be negative, got %d", *r.MaxRetries)
	}
	if r.FailureThreshold < 0 {
		return fmt.Errorf("resilience.failure_threshold must not be negative, got %d", r.FailureThreshold)
	}
	durations := map[string]time.Duration{
		"timeout":         r.Timeout,
		"backoff_base":    r.BackoffBase,
		"backoff_max":     r.BackoffMax,
		"transient_delay": r.TransientDelay,
		"reset_timeout":   r.ResetTimeout,
		"failure_window":  r.FailureWindow,
	}
	for name, d := range durations {
		if d < 0 {
			return fmt.Errorf("resilience.%s must not be negative, got %s", name, d)
		}
	}
	return nil
}

func (l LedgerConfig) validate() error {
	switch l.Driver {
	case "sqlite":
	case "postgres":
		if strings.TrimSpace(l.DSN) == "" {
			return fmt.Errorf("ledger.dsn must be provided for driver %q", l.Driver)
		}
	default:
		return fmt.Errorf("ledger.driver %q must be sqlite or postgres", l.Driver)
	}
	if l.LowBalanceRatio < 0 || l.LowBalanceRatio >= 1 {
		return fmt.Errorf("ledger.low_balance_ratio must be in [0, 1), got %v", l.LowBalanceRatio)
	}
	for op, cost := range l.Costs {
		if strings.TrimSpace(op) == "" {
			return fmt.Errorf("ledger.costs: operation name must not be empty")
		}
		if cost < 0 {
			return fmt.Errorf("ledger.costs: operation %q cost must not be negative", op)
		}
	}
	seen := make(map[string]struct{}, len(l.Plans))
	for _, plan := range l.Plans {
		if strings.TrimSpace(plan.ID) == "" {
			return fmt.Errorf("ledger.plans: plan id must not be empty")
		}
		if _, dup := seen[plan.ID]; dup {
			return fmt.Errorf("ledger.plans: duplicate plan id %q", plan.ID)
		}
		seen[plan.ID] = struct{}{}
		if plan.CreditsPerMonth < 0 {
			return fmt.Errorf("ledger.plans: plan %q credits_per_month must not be negative", plan.ID)
		}
	}
	return nil
}

func (n NotifyConfig) validate() error {
	if n.WebhookURL != "" {
		if _, err := url.ParseRequestURI(n.WebhookURL); err != nil {
			return fmt.Errorf("notify.webhook_url: %w", err)
		}
	}
	if n.RetryCount < 0 {
		return fmt.Errorf("notify.retry_count must not be negative, got %d", n.RetryCount)
	}
	for headerKey := range n.Headers {
		if !isCanonicalHTTPHeader(headerKey) {
			return fmt.Errorf("notify: header %q is not a valid canonical HTTP header", headerKey)
		}
	}
	return nil
}

func isCanonicalHTTPHeader(header string) bool {
	if header == "" {
		return false
	}

	for _, r := range header {
		if !(r == '-' || (r >= 'A' && r <= 'Z') || (r >= 'a' && r <= 'z')) {
			return false
		}
	}
	return true
}
