package config

import (
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/ehr/triage/internal/domain/triage"
	"github.com/ehr/triage/internal/platform/llm"
)

type Config struct {
	Port           string        `mapstructure:"PORT"`
	Env            string        `mapstructure:"ENV"`
	AuthMode       string        `mapstructure:"AUTH_MODE"`
	DatabaseURL    string        `mapstructure:"DATABASE_URL"`
	DBMaxConns     int32         `mapstructure:"DB_MAX_CONNS"`
	DBMinConns     int32         `mapstructure:"DB_MIN_CONNS"`
	RedisURL       string        `mapstructure:"REDIS_URL"`
	RosterCacheTTL time.Duration `mapstructure:"ROSTER_CACHE_TTL"`
	AuthIssuer     string        `mapstructure:"AUTH_ISSUER"`
	AuthJWKSURL    string        `mapstructure:"AUTH_JWKS_URL"`
	AuthAudience   string        `mapstructure:"AUTH_AUDIENCE"`
	AuthSigningKey string        `mapstructure:"AUTH_SIGNING_KEY"`
	CORSOrigins    []string      `mapstructure:"CORS_ORIGINS"`
	RequestTimeout time.Duration `mapstructure:"REQUEST_TIMEOUT"`
	RateLimitRPS   float64       `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst int           `mapstructure:"RATE_LIMIT_BURST"`

	HIPAAEncryptionKey string   `mapstructure:"HIPAA_ENCRYPTION_KEY"`
	AuditHashKey       string   `mapstructure:"AUDIT_HASH_KEY"`
	AuditSinks         []string `mapstructure:"AUDIT_SINKS"`
	AuditBlobDir       string   `mapstructure:"AUDIT_BLOB_DIR"`

	ClassifierPrimary     string        `mapstructure:"CLASSIFIER_PRIMARY"`
	ClassifierSecondary   string        `mapstructure:"CLASSIFIER_SECONDARY"`
	ClassifierTimeout     time.Duration `mapstructure:"CLASSIFIER_TIMEOUT"`
	ClassifierTemperature float64       `mapstructure:"CLASSIFIER_TEMPERATURE"`
	ClassifierMaxTokens   int           `mapstructure:"CLASSIFIER_MAX_TOKENS"`
	AnthropicAPIKey       string        `mapstructure:"ANTHROPIC_API_KEY"`
	AnthropicModel        string        `mapstructure:"ANTHROPIC_MODEL"`
	OpenAIAPIKey          string        `mapstructure:"OPENAI_API_KEY"`
	OpenAIModel           string        `mapstructure:"OPENAI_MODEL"`
	OpenAIBaseURL         string        `mapstructure:"OPENAI_BASE_URL"`
	HuggingFaceAPIKey     string        `mapstructure:"HUGGINGFACE_API_KEY"`
	HuggingFaceModel      string        `mapstructure:"HUGGINGFACE_MODEL"`

	VerifyMode       string        `mapstructure:"VERIFY_MODE"`
	VerifyEscalation string        `mapstructure:"VERIFY_ESCALATION"`
	AsyncTimeout     time.Duration `mapstructure:"VERIFY_ASYNC_TIMEOUT"`
	AuditTimeout     time.Duration `mapstructure:"AUDIT_TIMEOUT"`

	SlackBotToken     string `mapstructure:"SLACK_BOT_TOKEN"`
	SlackAlertChannel string `mapstructure:"SLACK_ALERT_CHANNEL"`
}

var keys = []string{
	"PORT", "ENV", "AUTH_MODE", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS",
	"REDIS_URL", "ROSTER_CACHE_TTL", "AUTH_ISSUER", "AUTH_JWKS_URL", "AUTH_AUDIENCE",
	"AUTH_SIGNING_KEY", "CORS_ORIGINS", "REQUEST_TIMEOUT", "RATE_LIMIT_RPS",
	"RATE_LIMIT_BURST", "HIPAA_ENCRYPTION_KEY", "AUDIT_HASH_KEY", "AUDIT_SINKS",
	"AUDIT_BLOB_DIR", "CLASSIFIER_PRIMARY", "CLASSIFIER_SECONDARY",
	"CLASSIFIER_TIMEOUT", "CLASSIFIER_TEMPERATURE", "CLASSIFIER_MAX_TOKENS",
	"ANTHROPIC_API_KEY", "ANTHROPIC_MODEL", "OPENAI_API_KEY", "OPENAI_MODEL",
	"OPENAI_BASE_URL", "HUGGINGFACE_API_KEY", "HUGGINGFACE_MODEL", "VERIFY_MODE",
	"VERIFY_ESCALATION", "VERIFY_ASYNC_TIMEOUT", "AUDIT_TIMEOUT",
	"SLACK_BOT_TOKEN", "SLACK_ALERT_CHANNEL",
}

// Load reads .env (if present) and the environment. It does not validate;
// callers decide which checks apply to the command being run.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()

	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("AUTH_MODE", "") // inferred from ENV
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("ROSTER_CACHE_TTL", "15s")
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("REQUEST_TIMEOUT", "60s")
	v.SetDefault("RATE_LIMIT_RPS", 5)
	v.SetDefault("RATE_LIMIT_BURST", 20)
	v.SetDefault("AUDIT_SINKS", "postgres")
	v.SetDefault("CLASSIFIER_PRIMARY", llm.ProviderAnthropic)
	v.SetDefault("CLASSIFIER_SECONDARY", llm.ProviderNone)
	v.SetDefault("CLASSIFIER_TIMEOUT", triage.DefaultClassifierTimeout.String())
	v.SetDefault("CLASSIFIER_TEMPERATURE", triage.DefaultTemperature)
	v.SetDefault("CLASSIFIER_MAX_TOKENS", triage.DefaultMaxTokens)
	v.SetDefault("VERIFY_MODE", string(triage.VerifySync))
	v.SetDefault("VERIFY_ESCALATION", string(triage.EscalateOnDisagreement))
	v.SetDefault("VERIFY_ASYNC_TIMEOUT", triage.DefaultAsyncTimeout.String())
	v.SetDefault("AUDIT_TIMEOUT", triage.DefaultAuditTimeout.String())

	for _, k := range keys {
		v.BindEnv(k)
	}

	// A missing .env is fine.
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.CORSOrigins = splitList(v.GetString("CORS_ORIGINS"))
	cfg.AuditSinks = splitList(v.GetString("AUDIT_SINKS"))
	return cfg, nil
}

// splitList parses a comma-separated env value.
func splitList(raw string) []string {
	var out []string
	for _, s := range strings.Split(raw, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// ResolvedAuthMode returns AUTH_MODE when set; otherwise "development" in
// development and "jwt" everywhere else.
func (c *Config) ResolvedAuthMode() string {
	if c.AuthMode != "" {
		return c.AuthMode
	}
	if c.IsDev() {
		return "development"
	}
	return "jwt"
}

func (c *Config) HasAuditSink(name string) bool {
	for _, s := range c.AuditSinks {
		if strings.EqualFold(s, name) {
			return true
		}
	}
	return false
}

// PrimaryProvider and SecondaryProvider build the llm transport settings
// for the configured providers.
func (c *Config) PrimaryProvider() llm.ProviderConfig {
	return c.provider(c.ClassifierPrimary)
}

func (c *Config) SecondaryProvider() llm.ProviderConfig {
	return c.provider(c.ClassifierSecondary)
}

func (c *Config) provider(name string) llm.ProviderConfig {
	pc := llm.ProviderConfig{Provider: name}
	switch strings.ToLower(name) {
	case llm.ProviderAnthropic:
		pc.APIKey, pc.Model = c.AnthropicAPIKey, c.AnthropicModel
	case llm.ProviderOpenAI:
		pc.APIKey, pc.Model, pc.BaseURL = c.OpenAIAPIKey, c.OpenAIModel, c.OpenAIBaseURL
	case llm.ProviderHuggingFace:
		pc.APIKey, pc.Model = c.HuggingFaceAPIKey, c.HuggingFaceModel
	}
	return pc
}

func (c *Config) AdapterConfig() triage.AdapterConfig {
	return triage.AdapterConfig{
		Timeout:     c.ClassifierTimeout,
		Temperature: c.ClassifierTemperature,
		MaxTokens:   c.ClassifierMaxTokens,
	}
}

// Validate checks the settings every command depends on.
func (c *Config) Validate() error {
	switch mode := c.ResolvedAuthMode(); mode {
	case "development":
		if c.IsProduction() {
			return fmt.Errorf("AUTH_MODE=development is not allowed in production")
		}
	case "jwt":
		if c.AuthIssuer == "" && c.AuthJWKSURL == "" && c.AuthSigningKey == "" {
			return fmt.Errorf("AUTH_ISSUER, AUTH_JWKS_URL or AUTH_SIGNING_KEY must be set when AUTH_MODE is \"jwt\" (ENV=%q)", c.Env)
		}
		if c.IsProduction() && c.AuthSigningKey != "" {
			return fmt.Errorf("AUTH_SIGNING_KEY is for development only; use AUTH_ISSUER in production")
		}
	default:
		return fmt.Errorf("AUTH_MODE must be \"development\" or \"jwt\", got %q", mode)
	}

	if c.IsProduction() && c.HIPAAEncryptionKey == "" {
		return fmt.Errorf("HIPAA_ENCRYPTION_KEY is required in production")
	}
	if c.HIPAAEncryptionKey != "" {
		keyBytes, err := hex.DecodeString(c.HIPAAEncryptionKey)
		if err != nil {
			return fmt.Errorf("HIPAA_ENCRYPTION_KEY is not valid hex: %w", err)
		}
		if len(keyBytes) != 32 {
			return fmt.Errorf("HIPAA_ENCRYPTION_KEY must be 32 bytes (64 hex chars), got %d bytes", len(keyBytes))
		}
	}
	if c.IsProduction() && c.AuditHashKey == "" {
		return fmt.Errorf("AUDIT_HASH_KEY is required in production")
	}

	for _, s := range c.AuditSinks {
		switch strings.ToLower(s) {
		case "postgres":
		case "blob":
			if c.AuditBlobDir == "" {
				return fmt.Errorf("AUDIT_BLOB_DIR is required when AUDIT_SINKS includes blob")
			}
		default:
			return fmt.Errorf("unknown audit sink %q", s)
		}
	}

	if _, err := triage.ParseVerifyMode(c.VerifyMode); err != nil {
		return fmt.Errorf("VERIFY_MODE: %w", err)
	}
	if _, err := triage.ParseEscalationPolicy(c.VerifyEscalation); err != nil {
		return fmt.Errorf("VERIFY_ESCALATION: %w", err)
	}
	if (c.SlackBotToken == "") != (c.SlackAlertChannel == "") {
		return fmt.Errorf("SLACK_BOT_TOKEN and SLACK_ALERT_CHANNEL must be set together")
	}
	if c.ClassifierTimeout <= 0 {
		return fmt.Errorf("CLASSIFIER_TIMEOUT must be positive")
	}
	return nil
}

// ValidateServe adds the checks that only apply to the long-running server.
func (c *Config) ValidateServe() error {
	if err := c.Validate(); err != nil {
		return err
	}
	if c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	if budget := c.PipelineBudget(); c.RequestTimeout > 0 && c.RequestTimeout <= budget {
		return fmt.Errorf("REQUEST_TIMEOUT (%s) must exceed the worst-case pipeline time (%s) so a request whose classifiers both fail still gets its rule-based record", c.RequestTimeout, budget)
	}
	return nil
}

// PipelineBudget is the longest a synchronous check-in can spend inside the
// pipeline: the primary call, the second opinion when it runs in the request
// (sync mode with a secondary), then the audit write and the escalation.
func (c *Config) PipelineBudget() time.Duration {
	audit := c.AuditTimeout
	if audit <= 0 {
		audit = triage.DefaultAuditTimeout
	}
	budget := c.ClassifierTimeout + 2*audit
	if c.secondaryInRequest() {
		budget += c.ClassifierTimeout
	}
	return budget
}

func (c *Config) secondaryInRequest() bool {
	sec := strings.ToLower(strings.TrimSpace(c.ClassifierSecondary))
	if sec == "" || sec == llm.ProviderNone {
		return false
	}
	mode, err := triage.ParseVerifyMode(c.VerifyMode)
	return err == nil && mode == triage.VerifySync
}
