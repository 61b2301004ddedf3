package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port     string `mapstructure:"PORT"`
	Env      string `mapstructure:"ENV"`
	AuthMode string `mapstructure:"AUTH_MODE"`
	LogLevel string `mapstructure:"LOG_LEVEL"`

	// Storage selects "postgres" or "memory" repositories.
	Storage     string `mapstructure:"STORAGE"`
	DatabaseURL string `mapstructure:"DATABASE_URL"`
	DBMaxConns  int32  `mapstructure:"DB_MAX_CONNS"`
	DBMinConns  int32  `mapstructure:"DB_MIN_CONNS"`
	RedisURL    string `mapstructure:"REDIS_URL"`

	AuthIssuer     string   `mapstructure:"AUTH_ISSUER"`
	AuthJWKSURL    string   `mapstructure:"AUTH_JWKS_URL"`
	AuthAudience   string   `mapstructure:"AUTH_AUDIENCE"`
	AuthSigningKey string   `mapstructure:"AUTH_SIGNING_KEY"`
	CORSOrigins    []string `mapstructure:"CORS_ORIGINS"`
	RateLimitRPS   float64  `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst int      `mapstructure:"RATE_LIMIT_BURST"`
	TLSEnabled     bool     `mapstructure:"TLS_ENABLED"`
	TLSCertFile    string   `mapstructure:"TLS_CERT_FILE"`
	TLSKeyFile     string   `mapstructure:"TLS_KEY_FILE"`

	// RulesFile is a YAML file with scoring weights, thresholds, keyword
	// lists and auto-response templates. Empty means built-in defaults.
	RulesFile         string        `mapstructure:"RULES_FILE"`
	ClassifierURL     string        `mapstructure:"CLASSIFIER_URL"`
	ClassifierTimeout time.Duration `mapstructure:"CLASSIFIER_TIMEOUT"`
	CriticalSLA       time.Duration `mapstructure:"CRITICAL_SLA"`
	RoutineSLA        time.Duration `mapstructure:"ROUTINE_SLA"`
	ReopenGrace       time.Duration `mapstructure:"REOPEN_GRACE"`

	EscalationInterval     time.Duration `mapstructure:"ESCALATION_INTERVAL"`
	EscalationFirstWarning time.Duration `mapstructure:"ESCALATION_FIRST_WARNING"`
	EscalationBreach       time.Duration `mapstructure:"ESCALATION_BREACH"`
	EscalationBatchSize    int           `mapstructure:"ESCALATION_BATCH_SIZE"`
	EscalationLeaderTTL    time.Duration `mapstructure:"ESCALATION_LEADER_TTL"`

	DirectoryFile       string        `mapstructure:"DIRECTORY_FILE"`
	DeliveryLedgerTTL   time.Duration `mapstructure:"DELIVERY_LEDGER_TTL"`
	NATSURL             string        `mapstructure:"NATS_URL"`
	NATSSubjectPrefix   string        `mapstructure:"NATS_SUBJECT_PREFIX"`
	SQSQueueURL         string        `mapstructure:"SQS_QUEUE_URL"`
	UrgentWebhookURL    string        `mapstructure:"URGENT_WEBHOOK_URL"`
	UrgentWebhookSecret string        `mapstructure:"URGENT_WEBHOOK_SECRET"`

	KafkaBrokers []string `mapstructure:"KAFKA_BROKERS"`
	KafkaTopic   string   `mapstructure:"KAFKA_TOPIC"`
	KafkaGroupID string   `mapstructure:"KAFKA_GROUP_ID"`

	// OTLPEndpoint enables OTLP metric export when set, e.g. "collector:4317".
	OTLPEndpoint          string        `mapstructure:"OTLP_ENDPOINT"`
	OTLPInsecure          bool          `mapstructure:"OTLP_INSECURE"`
	MetricsExportInterval time.Duration `mapstructure:"METRICS_EXPORT_INTERVAL"`
}

var keys = []string{
	"PORT", "ENV", "AUTH_MODE", "LOG_LEVEL",
	"STORAGE", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS", "REDIS_URL",
	"AUTH_ISSUER", "AUTH_JWKS_URL", "AUTH_AUDIENCE", "AUTH_SIGNING_KEY",
	"CORS_ORIGINS", "RATE_LIMIT_RPS", "RATE_LIMIT_BURST",
	"TLS_ENABLED", "TLS_CERT_FILE", "TLS_KEY_FILE",
	"RULES_FILE", "CLASSIFIER_URL", "CLASSIFIER_TIMEOUT",
	"CRITICAL_SLA", "ROUTINE_SLA", "REOPEN_GRACE",
	"ESCALATION_INTERVAL", "ESCALATION_FIRST_WARNING", "ESCALATION_BREACH",
	"ESCALATION_BATCH_SIZE", "ESCALATION_LEADER_TTL",
	"DIRECTORY_FILE", "DELIVERY_LEDGER_TTL", "NATS_URL", "NATS_SUBJECT_PREFIX",
	"SQS_QUEUE_URL", "URGENT_WEBHOOK_URL", "URGENT_WEBHOOK_SECRET",
	"KAFKA_BROKERS", "KAFKA_TOPIC", "KAFKA_GROUP_ID",
	"OTLP_ENDPOINT", "OTLP_INSECURE", "METRICS_EXPORT_INTERVAL",
}

// Load reads configuration from the environment and an optional .env file.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()

	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("AUTH_MODE", "") // "" -> inferred from ENV
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("STORAGE", "postgres")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 2)
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("RATE_LIMIT_RPS", 20)
	v.SetDefault("RATE_LIMIT_BURST", 40)
	v.SetDefault("CLASSIFIER_TIMEOUT", "2s")
	v.SetDefault("CRITICAL_SLA", "2h")
	v.SetDefault("ROUTINE_SLA", "48h")
	v.SetDefault("REOPEN_GRACE", "24h")
	v.SetDefault("ESCALATION_INTERVAL", "60s")
	v.SetDefault("ESCALATION_FIRST_WARNING", "1h")
	v.SetDefault("ESCALATION_BREACH", "2h")
	v.SetDefault("ESCALATION_BATCH_SIZE", 500)
	v.SetDefault("ESCALATION_LEADER_TTL", "5m")
	v.SetDefault("DELIVERY_LEDGER_TTL", "168h")
	v.SetDefault("NATS_SUBJECT_PREFIX", "referral.inbox")
	v.SetDefault("KAFKA_TOPIC", "referral.submissions")
	v.SetDefault("KAFKA_GROUP_ID", "referral-intake")
	v.SetDefault("METRICS_EXPORT_INTERVAL", "30s")

	// Unmarshal only sees keys viper knows about.
	for _, k := range keys {
		_ = v.BindEnv(k)
	}

	// A missing .env file is fine.
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.CORSOrigins = splitList(cfg.CORSOrigins, v.GetString("CORS_ORIGINS"))
	cfg.KafkaBrokers = splitList(cfg.KafkaBrokers, v.GetString("KAFKA_BROKERS"))

	return cfg, nil
}

// splitList handles comma-separated env values, which viper leaves as a
// single element.
func splitList(parsed []string, raw string) []string {
	if len(parsed) > 1 {
		return parsed
	}
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

// ResolvedAuthMode returns AUTH_MODE if set, otherwise "development" when
// ENV=development and "jwt" everywhere else.
func (c *Config) ResolvedAuthMode() string {
	if c.AuthMode != "" {
		return c.AuthMode
	}
	if c.IsDev() {
		return "development"
	}
	return "jwt"
}

// Validate checks that the configuration is safe to run.
func (c *Config) Validate() error {
	switch c.Storage {
	case "postgres":
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required when STORAGE is \"postgres\"")
		}
	case "memory":
		if c.IsProduction() {
			return fmt.Errorf("STORAGE=memory is not allowed in production")
		}
	default:
		return fmt.Errorf("STORAGE must be \"postgres\" or \"memory\", got %q", c.Storage)
	}

	switch mode := c.ResolvedAuthMode(); mode {
	case "development":
		if c.IsProduction() {
			return fmt.Errorf("AUTH_MODE=development is not allowed in production")
		}
	case "jwt":
		if c.AuthSigningKey == "" && c.AuthJWKSURL == "" {
			return fmt.Errorf("AUTH_JWKS_URL or AUTH_SIGNING_KEY must be set when AUTH_MODE is \"jwt\"")
		}
		if c.IsProduction() && c.AuthSigningKey != "" {
			return fmt.Errorf("AUTH_SIGNING_KEY is for development only; use AUTH_JWKS_URL in production")
		}
	default:
		return fmt.Errorf("AUTH_MODE must be \"development\" or \"jwt\", got %q", mode)
	}

	if c.CriticalSLA <= 0 || c.RoutineSLA <= 0 || c.ReopenGrace <= 0 {
		return fmt.Errorf("CRITICAL_SLA, ROUTINE_SLA and REOPEN_GRACE must be positive")
	}
	if c.EscalationInterval <= 0 {
		return fmt.Errorf("ESCALATION_INTERVAL must be positive, got %s", c.EscalationInterval)
	}
	if c.EscalationBreach <= c.EscalationFirstWarning {
		return fmt.Errorf("ESCALATION_BREACH (%s) must exceed ESCALATION_FIRST_WARNING (%s)",
			c.EscalationBreach, c.EscalationFirstWarning)
	}
	if c.UrgentWebhookURL != "" && c.UrgentWebhookSecret == "" {
		return fmt.Errorf("URGENT_WEBHOOK_SECRET is required when URGENT_WEBHOOK_URL is set")
	}

	if c.TLSEnabled {
		if c.TLSCertFile == "" {
			return fmt.Errorf("TLS_CERT_FILE is required when TLS_ENABLED is true")
		}
		if c.TLSKeyFile == "" {
			return fmt.Errorf("TLS_KEY_FILE is required when TLS_ENABLED is true")
		}
	}
	return nil
}
