package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	StoragePostgres = "postgres"
	StorageMemory   = "memory"

	NotifyLog     = "log"
	NotifyKafka   = "kafka"
	NotifyWebhook = "webhook"
)

type Config struct {
	Port        string   `mapstructure:"PORT"`
	Env         string   `mapstructure:"ENV"`
	Storage     string   `mapstructure:"STORAGE"`
	DatabaseURL string   `mapstructure:"DATABASE_URL"`
	DBSchema    string   `mapstructure:"DB_SCHEMA"`
	DBMaxConns  int32    `mapstructure:"DB_MAX_CONNS"`
	DBMinConns  int32    `mapstructure:"DB_MIN_CONNS"`
	RedisURL    string   `mapstructure:"REDIS_URL"`
	CORSOrigins []string `mapstructure:"CORS_ORIGINS"`

	AuthIssuer        string `mapstructure:"AUTH_ISSUER"`
	AuthSigningKey    string `mapstructure:"AUTH_SIGNING_KEY"`
	CheckInSigningKey string `mapstructure:"CHECKIN_SIGNING_KEY"`

	NotifyDriver     string   `mapstructure:"NOTIFY_DRIVER"`
	KafkaBrokers     []string `mapstructure:"KAFKA_BROKERS"`
	KafkaTopic       string   `mapstructure:"KAFKA_TOPIC"`
	NotifyWebhookURL string   `mapstructure:"NOTIFY_WEBHOOK_URL"`

	StaleSweepInterval    time.Duration `mapstructure:"STALE_SWEEP_INTERVAL"`
	ExpirySweepInterval   time.Duration `mapstructure:"EXPIRY_SWEEP_INTERVAL"`
	ReminderSweepInterval time.Duration `mapstructure:"REMINDER_SWEEP_INTERVAL"`
	ReconcileInterval     time.Duration `mapstructure:"RECONCILE_INTERVAL"`
	SweepLockTTL          time.Duration `mapstructure:"SWEEP_LOCK_TTL"`
}

var keys = []string{
	"PORT", "ENV", "STORAGE", "DATABASE_URL", "DB_SCHEMA", "DB_MAX_CONNS", "DB_MIN_CONNS",
	"REDIS_URL", "CORS_ORIGINS", "AUTH_ISSUER", "AUTH_SIGNING_KEY",
	"CHECKIN_SIGNING_KEY", "NOTIFY_DRIVER", "KAFKA_BROKERS", "KAFKA_TOPIC",
	"NOTIFY_WEBHOOK_URL", "STALE_SWEEP_INTERVAL", "EXPIRY_SWEEP_INTERVAL",
	"REMINDER_SWEEP_INTERVAL", "RECONCILE_INTERVAL", "SWEEP_LOCK_TTL",
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("STORAGE", StoragePostgres)
	v.SetDefault("DB_SCHEMA", "bloodbank")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("AUTH_ISSUER", "bloodbank")
	v.SetDefault("NOTIFY_DRIVER", NotifyLog)
	v.SetDefault("KAFKA_TOPIC", "bloodbank.notifications")
	v.SetDefault("STALE_SWEEP_INTERVAL", "15m")
	v.SetDefault("EXPIRY_SWEEP_INTERVAL", "5m")
	v.SetDefault("REMINDER_SWEEP_INTERVAL", "5m")
	v.SetDefault("RECONCILE_INTERVAL", "1h")
	v.SetDefault("SWEEP_LOCK_TTL", "2m")

	// Bind env vars explicitly so Unmarshal picks them up
	for _, k := range keys {
		_ = v.BindEnv(k)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.CORSOrigins = splitList(cfg.CORSOrigins)
	cfg.KafkaBrokers = splitList(cfg.KafkaBrokers)

	if cfg.Storage == StoragePostgres && cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	return cfg, nil
}

// splitList accepts both "a,b" and ["a", "b"] forms.
func splitList(in []string) []string {
	var out []string
	for _, item := range in {
		for _, part := range strings.Split(item, ",") {
			if p := strings.TrimSpace(part); p != "" {
				out = append(out, p)
			}
		}
	}
	return out
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Validate checks that the configuration is safe to run. Outside development
// both signing keys must be set so that real JWT authentication is enforced
// and check-in payloads cannot be forged.
func (c *Config) Validate() error {
	if c.Storage != StoragePostgres && c.Storage != StorageMemory {
		return fmt.Errorf("STORAGE must be %q or %q, got %q", StoragePostgres, StorageMemory, c.Storage)
	}
	if !c.IsDev() {
		if len(c.AuthSigningKey) < 32 {
			return fmt.Errorf("AUTH_SIGNING_KEY must be at least 32 bytes outside development")
		}
		if len(c.CheckInSigningKey) < 32 {
			return fmt.Errorf("CHECKIN_SIGNING_KEY must be at least 32 bytes outside development")
		}
		if c.Storage == StorageMemory {
			return fmt.Errorf("STORAGE=memory is only allowed in development")
		}
	}

	switch c.NotifyDriver {
	case NotifyLog:
	case NotifyKafka:
		if len(c.KafkaBrokers) == 0 {
			return fmt.Errorf("KAFKA_BROKERS is required when NOTIFY_DRIVER is %q", NotifyKafka)
		}
	case NotifyWebhook:
		if c.NotifyWebhookURL == "" {
			return fmt.Errorf("NOTIFY_WEBHOOK_URL is required when NOTIFY_DRIVER is %q", NotifyWebhook)
		}
	default:
		return fmt.Errorf("NOTIFY_DRIVER must be %q, %q or %q, got %q", NotifyLog, NotifyKafka, NotifyWebhook, c.NotifyDriver)
	}

	for name, d := range map[string]time.Duration{
		"STALE_SWEEP_INTERVAL":    c.StaleSweepInterval,
		"EXPIRY_SWEEP_INTERVAL":   c.ExpirySweepInterval,
		"REMINDER_SWEEP_INTERVAL": c.ReminderSweepInterval,
		"RECONCILE_INTERVAL":      c.ReconcileInterval,
	} {
		if d < 0 {
			return fmt.Errorf("%s must not be negative", name)
		}
	}
	return nil
}

// DevSigningKey is used for both signers when ENV=development leaves them unset.
const DevSigningKey = "development-only-signing-key-do-not-use"

// AuthKey returns the access-token signing key.
func (c *Config) AuthKey() []byte {
	if c.AuthSigningKey == "" && c.IsDev() {
		return []byte(DevSigningKey)
	}
	return []byte(c.AuthSigningKey)
}

// CheckInKey returns the check-in payload signing key.
func (c *Config) CheckInKey() []byte {
	if c.CheckInSigningKey == "" && c.IsDev() {
		return []byte(DevSigningKey + "-checkin")
	}
	return []byte(c.CheckInSigningKey)
}
