package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

const (
	StoragePostgres = "postgres"
	StorageMemory   = "memory"

	ExportStoreNone   = "none"
	ExportStoreMemory = "memory"
	ExportStoreMinio  = "minio"
)

type Config struct {
	Port                string        `mapstructure:"PORT"`
	Env                 string        `mapstructure:"ENV"`
	Storage             string        `mapstructure:"STORAGE"`
	DatabaseURL         string        `mapstructure:"DATABASE_URL"`
	DBMaxConns          int32         `mapstructure:"DB_MAX_CONNS"`
	DBMinConns          int32         `mapstructure:"DB_MIN_CONNS"`
	DBSchema            string        `mapstructure:"DB_SCHEMA"`
	RedisURL            string        `mapstructure:"REDIS_URL"`
	AMQPURL             string        `mapstructure:"AMQP_URL"`
	AMQPExchange        string        `mapstructure:"AMQP_EXCHANGE"`
	CORSOrigins         []string      `mapstructure:"CORS_ORIGINS"`
	RateLimitRPS        float64       `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst      int           `mapstructure:"RATE_LIMIT_BURST"`
	ClinicTimezone      string        `mapstructure:"CLINIC_TIMEZONE"`
	PartialPaymentRatio string        `mapstructure:"PARTIAL_PAYMENT_RATIO"`
	BookingLockTTL      time.Duration `mapstructure:"BOOKING_LOCK_TTL"`
	SeedFile            string        `mapstructure:"SEED_FILE"`
	WebhookURL          string        `mapstructure:"WEBHOOK_URL"`
	WebhookSecret       string        `mapstructure:"WEBHOOK_SECRET"`
	WebhookEvents       []string      `mapstructure:"WEBHOOK_EVENTS"`
	ExportStore         string        `mapstructure:"EXPORT_STORE"`
	MinioEndpoint       string        `mapstructure:"MINIO_ENDPOINT"`
	MinioAccessKey      string        `mapstructure:"MINIO_ACCESS_KEY"`
	MinioSecretKey      string        `mapstructure:"MINIO_SECRET_KEY"`
	MinioBucket         string        `mapstructure:"MINIO_BUCKET"`
	MinioUseSSL         bool          `mapstructure:"MINIO_USE_SSL"`
}

var boundKeys = []string{
	"PORT",
	"ENV",
	"STORAGE",
	"DATABASE_URL",
	"DB_MAX_CONNS",
	"DB_MIN_CONNS",
	"DB_SCHEMA",
	"REDIS_URL",
	"AMQP_URL",
	"AMQP_EXCHANGE",
	"CORS_ORIGINS",
	"RATE_LIMIT_RPS",
	"RATE_LIMIT_BURST",
	"CLINIC_TIMEZONE",
	"PARTIAL_PAYMENT_RATIO",
	"BOOKING_LOCK_TTL",
	"SEED_FILE",
	"WEBHOOK_URL",
	"WEBHOOK_SECRET",
	"WEBHOOK_EVENTS",
	"EXPORT_STORE",
	"MINIO_ENDPOINT",
	"MINIO_ACCESS_KEY",
	"MINIO_SECRET_KEY",
	"MINIO_BUCKET",
	"MINIO_USE_SSL",
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("STORAGE", StoragePostgres)
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("DB_SCHEMA", "public")
	v.SetDefault("AMQP_EXCHANGE", "clinic.appointments")
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("RATE_LIMIT_RPS", 100)
	v.SetDefault("RATE_LIMIT_BURST", 200)
	v.SetDefault("CLINIC_TIMEZONE", "UTC")
	v.SetDefault("PARTIAL_PAYMENT_RATIO", "0.5")
	v.SetDefault("BOOKING_LOCK_TTL", "5s")
	v.SetDefault("WEBHOOK_EVENTS", "*")
	v.SetDefault("EXPORT_STORE", ExportStoreNone)
	v.SetDefault("MINIO_BUCKET", "clinic-exports")
	v.SetDefault("MINIO_USE_SSL", false)

	// Bind env vars explicitly so Unmarshal picks them up
	for _, key := range boundKeys {
		v.BindEnv(key)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.CORSOrigins == nil {
		origins := v.GetString("CORS_ORIGINS")
		if origins != "" {
			cfg.CORSOrigins = strings.Split(origins, ",")
		}
	}
	if len(cfg.WebhookEvents) == 1 && strings.Contains(cfg.WebhookEvents[0], ",") {
		cfg.WebhookEvents = strings.Split(cfg.WebhookEvents[0], ",")
	}

	if cfg.Storage == StoragePostgres && cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required when STORAGE=%s", StoragePostgres)
	}

	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Location returns the clinic time zone used to decide what "today" and
// "now" mean for slot filtering and walk-ins.
func (c *Config) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(c.ClinicTimezone)
	if err != nil {
		return nil, fmt.Errorf("CLINIC_TIMEZONE %q: %w", c.ClinicTimezone, err)
	}
	return loc, nil
}

// PartialRatio returns the share of the price counted as collected for a
// partially paid appointment.
func (c *Config) PartialRatio() (decimal.Decimal, error) {
	r, err := decimal.NewFromString(c.PartialPaymentRatio)
	if err != nil {
		return decimal.Zero, fmt.Errorf("PARTIAL_PAYMENT_RATIO is not a number: %w", err)
	}
	if !r.IsPositive() || r.GreaterThan(decimal.NewFromInt(1)) {
		return decimal.Zero, fmt.Errorf("PARTIAL_PAYMENT_RATIO must be in (0, 1], got %s", r)
	}
	return r, nil
}

// Validate checks that the configuration is safe to run.
func (c *Config) Validate() error {
	if c.Storage != StoragePostgres && c.Storage != StorageMemory {
		return fmt.Errorf("STORAGE must be %q or %q, got %q", StoragePostgres, StorageMemory, c.Storage)
	}
	if c.IsProduction() && c.Storage == StorageMemory {
		return fmt.Errorf("STORAGE=%s is not allowed in production", StorageMemory)
	}
	if c.DBMinConns > c.DBMaxConns {
		return fmt.Errorf("DB_MIN_CONNS (%d) must not exceed DB_MAX_CONNS (%d)", c.DBMinConns, c.DBMaxConns)
	}
	if c.RateLimitRPS <= 0 || c.RateLimitBurst <= 0 {
		return fmt.Errorf("RATE_LIMIT_RPS and RATE_LIMIT_BURST must be positive")
	}
	if c.BookingLockTTL <= 0 {
		return fmt.Errorf("BOOKING_LOCK_TTL must be positive, got %s", c.BookingLockTTL)
	}
	if _, err := c.Location(); err != nil {
		return err
	}
	if _, err := c.PartialRatio(); err != nil {
		return err
	}
	if c.WebhookURL != "" && c.WebhookSecret == "" {
		return fmt.Errorf("WEBHOOK_SECRET is required when WEBHOOK_URL is set")
	}
	if c.SeedFile != "" && c.Storage != StorageMemory {
		return fmt.Errorf("SEED_FILE is only read with STORAGE=%s", StorageMemory)
	}
	switch c.ExportStore {
	case "", ExportStoreNone, ExportStoreMemory:
	case ExportStoreMinio:
		if c.MinioEndpoint == "" || c.MinioBucket == "" {
			return fmt.Errorf("MINIO_ENDPOINT and MINIO_BUCKET are required when EXPORT_STORE=%s", ExportStoreMinio)
		}
	default:
		return fmt.Errorf("EXPORT_STORE must be one of none, memory, minio; got %q", c.ExportStore)
	}
	return nil
}
