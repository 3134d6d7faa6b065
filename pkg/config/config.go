package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// EnvPrefix is empty because every field names its variable explicitly.
const EnvPrefix = ""

const (
	AppEnvDev  = "dev"
	AppEnvProd = "prod"
)

type Config struct {
	App          AppConfig
	DB           DBConfig
	Redis        RedisConfig
	Stripe       StripeConfig
	Billing      BillingConfig
	Credentials  CredentialsConfig
	FeatureFlags FeatureFlagsConfig
}

func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if cfg.DB.DSN == "" {
		return nil, fmt.Errorf("PERCEPTRA_DB_DSN is required")
	}
	if err := cfg.Billing.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

type AppConfig struct {
	Env          string `envconfig:"PERCEPTRA_APP_ENV" required:"true"`
	Port         string `envconfig:"PERCEPTRA_APP_PORT" default:"8080"`
	LogLevel     string `envconfig:"PERCEPTRA_LOG_LEVEL" default:"info"`
	LogWarnStack bool   `envconfig:"PERCEPTRA_LOG_WARN_STACK" default:"false"`
}

func (a AppConfig) IsDev() bool {
	return strings.EqualFold(a.Env, AppEnvDev)
}

func (a AppConfig) IsProd() bool {
	return strings.EqualFold(a.Env, AppEnvProd)
}

type DBConfig struct {
	DSN             string        `envconfig:"PERCEPTRA_DB_DSN"`
	MaxOpenConns    int           `envconfig:"PERCEPTRA_DB_MAX_OPEN_CONNS" default:"20"`
	MaxIdleConns    int           `envconfig:"PERCEPTRA_DB_MAX_IDLE_CONNS" default:"10"`
	ConnMaxLifetime time.Duration `envconfig:"PERCEPTRA_DB_CONN_MAX_LIFETIME" default:"1h"`
	ConnMaxIdleTime time.Duration `envconfig:"PERCEPTRA_DB_CONN_MAX_IDLE_TIME" default:"10m"`
}

type RedisConfig struct {
	URL          string        `envconfig:"PERCEPTRA_REDIS_URL"`
	Address      string        `envconfig:"PERCEPTRA_REDIS_ADDR"`
	Password     string        `envconfig:"PERCEPTRA_REDIS_PASSWORD"`
	DB           int           `envconfig:"PERCEPTRA_REDIS_DB" default:"0"`
	PoolSize     int           `envconfig:"PERCEPTRA_REDIS_POOL_SIZE" default:"10"`
	MinIdleConns int           `envconfig:"PERCEPTRA_REDIS_MIN_IDLE_CONNS" default:"2"`
	DialTimeout  time.Duration `envconfig:"PERCEPTRA_REDIS_DIAL_TIMEOUT" default:"5s"`
	ReadTimeout  time.Duration `envconfig:"PERCEPTRA_REDIS_READ_TIMEOUT" default:"5s"`
	WriteTimeout time.Duration `envconfig:"PERCEPTRA_REDIS_WRITE_TIMEOUT" default:"5s"`
}

type StripeConfig struct {
	APIKey string `envconfig:"PERCEPTRA_STRIPE_API_KEY"`
	Secret string `envconfig:"PERCEPTRA_STRIPE_WEBHOOK_SECRET"`
	Env    string `envconfig:"PERCEPTRA_STRIPE_ENV" default:"test"`
}

// Environment returns the normalized Stripe environment (test/live).
func (s StripeConfig) Environment() string {
	env := strings.TrimSpace(strings.ToLower(s.Env))
	if env == "" {
		return "test"
	}
	return env
}

type BillingConfig struct {
	// PlatformFeePercent scales BYOK charges so the platform recoups a
	// percentage instead of the raw compute cost.
	PlatformFeePercent  int           `envconfig:"PERCEPTRA_BILLING_PLATFORM_FEE_PERCENT" default:"10"`
	FreeQuotaPerDay     int64         `envconfig:"PERCEPTRA_BILLING_FREE_QUOTA_PER_DAY" default:"50"`
	FreeQuotaTimeout    time.Duration `envconfig:"PERCEPTRA_BILLING_FREE_QUOTA_TIMEOUT" default:"2s"`
	Currency            string        `envconfig:"PERCEPTRA_BILLING_CURRENCY" default:"usd"`
	GatewayCallTimeout  time.Duration `envconfig:"PERCEPTRA_BILLING_GATEWAY_TIMEOUT" default:"15s"`
	BillingDrainTimeout time.Duration `envconfig:"PERCEPTRA_BILLING_DRAIN_TIMEOUT" default:"30s"`
}

func (b BillingConfig) validate() error {
	if b.PlatformFeePercent < 0 || b.PlatformFeePercent > 100 {
		return fmt.Errorf("platform fee percent must be within [0,100], got %d", b.PlatformFeePercent)
	}
	if b.FreeQuotaPerDay < 0 {
		return fmt.Errorf("free quota per day must be non-negative, got %d", b.FreeQuotaPerDay)
	}
	return nil
}

type CredentialsConfig struct {
	// EncryptionKey is the base64 key used to seal credential secrets at rest.
	EncryptionKey  string        `envconfig:"PERCEPTRA_CREDENTIAL_ENCRYPTION_KEY"`
	HealthCacheTTL time.Duration `envconfig:"PERCEPTRA_CREDENTIAL_HEALTH_TTL" default:"24h"`
}

type FeatureFlagsConfig struct {
	AutoMigrate bool `envconfig:"PERCEPTRA_AUTO_MIGRATE" default:"false"`
}
