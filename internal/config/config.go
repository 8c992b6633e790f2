// Package config loads process configuration from the environment, after an
// optional .env file.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
	"github.com/joho/godotenv"
)

const productionEnv = "production"

// API configures the upstream authentication API.
type API struct {
	Port        string `env:"PORT" env-default:"8080"`
	AppEnv      string `env:"APP_ENV" env-default:"development"`
	SentryDSN   string `env:"SENTRY_DSN"`
	DatabaseURL string `env:"DATABASE_URL" env-required:"true"`
	JWTSecret   string `env:"JWT_SECRET" env-required:"true"`
	RedisURL    string `env:"REDIS_URL"`

	RunMigrations bool `env:"RUN_MIGRATIONS_ON_STARTUP" env-default:"true"`

	AdminEmail    string `env:"ADMIN_EMAIL"`
	AdminPassword string `env:"ADMIN_PASSWORD"`

	AccessTokenTTLMinutes int `env:"ACCESS_TOKEN_TTL_MINUTES" env-default:"60"`
	RefreshTokenTTLHours  int `env:"REFRESH_TOKEN_TTL_HOURS" env-default:"336"`
	LoginMaxAttempts      int `env:"LOGIN_MAX_ATTEMPTS" env-default:"5"`
	LoginLockMinutes      int `env:"LOGIN_LOCK_MINUTES" env-default:"15"`
	LoginRateLimitMax     int `env:"LOGIN_RATE_LIMIT_MAX" env-default:"10"`
	LoginRateLimitWindowS int `env:"LOGIN_RATE_LIMIT_WINDOW_SECONDS" env-default:"60"`

	DBMaxOpenConns           int `env:"DB_MAX_OPEN_CONNS" env-default:"10"`
	DBMaxIdleConns           int `env:"DB_MAX_IDLE_CONNS" env-default:"5"`
	DBConnMaxLifetimeMinutes int `env:"DB_CONN_MAX_LIFETIME_MINUTES" env-default:"30"`
	DBConnMaxIdleTimeMinutes int `env:"DB_CONN_MAX_IDLE_TIME_MINUTES" env-default:"10"`

	CronSecret                string `env:"CRON_SECRET"`
	RefreshTokenRetentionDays int    `env:"AUTH_REFRESH_TOKEN_RETENTION_DAYS" env-default:"14"`
	LoginAttemptRetentionDays int    `env:"AUTH_LOGIN_ATTEMPT_RETENTION_DAYS" env-default:"30"`
	CleanupBatchSize          int    `env:"AUTH_CLEANUP_BATCH_SIZE" env-default:"500"`
}

func (c API) AccessTTL() time.Duration {
	return minutes(c.AccessTokenTTLMinutes)
}

func (c API) RefreshTTL() time.Duration {
	return time.Duration(c.RefreshTokenTTLHours) * time.Hour
}

func (c API) LockDuration() time.Duration {
	return minutes(c.LoginLockMinutes)
}

func (c API) RateLimitWindow() time.Duration {
	return time.Duration(c.LoginRateLimitWindowS) * time.Second
}

func (c API) RefreshRetention() time.Duration {
	return days(c.RefreshTokenRetentionDays)
}

func (c API) AttemptRetention() time.Duration {
	return days(c.LoginAttemptRetentionDays)
}

// Web configures the storefront server that relays calls to the API.
type Web struct {
	Port           string `env:"PORT" env-default:"3000"`
	AppEnv         string `env:"APP_ENV" env-default:"development"`
	SentryDSN      string `env:"SENTRY_DSN"`
	UpstreamAPIURL string `env:"UPSTREAM_API_URL" env-default:"http://localhost:8080"`

	UpstreamTimeoutSeconds int `env:"UPSTREAM_TIMEOUT_SECONDS" env-default:"15"`
	RenewalTimeoutSeconds  int `env:"RENEWAL_TIMEOUT_SECONDS" env-default:"10"`
}

// SecureCookies is true only in production-like environments.
func (c Web) SecureCookies() bool {
	return strings.EqualFold(strings.TrimSpace(c.AppEnv), productionEnv)
}

func (c Web) UpstreamTimeout() time.Duration {
	return time.Duration(c.UpstreamTimeoutSeconds) * time.Second
}

func (c Web) RenewalTimeout() time.Duration {
	return time.Duration(c.RenewalTimeoutSeconds) * time.Second
}

// LoadAPI reads the API configuration. When dotenv is set, a .env file in
// the working directory is loaded first if present.
func LoadAPI(dotenv bool) (API, error) {
	var cfg API
	if err := load(dotenv, &cfg); err != nil {
		return API{}, err
	}
	return cfg, nil
}

func LoadWeb(dotenv bool) (Web, error) {
	var cfg Web
	if err := load(dotenv, &cfg); err != nil {
		return Web{}, err
	}
	return cfg, nil
}

func load(dotenv bool, cfg any) error {
	if dotenv {
		_ = godotenv.Load()
	}
	if err := cleanenv.ReadEnv(cfg); err != nil {
		return fmt.Errorf("read env config: %w", err)
	}
	return nil
}

func minutes(n int) time.Duration { return time.Duration(n) * time.Minute }
func days(n int) time.Duration { return time.Duration(n) * 24 * time.Hour }
