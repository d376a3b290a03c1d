/**
 * @description
 * This package handles the configuration management for the service. It uses the
 * Viper library to read configuration from environment variables, providing a
 * centralized and straightforward way to manage application settings.
 *
 * @dependencies
 * - github.com/spf13/viper: A popular library for Go application configuration.
 */

package config

import (
	"log"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/transfa/session-service/internal/domain"
)

// Config holds all the configuration variables for the session-service.
// These values are loaded from environment variables.
type Config struct {
	ServerPort                  string `mapstructure:"SERVER_PORT"`
	DatabaseURL                 string `mapstructure:"DATABASE_URL"`
	RedisURL                    string `mapstructure:"REDIS_URL"`
	RedisKeyPrefix              string `mapstructure:"REDIS_KEY_PREFIX"`
	RabbitMQURL                 string `mapstructure:"RABBITMQ_URL"`
	IdentityEventQueue          string `mapstructure:"IDENTITY_EVENT_QUEUE"`
	ClerkJWKSURL                string `mapstructure:"CLERK_JWKS_URL"`
	IdentityServiceURL          string `mapstructure:"IDENTITY_SERVICE_URL"`
	InternalAPIKey              string `mapstructure:"INTERNAL_API_KEY"`
	CORSAllowedOrigins          string `mapstructure:"CORS_ALLOWED_ORIGINS"`
	LogoutTimeoutMs             int64  `mapstructure:"LOGOUT_TIMEOUT_MS"`
	PinTimeoutMs                int64  `mapstructure:"PIN_TIMEOUT_MS"`
	WarningLeadMs               int64  `mapstructure:"WARNING_LEAD_MS"`
	MaxPinAttempts              int    `mapstructure:"MAX_PIN_ATTEMPTS"`
	LockoutDurationMs           int64  `mapstructure:"LOCKOUT_DURATION_MS"`
	ActivityDebounceMs          int64  `mapstructure:"ACTIVITY_DEBOUNCE_MS"`
	SignOutCooldownMs           int64  `mapstructure:"SIGN_OUT_COOLDOWN_MS"`
	ConfigWriteDebounceMs       int64  `mapstructure:"CONFIG_WRITE_DEBOUNCE_MS"`
	PinHashIterations           int    `mapstructure:"PIN_HASH_ITERATIONS"`
	PinVerifyRateLimitPerMinute int    `mapstructure:"PIN_VERIFY_RATE_LIMIT_PER_MINUTE"`
	TabIdleTTLSeconds           int    `mapstructure:"TAB_IDLE_TTL_SECONDS"`
	TabReapSchedule             string `mapstructure:"TAB_REAP_SCHEDULE"`
}

const (
	defaultRedisKeyPrefix     = "transfa:session"
	defaultIdentityEventQueue = "session_service.identity_events"
	defaultLogoutTimeoutMs    = 15 * 60 * 1000
	defaultPinTimeoutMs       = 5 * 60 * 1000
	defaultWarningLeadMs      = 60 * 1000
	defaultMaxPinAttempts     = 5
	defaultLockoutDurationMs  = 15 * 60 * 1000
	defaultActivityDebounceMs = 500
	defaultSignOutCooldownMs  = 2000
	defaultWriteDebounceMs    = 1000
	defaultPinHashIterations  = 310000
	defaultPinVerifyPerMinute = 20
	defaultTabIdleTTLSeconds  = 3600
	defaultTabReapSchedule    = "@every 1m"
)

// LoadConfig reads configuration from environment variables from the given path.
// It uses Viper to automatically bind environment variables to the Config struct.
func LoadConfig(path string) (config Config, err error) {
	// Tell viper the path to look for the optional .env file.
	viper.AddConfigPath(path)
	viper.SetConfigName(".env")
	viper.SetConfigType("env")

	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	viper.SetDefault("SERVER_PORT", "8080")
	viper.SetDefault("REDIS_KEY_PREFIX", defaultRedisKeyPrefix)
	viper.SetDefault("IDENTITY_EVENT_QUEUE", defaultIdentityEventQueue)
	viper.SetDefault("CORS_ALLOWED_ORIGINS", "*")
	viper.SetDefault("LOGOUT_TIMEOUT_MS", defaultLogoutTimeoutMs)
	viper.SetDefault("PIN_TIMEOUT_MS", defaultPinTimeoutMs)
	viper.SetDefault("WARNING_LEAD_MS", defaultWarningLeadMs)
	viper.SetDefault("MAX_PIN_ATTEMPTS", defaultMaxPinAttempts)
	viper.SetDefault("LOCKOUT_DURATION_MS", defaultLockoutDurationMs)
	viper.SetDefault("ACTIVITY_DEBOUNCE_MS", defaultActivityDebounceMs)
	viper.SetDefault("SIGN_OUT_COOLDOWN_MS", defaultSignOutCooldownMs)
	viper.SetDefault("CONFIG_WRITE_DEBOUNCE_MS", defaultWriteDebounceMs)
	viper.SetDefault("PIN_HASH_ITERATIONS", defaultPinHashIterations)
	viper.SetDefault("PIN_VERIFY_RATE_LIMIT_PER_MINUTE", defaultPinVerifyPerMinute)
	viper.SetDefault("TAB_IDLE_TTL_SECONDS", defaultTabIdleTTLSeconds)
	viper.SetDefault("TAB_REAP_SCHEDULE", defaultTabReapSchedule)

	// Bind environment variables explicitly to ensure they appear in Unmarshal
	_ = viper.BindEnv("SERVER_PORT")
	_ = viper.BindEnv("PORT")
	_ = viper.BindEnv("DATABASE_URL")
	_ = viper.BindEnv("REDIS_URL", "REDIS_URL", "SESSION_REDIS_URL")
	_ = viper.BindEnv("REDIS_KEY_PREFIX")
	_ = viper.BindEnv("RABBITMQ_URL")
	_ = viper.BindEnv("IDENTITY_EVENT_QUEUE")
	_ = viper.BindEnv("CLERK_JWKS_URL")
	_ = viper.BindEnv("IDENTITY_SERVICE_URL")
	_ = viper.BindEnv("INTERNAL_API_KEY", "INTERNAL_API_KEY", "SESSION_SERVICE_INTERNAL_API_KEY")
	_ = viper.BindEnv("CORS_ALLOWED_ORIGINS")
	_ = viper.BindEnv("LOGOUT_TIMEOUT_MS")
	_ = viper.BindEnv("PIN_TIMEOUT_MS")
	_ = viper.BindEnv("WARNING_LEAD_MS")
	_ = viper.BindEnv("MAX_PIN_ATTEMPTS")
	_ = viper.BindEnv("LOCKOUT_DURATION_MS")
	_ = viper.BindEnv("ACTIVITY_DEBOUNCE_MS")
	_ = viper.BindEnv("SIGN_OUT_COOLDOWN_MS")
	_ = viper.BindEnv("CONFIG_WRITE_DEBOUNCE_MS")
	_ = viper.BindEnv("PIN_HASH_ITERATIONS")
	_ = viper.BindEnv("PIN_VERIFY_RATE_LIMIT_PER_MINUTE")
	_ = viper.BindEnv("TAB_IDLE_TTL_SECONDS")
	_ = viper.BindEnv("TAB_REAP_SCHEDULE")

	// Attempt to read the config file. It's okay if it doesn't exist.
	if err = viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			log.Printf("level=warn component=config msg=\"failed to read config file; using environment values\" err=%v", err)
		}
	}

	err = viper.Unmarshal(&config)
	if err != nil {
		return
	}

	if port := strings.TrimSpace(os.Getenv("PORT")); port != "" {
		config.ServerPort = port
	}
	if strings.TrimSpace(config.InternalAPIKey) == "" {
		config.InternalAPIKey = strings.TrimSpace(os.Getenv("SESSION_SERVICE_INTERNAL_API_KEY"))
	}
	config.RedisURL = strings.TrimSpace(config.RedisURL)
	config.RedisKeyPrefix = strings.TrimSpace(config.RedisKeyPrefix)
	if config.RedisKeyPrefix == "" {
		config.RedisKeyPrefix = defaultRedisKeyPrefix
	}
	config.IdentityServiceURL = strings.TrimRight(strings.TrimSpace(config.IdentityServiceURL), "/")
	if strings.TrimSpace(config.IdentityEventQueue) == "" {
		config.IdentityEventQueue = defaultIdentityEventQueue
	}

	// Zero disables the idle logout and the PIN auto-lock; only negatives are invalid.
	if config.LogoutTimeoutMs < 0 {
		log.Printf("level=warn component=config msg=\"negative logout timeout configured; disabling\" value=%d", config.LogoutTimeoutMs)
		config.LogoutTimeoutMs = 0
	}
	if config.PinTimeoutMs < 0 {
		log.Printf("level=warn component=config msg=\"negative pin timeout configured; disabling\" value=%d", config.PinTimeoutMs)
		config.PinTimeoutMs = 0
	}

	if config.WarningLeadMs <= 0 {
		config.WarningLeadMs = defaultWarningLeadMs
	}
	if config.MaxPinAttempts <= 0 {
		config.MaxPinAttempts = defaultMaxPinAttempts
	}
	if config.LockoutDurationMs <= 0 {
		config.LockoutDurationMs = defaultLockoutDurationMs
	}
	if config.ActivityDebounceMs <= 0 {
		config.ActivityDebounceMs = defaultActivityDebounceMs
	}
	if config.SignOutCooldownMs <= 0 {
		config.SignOutCooldownMs = defaultSignOutCooldownMs
	}
	if config.ConfigWriteDebounceMs <= 0 {
		config.ConfigWriteDebounceMs = defaultWriteDebounceMs
	}
	if config.PinHashIterations < 1000 {
		log.Printf("level=warn component=config msg=\"pin hash iterations too low; using default\" value=%d", config.PinHashIterations)
		config.PinHashIterations = defaultPinHashIterations
	}
	if config.PinVerifyRateLimitPerMinute <= 0 {
		config.PinVerifyRateLimitPerMinute = defaultPinVerifyPerMinute
	}
	if config.TabIdleTTLSeconds <= 0 {
		config.TabIdleTTLSeconds = defaultTabIdleTTLSeconds
	}
	if strings.TrimSpace(config.TabReapSchedule) == "" {
		config.TabReapSchedule = defaultTabReapSchedule
	}

	return
}

// AllowedOrigins splits CORS_ALLOWED_ORIGINS on commas.
func (c Config) AllowedOrigins() []string {
	var origins []string
	for _, origin := range strings.Split(c.CORSAllowedOrigins, ",") {
		if origin = strings.TrimSpace(origin); origin != "" {
			origins = append(origins, origin)
		}
	}
	if len(origins) == 0 {
		return []string{"*"}
	}
	return origins
}

func ms(v int64) time.Duration { return domain.DurationFromMs(v) }

func (c Config) LogoutTimeout() time.Duration { return ms(c.LogoutTimeoutMs) }
func (c Config) PinTimeout() time.Duration { return ms(c.PinTimeoutMs) }
func (c Config) WarningLead() time.Duration { return ms(c.WarningLeadMs) }
func (c Config) LockoutDuration() time.Duration { return ms(c.LockoutDurationMs) }
func (c Config) ActivityDebounce() time.Duration { return ms(c.ActivityDebounceMs) }
func (c Config) SignOutCooldown() time.Duration { return ms(c.SignOutCooldownMs) }
func (c Config) ConfigWriteDebounce() time.Duration { return ms(c.ConfigWriteDebounceMs) }
func (c Config) TabIdleTTL() time.Duration { return time.Duration(c.TabIdleTTLSeconds) * time.Second }
