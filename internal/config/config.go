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

	"github.com/spf13/viper"
)

// Config holds all the configuration variables for the claims-service.
// These values are loaded from environment variables.
type Config struct {
	ServerPort           string `mapstructure:"SERVER_PORT"`
	DatabaseURL          string `mapstructure:"DATABASE_URL"`
	RedisURL             string `mapstructure:"REDIS_URL"`
	RedisRateLimitPrefix string `mapstructure:"REDIS_RATE_LIMIT_PREFIX"`
	RabbitMQURL          string `mapstructure:"RABBITMQ_URL"`
	WalletJWKSURL        string `mapstructure:"WALLET_JWKS_URL"`
	InternalAPIKey       string `mapstructure:"INTERNAL_API_KEY"`

	ChainRPCURL        string `mapstructure:"CHAIN_RPC_URL"`
	ChainRPCAPIKey     string `mapstructure:"CHAIN_RPC_API_KEY"`
	TreasuryAddress    string `mapstructure:"TREASURY_ADDRESS"`
	TreasurySigningKey string `mapstructure:"TREASURY_SIGNING_KEY"` // hex-encoded ed25519 seed

	ClaimToken      string `mapstructure:"CLAIM_TOKEN"`
	MinPayoutAmount int64  `mapstructure:"MIN_PAYOUT_AMOUNT"`
	UserDailyCap    int64  `mapstructure:"USER_DAILY_CAP"`
	GlobalDailyCap  int64  `mapstructure:"GLOBAL_DAILY_CAP"`

	ClaimRateLimitPerMinute int `mapstructure:"CLAIM_RATE_LIMIT_PER_MINUTE"`
	ClaimRateLimitPerDay    int `mapstructure:"CLAIM_RATE_LIMIT_PER_DAY"`

	WorkerEnabled            bool   `mapstructure:"WORKER_ENABLED"`
	WorkerConcurrency        int    `mapstructure:"WORKER_CONCURRENCY"`
	WorkerPollIntervalMs     int    `mapstructure:"WORKER_POLL_INTERVAL_MS"`
	CapDeferIntervalMs       int    `mapstructure:"CAP_DEFER_INTERVAL_MS"`
	MinConfirmations         int    `mapstructure:"MIN_CONFIRMATIONS"`
	MaxPayoutAttempts        int    `mapstructure:"MAX_PAYOUT_ATTEMPTS"`
	DisbursementTimeoutSec   int    `mapstructure:"DISBURSEMENT_TIMEOUT_SEC"`
	StaleLeaseAgeMinutes     int    `mapstructure:"STALE_LEASE_AGE_MINUTES"`
	StaleLeaseReaperSchedule string `mapstructure:"STALE_LEASE_REAPER_SCHEDULE"`
	ShutdownTimeoutSec       int    `mapstructure:"SHUTDOWN_TIMEOUT_SEC"`
}

// LoadConfig reads configuration from environment variables from the given path.
// It uses Viper to automatically bind environment variables to the Config struct.
func LoadConfig(path string) (config Config, err error) {
	// Tell viper the path to look for the optional .env file.
	viper.AddConfigPath(path)
	viper.SetConfigName(".env")
	viper.SetConfigType("env")

	// Enable automatic binding of environment variables.
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Set default values
	viper.SetDefault("SERVER_PORT", "8080")
	viper.SetDefault("REDIS_RATE_LIMIT_PREFIX", "chainquest:rate_limit")
	viper.SetDefault("CLAIM_TOKEN", "CQT")
	viper.SetDefault("MIN_PAYOUT_AMOUNT", 10000)
	viper.SetDefault("USER_DAILY_CAP", 5000000)
	viper.SetDefault("GLOBAL_DAILY_CAP", 10000000000)
	viper.SetDefault("CLAIM_RATE_LIMIT_PER_MINUTE", 1)
	viper.SetDefault("CLAIM_RATE_LIMIT_PER_DAY", 10)
	viper.SetDefault("WORKER_ENABLED", true)
	viper.SetDefault("WORKER_CONCURRENCY", 4)
	viper.SetDefault("WORKER_POLL_INTERVAL_MS", 5000)
	viper.SetDefault("CAP_DEFER_INTERVAL_MS", 60000)
	viper.SetDefault("MIN_CONFIRMATIONS", 2)
	viper.SetDefault("MAX_PAYOUT_ATTEMPTS", 5)
	viper.SetDefault("DISBURSEMENT_TIMEOUT_SEC", 300)
	viper.SetDefault("STALE_LEASE_AGE_MINUTES", 15)
	viper.SetDefault("STALE_LEASE_REAPER_SCHEDULE", "@every 1m")
	viper.SetDefault("SHUTDOWN_TIMEOUT_SEC", 30)

	// Bind environment variables explicitly to ensure they appear in Unmarshal
	_ = viper.BindEnv("SERVER_PORT")
	_ = viper.BindEnv("PORT")
	_ = viper.BindEnv("DATABASE_URL")
	_ = viper.BindEnv("REDIS_URL", "REDIS_URL", "CLAIMS_REDIS_URL")
	_ = viper.BindEnv("REDIS_RATE_LIMIT_PREFIX")
	_ = viper.BindEnv("RABBITMQ_URL")
	_ = viper.BindEnv("WALLET_JWKS_URL")
	_ = viper.BindEnv("INTERNAL_API_KEY", "INTERNAL_API_KEY", "CLAIMS_SERVICE_INTERNAL_API_KEY")
	_ = viper.BindEnv("CHAIN_RPC_URL")
	_ = viper.BindEnv("CHAIN_RPC_API_KEY")
	_ = viper.BindEnv("TREASURY_ADDRESS")
	_ = viper.BindEnv("TREASURY_SIGNING_KEY")
	_ = viper.BindEnv("CLAIM_TOKEN")
	_ = viper.BindEnv("MIN_PAYOUT_AMOUNT")
	_ = viper.BindEnv("USER_DAILY_CAP")
	_ = viper.BindEnv("GLOBAL_DAILY_CAP")
	_ = viper.BindEnv("CLAIM_RATE_LIMIT_PER_MINUTE")
	_ = viper.BindEnv("CLAIM_RATE_LIMIT_PER_DAY")
	_ = viper.BindEnv("WORKER_ENABLED")
	_ = viper.BindEnv("WORKER_CONCURRENCY")
	_ = viper.BindEnv("WORKER_POLL_INTERVAL_MS")
	_ = viper.BindEnv("CAP_DEFER_INTERVAL_MS")
	_ = viper.BindEnv("MIN_CONFIRMATIONS")
	_ = viper.BindEnv("MAX_PAYOUT_ATTEMPTS")
	_ = viper.BindEnv("DISBURSEMENT_TIMEOUT_SEC")
	_ = viper.BindEnv("STALE_LEASE_AGE_MINUTES")
	_ = viper.BindEnv("STALE_LEASE_REAPER_SCHEDULE")
	_ = viper.BindEnv("SHUTDOWN_TIMEOUT_SEC")

	// Attempt to read the config file. It's okay if it doesn't exist.
	if err = viper.ReadInConfig(); err != nil {
		// If the config file is not found, we can ignore the error.
		// For other errors, we should return them.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			log.Printf("level=warn component=config msg=\"failed to read config file; using environment values\" err=%v", err)
		}
	}

	// Unmarshal the configuration into the Config struct.
	err = viper.Unmarshal(&config)
	if err != nil {
		return
	}

	if port := strings.TrimSpace(os.Getenv("PORT")); port != "" {
		config.ServerPort = port
	}
	if strings.TrimSpace(config.InternalAPIKey) == "" {
		config.InternalAPIKey = strings.TrimSpace(os.Getenv("CLAIMS_SERVICE_INTERNAL_API_KEY"))
	}
	config.RedisURL = strings.TrimSpace(config.RedisURL)
	config.RedisRateLimitPrefix = strings.TrimSpace(config.RedisRateLimitPrefix)
	if config.RedisRateLimitPrefix == "" {
		config.RedisRateLimitPrefix = "chainquest:rate_limit"
	}
	config.ClaimToken = strings.TrimSpace(config.ClaimToken)
	if config.ClaimToken == "" {
		config.ClaimToken = "CQT"
	}

	if config.MinPayoutAmount < 0 {
		log.Printf("level=warn component=config msg=\"negative minimum payout configured; coercing to zero\" min_payout=%d", config.MinPayoutAmount)
		config.MinPayoutAmount = 0
	}
	if config.UserDailyCap <= 0 {
		log.Printf("level=warn component=config msg=\"non-positive user daily cap configured; using default\" user_daily_cap=%d", config.UserDailyCap)
		config.UserDailyCap = 5000000
	}
	if config.GlobalDailyCap <= 0 {
		log.Printf("level=warn component=config msg=\"non-positive global daily cap configured; using default\" global_daily_cap=%d", config.GlobalDailyCap)
		config.GlobalDailyCap = 10000000000
	}
	if config.ClaimRateLimitPerMinute <= 0 {
		config.ClaimRateLimitPerMinute = 1
	}
	if config.ClaimRateLimitPerDay <= 0 {
		config.ClaimRateLimitPerDay = 10
	}
	if config.WorkerConcurrency <= 0 {
		config.WorkerConcurrency = 4
	}
	if config.WorkerPollIntervalMs <= 0 {
		config.WorkerPollIntervalMs = 5000
	}
	if config.CapDeferIntervalMs <= 0 {
		config.CapDeferIntervalMs = 60000
	}
	if config.MinConfirmations <= 0 {
		config.MinConfirmations = 2
	}
	if config.MaxPayoutAttempts <= 0 {
		config.MaxPayoutAttempts = 5
	}
	if config.DisbursementTimeoutSec <= 0 {
		config.DisbursementTimeoutSec = 300
	}
	if config.StaleLeaseAgeMinutes <= 0 {
		config.StaleLeaseAgeMinutes = 15
	}
	if strings.TrimSpace(config.StaleLeaseReaperSchedule) == "" {
		config.StaleLeaseReaperSchedule = "@every 1m"
	}
	if config.ShutdownTimeoutSec <= 0 {
		config.ShutdownTimeoutSec = 30
	}

	return
}
