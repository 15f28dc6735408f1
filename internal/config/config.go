/**
 * @description
 * This package handles the configuration management for the service. It uses the
 * Viper library to read configuration from environment variables, providing a
 * centralized and straightforward way to manage application settings.
 *
 * Processing knobs (sweep interval, retry limit, transfer TTL) are re-read
 * from Viper on every access so they can change while the service runs.
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
)

// Config holds all the configuration variables for the transfer-service.
// These values are loaded from environment variables.
type Config struct {
	ServerPort  string `mapstructure:"SERVER_PORT"`
	DatabaseURL string `mapstructure:"DATABASE_URL"`
	RedisURL    string `mapstructure:"REDIS_URL"`
	RabbitMQURL string `mapstructure:"RABBITMQ_URL"`

	TransferEventExchange string `mapstructure:"TRANSFER_EVENT_EXCHANGE"`
	TransferEventQueue    string `mapstructure:"TRANSFER_EVENT_QUEUE"`

	LedgerServiceURL       string `mapstructure:"LEDGER_SERVICE_URL"`
	IdentityServiceURL     string `mapstructure:"IDENTITY_SERVICE_URL"`
	WalletServiceURL       string `mapstructure:"WALLET_SERVICE_URL"`
	VerificationServiceURL string `mapstructure:"VERIFICATION_SERVICE_URL"`
	InternalAPIKey         string `mapstructure:"INTERNAL_API_KEY"`

	BrokerID       string `mapstructure:"BROKER_ID"`
	BufferWalletID string `mapstructure:"BUFFER_WALLET_ID"`

	RedisInProgressPrefix    string `mapstructure:"REDIS_IN_PROGRESS_PREFIX"`
	RedisRateLimitPrefix     string `mapstructure:"REDIS_RATE_LIMIT_PREFIX"`
	InProgressCacheTTLHrs    int    `mapstructure:"IN_PROGRESS_CACHE_TTL_HOURS"`
	RequireVerification      bool   `mapstructure:"REQUIRE_VERIFICATION"`
	SweepParallelism         int    `mapstructure:"SWEEP_PARALLELISM"`
	SubmitRateLimitPerMinute int    `mapstructure:"SUBMIT_RATE_LIMIT_PER_MINUTE"`
}

// ProcessingSettings are the knobs the background processor consults on every
// tick. They are read live from Viper rather than captured at startup, so an
// operator can slow the loop down or raise the retry ceiling without a restart.
type ProcessingSettings struct {
	Interval       time.Duration
	MaxRetries     int
	TransferTTL    time.Duration
	SweepBatchSize int

	// WhitelistedPhones skips the approval gate for the listed destinations,
	// parsed from the comma-separated WHITELISTED_PHONES variable.
	WhitelistedPhones []string
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
	viper.SetDefault("TRANSFER_EVENT_EXCHANGE", "transfer_events")
	viper.SetDefault("TRANSFER_EVENT_QUEUE", "transfer_service.workflow_events")
	viper.SetDefault("BROKER_ID", "default-broker")
	viper.SetDefault("REDIS_IN_PROGRESS_PREFIX", "transfa:transfers_in_progress")
	viper.SetDefault("REDIS_RATE_LIMIT_PREFIX", "transfa:transfer_rate_limit")
	viper.SetDefault("SUBMIT_RATE_LIMIT_PER_MINUTE", 0)
	viper.SetDefault("IN_PROGRESS_CACHE_TTL_HOURS", 24)
	viper.SetDefault("REQUIRE_VERIFICATION", true)
	viper.SetDefault("SWEEP_PARALLELISM", 4)
	viper.SetDefault("PROCESS_INTERVAL_SECONDS", 5)
	viper.SetDefault("MAX_RETRIES", 10)
	viper.SetDefault("TRANSFER_TTL_HOURS", 48)
	viper.SetDefault("SWEEP_BATCH_SIZE", 100)

	// Bind environment variables explicitly to ensure they appear in Unmarshal
	_ = viper.BindEnv("SERVER_PORT")
	_ = viper.BindEnv("PORT")
	_ = viper.BindEnv("DATABASE_URL")
	_ = viper.BindEnv("REDIS_URL", "REDIS_URL", "TRANSFER_REDIS_URL")
	_ = viper.BindEnv("RABBITMQ_URL")
	_ = viper.BindEnv("TRANSFER_EVENT_EXCHANGE")
	_ = viper.BindEnv("TRANSFER_EVENT_QUEUE")
	_ = viper.BindEnv("LEDGER_SERVICE_URL")
	_ = viper.BindEnv("IDENTITY_SERVICE_URL")
	_ = viper.BindEnv("WALLET_SERVICE_URL")
	_ = viper.BindEnv("VERIFICATION_SERVICE_URL")
	_ = viper.BindEnv("INTERNAL_API_KEY", "INTERNAL_API_KEY", "TRANSFER_SERVICE_INTERNAL_API_KEY")
	_ = viper.BindEnv("BROKER_ID")
	_ = viper.BindEnv("BUFFER_WALLET_ID")
	_ = viper.BindEnv("REDIS_IN_PROGRESS_PREFIX")
	_ = viper.BindEnv("REDIS_RATE_LIMIT_PREFIX")
	_ = viper.BindEnv("SUBMIT_RATE_LIMIT_PER_MINUTE")
	_ = viper.BindEnv("IN_PROGRESS_CACHE_TTL_HOURS")
	_ = viper.BindEnv("REQUIRE_VERIFICATION")
	_ = viper.BindEnv("WHITELISTED_PHONES")
	_ = viper.BindEnv("SWEEP_PARALLELISM")
	_ = viper.BindEnv("PROCESS_INTERVAL_SECONDS")
	_ = viper.BindEnv("MAX_RETRIES")
	_ = viper.BindEnv("TRANSFER_TTL_HOURS")
	_ = viper.BindEnv("SWEEP_BATCH_SIZE")

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
		config.InternalAPIKey = strings.TrimSpace(os.Getenv("TRANSFER_SERVICE_INTERNAL_API_KEY"))
	}
	config.RedisURL = strings.TrimSpace(config.RedisURL)
	config.RedisInProgressPrefix = strings.TrimSpace(config.RedisInProgressPrefix)
	if config.RedisInProgressPrefix == "" {
		config.RedisInProgressPrefix = "transfa:transfers_in_progress"
	}
	if config.InProgressCacheTTLHrs <= 0 {
		config.InProgressCacheTTLHrs = 24
	}
	if config.SweepParallelism <= 0 {
		config.SweepParallelism = 4
	}
	if strings.TrimSpace(config.BufferWalletID) == "" {
		log.Printf("level=warn component=config msg=\"BUFFER_WALLET_ID is not set; transfer submission will fail until it is configured\"")
	}

	return
}

// Processing returns the current processing knobs. Values are read from
// Viper on every call; invalid or missing values fall back to the defaults.
func Processing() ProcessingSettings {
	s := ProcessingSettings{
		Interval:          time.Duration(viper.GetInt("PROCESS_INTERVAL_SECONDS")) * time.Second,
		MaxRetries:        viper.GetInt("MAX_RETRIES"),
		TransferTTL:       time.Duration(viper.GetInt("TRANSFER_TTL_HOURS")) * time.Hour,
		SweepBatchSize:    viper.GetInt("SWEEP_BATCH_SIZE"),
		WhitelistedPhones: splitPhoneList(viper.GetString("WHITELISTED_PHONES")),
	}
	if s.Interval <= 0 {
		s.Interval = 5 * time.Second
	}
	if s.MaxRetries <= 0 {
		s.MaxRetries = 10
	}
	if s.TransferTTL <= 0 {
		s.TransferTTL = 48 * time.Hour
	}
	if s.SweepBatchSize <= 0 {
		s.SweepBatchSize = 100
	}
	return s
}

// splitPhoneList parses a comma-separated phone list, dropping empty entries.
func splitPhoneList(raw string) []string {
	var phones []string
	for _, phone := range strings.Split(raw, ",") {
		if phone = strings.TrimSpace(phone); phone != "" {
			phones = append(phones, phone)
		}
	}
	return phones
}
