/**
 * @description
 * This package handles the configuration management for the escrow service and the
 * settlement scheduler. It uses the Viper library to read configuration from environment
 * variables (and an optional .env file), then clamps values that would make the money
 * rules unsafe.
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

	"github.com/robfig/cron/v3"
	"github.com/spf13/viper"
)

const (
	defaultRateLimitPrefix = "escrow:rate_limit"
	defaultSweepSchedule   = "@hourly"
)

// Config holds all the configuration variables for the escrow service.
type Config struct {
	ServerPort           string `mapstructure:"SERVER_PORT"`
	DatabaseURL          string `mapstructure:"DATABASE_URL"`
	RedisURL             string `mapstructure:"REDIS_URL"`
	RedisRateLimitPrefix string `mapstructure:"REDIS_RATE_LIMIT_PREFIX"`
	RabbitMQURL          string `mapstructure:"RABBITMQ_URL"`
	EscrowEventsExchange string `mapstructure:"ESCROW_EVENTS_EXCHANGE"`
	MarketplaceExchange  string `mapstructure:"MARKETPLACE_EVENTS_EXCHANGE"`
	WorkflowEventQueue   string `mapstructure:"WORKFLOW_EVENT_QUEUE"`
	ClerkJWKSURL         string `mapstructure:"CLERK_JWKS_URL"`
	InternalAPIKey       string `mapstructure:"INTERNAL_API_KEY"`

	GatewayBaseURL             string `mapstructure:"GATEWAY_API_BASE_URL"`
	GatewayKeyID               string `mapstructure:"GATEWAY_KEY_ID"`
	GatewayKeySecret           string `mapstructure:"GATEWAY_KEY_SECRET"`
	GatewayWebhookSecret       string `mapstructure:"GATEWAY_WEBHOOK_SECRET"`
	GatewayPayoutAccountNumber string `mapstructure:"GATEWAY_PAYOUT_ACCOUNT_NUMBER"`
	GatewayTimeoutSeconds      int    `mapstructure:"GATEWAY_TIMEOUT_SECONDS"`
	Currency                   string `mapstructure:"CURRENCY"`

	PlatformFeePercent      float64 `mapstructure:"PLATFORM_FEE_PERCENT"`
	MinOrderAmount          int64   `mapstructure:"MIN_ORDER_AMOUNT"`
	PaymentWindowHours      int     `mapstructure:"PAYMENT_WINDOW_HOURS"`
	GracePeriodHours        int     `mapstructure:"GRACE_PERIOD_HOURS"`
	RefundPercentInProgress int     `mapstructure:"REFUND_PERCENT_IN_PROGRESS"`
	RefundPercentSubmitted  int     `mapstructure:"REFUND_PERCENT_SUBMITTED"`
	RefundMaxRetries        int     `mapstructure:"REFUND_MAX_RETRIES"`
	DownloadTokenTTLHours   int     `mapstructure:"DOWNLOAD_TOKEN_TTL_HOURS"`
	ClaimStaleAfterMinutes  int     `mapstructure:"CLAIM_STALE_AFTER_MINUTES"`

	SettlementSweepSchedule string `mapstructure:"SETTLEMENT_SWEEP_SCHEDULE"`
	SchedulerEnabled        bool   `mapstructure:"SCHEDULER_ENABLED"`

	VerifyRateLimitPerMinute          int `mapstructure:"VERIFY_RATE_LIMIT_PER_MINUTE"`
	DeliveryConfirmRateLimitPerMinute int `mapstructure:"DELIVERY_CONFIRM_RATE_LIMIT_PER_MINUTE"`
}

// LoadConfig reads configuration from environment variables and an optional .env file in path.
func LoadConfig(path string) (config Config, err error) {
	viper.AddConfigPath(path)
	viper.SetConfigName(".env")
	viper.SetConfigType("env")

	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	viper.SetDefault("SERVER_PORT", "8090")
	viper.SetDefault("REDIS_RATE_LIMIT_PREFIX", defaultRateLimitPrefix)
	viper.SetDefault("ESCROW_EVENTS_EXCHANGE", "escrow.events")
	viper.SetDefault("MARKETPLACE_EVENTS_EXCHANGE", "marketplace.events")
	viper.SetDefault("WORKFLOW_EVENT_QUEUE", "escrow_service.workflow_events")
	viper.SetDefault("GATEWAY_API_BASE_URL", "https://api.razorpay.com")
	viper.SetDefault("GATEWAY_TIMEOUT_SECONDS", 15)
	viper.SetDefault("CURRENCY", "INR")
	viper.SetDefault("PLATFORM_FEE_PERCENT", 10.0)
	viper.SetDefault("MIN_ORDER_AMOUNT", 100)
	viper.SetDefault("PAYMENT_WINDOW_HOURS", 48)
	viper.SetDefault("GRACE_PERIOD_HOURS", 24)
	viper.SetDefault("REFUND_PERCENT_IN_PROGRESS", 75)
	viper.SetDefault("REFUND_PERCENT_SUBMITTED", 50)
	viper.SetDefault("REFUND_MAX_RETRIES", 5)
	viper.SetDefault("DOWNLOAD_TOKEN_TTL_HOURS", 24)
	viper.SetDefault("CLAIM_STALE_AFTER_MINUTES", 15)
	viper.SetDefault("SETTLEMENT_SWEEP_SCHEDULE", defaultSweepSchedule)
	viper.SetDefault("SCHEDULER_ENABLED", false)
	viper.SetDefault("VERIFY_RATE_LIMIT_PER_MINUTE", 20)
	viper.SetDefault("DELIVERY_CONFIRM_RATE_LIMIT_PER_MINUTE", 10)

	_ = viper.BindEnv("SERVER_PORT")
	_ = viper.BindEnv("DATABASE_URL")
	_ = viper.BindEnv("REDIS_URL", "REDIS_URL", "ESCROW_REDIS_URL")
	_ = viper.BindEnv("REDIS_RATE_LIMIT_PREFIX")
	_ = viper.BindEnv("RABBITMQ_URL")
	_ = viper.BindEnv("ESCROW_EVENTS_EXCHANGE")
	_ = viper.BindEnv("MARKETPLACE_EVENTS_EXCHANGE")
	_ = viper.BindEnv("WORKFLOW_EVENT_QUEUE")
	_ = viper.BindEnv("CLERK_JWKS_URL")
	_ = viper.BindEnv("INTERNAL_API_KEY", "INTERNAL_API_KEY", "ESCROW_SERVICE_INTERNAL_API_KEY")
	_ = viper.BindEnv("GATEWAY_API_BASE_URL")
	_ = viper.BindEnv("GATEWAY_KEY_ID", "GATEWAY_KEY_ID", "RAZORPAY_KEY_ID")
	_ = viper.BindEnv("GATEWAY_KEY_SECRET", "GATEWAY_KEY_SECRET", "RAZORPAY_KEY_SECRET")
	_ = viper.BindEnv("GATEWAY_WEBHOOK_SECRET", "GATEWAY_WEBHOOK_SECRET", "RAZORPAY_WEBHOOK_SECRET")
	_ = viper.BindEnv("GATEWAY_PAYOUT_ACCOUNT_NUMBER")
	_ = viper.BindEnv("GATEWAY_TIMEOUT_SECONDS")
	_ = viper.BindEnv("CURRENCY")
	_ = viper.BindEnv("PLATFORM_FEE_PERCENT")
	_ = viper.BindEnv("MIN_ORDER_AMOUNT")
	_ = viper.BindEnv("PAYMENT_WINDOW_HOURS")
	_ = viper.BindEnv("GRACE_PERIOD_HOURS")
	_ = viper.BindEnv("REFUND_PERCENT_IN_PROGRESS")
	_ = viper.BindEnv("REFUND_PERCENT_SUBMITTED")
	_ = viper.BindEnv("REFUND_MAX_RETRIES")
	_ = viper.BindEnv("DOWNLOAD_TOKEN_TTL_HOURS")
	_ = viper.BindEnv("CLAIM_STALE_AFTER_MINUTES")
	_ = viper.BindEnv("SETTLEMENT_SWEEP_SCHEDULE")
	_ = viper.BindEnv("SCHEDULER_ENABLED")
	_ = viper.BindEnv("VERIFY_RATE_LIMIT_PER_MINUTE")
	_ = viper.BindEnv("DELIVERY_CONFIRM_RATE_LIMIT_PER_MINUTE")

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
	config.InternalAPIKey = strings.TrimSpace(config.InternalAPIKey)
	config.RedisURL = strings.TrimSpace(config.RedisURL)
	config.RedisRateLimitPrefix = strings.TrimSpace(config.RedisRateLimitPrefix)
	if config.RedisRateLimitPrefix == "" {
		config.RedisRateLimitPrefix = defaultRateLimitPrefix
	}
	config.Currency = strings.ToUpper(strings.TrimSpace(config.Currency))
	if config.Currency == "" {
		config.Currency = "INR"
	}

	if config.PlatformFeePercent < 0 {
		log.Printf("level=warn component=config msg=\"negative platform fee percent configured; coercing to zero\" fee_percent=%f", config.PlatformFeePercent)
		config.PlatformFeePercent = 0
	}
	if config.PlatformFeePercent > 100 {
		log.Printf("level=warn component=config msg=\"platform fee percent too high; capping at 100\" fee_percent=%f", config.PlatformFeePercent)
		config.PlatformFeePercent = 100
	}
	if config.MinOrderAmount < 1 {
		log.Printf("level=warn component=config msg=\"minimum order amount must be positive; using 1\" min_order_amount=%d", config.MinOrderAmount)
		config.MinOrderAmount = 1
	}

	config.RefundPercentInProgress = clampPercent("REFUND_PERCENT_IN_PROGRESS", config.RefundPercentInProgress)
	config.RefundPercentSubmitted = clampPercent("REFUND_PERCENT_SUBMITTED", config.RefundPercentSubmitted)

	if config.GatewayTimeoutSeconds <= 0 {
		config.GatewayTimeoutSeconds = 15
	}
	if config.PaymentWindowHours <= 0 {
		config.PaymentWindowHours = 48
	}
	if config.GracePeriodHours <= 0 {
		config.GracePeriodHours = 24
	}
	if config.RefundMaxRetries <= 0 {
		config.RefundMaxRetries = 5
	}
	if config.DownloadTokenTTLHours <= 0 {
		config.DownloadTokenTTLHours = 24
	}
	if config.ClaimStaleAfterMinutes <= 0 {
		config.ClaimStaleAfterMinutes = 15
	}

	config.SettlementSweepSchedule = strings.TrimSpace(config.SettlementSweepSchedule)
	if _, parseErr := cron.ParseStandard(config.SettlementSweepSchedule); parseErr != nil {
		log.Printf("level=warn component=config msg=\"invalid settlement sweep schedule; using default\" schedule=%q err=%v", config.SettlementSweepSchedule, parseErr)
		config.SettlementSweepSchedule = defaultSweepSchedule
	}

	return
}

func clampPercent(name string, value int) int {
	if value < 0 {
		log.Printf("level=warn component=config msg=\"negative refund percent configured; coercing to zero\" key=%s value=%d", name, value)
		return 0
	}
	if value > 100 {
		log.Printf("level=warn component=config msg=\"refund percent too high; capping at 100\" key=%s value=%d", name, value)
		return 100
	}
	return value
}

// GatewayTimeout bounds every call to the payment gateway.
func (c Config) GatewayTimeout() time.Duration {
	return time.Duration(c.GatewayTimeoutSeconds) * time.Second
}

// PaymentWindow is how long a request-type order waits for payment before expiring.
func (c Config) PaymentWindow() time.Duration {
	return time.Duration(c.PaymentWindowHours) * time.Hour
}

// GracePeriod is the window after a missed deadline before a forced refund.
func (c Config) GracePeriod() time.Duration {
	return time.Duration(c.GracePeriodHours) * time.Hour
}

// DownloadTokenTTL is the lifetime of a delivery download token.
func (c Config) DownloadTokenTTL() time.Duration {
	return time.Duration(c.DownloadTokenTTLHours) * time.Hour
}

// ClaimStaleAfter is how long a release claim may sit before the recovery sweep resumes it.
func (c Config) ClaimStaleAfter() time.Duration {
	return time.Duration(c.ClaimStaleAfterMinutes) * time.Minute
}
