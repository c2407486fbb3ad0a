package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds all configuration for the application
type Config struct {
	Environment    string               `mapstructure:"environment"`
	LogLevel       string               `mapstructure:"log_level"`
	Server         ServerConfig         `mapstructure:"server"`
	Database       DatabaseConfig       `mapstructure:"database"`
	Redis          RedisConfig          `mapstructure:"redis"`
	Payment        PaymentConfig        `mapstructure:"payment"`
	Chains         ChainsConfig         `mapstructure:"chains"`
	Swap           SwapConfig           `mapstructure:"swap"`
	CircuitBreaker CircuitBreakerConfig `mapstructure:"circuit_breaker"`
	Executor       ExecutorConfig       `mapstructure:"executor"`
	Recovery       RecoveryConfig       `mapstructure:"recovery"`
	Alerts         AlertsConfig         `mapstructure:"alerts"`
	Tracing        TracingConfig        `mapstructure:"tracing"`
}

type ServerConfig struct {
	Port           int      `mapstructure:"port"`
	ReadTimeout    int      `mapstructure:"read_timeout"`
	WriteTimeout   int      `mapstructure:"write_timeout"`
	MaxBodyBytes   int64    `mapstructure:"max_body_bytes"`
	RateLimitRPS   float64  `mapstructure:"rate_limit_rps"`
	RateLimitBurst int      `mapstructure:"rate_limit_burst"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
	// APIKeys guard the internal settlement endpoints. Webhooks are
	// authenticated by signature instead.
	APIKeys []string `mapstructure:"api_keys"`
}

type DatabaseConfig struct {
	// Driver is "postgres" or "memory". The memory store is for local runs.
	Driver          string `mapstructure:"driver"`
	URL             string `mapstructure:"url"`
	Host            string `mapstructure:"host"`
	Port            int    `mapstructure:"port"`
	Name            string `mapstructure:"name"`
	User            string `mapstructure:"user"`
	Password        string `mapstructure:"password"`
	SSLMode         string `mapstructure:"ssl_mode"`
	MaxOpenConns    int    `mapstructure:"max_open_conns"`
	MaxIdleConns    int    `mapstructure:"max_idle_conns"`
	ConnMaxLifetime int    `mapstructure:"conn_max_lifetime"`
	MigrationsPath  string `mapstructure:"migrations_path"`
}

type RedisConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	Host       string `mapstructure:"host"`
	Port       int    `mapstructure:"port"`
	Password   string `mapstructure:"password"`
	DB         int    `mapstructure:"db"`
	MaxRetries int    `mapstructure:"max_retries"`
	PoolSize   int    `mapstructure:"pool_size"`
}

// PaymentConfig configures the fiat payment processor.
type PaymentConfig struct {
	BaseURL       string `mapstructure:"base_url"`
	SecretKey     string `mapstructure:"secret_key"`
	WebhookSecret string `mapstructure:"webhook_secret"`
	Timeout       int    `mapstructure:"timeout"`
	MaxRetries    int    `mapstructure:"max_retries"`
	// AbandonAfter is how long (seconds) an unpaid charge may stay pending.
	AbandonAfter int `mapstructure:"abandon_after"`
}

type ChainsConfig struct {
	EVM    EVMConfig    `mapstructure:"evm"`
	UTXO   UTXOConfig   `mapstructure:"utxo"`
	Solana SolanaConfig `mapstructure:"solana"`
}

type TokenConfig struct {
	Address  string `mapstructure:"address"`
	Decimals int    `mapstructure:"decimals"`
}

type EVMConfig struct {
	Enabled               bool                   `mapstructure:"enabled"`
	Network               string                 `mapstructure:"network"`
	RPC                   string                 `mapstructure:"rpc"`
	ChainID               int64                  `mapstructure:"chain_id"`
	PrivateKey            string                 `mapstructure:"private_key"`
	Mnemonic              string                 `mapstructure:"mnemonic"`
	AccountIndex          uint32                 `mapstructure:"account_index"`
	Tokens                map[string]TokenConfig `mapstructure:"tokens"`
	ConfirmationThreshold uint64                 `mapstructure:"confirmation_threshold"`
	RateLimitPerSec       float64                `mapstructure:"rate_limit_per_sec"`
}

type UTXOConfig struct {
	Enabled               bool    `mapstructure:"enabled"`
	Network               string  `mapstructure:"network"`
	Params                string  `mapstructure:"params"`
	ExplorerURL           string  `mapstructure:"explorer_url"`
	WIF                   string  `mapstructure:"wif"`
	ConfirmationThreshold uint64  `mapstructure:"confirmation_threshold"`
	RateLimitPerSec       float64 `mapstructure:"rate_limit_per_sec"`
}

type SolanaConfig struct {
	Enabled               bool    `mapstructure:"enabled"`
	Network               string  `mapstructure:"network"`
	RPC                   string  `mapstructure:"rpc"`
	PrivateKey            string  `mapstructure:"private_key"`
	ConfirmationThreshold uint64  `mapstructure:"confirmation_threshold"`
	RateLimitPerSec       float64 `mapstructure:"rate_limit_per_sec"`
}

// SwapConfig configures the liquidity venue used for custody rebalancing.
type SwapConfig struct {
	Enabled            bool    `mapstructure:"enabled"`
	RouterAddress      string  `mapstructure:"router_address"`
	WrappedNative      string  `mapstructure:"wrapped_native"`
	DefaultSlippagePct float64 `mapstructure:"default_slippage_pct"`
	DeadlineSeconds    int     `mapstructure:"deadline_seconds"`
}

type CircuitBreakerConfig struct {
	FailureThreshold uint32 `mapstructure:"failure_threshold"`
	ResetTimeout     int    `mapstructure:"reset_timeout"`
	SharedState      bool   `mapstructure:"shared_state"`
}

type ExecutorConfig struct {
	CallTimeout int `mapstructure:"call_timeout"`
}

// RecoveryConfig drives the periodic sweep of stuck settlements.
type RecoveryConfig struct {
	Enabled               bool   `mapstructure:"enabled"`
	Interval              int    `mapstructure:"interval"`
	Schedule              string `mapstructure:"schedule"`
	GraceWindow           int    `mapstructure:"grace_window"`
	BatchSize             int    `mapstructure:"batch_size"`
	MaxConcurrency        int    `mapstructure:"max_concurrency"`
	AttemptTimeout        int    `mapstructure:"attempt_timeout"`
	MaxSubmissionAttempts int    `mapstructure:"max_submission_attempts"`
	DistributedLock       bool   `mapstructure:"distributed_lock"`
}

type AlertsConfig struct {
	SendGridAPIKey string   `mapstructure:"sendgrid_api_key"`
	FromEmail      string   `mapstructure:"from_email"`
	FromName       string   `mapstructure:"from_name"`
	OperatorEmails []string `mapstructure:"operator_emails"`
}

type TracingConfig struct {
	Enabled      bool    `mapstructure:"enabled"`
	CollectorURL string  `mapstructure:"collector_url"`
	SampleRate   float64 `mapstructure:"sample_rate"`
	Insecure     bool    `mapstructure:"insecure"`
}

// Seconds converts an integer-seconds config field into a duration.
func Seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}

// Load loads configuration from environment variables and config files
func Load() (*Config, error) {
	// Load .env file if it exists (ignore errors if file doesn't exist)
	_ = godotenv.Load()

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath("./configs")
	v.AddConfigPath(".")

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	overrideFromEnv(v)

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if config.Database.URL == "" {
		config.Database.URL = fmt.Sprintf(
			"postgres://%s:%s@%s:%d/%s?sslmode=%s",
			config.Database.User,
			config.Database.Password,
			config.Database.Host,
			config.Database.Port,
			config.Database.Name,
			config.Database.SSLMode,
		)
	}

	if err := validate(&config); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("environment", "development")
	v.SetDefault("log_level", "info")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 30)
	v.SetDefault("server.write_timeout", 30)
	v.SetDefault("server.max_body_bytes", 1<<20)
	v.SetDefault("server.rate_limit_rps", 50)
	v.SetDefault("server.rate_limit_burst", 100)
	v.SetDefault("server.allowed_origins", []string{})

	v.SetDefault("database.driver", "postgres")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.name", "settlement_service")
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.ssl_mode", "disable")
	v.SetDefault("database.max_open_conns", 50)
	v.SetDefault("database.max_idle_conns", 10)
	v.SetDefault("database.conn_max_lifetime", 3600)
	v.SetDefault("database.migrations_path", "file://migrations")

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.max_retries", 3)
	v.SetDefault("redis.pool_size", 10)

	v.SetDefault("payment.base_url", "https://api.paystack.co")
	v.SetDefault("payment.timeout", 15)
	v.SetDefault("payment.max_retries", 3)
	v.SetDefault("payment.abandon_after", 86400) // 24 hours

	v.SetDefault("chains.evm.enabled", true)
	v.SetDefault("chains.evm.network", "ethereum")
	v.SetDefault("chains.evm.chain_id", 1)
	v.SetDefault("chains.evm.confirmation_threshold", 3)
	v.SetDefault("chains.evm.rate_limit_per_sec", 10)
	v.SetDefault("chains.utxo.enabled", false)
	v.SetDefault("chains.utxo.network", "bitcoin")
	v.SetDefault("chains.utxo.params", "mainnet")
	v.SetDefault("chains.utxo.explorer_url", "https://blockstream.info/api")
	v.SetDefault("chains.utxo.confirmation_threshold", 3)
	v.SetDefault("chains.utxo.rate_limit_per_sec", 5)
	v.SetDefault("chains.solana.enabled", false)
	v.SetDefault("chains.solana.network", "solana")
	v.SetDefault("chains.solana.rpc", "https://api.mainnet-beta.solana.com")
	v.SetDefault("chains.solana.confirmation_threshold", 3)
	v.SetDefault("chains.solana.rate_limit_per_sec", 10)

	v.SetDefault("swap.enabled", false)
	v.SetDefault("swap.default_slippage_pct", 0.5)
	v.SetDefault("swap.deadline_seconds", 300)

	v.SetDefault("circuit_breaker.failure_threshold", 3)
	v.SetDefault("circuit_breaker.reset_timeout", 30)
	v.SetDefault("circuit_breaker.shared_state", false)

	v.SetDefault("executor.call_timeout", 20)

	v.SetDefault("recovery.enabled", true)
	v.SetDefault("recovery.interval", 60)
	v.SetDefault("recovery.grace_window", 300) // 5 minutes
	v.SetDefault("recovery.batch_size", 100)
	v.SetDefault("recovery.max_concurrency", 5)
	v.SetDefault("recovery.attempt_timeout", 60)
	v.SetDefault("recovery.max_submission_attempts", 3)
	v.SetDefault("recovery.distributed_lock", false)

	v.SetDefault("alerts.from_email", "settlements@rail.app")
	v.SetDefault("alerts.from_name", "Settlement Service")

	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.sample_rate", 0.1)
}

func overrideFromEnv(v *viper.Viper) {
	if port := os.Getenv("PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			v.Set("server.port", p)
		}
	}
	if driver := os.Getenv("DATABASE_DRIVER"); driver != "" {
		v.Set("database.driver", driver)
	}
	if dbURL := os.Getenv("DATABASE_URL"); dbURL != "" {
		v.Set("database.url", dbURL)
	}
	if redisURL := os.Getenv("REDIS_HOST"); redisURL != "" {
		v.Set("redis.host", redisURL)
		v.Set("redis.enabled", true)
	}

	// Payment processor
	if key := os.Getenv("PAYMENT_SECRET_KEY"); key != "" {
		v.Set("payment.secret_key", key)
	}
	if secret := os.Getenv("PAYMENT_WEBHOOK_SECRET"); secret != "" {
		v.Set("payment.webhook_secret", secret)
	}
	if baseURL := os.Getenv("PAYMENT_BASE_URL"); baseURL != "" {
		v.Set("payment.base_url", baseURL)
	}

	// Custodial keys
	if rpc := os.Getenv("EVM_RPC_URL"); rpc != "" {
		v.Set("chains.evm.rpc", rpc)
	}
	if key := os.Getenv("EVM_PRIVATE_KEY"); key != "" {
		v.Set("chains.evm.private_key", key)
	}
	if mnemonic := os.Getenv("EVM_MNEMONIC"); mnemonic != "" {
		v.Set("chains.evm.mnemonic", mnemonic)
	}
	if wif := os.Getenv("BTC_WIF"); wif != "" {
		v.Set("chains.utxo.wif", wif)
	}
	if rpc := os.Getenv("SOLANA_RPC_URL"); rpc != "" {
		v.Set("chains.solana.rpc", rpc)
	}
	if key := os.Getenv("SOLANA_PRIVATE_KEY"); key != "" {
		v.Set("chains.solana.private_key", key)
	}

	if keys := os.Getenv("API_KEYS"); keys != "" {
		v.Set("server.api_keys", splitList(keys))
	}

	// Alerts
	if key := os.Getenv("SENDGRID_API_KEY"); key != "" {
		v.Set("alerts.sendgrid_api_key", key)
	}
	if emails := os.Getenv("OPERATOR_EMAILS"); emails != "" {
		v.Set("alerts.operator_emails", splitList(emails))
	}
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func validate(config *Config) error {
	if config.Payment.WebhookSecret == "" {
		return fmt.Errorf("payment webhook secret is required")
	}
	if config.Environment == "production" && config.Payment.SecretKey == "" {
		return fmt.Errorf("payment secret key is required in production")
	}
	if config.Database.Driver != "postgres" && config.Database.Driver != "memory" {
		return fmt.Errorf("unsupported database driver %q", config.Database.Driver)
	}
	if config.Database.Driver == "memory" && config.Environment == "production" {
		return fmt.Errorf("the memory store cannot be used in production")
	}
	if config.Database.URL == "" && (config.Database.Host == "" || config.Database.Name == "") {
		return fmt.Errorf("database configuration is incomplete")
	}
	if config.Chains.EVM.Enabled && config.Chains.EVM.RPC == "" {
		return fmt.Errorf("evm rpc url is required when the evm chain is enabled")
	}
	if config.Chains.EVM.Enabled && config.Chains.EVM.PrivateKey == "" && config.Chains.EVM.Mnemonic == "" {
		return fmt.Errorf("evm custodial key (private key or mnemonic) is required")
	}
	if config.Chains.UTXO.Enabled && config.Chains.UTXO.WIF == "" {
		return fmt.Errorf("btc wif is required when the utxo chain is enabled")
	}
	if config.Chains.Solana.Enabled && config.Chains.Solana.PrivateKey == "" {
		return fmt.Errorf("solana private key is required when the solana chain is enabled")
	}
	if config.Swap.Enabled && config.Swap.RouterAddress == "" {
		return fmt.Errorf("swap router address is required when swaps are enabled")
	}
	if config.CircuitBreaker.FailureThreshold == 0 {
		return fmt.Errorf("circuit breaker failure threshold must be positive")
	}
	if config.Recovery.MaxConcurrency <= 0 {
		return fmt.Errorf("recovery max concurrency must be positive")
	}
	return nil
}
