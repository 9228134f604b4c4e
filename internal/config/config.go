// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port     string
	Env      string // "development", "staging", "production"
	LogLevel string

	// Blockchain settings
	RPCURL                string
	ChainID               int64
	PrivateKey            string `json:"-"` // Hex-encoded, with or without 0x prefix — excluded from serialization
	CreditManagerAddress  string
	AssetAddress          string
	AssetDecimals         int
	StartBlock            uint64 // live watcher's starting block; 0 means "current chain head"
	DeploymentBlock       uint64 // Credit Manager contract's deployment block; Recovery's full-history floor when StartBlock is unset
	BlockChunkSize        uint64
	PollInterval          time.Duration
	ReorgDepth            uint64
	DeadlineTickInterval  time.Duration
	RecoveryLookbackDepth uint64 // find_transfer's block-range window (spec §4.4.7 step 2), unrelated to Recovery's scan range

	// Clearing parameters
	MinStakeAmount         string
	SlashBondAmount        string
	DefaultDeadlineSeconds int64
	ReputationMin          float64
	ReputationMax          float64

	// x402 facilitator
	FacilitatorURL    string
	FacilitatorAPIKey string

	// HTTP server timeouts
	HTTPReadTimeout  time.Duration
	HTTPWriteTimeout time.Duration
	HTTPIdleTimeout  time.Duration
	RequestTimeout   time.Duration

	// Observability
	OTLPEndpoint string // OpenTelemetry collector endpoint, empty = disabled
	RateLimitRPM int
}

// Base Sepolia defaults, matching the reference deployment this clearinghouse
// was designed against.
const (
	DefaultRPCURL      = "https://sepolia.base.org"
	DefaultChainID     = 84532
	DefaultPort        = "8080"
	DefaultEnv         = "development"
	DefaultLogLevel    = "info"
	DefaultAssetDecimals = 6
	DefaultRateLimit   = 100

	DefaultBlockChunkSize        = 2000
	DefaultPollInterval          = 15 * time.Second
	DefaultReorgDepth            = 12
	DefaultDeadlineTickInterval  = 30 * time.Second
	DefaultRecoveryLookbackDepth = 5

	DefaultMinStakeAmount           = "100"
	DefaultSlashBondAmount          = "1"
	DefaultDeadlineSecondsValue     = 3600
	DefaultReputationMin            = 0.5
	DefaultReputationMax            = 3.0

	DefaultHTTPReadTimeout  = 10 * time.Second
	DefaultHTTPWriteTimeout = 30 * time.Second
	DefaultHTTPIdleTimeout  = 60 * time.Second
	DefaultRequestTimeout   = 30 * time.Second
)

// Load reads configuration from environment variables.
// It loads a .env file if present (for local development).
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:                 getEnv("PORT", DefaultPort),
		Env:                  getEnv("ENV", DefaultEnv),
		LogLevel:             getEnv("LOG_LEVEL", DefaultLogLevel),
		RPCURL:               getEnv("RPC_URL", DefaultRPCURL),
		ChainID:              getEnvInt64("CHAIN_ID", DefaultChainID),
		PrivateKey:           os.Getenv("PRIVATE_KEY"),
		CreditManagerAddress: os.Getenv("CREDIT_MANAGER_ADDRESS"),
		AssetAddress:         os.Getenv("ASSET_ADDRESS"),
		AssetDecimals:        int(getEnvInt64("ASSET_DECIMALS", DefaultAssetDecimals)),
		StartBlock:           uint64(getEnvInt64("START_BLOCK", 0)),
		DeploymentBlock:      uint64(getEnvInt64("DEPLOYMENT_BLOCK", 0)),
		BlockChunkSize:       uint64(getEnvInt64("BLOCK_CHUNK_SIZE", DefaultBlockChunkSize)),
		PollInterval:         getEnvDuration("POLL_INTERVAL", DefaultPollInterval),
		ReorgDepth:           uint64(getEnvInt64("REORG_DEPTH", DefaultReorgDepth)),
		DeadlineTickInterval: getEnvDuration("DEADLINE_TICK_INTERVAL", DefaultDeadlineTickInterval),
		RecoveryLookbackDepth: uint64(getEnvInt64("RECOVERY_LOOKBACK_DEPTH", DefaultRecoveryLookbackDepth)),

		MinStakeAmount:         getEnv("MIN_STAKE_AMOUNT", DefaultMinStakeAmount),
		SlashBondAmount:        getEnv("SLASH_BOND_AMOUNT", DefaultSlashBondAmount),
		DefaultDeadlineSeconds: getEnvInt64("DEFAULT_DEADLINE_SECONDS", DefaultDeadlineSecondsValue),
		ReputationMin:          getEnvFloat("REPUTATION_MIN", DefaultReputationMin),
		ReputationMax:          getEnvFloat("REPUTATION_MAX", DefaultReputationMax),

		FacilitatorURL:    os.Getenv("FACILITATOR_URL"),
		FacilitatorAPIKey: os.Getenv("FACILITATOR_API_KEY"),

		HTTPReadTimeout:  getEnvDuration("HTTP_READ_TIMEOUT", DefaultHTTPReadTimeout),
		HTTPWriteTimeout: getEnvDuration("HTTP_WRITE_TIMEOUT", DefaultHTTPWriteTimeout),
		HTTPIdleTimeout:  getEnvDuration("HTTP_IDLE_TIMEOUT", DefaultHTTPIdleTimeout),
		RequestTimeout:   getEnvDuration("REQUEST_TIMEOUT", DefaultRequestTimeout),

		OTLPEndpoint: os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		RateLimitRPM: int(getEnvInt64("RATE_LIMIT_RPM", int64(DefaultRateLimit))),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present.
func (c *Config) Validate() error {
	if c.PrivateKey == "" {
		return fmt.Errorf("PRIVATE_KEY is required")
	}
	key := c.PrivateKey
	if len(key) == 66 && key[:2] == "0x" {
		key = key[2:]
	}
	if len(key) != 64 {
		return fmt.Errorf("PRIVATE_KEY must be 64 hex characters (with or without 0x prefix)")
	}

	if c.RPCURL == "" {
		return fmt.Errorf("RPC_URL is required")
	}
	if c.CreditManagerAddress == "" {
		return fmt.Errorf("CREDIT_MANAGER_ADDRESS is required")
	}
	if c.AssetAddress == "" {
		return fmt.Errorf("ASSET_ADDRESS is required")
	}

	port, err := strconv.Atoi(c.Port)
	if err != nil || port < 1 || port > 65535 {
		return fmt.Errorf("PORT must be a number between 1 and 65535, got %q", c.Port)
	}

	if c.ReputationMin <= 0 || c.ReputationMax < c.ReputationMin {
		return fmt.Errorf("REPUTATION_MIN/REPUTATION_MAX must satisfy 0 < min <= max")
	}

	if c.RateLimitRPM < 1 {
		return fmt.Errorf("RATE_LIMIT_RPM must be at least 1, got %d", c.RateLimitRPM)
	}

	if c.HTTPWriteTimeout > 0 && c.RequestTimeout > 0 && c.HTTPWriteTimeout < c.RequestTimeout {
		return fmt.Errorf("HTTP_WRITE_TIMEOUT (%v) must be >= REQUEST_TIMEOUT (%v)", c.HTTPWriteTimeout, c.RequestTimeout)
	}

	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
