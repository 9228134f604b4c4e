package config

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Test helper to set env vars and clean up after
func setEnv(t *testing.T, key, value string) {
	t.Helper()
	old := os.Getenv(key)
	os.Setenv(key, value)
	t.Cleanup(func() {
		if old == "" {
			os.Unsetenv(key)
		} else {
			os.Setenv(key, old)
		}
	})
}

func TestLoad_WithValidConfig(t *testing.T) {
	setEnv(t, "PRIVATE_KEY", "0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef")
	setEnv(t, "CREDIT_MANAGER_ADDRESS", "0x1234567890123456789012345678901234567890")
	setEnv(t, "ASSET_ADDRESS", "0x0987654321098765432109876543210987654321")
	setEnv(t, "PORT", "9090")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, DefaultRPCURL, cfg.RPCURL)
	assert.Equal(t, int64(DefaultChainID), cfg.ChainID)
	assert.Equal(t, DefaultAssetDecimals, cfg.AssetDecimals)
	assert.Equal(t, int64(DefaultDeadlineSecondsValue), cfg.DefaultDeadlineSeconds)
}

func TestLoad_MissingPrivateKey(t *testing.T) {
	setEnv(t, "PRIVATE_KEY", "")
	setEnv(t, "CREDIT_MANAGER_ADDRESS", "0x1234567890123456789012345678901234567890")
	setEnv(t, "ASSET_ADDRESS", "0x0987654321098765432109876543210987654321")

	_, err := Load()
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "PRIVATE_KEY is required")
}

func TestLoad_InvalidPrivateKeyLength(t *testing.T) {
	setEnv(t, "PRIVATE_KEY", "tooshort")
	setEnv(t, "CREDIT_MANAGER_ADDRESS", "0x1234567890123456789012345678901234567890")
	setEnv(t, "ASSET_ADDRESS", "0x0987654321098765432109876543210987654321")

	_, err := Load()
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "64 hex characters")
}

func TestConfig_Validate(t *testing.T) {
	validKey := "0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef"

	tests := []struct {
		name    string
		config  Config
		wantErr string
	}{
		{
			name: "valid config",
			config: Config{
				PrivateKey:           validKey,
				RPCURL:               "https://sepolia.base.org",
				CreditManagerAddress: "0xabc",
				AssetAddress:         "0xdef",
				Port:                 "8080",
				ReputationMin:        0.5,
				ReputationMax:        3.0,
				RateLimitRPM:         100,
			},
			wantErr: "",
		},
		{
			name: "missing private key",
			config: Config{
				RPCURL:               "https://sepolia.base.org",
				CreditManagerAddress: "0xabc",
				AssetAddress:         "0xdef",
			},
			wantErr: "PRIVATE_KEY is required",
		},
		{
			name: "invalid private key length",
			config: Config{
				PrivateKey:           "abc123",
				RPCURL:               "https://sepolia.base.org",
				CreditManagerAddress: "0xabc",
				AssetAddress:         "0xdef",
			},
			wantErr: "64 hex characters",
		},
		{
			name: "missing RPC URL",
			config: Config{
				PrivateKey:           validKey,
				CreditManagerAddress: "0xabc",
				AssetAddress:         "0xdef",
			},
			wantErr: "RPC_URL is required",
		},
		{
			name: "missing credit manager address",
			config: Config{
				PrivateKey:   validKey,
				RPCURL:       "https://sepolia.base.org",
				AssetAddress: "0xdef",
			},
			wantErr: "CREDIT_MANAGER_ADDRESS is required",
		},
		{
			name: "bad reputation bounds",
			config: Config{
				PrivateKey:           validKey,
				RPCURL:               "https://sepolia.base.org",
				CreditManagerAddress: "0xabc",
				AssetAddress:         "0xdef",
				Port:                 "8080",
				ReputationMin:        3.0,
				ReputationMax:        0.5,
				RateLimitRPM:         100,
			},
			wantErr: "REPUTATION_MIN/REPUTATION_MAX",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.config.Port == "" {
				tt.config.Port = "8080"
			}
			if tt.config.RateLimitRPM == 0 {
				tt.config.RateLimitRPM = 100
			}
			err := tt.config.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			}
		})
	}
}

func TestConfig_IsDevelopment(t *testing.T) {
	cfg := &Config{Env: "development"}
	assert.True(t, cfg.IsDevelopment())
	assert.False(t, cfg.IsProduction())

	cfg.Env = "production"
	assert.False(t, cfg.IsDevelopment())
	assert.True(t, cfg.IsProduction())
}

func TestGetEnv(t *testing.T) {
	setEnv(t, "TEST_VAR", "custom_value")

	assert.Equal(t, "custom_value", getEnv("TEST_VAR", "default"))
	assert.Equal(t, "default", getEnv("NONEXISTENT_VAR", "default"))
}

func TestGetEnvInt64(t *testing.T) {
	setEnv(t, "TEST_INT", "42")
	setEnv(t, "TEST_INVALID", "not_a_number")

	assert.Equal(t, int64(42), getEnvInt64("TEST_INT", 0))
	assert.Equal(t, int64(99), getEnvInt64("NONEXISTENT_VAR", 99))
	assert.Equal(t, int64(99), getEnvInt64("TEST_INVALID", 99)) // Falls back on parse error
}

func TestGetEnvFloat(t *testing.T) {
	setEnv(t, "TEST_FLOAT", "1.5")
	setEnv(t, "TEST_INVALID_FLOAT", "nope")

	assert.Equal(t, 1.5, getEnvFloat("TEST_FLOAT", 0))
	assert.Equal(t, 2.5, getEnvFloat("NONEXISTENT_VAR", 2.5))
	assert.Equal(t, 2.5, getEnvFloat("TEST_INVALID_FLOAT", 2.5))
}
