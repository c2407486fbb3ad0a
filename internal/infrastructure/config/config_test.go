package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_DefaultsAndEnvOverrides(t *testing.T) {
	t.Setenv("PAYMENT_WEBHOOK_SECRET", "whsec")
	t.Setenv("EVM_RPC_URL", "http://localhost:8545")
	t.Setenv("EVM_PRIVATE_KEY", "4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318")
	t.Setenv("PORT", "9090")
	t.Setenv("OPERATOR_EMAILS", "ops@rail.app, oncall@rail.app")
	t.Setenv("API_KEYS", "k1,k2")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "whsec", cfg.Payment.WebhookSecret)
	assert.Equal(t, uint32(3), cfg.CircuitBreaker.FailureThreshold)
	assert.Equal(t, uint64(3), cfg.Chains.EVM.ConfirmationThreshold)
	assert.Equal(t, 0.5, cfg.Swap.DefaultSlippagePct)
	assert.Equal(t, []string{"ops@rail.app", "oncall@rail.app"}, cfg.Alerts.OperatorEmails)
	assert.Contains(t, cfg.Database.URL, "settlement_service")
	assert.Equal(t, "postgres", cfg.Database.Driver)
	assert.Equal(t, []string{"k1", "k2"}, cfg.Server.APIKeys)
}

func TestLoad_RequiresWebhookSecret(t *testing.T) {
	t.Setenv("PAYMENT_WEBHOOK_SECRET", "")
	t.Setenv("EVM_RPC_URL", "http://localhost:8545")
	t.Setenv("EVM_PRIVATE_KEY", "abc")

	_, err := Load()
	assert.ErrorContains(t, err, "webhook secret")
}

func TestValidate_ChainKeys(t *testing.T) {
	cfg := &Config{
		Payment:        PaymentConfig{WebhookSecret: "s"},
		Database:       DatabaseConfig{Driver: "postgres", URL: "postgres://x"},
		CircuitBreaker: CircuitBreakerConfig{FailureThreshold: 3},
		Recovery:       RecoveryConfig{MaxConcurrency: 1},
		Chains:         ChainsConfig{UTXO: UTXOConfig{Enabled: true}},
	}
	assert.ErrorContains(t, validate(cfg), "btc wif")

	cfg.Chains.UTXO.WIF = "cVt4o7BGAig1UXywgGSmARhxMdzP5qvQsxKkSsc1XEkw3tDTQFpy"
	assert.NoError(t, validate(cfg))
}

func TestValidate_MemoryStoreOutsideProduction(t *testing.T) {
	cfg := &Config{
		Environment:    "production",
		Payment:        PaymentConfig{WebhookSecret: "s", SecretKey: "sk"},
		Database:       DatabaseConfig{Driver: "memory", URL: "postgres://x"},
		CircuitBreaker: CircuitBreakerConfig{FailureThreshold: 3},
		Recovery:       RecoveryConfig{MaxConcurrency: 1},
	}
	assert.ErrorContains(t, validate(cfg), "memory store")

	cfg.Environment = "development"
	assert.NoError(t, validate(cfg))

	cfg.Database.Driver = "sqlite"
	assert.ErrorContains(t, validate(cfg), "unsupported database driver")
}

func TestSeconds(t *testing.T) {
	assert.Equal(t, 30*time.Second, Seconds(30))
}
