package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setRequired(t *testing.T) {
	t.Setenv("JWT_SECRET", "secret")
	t.Setenv("PROVIDER_BASE_URL", "https://provider.example")
	t.Setenv("PROVIDER_API_KEY", "key")
}

func TestLoadDefaults(t *testing.T) {
	setRequired(t)

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "8080", cfg.AppPort)
	assert.Equal(t, 3, cfg.RetryAttempts)
	assert.Equal(t, 5, cfg.BreakerThreshold)
	assert.Equal(t, 30*time.Second, cfg.BreakerCooldown)
	assert.Equal(t, 5*time.Second, cfg.PollInterval)
	assert.Equal(t, 15*time.Minute, cfg.SessionTimeout)
	assert.Equal(t, time.Hour, cfg.QuotaResetInterval)
	assert.Equal(t, 60, cfg.RateLimit)
	assert.False(t, cfg.IsProduction())
}

func TestLoadOverrides(t *testing.T) {
	setRequired(t)
	t.Setenv("APP_ENV", "production")
	t.Setenv("BREAKER_COOLDOWN", "1m")
	t.Setenv("PROVIDER_RPS", "2.5")
	t.Setenv("RETRY_ATTEMPTS", "not-a-number")

	cfg, err := Load()
	require.NoError(t, err)
	assert.True(t, cfg.IsProduction())
	assert.Equal(t, time.Minute, cfg.BreakerCooldown)
	assert.Equal(t, 2.5, cfg.ProviderRPS)
	assert.Equal(t, 3, cfg.RetryAttempts)
}

func TestLoadRequiresSecrets(t *testing.T) {
	t.Setenv("JWT_SECRET", "")
	_, err := Load()
	assert.ErrorContains(t, err, "JWT_SECRET")

	setRequired(t)
	t.Setenv("PROVIDER_API_KEY", "")
	_, err = Load()
	assert.ErrorContains(t, err, "PROVIDER_")

	setRequired(t)
	t.Setenv("BREAKER_THRESHOLD", "0")
	_, err = Load()
	assert.ErrorContains(t, err, "BREAKER_THRESHOLD")
}
