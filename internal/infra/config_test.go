package infra

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setRequiredEnv(t *testing.T) {
	t.Helper()
	t.Setenv("DATABASE_URL", "postgres://example")
	t.Setenv("JWT_SECRET", "test-secret")
}

func TestLoadConfigDefaults(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("MODEL_COSTS", "")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, 3, cfg.RetryMaxAttempts)
	assert.Equal(t, 2*time.Second, cfg.RetryDelay)
	assert.Equal(t, 60*time.Second, cfg.ProviderTimeout)
	assert.Equal(t, 24*time.Hour, cfg.IdempotencyTTL)
	assert.Equal(t, "@every 5m", cfg.ReconcileSchedule)
	assert.Empty(t, cfg.ModelCosts)
	assert.Equal(t, int32(10), cfg.DBMaxConns)
	assert.Equal(t, "en", cfg.DefaultLocale)
	assert.Equal(t, 30, cfg.RateLimitPerMin)
}

func TestLoadConfigRequiresDatabaseURL(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	t.Setenv("JWT_SECRET", "test-secret")

	_, err := LoadConfig()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "DATABASE_URL")
}

func TestLoadConfigRequiresJWTSecret(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://example")
	t.Setenv("JWT_SECRET", " ")

	_, err := LoadConfig()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "JWT_SECRET")
}

func TestLoadConfigParsesJSONModelCosts(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("MODEL_COSTS", `{"sora-2": 10, "veo3-fast": 4}`)

	cfg, err := LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, CostMap{"sora-2": 10, "veo3-fast": 4}, cfg.ModelCosts)
}

func TestLoadConfigParsesPairModelCosts(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("MODEL_COSTS", "sora-2:10, veo3-fast:4,")
	t.Setenv("RETRY_MAX_ATTEMPTS", "5")
	t.Setenv("RETRY_DELAY", "250ms")

	cfg, err := LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, CostMap{"sora-2": 10, "veo3-fast": 4}, cfg.ModelCosts)
	assert.Equal(t, 5, cfg.RetryMaxAttempts)
	assert.Equal(t, 250*time.Millisecond, cfg.RetryDelay)
}

func TestCostMapDecodeRejectsInvalidInput(t *testing.T) {
	cases := map[string]string{
		"negative":    `{"sora-2": -1}`,
		"bad json":    `{"sora-2": }`,
		"missing sep": "sora-2",
		"bad number":  "sora-2:ten",
		"empty model": ":4",
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			var m CostMap
			assert.Error(t, m.Decode(raw))
		})
	}
}
