package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	for _, k := range []string{"REDIS_ADDR", "POSITION_SOURCE", "POLL_INTERVAL", "PRICE_DECIMALS", "POLL_RATE_PER_SEC", "TELEGRAM_BOT_TOKEN", "TELEGRAM_CHAT_ID", "GATEWAY_REDIS_SUBSCRIBE"} {
		t.Setenv(k, "")
	}
	cfg := Load()
	assert.Equal(t, "localhost:6379", cfg.RedisAddr)
	assert.Equal(t, SourceRedis, cfg.PositionSource)
	assert.Equal(t, 2*time.Second, cfg.PollInterval)
	assert.Equal(t, 2, cfg.PriceDecimals)
	assert.Equal(t, 1.0, cfg.PollRatePerSec)
	assert.False(t, cfg.GatewayRedisSubscribe)
	require.NoError(t, cfg.Validate())
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("POSITION_SOURCE", "ANGEL")
	t.Setenv("POLL_INTERVAL", "5")
	t.Setenv("PRICE_DECIMALS", "4")
	t.Setenv("POLL_RATE_PER_SEC", "0.5")
	t.Setenv("GATEWAY_ADDR", ":8088")
	t.Setenv("GATEWAY_REDIS_SUBSCRIBE", "true")

	cfg := Load()
	assert.Equal(t, SourceAngel, cfg.PositionSource)
	assert.Equal(t, 5*time.Second, cfg.PollInterval)
	assert.Equal(t, 4, cfg.PriceDecimals)
	assert.Equal(t, 0.5, cfg.PollRatePerSec)
	assert.Equal(t, ":8088", cfg.GatewayAddr)
	assert.True(t, cfg.GatewayRedisSubscribe)
}

func TestGetEnvBool(t *testing.T) {
	t.Setenv("X_BOOL", "1")
	assert.True(t, getEnvBool("X_BOOL", false))

	t.Setenv("X_BOOL", "maybe")
	assert.True(t, getEnvBool("X_BOOL", true))

	t.Setenv("X_BOOL", "")
	assert.False(t, getEnvBool("X_BOOL", false))
}

func TestGetEnvDuration(t *testing.T) {
	t.Setenv("X_DUR", "750ms")
	assert.Equal(t, 750*time.Millisecond, getEnvDuration("X_DUR", time.Second))

	t.Setenv("X_DUR", "bogus")
	assert.Equal(t, time.Second, getEnvDuration("X_DUR", time.Second))
}

func TestValidate(t *testing.T) {
	base := func() Config {
		return Config{PositionSource: SourceRedis, PollInterval: time.Second, PollRatePerSec: 1, PriceDecimals: 2}
	}

	cfg := base()
	assert.NoError(t, cfg.Validate())

	cfg = base()
	cfg.PositionSource = SourceAngel
	cfg.AngelAPIKey = "k"
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ANGEL_CLIENT_CODE, ANGEL_PASSWORD, ANGEL_TOTP_SECRET")

	cfg.AngelClientCode, cfg.AngelPassword, cfg.AngelTOTPSecret = "c", "p", "s"
	assert.NoError(t, cfg.Validate())

	cfg = base()
	cfg.PositionSource = "kafka"
	assert.Error(t, cfg.Validate())

	cfg = base()
	cfg.PollInterval = 0
	assert.Error(t, cfg.Validate())

	cfg = base()
	cfg.PriceDecimals = 12
	assert.Error(t, cfg.Validate())

	cfg = base()
	cfg.TelegramBotToken = "123:abc"
	assert.Error(t, cfg.Validate())
	cfg.TelegramChatID = "-100"
	assert.NoError(t, cfg.Validate())
}
