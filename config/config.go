package config

import (
	"errors"
	"fmt"
	"log"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Position sources.
const (
	SourceRedis = "redis" // raw snapshots written to Redis by the execution side
	SourceAngel = "angel" // Angel One SmartAPI getPosition
)

// Config holds all application configuration loaded from environment variables.
type Config struct {
	// Angel One credentials (only needed when PositionSource == "angel")
	AngelAPIKey     string
	AngelClientCode string
	AngelPassword   string
	AngelTOTPSecret string

	// Infrastructure
	RedisAddr     string
	RedisPassword string
	SQLitePath    string
	GatewayAddr   string
	MetricsAddr   string

	// GatewayRedisSubscribe feeds the WebSocket hub from the Redis
	// pub:position:* channels instead of the in-process poller.
	GatewayRedisSubscribe bool

	// Polling
	PositionSource string
	PollInterval   time.Duration
	PollRatePerSec float64

	// Display
	PriceDecimals int
	FieldMapPath  string

	// Alerts (each channel optional)
	AlertWebhookURL  string
	TelegramBotToken string
	TelegramChatID   string
	AlertAfter       int

	LogLevel string
}

// Load reads configuration from the environment, after loading .env when
// present.
func Load() *Config {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Printf("[config] ignoring .env: %v", err)
	}

	return &Config{
		AngelAPIKey:     os.Getenv("ANGEL_API_KEY"),
		AngelClientCode: os.Getenv("ANGEL_CLIENT_CODE"),
		AngelPassword:   os.Getenv("ANGEL_PASSWORD"),
		AngelTOTPSecret: os.Getenv("ANGEL_TOTP_SECRET"),

		RedisAddr:     getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		SQLitePath:    getEnv("SQLITE_PATH", "data/marks.db"),
		GatewayAddr:   getEnv("GATEWAY_ADDR", ":9090"),
		MetricsAddr:   getEnv("METRICS_ADDR", ":9091"),

		GatewayRedisSubscribe: getEnvBool("GATEWAY_REDIS_SUBSCRIBE", false),

		PositionSource: strings.ToLower(getEnv("POSITION_SOURCE", SourceRedis)),
		PollInterval:   getEnvDuration("POLL_INTERVAL", 2*time.Second),
		PollRatePerSec: getEnvFloat("POLL_RATE_PER_SEC", 1),

		PriceDecimals: getEnvInt("PRICE_DECIMALS", 2),
		FieldMapPath:  getEnv("FIELD_MAP_PATH", ""),

		AlertWebhookURL:  getEnv("ALERT_WEBHOOK_URL", ""),
		TelegramBotToken: getEnv("TELEGRAM_BOT_TOKEN", ""),
		TelegramChatID:   getEnv("TELEGRAM_CHAT_ID", ""),
		AlertAfter:       getEnvInt("ALERT_AFTER_FAILURES", 3),

		LogLevel: getEnv("LOG_LEVEL", "info"),
	}
}

// Validate reports the first inconsistent setting.
func (c *Config) Validate() error {
	switch c.PositionSource {
	case SourceRedis:
	case SourceAngel:
		var missing []string
		for name, v := range map[string]string{
			"ANGEL_API_KEY":     c.AngelAPIKey,
			"ANGEL_CLIENT_CODE": c.AngelClientCode,
			"ANGEL_PASSWORD":    c.AngelPassword,
			"ANGEL_TOTP_SECRET": c.AngelTOTPSecret,
		} {
			if v == "" {
				missing = append(missing, name)
			}
		}
		if len(missing) > 0 {
			sort.Strings(missing)
			return fmt.Errorf("position source %q requires %s", c.PositionSource, strings.Join(missing, ", "))
		}
	default:
		return fmt.Errorf("unknown POSITION_SOURCE %q (want %q or %q)", c.PositionSource, SourceRedis, SourceAngel)
	}

	if c.PollInterval <= 0 {
		return fmt.Errorf("POLL_INTERVAL must be positive, got %v", c.PollInterval)
	}
	if c.PollRatePerSec <= 0 {
		return fmt.Errorf("POLL_RATE_PER_SEC must be positive, got %v", c.PollRatePerSec)
	}
	if c.PriceDecimals < 0 || c.PriceDecimals > 8 {
		return fmt.Errorf("PRICE_DECIMALS must be in [0,8], got %d", c.PriceDecimals)
	}
	if (c.TelegramBotToken == "") != (c.TelegramChatID == "") {
		return errors.New("TELEGRAM_BOT_TOKEN and TELEGRAM_CHAT_ID must be set together")
	}
	return nil
}

func getEnv(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func getEnvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		log.Printf("[config] invalid %s=%q, using %d", key, v, fallback)
		return fallback
	}
	return n
}

func getEnvFloat(key string, fallback float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
	if err != nil {
		log.Printf("[config] invalid %s=%q, using %v", key, v, fallback)
		return fallback
	}
	return f
}

func getEnvBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(strings.TrimSpace(v))
	if err != nil {
		log.Printf("[config] invalid %s=%q, using %v", key, v, fallback)
		return fallback
	}
	return b
}

// getEnvDuration accepts Go durations ("500ms", "2s") or plain seconds ("5").
func getEnvDuration(key string, fallback time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second
	}
	log.Printf("[config] invalid %s=%q, using %v", key, v, fallback)
	return fallback
}
