package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoadConfigDefaults(t *testing.T) {
	cfg := LoadConfig()

	assert.Equal(t, "8082", cfg.Port)
	assert.Equal(t, DefaultAPIURL, cfg.APIURL)
	assert.Equal(t, 10, cfg.MaxReconnectAttempts)
	assert.Equal(t, 30*time.Second, cfg.HeartbeatInterval)
	assert.Equal(t, time.Second, cfg.TypingDebounce)
	assert.Equal(t, time.Minute, cfg.PresenceUpdateInterval)
	assert.Equal(t, []string{"localhost:9092"}, cfg.KafkaBrokers)
	assert.True(t, cfg.IsDevelopment())
}

func TestLoadConfigOverrides(t *testing.T) {
	t.Setenv("API_URL", "https://crm.example.com")
	t.Setenv("AUTH_TOKEN", "tok")
	t.Setenv("MAX_RECONNECT_ATTEMPTS", "3")
	t.Setenv("HEARTBEAT_INTERVAL_MS", "5000")
	t.Setenv("TYPING_DEBOUNCE_MS", "250")
	t.Setenv("KAFKA_BROKERS", "k1:9092, k2:9092")
	t.Setenv("ENVIRONMENT", "production")
	t.Setenv("ALLOWED_ORIGINS", "https://app.example.com, https://admin.example.com")

	cfg := LoadConfig()
	assert.Equal(t, "https://crm.example.com", cfg.APIURL)
	assert.Equal(t, "tok", cfg.AuthToken)
	assert.Equal(t, 3, cfg.MaxReconnectAttempts)
	assert.Equal(t, 5*time.Second, cfg.HeartbeatInterval)
	assert.Equal(t, 250*time.Millisecond, cfg.TypingDebounce)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.KafkaBrokers)
	assert.True(t, cfg.IsProduction())
	assert.Equal(t, "https://app.example.com,https://admin.example.com", cfg.GetCORSOrigins())
}

func TestCORSOriginsFallBackToWildcard(t *testing.T) {
	t.Setenv("ENVIRONMENT", "development")
	t.Setenv("ALLOWED_ORIGINS", "https://app.example.com")
	assert.Equal(t, "*", LoadConfig().GetCORSOrigins())
}
