package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// DefaultAPIURL is the local placeholder used when no backend is configured.
// Presence announcements are skipped against it to keep disconnected
// development setups quiet.
const DefaultAPIURL = "http://localhost:8082"

type Config struct {
	Port             string
	AllowedOrigins   []string
	AllowCredentials bool
	RedisHost        string
	RedisPort        string
	RedisPassword    string
	KafkaBrokers     []string
	Environment      string

	// Client settings
	APIURL                 string
	AuthToken              string
	MaxReconnectAttempts   int
	HeartbeatInterval      time.Duration
	TypingDebounce         time.Duration
	PresenceUpdateInterval time.Duration
}

func LoadConfig() *Config {
	allowedOrigins := []string{"*"}
	if origins := os.Getenv("ALLOWED_ORIGINS"); origins != "" {
		allowedOrigins = strings.Split(origins, ",")
		for i, origin := range allowedOrigins {
			allowedOrigins[i] = strings.TrimSpace(origin)
		}
	}

	kafkaBrokers := []string{"localhost:9092"}
	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		kafkaBrokers = strings.Split(brokers, ",")
		for i, broker := range kafkaBrokers {
			kafkaBrokers[i] = strings.TrimSpace(broker)
		}
	}

	return &Config{
		Port:             getEnv("PORT", "8082"),
		AllowedOrigins:   allowedOrigins,
		AllowCredentials: getEnv("ALLOW_CREDENTIALS", "false") == "true",
		RedisHost:        getEnv("REDIS_HOST", "localhost"),
		RedisPort:        getEnv("REDIS_PORT", "6379"),
		RedisPassword:    getEnv("REDIS_PASSWORD", ""),
		KafkaBrokers:     kafkaBrokers,
		Environment:      getEnv("ENVIRONMENT", "development"),

		APIURL:                 getEnv("API_URL", DefaultAPIURL),
		AuthToken:              getEnv("AUTH_TOKEN", ""),
		MaxReconnectAttempts:   getEnvInt("MAX_RECONNECT_ATTEMPTS", 10),
		HeartbeatInterval:      getEnvMillis("HEARTBEAT_INTERVAL_MS", 30000),
		TypingDebounce:         getEnvMillis("TYPING_DEBOUNCE_MS", 1000),
		PresenceUpdateInterval: getEnvMillis("PRESENCE_UPDATE_INTERVAL_MS", 60000),
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func getEnvMillis(key string, defaultValue int) time.Duration {
	return time.Duration(getEnvInt(key, defaultValue)) * time.Millisecond
}

// GetCORSOrigins returns CORS origins as a comma-separated string
func (c *Config) GetCORSOrigins() string {
	if c.Environment == "production" && len(c.AllowedOrigins) > 0 && c.AllowedOrigins[0] != "*" {
		return strings.Join(c.AllowedOrigins, ",")
	}
	return "*"
}

// IsDevelopment returns true if environment is development
func (c *Config) IsDevelopment() bool {
	return c.Environment == "development"
}

// IsProduction returns true if environment is production
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}
