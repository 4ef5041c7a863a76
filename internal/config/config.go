package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	// Relay server
	ServerPort string
	ServerHost string

	DBHost     string
	DBPort     string
	DBUser     string
	DBPassword string
	DBName     string
	DBSSLMode  string
	// DBDebug logs every SQL statement
	DBDebug bool

	// JWTSecret enables token checks on subscriptions when set
	JWTSecret string
	// Advertise registers the relay over mDNS
	Advertise bool

	// Observability
	JaegerEndpoint   string
	TraceSampleRatio float64

	// Client
	ServerURL  string
	DocumentID string
	UserID     string
	UserName   string
	UserEmail  string
	Token      string

	Session Session
}

func Load() (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	cfg := &Config{
		ServerPort: getEnv("SERVER_PORT", "8080"),
		ServerHost: getEnv("SERVER_HOST", "localhost"),

		DBHost:     getEnv("DB_HOST", "localhost"),
		DBPort:     getEnv("DB_PORT", "5432"),
		DBUser:     getEnv("DB_USER", "postgres"),
		DBPassword: getEnv("DB_PASSWORD", "postgres"),
		DBName:     getEnv("DB_NAME", "livesync"),
		DBSSLMode:  getEnv("DB_SSLMODE", "disable"),
		DBDebug:    getEnvBool("DB_DEBUG", false),

		JWTSecret: getEnv("JWT_SECRET", ""),
		Advertise: getEnvBool("RELAY_ADVERTISE", false),

		JaegerEndpoint:   getEnv("JAEGER_ENDPOINT", "http://localhost:14268/api/traces"),
		TraceSampleRatio: getEnvFloat("TRACE_SAMPLE_RATIO", 1),

		ServerURL:  getEnv("LIVESYNC_URL", "ws://localhost:8080/cable"),
		DocumentID: getEnv("LIVESYNC_DOCUMENT", ""),
		UserID:     getEnv("LIVESYNC_USER_ID", ""),
		UserName:   getEnv("LIVESYNC_USER_NAME", ""),
		UserEmail:  getEnv("LIVESYNC_USER_EMAIL", ""),
		Token:      getEnv("LIVESYNC_TOKEN", ""),
	}

	session, err := loadSession()
	if err != nil {
		return nil, err
	}
	cfg.Session = session

	return cfg, nil
}

// loadSession layers env overrides and an optional tuning file on top of
// DefaultSession. The file wins over the environment.
func loadSession() (Session, error) {
	s := DefaultSession()

	s.AutoReconnect = getEnvBool("LIVESYNC_AUTO_RECONNECT", s.AutoReconnect)
	s.ReconnectDelay = getEnvDuration("LIVESYNC_RECONNECT_DELAY", s.ReconnectDelay)
	s.MaxReconnectDelay = getEnvDuration("LIVESYNC_MAX_RECONNECT_DELAY", s.MaxReconnectDelay)
	s.MaxReconnectAttempts = getEnvInt("LIVESYNC_MAX_RECONNECT_ATTEMPTS", s.MaxReconnectAttempts)
	s.BackoffMultiplier = getEnvFloat("LIVESYNC_BACKOFF_MULTIPLIER", s.BackoffMultiplier)
	s.ConnectionTimeout = getEnvDuration("LIVESYNC_CONNECTION_TIMEOUT", s.ConnectionTimeout)
	s.HeartbeatInterval = getEnvDuration("LIVESYNC_HEARTBEAT_INTERVAL", s.HeartbeatInterval)
	s.OperationAckTimeout = getEnvDuration("LIVESYNC_ACK_TIMEOUT", s.OperationAckTimeout)
	s.QueueCapacity = getEnvInt("LIVESYNC_QUEUE_CAPACITY", s.QueueCapacity)

	if path := getEnv("LIVESYNC_CONFIG", ""); path != "" {
		if err := LoadTuningFile(path, &s); err != nil {
			return Session{}, err
		}
	}

	if err := s.Validate(); err != nil {
		return Session{}, err
	}
	return s, nil
}

func (c *Config) DatabaseURL() string {
	return fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		c.DBHost, c.DBPort, c.DBUser, c.DBPassword, c.DBName, c.DBSSLMode)
}

// RelayAddr is the listen address of the relay server
func (c *Config) RelayAddr() string {
	return fmt.Sprintf("%s:%s", c.ServerHost, c.ServerPort)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(strings.TrimSpace(value)); err == nil {
			return n
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(strings.TrimSpace(value)); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(strings.TrimSpace(value), 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(strings.TrimSpace(value)); err == nil {
			return d
		}
	}
	return defaultValue
}
