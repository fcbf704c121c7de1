package config

import (
	"log"
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

// Backend names for the realtime store.
const (
	BackendMemory    = "memory"
	BackendRedis     = "redis"
	BackendWebsocket = "websocket"
)

// Config holds all environment configuration values for the client.
// These values are loaded from a .env file at startup.
type Config struct {
	// Backend selects the realtime store implementation:
	// memory (offline demo), redis, or websocket
	Backend string

	// RedisAddress is the Redis host:port for the redis backend
	RedisAddress string

	// RedisPassword is the Redis auth password, if any
	RedisPassword string

	// RedisDB is the Redis database number
	RedisDB int

	// GatewayURL is the ws:// or wss:// endpoint of the hosted realtime
	// store gateway for the websocket backend
	GatewayURL string

	// AuthBaseURL is the hosted identity provider's base URL.
	// Empty selects the in-memory mock provider (offline demo).
	AuthBaseURL string

	// AuthAPIKey is the identity provider API key
	AuthAPIKey string

	// RoomRoot is the store path prefix for this room's collections
	RoomRoot string

	// LogLevel is the zerolog level name (debug, info, warn, error)
	LogLevel string
}

// Load reads environment variables and returns a populated Config struct.
// It will load from a .env file if present, then read from environment
// variables. Falls back to sensible defaults if values are not set.
func Load() *Config {
	// Attempt to load .env file - not an error if it doesn't exist
	// as we may be running with real environment variables
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables")
	}

	config := &Config{
		Backend:       getEnv("ROOM_BACKEND", BackendMemory),
		RedisAddress:  getEnv("REDIS_ADDRESS", "localhost:6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getEnvInt("REDIS_DB", 0),
		GatewayURL:    getEnv("STORE_GATEWAY_URL", ""),
		AuthBaseURL:   getEnv("AUTH_BASE_URL", ""),
		AuthAPIKey:    getEnv("AUTH_API_KEY", ""),
		RoomRoot:      getEnv("ROOM_ROOT", "upper-room"),
		LogLevel:      getEnv("LOG_LEVEL", "info"),
	}

	// Validate backend-specific configuration
	if config.Backend == BackendWebsocket && config.GatewayURL == "" {
		log.Println("WARNING: STORE_GATEWAY_URL is not set")
	}
	if config.AuthBaseURL != "" && config.AuthAPIKey == "" {
		log.Println("WARNING: AUTH_API_KEY is not set")
	}

	return config
}

// getEnv retrieves an environment variable or returns a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt retrieves an integer environment variable or returns a default value
func getEnvInt(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		log.Printf("WARNING: %s is not an integer, using default %d", key, defaultValue)
		return defaultValue
	}
	return n
}
