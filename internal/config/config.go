package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds all application configuration
type Config struct {
	Port     string
	MongoURI string

	// Case library
	CaseLibraryDir string // optional directory of JSON case files, hot-reloaded
	GatePolicyFile string // optional YAML override for the stage gate policy

	// Generative responder (OpenAI-compatible chat completions endpoint)
	ResponderBaseURL string
	ResponderAPIKey  string
	ResponderModel   string

	// Cache and persistence tuning
	CaseCacheTTL          time.Duration
	SessionCacheTTL       time.Duration
	CacheEvictionInterval time.Duration
	SessionFlushInterval  time.Duration

	// Completion summary
	PassMarkPercent float64
}

// Load loads configuration from environment variables with defaults
func Load() *Config {
	return &Config{
		Port:     getEnv("PORT", "3001"),
		MongoURI: getEnv("MONGODB_URI", ""),

		CaseLibraryDir: getEnv("CASE_LIBRARY_DIR", ""),
		GatePolicyFile: getEnv("GATE_POLICY_FILE", ""),

		ResponderBaseURL: getEnv("RESPONDER_BASE_URL", ""),
		ResponderAPIKey:  getEnv("RESPONDER_API_KEY", ""),
		ResponderModel:   getEnv("RESPONDER_MODEL", "gpt-4o-mini"),

		CaseCacheTTL:          getDurationEnv("CASE_CACHE_TTL", time.Hour),
		SessionCacheTTL:       getDurationEnv("SESSION_CACHE_TTL", time.Hour),
		CacheEvictionInterval: getDurationEnv("CACHE_EVICTION_INTERVAL", 5*time.Minute),
		SessionFlushInterval:  getDurationEnv("SESSION_FLUSH_INTERVAL", 60*time.Second),

		PassMarkPercent: getFloatEnv("PASS_MARK_PERCENT", 60.0),
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		parsed, err := time.ParseDuration(value)
		if err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getFloatEnv(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		parsed, err := strconv.ParseFloat(value, 64)
		if err == nil {
			return parsed
		}
	}
	return defaultValue
}
