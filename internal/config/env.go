package config

import (
	"os"
	"strconv"
)

// LoadFromEnv overrides configuration from environment variables.
func LoadFromEnv(cfg *Config) {
	if target := os.Getenv("LOADAGENT_TARGET"); target != "" {
		cfg.Target = target
	}

	if testType := os.Getenv("LOADAGENT_TEST_TYPE"); testType != "" {
		cfg.TestType = testType
	}

	if vus := os.Getenv("LOADAGENT_TOTAL_VUS"); vus != "" {
		if n, err := strconv.Atoi(vus); err == nil {
			cfg.Distribution.TotalVUs = n
		}
	}

	if duration := os.Getenv("LOADAGENT_DURATION"); duration != "" {
		cfg.Distribution.Duration = duration
	}

	if mode := os.Getenv("LOADAGENT_STORAGE_MODE"); mode != "" {
		cfg.Storage.Mode = mode
	}

	if logLevel := os.Getenv("LOADAGENT_LOG_LEVEL"); logLevel != "" {
		cfg.LogLevel = logLevel
	}
}

// GetEnvOrDefault returns environment variable or default value.
func GetEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
