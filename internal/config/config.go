// Package config reads process configuration from the environment.
package config

import (
	"os"
	"strconv"
)

// Log output forms accepted by LOG_FORMAT.
const (
	LogFormatJSON = "json"
	LogFormatText = "text"
	LogFormatBoth = "both"
)

type Config struct {
	// AnthropicAPIKey authenticates against the Messages API. The SDK also
	// reads it from the environment; kept here so startup can fail early.
	AnthropicAPIKey string
	// ServerPath is the checkout directory of the FHL Bible MCP server.
	ServerPath string
	// MaxHistory bounds transcript retention in turns; 0 keeps everything.
	MaxHistory int
	// MaxToolIterations bounds tool-use cycles per user message; 0 means no
	// bound, matching the behaviour this guard was added to contain.
	MaxToolIterations int
	// EnableLogging toggles the per-session conversation log files.
	EnableLogging bool
	// LogFormat is one of json, text or both.
	LogFormat string
	// LogDir is where session logs are written.
	LogDir string
	// Debug raises operational log verbosity.
	Debug bool
}

func Load() *Config {
	return &Config{
		AnthropicAPIKey:   getEnv("ANTHROPIC_API_KEY", ""),
		ServerPath:        getEnv("FHL_SERVER_PATH", "FHL-MCP-Server"),
		MaxHistory:        getEnvInt("MAX_HISTORY", 10),
		MaxToolIterations: getEnvInt("MAX_TOOL_ITERATIONS", 25),
		EnableLogging:     getEnv("ENABLE_LOGGING", "true") == "true",
		LogFormat:         getLogFormat(),
		LogDir:            getEnv("LOG_DIR", "logs"),
		Debug:             getEnv("DEBUG", "false") == "true",
	}
}

func getLogFormat() string {
	switch v := getEnv("LOG_FORMAT", LogFormatBoth); v {
	case LogFormatJSON, LogFormatText, LogFormatBoth:
		return v
	default:
		return LogFormatBoth
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	n, err := strconv.Atoi(value)
	if err != nil || n < 0 {
		return defaultValue
	}
	return n
}
