package observability

import (
	"strings"

	"github.com/smallbiznis/caisse/internal/config"
)

// Config is the part of the application configuration the observability
// stack reads, with service identity resolved.
type Config struct {
	ServiceName string
	Environment string
	Version     string

	config.ObservabilityConfig
}

func LoadConfig(cfg config.Config) Config {
	name := strings.TrimSpace(cfg.AppName)
	if name == "" {
		name = "caisse"
	}
	return Config{
		ServiceName:         name,
		Environment:         strings.TrimSpace(cfg.Environment),
		Version:             strings.TrimSpace(cfg.AppVersion),
		ObservabilityConfig: cfg.Observe,
	}
}

// Debug reports whether verbose logging is wanted: an explicit debug level
// or a non-shared environment.
func (c Config) Debug() bool {
	if c.LogLevel == "debug" {
		return true
	}
	switch strings.ToLower(c.Environment) {
	case "dev", "development", "local", "test":
		return true
	}
	return false
}
