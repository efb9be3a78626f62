package config

import (
	"os"
	"path/filepath"
)

// Root is the operational base directory for LabelOps state.
func Root() string {
	return getEnv("LABELOPS_ROOT", "/var/lib/labelops")
}

// ConfigPath is the client configuration document location.
func ConfigPath() string {
	return getEnv("LABELOPS_CONFIG", filepath.Join(Root(), "config", "clients.yaml"))
}

// ClientsRoot is the base directory for per-client folders.
func ClientsRoot() string {
	return getEnv("LABELOPS_CLIENTS_ROOT", filepath.Join(Root(), "clients"))
}

// LogDir is where rotated log files are written.
func LogDir() string {
	return getEnv("LABELOPS_LOG_DIR", filepath.Join(Root(), "logs"))
}

// AllowlistPath is the Telegram chat allowlist location.
func AllowlistPath() string {
	return getEnv("LABELOPS_ALLOWLIST", filepath.Join(Root(), "config", "telegram_allowlist.json"))
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
