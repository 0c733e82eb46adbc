package config

import (
	"os"
	"path/filepath"
	"runtime"
)

// LogDirectory returns the log directory for requestd.
//   - Windows: %LOCALAPPDATA%\requestd\logs
//   - Unix: ~/.config/requestd/logs
func LogDirectory() string {
	if runtime.GOOS == "windows" {
		localAppData := os.Getenv("LOCALAPPDATA")
		if localAppData == "" {
			homeDir, err := os.UserHomeDir()
			if err != nil {
				return filepath.Join(os.TempDir(), "requestd-logs")
			}
			localAppData = filepath.Join(homeDir, "AppData", "Local")
		}
		return filepath.Join(localAppData, "requestd", "logs")
	}

	configDir, err := os.UserConfigDir()
	if err != nil {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return filepath.Join(os.TempDir(), "requestd-logs")
		}
		return filepath.Join(homeDir, ".config", "requestd", "logs")
	}
	return filepath.Join(configDir, "requestd", "logs")
}

// EnsureLogDirectory creates the log directory if it doesn't exist,
// restricted to owner-only access.
func EnsureLogDirectory() error {
	return os.MkdirAll(LogDirectory(), 0o700)
}
