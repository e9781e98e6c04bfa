package config

import (
	"os"
	"path/filepath"
	"runtime"
)

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		Version: Version,
		Detection: DetectionConfig{
			MinPasteLines:      20,
			MinStreamingLines:  20,
			TypingSpeedCPS:     110,
			DebounceMs:         100,
			WholeDocumentRatio: 0.8,
		},
		Persistence: PersistenceConfig{
			ManifestPath:    filepath.Join(".reviewd", "manifest.json"),
			AutosaveDelayMs: 3000,
		},
		Storage: StorageConfig{
			Enabled:       true,
			Path:          filepath.Join(DataDir(), "detections.db"),
			BusyTimeoutMs: 5000,
		},
		Watch: WatchConfig{
			Enabled:    true,
			DebounceMs: 1000,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
		IPC: IPCConfig{
			SocketPath: filepath.Join(DataDir(), "reviewd.sock"),
		},
	}
}

// DataDir returns the platform-specific data directory.
//
// Platform paths:
//   - macOS:   ~/Library/Application Support/reviewd/
//   - Linux:   ~/.local/share/reviewd/
//   - Windows: %APPDATA%\reviewd\
//
// Falls back to ~/.reviewd if platform detection fails.
func DataDir() string {
	switch runtime.GOOS {
	case "darwin":
		home, _ := os.UserHomeDir()
		return filepath.Join(home, "Library", "Application Support", "reviewd")
	case "windows":
		if appData := os.Getenv("APPDATA"); appData != "" {
			return filepath.Join(appData, "reviewd")
		}
		return fallbackDir()
	default:
		if dataHome := os.Getenv("XDG_DATA_HOME"); dataHome != "" {
			return filepath.Join(dataHome, "reviewd")
		}
		home, _ := os.UserHomeDir()
		if home == "" {
			return fallbackDir()
		}
		return filepath.Join(home, ".local", "share", "reviewd")
	}
}

// ConfigDir returns the platform-specific config directory.
func ConfigDir() string {
	switch runtime.GOOS {
	case "darwin", "windows":
		return DataDir()
	default:
		if cfgHome := os.Getenv("XDG_CONFIG_HOME"); cfgHome != "" {
			return filepath.Join(cfgHome, "reviewd")
		}
		home, _ := os.UserHomeDir()
		if home == "" {
			return fallbackDir()
		}
		return filepath.Join(home, ".config", "reviewd")
	}
}

// DefaultConfigPath returns the default config file location.
func DefaultConfigPath() string {
	return filepath.Join(ConfigDir(), "config.toml")
}

func fallbackDir() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".reviewd")
}
